package runner

import (
	"context"
	"errors"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/client"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

// heartbeatLoop reports liveness until Stop.
func (r *Runner) heartbeatLoop() {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.sendHeartbeat(); err != nil {
				r.logger.Warn().Err(err).Msg("Heartbeat failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// sendHeartbeat posts one heartbeat. A 404 means the host forgot this
// node (restart, eviction); the runner re-runs full registration.
func (r *Runner) sendHeartbeat() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cpuPct, memUsed, memTotal, temp := sampleLoad()
	gpus := detectGPUs(ctx)
	// When a GPU is VFIO-bound the host driver cannot see it; the in-VM
	// agent's telemetry stands in.
	for _, inst := range r.vms.List() {
		gpus = append(gpus, inst.GPUInfo...)
	}

	killed := r.takeKilled()
	req := &types.HeartbeatRequest{
		RunningTasks: r.runningIDs(),
		KilledTasks:  killed,
		CPUPercent:   cpuPct,
		MemoryUsed:   memUsed,
		MemoryTotal:  memTotal,
		TempCelsius:  temp,
		GPUs:         gpus,
		VMCapable:    vmCapable(),
		VFIOGPUs:     detectVFIOGPUs(gpus),
		Version:      Version,
	}

	err := r.hostC.Heartbeat(ctx, r.cfg.Hostname, req)
	if err != nil {
		// Requeue undelivered killed reports for the next beat.
		for _, id := range killed {
			r.queueKilled(id)
		}
		if errors.Is(err, client.ErrUnknownNode) {
			r.logger.Warn().Msg("Host does not know this node; re-registering")
			return r.register(ctx)
		}
		return err
	}
	return nil
}
