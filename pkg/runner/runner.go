package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/client"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/config"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/docker"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/log"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/overlay"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/qemu"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/storage"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/tunnel"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

// Version is stamped by the build.
var Version = "dev"

// Runner is the per-node agent: it owns local Docker and QEMU, executes
// workloads, heartbeats, and recovers in-flight work after a crash.
type Runner struct {
	cfg    *config.Runner
	hostC  *client.HostClient
	engine *docker.Engine
	vms    *qemu.Engine
	store  *storage.RunnerStore
	tunnels *tunnel.Registry
	logger zerolog.Logger

	// overlayBlock is set after registration.
	overlayMu    sync.RWMutex
	overlayBlock *types.OverlayBlock

	// tracked mirrors the durable records for the heartbeat running set.
	trackedMu sync.Mutex
	tracked   map[int64]*types.RunnerTaskRecord

	// killedPending are terminal reports that failed to deliver; they ride
	// the next heartbeat best-effort.
	killedMu      sync.Mutex
	killedPending []int64

	stopCh chan struct{}
}

// New wires a runner from its configuration.
func New(cfg *config.Runner) (*Runner, error) {
	engine, err := docker.NewEngine(cfg.ContainerDir(), cfg.ImageSyncTimeout.Duration)
	if err != nil {
		return nil, err
	}
	store, err := storage.NewRunnerStore(cfg.StateDBPath())
	if err != nil {
		return nil, err
	}
	r := &Runner{
		cfg:     cfg,
		hostC:   client.NewHostClient(cfg.HostURL),
		engine:  engine,
		store:   store,
		tunnels: tunnel.NewRegistry(),
		logger:  log.WithComponent("runner"),
		tracked: make(map[int64]*types.RunnerTaskRecord),
		stopCh:  make(chan struct{}),
	}
	r.vms = qemu.NewEngine(qemu.Config{
		QEMUBinary:    cfg.QEMUBinary,
		OVMFCodePath:  cfg.OVMFCodePath,
		OVMFVarsPath:  cfg.OVMFVarsPath,
		InstancesDir:  cfg.VMInstancesDir,
		ImagesDir:     cfg.VMImagesDir,
		SharedDir:     cfg.SharedDir,
		LocalTempDir:  cfg.LocalTemp,
		DNSServers:    cfg.DNSServers,
		RunnerURL:     r.advertisedURL(),
		HeartbeatSecs: 10,
	})
	return r, nil
}

// advertisedURL is the base url the host and the in-VM agents use.
func (r *Runner) advertisedURL() string {
	if r.cfg.URL != "" {
		return r.cfg.URL
	}
	port := r.cfg.ListenAddr
	if i := strings.LastIndexByte(port, ':'); i >= 0 {
		port = port[i+1:]
	}
	return fmt.Sprintf("http://%s:%s", r.cfg.PhysicalIP, port)
}

// Start registers with the host, brings up the overlay, reconciles crashed
// state and begins heartbeating.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.engine.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	if err := r.register(ctx); err != nil {
		return err
	}
	if err := r.reconcile(ctx); err != nil {
		r.logger.Error().Err(err).Msg("Startup reconciliation failed")
	}
	go r.heartbeatLoop()
	return nil
}

// Stop halts the background loops.
func (r *Runner) Stop() {
	close(r.stopCh)
	_ = r.store.Close()
	_ = r.engine.Close()
}

// register announces capacity and materialises the returned overlay block.
func (r *Runner) register(ctx context.Context) error {
	cores, ram, numa := detectCapacity()
	gpus := detectGPUs(ctx)
	req := &types.RegisterRequest{
		Hostname:      r.cfg.Hostname,
		URL:           r.advertisedURL(),
		TotalCores:    cores,
		TotalRAMBytes: ram,
		NUMATopology:  numa,
		GPUs:          gpus,
		VMCapable:     vmCapable(),
		VFIOGPUs:      detectVFIOGPUs(gpus),
		RunnerVersion: Version,
		PhysicalIP:    r.cfg.PhysicalIP,
	}
	resp, err := r.hostC.Register(ctx, req)
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	if resp.Overlay != nil {
		r.overlayMu.Lock()
		r.overlayBlock = resp.Overlay
		r.overlayMu.Unlock()
		net := &overlay.RunnerNetwork{Block: resp.Overlay}
		if err := net.Setup(r.cfg.PhysicalIP); err != nil {
			return fmt.Errorf("overlay setup failed: %w", err)
		}
		if err := r.engine.EnsureOverlayNetwork(ctx, overlay.DockerNetwork,
			overlay.RunnerBridge, resp.Overlay.Subnet, resp.Overlay.Gateway); err != nil {
			return err
		}
	}
	r.logger.Info().Str("hostname", r.cfg.Hostname).Int("cores", cores).Msg("Registered with host")
	return nil
}

// Block returns the overlay block, nil before registration.
func (r *Runner) Block() *types.OverlayBlock {
	r.overlayMu.RLock()
	defer r.overlayMu.RUnlock()
	return r.overlayBlock
}

// track mirrors a durable record in memory.
func (r *Runner) track(rec *types.RunnerTaskRecord) {
	r.trackedMu.Lock()
	r.tracked[rec.TaskID] = rec
	r.trackedMu.Unlock()
}

// untrack drops a task from memory and the durable store.
func (r *Runner) untrack(taskID int64) {
	r.trackedMu.Lock()
	delete(r.tracked, taskID)
	r.trackedMu.Unlock()
	_ = r.store.DeleteRecord(taskID)
}

// trackedRecord fetches the in-memory record for a task, or nil.
func (r *Runner) trackedRecord(taskID int64) *types.RunnerTaskRecord {
	r.trackedMu.Lock()
	defer r.trackedMu.Unlock()
	return r.tracked[taskID]
}

// runningIDs snapshots the tracked set for heartbeats.
func (r *Runner) runningIDs() []int64 {
	r.trackedMu.Lock()
	defer r.trackedMu.Unlock()
	out := make([]int64, 0, len(r.tracked))
	for id := range r.tracked {
		out = append(out, id)
	}
	return out
}

// queueKilled remembers a terminal report that could not be delivered.
func (r *Runner) queueKilled(taskID int64) {
	r.killedMu.Lock()
	r.killedPending = append(r.killedPending, taskID)
	r.killedMu.Unlock()
}

// takeKilled drains the pending killed reports; callers requeue on failure.
func (r *Runner) takeKilled() []int64 {
	r.killedMu.Lock()
	defer r.killedMu.Unlock()
	out := r.killedPending
	r.killedPending = nil
	return out
}

// reportStatus delivers a status update, queueing terminal reports for the
// heartbeat when the host is unreachable.
func (r *Runner) reportStatus(upd *types.StatusUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.hostC.UpdateStatus(ctx, upd); err != nil {
		r.logger.Warn().Err(err).Int64("task_id", upd.TaskID).Str("status", string(upd.Status)).Msg("Status report failed")
		if upd.Status.Terminal() {
			r.queueKilled(upd.TaskID)
		}
	}
}
