package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/docker"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/metrics"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/overlay"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

// Execute accepts a task for background launch. The HTTP handler returns
// 202 immediately; real status flows back through /api/update.
func (r *Runner) Execute(req *types.ExecuteRequest) error {
	if req.TaskID == 0 || req.Command == "" {
		return errdefs.Validationf("task_id and command are required")
	}
	if req.ContainerName == "" && req.RegistryImage == "" {
		return errdefs.Validationf("one of container_name or registry_image is required")
	}
	// A reserved IP is only honoured with its token; the consume call
	// below is what validates the claim against the host.
	if req.ReservedIP != "" && req.ReservationToken == "" {
		return errdefs.Validationf("reserved_ip requires reservation_token")
	}

	rec := &types.RunnerTaskRecord{
		TaskID:         req.TaskID,
		TaskType:       types.TaskTypeCommand,
		Name:           docker.TaskContainerName(req.TaskID),
		AllocatedCores: req.RequiredCores,
		AllocatedGPUs:  req.RequiredGPUs,
		NUMANode:       req.TargetNUMANodeID,
		ReservedIP:     req.ReservedIP,
		CreatedAt:      time.Now(),
	}
	// Durable record lands before the container exists so a crash between
	// the two is recoverable.
	if err := r.store.PutRecord(rec); err != nil {
		return fmt.Errorf("failed to persist task record: %w", err)
	}
	r.track(rec)

	go r.runTask(req, rec)
	return nil
}

// runTask is the background executor for one batch task.
func (r *Runner) runTask(req *types.ExecuteRequest, rec *types.RunnerTaskRecord) {
	ctx := context.Background()
	logger := r.logger.With().Int64("task_id", req.TaskID).Logger()

	fail := func(msg string) {
		logger.Error().Str("error", msg).Msg("Task failed")
		r.untrack(req.TaskID)
		r.reportStatus(&types.StatusUpdate{TaskID: req.TaskID, Status: types.StatusFailed, ErrorMessage: msg})
	}

	image := req.RegistryImage
	if req.ContainerName != "" {
		if err := r.engine.EnsureImage(ctx, req.ContainerName); err != nil {
			fail(err.Error())
			return
		}
		image = docker.ImageTag(req.ContainerName)
	}

	// Reserved IPs are consumed at create time; the host validates the
	// token, binds the reservation to this container and releases it when
	// the task reaches a terminal state.
	networkName := ""
	ipv4 := ""
	if block := r.Block(); block != nil {
		networkName = overlay.DockerNetwork
		if req.ReservedIP != "" {
			consumeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			ip, err := r.hostC.ConsumeReservation(consumeCtx, req.ReservationToken, rec.Name)
			cancel()
			if err != nil {
				fail("reservation consume failed: " + err.Error())
				return
			}
			ipv4 = ip
		}
	} else if req.ReservedIP != "" {
		fail("reserved ip requested but overlay is not configured")
		return
	}

	stdout := req.StdoutPath
	stderr := req.StderrPath
	if stdout == "" {
		stdout = filepath.Join(r.cfg.TaskLogDir(), fmt.Sprintf("%d.out", req.TaskID))
	}
	if stderr == "" {
		stderr = filepath.Join(r.cfg.TaskLogDir(), fmt.Sprintf("%d.err", req.TaskID))
	}

	command := docker.ComposeShellCommand(req.Command, req.Args, req.TargetNUMANodeID, stdout, stderr, networkName != "")

	mounts := append([]types.MountSpec{
		{Source: r.cfg.SharedDir, Target: "/shared"},
		{Source: r.cfg.LocalTemp, Target: "/local_temp"},
	}, req.AdditionalMounts...)

	spec := &docker.LaunchSpec{
		Name:        rec.Name,
		Image:       image,
		Command:     command,
		Env:         req.Env,
		WorkingDir:  req.WorkingDir,
		Cores:       req.RequiredCores,
		MemoryBytes: req.RequiredMemoryBytes,
		GPUs:        req.RequiredGPUs,
		Privileged:  req.Privileged,
		Mounts:      mounts,
		NetworkName: networkName,
		IPv4:        ipv4,
	}
	containerID, err := r.engine.Launch(ctx, spec)
	if err != nil {
		fail(err.Error())
		return
	}
	metrics.ContainersStarted.Inc()
	logger.Info().Str("container", rec.Name).Msg("Task running")
	r.reportStatus(&types.StatusUpdate{TaskID: req.TaskID, Status: types.StatusRunning})

	exitCode, err := r.engine.Wait(ctx, containerID)

	// Kill removed the record before signalling the container; when the
	// record is gone the host already owns the terminal state and this
	// executor stays silent.
	if r.trackedRecord(req.TaskID) == nil {
		logger.Debug().Msg("Task was killed by host; skipping terminal report")
		return
	}
	r.untrack(req.TaskID)
	_ = r.engine.Remove(ctx, containerID)

	upd := &types.StatusUpdate{TaskID: req.TaskID, ExitCode: &exitCode}
	switch {
	case err != nil:
		upd.Status = types.StatusFailed
		upd.ErrorMessage = err.Error()
	case exitCode == 0:
		upd.Status = types.StatusCompleted
	case exitCode == 137:
		upd.Status = types.StatusKilledOOM
	default:
		upd.Status = types.StatusFailed
		upd.ErrorMessage = fmt.Sprintf("exit code %d", exitCode)
	}
	logger.Info().Int("exit_code", exitCode).Str("status", string(upd.Status)).Msg("Task finished")
	r.reportStatus(upd)
}

// Kill SIGKILLs a workload. The record is removed BEFORE the kill so the
// waiting executor cannot race a second terminal status onto the host.
func (r *Runner) Kill(ctx context.Context, req *types.KillRequest) error {
	rec := r.trackedRecord(req.TaskID)
	name := req.ContainerName
	if rec != nil {
		name = rec.Name
	}
	if name == "" {
		return errdefs.NotFoundf("task %d not tracked", req.TaskID)
	}
	r.untrack(req.TaskID)

	if rec != nil && rec.TaskType == types.TaskTypeVPS && rec.TapDevice != "" {
		// QEMU-backed workload.
		return r.vms.Stop(ctx, req.TaskID)
	}
	return r.engine.Kill(ctx, name)
}

// Pause suspends a workload.
func (r *Runner) Pause(ctx context.Context, taskID int64) error {
	rec := r.trackedRecord(taskID)
	if rec == nil {
		return errdefs.NotFoundf("task %d not tracked", taskID)
	}
	return r.engine.Pause(ctx, rec.Name)
}

// Resume unpauses a workload.
func (r *Runner) Resume(ctx context.Context, taskID int64) error {
	rec := r.trackedRecord(taskID)
	if rec == nil {
		return errdefs.NotFoundf("task %d not tracked", taskID)
	}
	return r.engine.Unpause(ctx, rec.Name)
}
