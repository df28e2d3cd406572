package runner

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/qemu"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

// reconcile replays the durable task records after a runner restart. A
// workload whose container or QEMU process survived is re-adopted; one
// that died while the runner was down is reported failed and dropped. A
// runner restart therefore never orphans a workload the host still
// believes is running.
func (r *Runner) reconcile(ctx context.Context) error {
	records, err := r.store.ListRecords()
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			r.reconcileOne(ctx, rec)
			return nil
		})
	}
	return g.Wait()
}

func (r *Runner) reconcileOne(ctx context.Context, rec *types.RunnerTaskRecord) {
	alive := false
	switch {
	case rec.TapDevice != "": // QEMU-backed
		pid := qemu.ReadPid(r.vms.PidfilePath(rec.InstanceDir))
		if pid > 0 {
			r.vms.Adopt(rec, pid)
			alive = true
		}
	default:
		_, running, err := r.engine.ContainerExists(ctx, rec.Name)
		if err != nil {
			r.logger.Warn().Err(err).Int64("task_id", rec.TaskID).Msg("Reconcile inspect failed; keeping record")
			r.track(rec)
			return
		}
		alive = running
	}

	if alive {
		r.track(rec)
		r.logger.Info().Int64("task_id", rec.TaskID).Str("name", rec.Name).Msg("Re-adopted workload")
		if rec.TapDevice == "" {
			// Containers need a waiter again or their exits would go
			// unreported.
			go r.watchAdopted(rec)
		}
		return
	}

	r.logger.Warn().Int64("task_id", rec.TaskID).Str("name", rec.Name).Msg("Workload died while runner was down")
	_ = r.store.DeleteRecord(rec.TaskID)
	r.reportStatus(&types.StatusUpdate{
		TaskID:       rec.TaskID,
		Status:       types.StatusFailed,
		ErrorMessage: "detected crashed while runner was offline",
	})
}

// watchAdopted resumes waiting on a re-adopted container.
func (r *Runner) watchAdopted(rec *types.RunnerTaskRecord) {
	ctx := context.Background()
	exitCode, err := r.engine.Wait(ctx, rec.Name)
	if r.trackedRecord(rec.TaskID) == nil {
		return
	}
	r.untrack(rec.TaskID)
	_ = r.engine.Remove(ctx, rec.Name)

	upd := &types.StatusUpdate{TaskID: rec.TaskID, ExitCode: &exitCode}
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
	}
	r.reportStatus(upd)
}
