package host

import (
	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

// Writer identifies which side of the control plane may author a status.
// The runner is the sole writer of running/completed/failed/killed_oom;
// the host is the sole writer of everything else.
type Writer int

const (
	WriterHost Writer = iota
	WriterRunner
)

// statusWriter maps each status to its owning writer.
var statusWriter = map[types.TaskStatus]Writer{
	types.StatusPending:   WriterHost,
	types.StatusAssigning: WriterHost,
	types.StatusKilled:    WriterHost,
	types.StatusPaused:    WriterHost,
	types.StatusLost:      WriterHost,
	types.StatusStopped:   WriterHost,
	types.StatusRunning:   WriterRunner,
	types.StatusCompleted: WriterRunner,
	types.StatusFailed:    WriterRunner,
	types.StatusKilledOOM: WriterRunner,
}

// validateTransition enforces the task lifecycle: terminal states are
// absorbing, paused only toggles with running, and each status may only be
// written by its owner. The host additionally writes failed on a task still
// in assigning: a runner rejected the dispatch or a VM never phoned home.
// Tasks that fail scheduling are created already failed.
func validateTransition(from, to types.TaskStatus, by Writer) error {
	if from.Terminal() {
		return errdefs.Conflictf("task is already %s", from)
	}
	if owner, ok := statusWriter[to]; ok && owner != by {
		// Failing an assigning task is the one host-authored failed transition.
		if !(to == types.StatusFailed && by == WriterHost && from == types.StatusAssigning) {
			return errdefs.Conflictf("status %s not writable by this actor", to)
		}
	}
	switch to {
	case types.StatusPaused:
		if from != types.StatusRunning {
			return errdefs.Conflictf("cannot pause a %s task", from)
		}
	case types.StatusRunning:
		if from != types.StatusAssigning && from != types.StatusPaused && from != types.StatusRunning {
			return errdefs.Conflictf("cannot run from %s", from)
		}
	case types.StatusLost:
		if from != types.StatusRunning && from != types.StatusPaused {
			return errdefs.Conflictf("cannot lose a %s task", from)
		}
	}
	return nil
}
