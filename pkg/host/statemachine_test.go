package host

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	terminals := []types.TaskStatus{
		types.StatusCompleted, types.StatusFailed, types.StatusKilled,
		types.StatusKilledOOM, types.StatusStopped, types.StatusLost,
	}
	targets := []types.TaskStatus{
		types.StatusRunning, types.StatusPaused, types.StatusCompleted,
		types.StatusFailed, types.StatusKilled, types.StatusLost,
	}
	for _, from := range terminals {
		for _, to := range targets {
			for _, by := range []Writer{WriterHost, WriterRunner} {
				err := validateTransition(from, to, by)
				assert.True(t, errors.Is(err, errdefs.ErrStateConflict),
					"%s -> %s by %d must be rejected", from, to, by)
			}
		}
	}
}

func TestWriterOwnership(t *testing.T) {
	tests := []struct {
		name    string
		from    types.TaskStatus
		to      types.TaskStatus
		by      Writer
		wantErr bool
	}{
		{name: "runner reports running", from: types.StatusAssigning, to: types.StatusRunning, by: WriterRunner},
		{name: "runner reports completed", from: types.StatusRunning, to: types.StatusCompleted, by: WriterRunner},
		{name: "runner reports oom", from: types.StatusRunning, to: types.StatusKilledOOM, by: WriterRunner},
		{name: "host kills", from: types.StatusRunning, to: types.StatusKilled, by: WriterHost},
		{name: "host pauses", from: types.StatusRunning, to: types.StatusPaused, by: WriterHost},
		{name: "host loses", from: types.StatusRunning, to: types.StatusLost, by: WriterHost},
		{name: "host stops vps", from: types.StatusRunning, to: types.StatusStopped, by: WriterHost},
		{name: "scheduling failure is host-authored failed", from: types.StatusAssigning, to: types.StatusFailed, by: WriterHost},
		{name: "runner cannot kill", from: types.StatusRunning, to: types.StatusKilled, by: WriterRunner, wantErr: true},
		{name: "runner cannot lose", from: types.StatusRunning, to: types.StatusLost, by: WriterRunner, wantErr: true},
		{name: "host cannot complete", from: types.StatusRunning, to: types.StatusCompleted, by: WriterHost, wantErr: true},
		{name: "host cannot fail running task", from: types.StatusRunning, to: types.StatusFailed, by: WriterHost, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTransition(tt.from, tt.to, tt.by)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPauseResumeRules(t *testing.T) {
	// Pause only from running.
	assert.NoError(t, validateTransition(types.StatusRunning, types.StatusPaused, WriterHost))
	assert.Error(t, validateTransition(types.StatusAssigning, types.StatusPaused, WriterHost))

	// A runner-authored running report is legal from paused.
	assert.NoError(t, validateTransition(types.StatusPaused, types.StatusRunning, WriterRunner))

	// Lost only applies to running or paused.
	assert.Error(t, validateTransition(types.StatusAssigning, types.StatusLost, WriterHost))
	assert.NoError(t, validateTransition(types.StatusPaused, types.StatusLost, WriterHost))
}
