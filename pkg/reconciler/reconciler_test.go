package reconciler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/events"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/log"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/storage"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func TestReconcileMarksSilentNodesOffline(t *testing.T) {
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "host.db"))
	require.NoError(t, err)
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	interval := 5 * time.Second
	now := time.Now()
	require.NoError(t, store.UpdateNode(&types.Node{
		Hostname: "fresh", Status: types.NodeOnline, LastHeartbeat: now,
	}))
	require.NoError(t, store.UpdateNode(&types.Node{
		Hostname: "silent", Status: types.NodeOnline, LastHeartbeat: now.Add(-16 * time.Second),
	}))
	// Tasks on the silent node keep their statuses.
	require.NoError(t, store.CreateTask(&types.Task{
		TaskID: 1, Status: types.StatusRunning, AssignedNode: "silent", SubmittedAt: now,
	}))

	r := New(store, nil, broker, interval)
	require.NoError(t, r.Reconcile())

	fresh, err := store.GetNode("fresh")
	require.NoError(t, err)
	assert.Equal(t, types.NodeOnline, fresh.Status)

	silent, err := store.GetNode("silent")
	require.NoError(t, err)
	assert.Equal(t, types.NodeOffline, silent.Status)

	task, err := store.GetTask(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, task.Status, "offline node must not force task transitions")
}
