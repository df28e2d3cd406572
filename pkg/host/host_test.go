package host

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/config"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/events"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/log"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/storage"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestHost(t *testing.T) (*Host, storage.Store) {
	t.Helper()
	cfg, err := config.LoadHost("")
	require.NoError(t, err)
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "host.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	h, err := New(cfg, store, nil, nil, broker)
	require.NoError(t, err)
	return h, store
}

func addNode(t *testing.T, store storage.Store, hostname string, cores int) {
	t.Helper()
	require.NoError(t, store.UpdateNode(&types.Node{
		Hostname:      hostname,
		URL:           "http://127.0.0.1:1", // nothing listens; dispatch is async
		Status:        types.NodeOnline,
		LastHeartbeat: time.Now(),
		TotalCores:    cores,
		TotalRAMBytes: 64 << 30,
	}))
}

func TestSubmitWithoutNodesFailsTask(t *testing.T) {
	h, store := newTestHost(t)

	_, err := h.SubmitTasks(context.Background(), &types.SubmitRequest{
		Command:       "echo hi",
		RequiredCores: 1,
		ContainerName: "envA",
	})
	assert.True(t, errors.Is(err, errdefs.ErrExhausted))

	// The audit row exists and went straight to failed; no runner involved.
	tasks, lerr := store.ListTasks()
	require.NoError(t, lerr)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.StatusFailed, tasks[0].Status)
	assert.Empty(t, tasks[0].AssignedNode)
	assert.NotNil(t, tasks[0].CompletedAt)
}

func TestSubmitValidation(t *testing.T) {
	h, _ := newTestHost(t)
	ctx := context.Background()

	_, err := h.SubmitTasks(ctx, &types.SubmitRequest{RequiredCores: 1, ContainerName: "envA"})
	assert.True(t, errors.Is(err, errdefs.ErrValidation), "missing command")

	_, err = h.SubmitTasks(ctx, &types.SubmitRequest{
		Command: "x", RequiredCores: 1, ContainerName: "a", RegistryImage: "b",
	})
	assert.True(t, errors.Is(err, errdefs.ErrValidation), "mutually exclusive images")

	_, err = h.SubmitTasks(ctx, &types.SubmitRequest{Command: "x", RequiredCores: 1})
	assert.True(t, errors.Is(err, errdefs.ErrValidation), "no image at all")

	_, err = h.SubmitTasks(ctx, &types.SubmitRequest{
		Command: "x", RequiredCores: 1, ContainerName: "a", ReservedIP: "10.128.64.5",
	})
	assert.True(t, errors.Is(err, errdefs.ErrValidation), "reserved_ip without its token")

	_, err = h.SubmitTasks(ctx, &types.SubmitRequest{
		Command: "x", RequiredCores: 1, ContainerName: "a", ReservationToken: "abcd",
	})
	assert.True(t, errors.Is(err, errdefs.ErrValidation), "token without reserved_ip")
}

func TestSubmitThreadsReservationToDispatch(t *testing.T) {
	h, store := newTestHost(t)

	execCh := make(chan types.ExecuteRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/execute" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req types.ExecuteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		execCh <- req
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	require.NoError(t, store.UpdateNode(&types.Node{
		Hostname: "node1", URL: srv.URL, Status: types.NodeOnline,
		LastHeartbeat: time.Now(), TotalCores: 8, TotalRAMBytes: 64 << 30,
	}))

	resp, err := h.SubmitTasks(context.Background(), &types.SubmitRequest{
		Command:          "echo hi",
		RequiredCores:    1,
		ContainerName:    "envA",
		Targets:          []string{"node1"},
		ReservedIP:       "10.128.64.5",
		ReservationToken: "signed-token",
	})
	require.NoError(t, err)
	require.Len(t, resp.TaskIDs, 1)

	select {
	case got := <-execCh:
		// The runner receives both halves and consumes the token at
		// container create time.
		assert.Equal(t, "10.128.64.5", got.ReservedIP)
		assert.Equal(t, "signed-token", got.ReservationToken)
	case <-time.After(5 * time.Second):
		t.Fatal("execute dispatch never reached the runner")
	}
}

func TestSubmitPlacesAndPersists(t *testing.T) {
	h, store := newTestHost(t)
	addNode(t, store, "node1", 8)

	resp, err := h.SubmitTasks(context.Background(), &types.SubmitRequest{
		Command:       "echo hi",
		RequiredCores: 1,
		ContainerName: "envA",
		Targets:       []string{"node1"},
	})
	require.NoError(t, err)
	require.Len(t, resp.TaskIDs, 1)

	tasks, err := store.ListTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.StatusAssigning, tasks[0].Status)
	assert.Equal(t, "node1", tasks[0].AssignedNode)
	assert.False(t, tasks[0].SubmittedAt.IsZero())
}

func TestSubmitPartialTargetFailure(t *testing.T) {
	h, store := newTestHost(t)
	addNode(t, store, "node1", 8)

	// The first target cannot be placed; the second can. Every target is
	// attempted and placed targets are never rolled back.
	resp, err := h.SubmitTasks(context.Background(), &types.SubmitRequest{
		Command:       "echo hi",
		RequiredCores: 1,
		ContainerName: "envA",
		Targets:       []string{"ghost", "node1"},
	})
	require.NoError(t, err)
	require.Len(t, resp.TaskIDs, 1)

	tasks, err := store.ListTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	byStatus := map[types.TaskStatus]int{}
	for _, task := range tasks {
		byStatus[task.Status]++
	}
	assert.Equal(t, 1, byStatus[types.StatusFailed], "unplaceable target keeps its audit row")
	assert.Equal(t, 1, byStatus[types.StatusAssigning])

	// Order must not matter: a failure after a success does not undo it.
	resp, err = h.SubmitTasks(context.Background(), &types.SubmitRequest{
		Command:       "echo hi",
		RequiredCores: 1,
		ContainerName: "envA",
		Targets:       []string{"node1", "ghost"},
	})
	require.NoError(t, err)
	assert.Len(t, resp.TaskIDs, 1)

	// All targets failing surfaces the error.
	_, err = h.SubmitTasks(context.Background(), &types.SubmitRequest{
		Command:       "echo hi",
		RequiredCores: 1,
		ContainerName: "envA",
		Targets:       []string{"ghost", "phantom"},
	})
	assert.True(t, errors.Is(err, errdefs.ErrValidation))
}

func TestSubmitSameTaskTwiceYieldsTwoRows(t *testing.T) {
	h, store := newTestHost(t)
	addNode(t, store, "node1", 8)

	req := &types.SubmitRequest{Command: "echo hi", RequiredCores: 1, ContainerName: "envA"}
	r1, err := h.SubmitTasks(context.Background(), req)
	require.NoError(t, err)
	r2, err := h.SubmitTasks(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, r1.TaskIDs[0], r2.TaskIDs[0])

	tasks, err := store.ListTasks()
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestApplyUpdateLifecycle(t *testing.T) {
	h, store := newTestHost(t)

	task := &types.Task{
		TaskID: 1, TaskType: types.TaskTypeCommand,
		Status: types.StatusAssigning, AssignedNode: "node1",
		SubmittedAt: time.Now(),
	}
	require.NoError(t, store.CreateTask(task))

	require.NoError(t, h.UpdateStatus(&types.StatusUpdate{TaskID: 1, Status: types.StatusRunning}))
	got, err := store.GetTask(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	code := 0
	require.NoError(t, h.UpdateStatus(&types.StatusUpdate{TaskID: 1, Status: types.StatusCompleted, ExitCode: &code}))
	got, err = store.GetTask(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, 0, *got.ExitCode)

	// Timestamps are ordered.
	assert.True(t, !got.SubmittedAt.After(*got.StartedAt))
	assert.True(t, !got.StartedAt.After(*got.CompletedAt))

	// A late runner report against the terminal row is ignored, not an error.
	require.NoError(t, h.UpdateStatus(&types.StatusUpdate{TaskID: 1, Status: types.StatusFailed}))
	got, err = store.GetTask(1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
}

func TestKillTerminalTaskConflicts(t *testing.T) {
	h, store := newTestHost(t)

	now := time.Now()
	require.NoError(t, store.CreateTask(&types.Task{
		TaskID: 2, Status: types.StatusCompleted, SubmittedAt: now, CompletedAt: &now,
	}))
	err := h.KillTask(context.Background(), 2)
	assert.True(t, errors.Is(err, errdefs.ErrStateConflict))

	err = h.KillTask(context.Background(), 404)
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestHeartbeatMarksMissingTaskLost(t *testing.T) {
	h, store := newTestHost(t)
	addNode(t, store, "node1", 8)

	require.NoError(t, store.CreateTask(&types.Task{
		TaskID: 3, Status: types.StatusRunning, AssignedNode: "node1",
		SubmittedAt: time.Now(),
	}))

	beat := &types.HeartbeatRequest{RunningTasks: nil}
	for i := 0; i < 2; i++ {
		require.NoError(t, h.Heartbeat("node1", beat))
		got, err := store.GetTask(3)
		require.NoError(t, err)
		assert.Equal(t, types.StatusRunning, got.Status, "beat %d", i)
	}
	require.NoError(t, h.Heartbeat("node1", beat))
	got, err := store.GetTask(3)
	require.NoError(t, err)
	assert.Equal(t, types.StatusLost, got.Status)

	// A heartbeat that reports the task resets the counter.
	require.NoError(t, store.CreateTask(&types.Task{
		TaskID: 4, Status: types.StatusRunning, AssignedNode: "node1",
		SubmittedAt: time.Now(),
	}))
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Heartbeat("node1", &types.HeartbeatRequest{RunningTasks: []int64{4}}))
	}
	got, err = store.GetTask(4)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
}

func TestHeartbeatUnknownNode(t *testing.T) {
	h, _ := newTestHost(t)
	err := h.Heartbeat("ghost", &types.HeartbeatRequest{})
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestSSHPortAllocation(t *testing.T) {
	h, store := newTestHost(t)

	port, err := h.allocateSSHPortLocked()
	require.NoError(t, err)
	assert.Equal(t, 2222, port)

	// Active VPS occupy ports; terminal ones free them.
	require.NoError(t, store.CreateTask(&types.Task{
		TaskID: 10, TaskType: types.TaskTypeVPS, Status: types.StatusRunning,
		SSHPort: 2222, SubmittedAt: time.Now(),
	}))
	require.NoError(t, store.CreateTask(&types.Task{
		TaskID: 11, TaskType: types.TaskTypeVPS, Status: types.StatusStopped,
		SSHPort: 2223, SubmittedAt: time.Now(),
	}))

	port, err = h.allocateSSHPortLocked()
	require.NoError(t, err)
	assert.Equal(t, 2223, port)
}

func TestParseTarget(t *testing.T) {
	hostname, numa, gpus, err := parseTarget("node1")
	require.NoError(t, err)
	assert.Equal(t, "node1", hostname)
	assert.Nil(t, numa)
	assert.Nil(t, gpus)

	hostname, numa, gpus, err = parseTarget("node1:1")
	require.NoError(t, err)
	assert.Equal(t, "node1", hostname)
	require.NotNil(t, numa)
	assert.Equal(t, 1, *numa)
	assert.Nil(t, gpus)

	hostname, numa, gpus, err = parseTarget("node1::0,1")
	require.NoError(t, err)
	assert.Equal(t, "node1", hostname)
	assert.Nil(t, numa)
	assert.Equal(t, []int{0, 1}, gpus)

	_, _, _, err = parseTarget("node1:abc")
	assert.Error(t, err)
	_, _, _, err = parseTarget("node1::x")
	assert.Error(t, err)

	hostname, numa, gpus, err = parseTarget("")
	require.NoError(t, err)
	assert.Empty(t, hostname)
	assert.Nil(t, numa)
	assert.Nil(t, gpus)
}
