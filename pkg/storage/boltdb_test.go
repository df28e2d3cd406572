package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(filepath.Join(t.TempDir(), "host.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNodeCRUD(t *testing.T) {
	s := newTestStore(t)

	node := &types.Node{
		Hostname:      "node1",
		URL:           "http://10.0.0.2:8121",
		Status:        types.NodeOnline,
		TotalCores:    16,
		TotalRAMBytes: 64 << 30,
		VMCapable:     true,
		RegisteredAt:  time.Now(),
	}
	require.NoError(t, s.CreateNode(node))

	got, err := s.GetNode("node1")
	require.NoError(t, err)
	assert.Equal(t, node.URL, got.URL)
	assert.True(t, got.VMCapable)

	_, err = s.GetNode("missing")
	assert.Error(t, err)

	// Update is an upsert keyed by hostname.
	node.Status = types.NodeOffline
	require.NoError(t, s.UpdateNode(node))
	got, err = s.GetNode("node1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeOffline, got.Status)

	nodes, err := s.ListNodes()
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestTaskCRUDAndOrdering(t *testing.T) {
	s := newTestStore(t)

	ids := []int64{100, 300, 200}
	for _, id := range ids {
		require.NoError(t, s.CreateTask(&types.Task{
			TaskID:       id,
			TaskType:     types.TaskTypeCommand,
			Status:       types.StatusAssigning,
			AssignedNode: "node1",
			SubmittedAt:  time.Now(),
		}))
	}

	got, err := s.GetTask(200)
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.TaskID)

	// Iteration order follows the big-endian id key.
	tasks, err := s.ListTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, int64(100), tasks[0].TaskID)
	assert.Equal(t, int64(200), tasks[1].TaskID)
	assert.Equal(t, int64(300), tasks[2].TaskID)

	// Row updates keyed by primary key.
	got.Status = types.StatusRunning
	require.NoError(t, s.UpdateTask(got))
	back, err := s.GetTask(200)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, back.Status)

	byNode, err := s.ListTasksByNode("node1")
	require.NoError(t, err)
	assert.Len(t, byNode, 3)
	byNode, err = s.ListTasksByNode("other")
	require.NoError(t, err)
	assert.Empty(t, byNode)
}

func TestUsersAndVPSAssignments(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateUser(&types.User{Name: "alice", Role: types.RoleOperator}))
	u, err := s.GetUser("alice")
	require.NoError(t, err)
	assert.Equal(t, types.RoleOperator, u.Role)

	require.NoError(t, s.CreateVPSAssignment(&types.VPSAssignment{TaskID: 7, User: "alice", SSHPort: 2222}))
	a, err := s.GetVPSAssignment(7)
	require.NoError(t, err)
	assert.Equal(t, 2222, a.SSHPort)

	all, err := s.ListVPSAssignments()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteVPSAssignment(7))
	_, err = s.GetVPSAssignment(7)
	assert.Error(t, err)
}
