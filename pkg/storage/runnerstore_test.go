package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

func TestRunnerStoreRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".kohakuriver", "runner-state.db")
	s, err := NewRunnerStore(path)
	require.NoError(t, err)
	defer s.Close()

	numa := 1
	rec := &types.RunnerTaskRecord{
		TaskID:         42,
		TaskType:       types.TaskTypeVPS,
		Name:           "vm-42",
		AllocatedCores: 4,
		AllocatedGPUs:  []int{0},
		NUMANode:       &numa,
		VMIP:           "10.128.64.200",
		TapDevice:      "tap-vm-42",
		MACAddress:     "02:aa:bb:cc:dd:ee",
		GPUPCIAddrs:    []string{"0000:65:00.0", "0000:65:00.1"},
		SSHPort:        2222,
		NetworkMode:    "overlay",
		BridgeName:     "kohaku-overlay",
		InstanceDir:    "/var/lib/kohakuriver/vm-instances/vm-42",
		CreatedAt:      time.Now(),
	}
	require.NoError(t, s.PutRecord(rec))

	got, err := s.GetRecord(42)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, rec.GPUPCIAddrs, got.GPUPCIAddrs)
	assert.Equal(t, &numa, got.NUMANode)

	missing, err := s.GetRecord(99)
	require.NoError(t, err)
	assert.Nil(t, missing)

	recs, err := s.ListRecords()
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	require.NoError(t, s.DeleteRecord(42))
	recs, err = s.ListRecords()
	require.NoError(t, err)
	assert.Empty(t, recs)
}
