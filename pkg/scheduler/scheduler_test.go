package scheduler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

func onlineNode(hostname string, cores int, ramGB int64) *types.Node {
	return &types.Node{
		Hostname:      hostname,
		Status:        types.NodeOnline,
		TotalCores:    cores,
		TotalRAMBytes: ramGB << 30,
	}
}

func activeTask(node string, cores int, memGB int64, gpus ...int) *types.Task {
	return &types.Task{
		AssignedNode:        node,
		Status:              types.StatusRunning,
		RequiredCores:       cores,
		RequiredMemoryBytes: memGB << 30,
		RequiredGPUs:        gpus,
	}
}

func TestPlaceZeroOnlineNodes(t *testing.T) {
	s := New()

	_, err := s.Place(&Request{Cores: 1}, nil, nil)
	assert.True(t, errors.Is(err, errdefs.ErrExhausted))

	offline := onlineNode("node1", 8, 32)
	offline.Status = types.NodeOffline
	_, err = s.Place(&Request{Cores: 1}, []*types.Node{offline}, nil)
	assert.True(t, errors.Is(err, errdefs.ErrExhausted))
}

func TestPlaceCapacityFilter(t *testing.T) {
	s := New()
	nodes := []*types.Node{onlineNode("node1", 8, 32)}

	// 6 of 8 cores committed.
	active := []*types.Task{activeTask("node1", 6, 8)}

	got, err := s.Place(&Request{Cores: 2}, nodes, active)
	require.NoError(t, err)
	assert.Equal(t, "node1", got.Hostname)

	_, err = s.Place(&Request{Cores: 3}, nodes, active)
	assert.True(t, errors.Is(err, errdefs.ErrExhausted))

	// Memory filter.
	_, err = s.Place(&Request{Cores: 1, MemoryBytes: 30 << 30}, nodes, active)
	assert.True(t, errors.Is(err, errdefs.ErrExhausted))
}

func TestPlaceTieBreaks(t *testing.T) {
	s := New()
	tests := []struct {
		name   string
		nodes  []*types.Node
		active []*types.Task
		want   string
	}{
		{
			name:  "most free cores wins",
			nodes: []*types.Node{onlineNode("a", 4, 16), onlineNode("b", 16, 16)},
			want:  "b",
		},
		{
			name:  "memory breaks core tie",
			nodes: []*types.Node{onlineNode("a", 8, 16), onlineNode("b", 8, 64)},
			want:  "b",
		},
		{
			name:  "hostname breaks full tie",
			nodes: []*types.Node{onlineNode("zeta", 8, 32), onlineNode("alpha", 8, 32)},
			want:  "alpha",
		},
		{
			name:   "committed capacity counts",
			nodes:  []*types.Node{onlineNode("a", 16, 32), onlineNode("b", 16, 32)},
			active: []*types.Task{activeTask("a", 10, 1)},
			want:   "b",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Place(&Request{Cores: 1}, tt.nodes, tt.active)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Hostname)
		})
	}
}

func TestPlaceTargetSelectors(t *testing.T) {
	s := New()
	nodes := []*types.Node{onlineNode("a", 4, 16), onlineNode("b", 16, 64)}

	got, err := s.Place(&Request{Cores: 1, Hostname: "a"}, nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Hostname)

	_, err = s.Place(&Request{Cores: 1, Hostname: "missing"}, nodes, nil)
	assert.True(t, errors.Is(err, errdefs.ErrValidation))

	// NUMA targeting requires the advertised domain.
	numa := onlineNode("c", 32, 128)
	numa.NUMATopology = []types.NUMANode{{ID: 0}, {ID: 1}}
	one := 1
	got, err = s.Place(&Request{Cores: 1, NUMANode: &one}, append(nodes, numa), nil)
	require.NoError(t, err)
	assert.Equal(t, "c", got.Hostname)

	three := 3
	_, err = s.Place(&Request{Cores: 1, NUMANode: &three}, append(nodes, numa), nil)
	assert.True(t, errors.Is(err, errdefs.ErrExhausted))
}

func TestPlaceGPUAvailability(t *testing.T) {
	s := New()
	node := onlineNode("g", 32, 128)
	node.GPUs = []types.GPUInfo{
		{GPUID: 0, PCIAddress: "0000:65:00.0"},
		{GPUID: 1, PCIAddress: "0000:66:00.0"},
	}
	nodes := []*types.Node{node}

	got, err := s.Place(&Request{Cores: 1, GPUs: []int{0, 1}}, nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, "g", got.Hostname)

	// A GPU is free iff no active task on that node lists it.
	active := []*types.Task{activeTask("g", 1, 1, 0)}
	_, err = s.Place(&Request{Cores: 1, GPUs: []int{0}}, nodes, active)
	assert.True(t, errors.Is(err, errdefs.ErrExhausted))

	got, err = s.Place(&Request{Cores: 1, GPUs: []int{1}}, nodes, active)
	require.NoError(t, err)
	assert.Equal(t, "g", got.Hostname)

	// Unknown GPU id on the node.
	_, err = s.Place(&Request{Cores: 1, GPUs: []int{9}}, nodes, nil)
	assert.True(t, errors.Is(err, errdefs.ErrExhausted))
}

func TestPlaceVMRequirements(t *testing.T) {
	s := New()
	plain := onlineNode("plain", 16, 64)
	vm := onlineNode("vmhost", 16, 64)
	vm.VMCapable = true
	vm.GPUs = []types.GPUInfo{
		{GPUID: 0, PCIAddress: "0000:65:00.0"},
		{GPUID: 1, PCIAddress: "0000:66:00.0"},
		{GPUID: 2, PCIAddress: "0000:67:00.0"},
	}
	vm.VFIOGPUs = []types.VFIOGPU{
		{PCIAddress: "0000:65:00.0", IOMMUGroup: 10},
		{PCIAddress: "0000:66:00.0", IOMMUGroup: 10}, // shares 65's group
		{PCIAddress: "0000:67:00.0", IOMMUGroup: 12},
	}
	nodes := []*types.Node{plain, vm}

	// VM requests skip non-VM-capable nodes.
	got, err := s.Place(&Request{Cores: 1, VM: true}, nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, "vmhost", got.Hostname)

	// GPUs in disjoint IOMMU groups are fine.
	got, err = s.Place(&Request{Cores: 1, VM: true, GPUs: []int{0, 2}}, nodes, nil)
	require.NoError(t, err)
	assert.Equal(t, "vmhost", got.Hostname)

	// Overlapping groups cannot go to one request.
	_, err = s.Place(&Request{Cores: 1, VM: true, GPUs: []int{0, 1}}, nodes, nil)
	assert.True(t, errors.Is(err, errdefs.ErrExhausted))

	// GPU without a VFIO entry is ineligible for passthrough.
	vm.VFIOGPUs = vm.VFIOGPUs[:2]
	_, err = s.Place(&Request{Cores: 1, VM: true, GPUs: []int{2}}, nodes, nil)
	assert.True(t, errors.Is(err, errdefs.ErrExhausted))
}

func TestPlaceRejectsNonPositiveCores(t *testing.T) {
	s := New()
	_, err := s.Place(&Request{Cores: 0}, []*types.Node{onlineNode("a", 8, 8)}, nil)
	assert.True(t, errors.Is(err, errdefs.ErrValidation))
}
