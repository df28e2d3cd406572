package scheduler

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/log"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

// Request is one placement question: resources plus an optional target
// selector.
type Request struct {
	Cores       int
	MemoryBytes int64
	GPUs        []int
	Hostname    string // pin to one node, empty for any
	NUMANode    *int   // require the node to advertise this NUMA domain
	VM          bool   // require VM capability and VFIO-clean GPUs
}

// Scheduler picks runners for workloads against live heartbeat-reported
// capacity. It is a pure function over the catalogue snapshot the host
// hands it; placement runs synchronously inside the submit path.
type Scheduler struct {
	logger zerolog.Logger
}

// New creates a scheduler.
func New() *Scheduler {
	return &Scheduler{logger: log.WithComponent("scheduler")}
}

// candidate pairs a node with its computed free capacity for tie-breaks.
type candidate struct {
	node       *types.Node
	freeCores  int
	freeMemory int64
}

// Place selects a node. activeTasks must contain every task in an active
// status across the cluster; it is how committed capacity is derived.
func (s *Scheduler) Place(req *Request, nodes []*types.Node, activeTasks []*types.Task) (*types.Node, error) {
	if req.Cores <= 0 {
		return nil, errdefs.Validationf("cores must be positive")
	}

	byNode := make(map[string][]*types.Task)
	for _, t := range activeTasks {
		if t.Status.Active() && t.AssignedNode != "" {
			byNode[t.AssignedNode] = append(byNode[t.AssignedNode], t)
		}
	}

	var candidates []candidate
	for _, node := range nodes {
		if node.Status != types.NodeOnline {
			continue
		}
		if req.Hostname != "" && node.Hostname != req.Hostname {
			continue
		}
		if req.NUMANode != nil && !hasNUMANode(node, *req.NUMANode) {
			continue
		}
		if req.VM && !node.VMCapable {
			continue
		}

		active := byNode[node.Hostname]
		freeCores := node.TotalCores
		freeMemory := node.TotalRAMBytes
		for _, t := range active {
			freeCores -= t.RequiredCores
			freeMemory -= t.RequiredMemoryBytes
		}
		if freeCores < req.Cores || (req.MemoryBytes > 0 && freeMemory < req.MemoryBytes) {
			continue
		}
		if len(req.GPUs) > 0 {
			if !gpusFree(req.GPUs, node, active) {
				continue
			}
			if req.VM && !vfioGroupsDisjoint(req.GPUs, node) {
				continue
			}
		}
		candidates = append(candidates, candidate{node: node, freeCores: freeCores, freeMemory: freeMemory})
	}

	if len(candidates) == 0 {
		if req.Hostname != "" {
			known := false
			for _, node := range nodes {
				if node.Hostname == req.Hostname {
					known = true
					break
				}
			}
			if !known {
				return nil, errdefs.Validationf("unknown target %q", req.Hostname)
			}
		}
		return nil, errdefs.Exhaustedf("no online node satisfies cores=%d memory=%d gpus=%v target=%q",
			req.Cores, req.MemoryBytes, req.GPUs, req.Hostname)
	}

	// Most free cores, then most free memory, then hostname.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.freeCores != b.freeCores {
			return a.freeCores > b.freeCores
		}
		if a.freeMemory != b.freeMemory {
			return a.freeMemory > b.freeMemory
		}
		return a.node.Hostname < b.node.Hostname
	})

	chosen := candidates[0].node
	s.logger.Debug().
		Str("hostname", chosen.Hostname).
		Int("free_cores", candidates[0].freeCores).
		Msg("Placed request")
	return chosen, nil
}

func hasNUMANode(node *types.Node, id int) bool {
	for _, n := range node.NUMATopology {
		if n.ID == id {
			return true
		}
	}
	return false
}

// gpusFree reports whether every requested GPU id exists on the node and is
// unclaimed by any active task there. GPU ids only make sense in the
// assigned node's id space.
func gpusFree(want []int, node *types.Node, active []*types.Task) bool {
	known := make(map[int]bool, len(node.GPUs))
	for _, g := range node.GPUs {
		known[g.GPUID] = true
	}
	used := make(map[int]bool)
	for _, t := range active {
		for _, g := range t.RequiredGPUs {
			used[g] = true
		}
	}
	for _, g := range want {
		if !known[g] || used[g] {
			return false
		}
	}
	return true
}

// vfioGroupsDisjoint requires every requested GPU to be VFIO-eligible and
// no two of them to share an IOMMU group: the whole group goes to one VM.
func vfioGroupsDisjoint(want []int, node *types.Node) bool {
	byID := make(map[int]types.VFIOGPU, len(node.VFIOGPUs))
	for _, g := range node.VFIOGPUs {
		byID[gpuIDFromVFIO(g, node)] = g
	}
	groups := make(map[int]bool)
	for _, id := range want {
		g, ok := byID[id]
		if !ok {
			return false
		}
		if groups[g.IOMMUGroup] {
			return false
		}
		groups[g.IOMMUGroup] = true
	}
	return true
}

// gpuIDFromVFIO matches a VFIO entry back to the node's GPU id space via
// the PCI address.
func gpuIDFromVFIO(v types.VFIOGPU, node *types.Node) int {
	for _, g := range node.GPUs {
		if g.PCIAddress == v.PCIAddress {
			return g.GPUID
		}
	}
	return -1
}
