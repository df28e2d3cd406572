package overlay

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/log"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/metrics"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

// hostDummyDevice carries the overlay-global host address base.1.
const hostDummyDevice = "kohaku-host"

// HostManager owns the host half of the VXLAN fabric: one slot and one
// vxkr device per runner. The in-memory map is a cache over the live
// interface set and is rebuilt from it on start.
type HostManager struct {
	layout      *Layout
	baseVNI     int
	physicalIP  net.IP
	ops         NetOps
	logger      zerolog.Logger

	mu          sync.Mutex
	allocations map[string]*types.OverlayAllocation // keyed by runner name
}

// NewHostManager builds the manager. physicalIP is the host's address on
// the physical network, the local endpoint of every tunnel.
func NewHostManager(layout *Layout, baseVNI int, physicalIP string, ops NetOps) (*HostManager, error) {
	ip := net.ParseIP(physicalIP)
	if ip == nil {
		return nil, errdefs.Validationf("bad host physical ip %q", physicalIP)
	}
	if ops == nil {
		ops = NewNetlinkOps()
	}
	return &HostManager{
		layout:      layout,
		baseVNI:     baseVNI,
		physicalIP:  ip,
		ops:         ops,
		logger:      log.WithComponent("overlay"),
		allocations: make(map[string]*types.OverlayAllocation),
	}, nil
}

// Start brings up the host-global pieces and recovers placeholder slots
// from interfaces that survived a host restart.
func (m *HostManager) Start() error {
	hostIP := &net.IPNet{IP: m.layout.HostOverlayIP(), Mask: net.CIDRMask(32, 32)}
	if err := m.ops.EnsureHostDummy(hostDummyDevice, hostIP); err != nil {
		return fmt.Errorf("failed to set up host overlay address: %w", err)
	}
	if err := m.ops.EnableForwarding(); err != nil {
		return fmt.Errorf("failed to enable ip forwarding: %w", err)
	}
	if err := AllowForward(m.layout.OverlayCIDR().String()); err != nil {
		return err
	}
	return m.recover()
}

// recover scans vxkr* interfaces and rebuilds inactive placeholder
// allocations, deleting anything that does not parse or whose VNI is off.
// A host restart therefore never disturbs in-flight containers.
func (m *HostManager) recover() error {
	links, err := m.ops.ListOverlayLinks()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, link := range links {
		id, err := ParseDeviceName(link.Name)
		if err != nil || id > m.layout.MaxRunners() {
			m.logger.Warn().Str("device", link.Name).Msg("Deleting unparseable overlay interface")
			_ = m.ops.DeleteLink(link.Name)
			continue
		}
		if link.VNI != 0 && link.VNI != m.baseVNI+id {
			m.logger.Warn().Str("device", link.Name).Int("vni", link.VNI).Msg("Deleting overlay interface with mismatched VNI")
			_ = m.ops.DeleteLink(link.Name)
			continue
		}
		physical := ""
		if link.Remote != nil {
			physical = link.Remote.String()
		}
		alloc, err := m.describeLocked(fmt.Sprintf("runner_%d", id), id, physical)
		if err != nil {
			continue
		}
		alloc.IsActive = false
		m.allocations[alloc.RunnerName] = alloc
		m.logger.Info().Str("device", link.Name).Int("runner_id", id).Msg("Recovered overlay placeholder")
	}
	metrics.OverlayAllocations.Set(float64(len(m.allocations)))
	return nil
}

// AllocateForRunner assigns (or reuses) a slot and materialises its tunnel.
func (m *HostManager) AllocateForRunner(runnerName, physicalIP string) (*types.OverlayAllocation, error) {
	remote := net.ParseIP(physicalIP)
	if remote == nil {
		return nil, errdefs.Validationf("bad runner physical ip %q", physicalIP)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Same runner returning: keep the slot; recreate the tunnel only when
	// the physical address moved.
	if alloc, ok := m.allocations[runnerName]; ok {
		if alloc.PhysicalIP != physicalIP {
			m.logger.Info().Str("runner", runnerName).Str("old", alloc.PhysicalIP).Str("new", physicalIP).Msg("Runner physical IP changed, recreating tunnel")
			_ = m.ops.DeleteLink(alloc.VXLANDevice)
			if err := m.createTunnelLocked(alloc.RunnerID, remote); err != nil {
				return nil, err
			}
			alloc.PhysicalIP = physicalIP
		}
		alloc.IsActive = true
		alloc.LastSeen = time.Now()
		return cloneAlloc(alloc), nil
	}

	// A recovered placeholder with the same physical IP is this runner
	// under its pre-restart id.
	for key, alloc := range m.allocations {
		if !alloc.IsActive && alloc.PhysicalIP == physicalIP && alloc.PhysicalIP != "" {
			delete(m.allocations, key)
			alloc.RunnerName = runnerName
			alloc.IsActive = true
			alloc.LastSeen = time.Now()
			m.allocations[runnerName] = alloc
			m.logger.Info().Str("runner", runnerName).Int("runner_id", alloc.RunnerID).Msg("Remapped recovered overlay slot")
			return cloneAlloc(alloc), nil
		}
	}

	id, err := m.freeIDLocked()
	if err != nil {
		return nil, err
	}
	if err := m.createTunnelLocked(id, remote); err != nil {
		return nil, err
	}
	alloc, err := m.describeLocked(runnerName, id, physicalIP)
	if err != nil {
		return nil, err
	}
	alloc.IsActive = true
	alloc.LastSeen = time.Now()
	m.allocations[runnerName] = alloc
	metrics.OverlayAllocations.Set(float64(len(m.allocations)))
	m.logger.Info().Str("runner", runnerName).Int("runner_id", id).Str("device", alloc.VXLANDevice).Msg("Allocated overlay slot")
	return cloneAlloc(alloc), nil
}

// MarkActive refreshes a slot on heartbeat, protecting it from eviction.
func (m *HostManager) MarkActive(runnerName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if alloc, ok := m.allocations[runnerName]; ok {
		alloc.IsActive = true
		alloc.LastSeen = time.Now()
	}
}

// MarkInactive flags a runner's slot for eviction without touching the
// kernel; its containers may still be alive on a disconnected island.
func (m *HostManager) MarkInactive(runnerName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if alloc, ok := m.allocations[runnerName]; ok {
		alloc.IsActive = false
	}
}

// Allocation returns the slot for a runner, or nil.
func (m *HostManager) Allocation(runnerName string) *types.OverlayAllocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	if alloc, ok := m.allocations[runnerName]; ok {
		return cloneAlloc(alloc)
	}
	return nil
}

// Allocations lists every slot, active and placeholder, id-ordered.
func (m *HostManager) Allocations() []*types.OverlayAllocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.OverlayAllocation, 0, len(m.allocations))
	for _, alloc := range m.allocations {
		out = append(out, cloneAlloc(alloc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunnerID < out[j].RunnerID })
	return out
}

// Block renders the allocation as the overlay block handed to a runner at
// registration.
func (m *HostManager) Block(alloc *types.OverlayAllocation) *types.OverlayBlock {
	return &types.OverlayBlock{
		RunnerID:     alloc.RunnerID,
		VNI:          alloc.VNI,
		Subnet:       alloc.Subnet,
		Gateway:      alloc.Gateway,
		HostIP:       alloc.HostIP,
		HostOverlay:  m.layout.HostOverlayIP().String(),
		OverlayCIDR:  m.layout.OverlayCIDR().String(),
		HostPhysical: m.physicalIP.String(),
	}
}

// freeIDLocked finds the smallest unused id, evicting the LRU inactive slot
// when the pool is full. Id 0 is never allocated.
func (m *HostManager) freeIDLocked() (int, error) {
	used := make(map[int]string, len(m.allocations))
	for name, alloc := range m.allocations {
		used[alloc.RunnerID] = name
	}
	for id := 1; id <= m.layout.MaxRunners(); id++ {
		if _, taken := used[id]; !taken {
			return id, nil
		}
	}

	var lruName string
	var lruAt time.Time
	for name, alloc := range m.allocations {
		if alloc.IsActive {
			continue
		}
		if lruName == "" || alloc.LastSeen.Before(lruAt) {
			lruName, lruAt = name, alloc.LastSeen
		}
	}
	if lruName == "" {
		return 0, errdefs.Exhaustedf("overlay pool full: %d runners", m.layout.MaxRunners())
	}
	evicted := m.allocations[lruName]
	delete(m.allocations, lruName)
	_ = m.ops.DeleteLink(evicted.VXLANDevice)
	m.logger.Info().Str("runner", lruName).Int("runner_id", evicted.RunnerID).Msg("Evicted inactive overlay slot")
	return evicted.RunnerID, nil
}

func (m *HostManager) createTunnelLocked(id int, remote net.IP) error {
	hostIP, err := m.layout.HostIPInSubnet(id)
	if err != nil {
		return err
	}
	addr := &net.IPNet{IP: hostIP, Mask: net.CIDRMask(m.layout.RunnerPrefix(), 32)}
	name := DeviceName(id)
	// Recreate from scratch; a half-configured leftover is worse than a
	// moment of downtime on this tunnel.
	_ = m.ops.DeleteLink(name)
	if err := m.ops.CreateVXLAN(name, m.baseVNI+id, m.physicalIP, remote, addr); err != nil {
		return err
	}
	if err := TrustInterface(name); err != nil {
		m.logger.Warn().Err(err).Str("device", name).Msg("firewalld trust failed")
	}
	return nil
}

func (m *HostManager) describeLocked(runnerName string, id int, physicalIP string) (*types.OverlayAllocation, error) {
	sub, err := m.layout.RunnerSubnet(id)
	if err != nil {
		return nil, err
	}
	gw, _ := m.layout.RunnerGateway(id)
	hostIP, _ := m.layout.HostIPInSubnet(id)
	return &types.OverlayAllocation{
		RunnerName:  runnerName,
		RunnerID:    id,
		PhysicalIP:  physicalIP,
		Subnet:      sub.String(),
		Gateway:     gw.String(),
		HostIP:      hostIP.String(),
		VXLANDevice: DeviceName(id),
		VNI:         m.baseVNI + id,
	}, nil
}

func cloneAlloc(a *types.OverlayAllocation) *types.OverlayAllocation {
	cp := *a
	return &cp
}
