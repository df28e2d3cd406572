package overlay

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
)

// fakeNetOps records kernel mutations without performing them.
type fakeNetOps struct {
	links map[string]LinkInfo
}

func newFakeNetOps() *fakeNetOps {
	return &fakeNetOps{links: make(map[string]LinkInfo)}
}

func (f *fakeNetOps) CreateVXLAN(name string, vni int, local, remote net.IP, addr *net.IPNet) error {
	if _, exists := f.links[name]; exists {
		return fmt.Errorf("link %s already exists", name)
	}
	f.links[name] = LinkInfo{Name: name, VNI: vni, Remote: remote}
	return nil
}

func (f *fakeNetOps) DeleteLink(name string) error {
	delete(f.links, name)
	return nil
}

func (f *fakeNetOps) ListOverlayLinks() ([]LinkInfo, error) {
	var out []LinkInfo
	for _, info := range f.links {
		out = append(out, info)
	}
	return out, nil
}

func (f *fakeNetOps) EnsureHostDummy(string, *net.IPNet) error { return nil }
func (f *fakeNetOps) EnableForwarding() error                  { return nil }

func newTestManager(t *testing.T, layout string) (*HostManager, *fakeNetOps) {
	t.Helper()
	l, err := ParseLayout(layout)
	require.NoError(t, err)
	ops := newFakeNetOps()
	m, err := NewHostManager(l, 7000, "192.168.1.10", ops)
	require.NoError(t, err)
	return m, ops
}

func TestAllocateForRunner(t *testing.T) {
	m, ops := newTestManager(t, "10.128.0.0/12/6/14")

	alloc, err := m.AllocateForRunner("node1", "192.168.1.21")
	require.NoError(t, err)
	assert.Equal(t, 1, alloc.RunnerID)
	assert.Equal(t, "vxkr1", alloc.VXLANDevice)
	assert.Equal(t, 7001, alloc.VNI)
	assert.Equal(t, "10.128.64.0/18", alloc.Subnet)
	assert.Equal(t, "10.128.64.1", alloc.Gateway)
	assert.Equal(t, "10.128.64.254", alloc.HostIP)
	assert.True(t, alloc.IsActive)
	assert.Equal(t, 7001, ops.links["vxkr1"].VNI)

	// Same runner returning keeps its slot and device.
	again, err := m.AllocateForRunner("node1", "192.168.1.21")
	require.NoError(t, err)
	assert.Equal(t, 1, again.RunnerID)
	assert.Len(t, ops.links, 1)

	// A second runner gets the next id.
	alloc2, err := m.AllocateForRunner("node2", "192.168.1.22")
	require.NoError(t, err)
	assert.Equal(t, 2, alloc2.RunnerID)
}

func TestAllocateRecreatesOnIPChange(t *testing.T) {
	m, ops := newTestManager(t, "10.128.0.0/12/6/14")

	first, err := m.AllocateForRunner("node1", "192.168.1.21")
	require.NoError(t, err)

	moved, err := m.AllocateForRunner("node1", "192.168.9.9")
	require.NoError(t, err)
	assert.Equal(t, first.RunnerID, moved.RunnerID)
	assert.Equal(t, "192.168.9.9", moved.PhysicalIP)
	assert.Contains(t, ops.links, moved.VXLANDevice)
}

func TestPoolExhaustionAndEviction(t *testing.T) {
	// 4 node bits -> 15 runners.
	m, _ := newTestManager(t, "10.128.0.0/16/4/12")

	for i := 1; i <= 15; i++ {
		_, err := m.AllocateForRunner(fmt.Sprintf("node%d", i), fmt.Sprintf("192.168.1.%d", i))
		require.NoError(t, err)
	}

	// All active: exhausted.
	_, err := m.AllocateForRunner("late", "192.168.1.99")
	assert.True(t, errors.Is(err, errdefs.ErrExhausted))

	// One inactive slot gets evicted and its id reused.
	m.MarkInactive("node7")
	alloc, err := m.AllocateForRunner("late", "192.168.1.99")
	require.NoError(t, err)
	assert.Equal(t, 7, alloc.RunnerID)
	assert.Nil(t, m.Allocation("node7"))
}

func TestEvictionPrefersLRU(t *testing.T) {
	m, _ := newTestManager(t, "10.128.0.0/16/4/12")
	for i := 1; i <= 15; i++ {
		_, err := m.AllocateForRunner(fmt.Sprintf("node%d", i), fmt.Sprintf("192.168.1.%d", i))
		require.NoError(t, err)
	}
	m.MarkInactive("node3")
	time.Sleep(5 * time.Millisecond)
	m.MarkInactive("node9")

	// node3 went inactive first but both have the LastSeen of allocation
	// time; force distinct ages through MarkActive.
	m.MarkActive("node9")
	m.MarkInactive("node9")

	alloc, err := m.AllocateForRunner("late", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 3, alloc.RunnerID)
}

func TestRecoveryBuildsPlaceholders(t *testing.T) {
	m, ops := newTestManager(t, "10.128.0.0/12/6/14")
	ops.links["vxkr3"] = LinkInfo{Name: "vxkr3", VNI: 7003}
	ops.links["vxkr5"] = LinkInfo{Name: "vxkr5", VNI: 7005}
	ops.links["vxkrZZZZ"] = LinkInfo{Name: "vxkrZZZZ", VNI: 1} // unparseable id range
	ops.links["vxkr7"] = LinkInfo{Name: "vxkr7", VNI: 1234}    // wrong VNI

	require.NoError(t, m.recover())

	allocs := m.Allocations()
	require.Len(t, allocs, 2)
	assert.Equal(t, 3, allocs[0].RunnerID)
	assert.False(t, allocs[0].IsActive)
	assert.Equal(t, 5, allocs[1].RunnerID)

	// Garbage interfaces are deleted.
	assert.NotContains(t, ops.links, "vxkrZZZZ")
	assert.NotContains(t, ops.links, "vxkr7")
	// Healthy ones survive untouched.
	assert.Contains(t, ops.links, "vxkr3")
	assert.Contains(t, ops.links, "vxkr5")
}

func TestRecoveredPlaceholderRemaps(t *testing.T) {
	m, ops := newTestManager(t, "10.128.0.0/12/6/14")

	first, err := m.AllocateForRunner("node1", "192.168.1.21")
	require.NoError(t, err)

	// Simulate a restart: fresh manager over the same kernel state, with a
	// placeholder carrying the physical IP (as re-registration supplies it).
	l, err := ParseLayout("10.128.0.0/12/6/14")
	require.NoError(t, err)
	m2, err := NewHostManager(l, 7000, "192.168.1.10", ops)
	require.NoError(t, err)
	require.NoError(t, m2.recover())

	placeholder := m2.Allocations()[0]
	assert.False(t, placeholder.IsActive)
	assert.Equal(t, first.RunnerID, placeholder.RunnerID)
	assert.Equal(t, "192.168.1.21", placeholder.PhysicalIP)

	// Re-registration under the real runner name remaps the placeholder by
	// physical address instead of burning a new id.
	realloc, err := m2.AllocateForRunner("node1", "192.168.1.21")
	require.NoError(t, err)
	assert.Equal(t, first.RunnerID, realloc.RunnerID)
	assert.True(t, realloc.IsActive)
	assert.Len(t, m2.Allocations(), 1)
}

func TestRunnerIDZeroNeverAllocated(t *testing.T) {
	m, _ := newTestManager(t, "10.128.0.0/12/6/14")
	for i := 1; i <= 10; i++ {
		alloc, err := m.AllocateForRunner(fmt.Sprintf("n%d", i), fmt.Sprintf("10.0.0.%d", i))
		require.NoError(t, err)
		assert.Greater(t, alloc.RunnerID, 0)
	}
}
