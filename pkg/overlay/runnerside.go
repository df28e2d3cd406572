package overlay

import (
	"crypto/rand"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/log"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

// Runner-side device names. The runner owns these; the host never touches
// them.
const (
	RunnerBridge  = "kohaku-overlay"
	RunnerVXLAN   = "vxlan0"
	DockerNetwork = "kohakuriver-overlay"
)

// RunnerNetwork materialises the runner half of the fabric from the overlay
// block received at registration.
type RunnerNetwork struct {
	Block *types.OverlayBlock
}

// Setup creates bridge, tunnel, route and NAT. Safe to call again: an
// existing bridge is reused and gets its gateway address if missing, vxlan0
// is recreated on every call, the fabric route is replaced, and iptables
// rules are added only when absent.
func (r *RunnerNetwork) Setup(physicalIP string) error {
	logger := log.WithComponent("overlay")
	local := net.ParseIP(physicalIP)
	remote := net.ParseIP(r.Block.HostPhysical)
	if local == nil || remote == nil {
		return fmt.Errorf("bad physical addresses %q / %q", physicalIP, r.Block.HostPhysical)
	}
	_, subnet, err := net.ParseCIDR(r.Block.Subnet)
	if err != nil {
		return fmt.Errorf("bad overlay subnet %q: %w", r.Block.Subnet, err)
	}

	br, err := ensureBridge(RunnerBridge)
	if err != nil {
		return err
	}
	gwAddr := &net.IPNet{IP: net.ParseIP(r.Block.Gateway), Mask: subnet.Mask}
	if err := ensureAddr(br, gwAddr); err != nil {
		return err
	}
	if err := netlink.LinkSetUp(br); err != nil {
		return fmt.Errorf("failed to bring up %s: %w", RunnerBridge, err)
	}

	// Recreate the tunnel each time; VNI or host address may have changed
	// across re-registration.
	if old, err := netlink.LinkByName(RunnerVXLAN); err == nil {
		_ = netlink.LinkDel(old)
	}
	vx := &netlink.Vxlan{
		LinkAttrs: netlink.LinkAttrs{Name: RunnerVXLAN},
		VxlanId:   r.Block.VNI,
		SrcAddr:   local,
		Group:     remote,
		Port:      4789,
	}
	if err := netlink.LinkAdd(vx); err != nil {
		return fmt.Errorf("failed to create %s: %w", RunnerVXLAN, err)
	}
	vxLink, err := netlink.LinkByName(RunnerVXLAN)
	if err != nil {
		return err
	}
	if err := netlink.LinkSetMaster(vxLink, br.(*netlink.Bridge)); err != nil {
		return fmt.Errorf("failed to attach %s to %s: %w", RunnerVXLAN, RunnerBridge, err)
	}
	if err := netlink.LinkSetUp(vxLink); err != nil {
		return fmt.Errorf("failed to bring up %s: %w", RunnerVXLAN, err)
	}

	// Cross-runner traffic goes through the host: route the whole fabric at
	// the host's address inside this runner's subnet.
	_, fabric, err := net.ParseCIDR(r.Block.OverlayCIDR)
	if err != nil {
		return fmt.Errorf("bad overlay cidr %q: %w", r.Block.OverlayCIDR, err)
	}
	route := &netlink.Route{
		Dst:       fabric,
		Gw:        net.ParseIP(r.Block.HostIP),
		LinkIndex: br.Attrs().Index,
	}
	if err := netlink.RouteReplace(route); err != nil {
		return fmt.Errorf("failed to route overlay via host: %w", err)
	}

	if err := AllowForward(r.Block.OverlayCIDR); err != nil {
		return err
	}
	if err := Masquerade(subnet.String()); err != nil {
		return err
	}

	logger.Info().
		Int("vni", r.Block.VNI).
		Str("subnet", r.Block.Subnet).
		Str("gateway", r.Block.Gateway).
		Msg("Runner overlay up")
	return nil
}

func ensureBridge(name string) (netlink.Link, error) {
	link, err := netlink.LinkByName(name)
	if err == nil {
		return link, nil
	}
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := netlink.LinkAdd(br); err != nil {
		return nil, fmt.Errorf("failed to create bridge %s: %w", name, err)
	}
	return netlink.LinkByName(name)
}

func ensureAddr(link netlink.Link, addr *net.IPNet) error {
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return err
	}
	for _, a := range addrs {
		if a.IPNet.String() == addr.String() {
			return nil
		}
	}
	if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: addr}); err != nil {
		return fmt.Errorf("failed to address %s: %w", link.Attrs().Name, err)
	}
	return nil
}

// TapName is the per-VM tap device name.
func TapName(taskID int64) string {
	return fmt.Sprintf("tap-vm-%d", taskID%100000)
}

// CreateTap creates a tap device and enslaves it to the given bridge.
func CreateTap(name, bridge string) error {
	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
	}
	if err := netlink.LinkAdd(tap); err != nil {
		return fmt.Errorf("failed to create tap %s: %w", name, err)
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return err
	}
	br, err := netlink.LinkByName(bridge)
	if err != nil {
		_ = netlink.LinkDel(link)
		return fmt.Errorf("bridge %s not found: %w", bridge, err)
	}
	if err := netlink.LinkSetMaster(link, br.(*netlink.Bridge)); err != nil {
		_ = netlink.LinkDel(link)
		return fmt.Errorf("failed to enslave tap %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		_ = netlink.LinkDel(link)
		return fmt.Errorf("failed to bring up tap %s: %w", name, err)
	}
	return nil
}

// DeleteTap removes a tap device; absent is fine.
func DeleteTap(name string) {
	if link, err := netlink.LinkByName(name); err == nil {
		_ = netlink.LinkDel(link)
	}
}

// RandomMAC returns a locally administered unicast MAC.
func RandomMAC() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	buf[0] = (buf[0] | 0x02) &^ 0x01
	return net.HardwareAddr(buf).String(), nil
}
