package overlay

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/vishvananda/netlink"
)

// LinkInfo is what the manager needs to know about one overlay interface.
type LinkInfo struct {
	Name   string
	VNI    int
	Remote net.IP // unicast peer, the runner's physical address
}

// NetOps abstracts the kernel mutations the overlay performs, so the
// allocator can be exercised without CAP_NET_ADMIN.
type NetOps interface {
	// CreateVXLAN creates a unicast vxlan device and assigns addr to it.
	CreateVXLAN(name string, vni int, local, remote net.IP, addr *net.IPNet) error
	// DeleteLink removes an interface; absent is not an error.
	DeleteLink(name string) error
	// ListOverlayLinks lists interfaces whose names carry the vxkr prefix.
	ListOverlayLinks() ([]LinkInfo, error)
	// EnsureHostDummy puts the overlay-global host address on a dummy
	// interface.
	EnsureHostDummy(name string, addr *net.IPNet) error
	// EnableForwarding flips net.ipv4.ip_forward.
	EnableForwarding() error
}

// netlinkOps is the real implementation.
type netlinkOps struct{}

// NewNetlinkOps returns kernel-backed NetOps.
func NewNetlinkOps() NetOps {
	return &netlinkOps{}
}

func (o *netlinkOps) CreateVXLAN(name string, vni int, local, remote net.IP, addr *net.IPNet) error {
	vx := &netlink.Vxlan{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		VxlanId:   vni,
		SrcAddr:   local,
		Group:     remote, // unicast peer
		Port:      4789,
	}
	if err := netlink.LinkAdd(vx); err != nil {
		return fmt.Errorf("failed to create vxlan %s: %w", name, err)
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("vxlan %s vanished after create: %w", name, err)
	}
	if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: addr}); err != nil {
		_ = netlink.LinkDel(link)
		return fmt.Errorf("failed to address vxlan %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		_ = netlink.LinkDel(link)
		return fmt.Errorf("failed to bring up vxlan %s: %w", name, err)
	}
	return nil
}

func (o *netlinkOps) DeleteLink(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil
	}
	return netlink.LinkDel(link)
}

func (o *netlinkOps) ListOverlayLinks() ([]LinkInfo, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("failed to list links: %w", err)
	}
	var out []LinkInfo
	for _, l := range links {
		name := l.Attrs().Name
		if !strings.HasPrefix(name, devicePrefix) {
			continue
		}
		info := LinkInfo{Name: name}
		if vx, ok := l.(*netlink.Vxlan); ok {
			info.VNI = vx.VxlanId
			info.Remote = vx.Group
		}
		out = append(out, info)
	}
	return out, nil
}

func (o *netlinkOps) EnsureHostDummy(name string, addr *net.IPNet) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		dummy := &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: name}}
		if err := netlink.LinkAdd(dummy); err != nil {
			return fmt.Errorf("failed to create dummy %s: %w", name, err)
		}
		link, err = netlink.LinkByName(name)
		if err != nil {
			return err
		}
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return err
	}
	for _, a := range addrs {
		if a.IPNet.String() == addr.String() {
			return netlink.LinkSetUp(link)
		}
	}
	if err := netlink.AddrAdd(link, &netlink.Addr{IPNet: addr}); err != nil {
		return fmt.Errorf("failed to address dummy %s: %w", name, err)
	}
	return netlink.LinkSetUp(link)
}

func (o *netlinkOps) EnableForwarding() error {
	return os.WriteFile("/proc/sys/net/ipv4/ip_forward", []byte("1"), 0o644)
}
