package overlay

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
)

// Layout carves a single IPv4 block into per-runner subnets. It is computed
// from one config string "BASE/TOTAL_PREFIX/NODE_BITS/SUBNET_BITS" whose
// three widths must sum to 32. The default 10.128.0.0/12/6/14 yields 63
// runners with 16382-address subnets each.
type Layout struct {
	Base        net.IP
	TotalPrefix int
	NodeBits    int
	SubnetBits  int
}

// ParseLayout parses and validates a layout string.
func ParseLayout(s string) (*Layout, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return nil, errdefs.Validationf("overlay layout %q: want BASE/TOTAL_PREFIX/NODE_BITS/SUBNET_BITS", s)
	}
	base := net.ParseIP(parts[0])
	if base == nil || base.To4() == nil {
		return nil, errdefs.Validationf("overlay layout %q: bad base address", s)
	}
	nums := make([]int, 3)
	for i, p := range parts[1:] {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return nil, errdefs.Validationf("overlay layout %q: bad width %q", s, p)
		}
		nums[i] = n
	}
	l := &Layout{
		Base:        base.To4(),
		TotalPrefix: nums[0],
		NodeBits:    nums[1],
		SubnetBits:  nums[2],
	}
	if l.TotalPrefix+l.NodeBits+l.SubnetBits != 32 {
		return nil, errdefs.Validationf("overlay layout %q: widths must sum to 32", s)
	}
	// Cloud-init network rendering and the .254 host address both need at
	// least a /24 per runner.
	if l.SubnetBits < 8 {
		return nil, errdefs.Validationf("overlay layout %q: subnet bits below 8", s)
	}
	if masked := l.Base.Mask(net.CIDRMask(l.TotalPrefix, 32)); !masked.Equal(l.Base) {
		return nil, errdefs.Validationf("overlay layout %q: base not aligned to /%d", s, l.TotalPrefix)
	}
	return l, nil
}

// MaxRunners is the highest runner id the layout can hold. Id 0 is the
// host's own slot and is never allocated.
func (l *Layout) MaxRunners() int {
	return (1 << l.NodeBits) - 1
}

// RunnerPrefix is the prefix length of each runner subnet.
func (l *Layout) RunnerPrefix() int {
	return 32 - l.SubnetBits
}

// RunnerSubnet returns the CIDR owned by runner id r.
func (l *Layout) RunnerSubnet(r int) (*net.IPNet, error) {
	if r < 1 || r > l.MaxRunners() {
		return nil, fmt.Errorf("runner id %d outside 1..%d", r, l.MaxRunners())
	}
	ip := ipAdd(l.Base, uint32(r)<<uint(l.SubnetBits))
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(l.RunnerPrefix(), 32)}, nil
}

// RunnerGateway is subnet.1, assigned to the runner's overlay bridge.
func (l *Layout) RunnerGateway(r int) (net.IP, error) {
	sub, err := l.RunnerSubnet(r)
	if err != nil {
		return nil, err
	}
	return ipAdd(sub.IP, 1), nil
}

// HostIPInSubnet is subnet.254, assigned to the host end of the tunnel.
func (l *Layout) HostIPInSubnet(r int) (net.IP, error) {
	sub, err := l.RunnerSubnet(r)
	if err != nil {
		return nil, err
	}
	return ipAdd(sub.IP, 254), nil
}

// HostOverlayIP is base.1, the overlay-global host address on the dummy
// interface.
func (l *Layout) HostOverlayIP() net.IP {
	return ipAdd(l.Base, 1)
}

// OverlayCIDR is the whole fabric.
func (l *Layout) OverlayCIDR() *net.IPNet {
	return &net.IPNet{IP: l.Base, Mask: net.CIDRMask(l.TotalPrefix, 32)}
}

// RunnerIDForSubnet inverts RunnerSubnet for a gateway or subnet address,
// returning 0 when the address is outside the fabric.
func (l *Layout) RunnerIDForSubnet(ip net.IP) int {
	v4 := ip.To4()
	if v4 == nil || !l.OverlayCIDR().Contains(v4) {
		return 0
	}
	off := binary.BigEndian.Uint32(v4) - binary.BigEndian.Uint32(l.Base)
	return int(off >> uint(l.SubnetBits))
}

func ipAdd(ip net.IP, n uint32) net.IP {
	v := binary.BigEndian.Uint32(ip.To4())
	out := make(net.IP, 4)
	binary.BigEndian.PutUint32(out, v+n)
	return out
}
