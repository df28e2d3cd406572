package overlay

import (
	"fmt"
	"strconv"
	"strings"
)

// VXLAN device naming. Linux interface names cap at 15 chars; base36 keeps
// vxkr<id> well under it for any runner id the layout can produce.
const devicePrefix = "vxkr"

// DeviceName returns the host-side VXLAN interface name for a runner id.
func DeviceName(runnerID int) string {
	return devicePrefix + strconv.FormatInt(int64(runnerID), 36)
}

// ParseDeviceName inverts DeviceName. Returns an error for interfaces that
// do not carry the vxkr prefix or whose suffix is not base36.
func ParseDeviceName(name string) (int, error) {
	if !strings.HasPrefix(name, devicePrefix) {
		return 0, fmt.Errorf("not an overlay device: %s", name)
	}
	id, err := strconv.ParseInt(name[len(devicePrefix):], 36, 32)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("bad overlay device name: %s", name)
	}
	return int(id), nil
}
