package qemu

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/log"
)

const (
	sysPCIDevices = "/sys/bus/pci/devices"
	vfioDriver    = "vfio-pci"

	// NVIDIA cards can hang in the unbind ioctl even after the device is
	// released, so every sysfs write gets its own deadline and a hung
	// writer is abandoned to finish in the background.
	sysfsWriteTimeout = 5 * time.Second
)

// PCIDevice is one endpoint in an IOMMU group.
type PCIDevice struct {
	Address string // 0000:65:00.0
	Class   string
	Driver  string
}

// IOMMUGroup returns the group number for a PCI address.
func IOMMUGroup(addr string) (int, error) {
	link, err := os.Readlink(filepath.Join(sysPCIDevices, addr, "iommu_group"))
	if err != nil {
		return 0, fmt.Errorf("no iommu group for %s: %w", addr, err)
	}
	group, err := strconv.Atoi(filepath.Base(link))
	if err != nil {
		return 0, fmt.Errorf("bad iommu group link for %s: %w", addr, err)
	}
	return group, nil
}

// GroupEndpoints lists every non-bridge device sharing addr's IOMMU group.
// VFIO requires the whole group co-bound, so all of them get bound.
func GroupEndpoints(addr string) ([]PCIDevice, error) {
	group, err := IOMMUGroup(addr)
	if err != nil {
		return nil, err
	}
	dir := fmt.Sprintf("/sys/kernel/iommu_groups/%d/devices", group)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list iommu group %d: %w", group, err)
	}
	var out []PCIDevice
	for _, entry := range entries {
		dev := PCIDevice{Address: entry.Name()}
		classBytes, err := os.ReadFile(filepath.Join(sysPCIDevices, dev.Address, "class"))
		if err == nil {
			dev.Class = strings.TrimSpace(string(classBytes))
		}
		// PCI bridges (class 0x0604xx) stay on their host driver.
		if strings.HasPrefix(dev.Class, "0x0604") {
			continue
		}
		if link, err := os.Readlink(filepath.Join(sysPCIDevices, dev.Address, "driver")); err == nil {
			dev.Driver = filepath.Base(link)
		}
		out = append(out, dev)
	}
	return out, nil
}

// writeSysfs writes with a hard deadline. The write runs on its own
// goroutine; on timeout the goroutine is left behind and the caller falls
// back to checking the observed driver state.
func writeSysfs(path, value string) error {
	done := make(chan error, 1)
	go func() {
		done <- os.WriteFile(path, []byte(value), 0o200)
	}()
	select {
	case err := <-done:
		return err
	case <-time.After(sysfsWriteTimeout):
		return fmt.Errorf("write %s timed out", path)
	}
}

func currentDriver(addr string) string {
	if link, err := os.Readlink(filepath.Join(sysPCIDevices, addr, "driver")); err == nil {
		return filepath.Base(link)
	}
	return ""
}

// BindGroupToVFIO moves every endpoint of addr's IOMMU group onto
// vfio-pci via driver_override. Returns the bound addresses for the QEMU
// command line and for the later unbind.
func BindGroupToVFIO(addr string) ([]string, error) {
	logger := log.WithComponent("vfio")
	devices, err := GroupEndpoints(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrVFIOBind, err)
	}
	var bound []string
	for _, dev := range devices {
		if dev.Driver == vfioDriver {
			bound = append(bound, dev.Address)
			continue
		}
		devPath := filepath.Join(sysPCIDevices, dev.Address)
		if err := writeSysfs(filepath.Join(devPath, "driver_override"), vfioDriver); err != nil {
			return bound, fmt.Errorf("%w: driver_override %s: %v", errdefs.ErrVFIOBind, dev.Address, err)
		}
		if dev.Driver != "" {
			// Timeouts here are the documented NVIDIA quirk; the override
			// check below decides whether the bind actually landed.
			if err := writeSysfs(filepath.Join(devPath, "driver", "unbind"), dev.Address); err != nil {
				logger.Warn().Str("device", dev.Address).Err(err).Msg("Unbind slow or failed, checking override result")
			}
		}
		if err := writeSysfs("/sys/bus/pci/drivers_probe", dev.Address); err != nil {
			logger.Warn().Str("device", dev.Address).Err(err).Msg("drivers_probe write failed")
		}
		// Give the kernel a moment, then trust only the observed state.
		deadline := time.Now().Add(sysfsWriteTimeout)
		for currentDriver(dev.Address) != vfioDriver {
			if time.Now().After(deadline) {
				return bound, fmt.Errorf("%w: %s did not land on %s", errdefs.ErrVFIOBind, dev.Address, vfioDriver)
			}
			time.Sleep(100 * time.Millisecond)
		}
		bound = append(bound, dev.Address)
		logger.Info().Str("device", dev.Address).Msg("Bound to vfio-pci")
	}
	return bound, nil
}

// UnbindGroupFromVFIO reverses BindGroupToVFIO: clears driver_override and
// reprobes so the device returns to its host driver.
func UnbindGroupFromVFIO(addrs []string) error {
	logger := log.WithComponent("vfio")
	var result *multierror.Error
	for _, addr := range addrs {
		devPath := filepath.Join(sysPCIDevices, addr)
		if err := writeSysfs(filepath.Join(devPath, "driver_override"), "\n"); err != nil {
			result = multierror.Append(result, fmt.Errorf("clear override %s: %w", addr, err))
			continue
		}
		if currentDriver(addr) == vfioDriver {
			if err := writeSysfs(filepath.Join(sysPCIDevices, addr, "driver", "unbind"), addr); err != nil {
				logger.Warn().Str("device", addr).Err(err).Msg("Unbind from vfio-pci slow or failed")
			}
		}
		if err := writeSysfs("/sys/bus/pci/drivers_probe", addr); err != nil {
			result = multierror.Append(result, fmt.Errorf("reprobe %s: %w", addr, err))
		}
	}
	return result.ErrorOrNil()
}

// ResolveGPUAddress maps a numeric GPU id from a node's advertisement to
// its PCI address using the runner's VFIO-eligible device list.
func ResolveGPUAddress(gpuID int, vfioGPUs []VFIOAdvertisement) (string, error) {
	for _, g := range vfioGPUs {
		if g.GPUID == gpuID {
			return g.PCIAddress, nil
		}
	}
	return "", fmt.Errorf("%w: gpu %d has no vfio-eligible device", errdefs.ErrVFIOBind, gpuID)
}

// VFIOAdvertisement pairs a GPU id with its PCI identity for resolution.
type VFIOAdvertisement struct {
	GPUID      int
	PCIAddress string
	IOMMUGroup int
}
