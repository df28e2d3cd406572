package qemu

import (
	"fmt"
	"time"

	"github.com/digitalocean/go-qemu/qmp"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
)

// qmpTimeout bounds one QMP request-response round trip.
const qmpTimeout = 5 * time.Second

// qmpCommand opens the VM's QMP socket, runs one command and disconnects.
// Calls for the same VM are serialised by the per-instance mutex in the
// engine; the socket itself handles one request-response at a time.
func qmpCommand(socketPath, command string) error {
	monitor, err := qmp.NewSocketMonitor("unix", socketPath, qmpTimeout)
	if err != nil {
		return fmt.Errorf("%w: connect %s: %v", errdefs.ErrQMP, socketPath, err)
	}
	if err := monitor.Connect(); err != nil {
		return fmt.Errorf("%w: handshake %s: %v", errdefs.ErrQMP, socketPath, err)
	}
	defer monitor.Disconnect()

	cmd := []byte(fmt.Sprintf(`{"execute": %q}`, command))
	if _, err := monitor.Run(cmd); err != nil {
		return fmt.Errorf("%w: %s: %v", errdefs.ErrQMP, command, err)
	}
	return nil
}

// SystemPowerdown asks the guest for a clean ACPI shutdown.
func SystemPowerdown(socketPath string) error {
	return qmpCommand(socketPath, "system_powerdown")
}

// SystemReset soft-reboots the VM, keeping disk, network and GPU
// passthrough intact.
func SystemReset(socketPath string) error {
	return qmpCommand(socketPath, "system_reset")
}
