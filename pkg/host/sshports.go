package host

import (
	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

// sshPortBase is the first candidate SSH port for a VPS.
const sshPortBase = 2222

// allocateSSHPortLocked returns the lowest free port at or above the base,
// unique across every active VPS. Callers hold h.mu.
func (h *Host) allocateSSHPortLocked() (int, error) {
	tasks, err := h.store.ListTasks()
	if err != nil {
		return 0, err
	}
	used := make(map[int]bool)
	for _, t := range tasks {
		if t.TaskType == types.TaskTypeVPS && t.Status.Active() && t.SSHPort > 0 {
			used[t.SSHPort] = true
		}
	}
	for port := sshPortBase; port < sshPortBase+10000; port++ {
		if !used[port] {
			return port, nil
		}
	}
	return 0, errdefs.Exhaustedf("no free ssh ports")
}
