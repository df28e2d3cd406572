package types

import (
	"time"
)

// TaskType distinguishes batch commands from long-lived VPS workloads.
type TaskType string

const (
	TaskTypeCommand TaskType = "command"
	TaskTypeVPS     TaskType = "vps"
)

// VPSBackend selects the execution substrate for a VPS.
type VPSBackend string

const (
	VPSBackendDocker VPSBackend = "docker"
	VPSBackendQEMU   VPSBackend = "qemu"
)

// TaskStatus is the authoritative lifecycle state of a task or VPS.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusAssigning TaskStatus = "assigning"
	StatusRunning   TaskStatus = "running"
	StatusPaused    TaskStatus = "paused"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusKilled    TaskStatus = "killed"
	StatusKilledOOM TaskStatus = "killed_oom"
	StatusStopped   TaskStatus = "stopped"
	StatusLost      TaskStatus = "lost"
)

// Terminal reports whether a status is absorbing. No transition ever leaves
// a terminal status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusKilled, StatusKilledOOM, StatusStopped, StatusLost:
		return true
	}
	return false
}

// Active reports whether the task still occupies resources on its node.
func (s TaskStatus) Active() bool {
	switch s {
	case StatusAssigning, StatusRunning, StatusPaused:
		return true
	}
	return false
}

// NodeStatus is the host's view of a runner.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
)

// Role is the pre-validated identity class attached to every client request.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// SSHKeyMode controls how a VPS obtains its authorized key.
type SSHKeyMode string

const (
	SSHKeyDisabled SSHKeyMode = "disabled"
	SSHKeyNone     SSHKeyMode = "none"
	SSHKeyUpload   SSHKeyMode = "upload"
	SSHKeyGenerate SSHKeyMode = "generate"
)

// NUMANode describes one NUMA domain advertised by a runner.
type NUMANode struct {
	ID          int   `json:"id"`
	Cores       []int `json:"cores"`
	MemoryBytes int64 `json:"memory_bytes"`
}

// GPUInfo is a point-in-time snapshot of one GPU, taken from the last
// heartbeat. Utilisation comes from the runner, or from the in-VM agent
// when the device is VFIO-bound.
type GPUInfo struct {
	GPUID         int     `json:"gpu_id"`
	Name          string  `json:"name"`
	PCIAddress    string  `json:"pci_address"`
	MemoryTotalMB int64   `json:"memory_total_mb"`
	MemoryUsedMB  int64   `json:"memory_used_mb"`
	UtilPercent   float64 `json:"util_percent"`
	TempCelsius   float64 `json:"temp_celsius,omitempty"`
	FromVM        bool    `json:"from_vm,omitempty"`
}

// VFIOGPU describes a passthrough-eligible GPU with its IOMMU grouping.
type VFIOGPU struct {
	ID         string `json:"id"` // stable, derived from the PCI address
	Name       string `json:"name"`
	PCIAddress string `json:"pci_address"`
	IOMMUGroup int    `json:"iommu_group"`
}

// Node is one record per runner that ever registered. Never deleted
// automatically; marked offline when heartbeats stop.
type Node struct {
	Hostname      string     `json:"hostname"`
	URL           string     `json:"url"`
	Status        NodeStatus `json:"status"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`

	TotalCores    int        `json:"total_cores"`
	TotalRAMBytes int64      `json:"total_ram_bytes"`
	NUMATopology  []NUMANode `json:"numa_topology,omitempty"`
	GPUs          []GPUInfo  `json:"gpus,omitempty"`
	VMCapable     bool       `json:"vm_capable"`
	VFIOGPUs      []VFIOGPU  `json:"vfio_gpus,omitempty"`

	RunnerVersion string    `json:"runner_version,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// MountSpec is one additional bind mount requested for a container.
type MountSpec struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// Task is one row per submitted workload, task or VPS. Rows are never
// deleted; terminal rows are the audit trail.
type Task struct {
	TaskID   int64    `json:"task_id"`
	TaskType TaskType `json:"task_type"`

	Command    string   `json:"command,omitempty"`
	Args       []string `json:"args,omitempty"`
	Env        []string `json:"env,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"`

	RequiredCores       int         `json:"required_cores"`
	RequiredMemoryBytes int64       `json:"required_memory_bytes,omitempty"`
	RequiredGPUs        []int       `json:"required_gpus,omitempty"`
	TargetNUMANodeID    *int        `json:"target_numa_node_id,omitempty"`
	ContainerName       string      `json:"container_name,omitempty"`
	RegistryImage       string      `json:"registry_image,omitempty"`
	Privileged          bool        `json:"privileged,omitempty"`
	AdditionalMounts    []MountSpec `json:"additional_mounts,omitempty"`
	ReservedIP          string      `json:"reserved_ip,omitempty"`
	ReservationToken    string      `json:"reservation_token,omitempty"`

	VPSBackend VPSBackend `json:"vps_backend,omitempty"`
	SSHPort    int        `json:"ssh_port,omitempty"`
	VMImage    string     `json:"vm_image,omitempty"`
	VMDiskSize int64      `json:"vm_disk_size,omitempty"`
	VMIP       string     `json:"vm_ip,omitempty"`

	AssignedNode string `json:"assigned_node,omitempty"`

	Status       TaskStatus `json:"status"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// User is a pre-validated identity row. Authentication itself is out of
// scope; the host only stores the role used for endpoint gating.
type User struct {
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// VPSAssignment records which user owns an active VPS and its ssh wiring.
type VPSAssignment struct {
	TaskID    int64     `json:"task_id"`
	User      string    `json:"user"`
	SSHPort   int       `json:"ssh_port"`
	PublicKey string    `json:"public_key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RunnerTaskRecord is the runner-side durable record, written immediately
// before container/VM creation and removed on reported completion. It holds
// everything startup reconciliation needs to re-adopt or declare a crash.
type RunnerTaskRecord struct {
	TaskID         int64    `json:"task_id"`
	TaskType       TaskType `json:"task_type"`
	Name           string   `json:"name"` // container name or VM name
	AllocatedCores int      `json:"allocated_cores"`
	AllocatedGPUs  []int    `json:"allocated_gpus,omitempty"`
	NUMANode       *int     `json:"numa_node,omitempty"`
	ReservedIP     string   `json:"reserved_ip,omitempty"`

	// VM-only fields.
	VMIP        string   `json:"vm_ip,omitempty"`
	TapDevice   string   `json:"tap_device,omitempty"`
	MACAddress  string   `json:"mac_address,omitempty"`
	GPUPCIAddrs []string `json:"gpu_pci_addresses,omitempty"`
	SSHPort     int      `json:"ssh_port,omitempty"`
	NetworkMode string   `json:"network_mode,omitempty"`
	BridgeName  string   `json:"bridge_name,omitempty"`
	InstanceDir string   `json:"instance_dir,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// OverlayAllocation is the host-side per-runner VXLAN slot. The in-memory
// map is a cache; the live set of vxkr* kernel interfaces is the source of
// truth and the map is rebuilt from it on host start.
type OverlayAllocation struct {
	RunnerName  string `json:"runner_name"`
	RunnerID    int    `json:"runner_id"`
	PhysicalIP  string `json:"physical_ip"`
	Subnet      string `json:"subnet"`
	Gateway     string `json:"gateway"`
	HostIP      string `json:"host_ip"`
	VXLANDevice string `json:"vxlan_device"`
	VNI         int    `json:"vni"`
	IsActive    bool   `json:"is_active"`

	LastSeen time.Time `json:"last_seen"`
}

// IPReservation promises a container IP to a caller until it expires or a
// container consumes it.
type IPReservation struct {
	IP          string    `json:"ip"`
	RunnerName  string    `json:"runner_name"`
	RunnerID    int       `json:"runner_id"`
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
	ContainerID string    `json:"container_id,omitempty"`
}
