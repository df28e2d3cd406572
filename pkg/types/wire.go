package types

import "time"

// Wire DTOs for the REST surface. Every payload field keeps its nullability
// from the protocol: pointers where absence and zero differ.

// RegisterRequest is POST /api/register (runner -> host).
type RegisterRequest struct {
	Hostname      string     `json:"hostname"`
	URL           string     `json:"url"`
	TotalCores    int        `json:"total_cores"`
	TotalRAMBytes int64      `json:"total_ram_bytes"`
	NUMATopology  []NUMANode `json:"numa_topology,omitempty"`
	GPUs          []GPUInfo  `json:"gpus,omitempty"`
	VMCapable     bool       `json:"vm_capable"`
	VFIOGPUs      []VFIOGPU  `json:"vfio_gpus,omitempty"`
	RunnerVersion string     `json:"runner_version,omitempty"`
	PhysicalIP    string     `json:"physical_ip"`
}

// RegisterResponse returns the overlay block the runner must materialise.
type RegisterResponse struct {
	Hostname string        `json:"hostname"`
	Overlay  *OverlayBlock `json:"overlay,omitempty"`
}

// OverlayBlock is the per-runner slice of the VXLAN fabric.
type OverlayBlock struct {
	RunnerID     int    `json:"runner_id"`
	VNI          int    `json:"vni"`
	Subnet       string `json:"subnet"`  // CIDR of the runner's container range
	Gateway      string `json:"gateway"` // subnet.1, lives on the runner bridge
	HostIP       string `json:"host_ip"` // subnet.254, lives on the host vxkr device
	HostOverlay  string `json:"host_overlay"`  // base.1, overlay-global host address
	OverlayCIDR  string `json:"overlay_cidr"`  // whole fabric, for routes/firewall
	HostPhysical string `json:"host_physical"` // VXLAN remote on the runner side
}

// HeartbeatRequest is PUT /api/heartbeat/{hostname}.
type HeartbeatRequest struct {
	RunningTasks []int64   `json:"running_tasks"`
	KilledTasks  []int64   `json:"killed_tasks,omitempty"`
	CPUPercent   float64   `json:"cpu_percent"`
	MemoryUsed   int64     `json:"memory_used_bytes"`
	MemoryTotal  int64     `json:"memory_total_bytes"`
	TempCelsius  *float64  `json:"temp_celsius,omitempty"`
	GPUs         []GPUInfo `json:"gpus,omitempty"`
	VMCapable    bool      `json:"vm_capable"`
	VFIOGPUs     []VFIOGPU `json:"vfio_gpus,omitempty"`
	Version      string    `json:"version,omitempty"`
}

// SubmitRequest is POST /api/submit (client -> host). Targets may name
// "hostname", "hostname:numa" or "hostname::gpu,gpu" selectors; each target
// yields its own task row.
type SubmitRequest struct {
	Command             string      `json:"command"`
	Args                []string    `json:"args,omitempty"`
	Env                 []string    `json:"env,omitempty"`
	WorkingDir          string      `json:"working_dir,omitempty"`
	RequiredCores       int         `json:"cores"`
	RequiredMemoryBytes int64       `json:"memory_bytes,omitempty"`
	ContainerName       string      `json:"container_name,omitempty"`
	RegistryImage       string      `json:"registry_image,omitempty"`
	Privileged          bool        `json:"privileged,omitempty"`
	AdditionalMounts    []MountSpec `json:"additional_mounts,omitempty"`
	Targets             []string    `json:"targets,omitempty"`
	ReservedIP          string      `json:"reserved_ip,omitempty"`
	ReservationToken    string      `json:"reservation_token,omitempty"`
}

// SubmitResponse lists the created task ids, one per target.
type SubmitResponse struct {
	TaskIDs []string `json:"task_ids"`
}

// VPSCreateRequest is POST /api/vps/create (client -> host).
type VPSCreateRequest struct {
	RequiredCores       int        `json:"cores"`
	RequiredMemoryBytes int64      `json:"memory_bytes,omitempty"`
	RequiredGPUs        []int      `json:"gpus,omitempty"`
	ContainerName       string     `json:"container_name,omitempty"`
	Target              string     `json:"target,omitempty"`
	Backend             VPSBackend `json:"vps_backend,omitempty"`
	SSHKeyMode          SSHKeyMode `json:"ssh_key_mode,omitempty"`
	SSHPublicKey        string     `json:"ssh_public_key,omitempty"`
	VMImage             string     `json:"vm_image,omitempty"`
	VMDiskSize          int64      `json:"vm_disk_size,omitempty"`
	MemoryMB            int64      `json:"memory_mb,omitempty"`
	User                string     `json:"user,omitempty"`
}

// VPSCreateResponse reports placement and, for generated keys, the one-time
// private key.
type VPSCreateResponse struct {
	TaskID     string `json:"task_id"`
	Node       string `json:"node"`
	SSHPort    int    `json:"ssh_port,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
}

// ExecuteRequest is POST /api/execute (host -> runner).
type ExecuteRequest struct {
	TaskID              int64       `json:"task_id"`
	Command             string      `json:"command"`
	Args                []string    `json:"args,omitempty"`
	Env                 []string    `json:"env,omitempty"`
	WorkingDir          string      `json:"working_dir,omitempty"`
	RequiredCores       int         `json:"cores"`
	RequiredMemoryBytes int64       `json:"memory_bytes,omitempty"`
	RequiredGPUs        []int       `json:"gpus,omitempty"`
	TargetNUMANodeID    *int        `json:"numa,omitempty"`
	ContainerName       string      `json:"container_name,omitempty"`
	RegistryImage       string      `json:"registry_image,omitempty"`
	Privileged          bool        `json:"privileged,omitempty"`
	AdditionalMounts    []MountSpec `json:"mounts,omitempty"`
	StdoutPath          string      `json:"stdout_path,omitempty"`
	StderrPath          string      `json:"stderr_path,omitempty"`
	ReservedIP          string      `json:"reserved_ip,omitempty"`
	ReservationToken    string      `json:"reservation_token,omitempty"`
}

// RunnerVPSCreateRequest is POST /api/vps/create (host -> runner).
type RunnerVPSCreateRequest struct {
	TaskID              int64      `json:"task_id"`
	Backend             VPSBackend `json:"vps_backend"`
	RequiredCores       int        `json:"cores"`
	RequiredMemoryBytes int64      `json:"memory_bytes,omitempty"`
	RequiredGPUs        []int      `json:"gpus,omitempty"`
	ContainerName       string     `json:"container_name,omitempty"`
	SSHKeyMode          SSHKeyMode `json:"ssh_key_mode"`
	SSHPublicKey        string     `json:"ssh_public_key,omitempty"`
	SSHPort             int        `json:"ssh_port,omitempty"`
	VMImage             string     `json:"vm_image,omitempty"`
	VMDiskSize          int64      `json:"vm_disk_size,omitempty"`
	MemoryMB            int64      `json:"memory_mb,omitempty"`
}

// KillRequest is POST /api/kill (host -> runner).
type KillRequest struct {
	TaskID        int64  `json:"task_id"`
	ContainerName string `json:"container_name,omitempty"`
}

// PauseResumeRequest is POST /api/pause and /api/resume (host -> runner).
type PauseResumeRequest struct {
	TaskID int64 `json:"task_id"`
}

// StatusUpdate is POST /api/update (runner -> host). The runner is the sole
// writer of running/completed/failed/killed_oom through this path.
type StatusUpdate struct {
	TaskID       int64      `json:"task_id"`
	Status       TaskStatus `json:"status"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	VMIP         string     `json:"vm_ip,omitempty"`
}

// ReserveIPResponse is the body of POST /api/overlay/ip/reserve.
type ReserveIPResponse struct {
	IP        string    `json:"ip"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ConsumeIPRequest is POST /api/overlay/ip/consume (runner -> host).
type ConsumeIPRequest struct {
	Token       string `json:"token"`
	ContainerID string `json:"container_id"`
}

// ConsumeIPResponse acknowledges a consumed reservation.
type ConsumeIPResponse struct {
	IP string `json:"ip"`
}

// VMPhoneHome is POST /api/vps/{id}/vm-phone-home, the single call a freshly
// booted VM makes once cloud-init finishes.
type VMPhoneHome struct {
	TaskID int64  `json:"task_id"`
	VMIP   string `json:"vm_ip,omitempty"`
}

// VMHeartbeat is the periodic telemetry the in-VM agent posts to its runner.
type VMHeartbeat struct {
	TaskID  int64        `json:"task_id"`
	GPUs    []GPUInfo    `json:"gpus,omitempty"`
	System  VMSystemInfo `json:"system"`
	AgentTS time.Time    `json:"agent_ts"`
}

// VMSystemInfo is the guest-side system snapshot.
type VMSystemInfo struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryUsed  int64   `json:"memory_used_bytes"`
	MemoryTotal int64   `json:"memory_total_bytes"`
	Uptime      int64   `json:"uptime_seconds"`
}

// ErrorBody is the JSON error envelope every endpoint returns on failure.
type ErrorBody struct {
	Detail string `json:"detail"`
}
