package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/overlay"
)

// Defaults shared by host and runner.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultOverlayLayout     = "10.128.0.0/12/6/14"
	DefaultBaseVXLANID       = 7000
	DefaultImageSyncTimeout  = 600 * time.Second
)

// Host is the control-plane configuration.
type Host struct {
	ListenAddr  string `toml:"listen_addr"`
	PhysicalIP  string `toml:"physical_ip"`
	DBPath      string `toml:"db_path"`
	SharedDir   string `toml:"shared_dir"`
	LogLevel    string `toml:"log_level"`
	LogJSON     bool   `toml:"log_json"`

	HeartbeatInterval Duration `toml:"heartbeat_interval"`

	OverlayLayout    string `toml:"overlay_layout"`
	BaseVXLANID      int    `toml:"base_vxlan_id"`
	ReservationKey   string `toml:"reservation_key"`
	ReservationTTL   Duration `toml:"reservation_ttl"`

	VPSWatchdog    Duration `toml:"vps_watchdog"`
	VPSWatchdogGPU Duration `toml:"vps_watchdog_gpu"`
}

// Runner is the per-node agent configuration.
type Runner struct {
	Hostname   string `toml:"hostname"`
	HostURL    string `toml:"host_url"`
	ListenAddr string `toml:"listen_addr"`
	URL        string `toml:"url"` // advertised base url, derived when empty
	PhysicalIP string `toml:"physical_ip"`
	LogLevel   string `toml:"log_level"`
	LogJSON    bool   `toml:"log_json"`

	SharedDir  string `toml:"shared_dir"`
	LocalTemp  string `toml:"local_temp"`

	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	ImageSyncTimeout  Duration `toml:"image_sync_timeout"`

	VMInstancesDir string `toml:"vm_instances_dir"`
	VMImagesDir    string `toml:"vm_images_dir"`
	OVMFCodePath   string `toml:"ovmf_code_path"`
	OVMFVarsPath   string `toml:"ovmf_vars_path"`
	QEMUBinary     string `toml:"qemu_binary"`
	DNSServers     []string `toml:"dns_servers"`
}

// Duration lets TOML carry values like "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// LoadHost reads a host config file, applying defaults for absent fields.
// Path may be empty, yielding pure defaults.
func LoadHost(path string) (*Host, error) {
	cfg := &Host{
		ListenAddr:        ":8120",
		DBPath:            "kohakuriver.db",
		SharedDir:         "/shared",
		LogLevel:          "info",
		HeartbeatInterval: Duration{DefaultHeartbeatInterval},
		OverlayLayout:     DefaultOverlayLayout,
		BaseVXLANID:       DefaultBaseVXLANID,
		ReservationTTL:    Duration{5 * time.Minute},
		VPSWatchdog:       Duration{5 * time.Minute},
		VPSWatchdogGPU:    Duration{15 * time.Minute},
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read host config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configs the overlay or scheduler cannot honour.
func (c *Host) Validate() error {
	if _, err := overlay.ParseLayout(c.OverlayLayout); err != nil {
		return err
	}
	if c.BaseVXLANID <= 0 {
		return errdefs.Validationf("base_vxlan_id must be positive")
	}
	if c.HeartbeatInterval.Duration <= 0 {
		return errdefs.Validationf("heartbeat_interval must be positive")
	}
	return nil
}

// Layout parses the validated overlay layout string.
func (c *Host) Layout() *overlay.Layout {
	l, _ := overlay.ParseLayout(c.OverlayLayout)
	return l
}

// ContainerDir is where packaged tarballs live on shared storage.
func (c *Host) ContainerDir() string {
	return filepath.Join(c.SharedDir, "kohakuriver-containers")
}

// TaskLogDir is where container stdout/stderr land on shared storage.
func (c *Host) TaskLogDir() string {
	return filepath.Join(c.SharedDir, "task_outputs")
}

// LoadRunner reads a runner config file, applying defaults.
func LoadRunner(path string) (*Runner, error) {
	hostname, _ := os.Hostname()
	cfg := &Runner{
		Hostname:          hostname,
		HostURL:           "http://localhost:8120",
		ListenAddr:        ":8121",
		LogLevel:          "info",
		SharedDir:         "/shared",
		LocalTemp:         "/local_temp",
		HeartbeatInterval: Duration{DefaultHeartbeatInterval},
		ImageSyncTimeout:  Duration{DefaultImageSyncTimeout},
		VMInstancesDir:    "/var/lib/kohakuriver/vm-instances",
		VMImagesDir:       "/var/lib/kohakuriver/vm-images",
		OVMFCodePath:      "/usr/share/OVMF/OVMF_CODE.fd",
		OVMFVarsPath:      "/usr/share/OVMF/OVMF_VARS.fd",
		QEMUBinary:        "qemu-system-x86_64",
		DNSServers:        []string{"1.1.1.1", "8.8.8.8"},
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read runner config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configs the runner cannot start with.
func (c *Runner) Validate() error {
	if c.Hostname == "" {
		return errdefs.Validationf("hostname is required")
	}
	if c.HostURL == "" {
		return errdefs.Validationf("host_url is required")
	}
	if c.HeartbeatInterval.Duration <= 0 {
		return errdefs.Validationf("heartbeat_interval must be positive")
	}
	return nil
}

// StateDBPath is the runner's embedded KV store location.
func (c *Runner) StateDBPath() string {
	return filepath.Join(c.LocalTemp, ".kohakuriver", "runner-state.db")
}

// ContainerDir mirrors the host-side tarball directory.
func (c *Runner) ContainerDir() string {
	return filepath.Join(c.SharedDir, "kohakuriver-containers")
}

// TaskLogDir mirrors the host-side log directory.
func (c *Runner) TaskLogDir() string {
	return filepath.Join(c.SharedDir, "task_outputs")
}
