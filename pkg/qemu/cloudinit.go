package qemu

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/cmdutil"
)

// CloudInitConfig is everything the seed ISO needs.
type CloudInitConfig struct {
	TaskID          int64
	Hostname        string // vm-<task_id>
	SSHPublicKey    string // user key, empty for password login
	RunnerPublicKey string // runner key for TTY/filesystem access
	MACAddress      string
	IPAddress       string // CIDR form, e.g. 10.130.0.7/18
	Gateway         string
	DNSServers      []string
	RunnerURL       string
	HeartbeatSecs   int
	NVIDIADriver    string // host-matched driver version, empty to skip
}

// buildMetaData renders the cidata meta-data document.
func buildMetaData(cfg *CloudInitConfig) string {
	return fmt.Sprintf("instance-id: kohaku-vm-%d\nlocal-hostname: %s\n", cfg.TaskID, cfg.Hostname)
}

// buildUserData renders the #cloud-config document: kohaku user, authorized
// keys, the embedded agent with its systemd unit, 9p mounts for /shared and
// /local_temp, and the optional NVIDIA driver install.
func buildUserData(cfg *CloudInitConfig) (string, error) {
	var sshKeys []string
	if cfg.SSHPublicKey != "" {
		sshKeys = append(sshKeys, cfg.SSHPublicKey)
	}
	if cfg.RunnerPublicKey != "" {
		sshKeys = append(sshKeys, cfg.RunnerPublicKey)
	}

	unit := fmt.Sprintf(`[Unit]
Description=KohakuRiver VM agent
After=network-online.target
Wants=network-online.target

[Service]
Environment=KOHAKU_RUNNER_URL=%s
Environment=KOHAKU_TASK_ID=%d
Environment=KOHAKU_HEARTBEAT_INTERVAL=%d
ExecStart=/usr/local/bin/kohakuriver-vm-agent
Restart=always
RestartSec=5

[Install]
WantedBy=multi-user.target
`, cfg.RunnerURL, cfg.TaskID, cfg.HeartbeatSecs)

	doc := map[string]any{
		"users": []map[string]any{
			{
				"name":                "kohaku",
				"sudo":                "ALL=(ALL) NOPASSWD:ALL",
				"shell":               "/bin/bash",
				"ssh_authorized_keys": sshKeys,
			},
			{
				"name":                "root",
				"ssh_authorized_keys": sshKeys,
			},
		},
		"ssh_pwauth": cfg.SSHPublicKey == "",
		"write_files": []map[string]any{
			{
				"path":        "/usr/local/bin/kohakuriver-vm-agent",
				"permissions": "0755",
				"content":     agentScript,
			},
			{
				"path":    "/etc/fstab",
				"append":  true,
				"content": "kohaku_shared /shared 9p trans=virtio,version=9p2000.L,msize=524288,nofail,_netdev 0 0\nkohaku_local /local_temp 9p trans=virtio,version=9p2000.L,msize=524288,nofail,_netdev 0 0\n",
			},
			{
				"path":    "/etc/systemd/system/kohakuriver-vm-agent.service",
				"content": unit,
			},
		},
		"packages": []string{"qemu-guest-agent", "python3-pip"},
		"runcmd": []string{
			"modprobe 9p 9pnet 9pnet_virtio || true",
			"mkdir -p /shared /local_temp",
			"mount -t 9p -o trans=virtio,version=9p2000.L,msize=524288 kohaku_shared /shared || true",
			"mount -t 9p -o trans=virtio,version=9p2000.L,msize=524288 kohaku_local /local_temp || true",
			"systemctl enable --now qemu-guest-agent || true",
			"systemctl enable --now kohakuriver-vm-agent",
		},
	}

	if cfg.NVIDIADriver != "" {
		url := fmt.Sprintf("https://us.download.nvidia.com/XFree86/Linux-x86_64/%s/NVIDIA-Linux-x86_64-%s.run", cfg.NVIDIADriver, cfg.NVIDIADriver)
		doc["packages"] = append(doc["packages"].([]string), "build-essential", "dkms", "wget")
		runcmd := doc["runcmd"].([]string)
		nvidia := []string{
			"wget -q -O /tmp/nvidia.run " + url,
			"chmod +x /tmp/nvidia.run",
			"/tmp/nvidia.run --silent --dkms --no-cc-version-check",
			"rm -f /tmp/nvidia.run",
			"pip3 install nvidia-ml-py --break-system-packages",
		}
		// The driver must exist before the agent starts reporting GPU
		// telemetry, so insert ahead of the agent enable.
		last := runcmd[len(runcmd)-1]
		doc["runcmd"] = append(append(runcmd[:len(runcmd)-1], nvidia...), last)
	}

	if cfg.SSHPublicKey == "" {
		doc["chpasswd"] = map[string]any{"expire": false}
	}

	body, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to render user-data: %w", err)
	}
	return "#cloud-config\n" + string(body), nil
}

// buildNetworkConfig renders a v2 network config matched by MAC with a
// static address, default route and DNS.
func buildNetworkConfig(cfg *CloudInitConfig) (string, error) {
	doc := map[string]any{
		"version": 2,
		"ethernets": map[string]any{
			"primary": map[string]any{
				"match":     map[string]any{"macaddress": cfg.MACAddress},
				"addresses": []string{cfg.IPAddress},
				"routes": []map[string]any{
					{"to": "default", "via": cfg.Gateway},
				},
				"nameservers": map[string]any{"addresses": cfg.DNSServers},
			},
		},
	}
	body, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to render network-config: %w", err)
	}
	return string(body), nil
}

// BuildSeedISO writes the three cloud-init files and packs them into a
// cidata ISO9660 image with Joliet and Rock Ridge extensions.
func BuildSeedISO(ctx context.Context, cfg *CloudInitConfig, isoPath string) error {
	tmp, err := os.MkdirTemp("", "kohaku-seed-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	userData, err := buildUserData(cfg)
	if err != nil {
		return err
	}
	netConfig, err := buildNetworkConfig(cfg)
	if err != nil {
		return err
	}
	files := map[string]string{
		"meta-data":      buildMetaData(cfg),
		"user-data":      userData,
		"network-config": netConfig,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(tmp, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	_, err = cmdutil.Run(ctx, 60*time.Second, "genisoimage",
		"-output", isoPath,
		"-volid", "cidata",
		"-joliet", "-rock",
		filepath.Join(tmp, "meta-data"),
		filepath.Join(tmp, "user-data"),
		filepath.Join(tmp, "network-config"),
	)
	if err != nil {
		return fmt.Errorf("failed to build seed iso: %w", err)
	}
	return nil
}
