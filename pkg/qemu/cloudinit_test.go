package qemu

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testCloudInitConfig() *CloudInitConfig {
	return &CloudInitConfig{
		TaskID:          42,
		Hostname:        "vm-42",
		SSHPublicKey:    "ssh-ed25519 AAAA user",
		RunnerPublicKey: "ssh-ed25519 BBBB runner",
		MACAddress:      "02:aa:bb:cc:dd:ee",
		IPAddress:       "10.128.64.200/18",
		Gateway:         "10.128.64.1",
		DNSServers:      []string{"1.1.1.1", "8.8.8.8"},
		RunnerURL:       "http://192.168.1.21:8121",
		HeartbeatSecs:   10,
	}
}

func TestBuildMetaData(t *testing.T) {
	out := buildMetaData(testCloudInitConfig())
	assert.Contains(t, out, "instance-id: kohaku-vm-42")
	assert.Contains(t, out, "local-hostname: vm-42")
}

func TestBuildUserData(t *testing.T) {
	out, err := buildUserData(testCloudInitConfig())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "#cloud-config\n"))

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(strings.TrimPrefix(out, "#cloud-config\n")), &doc))

	// Both keys land in authorized_keys for the kohaku user and root.
	assert.Contains(t, out, "ssh-ed25519 AAAA user")
	assert.Contains(t, out, "ssh-ed25519 BBBB runner")
	assert.Contains(t, out, "name: kohaku")

	// The agent script, its unit and the 9p mounts are written.
	assert.Contains(t, out, "/usr/local/bin/kohakuriver-vm-agent")
	assert.Contains(t, out, "KOHAKU_RUNNER_URL=http://192.168.1.21:8121")
	assert.Contains(t, out, "KOHAKU_TASK_ID=42")
	assert.Contains(t, out, "KOHAKU_HEARTBEAT_INTERVAL=10")
	assert.Contains(t, out, "kohaku_shared /shared 9p")
	assert.Contains(t, out, "kohaku_local /local_temp 9p")
	assert.Contains(t, out, "qemu-guest-agent")
	assert.Contains(t, out, "systemctl enable --now kohakuriver-vm-agent")

	// With a key present, password auth stays off.
	assert.Equal(t, false, doc["ssh_pwauth"])
}

func TestBuildUserDataPasswordFallback(t *testing.T) {
	cfg := testCloudInitConfig()
	cfg.SSHPublicKey = ""
	out, err := buildUserData(cfg)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(strings.TrimPrefix(out, "#cloud-config\n")), &doc))
	assert.Equal(t, true, doc["ssh_pwauth"])
	assert.Contains(t, doc, "chpasswd")
}

func TestBuildUserDataNVIDIA(t *testing.T) {
	cfg := testCloudInitConfig()
	cfg.NVIDIADriver = "550.54.14"
	out, err := buildUserData(cfg)
	require.NoError(t, err)

	assert.Contains(t, out, "NVIDIA-Linux-x86_64-550.54.14.run")
	assert.Contains(t, out, "nvidia-ml-py")
	// Driver install must precede the agent start.
	driverIdx := strings.Index(out, "/tmp/nvidia.run --silent")
	agentIdx := strings.Index(out, "systemctl enable --now kohakuriver-vm-agent")
	require.Greater(t, driverIdx, 0)
	require.Greater(t, agentIdx, 0)
	assert.Less(t, driverIdx, agentIdx)
}

func TestBuildNetworkConfig(t *testing.T) {
	out, err := buildNetworkConfig(testCloudInitConfig())
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	assert.Equal(t, 2, doc["version"])
	assert.Contains(t, out, "02:aa:bb:cc:dd:ee")
	assert.Contains(t, out, "10.128.64.200/18")
	assert.Contains(t, out, "10.128.64.1")
	assert.Contains(t, out, "1.1.1.1")
}

func TestVMName(t *testing.T) {
	assert.Equal(t, "vm-42", VMName(42))
}
