package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadHostDefaults(t *testing.T) {
	cfg, err := LoadHost("")
	require.NoError(t, err)

	assert.Equal(t, ":8120", cfg.ListenAddr)
	assert.Equal(t, "10.128.0.0/12/6/14", cfg.OverlayLayout)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval.Duration)
	assert.Equal(t, 15*time.Minute, cfg.VPSWatchdogGPU.Duration)
	assert.Equal(t, filepath.Join("/shared", "kohakuriver-containers"), cfg.ContainerDir())
	assert.Equal(t, filepath.Join("/shared", "task_outputs"), cfg.TaskLogDir())
	require.NotNil(t, cfg.Layout())
	assert.Equal(t, 63, cfg.Layout().MaxRunners())
}

func TestLoadHostFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.toml")
	body := `
listen_addr = ":9999"
physical_ip = "192.168.1.10"
overlay_layout = "192.168.0.0/16/4/12"
heartbeat_interval = "2s"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadHost(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "192.168.1.10", cfg.PhysicalIP)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval.Duration)
	assert.Equal(t, 15, cfg.Layout().MaxRunners())
}

func TestLoadHostRejectsBadLayout(t *testing.T) {
	tests := []struct {
		name   string
		layout string
	}{
		{name: "subnet bits below 8", layout: "10.128.0.0/19/6/7"},
		{name: "widths not summing", layout: "10.128.0.0/12/6/10"},
		{name: "garbage", layout: "not-a-layout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "host.toml")
			require.NoError(t, os.WriteFile(path, []byte("overlay_layout = \""+tt.layout+"\"\n"), 0o644))
			_, err := LoadHost(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadRunnerDefaults(t *testing.T) {
	cfg, err := LoadRunner("")
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.Hostname)
	assert.Equal(t, 600*time.Second, cfg.ImageSyncTimeout.Duration)
	assert.Equal(t, filepath.Join("/local_temp", ".kohakuriver", "runner-state.db"), cfg.StateDBPath())
	assert.Equal(t, "qemu-system-x86_64", cfg.QEMUBinary)
}

func TestLoadRunnerValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runner.toml")
	require.NoError(t, os.WriteFile(path, []byte("host_url = \"\"\n"), 0o644))
	_, err := LoadRunner(path)
	assert.Error(t, err)
}
