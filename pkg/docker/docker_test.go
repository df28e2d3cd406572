package docker

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNaming(t *testing.T) {
	assert.Equal(t, "kohakuriver-task-42", TaskContainerName(42))
	assert.Equal(t, "kohakuriver-vps-42", VPSContainerName(42))
	assert.Equal(t, "kohakuriver/envA:base", ImageTag("envA"))
}

func touch(t *testing.T, dir, name string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("tar"), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestNewestTarball(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	touch(t, dir, "envA-1700000000.tar", now.Add(-2*time.Hour))
	touch(t, dir, "envA-1700003600.tar", now.Add(-1*time.Hour))
	touch(t, dir, "envA-gpu-1700009999.tar", now) // different environment
	touch(t, dir, "envA-notatimestamp.tar", now)  // malformed suffix
	touch(t, dir, "envB-1700000000.tar", now)

	got, err := NewestTarball(dir, "envA")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, filepath.Join(dir, "envA-1700003600.tar"), got.Path)

	gpu, err := NewestTarball(dir, "envA-gpu")
	require.NoError(t, err)
	require.NotNil(t, gpu)
	assert.Equal(t, filepath.Join(dir, "envA-gpu-1700009999.tar"), gpu.Path)

	none, err := NewestTarball(dir, "envC")
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = NewestTarball(filepath.Join(dir, "missing"), "envA")
	assert.Error(t, err)
}

func TestComposeShellCommand(t *testing.T) {
	numa := 1
	tests := []struct {
		name string
		got  string
		want string
	}{
		{
			name: "plain command with redirects",
			got:  ComposeShellCommand("echo hi", nil, nil, "/shared/task_outputs/1.out", "/shared/task_outputs/1.err", false),
			want: "echo hi > /shared/task_outputs/1.out 2> /shared/task_outputs/1.err",
		},
		{
			name: "numa binding prefixes numactl",
			got:  ComposeShellCommand("python train.py", nil, &numa, "", "", false),
			want: "numactl --cpunodebind=1 --membind=1 python train.py",
		},
		{
			name: "tunnel client boots first",
			got:  ComposeShellCommand("sleep 60", nil, nil, "", "", true),
			want: "kohakuriver-tunnel-client & sleep 60",
		},
		{
			name: "args are quoted when needed",
			got:  ComposeShellCommand("echo", []string{"hello world", "plain"}, nil, "", "", false),
			want: "echo 'hello world' plain",
		},
		{
			name: "single quotes survive quoting",
			got:  ComposeShellCommand("echo", []string{"it's"}, nil, "", "", false),
			want: `echo 'it'\''s'`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}
