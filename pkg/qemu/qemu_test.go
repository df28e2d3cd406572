package qemu

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(Config{
		QEMUBinary:   "qemu-system-x86_64",
		OVMFCodePath: "/usr/share/OVMF/OVMF_CODE.fd",
		InstancesDir: t.TempDir(),
		ImagesDir:    "/var/lib/kohakuriver/vm-images",
		SharedDir:    "/shared",
		LocalTempDir: "/local_temp",
		RunnerURL:    "http://192.168.1.21:8121",
	})
}

func TestBuildCmdline(t *testing.T) {
	e := testEngine(t)
	spec := &CreateSpec{
		TaskID:   42,
		Cores:    4,
		MemoryMB: 4096,
		VMImage:  "ubuntu-24.04",
	}
	dir := e.InstanceDir(42)
	args := e.buildCmdline(spec, dir, "tap-vm-42", "02:aa:bb:cc:dd:ee")
	line := strings.Join(args, " ")

	assert.Equal(t, "qemu-system-x86_64", args[0])
	assert.Contains(t, line, "-enable-kvm")
	assert.Contains(t, line, "-machine q35,accel=kvm")
	assert.Contains(t, line, "-cpu host")
	assert.Contains(t, line, "-smp 4")
	assert.Contains(t, line, "-m 4096")
	assert.Contains(t, line, "-daemonize")
	assert.Contains(t, line, "-pidfile "+filepath.Join(dir, "qemu.pid"))
	assert.Contains(t, line, "if=pflash")
	assert.Contains(t, line, filepath.Join(dir, "root.qcow2"))
	assert.Contains(t, line, filepath.Join(dir, "seed.iso"))
	assert.Contains(t, line, "media=cdrom")
	assert.Contains(t, line, "tap,id=net0,ifname=tap-vm-42,script=no,downscript=no")
	assert.Contains(t, line, "virtio-net-pci,netdev=net0,mac=02:aa:bb:cc:dd:ee")
	assert.Contains(t, line, "unix:"+filepath.Join(dir, "qmp.sock")+",server,nowait")
	assert.Contains(t, line, "-serial file:"+filepath.Join(dir, "serial.log"))
	assert.Contains(t, line, "-display none")
	assert.Contains(t, line, "mount_tag=kohaku_shared")
	assert.Contains(t, line, "mount_tag=kohaku_local")
}

func TestReadPid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qemu.pid")

	// Missing file.
	assert.Equal(t, 0, ReadPid(path))

	// Garbage content.
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0o644))
	assert.Equal(t, 0, ReadPid(path))

	// A stale pid that no longer runs.
	require.NoError(t, os.WriteFile(path, []byte("999999\n"), 0o644))
	assert.Equal(t, 0, ReadPid(path))

	// Our own pid is alive.
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644))
	assert.Equal(t, os.Getpid(), ReadPid(path))
}

func TestResolveGPUAddress(t *testing.T) {
	adverts := []VFIOAdvertisement{
		{GPUID: 0, PCIAddress: "0000:65:00.0", IOMMUGroup: 10},
		{GPUID: 1, PCIAddress: "0000:66:00.0", IOMMUGroup: 11},
	}
	addr, err := ResolveGPUAddress(1, adverts)
	require.NoError(t, err)
	assert.Equal(t, "0000:66:00.0", addr)

	_, err = ResolveGPUAddress(5, adverts)
	assert.Error(t, err)
}
