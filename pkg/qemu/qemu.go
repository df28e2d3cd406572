package qemu

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/cmdutil"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/log"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/metrics"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/overlay"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

// VMName is the canonical VM name for a task id.
func VMName(taskID int64) string {
	return "vm-" + strconv.FormatInt(taskID, 10)
}

// Instance files inside each VM directory.
const (
	rootDisk   = "root.qcow2"
	seedISO    = "seed.iso"
	qmpSock    = "qmp.sock"
	serialLog  = "serial.log"
	pidFile    = "qemu.pid"
	startErr   = "qemu_start.err"
)

// VMInstance is one live VM, keyed by task id in the engine registry.
type VMInstance struct {
	TaskID       int64
	PID          int
	VMIP         string
	TapDevice    string
	MACAddress   string
	GPUPCIAddrs  []string
	InstanceDir  string
	QMPSocket    string
	SSHReady     bool
	LastHeartbeat time.Time
	GPUInfo      []types.GPUInfo
	SystemInfo   types.VMSystemInfo

	// One QMP request-response at a time per VM.
	qmpMu sync.Mutex
}

// Config carries the runner-level paths and binaries.
type Config struct {
	QEMUBinary    string
	OVMFCodePath  string
	OVMFVarsPath  string
	InstancesDir  string
	ImagesDir     string
	SharedDir     string
	LocalTempDir  string
	DNSServers    []string
	RunnerURL     string
	RunnerPubKey  string
	HeartbeatSecs int
}

// Engine supervises QEMU processes on one runner.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	instances map[int64]*VMInstance
}

// NewEngine creates the VM engine.
func NewEngine(cfg Config) *Engine {
	if cfg.HeartbeatSecs == 0 {
		cfg.HeartbeatSecs = 10
	}
	return &Engine{
		cfg:       cfg,
		logger:    log.WithComponent("qemu"),
		instances: make(map[int64]*VMInstance),
	}
}

// CreateSpec is one VM creation request, already resolved by the runner.
type CreateSpec struct {
	TaskID       int64
	Cores        int
	MemoryMB     int64
	DiskSize     int64 // bytes; 0 keeps the base image size
	VMImage      string
	GPUAddrs     []string // primary PCI addresses to pass through
	SSHPublicKey string
	VMIP         string // CIDR form on the overlay
	Gateway      string
	BridgeName   string
	NVIDIADriver string
}

// InstanceDir is the on-disk home of a VM.
func (e *Engine) InstanceDir(taskID int64) string {
	return filepath.Join(e.cfg.InstancesDir, VMName(taskID))
}

// Create builds and boots a VM. All or nothing: any error unwinds every
// resource allocated so far in reverse order.
func (e *Engine) Create(ctx context.Context, spec *CreateSpec) (inst *VMInstance, err error) {
	timer := metrics.NewTimer()
	logger := e.logger.With().Int64("task_id", spec.TaskID).Logger()

	dir := e.InstanceDir(spec.TaskID)
	var undo []func()
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
		}
	}()

	if err = os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create instance dir: %w", err)
	}
	undo = append(undo, func() { os.RemoveAll(dir) })

	// Overlay disk on the shared base image.
	base := filepath.Join(e.cfg.ImagesDir, spec.VMImage+".qcow2")
	if _, err = os.Stat(base); err != nil {
		return nil, fmt.Errorf("vm image %s not found: %w", spec.VMImage, err)
	}
	disk := filepath.Join(dir, rootDisk)
	if _, err = cmdutil.Run(ctx, 60*time.Second, "qemu-img", "create",
		"-f", "qcow2", "-b", base, "-F", "qcow2", disk); err != nil {
		return nil, err
	}
	if spec.DiskSize > 0 {
		if _, err = cmdutil.Run(ctx, 60*time.Second, "qemu-img", "resize", disk,
			strconv.FormatInt(spec.DiskSize, 10)); err != nil {
			return nil, err
		}
	}

	// Whole-group VFIO binding for each requested GPU.
	var boundAddrs []string
	for _, addr := range spec.GPUAddrs {
		var bound []string
		bound, err = BindGroupToVFIO(addr)
		boundAddrs = append(boundAddrs, bound...)
		if err != nil {
			toUnbind := append([]string{}, boundAddrs...)
			undo = append(undo, func() { _ = UnbindGroupFromVFIO(toUnbind) })
			return nil, err
		}
	}
	if len(boundAddrs) > 0 {
		toUnbind := append([]string{}, boundAddrs...)
		undo = append(undo, func() { _ = UnbindGroupFromVFIO(toUnbind) })
	}

	// Tap + MAC on the overlay bridge.
	tap := overlay.TapName(spec.TaskID)
	if err = overlay.CreateTap(tap, spec.BridgeName); err != nil {
		return nil, err
	}
	undo = append(undo, func() { overlay.DeleteTap(tap) })
	mac, err := overlay.RandomMAC()
	if err != nil {
		return nil, err
	}

	// Cloud-init seed.
	ciCfg := &CloudInitConfig{
		TaskID:          spec.TaskID,
		Hostname:        VMName(spec.TaskID),
		SSHPublicKey:    spec.SSHPublicKey,
		RunnerPublicKey: e.cfg.RunnerPubKey,
		MACAddress:      mac,
		IPAddress:       spec.VMIP,
		Gateway:         spec.Gateway,
		DNSServers:      e.cfg.DNSServers,
		RunnerURL:       e.cfg.RunnerURL,
		HeartbeatSecs:   e.cfg.HeartbeatSecs,
		NVIDIADriver:    spec.NVIDIADriver,
	}
	if err = BuildSeedISO(ctx, ciCfg, filepath.Join(dir, seedISO)); err != nil {
		return nil, err
	}

	// Boot. QEMU daemonizes; the short-lived foreground process failing is
	// the only direct error signal, so give it 30 s and read its stderr.
	args := e.buildCmdline(spec, dir, tap, mac)
	errPath := filepath.Join(dir, startErr)
	if err = e.spawnDaemon(ctx, args, errPath); err != nil {
		return nil, err
	}

	pid, err := readPidfile(filepath.Join(dir, pidFile))
	if err != nil {
		return nil, fmt.Errorf("qemu daemonized but pidfile unreadable: %w", err)
	}
	if !processAlive(pid) {
		return nil, fmt.Errorf("qemu daemon %d exited immediately: %s", pid, readStartErr(errPath))
	}

	ip := spec.VMIP
	if i := strings.IndexByte(ip, '/'); i >= 0 {
		ip = ip[:i]
	}
	inst = &VMInstance{
		TaskID:      spec.TaskID,
		PID:         pid,
		VMIP:        ip,
		TapDevice:   tap,
		MACAddress:  mac,
		GPUPCIAddrs: boundAddrs,
		InstanceDir: dir,
		QMPSocket:   filepath.Join(dir, qmpSock),
	}
	e.mu.Lock()
	e.instances[spec.TaskID] = inst
	e.mu.Unlock()

	timer.ObserveDuration(metrics.VMCreateDuration)
	metrics.VMsStarted.Inc()
	logger.Info().Int("pid", pid).Str("tap", tap).Str("ip", ip).Msg("VM booted")
	return inst, nil
}

// buildCmdline composes the full QEMU invocation.
func (e *Engine) buildCmdline(spec *CreateSpec, dir, tap, mac string) []string {
	args := []string{
		e.cfg.QEMUBinary,
		"-enable-kvm",
		"-machine", "q35,accel=kvm",
		"-cpu", "host",
		"-smp", strconv.Itoa(spec.Cores),
		"-m", strconv.FormatInt(spec.MemoryMB, 10),
		"-daemonize",
		"-pidfile", filepath.Join(dir, pidFile),
		"-drive", fmt.Sprintf("if=pflash,format=raw,readonly=on,file=%s", e.cfg.OVMFCodePath),
		"-drive", fmt.Sprintf("file=%s,if=virtio,format=qcow2", filepath.Join(dir, rootDisk)),
		"-drive", fmt.Sprintf("file=%s,if=virtio,media=cdrom,readonly=on", filepath.Join(dir, seedISO)),
		"-netdev", fmt.Sprintf("tap,id=net0,ifname=%s,script=no,downscript=no", tap),
		"-device", fmt.Sprintf("virtio-net-pci,netdev=net0,mac=%s", mac),
		"-qmp", fmt.Sprintf("unix:%s,server,nowait", filepath.Join(dir, qmpSock)),
		"-serial", "file:" + filepath.Join(dir, serialLog),
		"-display", "none",
		"-vga", "std",
		"-fsdev", fmt.Sprintf("local,id=fs_shared,path=%s,security_model=passthrough", e.cfg.SharedDir),
		"-device", "virtio-9p-pci,fsdev=fs_shared,mount_tag=kohaku_shared",
		"-fsdev", fmt.Sprintf("local,id=fs_local,path=%s,security_model=passthrough", e.cfg.LocalTempDir),
		"-device", "virtio-9p-pci,fsdev=fs_local,mount_tag=kohaku_local",
	}
	for _, addr := range uniqueGroupAddrs(spec.GPUAddrs) {
		args = append(args, "-device", "vfio-pci,host="+strings.TrimPrefix(addr, "0000:"))
	}
	return args
}

// uniqueGroupAddrs expands each primary GPU to its whole IOMMU group for
// the command line, deduplicated.
func uniqueGroupAddrs(primaries []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range primaries {
		devs, err := GroupEndpoints(p)
		if err != nil {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
			continue
		}
		for _, d := range devs {
			if !seen[d.Address] {
				seen[d.Address] = true
				out = append(out, d.Address)
			}
		}
	}
	return out
}

// spawnDaemon runs the foreground half of -daemonize, waiting up to 30 s.
func (e *Engine) spawnDaemon(ctx context.Context, args []string, errPath string) error {
	res, err := cmdutil.Run(ctx, 30*time.Second, args[0], args[1:]...)
	if err != nil {
		if res != nil && res.Stderr != "" {
			_ = os.WriteFile(errPath, []byte(res.Stderr), 0o644)
		}
		return fmt.Errorf("qemu failed to start: %w", err)
	}
	return nil
}

// Get returns the live instance for a task, or nil.
func (e *Engine) Get(taskID int64) *VMInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instances[taskID]
}

// List snapshots the registry.
func (e *Engine) List() []*VMInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*VMInstance, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, inst)
	}
	return out
}

// Adopt re-registers a VM found alive during startup reconciliation.
func (e *Engine) Adopt(rec *types.RunnerTaskRecord, pid int) *VMInstance {
	inst := &VMInstance{
		TaskID:      rec.TaskID,
		PID:         pid,
		VMIP:        rec.VMIP,
		TapDevice:   rec.TapDevice,
		MACAddress:  rec.MACAddress,
		GPUPCIAddrs: rec.GPUPCIAddrs,
		InstanceDir: rec.InstanceDir,
		QMPSocket:   filepath.Join(rec.InstanceDir, qmpSock),
	}
	e.mu.Lock()
	e.instances[rec.TaskID] = inst
	e.mu.Unlock()
	return inst
}

// Stop powers a VM down: QMP system_powerdown, poll up to 30 s, SIGKILL
// if still alive, then unwind VFIO, tap and registry entry. The instance
// directory is kept for post-mortem until the next create reuses it.
func (e *Engine) Stop(ctx context.Context, taskID int64) error {
	inst := e.Get(taskID)
	if inst == nil {
		return fmt.Errorf("vm for task %d not found", taskID)
	}
	logger := e.logger.With().Int64("task_id", taskID).Logger()

	inst.qmpMu.Lock()
	err := SystemPowerdown(inst.QMPSocket)
	inst.qmpMu.Unlock()
	if err != nil {
		// Soft path degraded; fall through to the signal path.
		logger.Warn().Err(err).Msg("QMP powerdown failed, falling back to signals")
		_ = syscall.Kill(inst.PID, syscall.SIGTERM)
	}

	deadline := time.Now().Add(30 * time.Second)
	for processAlive(inst.PID) {
		if time.Now().After(deadline) {
			logger.Warn().Int("pid", inst.PID).Msg("VM did not shut down, killing")
			_ = syscall.Kill(inst.PID, syscall.SIGKILL)
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	var result *multierror.Error
	if len(inst.GPUPCIAddrs) > 0 {
		if err := UnbindGroupFromVFIO(inst.GPUPCIAddrs); err != nil {
			result = multierror.Append(result, err)
		}
	}
	overlay.DeleteTap(inst.TapDevice)

	e.mu.Lock()
	delete(e.instances, taskID)
	e.mu.Unlock()
	logger.Info().Msg("VM stopped")
	return result.ErrorOrNil()
}

// Restart soft-reboots via QMP system_reset, keeping disk, network and GPU
// passthrough.
func (e *Engine) Restart(taskID int64) error {
	inst := e.Get(taskID)
	if inst == nil {
		return fmt.Errorf("vm for task %d not found", taskID)
	}
	inst.qmpMu.Lock()
	defer inst.qmpMu.Unlock()
	return SystemReset(inst.QMPSocket)
}

// PhoneHome marks the instance booted; returns false for unknown VMs.
func (e *Engine) PhoneHome(taskID int64, vmIP string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[taskID]
	if !ok {
		return false
	}
	inst.SSHReady = true
	inst.LastHeartbeat = time.Now()
	if vmIP != "" {
		inst.VMIP = vmIP
	}
	return true
}

// RecordHeartbeat folds agent telemetry into the instance.
func (e *Engine) RecordHeartbeat(hb *types.VMHeartbeat) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[hb.TaskID]
	if !ok {
		return false
	}
	inst.LastHeartbeat = time.Now()
	inst.GPUInfo = hb.GPUs
	inst.SystemInfo = hb.System
	return true
}

// PidfilePath exposes the instance pidfile for reconciliation.
func (e *Engine) PidfilePath(instanceDir string) string {
	return filepath.Join(instanceDir, pidFile)
}

// ReadPid reads and validates a pidfile; 0 when absent or stale.
func ReadPid(path string) int {
	pid, err := readPidfile(path)
	if err != nil || !processAlive(pid) {
		return 0
	}
	return pid
}

func readPidfile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("bad pidfile %s", path)
	}
	return pid, nil
}

// processAlive checks liveness with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func readStartErr(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "no stderr captured"
	}
	s := strings.TrimSpace(string(data))
	if len(s) > 400 {
		s = s[:400]
	}
	return s
}
