package runner

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/cmdutil"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/docker"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/overlay"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/qemu"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

// CreateVPS materialises a long-lived workload on this node. Docker VPS
// report running as soon as the container starts; QEMU VPS stay assigning
// until the in-guest agent phones home.
func (r *Runner) CreateVPS(req *types.RunnerVPSCreateRequest) error {
	switch req.Backend {
	case types.VPSBackendDocker:
		return r.createDockerVPS(req)
	case types.VPSBackendQEMU:
		if !vmCapable() {
			return fmt.Errorf("%w: /dev/kvm not available", errdefs.ErrVMCapability)
		}
		return r.createQEMUVPS(req)
	default:
		return errdefs.Validationf("unknown vps backend %q", req.Backend)
	}
}

func (r *Runner) createDockerVPS(req *types.RunnerVPSCreateRequest) error {
	rec := &types.RunnerTaskRecord{
		TaskID:         req.TaskID,
		TaskType:       types.TaskTypeVPS,
		Name:           docker.VPSContainerName(req.TaskID),
		AllocatedCores: req.RequiredCores,
		AllocatedGPUs:  req.RequiredGPUs,
		SSHPort:        req.SSHPort,
		CreatedAt:      time.Now(),
	}
	if err := r.store.PutRecord(rec); err != nil {
		return fmt.Errorf("failed to persist vps record: %w", err)
	}
	r.track(rec)

	go func() {
		ctx := context.Background()
		logger := r.logger.With().Int64("task_id", req.TaskID).Logger()

		fail := func(msg string) {
			r.untrack(req.TaskID)
			r.reportStatus(&types.StatusUpdate{TaskID: req.TaskID, Status: types.StatusFailed, ErrorMessage: msg})
		}

		if err := r.engine.EnsureImage(ctx, req.ContainerName); err != nil {
			fail(err.Error())
			return
		}

		// Seed the key, then keep sshd in the foreground for the life of
		// the VPS.
		var setup []string
		if req.SSHKeyMode == types.SSHKeyUpload || req.SSHKeyMode == types.SSHKeyGenerate {
			setup = append(setup,
				"mkdir -p /root/.ssh",
				fmt.Sprintf("printf '%%s\\n' %s >> /root/.ssh/authorized_keys", shellSingleQuote(strings.TrimSpace(req.SSHPublicKey))),
				"chmod 600 /root/.ssh/authorized_keys")
		}
		parts := append(setup, "mkdir -p /run/sshd", "ssh-keygen -A", "exec /usr/sbin/sshd -D -e")
		command := "kohakuriver-tunnel-client & " + strings.Join(parts, " && ")

		spec := &docker.LaunchSpec{
			Name:        rec.Name,
			Image:       docker.ImageTag(req.ContainerName),
			Command:     command,
			Cores:       req.RequiredCores,
			MemoryBytes: req.RequiredMemoryBytes,
			GPUs:        req.RequiredGPUs,
			Mounts: []types.MountSpec{
				{Source: r.cfg.SharedDir, Target: "/shared"},
				{Source: r.cfg.LocalTemp, Target: "/local_temp"},
			},
			NetworkName: overlay.DockerNetwork,
		}
		if r.Block() == nil {
			spec.NetworkName = ""
		}
		containerID, err := r.engine.Launch(ctx, spec)
		if err != nil {
			fail(err.Error())
			return
		}
		vmIP := ""
		if spec.NetworkName != "" {
			if ip, err := r.engine.ContainerIP(ctx, containerID, spec.NetworkName); err == nil {
				vmIP = ip
			}
		}
		logger.Info().Str("container", rec.Name).Str("ip", vmIP).Msg("Docker VPS running")
		r.reportStatus(&types.StatusUpdate{TaskID: req.TaskID, Status: types.StatusRunning, VMIP: vmIP})

		exitCode, _ := r.engine.Wait(ctx, containerID)
		if r.trackedRecord(req.TaskID) == nil {
			return
		}
		r.untrack(req.TaskID)
		_ = r.engine.Remove(ctx, containerID)
		upd := &types.StatusUpdate{TaskID: req.TaskID, ExitCode: &exitCode}
		if exitCode == 0 {
			upd.Status = types.StatusCompleted
		} else if exitCode == 137 {
			upd.Status = types.StatusKilledOOM
		} else {
			upd.Status = types.StatusFailed
			upd.ErrorMessage = fmt.Sprintf("vps exited with code %d", exitCode)
		}
		r.reportStatus(upd)
	}()
	return nil
}

func (r *Runner) createQEMUVPS(req *types.RunnerVPSCreateRequest) error {
	block := r.Block()
	if block == nil {
		return errdefs.Validationf("overlay not configured; cannot place a vm")
	}

	vmIP, prefix, err := r.pickVMIP(block)
	if err != nil {
		return err
	}

	ctx := context.Background()
	gpus := detectGPUs(ctx)
	var gpuAddrs []string
	adverts := make([]qemu.VFIOAdvertisement, 0, len(gpus))
	for _, g := range detectVFIOGPUs(gpus) {
		for _, gi := range gpus {
			if gi.PCIAddress == g.PCIAddress {
				adverts = append(adverts, qemu.VFIOAdvertisement{GPUID: gi.GPUID, PCIAddress: g.PCIAddress, IOMMUGroup: g.IOMMUGroup})
			}
		}
	}
	for _, id := range req.RequiredGPUs {
		addr, err := qemu.ResolveGPUAddress(id, adverts)
		if err != nil {
			return err
		}
		gpuAddrs = append(gpuAddrs, addr)
	}

	rec := &types.RunnerTaskRecord{
		TaskID:         req.TaskID,
		TaskType:       types.TaskTypeVPS,
		Name:           qemu.VMName(req.TaskID),
		AllocatedCores: req.RequiredCores,
		AllocatedGPUs:  req.RequiredGPUs,
		VMIP:           vmIP,
		TapDevice:      overlay.TapName(req.TaskID),
		SSHPort:        req.SSHPort,
		NetworkMode:    "overlay",
		BridgeName:     overlay.RunnerBridge,
		InstanceDir:    r.vms.InstanceDir(req.TaskID),
		CreatedAt:      time.Now(),
	}
	if err := r.store.PutRecord(rec); err != nil {
		return fmt.Errorf("failed to persist vm record: %w", err)
	}
	r.track(rec)

	go func() {
		logger := r.logger.With().Int64("task_id", req.TaskID).Logger()
		memMB := req.MemoryMB
		if memMB == 0 && req.RequiredMemoryBytes > 0 {
			memMB = req.RequiredMemoryBytes / (1024 * 1024)
		}
		spec := &qemu.CreateSpec{
			TaskID:       req.TaskID,
			Cores:        req.RequiredCores,
			MemoryMB:     memMB,
			DiskSize:     req.VMDiskSize,
			VMImage:      req.VMImage,
			GPUAddrs:     gpuAddrs,
			SSHPublicKey: req.SSHPublicKey,
			VMIP:         fmt.Sprintf("%s/%d", vmIP, prefix),
			Gateway:      block.Gateway,
			BridgeName:   overlay.RunnerBridge,
			NVIDIADriver: r.hostDriverVersion(ctx, len(gpuAddrs) > 0),
		}
		inst, err := r.vms.Create(ctx, spec)
		if err != nil {
			logger.Error().Err(err).Msg("VM creation failed")
			r.untrack(req.TaskID)
			r.reportStatus(&types.StatusUpdate{TaskID: req.TaskID, Status: types.StatusFailed, ErrorMessage: err.Error()})
			return
		}
		// Persist the VFIO-expanded group and MAC for crash recovery.
		rec.GPUPCIAddrs = inst.GPUPCIAddrs
		rec.MACAddress = inst.MACAddress
		_ = r.store.PutRecord(rec)
		logger.Info().Str("ip", vmIP).Msg("VM booting; waiting for phone home")
	}()
	return nil
}

// hostDriverVersion returns the host NVIDIA driver version so the guest
// installs a matching one; empty when no GPU rides along.
func (r *Runner) hostDriverVersion(ctx context.Context, gpuAttached bool) string {
	if !gpuAttached {
		return ""
	}
	res, err := cmdutil.Run(ctx, 10*time.Second, "nvidia-smi",
		"--query-gpu=driver_version", "--format=csv,noheader")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.SplitN(res.Stdout, "\n", 2)[0])
}

// pickVMIP chooses a free address on this runner's subnet, avoiding the
// reserved host/gateway slots and addresses of tracked workloads.
func (r *Runner) pickVMIP(block *types.OverlayBlock) (string, int, error) {
	_, subnet, err := net.ParseCIDR(block.Subnet)
	if err != nil {
		return "", 0, fmt.Errorf("bad overlay subnet %q: %w", block.Subnet, err)
	}
	prefix, _ := subnet.Mask.Size()

	used := map[string]bool{
		block.Gateway: true,
		block.HostIP:  true,
	}
	r.trackedMu.Lock()
	for _, rec := range r.tracked {
		if rec.VMIP != "" {
			used[rec.VMIP] = true
		}
		if rec.ReservedIP != "" {
			used[rec.ReservedIP] = true
		}
	}
	r.trackedMu.Unlock()

	base := subnet.IP.To4()
	size := 1 << (32 - prefix)
	// VMs start high in the range to stay clear of Docker's allocator,
	// which hands out addresses from the bottom.
	for off := size - 10; off > 1; off-- {
		candidate := make(net.IP, 4)
		copy(candidate, base)
		v := (int(candidate[0])<<24 | int(candidate[1])<<16 | int(candidate[2])<<8 | int(candidate[3])) + off
		candidate[0], candidate[1], candidate[2], candidate[3] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
		s := candidate.String()
		if !used[s] && !strings.HasSuffix(s, ".255") && !strings.HasSuffix(s, ".0") {
			return s, prefix, nil
		}
	}
	return "", 0, errdefs.Exhaustedf("no free vm addresses on %s", block.Subnet)
}

// StopVPS stops a VPS workload on this node.
func (r *Runner) StopVPS(ctx context.Context, taskID int64) error {
	rec := r.trackedRecord(taskID)
	if rec == nil {
		return errdefs.NotFoundf("vps %d not tracked", taskID)
	}
	r.untrack(taskID)
	if rec.TapDevice != "" {
		return r.vms.Stop(ctx, taskID)
	}
	return r.engine.Kill(ctx, rec.Name)
}

// RestartVPS soft-reboots a QEMU VPS; docker VPS are rejected with a
// validation error.
func (r *Runner) RestartVPS(ctx context.Context, taskID int64) error {
	rec := r.trackedRecord(taskID)
	if rec == nil {
		return errdefs.NotFoundf("vps %d not tracked", taskID)
	}
	if rec.TapDevice != "" {
		return r.vms.Restart(taskID)
	}
	return errdefs.Validationf("restart is only supported for qemu vps")
}

// PhoneHome handles the in-guest agent's first call: mark the instance
// ready and promote the host row to running.
func (r *Runner) PhoneHome(taskID int64, vmIP string) error {
	if !r.vms.PhoneHome(taskID, vmIP) {
		return errdefs.NotFoundf("vm %d not tracked", taskID)
	}
	rec := r.trackedRecord(taskID)
	ip := vmIP
	if ip == "" && rec != nil {
		ip = rec.VMIP
	}
	r.logger.Info().Int64("task_id", taskID).Str("ip", ip).Msg("VM phoned home")
	r.reportStatus(&types.StatusUpdate{TaskID: taskID, Status: types.StatusRunning, VMIP: ip})
	return nil
}

// RecordVMHeartbeat folds agent telemetry into the instance registry; it
// surfaces on the next node heartbeat.
func (r *Runner) RecordVMHeartbeat(hb *types.VMHeartbeat) error {
	if !r.vms.RecordHeartbeat(hb) {
		return errdefs.NotFoundf("vm %d not tracked", hb.TaskID)
	}
	return nil
}

func shellSingleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
