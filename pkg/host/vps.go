package host

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/cmdutil"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/events"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/scheduler"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

// CreateVPS places and launches a long-lived workload. QEMU-backed VPS get
// a host-side watchdog instead of an HTTP timeout: the row fails if the VM
// agent never phones home.
func (h *Host) CreateVPS(ctx context.Context, req *types.VPSCreateRequest) (*types.VPSCreateResponse, error) {
	backend := req.Backend
	if backend == "" {
		backend = types.VPSBackendDocker
	}
	if backend == types.VPSBackendQEMU && req.VMImage == "" {
		return nil, errdefs.Validationf("vm_image is required for qemu vps")
	}
	if backend == types.VPSBackendDocker && req.ContainerName == "" {
		return nil, errdefs.Validationf("container_name is required for docker vps")
	}
	keyMode := req.SSHKeyMode
	if keyMode == "" {
		keyMode = types.SSHKeyNone
	}
	if keyMode == types.SSHKeyUpload && req.SSHPublicKey == "" {
		return nil, errdefs.Validationf("ssh_public_key is required for upload mode")
	}

	hostname, numa, gpus, err := parseTarget(req.Target)
	if err != nil {
		return nil, err
	}
	if len(req.RequiredGPUs) > 0 {
		gpus = req.RequiredGPUs
	}

	memBytes := req.RequiredMemoryBytes
	if memBytes == 0 && req.MemoryMB > 0 {
		memBytes = req.MemoryMB * 1024 * 1024
	}

	nodes, err := h.store.ListNodes()
	if err != nil {
		return nil, err
	}
	active, err := h.activeTasks()
	if err != nil {
		return nil, err
	}
	node, err := h.sched.Place(&scheduler.Request{
		Cores:       req.RequiredCores,
		MemoryBytes: memBytes,
		GPUs:        gpus,
		Hostname:    hostname,
		NUMANode:    numa,
		VM:          backend == types.VPSBackendQEMU,
	}, nodes, active)
	if err != nil {
		return nil, err
	}

	publicKey := req.SSHPublicKey
	var privateKey string
	if keyMode == types.SSHKeyGenerate {
		publicKey, privateKey, err = h.generateSSHKey()
		if err != nil {
			return nil, err
		}
	}

	taskID := h.ids.Next()

	h.mu.Lock()
	sshPort := 0
	if keyMode != types.SSHKeyDisabled {
		sshPort, err = h.allocateSSHPortLocked()
		if err != nil {
			h.mu.Unlock()
			return nil, err
		}
	}
	task := &types.Task{
		TaskID:              taskID,
		TaskType:            types.TaskTypeVPS,
		RequiredCores:       req.RequiredCores,
		RequiredMemoryBytes: memBytes,
		RequiredGPUs:        gpus,
		TargetNUMANodeID:    numa,
		ContainerName:       req.ContainerName,
		VPSBackend:          backend,
		SSHPort:             sshPort,
		VMImage:             req.VMImage,
		VMDiskSize:          req.VMDiskSize,
		AssignedNode:        node.Hostname,
		Status:              types.StatusAssigning,
		SubmittedAt:         time.Now(),
	}
	if err := h.store.CreateTask(task); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	h.mu.Unlock()

	if sshPort > 0 {
		_ = h.store.CreateVPSAssignment(&types.VPSAssignment{
			TaskID:    taskID,
			User:      req.User,
			SSHPort:   sshPort,
			PublicKey: publicKey,
			CreatedAt: time.Now(),
		})
	}

	h.broker.Publish(&events.Event{Type: events.EventTaskAssigned, TaskID: taskID, Hostname: node.Hostname})

	go h.dispatchVPSCreate(task, node, keyMode, publicKey)
	if backend == types.VPSBackendQEMU {
		go h.vpsWatchdog(taskID, len(gpus) > 0)
	}

	return &types.VPSCreateResponse{
		TaskID:     strconv.FormatInt(taskID, 10),
		Node:       node.Hostname,
		SSHPort:    sshPort,
		PrivateKey: privateKey,
	}, nil
}

// dispatchVPSCreate posts the creation to the runner with no HTTP timeout.
func (h *Host) dispatchVPSCreate(task *types.Task, node *types.Node, keyMode types.SSHKeyMode, publicKey string) {
	req := &types.RunnerVPSCreateRequest{
		TaskID:              task.TaskID,
		Backend:             task.VPSBackend,
		RequiredCores:       task.RequiredCores,
		RequiredMemoryBytes: task.RequiredMemoryBytes,
		RequiredGPUs:        task.RequiredGPUs,
		ContainerName:       task.ContainerName,
		SSHKeyMode:          keyMode,
		SSHPublicKey:        publicKey,
		SSHPort:             task.SSHPort,
		VMImage:             task.VMImage,
		VMDiskSize:          task.VMDiskSize,
		MemoryMB:            task.RequiredMemoryBytes / (1024 * 1024),
	}
	err := h.runnerClient(node.URL).CreateVPS(context.Background(), req)
	if err == nil {
		return
	}
	if errors.Is(err, errdefs.ErrRunnerUnreachable) {
		h.logger.Warn().Err(err).Int64("task_id", task.TaskID).Msg("Runner unreachable on vps create; leaving task assigning")
		return
	}
	h.failTask(task.TaskID, "runner rejected vps create: "+err.Error())
}

// vpsWatchdog fails a QEMU VPS whose agent never phones home. GPU installs
// get the longer budget because the NVIDIA driver build dominates boot.
func (h *Host) vpsWatchdog(taskID int64, gpuInstall bool) {
	budget := h.cfg.VPSWatchdog.Duration
	if gpuInstall {
		budget = h.cfg.VPSWatchdogGPU.Duration
	}
	time.Sleep(budget)
	task, err := h.store.GetTask(taskID)
	if err != nil {
		return
	}
	if task.Status == types.StatusAssigning {
		h.logger.Warn().Int64("task_id", taskID).Dur("budget", budget).Msg("VM never phoned home")
		h.failTask(taskID, fmt.Sprintf("vm did not phone home within %s", budget))
	}
}

// StopVPS gracefully stops a VPS; the host owns stopped.
func (h *Host) StopVPS(ctx context.Context, taskID int64) error {
	task, err := h.store.GetTask(taskID)
	if err != nil {
		return errdefs.NotFoundf("task %d", taskID)
	}
	if task.TaskType != types.TaskTypeVPS {
		return errdefs.Validationf("task %d is not a vps", taskID)
	}
	if err := validateTransition(task.Status, types.StatusStopped, WriterHost); err != nil {
		return err
	}
	node, err := h.store.GetNode(task.AssignedNode)
	if err == nil {
		if err := h.runnerClient(node.URL).StopVPS(ctx, taskID); err != nil &&
			!errors.Is(err, errdefs.ErrRunnerUnreachable) {
			return err
		}
	}
	now := time.Now()
	task.Status = types.StatusStopped
	task.CompletedAt = &now
	if err := h.store.UpdateTask(task); err != nil {
		return err
	}
	h.onTerminal(task)
	return nil
}

// RestartVPS soft-reboots a VPS in place; the row stays running.
func (h *Host) RestartVPS(ctx context.Context, taskID int64) error {
	task, err := h.store.GetTask(taskID)
	if err != nil {
		return errdefs.NotFoundf("task %d", taskID)
	}
	if task.TaskType != types.TaskTypeVPS {
		return errdefs.Validationf("task %d is not a vps", taskID)
	}
	if task.Status != types.StatusRunning {
		return errdefs.Conflictf("cannot restart a %s vps", task.Status)
	}
	node, err := h.store.GetNode(task.AssignedNode)
	if err != nil {
		return errdefs.NotFoundf("node %s", task.AssignedNode)
	}
	return h.runnerClient(node.URL).RestartVPS(ctx, taskID)
}

// generateSSHKey shells ssh-keygen for an ed25519 pair and returns both
// halves; the private key is handed to the caller exactly once.
func (h *Host) generateSSHKey() (publicKey, privateKey string, err error) {
	dir, err := os.MkdirTemp("", "kohaku-sshkey-")
	if err != nil {
		return "", "", err
	}
	defer os.RemoveAll(dir)
	keyPath := filepath.Join(dir, "id_ed25519")
	_, err = cmdutil.Run(context.Background(), 30*time.Second,
		"ssh-keygen", "-t", "ed25519", "-N", "", "-C", "kohakuriver-vps", "-f", keyPath)
	if err != nil {
		return "", "", fmt.Errorf("ssh-keygen failed: %w", err)
	}
	priv, err := os.ReadFile(keyPath)
	if err != nil {
		return "", "", err
	}
	pub, err := os.ReadFile(keyPath + ".pub")
	if err != nil {
		return "", "", err
	}
	return string(pub), string(priv), nil
}
