package host

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/client"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/config"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/events"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/idgen"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/log"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/metrics"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/overlay"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/scheduler"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/storage"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

// Host is the singleton control plane: catalogue, scheduler, overlay
// control and the lifecycle authority for every task row.
type Host struct {
	cfg     *config.Host
	store   storage.Store
	sched   *scheduler.Scheduler
	overlay *overlay.HostManager
	resv    *overlay.ReservationManager
	ids     *idgen.Generator
	broker  *events.Broker
	logger  zerolog.Logger

	// mu guards ssh port allocation and the per-task miss counters.
	mu         sync.Mutex
	missCounts map[int64]int

	// Heartbeat processing for one hostname is serialised; a new heartbeat
	// never observes the previous one half-applied.
	hbMu sync.Map // hostname -> *sync.Mutex

	// Runner clients are cached per advertised URL.
	clientsMu sync.Mutex
	clients   map[string]*client.RunnerClient

	newRunnerClient func(url string) *client.RunnerClient
}

// New wires the host core. The overlay manager may be nil in tests.
func New(cfg *config.Host, store storage.Store, ov *overlay.HostManager, resv *overlay.ReservationManager, broker *events.Broker) (*Host, error) {
	ids, err := idgen.New(0)
	if err != nil {
		return nil, err
	}
	return &Host{
		cfg:             cfg,
		store:           store,
		sched:           scheduler.New(),
		overlay:         ov,
		resv:            resv,
		ids:             ids,
		broker:          broker,
		logger:          log.WithComponent("host"),
		missCounts:      make(map[int64]int),
		clients:         make(map[string]*client.RunnerClient),
		newRunnerClient: client.NewRunnerClient,
	}, nil
}

// Store exposes the catalogue to the API layer.
func (h *Host) Store() storage.Store { return h.store }

// Overlay exposes the VXLAN manager to the API layer.
func (h *Host) Overlay() *overlay.HostManager { return h.overlay }

// Reservations exposes the IP reservation manager.
func (h *Host) Reservations() *overlay.ReservationManager { return h.resv }

// SetReservations wires the reservation manager after construction; the
// manager needs the host's in-use callback, so the two are tied together
// in main.
func (h *Host) SetReservations(resv *overlay.ReservationManager) { h.resv = resv }

// Events exposes the broker.
func (h *Host) Events() *events.Broker { return h.broker }

// Config exposes the host configuration.
func (h *Host) Config() *config.Host { return h.cfg }

func (h *Host) runnerClient(url string) *client.RunnerClient {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	if c, ok := h.clients[url]; ok {
		return c
	}
	c := h.newRunnerClient(url)
	h.clients[url] = c
	return c
}

func (h *Host) hostnameLock(hostname string) *sync.Mutex {
	mu, _ := h.hbMu.LoadOrStore(hostname, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// RegisterNode creates or refreshes a node row and hands out its overlay
// block.
func (h *Host) RegisterNode(req *types.RegisterRequest) (*types.RegisterResponse, error) {
	if req.Hostname == "" || req.URL == "" {
		return nil, errdefs.Validationf("hostname and url are required")
	}
	now := time.Now()
	node := &types.Node{
		Hostname:      req.Hostname,
		URL:           req.URL,
		Status:        types.NodeOnline,
		LastHeartbeat: now,
		TotalCores:    req.TotalCores,
		TotalRAMBytes: req.TotalRAMBytes,
		NUMATopology:  req.NUMATopology,
		GPUs:          req.GPUs,
		VMCapable:     req.VMCapable,
		VFIOGPUs:      req.VFIOGPUs,
		RunnerVersion: req.RunnerVersion,
		RegisteredAt:  now,
	}
	if existing, err := h.store.GetNode(req.Hostname); err == nil {
		node.RegisteredAt = existing.RegisteredAt
	}
	if err := h.store.UpdateNode(node); err != nil {
		return nil, fmt.Errorf("failed to persist node: %w", err)
	}

	resp := &types.RegisterResponse{Hostname: req.Hostname}
	if h.overlay != nil && req.PhysicalIP != "" {
		alloc, err := h.overlay.AllocateForRunner(req.Hostname, req.PhysicalIP)
		if err != nil {
			return nil, err
		}
		resp.Overlay = h.overlay.Block(alloc)
		h.broker.Publish(&events.Event{Type: events.EventOverlayAlloc, Hostname: req.Hostname,
			Message: fmt.Sprintf("runner_id %d", alloc.RunnerID)})
	}

	h.broker.Publish(&events.Event{Type: events.EventNodeRegistered, Hostname: req.Hostname})
	h.logger.Info().Str("hostname", req.Hostname).Str("url", req.URL).Msg("Node registered")
	return resp, nil
}

// Heartbeat ingests one runner heartbeat: capacity snapshot, running set,
// best-effort killed reports, and missing-task detection.
func (h *Host) Heartbeat(hostname string, req *types.HeartbeatRequest) error {
	lock := h.hostnameLock(hostname)
	lock.Lock()
	defer lock.Unlock()

	node, err := h.store.GetNode(hostname)
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("unknown_node").Inc()
		return errdefs.NotFoundf("node %s has not registered", hostname)
	}

	wasOffline := node.Status == types.NodeOffline
	node.Status = types.NodeOnline
	node.LastHeartbeat = time.Now()
	node.GPUs = req.GPUs
	node.VMCapable = req.VMCapable
	node.VFIOGPUs = req.VFIOGPUs
	if req.Version != "" {
		node.RunnerVersion = req.Version
	}
	if err := h.store.UpdateNode(node); err != nil {
		return fmt.Errorf("failed to update node: %w", err)
	}
	if wasOffline {
		h.broker.Publish(&events.Event{Type: events.EventNodeOnline, Hostname: hostname})
	}

	// Re-activate the overlay slot; a heartbeat implies the tunnel remote
	// is still reachable at its registered address.
	if h.overlay != nil {
		h.overlay.MarkActive(hostname)
	}

	running := make(map[int64]bool, len(req.RunningTasks))
	for _, id := range req.RunningTasks {
		running[id] = true
	}

	// Killed reports ride the heartbeat best-effort; each is an ordinary
	// runner-authored terminal update.
	for _, id := range req.KilledTasks {
		code := 137
		h.applyUpdate(&types.StatusUpdate{TaskID: id, Status: types.StatusKilledOOM, ExitCode: &code})
	}

	tasks, err := h.store.ListTasksByNode(hostname)
	if err != nil {
		return err
	}
	h.mu.Lock()
	for _, t := range tasks {
		if t.Status != types.StatusRunning && t.Status != types.StatusPaused {
			delete(h.missCounts, t.TaskID)
			continue
		}
		if running[t.TaskID] {
			delete(h.missCounts, t.TaskID)
			continue
		}
		h.missCounts[t.TaskID]++
		if h.missCounts[t.TaskID] >= 3 {
			delete(h.missCounts, t.TaskID)
			h.mu.Unlock()
			h.markLost(t)
			h.mu.Lock()
		}
	}
	h.mu.Unlock()

	metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
	return nil
}

// markLost is the reconciler-side transition for a task the runner no
// longer reports.
func (h *Host) markLost(t *types.Task) {
	if err := validateTransition(t.Status, types.StatusLost, WriterHost); err != nil {
		return
	}
	now := time.Now()
	t.Status = types.StatusLost
	t.CompletedAt = &now
	t.ErrorMessage = "task disappeared from runner heartbeats"
	if err := h.store.UpdateTask(t); err != nil {
		h.logger.Error().Err(err).Int64("task_id", t.TaskID).Msg("Failed to persist lost task")
		return
	}
	h.onTerminal(t)
	metrics.TasksLost.Inc()
	h.broker.Publish(&events.Event{Type: events.EventTaskLost, TaskID: t.TaskID, Hostname: t.AssignedNode})
	h.logger.Warn().Int64("task_id", t.TaskID).Str("hostname", t.AssignedNode).Msg("Task lost")
}

// parseTarget splits "hostname", "hostname:numa" and "hostname::gpus".
func parseTarget(target string) (hostname string, numa *int, gpus []int, err error) {
	if target == "" {
		return "", nil, nil, nil
	}
	if i := strings.Index(target, "::"); i >= 0 {
		hostname = target[:i]
		for _, part := range strings.Split(target[i+2:], ",") {
			g, convErr := strconv.Atoi(strings.TrimSpace(part))
			if convErr != nil {
				return "", nil, nil, errdefs.Validationf("bad gpu selector %q", target)
			}
			gpus = append(gpus, g)
		}
		return hostname, nil, gpus, nil
	}
	if i := strings.IndexByte(target, ':'); i >= 0 {
		hostname = target[:i]
		n, convErr := strconv.Atoi(target[i+1:])
		if convErr != nil {
			return "", nil, nil, errdefs.Validationf("bad numa selector %q", target)
		}
		return hostname, &n, nil, nil
	}
	return target, nil, nil, nil
}

// SubmitTasks creates one task row per target and dispatches each to its
// runner. Partial failure does not roll back already-placed tasks.
func (h *Host) SubmitTasks(ctx context.Context, req *types.SubmitRequest) (*types.SubmitResponse, error) {
	if req.Command == "" {
		return nil, errdefs.Validationf("command is required")
	}
	if req.ContainerName != "" && req.RegistryImage != "" {
		return nil, errdefs.Validationf("container_name and registry_image are mutually exclusive")
	}
	if req.ContainerName == "" && req.RegistryImage == "" {
		return nil, errdefs.Validationf("one of container_name or registry_image is required")
	}
	// A pinned container IP is only honoured through the signed
	// reservation flow; the runner consumes the token at create time.
	if req.ReservedIP != "" && req.ReservationToken == "" {
		return nil, errdefs.Validationf("reserved_ip requires the reservation_token issued with it")
	}
	if req.ReservationToken != "" && req.ReservedIP == "" {
		return nil, errdefs.Validationf("reservation_token requires reserved_ip")
	}
	targets := req.Targets
	if len(targets) == 0 {
		targets = []string{""}
	}

	// Every target is attempted; a failing target never rolls back or
	// blocks the others. Each task has its own row either way.
	resp := &types.SubmitResponse{}
	var firstErr error
	for _, target := range targets {
		taskID, err := h.submitOne(ctx, req, target)
		if err != nil {
			h.logger.Warn().Err(err).Str("target", target).Msg("Target submission failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		resp.TaskIDs = append(resp.TaskIDs, strconv.FormatInt(taskID, 10))
	}
	if len(resp.TaskIDs) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return resp, nil
}

// submitOne allocates the id, persists the assigning row, and launches the
// async dispatch.
func (h *Host) submitOne(ctx context.Context, req *types.SubmitRequest, target string) (int64, error) {
	hostname, numa, gpus, err := parseTarget(target)
	if err != nil {
		return 0, err
	}

	timer := metrics.NewTimer()
	nodes, err := h.store.ListNodes()
	if err != nil {
		return 0, err
	}
	active, err := h.activeTasks()
	if err != nil {
		return 0, err
	}
	node, err := h.sched.Place(&scheduler.Request{
		Cores:       req.RequiredCores,
		MemoryBytes: req.RequiredMemoryBytes,
		GPUs:        gpus,
		Hostname:    hostname,
		NUMANode:    numa,
	}, nodes, active)

	taskID := h.ids.Next()
	task := &types.Task{
		TaskID:              taskID,
		TaskType:            types.TaskTypeCommand,
		Command:             req.Command,
		Args:                req.Args,
		Env:                 req.Env,
		WorkingDir:          req.WorkingDir,
		RequiredCores:       req.RequiredCores,
		RequiredMemoryBytes: req.RequiredMemoryBytes,
		RequiredGPUs:        gpus,
		TargetNUMANodeID:    numa,
		ContainerName:       req.ContainerName,
		RegistryImage:       req.RegistryImage,
		Privileged:          req.Privileged,
		AdditionalMounts:    req.AdditionalMounts,
		ReservedIP:          req.ReservedIP,
		ReservationToken:    req.ReservationToken,
		Status:              types.StatusAssigning,
		SubmittedAt:         time.Now(),
	}

	if err != nil {
		// Scheduling failure: the row exists for the audit trail but goes
		// straight to failed without touching any runner.
		task.Status = types.StatusFailed
		task.ErrorMessage = err.Error()
		now := time.Now()
		task.CompletedAt = &now
		if perr := h.store.CreateTask(task); perr != nil {
			return 0, perr
		}
		metrics.TasksRejected.Inc()
		return 0, err
	}

	task.AssignedNode = node.Hostname
	if err := h.store.CreateTask(task); err != nil {
		return 0, err
	}
	timer.ObserveDuration(metrics.SchedulingLatency)
	metrics.TasksScheduled.Inc()
	h.broker.Publish(&events.Event{Type: events.EventTaskAssigned, TaskID: taskID, Hostname: node.Hostname})

	go h.dispatchExecute(task, node)
	return taskID, nil
}

// dispatchExecute posts the task to its runner. A transport error leaves
// the row in assigning (the runner owns the truth); an explicit rejection
// fails the task.
func (h *Host) dispatchExecute(task *types.Task, node *types.Node) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req := &types.ExecuteRequest{
		TaskID:              task.TaskID,
		Command:             task.Command,
		Args:                task.Args,
		Env:                 task.Env,
		WorkingDir:          task.WorkingDir,
		RequiredCores:       task.RequiredCores,
		RequiredMemoryBytes: task.RequiredMemoryBytes,
		RequiredGPUs:        task.RequiredGPUs,
		TargetNUMANodeID:    task.TargetNUMANodeID,
		ContainerName:       task.ContainerName,
		RegistryImage:       task.RegistryImage,
		Privileged:          task.Privileged,
		AdditionalMounts:    task.AdditionalMounts,
		StdoutPath:          h.taskLogPath(task.TaskID, "out"),
		StderrPath:          h.taskLogPath(task.TaskID, "err"),
		ReservedIP:          task.ReservedIP,
		ReservationToken:    task.ReservationToken,
	}
	err := h.runnerClient(node.URL).Execute(ctx, req)
	if err == nil {
		return
	}
	if errors.Is(err, errdefs.ErrRunnerUnreachable) {
		// Never fail a task on a network error alone.
		h.logger.Warn().Err(err).Int64("task_id", task.TaskID).Msg("Runner unreachable on dispatch; leaving task assigning")
		return
	}
	h.failTask(task.TaskID, "runner rejected execute: "+err.Error())
}

func (h *Host) taskLogPath(taskID int64, ext string) string {
	return fmt.Sprintf("%s/%d.%s", h.cfg.TaskLogDir(), taskID, ext)
}

// failTask is the host-authored assigning->failed transition.
func (h *Host) failTask(taskID int64, msg string) {
	task, err := h.store.GetTask(taskID)
	if err != nil {
		return
	}
	if err := validateTransition(task.Status, types.StatusFailed, WriterHost); err != nil {
		return
	}
	now := time.Now()
	task.Status = types.StatusFailed
	task.ErrorMessage = msg
	task.CompletedAt = &now
	if err := h.store.UpdateTask(task); err != nil {
		h.logger.Error().Err(err).Int64("task_id", taskID).Msg("Failed to persist failure")
		return
	}
	h.onTerminal(task)
	h.broker.Publish(&events.Event{Type: events.EventTaskFailed, TaskID: taskID, Message: msg})
}

// UpdateStatus applies a runner-authored status report.
func (h *Host) UpdateStatus(upd *types.StatusUpdate) error {
	return h.applyUpdate(upd)
}

func (h *Host) applyUpdate(upd *types.StatusUpdate) error {
	task, err := h.store.GetTask(upd.TaskID)
	if err != nil {
		return errdefs.NotFoundf("task %d", upd.TaskID)
	}
	if task.Status.Terminal() {
		// Terminal wins; late runner reports are ignored.
		h.logger.Debug().Int64("task_id", upd.TaskID).Str("status", string(upd.Status)).Msg("Ignoring update for terminal task")
		return nil
	}
	if err := validateTransition(task.Status, upd.Status, WriterRunner); err != nil {
		return err
	}

	now := time.Now()
	prev := task.Status
	task.Status = upd.Status
	if upd.ExitCode != nil {
		task.ExitCode = upd.ExitCode
	}
	if upd.ErrorMessage != "" {
		task.ErrorMessage = upd.ErrorMessage
	}
	if upd.VMIP != "" {
		task.VMIP = upd.VMIP
	}
	switch {
	case upd.Status == types.StatusRunning && task.StartedAt == nil:
		task.StartedAt = &now
	case upd.Status.Terminal():
		task.CompletedAt = &now
	}
	if err := h.store.UpdateTask(task); err != nil {
		return fmt.Errorf("failed to persist status: %w", err)
	}
	if upd.Status.Terminal() {
		h.onTerminal(task)
	}

	switch upd.Status {
	case types.StatusRunning:
		// A QEMU VPS only reports running once its in-guest agent phoned
		// home to the runner; surface that as its own event.
		if prev == types.StatusAssigning && task.TaskType == types.TaskTypeVPS && task.VPSBackend == types.VPSBackendQEMU {
			h.broker.Publish(&events.Event{Type: events.EventVPSPhoneHome, TaskID: task.TaskID, Hostname: task.AssignedNode})
		}
		h.broker.Publish(&events.Event{Type: events.EventTaskRunning, TaskID: task.TaskID})
	case types.StatusCompleted:
		h.broker.Publish(&events.Event{Type: events.EventTaskCompleted, TaskID: task.TaskID})
	case types.StatusFailed, types.StatusKilledOOM:
		h.broker.Publish(&events.Event{Type: events.EventTaskFailed, TaskID: task.TaskID, Message: task.ErrorMessage})
	}
	return nil
}

// onTerminal releases everything a finished task held: its reserved IP and
// its VPS assignment (freeing the ssh port).
func (h *Host) onTerminal(task *types.Task) {
	if h.resv != nil && task.ReservedIP != "" {
		h.resv.ReleaseIP(task.ReservedIP)
	}
	if task.TaskType == types.TaskTypeVPS {
		_ = h.store.DeleteVPSAssignment(task.TaskID)
	}
	h.mu.Lock()
	delete(h.missCounts, task.TaskID)
	h.mu.Unlock()
}

// KillTask kills a running or paused task. The host owns killed and marks
// the row immediately; the runner removes its record before killing so the
// background executor does not also post a terminal status.
func (h *Host) KillTask(ctx context.Context, taskID int64) error {
	task, err := h.store.GetTask(taskID)
	if err != nil {
		return errdefs.NotFoundf("task %d", taskID)
	}
	if err := validateTransition(task.Status, types.StatusKilled, WriterHost); err != nil {
		return err
	}
	node, err := h.store.GetNode(task.AssignedNode)
	if err == nil {
		_ = h.runnerClient(node.URL).Kill(ctx, &types.KillRequest{
			TaskID:        taskID,
			ContainerName: containerNameFor(task),
		})
	}
	now := time.Now()
	task.Status = types.StatusKilled
	task.CompletedAt = &now
	if err := h.store.UpdateTask(task); err != nil {
		return err
	}
	h.onTerminal(task)
	h.broker.Publish(&events.Event{Type: events.EventTaskKilled, TaskID: taskID})
	return nil
}

// PauseTask suspends a running task.
func (h *Host) PauseTask(ctx context.Context, taskID int64) error {
	task, err := h.store.GetTask(taskID)
	if err != nil {
		return errdefs.NotFoundf("task %d", taskID)
	}
	if err := validateTransition(task.Status, types.StatusPaused, WriterHost); err != nil {
		return err
	}
	node, err := h.store.GetNode(task.AssignedNode)
	if err != nil {
		return errdefs.NotFoundf("node %s", task.AssignedNode)
	}
	if err := h.runnerClient(node.URL).Pause(ctx, taskID); err != nil {
		return err
	}
	task.Status = types.StatusPaused
	return h.store.UpdateTask(task)
}

// ResumeTask unpauses a paused task.
func (h *Host) ResumeTask(ctx context.Context, taskID int64) error {
	task, err := h.store.GetTask(taskID)
	if err != nil {
		return errdefs.NotFoundf("task %d", taskID)
	}
	if task.Status != types.StatusPaused {
		return errdefs.Conflictf("cannot resume a %s task", task.Status)
	}
	node, err := h.store.GetNode(task.AssignedNode)
	if err != nil {
		return errdefs.NotFoundf("node %s", task.AssignedNode)
	}
	if err := h.runnerClient(node.URL).Resume(ctx, taskID); err != nil {
		return err
	}
	task.Status = types.StatusRunning
	return h.store.UpdateTask(task)
}

// activeTasks lists every task currently holding resources.
func (h *Host) activeTasks() ([]*types.Task, error) {
	tasks, err := h.store.ListTasks()
	if err != nil {
		return nil, err
	}
	var active []*types.Task
	for _, t := range tasks {
		if t.Status.Active() {
			active = append(active, t)
		}
	}
	return active, nil
}

// InUseIPs reports container IPs committed on a runner, for the
// reservation pool.
func (h *Host) InUseIPs(runnerName string) []string {
	tasks, err := h.store.ListTasksByNode(runnerName)
	if err != nil {
		return nil
	}
	var out []string
	for _, t := range tasks {
		if !t.Status.Active() {
			continue
		}
		if t.ReservedIP != "" {
			out = append(out, t.ReservedIP)
		}
		if t.VMIP != "" {
			out = append(out, t.VMIP)
		}
	}
	return out
}

func containerNameFor(task *types.Task) string {
	prefix := "kohakuriver-task-"
	if task.TaskType == types.TaskTypeVPS {
		prefix = "kohakuriver-vps-"
	}
	return prefix + strconv.FormatInt(task.TaskID, 10)
}
