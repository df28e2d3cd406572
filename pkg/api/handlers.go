package api

import (
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.host.RegisterNode(&req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req types.HeartbeatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.host.Heartbeat(mux.Vars(r)["hostname"], &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var upd types.StatusUpdate
	if err := decode(r, &upd); err != nil {
		writeError(w, err)
		return
	}
	if err := s.host.UpdateStatus(&upd); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req types.SubmitRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.host.SubmitTasks(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.host.Store().ListTasks()
	if err != nil {
		writeError(w, err)
		return
	}
	statusFilter := r.URL.Query().Get("status")
	nodeFilter := r.URL.Query().Get("node")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	var out []*types.Task
	for _, t := range tasks {
		if statusFilter != "" && string(t.Status) != statusFilter {
			continue
		}
		if nodeFilter != "" && t.AssignedNode != nodeFilter {
			continue
		}
		out = append(out, t)
	}
	// Newest first for display.
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID > out[j].TaskID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.host.Store().GetTask(id)
	if err != nil {
		writeError(w, errdefs.NotFoundf("task %d", id))
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.host.KillTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.host.PauseTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.host.ResumeTask(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// handleTaskLog serves task stdout/stderr from the shared logs directory,
// so log reads never touch the runner.
func (s *Server) handleTaskLog(ext string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathTaskID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if _, err := s.host.Store().GetTask(id); err != nil {
			writeError(w, errdefs.NotFoundf("task %d", id))
			return
		}
		path := s.host.Config().TaskLogDir() + "/" + strconv.FormatInt(id, 10) + "." + ext
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				w.Header().Set("Content-Type", "text/plain")
				w.WriteHeader(http.StatusOK)
				return
			}
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(data)
	}
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.host.Store().ListNodes()
	if err != nil {
		writeError(w, err)
		return
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Hostname < nodes[j].Hostname })
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.host.Store().GetNode(mux.Vars(r)["hostname"])
	if err != nil {
		writeError(w, errdefs.NotFoundf("node %s", mux.Vars(r)["hostname"]))
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *Server) handleVPSCreate(w http.ResponseWriter, r *http.Request) {
	var req types.VPSCreateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.host.CreateVPS(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleListVPS(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.host.Store().ListTasks()
	if err != nil {
		writeError(w, err)
		return
	}
	var out []*types.Task
	for _, t := range tasks {
		if t.TaskType == types.TaskTypeVPS && t.Status.Active() {
			out = append(out, t)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVPSStop(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.host.StopVPS(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleVPSRestart(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.host.RestartVPS(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarting"})
}

func (s *Server) handleReserveIP(w http.ResponseWriter, r *http.Request) {
	runner := r.URL.Query().Get("runner")
	if runner == "" {
		writeError(w, errdefs.Validationf("runner query parameter is required"))
		return
	}
	ttl := s.host.Config().ReservationTTL.Duration
	if v := r.URL.Query().Get("ttl"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			writeError(w, errdefs.Validationf("bad ttl %q", v))
			return
		}
		ttl = time.Duration(secs) * time.Second
	}
	alloc := s.host.Overlay().Allocation(runner)
	if alloc == nil {
		writeError(w, errdefs.NotFoundf("runner %s has no overlay allocation", runner))
		return
	}
	res, err := s.host.Reservations().Reserve(runner, alloc.RunnerID, r.URL.Query().Get("ip"), ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ReserveIPResponse{IP: res.IP, Token: res.Token, ExpiresAt: res.ExpiresAt})
}

func (s *Server) handleReleaseIP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, errdefs.Validationf("token query parameter is required"))
		return
	}
	if err := s.host.Reservations().Release(token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func (s *Server) handleConsumeIP(w http.ResponseWriter, r *http.Request) {
	var req types.ConsumeIPRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ip, err := s.host.Reservations().Consume(req.Token, req.ContainerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ConsumeIPResponse{IP: ip})
}

func (s *Server) handleListIPs(w http.ResponseWriter, r *http.Request) {
	runner := r.URL.Query().Get("runner")
	writeJSON(w, http.StatusOK, map[string]any{
		"reserved": s.host.Reservations().List(runner),
		"in_use":   s.host.InUseIPs(runner),
	})
}

func (s *Server) handleOverlayStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.host.Overlay().Allocations())
}
