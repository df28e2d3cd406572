package runner

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/log"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/metrics"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/tunnel"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the runner's REST and WebSocket surface, driven by the host
// and by in-container tunnel clients.
type Server struct {
	runner *Runner
	http   *http.Server
}

// NewServer builds the runner API.
func NewServer(r *Runner, listenAddr string) *Server {
	s := &Server{runner: r}
	router := mux.NewRouter()

	router.HandleFunc("/api/execute", s.handleExecute).Methods(http.MethodPost)
	router.HandleFunc("/api/kill", s.handleKill).Methods(http.MethodPost)
	router.HandleFunc("/api/pause", s.handlePause).Methods(http.MethodPost)
	router.HandleFunc("/api/resume", s.handleResume).Methods(http.MethodPost)
	router.HandleFunc("/api/vps/create", s.handleVPSCreate).Methods(http.MethodPost)
	router.HandleFunc("/api/vps/stop/{id}", s.handleVPSStop).Methods(http.MethodPost)
	router.HandleFunc("/api/vps/restart/{id}", s.handleVPSRestart).Methods(http.MethodPost)
	router.HandleFunc("/api/vps/{id}/vm-phone-home", s.handlePhoneHome).Methods(http.MethodPost)
	router.HandleFunc("/api/vps/{id}/vm-heartbeat", s.handleVMHeartbeat).Methods(http.MethodPost)
	router.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler())

	router.HandleFunc("/ws/tunnel/{container}", s.handleTunnelAttach)
	router.HandleFunc("/ws/forward/{container}/{port}", s.handleForward)
	router.HandleFunc("/ws/task/{id}/terminal", s.handleTerminal)

	s.http = &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	logger := log.WithComponent("runner-api")
	logger.Info().Str("addr", s.http.Addr).Msg("Runner API listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errdefs.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, errdefs.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, errdefs.ErrStateConflict):
		code = http.StatusConflict
	case errors.Is(err, errdefs.ErrVMCapability), errors.Is(err, errdefs.ErrExhausted):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, types.ErrorBody{Detail: err.Error()})
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, errdefs.Validationf("bad task id %q", mux.Vars(r)["id"])
	}
	return id, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req types.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Validationf("bad request body: %v", err))
		return
	}
	if err := s.runner.Execute(&req); err != nil {
		writeError(w, err)
		return
	}
	// Accepted for background launch; the real status arrives via /update.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	var req types.KillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Validationf("bad request body: %v", err))
		return
	}
	if err := s.runner.Kill(r.Context(), &req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req types.PauseResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Validationf("bad request body: %v", err))
		return
	}
	if err := s.runner.Pause(r.Context(), req.TaskID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req types.PauseResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Validationf("bad request body: %v", err))
		return
	}
	if err := s.runner.Resume(r.Context(), req.TaskID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleVPSCreate(w http.ResponseWriter, r *http.Request) {
	var req types.RunnerVPSCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Validationf("bad request body: %v", err))
		return
	}
	if err := s.runner.CreateVPS(&req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleVPSStop(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.runner.StopVPS(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleVPSRestart(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.runner.RestartVPS(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarting"})
}

func (s *Server) handlePhoneHome(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body types.VMPhoneHome
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.runner.PhoneHome(id, body.VMIP); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVMHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var hb types.VMHeartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		writeError(w, errdefs.Validationf("bad request body: %v", err))
		return
	}
	hb.TaskID = id
	if err := s.runner.RecordVMHeartbeat(&hb); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTunnelAttach accepts the long-lived WebSocket every container's
// tunnel client opens outward to its runner.
func (s *Server) handleTunnelAttach(w http.ResponseWriter, r *http.Request) {
	containerID := mux.Vars(r)["container"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	session := tunnel.NewSession(containerID, conn)
	s.runner.tunnels.Attach(session)
	s.runner.logger.Info().Str("container", containerID).Msg("Tunnel client attached")
	session.Run()
	s.runner.tunnels.Detach(session)
	s.runner.logger.Info().Str("container", containerID).Msg("Tunnel client detached")
}

// handleForward bridges one host-side forward onto the container's tunnel
// session: open a stream, confirm with CONNECTED, then relay payload bytes
// both ways as DATA frames.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	containerID := mux.Vars(r)["container"]
	port64, err := strconv.ParseUint(mux.Vars(r)["port"], 10, 16)
	if err != nil {
		writeError(w, errdefs.Validationf("bad port %q", mux.Vars(r)["port"]))
		return
	}
	proto, err := tunnel.ParseProto(r.URL.Query().Get("proto"))
	if err != nil {
		writeError(w, errdefs.Validationf("%v", err))
		return
	}
	session := s.runner.tunnels.Get(containerID)
	if session == nil {
		writeError(w, errdefs.NotFoundf("no tunnel client for container %s", containerID))
		return
	}

	streamID, frames, err := session.Open(proto, uint16(port64))
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		session.Release(streamID)
		return
	}
	defer conn.Close()
	defer session.Release(streamID)

	if err := tunnel.SendConnected(conn); err != nil {
		return
	}
	metrics.TunnelSessions.Inc()
	defer metrics.TunnelSessions.Dec()

	// Host -> container.
	go func() {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				session.Release(streamID)
				return
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			if err := session.Send(&tunnel.Frame{
				Type: tunnel.TypeData, Proto: proto, ClientID: streamID,
				Port: uint16(port64), Payload: data,
			}); err != nil {
				return
			}
		}
	}()

	// Container -> host.
	for frame := range frames {
		switch frame.Type {
		case tunnel.TypeData:
			if err := conn.WriteMessage(websocket.BinaryMessage, frame.Payload); err != nil {
				return
			}
		case tunnel.TypeClose, tunnel.TypeError:
			return
		}
	}
}

// handleTerminal opens a docker exec pty inside the task container and
// pipes it over the WebSocket.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rec := s.runner.trackedRecord(id)
	if rec == nil {
		writeError(w, errdefs.NotFoundf("task %d not tracked", id))
		return
	}
	pty, err := s.runner.engine.ExecPTY(r.Context(), rec.Name, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	defer pty.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	done := make(chan struct{}, 2)
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := pty.Reader.Read(buf)
			if n > 0 {
				if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
		done <- struct{}{}
	}()
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if _, err := pty.Conn.Write(data); err != nil {
				break
			}
		}
		done <- struct{}{}
	}()
	<-done
}
