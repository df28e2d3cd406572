package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/host"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/log"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/metrics"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

// Server is the host's REST and WebSocket surface.
type Server struct {
	host   *host.Host
	router *mux.Router
	http   *http.Server
	logger zerolog.Logger
}

// NewServer builds the router over a host core.
func NewServer(h *host.Host, listenAddr string) *Server {
	s := &Server{
		host:   h,
		router: mux.NewRouter(),
		logger: log.WithComponent("api"),
	}
	s.routes()
	s.http = &http.Server{
		Addr:              listenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.instrument)

	// Runner-facing control plane.
	r.HandleFunc("/api/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/heartbeat/{hostname}", s.handleHeartbeat).Methods(http.MethodPut)
	r.HandleFunc("/api/update", s.handleUpdate).Methods(http.MethodPost)

	// Client-facing task surface.
	r.HandleFunc("/api/submit", s.handleSubmit).Methods(http.MethodPost)
	r.HandleFunc("/api/tasks", s.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks/{id}", s.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks/{id}/kill", s.handleKill).Methods(http.MethodPost)
	r.HandleFunc("/api/tasks/{id}/pause", s.handlePause).Methods(http.MethodPost)
	r.HandleFunc("/api/tasks/{id}/resume", s.handleResume).Methods(http.MethodPost)
	r.HandleFunc("/api/tasks/{id}/stdout", s.handleTaskLog("out")).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks/{id}/stderr", s.handleTaskLog("err")).Methods(http.MethodGet)

	// Nodes.
	r.HandleFunc("/api/nodes", s.handleListNodes).Methods(http.MethodGet)
	r.HandleFunc("/api/nodes/{hostname}", s.handleGetNode).Methods(http.MethodGet)

	// VPS.
	r.HandleFunc("/api/vps/create", s.handleVPSCreate).Methods(http.MethodPost)
	r.HandleFunc("/api/vps", s.handleListVPS).Methods(http.MethodGet)
	r.HandleFunc("/api/vps/stop/{id}", s.handleVPSStop).Methods(http.MethodPost)
	r.HandleFunc("/api/vps/restart/{id}", s.handleVPSRestart).Methods(http.MethodPost)

	// Overlay.
	r.HandleFunc("/api/overlay/ip/reserve", s.handleReserveIP).Methods(http.MethodPost)
	r.HandleFunc("/api/overlay/ip/release", s.handleReleaseIP).Methods(http.MethodPost)
	r.HandleFunc("/api/overlay/ip/consume", s.handleConsumeIP).Methods(http.MethodPost)
	r.HandleFunc("/api/overlay/ip/list", s.handleListIPs).Methods(http.MethodGet)
	r.HandleFunc("/api/overlay/status", s.handleOverlayStatus).Methods(http.MethodGet)

	// WebSockets.
	r.HandleFunc("/ws/forward/{id}/{port}", s.handleForward)
	r.HandleFunc("/ws/task/{id}/terminal", s.handleTerminal)
	r.HandleFunc("/ws/events", s.handleEvents)

	// Operational.
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler())
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("Host API listening")
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

// instrument is the request middleware: latency + count per route.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// writeJSON emits a JSON body with a status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the failure taxonomy to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, errdefs.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, errdefs.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, errdefs.ErrExhausted):
		code = http.StatusServiceUnavailable
	case errors.Is(err, errdefs.ErrTokenInvalid):
		code = http.StatusForbidden
	case errors.Is(err, errdefs.ErrStateConflict):
		code = http.StatusConflict
	case errors.Is(err, errdefs.ErrRunnerRejected), errors.Is(err, errdefs.ErrRunnerUnreachable):
		code = http.StatusBadGateway
	}
	writeJSON(w, code, types.ErrorBody{Detail: err.Error()})
}

// decode parses a JSON request body.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errdefs.Validationf("bad request body: %v", err)
	}
	return nil
}

// pathTaskID parses the {id} route variable.
func pathTaskID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, errdefs.Validationf("bad task id %q", mux.Vars(r)["id"])
	}
	return id, nil
}
