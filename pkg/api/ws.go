package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/tunnel"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// The CLI connects from arbitrary origins; identity is pre-validated
	// upstream of the core.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// runnerWSURL rewrites a runner's http base url to its ws endpoint.
func runnerWSURL(base, path string) string {
	ws := strings.Replace(base, "http://", "ws://", 1)
	ws = strings.Replace(ws, "https://", "wss://", 1)
	return ws + path
}

// lookupRunnerForTask resolves the runner owning a task and the container
// name the runner knows it by.
func (s *Server) lookupRunnerForTask(taskID int64) (nodeURL, containerID string, err error) {
	task, err := s.host.Store().GetTask(taskID)
	if err != nil {
		return "", "", errdefs.NotFoundf("task %d", taskID)
	}
	if !task.Status.Active() {
		return "", "", errdefs.Conflictf("task %d is %s", taskID, task.Status)
	}
	node, err := s.host.Store().GetNode(task.AssignedNode)
	if err != nil {
		return "", "", errdefs.NotFoundf("node %s", task.AssignedNode)
	}
	prefix := "kohakuriver-task-"
	if task.TaskType == types.TaskTypeVPS {
		prefix = "kohakuriver-vps-"
	}
	return node.URL, fmt.Sprintf("%s%d", prefix, taskID), nil
}

// handleForward bridges a CLI forward session to the task's runner: dial
// the runner, wait for its CONNECTED, relay it, then pipe bytes
// symmetrically.
func (s *Server) handleForward(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	port := mux.Vars(r)["port"]
	proto := r.URL.Query().Get("proto")
	if _, err := tunnel.ParseProto(proto); err != nil {
		writeError(w, errdefs.Validationf("%v", err))
		return
	}

	nodeURL, containerID, err := s.lookupRunnerForTask(id)
	if err != nil {
		writeError(w, err)
		return
	}

	target := runnerWSURL(nodeURL, fmt.Sprintf("/ws/forward/%s/%s?proto=%s", containerID, port, protoOrTCP(proto)))
	runnerConn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		writeError(w, fmt.Errorf("%w: dial runner forward: %v", errdefs.ErrRunnerUnreachable, err))
		return
	}
	if err := tunnel.AwaitConnected(runnerConn); err != nil {
		runnerConn.Close()
		writeError(w, fmt.Errorf("%w: runner never confirmed forward: %v", errdefs.ErrRunnerUnreachable, err))
		return
	}

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		runnerConn.Close()
		return
	}
	if err := tunnel.SendConnected(clientConn); err != nil {
		clientConn.Close()
		runnerConn.Close()
		return
	}
	tunnel.Pipe(clientConn, runnerConn)
}

func protoOrTCP(p string) string {
	if p == "" {
		return "tcp"
	}
	return p
}

// handleTerminal proxies an interactive terminal to the runner, which
// opens the docker exec pty.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	id, err := pathTaskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	nodeURL, _, err := s.lookupRunnerForTask(id)
	if err != nil {
		writeError(w, err)
		return
	}
	target := runnerWSURL(nodeURL, fmt.Sprintf("/ws/task/%d/terminal", id))
	runnerConn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		writeError(w, fmt.Errorf("%w: dial runner terminal: %v", errdefs.ErrRunnerUnreachable, err))
		return
	}
	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		runnerConn.Close()
		return
	}
	tunnel.Pipe(clientConn, runnerConn)
}

// handleEvents streams broker events as JSON text frames.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sub := s.host.Events().Subscribe()
	defer s.host.Events().Unsubscribe(sub)
	defer conn.Close()

	// Reader goroutine notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
