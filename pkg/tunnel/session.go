package tunnel

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/log"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/metrics"
)

// Session is one tunnel-client WebSocket, shared by every forward into the
// same container. Frames are demultiplexed by ClientID; writes are
// serialised by a mutex because gorilla permits one concurrent writer.
type Session struct {
	ContainerID string

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint32
	streams map[uint32]chan *Frame
	closed  bool
}

// NewSession wraps an accepted tunnel-client connection.
func NewSession(containerID string, conn *websocket.Conn) *Session {
	return &Session{
		ContainerID: containerID,
		conn:        conn,
		nextID:      1,
		streams:     make(map[uint32]chan *Frame),
	}
}

// Run reads frames from the tunnel client and routes them to their streams
// until the connection dies. It blocks; callers run it in a goroutine.
func (s *Session) Run() {
	logger := log.WithComponent("tunnel")
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		frame, err := Unmarshal(data)
		if err != nil {
			logger.Debug().Err(err).Str("container_id", s.ContainerID).Msg("Dropping malformed tunnel frame")
			continue
		}
		s.mu.Lock()
		ch := s.streams[frame.ClientID]
		s.mu.Unlock()
		if ch == nil {
			continue
		}
		select {
		case ch <- frame:
		default:
			// Stream consumer stalled; accepted frames are dropped, never
			// queued on disk.
		}
	}
	s.closeAll()
}

// Open allocates a stream id and sends the CONNECT for the given port.
func (s *Session) Open(proto byte, port uint16) (uint32, chan *Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, nil, fmt.Errorf("tunnel session for %s is closed", s.ContainerID)
	}
	id := s.nextID
	s.nextID++
	ch := make(chan *Frame, 256)
	s.streams[id] = ch
	s.mu.Unlock()

	err := s.Send(&Frame{Type: TypeConnect, Proto: proto, ClientID: id, Port: port})
	if err != nil {
		s.Release(id)
		return 0, nil, err
	}
	return id, ch, nil
}

// Release forgets a stream and tells the tunnel client to close its side.
func (s *Session) Release(id uint32) {
	s.mu.Lock()
	ch, ok := s.streams[id]
	delete(s.streams, id)
	s.mu.Unlock()
	if ok {
		close(ch)
		_ = s.Send(&Frame{Type: TypeClose, ClientID: id})
	}
}

// Send writes one frame to the tunnel client.
func (s *Session) Send(f *Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	metrics.TunnelBytes.WithLabelValues("to_container").Add(float64(len(f.Payload)))
	return s.conn.WriteMessage(websocket.BinaryMessage, f.Marshal())
}

// Close tears the session down, ending every forward that rides on it.
func (s *Session) Close() {
	_ = s.conn.Close()
	s.closeAll()
}

func (s *Session) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.streams {
		close(ch)
		delete(s.streams, id)
	}
}

// Registry maps container ids to their live tunnel sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Attach replaces any previous session for the container. Containers
// reconnect after restarts; the stale session is closed.
func (r *Registry) Attach(s *Session) {
	r.mu.Lock()
	old := r.sessions[s.ContainerID]
	r.sessions[s.ContainerID] = s
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// Detach removes a session if it is still the current one.
func (r *Registry) Detach(s *Session) {
	r.mu.Lock()
	if r.sessions[s.ContainerID] == s {
		delete(r.sessions, s.ContainerID)
	}
	r.mu.Unlock()
}

// Get returns the session for a container, or nil.
func (r *Registry) Get(containerID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[containerID]
}
