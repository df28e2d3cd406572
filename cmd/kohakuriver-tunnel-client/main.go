// The tunnel client runs inside every workload container. It dials its
// runner's /ws/tunnel endpoint and serves CONNECT/DATA/CLOSE frames by
// proxying to container-local ports, so forwards reach private services
// without any inbound path into the container.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/tunnel"
)

func main() {
	runnerURL := os.Getenv("KOHAKU_RUNNER_WS")
	containerID := os.Getenv("KOHAKU_CONTAINER_ID")
	if containerID == "" {
		containerID, _ = os.Hostname()
	}
	if runnerURL == "" || containerID == "" {
		fmt.Fprintln(os.Stderr, "KOHAKU_RUNNER_WS and a container identity are required")
		os.Exit(1)
	}

	for {
		if err := serve(runnerURL + "/ws/tunnel/" + containerID); err != nil {
			fmt.Fprintf(os.Stderr, "tunnel session ended: %v\n", err)
		}
		time.Sleep(3 * time.Second)
	}
}

type streams struct {
	mu    sync.Mutex
	conns map[uint32]net.Conn
}

func serve(url string) error {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	var writeMu sync.Mutex
	send := func(f *tunnel.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return ws.WriteMessage(websocket.BinaryMessage, f.Marshal())
	}

	st := &streams{conns: make(map[uint32]net.Conn)}
	defer func() {
		st.mu.Lock()
		for _, c := range st.conns {
			c.Close()
		}
		st.mu.Unlock()
	}()

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		frame, err := tunnel.Unmarshal(data)
		if err != nil {
			continue
		}
		switch frame.Type {
		case tunnel.TypeConnect:
			go open(st, send, frame)
		case tunnel.TypeData:
			st.mu.Lock()
			conn := st.conns[frame.ClientID]
			st.mu.Unlock()
			if conn != nil {
				_, _ = conn.Write(frame.Payload)
			}
		case tunnel.TypeClose:
			st.mu.Lock()
			if conn := st.conns[frame.ClientID]; conn != nil {
				conn.Close()
				delete(st.conns, frame.ClientID)
			}
			st.mu.Unlock()
		}
	}
}

// open dials the container-local port and starts pumping bytes back as
// DATA frames.
func open(st *streams, send func(*tunnel.Frame) error, req *tunnel.Frame) {
	network := "tcp"
	if req.Proto == tunnel.ProtoUDP {
		network = "udp"
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(req.Port)))
	conn, err := net.DialTimeout(network, addr, 10*time.Second)
	if err != nil {
		_ = send(&tunnel.Frame{Type: tunnel.TypeError, Proto: req.Proto, ClientID: req.ClientID,
			Port: req.Port, Payload: []byte(err.Error())})
		return
	}
	st.mu.Lock()
	st.conns[req.ClientID] = conn
	st.mu.Unlock()
	_ = send(&tunnel.Frame{Type: tunnel.TypeConnected, Proto: req.Proto, ClientID: req.ClientID, Port: req.Port})

	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if serr := send(&tunnel.Frame{Type: tunnel.TypeData, Proto: req.Proto,
				ClientID: req.ClientID, Port: req.Port, Payload: payload}); serr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	st.mu.Lock()
	delete(st.conns, req.ClientID)
	st.mu.Unlock()
	conn.Close()
	_ = send(&tunnel.Frame{Type: tunnel.TypeClose, Proto: req.Proto, ClientID: req.ClientID, Port: req.Port})
}
