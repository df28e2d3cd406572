package tunnel

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/metrics"
)

// connectedWord is the literal text frame both proxy hops exchange before
// payload bytes flow.
const connectedWord = "CONNECTED"

// handshakeTimeout bounds the wait for the far side's CONNECTED frame.
const handshakeTimeout = 15 * time.Second

// AwaitConnected reads frames until the literal CONNECTED text arrives.
func AwaitConnected(conn *websocket.Conn) error {
	deadline := time.Now().Add(handshakeTimeout)
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if mt == websocket.TextMessage && string(data) == connectedWord {
			return nil
		}
	}
}

// SendConnected emits the CONNECTED handshake frame.
func SendConnected(conn *websocket.Conn) error {
	return conn.WriteMessage(websocket.TextMessage, []byte(connectedWord))
}

// Pipe copies messages symmetrically between two WebSockets until either
// side closes. Unsent frames are dropped with the connection.
func Pipe(a, b *websocket.Conn) {
	metrics.TunnelSessions.Inc()
	defer metrics.TunnelSessions.Dec()

	done := make(chan struct{}, 2)
	pump := func(dst, src *websocket.Conn, dir string) {
		for {
			mt, data, err := src.ReadMessage()
			if err != nil {
				break
			}
			metrics.TunnelBytes.WithLabelValues(dir).Add(float64(len(data)))
			if err := dst.WriteMessage(mt, data); err != nil {
				break
			}
		}
		done <- struct{}{}
	}
	go pump(a, b, "downstream")
	go pump(b, a, "upstream")
	<-done
	_ = a.Close()
	_ = b.Close()
	<-done
}
