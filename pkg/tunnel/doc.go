/*
Package tunnel implements the port-forward multiplexer.

The binary frame format rides the hop between the runner and the tunnel
client that runs inside each container. The CLI-to-host and host-to-runner
forward hops are one WebSocket per forwarded port: after a CONNECTED text
message they carry raw payload bytes as binary messages, which the runner
wraps in DATA frames for the tunnel client. A frame is

	type(1) proto(1) client_id(u32 BE) port(u16 BE) payload...

CONNECT opens a stream to a container-private port, CONNECTED acks it,
DATA carries bytes, CLOSE/ERROR end a stream. Many concurrent local
connections share one WebSocket, distinguished by client_id; UDP flows get
a client_id per source address and port.

The host half is a dumb symmetric pipe with a CONNECTED handshake; the
runner half owns the per-container Session registry and the frame demux.
*/
package tunnel
