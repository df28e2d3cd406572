package tunnel

import (
	"encoding/binary"
	"fmt"
)

// Frame types.
const (
	TypeConnect   byte = 0x01
	TypeConnected byte = 0x02
	TypeData      byte = 0x03
	TypeClose     byte = 0x04
	TypeError     byte = 0x05
)

// Protocols.
const (
	ProtoTCP byte = 0x00
	ProtoUDP byte = 0x01
)

// headerLen is type + proto + client_id(u32) + port(u16).
const headerLen = 8

// Frame is one multiplexed tunnel message. Many local connections share a
// single WebSocket; ClientID tells the far end which one a frame belongs
// to. For UDP, ClientID is per source (addr, port).
type Frame struct {
	Type     byte
	Proto    byte
	ClientID uint32
	Port     uint16
	Payload  []byte
}

// Marshal encodes the frame big-endian.
func (f *Frame) Marshal() []byte {
	buf := make([]byte, headerLen+len(f.Payload))
	buf[0] = f.Type
	buf[1] = f.Proto
	binary.BigEndian.PutUint32(buf[2:6], f.ClientID)
	binary.BigEndian.PutUint16(buf[6:8], f.Port)
	copy(buf[headerLen:], f.Payload)
	return buf
}

// Unmarshal decodes one frame, rejecting anything shorter than a header.
func Unmarshal(data []byte) (*Frame, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("tunnel frame too short: %d bytes", len(data))
	}
	f := &Frame{
		Type:     data[0],
		Proto:    data[1],
		ClientID: binary.BigEndian.Uint32(data[2:6]),
		Port:     binary.BigEndian.Uint16(data[6:8]),
	}
	if len(data) > headerLen {
		f.Payload = data[headerLen:]
	}
	return f, nil
}

// ParseProto maps the query-string form to the wire byte.
func ParseProto(s string) (byte, error) {
	switch s {
	case "", "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	}
	return 0, fmt.Errorf("unknown tunnel protocol %q", s)
}
