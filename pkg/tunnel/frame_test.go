package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{name: "connect", frame: Frame{Type: TypeConnect, Proto: ProtoTCP, ClientID: 1, Port: 8080}},
		{name: "data with payload", frame: Frame{Type: TypeData, Proto: ProtoTCP, ClientID: 42, Port: 22, Payload: []byte("hello")}},
		{name: "udp data", frame: Frame{Type: TypeData, Proto: ProtoUDP, ClientID: 0xFFFFFFFF, Port: 65535, Payload: []byte{0, 1, 2}}},
		{name: "close", frame: Frame{Type: TypeClose, ClientID: 7}},
		{name: "error with message", frame: Frame{Type: TypeError, ClientID: 3, Port: 443, Payload: []byte("connection refused")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := tt.frame.Marshal()
			got, err := Unmarshal(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.frame.Type, got.Type)
			assert.Equal(t, tt.frame.Proto, got.Proto)
			assert.Equal(t, tt.frame.ClientID, got.ClientID)
			assert.Equal(t, tt.frame.Port, got.Port)
			assert.Equal(t, tt.frame.Payload, got.Payload)
		})
	}
}

func TestUnmarshalShortFrame(t *testing.T) {
	for _, n := range []int{0, 1, 4, 7} {
		_, err := Unmarshal(make([]byte, n))
		assert.Error(t, err, "len %d", n)
	}
	// Exactly a header is a valid, payload-free frame.
	f, err := Unmarshal(make([]byte, 8))
	require.NoError(t, err)
	assert.Nil(t, f.Payload)
}

func TestParseProto(t *testing.T) {
	p, err := ParseProto("")
	require.NoError(t, err)
	assert.Equal(t, ProtoTCP, p)

	p, err = ParseProto("tcp")
	require.NoError(t, err)
	assert.Equal(t, ProtoTCP, p)

	p, err = ParseProto("udp")
	require.NoError(t, err)
	assert.Equal(t, ProtoUDP, p)

	_, err = ParseProto("sctp")
	assert.Error(t, err)
}
