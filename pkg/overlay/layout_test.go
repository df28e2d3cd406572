package overlay

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLayout(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "default layout", input: "10.128.0.0/12/6/14"},
		{name: "small lab layout", input: "192.168.0.0/16/4/12"},
		{name: "widths not summing to 32", input: "10.128.0.0/12/6/13", wantErr: true},
		{name: "subnet bits below 8", input: "10.128.0.0/20/5/7", wantErr: true},
		{name: "missing field", input: "10.128.0.0/12/6", wantErr: true},
		{name: "bad base address", input: "10.128.0/12/6/14", wantErr: true},
		{name: "unaligned base", input: "10.128.1.0/12/6/14", wantErr: true},
		{name: "zero width", input: "10.128.0.0/12/0/20", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := ParseLayout(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestLayoutAddressing(t *testing.T) {
	l, err := ParseLayout("10.128.0.0/12/6/14")
	require.NoError(t, err)

	assert.Equal(t, 63, l.MaxRunners())
	assert.Equal(t, 18, l.RunnerPrefix())
	assert.Equal(t, "10.128.0.1", l.HostOverlayIP().String())
	assert.Equal(t, "10.128.0.0/12", l.OverlayCIDR().String())

	sub1, err := l.RunnerSubnet(1)
	require.NoError(t, err)
	assert.Equal(t, "10.128.64.0/18", sub1.String())

	gw, err := l.RunnerGateway(1)
	require.NoError(t, err)
	assert.Equal(t, "10.128.64.1", gw.String())

	hostIP, err := l.HostIPInSubnet(1)
	require.NoError(t, err)
	assert.Equal(t, "10.128.64.254", hostIP.String())

	sub2, err := l.RunnerSubnet(2)
	require.NoError(t, err)
	assert.Equal(t, "10.128.128.0/18", sub2.String())

	// Highest id stays inside the block.
	subMax, err := l.RunnerSubnet(l.MaxRunners())
	require.NoError(t, err)
	assert.True(t, l.OverlayCIDR().Contains(subMax.IP))

	// Id 0 and out-of-range ids are rejected.
	_, err = l.RunnerSubnet(0)
	assert.Error(t, err)
	_, err = l.RunnerSubnet(l.MaxRunners() + 1)
	assert.Error(t, err)
}

func TestRunnerIDForSubnet(t *testing.T) {
	l, err := ParseLayout("10.128.0.0/12/6/14")
	require.NoError(t, err)

	for r := 1; r <= l.MaxRunners(); r++ {
		sub, err := l.RunnerSubnet(r)
		require.NoError(t, err)
		assert.Equal(t, r, l.RunnerIDForSubnet(sub.IP))
	}
	assert.Equal(t, 0, l.RunnerIDForSubnet(net.ParseIP("192.168.1.1")))
}

func TestDeviceNameRoundTrip(t *testing.T) {
	l, err := ParseLayout("10.128.0.0/12/6/14")
	require.NoError(t, err)

	for r := 1; r <= l.MaxRunners(); r++ {
		name := DeviceName(r)
		assert.LessOrEqual(t, len(name), 15, "interface name must fit the kernel limit")
		back, err := ParseDeviceName(name)
		require.NoError(t, err, name)
		assert.Equal(t, r, back)
	}
}

func TestParseDeviceNameRejectsGarbage(t *testing.T) {
	for _, name := range []string{"eth0", "vxkr", "vxkr!", "vxkr0", "docker0", "vxlan0"} {
		_, err := ParseDeviceName(name)
		assert.Error(t, err, fmt.Sprintf("name %q should not parse", name))
	}
}
