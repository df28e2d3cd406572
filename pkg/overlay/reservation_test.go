package overlay

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
)

func testLayout(t *testing.T) *Layout {
	t.Helper()
	l, err := ParseLayout("10.128.0.0/12/6/14")
	require.NoError(t, err)
	return l
}

func TestTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	exp := time.Now().Add(time.Minute)

	token, err := SignToken(secret, "10.128.64.5", "node3", exp)
	require.NoError(t, err)

	ip, runner, err := VerifyToken(secret, token, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "10.128.64.5", ip)
	assert.Equal(t, "node3", runner)
}

func TestTokenValidation(t *testing.T) {
	secret := []byte("test-secret")
	good, err := SignToken(secret, "10.128.64.5", "node3", time.Now().Add(time.Minute))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		key   []byte
		now   time.Time
	}{
		{name: "wrong secret", token: good, key: []byte("other-secret"), now: time.Now()},
		{name: "expired", token: good, key: secret, now: time.Now().Add(2 * time.Minute)},
		{name: "not base64", token: "!!!!", key: secret, now: time.Now()},
		{name: "truncated", token: good[:len(good)/2], key: secret, now: time.Now()},
		{name: "empty", token: "", key: secret, now: time.Now()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := VerifyToken(tt.key, tt.token, tt.now)
			assert.True(t, errors.Is(err, errdefs.ErrTokenInvalid), "got %v", err)
		})
	}
}

func TestReservePinnedAndRandom(t *testing.T) {
	m := NewReservationManager(testLayout(t), []byte("k"), nil)

	res, err := m.Reserve("node3", 1, "10.128.64.5", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "10.128.64.5", res.IP)
	assert.NotEmpty(t, res.Token)

	// Same IP cannot be reserved twice.
	_, err = m.Reserve("node3", 1, "10.128.64.5", time.Minute)
	assert.True(t, errors.Is(err, errdefs.ErrExhausted))

	// A second unpinned reserve yields a different address.
	res2, err := m.Reserve("node3", 1, "", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, res.IP, res2.IP)
}

func TestReserveRejectsSpecialAddresses(t *testing.T) {
	m := NewReservationManager(testLayout(t), []byte("k"), nil)

	for _, ip := range []string{
		"10.128.64.0",   // network
		"10.128.64.1",   // gateway
		"10.128.64.254", // host end of the tunnel
		"10.128.127.255", // broadcast
	} {
		_, err := m.Reserve("node3", 1, ip, time.Minute)
		assert.Error(t, err, ip)
	}

	// Outside the runner's subnet entirely.
	_, err := m.Reserve("node3", 1, "10.128.128.5", time.Minute)
	assert.True(t, errors.Is(err, errdefs.ErrValidation))
}

func TestReserveAvoidsInUse(t *testing.T) {
	m := NewReservationManager(testLayout(t), []byte("k"), func(string) []string {
		return []string{"10.128.64.9"}
	})
	_, err := m.Reserve("node3", 1, "10.128.64.9", time.Minute)
	assert.True(t, errors.Is(err, errdefs.ErrExhausted))
}

func TestConsumeIdempotence(t *testing.T) {
	m := NewReservationManager(testLayout(t), []byte("k"), nil)
	res, err := m.Reserve("node3", 1, "10.128.64.5", time.Minute)
	require.NoError(t, err)

	ip, err := m.Consume(res.Token, "container-a")
	require.NoError(t, err)
	assert.Equal(t, "10.128.64.5", ip)

	// Same container again is fine.
	_, err = m.Consume(res.Token, "container-a")
	assert.NoError(t, err)

	// A different container is rejected.
	_, err = m.Consume(res.Token, "container-b")
	assert.True(t, errors.Is(err, errdefs.ErrStateConflict))
}

func TestConsumeUnknownReservation(t *testing.T) {
	m := NewReservationManager(testLayout(t), []byte("k"), nil)
	// A token that verifies but references no live reservation must be
	// resolved as invalid, not left dangling.
	token, err := SignToken([]byte("k"), "10.128.64.77", "node3", time.Now().Add(time.Minute))
	require.NoError(t, err)
	_, err = m.Consume(token, "container-a")
	assert.True(t, errors.Is(err, errdefs.ErrTokenInvalid))
}

func TestReleaseAndSweep(t *testing.T) {
	m := NewReservationManager(testLayout(t), []byte("k"), nil)
	res, err := m.Reserve("node3", 1, "10.128.64.5", time.Minute)
	require.NoError(t, err)
	require.NoError(t, m.Release(res.Token))
	assert.Empty(t, m.List("node3"))

	// Expired unconsumed reservations are swept lazily.
	short, err := m.Reserve("node3", 1, "10.128.64.6", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, m.List("node3"))

	// The expired token no longer verifies either.
	_, err = m.Consume(short.Token, "c")
	assert.True(t, errors.Is(err, errdefs.ErrTokenInvalid))
}
