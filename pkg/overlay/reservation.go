package overlay

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/KohakuBlueleaf/kohakuriver/pkg/errdefs"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/metrics"
	"github.com/KohakuBlueleaf/kohakuriver/pkg/types"
)

// tokenPayload is the self-contained claim inside a reservation token.
type tokenPayload struct {
	IP     string `json:"ip"`
	Runner string `json:"runner"`
	Exp    int64  `json:"exp"`
}

// sigLen is the truncated HMAC-SHA256 length appended to the payload.
const sigLen = 16

// SignToken builds base64url(json(payload) + "." + hmac_trunc16(json)).
func SignToken(secret []byte, ip, runner string, exp time.Time) (string, error) {
	body, err := json.Marshal(tokenPayload{IP: ip, Runner: runner, Exp: exp.Unix()})
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	sig := mac.Sum(nil)[:sigLen]
	raw := append(append(body, '.'), sig...)
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// VerifyToken decodes and checks a token: signature first, then expiry.
func VerifyToken(secret []byte, token string, now time.Time) (ip, runner string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", "", errdefs.ErrTokenInvalid
	}
	dot := len(raw) - sigLen - 1
	if dot < 0 || raw[dot] != '.' {
		return "", "", errdefs.ErrTokenInvalid
	}
	body, sig := raw[:dot], raw[dot+1:]
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(sig, mac.Sum(nil)[:sigLen]) {
		return "", "", errdefs.ErrTokenInvalid
	}
	var p tokenPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return "", "", errdefs.ErrTokenInvalid
	}
	if now.Unix() >= p.Exp {
		return "", "", fmt.Errorf("%w: expired", errdefs.ErrTokenInvalid)
	}
	return p.IP, p.Runner, nil
}

// InUseFunc reports container IPs currently in use on a runner, so the
// reservation pool never hands one out twice.
type InUseFunc func(runnerName string) []string

// ReservationManager hands out container IPs ahead of submission. State is
// in-memory only: a host restart forgets pending reservations, which is
// acceptable because tokens are short-lived and self-contained.
type ReservationManager struct {
	layout *Layout
	secret []byte
	inUse  InUseFunc

	mu           sync.Mutex
	reservations map[string]*types.IPReservation // keyed by IP
}

// NewReservationManager creates a manager. A nil secret gets a random one,
// invalidating outstanding tokens across restarts.
func NewReservationManager(layout *Layout, secret []byte, inUse InUseFunc) *ReservationManager {
	if len(secret) == 0 {
		secret = make([]byte, 32)
		_, _ = rand.Read(secret)
	}
	if inUse == nil {
		inUse = func(string) []string { return nil }
	}
	return &ReservationManager{
		layout:       layout,
		secret:       secret,
		inUse:        inUse,
		reservations: make(map[string]*types.IPReservation),
	}
}

// Reserve allocates an IP on the runner's subnet for ttl. A pinned IP must
// be free; an empty pin picks randomly from the available range.
func (m *ReservationManager) Reserve(runnerName string, runnerID int, pinned string, ttl time.Duration) (*types.IPReservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(time.Now())

	sub, err := m.layout.RunnerSubnet(runnerID)
	if err != nil {
		return nil, errdefs.Validationf("runner id %d: %v", runnerID, err)
	}

	var ip string
	if pinned != "" {
		if p := net.ParseIP(pinned); p == nil || !sub.Contains(p) {
			return nil, errdefs.Validationf("ip %s outside subnet %s", pinned, sub)
		}
		if m.unavailableLocked(runnerName, runnerID, pinned) {
			return nil, errdefs.Exhaustedf("ip %s is not available", pinned)
		}
		ip = pinned
	} else {
		ip, err = m.pickLocked(runnerName, runnerID, sub)
		if err != nil {
			return nil, err
		}
	}

	exp := time.Now().Add(ttl)
	token, err := SignToken(m.secret, ip, runnerName, exp)
	if err != nil {
		return nil, fmt.Errorf("failed to sign reservation token: %w", err)
	}
	res := &types.IPReservation{
		IP:         ip,
		RunnerName: runnerName,
		RunnerID:   runnerID,
		Token:      token,
		ExpiresAt:  exp,
	}
	m.reservations[ip] = res
	metrics.IPReservationsActive.Set(float64(len(m.reservations)))
	return res, nil
}

// Consume marks a reservation as owned by a container. Idempotent for the
// same container; a second container is rejected.
func (m *ReservationManager) Consume(token, containerID string) (string, error) {
	ip, _, err := VerifyToken(m.secret, token, time.Now())
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[ip]
	if !ok {
		// A verifying token for an unknown reservation must not linger in a
		// half-valid state; the consume attempt resolves it as invalid.
		return "", fmt.Errorf("%w: reservation not found", errdefs.ErrTokenInvalid)
	}
	if res.ContainerID != "" && res.ContainerID != containerID {
		return "", errdefs.Conflictf("ip %s already consumed by %s", ip, res.ContainerID)
	}
	res.ContainerID = containerID
	return ip, nil
}

// Release frees a reservation by token.
func (m *ReservationManager) Release(token string) error {
	ip, _, err := VerifyToken(m.secret, token, time.Now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reservations, ip)
	metrics.IPReservationsActive.Set(float64(len(m.reservations)))
	return nil
}

// ReleaseIP frees a reservation by address, used when a container exits.
func (m *ReservationManager) ReleaseIP(ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reservations, ip)
	metrics.IPReservationsActive.Set(float64(len(m.reservations)))
}

// List returns reservations for one runner (or all when runnerName empty).
func (m *ReservationManager) List(runnerName string) []*types.IPReservation {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked(time.Now())
	var out []*types.IPReservation
	for _, r := range m.reservations {
		if runnerName == "" || r.RunnerName == runnerName {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}

// sweepLocked drops expired, unconsumed reservations. Consumed ones live
// until the container exits.
func (m *ReservationManager) sweepLocked(now time.Time) {
	for ip, r := range m.reservations {
		if r.ContainerID == "" && now.After(r.ExpiresAt) {
			delete(m.reservations, ip)
		}
	}
	metrics.IPReservationsActive.Set(float64(len(m.reservations)))
}

func (m *ReservationManager) unavailableLocked(runnerName string, runnerID int, ip string) bool {
	if _, reserved := m.reservations[ip]; reserved {
		return true
	}
	gw, _ := m.layout.RunnerGateway(runnerID)
	hostIP, _ := m.layout.HostIPInSubnet(runnerID)
	sub, _ := m.layout.RunnerSubnet(runnerID)
	bcast := broadcast(sub)
	if ip == sub.IP.String() || ip == gw.String() || ip == hostIP.String() || ip == bcast.String() {
		return true
	}
	for _, used := range m.inUse(runnerName) {
		if used == ip {
			return true
		}
	}
	return false
}

// pickLocked selects a random available address. Random probing with a
// bounded retry count is fine at the pool sizes the layout produces.
func (m *ReservationManager) pickLocked(runnerName string, runnerID int, sub *net.IPNet) (string, error) {
	ones, _ := sub.Mask.Size()
	size := uint32(1) << uint(32-ones)
	for attempt := 0; attempt < 128; attempt++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(size-2)))
		if err != nil {
			return "", err
		}
		candidate := ipAdd(sub.IP, uint32(n.Int64())+1).String()
		if !m.unavailableLocked(runnerName, runnerID, candidate) {
			return candidate, nil
		}
	}
	return "", errdefs.Exhaustedf("no free container IPs on %s", runnerName)
}

func broadcast(sub *net.IPNet) net.IP {
	v := binary.BigEndian.Uint32(sub.IP.To4())
	ones, _ := sub.Mask.Size()
	v |= (1 << uint(32-ones)) - 1
	out := make(net.IP, 4)
	binary.BigEndian.PutUint32(out, v)
	return out
}
