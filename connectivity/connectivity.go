// Package connectivity owns the WebSocket connection: priority-ordered
// network-profile iteration, reconnect backoff, and security-profile
// rollback protection, with a circuit breaker tracking per-profile
// health.
package connectivity

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Profile is the Connection profile.
type Profile struct {
	Slot             int
	Priority         int // lower first
	URL              string
	SecurityProfile  int // 1..3
	Iface            string
	BasicAuthUser    string
	BasicAuthPass    string
	TLSConfig        *tls.Config
}

// Callbacks are the hooks the queue and facade plug in.
type Callbacks struct {
	OnOpen        func()
	OnClose       func(reason string)
	OnFailed      func(profile Profile, err error)
	OnWireMessage func(text string)
}

const maxAttemptsPerProfile = 3

// Manager owns the single WebSocket connection and the profile list.
// Only the message-processing context that owns it may call Send
//.
type Manager struct {
	mu       sync.Mutex
	profiles []Profile
	minSec   int
	frozen   bool // true once a session connects at >= minSec

	conn      *websocket.Conn
	connected bool
	stopCh    chan struct{}
	subproto  string

	breakers map[int]*gobreaker.CircuitBreaker

	cb Callbacks
}

func New(profiles []Profile, subprotocol string, minSecurityProfile int, cb Callbacks) *Manager {
	m := &Manager{
		profiles: sortedByPriority(profiles),
		minSec:   minSecurityProfile,
		subproto: subprotocol,
		breakers: make(map[int]*gobreaker.CircuitBreaker),
		cb:       cb,
	}
	m.purgeBelowMinimum()
	for _, p := range m.profiles {
		m.breakers[p.Slot] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        fmt.Sprintf("profile-%d", p.Slot),
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxAttemptsPerProfile
			},
		})
	}
	return m
}

func sortedByPriority(profiles []Profile) []Profile {
	out := append([]Profile(nil), profiles...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Priority < out[j-1].Priority; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// purgeBelowMinimum implements the cleanup-on-rollback:
// profiles whose security profile is strictly below the configured
// minimum never reach TLS handoff. Callers must hold (or not yet have
// published) m.mu; New() calls this before the Manager is shared, and
// SetMinSecurityProfile takes mu itself.
func (m *Manager) purgeBelowMinimum() {
	var kept []Profile
	for _, p := range m.profiles {
		if p.SecurityProfile < m.minSec {
			log.Warn().Int("slot", p.Slot).Int("security_profile", p.SecurityProfile).Msg("connectivity: purging profile below minimum security profile")
			continue
		}
		kept = append(kept, p)
	}
	m.profiles = kept
}

// IsConnected reports the current link state. Non-blocking.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Connect tries the highest-priority profile; on
// open-timeout or close, advance; after exhausting the list, wait and
// restart from the top. At most one in-flight connection at any time.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return fmt.Errorf("connectivity: already connected")
	}
	if len(m.profiles) == 0 {
		m.mu.Unlock()
		return fmt.Errorf("connectivity: no usable connection profiles")
	}
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	go m.connectLoop(ctx)
	return nil
}

func (m *Manager) connectLoop(ctx context.Context) {
	idx := 0
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		m.mu.Lock()
		profiles := m.profiles
		m.mu.Unlock()
		if len(profiles) == 0 {
			return
		}
		if idx >= len(profiles) {
			idx = 0
			log.Info().Msg("connectivity: exhausted profile list, restarting from highest priority after cooldown")
			select {
			case <-time.After(5 * time.Second):
			case <-m.stopCh:
				return
			}
		}

		p := profiles[idx]
		breaker := m.breakers[p.Slot]
		_, err := breaker.Execute(func() (any, error) {
			return nil, m.dial(ctx, p)
		})
		if err != nil {
			log.Warn().Err(err).Int("slot", p.Slot).Str("url", p.URL).Msg("connectivity: profile attempt failed")
			if m.cb.OnFailed != nil {
				m.cb.OnFailed(p, err)
			}
			idx++
			backoff := time.Duration(1<<uint(minInt(idx, 4))) * time.Second
			select {
			case <-time.After(backoff):
			case <-m.stopCh:
				return
			}
			continue
		}

		// Connected: a profile at or above the configured minimum
		// freezes the session.
		if p.SecurityProfile >= m.minSec {
			m.mu.Lock()
			m.frozen = true
			m.mu.Unlock()
		}
		m.readLoop(p)
		idx++ // a closed connection advances to the next profile
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (m *Manager) dial(ctx context.Context, p Profile) error {
	dialer := websocket.Dialer{
		TLSClientConfig:  p.TLSConfig,
		Subprotocols:     []string{m.subproto},
		HandshakeTimeout: 10 * time.Second,
	}
	header := http.Header{}
	if p.BasicAuthUser != "" {
		req, _ := http.NewRequest(http.MethodGet, p.URL, nil)
		req.SetBasicAuth(p.BasicAuthUser, p.BasicAuthPass)
		header = req.Header
	}

	conn, resp, err := dialer.DialContext(ctx, p.URL, header)
	if err != nil {
		return fmt.Errorf("connectivity: dial %s: %w", p.URL, err)
	}
	if resp != nil && resp.Header.Get("Sec-WebSocket-Protocol") != m.subproto {
		conn.Close()
		return fmt.Errorf("connectivity: subprotocol %q not accepted", m.subproto)
	}

	m.mu.Lock()
	m.conn = conn
	m.connected = true
	m.mu.Unlock()

	log.Info().Int("slot", p.Slot).Str("url", p.URL).Msg("connectivity: connected")
	if m.cb.OnOpen != nil {
		m.cb.OnOpen()
	}
	return nil
}

func (m *Manager) readLoop(p Profile) {
	for {
		m.mu.Lock()
		conn := m.conn
		m.mu.Unlock()
		if conn == nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Int("slot", p.Slot).Msg("connectivity: read loop closed")
			m.mu.Lock()
			m.connected = false
			m.conn = nil
			m.mu.Unlock()
			if m.cb.OnClose != nil {
				m.cb.OnClose(err.Error())
			}
			return
		}
		if m.cb.OnWireMessage != nil {
			m.cb.OnWireMessage(string(data))
		}
	}
}

// Send writes one frame. Only the message-processing context (the
// queue's sender loop) calls this.
func (m *Manager) Send(text string) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.connected
	m.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("connectivity: not connected")
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return fmt.Errorf("connectivity: write: %w", err)
	}
	return nil
}

// Disconnect performs an orderly close, used both for shutdown and for
// the reconnect-on-security-change path.
func (m *Manager) Disconnect(reason string) {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.connected = false
	stopCh := m.stopCh
	m.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(time.Second))
		conn.Close()
	}
	if stopCh != nil {
		select {
		case <-stopCh:
		default:
			close(stopCh)
		}
	}
	if m.cb.OnClose != nil {
		m.cb.OnClose(reason)
	}
}

// SwitchProfile implements the orderly reconnect when the
// active security profile is reconfigured or the CSMS URL changes.
func (m *Manager) SwitchProfile(ctx context.Context, slot int) error {
	m.mu.Lock()
	var target *Profile
	for i := range m.profiles {
		if m.profiles[i].Slot == slot {
			target = &m.profiles[i]
			break
		}
	}
	frozen := m.frozen
	m.mu.Unlock()
	if target == nil {
		return fmt.Errorf("connectivity: unknown profile slot %d", slot)
	}
	if frozen && target.SecurityProfile < m.minSec {
		return fmt.Errorf("connectivity: refusing to switch to profile %d below frozen minimum security level", slot)
	}

	m.Disconnect("switching profile")
	return m.Connect(ctx)
}

// SetMinSecurityProfile updates the configured floor and re-purges the
// profile list; called when SecurityCtrlr.MinSecurityProfile changes.
func (m *Manager) SetMinSecurityProfile(level int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.minSec = level
	m.purgeBelowMinimum()
}
