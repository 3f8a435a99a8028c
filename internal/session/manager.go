// Package session tracks live relay sessions: one device-leg plus zero
// or more controller-legs under a shared short identifier.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/arcs-remote/arcs-server/internal/protocol"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionInactive = errors.New("session not active")
	ErrSessionLimit    = errors.New("maximum concurrent sessions reached")
)

// Session IDs are short codes a human can read over the phone.
const (
	idLength  = 8
	idCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// DefaultIdleTimeout closes sessions with no traffic in either
// direction.
const DefaultIdleTimeout = 300 * time.Second

// SweepInterval is how often the sweeper scans for idle sessions.
const SweepInterval = 30 * time.Second

// Session is the in-memory state for one device/controller pairing.
// Mutation goes through the Manager, which owns the lock.
type Session struct {
	ID           string
	DeviceID     string
	Controllers  map[string]bool // controller-leg connection ids
	Info         protocol.DeviceInfo
	CreatedAt    time.Time
	LastActivity time.Time
	Active       bool
}

// Manager owns the session table. All operations are serialized under
// a single mutex; lookups scan the table, which stays small (bounded
// by maxSessions).
type Manager struct {
	mu          sync.Mutex
	sessions    map[string]*Session
	maxSessions int
	now         func() time.Time
}

// NewManager creates a manager bounded to maxSessions concurrent
// sessions (0 means unbounded).
func NewManager(maxSessions int) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		now:         time.Now,
	}
}

// Create returns a session for the device. If the device already has
// an active session it is adopted: the existing session is returned
// and its activity refreshed. This is the documented repeat-hello
// policy; a device reconnecting after a network drop resumes its
// session instead of being locked out.
func (m *Manager) Create(deviceID string, info protocol.DeviceInfo) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.DeviceID == deviceID && s.Active {
			s.LastActivity = m.now()
			s.Info = info
			log.Debug().Str("session", s.ID).Str("device", deviceID).Msg("Adopted existing session")
			return snapshot(s), nil
		}
	}

	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return Session{}, ErrSessionLimit
	}

	id, err := m.newSessionID()
	if err != nil {
		return Session{}, err
	}
	now := m.now()
	s := &Session{
		ID:           id,
		DeviceID:     deviceID,
		Controllers:  make(map[string]bool),
		Info:         info,
		CreatedAt:    now,
		LastActivity: now,
		Active:       true,
	}
	m.sessions[id] = s

	log.Info().Str("session", id).Str("device", deviceID).Msg("Session created")
	return snapshot(s), nil
}

// Join attaches a controller-leg to the session.
func (m *Manager) Join(sessionID, controllerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if !s.Active {
		return ErrSessionInactive
	}
	s.Controllers[controllerID] = true
	s.LastActivity = m.now()
	return nil
}

// Leave detaches a controller-leg. The session stays alive; the device
// may keep streaming with zero controllers.
func (m *Manager) Leave(sessionID, controllerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[sessionID]; ok {
		delete(s.Controllers, controllerID)
		s.LastActivity = m.now()
	}
}

// Touch refreshes the session's activity timestamp.
func (m *Manager) Touch(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[sessionID]; ok {
		s.LastActivity = m.now()
	}
}

// Close removes the session. Returns false if it did not exist.
func (m *Manager) Close(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	s.Active = false
	delete(m.sessions, sessionID)
	log.Info().Str("session", sessionID).Msg("Session closed")
	return true
}

// Get returns a snapshot of the session.
func (m *Manager) Get(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return snapshot(s), true
}

// ByDevice returns the active session owned by the device.
func (m *Manager) ByDevice(deviceID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.DeviceID == deviceID && s.Active {
			return snapshot(s), true
		}
	}
	return Session{}, false
}

// ByController returns the session a controller-leg is attached to.
func (m *Manager) ByController(controllerID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.Active && s.Controllers[controllerID] {
			return snapshot(s), true
		}
	}
	return Session{}, false
}

// ActiveCount reports the number of live sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep removes every session idle longer than timeout and returns the
// removed snapshots so the caller can close legs and write the audit
// trail.
func (m *Manager) Sweep(timeout time.Duration) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-timeout)
	var expired []Session
	for id, s := range m.sessions {
		if s.LastActivity.Before(cutoff) {
			s.Active = false
			expired = append(expired, snapshot(s))
			delete(m.sessions, id)
		}
	}
	return expired
}

// RunSweeper wakes periodically and expires idle sessions until the
// context is cancelled. onExpire runs outside the manager lock.
func (m *Manager) RunSweeper(ctx context.Context, timeout time.Duration, onExpire func(Session)) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range m.Sweep(timeout) {
				log.Info().Str("session", s.ID).Str("device", s.DeviceID).Msg("Session expired")
				if onExpire != nil {
					onExpire(s)
				}
			}
		}
	}
}

func (m *Manager) newSessionID() (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		buf := make([]byte, idLength)
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("generate session id: %w", err)
		}
		for i, b := range buf {
			buf[i] = idCharset[int(b)%len(idCharset)]
		}
		id := string(buf)
		if _, taken := m.sessions[id]; !taken {
			return id, nil
		}
	}
	return "", errors.New("session id space exhausted")
}

func snapshot(s *Session) Session {
	out := *s
	out.Controllers = make(map[string]bool, len(s.Controllers))
	for id := range s.Controllers {
		out.Controllers[id] = true
	}
	return out
}
