package direct

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrSessionNotFound is returned for unknown or expired session IDs.
var ErrSessionNotFound = errors.New("session not found")

// Session is an authenticated browser session
type Session struct {
	ID           string    `json:"-"`
	Subject      string    `json:"subject"`
	Email        string    `json:"email"`
	Name         string    `json:"name,omitempty"`
	Groups       []string  `json:"groups,omitempty"`
	SessionIndex string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SessionManager keeps sessions in memory. Session IDs are random and
// opaque; all session data stays server-side.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	lifetime time.Duration
	clock    clockwork.Clock
}

// NewSessionManager creates a session manager
func NewSessionManager(lifetime time.Duration) *SessionManager {
	return NewSessionManagerWithClock(lifetime, clockwork.NewRealClock())
}

// NewSessionManagerWithClock creates a session manager with an
// injected clock for tests
func NewSessionManagerWithClock(lifetime time.Duration, clock clockwork.Clock) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		lifetime: lifetime,
		clock:    clock,
	}
}

// Create mints a new session and returns it with a fresh ID
func (m *SessionManager) Create(session Session) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	now := m.clock.Now().UTC()
	session.ID = id
	session.CreatedAt = now
	session.ExpiresAt = now.Add(m.lifetime)

	m.mu.Lock()
	m.sessions[id] = &session
	m.mu.Unlock()

	copied := session
	return &copied, nil
}

// Get returns the session for an ID, or ErrSessionNotFound when the
// ID is unknown or the session has expired
func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.RLock()
	session, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if !m.clock.Now().Before(session.ExpiresAt) {
		m.Delete(id)
		return nil, ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

// Delete removes a session. Deleting an unknown ID is not an error.
func (m *SessionManager) Delete(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// EvictExpired removes expired sessions and returns how many were
// dropped
func (m *SessionManager) EvictExpired() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, session := range m.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(m.sessions, id)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of live sessions
func (m *SessionManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func newSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
