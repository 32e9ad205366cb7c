package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound   = errors.New("session not found")
	ErrAliasTaken = errors.New("session id already registered to another connection")
)

// Session is one relay connection as the server sees it.
type Session struct {
	ID             string    `json:"session_id"`
	Status         Status    `json:"status"`
	Aliases        []string  `json:"aliases,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Manager tracks relay sessions and the logical ids registered onto them.
type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	aliases           map[string]string
	inactivityTimeout time.Duration
	onExpire          func(*Session)
	onPurge           func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		aliases:           make(map[string]string),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// SetPurgeHook is called when the janitor drops a session that has been ended
// for longer than the inactivity timeout.
func (m *Manager) SetPurgeHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPurge = hook
}

// Create allocates a fresh session id for a new connection.
func (m *Manager) Create() *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.lookupLocked(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Resolve maps a logical id (own id or registered alias) to the owning connection id.
func (m *Manager) Resolve(sessionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.lookupLocked(sessionID)
	if !ok || s.Status != StatusActive {
		return "", false
	}
	return s.ID, true
}

// IsActive is the liveness check behind the session-status endpoint.
func (m *Manager) IsActive(sessionID string) bool {
	_, ok := m.Resolve(sessionID)
	return ok
}

// Register associates logicalID with the connection sessionID.
func (m *Manager) Register(sessionID, logicalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.Status != StatusActive {
		return ErrNotFound
	}
	if logicalID == sessionID {
		s.LastActivityAt = time.Now().UTC()
		return nil
	}
	if owner, taken := m.aliases[logicalID]; taken && owner != sessionID {
		if other, ok := m.sessions[owner]; ok && other.Status == StatusActive {
			return ErrAliasTaken
		}
	}
	if _, isConn := m.sessions[logicalID]; isConn {
		return ErrAliasTaken
	}
	m.aliases[logicalID] = sessionID
	s.Aliases = append(s.Aliases, logicalID)
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// End marks the session ended and releases its aliases.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	m.endLocked(s, time.Now().UTC())
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired, purged []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		switch s.Status {
		case StatusActive:
			m.endLocked(s, now)
			expired = append(expired, clone(s))
		case StatusEnded:
			delete(m.sessions, id)
			purged = append(purged, s)
		}
	}
	onExpire, onPurge := m.onExpire, m.onPurge
	m.mu.Unlock()

	if onExpire != nil {
		for _, s := range expired {
			onExpire(s)
		}
	}
	if onPurge != nil {
		for _, s := range purged {
			onPurge(s)
		}
	}
}

func (m *Manager) lookupLocked(id string) (*Session, bool) {
	if s, ok := m.sessions[id]; ok {
		return s, true
	}
	if owner, ok := m.aliases[id]; ok {
		s, ok := m.sessions[owner]
		return s, ok
	}
	return nil, false
}

func (m *Manager) endLocked(s *Session, now time.Time) {
	s.Status = StatusEnded
	s.LastActivityAt = now
	for _, alias := range s.Aliases {
		if m.aliases[alias] == s.ID {
			delete(m.aliases, alias)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	c.Aliases = append([]string(nil), s.Aliases...)
	return &c
}
