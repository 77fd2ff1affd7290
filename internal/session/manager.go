package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no session exists for the given id.
	ErrNotFound = errors.New("session: not found")
	// ErrCapacity is returned when the active-call cap has been reached.
	ErrCapacity = errors.New("session: at capacity")
)

// ExpireFunc is invoked by the janitor, outside the manager lock, for each
// session whose idle timeout has elapsed.
type ExpireFunc func(s *CallSession)

// Manager tracks live call sessions and enforces the concurrent-call cap.
// The manager owns the map; each session record is mutated only by the
// goroutine driving that call, with LastActivityAt guarded here.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession

	maxActive   int
	idleTimeout time.Duration
	onExpire    ExpireFunc
}

// NewManager builds a Manager. maxActive <= 0 means no cap.
func NewManager(maxActive int, idleTimeout time.Duration) *Manager {
	return &Manager{
		sessions:    make(map[string]*CallSession),
		maxActive:   maxActive,
		idleTimeout: idleTimeout,
	}
}

// SetExpireHook installs the janitor callback. Call before StartJanitor.
func (m *Manager) SetExpireHook(fn ExpireFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = fn
}

// Create registers a new session in the greeting state. It fails with
// ErrCapacity when the cap is reached; the caller turns that into a
// reject-with-busy response rather than queueing the call.
func (m *Manager) Create(callerNumber string) (*CallSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxActive > 0 && len(m.sessions) >= m.maxActive {
		return nil, ErrCapacity
	}

	now := time.Now().UTC()
	s := &CallSession{
		ID:             uuid.NewString(),
		CallerNumber:   callerNumber,
		State:          StateGreeting,
		CapturedFields: make(map[string]CapturedField),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	m.sessions[s.ID] = s
	return s, nil
}

// Get returns the session for id.
func (m *Manager) Get(id string) (*CallSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Touch records caller or system activity on the session.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.LastActivityAt = time.Now().UTC()
	}
}

// Release removes a finished session from the map and returns it, or nil if
// it was already gone.
func (m *Manager) Release(id string) *CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil
	}
	delete(m.sessions, id)
	return s
}

// ActiveCount returns the number of live sessions. Finished sessions leave
// the map through Release, so membership alone is the liveness signal; the
// manager never reads State, which belongs to the call goroutine.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// StartJanitor sweeps for idle sessions until ctx is cancelled. Expired
// sessions are handed to the expire hook, which signals the owning call
// goroutine; the hook must not block.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Manager) sweep() {
	if m.idleTimeout <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-m.idleTimeout)

	m.mu.RLock()
	hook := m.onExpire
	var expired []*CallSession
	for _, s := range m.sessions {
		if s.LastActivityAt.Before(cutoff) {
			expired = append(expired, s)
		}
	}
	m.mu.RUnlock()

	if hook == nil {
		return
	}
	for _, s := range expired {
		hook(s)
	}
}
