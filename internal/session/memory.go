package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	apperrors "github.com/zsiec/reel/internal/errors"
)

// MemoryRegistry keeps sessions in process.
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	max      int
	clock    clockwork.Clock
}

func NewMemoryRegistry(ttl time.Duration, maxSessions int, clock clockwork.Clock) *MemoryRegistry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryRegistry{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		max:      maxSessions,
		clock:    clock,
	}
}

func (m *MemoryRegistry) expired(s *Session) bool {
	return m.clock.Since(s.LastHeartbeat) > m.ttl
}

// reap drops expired sessions. Callers hold the write lock.
func (m *MemoryRegistry) reap() {
	for id, s := range m.sessions {
		if m.expired(s) {
			delete(m.sessions, id)
		}
	}
}

func (m *MemoryRegistry) Register(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap()

	if _, ok := m.sessions[s.ID]; ok {
		return apperrors.NewConflictError(fmt.Sprintf("session %s already exists", s.ID))
	}
	if m.max > 0 && len(m.sessions) >= m.max {
		return apperrors.NewConflictError(fmt.Sprintf("session limit of %d reached", m.max))
	}
	now := m.clock.Now()
	c := *s
	c.CreatedAt = now
	c.LastHeartbeat = now
	m.sessions[s.ID] = &c
	s.CreatedAt, s.LastHeartbeat = now, now
	return nil
}

func (m *MemoryRegistry) Unregister(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return notFound(id)
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryRegistry) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok || m.expired(s) {
		return nil, notFound(id)
	}
	c := *s
	return &c, nil
}

// List returns live sessions, oldest first.
func (m *MemoryRegistry) List(_ context.Context) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reap()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryRegistry) Update(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.sessions[s.ID]
	if !ok || m.expired(old) {
		return notFound(s.ID)
	}
	c := *s
	c.CreatedAt = old.CreatedAt
	c.LastHeartbeat = m.clock.Now()
	m.sessions[s.ID] = &c
	return nil
}

func (m *MemoryRegistry) UpdateHeartbeat(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || m.expired(s) {
		return notFound(id)
	}
	s.LastHeartbeat = m.clock.Now()
	return nil
}

func (m *MemoryRegistry) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*Session)
	return nil
}
