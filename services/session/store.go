package session

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultPruneInterval = 15 * time.Minute

// Store persists sessions by id.
type Store interface {
	Save(ctx context.Context, s *Session) error
	// Get returns ErrNoSession when id is unknown or the session has expired.
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
}

// MemoryStore keeps sessions in process memory. Sessions are lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	now      func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session), now: time.Now}
}

func (m *MemoryStore) Save(_ context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return ErrNoSession
	}
	cp := *s
	cp.Claims = maps.Clone(s.Claims)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok || s.Expired(m.now()) {
		return nil, ErrNoSession
	}
	s.Claims = maps.Clone(s.Claims)
	return &s, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// Prune removes expired sessions and returns how many were dropped.
func (m *MemoryStore) Prune(context.Context) (int64, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// Pruner is a Store that can drop its expired sessions.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// RunPruner prunes p every interval until ctx ends. A failed prune is logged
// and retried on the next tick.
func RunPruner(ctx context.Context, p Pruner, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		interval = defaultPruneInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Prune(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("prune sessions")
				continue
			}
			if n > 0 {
				logger.Debug().Int64("removed", n).Msg("expired sessions pruned")
			}
		}
	}
}
