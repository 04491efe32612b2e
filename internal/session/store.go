package session

import (
	"context"
	"errors"
	"sync"
)

var ErrStoreNotFound = errors.New("session not found in store")

// Store persists session records. SaveSession must ignore a record whose
// Revision is not newer than the stored one, so out-of-order writes never
// roll a session back.
type Store interface {
	SaveSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	Close() error
}

type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) SaveSession(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.sessions[s.ID]; ok && prev.Revision >= s.Revision {
		return nil
	}
	m.sessions[s.ID] = s.clone()
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrStoreNotFound
	}
	return s.clone(), nil
}

// DeleteSession forgets a record once the manager no longer serves it.
func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
