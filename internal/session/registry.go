package session

import (
	"context"
	"strings"
	"sync"
)

// Registry enforces at most one active session per document. Acquire must be an
// atomic check-and-set so two concurrent starts cannot both succeed.
type Registry interface {
	Acquire(ctx context.Context, documentID, sessionID string) error
	// Release frees the document only if sessionID still holds it.
	Release(ctx context.Context, documentID, sessionID string) error
	// Refresh extends the hold for backends that expire locks.
	Refresh(ctx context.Context, documentID, sessionID string) error
	// Holder returns the holding session id, or ErrNotFound.
	Holder(ctx context.Context, documentID string) (string, error)
	Close() error
}

type MemoryRegistry struct {
	mu      sync.Mutex
	holders map[string]string
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{holders: make(map[string]string)}
}

func (r *MemoryRegistry) Acquire(_ context.Context, documentID, sessionID string) error {
	documentID = strings.TrimSpace(documentID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.holders[documentID]; ok && holder != sessionID {
		return ErrSessionExists
	}
	r.holders[documentID] = sessionID
	return nil
}

func (r *MemoryRegistry) Release(_ context.Context, documentID, sessionID string) error {
	documentID = strings.TrimSpace(documentID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holders[documentID] == sessionID {
		delete(r.holders, documentID)
	}
	return nil
}

func (r *MemoryRegistry) Refresh(context.Context, string, string) error { return nil }

func (r *MemoryRegistry) Holder(_ context.Context, documentID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	holder, ok := r.holders[strings.TrimSpace(documentID)]
	if !ok {
		return "", ErrNotFound
	}
	return holder, nil
}

func (r *MemoryRegistry) Close() error { return nil }
