package store

import (
	"context"
	"sync"
)

// MemoryStore is a non-durable Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions Sessions
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: Sessions{}}
}

func (s *MemoryStore) LoadAll(_ context.Context) (Sessions, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions.Clone(), nil
}

func (s *MemoryStore) SaveAll(_ context.Context, sessions Sessions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = sessions.Clone()
	return nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }
