package auth

import (
	"context"
	"sync"
	"time"
)

// MemorySessionStore keeps sessions in-process. Suitable for development and
// single-instance deployments.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]SessionRecord
}

// NewMemorySessionStore constructs an empty in-memory store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]SessionRecord)}
}

func (s *MemorySessionStore) Save(ctx context.Context, record SessionRecord) error {
	s.mu.Lock()
	s.sessions[record.TokenHash] = record
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) Get(ctx context.Context, tokenHash string) (SessionRecord, bool, error) {
	s.mu.RLock()
	record, ok := s.sessions[tokenHash]
	s.mu.RUnlock()
	return record, ok, nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, tokenHash string) error {
	s.mu.Lock()
	delete(s.sessions, tokenHash)
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) PurgeExpired(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	for hash, record := range s.sessions {
		if now.After(record.ExpiresAt) {
			delete(s.sessions, hash)
		}
	}
	s.mu.Unlock()
	return nil
}

// Ping always reports success for the in-memory store.
func (s *MemorySessionStore) Ping(context.Context) error {
	return nil
}

var _ SessionStore = (*MemorySessionStore)(nil)
