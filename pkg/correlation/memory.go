package correlation

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type memoryEntry struct {
	req       PendingRequest
	expiresAt time.Time
}

// MemoryStore is an in-process correlation store. Suitable for a
// single replica; multi-replica deployments need the Redis store so
// the upstream callback can land on any instance.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   clockwork.Clock
}

// NewMemoryStore creates an in-memory store using the wall clock
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clockwork.NewRealClock())
}

// NewMemoryStoreWithClock creates an in-memory store with an
// injectable clock
func NewMemoryStoreWithClock(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		clock:   clock,
	}
}

// Put saves a pending request
func (s *MemoryStore) Put(ctx context.Context, req PendingRequest, lifetime time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[req.RequestID] = memoryEntry{
		req:       req,
		expiresAt: s.clock.Now().Add(lifetime),
	}
	return nil
}

// Take atomically removes and returns the pending request. Expired
// entries are indistinguishable from absent ones.
func (s *MemoryStore) Take(ctx context.Context, requestID string) (PendingRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[requestID]
	if !ok {
		return PendingRequest{}, ErrNotFound
	}
	delete(s.entries, requestID)

	if !s.clock.Now().Before(entry.expiresAt) {
		return PendingRequest{}, ErrNotFound
	}
	return entry.req, nil
}

// Len reports the number of entries, including not-yet-evicted expired ones
func (s *MemoryStore) Len(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// EvictExpired removes expired entries
func (s *MemoryStore) EvictExpired(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	evicted := 0
	for id, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, id)
			evicted++
		}
	}
	return evicted
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}
