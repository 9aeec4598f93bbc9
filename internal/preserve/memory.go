package preserve

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	payload   []byte
	expiresAt time.Time
}

// MemoryStore is an in-process tier. It survives only for the lifetime of
// the process, which makes it the last-resort tier and the substitute tier
// in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
	clock   func() time.Time
}

// NewMemoryStore constructs an empty in-memory tier.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		records: make(map[string]memoryRecord),
		clock:   clock,
	}
}

// Name identifies the tier in logs and per-tier save outcomes.
func (s *MemoryStore) Name() string {
	return "memory"
}

// Save stores the payload under the key until the TTL elapses.
func (s *MemoryStore) Save(_ context.Context, key string, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = memoryRecord{
		payload:   append([]byte(nil), payload...),
		expiresAt: s.clock().Add(ttl),
	}
	return nil
}

// Load returns the payload for the key, or ErrNotFound when absent or expired.
func (s *MemoryStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	record, ok := s.records[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if s.clock().After(record.expiresAt) {
		s.mu.Lock()
		delete(s.records, key)
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	return append([]byte(nil), record.payload...), nil
}

// Clear removes the payload for the key.
func (s *MemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}
