// Package idempotency guards paid writes so one settled payment drives at most one execution.
//
// A key moves from new to in-flight when a request starts, and to completed with a cached
// response when it succeeds. Failures clear the marker so a legitimate retry can run.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// Status is the state of a key.
type Status int

const (
	// StatusNew means the caller now owns the key and must Complete or Fail it.
	StatusNew Status = iota
	// StatusInFlight means another request is executing with the same key.
	StatusInFlight
	// StatusCompleted means a result was cached for the key.
	StatusCompleted
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusInFlight:
		return "in_flight"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Store is a check-and-mark cache.
type Store interface {
	// CheckAndMark atomically returns the current status and marks new keys in-flight.
	// For completed keys the cached result is returned.
	CheckAndMark(ctx context.Context, key string) (Status, []byte, error)
	// Complete caches the result for key.
	Complete(ctx context.Context, key string, result []byte) error
	// Fail clears the in-flight marker.
	Fail(ctx context.Context, key string) error
}

// DefaultTTL bounds how long markers and results are kept. It outlives the token TTL.
const DefaultTTL = 2 * time.Hour

type memoryEntry struct {
	status    Status
	result    []byte
	expiresAt time.Time
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a MemoryStore.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{entries: make(map[string]*memoryEntry), ttl: ttl, now: time.Now}
}

// CheckAndMark implements Store.
func (s *MemoryStore) CheckAndMark(_ context.Context, key string) (Status, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return e.status, e.result, nil
	}
	s.entries[key] = &memoryEntry{status: StatusInFlight, expiresAt: now.Add(s.ttl)}
	return StatusNew, nil, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, key string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memoryEntry{status: StatusCompleted, result: result, expiresAt: s.now().Add(s.ttl)}
	return nil
}

// Fail implements Store.
func (s *MemoryStore) Fail(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.status == StatusInFlight {
		delete(s.entries, key)
	}
	return nil
}

// Sweep drops expired entries.
func (s *MemoryStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}
