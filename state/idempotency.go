package state

import (
	"context"
	"sync"
	"time"

	"github.com/nowcrm/journeys"
)

// IdempotencyStore records applied transition keys so redelivered requests
// become no-ops.
type IdempotencyStore interface {
	// Applied reports whether a key has been recorded.
	Applied(ctx context.Context, key string) (bool, error)
	// MarkApplied records a key. Returns journeys.ErrDuplicateTransition
	// when the key is already present.
	MarkApplied(ctx context.Context, key string) error
}

// MemoryIdempotency is an in-memory IdempotencyStore.
type MemoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]time.Time
}

// NewMemoryIdempotency constructs an empty ledger.
func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{keys: make(map[string]time.Time)}
}

func (s *MemoryIdempotency) Applied(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.keys[key]
	return ok, nil
}

func (s *MemoryIdempotency) MarkApplied(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return journeys.ErrDuplicateTransition.Clone()
	}
	s.keys[key] = time.Now().UTC()
	return nil
}

// Len reports the number of recorded keys.
func (s *MemoryIdempotency) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}
