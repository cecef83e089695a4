// Package state holds the journey state machine: the per-contact journey
// position store, the idempotency ledger, and the transition logic that
// keeps both consistent under concurrent, at-least-once message delivery.
package state

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nowcrm/journeys"
)

// Store persists ContactJourneyState rows keyed by (contact, journey).
// All mutation is conditional; there are no locks to hold across callers.
type Store interface {
	// Load returns the state for the pair, or nil when the contact has
	// never entered the journey.
	Load(ctx context.Context, contactID, journeyID string) (*journeys.ContactJourneyState, error)
	// Create inserts the initial state at version 0. Returns
	// journeys.ErrStateExists when a row for the pair already exists.
	Create(ctx context.Context, st *journeys.ContactJourneyState) error
	// SaveIfVersion compare-and-sets the row: the write succeeds with
	// version expected+1 only if the stored version equals expected.
	// Returns journeys.ErrVersionConflict when another writer won.
	SaveIfVersion(ctx context.Context, st *journeys.ContactJourneyState, expected int) (int, error)
	// ListByContact returns every journey state of a contact.
	ListByContact(ctx context.Context, contactID string) ([]journeys.ContactJourneyState, error)
}

func stateKey(contactID, journeyID string) string {
	return strings.TrimSpace(contactID) + "::" + strings.TrimSpace(journeyID)
}

// InMemory is a thread-safe in-memory Store.
type InMemory struct {
	mu    sync.RWMutex
	state map[string]*journeys.ContactJourneyState
}

// NewInMemory constructs an empty store.
func NewInMemory() *InMemory {
	return &InMemory{state: make(map[string]*journeys.ContactJourneyState)}
}

func (s *InMemory) Load(_ context.Context, contactID, journeyID string) (*journeys.ContactJourneyState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.state[stateKey(contactID, journeyID)]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemory) Create(_ context.Context, st *journeys.ContactJourneyState) error {
	key := stateKey(st.ContactID, st.JourneyID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.state[key]; exists {
		return journeys.ErrStateExists.Clone()
	}
	cp := *st
	cp.Version = 0
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	s.state[key] = &cp
	*st = cp
	return nil
}

func (s *InMemory) SaveIfVersion(_ context.Context, st *journeys.ContactJourneyState, expected int) (int, error) {
	key := stateKey(st.ContactID, st.JourneyID)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.state[key]
	if !ok {
		return 0, journeys.ErrStateNotFound.Clone()
	}
	if current.Version != expected {
		return 0, journeys.ErrVersionConflict.Clone()
	}
	cp := *st
	cp.Version = expected + 1
	cp.UpdatedAt = time.Now().UTC()
	s.state[key] = &cp
	*st = cp
	return cp.Version, nil
}

func (s *InMemory) ListByContact(_ context.Context, contactID string) ([]journeys.ContactJourneyState, error) {
	prefix := strings.TrimSpace(contactID) + "::"
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []journeys.ContactJourneyState
	for key, rec := range s.state {
		if strings.HasPrefix(key, prefix) {
			out = append(out, *rec)
		}
	}
	return out, nil
}
