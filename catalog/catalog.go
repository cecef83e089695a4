// Package catalog stores journey definitions: the step graphs, entry rules,
// delay policies, and bound actions the engine executes against.
package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nowcrm/journeys"
)

// Store persists journey definitions.
type Store interface {
	// Journey returns a definition by id, journeys.ErrUnknownJourney when
	// absent.
	Journey(ctx context.Context, id string) (*journeys.Journey, error)
	// Active returns every journey accepting new entries.
	Active(ctx context.Context) ([]journeys.Journey, error)
	// List returns all journeys ordered by id.
	List(ctx context.Context) ([]journeys.Journey, error)
	// Save validates and upserts a definition.
	Save(ctx context.Context, j journeys.Journey) error
	// Delete removes a definition. Deleting an unknown id is a no-op.
	Delete(ctx context.Context, id string) error
}

// Step resolves a step within a journey, with typed errors for both miss
// cases.
func Step(ctx context.Context, s Store, journeyID, stepID string) (*journeys.Journey, journeys.JourneyStep, error) {
	j, err := s.Journey(ctx, journeyID)
	if err != nil {
		return nil, journeys.JourneyStep{}, err
	}
	step, ok := j.Step(stepID)
	if !ok {
		return nil, journeys.JourneyStep{}, journeys.ErrUnknownStep.Clone()
	}
	return j, step, nil
}

// Duplicate deep-copies a journey under fresh ids, remapping every internal
// step reference. The copy starts inactive so it can be edited before going
// live.
func Duplicate(src journeys.Journey) journeys.Journey {
	idMap := make(map[string]string, len(src.Steps))
	for _, s := range src.Steps {
		idMap[s.ID] = uuid.NewString()
	}

	cp := src
	cp.ID = uuid.NewString()
	cp.Name = src.Name + " (copy)"
	cp.Active = false
	cp.EntryStepID = idMap[src.EntryStepID]
	cp.Steps = make([]journeys.JourneyStep, len(src.Steps))
	for i, s := range src.Steps {
		ns := s
		ns.ID = idMap[s.ID]
		ns.JourneyID = cp.ID
		ns.Next = make([]string, len(s.Next))
		for j, next := range s.Next {
			ns.Next[j] = idMap[next]
		}
		if len(ns.Next) == 0 {
			ns.Next = nil
		}
		cp.Steps[i] = ns
	}
	return cp
}

// InMemory is a thread-safe in-memory catalog.
type InMemory struct {
	mu       sync.RWMutex
	journeys map[string]journeys.Journey
}

// NewInMemory constructs an empty catalog.
func NewInMemory() *InMemory {
	return &InMemory{journeys: make(map[string]journeys.Journey)}
}

func (s *InMemory) Journey(_ context.Context, id string) (*journeys.Journey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.journeys[strings.TrimSpace(id)]
	if !ok {
		return nil, journeys.ErrUnknownJourney.Clone()
	}
	cp := cloneJourney(j)
	return &cp, nil
}

func (s *InMemory) Active(ctx context.Context) ([]journeys.Journey, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, j := range all {
		if j.Active {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *InMemory) List(_ context.Context) ([]journeys.Journey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]journeys.Journey, 0, len(s.journeys))
	for _, j := range s.journeys {
		out = append(out, cloneJourney(j))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) Save(_ context.Context, j journeys.Journey) error {
	normalizeJourney(&j)
	if err := j.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journeys[j.ID] = cloneJourney(j)
	return nil
}

func (s *InMemory) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.journeys, id)
	return nil
}

func normalizeJourney(j *journeys.Journey) {
	j.ID = strings.TrimSpace(j.ID)
	for i := range j.Steps {
		j.Steps[i].JourneyID = j.ID
		if j.Steps[i].Delay.Kind == "" {
			j.Steps[i].Delay.Kind = journeys.DelayNone
		}
	}
}

func cloneJourney(j journeys.Journey) journeys.Journey {
	cp := j
	cp.Steps = make([]journeys.JourneyStep, len(j.Steps))
	for i, s := range j.Steps {
		ns := s
		if len(s.Next) > 0 {
			ns.Next = append([]string(nil), s.Next...)
		}
		if s.Entry != nil {
			entry := *s.Entry
			ns.Entry = &entry
		}
		cp.Steps[i] = ns
	}
	return cp
}
