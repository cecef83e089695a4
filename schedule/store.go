// Package schedule owns durable delayed tasks: the store that outlives
// process restarts and the scheduler that claims due tasks and feeds them
// back into the transition queue.
package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nowcrm/journeys"
)

// Store persists delayed tasks. Claim is the scaling point: it is atomic, so
// concurrent scheduler instances firing the same due batch never double-fire
// a task.
type Store interface {
	// Create persists a pending task. Creating an id that already exists is
	// a no-op.
	Create(ctx context.Context, t *journeys.DelayedTask) error
	// Task returns a task by id, nil when absent.
	Task(ctx context.Context, id string) (*journeys.DelayedTask, error)
	// Due returns up to limit pending tasks with due_at <= now, oldest
	// first.
	Due(ctx context.Context, now time.Time, limit int) ([]journeys.DelayedTask, error)
	// Claim atomically moves a pending task to claimed. Returns false when
	// another scheduler instance won the task or it is no longer pending.
	Claim(ctx context.Context, id string) (bool, error)
	// MarkFired moves a claimed task to fired and records the time.
	MarkFired(ctx context.Context, id string, at time.Time) error
	// Release returns a claimed task to pending after a failed publish.
	Release(ctx context.Context, id string) error
	// Cancel marks a task cancelled unless it already fired.
	Cancel(ctx context.Context, id string) error
	// CancelPending cancels every pending task of a (contact, journey) pair.
	CancelPending(ctx context.Context, contactID, journeyID string) (int, error)
}

// InMemory is a thread-safe in-memory Store.
type InMemory struct {
	mu    sync.Mutex
	tasks map[string]*journeys.DelayedTask
}

// NewInMemory constructs an empty store.
func NewInMemory() *InMemory {
	return &InMemory{tasks: make(map[string]*journeys.DelayedTask)}
}

func (s *InMemory) Create(_ context.Context, t *journeys.DelayedTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return nil
	}
	cp := *t
	if cp.Status == "" {
		cp.Status = journeys.TaskPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.tasks[t.ID] = &cp
	return nil
}

func (s *InMemory) Task(_ context.Context, id string) (*journeys.DelayedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *InMemory) Due(_ context.Context, now time.Time, limit int) ([]journeys.DelayedTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []journeys.DelayedTask
	for _, t := range s.tasks {
		if t.Status == journeys.TaskPending && !t.DueAt.After(now) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemory) Claim(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != journeys.TaskPending {
		return false, nil
	}
	t.Status = journeys.TaskClaimed
	return true, nil
}

func (s *InMemory) MarkFired(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != journeys.TaskClaimed {
		return nil
	}
	fired := at.UTC()
	t.Status = journeys.TaskFired
	t.FiredAt = &fired
	return nil
}

func (s *InMemory) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != journeys.TaskClaimed {
		return nil
	}
	t.Status = journeys.TaskPending
	return nil
}

func (s *InMemory) Cancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status == journeys.TaskFired {
		return nil
	}
	t.Status = journeys.TaskCancelled
	return nil
}

func (s *InMemory) CancelPending(_ context.Context, contactID, journeyID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status != journeys.TaskPending {
			continue
		}
		if t.Request.ContactID == contactID && t.Request.JourneyID == journeyID {
			t.Status = journeys.TaskCancelled
			n++
		}
	}
	return n, nil
}
