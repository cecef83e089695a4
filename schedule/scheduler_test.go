package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nowcrm/journeys"
	"github.com/nowcrm/journeys/bus"
)

type capturePublisher struct {
	mu   sync.Mutex
	fail bool
	msgs []journeys.TransitionRequest
}

func (p *capturePublisher) Publish(_ context.Context, queue, _ string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker unavailable")
	}
	if queue != bus.QueueTransitions {
		return errors.New("unexpected queue " + queue)
	}
	var req journeys.TransitionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return err
	}
	p.msgs = append(p.msgs, req)
	return nil
}

func (p *capturePublisher) published() []journeys.TransitionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]journeys.TransitionRequest(nil), p.msgs...)
}

func newTask(id string, due time.Time) *journeys.DelayedTask {
	return &journeys.DelayedTask{
		ID:        id,
		DueAt:     due,
		Request:   journeys.NewTransitionRequest("c-1", "j-1", "s-2", journeys.TaskCause(id)),
		Status:    journeys.TaskPending,
		CreatedAt: due.Add(-time.Hour),
	}
}

func TestStoreCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	due := time.Now().UTC()

	if err := s.Create(ctx, newTask("t-1", due)); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup := newTask("t-1", due.Add(time.Hour))
	if err := s.Create(ctx, dup); err != nil {
		t.Fatalf("duplicate create: %v", err)
	}

	task, err := s.Task(ctx, "t-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !task.DueAt.Equal(due) {
		t.Error("duplicate create must not overwrite the original task")
	}
}

func TestStoreClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	if err := s.Create(ctx, newTask("t-1", time.Now())); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := s.Claim(ctx, "t-1")
	if err != nil || !first {
		t.Fatalf("expected first claim to win, got claimed=%v err=%v", first, err)
	}
	second, err := s.Claim(ctx, "t-1")
	if err != nil || second {
		t.Fatalf("expected second claim to lose, got claimed=%v err=%v", second, err)
	}

	if err := s.Release(ctx, "t-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := s.Claim(ctx, "t-1")
	if err != nil || !again {
		t.Fatalf("expected claim after release to win, got claimed=%v err=%v", again, err)
	}
}

func TestStoreDueFiltersByTimeAndStatus(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	now := time.Now().UTC()

	if err := s.Create(ctx, newTask("t-due", now.Add(-time.Minute))); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, newTask("t-future", now.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, newTask("t-cancelled", now.Add(-time.Minute))); err != nil {
		t.Fatal(err)
	}
	if err := s.Cancel(ctx, "t-cancelled"); err != nil {
		t.Fatal(err)
	}

	due, err := s.Due(ctx, now, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "t-due" {
		t.Fatalf("expected only t-due, got %+v", due)
	}
}

func TestStoreCancelPendingByContactAndJourney(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	now := time.Now().UTC()

	if err := s.Create(ctx, newTask("t-1", now)); err != nil {
		t.Fatal(err)
	}
	other := newTask("t-2", now)
	other.Request.ContactID = "c-2"
	other.Request = journeys.NewTransitionRequest("c-2", "j-1", "s-2", journeys.TaskCause("t-2"))
	if err := s.Create(ctx, other); err != nil {
		t.Fatal(err)
	}

	n, err := s.CancelPending(ctx, "c-1", "j-1")
	if err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 cancelled task, got %d", n)
	}
	task, _ := s.Task(ctx, "t-2")
	if task.Status != journeys.TaskPending {
		t.Error("other contact's task must stay pending")
	}
}

func TestSchedulerTickFiresDueTasksOnce(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	now := time.Now().UTC()

	if err := s.Create(ctx, newTask("t-1", now.Add(-time.Minute))); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, newTask("t-later", now.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	pub := &capturePublisher{}
	sched := NewScheduler(s, pub, WithSchedulerClock(func() time.Time { return now }))

	sched.Tick(ctx)

	published := pub.published()
	if len(published) != 1 {
		t.Fatalf("expected 1 fired task, got %d", len(published))
	}
	if published[0].TargetStepID != "s-2" {
		t.Errorf("unexpected request %+v", published[0])
	}

	task, _ := s.Task(ctx, "t-1")
	if task.Status != journeys.TaskFired || task.FiredAt == nil {
		t.Errorf("expected task fired, got %+v", task)
	}

	// A second tick must not fire the same task again.
	sched.Tick(ctx)
	if len(pub.published()) != 1 {
		t.Error("tick must not double-fire a task")
	}

	// The future task only fires once its due time passes.
	late := NewScheduler(s, pub, WithSchedulerClock(func() time.Time { return now.Add(2 * time.Hour) }))
	late.Tick(ctx)
	if len(pub.published()) != 2 {
		t.Error("expected the future task to fire after its due time")
	}
}

func TestSchedulerReleasesTaskWhenPublishFails(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	now := time.Now().UTC()
	if err := s.Create(ctx, newTask("t-1", now.Add(-time.Minute))); err != nil {
		t.Fatal(err)
	}

	pub := &capturePublisher{fail: true}
	sched := NewScheduler(s, pub, WithSchedulerClock(func() time.Time { return now }))
	sched.Tick(ctx)

	task, _ := s.Task(ctx, "t-1")
	if task.Status != journeys.TaskPending {
		t.Fatalf("expected task released to pending, got %s", task.Status)
	}

	// Once the broker recovers the task fires normally.
	pub.mu.Lock()
	pub.fail = false
	pub.mu.Unlock()
	sched.Tick(ctx)
	task, _ = s.Task(ctx, "t-1")
	if task.Status != journeys.TaskFired {
		t.Fatalf("expected task fired after recovery, got %s", task.Status)
	}
}
