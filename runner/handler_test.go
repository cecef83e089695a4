package runner

import (
	"context"
	"errors"
	"testing"
	"time"
)

type countingFunc struct {
	calls     int
	failUntil int
}

func (c *countingFunc) fn(_ context.Context) error {
	c.calls++
	if c.calls <= c.failUntil {
		return errors.New("transient failure")
	}
	return nil
}

func TestHandlerSucceedsFirstAttempt(t *testing.T) {
	h := NewHandler(WithMaxAttempts(3))

	cf := countingFunc{}
	attempts, err := h.Run(context.Background(), cf.fn)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
	if cf.calls != 1 {
		t.Errorf("expected fn called once, got %d", cf.calls)
	}
}

func TestHandlerRetriesUntilSuccess(t *testing.T) {
	h := NewHandler(WithMaxAttempts(5))

	cf := countingFunc{failUntil: 2}
	attempts, err := h.Run(context.Background(), cf.fn)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestHandlerStopsAtCeiling(t *testing.T) {
	h := NewHandler(WithMaxAttempts(4))

	cf := countingFunc{failUntil: 100}
	attempts, err := h.Run(context.Background(), cf.fn)
	if err == nil {
		t.Fatal("expected failure after exhausting attempts")
	}
	if attempts != 4 {
		t.Errorf("expected exactly 4 attempts, got %d", attempts)
	}
	if cf.calls != 4 {
		t.Errorf("expected fn called exactly 4 times, got %d", cf.calls)
	}
}

func TestHandlerStopsOnContextCancel(t *testing.T) {
	h := NewHandler(
		WithMaxAttempts(10),
		WithRetryStrategy(ExponentialBackoffStrategy{Base: 50 * time.Millisecond, Factor: 2, Max: time.Second}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cf := countingFunc{failUntil: 100}

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	attempts, err := h.Run(ctx, cf.fn)
	if err == nil {
		t.Fatal("expected failure when cancelled")
	}
	if attempts >= 10 {
		t.Errorf("expected cancellation to cut retries short, got %d attempts", attempts)
	}
}

func TestHandlerPerAttemptTimeout(t *testing.T) {
	h := NewHandler(WithMaxAttempts(2), WithTimeout(10*time.Millisecond))

	calls := 0
	attempts, err := h.Run(context.Background(), func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	if err == nil {
		t.Fatal("expected timeout failure")
	}
	if attempts != 2 {
		t.Errorf("expected both attempts to run, got %d", attempts)
	}
	if calls != 2 {
		t.Errorf("expected fn called twice, got %d", calls)
	}
}

func TestExponentialBackoffCapsAtMax(t *testing.T) {
	s := ExponentialBackoffStrategy{Base: 100 * time.Millisecond, Factor: 2, Max: 300 * time.Millisecond}

	if d := s.SleepDuration(0, nil); d != 100*time.Millisecond {
		t.Errorf("attempt 0: expected 100ms, got %s", d)
	}
	if d := s.SleepDuration(1, nil); d != 200*time.Millisecond {
		t.Errorf("attempt 1: expected 200ms, got %s", d)
	}
	if d := s.SleepDuration(5, nil); d != 300*time.Millisecond {
		t.Errorf("attempt 5: expected cap at 300ms, got %s", d)
	}
}
