package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func runBus(t *testing.T, b *Memory) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("bus did not stop")
		}
	})
	return cancel
}

func TestMemoryBusDeliversInOrder(t *testing.T) {
	b := NewMemory()

	var mu sync.Mutex
	var got []string
	err := b.Subscribe("q", 1, func(_ context.Context, d Delivery) error {
		mu.Lock()
		got = append(got, string(d.Body))
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for _, msg := range []string{"a", "b", "c"} {
		if err := b.Publish(context.Background(), "q", msg, []byte(msg)); err != nil {
			t.Fatalf("publish %s: %v", msg, err)
		}
	}

	runBus(t, b)
	b.WaitIdle()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("expected ordered delivery, got %v", got)
	}
}

func TestMemoryBusRedeliversUntilSuccess(t *testing.T) {
	b := NewMemory(WithMemoryMaxAttempts(5))

	var calls int32
	err := b.Subscribe("q", 1, func(_ context.Context, d Delivery) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publish(context.Background(), "q", "m-1", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	runBus(t, b)
	b.WaitIdle()

	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected 3 delivery attempts, got %d", n)
	}
	if dead := b.DeadLetters("q"); len(dead) != 0 {
		t.Errorf("expected no dead letters, got %d", len(dead))
	}
}

func TestMemoryBusDeadLettersAtCeiling(t *testing.T) {
	b := NewMemory(WithMemoryMaxAttempts(3))

	var calls int32
	err := b.Subscribe("q", 1, func(_ context.Context, d Delivery) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("poison")
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publish(context.Background(), "q", "m-poison", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	runBus(t, b)
	b.WaitIdle()

	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("expected exactly 3 attempts before dead-lettering, got %d", n)
	}
	dead := b.DeadLetters("q")
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
	if dead[0].MessageID != "m-poison" || dead[0].Attempts != 3 {
		t.Errorf("unexpected dead letter %+v", dead[0])
	}
}

func TestMemoryBusAttemptsVisibleToHandler(t *testing.T) {
	b := NewMemory(WithMemoryMaxAttempts(2))

	var attempts []int
	var mu sync.Mutex
	err := b.Subscribe("q", 1, func(_ context.Context, d Delivery) error {
		mu.Lock()
		attempts = append(attempts, d.Attempts)
		mu.Unlock()
		return errors.New("fail")
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Publish(context.Background(), "q", "m", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	runBus(t, b)
	b.WaitIdle()

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("expected attempts 1,2, got %v", attempts)
	}
}

func TestMemoryBusSubscribeAfterRunFails(t *testing.T) {
	b := NewMemory()
	if err := b.Subscribe("q", 1, func(context.Context, Delivery) error { return nil }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	runBus(t, b)

	// Give Run a moment to mark the bus running.
	time.Sleep(10 * time.Millisecond)
	if err := b.Subscribe("q2", 1, func(context.Context, Delivery) error { return nil }); err == nil {
		t.Error("expected subscribe after run to fail")
	}
}
