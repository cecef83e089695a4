package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nowcrm/journeys"
	"github.com/nowcrm/journeys/metrics"
)

const defaultMemoryBuffer = 1024

// Memory is an in-process Bus used by tests and single-node deployments.
// It reproduces the broker semantics the engine depends on: redelivery on
// handler error, bounded attempts, and a dead-letter store per queue.
type Memory struct {
	mu          sync.Mutex
	queues      map[string]*memoryQueue
	maxAttempts int
	logger      journeys.Logger

	pending sync.WaitGroup
	running bool
}

type memoryQueue struct {
	ch      chan Delivery
	handler HandlerFunc
	workers int
	dead    []Delivery
}

// MemoryOption configures the in-memory bus.
type MemoryOption func(*Memory)

// WithMemoryMaxAttempts overrides the dead-letter ceiling.
func WithMemoryMaxAttempts(n int) MemoryOption {
	return func(b *Memory) {
		if n > 0 {
			b.maxAttempts = n
		}
	}
}

// WithMemoryLogger sets the bus logger.
func WithMemoryLogger(logger journeys.Logger) MemoryOption {
	return func(b *Memory) {
		b.logger = logger
	}
}

// NewMemory constructs an in-memory bus.
func NewMemory(opts ...MemoryOption) *Memory {
	b := &Memory{
		queues:      make(map[string]*memoryQueue),
		maxAttempts: 5,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.logger = journeys.NormalizeLogger(b.logger)
	return b
}

func (b *Memory) queue(name string) *memoryQueue {
	q, ok := b.queues[name]
	if !ok {
		q = &memoryQueue{ch: make(chan Delivery, defaultMemoryBuffer)}
		b.queues[name] = q
	}
	return q
}

// Publish enqueues a durable message. Publishing before Run is allowed; the
// delivery waits until the bus starts.
func (b *Memory) Publish(_ context.Context, queue, messageID string, body []byte) error {
	if queue == "" {
		return errors.New("bus: queue name required")
	}
	cp := make([]byte, len(body))
	copy(cp, body)

	b.mu.Lock()
	q := b.queue(queue)
	b.mu.Unlock()

	b.pending.Add(1)
	select {
	case q.ch <- Delivery{Queue: queue, MessageID: messageID, Body: cp, Attempts: 1}:
		return nil
	default:
		b.pending.Done()
		return fmt.Errorf("bus: queue %s full", queue)
	}
}

// Subscribe binds the handler pool for a queue.
func (b *Memory) Subscribe(queue string, workers int, h HandlerFunc) error {
	if h == nil {
		return errors.New("bus: handler required")
	}
	if workers <= 0 {
		workers = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return errors.New("bus: subscribe after run")
	}
	q := b.queue(queue)
	if q.handler != nil {
		return fmt.Errorf("bus: queue %s already subscribed", queue)
	}
	q.handler = h
	q.workers = workers
	return nil
}

// Run delivers messages until ctx is cancelled.
func (b *Memory) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return errors.New("bus: already running")
	}
	b.running = true
	var wg sync.WaitGroup
	for name, q := range b.queues {
		if q.handler == nil {
			continue
		}
		for i := 0; i < q.workers; i++ {
			wg.Add(1)
			go func(name string, q *memoryQueue) {
				defer wg.Done()
				b.consume(ctx, name, q)
			}(name, q)
		}
	}
	b.mu.Unlock()

	<-ctx.Done()
	wg.Wait()

	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
	return ctx.Err()
}

func (b *Memory) consume(ctx context.Context, name string, q *memoryQueue) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-q.ch:
			if err := q.handler(ctx, d); err != nil {
				b.redeliver(ctx, q, d, err)
				continue
			}
			b.pending.Done()
		}
	}
}

func (b *Memory) redeliver(ctx context.Context, q *memoryQueue, d Delivery, cause error) {
	if d.Attempts >= b.maxAttempts {
		b.logger.Error("dead-lettering message %s on %s after %d attempts: %v",
			d.MessageID, d.Queue, d.Attempts, cause)
		b.mu.Lock()
		q.dead = append(q.dead, d)
		b.mu.Unlock()
		metrics.DeadLetters.WithLabelValues(d.Queue).Inc()
		b.pending.Done()
		return
	}
	d.Attempts++
	select {
	case q.ch <- d:
	case <-ctx.Done():
		b.pending.Done()
	}
}

// DeadLetters returns the dead-letter store of a queue.
func (b *Memory) DeadLetters(queue string) []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	out := make([]Delivery, len(q.dead))
	copy(out, q.dead)
	return out
}

// WaitIdle blocks until every published message has been acknowledged or
// dead-lettered. Test helper; not part of the Bus contract.
func (b *Memory) WaitIdle() {
	b.pending.Wait()
}
