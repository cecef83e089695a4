package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nowcrm/journeys"
	"github.com/nowcrm/journeys/metrics"
)

const (
	amqpExchange   = "journeys"
	amqpDLX        = "journeys.dlx"
	attemptsHeader = "x-journeys-attempts"
)

// AMQP is the RabbitMQ-backed Bus. Topology: one direct exchange, one
// durable queue per consumer role with a dead-letter companion bound to a
// shared DLX. Redelivery is driven by republishing with an attempt-count
// header; the ceiling routes the message to the role's dead-letter queue.
type AMQP struct {
	url         string
	prefetch    int
	maxAttempts int
	logger      journeys.Logger

	mu    sync.Mutex
	conn  *amqp.Connection
	pubCh *amqp.Channel
	subs  []amqpSubscription
}

type amqpSubscription struct {
	queue   string
	workers int
	handler HandlerFunc
}

// AMQPOption configures the RabbitMQ bus.
type AMQPOption func(*AMQP)

// WithPrefetch sets the per-consumer prefetch window.
func WithPrefetch(n int) AMQPOption {
	return func(b *AMQP) {
		if n > 0 {
			b.prefetch = n
		}
	}
}

// WithMaxAttempts overrides the dead-letter ceiling.
func WithMaxAttempts(n int) AMQPOption {
	return func(b *AMQP) {
		if n > 0 {
			b.maxAttempts = n
		}
	}
}

// WithAMQPLogger sets the bus logger.
func WithAMQPLogger(logger journeys.Logger) AMQPOption {
	return func(b *AMQP) {
		b.logger = logger
	}
}

// NewAMQP constructs an unconnected RabbitMQ bus.
func NewAMQP(url string, opts ...AMQPOption) *AMQP {
	b := &AMQP{
		url:         url,
		prefetch:    10,
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

// Connect dials the broker and declares the full queue topology.
func (b *AMQP) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("bus: connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("bus: open channel: %w", err)
	}
	if err := declareTopology(ch); err != nil {
		conn.Close()
		return err
	}
	// Returned publishes (unroutable messages) indicate a topology bug;
	// surface them instead of losing them silently.
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("bus: enable publisher confirms: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.pubCh = ch
	b.mu.Unlock()
	return nil
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(amqpExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("bus: declare exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(amqpDLX, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("bus: declare dlx: %w", err)
	}
	for _, queue := range Queues() {
		dlq := DeadLetterQueue(queue)
		if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    amqpDLX,
			"x-dead-letter-routing-key": dlq,
		}); err != nil {
			return fmt.Errorf("bus: declare queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, queue, amqpExchange, false, nil); err != nil {
			return fmt.Errorf("bus: bind queue %s: %w", queue, err)
		}
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("bus: declare dlq %s: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, dlq, amqpDLX, false, nil); err != nil {
			return fmt.Errorf("bus: bind dlq %s: %w", dlq, err)
		}
	}
	return nil
}

// Publish sends a persistent message routed to the given role queue.
func (b *AMQP) Publish(ctx context.Context, queue, messageID string, body []byte) error {
	return b.publish(ctx, queue, messageID, body, 1)
}

func (b *AMQP) publish(ctx context.Context, queue, messageID string, body []byte, attempts int) error {
	b.mu.Lock()
	ch := b.pubCh
	b.mu.Unlock()
	if ch == nil {
		return errors.New("bus: not connected")
	}
	return ch.PublishWithContext(ctx, amqpExchange, queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Body:         body,
		Headers:      amqp.Table{attemptsHeader: int32(attempts)},
	})
}

// Subscribe registers a consumer pool. Must precede Run.
func (b *AMQP) Subscribe(queue string, workers int, h HandlerFunc) error {
	if h == nil {
		return errors.New("bus: handler required")
	}
	if workers <= 0 {
		workers = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, amqpSubscription{queue: queue, workers: workers, handler: h})
	return nil
}

// Run opens one channel per subscription and consumes until ctx is
// cancelled, then closes the connection.
func (b *AMQP) Run(ctx context.Context) error {
	b.mu.Lock()
	conn := b.conn
	subs := append([]amqpSubscription(nil), b.subs...)
	b.mu.Unlock()
	if conn == nil {
		return errors.New("bus: not connected")
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		ch, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("bus: open consumer channel for %s: %w", sub.queue, err)
		}
		if err := ch.Qos(b.prefetch, 0, false); err != nil {
			return fmt.Errorf("bus: set prefetch for %s: %w", sub.queue, err)
		}
		deliveries, err := ch.Consume(sub.queue, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("bus: consume %s: %w", sub.queue, err)
		}
		for i := 0; i < sub.workers; i++ {
			wg.Add(1)
			go func(sub amqpSubscription) {
				defer wg.Done()
				b.consume(ctx, sub, deliveries)
			}(sub)
		}
	}

	<-ctx.Done()
	err := conn.Close()
	wg.Wait()
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (b *AMQP) consume(ctx context.Context, sub amqpSubscription, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			b.handleDelivery(ctx, sub, d)
		}
	}
}

func (b *AMQP) handleDelivery(ctx context.Context, sub amqpSubscription, d amqp.Delivery) {
	attempts := deliveryAttempts(d)
	err := sub.handler(ctx, Delivery{
		Queue:     sub.queue,
		MessageID: d.MessageId,
		Body:      d.Body,
		Attempts:  attempts,
	})
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			b.logger.Error("ack failed on %s: %v", sub.queue, ackErr)
		}
		return
	}
	if attempts >= b.maxAttempts {
		b.logger.Error("dead-lettering message %s on %s after %d attempts: %v",
			d.MessageId, sub.queue, attempts, err)
		if nackErr := d.Nack(false, false); nackErr != nil {
			b.logger.Error("nack failed on %s: %v", sub.queue, nackErr)
		}
		metrics.DeadLetters.WithLabelValues(sub.queue).Inc()
		return
	}
	// Republish with the incremented attempt counter, then ack the
	// original so prefetch slots are not pinned by failing messages.
	if pubErr := b.publish(ctx, sub.queue, d.MessageId, d.Body, attempts+1); pubErr != nil {
		b.logger.Error("republish failed on %s, requeueing broker-side: %v", sub.queue, pubErr)
		if nackErr := d.Nack(false, true); nackErr != nil {
			b.logger.Error("nack failed on %s: %v", sub.queue, nackErr)
		}
		return
	}
	if ackErr := d.Ack(false); ackErr != nil {
		b.logger.Error("ack failed on %s: %v", sub.queue, ackErr)
	}
}

func deliveryAttempts(d amqp.Delivery) int {
	if d.Headers != nil {
		switch v := d.Headers[attemptsHeader].(type) {
		case int32:
			return int(v)
		case int64:
			return int(v)
		case int:
			return v
		}
	}
	return 1
}
