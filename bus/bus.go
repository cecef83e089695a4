// Package bus provides the durable queue infrastructure the engine's
// consumers communicate through: at-least-once delivery, manual
// acknowledgement, and per-queue dead-lettering.
package bus

import (
	"context"
	"encoding/json"

	"github.com/nowcrm/journeys"
)

// Queue names, one per consumer role.
const (
	QueueTriggers    = "journeys.triggers"
	QueueTransitions = "journeys.transitions"
	QueueJobs        = "journeys.jobs"
	QueueResults     = "journeys.results"
)

// Queues lists every role queue, in topology-declaration order.
func Queues() []string {
	return []string{QueueTriggers, QueueTransitions, QueueJobs, QueueResults}
}

// DeadLetterQueue returns the dead-letter companion of a role queue.
func DeadLetterQueue(queue string) string { return queue + ".dlq" }

// Delivery is one received message. Attempts counts deliveries including
// this one; handlers use it for poison detection only, the bus enforces the
// dead-letter ceiling itself.
type Delivery struct {
	Queue     string
	MessageID string
	Body      []byte
	Attempts  int
}

// HandlerFunc processes one delivery. A nil return acknowledges the message;
// an error returns it to the queue for redelivery until the bus's attempt
// ceiling routes it to the dead-letter queue.
type HandlerFunc func(ctx context.Context, d Delivery) error

// Publisher publishes durable messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue, messageID string, body []byte) error
}

// Bus is a publisher with consumer registration.
type Bus interface {
	Publisher
	// Subscribe binds a handler worker pool to a queue. Must be called
	// before Run.
	Subscribe(queue string, workers int, h HandlerFunc) error
	// Run blocks delivering messages until ctx is cancelled.
	Run(ctx context.Context) error
}

// PublishMessage validates, marshals, and publishes a domain message using
// its idempotency/message id.
func PublishMessage(ctx context.Context, p Publisher, queue, messageID string, msg journeys.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.Publish(ctx, queue, messageID, body)
}

// Decode unmarshals a delivery body into msg and validates it.
func Decode[T journeys.Message](d Delivery, msg *T) error {
	if err := json.Unmarshal(d.Body, msg); err != nil {
		return err
	}
	return (*msg).Validate()
}
