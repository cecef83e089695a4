package state

import (
	"context"

	"github.com/nowcrm/journeys"
	"github.com/nowcrm/journeys/bus"
	"github.com/nowcrm/journeys/metrics"
)

// Consumer binds the machine to its two queues: transition requests and job
// results. Discardable outcomes (duplicates, conflict losers, terminal or
// stale state, malformed payloads) are acknowledged and logged; everything
// else is returned to the bus for redelivery.
type Consumer struct {
	machine *Machine
	logger  journeys.Logger
}

// NewConsumer wraps a machine for bus consumption.
func NewConsumer(m *Machine, logger journeys.Logger) *Consumer {
	return &Consumer{machine: m, logger: journeys.NormalizeLogger(logger)}
}

// Register subscribes the consumer's handlers.
func (c *Consumer) Register(b bus.Bus, workers int) error {
	if err := b.Subscribe(bus.QueueTransitions, workers, c.handleTransition); err != nil {
		return err
	}
	return b.Subscribe(bus.QueueResults, workers, c.handleResult)
}

func (c *Consumer) handleTransition(ctx context.Context, d bus.Delivery) error {
	var req journeys.TransitionRequest
	if err := bus.Decode(d, &req); err != nil {
		c.logger.Warn("dropping malformed transition request %s: %v", d.MessageID, err)
		metrics.TransitionsDiscarded.WithLabelValues("malformed").Inc()
		return nil
	}

	err := c.machine.Apply(ctx, req)
	switch {
	case err == nil:
		metrics.TransitionsApplied.Inc()
		return nil
	case journeys.Discardable(err):
		c.logger.Debug("discarding transition %s for contact %s: %v",
			d.MessageID, req.ContactID, err)
		metrics.TransitionsDiscarded.WithLabelValues(discardReason(err)).Inc()
		return nil
	default:
		c.logger.Warn("transition %s failed, attempt %d: %v", d.MessageID, d.Attempts, err)
		return err
	}
}

func (c *Consumer) handleResult(ctx context.Context, d bus.Delivery) error {
	var res journeys.JobResult
	if err := bus.Decode(d, &res); err != nil {
		c.logger.Warn("dropping malformed job result %s: %v", d.MessageID, err)
		return nil
	}

	err := c.machine.HandleResult(ctx, res)
	switch {
	case err == nil:
		return nil
	case journeys.Discardable(err):
		c.logger.Debug("discarding job result %s for contact %s: %v",
			d.MessageID, res.ContactID, err)
		return nil
	default:
		c.logger.Warn("job result %s failed, attempt %d: %v", d.MessageID, d.Attempts, err)
		return err
	}
}

func discardReason(err error) string {
	switch journeys.ErrorCode(err) {
	case journeys.ErrCodeDuplicateTransition:
		return "duplicate"
	case journeys.ErrCodeVersionConflict:
		return "conflict"
	case journeys.ErrCodeStateTerminal:
		return "terminal"
	default:
		return "invalid"
	}
}
