package executor

import (
	"context"
	"time"

	"github.com/nowcrm/journeys"
	"github.com/nowcrm/journeys/bus"
	"github.com/nowcrm/journeys/metrics"
	"github.com/nowcrm/journeys/runner"
)

// Executor consumes job requests, runs the bound action with bounded
// retries, and publishes the outcome. A job that exhausts its retries is
// not dead-lettered; it produces a failed result so the state machine can
// mark the journey errored.
type Executor struct {
	registry *Registry
	ledger   Ledger
	recorder ActivityRecorder
	handler  *runner.Handler
	pub      bus.Publisher
	logger   journeys.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithRecorder sets the activity recorder.
func WithRecorder(r ActivityRecorder) Option {
	return func(e *Executor) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l journeys.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithHandler replaces the retry handler.
func WithHandler(h *runner.Handler) Option {
	return func(e *Executor) {
		if h != nil {
			e.handler = h
		}
	}
}

// New builds an executor over an action registry, outcome ledger, and
// result publisher.
func New(registry *Registry, ledger Ledger, pub bus.Publisher, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		ledger:   ledger,
		recorder: NopRecorder{},
		handler:  runner.NewHandler(),
		pub:      pub,
		logger:   journeys.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register subscribes the executor to the job queue.
func (e *Executor) Register(b bus.Bus, workers int) error {
	return b.Subscribe(bus.QueueJobs, workers, e.handleJob)
}

func (e *Executor) handleJob(ctx context.Context, d bus.Delivery) error {
	var job journeys.JobRequest
	if err := bus.Decode(d, &job); err != nil {
		e.logger.Warn("dropping malformed job request %s: %v", d.MessageID, err)
		return nil
	}

	// Finished before: republish the recorded result, never rerun the
	// side effect.
	prior, err := e.ledger.Outcome(ctx, job.IdempotencyKey)
	if err != nil {
		return err
	}
	if prior != nil {
		e.logger.Debug("job %s already executed, republishing result", job.IdempotencyKey)
		return bus.PublishMessage(ctx, e.pub, bus.QueueResults, prior.IdempotencyKey, *prior)
	}

	res := e.execute(ctx, job)

	if err := e.recorder.Record(ctx, activityFor(job, res)); err != nil {
		e.logger.Warn("recording activity for job %s failed: %v", job.IdempotencyKey, err)
	}
	if err := e.ledger.Record(ctx, job.IdempotencyKey, res); err != nil {
		return err
	}
	if res.Success {
		metrics.JobsExecuted.WithLabelValues("success").Inc()
	} else {
		metrics.JobsExecuted.WithLabelValues("failure").Inc()
	}
	return bus.PublishMessage(ctx, e.pub, bus.QueueResults, res.IdempotencyKey, res)
}

func (e *Executor) execute(ctx context.Context, job journeys.JobRequest) journeys.JobResult {
	res := journeys.JobResult{
		ContactID:      job.ContactID,
		JourneyID:      job.JourneyID,
		StepID:         job.StepID,
		IdempotencyKey: job.IdempotencyKey,
	}

	action, ok := e.registry.Action(job.Spec.Action)
	if !ok {
		res.Error = journeys.ErrUnknownAction.Clone().Error()
		e.logger.Error("job %s names unknown action %q", job.IdempotencyKey, job.Spec.Action)
		return res
	}

	attempts, err := e.handler.Run(ctx, func(ctx context.Context) error {
		return action.Execute(ctx, job)
	})
	res.Attempts = attempts
	if err != nil {
		wrapped := journeys.ActionFailed(job.Spec.Action, err)
		res.Error = wrapped.Error()
		e.logger.Error("job %s failed after %d attempts: %v", job.IdempotencyKey, attempts, err)
		return res
	}

	res.Success = true
	e.logger.Info("job %s executed action %s in %d attempt(s)",
		job.IdempotencyKey, job.Spec.Action, attempts)
	return res
}

func activityFor(job journeys.JobRequest, res journeys.JobResult) ActivityEntry {
	return ActivityEntry{
		ContactID:  job.ContactID,
		JourneyID:  job.JourneyID,
		StepID:     job.StepID,
		Action:     job.Spec.Action,
		Success:    res.Success,
		Attempts:   res.Attempts,
		Error:      res.Error,
		OccurredAt: time.Now().UTC(),
	}
}
