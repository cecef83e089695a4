package schedule

import (
	"context"
	"fmt"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/nowcrm/journeys"
	"github.com/nowcrm/journeys/bus"
	"github.com/nowcrm/journeys/metrics"
)

// Scheduler polls the task store on a cron interval and republishes due
// tasks as transition requests. Instances coordinate through Claim only, so
// any number of them can run against the same store.
type Scheduler struct {
	store    Store
	pub      bus.Publisher
	logger   journeys.Logger
	interval time.Duration
	batch    int
	now      func() time.Time
	cron     *rcron.Cron
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the poll interval. Default one minute.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBatchSize caps the number of tasks fired per tick. Default 100.
func WithBatchSize(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l journeys.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSchedulerClock overrides the time source.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler builds a scheduler over a task store and a publisher.
func NewScheduler(store Store, pub bus.Publisher, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		pub:      pub,
		logger:   journeys.NewFmtLogger(nil),
		interval: time.Minute,
		batch:    100,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until ctx is cancelled. The first tick happens immediately so
// restarts pick up overdue tasks without waiting a full interval.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Tick(ctx)

	s.cron = rcron.New()
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		s.Tick(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule: register tick: %w", err)
	}
	s.cron.Start()

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	return ctx.Err()
}

// Tick fires one batch of due tasks. Exported so tests and manual triggers
// can drive the scheduler without the cron loop.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC()
	due, err := s.store.Due(ctx, now, s.batch)
	if err != nil {
		s.logger.Error("scheduler: listing due tasks failed: %v", err)
		return
	}

	for _, t := range due {
		if ctx.Err() != nil {
			return
		}
		claimed, err := s.store.Claim(ctx, t.ID)
		if err != nil {
			s.logger.Error("scheduler: claiming task %s failed: %v", t.ID, err)
			continue
		}
		if !claimed {
			continue
		}

		err = bus.PublishMessage(ctx, s.pub, bus.QueueTransitions, t.Request.IdempotencyKey, t.Request)
		if err != nil {
			s.logger.Error("scheduler: publishing task %s failed, releasing: %v", t.ID, err)
			if rerr := s.store.Release(ctx, t.ID); rerr != nil {
				s.logger.Error("scheduler: releasing task %s failed: %v", t.ID, rerr)
			}
			continue
		}
		if err := s.store.MarkFired(ctx, t.ID, now); err != nil {
			s.logger.Error("scheduler: marking task %s fired failed: %v", t.ID, err)
			continue
		}
		metrics.TasksFired.Inc()
		s.logger.Debug("scheduler: fired task %s for contact %s step %s",
			t.ID, t.Request.ContactID, t.Request.TargetStepID)
	}
}
