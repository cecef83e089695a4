package state

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/goliatone/go-errors"

	"github.com/nowcrm/journeys"
	"github.com/nowcrm/journeys/bus"
	"github.com/nowcrm/journeys/catalog"
	"github.com/nowcrm/journeys/metrics"
)

// TaskWriter is the slice of the delayed task store the machine needs:
// scheduling a deferred step and cancelling tasks on removal.
type TaskWriter interface {
	// Create persists a task. Creating an id that already exists is a no-op
	// so redelivered transitions never schedule twice.
	Create(ctx context.Context, t *journeys.DelayedTask) error
	// CancelPending cancels every pending task of a (contact, journey) pair
	// and returns how many were cancelled.
	CancelPending(ctx context.Context, contactID, journeyID string) (int, error)
}

// Machine applies transition requests and job results against the state
// store under optimistic concurrency. Every mutation is idempotent: the
// same request applied twice changes nothing and dispatches nothing new.
type Machine struct {
	states  Store
	idem    IdempotencyStore
	tasks   TaskWriter
	catalog catalog.Store
	pub     bus.Publisher
	logger  journeys.Logger
	now     func() time.Time
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithMachineLogger sets the logger.
func WithMachineLogger(l journeys.Logger) MachineOption {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMachineClock overrides the time source.
func WithMachineClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMachine wires the state machine against its stores and the bus.
func NewMachine(states Store, idem IdempotencyStore, tasks TaskWriter, cat catalog.Store, pub bus.Publisher, opts ...MachineOption) *Machine {
	m := &Machine{
		states:  states,
		idem:    idem,
		tasks:   tasks,
		catalog: cat,
		pub:     pub,
		logger:  journeys.NewFmtLogger(nil),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply moves a contact onto the request's target step and dispatches the
// step's job, either immediately or through a delayed task.
//
// Allowed moves:
//   - no state yet and the target is the journey's entry step: enter
//   - target is directly connected from the current step: advance
//   - target is the currently occupied deferred step and the request was
//     fired by the scheduler: dispatch the job that waited out the delay
//
// Everything else returns a discardable error.
func (m *Machine) Apply(ctx context.Context, req journeys.TransitionRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	applied, err := m.idem.Applied(ctx, req.IdempotencyKey)
	if err != nil {
		return err
	}
	if applied {
		return journeys.ErrDuplicateTransition.Clone()
	}

	j, step, err := catalog.Step(ctx, m.catalog, req.JourneyID, req.TargetStepID)
	if err != nil {
		return err
	}

	st, err := m.states.Load(ctx, req.ContactID, req.JourneyID)
	if err != nil {
		return err
	}

	switch {
	case st == nil:
		if req.TargetStepID != j.EntryStepID {
			return invalidTransition("contact %s is not in journey %s", req.ContactID, req.JourneyID)
		}
		if !j.Active {
			return invalidTransition("journey %s is not accepting entries", req.JourneyID)
		}
		st = &journeys.ContactJourneyState{
			ContactID:      req.ContactID,
			JourneyID:      req.JourneyID,
			StepID:         req.TargetStepID,
			Status:         journeys.StatusActive,
			EnteredAt:      m.now().UTC(),
			LastTransition: req.IdempotencyKey,
		}
		if err := m.states.Create(ctx, st); err != nil {
			return err
		}
		m.logger.Info("contact %s entered journey %s at step %s",
			req.ContactID, req.JourneyID, req.TargetStepID)

	case st.Status.Terminal():
		return journeys.ErrStateTerminal.Clone()

	case st.StepID == req.TargetStepID:
		// Already on the target step. This is legitimate only for the
		// scheduler firing the step's delay, or for a redelivery of the
		// very transition that put the contact here.
		fired := journeys.IsTaskCause(req.Cause) && step.Delay.Deferred()
		resumed := st.LastTransition == req.IdempotencyKey
		if !fired && !resumed {
			return journeys.ErrDuplicateTransition.Clone()
		}

	default:
		current, ok := j.Step(st.StepID)
		if !ok || !current.HasNext(req.TargetStepID) {
			return invalidTransition("step %s is not reachable from %s", req.TargetStepID, st.StepID)
		}
		next := *st
		next.StepID = req.TargetStepID
		next.EnteredAt = m.now().UTC()
		next.LastTransition = req.IdempotencyKey
		if _, err := m.states.SaveIfVersion(ctx, &next, st.Version); err != nil {
			return err
		}
		st = &next
		m.logger.Info("contact %s advanced to step %s in journey %s",
			req.ContactID, req.TargetStepID, req.JourneyID)
	}

	if err := m.dispatch(ctx, step, req); err != nil {
		return err
	}
	if err := m.idem.MarkApplied(ctx, req.IdempotencyKey); err != nil {
		if journeys.ErrorCode(err) == journeys.ErrCodeDuplicateTransition {
			return nil
		}
		return err
	}
	return nil
}

// dispatch either schedules the step's delay or publishes its job.
func (m *Machine) dispatch(ctx context.Context, step journeys.JourneyStep, req journeys.TransitionRequest) error {
	entering := !journeys.IsTaskCause(req.Cause)
	if step.Delay.Deferred() && entering {
		// The task id doubles as the scheduling transition's idempotency
		// key, so a crash-and-redeliver recreates the same task instead of
		// a second one.
		now := m.now().UTC()
		task := &journeys.DelayedTask{
			ID:        req.IdempotencyKey,
			DueAt:     now.Add(step.Delay.Duration),
			Request:   journeys.NewTransitionRequest(req.ContactID, req.JourneyID, step.ID, journeys.TaskCause(req.IdempotencyKey)),
			Status:    journeys.TaskPending,
			CreatedAt: now,
		}
		if err := m.tasks.Create(ctx, task); err != nil {
			return err
		}
		m.logger.Debug("delayed task %s scheduled for %s at step %s",
			task.ID, task.DueAt.Format(time.RFC3339), step.ID)
		return nil
	}

	job := journeys.JobRequest{
		ContactID:      req.ContactID,
		JourneyID:      req.JourneyID,
		StepID:         step.ID,
		Spec:           step.Job,
		IdempotencyKey: journeys.JobKey(req.ContactID, req.JourneyID, step.ID),
		CreatedAt:      m.now().UTC(),
	}
	return bus.PublishMessage(ctx, m.pub, bus.QueueJobs, job.IdempotencyKey, job)
}

// HandleResult folds a job outcome back into the contact's state: failure
// marks the journey errored, success on a terminal step completes it, and
// success elsewhere requests the transition to the next step.
func (m *Machine) HandleResult(ctx context.Context, res journeys.JobResult) error {
	if err := res.Validate(); err != nil {
		return err
	}

	st, err := m.states.Load(ctx, res.ContactID, res.JourneyID)
	if err != nil {
		return err
	}
	if st == nil {
		return journeys.ErrStateNotFound.Clone()
	}
	if st.Status != journeys.StatusActive || st.StepID != res.StepID {
		return invalidTransition("job result for step %s is stale, contact is at %s/%s",
			res.StepID, st.StepID, st.Status)
	}

	if !res.Success {
		next := *st
		next.Status = journeys.StatusErrored
		if _, err := m.states.SaveIfVersion(ctx, &next, st.Version); err != nil {
			return err
		}
		m.logger.Error("journey %s errored for contact %s at step %s after %d attempts: %s",
			res.JourneyID, res.ContactID, res.StepID, res.Attempts, res.Error)
		return nil
	}

	_, step, err := catalog.Step(ctx, m.catalog, res.JourneyID, res.StepID)
	if err != nil {
		return err
	}
	if step.Terminal() {
		next := *st
		next.Status = journeys.StatusCompleted
		if _, err := m.states.SaveIfVersion(ctx, &next, st.Version); err != nil {
			return err
		}
		m.logger.Info("contact %s completed journey %s at step %s",
			res.ContactID, res.JourneyID, res.StepID)
		return nil
	}

	// Connections are ordered; the first one is the follow-up path.
	req := journeys.NewTransitionRequest(res.ContactID, res.JourneyID, step.Next[0],
		journeys.ResultCause(res.IdempotencyKey))
	return bus.PublishMessage(ctx, m.pub, bus.QueueTransitions, req.IdempotencyKey, req)
}

// RemoveFromJourney takes a contact out of a journey and cancels any pending
// delayed task. Removing a contact that is not active in the journey is a
// no-op.
func (m *Machine) RemoveFromJourney(ctx context.Context, contactID, journeyID string) error {
	return m.remove(ctx, contactID, journeyID, "")
}

// RemoveFromStep removes a contact only when it currently occupies the given
// step; otherwise a no-op.
func (m *Machine) RemoveFromStep(ctx context.Context, contactID, journeyID, stepID string) error {
	return m.remove(ctx, contactID, journeyID, stepID)
}

func (m *Machine) remove(ctx context.Context, contactID, journeyID, stepID string) error {
	st, err := m.states.Load(ctx, contactID, journeyID)
	if err != nil {
		return err
	}
	if st == nil || st.Status.Terminal() {
		return nil
	}
	if stepID != "" && st.StepID != stepID {
		return nil
	}

	next := *st
	next.Status = journeys.StatusRemoved
	if _, err := m.states.SaveIfVersion(ctx, &next, st.Version); err != nil {
		return err
	}
	cancelled, err := m.tasks.CancelPending(ctx, contactID, journeyID)
	if err != nil {
		return err
	}
	metrics.TasksCancelled.Add(float64(cancelled))
	m.logger.Info("contact %s removed from journey %s at step %s, %d pending tasks cancelled",
		contactID, journeyID, st.StepID, cancelled)
	return nil
}

// States exposes the underlying store for read paths.
func (m *Machine) States() Store { return m.states }

func invalidTransition(format string, args ...any) error {
	return apperrors.New(fmt.Sprintf(format, args...), apperrors.CategoryBadInput).
		WithTextCode(journeys.ErrCodeInvalidTransition)
}
