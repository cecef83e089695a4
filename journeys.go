// Package journeys holds the domain contracts of the journey automation
// engine: journey and step definitions, per-contact journey state, and the
// messages exchanged between the engine's consumers.
package journeys

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a contact inside one journey.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusRemoved   Status = "removed"
	StatusErrored   Status = "errored"
)

// Terminal reports whether no further automatic transitions may occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRemoved || s == StatusErrored
}

// DelayKind selects a step's dispatch timing.
type DelayKind string

const (
	DelayNone  DelayKind = "none"
	DelayFixed DelayKind = "fixed"
)

// DelayPolicy defers the step's bound job relative to step entry.
type DelayPolicy struct {
	Kind     DelayKind     `json:"kind" yaml:"kind"`
	Duration time.Duration `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Deferred reports whether the job must wait for the scheduler.
func (p DelayPolicy) Deferred() bool {
	return p.Kind == DelayFixed && p.Duration > 0
}

// Rule is a step-entry predicate over an entity lifecycle event. A step with
// a nil rule is never entered from a trigger, only by advancing from a
// previous step.
type Rule struct {
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	Entity    string    `json:"entity" yaml:"entity"`
	Event     EventKind `json:"event" yaml:"event"`
	Attribute string    `json:"attribute,omitempty" yaml:"attribute,omitempty"`
	Equals    any       `json:"equals,omitempty" yaml:"equals,omitempty"`
	// FetchEntity forces a read of the current entity state instead of
	// trusting the webhook payload alone.
	FetchEntity bool `json:"fetch_entity,omitempty" yaml:"fetch_entity,omitempty"`
}

// JourneyStep is one node of a journey graph.
type JourneyStep struct {
	ID        string      `json:"id" yaml:"id"`
	JourneyID string      `json:"journey_id" yaml:"-"`
	Name      string      `json:"name" yaml:"name"`
	Entry     *Rule       `json:"entry,omitempty" yaml:"entry,omitempty"`
	Delay     DelayPolicy `json:"delay" yaml:"delay"`
	Job       JobSpec     `json:"job" yaml:"job"`
	// Next lists reachable step ids in priority order. Empty means the
	// journey completes for the contact after this step's job.
	Next []string `json:"next,omitempty" yaml:"next,omitempty"`
}

// Terminal reports whether the step has no outgoing connections.
func (s JourneyStep) Terminal() bool { return len(s.Next) == 0 }

// HasNext reports whether id is directly reachable from the step.
func (s JourneyStep) HasNext(id string) bool {
	for _, n := range s.Next {
		if n == id {
			return true
		}
	}
	return false
}

// Journey is a configured multi-step marketing workflow.
type Journey struct {
	ID    string        `json:"id" yaml:"id"`
	Name  string        `json:"name" yaml:"name"`
	Owner string        `json:"owner,omitempty" yaml:"owner,omitempty"`
	// Active gates new entries only. Deactivation does not retract
	// contacts already inside the journey.
	Active      bool          `json:"active" yaml:"active"`
	EntryStepID string        `json:"entry_step_id" yaml:"entry_step_id"`
	Steps       []JourneyStep `json:"steps" yaml:"steps"`
}

// Step returns the step with the given id, if present.
func (j Journey) Step(id string) (JourneyStep, bool) {
	for _, s := range j.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return JourneyStep{}, false
}

// Validate checks the structural invariants of a journey definition.
func (j Journey) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return ErrInvalidJourney.Clone()
	}
	if _, ok := j.Step(j.EntryStepID); !ok {
		return invalidJourney("entry step %q not part of journey %s", j.EntryStepID, j.ID)
	}
	for _, s := range j.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return invalidJourney("journey %s has a step without id", j.ID)
		}
		for _, next := range s.Next {
			if _, ok := j.Step(next); !ok {
				return invalidJourney("step %s references unknown next step %q", s.ID, next)
			}
		}
	}
	return nil
}

// ContactJourneyState is the persisted position of one contact in one
// journey. The (ContactID, JourneyID) pair is the composite key; at most one
// row exists per pair.
type ContactJourneyState struct {
	ContactID string    `json:"contact_id"`
	JourneyID string    `json:"journey_id"`
	StepID    string    `json:"step_id"`
	Status    Status    `json:"status"`
	EnteredAt time.Time `json:"entered_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Version is the optimistic-concurrency counter. Competing writers
	// compare-and-set against it; the loser's transition is discarded.
	Version int `json:"version"`
	// LastTransition is the idempotency key of the transition that produced
	// this row. It lets a redelivered request resume dispatch after a crash
	// between the state write and the idempotency mark.
	LastTransition string `json:"last_transition,omitempty"`
}

// TaskStatus is the lifecycle of a durable delayed task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskClaimed   TaskStatus = "claimed"
	TaskFired     TaskStatus = "fired"
	TaskCancelled TaskStatus = "cancelled"
)

// DelayedTask is a durable, time-deferred transition awaiting the scheduler.
// Tasks are store records rather than in-flight bus messages so multi-day
// delays hold no broker resources.
type DelayedTask struct {
	ID        string            `json:"id"`
	DueAt     time.Time         `json:"due_at"`
	Request   TransitionRequest `json:"request"`
	Status    TaskStatus        `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
	FiredAt   *time.Time        `json:"fired_at,omitempty"`
}
