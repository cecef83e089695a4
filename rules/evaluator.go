package rules

import (
	"context"

	"github.com/nowcrm/journeys"
	"github.com/nowcrm/journeys/bus"
	"github.com/nowcrm/journeys/catalog"
	"github.com/nowcrm/journeys/entitystore"
)

// StateReader is the slice of the state store the evaluator needs to decide
// whether a matched step is a valid entry point for a contact.
type StateReader interface {
	Load(ctx context.Context, contactID, journeyID string) (*journeys.ContactJourneyState, error)
}

// Evaluator consumes trigger events, matches them against the entry rules
// of every active journey, and publishes a transition request per match.
// Evaluation itself never mutates state, so the whole consumer is safe to
// scale horizontally.
type Evaluator struct {
	catalog  catalog.Store
	states   StateReader
	entities entitystore.Reader
	pub      bus.Publisher
	logger   journeys.Logger
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithEvaluatorLogger sets the logger.
func WithEvaluatorLogger(l journeys.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithEntityReader enables rules that require fetching current entity
// state instead of trusting the webhook payload.
func WithEntityReader(r entitystore.Reader) EvaluatorOption {
	return func(e *Evaluator) {
		e.entities = r
	}
}

// NewEvaluator builds an evaluator over the journey catalog and state
// reader.
func NewEvaluator(cat catalog.Store, states StateReader, pub bus.Publisher, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		catalog: cat,
		states:  states,
		pub:     pub,
		logger:  journeys.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register subscribes the evaluator to the trigger queue.
func (e *Evaluator) Register(b bus.Bus, workers int) error {
	return b.Subscribe(bus.QueueTriggers, workers, e.handleTrigger)
}

func (e *Evaluator) handleTrigger(ctx context.Context, d bus.Delivery) error {
	var event journeys.TriggerEvent
	if err := bus.Decode(d, &event); err != nil {
		e.logger.Warn("dropping malformed trigger event %s: %v", d.MessageID, err)
		return nil
	}

	contactID := ContactID(event)
	if contactID == "" {
		e.logger.Debug("trigger %s carries no contact, skipping", event.IngestionID)
		return nil
	}

	active, err := e.catalog.Active(ctx)
	if err != nil {
		return err
	}

	for _, j := range active {
		if err := e.evaluateJourney(ctx, j, event, contactID); err != nil {
			return err
		}
	}
	return nil
}

// evaluateJourney matches the event against one journey and publishes a
// transition request for each step whose rule matches and which the contact
// can legally enter.
func (e *Evaluator) evaluateJourney(ctx context.Context, j journeys.Journey, event journeys.TriggerEvent, contactID string) error {
	var (
		st       *journeys.ContactJourneyState
		stLoaded bool
	)

	for _, step := range j.Steps {
		if step.Entry == nil || !step.Entry.Enabled {
			continue
		}

		attrs, err := e.ruleAttributes(ctx, *step.Entry, event)
		if err != nil {
			return err
		}
		if !RuleMatches(*step.Entry, event, attrs) {
			continue
		}

		if !stLoaded {
			st, err = e.states.Load(ctx, contactID, j.ID)
			if err != nil {
				return err
			}
			stLoaded = true
		}
		if !entryAllowed(j, st, step.ID) {
			e.logger.Debug("step %s matched trigger %s but is not enterable for contact %s",
				step.ID, event.IngestionID, contactID)
			continue
		}

		req := journeys.NewTransitionRequest(contactID, j.ID, step.ID,
			journeys.TriggerCause(event.IngestionID))
		if err := bus.PublishMessage(ctx, e.pub, bus.QueueTransitions, req.IdempotencyKey, req); err != nil {
			return err
		}
		e.logger.Info("trigger %s matched journey %s step %s for contact %s",
			event.IngestionID, j.ID, step.ID, contactID)
	}
	return nil
}

// ruleAttributes picks what the rule is tested against: the current entity
// when the rule demands a fetch, otherwise the webhook entry payload.
func (e *Evaluator) ruleAttributes(ctx context.Context, rule journeys.Rule, event journeys.TriggerEvent) (map[string]any, error) {
	if !rule.FetchEntity || rule.Attribute == "" || e.entities == nil {
		return event.Entry, nil
	}
	attrs, err := e.entities.Entry(ctx, event.Model, event.UID)
	if err != nil {
		return nil, err
	}
	if attrs == nil {
		return event.Entry, nil
	}
	return attrs, nil
}

// entryAllowed reports whether a contact may enter a step from a trigger:
// the journey's entry step when the contact is outside the journey, or a
// step directly connected from the contact's current position.
func entryAllowed(j journeys.Journey, st *journeys.ContactJourneyState, stepID string) bool {
	if st == nil {
		return stepID == j.EntryStepID
	}
	if st.Status != journeys.StatusActive {
		return false
	}
	current, ok := j.Step(st.StepID)
	if !ok {
		return false
	}
	return current.HasNext(stepID)
}
