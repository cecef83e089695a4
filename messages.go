package journeys

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Message is the contract bus payloads must implement.
type Message interface {
	Type() string
	Validate() error
}

// EventKind is an entity lifecycle event label as delivered by the entity
// store webhook.
type EventKind string

const (
	EventCreate    EventKind = "entry.create"
	EventUpdate    EventKind = "entry.update"
	EventDelete    EventKind = "entry.delete"
	EventPublish   EventKind = "entry.publish"
	EventUnpublish EventKind = "entry.unpublish"
)

// NormalizeEventKind maps a raw webhook label onto the closed set of kinds.
// Unknown labels normalize to "".
func NormalizeEventKind(raw string) EventKind {
	switch k := EventKind(raw); k {
	case EventCreate, EventUpdate, EventDelete, EventPublish, EventUnpublish:
		return k
	default:
		return ""
	}
}

// TriggerEvent is a normalized entity lifecycle notification. Immutable once
// published.
type TriggerEvent struct {
	IngestionID string         `json:"ingestion_id"`
	Kind        EventKind      `json:"kind"`
	Model       string         `json:"model"`
	UID         string         `json:"uid"`
	Entry       map[string]any `json:"entry,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

func (e TriggerEvent) Type() string { return "journeys.trigger_event" }

func (e TriggerEvent) Validate() error {
	if e.IngestionID == "" {
		return invalidMessage("trigger event missing ingestion id")
	}
	if NormalizeEventKind(string(e.Kind)) == "" {
		return invalidMessage("trigger event has unknown kind %q", e.Kind)
	}
	if e.Model == "" || e.UID == "" {
		return invalidMessage("trigger event missing model or uid")
	}
	return nil
}

// IngestionID derives the stable publish-boundary dedup id for a webhook.
// The timestamp is truncated to the second so re-sent webhooks hash alike.
func IngestionID(uid string, kind EventKind, at time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", uid, kind, at.UTC().Truncate(time.Second).Unix())))
	return hex.EncodeToString(sum[:])
}

// TransitionRequest asks the state machine to move a contact onto a step.
type TransitionRequest struct {
	ContactID    string `json:"contact_id"`
	JourneyID    string `json:"journey_id"`
	TargetStepID string `json:"target_step_id"`
	// Cause identifies the trigger ingestion id, delayed task id, or job
	// result that produced the request.
	Cause          string `json:"cause"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (r TransitionRequest) Type() string { return "journeys.transition_request" }

func (r TransitionRequest) Validate() error {
	if r.ContactID == "" || r.JourneyID == "" || r.TargetStepID == "" {
		return invalidMessage("transition request missing contact, journey, or target step")
	}
	if r.IdempotencyKey == "" {
		return invalidMessage("transition request missing idempotency key")
	}
	return nil
}

// NewTransitionRequest builds a request with its idempotency key derived
// from cause and target, so redelivery of the same cause is a no-op.
func NewTransitionRequest(contactID, journeyID, targetStepID, cause string) TransitionRequest {
	return TransitionRequest{
		ContactID:      contactID,
		JourneyID:      journeyID,
		TargetStepID:   targetStepID,
		Cause:          cause,
		IdempotencyKey: TransitionKey(contactID, journeyID, targetStepID, cause),
	}
}

// TransitionKey hashes (contact, journey, target, cause) into a fixed-length
// idempotency key.
func TransitionKey(contactID, journeyID, targetStepID, cause string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{contactID, journeyID, targetStepID, cause}, "::")))
	return hex.EncodeToString(sum[:])
}

// Cause prefixes record which producer built a transition request.
const (
	causeTriggerPrefix = "trigger:"
	causeTaskPrefix    = "task:"
	causeResultPrefix  = "result:"
)

// TriggerCause labels a transition produced by rule evaluation of a trigger
// event.
func TriggerCause(ingestionID string) string { return causeTriggerPrefix + ingestionID }

// TaskCause labels a transition produced by a fired delayed task.
func TaskCause(taskID string) string { return causeTaskPrefix + taskID }

// ResultCause labels a transition produced by a successful job result.
func ResultCause(jobKey string) string { return causeResultPrefix + jobKey }

// IsTaskCause reports whether a transition was fired by the scheduler.
func IsTaskCause(cause string) bool { return strings.HasPrefix(cause, causeTaskPrefix) }

// ActionType names the side-effecting action bound to a step.
type ActionType string

const (
	ActionSendComposition        ActionType = "send_composition"
	ActionConnectList            ActionType = "connect_list"
	ActionDisconnectList         ActionType = "disconnect_list"
	ActionConnectOrganization    ActionType = "connect_organization"
	ActionDisconnectOrganization ActionType = "disconnect_organization"
	ActionAddTag                 ActionType = "add_tag"
	ActionRemoveTag              ActionType = "remove_tag"
	// ActionTerminate is a no-op marker; the step only finishes the journey.
	ActionTerminate ActionType = "terminate"
)

// JobSpec binds a step to an action with its parameters.
type JobSpec struct {
	Action ActionType     `json:"action" yaml:"action"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// JobRequest asks the executor to run a step's bound action for a contact.
type JobRequest struct {
	ContactID      string    `json:"contact_id"`
	JourneyID      string    `json:"journey_id"`
	StepID         string    `json:"step_id"`
	Spec           JobSpec   `json:"spec"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

func (r JobRequest) Type() string { return "journeys.job_request" }

func (r JobRequest) Validate() error {
	if r.ContactID == "" || r.JourneyID == "" || r.StepID == "" {
		return invalidMessage("job request missing contact, journey, or step")
	}
	if r.Spec.Action == "" {
		return invalidMessage("job request missing action")
	}
	return nil
}

// JobKey is the job idempotency key convention, stable per
// (contact, journey, step) occupancy.
func JobKey(contactID, journeyID, stepID string) string {
	return fmt.Sprintf("job-contact:%s-journey:%s-step:%s", contactID, journeyID, stepID)
}

// JobResult reports the outcome of one job execution back to the state
// machine, which decides whether to advance, complete, or mark errored.
type JobResult struct {
	ContactID      string `json:"contact_id"`
	JourneyID      string `json:"journey_id"`
	StepID         string `json:"step_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Success        bool   `json:"success"`
	Attempts       int    `json:"attempts"`
	Error          string `json:"error,omitempty"`
}

func (r JobResult) Type() string { return "journeys.job_result" }

func (r JobResult) Validate() error {
	if r.ContactID == "" || r.JourneyID == "" || r.StepID == "" {
		return invalidMessage("job result missing contact, journey, or step")
	}
	return nil
}
