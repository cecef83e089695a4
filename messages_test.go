package journeys

import (
	"errors"
	"testing"
	"time"
)

func TestIngestionIDStableWithinSecond(t *testing.T) {
	at := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	a := IngestionID("c-1", EventUpdate, at)
	b := IngestionID("c-1", EventUpdate, at.Add(400*time.Millisecond))
	if a != b {
		t.Error("re-sent webhooks within the same second must hash alike")
	}

	if IngestionID("c-1", EventUpdate, at.Add(time.Second)) == a {
		t.Error("different seconds must produce different ids")
	}
	if IngestionID("c-2", EventUpdate, at) == a {
		t.Error("different uids must produce different ids")
	}
	if IngestionID("c-1", EventCreate, at) == a {
		t.Error("different kinds must produce different ids")
	}
}

func TestTransitionKeyDeterministic(t *testing.T) {
	a := TransitionKey("c-1", "j-1", "s-1", "trigger:x")
	b := TransitionKey("c-1", "j-1", "s-1", "trigger:x")
	if a != b {
		t.Error("same inputs must produce the same key")
	}
	if TransitionKey("c-1", "j-1", "s-1", "trigger:y") == a {
		t.Error("different causes must produce different keys")
	}

	req := NewTransitionRequest("c-1", "j-1", "s-1", "trigger:x")
	if req.IdempotencyKey != a {
		t.Error("NewTransitionRequest must derive the canonical key")
	}
}

func TestNormalizeEventKind(t *testing.T) {
	if NormalizeEventKind("entry.update") != EventUpdate {
		t.Error("known kind must normalize to itself")
	}
	if NormalizeEventKind("entry.archived") != "" {
		t.Error("unknown kind must normalize to empty")
	}
}

func TestCauseHelpers(t *testing.T) {
	if !IsTaskCause(TaskCause("t-1")) {
		t.Error("task cause must be recognizable")
	}
	if IsTaskCause(TriggerCause("ing-1")) || IsTaskCause(ResultCause("job-1")) {
		t.Error("non-task causes must not look like task causes")
	}
}

func TestMessageValidation(t *testing.T) {
	valid := TriggerEvent{
		IngestionID: "x", Kind: EventCreate, Model: "contact", UID: "c-1",
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid event rejected: %v", err)
	}

	cases := []struct {
		name string
		msg  Message
	}{
		{"event without ingestion id", TriggerEvent{Kind: EventCreate, Model: "contact", UID: "c"}},
		{"event with unknown kind", TriggerEvent{IngestionID: "x", Kind: "entry.archived", Model: "contact", UID: "c"}},
		{"transition without key", TransitionRequest{ContactID: "c", JourneyID: "j", TargetStepID: "s"}},
		{"transition without target", TransitionRequest{ContactID: "c", JourneyID: "j", IdempotencyKey: "k"}},
		{"job without action", JobRequest{ContactID: "c", JourneyID: "j", StepID: "s"}},
		{"result without step", JobResult{ContactID: "c", JourneyID: "j"}},
	}
	for _, tc := range cases {
		err := tc.msg.Validate()
		if err == nil {
			t.Errorf("%s: expected validation error", tc.name)
			continue
		}
		if !Discardable(err) {
			t.Errorf("%s: validation errors must be discardable", tc.name)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusActive.Terminal() {
		t.Error("active is not terminal")
	}
	for _, s := range []Status{StatusCompleted, StatusRemoved, StatusErrored} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
}

func TestDelayPolicyDeferred(t *testing.T) {
	if (DelayPolicy{Kind: DelayNone}).Deferred() {
		t.Error("none must not defer")
	}
	if (DelayPolicy{Kind: DelayFixed}).Deferred() {
		t.Error("fixed without duration must not defer")
	}
	if !(DelayPolicy{Kind: DelayFixed, Duration: time.Minute}).Deferred() {
		t.Error("fixed with duration must defer")
	}
}

func TestDiscardableClassification(t *testing.T) {
	for _, err := range []error{
		ErrUnknownJourney, ErrUnknownStep, ErrInvalidTransition,
		ErrVersionConflict, ErrDuplicateTransition, ErrStateExists,
		ErrStateNotFound, ErrStateTerminal, ErrUnknownAction,
	} {
		if !Discardable(err) {
			t.Errorf("%v must be discardable", err)
		}
	}
	if Discardable(errors.New("connection refused")) {
		t.Error("transient errors must not be discardable")
	}
	if Discardable(nil) {
		t.Error("nil is not discardable")
	}
}
