package rules

import (
	"testing"
	"time"

	"github.com/nowcrm/journeys"
)

func contactEvent(attrs map[string]any) journeys.TriggerEvent {
	return journeys.TriggerEvent{
		IngestionID: "ing-1",
		Kind:        journeys.EventUpdate,
		Model:       "contact",
		UID:         "c-1",
		Entry:       attrs,
		OccurredAt:  time.Now(),
	}
}

func TestRuleMatchesAttributeCoercion(t *testing.T) {
	rule := journeys.Rule{
		Enabled:   true,
		Entity:    "contact",
		Event:     journeys.EventUpdate,
		Attribute: "newsletter",
		Equals:    true,
	}

	cases := []struct {
		name  string
		value any
		want  bool
	}{
		{"bool true", true, true},
		{"string true", "true", true},
		{"string one", "1", true},
		{"bool false", false, false},
		{"string false", "false", false},
		{"unrelated string", "yes", false},
	}
	for _, tc := range cases {
		event := contactEvent(map[string]any{"newsletter": tc.value})
		if got := RuleMatches(rule, event, event.Entry); got != tc.want {
			t.Errorf("%s: expected match=%v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestRuleMatchesNumberCoercion(t *testing.T) {
	rule := journeys.Rule{
		Enabled:   true,
		Entity:    "contact",
		Event:     journeys.EventUpdate,
		Attribute: "score",
		Equals:    float64(42),
	}

	for _, value := range []any{float64(42), 42, "42", " 42 "} {
		event := contactEvent(map[string]any{"score": value})
		if !RuleMatches(rule, event, event.Entry) {
			t.Errorf("expected %v (%T) to match 42", value, value)
		}
	}

	event := contactEvent(map[string]any{"score": "41"})
	if RuleMatches(rule, event, event.Entry) {
		t.Error("expected 41 not to match 42")
	}
}

func TestRuleMatchesBranchesOnExpectedType(t *testing.T) {
	cases := []struct {
		name   string
		equals any
		value  any
		want   bool
	}{
		{"number id vs string attribute", 1, "1", true},
		{"number id vs number attribute", 1, float64(1), true},
		{"number id vs other id", 1, "2", false},
		{"string constant vs number attribute", "1", 1, true},
		{"bool word vs bool attribute", "true", true, true},
		{"bool word vs numeric string", "true", "1", true},
		{"numeric string stays numeric", "0", float64(0), true},
	}
	for _, tc := range cases {
		rule := journeys.Rule{
			Enabled:   true,
			Entity:    "contact",
			Event:     journeys.EventUpdate,
			Attribute: "plan",
			Equals:    tc.equals,
		}
		event := contactEvent(map[string]any{"plan": tc.value})
		if got := RuleMatches(rule, event, event.Entry); got != tc.want {
			t.Errorf("%s: expected match=%v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestRuleMatchesStringComparison(t *testing.T) {
	rule := journeys.Rule{
		Enabled:   true,
		Entity:    "contact",
		Event:     journeys.EventUpdate,
		Attribute: "country",
		Equals:    "Switzerland",
	}

	event := contactEvent(map[string]any{"country": "Switzerland"})
	if !RuleMatches(rule, event, event.Entry) {
		t.Error("expected matching country to match")
	}

	event = contactEvent(map[string]any{"country": "Germany"})
	if RuleMatches(rule, event, event.Entry) {
		t.Error("expected non-matching country not to match")
	}
}

func TestRuleMatchesGating(t *testing.T) {
	event := contactEvent(map[string]any{"country": "Switzerland"})

	disabled := journeys.Rule{Entity: "contact", Event: journeys.EventUpdate}
	if RuleMatches(disabled, event, event.Entry) {
		t.Error("disabled rule must never match")
	}

	wrongEntity := journeys.Rule{Enabled: true, Entity: "order", Event: journeys.EventUpdate}
	if RuleMatches(wrongEntity, event, event.Entry) {
		t.Error("rule for another entity must not match")
	}

	wrongEvent := journeys.Rule{Enabled: true, Entity: "contact", Event: journeys.EventDelete}
	if RuleMatches(wrongEvent, event, event.Entry) {
		t.Error("rule for another event kind must not match")
	}

	missingAttr := journeys.Rule{
		Enabled: true, Entity: "contact", Event: journeys.EventUpdate,
		Attribute: "missing", Equals: "x",
	}
	if RuleMatches(missingAttr, event, event.Entry) {
		t.Error("rule on an absent attribute must not match")
	}

	noAttr := journeys.Rule{Enabled: true, Entity: "contact", Event: journeys.EventUpdate}
	if !RuleMatches(noAttr, event, event.Entry) {
		t.Error("rule without attribute must match on entity and event alone")
	}
}

func TestContactIDExtraction(t *testing.T) {
	event := contactEvent(nil)
	if got := ContactID(event); got != "c-1" {
		t.Errorf("contact model: expected uid, got %q", got)
	}

	order := journeys.TriggerEvent{
		Kind:  journeys.EventCreate,
		Model: "order",
		UID:   "o-1",
		Entry: map[string]any{"contact": "c-9"},
	}
	if got := ContactID(order); got != "c-9" {
		t.Errorf("related model: expected entry contact, got %q", got)
	}

	orphan := journeys.TriggerEvent{Kind: journeys.EventCreate, Model: "order", UID: "o-2"}
	if got := ContactID(orphan); got != "" {
		t.Errorf("expected empty contact for orphan event, got %q", got)
	}
}
