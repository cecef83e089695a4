// Package rules evaluates trigger events against journey entry rules and
// emits transition requests for every match.
package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nowcrm/journeys"
)

// RuleMatches reports whether a rule applies to an event given the entity
// attributes to test against. The attributes are either the webhook entry
// payload or a freshly fetched entity, depending on the rule.
func RuleMatches(rule journeys.Rule, event journeys.TriggerEvent, attrs map[string]any) bool {
	if !rule.Enabled {
		return false
	}
	if !strings.EqualFold(rule.Entity, event.Model) {
		return false
	}
	if rule.Event != event.Kind {
		return false
	}
	if rule.Attribute == "" {
		return true
	}
	got, ok := attrs[rule.Attribute]
	if !ok {
		return false
	}
	return valueMatches(got, rule.Equals)
}

// valueMatches compares an entity attribute against a rule constant across
// the type drift JSON round-trips introduce. The rule constant picks the
// comparison mode: a boolean expectation coerces the attribute to bool, a
// numeric expectation coerces it to a number, everything else compares
// textually.
func valueMatches(got, want any) bool {
	if wb, ok := expectedBool(want); ok {
		gb, ok := asBool(got)
		return ok && gb == wb
	}
	if wn, ok := asNumber(want); ok {
		gn, ok := asNumber(got)
		return ok && gn == wn
	}
	return fmt.Sprintf("%v", got) == fmt.Sprintf("%v", want)
}

// expectedBool recognizes a boolean expectation: a real bool or the literal
// strings "true"/"false". Numeric strings like "1" stay in the number branch.
func expectedBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1":
			return true, true
		case "false", "0":
			return false, true
		}
	}
	return false, false
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err == nil {
			return n, true
		}
	}
	return 0, false
}

// ContactID extracts the contact a trigger event is about: the entity
// itself when the event is for the contact model, otherwise the entry's
// contact relation.
func ContactID(event journeys.TriggerEvent) string {
	if strings.EqualFold(event.Model, "contact") {
		return event.UID
	}
	if raw, ok := event.Entry["contact"]; ok {
		if s, ok := raw.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
