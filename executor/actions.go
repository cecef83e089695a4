// Package executor runs the side-effecting jobs bound to journey steps and
// reports their outcome back to the state machine.
package executor

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/goliatone/go-errors"

	"github.com/nowcrm/journeys"
	"github.com/nowcrm/journeys/entitystore"
)

// Action performs one side effect for a contact. Implementations must be
// idempotent per (contact, journey, step); the engine retries and may
// redeliver.
type Action interface {
	Execute(ctx context.Context, job journeys.JobRequest) error
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, job journeys.JobRequest) error

func (f ActionFunc) Execute(ctx context.Context, job journeys.JobRequest) error {
	return f(ctx, job)
}

// CompositionSender delivers a composition (email or message template) to a
// contact.
type CompositionSender interface {
	Send(ctx context.Context, contactID, compositionID string, params map[string]any) error
}

// Registry maps action types to implementations.
type Registry struct {
	actions map[journeys.ActionType]Action
}

// NewRegistry builds the standard action set over an entity store mutator
// and a composition sender. Either dependency may be nil; the affected
// actions then fail with a configuration error at execution time.
func NewRegistry(store entitystore.Mutator, sender CompositionSender) *Registry {
	r := &Registry{actions: make(map[journeys.ActionType]Action)}

	r.Register(journeys.ActionSendComposition, sendComposition(sender))
	r.Register(journeys.ActionConnectList, relation(store, "lists", "list", true))
	r.Register(journeys.ActionDisconnectList, relation(store, "lists", "list", false))
	r.Register(journeys.ActionConnectOrganization, relation(store, "organizations", "organization", true))
	r.Register(journeys.ActionDisconnectOrganization, relation(store, "organizations", "organization", false))
	r.Register(journeys.ActionAddTag, relation(store, "tags", "tag", true))
	r.Register(journeys.ActionRemoveTag, relation(store, "tags", "tag", false))
	r.Register(journeys.ActionTerminate, ActionFunc(func(context.Context, journeys.JobRequest) error {
		return nil
	}))
	return r
}

// Register adds or replaces an action implementation.
func (r *Registry) Register(t journeys.ActionType, a Action) {
	r.actions[t] = a
}

// Action resolves an action type.
func (r *Registry) Action(t journeys.ActionType) (Action, bool) {
	a, ok := r.actions[t]
	return a, ok
}

// relation builds connect/disconnect actions over one contact relation
// field. The param key names the target entity in the step's job params.
func relation(store entitystore.Mutator, field, paramKey string, connect bool) Action {
	return ActionFunc(func(ctx context.Context, job journeys.JobRequest) error {
		if store == nil {
			return configError("entity store is not configured")
		}
		target, err := stringParam(job.Spec.Params, paramKey)
		if err != nil {
			return err
		}
		if connect {
			return store.Connect(ctx, "contact", job.ContactID, field, target)
		}
		return store.Disconnect(ctx, "contact", job.ContactID, field, target)
	})
}

func sendComposition(sender CompositionSender) Action {
	return ActionFunc(func(ctx context.Context, job journeys.JobRequest) error {
		if sender == nil {
			return configError("composition sender is not configured")
		}
		composition, err := stringParam(job.Spec.Params, "composition")
		if err != nil {
			return err
		}
		return sender.Send(ctx, job.ContactID, composition, job.Spec.Params)
	})
}

func stringParam(params map[string]any, key string) (string, error) {
	raw, ok := params[key]
	if !ok {
		return "", apperrors.New(
			fmt.Sprintf("job params missing %q", key), apperrors.CategoryBadInput)
	}
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", apperrors.New(
			fmt.Sprintf("job param %q must be a non-empty string", key), apperrors.CategoryBadInput)
	}
	return s, nil
}

func configError(msg string) error {
	return apperrors.New(msg, apperrors.CategoryHandler)
}
