// Package entitystore talks to the CRM entity store: reading current entity
// state for rule evaluation and mutating contact relations for job actions.
package entitystore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	apperrors "github.com/goliatone/go-errors"
)

// Reader fetches the current state of an entity.
type Reader interface {
	// Entry returns the entity attributes, or nil when the entity does not
	// exist.
	Entry(ctx context.Context, model, uid string) (map[string]any, error)
}

// Mutator updates relations between entities: list and organization
// membership, tags.
type Mutator interface {
	Connect(ctx context.Context, model, uid, field, target string) error
	Disconnect(ctx context.Context, model, uid, field, target string) error
}

// Client bundles both directions.
type Client interface {
	Reader
	Mutator
}

// Memory is an in-memory Client for development mode and tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]map[string]any
	links   map[string][]string
}

// NewMemory constructs an empty store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]map[string]any),
		links:   make(map[string][]string),
	}
}

func entryKey(model, uid string) string { return model + "/" + uid }

func linkKey(model, uid, field string) string { return model + "/" + uid + "/" + field }

// Put stores an entity's attributes.
func (m *Memory) Put(model, uid string, attrs map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]any, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	m.entries[entryKey(model, uid)] = cp
}

func (m *Memory) Entry(_ context.Context, model, uid string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attrs, ok := m.entries[entryKey(model, uid)]
	if !ok {
		return nil, nil
	}
	cp := make(map[string]any, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	return cp, nil
}

func (m *Memory) Connect(_ context.Context, model, uid, field, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := linkKey(model, uid, field)
	for _, t := range m.links[key] {
		if t == target {
			return nil
		}
	}
	m.links[key] = append(m.links[key], target)
	return nil
}

func (m *Memory) Disconnect(_ context.Context, model, uid, field, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := linkKey(model, uid, field)
	out := m.links[key][:0]
	for _, t := range m.links[key] {
		if t != target {
			out = append(out, t)
		}
	}
	m.links[key] = out
	return nil
}

// Linked returns the targets connected on a relation field.
func (m *Memory) Linked(model, uid, field string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.links[linkKey(model, uid, field)]...)
}

func badRequest(format string, args ...any) error {
	return apperrors.New(fmt.Sprintf(format, args...), apperrors.CategoryBadInput)
}

func requireParts(model, uid string) error {
	if strings.TrimSpace(model) == "" || strings.TrimSpace(uid) == "" {
		return badRequest("entitystore: model and uid are required")
	}
	return nil
}
