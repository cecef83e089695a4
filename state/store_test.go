package state

import (
	"context"
	"testing"

	"github.com/nowcrm/journeys"
)

func TestStoreCreateRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()

	st := &journeys.ContactJourneyState{
		ContactID: "c-1", JourneyID: "j-1", StepID: "s-1",
		Status: journeys.StatusActive,
	}
	if err := s.Create(ctx, st); err != nil {
		t.Fatalf("create: %v", err)
	}
	if st.Version != 0 {
		t.Errorf("expected version 0 on create, got %d", st.Version)
	}

	err := s.Create(ctx, &journeys.ContactJourneyState{
		ContactID: "c-1", JourneyID: "j-1", StepID: "s-2",
		Status: journeys.StatusActive,
	})
	if journeys.ErrorCode(err) != journeys.ErrCodeStateExists {
		t.Fatalf("expected state-exists error, got %v", err)
	}
}

func TestStoreSaveIfVersionCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()

	st := &journeys.ContactJourneyState{
		ContactID: "c-1", JourneyID: "j-1", StepID: "s-1",
		Status: journeys.StatusActive,
	}
	if err := s.Create(ctx, st); err != nil {
		t.Fatalf("create: %v", err)
	}

	next := *st
	next.StepID = "s-2"
	v, err := s.SaveIfVersion(ctx, &next, 0)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if v != 1 {
		t.Errorf("expected version 1, got %d", v)
	}

	// A writer holding the stale version loses.
	stale := *st
	stale.StepID = "s-3"
	_, err = s.SaveIfVersion(ctx, &stale, 0)
	if journeys.ErrorCode(err) != journeys.ErrCodeVersionConflict {
		t.Fatalf("expected version conflict, got %v", err)
	}

	loaded, err := s.Load(ctx, "c-1", "j-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.StepID != "s-2" || loaded.Version != 1 {
		t.Errorf("conflict must not clobber the row, got %+v", loaded)
	}
}

func TestStoreSaveIfVersionUnknownRow(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()

	st := &journeys.ContactJourneyState{ContactID: "c-1", JourneyID: "j-1", StepID: "s-1"}
	_, err := s.SaveIfVersion(ctx, st, 0)
	if journeys.ErrorCode(err) != journeys.ErrCodeStateNotFound {
		t.Fatalf("expected state-not-found, got %v", err)
	}
}

func TestStoreListByContact(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()

	for _, jid := range []string{"j-1", "j-2"} {
		err := s.Create(ctx, &journeys.ContactJourneyState{
			ContactID: "c-1", JourneyID: jid, StepID: "s-1",
			Status: journeys.StatusActive,
		})
		if err != nil {
			t.Fatalf("create %s: %v", jid, err)
		}
	}
	if err := s.Create(ctx, &journeys.ContactJourneyState{
		ContactID: "c-2", JourneyID: "j-1", StepID: "s-1",
		Status: journeys.StatusActive,
	}); err != nil {
		t.Fatalf("create other contact: %v", err)
	}

	list, err := s.ListByContact(ctx, "c-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 states for c-1, got %d", len(list))
	}
}

func TestMemoryIdempotencyMarksOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryIdempotency()

	applied, err := s.Applied(ctx, "k-1")
	if err != nil || applied {
		t.Fatalf("expected unknown key, got applied=%v err=%v", applied, err)
	}
	if err := s.MarkApplied(ctx, "k-1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := s.MarkApplied(ctx, "k-1"); journeys.ErrorCode(err) != journeys.ErrCodeDuplicateTransition {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	applied, err = s.Applied(ctx, "k-1")
	if err != nil || !applied {
		t.Fatalf("expected key applied, got applied=%v err=%v", applied, err)
	}
}
