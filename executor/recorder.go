package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nowcrm/journeys"
)

// ActivityEntry is one audit record of a job execution.
type ActivityEntry struct {
	ContactID  string               `json:"contact_id"`
	JourneyID  string               `json:"journey_id"`
	StepID     string               `json:"step_id"`
	Action     journeys.ActionType  `json:"action"`
	Success    bool                 `json:"success"`
	Attempts   int                  `json:"attempts"`
	Error      string               `json:"error,omitempty"`
	OccurredAt time.Time            `json:"occurred_at"`
}

// ActivityRecorder receives the audit trail of executed jobs.
type ActivityRecorder interface {
	Record(ctx context.Context, entry ActivityEntry) error
}

// NopRecorder discards entries.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, ActivityEntry) error { return nil }

// MemoryRecorder collects entries in order.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []ActivityEntry
}

// NewMemoryRecorder constructs an empty recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{}
}

func (r *MemoryRecorder) Record(_ context.Context, entry ActivityEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

// Entries returns a copy of the recorded audit trail.
func (r *MemoryRecorder) Entries() []ActivityEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ActivityEntry(nil), r.entries...)
}

// PostgresRecorder appends entries to the activity log table.
type PostgresRecorder struct {
	pool *pgxpool.Pool
}

// NewPostgresRecorder wraps a pgx pool.
func NewPostgresRecorder(pool *pgxpool.Pool) *PostgresRecorder {
	return &PostgresRecorder{pool: pool}
}

// EnsureSchema creates the activity log table when missing.
func (r *PostgresRecorder) EnsureSchema(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS journey_activity (
			id          BIGSERIAL PRIMARY KEY,
			contact_id  TEXT NOT NULL,
			journey_id  TEXT NOT NULL,
			step_id     TEXT NOT NULL,
			action      TEXT NOT NULL,
			success     BOOLEAN NOT NULL,
			attempts    INTEGER NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("executor: ensure activity schema: %w", err)
	}
	return nil
}

func (r *PostgresRecorder) Record(ctx context.Context, entry ActivityEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO journey_activity
			(contact_id, journey_id, step_id, action, success, attempts, error, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ContactID, entry.JourneyID, entry.StepID, entry.Action,
		entry.Success, entry.Attempts, entry.Error, entry.OccurredAt)
	if err != nil {
		return fmt.Errorf("executor: record activity: %w", err)
	}
	return nil
}
