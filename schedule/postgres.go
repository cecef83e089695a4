package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nowcrm/journeys"
)

// Postgres is the durable task store. Claiming is a conditional UPDATE on
// status, which is what lets multiple scheduler instances share one table.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps a pgx pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema creates the task table when missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS delayed_tasks (
			id         TEXT PRIMARY KEY,
			contact_id TEXT NOT NULL,
			journey_id TEXT NOT NULL,
			due_at     TIMESTAMPTZ NOT NULL,
			request    JSONB NOT NULL,
			status     TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			fired_at   TIMESTAMPTZ
		)`)
	if err != nil {
		return fmt.Errorf("schedule: ensure schema: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS delayed_tasks_due
			ON delayed_tasks (due_at) WHERE status = 'pending'`)
	if err != nil {
		return fmt.Errorf("schedule: ensure due index: %w", err)
	}
	return nil
}

func (s *Postgres) Create(ctx context.Context, t *journeys.DelayedTask) error {
	raw, err := json.Marshal(t.Request)
	if err != nil {
		return fmt.Errorf("schedule: encode task %s: %w", t.ID, err)
	}
	status := t.Status
	if status == "" {
		status = journeys.TaskPending
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO delayed_tasks (id, contact_id, journey_id, due_at, request, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		t.ID, t.Request.ContactID, t.Request.JourneyID, t.DueAt, raw, status, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("schedule: create task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Postgres) Task(ctx context.Context, id string) (*journeys.DelayedTask, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, due_at, request, status, created_at, fired_at
		FROM delayed_tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("schedule: load task %s: %w", id, err)
	}
	return t, nil
}

func (s *Postgres) Due(ctx context.Context, now time.Time, limit int) ([]journeys.DelayedTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, due_at, request, status, created_at, fired_at
		FROM delayed_tasks
		WHERE status = 'pending' AND due_at <= $1
		ORDER BY due_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("schedule: list due tasks: %w", err)
	}
	defer rows.Close()

	var out []journeys.DelayedTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("schedule: scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Postgres) Claim(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE delayed_tasks SET status = 'claimed'
		WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("schedule: claim task %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Postgres) MarkFired(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE delayed_tasks SET status = 'fired', fired_at = $2
		WHERE id = $1 AND status = 'claimed'`, id, at)
	if err != nil {
		return fmt.Errorf("schedule: mark task %s fired: %w", id, err)
	}
	return nil
}

func (s *Postgres) Release(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE delayed_tasks SET status = 'pending'
		WHERE id = $1 AND status = 'claimed'`, id)
	if err != nil {
		return fmt.Errorf("schedule: release task %s: %w", id, err)
	}
	return nil
}

func (s *Postgres) Cancel(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE delayed_tasks SET status = 'cancelled'
		WHERE id = $1 AND status <> 'fired'`, id)
	if err != nil {
		return fmt.Errorf("schedule: cancel task %s: %w", id, err)
	}
	return nil
}

func (s *Postgres) CancelPending(ctx context.Context, contactID, journeyID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE delayed_tasks SET status = 'cancelled'
		WHERE contact_id = $1 AND journey_id = $2 AND status = 'pending'`,
		contactID, journeyID)
	if err != nil {
		return 0, fmt.Errorf("schedule: cancel pending tasks for %s/%s: %w", contactID, journeyID, err)
	}
	return int(tag.RowsAffected()), nil
}

func scanTask(row pgx.Row) (*journeys.DelayedTask, error) {
	var (
		t   journeys.DelayedTask
		raw []byte
	)
	if err := row.Scan(&t.ID, &t.DueAt, &raw, &t.Status, &t.CreatedAt, &t.FiredAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &t.Request); err != nil {
		return nil, err
	}
	return &t, nil
}
