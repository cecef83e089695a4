package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nowcrm/journeys"
)

// Postgres is the durable Store. Optimistic concurrency is a conditional
// UPDATE on the version column; there is no row locking.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps a pgx pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema creates the state tables when missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS contact_journey_state (
			contact_id      TEXT NOT NULL,
			journey_id      TEXT NOT NULL,
			step_id         TEXT NOT NULL,
			status          TEXT NOT NULL,
			entered_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			version         INTEGER NOT NULL DEFAULT 0,
			last_transition TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (contact_id, journey_id)
		)`)
	if err != nil {
		return fmt.Errorf("state: ensure schema: %w", err)
	}
	return nil
}

func (s *Postgres) Load(ctx context.Context, contactID, journeyID string) (*journeys.ContactJourneyState, error) {
	var st journeys.ContactJourneyState
	err := s.pool.QueryRow(ctx, `
		SELECT contact_id, journey_id, step_id, status, entered_at, updated_at, version, last_transition
		FROM contact_journey_state
		WHERE contact_id = $1 AND journey_id = $2`, contactID, journeyID).
		Scan(&st.ContactID, &st.JourneyID, &st.StepID, &st.Status,
			&st.EnteredAt, &st.UpdatedAt, &st.Version, &st.LastTransition)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("state: load %s/%s: %w", contactID, journeyID, err)
	}
	return &st, nil
}

func (s *Postgres) Create(ctx context.Context, st *journeys.ContactJourneyState) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO contact_journey_state
			(contact_id, journey_id, step_id, status, entered_at, version, last_transition)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
		ON CONFLICT (contact_id, journey_id) DO NOTHING`,
		st.ContactID, st.JourneyID, st.StepID, st.Status, st.EnteredAt, st.LastTransition)
	if err != nil {
		return fmt.Errorf("state: create %s/%s: %w", st.ContactID, st.JourneyID, err)
	}
	if tag.RowsAffected() == 0 {
		return journeys.ErrStateExists.Clone()
	}
	st.Version = 0
	return nil
}

func (s *Postgres) SaveIfVersion(ctx context.Context, st *journeys.ContactJourneyState, expected int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE contact_journey_state
		SET step_id = $3, status = $4, entered_at = $5,
			updated_at = now(), version = version + 1, last_transition = $6
		WHERE contact_id = $1 AND journey_id = $2 AND version = $7`,
		st.ContactID, st.JourneyID, st.StepID, st.Status, st.EnteredAt,
		st.LastTransition, expected)
	if err != nil {
		return 0, fmt.Errorf("state: save %s/%s: %w", st.ContactID, st.JourneyID, err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := s.Load(ctx, st.ContactID, st.JourneyID)
		if err != nil {
			return 0, err
		}
		if existing == nil {
			return 0, journeys.ErrStateNotFound.Clone()
		}
		return 0, journeys.ErrVersionConflict.Clone()
	}
	st.Version = expected + 1
	return st.Version, nil
}

func (s *Postgres) ListByContact(ctx context.Context, contactID string) ([]journeys.ContactJourneyState, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT contact_id, journey_id, step_id, status, entered_at, updated_at, version, last_transition
		FROM contact_journey_state
		WHERE contact_id = $1
		ORDER BY journey_id`, contactID)
	if err != nil {
		return nil, fmt.Errorf("state: list by contact %s: %w", contactID, err)
	}
	defer rows.Close()

	var out []journeys.ContactJourneyState
	for rows.Next() {
		var st journeys.ContactJourneyState
		if err := rows.Scan(&st.ContactID, &st.JourneyID, &st.StepID, &st.Status,
			&st.EnteredAt, &st.UpdatedAt, &st.Version, &st.LastTransition); err != nil {
			return nil, fmt.Errorf("state: scan state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// PostgresIdempotency is the durable transition ledger.
type PostgresIdempotency struct {
	pool *pgxpool.Pool
}

// NewPostgresIdempotency wraps a pgx pool.
func NewPostgresIdempotency(pool *pgxpool.Pool) *PostgresIdempotency {
	return &PostgresIdempotency{pool: pool}
}

// EnsureSchema creates the ledger table when missing.
func (s *PostgresIdempotency) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS transition_idempotency (
			key        TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("state: ensure idempotency schema: %w", err)
	}
	return nil
}

func (s *PostgresIdempotency) Applied(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transition_idempotency WHERE key = $1)`, key).
		Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("state: check idempotency key: %w", err)
	}
	return exists, nil
}

func (s *PostgresIdempotency) MarkApplied(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO transition_idempotency (key) VALUES ($1)
		ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		return fmt.Errorf("state: mark idempotency key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return journeys.ErrDuplicateTransition.Clone()
	}
	return nil
}
