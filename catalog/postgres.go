package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nowcrm/journeys"
)

// Postgres stores journey definitions as jsonb documents.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps a pgx pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema creates the definitions table when missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS journey_definitions (
			id         TEXT PRIMARY KEY,
			active     BOOLEAN NOT NULL DEFAULT FALSE,
			definition JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("catalog: ensure schema: %w", err)
	}
	return nil
}

func (s *Postgres) Journey(ctx context.Context, id string) (*journeys.Journey, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT definition FROM journey_definitions WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, journeys.ErrUnknownJourney.Clone()
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: load journey %s: %w", id, err)
	}
	var j journeys.Journey
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("catalog: decode journey %s: %w", id, err)
	}
	return &j, nil
}

func (s *Postgres) Active(ctx context.Context) ([]journeys.Journey, error) {
	return s.query(ctx,
		`SELECT definition FROM journey_definitions WHERE active ORDER BY id`)
}

func (s *Postgres) List(ctx context.Context) ([]journeys.Journey, error) {
	return s.query(ctx,
		`SELECT definition FROM journey_definitions ORDER BY id`)
}

func (s *Postgres) query(ctx context.Context, sql string, args ...any) ([]journeys.Journey, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: list journeys: %w", err)
	}
	defer rows.Close()

	var out []journeys.Journey
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("catalog: scan journey: %w", err)
		}
		var j journeys.Journey
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, fmt.Errorf("catalog: decode journey: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Postgres) Save(ctx context.Context, j journeys.Journey) error {
	normalizeJourney(&j)
	if err := j.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("catalog: encode journey %s: %w", j.ID, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO journey_definitions (id, active, definition, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET active = EXCLUDED.active, definition = EXCLUDED.definition, updated_at = now()`,
		j.ID, j.Active, raw)
	if err != nil {
		return fmt.Errorf("catalog: save journey %s: %w", j.ID, err)
	}
	return nil
}

func (s *Postgres) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM journey_definitions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("catalog: delete journey %s: %w", id, err)
	}
	return nil
}
