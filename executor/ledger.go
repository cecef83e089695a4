package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nowcrm/journeys"
)

// Ledger remembers finished jobs and their outcome. A redelivered job
// request republishes the recorded result instead of running the action
// again, which is what keeps non-idempotent side effects single-shot.
type Ledger interface {
	// Outcome returns the recorded result for a job key, nil when the job
	// has not finished.
	Outcome(ctx context.Context, key string) (*journeys.JobResult, error)
	// Record stores a finished job's result. Recording the same key twice
	// keeps the first result.
	Record(ctx context.Context, key string, res journeys.JobResult) error
}

// MemoryLedger is an in-memory Ledger.
type MemoryLedger struct {
	mu       sync.Mutex
	outcomes map[string]journeys.JobResult
}

// NewMemoryLedger constructs an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{outcomes: make(map[string]journeys.JobResult)}
}

func (l *MemoryLedger) Outcome(_ context.Context, key string) (*journeys.JobResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.outcomes[key]
	if !ok {
		return nil, nil
	}
	cp := res
	return &cp, nil
}

func (l *MemoryLedger) Record(_ context.Context, key string, res journeys.JobResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.outcomes[key]; ok {
		return nil
	}
	l.outcomes[key] = res
	return nil
}

// PostgresLedger is the durable Ledger.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger wraps a pgx pool.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// EnsureSchema creates the outcomes table when missing.
func (l *PostgresLedger) EnsureSchema(ctx context.Context) error {
	_, err := l.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS job_outcomes (
			key        TEXT PRIMARY KEY,
			result     JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("executor: ensure ledger schema: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Outcome(ctx context.Context, key string) (*journeys.JobResult, error) {
	var raw []byte
	err := l.pool.QueryRow(ctx,
		`SELECT result FROM job_outcomes WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("executor: load outcome %s: %w", key, err)
	}
	var res journeys.JobResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("executor: decode outcome %s: %w", key, err)
	}
	return &res, nil
}

func (l *PostgresLedger) Record(ctx context.Context, key string, res journeys.JobResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("executor: encode outcome %s: %w", key, err)
	}
	_, err = l.pool.Exec(ctx, `
		INSERT INTO job_outcomes (key, result) VALUES ($1, $2)
		ON CONFLICT (key) DO NOTHING`, key, raw)
	if err != nil {
		return fmt.Errorf("executor: record outcome %s: %w", key, err)
	}
	return nil
}
