package runner

import (
	"context"
	"time"
)

// Logger is the minimal logging surface the runner needs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Option configures a Handler.
type Option func(*Handler)

// WithTimeout bounds each individual attempt.
func WithTimeout(t time.Duration) Option {
	return func(r *Handler) {
		r.timeout = t
	}
}

// WithMaxAttempts sets the total attempt ceiling, first try included.
func WithMaxAttempts(n int) Option {
	return func(r *Handler) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithRetryStrategy lets you define a custom retry/backoff approach.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(r *Handler) {
		if s != nil {
			r.strategy = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(r *Handler) {
		if l != nil {
			r.logger = l
		}
	}
}

// Handler retries a function up to a fixed attempt ceiling with a
// per-attempt timeout. Safe for concurrent use; it holds no per-run state.
type Handler struct {
	maxAttempts int
	timeout     time.Duration
	strategy    RetryStrategy
	logger      Logger
}

// NewHandler constructs a Handler, applying defaults if unset: three
// attempts, no timeout, no delay between retries.
func NewHandler(opts ...Option) *Handler {
	r := &Handler{
		maxAttempts: 3,
		strategy:    NoDelayStrategy{},
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	return r
}

// MaxAttempts reports the configured ceiling.
func (h *Handler) MaxAttempts() int { return h.maxAttempts }

// Run executes fn until it succeeds or the attempt ceiling is reached.
// It returns the number of attempts made and the last error, nil on
// success. Cancelling ctx stops retrying between attempts.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) (int, error) {
	var err error
	for attempt := 0; attempt < h.maxAttempts; attempt++ {
		if attempt > 0 {
			if werr := h.sleep(ctx, h.strategy.SleepDuration(attempt-1, err)); werr != nil {
				return attempt, err
			}
		}

		err = h.attempt(ctx, fn)
		if err == nil {
			return attempt + 1, nil
		}
		if h.logger != nil && attempt < h.maxAttempts-1 {
			h.logger.Error("attempt %d of %d failed: %v", attempt+1, h.maxAttempts, err)
		}
		if ctx.Err() != nil {
			return attempt + 1, err
		}
	}
	return h.maxAttempts, err
}

func (h *Handler) attempt(ctx context.Context, fn func(context.Context) error) error {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	return fn(ctx)
}

func (h *Handler) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
