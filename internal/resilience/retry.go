package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gax "github.com/googleapis/gax-go/v2"
)

// RetryConfig tunes [Retry]. Zero fields take the defaults noted below.
type RetryConfig struct {
	// MaxAttempts counts the first call. Default: 3.
	MaxAttempts int

	// Initial is the first backoff ceiling. Default: 1s.
	Initial time.Duration

	// Max caps the backoff ceiling. Default: 8s.
	Max time.Duration

	// Multiplier grows the ceiling after each retry. Default: 2.
	Multiplier float64

	// Retryable reports whether err is worth another attempt. Nil retries
	// every error.
	Retryable func(error) bool

	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)

	// Sleep waits for d or until ctx is done. Default: gax.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Initial <= 0 {
		c.Initial = time.Second
	}
	if c.Max <= 0 {
		c.Max = 8 * time.Second
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.Sleep == nil {
		c.Sleep = gax.Sleep
	}
	return c
}

// ExhaustedError is returned when every attempt failed with a retryable
// error. It wraps the last error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempt budget is spent, or ctx is done. Delays follow gax-go's jittered
// exponential backoff.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := RetryWithResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithResult is [Retry] for functions that return a value.
func RetryWithResult[R any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (R, error)) (R, error) {
	cfg = cfg.withDefaults()
	bo := gax.Backoff{Initial: cfg.Initial, Max: cfg.Max, Multiplier: cfg.Multiplier}

	var zero R
	for attempt := 1; ; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return zero, err
		}
		if attempt >= cfg.MaxAttempts {
			return zero, &ExhaustedError{Attempts: attempt, Err: err}
		}

		delay := bo.Pause()
		slog.Debug("retrying after transient failure", "attempt", attempt, "delay", delay, "error", err)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, err)
		}
		if serr := cfg.Sleep(ctx, delay); serr != nil {
			return zero, fmt.Errorf("%w (last error: %w)", serr, err)
		}
	}
}
