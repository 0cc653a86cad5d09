// Package retry supervises per-table processing with exponential
// backoff and jitter on classified transient database errors.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/sqlpull/sqlpull/internal/db"
	"github.com/sqlpull/sqlpull/internal/logging"
)

const (
	defaultMaxRetries = 5
	defaultBaseDelay  = 5 * time.Second
	defaultMaxDelay   = 300 * time.Second
)

// Orchestrator wraps a per-table operation in a bounded retry loop.
// Only deadlock and connection-timeout errors are retried; anything
// else propagates immediately.
type Orchestrator struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	// jitter returns a uniform value in [0,1); injectable for tests.
	jitter func() float64
}

// New returns an Orchestrator. Zero arguments select the defaults
// (5 retries, 5s base, 300s max).
func New(maxRetries int, baseDelay time.Duration) *Orchestrator {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	return &Orchestrator{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   defaultMaxDelay,
		jitter:     rand.Float64,
	}
}

// Retryable reports whether err is a classified transient error.
func Retryable(err error) bool {
	var de *db.DeadlockError
	var te *db.ConnectionTimeoutError
	return errors.As(err, &de) || errors.As(err, &te)
}

// Do runs fn up to maxRetries+1 times. The returned count is from the
// last attempt; exhausting retries returns the last classified error.
func (o *Orchestrator) Do(ctx context.Context, table string, fn func(context.Context) (int64, error)) (int64, error) {
	var lastErr error

	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		if attempt > 0 {
			delay := o.delayFor(attempt - 1)
			logging.Warn("Retry %d/%d for %s after %s (error: %v)",
				attempt, o.maxRetries, table, delay.Round(time.Millisecond), lastErr)
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(delay):
			}
		}

		n, err := fn(ctx)
		if err == nil {
			return n, nil
		}
		if !Retryable(err) {
			return n, err
		}
		lastErr = err
	}

	logging.Error("Retries exhausted for %s: %v", table, lastErr)
	return 0, lastErr
}

// delayFor computes the backoff for the given completed attempt:
// uniform(0.5, 1.5) * min(base * 2^attempt, maxDelay).
func (o *Orchestrator) delayFor(attempt int) time.Duration {
	backoff := o.baseDelay << uint(attempt)
	if backoff > o.maxDelay || backoff <= 0 {
		backoff = o.maxDelay
	}
	factor := 0.5 + o.jitter()
	return time.Duration(factor * float64(backoff))
}
