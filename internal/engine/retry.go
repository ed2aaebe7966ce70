package engine

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/draftsmith/draftsmith/pkg/schema"
)

// Operation is a single attemptable unit of work, typically one generation
// call. It must honor ctx cancellation.
type Operation func(ctx context.Context) (any, error)

// RetryObserver is notified of retry lifecycle events. Observers must not
// block; they run inline in the retry loop.
type RetryObserver func(schema.RetryEvent)

// Outcome is the structured result of a retried operation. Err carries the
// last error when Success is false.
type Outcome struct {
	Success  bool
	Result   any
	Err      error
	Attempts int
	Elapsed  time.Duration
}

// retryableFragments are substrings of error text that indicate transient
// transport failures worth retrying even when the error carries no code.
var retryableFragments = []string{
	"timeout",
	"timed out",
	"rate limit",
	"too many requests",
	"429",
	"econnrefused",
	"econnreset",
	"enotfound",
	"etimedout",
	"connection refused",
	"connection reset",
	"fetch failed",
	"temporarily unavailable",
	"service unavailable",
	"502",
	"503",
}

// IsRetryable classifies an error as transient or fatal. Unknown errors are
// fatal: retrying is opt-in, so only errors positively identified as
// transient get another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ee *schema.EngineError
	if errors.As(err, &ee) {
		return ee.IsRetryable()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// CalculateDelay computes the backoff before retry attempt n (1-based).
// An explicit Delays schedule wins, clamping to its last entry; otherwise
// the strategy derives the delay from BaseDelay, capped at MaxDelay.
func CalculateDelay(cfg schema.RetryConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var delay time.Duration
	switch {
	case len(cfg.Delays) > 0:
		idx := attempt - 1
		if idx >= len(cfg.Delays) {
			idx = len(cfg.Delays) - 1
		}
		delay = cfg.Delays[idx]
	case cfg.Strategy == schema.BackoffLinear:
		delay = cfg.BaseDelay * time.Duration(attempt)
	case cfg.Strategy == schema.BackoffExponential:
		// Saturate instead of overflowing: a wrapped negative value would
		// slip past the MaxDelay cap and collapse the backoff to zero.
		shift := uint(attempt - 1)
		delay = cfg.BaseDelay
		if delay > 0 && (shift >= 63 || delay > math.MaxInt64>>shift) {
			delay = math.MaxInt64
		} else {
			delay <<= shift
		}
	default:
		delay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Retry runs op up to MaxRetries+1 times, backing off between attempts.
// Fatal errors stop immediately. The outcome always reports the number of
// attempts actually made and the total elapsed time including backoff.
func Retry(ctx context.Context, cfg schema.RetryConfig, observer RetryObserver, op Operation) Outcome {
	start := time.Now()
	maxAttempts := cfg.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	notify := func(ev schema.RetryEvent) {
		if observer != nil {
			observer(ev)
		}
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		notify(schema.RetryEvent{Type: schema.EventRetryAttempt, Attempt: attempt})

		result, err := op(ctx)
		if err == nil {
			notify(schema.RetryEvent{Type: schema.EventRetrySuccess, Attempt: attempt})
			return Outcome{
				Success:  true,
				Result:   result,
				Attempts: attempt,
				Elapsed:  time.Since(start),
			}
		}
		lastErr = err

		if !IsRetryable(err) || attempt == maxAttempts {
			break
		}

		delay := CalculateDelay(cfg, attempt)
		notify(schema.RetryEvent{
			Type:    schema.EventRetryScheduled,
			Attempt: attempt,
			Delay:   delay,
			Err:     err,
		})
		if err := sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	notify(schema.RetryEvent{Type: schema.EventRetryExhausted, Err: lastErr})
	return Outcome{
		Success:  false,
		Err:      lastErr,
		Attempts: attempts,
		Elapsed:  time.Since(start),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
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
