package failure

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
)

// Report is what a RecoveryStrategy sees about a recorded error.
type Report struct {
	Err      error
	Key      string
	Category Category
	// Retry re-runs the failed operation. Nil when the reporter attached
	// no operation.
	Retry func(ctx context.Context) error
}

// RecoveryStrategy attempts to recover from one category of error. A nil
// return means recovered.
type RecoveryStrategy interface {
	Recover(ctx context.Context, r Report) error
}

// RecoveryFunc adapts a function to RecoveryStrategy.
type RecoveryFunc func(ctx context.Context, r Report) error

// Recover calls f.
func (f RecoveryFunc) Recover(ctx context.Context, r Report) error { return f(ctx, r) }

// ErrNoRetryOperation is returned by RetryStrategy when the report carries
// nothing to re-run.
var ErrNoRetryOperation = errors.New("no retry operation attached")

// RetryStrategy re-runs the reported operation with exponential backoff.
// Fatal errors returned by the operation stop the retries immediately.
type RetryStrategy struct {
	MaxRetries uint64
	Base       time.Duration
	// Cap bounds a single backoff delay. Zero means no cap.
	Cap time.Duration
}

// NewRetryStrategy returns a RetryStrategy; zero arguments fall back to 3
// retries starting at 50ms.
func NewRetryStrategy(maxRetries uint64, base time.Duration) *RetryStrategy {
	if maxRetries == 0 {
		maxRetries = 3
	}
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	return &RetryStrategy{MaxRetries: maxRetries, Base: base, Cap: 2 * time.Second}
}

// Recover implements RecoveryStrategy.
func (s *RetryStrategy) Recover(ctx context.Context, r Report) error {
	if r.Retry == nil {
		return ErrNoRetryOperation
	}
	b := retry.NewExponential(s.Base)
	if s.Cap > 0 {
		b = retry.WithCappedDuration(s.Cap, b)
	}
	b = retry.WithMaxRetries(s.MaxRetries, b)

	attempts := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		if err := r.Retry(ctx); err != nil {
			if IsFatal(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		log.Diag().Str("key", r.Key).Int("attempts", attempts).Err(err).Msg("retry exhausted")
		return err
	}
	log.Diag().Str("key", r.Key).Int("attempts", attempts).Msg("retry recovered")
	return nil
}
