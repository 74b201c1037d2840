// Package retry runs idempotent operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Budget bounds one Execute call.
type Budget struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultBudget matches the softphone reconnect policy: three attempts, one second apart and doubling.
func DefaultBudget() Budget {
	return Budget{MaxAttempts: 3, BaseDelay: time.Second}
}

// Delay is the wait before attempt+1, i.e. base * 2^(attempt-1).
func (b Budget) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return b.BaseDelay << (attempt - 1)
}

// Operation is retried while it fails with a retryable error.
type Operation func(ctx context.Context) error

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// ExhaustedError is returned once every attempt of the budget has failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err came from a spent budget.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// Policy is shared by every caller that needs backoff; the predicate scopes what is retried.
type Policy struct {
	IsRetryable func(error) bool
	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, delay time.Duration, err error)

	sleep  Sleeper
	logger zerolog.Logger
}

type Option func(*Policy)

func WithSleeper(s Sleeper) Option { return func(p *Policy) { p.sleep = s } }

func WithLogger(l zerolog.Logger) Option { return func(p *Policy) { p.logger = l } }

// New builds a policy. A nil predicate retries nothing.
func New(isRetryable func(error) bool, opts ...Option) *Policy {
	p := &Policy{
		IsRetryable: isRetryable,
		sleep:       sleepCtx,
		logger:      log.With().Str("module", "app.retry").Logger(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Policy) retryable(err error) bool {
	if p.IsRetryable == nil {
		return false
	}
	return p.IsRetryable(err)
}

// Execute runs op until it succeeds, fails with a non-retryable error,
// or the budget runs out. Non-retryable errors are returned as is.
func (p *Policy) Execute(ctx context.Context, name string, b Budget, op Operation) error {
	if b.MaxAttempts < 1 {
		b.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				p.logger.Info().Str("op", name).Int("attempt", attempt).Msg("succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !p.retryable(err) {
			p.logger.Debug().Err(err).Str("op", name).Int("attempt", attempt).Msg("not retryable")
			return err
		}
		if attempt == b.MaxAttempts {
			break
		}

		delay := b.Delay(attempt)
		p.logger.Warn().Err(err).Str("op", name).Int("attempt", attempt).Dur("delay", delay).Msg("retrying")
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}
	p.logger.Error().Err(lastErr).Str("op", name).Int("attempts", b.MaxAttempts).Msg("retry budget spent")
	return &ExhaustedError{Attempts: b.MaxAttempts, Err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
