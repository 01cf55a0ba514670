package arbitration

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/article"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 2
	DefaultBackoff     = time.Second
)

// Policy bounds one arbitration: each attempt gets Timeout, at most MaxAttempts are made.
type Policy struct {
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

// Resolution is the outcome of arbitrating one borderline case.
type Resolution struct {
	Result   Result
	Held     bool
	Reason   string
	Attempts int
}

// Resolve runs the arbiter under the policy. Any failure leaves the case held for review.
func Resolve(ctx context.Context, logger zerolog.Logger, arbiter Arbiter, req Request, policy Policy) Resolution {
	if arbiter == nil {
		return Resolution{Held: true, Reason: ErrNoArbiter.Error()}
	}
	policy = policy.withDefaults()

	var lastErr error
	attempts := 0
	for attempts < policy.MaxAttempts {
		if attempts > 0 && policy.Backoff > 0 {
			select {
			case <-ctx.Done():
				return held(attempts, ctx.Err())
			case <-time.After(policy.Backoff * time.Duration(attempts)):
			}
		}
		attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		result, err := arbiter.Arbitrate(attemptCtx, req)
		cancel()
		if err == nil {
			return Resolution{Result: result, Attempts: attempts}
		}
		lastErr = err

		event := logger.Warn().
			Err(err).
			Str("arbiter", arbiter.Name()).
			Str("article_id", req.Target.ID).
			Str("candidate_id", req.Candidate.ID).
			Int("attempt", attempts)
		if !retryable(ctx, err) {
			event.Msg("arbitration failed; holding for review")
			return held(attempts, err)
		}
		event.Msg("arbitration attempt failed")
	}

	return held(attempts, lastErr)
}

func held(attempts int, err error) Resolution {
	reason := "arbitration failed"
	if err != nil {
		reason = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "arbitration timed out: " + reason
		}
	}
	return Resolution{Held: true, Reason: reason, Attempts: attempts}
}

func retryable(parent context.Context, err error) bool {
	if parent.Err() != nil {
		return false
	}
	if errors.Is(err, ErrNoArbiter) {
		return false
	}
	return !article.IsValidation(err)
}
