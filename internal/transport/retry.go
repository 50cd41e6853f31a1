package transport

import (
	"math"
	"time"
)

// RetryConfig parameterizes the backoff curve and the permanent-failure
// threshold. The curve is delay = min(Cap, Base * Multiplier^retryCount),
// which with the defaults puts attempt 3 past the two-minute mark.
type RetryConfig struct {
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
	MaxAttempts int
}

// DefaultRetryConfig matches the shipped tuning: 30s base, doubling, 12h cap,
// permanent failure after 100 attempts.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Base:        30 * time.Second,
		Multiplier:  2,
		Cap:         12 * time.Hour,
		MaxAttempts: 100,
	}
}

// Backoff returns the delay before the attempt after retryCount failures.
func (c RetryConfig) Backoff(retryCount int) time.Duration {
	d := time.Duration(float64(c.Base) * math.Pow(c.Multiplier, float64(retryCount)))
	if d > c.Cap || d < 0 { // overflow guards the cap too
		return c.Cap
	}
	return d
}

// OutcomeKind classifies one delivery attempt.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeTransientFailure
	OutcomePermanentFailure
)

// Outcome is the dispatcher's verdict on a send attempt, carrying the next
// retry state when the failure is transient.
type Outcome struct {
	Kind         OutcomeKind
	Token        *RetryToken // transient failures only
	NextActionAt time.Time   // transient failures only
}

// Resolve converts a transport result into the next task state. failedItems
// is nil on success. prior is the token from the previous attempt, nil on the
// first.
func (c RetryConfig) Resolve(prior *RetryToken, failedItems *RetryItems, now time.Time) Outcome {
	if failedItems == nil {
		return Outcome{Kind: OutcomeSuccess}
	}

	count := 1
	if prior != nil {
		count = prior.RetryCount + 1
	}
	if count > c.MaxAttempts {
		return Outcome{Kind: OutcomePermanentFailure}
	}

	return Outcome{
		Kind:         OutcomeTransientFailure,
		Token:        &RetryToken{RetryCount: count, RetryItems: *failedItems},
		NextActionAt: now.Add(c.Backoff(count)),
	}
}
