// Package retry decides what happens to a leased message after a send
// attempt: success, dead-letter, policy skip, or a backed-off retry.
package retry

import (
	"math/rand"
	"time"

	"github.com/heraldhq/herald/internal/notify"
)

const (
	// The retry ladder grows 5x per attempt: 60s, 300s, 1500s, then capped.
	backoffGrowthFactor = 5

	DefaultBaseBackoff    = 60 * time.Second
	DefaultMaxBackoff     = 2700 * time.Second
	DefaultJitterFraction = 0.15
)

// Policy computes attempt outcomes. The zero value is unusable; construct
// with NewPolicy.
type Policy struct {
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	jitterFraction float64
	// jitterSource returns a uniform float64 in [0, 1).
	jitterSource func() float64
}

// Option customizes a Policy.
type Option func(*Policy)

// WithBaseBackoff overrides the first-retry delay.
func WithBaseBackoff(base time.Duration) Option {
	return func(p *Policy) {
		if base > 0 {
			p.baseBackoff = base
		}
	}
}

// WithMaxBackoff overrides the backoff cap.
func WithMaxBackoff(capDuration time.Duration) Option {
	return func(p *Policy) {
		if capDuration > 0 {
			p.maxBackoff = capDuration
		}
	}
}

// WithJitterSource injects the jitter RNG. Tests pass a constant source.
func WithJitterSource(source func() float64) Option {
	return func(p *Policy) {
		if source != nil {
			p.jitterSource = source
		}
	}
}

func NewPolicy(opts ...Option) *Policy {
	policy := &Policy{
		baseBackoff:    DefaultBaseBackoff,
		maxBackoff:     DefaultMaxBackoff,
		jitterFraction: DefaultJitterFraction,
		jitterSource:   rand.Float64,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(policy)
		}
	}
	return policy
}

// Outcome is the result of one send attempt as observed by the worker.
type Outcome struct {
	// Err is nil on success. A *notify.SendError carries the provider's
	// classification; any other error is treated as transient.
	Err               error
	ProviderMessageID string
}

// Decision is the transition the store should apply for an outcome.
type Decision struct {
	To                notify.MessageStatus
	NextAttemptAt     time.Time
	ErrorCode         notify.ErrorCode
	ProviderMessageID string
}

// Decide maps (message, outcome) onto its next state. Pure: it reads the
// message and the clock value it is given, and touches nothing else. The
// caller guarantees msg is SENDING under its own lease.
func (p *Policy) Decide(msg *notify.OutboxMessage, outcome Outcome, now time.Time) Decision {
	if outcome.Err == nil {
		return Decision{
			To:                notify.StatusSent,
			ProviderMessageID: outcome.ProviderMessageID,
		}
	}

	code := notify.ClassifySendError(outcome.Err)

	if code.Skip() {
		return Decision{To: notify.StatusSkipped, ErrorCode: code}
	}

	if !code.Retryable() || msg.AttemptCount >= msg.MaxAttempts {
		return Decision{To: notify.StatusDead, ErrorCode: code}
	}

	delay := p.Backoff(msg.AttemptCount) + p.jitter(p.Backoff(msg.AttemptCount))

	return Decision{
		To:            notify.StatusRetrying,
		NextAttemptAt: now.Add(delay),
		ErrorCode:     code,
	}
}

// Backoff returns the jitter-free delay before retry number attempt+1,
// where attempt counts completed attempts starting at 1:
// min(base * 5^(attempt-1), max).
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.baseBackoff
	for i := 1; i < attempt; i++ {
		delay *= backoffGrowthFactor
		if delay >= p.maxBackoff {
			return p.maxBackoff
		}
	}
	if delay > p.maxBackoff {
		return p.maxBackoff
	}
	return delay
}

func (p *Policy) jitter(delay time.Duration) time.Duration {
	if delay <= 0 || p.jitterFraction <= 0 {
		return 0
	}
	return time.Duration(p.jitterSource() * p.jitterFraction * float64(delay))
}
