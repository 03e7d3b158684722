// Package ratelimit throttles sends per (tenant, provider) with lazily
// refilled token buckets persisted in the store. The check-and-consume step
// is the only way token counts are ever read or written.
package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/heraldhq/herald/internal/store"
)

// GlobalTenantKey scopes the optional per-provider account-wide ceiling.
// Provider accounts have their own limits that tenant buckets cannot see;
// when a global bucket is configured it is checked after the tenant bucket.
const GlobalTenantKey = "_global"

// BucketConfig sizes a token bucket.
type BucketConfig struct {
	MaxTokens float64
	// RefillRate is tokens per minute.
	RefillRate float64
}

// Decision is the outcome of one check-and-consume.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until enough tokens accrue; zero when allowed.
	RetryAfter time.Duration
}

// Limiter applies token-bucket limits on top of a BucketStore.
type Limiter struct {
	buckets store.BucketStore
	clock   clockwork.Clock

	defaults BucketConfig
	// globals, when non-empty, adds an account-wide bucket per provider
	// shared across tenants.
	globals map[string]BucketConfig
}

func NewLimiter(buckets store.BucketStore, clock clockwork.Clock, defaults BucketConfig, globals map[string]BucketConfig) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Limiter{
		buckets:  buckets,
		clock:    clock,
		defaults: defaults,
		globals:  globals,
	}
}

// CheckAndConsume atomically refills the tenant's bucket and tries to take
// tokensNeeded from it. On denial the refreshed token count is persisted but
// nothing is consumed, and RetryAfter says how long until the request could
// succeed. When a global ceiling is configured for the provider it must also
// admit the tokens; a global denial returns the tenant's tokens.
func (l *Limiter) CheckAndConsume(ctx context.Context, tenantID, provider string, tokensNeeded int) (Decision, error) {
	decision, err := l.consume(ctx, tenantID, provider, l.defaults, tokensNeeded)
	if err != nil || !decision.Allowed {
		return decision, err
	}

	globalCfg, ok := l.globals[provider]
	if !ok {
		return decision, nil
	}

	globalDecision, err := l.consume(ctx, GlobalTenantKey, provider, globalCfg, tokensNeeded)
	if err != nil {
		l.refund(ctx, tenantID, provider, tokensNeeded)
		return Decision{}, err
	}
	if !globalDecision.Allowed {
		l.refund(ctx, tenantID, provider, tokensNeeded)
		return globalDecision, nil
	}

	return decision, nil
}

// Inspect reports the bucket's current state without consuming. Refill is
// computed on the copy so inspection never mutates stored counts.
func (l *Limiter) Inspect(ctx context.Context, tenantID, provider string) (store.RateLimitBucket, error) {
	bucket, err := l.buckets.GetBucket(ctx, tenantID, provider)
	if err != nil {
		return store.RateLimitBucket{}, err
	}

	inspected := *bucket
	refill(&inspected, l.clock.Now().UTC())
	return inspected, nil
}

func (l *Limiter) consume(ctx context.Context, tenantID, provider string, cfg BucketConfig, tokensNeeded int) (Decision, error) {
	now := l.clock.Now().UTC()
	defaults := store.RateLimitBucket{
		MaxTokens:       cfg.MaxTokens,
		RefillRate:      cfg.RefillRate,
		TokensRemaining: cfg.MaxTokens,
		LastRefillAt:    now,
	}

	var decision Decision
	err := l.buckets.MutateBucket(ctx, tenantID, provider, defaults, func(b *store.RateLimitBucket) error {
		refill(b, now)

		needed := float64(tokensNeeded)
		if b.TokensRemaining >= needed {
			b.TokensRemaining -= needed
			decision = Decision{Allowed: true, Remaining: int(b.TokensRemaining)}
			return nil
		}

		decision = Decision{
			Allowed:    false,
			Remaining:  int(b.TokensRemaining),
			RetryAfter: timeToAccrue(b, needed),
		}
		return nil
	})
	if err != nil {
		return Decision{}, err
	}

	return decision, nil
}

// refund returns tokens taken from a tenant bucket when the global ceiling
// rejected the send. Best effort: a failed refund only costs throughput.
func (l *Limiter) refund(ctx context.Context, tenantID, provider string, tokens int) {
	now := l.clock.Now().UTC()
	err := l.buckets.MutateBucket(ctx, tenantID, provider, store.RateLimitBucket{LastRefillAt: now}, func(b *store.RateLimitBucket) error {
		b.TokensRemaining = math.Min(b.TokensRemaining+float64(tokens), b.MaxTokens)
		return nil
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("tenant_id", tenantID).
			Str("provider", provider).
			Int("tokens", tokens).
			Msg("failed to refund rate limit tokens")
	}
}

// refill adds elapsed-minutes * rate tokens, capped at the bucket maximum.
func refill(b *store.RateLimitBucket, now time.Time) {
	if now.Before(b.LastRefillAt) {
		return
	}

	elapsedMinutes := now.Sub(b.LastRefillAt).Minutes()
	if elapsedMinutes > 0 && b.RefillRate > 0 {
		b.TokensRemaining = math.Min(b.TokensRemaining+elapsedMinutes*b.RefillRate, b.MaxTokens)
	}
	b.LastRefillAt = now
}

// timeToAccrue computes how long until the bucket holds needed tokens.
func timeToAccrue(b *store.RateLimitBucket, needed float64) time.Duration {
	if needed > b.MaxTokens {
		// The request can never be satisfied; report a full-bucket wait.
		needed = b.MaxTokens
	}

	deficit := needed - b.TokensRemaining
	if deficit <= 0 {
		return 0
	}
	if b.RefillRate <= 0 {
		return time.Duration(math.MaxInt64)
	}

	seconds := math.Ceil(deficit / b.RefillRate * 60.0)
	return time.Duration(seconds) * time.Second
}
