// Package store defines the tenant-scoped persistence contract of the
// delivery pipeline. Every method takes an explicit tenant identifier and
// fails closed when it is missing: there is no ambient tenant state.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/heraldhq/herald/internal/notify"
)

// ClaimRequest describes one atomic claim of ready messages by a worker.
type ClaimRequest struct {
	BatchSize     int
	WorkerID      string
	LeaseDuration time.Duration
}

// OutcomeUpdate transitions a leased message out of SENDING. The store
// verifies the caller still holds the lease before applying it.
type OutcomeUpdate struct {
	MessageID uuid.UUID
	WorkerID  string

	To notify.MessageStatus
	// NextAttemptAt is required when To is RETRYING.
	NextAttemptAt     time.Time
	ErrorCode         notify.ErrorCode
	ProviderMessageID string
}

// RateLimitBucket is one token bucket per (tenant, provider). Tokens are
// fractional internally so lazy refill loses nothing to rounding; callers
// see whole tokens.
type RateLimitBucket struct {
	TenantID        string
	Provider        string
	TokensRemaining float64
	MaxTokens       float64
	// RefillRate is tokens added per minute.
	RefillRate   float64
	LastRefillAt time.Time
}

// JobStore persists jobs and their aggregate status.
type JobStore interface {
	CreateJob(ctx context.Context, tenantID string, job *notify.Job) error
	GetJob(ctx context.Context, tenantID string, jobID uuid.UUID) (*notify.Job, error)

	// UpdateJobStatus applies a status/count snapshot. The write is guarded:
	// once a job holds a terminal status the update is refused with
	// ErrJobTerminal, making redundant aggregation safe.
	UpdateJobStatus(ctx context.Context, tenantID string, jobID uuid.UUID, status notify.JobCountsStatus, errorSummary string) error

	// CountJobMessages rolls the job's child messages up by outcome bucket.
	CountJobMessages(ctx context.Context, tenantID string, jobID uuid.UUID) (notify.JobCountsStatus, error)
}

// MessageStore persists outbox messages and enforces the status state
// machine on every mutation.
type MessageStore interface {
	// EnqueueMessage inserts msg unless a live message with the same dedup
	// key exists for the tenant, in which case the existing message is
	// returned and created is false.
	EnqueueMessage(ctx context.Context, tenantID string, msg *notify.OutboxMessage) (existing *notify.OutboxMessage, created bool, err error)

	GetMessage(ctx context.Context, tenantID string, messageID uuid.UUID) (*notify.OutboxMessage, error)
	ListJobMessages(ctx context.Context, tenantID string, jobID uuid.UUID) ([]*notify.OutboxMessage, error)
	FindByProviderMessageID(ctx context.Context, tenantID, provider, providerMessageID string) (*notify.OutboxMessage, error)

	// ClaimBatch atomically selects and leases up to BatchSize claimable
	// messages: status in {PENDING, RETRYING}, next_attempt_at due, parent
	// job not expired. RETRYING sorts before PENDING, then oldest first.
	// No two concurrent callers ever receive the same message.
	ClaimBatch(ctx context.Context, tenantID string, req ClaimRequest) ([]*notify.OutboxMessage, error)

	// RecordOutcome applies a worker's attempt outcome. It fails with
	// ErrLeaseLost when the worker no longer holds a valid lease.
	RecordOutcome(ctx context.Context, tenantID string, update OutcomeUpdate) error

	// ReleaseClaim unwinds a claim that never reached the provider, e.g.
	// after a rate-limit denial: the attempt increment is rolled back and
	// the message becomes claimable again at nextAttemptAt. Requires a
	// valid lease, like RecordOutcome.
	ReleaseClaim(ctx context.Context, tenantID string, messageID uuid.UUID, workerID string, nextAttemptAt time.Time) error

	// SettleFromWebhook applies a provider verdict monotonically:
	// DELIVERED only from SENT, FAILED only from SENT or SENDING. Any other
	// current status leaves the row untouched and returns applied=false.
	SettleFromWebhook(ctx context.Context, tenantID string, messageID uuid.UUID, verdict notify.WebhookEventType, occurredAt time.Time) (applied bool, err error)

	// ReapExpiredLeases moves SENDING messages with lapsed leases back to
	// RETRYING with error code LOCK_EXPIRED and next attempt now+backoff.
	// A reaped message whose attempt budget is already spent goes to DEAD
	// instead: a worker crash never grants extra provider attempts.
	ReapExpiredLeases(ctx context.Context, tenantID string, backoff time.Duration) (int, error)

	// RequeueDead resets a DEAD message to PENDING with a fresh attempt
	// budget. Any other status is refused, and so is a requeue whose dedup
	// key is meanwhile held by a newer live message (ErrDuplicateLive).
	RequeueDead(ctx context.Context, tenantID string, messageID uuid.UUID) error

	// CancelJobMessages cancels the job's still-claimable messages. Leased
	// messages are left to finish their in-flight attempt.
	CancelJobMessages(ctx context.Context, tenantID string, jobID uuid.UUID) (int, error)
}

// DeliveryLogStore appends and reads the per-message audit trail.
type DeliveryLogStore interface {
	AppendDeliveryLog(ctx context.Context, tenantID string, entry *notify.DeliveryLogEntry) error
	ListDeliveryLog(ctx context.Context, tenantID string, messageID uuid.UUID) ([]*notify.DeliveryLogEntry, error)
}

// WebhookEventStore inserts inbound callbacks keyed by their natural
// idempotency key.
type WebhookEventStore interface {
	// InsertWebhookEvent returns created=false when an event with the same
	// (provider, provider_event_id) was recorded before.
	InsertWebhookEvent(ctx context.Context, tenantID string, event *notify.WebhookEvent) (created bool, err error)

	// DeleteWebhookEvent removes a recorded event so the provider's next
	// re-delivery is treated as new. Used when processing fails after the
	// insert; deleting a missing event is a no-op.
	DeleteWebhookEvent(ctx context.Context, tenantID, provider, providerEventID string) error
}

// BucketStore gives the rate limiter atomic access to token buckets.
type BucketStore interface {
	// MutateBucket runs fn while holding exclusive access to the bucket,
	// persisting the mutated bucket afterwards. The bucket is created from
	// defaults on first use. Unrelated buckets are not serialized.
	MutateBucket(ctx context.Context, tenantID, provider string, defaults RateLimitBucket, fn func(b *RateLimitBucket) error) error

	GetBucket(ctx context.Context, tenantID, provider string) (*RateLimitBucket, error)
}

// TenantLister discovers tenants with live work, for tenant-fair polling.
type TenantLister interface {
	ListTenants(ctx context.Context) ([]string, error)
}

// Store is the full persistence surface backing the pipeline.
type Store interface {
	JobStore
	MessageStore
	DeliveryLogStore
	WebhookEventStore
	BucketStore
	TenantLister
}
