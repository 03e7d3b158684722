package notify

import (
	"time"

	"github.com/google/uuid"
)

// Channel identifies the delivery medium of a message.
type Channel string

const (
	ChannelSMS   Channel = "SMS"
	ChannelEmail Channel = "EMAIL"
	ChannelChat  Channel = "CHAT"
)

// IsValid reports whether the channel is one Herald can deliver to.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelChat:
		return true
	default:
		return false
	}
}

// OutboxMessage is one message to one recipient over one channel. Rows are
// created by the job manager, leased by workers and reconciled by provider
// webhooks; they are retained after reaching a terminal status.
type OutboxMessage struct {
	ID       uuid.UUID
	TenantID string
	// JobID links to the parent job; uuid.Nil for ad-hoc messages.
	JobID     uuid.UUID
	Recipient string
	Channel   Channel
	Provider  string

	TemplateKey     string
	TemplateVersion string
	TemplateParams  map[string]string

	// DedupKey is the stable identity of the logical message, unique per
	// tenant among live messages.
	DedupKey string

	Status       MessageStatus
	AttemptCount int
	MaxAttempts  int
	// NextAttemptAt gates claiming; zero means immediately claimable.
	NextAttemptAt time.Time

	// Lease fields are set exactly while the message is SENDING.
	LockedBy       string
	LockedAt       *time.Time
	LeaseExpiresAt *time.Time

	ProviderMessageID string
	LastErrorCode     ErrorCode
	LastErrorAt       *time.Time
	DeliveredAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LeaseExpired reports whether the message holds a lease that lapsed at now.
func (m *OutboxMessage) LeaseExpired(now time.Time) bool {
	return m.Status == StatusSending && m.LeaseExpiresAt != nil && m.LeaseExpiresAt.Before(now)
}

// HeldBy reports whether workerID holds a still-valid lease on the message.
func (m *OutboxMessage) HeldBy(workerID string, now time.Time) bool {
	return m.Status == StatusSending &&
		m.LockedBy == workerID &&
		m.LeaseExpiresAt != nil &&
		!m.LeaseExpiresAt.Before(now)
}

// ClearLease drops all lease fields. Callers pair this with every transition
// out of SENDING.
func (m *OutboxMessage) ClearLease() {
	m.LockedBy = ""
	m.LockedAt = nil
	m.LeaseExpiresAt = nil
}

// DeliveryLogEntry is one append-only record per send attempt or webhook
// event, linked to an outbox message. Entries are never mutated.
type DeliveryLogEntry struct {
	ID        uuid.UUID
	TenantID  string
	MessageID uuid.UUID
	// Kind distinguishes worker attempts from provider callbacks.
	Kind       DeliveryLogKind
	Attempt    int
	Status     MessageStatus
	ErrorCode  ErrorCode
	Detail     string
	RecordedAt time.Time
}

type DeliveryLogKind string

const (
	LogKindAttempt DeliveryLogKind = "ATTEMPT"
	LogKindWebhook DeliveryLogKind = "WEBHOOK"
)

// WebhookEvent records one inbound provider callback. The (provider,
// provider_event_id) pair is the natural idempotency key: a second insert
// with the same pair is rejected and the callback ignored.
type WebhookEvent struct {
	Provider          string
	ProviderEventID   string
	TenantID          string
	EventType         WebhookEventType
	ProviderMessageID string
	OccurredAt        time.Time
	ReceivedAt        time.Time
}

// WebhookEventType is the provider's verdict carried by a callback.
type WebhookEventType string

const (
	WebhookDelivered WebhookEventType = "DELIVERED"
	WebhookFailed    WebhookEventType = "FAILED"
)

// IsValid reports whether the event type is one Herald reconciles.
func (t WebhookEventType) IsValid() bool {
	return t == WebhookDelivered || t == WebhookFailed
}
