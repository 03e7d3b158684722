// Package webhook applies asynchronous provider delivery callbacks to
// message and job state, exactly once per provider event.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/heraldhq/herald/internal/notify"
	"github.com/heraldhq/herald/internal/store"
)

// ReconcilerStore defines what the reconciler needs from the store layer.
type ReconcilerStore interface {
	InsertWebhookEvent(ctx context.Context, tenantID string, event *notify.WebhookEvent) (bool, error)
	DeleteWebhookEvent(ctx context.Context, tenantID, provider, providerEventID string) error
	FindByProviderMessageID(ctx context.Context, tenantID, provider, providerMessageID string) (*notify.OutboxMessage, error)
	SettleFromWebhook(ctx context.Context, tenantID string, messageID uuid.UUID, verdict notify.WebhookEventType, occurredAt time.Time) (bool, error)
	AppendDeliveryLog(ctx context.Context, tenantID string, entry *notify.DeliveryLogEntry) error
}

// Aggregator re-derives parent job status after a child settles.
type Aggregator interface {
	MessageSettled(ctx context.Context, tenantID string, jobID uuid.UUID) error
}

type Reconciler struct {
	store      ReconcilerStore
	aggregator Aggregator
}

func NewReconciler(reconcilerStore ReconcilerStore, aggregator Aggregator) *Reconciler {
	return &Reconciler{
		store:      reconcilerStore,
		aggregator: aggregator,
	}
}

// Event is one inbound provider callback.
type Event struct {
	Provider          string
	ProviderEventID   string
	EventType         notify.WebhookEventType
	ProviderMessageID string
	OccurredAt        time.Time
}

// ProcessWebhookEvent records the event and reconciles the referenced
// message. The returned bool is false when the event was seen before, which
// makes provider re-delivery a no-op. Orphan events (callbacks whose
// provider message ID matches no local row, typically because the send
// confirmation has not committed yet or the message was archived) are
// logged and swallowed: the provider must still receive a success response
// or it will retry forever. A transient store failure after the event row is
// inserted deletes the row again, so the provider's retry is not dedup'd
// against a verdict that never landed.
func (r *Reconciler) ProcessWebhookEvent(ctx context.Context, tenantID string, event Event) (bool, error) {
	if event.Provider == "" || event.ProviderEventID == "" {
		return false, fmt.Errorf("webhook event requires provider and provider event id")
	}
	if !event.EventType.IsValid() {
		return false, fmt.Errorf("unknown webhook event type %q", string(event.EventType))
	}

	created, err := r.store.InsertWebhookEvent(ctx, tenantID, &notify.WebhookEvent{
		Provider:          event.Provider,
		ProviderEventID:   event.ProviderEventID,
		EventType:         event.EventType,
		ProviderMessageID: event.ProviderMessageID,
		OccurredAt:        event.OccurredAt,
	})
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}
	if !created {
		log.Debug().
			Str("provider", event.Provider).
			Str("provider_event_id", event.ProviderEventID).
			Msg("duplicate webhook event ignored")
		return false, nil
	}

	msg, err := r.store.FindByProviderMessageID(ctx, tenantID, event.Provider, event.ProviderMessageID)
	if err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			log.Warn().
				Str("provider", event.Provider).
				Str("provider_event_id", event.ProviderEventID).
				Str("provider_message_id", event.ProviderMessageID).
				Msg("orphan webhook event: no matching outbox message")
			return true, nil
		}
		r.releaseEvent(ctx, tenantID, event)
		return false, fmt.Errorf("failed to locate message for webhook: %w", err)
	}

	applied, err := r.store.SettleFromWebhook(ctx, tenantID, msg.ID, event.EventType, event.OccurredAt)
	if err != nil {
		r.releaseEvent(ctx, tenantID, event)
		return false, fmt.Errorf("failed to settle message from webhook: %w", err)
	}

	logEntry := &notify.DeliveryLogEntry{
		MessageID: msg.ID,
		Kind:      notify.LogKindWebhook,
		Attempt:   msg.AttemptCount,
		Status:    verdictStatus(event.EventType),
		Detail:    fmt.Sprintf("%s/%s", event.Provider, event.ProviderEventID),
	}
	if event.EventType == notify.WebhookFailed {
		logEntry.ErrorCode = notify.ErrCodeProviderUnavailable
	}
	if err := r.store.AppendDeliveryLog(ctx, tenantID, logEntry); err != nil {
		log.Error().
			Err(err).
			Str("message_id", msg.ID.String()).
			Msg("failed to append webhook delivery log entry")
	}

	if !applied {
		log.Debug().
			Str("message_id", msg.ID.String()).
			Str("event_type", string(event.EventType)).
			Msg("webhook verdict not applicable to current message status")
		return true, nil
	}

	if msg.JobID != uuid.Nil && r.aggregator != nil {
		if err := r.aggregator.MessageSettled(ctx, tenantID, msg.JobID); err != nil {
			log.Error().
				Err(err).
				Str("job_id", msg.JobID.String()).
				Msg("failed to re-aggregate job after webhook")
		}
	}

	return true, nil
}

// releaseEvent un-records an event whose processing failed after the insert,
// so the provider's next re-delivery is not dedup'd into a lost verdict.
func (r *Reconciler) releaseEvent(ctx context.Context, tenantID string, event Event) {
	if err := r.store.DeleteWebhookEvent(ctx, tenantID, event.Provider, event.ProviderEventID); err != nil {
		log.Error().
			Err(err).
			Str("provider", event.Provider).
			Str("provider_event_id", event.ProviderEventID).
			Msg("failed to release webhook event for provider retry")
	}
}

func verdictStatus(eventType notify.WebhookEventType) notify.MessageStatus {
	if eventType == notify.WebhookDelivered {
		return notify.StatusDelivered
	}
	return notify.StatusFailed
}
