// Package events announces message and job settlement on NATS so other
// services can react without polling the store. Announcements are best
// effort: a publish failure is logged and never blocks delivery state.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/heraldhq/herald/internal/notify"
)

const (
	messageSubjectPrefix = "herald.msg"
	jobSubjectPrefix     = "herald.job"
)

// NATSAnnouncer publishes settlement envelopes to NATS subjects of the form
// herald.msg.<status> and herald.job.<status>.
type NATSAnnouncer struct {
	conn *nats.Conn
}

func NewNATSAnnouncer(conn *nats.Conn) *NATSAnnouncer {
	return &NATSAnnouncer{conn: conn}
}

type messageEnvelope struct {
	MessageID         string    `json:"message_id"`
	TenantID          string    `json:"tenant_id"`
	JobID             string    `json:"job_id,omitempty"`
	Recipient         string    `json:"recipient"`
	Channel           string    `json:"channel"`
	Provider          string    `json:"provider"`
	Status            string    `json:"status"`
	ErrorCode         string    `json:"error_code,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	AttemptCount      int       `json:"attempt_count"`
	Timestamp         time.Time `json:"timestamp"`
}

type jobEnvelope struct {
	JobID     string    `json:"job_id"`
	TenantID  string    `json:"tenant_id"`
	Status    string    `json:"status"`
	Total     int       `json:"total"`
	Sent      int       `json:"sent"`
	Delivered int       `json:"delivered"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageSettled announces a message reaching SENT or a terminal status.
func (a *NATSAnnouncer) MessageSettled(ctx context.Context, msg *notify.OutboxMessage, status notify.MessageStatus) {
	envelope := messageEnvelope{
		MessageID:         msg.ID.String(),
		TenantID:          msg.TenantID,
		Recipient:         msg.Recipient,
		Channel:           string(msg.Channel),
		Provider:          msg.Provider,
		Status:            string(status),
		ErrorCode:         string(msg.LastErrorCode),
		ProviderMessageID: msg.ProviderMessageID,
		AttemptCount:      msg.AttemptCount,
		Timestamp:         time.Now().UTC(),
	}
	if msg.JobID != uuid.Nil {
		envelope.JobID = msg.JobID.String()
	}

	a.publish(fmt.Sprintf("%s.%s", messageSubjectPrefix, subjectToken(string(status))), envelope)
}

// JobStatusChanged announces a job reaching a terminal status.
func (a *NATSAnnouncer) JobStatusChanged(ctx context.Context, tenantID string, jobID uuid.UUID, counts notify.JobCountsStatus) {
	envelope := jobEnvelope{
		JobID:     jobID.String(),
		TenantID:  tenantID,
		Status:    string(counts.Status),
		Total:     counts.TotalCount,
		Sent:      counts.SentCount,
		Delivered: counts.DeliveredCount,
		Failed:    counts.FailedCount,
		Skipped:   counts.SkippedCount,
		Timestamp: time.Now().UTC(),
	}

	a.publish(fmt.Sprintf("%s.%s", jobSubjectPrefix, subjectToken(string(counts.Status))), envelope)
}

func (a *NATSAnnouncer) publish(subject string, envelope any) {
	if a == nil || a.conn == nil {
		return
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		log.Error().Err(err).Str("subject", subject).Msg("failed to marshal announcement")
		return
	}

	if err := a.conn.Publish(subject, payload); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("failed to publish announcement")
	}
}

// subjectToken lowercases a status for use as a NATS subject token.
func subjectToken(status string) string {
	return strings.ToLower(status)
}
