package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/heraldhq/herald/internal/job"
	"github.com/heraldhq/herald/internal/notify"
	"github.com/heraldhq/herald/internal/ratelimit"
	"github.com/heraldhq/herald/internal/store"
	"github.com/heraldhq/herald/internal/webhook"
)

// Reaper is the manual reap trigger exposed on the ops surface.
type Reaper interface {
	ReapOnce(ctx context.Context) (int, error)
}

// LogReader reads a message's delivery audit trail.
type LogReader interface {
	ListDeliveryLog(ctx context.Context, tenantID string, messageID uuid.UUID) ([]*notify.DeliveryLogEntry, error)
}

type Handlers struct {
	manager    *job.Manager
	reconciler *webhook.Reconciler
	reaper     Reaper
	limiter    *ratelimit.Limiter
	logs       LogReader
}

func NewHandlers(manager *job.Manager, reconciler *webhook.Reconciler, reaper Reaper, limiter *ratelimit.Limiter, logs LogReader) *Handlers {
	return &Handlers{
		manager:    manager,
		reconciler: reconciler,
		reaper:     reaper,
		limiter:    limiter,
		logs:       logs,
	}
}

type createJobRequest struct {
	JobType            string            `json:"job_type"`
	SiteID             string            `json:"site_id"`
	ReferenceID        string            `json:"reference_id"`
	Channel            string            `json:"channel"`
	Provider           string            `json:"provider"`
	TemplateKey        string            `json:"template_key"`
	TemplateVersion    string            `json:"template_version"`
	MaxAttempts        int               `json:"max_attempts"`
	BackoffBaseSeconds int               `json:"backoff_base_seconds"`
	ScheduledAt        *time.Time        `json:"scheduled_at"`
	ExpiresAt          *time.Time        `json:"expires_at"`
	Recipients         []recipientInput  `json:"recipients"`
}

type recipientInput struct {
	Ref    string            `json:"ref"`
	Params map[string]string `json:"params"`
}

type createJobResponse struct {
	JobID    string            `json:"job_id"`
	Status   string            `json:"status"`
	Messages []messageRefBody  `json:"messages"`
}

type messageRefBody struct {
	Recipient    string `json:"recipient"`
	MessageID    string `json:"message_id"`
	Deduplicated bool   `json:"deduplicated"`
}

// CreateJob accepts a job spec plus recipients and enqueues the messages.
// The response is synchronous; delivery is not.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenantID(w, r)
	if !ok {
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	spec := job.Spec{
		JobType:            req.JobType,
		SiteID:             req.SiteID,
		ReferenceID:        req.ReferenceID,
		Channel:            notify.Channel(strings.ToUpper(req.Channel)),
		Provider:           req.Provider,
		TemplateKey:        req.TemplateKey,
		TemplateVersion:    req.TemplateVersion,
		MaxAttempts:        req.MaxAttempts,
		BackoffBaseSeconds: req.BackoffBaseSeconds,
		ExpiresAt:          req.ExpiresAt,
	}
	if req.ScheduledAt != nil {
		spec.ScheduledAt = *req.ScheduledAt
	}

	recipients := make([]job.Recipient, 0, len(req.Recipients))
	for _, recipient := range req.Recipients {
		recipients = append(recipients, job.Recipient{Ref: recipient.Ref, Params: recipient.Params})
	}

	createdJob, enqueued, err := h.manager.CreateJob(r.Context(), tenantID, spec, recipients)
	if err != nil {
		if errors.Is(err, job.ErrInvalidSpec) || errors.Is(err, notify.ErrTenantRequired) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("job creation failed")
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	response := createJobResponse{
		JobID:  createdJob.ID.String(),
		Status: string(createdJob.Status.Status),
	}
	for _, msg := range enqueued {
		response.Messages = append(response.Messages, messageRefBody{
			Recipient:    msg.Recipient,
			MessageID:    msg.MessageID.String(),
			Deduplicated: msg.Deduplicated,
		})
	}

	writeJSON(w, http.StatusCreated, response)
}

type jobResponse struct {
	JobID        string     `json:"job_id"`
	JobType      string     `json:"job_type"`
	Channel      string     `json:"channel"`
	Status       string     `json:"status"`
	Total        int        `json:"total"`
	Sent         int        `json:"sent"`
	Delivered    int        `json:"delivered"`
	Failed       int        `json:"failed"`
	Skipped      int        `json:"skipped"`
	ErrorSummary string     `json:"error_summary,omitempty"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenantID(w, r)
	if !ok {
		return
	}
	jobID, ok := parseUUIDParam(w, r, "jobID")
	if !ok {
		return
	}

	found, err := h.manager.GetJob(r.Context(), tenantID, jobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	writeJSON(w, http.StatusOK, jobResponse{
		JobID:        found.ID.String(),
		JobType:      found.JobType,
		Channel:      string(found.Channel),
		Status:       string(found.Status.Status),
		Total:        found.Status.TotalCount,
		Sent:         found.Status.SentCount,
		Delivered:    found.Status.DeliveredCount,
		Failed:       found.Status.FailedCount,
		Skipped:      found.Status.SkippedCount,
		ErrorSummary: found.ErrorSummary,
		ScheduledAt:  found.ScheduledAt,
		ExpiresAt:    found.ExpiresAt,
		CreatedAt:    found.CreatedAt,
	})
}

type messageResponse struct {
	MessageID         string     `json:"message_id"`
	Recipient         string     `json:"recipient"`
	Channel           string     `json:"channel"`
	Status            string     `json:"status"`
	AttemptCount      int        `json:"attempt_count"`
	MaxAttempts       int        `json:"max_attempts"`
	NextAttemptAt     *time.Time `json:"next_attempt_at,omitempty"`
	ProviderMessageID string     `json:"provider_message_id,omitempty"`
	LastErrorCode     string     `json:"last_error_code,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

func (h *Handlers) ListJobMessages(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenantID(w, r)
	if !ok {
		return
	}
	jobID, ok := parseUUIDParam(w, r, "jobID")
	if !ok {
		return
	}

	messages, err := h.manager.ListMessages(r.Context(), tenantID, jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}

	response := make([]messageResponse, 0, len(messages))
	for _, msg := range messages {
		body := messageResponse{
			MessageID:         msg.ID.String(),
			Recipient:         msg.Recipient,
			Channel:           string(msg.Channel),
			Status:            string(msg.Status),
			AttemptCount:      msg.AttemptCount,
			MaxAttempts:       msg.MaxAttempts,
			ProviderMessageID: msg.ProviderMessageID,
			LastErrorCode:     string(msg.LastErrorCode),
			DeliveredAt:       msg.DeliveredAt,
			CreatedAt:         msg.CreatedAt,
		}
		if !msg.NextAttemptAt.IsZero() {
			next := msg.NextAttemptAt
			body.NextAttemptAt = &next
		}
		response = append(response, body)
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenantID(w, r)
	if !ok {
		return
	}
	jobID, ok := parseUUIDParam(w, r, "jobID")
	if !ok {
		return
	}

	cancelled, err := h.manager.CancelJob(r.Context(), tenantID, jobID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrJobNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, store.ErrJobTerminal):
			writeError(w, http.StatusConflict, "job already settled")
		default:
			writeError(w, http.StatusInternalServerError, "failed to cancel job")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"cancelled": cancelled})
}

type webhookRequest struct {
	EventID           string     `json:"event_id"`
	EventType         string     `json:"event_type"`
	ProviderMessageID string     `json:"provider_message_id"`
	OccurredAt        *time.Time `json:"occurred_at"`
}

// IngestWebhook accepts provider callbacks. Duplicates and orphans still
// get a 2xx: providers retry on anything else.
func (h *Handlers) IngestWebhook(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenantID(w, r)
	if !ok {
		return
	}
	provider := chi.URLParam(r, "provider")

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	occurredAt := time.Now().UTC()
	if req.OccurredAt != nil {
		occurredAt = req.OccurredAt.UTC()
	}

	isNew, err := h.reconciler.ProcessWebhookEvent(r.Context(), tenantID, webhook.Event{
		Provider:          provider,
		ProviderEventID:   req.EventID,
		EventType:         notify.WebhookEventType(strings.ToUpper(req.EventType)),
		ProviderMessageID: req.ProviderMessageID,
		OccurredAt:        occurredAt,
	})
	if err != nil {
		log.Error().Err(err).Str("provider", provider).Msg("webhook processing failed")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"new_event": isNew})
}

func (h *Handlers) RequeueMessage(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenantID(w, r)
	if !ok {
		return
	}
	messageID, ok := parseUUIDParam(w, r, "messageID")
	if !ok {
		return
	}

	if err := h.manager.RequeueMessage(r.Context(), tenantID, messageID); err != nil {
		switch {
		case errors.Is(err, store.ErrMessageNotFound):
			writeError(w, http.StatusNotFound, "message not found")
		case errors.Is(err, store.ErrNotDead):
			writeError(w, http.StatusConflict, "message is not dead-lettered")
		case errors.Is(err, store.ErrDuplicateLive):
			writeError(w, http.StatusConflict, "dedup key is held by a live message")
		default:
			writeError(w, http.StatusInternalServerError, "failed to requeue message")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

type logEntryResponse struct {
	Kind       string    `json:"kind"`
	Attempt    int       `json:"attempt"`
	Status     string    `json:"status"`
	ErrorCode  string    `json:"error_code,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

func (h *Handlers) GetDeliveryLog(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenantID(w, r)
	if !ok {
		return
	}
	messageID, ok := parseUUIDParam(w, r, "messageID")
	if !ok {
		return
	}

	entries, err := h.logs.ListDeliveryLog(r.Context(), tenantID, messageID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list delivery log")
		return
	}

	response := make([]logEntryResponse, 0, len(entries))
	for _, entry := range entries {
		response = append(response, logEntryResponse{
			Kind:       string(entry.Kind),
			Attempt:    entry.Attempt,
			Status:     string(entry.Status),
			ErrorCode:  string(entry.ErrorCode),
			Detail:     entry.Detail,
			RecordedAt: entry.RecordedAt,
		})
	}

	writeJSON(w, http.StatusOK, response)
}

func (h *Handlers) TriggerReap(w http.ResponseWriter, r *http.Request) {
	reaped, err := h.reaper.ReapOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reap failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"reaped": reaped})
}

type bucketResponse struct {
	Provider        string    `json:"provider"`
	TokensRemaining int       `json:"tokens_remaining"`
	MaxTokens       int       `json:"max_tokens"`
	RefillRate      float64   `json:"refill_rate_per_minute"`
	LastRefillAt    time.Time `json:"last_refill_at"`
}

func (h *Handlers) InspectRateLimit(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenantID(w, r)
	if !ok {
		return
	}
	provider := chi.URLParam(r, "provider")

	bucket, err := h.limiter.Inspect(r.Context(), tenantID, provider)
	if err != nil {
		if errors.Is(err, store.ErrBucketNotFound) {
			writeError(w, http.StatusNotFound, "no bucket for provider")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to inspect bucket")
		return
	}

	writeJSON(w, http.StatusOK, bucketResponse{
		Provider:        provider,
		TokensRemaining: int(bucket.TokensRemaining),
		MaxTokens:       int(bucket.MaxTokens),
		RefillRate:      bucket.RefillRate,
		LastRefillAt:    bucket.LastRefillAt,
	})
}

// requireTenantID fails closed: no tenant header, no service.
func requireTenantID(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := strings.TrimSpace(r.Header.Get(tenantHeader))
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "missing "+tenantHeader+" header")
		return "", false
	}
	return tenantID, true
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	parsed, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return parsed, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
