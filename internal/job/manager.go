// Package job owns the enqueue side of the pipeline: creating jobs with
// their child outbox messages, cancellation, operator requeue of
// dead-lettered messages, and job status aggregation.
package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/heraldhq/herald/internal/notify"
)

const (
	DefaultMaxAttempts        = 5
	DefaultBackoffBaseSeconds = 60
)

// ErrInvalidSpec marks job creation requests rejected before any write.
// Callers can distinguish a bad request from a store failure with errors.Is.
var ErrInvalidSpec = errors.New("invalid job spec")

// ManagerStore defines what the job manager needs from the store layer.
type ManagerStore interface {
	CreateJob(ctx context.Context, tenantID string, job *notify.Job) error
	GetJob(ctx context.Context, tenantID string, jobID uuid.UUID) (*notify.Job, error)
	UpdateJobStatus(ctx context.Context, tenantID string, jobID uuid.UUID, status notify.JobCountsStatus, errorSummary string) error
	CountJobMessages(ctx context.Context, tenantID string, jobID uuid.UUID) (notify.JobCountsStatus, error)
	EnqueueMessage(ctx context.Context, tenantID string, msg *notify.OutboxMessage) (*notify.OutboxMessage, bool, error)
	ListJobMessages(ctx context.Context, tenantID string, jobID uuid.UUID) ([]*notify.OutboxMessage, error)
	CancelJobMessages(ctx context.Context, tenantID string, jobID uuid.UUID) (int, error)
	RequeueDead(ctx context.Context, tenantID string, messageID uuid.UUID) error
	GetMessage(ctx context.Context, tenantID string, messageID uuid.UUID) (*notify.OutboxMessage, error)
}

// Manager is the sole enqueue path into the outbox.
type Manager struct {
	store ManagerStore
	clock clockwork.Clock
}

func NewManager(managerStore ManagerStore, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		store: managerStore,
		clock: clock,
	}
}

// Spec describes the job to create.
type Spec struct {
	JobType         string
	SiteID          string
	ReferenceID     string
	Channel         notify.Channel
	Provider        string
	TemplateKey     string
	TemplateVersion string

	MaxAttempts        int
	BackoffBaseSeconds int

	ScheduledAt time.Time
	ExpiresAt   *time.Time
}

// Recipient is one delivery target with its template parameters.
type Recipient struct {
	Ref    string
	Params map[string]string
}

// EnqueuedMessage reports the outbox row backing one recipient. When
// Deduplicated is true the row pre-existed: some earlier enqueue with the
// same logical identity already covers this recipient.
type EnqueuedMessage struct {
	Recipient    string
	MessageID    uuid.UUID
	Deduplicated bool
}

// CreateJob creates a job and one deduplicated outbox message per
// recipient. Calling it twice with identical input leaves exactly one live
// message per recipient; the second call reports every row as deduplicated.
func (m *Manager) CreateJob(ctx context.Context, tenantID string, spec Spec, recipients []Recipient) (*notify.Job, []EnqueuedMessage, error) {
	if err := validateSpec(tenantID, spec, recipients); err != nil {
		return nil, nil, err
	}

	now := m.clock.Now().UTC()

	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	backoffBase := spec.BackoffBaseSeconds
	if backoffBase <= 0 {
		backoffBase = DefaultBackoffBaseSeconds
	}
	scheduledAt := spec.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}

	newJob := &notify.Job{
		ID:                 uuid.New(),
		JobType:            spec.JobType,
		SiteID:             spec.SiteID,
		ReferenceID:        spec.ReferenceID,
		Channel:            spec.Channel,
		Provider:           spec.Provider,
		Status:             notify.JobCountsStatus{Status: notify.JobPending},
		MaxAttempts:        maxAttempts,
		BackoffBaseSeconds: backoffBase,
		ScheduledAt:        scheduledAt,
		ExpiresAt:          spec.ExpiresAt,
	}

	if err := m.store.CreateJob(ctx, tenantID, newJob); err != nil {
		return nil, nil, fmt.Errorf("failed to create job: %w", err)
	}

	enqueued := make([]EnqueuedMessage, 0, len(recipients))
	created := 0
	for _, recipient := range recipients {
		dedupKey := notify.DedupKey(
			tenantID, spec.SiteID, spec.ReferenceID,
			recipient.Ref, spec.Channel, spec.TemplateKey, spec.TemplateVersion,
		)

		msg, wasCreated, err := m.store.EnqueueMessage(ctx, tenantID, &notify.OutboxMessage{
			JobID:           newJob.ID,
			Recipient:       recipient.Ref,
			Channel:         spec.Channel,
			Provider:        spec.Provider,
			TemplateKey:     spec.TemplateKey,
			TemplateVersion: spec.TemplateVersion,
			TemplateParams:  recipient.Params,
			DedupKey:        dedupKey,
			MaxAttempts:     maxAttempts,
			NextAttemptAt:   scheduledAt,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to enqueue message for %q: %w", recipient.Ref, err)
		}

		if wasCreated {
			created++
		}
		enqueued = append(enqueued, EnqueuedMessage{
			Recipient:    recipient.Ref,
			MessageID:    msg.ID,
			Deduplicated: !wasCreated,
		})
	}

	status := notify.JobCountsStatus{Status: notify.JobProcessing, TotalCount: created}
	if created == 0 {
		// Every recipient was already covered by a live message.
		status.Status = notify.JobCompleted
	}
	if err := m.store.UpdateJobStatus(ctx, tenantID, newJob.ID, status, ""); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize job status: %w", err)
	}
	newJob.Status = status

	log.Info().
		Str("tenant_id", tenantID).
		Str("job_id", newJob.ID.String()).
		Str("job_type", spec.JobType).
		Str("channel", string(spec.Channel)).
		Int("recipients", len(recipients)).
		Int("created", created).
		Int("deduplicated", len(recipients)-created).
		Msg("job created")

	return newJob, enqueued, nil
}

// GetJob returns the job with its current status snapshot.
func (m *Manager) GetJob(ctx context.Context, tenantID string, jobID uuid.UUID) (*notify.Job, error) {
	return m.store.GetJob(ctx, tenantID, jobID)
}

// ListMessages returns the job's child messages, oldest first.
func (m *Manager) ListMessages(ctx context.Context, tenantID string, jobID uuid.UUID) ([]*notify.OutboxMessage, error) {
	return m.store.ListJobMessages(ctx, tenantID, jobID)
}

// CancelJob cancels all still-claimable messages of the job and freezes the
// job as CANCELLED. Leased messages finish their in-flight attempt.
func (m *Manager) CancelJob(ctx context.Context, tenantID string, jobID uuid.UUID) (int, error) {
	if _, err := m.store.GetJob(ctx, tenantID, jobID); err != nil {
		return 0, err
	}

	cancelled, err := m.store.CancelJobMessages(ctx, tenantID, jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel job messages: %w", err)
	}

	counts, err := m.store.CountJobMessages(ctx, tenantID, jobID)
	if err != nil {
		return cancelled, fmt.Errorf("failed to count job messages: %w", err)
	}
	counts.Status = notify.JobCancelled

	if err := m.store.UpdateJobStatus(ctx, tenantID, jobID, counts, "cancelled by operator"); err != nil {
		return cancelled, fmt.Errorf("failed to mark job cancelled: %w", err)
	}

	log.Info().
		Str("tenant_id", tenantID).
		Str("job_id", jobID.String()).
		Int("cancelled", cancelled).
		Msg("job cancelled")

	return cancelled, nil
}

// RequeueMessage puts a dead-lettered message back in line with a fresh
// attempt budget. Only DEAD messages qualify.
func (m *Manager) RequeueMessage(ctx context.Context, tenantID string, messageID uuid.UUID) error {
	if err := m.store.RequeueDead(ctx, tenantID, messageID); err != nil {
		return err
	}

	msg, err := m.store.GetMessage(ctx, tenantID, messageID)
	if err == nil && msg.JobID != uuid.Nil {
		// The job may have settled while this message was dead; reopening
		// is intentionally not supported, the requeued message simply runs
		// and its outcome lands in the delivery log.
		log.Info().
			Str("tenant_id", tenantID).
			Str("message_id", messageID.String()).
			Str("job_id", msg.JobID.String()).
			Msg("dead message requeued")
	}

	return nil
}

func validateSpec(tenantID string, spec Spec, recipients []Recipient) error {
	if strings.TrimSpace(tenantID) == "" {
		return notify.ErrTenantRequired
	}
	if spec.JobType == "" {
		return fmt.Errorf("%w: job type is required", ErrInvalidSpec)
	}
	if !spec.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrInvalidSpec, string(spec.Channel))
	}
	if spec.Provider == "" {
		return fmt.Errorf("%w: provider is required", ErrInvalidSpec)
	}
	if spec.TemplateKey == "" {
		return fmt.Errorf("%w: template key is required", ErrInvalidSpec)
	}
	if len(recipients) == 0 {
		return fmt.Errorf("%w: at least one recipient is required", ErrInvalidSpec)
	}
	for _, recipient := range recipients {
		if strings.TrimSpace(recipient.Ref) == "" {
			return fmt.Errorf("%w: recipient ref cannot be empty", ErrInvalidSpec)
		}
	}
	return nil
}
