package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/heraldhq/herald/internal/notify"
	"github.com/heraldhq/herald/internal/store"
)

// AggregatorStore defines what the aggregator needs from the store layer.
type AggregatorStore interface {
	GetJob(ctx context.Context, tenantID string, jobID uuid.UUID) (*notify.Job, error)
	CountJobMessages(ctx context.Context, tenantID string, jobID uuid.UUID) (notify.JobCountsStatus, error)
	UpdateJobStatus(ctx context.Context, tenantID string, jobID uuid.UUID, status notify.JobCountsStatus, errorSummary string) error
}

// Announcer publishes job status transitions for downstream consumers.
type Announcer interface {
	JobStatusChanged(ctx context.Context, tenantID string, jobID uuid.UUID, counts notify.JobCountsStatus)
}

// Aggregator rolls child message outcomes up into the parent job. It runs
// synchronously on every terminal child transition instead of hiding behind
// a storage trigger, so the dependency is visible and testable.
type Aggregator struct {
	store     AggregatorStore
	announcer Announcer
}

func NewAggregator(aggregatorStore AggregatorStore, announcer Announcer) *Aggregator {
	return &Aggregator{
		store:     aggregatorStore,
		announcer: announcer,
	}
}

// MessageSettled recomputes the job's count snapshot and, when no child
// remains in flight, freezes the derived terminal status. Redundant and
// concurrent invocations are safe: count snapshots are last-writer-wins and
// the terminal write is refused once the job has settled.
func (a *Aggregator) MessageSettled(ctx context.Context, tenantID string, jobID uuid.UUID) error {
	job, err := a.store.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job for aggregation: %w", err)
	}
	if job.Status.Status.Terminal() {
		return nil
	}

	counts, err := a.store.CountJobMessages(ctx, tenantID, jobID)
	if err != nil {
		return fmt.Errorf("failed to count job messages: %w", err)
	}

	counts.Status = notify.JobProcessing
	if counts.NonTerminalCount() == 0 {
		counts.Status = counts.DeriveTerminalStatus()
	}

	summary := ""
	if counts.FailedCount > 0 {
		summary = fmt.Sprintf("%d of %d messages failed", counts.FailedCount, counts.TotalCount)
	}

	if err := a.store.UpdateJobStatus(ctx, tenantID, jobID, counts, summary); err != nil {
		if errors.Is(err, store.ErrJobTerminal) {
			// A concurrent aggregation settled the job first.
			return nil
		}
		return fmt.Errorf("failed to update job status: %w", err)
	}

	if counts.Status.Terminal() {
		log.Info().
			Str("tenant_id", tenantID).
			Str("job_id", jobID.String()).
			Str("status", string(counts.Status)).
			Int("total", counts.TotalCount).
			Int("sent", counts.SentCount).
			Int("delivered", counts.DeliveredCount).
			Int("failed", counts.FailedCount).
			Int("skipped", counts.SkippedCount).
			Msg("job settled")

		if a.announcer != nil {
			a.announcer.JobStatusChanged(ctx, tenantID, jobID, counts)
		}
	}

	return nil
}
