package notify

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a notification job.
type JobStatus string

const (
	JobPending         JobStatus = "PENDING"
	JobProcessing      JobStatus = "PROCESSING"
	JobCompleted       JobStatus = "COMPLETED"
	JobPartiallyFailed JobStatus = "PARTIALLY_FAILED"
	JobFailed          JobStatus = "FAILED"
	JobCancelled       JobStatus = "CANCELLED"
)

// Terminal reports whether the job status is final. A terminal job status is
// frozen: the aggregator never overwrites it.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobPartiallyFailed, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Job is a logical batch of related messages, e.g. "notify all drivers of
// snapshot X". Status and counts are mutated only by the status aggregator
// after creation; jobs are archived by retention policy, never deleted.
type Job struct {
	ID       uuid.UUID
	TenantID string
	JobType  string
	// SiteID and ReferenceID scope the job to the business entity that
	// triggered it; both feed the dedup key of every child message.
	SiteID      string
	ReferenceID string
	Channel     Channel
	Provider    string

	Status JobCountsStatus

	MaxAttempts        int
	BackoffBaseSeconds int

	ScheduledAt time.Time
	// ExpiresAt, when set, stops claiming of child messages past this point.
	ExpiresAt *time.Time

	ErrorSummary string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobCountsStatus is the status snapshot the aggregator maintains: the job
// state plus the rolled-up outcome counters of its child messages.
type JobCountsStatus struct {
	Status         JobStatus
	TotalCount     int
	SentCount      int
	DeliveredCount int
	FailedCount    int
	SkippedCount   int
}

// NonTerminalCount derives how many children are still in flight.
func (c JobCountsStatus) NonTerminalCount() int {
	settled := c.SentCount + c.FailedCount + c.SkippedCount
	if settled > c.TotalCount {
		return 0
	}
	return c.TotalCount - settled
}

// DeriveTerminalStatus maps settled counters onto the job's final status.
// Policy skips are terminal but never count toward the failure bucket, so a
// job whose every message was skipped completes rather than fails.
func (c JobCountsStatus) DeriveTerminalStatus() JobStatus {
	switch {
	case c.FailedCount == 0:
		return JobCompleted
	case c.SentCount == 0:
		return JobFailed
	default:
		return JobPartiallyFailed
	}
}

// Expired reports whether the job's scheduling window has closed at now.
func (j *Job) Expired(now time.Time) bool {
	return j.ExpiresAt != nil && !j.ExpiresAt.After(now)
}
