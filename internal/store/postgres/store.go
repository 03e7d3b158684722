// Package postgres implements the store contract on PostgreSQL. Claiming
// relies on FOR UPDATE SKIP LOCKED, dedup on a partial unique index over
// live rows, so multiple herald instances can share one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/heraldhq/herald/internal/notify"
	"github.com/heraldhq/herald/internal/store"
)

type Store struct {
	pool  *pgxpool.Pool
	clock clockwork.Clock
}

var _ store.Store = (*Store)(nil)

func NewStore(pool *pgxpool.Pool, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		pool:  pool,
		clock: clock,
	}
}

func requireTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return store.ErrTenantRequired
	}
	return nil
}

// withTx runs fn inside a transaction; fn errors roll it back.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) CreateJob(ctx context.Context, tenantID string, job *notify.Job) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	now := s.clock.Now().UTC()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.TenantID = tenantID
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO notification_jobs (
			id, tenant_id, job_type, site_id, reference_id, channel, provider,
			status, total_count, sent_count, delivered_count, failed_count, skipped_count,
			max_attempts, backoff_base_seconds, scheduled_at, expires_at, error_summary,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		job.ID, tenantID, job.JobType, job.SiteID, job.ReferenceID, string(job.Channel), job.Provider,
		string(job.Status.Status), job.Status.TotalCount, job.Status.SentCount, job.Status.DeliveredCount,
		job.Status.FailedCount, job.Status.SkippedCount,
		job.MaxAttempts, job.BackoffBaseSeconds, job.ScheduledAt, job.ExpiresAt, job.ErrorSummary,
		now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

const jobColumns = `
	id, tenant_id, job_type, site_id, reference_id, channel, provider,
	status, total_count, sent_count, delivered_count, failed_count, skipped_count,
	max_attempts, backoff_base_seconds, scheduled_at, expires_at, error_summary,
	created_at, updated_at`

func (s *Store) GetJob(ctx context.Context, tenantID string, jobID uuid.UUID) (*notify.Job, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM notification_jobs WHERE id = $1 AND tenant_id = $2`,
		jobID, tenantID,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, tenantID string, jobID uuid.UUID, status notify.JobCountsStatus, errorSummary string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	now := s.clock.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE notification_jobs
		SET status = $1, total_count = $2, sent_count = $3, delivered_count = $4,
		    failed_count = $5, skipped_count = $6, error_summary = $7, updated_at = $8
		WHERE id = $9 AND tenant_id = $10
		  AND status NOT IN ('COMPLETED', 'PARTIALLY_FAILED', 'FAILED', 'CANCELLED')`,
		string(status.Status), status.TotalCount, status.SentCount, status.DeliveredCount,
		status.FailedCount, status.SkippedCount, errorSummary, now,
		jobID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing job from one whose status is already frozen.
		if _, err := s.GetJob(ctx, tenantID, jobID); err != nil {
			return err
		}
		return store.ErrJobTerminal
	}
	return nil
}

func (s *Store) CountJobMessages(ctx context.Context, tenantID string, jobID uuid.UUID) (notify.JobCountsStatus, error) {
	if err := requireTenant(tenantID); err != nil {
		return notify.JobCountsStatus{}, err
	}

	job, err := s.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return notify.JobCountsStatus{}, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM outbox_messages
		 WHERE tenant_id = $1 AND job_id = $2 GROUP BY status`,
		tenantID, jobID,
	)
	if err != nil {
		return notify.JobCountsStatus{}, fmt.Errorf("failed to count job messages: %w", err)
	}
	defer rows.Close()

	counts := notify.JobCountsStatus{Status: job.Status.Status}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return notify.JobCountsStatus{}, fmt.Errorf("failed to scan message counts: %w", err)
		}
		counts.TotalCount += n
		switch notify.MessageStatus(status) {
		case notify.StatusSent:
			counts.SentCount += n
		case notify.StatusDelivered:
			counts.SentCount += n
			counts.DeliveredCount += n
		case notify.StatusDead, notify.StatusFailed:
			counts.FailedCount += n
		case notify.StatusSkipped, notify.StatusCancelled:
			counts.SkippedCount += n
		}
	}
	return counts, rows.Err()
}

const messageColumns = `
	id, tenant_id, job_id, recipient, channel, provider,
	template_key, template_version, COALESCE(template_params, '{}'::jsonb),
	dedup_key, status, attempt_count, max_attempts, next_attempt_at,
	locked_by, locked_at, lease_expires_at,
	provider_message_id, last_error_code, last_error_at, delivered_at,
	created_at, updated_at`

// claimedColumns mirrors messageColumns with the alias of the claim update.
const claimedColumns = `
	o.id, o.tenant_id, o.job_id, o.recipient, o.channel, o.provider,
	o.template_key, o.template_version, COALESCE(o.template_params, '{}'::jsonb),
	o.dedup_key, o.status, o.attempt_count, o.max_attempts, o.next_attempt_at,
	o.locked_by, o.locked_at, o.lease_expires_at,
	o.provider_message_id, o.last_error_code, o.last_error_at, o.delivered_at,
	o.created_at, o.updated_at`

func (s *Store) EnqueueMessage(ctx context.Context, tenantID string, msg *notify.OutboxMessage) (*notify.OutboxMessage, bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, false, err
	}

	now := s.clock.Now().UTC()
	id := msg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	nextAttempt := msg.NextAttemptAt
	if nextAttempt.IsZero() {
		nextAttempt = now
	}
	params := msg.TemplateParams
	if params == nil {
		params = map[string]string{}
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO outbox_messages (
			id, tenant_id, job_id, recipient, channel, provider,
			template_key, template_version, template_params, dedup_key,
			status, attempt_count, max_attempts, next_attempt_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'PENDING',0,$11,$12,$13,$13)
		ON CONFLICT (tenant_id, dedup_key)
			WHERE dedup_key <> '' AND status IN ('PENDING', 'SENDING', 'RETRYING', 'SENT')
			DO NOTHING`,
		id, tenantID, nullableUUID(msg.JobID), msg.Recipient, string(msg.Channel), msg.Provider,
		msg.TemplateKey, msg.TemplateVersion, params, msg.DedupKey,
		msg.MaxAttempts, nextAttempt, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue message: %w", err)
	}

	if tag.RowsAffected() == 0 {
		row := s.pool.QueryRow(ctx,
			`SELECT `+messageColumns+` FROM outbox_messages
			 WHERE tenant_id = $1 AND dedup_key = $2
			   AND status IN ('PENDING', 'SENDING', 'RETRYING', 'SENT')`,
			tenantID, msg.DedupKey,
		)
		existing, err := scanMessage(row)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load deduplicated message: %w", err)
		}
		return existing, false, nil
	}

	inserted, err := s.GetMessage(ctx, tenantID, id)
	if err != nil {
		return nil, false, err
	}
	return inserted, true, nil
}

func (s *Store) GetMessage(ctx context.Context, tenantID string, messageID uuid.UUID) (*notify.OutboxMessage, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM outbox_messages WHERE id = $1 AND tenant_id = $2`,
		messageID, tenantID,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

func (s *Store) ListJobMessages(ctx context.Context, tenantID string, jobID uuid.UUID) ([]*notify.OutboxMessage, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM outbox_messages
		 WHERE tenant_id = $1 AND job_id = $2 ORDER BY created_at`,
		tenantID, jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list job messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (s *Store) FindByProviderMessageID(ctx context.Context, tenantID, provider, providerMessageID string) (*notify.OutboxMessage, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if providerMessageID == "" {
		return nil, store.ErrMessageNotFound
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM outbox_messages
		 WHERE tenant_id = $1 AND provider = $2 AND provider_message_id = $3`,
		tenantID, provider, providerMessageID,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to find message by provider id: %w", err)
	}
	return msg, nil
}

// ClaimBatch locks ready rows with SKIP LOCKED so concurrent claimers pass
// each other instead of blocking, then leases them in the same statement.
func (s *Store) ClaimBatch(ctx context.Context, tenantID string, req store.ClaimRequest) ([]*notify.OutboxMessage, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if req.BatchSize <= 0 || req.WorkerID == "" || req.LeaseDuration <= 0 {
		return nil, nil
	}

	now := s.clock.Now().UTC()
	leaseExpiry := now.Add(req.LeaseDuration)

	rows, err := s.pool.Query(ctx, `
		WITH ready AS (
			SELECT m.id
			FROM outbox_messages m
			LEFT JOIN notification_jobs j ON j.id = m.job_id
			WHERE m.tenant_id = $1
			  AND m.status IN ('PENDING', 'RETRYING')
			  AND m.next_attempt_at <= $2
			  AND (j.expires_at IS NULL OR j.expires_at > $2)
			ORDER BY (m.status = 'RETRYING') DESC, m.created_at
			LIMIT $3
			FOR UPDATE OF m SKIP LOCKED
		)
		UPDATE outbox_messages AS o
		SET status = 'SENDING',
		    attempt_count = o.attempt_count + 1,
		    locked_by = $4,
		    locked_at = $2,
		    lease_expires_at = $5,
		    updated_at = $2
		FROM ready
		WHERE o.id = ready.id
		RETURNING `+claimedColumns,
		tenantID, now, req.BatchSize, req.WorkerID, leaseExpiry,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (s *Store) RecordOutcome(ctx context.Context, tenantID string, update store.OutcomeUpdate) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	now := s.clock.Now().UTC()

	return s.withTx(ctx, func(tx pgx.Tx) error {
		msg, err := lockMessage(ctx, tx, tenantID, update.MessageID)
		if err != nil {
			return err
		}
		if !msg.HeldBy(update.WorkerID, now) {
			return store.ErrLeaseLost
		}
		if err := notify.ValidateTransition(msg.Status, update.To); err != nil {
			return err
		}

		providerMessageID := msg.ProviderMessageID
		nextAttemptAt := msg.NextAttemptAt
		switch update.To {
		case notify.StatusSent:
			providerMessageID = update.ProviderMessageID
		case notify.StatusRetrying:
			nextAttemptAt = update.NextAttemptAt
		}

		var errorCode string
		var errorAt *time.Time
		if update.ErrorCode != "" {
			errorCode = string(update.ErrorCode)
			errorAt = &now
		} else {
			errorCode = string(msg.LastErrorCode)
			errorAt = msg.LastErrorAt
		}

		_, err = tx.Exec(ctx, `
			UPDATE outbox_messages
			SET status = $1, next_attempt_at = $2, provider_message_id = $3,
			    last_error_code = $4, last_error_at = $5,
			    locked_by = '', locked_at = NULL, lease_expires_at = NULL,
			    updated_at = $6
			WHERE id = $7 AND tenant_id = $8`,
			string(update.To), nextAttemptAt, providerMessageID,
			errorCode, errorAt, now,
			update.MessageID, tenantID,
		)
		if err != nil {
			return fmt.Errorf("failed to record outcome: %w", err)
		}
		return nil
	})
}

func (s *Store) ReleaseClaim(ctx context.Context, tenantID string, messageID uuid.UUID, workerID string, nextAttemptAt time.Time) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	now := s.clock.Now().UTC()

	return s.withTx(ctx, func(tx pgx.Tx) error {
		msg, err := lockMessage(ctx, tx, tenantID, messageID)
		if err != nil {
			return err
		}
		if !msg.HeldBy(workerID, now) {
			return store.ErrLeaseLost
		}

		attempts := msg.AttemptCount - 1
		status := notify.StatusRetrying
		if attempts <= 0 {
			attempts = 0
			status = notify.StatusPending
		}

		_, err = tx.Exec(ctx, `
			UPDATE outbox_messages
			SET status = $1, attempt_count = $2, next_attempt_at = $3,
			    locked_by = '', locked_at = NULL, lease_expires_at = NULL,
			    updated_at = $4
			WHERE id = $5 AND tenant_id = $6`,
			string(status), attempts, nextAttemptAt, now, messageID, tenantID,
		)
		if err != nil {
			return fmt.Errorf("failed to release claim: %w", err)
		}
		return nil
	})
}

func (s *Store) SettleFromWebhook(ctx context.Context, tenantID string, messageID uuid.UUID, verdict notify.WebhookEventType, occurredAt time.Time) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}

	now := s.clock.Now().UTC()
	applied := false

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		msg, err := lockMessage(ctx, tx, tenantID, messageID)
		if err != nil {
			return err
		}

		switch verdict {
		case notify.WebhookDelivered:
			if msg.Status != notify.StatusSent {
				return nil
			}
			delivered := occurredAt.UTC()
			_, err = tx.Exec(ctx, `
				UPDATE outbox_messages
				SET status = 'DELIVERED', delivered_at = $1, updated_at = $2
				WHERE id = $3 AND tenant_id = $4`,
				delivered, now, messageID, tenantID,
			)
		case notify.WebhookFailed:
			if msg.Status != notify.StatusSent && msg.Status != notify.StatusSending {
				return nil
			}
			_, err = tx.Exec(ctx, `
				UPDATE outbox_messages
				SET status = 'FAILED',
				    locked_by = '', locked_at = NULL, lease_expires_at = NULL,
				    updated_at = $1
				WHERE id = $2 AND tenant_id = $3`,
				now, messageID, tenantID,
			)
		default:
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to settle message: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *Store) ReapExpiredLeases(ctx context.Context, tenantID string, backoff time.Duration) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}

	now := s.clock.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = CASE WHEN attempt_count >= max_attempts THEN 'DEAD' ELSE 'RETRYING' END,
		    next_attempt_at = CASE WHEN attempt_count >= max_attempts THEN next_attempt_at ELSE $1 END,
		    last_error_code = $2, last_error_at = $3,
		    locked_by = '', locked_at = NULL, lease_expires_at = NULL,
		    updated_at = $3
		WHERE tenant_id = $4 AND status = 'SENDING' AND lease_expires_at < $3`,
		now.Add(backoff), string(notify.ErrCodeLockExpired), now, tenantID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) RequeueDead(ctx context.Context, tenantID string, messageID uuid.UUID) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	now := s.clock.Now().UTC()

	return s.withTx(ctx, func(tx pgx.Tx) error {
		msg, err := lockMessage(ctx, tx, tenantID, messageID)
		if err != nil {
			return err
		}
		if msg.Status != notify.StatusDead {
			return store.ErrNotDead
		}

		if msg.DedupKey != "" {
			var held bool
			err = tx.QueryRow(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM outbox_messages
					WHERE tenant_id = $1 AND dedup_key = $2 AND id <> $3
					  AND status IN ('PENDING', 'SENDING', 'RETRYING', 'SENT'))`,
				tenantID, msg.DedupKey, messageID,
			).Scan(&held)
			if err != nil {
				return fmt.Errorf("failed to check dedup key holder: %w", err)
			}
			if held {
				// A newer live message claimed the key while this one was dead.
				return store.ErrDuplicateLive
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE outbox_messages
			SET status = 'PENDING', attempt_count = 0, next_attempt_at = $1, updated_at = $1
			WHERE id = $2 AND tenant_id = $3`,
			now, messageID, tenantID,
		)
		if err != nil {
			return fmt.Errorf("failed to requeue message: %w", err)
		}
		return nil
	})
}

func (s *Store) CancelJobMessages(ctx context.Context, tenantID string, jobID uuid.UUID) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}

	now := s.clock.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_messages
		SET status = 'CANCELLED', last_error_code = $1, updated_at = $2
		WHERE tenant_id = $3 AND job_id = $4 AND status IN ('PENDING', 'RETRYING')`,
		string(notify.ErrCodeJobCancelled), now, tenantID, jobID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel job messages: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) AppendDeliveryLog(ctx context.Context, tenantID string, entry *notify.DeliveryLogEntry) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	id := entry.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	recordedAt := entry.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = s.clock.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_log (id, tenant_id, message_id, kind, attempt, status, error_code, detail, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		id, tenantID, entry.MessageID, string(entry.Kind), entry.Attempt,
		string(entry.Status), string(entry.ErrorCode), entry.Detail, recordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append delivery log: %w", err)
	}
	return nil
}

func (s *Store) ListDeliveryLog(ctx context.Context, tenantID string, messageID uuid.UUID) ([]*notify.DeliveryLogEntry, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, message_id, kind, attempt, status, error_code, detail, recorded_at
		FROM delivery_log
		WHERE tenant_id = $1 AND message_id = $2
		ORDER BY recorded_at`,
		tenantID, messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery log: %w", err)
	}
	defer rows.Close()

	var entries []*notify.DeliveryLogEntry
	for rows.Next() {
		var entry notify.DeliveryLogEntry
		var kind, status, errorCode string
		if err := rows.Scan(
			&entry.ID, &entry.TenantID, &entry.MessageID, &kind, &entry.Attempt,
			&status, &errorCode, &entry.Detail, &entry.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan delivery log entry: %w", err)
		}
		entry.Kind = notify.DeliveryLogKind(kind)
		entry.Status = notify.MessageStatus(status)
		entry.ErrorCode = notify.ErrorCode(errorCode)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

func (s *Store) InsertWebhookEvent(ctx context.Context, tenantID string, event *notify.WebhookEvent) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}

	receivedAt := event.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = s.clock.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (provider, provider_event_id, tenant_id, event_type, provider_message_id, occurred_at, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		event.Provider, event.ProviderEventID, tenantID, string(event.EventType),
		event.ProviderMessageID, event.OccurredAt, receivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DeleteWebhookEvent(ctx context.Context, tenantID, provider, providerEventID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	_, err := s.pool.Exec(ctx, `
		DELETE FROM webhook_events
		WHERE provider = $1 AND provider_event_id = $2 AND tenant_id = $3`,
		provider, providerEventID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete webhook event: %w", err)
	}
	return nil
}

// MutateBucket serializes concurrent consumers of one bucket behind a row
// lock; unrelated buckets proceed in parallel.
func (s *Store) MutateBucket(ctx context.Context, tenantID, provider string, defaults store.RateLimitBucket, fn func(b *store.RateLimitBucket) error) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	lastRefill := defaults.LastRefillAt
	if lastRefill.IsZero() {
		lastRefill = s.clock.Now().UTC()
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO rate_limit_buckets (tenant_id, provider, tokens_remaining, max_tokens, refill_rate, last_refill_at)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (tenant_id, provider) DO NOTHING`,
			tenantID, provider, defaults.TokensRemaining, defaults.MaxTokens, defaults.RefillRate, lastRefill,
		)
		if err != nil {
			return fmt.Errorf("failed to seed bucket: %w", err)
		}

		bucket := store.RateLimitBucket{TenantID: tenantID, Provider: provider}
		err = tx.QueryRow(ctx, `
			SELECT tokens_remaining, max_tokens, refill_rate, last_refill_at
			FROM rate_limit_buckets
			WHERE tenant_id = $1 AND provider = $2
			FOR UPDATE`,
			tenantID, provider,
		).Scan(&bucket.TokensRemaining, &bucket.MaxTokens, &bucket.RefillRate, &bucket.LastRefillAt)
		if err != nil {
			return fmt.Errorf("failed to lock bucket: %w", err)
		}

		if err := fn(&bucket); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE rate_limit_buckets
			SET tokens_remaining = $1, max_tokens = $2, refill_rate = $3, last_refill_at = $4
			WHERE tenant_id = $5 AND provider = $6`,
			bucket.TokensRemaining, bucket.MaxTokens, bucket.RefillRate, bucket.LastRefillAt,
			tenantID, provider,
		)
		if err != nil {
			return fmt.Errorf("failed to persist bucket: %w", err)
		}
		return nil
	})
}

func (s *Store) GetBucket(ctx context.Context, tenantID, provider string) (*store.RateLimitBucket, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	bucket := store.RateLimitBucket{TenantID: tenantID, Provider: provider}
	err := s.pool.QueryRow(ctx, `
		SELECT tokens_remaining, max_tokens, refill_rate, last_refill_at
		FROM rate_limit_buckets
		WHERE tenant_id = $1 AND provider = $2`,
		tenantID, provider,
	).Scan(&bucket.TokensRemaining, &bucket.MaxTokens, &bucket.RefillRate, &bucket.LastRefillAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrBucketNotFound
		}
		return nil, fmt.Errorf("failed to get bucket: %w", err)
	}
	return &bucket, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT tenant_id FROM outbox_messages
		WHERE status IN ('PENDING', 'SENDING', 'RETRYING', 'SENT')
		ORDER BY tenant_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, tenantID)
	}
	return tenants, rows.Err()
}

func lockMessage(ctx context.Context, tx pgx.Tx, tenantID string, messageID uuid.UUID) (*notify.OutboxMessage, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM outbox_messages
		 WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
		messageID, tenantID,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to lock message: %w", err)
	}
	return msg, nil
}

func scanJob(row pgx.Row) (*notify.Job, error) {
	var job notify.Job
	var channel, status string
	if err := row.Scan(
		&job.ID, &job.TenantID, &job.JobType, &job.SiteID, &job.ReferenceID, &channel, &job.Provider,
		&status, &job.Status.TotalCount, &job.Status.SentCount, &job.Status.DeliveredCount,
		&job.Status.FailedCount, &job.Status.SkippedCount,
		&job.MaxAttempts, &job.BackoffBaseSeconds, &job.ScheduledAt, &job.ExpiresAt, &job.ErrorSummary,
		&job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Channel = notify.Channel(channel)
	job.Status.Status = notify.JobStatus(status)
	return &job, nil
}

func scanMessage(row pgx.Row) (*notify.OutboxMessage, error) {
	var msg notify.OutboxMessage
	var jobID *uuid.UUID
	var channel, status, errorCode string
	if err := row.Scan(
		&msg.ID, &msg.TenantID, &jobID, &msg.Recipient, &channel, &msg.Provider,
		&msg.TemplateKey, &msg.TemplateVersion, &msg.TemplateParams,
		&msg.DedupKey, &status, &msg.AttemptCount, &msg.MaxAttempts, &msg.NextAttemptAt,
		&msg.LockedBy, &msg.LockedAt, &msg.LeaseExpiresAt,
		&msg.ProviderMessageID, &errorCode, &msg.LastErrorAt, &msg.DeliveredAt,
		&msg.CreatedAt, &msg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if jobID != nil {
		msg.JobID = *jobID
	}
	msg.Channel = notify.Channel(channel)
	msg.Status = notify.MessageStatus(status)
	msg.LastErrorCode = notify.ErrorCode(errorCode)
	return &msg, nil
}

func scanMessages(rows pgx.Rows) ([]*notify.OutboxMessage, error) {
	var result []*notify.OutboxMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		result = append(result, msg)
	}
	return result, rows.Err()
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
