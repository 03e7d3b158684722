// Package engine runs the delivery worker pool: claim a batch of ready
// messages, check eligibility and rate limits, call the provider with a
// bounded timeout, and record the outcome through the retry policy. All
// per-message failures are absorbed locally; the pool never crashes on a
// bad message.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/heraldhq/herald/internal/notify"
	"github.com/heraldhq/herald/internal/ratelimit"
	"github.com/heraldhq/herald/internal/retry"
	"github.com/heraldhq/herald/internal/store"
)

// EngineStore defines what the worker pool needs from the store layer.
type EngineStore interface {
	store.TenantLister
	ClaimBatch(ctx context.Context, tenantID string, req store.ClaimRequest) ([]*notify.OutboxMessage, error)
	RecordOutcome(ctx context.Context, tenantID string, update store.OutcomeUpdate) error
	ReleaseClaim(ctx context.Context, tenantID string, messageID uuid.UUID, workerID string, nextAttemptAt time.Time) error
	GetJob(ctx context.Context, tenantID string, jobID uuid.UUID) (*notify.Job, error)
	AppendDeliveryLog(ctx context.Context, tenantID string, entry *notify.DeliveryLogEntry) error
}

// Aggregator re-derives parent job status after a child settles.
type Aggregator interface {
	MessageSettled(ctx context.Context, tenantID string, jobID uuid.UUID) error
}

// Announcer publishes message transitions for downstream consumers.
type Announcer interface {
	MessageSettled(ctx context.Context, msg *notify.OutboxMessage, status notify.MessageStatus)
}

type Config struct {
	NumWorkers    int
	BatchSize     int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	// SendTimeout bounds one provider call; expiry is a retryable failure.
	SendTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		NumWorkers:    4,
		BatchSize:     25,
		PollInterval:  2 * time.Second,
		LeaseDuration: 60 * time.Second,
		SendTimeout:   15 * time.Second,
	}
}

type Engine struct {
	store       EngineStore
	sender      Sender
	eligibility EligibilityChecker
	limiter     *ratelimit.Limiter
	policy      *retry.Policy
	aggregator  Aggregator
	announcer   Announcer
	config      Config
	clock       clockwork.Clock
	instanceID  string

	mu         sync.Mutex
	running    bool
	stopChan   chan struct{}
	wg         sync.WaitGroup
	tenantTurn int
}

func NewEngine(
	engineStore EngineStore,
	sender Sender,
	eligibility EligibilityChecker,
	limiter *ratelimit.Limiter,
	policy *retry.Policy,
	aggregator Aggregator,
	announcer Announcer,
	cfg Config,
	clock clockwork.Clock,
) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if eligibility == nil {
		eligibility = AllowAll{}
	}
	return &Engine{
		store:       engineStore,
		sender:      sender,
		eligibility: eligibility,
		limiter:     limiter,
		policy:      policy,
		aggregator:  aggregator,
		announcer:   announcer,
		config:      cfg,
		clock:       clock,
		instanceID:  uuid.NewString()[:8],
		stopChan:    make(chan struct{}),
	}
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("delivery engine already running")
	}
	e.running = true
	e.mu.Unlock()

	for i := 0; i < e.config.NumWorkers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}

	log.Info().
		Str("instance", e.instanceID).
		Int("workers", e.config.NumWorkers).
		Int("batch_size", e.config.BatchSize).
		Dur("poll_interval", e.config.PollInterval).
		Msg("delivery engine started")

	return nil
}

func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return fmt.Errorf("delivery engine not running")
	}
	e.running = false
	e.mu.Unlock()

	close(e.stopChan)
	e.wg.Wait()

	log.Info().Str("instance", e.instanceID).Msg("delivery engine stopped")
	return nil
}

func (e *Engine) worker(ctx context.Context, workerNum int) {
	defer e.wg.Done()

	workerID := fmt.Sprintf("%s-%d", e.instanceID, workerNum)
	log.Debug().Str("worker_id", workerID).Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		default:
		}

		processed, err := e.RunOnce(ctx, workerID)
		if err != nil {
			log.Error().Err(err).Str("worker_id", workerID).Msg("delivery cycle failed")
		}
		if processed > 0 {
			continue
		}

		// Nothing claimable anywhere; back off until the next poll.
		select {
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		case <-e.clock.After(e.config.PollInterval):
		}
	}
}

// RunOnce claims and processes one batch per tenant, rotating the starting
// tenant between cycles so one busy tenant cannot starve the rest. Returns
// the number of messages processed.
func (e *Engine) RunOnce(ctx context.Context, workerID string) (int, error) {
	tenants, err := e.store.ListTenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list tenants: %w", err)
	}
	if len(tenants) == 0 {
		return 0, nil
	}

	e.mu.Lock()
	start := e.tenantTurn % len(tenants)
	e.tenantTurn++
	e.mu.Unlock()

	processed := 0
	for i := 0; i < len(tenants); i++ {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		tenantID := tenants[(start+i)%len(tenants)]

		claimed, err := e.store.ClaimBatch(ctx, tenantID, store.ClaimRequest{
			BatchSize:     e.config.BatchSize,
			WorkerID:      workerID,
			LeaseDuration: e.config.LeaseDuration,
		})
		if err != nil {
			log.Error().Err(err).Str("tenant_id", tenantID).Msg("claim failed")
			continue
		}

		for _, msg := range claimed {
			e.process(ctx, workerID, msg)
			processed++
		}
	}

	return processed, nil
}

// process runs one claimed message through to a recorded outcome.
func (e *Engine) process(ctx context.Context, workerID string, msg *notify.OutboxMessage) {
	if e.skipForJobState(ctx, workerID, msg) {
		return
	}

	eligible, reason, err := e.eligibility.IsEligible(ctx, msg.TenantID, msg.Recipient, msg.Channel)
	if err != nil {
		e.recordAttempt(ctx, workerID, msg, retry.Outcome{
			Err: &notify.SendError{Code: notify.ErrCodeEligibilityUnavailable, Message: err.Error()},
		})
		return
	}
	if !eligible {
		if !reason.Skip() {
			reason = notify.ErrCodeConsentMissing
		}
		e.recordAttempt(ctx, workerID, msg, retry.Outcome{
			Err: &notify.SendError{Code: reason},
		})
		return
	}

	if e.limiter != nil {
		decision, err := e.limiter.CheckAndConsume(ctx, msg.TenantID, msg.Provider, 1)
		if err != nil {
			log.Error().Err(err).Str("message_id", msg.ID.String()).Msg("rate limit check failed")
			e.release(ctx, workerID, msg, e.config.PollInterval)
			return
		}
		if !decision.Allowed {
			// Denial is not an attempt: hand the claim back and let the
			// bucket refill.
			e.release(ctx, workerID, msg, decision.RetryAfter)
			return
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.config.SendTimeout)
	providerMessageID, sendErr := e.sender.Send(sendCtx, msg)
	cancel()

	if sendErr != nil && errors.Is(sendErr, context.DeadlineExceeded) {
		sendErr = &notify.SendError{Code: notify.ErrCodeProviderTimeout, Message: "send timed out"}
	}

	e.recordAttempt(ctx, workerID, msg, retry.Outcome{
		Err:               sendErr,
		ProviderMessageID: providerMessageID,
	})
}

// skipForJobState cancels freshly claimed messages whose parent job was
// cancelled or expired between enqueue and claim.
func (e *Engine) skipForJobState(ctx context.Context, workerID string, msg *notify.OutboxMessage) bool {
	if msg.JobID == uuid.Nil {
		return false
	}

	parent, err := e.store.GetJob(ctx, msg.TenantID, msg.JobID)
	if err != nil {
		log.Error().Err(err).Str("message_id", msg.ID.String()).Msg("failed to load parent job")
		e.release(ctx, workerID, msg, e.config.PollInterval)
		return true
	}

	var code notify.ErrorCode
	switch {
	case parent.Status.Status == notify.JobCancelled:
		code = notify.ErrCodeJobCancelled
	case parent.Expired(e.clock.Now().UTC()):
		code = notify.ErrCodeJobExpired
	default:
		return false
	}

	e.applyDecision(ctx, workerID, msg, retry.Decision{To: notify.StatusCancelled, ErrorCode: code})
	return true
}

func (e *Engine) recordAttempt(ctx context.Context, workerID string, msg *notify.OutboxMessage, outcome retry.Outcome) {
	decision := e.policy.Decide(msg, outcome, e.clock.Now().UTC())
	e.applyDecision(ctx, workerID, msg, decision)
}

func (e *Engine) applyDecision(ctx context.Context, workerID string, msg *notify.OutboxMessage, decision retry.Decision) {
	err := e.store.RecordOutcome(ctx, msg.TenantID, store.OutcomeUpdate{
		MessageID:         msg.ID,
		WorkerID:          workerID,
		To:                decision.To,
		NextAttemptAt:     decision.NextAttemptAt,
		ErrorCode:         decision.ErrorCode,
		ProviderMessageID: decision.ProviderMessageID,
	})
	if err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			// The reaper or a webhook got there first; the message is no
			// longer ours to settle.
			log.Warn().
				Str("message_id", msg.ID.String()).
				Str("worker_id", workerID).
				Msg("lease lost before outcome could be recorded")
			return
		}
		log.Error().Err(err).Str("message_id", msg.ID.String()).Msg("failed to record outcome")
		return
	}

	logEntry := &notify.DeliveryLogEntry{
		MessageID: msg.ID,
		Kind:      notify.LogKindAttempt,
		Attempt:   msg.AttemptCount,
		Status:    decision.To,
		ErrorCode: decision.ErrorCode,
	}
	if err := e.store.AppendDeliveryLog(ctx, msg.TenantID, logEntry); err != nil {
		log.Error().Err(err).Str("message_id", msg.ID.String()).Msg("failed to append delivery log entry")
	}

	log.Debug().
		Str("message_id", msg.ID.String()).
		Str("status", string(decision.To)).
		Str("error_code", string(decision.ErrorCode)).
		Int("attempt", msg.AttemptCount).
		Msg("attempt recorded")

	if e.announcer != nil && (decision.To.Terminal() || decision.To == notify.StatusSent) {
		e.announcer.MessageSettled(ctx, msg, decision.To)
	}

	// SENT settles the message for aggregation purposes even though the
	// provider's webhook may later move it to DELIVERED or FAILED.
	if msg.JobID != uuid.Nil && e.aggregator != nil &&
		(decision.To.Terminal() || decision.To == notify.StatusSent) {
		if err := e.aggregator.MessageSettled(ctx, msg.TenantID, msg.JobID); err != nil {
			log.Error().Err(err).Str("job_id", msg.JobID.String()).Msg("failed to aggregate job status")
		}
	}
}

func (e *Engine) release(ctx context.Context, workerID string, msg *notify.OutboxMessage, wait time.Duration) {
	if wait <= 0 {
		wait = e.config.PollInterval
	}
	nextAttempt := e.clock.Now().UTC().Add(wait)

	if err := e.store.ReleaseClaim(ctx, msg.TenantID, msg.ID, workerID, nextAttempt); err != nil && !errors.Is(err, store.ErrLeaseLost) {
		log.Error().Err(err).Str("message_id", msg.ID.String()).Msg("failed to release claim")
	}
}
