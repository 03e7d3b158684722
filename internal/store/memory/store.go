// Package memory implements the store contract in process memory. It backs
// single-process deployments and every package's tests; mutual exclusion is
// a store-wide mutex for rows and a per-bucket mutex for token buckets, so
// claim atomicity matches the row-locking Postgres implementation.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/heraldhq/herald/internal/notify"
	"github.com/heraldhq/herald/internal/store"
)

type Store struct {
	clock clockwork.Clock

	mu       sync.Mutex
	jobs     map[uuid.UUID]*notify.Job
	messages map[uuid.UUID]*notify.OutboxMessage
	// dedup indexes live messages by (tenant, dedup key).
	dedup    map[dedupIndexKey]uuid.UUID
	log      []*notify.DeliveryLogEntry
	webhooks map[webhookIndexKey]*notify.WebhookEvent

	bucketMu sync.Mutex
	buckets  map[bucketIndexKey]*bucketSlot
}

type dedupIndexKey struct {
	tenantID string
	dedupKey string
}

type webhookIndexKey struct {
	provider        string
	providerEventID string
}

type bucketIndexKey struct {
	tenantID string
	provider string
}

// bucketSlot carries its own mutex so unrelated buckets never serialize.
type bucketSlot struct {
	mu     sync.Mutex
	bucket store.RateLimitBucket
}

var _ store.Store = (*Store)(nil)

func NewStore(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock:    clock,
		jobs:     make(map[uuid.UUID]*notify.Job),
		messages: make(map[uuid.UUID]*notify.OutboxMessage),
		dedup:    make(map[dedupIndexKey]uuid.UUID),
		webhooks: make(map[webhookIndexKey]*notify.WebhookEvent),
		buckets:  make(map[bucketIndexKey]*bucketSlot),
	}
}

func requireTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return store.ErrTenantRequired
	}
	return nil
}

// CreateJob stores a new job owned by tenantID.
func (s *Store) CreateJob(ctx context.Context, tenantID string, job *notify.Job) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	now := s.clock.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *job
	stored.TenantID = tenantID
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.jobs[stored.ID] = &stored

	job.TenantID = tenantID
	job.CreatedAt = now
	job.UpdatedAt = now

	return nil
}

func (s *Store) GetJob(ctx context.Context, tenantID string, jobID uuid.UUID) (*notify.Job, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.TenantID != tenantID {
		return nil, store.ErrJobNotFound
	}

	copied := *job
	return &copied, nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, tenantID string, jobID uuid.UUID, status notify.JobCountsStatus, errorSummary string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.TenantID != tenantID {
		return store.ErrJobNotFound
	}
	if job.Status.Status.Terminal() {
		return store.ErrJobTerminal
	}

	job.Status = status
	job.ErrorSummary = errorSummary
	job.UpdatedAt = s.clock.Now().UTC()

	return nil
}

func (s *Store) CountJobMessages(ctx context.Context, tenantID string, jobID uuid.UUID) (notify.JobCountsStatus, error) {
	if err := requireTenant(tenantID); err != nil {
		return notify.JobCountsStatus{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok || job.TenantID != tenantID {
		return notify.JobCountsStatus{}, store.ErrJobNotFound
	}

	counts := notify.JobCountsStatus{Status: job.Status.Status}
	for _, msg := range s.messages {
		if msg.TenantID != tenantID || msg.JobID != jobID {
			continue
		}
		counts.TotalCount++
		switch msg.Status {
		case notify.StatusSent:
			counts.SentCount++
		case notify.StatusDelivered:
			counts.SentCount++
			counts.DeliveredCount++
		case notify.StatusDead, notify.StatusFailed:
			counts.FailedCount++
		case notify.StatusSkipped, notify.StatusCancelled:
			counts.SkippedCount++
		}
	}

	return counts, nil
}

// EnqueueMessage inserts msg unless its dedup key is already held by a live
// message of the same tenant.
func (s *Store) EnqueueMessage(ctx context.Context, tenantID string, msg *notify.OutboxMessage) (*notify.OutboxMessage, bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, false, err
	}

	now := s.clock.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.DedupKey != "" {
		key := dedupIndexKey{tenantID: tenantID, dedupKey: msg.DedupKey}
		if existingID, ok := s.dedup[key]; ok {
			if existing, ok := s.messages[existingID]; ok && existing.Status.Live() {
				return copyMessage(existing), false, nil
			}
			// Index entry pointing at a settled message is stale.
			delete(s.dedup, key)
		}
	}

	stored := *msg
	stored.TenantID = tenantID
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	stored.Status = notify.StatusPending
	stored.CreatedAt = now
	stored.UpdatedAt = now
	if stored.TemplateParams != nil {
		stored.TemplateParams = copyParams(stored.TemplateParams)
	}

	s.messages[stored.ID] = &stored
	if stored.DedupKey != "" {
		s.dedup[dedupIndexKey{tenantID: tenantID, dedupKey: stored.DedupKey}] = stored.ID
	}

	return copyMessage(&stored), true, nil
}

func (s *Store) GetMessage(ctx context.Context, tenantID string, messageID uuid.UUID) (*notify.OutboxMessage, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok || msg.TenantID != tenantID {
		return nil, store.ErrMessageNotFound
	}

	return copyMessage(msg), nil
}

func (s *Store) ListJobMessages(ctx context.Context, tenantID string, jobID uuid.UUID) ([]*notify.OutboxMessage, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*notify.OutboxMessage
	for _, msg := range s.messages {
		if msg.TenantID == tenantID && msg.JobID == jobID {
			result = append(result, copyMessage(msg))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

func (s *Store) FindByProviderMessageID(ctx context.Context, tenantID, provider, providerMessageID string) (*notify.OutboxMessage, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if providerMessageID == "" {
		return nil, store.ErrMessageNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, msg := range s.messages {
		if msg.TenantID == tenantID && msg.Provider == provider && msg.ProviderMessageID == providerMessageID {
			return copyMessage(msg), nil
		}
	}

	return nil, store.ErrMessageNotFound
}

// ClaimBatch selects and leases ready messages in one critical section, so
// concurrent workers can never claim the same row.
func (s *Store) ClaimBatch(ctx context.Context, tenantID string, req store.ClaimRequest) ([]*notify.OutboxMessage, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}
	if req.BatchSize <= 0 || req.WorkerID == "" || req.LeaseDuration <= 0 {
		return nil, nil
	}

	now := s.clock.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*notify.OutboxMessage
	for _, msg := range s.messages {
		if msg.TenantID != tenantID || !msg.Status.Claimable() {
			continue
		}
		if msg.NextAttemptAt.After(now) {
			continue
		}
		if job, ok := s.jobs[msg.JobID]; ok && job.Expired(now) {
			continue
		}
		ready = append(ready, msg)
	}

	// Retried work re-delivers before new work; ties break oldest first.
	sort.Slice(ready, func(i, j int) bool {
		ri, rj := ready[i].Status == notify.StatusRetrying, ready[j].Status == notify.StatusRetrying
		if ri != rj {
			return ri
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	if len(ready) > req.BatchSize {
		ready = ready[:req.BatchSize]
	}

	claimed := make([]*notify.OutboxMessage, 0, len(ready))
	lockedAt := now
	leaseExpiry := now.Add(req.LeaseDuration)
	for _, msg := range ready {
		msg.Status = notify.StatusSending
		msg.AttemptCount++
		msg.LockedBy = req.WorkerID
		msg.LockedAt = &lockedAt
		msg.LeaseExpiresAt = &leaseExpiry
		msg.UpdatedAt = now
		claimed = append(claimed, copyMessage(msg))
	}

	return claimed, nil
}

func (s *Store) RecordOutcome(ctx context.Context, tenantID string, update store.OutcomeUpdate) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	now := s.clock.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[update.MessageID]
	if !ok || msg.TenantID != tenantID {
		return store.ErrMessageNotFound
	}
	if !msg.HeldBy(update.WorkerID, now) {
		return store.ErrLeaseLost
	}
	if err := notify.ValidateTransition(msg.Status, update.To); err != nil {
		return err
	}

	msg.Status = update.To
	msg.ClearLease()
	msg.UpdatedAt = now

	switch update.To {
	case notify.StatusSent:
		msg.ProviderMessageID = update.ProviderMessageID
	case notify.StatusRetrying:
		msg.NextAttemptAt = update.NextAttemptAt
	}
	if update.ErrorCode != "" {
		msg.LastErrorCode = update.ErrorCode
		errorAt := now
		msg.LastErrorAt = &errorAt
	}
	if msg.Status.Terminal() && msg.DedupKey != "" {
		delete(s.dedup, dedupIndexKey{tenantID: tenantID, dedupKey: msg.DedupKey})
	}

	return nil
}

// ReleaseClaim unwinds a claim without spending an attempt. The message
// returns to PENDING when no earlier attempt ran, otherwise to RETRYING.
func (s *Store) ReleaseClaim(ctx context.Context, tenantID string, messageID uuid.UUID, workerID string, nextAttemptAt time.Time) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	now := s.clock.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok || msg.TenantID != tenantID {
		return store.ErrMessageNotFound
	}
	if !msg.HeldBy(workerID, now) {
		return store.ErrLeaseLost
	}

	msg.AttemptCount--
	if msg.AttemptCount <= 0 {
		msg.AttemptCount = 0
		msg.Status = notify.StatusPending
	} else {
		msg.Status = notify.StatusRetrying
	}
	msg.ClearLease()
	msg.NextAttemptAt = nextAttemptAt
	msg.UpdatedAt = now

	return nil
}

func (s *Store) SettleFromWebhook(ctx context.Context, tenantID string, messageID uuid.UUID, verdict notify.WebhookEventType, occurredAt time.Time) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}

	now := s.clock.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok || msg.TenantID != tenantID {
		return false, store.ErrMessageNotFound
	}

	switch verdict {
	case notify.WebhookDelivered:
		if msg.Status != notify.StatusSent {
			return false, nil
		}
		msg.Status = notify.StatusDelivered
		delivered := occurredAt.UTC()
		msg.DeliveredAt = &delivered
	case notify.WebhookFailed:
		if msg.Status != notify.StatusSent && msg.Status != notify.StatusSending {
			return false, nil
		}
		msg.Status = notify.StatusFailed
		msg.ClearLease()
	default:
		return false, nil
	}

	msg.UpdatedAt = now
	if msg.DedupKey != "" {
		delete(s.dedup, dedupIndexKey{tenantID: tenantID, dedupKey: msg.DedupKey})
	}

	return true, nil
}

func (s *Store) ReapExpiredLeases(ctx context.Context, tenantID string, backoff time.Duration) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}

	now := s.clock.Now().UTC()
	nextAttempt := now.Add(backoff)

	s.mu.Lock()
	defer s.mu.Unlock()

	reaped := 0
	for _, msg := range s.messages {
		if msg.TenantID != tenantID || !msg.LeaseExpired(now) {
			continue
		}
		if msg.AttemptCount >= msg.MaxAttempts {
			// The crashed attempt was the last one in the budget.
			msg.Status = notify.StatusDead
			if msg.DedupKey != "" {
				delete(s.dedup, dedupIndexKey{tenantID: tenantID, dedupKey: msg.DedupKey})
			}
		} else {
			msg.Status = notify.StatusRetrying
			msg.NextAttemptAt = nextAttempt
		}
		msg.ClearLease()
		msg.LastErrorCode = notify.ErrCodeLockExpired
		errorAt := now
		msg.LastErrorAt = &errorAt
		msg.UpdatedAt = now
		reaped++
	}

	return reaped, nil
}

func (s *Store) RequeueDead(ctx context.Context, tenantID string, messageID uuid.UUID) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	now := s.clock.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok || msg.TenantID != tenantID {
		return store.ErrMessageNotFound
	}
	if msg.Status != notify.StatusDead {
		return store.ErrNotDead
	}
	if msg.DedupKey != "" {
		key := dedupIndexKey{tenantID: tenantID, dedupKey: msg.DedupKey}
		if holder, ok := s.dedup[key]; ok && holder != msg.ID {
			// A newer live message claimed the key while this one was dead.
			return store.ErrDuplicateLive
		}
		// The message is live again; its identity is reserved once more.
		s.dedup[key] = msg.ID
	}

	msg.Status = notify.StatusPending
	msg.AttemptCount = 0
	msg.NextAttemptAt = now
	msg.UpdatedAt = now

	return nil
}

func (s *Store) CancelJobMessages(ctx context.Context, tenantID string, jobID uuid.UUID) (int, error) {
	if err := requireTenant(tenantID); err != nil {
		return 0, err
	}

	now := s.clock.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := 0
	for _, msg := range s.messages {
		if msg.TenantID != tenantID || msg.JobID != jobID || !msg.Status.Claimable() {
			continue
		}
		msg.Status = notify.StatusCancelled
		msg.LastErrorCode = notify.ErrCodeJobCancelled
		msg.UpdatedAt = now
		if msg.DedupKey != "" {
			delete(s.dedup, dedupIndexKey{tenantID: tenantID, dedupKey: msg.DedupKey})
		}
		cancelled++
	}

	return cancelled, nil
}

func (s *Store) AppendDeliveryLog(ctx context.Context, tenantID string, entry *notify.DeliveryLogEntry) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *entry
	stored.TenantID = tenantID
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if stored.RecordedAt.IsZero() {
		stored.RecordedAt = s.clock.Now().UTC()
	}
	s.log = append(s.log, &stored)

	return nil
}

func (s *Store) ListDeliveryLog(ctx context.Context, tenantID string, messageID uuid.UUID) ([]*notify.DeliveryLogEntry, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*notify.DeliveryLogEntry
	for _, entry := range s.log {
		if entry.TenantID == tenantID && entry.MessageID == messageID {
			copied := *entry
			result = append(result, &copied)
		}
	}

	return result, nil
}

func (s *Store) InsertWebhookEvent(ctx context.Context, tenantID string, event *notify.WebhookEvent) (bool, error) {
	if err := requireTenant(tenantID); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := webhookIndexKey{provider: event.Provider, providerEventID: event.ProviderEventID}
	if _, ok := s.webhooks[key]; ok {
		return false, nil
	}

	stored := *event
	stored.TenantID = tenantID
	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = s.clock.Now().UTC()
	}
	s.webhooks[key] = &stored

	return true, nil
}

func (s *Store) DeleteWebhookEvent(ctx context.Context, tenantID, provider, providerEventID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := webhookIndexKey{provider: provider, providerEventID: providerEventID}
	if stored, ok := s.webhooks[key]; ok && stored.TenantID == tenantID {
		delete(s.webhooks, key)
	}

	return nil
}

// MutateBucket serializes access per bucket: the store-wide bucket map lock
// only guards slot lookup, the slot's own mutex guards the token math.
func (s *Store) MutateBucket(ctx context.Context, tenantID, provider string, defaults store.RateLimitBucket, fn func(b *store.RateLimitBucket) error) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}

	slot := s.bucketSlot(tenantID, provider, defaults)

	slot.mu.Lock()
	defer slot.mu.Unlock()

	working := slot.bucket
	if err := fn(&working); err != nil {
		return err
	}
	slot.bucket = working

	return nil
}

func (s *Store) GetBucket(ctx context.Context, tenantID, provider string) (*store.RateLimitBucket, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	s.bucketMu.Lock()
	slot, ok := s.buckets[bucketIndexKey{tenantID: tenantID, provider: provider}]
	s.bucketMu.Unlock()
	if !ok {
		return nil, store.ErrBucketNotFound
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	copied := slot.bucket
	return &copied, nil
}

func (s *Store) bucketSlot(tenantID, provider string, defaults store.RateLimitBucket) *bucketSlot {
	key := bucketIndexKey{tenantID: tenantID, provider: provider}

	s.bucketMu.Lock()
	defer s.bucketMu.Unlock()

	slot, ok := s.buckets[key]
	if !ok {
		defaults.TenantID = tenantID
		defaults.Provider = provider
		if defaults.LastRefillAt.IsZero() {
			defaults.LastRefillAt = s.clock.Now().UTC()
		}
		slot = &bucketSlot{bucket: defaults}
		s.buckets[key] = slot
	}

	return slot
}

func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	for _, msg := range s.messages {
		if msg.Status.Live() {
			seen[msg.TenantID] = struct{}{}
		}
	}

	tenants := make([]string, 0, len(seen))
	for tenantID := range seen {
		tenants = append(tenants, tenantID)
	}
	sort.Strings(tenants)

	return tenants, nil
}

func copyMessage(msg *notify.OutboxMessage) *notify.OutboxMessage {
	copied := *msg
	copied.TemplateParams = copyParams(msg.TemplateParams)
	copied.LockedAt = copyTime(msg.LockedAt)
	copied.LeaseExpiresAt = copyTime(msg.LeaseExpiresAt)
	copied.LastErrorAt = copyTime(msg.LastErrorAt)
	copied.DeliveredAt = copyTime(msg.DeliveredAt)
	return &copied
}

func copyParams(params map[string]string) map[string]string {
	if params == nil {
		return nil
	}
	copied := make(map[string]string, len(params))
	for k, v := range params {
		copied[k] = v
	}
	return copied
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}
