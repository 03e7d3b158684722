package job

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/internal/notify"
	"github.com/heraldhq/herald/internal/store"
	"github.com/heraldhq/herald/internal/store/memory"
)

func newTestManager(t *testing.T) (*Manager, *memory.Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	backing := memory.NewStore(clock)
	return NewManager(backing, clock), backing, clock
}

func driverAlertSpec() Spec {
	return Spec{
		JobType:         "driver_alert",
		SiteID:          "site-9",
		ReferenceID:     "snapshot-41",
		Channel:         notify.ChannelSMS,
		Provider:        "twilio",
		TemplateKey:     "driver-alert",
		TemplateVersion: "v2",
	}
}

func TestCreateJobEnqueuesPerRecipient(t *testing.T) {
	manager, backing, _ := newTestManager(t)
	ctx := context.Background()

	created, enqueued, err := manager.CreateJob(ctx, "acme", driverAlertSpec(), []Recipient{
		{Ref: "+15550001111", Params: map[string]string{"name": "Ana"}},
		{Ref: "+15550002222", Params: map[string]string{"name": "Ben"}},
	})
	require.NoError(t, err)
	require.Len(t, enqueued, 2)
	assert.Equal(t, notify.JobProcessing, created.Status.Status)
	assert.Equal(t, 2, created.Status.TotalCount)
	assert.Equal(t, DefaultMaxAttempts, created.MaxAttempts)
	assert.Equal(t, DefaultBackoffBaseSeconds, created.BackoffBaseSeconds)

	for _, e := range enqueued {
		assert.False(t, e.Deduplicated)
		msg, err := backing.GetMessage(ctx, "acme", e.MessageID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, msg.JobID)
		assert.Equal(t, notify.StatusPending, msg.Status)
		assert.NotEmpty(t, msg.DedupKey)
	}
}

func TestCreateJobTwiceDeduplicates(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	recipients := []Recipient{{Ref: "+15550001111"}, {Ref: "+15550002222"}}

	_, first, err := manager.CreateJob(ctx, "acme", driverAlertSpec(), recipients)
	require.NoError(t, err)

	secondJob, second, err := manager.CreateJob(ctx, "acme", driverAlertSpec(), recipients)
	require.NoError(t, err)
	require.Len(t, second, 2)

	for i := range second {
		assert.True(t, second[i].Deduplicated)
		assert.Equal(t, first[i].MessageID, second[i].MessageID, "same logical message, same row")
	}
	assert.Equal(t, notify.JobCompleted, secondJob.Status.Status, "a fully deduplicated job has nothing to do")
}

func TestCreateJobValidation(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()
	recipients := []Recipient{{Ref: "r1"}}

	_, _, err := manager.CreateJob(ctx, "", driverAlertSpec(), recipients)
	assert.ErrorIs(t, err, notify.ErrTenantRequired)

	spec := driverAlertSpec()
	spec.JobType = ""
	_, _, err = manager.CreateJob(ctx, "acme", spec, recipients)
	assert.ErrorIs(t, err, ErrInvalidSpec)

	spec = driverAlertSpec()
	spec.Channel = "PIGEON"
	_, _, err = manager.CreateJob(ctx, "acme", spec, recipients)
	assert.ErrorIs(t, err, ErrInvalidSpec)

	spec = driverAlertSpec()
	_, _, err = manager.CreateJob(ctx, "acme", spec, nil)
	assert.ErrorIs(t, err, ErrInvalidSpec, "at least one recipient required")

	_, _, err = manager.CreateJob(ctx, "acme", spec, []Recipient{{Ref: "  "}})
	assert.ErrorIs(t, err, ErrInvalidSpec, "blank recipient ref rejected")
}

func TestCreateJobScheduledInFuture(t *testing.T) {
	manager, backing, clock := newTestManager(t)
	ctx := context.Background()

	spec := driverAlertSpec()
	spec.ScheduledAt = clock.Now().Add(time.Hour)

	_, enqueued, err := manager.CreateJob(ctx, "acme", spec, []Recipient{{Ref: "r1"}})
	require.NoError(t, err)

	claimed, err := backing.ClaimBatch(ctx, "acme", store.ClaimRequest{BatchSize: 10, WorkerID: "w", LeaseDuration: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, claimed, "scheduled messages stay unclaimable until due")

	clock.Advance(time.Hour)
	claimed, err = backing.ClaimBatch(ctx, "acme", store.ClaimRequest{BatchSize: 10, WorkerID: "w", LeaseDuration: time.Minute})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, enqueued[0].MessageID, claimed[0].ID)
}

func TestCancelJob(t *testing.T) {
	manager, backing, _ := newTestManager(t)
	ctx := context.Background()

	created, enqueued, err := manager.CreateJob(ctx, "acme", driverAlertSpec(), []Recipient{{Ref: "r1"}, {Ref: "r2"}})
	require.NoError(t, err)

	cancelled, err := manager.CancelJob(ctx, "acme", created.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, cancelled)

	job, err := manager.GetJob(ctx, "acme", created.ID)
	require.NoError(t, err)
	assert.Equal(t, notify.JobCancelled, job.Status.Status)

	for _, e := range enqueued {
		msg, err := backing.GetMessage(ctx, "acme", e.MessageID)
		require.NoError(t, err)
		assert.Equal(t, notify.StatusCancelled, msg.Status)
	}

	_, err = manager.CancelJob(ctx, "acme", uuid.New())
	assert.ErrorIs(t, err, store.ErrJobNotFound)
}

func TestRequeueMessage(t *testing.T) {
	manager, backing, _ := newTestManager(t)
	ctx := context.Background()

	_, enqueued, err := manager.CreateJob(ctx, "acme", driverAlertSpec(), []Recipient{{Ref: "r1"}})
	require.NoError(t, err)
	messageID := enqueued[0].MessageID

	err = manager.RequeueMessage(ctx, "acme", messageID)
	assert.ErrorIs(t, err, store.ErrNotDead, "only dead messages can be requeued")

	claimed, err := backing.ClaimBatch(ctx, "acme", store.ClaimRequest{BatchSize: 1, WorkerID: "w", LeaseDuration: time.Minute})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, backing.RecordOutcome(ctx, "acme", store.OutcomeUpdate{
		MessageID: messageID, WorkerID: "w", To: notify.StatusDead, ErrorCode: notify.ErrCodeInvalidRecipient,
	}))

	require.NoError(t, manager.RequeueMessage(ctx, "acme", messageID))

	msg, err := backing.GetMessage(ctx, "acme", messageID)
	require.NoError(t, err)
	assert.Equal(t, notify.StatusPending, msg.Status)
	assert.Zero(t, msg.AttemptCount)
}

func TestListMessages(t *testing.T) {
	manager, _, _ := newTestManager(t)
	ctx := context.Background()

	created, _, err := manager.CreateJob(ctx, "acme", driverAlertSpec(), []Recipient{{Ref: "r1"}, {Ref: "r2"}, {Ref: "r3"}})
	require.NoError(t, err)

	messages, err := manager.ListMessages(ctx, "acme", created.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 3)
}
