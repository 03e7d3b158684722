package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraldhq/herald/internal/job"
	"github.com/heraldhq/herald/internal/notify"
	"github.com/heraldhq/herald/internal/ratelimit"
	"github.com/heraldhq/herald/internal/reaper"
	"github.com/heraldhq/herald/internal/store/memory"
	"github.com/heraldhq/herald/internal/webhook"
)

func newTestServer(t *testing.T) (*httptest.Server, *memory.Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	backing := memory.NewStore(clock)

	manager := job.NewManager(backing, clock)
	aggregator := job.NewAggregator(backing, nil)
	reconciler := webhook.NewReconciler(backing, aggregator)
	limiter := ratelimit.NewLimiter(backing, clock, ratelimit.BucketConfig{MaxTokens: 10, RefillRate: 10}, nil)
	leaseReaper := reaper.NewReaper(backing, reaper.DefaultConfig(), clock)

	server := NewServer(":0", NewHandlers(manager, reconciler, leaseReaper, limiter, backing))
	ts := httptest.NewServer(server.httpServer.Handler)
	t.Cleanup(ts.Close)

	return ts, backing, clock
}

func doJSON(t *testing.T, method, url, tenantID string, body any) *http.Response {
	t.Helper()

	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, &payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set(tenantHeader, tenantID)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func createJobBody() map[string]any {
	return map[string]any{
		"job_type":         "driver_alert",
		"site_id":          "site-9",
		"reference_id":     "snapshot-41",
		"channel":          "sms",
		"provider":         "twilio",
		"template_key":     "driver-alert",
		"template_version": "v2",
		"recipients": []map[string]any{
			{"ref": "+15550001111", "params": map[string]string{"name": "Ana"}},
			{"ref": "+15550002222"},
		},
	}
}

func TestCreateJobEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs", "acme", createJobBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body createJobResponse
	decodeBody(t, resp, &body)
	assert.NotEmpty(t, body.JobID)
	assert.Equal(t, "PROCESSING", body.Status)
	require.Len(t, body.Messages, 2)
	for _, msg := range body.Messages {
		assert.False(t, msg.Deduplicated)
		assert.NotEmpty(t, msg.MessageID)
	}
}

func TestCreateJobEndpointIdempotent(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs", "acme", createJobBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var first createJobResponse
	decodeBody(t, resp, &first)

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/jobs", "acme", createJobBody())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var second createJobResponse
	decodeBody(t, resp, &second)

	assert.Equal(t, "COMPLETED", second.Status)
	for i := range second.Messages {
		assert.True(t, second.Messages[i].Deduplicated)
		assert.Equal(t, first.Messages[i].MessageID, second.Messages[i].MessageID)
	}
}

func TestCreateJobEndpointRejectsInvalidSpec(t *testing.T) {
	ts, _, _ := newTestServer(t)

	body := createJobBody()
	body["channel"] = "pigeon"
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs", "acme", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type failingEnqueueStore struct {
	job.ManagerStore
}

func (failingEnqueueStore) EnqueueMessage(ctx context.Context, tenantID string, msg *notify.OutboxMessage) (*notify.OutboxMessage, bool, error) {
	return nil, false, errors.New("connection refused")
}

func TestCreateJobEndpointStoreFailure(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backing := memory.NewStore(clock)

	manager := job.NewManager(failingEnqueueStore{backing}, clock)
	aggregator := job.NewAggregator(backing, nil)
	reconciler := webhook.NewReconciler(backing, aggregator)
	limiter := ratelimit.NewLimiter(backing, clock, ratelimit.BucketConfig{MaxTokens: 10, RefillRate: 10}, nil)
	leaseReaper := reaper.NewReaper(backing, reaper.DefaultConfig(), clock)

	server := NewServer(":0", NewHandlers(manager, reconciler, leaseReaper, limiter, backing))
	ts := httptest.NewServer(server.httpServer.Handler)
	t.Cleanup(ts.Close)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs", "acme", createJobBody())
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "failed to create job", body["error"])
}

func TestTenantHeaderRequired(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs", "", createJobBody())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Contains(t, body["error"], tenantHeader)
}

func TestGetJobEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs", "acme", createJobBody())
	var created createJobResponse
	decodeBody(t, resp, &created)

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/"+created.JobID, "acme", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body jobResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, created.JobID, body.JobID)
	assert.Equal(t, 2, body.Total)

	// Jobs are invisible to other tenants.
	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/jobs/"+created.JobID, "globex", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelJobEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs", "acme", createJobBody())
	var created createJobResponse
	decodeBody(t, resp, &created)

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/jobs/"+created.JobID+"/cancel", "acme", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int
	decodeBody(t, resp, &body)
	assert.Equal(t, 2, body["cancelled"])
}

func TestWebhookEndpointAlwaysAcceptsDuplicatesAndOrphans(t *testing.T) {
	ts, _, _ := newTestServer(t)

	event := map[string]any{
		"event_id":            "evt-1",
		"event_type":          "delivered",
		"provider_message_id": "prov-unknown",
		"occurred_at":         time.Now().UTC().Format(time.RFC3339),
	}

	// Orphan: no matching message, still 200.
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/webhooks/twilio", "acme", event)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]bool
	decodeBody(t, resp, &body)
	assert.True(t, body["new_event"])

	// Duplicate: same event id, still 200.
	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/webhooks/twilio", "acme", event)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &body)
	assert.False(t, body["new_event"])
}

func TestRequeueEndpointRejectsLiveMessage(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs", "acme", createJobBody())
	var created createJobResponse
	decodeBody(t, resp, &created)

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/messages/"+created.Messages[0].MessageID+"/requeue", "acme", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestReapEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/ops/reap", "acme", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]int
	decodeBody(t, resp, &body)
	assert.Zero(t, body["reaped"])
}

func TestRateLimitInspectionEndpoint(t *testing.T) {
	ts, backing, clock := newTestServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/ops/ratelimits/twilio", "acme", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no bucket until the first send")

	limiter := ratelimit.NewLimiter(backing, clock, ratelimit.BucketConfig{MaxTokens: 10, RefillRate: 10}, nil)
	_, err := limiter.CheckAndConsume(context.Background(), "acme", "twilio", 1)
	require.NoError(t, err)

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/ops/ratelimits/twilio", "acme", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body bucketResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "twilio", body.Provider)
	assert.Equal(t, 9, body.TokensRemaining)
	assert.Equal(t, 10, body.MaxTokens)
}

func TestHealthz(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeliveryLogEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/jobs", "acme", createJobBody())
	var created createJobResponse
	decodeBody(t, resp, &created)

	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/messages/"+created.Messages[0].MessageID+"/log", "acme", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []logEntryResponse
	decodeBody(t, resp, &entries)
	assert.Empty(t, entries, "no attempts recorded yet")
}
