package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/shelfmark/internal/ai/mock"
	"github.com/kiranshivaraju/shelfmark/internal/broker"
	"github.com/kiranshivaraju/shelfmark/internal/cache"
	"github.com/kiranshivaraju/shelfmark/internal/catalog"
	"github.com/kiranshivaraju/shelfmark/internal/config"
	"github.com/kiranshivaraju/shelfmark/internal/jobs"
	"github.com/kiranshivaraju/shelfmark/internal/store"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(role string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 0, Env: "test", Role: role, RateLimitPerMinute: 60},
		Broker: config.BrokerConfig{Queue: "jobs", VisibilityTimeout: time.Minute, MaxDeliveries: 3},
		Worker: config.WorkerConfig{
			Concurrency:    2,
			PollInterval:   5 * time.Millisecond,
			JobTimeout:     5 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: time.Millisecond,
			RetryMaxDelay:  4 * time.Millisecond,
		},
		Reconciler: config.ReconcilerConfig{StaleThreshold: 15 * time.Minute, Interval: time.Minute},
		AI:         config.AIConfig{Provider: "ollama", InferenceTimeout: time.Second},
	}
}

type pingFailingBroker struct {
	broker.Broker
}

func (pingFailingBroker) Ping(context.Context) error { return errors.New("redis down") }

func memoryBackends() (backends, *catalog.MemoryCatalog) {
	cat := catalog.NewMemoryCatalog()
	cat.Put(models.Subject{ID: "42", Kind: models.SubjectKindBook, Title: "The Hobbit"})
	return backends{
		store:   store.NewMemoryStore(time.Now),
		broker:  broker.NewMemoryBroker(broker.Options{VisibilityTimeout: time.Minute, MaxDeliveries: 3}, time.Now),
		cache:   cache.NewMemoryCache(time.Now),
		catalog: cat,
		ai:      mock.NewMockProvider(`{"estimated_value": "12", "currency": "EUR", "summary": "Reading copy."}`),
	}, cat
}

func TestHealth_AllOK(t *testing.T) {
	b, _ := memoryBackends()
	c := wire(testConfig(config.RoleAll), b)

	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
}

func TestHealth_BrokerDegraded(t *testing.T) {
	b, _ := memoryBackends()
	b.broker = pingFailingBroker{b.broker}
	c := wire(testConfig(config.RoleAll), b)

	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "DEGRADED", errObj["code"])
	assert.Equal(t, "degraded", errObj["details"].(map[string]any)["broker"])
}

func TestWire_JobRunsThroughPool(t *testing.T) {
	b, cat := memoryBackends()
	c := wire(testConfig(config.RoleAll), b)
	ctx := context.Background()

	job, err := c.gateway.Submit(ctx, jobs.SubmitRequest{
		SubjectID:   "42",
		SubjectKind: models.SubjectKindBook,
		Kind:        models.JobKindAnalysis,
	})
	require.NoError(t, err)

	handled, err := c.pool.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, handled)

	got, err := c.gateway.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 1, cat.ArtifactCount())
}

func TestWire_DeadLetterFailsJob(t *testing.T) {
	b, _ := memoryBackends()
	cfg := testConfig(config.RoleAll)
	c := wire(cfg, b)
	ctx := context.Background()

	job, err := c.gateway.Submit(ctx, jobs.SubmitRequest{
		SubjectID:   "42",
		SubjectKind: models.SubjectKindBook,
		Kind:        models.JobKindAnalysis,
	})
	require.NoError(t, err)

	for i := 0; i < cfg.Broker.MaxDeliveries; i++ {
		d, err := b.broker.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, b.broker.Nack(ctx, d.Receipt))
	}

	got, err := c.gateway.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "dead-lettered")
}

func TestWire_ReplayResubmitsDeadLetteredJob(t *testing.T) {
	b, cat := memoryBackends()
	cfg := testConfig(config.RoleAll)
	c := wire(cfg, b)
	ctx := context.Background()

	job, err := c.gateway.Submit(ctx, jobs.SubmitRequest{
		SubjectID:   "42",
		SubjectKind: models.SubjectKindBook,
		Kind:        models.JobKindAnalysis,
	})
	require.NoError(t, err)

	var messageID string
	for i := 0; i < cfg.Broker.MaxDeliveries; i++ {
		d, err := b.broker.Dequeue(ctx)
		require.NoError(t, err)
		messageID = d.ID
		require.NoError(t, b.broker.Nack(ctx, d.Receipt))
	}

	res, err := c.replayer.Replay(ctx, messageID)
	require.NoError(t, err)
	assert.Equal(t, jobs.ReplayResubmitted, res.Status)
	require.NotNil(t, res.JobID)

	handled, err := c.pool.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, handled)

	got, err := c.gateway.Status(ctx, *res.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.Equal(t, 1, cat.ArtifactCount())

	old, err := c.gateway.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, old.Status)
}

func TestServe_WorkerRoleStopsOnCancel(t *testing.T) {
	b, _ := memoryBackends()
	cfg := testConfig(config.RoleWorker)
	c := wire(cfg, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, c) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestServe_APIRoleShutsDown(t *testing.T) {
	b, _ := memoryBackends()
	cfg := testConfig(config.RoleAPI)
	c := wire(cfg, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, c) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func TestBrokerOptions(t *testing.T) {
	opts := brokerOptions(config.BrokerConfig{
		VisibilityTimeout:   2 * time.Minute,
		MaxDeliveries:       5,
		DeadLetterRetention: time.Hour,
	})
	assert.Equal(t, broker.Options{VisibilityTimeout: 2 * time.Minute, MaxDeliveries: 5, DeadLetterRetention: time.Hour}, opts)
}
