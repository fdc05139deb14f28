package jobs

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/shelfmark/internal/ai"
	"github.com/kiranshivaraju/shelfmark/internal/ai/mock"
	"github.com/kiranshivaraju/shelfmark/internal/broker"
	"github.com/kiranshivaraju/shelfmark/internal/cache"
	"github.com/kiranshivaraju/shelfmark/internal/catalog"
	"github.com/kiranshivaraju/shelfmark/internal/store"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
	"github.com/stretchr/testify/require"
)

const (
	testThreshold  = 15 * time.Minute
	testVisibility = 5 * time.Minute
	validValuation = `{"estimated_value": "125.50", "currency": "usd", "summary": "Fine first edition."}`
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harnessOpts struct {
	allowedModels []string
	jobTimeout    time.Duration
	wrapCatalog   func(catalog.Catalog) catalog.Catalog
}

type harness struct {
	clock      *fakeClock
	store      *store.MemoryStore
	broker     *broker.MemoryBroker
	catalog    *catalog.MemoryCatalog
	cache      *cache.MemoryCache
	provider   *mock.MockProvider
	registry   *Registry
	reconciler *Reconciler
	gateway    *Gateway
	batches    *BatchCoordinator
	pool       *Pool
	replayer   *DeadLetterReplayer
}

// newHarness wires every component on in-memory backends sharing one fake
// clock, the same way cmd/server wires the real ones.
func newHarness(t *testing.T, provider *mock.MockProvider, opts ...func(*harnessOpts)) *harness {
	t.Helper()
	o := harnessOpts{jobTimeout: 5 * time.Second}
	for _, fn := range opts {
		fn(&o)
	}

	h := &harness{
		clock:    newFakeClock(),
		catalog:  catalog.NewMemoryCatalog(),
		provider: provider,
		registry: DefaultRegistry(),
	}
	h.store = store.NewMemoryStore(h.clock.Now)
	h.broker = broker.NewMemoryBroker(broker.Options{VisibilityTimeout: testVisibility, MaxDeliveries: 3}, h.clock.Now)
	h.cache = cache.NewMemoryCache(h.clock.Now)

	var cat catalog.Catalog = h.catalog
	if o.wrapCatalog != nil {
		cat = o.wrapCatalog(cat)
	}

	logger := quietLogger()
	svc := ai.NewService(provider, time.Second, o.allowedModels)
	h.reconciler = NewReconciler(h.store, testThreshold,
		WithReconcilerClock(h.clock.Now), WithReconcilerLogger(logger))
	h.gateway = NewGateway(h.store, h.broker, cat, h.registry, svc, h.reconciler,
		WithViewCache(h.cache, time.Minute), WithGatewayClock(h.clock.Now), WithGatewayLogger(logger))
	h.batches = NewBatchCoordinator(h.store, h.gateway, h.broker, cat,
		WithBatchClock(h.clock.Now), WithBatchLogger(logger))

	h.gateway.OnJobFinished(h.batches.ChildFinished)
	h.reconciler.OnJobFinished(h.batches.ChildFinished)
	h.broker.OnDeadLetter(DeadLetterHandler(h.reconciler, h.batches))
	h.replayer = NewDeadLetterReplayer(h.broker, h.store, h.gateway, h.batches, WithReplayLogger(logger))

	h.pool = NewPool(h.broker, h.store, cat, h.registry, svc,
		WithConcurrency(2),
		WithPollInterval(5*time.Millisecond),
		WithJobTimeout(o.jobTimeout),
		WithRetryPolicy(RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}),
		WithBatchCoordinator(h.batches),
		WithJobFinished(h.batches.ChildFinished),
		WithPoolLogger(logger),
	)

	h.catalog.Put(models.Subject{ID: "42", Kind: models.SubjectKindBook, Title: "The Hobbit",
		Attributes: map[string]string{"author": "J.R.R. Tolkien", "year": "1937", "condition": "fine"}})
	return h
}

func (h *harness) putBooks(ids ...string) {
	for _, id := range ids {
		h.catalog.Put(models.Subject{ID: id, Kind: models.SubjectKindBook, Title: "Book " + id})
	}
}

func (h *harness) submit(t *testing.T, subjectID string) *models.Job {
	t.Helper()
	job, err := h.gateway.Submit(context.Background(), SubmitRequest{
		SubjectID:   subjectID,
		SubjectKind: models.SubjectKindBook,
		Kind:        models.JobKindAnalysis,
	})
	require.NoError(t, err)
	return job
}

// drain processes messages until the queue is empty.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		handled, err := h.pool.ProcessNext(context.Background())
		require.NoError(t, err)
		if !handled {
			return
		}
	}
	t.Fatal("queue did not drain")
}

func (h *harness) job(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}
