package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/shelfmark/internal/store"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("shelfmark_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))
	// A second run is a no-op.
	require.NoError(t, store.RunMigrations(connStr, migrationsDir()))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

// storeFactories returns every Store implementation under test. The Postgres
// one is skipped under -short.
func storeFactories(t *testing.T) map[string]func(t *testing.T) store.Store {
	return map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store {
			return store.NewMemoryStore(nil)
		},
		"postgres": func(t *testing.T) store.Store {
			if testing.Short() {
				t.Skip("skipping integration test")
			}
			return store.NewPostgresStore(setupTestDB(t))
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s store.Store)) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func newJob(subjectID string) *models.Job {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Job{
		ID:          uuid.New(),
		SubjectID:   subjectID,
		SubjectKind: models.SubjectKindBook,
		Kind:        models.JobKindAnalysis,
		Status:      models.JobStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func newBatch(total int) *models.BatchJob {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.BatchJob{
		ID:          uuid.New(),
		Owner:       "admin",
		Kind:        models.JobKindProfileGeneration,
		SubjectKind: models.SubjectKindAuthor,
		Status:      models.BatchStatusPending,
		Total:       total,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// --- API Key Tests ---

func TestAPIKey_CreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Microsecond)
		key := &models.APIKey{
			ID:        uuid.New(),
			Name:      "dashboard",
			KeyHash:   "bcrypt-hash-here",
			KeyPrefix: "sm_abcd",
			Scopes:    []string{"jobs", "admin"},
			CreatedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, s.CreateAPIKey(ctx, key))
		assert.ErrorIs(t, s.CreateAPIKey(ctx, key), store.ErrDuplicateKey)

		keys, err := s.GetAPIKeyByPrefix(ctx, "sm_abcd")
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.Equal(t, key.ID, keys[0].ID)
		assert.Equal(t, "dashboard", keys[0].Name)

		require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
		keys, err = s.GetAPIKeyByPrefix(ctx, "sm_abcd")
		require.NoError(t, err)
		assert.NotNil(t, keys[0].LastUsedAt)
	})
}

// --- Job Tests ---

func TestJob_CreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob("book-1")
		require.NoError(t, s.CreateJob(ctx, job))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, models.JobStatusPending, got.Status)
		assert.Equal(t, 0, got.AttemptCount)

		active, err := s.GetActiveJob(ctx, "book-1", models.SubjectKindBook)
		require.NoError(t, err)
		assert.Equal(t, job.ID, active.ID)
	})
}

func TestJob_GetNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		_, err := s.GetJob(context.Background(), uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)

		_, err = s.GetActiveJob(context.Background(), "nope", models.SubjectKindBook)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestJob_SecondActiveJobRejected(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateJob(ctx, newJob("book-1")))

		err := s.CreateJob(ctx, newJob("book-1"))
		assert.ErrorIs(t, err, store.ErrActiveJobExists)

		// Same id on another subject kind is a different subject.
		other := newJob("book-1")
		other.SubjectKind = models.SubjectKindAuthor
		assert.NoError(t, s.CreateJob(ctx, other))
	})
}

func TestJob_ConcurrentSubmitsYieldOneActive(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		const n = 8

		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.CreateJob(ctx, newJob("book-race"))
			}(i)
		}
		wg.Wait()

		created, conflicts := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				created++
			case errors.Is(err, store.ErrActiveJobExists):
				conflicts++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, created)
		assert.Equal(t, n-1, conflicts)
	})
}

func TestJob_TerminalJobFreesSubject(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob("book-1")
		require.NoError(t, s.CreateJob(ctx, job))
		_, err := s.UpdateJobStatus(ctx, job.ID, []string{models.JobStatusPending}, models.JobStatusCancelled)
		require.NoError(t, err)

		assert.NoError(t, s.CreateJob(ctx, newJob("book-1")))
	})
}

func TestJob_StatusLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob("book-1")
		require.NoError(t, s.CreateJob(ctx, job))

		running, err := s.UpdateJobStatus(ctx, job.ID, []string{models.JobStatusPending}, models.JobStatusRunning)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusRunning, running.Status)
		assert.Equal(t, 1, running.AttemptCount)
		assert.NotNil(t, running.StartedAt)

		done, err := s.UpdateJobStatus(ctx, job.ID, []string{models.JobStatusRunning}, models.JobStatusCompleted,
			store.WithArtifactRef("artifact-1"))
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, done.Status)
		assert.NotNil(t, done.CompletedAt)
		require.NotNil(t, done.ArtifactRef)
		assert.Equal(t, "artifact-1", *done.ArtifactRef)
	})
}

func TestJob_FailedWithMessage(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob("book-1")
		require.NoError(t, s.CreateJob(ctx, job))
		_, err := s.UpdateJobStatus(ctx, job.ID, []string{models.JobStatusPending}, models.JobStatusRunning)
		require.NoError(t, err)

		got, err := s.UpdateJobStatus(ctx, job.ID, []string{models.JobStatusRunning}, models.JobStatusFailed,
			store.WithErrorMessage("timeout"))
		require.NoError(t, err)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, "timeout", *got.ErrorMessage)
	})
}

func TestJob_CASLosesOnUnexpectedStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob("book-1")
		require.NoError(t, s.CreateJob(ctx, job))
		_, err := s.UpdateJobStatus(ctx, job.ID, []string{models.JobStatusPending}, models.JobStatusRunning)
		require.NoError(t, err)

		// A redelivered message tries pending -> running again.
		_, err = s.UpdateJobStatus(ctx, job.ID, []string{models.JobStatusPending}, models.JobStatusRunning)
		assert.ErrorIs(t, err, store.ErrStatusConflict)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.AttemptCount)
	})
}

func TestJob_InvalidTransition(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob("book-1")
		require.NoError(t, s.CreateJob(ctx, job))

		_, err := s.UpdateJobStatus(ctx, job.ID, []string{models.JobStatusPending}, models.JobStatusCompleted)
		assert.ErrorIs(t, err, store.ErrInvalidTransition)

		_, err = s.UpdateJobStatus(ctx, job.ID, []string{models.JobStatusCompleted}, models.JobStatusRunning)
		assert.ErrorIs(t, err, store.ErrInvalidTransition)
	})
}

func TestJob_UpdateStatusNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		_, err := s.UpdateJobStatus(context.Background(), uuid.New(),
			[]string{models.JobStatusPending}, models.JobStatusRunning)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestJob_FailStaleJob(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob("book-1")
		job.CreatedAt = time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
		require.NoError(t, s.CreateJob(ctx, job))

		// Cutoff before creation: not stale yet.
		_, err := s.FailStaleJob(ctx, job.ID, job.CreatedAt.Add(-time.Minute), "stale")
		assert.ErrorIs(t, err, store.ErrStatusConflict)

		got, err := s.FailStaleJob(ctx, job.ID, time.Now().UTC().Add(-15*time.Minute), "stale")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, got.Status)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, "stale", *got.ErrorMessage)

		// Already terminal.
		_, err = s.FailStaleJob(ctx, job.ID, time.Now().UTC(), "stale")
		assert.ErrorIs(t, err, store.ErrStatusConflict)
	})
}

func TestJob_FailStaleJobs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		old := newJob("book-old")
		old.CreatedAt = time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
		fresh := newJob("book-fresh")
		require.NoError(t, s.CreateJob(ctx, old))
		require.NoError(t, s.CreateJob(ctx, fresh))

		failed, err := s.FailStaleJobs(ctx, time.Now().UTC().Add(-15*time.Minute), "stale", 10)
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, old.ID, failed[0].ID)

		got, err := s.GetJob(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusPending, got.Status)
	})
}

// --- Batch Tests ---

func TestBatch_CreateAndListItems(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		batch := newBatch(3)
		require.NoError(t, s.CreateBatch(ctx, batch, []string{"a1", "a2", "a3"}))

		got, err := s.GetBatch(ctx, batch.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, got.Total)
		assert.Equal(t, models.BatchStatusPending, got.Status)

		items, err := s.ListBatchItems(ctx, batch.ID, models.BatchItemQueued, 0)
		require.NoError(t, err)
		require.Len(t, items, 3)
		assert.Equal(t, "a1", items[0].SubjectID)

		// One active batch per kind.
		err = s.CreateBatch(ctx, newBatch(1), []string{"a1"})
		assert.ErrorIs(t, err, store.ErrActiveBatchExists)
	})
}

func TestBatch_SettleCountsOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		batch := newBatch(2)
		require.NoError(t, s.CreateBatch(ctx, batch, []string{"a1", "a2"}))
		_, err := s.UpdateBatchStatus(ctx, batch.ID, []string{models.BatchStatusPending}, models.BatchStatusInProgress)
		require.NoError(t, err)

		jobID := uuid.New()
		require.NoError(t, s.MarkBatchItemSubmitted(ctx, batch.ID, "a1", jobID))
		assert.ErrorIs(t, s.MarkBatchItemSubmitted(ctx, batch.ID, "a1", jobID), store.ErrStatusConflict)

		from := []string{models.BatchItemQueued, models.BatchItemSubmitted}
		b, err := s.SettleBatchItem(ctx, batch.ID, "a1", from, models.BatchItemSucceeded, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, b.Succeeded)
		assert.Equal(t, models.BatchStatusInProgress, b.Status)

		// The callback and the poller both observe the same child.
		_, err = s.SettleBatchItem(ctx, batch.ID, "a1", from, models.BatchItemSucceeded, nil)
		assert.ErrorIs(t, err, store.ErrStatusConflict)

		msg := "subject not found"
		b, err = s.SettleBatchItem(ctx, batch.ID, "a2", from, models.BatchItemFailed, &msg)
		require.NoError(t, err)
		assert.Equal(t, 1, b.Succeeded)
		assert.Equal(t, 1, b.FailedCount)
		assert.Equal(t, models.BatchStatusCompleted, b.Status)
		assert.NotNil(t, b.CompletedAt)
		assert.Contains(t, b.ErrorLog, "a2: subject not found")
	})
}

func TestBatch_AllFailedMarksFailed(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		batch := newBatch(1)
		require.NoError(t, s.CreateBatch(ctx, batch, []string{"a1"}))

		b, err := s.SettleBatchItem(ctx, batch.ID, "a1", []string{models.BatchItemQueued}, models.BatchItemFailed, nil)
		require.NoError(t, err)
		assert.Equal(t, models.BatchStatusFailed, b.Status)
	})
}

func TestBatch_AllSkippedCompletes(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		batch := newBatch(1)
		require.NoError(t, s.CreateBatch(ctx, batch, []string{"a1"}))

		b, err := s.SettleBatchItem(ctx, batch.ID, "a1", []string{models.BatchItemQueued}, models.BatchItemSkipped, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, b.Skipped)
		assert.Equal(t, models.BatchStatusCompleted, b.Status)
	})
}

func TestBatch_SettleNeverOverridesCancelled(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		batch := newBatch(1)
		require.NoError(t, s.CreateBatch(ctx, batch, []string{"a1"}))
		require.NoError(t, s.MarkBatchItemSubmitted(ctx, batch.ID, "a1", uuid.New()))

		_, err := s.UpdateBatchStatus(ctx, batch.ID,
			[]string{models.BatchStatusPending, models.BatchStatusInProgress}, models.BatchStatusCancelled)
		require.NoError(t, err)

		b, err := s.SettleBatchItem(ctx, batch.ID, "a1", []string{models.BatchItemSubmitted}, models.BatchItemSucceeded, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, b.Succeeded)
		assert.Equal(t, models.BatchStatusCancelled, b.Status)

		_, err = s.UpdateBatchStatus(ctx, batch.ID, []string{models.BatchStatusPending}, models.BatchStatusInProgress)
		assert.ErrorIs(t, err, store.ErrStatusConflict)
	})
}

func TestBatch_ReopenFailedItems(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		batch := newBatch(3)
		require.NoError(t, s.CreateBatch(ctx, batch, []string{"a1", "a2", "a3"}))

		lost := "dispatch message dead-lettered after 3 deliveries (nacked)"
		other := "subject not found"
		from := []string{models.BatchItemQueued}
		_, err := s.SettleBatchItem(ctx, batch.ID, "a1", from, models.BatchItemFailed, &lost)
		require.NoError(t, err)
		_, err = s.SettleBatchItem(ctx, batch.ID, "a2", from, models.BatchItemFailed, &lost)
		require.NoError(t, err)
		b, err := s.SettleBatchItem(ctx, batch.ID, "a3", from, models.BatchItemFailed, &other)
		require.NoError(t, err)
		require.Equal(t, models.BatchStatusFailed, b.Status)

		b, n, err := s.ReopenBatchItems(ctx, batch.ID, []string{"a2"}, lost)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, 2, b.FailedCount)
		assert.Equal(t, models.BatchStatusInProgress, b.Status)
		assert.Nil(t, b.CompletedAt)

		b, n, err = s.ReopenBatchItems(ctx, batch.ID, nil, lost)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, 1, b.FailedCount)

		queued, err := s.ListBatchItems(ctx, batch.ID, models.BatchItemQueued, 0)
		require.NoError(t, err)
		require.Len(t, queued, 2)
		assert.Nil(t, queued[0].Error)

		_, _, err = s.ReopenBatchItems(ctx, batch.ID, nil, lost)
		assert.ErrorIs(t, err, store.ErrStatusConflict)
		_, _, err = s.ReopenBatchItems(ctx, uuid.New(), nil, lost)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestBatch_ReopenSkipsCancelled(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		batch := newBatch(1)
		require.NoError(t, s.CreateBatch(ctx, batch, []string{"a1"}))

		msg := "lost"
		_, err := s.SettleBatchItem(ctx, batch.ID, "a1", []string{models.BatchItemQueued}, models.BatchItemFailed, &msg)
		require.NoError(t, err)
		_, err = s.UpdateBatchStatus(ctx, batch.ID, []string{models.BatchStatusFailed}, models.BatchStatusCancelled)
		require.NoError(t, err)

		_, _, err = s.ReopenBatchItems(ctx, batch.ID, nil, msg)
		assert.ErrorIs(t, err, store.ErrStatusConflict)
	})
}

func TestBatch_UpdateStatusNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		_, err := s.UpdateBatchStatus(context.Background(), uuid.New(),
			[]string{models.BatchStatusPending}, models.BatchStatusInProgress)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

// --- Ping Test ---

func TestPing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		assert.NoError(t, s.Ping(context.Background()))
	})
}
