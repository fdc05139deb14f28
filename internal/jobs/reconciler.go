package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/shelfmark/internal/broker"
	"github.com/kiranshivaraju/shelfmark/internal/store"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
)

// JobFinishedFunc observes a job right after it reached a terminal status.
type JobFinishedFunc func(ctx context.Context, job *models.Job)

const sweepBatchSize = 100

// Reconciler fails jobs left pending or running past the staleness threshold.
// It is invoked on every status read and, optionally, on a timer.
type Reconciler struct {
	store     store.JobStore
	threshold time.Duration
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu         sync.RWMutex
	onFinished JobFinishedFunc
}

type ReconcilerOption func(*Reconciler)

// WithSweepInterval enables the periodic sweep. Zero disables it.
func WithSweepInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.interval = d }
}

func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

func WithReconcilerLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = l }
}

// NewReconciler creates a Reconciler with the given staleness threshold.
func NewReconciler(st store.JobStore, threshold time.Duration, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:     st,
		threshold: threshold,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "reconciler")
	return r
}

// OnJobFinished registers the observer for jobs the reconciler fails.
func (r *Reconciler) OnJobFinished(fn JobFinishedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFinished = fn
}

func (r *Reconciler) finished(ctx context.Context, job *models.Job) {
	r.mu.RLock()
	fn := r.onFinished
	r.mu.RUnlock()
	if fn != nil {
		fn(ctx, job)
	}
}

func (r *Reconciler) cutoff() time.Time {
	return r.now().Add(-r.threshold)
}

// Check returns job unchanged unless it is stale, in which case it is failed
// with a conditional write and the updated row is returned. If a worker moved
// the job concurrently, the fresh row is returned instead.
func (r *Reconciler) Check(ctx context.Context, job *models.Job) (*models.Job, error) {
	if job.IsTerminal() {
		return job, nil
	}
	cutoff := r.cutoff()
	if !job.ActiveSince().Before(cutoff) {
		return job, nil
	}

	failed, err := r.store.FailStaleJob(ctx, job.ID, cutoff, StaleMessage(r.threshold))
	if errors.Is(err, store.ErrStatusConflict) {
		return r.store.GetJob(ctx, job.ID)
	}
	if err != nil {
		return nil, err
	}

	r.logger.Warn("failed stale job",
		"job_id", failed.ID,
		"status_was", job.Status,
		"active_since", job.ActiveSince(),
	)
	r.finished(ctx, failed)
	return failed, nil
}

// Sweep fails every stale job and returns how many it failed.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		failed, err := r.store.FailStaleJobs(ctx, r.cutoff(), StaleMessage(r.threshold), sweepBatchSize)
		if err != nil {
			return total, err
		}
		for _, job := range failed {
			r.finished(ctx, job)
		}
		total += len(failed)
		if len(failed) < sweepBatchSize {
			break
		}
	}
	if total > 0 {
		r.logger.Warn("sweep failed stale jobs", "count", total)
	}
	return total, nil
}

// Run sweeps on every interval tick until ctx is done. It returns at once
// when the periodic sweep is disabled.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return nil
	}
	r.logger.Info("reconciler starting", "interval", r.interval, "threshold", r.threshold)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// FailDeadLettered fails the job whose dispatch message the broker gave up on.
// Jobs that already reached a terminal status are left alone.
func (r *Reconciler) FailDeadLettered(ctx context.Context, msg *Message, dl broker.DeadLetter) {
	job, err := r.store.UpdateJobStatus(ctx, msg.JobID,
		[]string{models.JobStatusPending, models.JobStatusRunning}, models.JobStatusFailed,
		store.WithErrorMessage(DeadLetterMessage(dl.Deliveries, dl.Reason)))
	switch {
	case errors.Is(err, store.ErrStatusConflict), errors.Is(err, store.ErrNotFound):
		r.logger.Info("dead-lettered message for finished job", "job_id", msg.JobID, "message_id", dl.ID)
		return
	case err != nil:
		r.logger.Error("failed to fail dead-lettered job", "job_id", msg.JobID, "message_id", dl.ID, "error", err)
		return
	}
	r.logger.Warn("failed job after dead-letter",
		"job_id", job.ID,
		"message_id", dl.ID,
		"deliveries", dl.Deliveries,
		"reason", dl.Reason,
	)
	r.finished(ctx, job)
}

// DeadLetterHandler routes dead-lettered messages: job messages fail their
// job, batch messages abort the rest of the batch dispatch. batches may be nil.
func DeadLetterHandler(r *Reconciler, batches *BatchCoordinator) broker.DeadLetterFunc {
	return func(ctx context.Context, dl broker.DeadLetter) {
		msg, err := DecodeMessage(dl.Body)
		if err != nil {
			r.logger.Error("undecodable dead letter", "message_id", dl.ID, "error", err)
			return
		}
		switch msg.Type {
		case MessageTypeJob:
			r.FailDeadLettered(ctx, msg, dl)
		case MessageTypeBatch:
			if batches != nil {
				batches.AbortDispatch(ctx, *msg.BatchID, DeadLetterMessage(dl.Deliveries, dl.Reason))
			}
		}
	}
}
