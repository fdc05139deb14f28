// Package jobs orchestrates asynchronous AI work: the gateway accepts and
// persists jobs, the worker pool executes them from the broker, the
// reconciler fails abandoned jobs, and the batch coordinator fans bulk
// requests out into child jobs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/shelfmark/internal/ai"
	"github.com/kiranshivaraju/shelfmark/internal/broker"
	"github.com/kiranshivaraju/shelfmark/internal/cache"
	"github.com/kiranshivaraju/shelfmark/internal/catalog"
	"github.com/kiranshivaraju/shelfmark/internal/store"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
)

// DefaultViewTTL is how long terminal job views stay cached.
const DefaultViewTTL = 10 * time.Minute

// SubmitRequest identifies the subject and the work to run on it.
type SubmitRequest struct {
	SubjectID     string
	SubjectKind   string
	Kind          string
	ModelSelector string
	BatchID       *uuid.UUID
}

// Gateway is the synchronous entry point. It only touches the Job Store, the
// Catalog and the Broker, so a call never waits on model work.
type Gateway struct {
	store      store.JobStore
	broker     broker.Broker
	catalog    catalog.Catalog
	registry   *Registry
	ai         *ai.Service
	reconciler *Reconciler
	cache      cache.Cache
	viewTTL    time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu         sync.RWMutex
	onFinished JobFinishedFunc
}

type GatewayOption func(*Gateway)

// WithViewCache caches terminal job views in c for ttl.
func WithViewCache(c cache.Cache, ttl time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.cache = c
		g.viewTTL = ttl
	}
}

func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) { g.now = now }
}

func WithGatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway creates a Gateway.
func NewGateway(st store.JobStore, b broker.Broker, cat catalog.Catalog, reg *Registry, svc *ai.Service, rec *Reconciler, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		store:      st,
		broker:     b,
		catalog:    cat,
		registry:   reg,
		ai:         svc,
		reconciler: rec,
		viewTTL:    DefaultViewTTL,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gateway")
	return g
}

// OnJobFinished registers the observer for jobs cancelled through the gateway.
func (g *Gateway) OnJobFinished(fn JobFinishedFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onFinished = fn
}

func (g *Gateway) finished(ctx context.Context, job *models.Job) {
	g.mu.RLock()
	fn := g.onFinished
	g.mu.RUnlock()
	if fn != nil {
		fn(ctx, job)
	}
}

// Validate checks a request against the registry, the model allow-list and
// the Catalog without writing anything.
func (g *Gateway) Validate(ctx context.Context, req SubmitRequest) error {
	if strings.TrimSpace(req.SubjectID) == "" {
		return &ValidationError{Field: "subject_id", Reason: "is required"}
	}
	if err := g.validateWork(req.Kind, req.SubjectKind, req.ModelSelector); err != nil {
		return err
	}

	ok, err := g.catalog.SubjectExists(ctx, req.SubjectKind, req.SubjectID)
	if err != nil {
		return infraError("check subject", err)
	}
	if !ok {
		return &ValidationError{Field: "subject_id", Reason: fmt.Sprintf("%s %s not found", req.SubjectKind, req.SubjectID)}
	}
	return nil
}

// validateWork checks the kind, subject kind and model of a job or batch.
func (g *Gateway) validateWork(kind, subjectKind, model string) error {
	if !catalog.KnownKind(subjectKind) {
		return &ValidationError{Field: "subject_kind", Reason: fmt.Sprintf("%q is not a known subject kind", subjectKind)}
	}
	if _, ok := g.registry.Lookup(kind); !ok {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("must be one of %s", strings.Join(g.registry.Kinds(), ", "))}
	}
	if !g.registry.Accepts(kind, subjectKind) {
		return &ValidationError{Field: "subject_kind", Reason: fmt.Sprintf("%s jobs do not accept %s subjects", kind, subjectKind)}
	}
	if !g.ai.ModelAllowed(model) {
		return &ValidationError{Field: "model", Reason: fmt.Sprintf("%q is not an allowed model", model)}
	}
	return nil
}

// Submit validates req, inserts a pending job and enqueues its dispatch
// message. It returns a *ConflictError if the subject already has an active
// job. If the enqueue fails the job stays pending until the reconciler fails
// it, and an *InfrastructureError carrying the job id is returned.
func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if err := g.Validate(ctx, req); err != nil {
		return nil, err
	}

	now := g.now().UTC()
	job := &models.Job{
		ID:            uuid.New(),
		SubjectID:     req.SubjectID,
		SubjectKind:   req.SubjectKind,
		Kind:          req.Kind,
		ModelSelector: req.ModelSelector,
		Status:        models.JobStatusPending,
		BatchID:       req.BatchID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := g.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrActiveJobExists) {
			return nil, g.conflict(ctx, req)
		}
		return nil, infraError("create job", err)
	}

	msg := &Message{
		Type:          MessageTypeJob,
		JobID:         job.ID,
		SubjectID:     job.SubjectID,
		SubjectKind:   job.SubjectKind,
		Kind:          job.Kind,
		ModelSelector: job.ModelSelector,
		BatchID:       job.BatchID,
	}
	body, err := msg.Encode()
	if err != nil {
		return nil, &InfrastructureError{Op: "encode dispatch message", JobID: job.ID, Err: err}
	}
	if _, err := g.broker.Enqueue(ctx, body); err != nil {
		g.logger.Error("enqueue failed, job left pending", "job_id", job.ID, "error", err)
		return nil, &InfrastructureError{Op: "enqueue dispatch message", JobID: job.ID, Err: err}
	}

	g.logger.Info("job submitted",
		"job_id", job.ID,
		"kind", job.Kind,
		"subject_kind", job.SubjectKind,
		"subject_id", job.SubjectID,
	)
	return job, nil
}

func (g *Gateway) conflict(ctx context.Context, req SubmitRequest) error {
	cerr := &ConflictError{SubjectID: req.SubjectID, SubjectKind: req.SubjectKind}
	if active, err := g.store.GetActiveJob(ctx, req.SubjectID, req.SubjectKind); err == nil {
		cerr.ExistingJobID = active.ID
	}
	return cerr
}

// Status returns the current job row after the staleness check, so a job
// abandoned by a dead worker is reported failed instead of running forever.
func (g *Gateway) Status(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	if g.cache != nil {
		if job, ok, err := cache.GetJobView(ctx, g.cache, id); err != nil {
			g.logger.Warn("job view cache read failed", "job_id", id, "error", err)
		} else if ok {
			return job, nil
		}
	}

	job, err := g.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, infraError("get job", err)
	}

	job, err = g.reconciler.Check(ctx, job)
	if err != nil {
		return nil, infraError("reconcile job", err)
	}

	if g.cache != nil && job.IsTerminal() {
		if err := cache.SetJobView(ctx, g.cache, job, g.viewTTL); err != nil {
			g.logger.Warn("job view cache write failed", "job_id", id, "error", err)
		}
	}
	return job, nil
}

// ActiveJob returns the pending or running job of a subject, reconciled.
// A stale job is failed on the way and reported as ErrNotFound.
func (g *Gateway) ActiveJob(ctx context.Context, subjectID, subjectKind string) (*models.Job, error) {
	job, err := g.store.GetActiveJob(ctx, subjectID, subjectKind)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("active job for %s %s: %w", subjectKind, subjectID, ErrNotFound)
		}
		return nil, infraError("get active job", err)
	}
	job, err = g.reconciler.Check(ctx, job)
	if err != nil {
		return nil, infraError("reconcile job", err)
	}
	if job.IsTerminal() {
		return nil, fmt.Errorf("active job for %s %s: %w", subjectKind, subjectID, ErrNotFound)
	}
	return job, nil
}

// Cancel moves a pending or running job to cancelled. A running worker is not
// interrupted; its result is discarded when it tries to complete the job.
func (g *Gateway) Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := g.store.UpdateJobStatus(ctx, id,
		[]string{models.JobStatusPending, models.JobStatusRunning}, models.JobStatusCancelled,
		store.WithErrorMessage("cancelled by request"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	case errors.Is(err, store.ErrStatusConflict):
		return nil, fmt.Errorf("job %s: %w", id, ErrAlreadyFinished)
	case err != nil:
		return nil, infraError("cancel job", err)
	}

	g.logger.Info("job cancelled", "job_id", id)
	g.finished(ctx, job)
	return job, nil
}

// Retry resubmits a failed or cancelled job as a new job with the same
// subject, kind and model. The old row is left untouched.
func (g *Gateway) Retry(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	old, err := g.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if old.Status != models.JobStatusFailed && old.Status != models.JobStatusCancelled {
		return nil, fmt.Errorf("job %s is %s: %w", id, old.Status, ErrNotRetryable)
	}

	job, err := g.Submit(ctx, SubmitRequest{
		SubjectID:     old.SubjectID,
		SubjectKind:   old.SubjectKind,
		Kind:          old.Kind,
		ModelSelector: old.ModelSelector,
	})
	if err != nil {
		return nil, err
	}
	g.logger.Info("job retried", "job_id", job.ID, "retry_of", id)
	return job, nil
}
