package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/shelfmark/internal/ai"
	"github.com/kiranshivaraju/shelfmark/internal/broker"
	"github.com/kiranshivaraju/shelfmark/internal/catalog"
	"github.com/kiranshivaraju/shelfmark/internal/store"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
	"golang.org/x/sync/errgroup"
)

// RetryPolicy bounds the in-process retries of transient provider failures.
// MaxRetries counts retries after the first attempt.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy is three retries, exponential from 5s with 50% jitter.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, BaseDelay: 5 * time.Second, MaxDelay: time.Minute}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxRetries)), ctx)
}

// Pool runs concurrent consumers of the broker queue.
type Pool struct {
	broker   broker.Broker
	store    store.JobStore
	catalog  catalog.Catalog
	registry *Registry
	ai       *ai.Service
	batches  *BatchCoordinator

	concurrency  int
	pollInterval time.Duration
	jobTimeout   time.Duration
	visibility   time.Duration
	retry        RetryPolicy
	logger       *slog.Logger
	onFinished   JobFinishedFunc
}

type PoolOption func(*Pool)

func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how long an idle consumer waits before polling again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithJobTimeout bounds the total time spent on one job, retries included.
func WithJobTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.jobTimeout = d }
}

// WithVisibilityHeartbeat extends each in-flight delivery by d every d/3.
// Zero disables the heartbeat.
func WithVisibilityHeartbeat(d time.Duration) PoolOption {
	return func(p *Pool) { p.visibility = d }
}

func WithRetryPolicy(r RetryPolicy) PoolOption {
	return func(p *Pool) { p.retry = r }
}

// WithBatchCoordinator lets the pool execute batch dispatch messages.
func WithBatchCoordinator(c *BatchCoordinator) PoolOption {
	return func(p *Pool) { p.batches = c }
}

// WithJobFinished registers the observer for jobs the pool completes or fails.
func WithJobFinished(fn JobFinishedFunc) PoolOption {
	return func(p *Pool) { p.onFinished = fn }
}

func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates a worker pool.
func NewPool(b broker.Broker, st store.JobStore, cat catalog.Catalog, reg *Registry, svc *ai.Service, opts ...PoolOption) *Pool {
	p := &Pool{
		broker:       b,
		store:        st,
		catalog:      cat,
		registry:     reg,
		ai:           svc,
		concurrency:  4,
		pollInterval: time.Second,
		jobTimeout:   10 * time.Minute,
		retry:        DefaultRetryPolicy,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "worker")
	return p
}

// Run starts the consumers and blocks until ctx is done and every in-flight
// message has been handled.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting", "concurrency", p.concurrency, "job_timeout", p.jobTimeout)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		g.Go(func() error {
			p.consume(ctx)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) consume(ctx context.Context) {
	for ctx.Err() == nil {
		handled, err := p.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("dequeue failed", "error", err)
		}
		if handled {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(p.pollInterval):
		}
	}
}

// ProcessNext dequeues and handles one message. It reports false when the
// queue was empty.
func (p *Pool) ProcessNext(ctx context.Context) (bool, error) {
	d, err := p.broker.Dequeue(ctx)
	if errors.Is(err, broker.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	p.process(ctx, d)
	return true, nil
}

func (p *Pool) process(ctx context.Context, d *broker.Delivery) {
	// Settling writes must survive shutdown of the consume loop.
	settleCtx := context.WithoutCancel(ctx)

	msg, err := DecodeMessage(d.Body)
	if err != nil {
		p.logger.Error("undecodable message", "message_id", d.ID, "attempt", d.Attempt, "error", err)
		p.nack(settleCtx, d)
		return
	}

	stop := p.heartbeat(ctx, d)
	defer stop()

	var ack bool
	switch msg.Type {
	case MessageTypeBatch:
		ack = p.dispatchBatch(ctx, msg)
	default:
		ack = p.handleJob(ctx, d, msg)
	}

	if ack {
		if err := p.broker.Ack(settleCtx, d.Receipt); err != nil {
			p.logger.Warn("ack failed", "message_id", d.ID, "error", err)
		}
		return
	}
	p.nack(settleCtx, d)
}

func (p *Pool) nack(ctx context.Context, d *broker.Delivery) {
	if err := p.broker.Nack(ctx, d.Receipt); err != nil {
		p.logger.Warn("nack failed", "message_id", d.ID, "error", err)
	}
}

// heartbeat keeps a long-running delivery invisible to other consumers. The
// returned func stops it and waits for it to exit.
func (p *Pool) heartbeat(ctx context.Context, d *broker.Delivery) func() {
	interval := p.visibility / 3
	if interval <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				err := p.broker.Extend(hbCtx, d.Receipt, p.visibility)
				if errors.Is(err, broker.ErrStaleReceipt) {
					p.logger.Warn("lost delivery lease", "message_id", d.ID)
					return
				}
				if err != nil && hbCtx.Err() == nil {
					p.logger.Warn("visibility extend failed", "message_id", d.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (p *Pool) dispatchBatch(ctx context.Context, msg *Message) bool {
	if p.batches == nil {
		p.logger.Error("batch message on a pool without a batch coordinator", "batch_id", msg.BatchID)
		return false
	}
	if err := p.batches.Dispatch(ctx, *msg.BatchID); err != nil {
		p.logger.Error("batch dispatch failed", "batch_id", msg.BatchID, "error", err)
		return false
	}
	return true
}

// handleJob runs one job message and reports whether to ack it. Redelivered
// messages for jobs that are no longer pending are acked without any work.
func (p *Pool) handleJob(ctx context.Context, d *broker.Delivery, msg *Message) bool {
	log := p.logger.With("job_id", msg.JobID, "message_id", d.ID, "delivery", d.Attempt)

	pending, err := p.store.GetJob(ctx, msg.JobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Warn("message for unknown job, dropping")
		return true
	case err != nil:
		log.Error("failed to load job", "error", err)
		return false
	case pending.Status != models.JobStatusPending:
		log.Info("job no longer pending, skipping redelivery", "status", pending.Status)
		return true
	}

	// The subject is loaded while the job is still pending so a catalog
	// outage leaves it pending for the next delivery.
	subject, loadErr := p.loadSubject(ctx, pending)
	if loadErr != nil && !isMissingSubject(loadErr) {
		log.Warn("catalog unavailable, leaving job pending", "error", loadErr)
		return false
	}

	job, err := p.store.UpdateJobStatus(ctx, msg.JobID,
		[]string{models.JobStatusPending}, models.JobStatusRunning)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Warn("message for unknown job, dropping")
		return true
	case errors.Is(err, store.ErrStatusConflict):
		log.Info("job no longer pending, skipping redelivery", "reason", err)
		return true
	case err != nil:
		log.Error("failed to start job", "error", err)
		return false
	}

	log.Info("job started", "kind", job.Kind, "attempt_count", job.AttemptCount)
	settleCtx := context.WithoutCancel(ctx)
	if loadErr != nil {
		return p.fail(settleCtx, log, job, fmt.Sprintf("load subject: %v", loadErr))
	}

	result, err := p.execute(ctx, job, subject)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("worker stopped before the job finished: %w", err)
		}
		return p.fail(settleCtx, log, job, err.Error())
	}

	ref, err := p.catalog.SaveArtifact(settleCtx, &models.Artifact{
		ID:             uuid.New(),
		JobID:          job.ID,
		SubjectID:      job.SubjectID,
		SubjectKind:    job.SubjectKind,
		Kind:           job.Kind,
		Provider:       p.ai.ProviderName(),
		Model:          result.Model,
		Content:        result.Content,
		EstimatedValue: result.EstimatedValue,
		Currency:       result.Currency,
		InputTokens:    result.InputTokens,
		OutputTokens:   result.OutputTokens,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return p.fail(settleCtx, log, job, fmt.Sprintf("persist artifact: %v", err))
	}

	done, err := p.store.UpdateJobStatus(settleCtx, job.ID,
		[]string{models.JobStatusRunning}, models.JobStatusCompleted,
		store.WithArtifactRef(ref))
	switch {
	case errors.Is(err, store.ErrStatusConflict), errors.Is(err, store.ErrNotFound):
		log.Warn("job changed while running, result discarded", "artifact_ref", ref, "reason", err)
		return true
	case err != nil:
		log.Error("failed to complete job", "error", err)
		return false
	}

	log.Info("job completed", "artifact_ref", ref, "model", result.Model)
	p.finished(settleCtx, done)
	return true
}

func (p *Pool) fail(ctx context.Context, log *slog.Logger, job *models.Job, message string) bool {
	failed, err := p.store.UpdateJobStatus(ctx, job.ID,
		[]string{models.JobStatusRunning}, models.JobStatusFailed,
		store.WithErrorMessage(message))
	switch {
	case errors.Is(err, store.ErrStatusConflict), errors.Is(err, store.ErrNotFound):
		log.Warn("job changed while running, failure not recorded", "reason", err)
		return true
	case err != nil:
		log.Error("failed to record job failure", "error", err)
		return false
	}
	log.Warn("job failed", "error_message", message)
	p.finished(ctx, failed)
	return true
}

func (p *Pool) finished(ctx context.Context, job *models.Job) {
	if p.onFinished != nil {
		p.onFinished(ctx, job)
	}
}

func (p *Pool) loadSubject(ctx context.Context, job *models.Job) (*models.Subject, error) {
	ctx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()
	return p.catalog.LoadSubject(ctx, job.SubjectKind, job.SubjectID)
}

// isMissingSubject reports whether a LoadSubject error will not go away on
// redelivery.
func isMissingSubject(err error) bool {
	return errors.Is(err, catalog.ErrSubjectNotFound) || errors.Is(err, catalog.ErrUnknownKind)
}

// execute runs the handler, retrying transient failures under the retry
// policy and the job timeout.
func (p *Pool) execute(ctx context.Context, job *models.Job, subject *models.Subject) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	handler, ok := p.registry.Lookup(job.Kind)
	if !ok {
		return nil, fmt.Errorf("no handler for job kind %q", job.Kind)
	}

	ctx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	attempt := 0
	var lastErr error
	op := func() error {
		attempt++
		res, err := handler(ctx, p.ai, subject, job.ModelSelector)
		if err != nil {
			lastErr = err
			if !ai.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Warn("transient AI failure, retrying",
			"job_id", job.ID,
			"attempt", attempt,
			"retry_in", wait,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(op, p.retry.backOff(ctx), notify); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ai.ErrInferenceTimeout) {
			// The backoff returns the context error, not the last failure.
			if lastErr != nil {
				return nil, fmt.Errorf("%w: job exceeded %s after %d attempts, last error: %w",
					ai.ErrInferenceTimeout, p.jobTimeout, attempt, lastErr)
			}
			return nil, fmt.Errorf("%w: job exceeded %s", ai.ErrInferenceTimeout, p.jobTimeout)
		}
		if ai.IsRetryable(err) {
			return nil, fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}
		return nil, err
	}
	return result, nil
}
