package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/shelfmark/internal/broker"
	"github.com/kiranshivaraju/shelfmark/internal/catalog"
	"github.com/kiranshivaraju/shelfmark/internal/store"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
)

const (
	dispatchPageSize = 100
	statusPollLimit  = 500
)

// BatchRequest asks for one job per subject. An empty SubjectIDs means every
// subject of SubjectKind in the Catalog.
type BatchRequest struct {
	Owner         string
	Kind          string
	SubjectKind   string
	ModelSelector string
	SubjectIDs    []string
}

// BatchCoordinator fans a batch out into child jobs through the Gateway and
// keeps the batch counters in step with the children.
type BatchCoordinator struct {
	store   store.Store
	gateway *Gateway
	broker  broker.Broker
	catalog catalog.Catalog
	now     func() time.Time
	logger  *slog.Logger
}

type BatchOption func(*BatchCoordinator)

func WithBatchClock(now func() time.Time) BatchOption {
	return func(c *BatchCoordinator) { c.now = now }
}

func WithBatchLogger(l *slog.Logger) BatchOption {
	return func(c *BatchCoordinator) { c.logger = l }
}

// NewBatchCoordinator creates a BatchCoordinator.
func NewBatchCoordinator(st store.Store, gw *Gateway, b broker.Broker, cat catalog.Catalog, opts ...BatchOption) *BatchCoordinator {
	c := &BatchCoordinator{
		store:   st,
		gateway: gw,
		broker:  b,
		catalog: cat,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "batch")
	return c
}

// SubmitBatch records the batch with one queued item per subject and enqueues
// a dispatch message. Child jobs are submitted by a worker, so the call
// returns without waiting on the gateway once per subject.
func (c *BatchCoordinator) SubmitBatch(ctx context.Context, req BatchRequest) (*models.BatchJob, error) {
	if err := c.gateway.validateWork(req.Kind, req.SubjectKind, req.ModelSelector); err != nil {
		return nil, err
	}

	ids, err := c.subjectIDs(ctx, req)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	batch := &models.BatchJob{
		ID:            uuid.New(),
		Owner:         req.Owner,
		Kind:          req.Kind,
		SubjectKind:   req.SubjectKind,
		ModelSelector: req.ModelSelector,
		Status:        models.BatchStatusPending,
		Total:         len(ids),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if len(ids) == 0 {
		batch.Status = models.BatchStatusCompleted
		batch.CompletedAt = &now
	}

	if err := c.store.CreateBatch(ctx, batch, ids); err != nil {
		if errors.Is(err, store.ErrActiveBatchExists) {
			return nil, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return nil, infraError("create batch", err)
	}
	if batch.Total == 0 {
		return batch, nil
	}

	body, err := (&Message{Type: MessageTypeBatch, BatchID: &batch.ID}).Encode()
	if err == nil {
		_, err = c.broker.Enqueue(ctx, body)
	}
	if err != nil {
		if _, uerr := c.store.UpdateBatchStatus(ctx, batch.ID, []string{models.BatchStatusPending}, models.BatchStatusFailed); uerr != nil {
			c.logger.Error("failed to fail undispatched batch", "batch_id", batch.ID, "error", uerr)
		}
		return nil, infraError("enqueue batch dispatch", err)
	}

	c.logger.Info("batch submitted",
		"batch_id", batch.ID,
		"kind", batch.Kind,
		"subject_kind", batch.SubjectKind,
		"total", batch.Total,
		"owner", batch.Owner,
	)
	return batch, nil
}

// subjectIDs returns the requested ids with blanks rejected and duplicates
// dropped, or every catalog id when none were given.
func (c *BatchCoordinator) subjectIDs(ctx context.Context, req BatchRequest) ([]string, error) {
	if len(req.SubjectIDs) == 0 {
		ids, err := c.catalog.ListSubjectIDs(ctx, req.SubjectKind)
		if err != nil {
			return nil, infraError("list subjects", err)
		}
		return ids, nil
	}

	seen := make(map[string]bool, len(req.SubjectIDs))
	ids := make([]string, 0, len(req.SubjectIDs))
	for _, id := range req.SubjectIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, &ValidationError{Field: "subject_ids", Reason: "must not contain blank ids"}
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

// Dispatch submits every queued item of a batch. It checks for cancellation
// before each item and is safe to rerun after a crash: items already
// submitted are not queued any more, and a child job created by an earlier
// run is linked instead of skipped.
func (c *BatchCoordinator) Dispatch(ctx context.Context, batchID uuid.UUID) error {
	batch, err := c.store.GetBatch(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("dispatch for unknown batch", "batch_id", batchID)
		return nil
	}
	if err != nil {
		return err
	}
	if batch.IsTerminal() {
		c.logger.Info("batch already finished, nothing to dispatch", "batch_id", batchID, "status", batch.Status)
		return nil
	}

	_, err = c.store.UpdateBatchStatus(ctx, batchID, []string{models.BatchStatusPending}, models.BatchStatusInProgress)
	if err != nil && !errors.Is(err, store.ErrStatusConflict) {
		return err
	}

	submitted := 0
	for {
		items, err := c.store.ListBatchItems(ctx, batchID, models.BatchItemQueued, dispatchPageSize)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			current, err := c.store.GetBatch(ctx, batchID)
			if err != nil {
				return err
			}
			if current.Status == models.BatchStatusCancelled {
				c.logger.Info("batch cancelled, dispatch stopped", "batch_id", batchID, "submitted", submitted)
				return nil
			}
			jobID, err := c.dispatchItem(ctx, batch, item)
			if err != nil {
				return err
			}
			if jobID != uuid.Nil {
				submitted++
			}
		}
	}

	c.logger.Info("batch dispatched", "batch_id", batchID, "submitted", submitted)
	return nil
}

// dispatchItem submits one queued item and returns the child job linked to
// it, or uuid.Nil when the item was settled instead. Only infrastructure
// failures are returned as errors.
func (c *BatchCoordinator) dispatchItem(ctx context.Context, batch *models.BatchJob, item *models.BatchItem) (uuid.UUID, error) {
	job, err := c.gateway.Submit(ctx, SubmitRequest{
		SubjectID:     item.SubjectID,
		SubjectKind:   batch.SubjectKind,
		Kind:          batch.Kind,
		ModelSelector: batch.ModelSelector,
		BatchID:       &batch.ID,
	})

	var conflict *ConflictError
	switch {
	case err == nil:
		return job.ID, c.link(ctx, batch.ID, item.SubjectID, job.ID)

	case errors.As(err, &conflict):
		if existing, gerr := c.store.GetJob(ctx, conflict.ExistingJobID); gerr == nil &&
			existing.BatchID != nil && *existing.BatchID == batch.ID {
			return existing.ID, c.link(ctx, batch.ID, item.SubjectID, existing.ID)
		}
		msg := fmt.Sprintf("skipped: active job %s already exists", conflict.ExistingJobID)
		c.logger.Info("batch item skipped", "batch_id", batch.ID, "subject_id", item.SubjectID, "existing_job_id", conflict.ExistingJobID)
		return uuid.Nil, c.settle(ctx, batch.ID, item.SubjectID, []string{models.BatchItemQueued}, models.BatchItemSkipped, msg)

	case errors.Is(err, ErrValidation):
		c.logger.Warn("batch item rejected", "batch_id", batch.ID, "subject_id", item.SubjectID, "error", err)
		return uuid.Nil, c.settle(ctx, batch.ID, item.SubjectID, []string{models.BatchItemQueued}, models.BatchItemFailed, err.Error())

	default:
		var infra *InfrastructureError
		if errors.As(err, &infra) && infra.JobID != uuid.Nil {
			// The job row exists but its message was lost; the reconciler
			// fails it and ChildFinished settles the item.
			return infra.JobID, c.link(ctx, batch.ID, item.SubjectID, infra.JobID)
		}
		return uuid.Nil, err
	}
}

func (c *BatchCoordinator) link(ctx context.Context, batchID uuid.UUID, subjectID string, jobID uuid.UUID) error {
	err := c.store.MarkBatchItemSubmitted(ctx, batchID, subjectID, jobID)
	if errors.Is(err, store.ErrStatusConflict) {
		// The child already finished and settled the item.
		return nil
	}
	return err
}

func (c *BatchCoordinator) settle(ctx context.Context, batchID uuid.UUID, subjectID string, from []string, state, msg string) error {
	batch, err := c.store.SettleBatchItem(ctx, batchID, subjectID, from, state, &msg)
	if errors.Is(err, store.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	c.logSettled(batch)
	return nil
}

func (c *BatchCoordinator) logSettled(batch *models.BatchJob) {
	if batch.Settled() && (batch.Status == models.BatchStatusCompleted || batch.Status == models.BatchStatusFailed) {
		c.logger.Info("batch finished",
			"batch_id", batch.ID,
			"status", batch.Status,
			"succeeded", batch.Succeeded,
			"failed", batch.FailedCount,
			"skipped", batch.Skipped,
			"total", batch.Total,
		)
	}
}

// ChildFinished settles the batch item of a terminal child job. Jobs outside
// a batch and repeated notifications are ignored.
func (c *BatchCoordinator) ChildFinished(ctx context.Context, job *models.Job) {
	if job.BatchID == nil || !job.IsTerminal() {
		return
	}
	state := models.BatchItemFailed
	var msg *string
	switch job.Status {
	case models.JobStatusCompleted:
		state = models.BatchItemSucceeded
	case models.JobStatusCancelled:
		m := "cancelled"
		msg = &m
	default:
		m := "failed"
		if job.ErrorMessage != nil {
			m = *job.ErrorMessage
		}
		msg = &m
	}

	batch, err := c.store.SettleBatchItem(ctx, *job.BatchID, job.SubjectID,
		[]string{models.BatchItemQueued, models.BatchItemSubmitted}, state, msg)
	switch {
	case errors.Is(err, store.ErrStatusConflict), errors.Is(err, store.ErrNotFound):
		return
	case err != nil:
		c.logger.Error("failed to settle batch item", "batch_id", job.BatchID, "job_id", job.ID, "error", err)
		return
	}
	c.logSettled(batch)
}

// Status returns the batch after settling any submitted children that
// finished without notifying, e.g. because their worker died.
func (c *BatchCoordinator) Status(ctx context.Context, batchID uuid.UUID) (*models.BatchJob, error) {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
		}
		return nil, infraError("get batch", err)
	}
	if batch.Status == models.BatchStatusCompleted || batch.Status == models.BatchStatusFailed {
		return batch, nil
	}

	items, err := c.store.ListBatchItems(ctx, batchID, models.BatchItemSubmitted, statusPollLimit)
	if err != nil {
		return nil, infraError("list batch items", err)
	}
	for _, item := range items {
		if item.JobID == nil {
			continue
		}
		job, err := c.gateway.Status(ctx, *item.JobID)
		if err != nil {
			c.logger.Warn("batch child status failed", "batch_id", batchID, "job_id", item.JobID, "error", err)
			continue
		}
		c.ChildFinished(ctx, job)
	}

	batch, err = c.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, infraError("get batch", err)
	}
	return batch, nil
}

// Items lists the items of a batch, optionally filtered by state.
func (c *BatchCoordinator) Items(ctx context.Context, batchID uuid.UUID, state string, limit int) ([]*models.BatchItem, error) {
	if _, err := c.store.GetBatch(ctx, batchID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
		}
		return nil, infraError("get batch", err)
	}
	items, err := c.store.ListBatchItems(ctx, batchID, state, limit)
	if err != nil {
		return nil, infraError("list batch items", err)
	}
	return items, nil
}

// CancelBatch stops dispatch of queued items. Children already submitted run
// to completion and still update the counters.
func (c *BatchCoordinator) CancelBatch(ctx context.Context, batchID uuid.UUID) (*models.BatchJob, error) {
	batch, err := c.store.UpdateBatchStatus(ctx, batchID,
		[]string{models.BatchStatusPending, models.BatchStatusInProgress}, models.BatchStatusCancelled)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	case errors.Is(err, store.ErrStatusConflict):
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrAlreadyFinished)
	case err != nil:
		return nil, infraError("cancel batch", err)
	}
	c.logger.Info("batch cancelled", "batch_id", batchID)
	return batch, nil
}

// AbortDispatch fails the still-queued items of a batch whose dispatch
// message was dead-lettered, so its counters can still reach the total.
func (c *BatchCoordinator) AbortDispatch(ctx context.Context, batchID uuid.UUID, reason string) {
	for {
		items, err := c.store.ListBatchItems(ctx, batchID, models.BatchItemQueued, dispatchPageSize)
		if err != nil {
			c.logger.Error("failed to list undispatched items", "batch_id", batchID, "error", err)
			return
		}
		if len(items) == 0 {
			return
		}
		for _, item := range items {
			if err := c.settle(ctx, batchID, item.SubjectID, []string{models.BatchItemQueued}, models.BatchItemFailed, reason); err != nil {
				c.logger.Error("failed to fail undispatched item", "batch_id", batchID, "subject_id", item.SubjectID, "error", err)
				return
			}
		}
		c.logger.Warn("batch dispatch aborted", "batch_id", batchID, "failed_items", len(items), "reason", reason)
	}
}

// reopen puts the failed items of a batch whose error is reason back in the
// queue. It returns the reopened batch and how many items matched; zero
// means there was nothing to reopen.
func (c *BatchCoordinator) reopen(ctx context.Context, batchID uuid.UUID, subjectIDs []string, reason string) (*models.BatchJob, int, error) {
	batch, n, err := c.store.ReopenBatchItems(ctx, batchID, subjectIDs, reason)
	switch {
	case errors.Is(err, store.ErrStatusConflict):
		return nil, 0, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, 0, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	case errors.Is(err, store.ErrActiveBatchExists):
		return nil, 0, fmt.Errorf("%w: %v", ErrConflict, err)
	case err != nil:
		return nil, 0, infraError("reopen batch items", err)
	}
	c.logger.Info("batch items reopened", "batch_id", batchID, "items", n, "status", batch.Status)
	return batch, n, nil
}

// ReopenDispatch queues again the items AbortDispatch failed with reason, so
// a rerun of the dispatch message submits them. It returns the number of
// reopened items.
func (c *BatchCoordinator) ReopenDispatch(ctx context.Context, batchID uuid.UUID, reason string) (int, error) {
	_, n, err := c.reopen(ctx, batchID, nil, reason)
	return n, err
}

// Resubmit replaces a batch child that failed with reason by a new child
// job linked to the same item. It returns ErrNotRetryable when the item is
// not failed with reason any more or the batch was cancelled.
func (c *BatchCoordinator) Resubmit(ctx context.Context, batchID uuid.UUID, subjectID, reason string) (uuid.UUID, error) {
	batch, n, err := c.reopen(ctx, batchID, []string{subjectID}, reason)
	if err != nil {
		return uuid.Nil, err
	}
	if n == 0 {
		return uuid.Nil, fmt.Errorf("batch %s item %s: %w", batchID, subjectID, ErrNotRetryable)
	}

	jobID, err := c.dispatchItem(ctx, batch, &models.BatchItem{BatchID: batchID, SubjectID: subjectID})
	switch {
	case err != nil && jobID != uuid.Nil:
		// The child exists; ChildFinished settles the still-queued item.
		c.logger.Warn("failed to link resubmitted child", "batch_id", batchID, "job_id", jobID, "error", err)
		return jobID, nil
	case err != nil:
		// Fail the item again so a later attempt can reopen it.
		if serr := c.settle(context.WithoutCancel(ctx), batchID, subjectID,
			[]string{models.BatchItemQueued}, models.BatchItemFailed, reason); serr != nil {
			c.logger.Error("failed to restore batch item", "batch_id", batchID, "subject_id", subjectID, "error", serr)
		}
		var infra *InfrastructureError
		if !errors.As(err, &infra) {
			err = infraError("resubmit batch item", err)
		}
		return uuid.Nil, err
	case jobID == uuid.Nil:
		return uuid.Nil, fmt.Errorf("batch %s item %s was settled instead of resubmitted: %w", batchID, subjectID, ErrNotRetryable)
	}
	return jobID, nil
}
