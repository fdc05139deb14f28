package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/shelfmark/internal/broker"
	"github.com/kiranshivaraju/shelfmark/internal/store"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
)

// Replay outcomes.
const (
	// ReplayRequeued means the original message went back on the queue.
	ReplayRequeued = "requeued"
	// ReplayResubmitted means a new job replaced the one the dead letter failed.
	ReplayResubmitted = "resubmitted"
	// ReplayDiscarded means the work finished another way and the dead
	// letter was dropped.
	ReplayDiscarded = "discarded"
)

// ReplayResult describes what a replay did.
type ReplayResult struct {
	MessageID string     `json:"message_id"`
	Status    string     `json:"status"`
	JobID     *uuid.UUID `json:"job_id,omitempty"`
	RetryOf   *uuid.UUID `json:"retry_of,omitempty"`
	BatchID   *uuid.UUID `json:"batch_id,omitempty"`
	Reopened  int        `json:"reopened_items,omitempty"`
}

// DeadLetterReplayer turns an admin replay of a dead letter into work that
// runs again. By then the dead-letter hook has usually failed the job or
// aborted the batch dispatch.
type DeadLetterReplayer struct {
	broker  broker.Broker
	store   store.JobStore
	gateway *Gateway
	batches *BatchCoordinator
	logger  *slog.Logger
}

type ReplayOption func(*DeadLetterReplayer)

func WithReplayLogger(l *slog.Logger) ReplayOption {
	return func(r *DeadLetterReplayer) { r.logger = l }
}

// NewDeadLetterReplayer creates a DeadLetterReplayer. batches may be nil when
// no batch messages are ever enqueued.
func NewDeadLetterReplayer(b broker.Broker, st store.JobStore, gw *Gateway, batches *BatchCoordinator, opts ...ReplayOption) *DeadLetterReplayer {
	r := &DeadLetterReplayer{
		broker:  b,
		store:   st,
		gateway: gw,
		batches: batches,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "replay")
	return r
}

// DeadLetters lists the most recent dead letters.
func (r *DeadLetterReplayer) DeadLetters(ctx context.Context, limit int) ([]broker.DeadLetter, error) {
	return r.broker.DeadLetters(ctx, limit)
}

// Replay acts on one dead letter:
//   - a job message whose job is still pending goes back on the queue;
//   - a job the dead letter failed is resubmitted, relinked to its batch item;
//   - a batch dispatch gets its aborted items reopened and runs again;
//   - anything that finished another way is discarded.
//
// It returns broker.ErrNotDeadLettered for an unknown id.
func (r *DeadLetterReplayer) Replay(ctx context.Context, id string) (*ReplayResult, error) {
	dl, err := r.broker.DeadLetter(ctx, id)
	if err != nil {
		if errors.Is(err, broker.ErrNotDeadLettered) {
			return nil, err
		}
		return nil, infraError("get dead letter", err)
	}
	msg, err := DecodeMessage(dl.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotReplayable, err)
	}

	reason := DeadLetterMessage(dl.Deliveries, dl.Reason)
	var res *ReplayResult
	switch msg.Type {
	case MessageTypeBatch:
		res, err = r.replayBatch(ctx, dl, *msg.BatchID, reason)
	default:
		res, err = r.replayJob(ctx, dl, msg.JobID, reason)
	}
	if err != nil {
		return nil, err
	}
	r.logger.Info("dead letter replayed",
		"message_id", dl.ID,
		"status", res.Status,
		"job_id", res.JobID,
		"batch_id", res.BatchID,
	)
	return res, nil
}

func (r *DeadLetterReplayer) replayJob(ctx context.Context, dl *broker.DeadLetter, jobID uuid.UUID, reason string) (*ReplayResult, error) {
	res := &ReplayResult{MessageID: dl.ID}
	job, err := r.store.GetJob(ctx, jobID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return r.discard(ctx, res)
	case err != nil:
		return nil, infraError("get job", err)
	}
	res.BatchID = job.BatchID

	switch {
	case job.Status == models.JobStatusPending:
		// The hook never failed the job; the message itself is still good.
		res.JobID = &job.ID
		return r.requeue(ctx, res)
	case job.Status != models.JobStatusFailed || job.ErrorMessage == nil || *job.ErrorMessage != reason:
		return r.discard(ctx, res)
	}

	var next uuid.UUID
	if job.BatchID != nil && r.batches != nil {
		next, err = r.batches.Resubmit(ctx, *job.BatchID, job.SubjectID, reason)
	} else {
		var retried *models.Job
		if retried, err = r.gateway.Retry(ctx, job.ID); err == nil {
			next = retried.ID
		}
	}
	if err != nil {
		return nil, err
	}

	res.Status = ReplayResubmitted
	res.JobID = &next
	res.RetryOf = &job.ID
	r.drop(ctx, dl.ID)
	return res, nil
}

func (r *DeadLetterReplayer) replayBatch(ctx context.Context, dl *broker.DeadLetter, batchID uuid.UUID, reason string) (*ReplayResult, error) {
	res := &ReplayResult{MessageID: dl.ID, BatchID: &batchID}
	if r.batches == nil {
		return nil, fmt.Errorf("%w: batch messages are not handled here", ErrNotReplayable)
	}

	n, err := r.batches.ReopenDispatch(ctx, batchID, reason)
	switch {
	case errors.Is(err, ErrNotFound):
		return r.discard(ctx, res)
	case err != nil:
		return nil, err
	}
	res.Reopened = n
	if n > 0 {
		return r.requeue(ctx, res)
	}

	// Nothing was aborted: rerun the dispatch only if the batch still waits on it.
	batch, err := r.batches.store.GetBatch(ctx, batchID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return r.discard(ctx, res)
	case err != nil:
		return nil, infraError("get batch", err)
	case batch.IsTerminal():
		return r.discard(ctx, res)
	}
	return r.requeue(ctx, res)
}

func (r *DeadLetterReplayer) requeue(ctx context.Context, res *ReplayResult) (*ReplayResult, error) {
	if err := r.broker.Replay(ctx, res.MessageID); err != nil {
		if errors.Is(err, broker.ErrNotDeadLettered) {
			return nil, err
		}
		return nil, infraError("replay dead letter", err)
	}
	res.Status = ReplayRequeued
	return res, nil
}

func (r *DeadLetterReplayer) discard(ctx context.Context, res *ReplayResult) (*ReplayResult, error) {
	if err := r.broker.Discard(ctx, res.MessageID); err != nil {
		if errors.Is(err, broker.ErrNotDeadLettered) {
			return nil, err
		}
		return nil, infraError("discard dead letter", err)
	}
	res.Status = ReplayDiscarded
	return res, nil
}

// drop removes a dead letter whose work was resubmitted. A failure only
// leaves it listed.
func (r *DeadLetterReplayer) drop(ctx context.Context, id string) {
	if err := r.broker.Discard(ctx, id); err != nil && !errors.Is(err, broker.ErrNotDeadLettered) {
		r.logger.Warn("failed to drop replayed dead letter", "message_id", id, "error", err)
	}
}
