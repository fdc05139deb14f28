package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrActiveJobExists is returned by CreateJob when the subject already has a
// pending or running job.
var ErrActiveJobExists = errors.New("subject already has an active job")

// ErrActiveBatchExists is returned by CreateBatch and ReopenBatchItems when a
// batch of the same kind is still pending or in progress.
var ErrActiveBatchExists = errors.New("an active batch of this kind already exists")

// ErrStatusConflict means a conditional update lost: the row was not in any
// of the expected states when the write was attempted.
var ErrStatusConflict = errors.New("status changed concurrently")

// ErrInvalidTransition is returned for a status change the state machine never allows.
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
// Every status write is a compare-and-swap on the current status.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	JobStore
	BatchStore
}

// JobStore persists Job rows.
type JobStore interface {
	// CreateJob inserts a pending job. Returns ErrActiveJobExists when the
	// subject already has a pending or running job.
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetActiveJob(ctx context.Context, subjectID, subjectKind string) (*models.Job, error)
	// UpdateJobStatus moves a job to status `to` only if it is currently in one
	// of `from`. Returns ErrStatusConflict when the condition does not hold.
	UpdateJobStatus(ctx context.Context, id uuid.UUID, from []string, to string, opts ...JobUpdateOption) (*models.Job, error)
	// FailStaleJob fails one pending/running job whose activity timestamp is
	// older than cutoff.
	FailStaleJob(ctx context.Context, id uuid.UUID, cutoff time.Time, message string) (*models.Job, error)
	// FailStaleJobs fails up to limit pending/running jobs older than cutoff.
	FailStaleJobs(ctx context.Context, cutoff time.Time, message string, limit int) ([]*models.Job, error)
}

// BatchStore persists BatchJob rows and their items.
type BatchStore interface {
	// CreateBatch inserts the batch and one queued item per subject.
	CreateBatch(ctx context.Context, batch *models.BatchJob, subjectIDs []string) error
	GetBatch(ctx context.Context, id uuid.UUID) (*models.BatchJob, error)
	ListBatchItems(ctx context.Context, batchID uuid.UUID, state string, limit int) ([]*models.BatchItem, error)
	UpdateBatchStatus(ctx context.Context, id uuid.UUID, from []string, to string) (*models.BatchJob, error)
	// MarkBatchItemSubmitted moves a queued item to submitted and records its job.
	MarkBatchItemSubmitted(ctx context.Context, batchID uuid.UUID, subjectID string, jobID uuid.UUID) error
	// SettleBatchItem moves an item from one of `from` to a final state and
	// bumps the matching batch counter exactly once. The batch is finalized
	// when every item is accounted for.
	SettleBatchItem(ctx context.Context, batchID uuid.UUID, subjectID string, from []string, state string, errMsg *string) (*models.BatchJob, error)
	// ReopenBatchItems moves failed items whose error is exactly errMsg back
	// to queued and takes them off the failed counter. A non-empty subjectIDs
	// limits it to those subjects. A finished batch goes back to in_progress;
	// a cancelled batch is never reopened. Returns ErrStatusConflict when no
	// item matched.
	ReopenBatchItems(ctx context.Context, batchID uuid.UUID, subjectIDs []string, errMsg string) (*models.BatchJob, int, error)
}

var validTransitions = map[string][]string{
	models.JobStatusPending: {models.JobStatusRunning, models.JobStatusCancelled, models.JobStatusFailed},
	models.JobStatusRunning: {models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled},
}

// checkTransition rejects any (from, to) pair the state machine does not allow.
func checkTransition(from []string, to string) error {
	if len(from) == 0 {
		return ErrInvalidTransition
	}
	for _, f := range from {
		valid := false
		for _, a := range validTransitions[f] {
			if a == to {
				valid = true
				break
			}
		}
		if !valid {
			return errors.Join(ErrInvalidTransition, errors.New(f+" -> "+to))
		}
	}
	return nil
}

type jobUpdateParams struct {
	ErrorMessage *string
	ArtifactRef  *string
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithArtifactRef(ref string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ArtifactRef = &ref
	}
}

// batchCounterDelta returns the (succeeded, failed, skipped) increments for an item state.
func batchCounterDelta(state string) (int, int, int) {
	switch state {
	case models.BatchItemSucceeded:
		return 1, 0, 0
	case models.BatchItemFailed:
		return 0, 1, 0
	case models.BatchItemSkipped:
		return 0, 0, 1
	}
	return 0, 0, 0
}
