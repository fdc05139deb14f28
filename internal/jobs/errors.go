package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/shelfmark/internal/store"
)

var (
	// ErrValidation marks requests rejected before anything is persisted.
	ErrValidation = errors.New("validation failed")
	// ErrConflict marks requests that collide with an active job or batch.
	ErrConflict = errors.New("conflict")
	// ErrInfrastructure marks Job Store, Broker or Catalog outages.
	ErrInfrastructure = errors.New("job infrastructure unavailable")
	// ErrStaleJob is the cause recorded when the reconciler fails an abandoned job.
	ErrStaleJob = errors.New("stale job")
	// ErrNotRetryable is returned by Retry for jobs that are not failed or cancelled.
	ErrNotRetryable = errors.New("job is not in a retryable state")
	// ErrNotReplayable is returned for a dead letter that is not a dispatch message.
	ErrNotReplayable = errors.New("dead letter cannot be replayed")
	// ErrNotFound is returned for unknown job and batch ids.
	ErrNotFound = store.ErrNotFound
	// ErrAlreadyFinished is returned when cancelling a job or batch that is already terminal.
	ErrAlreadyFinished = errors.New("already finished")
)

// ValidationError describes one rejected request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError is returned by Submit when the subject already has a pending
// or running job. ExistingJobID is the zero UUID if the active job finished
// before it could be looked up.
type ConflictError struct {
	SubjectID     string
	SubjectKind   string
	ExistingJobID uuid.UUID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s already has an active job %s", e.SubjectKind, e.SubjectID, e.ExistingJobID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InfrastructureError wraps a failing dependency call. JobID is set when a
// job row was written before the failure.
type InfrastructureError struct {
	Op    string
	JobID uuid.UUID
	Err   error
}

func (e *InfrastructureError) Error() string {
	if e.JobID != uuid.Nil {
		return fmt.Sprintf("%s (job %s): %v", e.Op, e.JobID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() []error { return []error{ErrInfrastructure, e.Err} }

func infraError(op string, err error) error {
	return &InfrastructureError{Op: op, Err: err}
}

// StaleMessage is the error_message the reconciler records on a stale job.
func StaleMessage(threshold time.Duration) string {
	return fmt.Sprintf("%s: no progress for %s, resubmit to retry", ErrStaleJob, threshold)
}

// DeadLetterMessage is the error_message recorded when a job's dispatch
// message was dead-lettered.
func DeadLetterMessage(deliveries int, reason string) string {
	return fmt.Sprintf("dispatch message dead-lettered after %d deliveries (%s)", deliveries, reason)
}
