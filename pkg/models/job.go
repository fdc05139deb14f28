package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Job kinds. Each kind maps to one handler in the worker's dispatch table.
const (
	JobKindAnalysis          = "analysis"
	JobKindEvalReport        = "eval_report"
	JobKindProfileGeneration = "profile_generation"
)

// Subject kinds a job can act on.
const (
	SubjectKindBook      = "book"
	SubjectKindAuthor    = "author"
	SubjectKindPublisher = "publisher"
)

// Job tracks one asynchronous AI work item. The API returns a job_id on
// POST /api/v1/jobs; the client polls GET /api/v1/jobs/{job_id} until the
// status is terminal. At most one job per (subject_id, subject_kind) may be
// pending or running at a time.
type Job struct {
	ID            uuid.UUID  `db:"id"             json:"id"`
	SubjectID     string     `db:"subject_id"     json:"subject_id"`
	SubjectKind   string     `db:"subject_kind"   json:"subject_kind"`
	Kind          string     `db:"kind"           json:"kind"`
	ModelSelector string     `db:"model_selector" json:"model_selector"`
	Status        string     `db:"status"         json:"status"`
	AttemptCount  int        `db:"attempt_count"  json:"attempt_count"`
	ErrorMessage  *string    `db:"error_message"  json:"error_message,omitempty"`
	ArtifactRef   *string    `db:"artifact_ref"   json:"artifact_ref,omitempty"`
	BatchID       *uuid.UUID `db:"batch_id"       json:"batch_id,omitempty"`
	StartedAt     *time.Time `db:"started_at"     json:"started_at,omitempty"`
	CompletedAt   *time.Time `db:"completed_at"   json:"completed_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"     json:"updated_at"`
}

// IsTerminal reports whether the job can no longer change status.
func (j *Job) IsTerminal() bool {
	return IsTerminalStatus(j.Status)
}

// IsTerminalStatus reports whether status is completed, failed or cancelled.
func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// ActiveSince returns the timestamp staleness is measured from:
// started_at once the job is running, created_at before that.
func (j *Job) ActiveSince() time.Time {
	if j.StartedAt != nil {
		return *j.StartedAt
	}
	return j.CreatedAt
}
