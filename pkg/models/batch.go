package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	BatchStatusPending    = "pending"
	BatchStatusInProgress = "in_progress"
	BatchStatusCompleted  = "completed"
	BatchStatusFailed     = "failed"
	BatchStatusCancelled  = "cancelled"
)

// Batch item states. An item moves queued -> submitted -> succeeded|failed,
// or queued -> skipped|failed when submission itself is rejected.
const (
	BatchItemQueued    = "queued"
	BatchItemSubmitted = "submitted"
	BatchItemSucceeded = "succeeded"
	BatchItemFailed    = "failed"
	BatchItemSkipped   = "skipped"
)

// BatchJob aggregates the child jobs of one bulk request, such as generating
// profiles for every author.
type BatchJob struct {
	ID            uuid.UUID  `db:"id"             json:"id"`
	Owner         string     `db:"owner"          json:"owner"`
	Kind          string     `db:"kind"           json:"kind"`
	SubjectKind   string     `db:"subject_kind"   json:"subject_kind"`
	ModelSelector string     `db:"model_selector" json:"model_selector"`
	Status        string     `db:"status"         json:"status"`
	Total         int        `db:"total"          json:"total"`
	Succeeded     int        `db:"succeeded"      json:"succeeded"`
	FailedCount   int        `db:"failed_count"   json:"failed"`
	Skipped       int        `db:"skipped"        json:"skipped"`
	ErrorLog      string     `db:"error_log"      json:"error_log,omitempty"`
	CompletedAt   *time.Time `db:"completed_at"   json:"completed_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"     json:"updated_at"`
}

// Settled reports whether every item has been accounted for.
func (b *BatchJob) Settled() bool {
	return b.Succeeded+b.FailedCount+b.Skipped >= b.Total
}

// IsTerminal reports whether the batch status can no longer change.
func (b *BatchJob) IsTerminal() bool {
	switch b.Status {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

// BatchItem links one subject of a batch to the child job submitted for it.
type BatchItem struct {
	BatchID   uuid.UUID  `db:"batch_id"   json:"batch_id"`
	SubjectID string     `db:"subject_id" json:"subject_id"`
	JobID     *uuid.UUID `db:"job_id"     json:"job_id,omitempty"`
	State     string     `db:"state"      json:"state"`
	Error     *string    `db:"error"      json:"error,omitempty"`
}
