package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Artifact holds the AI-generated output of a completed job. Valuations carry
// an estimated value; reports and profiles only carry content.
type Artifact struct {
	ID             uuid.UUID        `db:"id"              json:"id"`
	JobID          uuid.UUID        `db:"job_id"          json:"job_id"`
	SubjectID      string           `db:"subject_id"      json:"subject_id"`
	SubjectKind    string           `db:"subject_kind"    json:"subject_kind"`
	Kind           string           `db:"kind"            json:"kind"`
	Provider       string           `db:"provider"        json:"provider"`
	Model          string           `db:"model"           json:"model"`
	Content        string           `db:"content"         json:"content"`
	EstimatedValue *decimal.Decimal `db:"estimated_value" json:"estimated_value,omitempty"`
	Currency       *string          `db:"currency"        json:"currency,omitempty"`
	InputTokens    int              `db:"input_tokens"    json:"input_tokens"`
	OutputTokens   int              `db:"output_tokens"   json:"output_tokens"`
	CreatedAt      time.Time        `db:"created_at"      json:"created_at"`
}

// Subject is the catalog entity a job acts on, flattened into the attributes
// a prompt needs.
type Subject struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Title      string            `json:"title"`
	Attributes map[string]string `json:"attributes"`
}
