package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Message types carried by the broker.
const (
	MessageTypeJob   = "job"
	MessageTypeBatch = "batch"
)

// Message is the broker payload. A job message asks a worker to run one job;
// a batch message asks a worker to submit the queued items of a batch.
type Message struct {
	Type          string     `json:"type"`
	JobID         uuid.UUID  `json:"job_id"`
	SubjectID     string     `json:"subject_id,omitempty"`
	SubjectKind   string     `json:"subject_kind,omitempty"`
	Kind          string     `json:"kind,omitempty"`
	ModelSelector string     `json:"model_selector,omitempty"`
	BatchID       *uuid.UUID `json:"batch_id,omitempty"`
}

// Encode returns the wire form of m.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses and checks a broker payload.
func DecodeMessage(body []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	switch m.Type {
	case MessageTypeJob:
		if m.JobID == uuid.Nil {
			return nil, fmt.Errorf("decode message: job message without job_id")
		}
	case MessageTypeBatch:
		if m.BatchID == nil || *m.BatchID == uuid.Nil {
			return nil, fmt.Errorf("decode message: batch message without batch_id")
		}
	default:
		return nil, fmt.Errorf("decode message: unknown type %q", m.Type)
	}
	return &m, nil
}
