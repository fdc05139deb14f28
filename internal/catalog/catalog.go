// Package catalog is the orchestrator's view of the book-collection data:
// it loads subjects for prompts and persists the artifacts jobs produce.
package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
)

var (
	ErrSubjectNotFound  = errors.New("subject not found")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrUnknownKind      = errors.New("unknown subject kind")
)

// Catalog is implemented by the relational store that owns books, authors
// and publishers.
type Catalog interface {
	SubjectExists(ctx context.Context, kind, id string) (bool, error)
	// LoadSubject returns ErrSubjectNotFound when the row is gone.
	LoadSubject(ctx context.Context, kind, id string) (*models.Subject, error)
	// ListSubjectIDs returns every id of a kind in a stable order.
	ListSubjectIDs(ctx context.Context, kind string) ([]string, error)
	// SaveArtifact stores the artifact of a job and returns its reference.
	// Saving twice for the same job returns the first reference, so a
	// redelivered message cannot create a duplicate.
	SaveArtifact(ctx context.Context, a *models.Artifact) (string, error)
	GetArtifactByJob(ctx context.Context, jobID uuid.UUID) (*models.Artifact, error)
}

// KnownKind reports whether kind names a catalog table.
func KnownKind(kind string) bool {
	switch kind {
	case models.SubjectKindBook, models.SubjectKindAuthor, models.SubjectKindPublisher:
		return true
	}
	return false
}
