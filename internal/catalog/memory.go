package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
)

// MemoryCatalog is an in-process Catalog for tests.
type MemoryCatalog struct {
	mu        sync.Mutex
	subjects  map[string]map[string]*models.Subject
	artifacts map[uuid.UUID]*models.Artifact
}

func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		subjects:  make(map[string]map[string]*models.Subject),
		artifacts: make(map[uuid.UUID]*models.Artifact),
	}
}

// Put adds or replaces a subject.
func (c *MemoryCatalog) Put(s models.Subject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subjects[s.Kind] == nil {
		c.subjects[s.Kind] = make(map[string]*models.Subject)
	}
	c.subjects[s.Kind][s.ID] = &s
}

// Remove deletes a subject, as the CRUD app would.
func (c *MemoryCatalog) Remove(kind, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subjects[kind], id)
}

func (c *MemoryCatalog) SubjectExists(ctx context.Context, kind, id string) (bool, error) {
	if !KnownKind(kind) {
		return false, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subjects[kind][id]
	return ok, nil
}

func (c *MemoryCatalog) LoadSubject(ctx context.Context, kind, id string) (*models.Subject, error) {
	if !KnownKind(kind) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subjects[kind][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrSubjectNotFound, kind, id)
	}
	cp := *s
	return &cp, nil
}

func (c *MemoryCatalog) ListSubjectIDs(ctx context.Context, kind string) ([]string, error) {
	if !KnownKind(kind) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.subjects[kind]))
	for id := range c.subjects[kind] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (c *MemoryCatalog) SaveArtifact(ctx context.Context, a *models.Artifact) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.artifacts[a.JobID]; ok {
		return existing.ID.String(), nil
	}
	cp := *a
	c.artifacts[a.JobID] = &cp
	return a.ID.String(), nil
}

func (c *MemoryCatalog) GetArtifactByJob(ctx context.Context, jobID uuid.UUID) (*models.Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.artifacts[jobID]
	if !ok {
		return nil, ErrArtifactNotFound
	}
	cp := *a
	return &cp, nil
}

// ArtifactCount returns the number of stored artifacts.
func (c *MemoryCatalog) ArtifactCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.artifacts)
}
