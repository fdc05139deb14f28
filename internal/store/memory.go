package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
)

// MemoryStore is an in-process Store with the same conditional-write
// semantics as PostgresStore. It backs unit tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	jobs    map[uuid.UUID]*models.Job
	batches map[uuid.UUID]*models.BatchJob
	items   map[uuid.UUID][]*models.BatchItem
	keys    map[uuid.UUID]*models.APIKey

	// FailNext, when set, is returned by the next store call and then cleared.
	FailNext error
}

// NewMemoryStore creates an empty MemoryStore. A nil clock means time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:     now,
		jobs:    make(map[uuid.UUID]*models.Job),
		batches: make(map[uuid.UUID]*models.BatchJob),
		items:   make(map[uuid.UUID][]*models.BatchItem),
		keys:    make(map[uuid.UUID]*models.APIKey),
	}
}

func (s *MemoryStore) injected() error {
	if s.FailNext != nil {
		err := s.FailNext
		s.FailNext = nil
		return err
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.injected()
}

// --- API Keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := s.now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return ErrDuplicateKey
	}
	c := *key
	s.keys[key.ID] = &c
	return nil
}

// --- Jobs ---

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return err
	}
	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	if job.Status == models.JobStatusPending || job.Status == models.JobStatusRunning {
		if s.activeJobLocked(job.SubjectID, job.SubjectKind) != nil {
			return ErrActiveJobExists
		}
	}
	c := *job
	s.jobs[job.ID] = &c
	return nil
}

func (s *MemoryStore) activeJobLocked(subjectID, subjectKind string) *models.Job {
	for _, j := range s.jobs {
		if j.SubjectID == subjectID && j.SubjectKind == subjectKind && !j.IsTerminal() {
			return j
		}
	}
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return nil, err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *j
	return &c, nil
}

func (s *MemoryStore) GetActiveJob(ctx context.Context, subjectID, subjectKind string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.activeJobLocked(subjectID, subjectKind)
	if j == nil {
		return nil, ErrNotFound
	}
	c := *j
	return &c, nil
}

func (s *MemoryStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, from []string, to string, opts ...JobUpdateOption) (*models.Job, error) {
	if err := checkTransition(from, to); err != nil {
		return nil, err
	}
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return nil, err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !contains(from, j.Status) {
		return nil, fmt.Errorf("%w: job is %s", ErrStatusConflict, j.Status)
	}

	now := s.now().UTC()
	j.Status = to
	j.UpdatedAt = now
	if to == models.JobStatusRunning {
		j.StartedAt = &now
		j.AttemptCount++
	}
	if models.IsTerminalStatus(to) {
		j.CompletedAt = &now
	}
	if params.ErrorMessage != nil {
		msg := *params.ErrorMessage
		j.ErrorMessage = &msg
	}
	if params.ArtifactRef != nil {
		ref := *params.ArtifactRef
		j.ArtifactRef = &ref
	}
	c := *j
	return &c, nil
}

func (s *MemoryStore) FailStaleJob(ctx context.Context, id uuid.UUID, cutoff time.Time, message string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return nil, err
	}
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.IsTerminal() || !j.ActiveSince().Before(cutoff) {
		return nil, fmt.Errorf("%w: job is %s", ErrStatusConflict, j.Status)
	}
	s.failLocked(j, message)
	c := *j
	return &c, nil
}

func (s *MemoryStore) FailStaleJobs(ctx context.Context, cutoff time.Time, message string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return nil, err
	}

	var stale []*models.Job
	for _, j := range s.jobs {
		if !j.IsTerminal() && j.ActiveSince().Before(cutoff) {
			stale = append(stale, j)
		}
	}
	sort.Slice(stale, func(a, b int) bool { return stale[a].ActiveSince().Before(stale[b].ActiveSince()) })
	if len(stale) > limit {
		stale = stale[:limit]
	}

	out := make([]*models.Job, 0, len(stale))
	for _, j := range stale {
		s.failLocked(j, message)
		c := *j
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) failLocked(j *models.Job, message string) {
	now := s.now().UTC()
	msg := message
	j.Status = models.JobStatusFailed
	j.ErrorMessage = &msg
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// --- Batches ---

func (s *MemoryStore) CreateBatch(ctx context.Context, batch *models.BatchJob, subjectIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return err
	}
	if _, ok := s.batches[batch.ID]; ok {
		return ErrDuplicateKey
	}
	if !batch.IsTerminal() {
		for _, b := range s.batches {
			if !b.IsTerminal() && b.Kind == batch.Kind && b.SubjectKind == batch.SubjectKind {
				return ErrActiveBatchExists
			}
		}
	}

	seen := make(map[string]bool, len(subjectIDs))
	items := make([]*models.BatchItem, 0, len(subjectIDs))
	for _, id := range subjectIDs {
		if seen[id] {
			return fmt.Errorf("%w: duplicate subject in batch", ErrDuplicateKey)
		}
		seen[id] = true
		items = append(items, &models.BatchItem{BatchID: batch.ID, SubjectID: id, State: models.BatchItemQueued})
	}

	c := *batch
	s.batches[batch.ID] = &c
	s.items[batch.ID] = items
	return nil
}

func (s *MemoryStore) GetBatch(ctx context.Context, id uuid.UUID) (*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return nil, err
	}
	b, ok := s.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *b
	return &c, nil
}

func (s *MemoryStore) ListBatchItems(ctx context.Context, batchID uuid.UUID, state string, limit int) ([]*models.BatchItem, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return nil, err
	}
	var out []*models.BatchItem
	for _, it := range s.items[batchID] {
		if state != "" && it.State != state {
			continue
		}
		c := *it
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateBatchStatus(ctx context.Context, id uuid.UUID, from []string, to string) (*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return nil, err
	}
	b, ok := s.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !contains(from, b.Status) {
		return nil, ErrStatusConflict
	}
	now := s.now().UTC()
	b.Status = to
	b.UpdatedAt = now
	if b.IsTerminal() {
		b.CompletedAt = &now
	}
	c := *b
	return &c, nil
}

func (s *MemoryStore) MarkBatchItemSubmitted(ctx context.Context, batchID uuid.UUID, subjectID string, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return err
	}
	it := s.itemLocked(batchID, subjectID)
	if it == nil || it.State != models.BatchItemQueued {
		return ErrStatusConflict
	}
	id := jobID
	it.State = models.BatchItemSubmitted
	it.JobID = &id
	return nil
}

func (s *MemoryStore) SettleBatchItem(ctx context.Context, batchID uuid.UUID, subjectID string, from []string, state string, errMsg *string) (*models.BatchJob, error) {
	succ, fail, skip := batchCounterDelta(state)
	if succ+fail+skip == 0 {
		return nil, fmt.Errorf("settle batch item: %q is not a final state", state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return nil, err
	}
	b, ok := s.batches[batchID]
	if !ok {
		return nil, ErrNotFound
	}
	it := s.itemLocked(batchID, subjectID)
	if it == nil || !contains(from, it.State) {
		return nil, ErrStatusConflict
	}

	it.State = state
	if errMsg != nil {
		msg := *errMsg
		it.Error = &msg
		b.ErrorLog += subjectID + ": " + msg + "\n"
	}

	now := s.now().UTC()
	b.Succeeded += succ
	b.FailedCount += fail
	b.Skipped += skip
	b.UpdatedAt = now
	if !b.IsTerminal() && b.Settled() {
		b.Status = models.BatchStatusCompleted
		if b.Succeeded == 0 && b.FailedCount > 0 {
			b.Status = models.BatchStatusFailed
		}
		b.CompletedAt = &now
	}
	c := *b
	return &c, nil
}

func (s *MemoryStore) ReopenBatchItems(ctx context.Context, batchID uuid.UUID, subjectIDs []string, errMsg string) (*models.BatchJob, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(); err != nil {
		return nil, 0, err
	}
	b, ok := s.batches[batchID]
	if !ok {
		return nil, 0, ErrNotFound
	}
	if b.Status == models.BatchStatusCancelled {
		return nil, 0, ErrStatusConflict
	}

	var matched []*models.BatchItem
	for _, it := range s.items[batchID] {
		if it.State != models.BatchItemFailed || it.Error == nil || *it.Error != errMsg {
			continue
		}
		if len(subjectIDs) > 0 && !contains(subjectIDs, it.SubjectID) {
			continue
		}
		matched = append(matched, it)
	}
	if len(matched) == 0 {
		return nil, 0, ErrStatusConflict
	}
	if b.IsTerminal() {
		for _, other := range s.batches {
			if other != b && !other.IsTerminal() && other.Kind == b.Kind && other.SubjectKind == b.SubjectKind {
				return nil, 0, ErrActiveBatchExists
			}
		}
		b.Status = models.BatchStatusInProgress
		b.CompletedAt = nil
	}

	for _, it := range matched {
		it.State = models.BatchItemQueued
		it.JobID = nil
		it.Error = nil
	}
	b.FailedCount -= len(matched)
	b.UpdatedAt = s.now().UTC()
	c := *b
	return &c, len(matched), nil
}

func (s *MemoryStore) itemLocked(batchID uuid.UUID, subjectID string) *models.BatchItem {
	for _, it := range s.items[batchID] {
		if it.SubjectID == subjectID {
			return it
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
