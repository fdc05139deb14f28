package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, subject_id, subject_kind, kind, model_selector, status, attempt_count,
	error_message, artifact_ref, batch_id, started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.SubjectID, &j.SubjectKind, &j.Kind, &j.ModelSelector, &j.Status,
		&j.AttemptCount, &j.ErrorMessage, &j.ArtifactRef, &j.BatchID, &j.StartedAt, &j.CompletedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJob inserts a pending job. The partial unique index
// jobs_one_active_per_subject turns a second active job into ErrActiveJobExists.
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, subject_id, subject_kind, kind, model_selector, status, batch_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.SubjectID, job.SubjectKind, job.Kind, job.ModelSelector, job.Status,
		job.BatchID, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			if constraintName(err) == "jobs_pkey" {
				return ErrDuplicateKey
			}
			return ErrActiveJobExists
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetActiveJob(ctx context.Context, subjectID, subjectKind string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE subject_id = $1 AND subject_kind = $2 AND status IN ('pending', 'running')`,
		subjectID, subjectKind))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, from []string, to string, opts ...JobUpdateOption) (*models.Job, error) {
	if err := checkTransition(from, to); err != nil {
		return nil, err
	}

	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $3, updated_at = $4`
	args := []any{id, from, to, now}
	argIdx := 5

	if to == models.JobStatusRunning {
		query += fmt.Sprintf(", started_at = $%d, attempt_count = attempt_count + 1", argIdx)
		args = append(args, now)
		argIdx++
	}
	if models.IsTerminalStatus(to) {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.ArtifactRef != nil {
		query += fmt.Sprintf(", artifact_ref = $%d", argIdx)
		args = append(args, *params.ArtifactRef)
	}

	query += " WHERE id = $1 AND status = ANY($2) RETURNING " + jobColumns

	j, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.casMiss(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("update job status: %w", err)
	}
	return j, nil
}

// casMiss tells a missing row apart from a lost compare-and-swap.
func (s *PostgresStore) casMiss(ctx context.Context, id uuid.UUID) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	return fmt.Errorf("%w: job is %s", ErrStatusConflict, current)
}

func (s *PostgresStore) FailStaleJob(ctx context.Context, id uuid.UUID, cutoff time.Time, message string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = 'failed', error_message = $3, completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'running') AND COALESCE(started_at, created_at) < $2
		 RETURNING `+jobColumns, id, cutoff, message))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.casMiss(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("fail stale job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) FailStaleJobs(ctx context.Context, cutoff time.Time, message string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET status = 'failed', error_message = $2, completed_at = NOW(), updated_at = NOW()
		 WHERE id IN (
		   SELECT id FROM jobs
		   WHERE status IN ('pending', 'running') AND COALESCE(started_at, created_at) < $1
		   ORDER BY COALESCE(started_at, created_at)
		   LIMIT $3
		   FOR UPDATE SKIP LOCKED
		 ) AND status IN ('pending', 'running')
		 RETURNING `+jobColumns, cutoff, message, limit)
	if err != nil {
		return nil, fmt.Errorf("fail stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- Batches ---

const batchColumns = `id, owner, kind, subject_kind, model_selector, status, total, succeeded,
	failed_count, skipped, error_log, completed_at, created_at, updated_at`

func scanBatch(row pgx.Row) (*models.BatchJob, error) {
	var b models.BatchJob
	err := row.Scan(&b.ID, &b.Owner, &b.Kind, &b.SubjectKind, &b.ModelSelector, &b.Status,
		&b.Total, &b.Succeeded, &b.FailedCount, &b.Skipped, &b.ErrorLog, &b.CompletedAt,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) CreateBatch(ctx context.Context, batch *models.BatchJob, subjectIDs []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create batch: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO batch_jobs (id, owner, kind, subject_kind, model_selector, status, total, completed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		batch.ID, batch.Owner, batch.Kind, batch.SubjectKind, batch.ModelSelector, batch.Status,
		batch.Total, batch.CompletedAt, batch.CreatedAt, batch.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			if constraintName(err) == "batch_jobs_pkey" {
				return ErrDuplicateKey
			}
			return ErrActiveBatchExists
		}
		return fmt.Errorf("create batch: %w", err)
	}

	if len(subjectIDs) > 0 {
		rows := make([][]any, 0, len(subjectIDs))
		for i, id := range subjectIDs {
			rows = append(rows, []any{batch.ID, id, models.BatchItemQueued, i})
		}
		_, err = tx.CopyFrom(ctx, pgx.Identifier{"batch_items"},
			[]string{"batch_id", "subject_id", "state", "position"}, pgx.CopyFromRows(rows))
		if err != nil {
			if isDuplicateKeyError(err) {
				return fmt.Errorf("%w: duplicate subject in batch", ErrDuplicateKey)
			}
			return fmt.Errorf("create batch items: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBatch(ctx context.Context, id uuid.UUID) (*models.BatchJob, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batch_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) ListBatchItems(ctx context.Context, batchID uuid.UUID, state string, limit int) ([]*models.BatchItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT batch_id, subject_id, job_id, state, error FROM batch_items
		 WHERE batch_id = $1 AND ($2 = '' OR state = $2)
		 ORDER BY position LIMIT $3`, batchID, state, limit)
	if err != nil {
		return nil, fmt.Errorf("list batch items: %w", err)
	}
	defer rows.Close()

	var items []*models.BatchItem
	for rows.Next() {
		var it models.BatchItem
		if err := rows.Scan(&it.BatchID, &it.SubjectID, &it.JobID, &it.State, &it.Error); err != nil {
			return nil, fmt.Errorf("scan batch item: %w", err)
		}
		items = append(items, &it)
	}
	return items, rows.Err()
}

func (s *PostgresStore) UpdateBatchStatus(ctx context.Context, id uuid.UUID, from []string, to string) (*models.BatchJob, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx,
		`UPDATE batch_jobs SET status = $3, updated_at = NOW(),
		   completed_at = CASE WHEN $3 IN ('completed', 'failed', 'cancelled') THEN NOW() ELSE completed_at END
		 WHERE id = $1 AND status = ANY($2)
		 RETURNING `+batchColumns, id, from, to))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetBatch(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStatusConflict
	}
	if err != nil {
		return nil, fmt.Errorf("update batch status: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) MarkBatchItemSubmitted(ctx context.Context, batchID uuid.UUID, subjectID string, jobID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE batch_items SET state = 'submitted', job_id = $3
		 WHERE batch_id = $1 AND subject_id = $2 AND state = 'queued'`, batchID, subjectID, jobID)
	if err != nil {
		return fmt.Errorf("mark batch item submitted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}
	return nil
}

// SettleBatchItem runs the item CAS and the counter increment in one
// transaction. Column references on the right of SET read the pre-update row,
// so the settle check sees the counters including this item.
func (s *PostgresStore) SettleBatchItem(ctx context.Context, batchID uuid.UUID, subjectID string, from []string, state string, errMsg *string) (*models.BatchJob, error) {
	succ, fail, skip := batchCounterDelta(state)
	if succ+fail+skip == 0 {
		return nil, fmt.Errorf("settle batch item: %q is not a final state", state)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin settle batch item: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE batch_items SET state = $3, error = $4
		 WHERE batch_id = $1 AND subject_id = $2 AND state = ANY($5)`,
		batchID, subjectID, state, errMsg, from)
	if err != nil {
		return nil, fmt.Errorf("settle batch item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrStatusConflict
	}

	var logLine *string
	if errMsg != nil {
		line := subjectID + ": " + *errMsg + "\n"
		logLine = &line
	}

	b, err := scanBatch(tx.QueryRow(ctx,
		`UPDATE batch_jobs SET
		   succeeded    = succeeded + $2,
		   failed_count = failed_count + $3,
		   skipped      = skipped + $4,
		   error_log    = error_log || COALESCE($5, ''),
		   status = CASE
		     WHEN status IN ('pending', 'in_progress') AND succeeded + $2 + failed_count + $3 + skipped + $4 >= total
		       THEN CASE WHEN succeeded + $2 = 0 AND failed_count + $3 > 0 THEN 'failed' ELSE 'completed' END
		     ELSE status END,
		   completed_at = CASE
		     WHEN status IN ('pending', 'in_progress') AND succeeded + $2 + failed_count + $3 + skipped + $4 >= total
		       THEN NOW()
		     ELSE completed_at END,
		   updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+batchColumns, batchID, succ, fail, skip, logLine))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update batch counters: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit settle batch item: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) ReopenBatchItems(ctx context.Context, batchID uuid.UUID, subjectIDs []string, errMsg string) (*models.BatchJob, int, error) {
	if len(subjectIDs) == 0 {
		subjectIDs = nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("begin reopen batch items: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE batch_items SET state = 'queued', job_id = NULL, error = NULL
		 WHERE batch_id = $1 AND state = 'failed' AND error = $2
		   AND ($3::text[] IS NULL OR subject_id = ANY($3::text[]))
		   AND EXISTS (SELECT 1 FROM batch_jobs WHERE id = $1 AND status <> 'cancelled')`,
		batchID, errMsg, subjectIDs)
	if err != nil {
		return nil, 0, fmt.Errorf("reopen batch items: %w", err)
	}
	n := int(tag.RowsAffected())
	if n == 0 {
		if _, getErr := s.GetBatch(ctx, batchID); getErr != nil {
			return nil, 0, getErr
		}
		return nil, 0, ErrStatusConflict
	}

	b, err := scanBatch(tx.QueryRow(ctx,
		`UPDATE batch_jobs SET
		   failed_count = failed_count - $2,
		   status = CASE WHEN status IN ('completed', 'failed') THEN 'in_progress' ELSE status END,
		   completed_at = CASE WHEN status IN ('completed', 'failed') THEN NULL ELSE completed_at END,
		   updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+batchColumns, batchID, n))
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, 0, ErrActiveBatchExists
		}
		return nil, 0, fmt.Errorf("reopen batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("commit reopen batch items: %w", err)
	}
	return b, n, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func constraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}
