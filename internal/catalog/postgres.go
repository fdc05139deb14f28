package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/shelfmark/pkg/models"
)

// PostgresCatalog reads the catalog tables and writes job_artifacts.
type PostgresCatalog struct {
	pool *pgxpool.Pool
}

func NewPostgresCatalog(pool *pgxpool.Pool) *PostgresCatalog {
	return &PostgresCatalog{pool: pool}
}

var tables = map[string]string{
	models.SubjectKindBook:      "books",
	models.SubjectKindAuthor:    "authors",
	models.SubjectKindPublisher: "publishers",
}

func (c *PostgresCatalog) SubjectExists(ctx context.Context, kind, id string) (bool, error) {
	table, ok := tables[kind]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	var exists bool
	err := c.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check %s exists: %w", kind, err)
	}
	return exists, nil
}

func (c *PostgresCatalog) LoadSubject(ctx context.Context, kind, id string) (*models.Subject, error) {
	var (
		s   *models.Subject
		err error
	)
	switch kind {
	case models.SubjectKindBook:
		s, err = c.loadBook(ctx, id)
	case models.SubjectKindAuthor:
		s, err = c.loadNamed(ctx, kind, id,
			`SELECT name, birth_year, nationality, notes FROM authors WHERE id = $1`, "birth_year", "nationality")
	case models.SubjectKindPublisher:
		s, err = c.loadNamed(ctx, kind, id,
			`SELECT name, founded, country, notes FROM publishers WHERE id = $1`, "founded", "country")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", ErrSubjectNotFound, kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", kind, err)
	}
	return s, nil
}

func (c *PostgresCatalog) loadBook(ctx context.Context, id string) (*models.Subject, error) {
	var (
		title, author, publisher, isbn, edition, condition, notes string
		year                                                      *int
	)
	err := c.pool.QueryRow(ctx,
		`SELECT title, author, publisher, year, isbn, edition, condition, notes FROM books WHERE id = $1`, id,
	).Scan(&title, &author, &publisher, &year, &isbn, &edition, &condition, &notes)
	if err != nil {
		return nil, err
	}
	attrs := map[string]string{
		"author":    author,
		"publisher": publisher,
		"isbn":      isbn,
		"edition":   edition,
		"condition": condition,
		"notes":     notes,
	}
	if year != nil {
		attrs["year"] = strconv.Itoa(*year)
	}
	return &models.Subject{ID: id, Kind: models.SubjectKindBook, Title: title, Attributes: compact(attrs)}, nil
}

// loadNamed loads authors and publishers, which share a (name, year, place, notes) shape.
func (c *PostgresCatalog) loadNamed(ctx context.Context, kind, id, query, yearAttr, placeAttr string) (*models.Subject, error) {
	var (
		name, place, notes string
		year               *int
	)
	if err := c.pool.QueryRow(ctx, query, id).Scan(&name, &year, &place, &notes); err != nil {
		return nil, err
	}
	attrs := map[string]string{placeAttr: place, "notes": notes}
	if year != nil {
		attrs[yearAttr] = strconv.Itoa(*year)
	}
	return &models.Subject{ID: id, Kind: kind, Title: name, Attributes: compact(attrs)}, nil
}

func (c *PostgresCatalog) ListSubjectIDs(ctx context.Context, kind string) ([]string, error) {
	table, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	rows, err := c.pool.Query(ctx, `SELECT id FROM `+table+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list %s ids: %w", kind, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan %s ids: %w", kind, err)
	}
	return ids, nil
}

func (c *PostgresCatalog) SaveArtifact(ctx context.Context, a *models.Artifact) (string, error) {
	var id uuid.UUID
	err := c.pool.QueryRow(ctx,
		`INSERT INTO job_artifacts (id, job_id, subject_id, subject_kind, kind, provider, model, content,
		   estimated_value, currency, input_tokens, output_tokens, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (job_id) DO UPDATE SET job_id = EXCLUDED.job_id
		 RETURNING id`,
		a.ID, a.JobID, a.SubjectID, a.SubjectKind, a.Kind, a.Provider, a.Model, a.Content,
		a.EstimatedValue, a.Currency, a.InputTokens, a.OutputTokens, a.CreatedAt,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("save artifact: %w", err)
	}
	return id.String(), nil
}

func (c *PostgresCatalog) GetArtifactByJob(ctx context.Context, jobID uuid.UUID) (*models.Artifact, error) {
	var a models.Artifact
	err := c.pool.QueryRow(ctx,
		`SELECT id, job_id, subject_id, subject_kind, kind, provider, model, content,
		   estimated_value, currency, input_tokens, output_tokens, created_at
		 FROM job_artifacts WHERE job_id = $1`, jobID,
	).Scan(&a.ID, &a.JobID, &a.SubjectID, &a.SubjectKind, &a.Kind, &a.Provider, &a.Model, &a.Content,
		&a.EstimatedValue, &a.Currency, &a.InputTokens, &a.OutputTokens, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return &a, nil
}

func compact(m map[string]string) map[string]string {
	for k, v := range m {
		if v == "" {
			delete(m, k)
		}
	}
	return m
}
