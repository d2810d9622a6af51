package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blociq/docpipe/internal/model"
)

const jobColumns = `id, user_id, filename, mime, size_bytes, storage_key, variant, status,
	extracted_text, page_count, summary_json, error_code, error_message, attempts, created_at, updated_at`

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs a repository on an open pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Create inserts a queued job before processing begins.
func (r *Postgres) Create(ctx context.Context, job *model.Job) error {
	now := time.Now().UTC()
	job.Status = model.StatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO document_jobs (id, user_id, filename, mime, size_bytes, storage_key, variant, status, attempts, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,$10)
	`, job.ID, job.UserID, job.Filename, job.Mime, job.SizeBytes, job.StorageKey, job.Variant, job.Status, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get returns a job by id.
func (r *Postgres) Get(ctx context.Context, id string) (*model.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM document_jobs WHERE id=$1`, id)
	return scanJob(row)
}

// GetForUser returns the job only when userID owns it.
func (r *Postgres) GetForUser(ctx context.Context, id, userID string) (*model.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM document_jobs WHERE id=$1 AND user_id=$2`, id, userID)
	return scanJob(row)
}

// List returns jobs matching filter, newest first.
func (r *Postgres) List(ctx context.Context, filter ListFilter) ([]*model.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id=$%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		args = append(args, statusStrings(filter.Statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if !filter.UpdatedBefore.IsZero() {
		args = append(args, filter.UpdatedBefore)
		where = append(where, fmt.Sprintf("updated_at < $%d", len(args)))
	}
	query := `SELECT ` + jobColumns + ` FROM document_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// BeginStage sets a processing status and bumps attempts.
func (r *Postgres) BeginStage(ctx context.Context, id string, status model.Status) error {
	return r.transition(ctx, id, status, `attempts = attempts + 1`)
}

// RecordText stores the OCR output and moves the job to EXTRACT.
func (r *Postgres) RecordText(ctx context.Context, id, text string, pageCount int) error {
	return r.transition(ctx, id, model.StatusExtract, `extracted_text = $4, page_count = $5`, text, pageCount)
}

// RecordSummary stores the summary and moves the job to READY.
func (r *Postgres) RecordSummary(ctx context.Context, id string, summary json.RawMessage) error {
	return r.transition(ctx, id, model.StatusReady, `summary_json = $4, error_code = NULL, error_message = NULL`, []byte(summary))
}

// MarkFailed marks the job failed and stores the code and message.
func (r *Postgres) MarkFailed(ctx context.Context, id, code, message string) error {
	return r.transition(ctx, id, model.StatusFailed, `error_code = $4, error_message = $5`, code, message)
}

// transition performs the conditional status write. Extra SET clauses use
// placeholders from $4 onwards.
func (r *Postgres) transition(ctx context.Context, id string, to model.Status, set string, extra ...any) error {
	args := append([]any{to, id, statusStrings(model.Predecessors(to))}, extra...)
	args = append(args, time.Now().UTC())
	query := fmt.Sprintf(`
		UPDATE document_jobs
		SET status=$1, %s, updated_at=$%d
		WHERE id=$2 AND status = ANY($3)
	`, set, len(args))
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var current model.Status
	err = r.pool.QueryRow(ctx, `SELECT status FROM document_jobs WHERE id=$1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
}

// Delete removes the row owned by userID.
func (r *Postgres) Delete(ctx context.Context, id, userID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM document_jobs WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the database is reachable.
func (r *Postgres) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases the pool.
func (r *Postgres) Close() error {
	r.pool.Close()
	return nil
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		job     model.Job
		summary []byte
	)
	err := row.Scan(&job.ID, &job.UserID, &job.Filename, &job.Mime, &job.SizeBytes, &job.StorageKey, &job.Variant, &job.Status,
		&job.ExtractedText, &job.PageCount, &summary, &job.ErrorCode, &job.ErrorMessage, &job.Attempts, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	if summary != nil {
		job.SummaryJSON = json.RawMessage(summary)
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}
