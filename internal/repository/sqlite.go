package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/blociq/docpipe/internal/model"
)

// sqliteTime is fixed width so lexical order matches time order.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLite is the database/sql + modernc.org/sqlite Store used for single-node
// deployments (DATABASE_URL=sqlite://path).
type SQLite struct {
	db *sql.DB
}

// NewSQLite wraps a database opened with database.OpenSQLite.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{db: db}
}

// Create inserts a queued job.
func (r *SQLite) Create(ctx context.Context, job *model.Job) error {
	now := time.Now().UTC()
	job.Status = model.StatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO document_jobs (id, user_id, filename, mime, size_bytes, storage_key, variant, status, attempts, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,0,?,?)
	`, job.ID, job.UserID, job.Filename, job.Mime, job.SizeBytes, job.StorageKey, string(job.Variant), string(job.Status),
		now.Format(sqliteTime), now.Format(sqliteTime))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get returns a job by id.
func (r *SQLite) Get(ctx context.Context, id string) (*model.Job, error) {
	return scanSQLiteJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM document_jobs WHERE id=?`, id))
}

// GetForUser returns the job only when userID owns it.
func (r *SQLite) GetForUser(ctx context.Context, id, userID string) (*model.Job, error) {
	return scanSQLiteJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM document_jobs WHERE id=? AND user_id=?`, id, userID))
}

// List returns jobs matching filter, newest first.
func (r *SQLite) List(ctx context.Context, filter ListFilter) ([]*model.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.UserID != "" {
		where = append(where, "user_id=?")
		args = append(args, filter.UserID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, filter.UpdatedBefore.UTC().Format(sqliteTime))
	}
	query := `SELECT ` + jobColumns + ` FROM document_jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var jobs []*model.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
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
func (r *SQLite) BeginStage(ctx context.Context, id string, status model.Status) error {
	return r.transition(ctx, id, status, `attempts = attempts + 1`)
}

// RecordText stores the OCR output and moves the job to EXTRACT.
func (r *SQLite) RecordText(ctx context.Context, id, text string, pageCount int) error {
	return r.transition(ctx, id, model.StatusExtract, `extracted_text = ?, page_count = ?`, text, pageCount)
}

// RecordSummary stores the summary and moves the job to READY.
func (r *SQLite) RecordSummary(ctx context.Context, id string, summary json.RawMessage) error {
	return r.transition(ctx, id, model.StatusReady, `summary_json = ?, error_code = NULL, error_message = NULL`, string(summary))
}

// MarkFailed marks the job failed and stores the code and message.
func (r *SQLite) MarkFailed(ctx context.Context, id, code, message string) error {
	return r.transition(ctx, id, model.StatusFailed, `error_code = ?, error_message = ?`, code, message)
}

func (r *SQLite) transition(ctx context.Context, id string, to model.Status, set string, extra ...any) error {
	preds := model.Predecessors(to)
	args := append([]any{string(to)}, extra...)
	args = append(args, time.Now().UTC().Format(sqliteTime), id)
	for _, st := range preds {
		args = append(args, string(st))
	}
	query := `UPDATE document_jobs SET status=?, ` + set + `, updated_at=? WHERE id=? AND status IN (` + placeholders(len(preds)) + `)`
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s to %s: %w", id, to, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		return nil
	}
	var current string
	err = r.db.QueryRowContext(ctx, `SELECT status FROM document_jobs WHERE id=?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
}

// Delete removes the row owned by userID.
func (r *SQLite) Delete(ctx context.Context, id, userID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM document_jobs WHERE id=? AND user_id=?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks the database is reachable.
func (r *SQLite) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the underlying database.
func (r *SQLite) Close() error {
	return r.db.Close()
}

func placeholders(n int) string {
	if n <= 0 {
		return "NULL"
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*model.Job, error) {
	var (
		job                  model.Job
		variant, status      string
		text, summary        sql.NullString
		code, message        sql.NullString
		pages                sql.NullInt64
		createdAt, updatedAt string
	)
	err := row.Scan(&job.ID, &job.UserID, &job.Filename, &job.Mime, &job.SizeBytes, &job.StorageKey, &variant, &status,
		&text, &pages, &summary, &code, &message, &job.Attempts, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	job.Variant = model.Variant(variant)
	job.Status = model.Status(status)
	if text.Valid {
		job.ExtractedText = &text.String
	}
	if pages.Valid {
		n := int(pages.Int64)
		job.PageCount = &n
	}
	if summary.Valid {
		job.SummaryJSON = json.RawMessage(summary.String)
	}
	if code.Valid {
		job.ErrorCode = &code.String
	}
	if message.Valid {
		job.ErrorMessage = &message.String
	}
	if job.CreatedAt, err = time.Parse(sqliteTime, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if job.UpdatedAt, err = time.Parse(sqliteTime, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &job, nil
}
