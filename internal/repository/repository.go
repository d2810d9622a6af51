// Package repository persists document jobs. Postgres is the production store;
// SQLite and the in-memory store share the same contract for single-node runs
// and tests.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/blociq/docpipe/internal/model"
)

var (
	// ErrNotFound is returned when no job matches the id (and owner, where
	// one is given).
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a status write is not allowed
	// from the job's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store wraps all job persistence used by the API, the worker and the CLI.
// Every status write is conditional on the job currently sitting in one of
// model.Predecessors(target).
type Store interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, id string) (*model.Job, error)
	// GetForUser behaves like Get but reports ErrNotFound when the job
	// belongs to someone else.
	GetForUser(ctx context.Context, id, userID string) (*model.Job, error)
	List(ctx context.Context, filter ListFilter) ([]*model.Job, error)

	// BeginStage moves the job into a processing status and counts the attempt.
	BeginStage(ctx context.Context, id string, status model.Status) error
	// RecordText stores OCR output and moves the job to EXTRACT.
	RecordText(ctx context.Context, id, text string, pageCount int) error
	// RecordSummary stores the summary and moves the job to READY.
	RecordSummary(ctx context.Context, id string, summary json.RawMessage) error
	// MarkFailed moves the job to FAILED with a stage code and message.
	MarkFailed(ctx context.Context, id, code, message string) error

	// Delete removes the job row when it belongs to userID.
	Delete(ctx context.Context, id, userID string) error
	Ping(ctx context.Context) error
	Close() error
}

// ListFilter narrows List. Zero values mean "no constraint"; results are
// ordered newest first.
type ListFilter struct {
	UserID        string
	Statuses      []model.Status
	UpdatedBefore time.Time
	Limit         int
}

func (f ListFilter) matches(job *model.Job) bool {
	if f.UserID != "" && job.UserID != f.UserID {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !job.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, st := range f.Statuses {
		if job.Status == st {
			return true
		}
	}
	return false
}

func statusStrings(statuses []model.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}
