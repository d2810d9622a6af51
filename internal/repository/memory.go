package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blociq/docpipe/internal/model"
)

// Memory is an in-process Store guarded by an RWMutex: many concurrent readers
// (status polls) or a single writer.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job
	now  func() time.Time
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[string]*model.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a queued job.
func (m *Memory) Create(_ context.Context, job *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("insert job: duplicate id %s", job.ID)
	}
	now := m.now()
	job.Status = model.StatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now
	m.jobs[job.ID] = job.Clone()
	return nil
}

// Get returns a copy of the job.
func (m *Memory) Get(_ context.Context, id string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// GetForUser returns a copy of the job when userID owns it.
func (m *Memory) GetForUser(ctx context.Context, id, userID string) (*model.Job, error) {
	job, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrNotFound
	}
	return job, nil
}

// List returns copies of matching jobs, newest first.
func (m *Memory) List(_ context.Context, filter ListFilter) ([]*model.Job, error) {
	m.mu.RLock()
	var out []*model.Job
	for _, job := range m.jobs {
		if filter.matches(job) {
			out = append(out, job.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// BeginStage sets a processing status and bumps attempts.
func (m *Memory) BeginStage(_ context.Context, id string, status model.Status) error {
	return m.transition(id, status, func(job *model.Job) {
		job.Attempts++
	})
}

// RecordText stores the OCR output and moves the job to EXTRACT.
func (m *Memory) RecordText(_ context.Context, id, text string, pageCount int) error {
	return m.transition(id, model.StatusExtract, func(job *model.Job) {
		job.ExtractedText = &text
		job.PageCount = &pageCount
	})
}

// RecordSummary stores the summary and moves the job to READY.
func (m *Memory) RecordSummary(_ context.Context, id string, summary json.RawMessage) error {
	stored := append(json.RawMessage(nil), summary...)
	return m.transition(id, model.StatusReady, func(job *model.Job) {
		job.SummaryJSON = stored
		job.ErrorCode = nil
		job.ErrorMessage = nil
	})
}

// MarkFailed moves the job to FAILED.
func (m *Memory) MarkFailed(_ context.Context, id, code, message string) error {
	return m.transition(id, model.StatusFailed, func(job *model.Job) {
		job.ErrorCode = &code
		job.ErrorMessage = &message
	})
}

func (m *Memory) transition(id string, to model.Status, apply func(*model.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !model.CanTransition(job.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
	}
	job.Status = to
	apply(job)
	job.UpdatedAt = m.now()
	return nil
}

// Delete removes the job owned by userID.
func (m *Memory) Delete(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.UserID != userID {
		return ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }
