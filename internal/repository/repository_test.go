package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/blociq/docpipe/internal/database"
	"github.com/blociq/docpipe/internal/model"
)

// stores returns every Store implementation that runs without external
// services.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	db, err := database.OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlite := NewSQLite(db)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func newJob(id, user string) *model.Job {
	return &model.Job{
		ID:         id,
		UserID:     user,
		Filename:   "lease.pdf",
		Mime:       "application/pdf",
		SizeBytes:  1024,
		StorageKey: "jobs/" + id + "/lease.pdf",
		Variant:    model.VariantLease,
	}
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			job := newJob("job-1", "user-a")
			if err := store.Create(ctx, job); err != nil {
				t.Fatalf("create: %v", err)
			}
			got, err := store.Get(ctx, "job-1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != model.StatusQueued || got.ExtractedText != nil || got.SummaryJSON != nil {
				t.Fatalf("unexpected fresh job: %+v", got)
			}

			if err := store.BeginStage(ctx, "job-1", model.StatusOCR); err != nil {
				t.Fatalf("begin ocr: %v", err)
			}
			// A redelivered task re-enters its own stage.
			if err := store.BeginStage(ctx, "job-1", model.StatusOCR); err != nil {
				t.Fatalf("re-enter ocr: %v", err)
			}
			if err := store.RecordText(ctx, "job-1", "hello world", 2); err != nil {
				t.Fatalf("record text: %v", err)
			}
			if err := store.BeginStage(ctx, "job-1", model.StatusSummarise); err != nil {
				t.Fatalf("begin summarise: %v", err)
			}
			summary := json.RawMessage(`{"overview":"ok"}`)
			if err := store.RecordSummary(ctx, "job-1", summary); err != nil {
				t.Fatalf("record summary: %v", err)
			}

			got, err = store.Get(ctx, "job-1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != model.StatusReady {
				t.Fatalf("status = %s, want READY", got.Status)
			}
			if got.ExtractedText == nil || *got.ExtractedText != "hello world" {
				t.Fatalf("extracted text not stored: %v", got.ExtractedText)
			}
			if got.PageCount == nil || *got.PageCount != 2 {
				t.Fatalf("page count not stored: %v", got.PageCount)
			}
			if string(got.SummaryJSON) != string(summary) {
				t.Fatalf("summary = %s", got.SummaryJSON)
			}
			if got.Attempts != 3 {
				t.Fatalf("attempts = %d, want 3", got.Attempts)
			}

			if err := store.MarkFailed(ctx, "job-1", model.ErrorCodeOCR, "late failure"); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("READY job accepted FAILED: %v", err)
			}
		})
	}
}

func TestStoreRejectsBackwardsMove(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Create(ctx, newJob("job-2", "user-a")); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := store.RecordText(ctx, "job-2", "text", 1); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("QUEUED -> EXTRACT should be rejected, got %v", err)
			}
			if err := store.MarkFailed(ctx, "job-2", model.ErrorCodeQueue, "broker down"); err != nil {
				t.Fatalf("mark failed: %v", err)
			}
			if err := store.BeginStage(ctx, "job-2", model.StatusOCR); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("FAILED -> OCR should be rejected, got %v", err)
			}
			got, _ := store.Get(ctx, "job-2")
			if got.ErrorCode == nil || *got.ErrorCode != model.ErrorCodeQueue {
				t.Fatalf("error code = %v", got.ErrorCode)
			}
			if got.ExtractedText != nil {
				t.Fatalf("failed job should have no text")
			}
			if err := store.BeginStage(ctx, "missing", model.StatusOCR); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing job: %v", err)
			}
		})
	}
}

func TestStoreOwnershipAndList(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, j := range []*model.Job{newJob("a1", "alice"), newJob("b1", "bob"), newJob("a2", "alice")} {
				if err := store.Create(ctx, j); err != nil {
					t.Fatalf("create %s: %v", j.ID, err)
				}
				time.Sleep(2 * time.Millisecond)
			}
			if _, err := store.GetForUser(ctx, "b1", "alice"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("alice read bob's job: %v", err)
			}
			jobs, err := store.List(ctx, ListFilter{UserID: "alice"})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(jobs) != 2 || jobs[0].ID != "a2" || jobs[1].ID != "a1" {
				t.Fatalf("list order wrong: %v", ids(jobs))
			}
			stale, err := store.List(ctx, ListFilter{
				Statuses:      model.InFlight(),
				UpdatedBefore: time.Now().Add(time.Minute),
			})
			if err != nil {
				t.Fatalf("list stale: %v", err)
			}
			if len(stale) != 3 {
				t.Fatalf("stale = %v", ids(stale))
			}
			if err := store.Delete(ctx, "b1", "alice"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("alice deleted bob's job: %v", err)
			}
			if err := store.Delete(ctx, "b1", "bob"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := store.Get(ctx, "b1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("deleted job still readable: %v", err)
			}
		})
	}
}

func TestOpenMemory(t *testing.T) {
	store, err := Open(context.Background(), "memory://")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := store.(*Memory); !ok {
		t.Fatalf("got %T, want *Memory", store)
	}
	if _, err := Open(context.Background(), "sqlite://"); err == nil {
		t.Fatalf("empty sqlite path accepted")
	}
}

func ids(jobs []*model.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}
