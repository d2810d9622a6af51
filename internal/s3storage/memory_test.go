package s3storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	if err := store.Put(ctx, "jobs/1/a.pdf", strings.NewReader("%PDF-1.4"), 8, "application/pdf"); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := store.Get(ctx, "jobs/1/a.pdf")
	if err != nil || string(data) != "%PDF-1.4" {
		t.Fatalf("get = %q, %v", data, err)
	}
	url, err := store.PresignGet(ctx, "jobs/1/a.pdf", "a.pdf", time.Minute)
	if err != nil || !strings.HasPrefix(url, "memory://") {
		t.Fatalf("presign = %q, %v", url, err)
	}
	if err := store.Delete(ctx, "jobs/1/a.pdf"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "jobs/1/a.pdf"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("get after delete: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("len = %d", store.Len())
	}
}
