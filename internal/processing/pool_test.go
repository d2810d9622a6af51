package processing

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/blociq/docpipe/internal/analysis"
	"github.com/blociq/docpipe/internal/config"
	"github.com/blociq/docpipe/internal/model"
	"github.com/blociq/docpipe/internal/ocr"
	"github.com/blociq/docpipe/internal/ocr/ocrtest"
	"github.com/blociq/docpipe/internal/pipeline"
	"github.com/blociq/docpipe/internal/queue"
	"github.com/blociq/docpipe/internal/repository"
	"github.com/blociq/docpipe/internal/s3storage"
	"github.com/blociq/docpipe/internal/upload"
	"github.com/blociq/docpipe/internal/worker"
)

type stubCompleter struct{}

func (stubCompleter) Complete(context.Context, []analysis.Message) (string, error) {
	return `{"document_type":"lease","overview":"Lease.","parties":[{"name":"Jane Smith"}],"key_dates":[],"financials":[],"obligations":[]}`, nil
}

func TestPoolRunsUploadToReady(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := repository.NewMemory()
	blobs := s3storage.NewMemory()
	pool := New(2, nil)
	pipe := pipeline.New(pipeline.Options{
		Store:    store,
		Blobs:    blobs,
		OCR:      ocr.NewLocal(),
		Analyzer: analysis.NewAnalyzer(stubCompleter{}, nil),
		Queue:    pool,
	})
	pool.Start(ctx, worker.NewProcessor(pipe, nil).Final().Handler())

	cfg := &config.Config{MaxFileSize: 1 << 20, AllowedTypes: []string{config.MimePDF}}
	svc := upload.NewService(cfg, store, blobs, pool, nil)
	job, err := svc.Accept(ctx, upload.Upload{
		Body:     bytes.NewReader(ocrtest.PDF("Lessor: Jane Smith", "Ground rent")),
		Filename: "lease.pdf",
		UserID:   "u1",
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := store.Get(ctx, job.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == model.StatusReady {
			if got.PageCount == nil || *got.PageCount != 2 {
				t.Fatalf("page count = %v", got.PageCount)
			}
			break
		}
		if got.Status == model.StatusFailed || time.Now().After(deadline) {
			t.Fatalf("job ended in %s", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	pool.Wait()
}

func TestPoolRejectsWhenFull(t *testing.T) {
	pool := New(1, nil)
	// Nothing is draining the buffer.
	var err error
	for i := 0; i < cap(pool.tasks)+1; i++ {
		err = pool.EnqueueOCR(context.Background(), queue.OCRPayload{JobID: "j"})
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}
