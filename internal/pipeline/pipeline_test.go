package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/blociq/docpipe/internal/analysis"
	"github.com/blociq/docpipe/internal/config"
	"github.com/blociq/docpipe/internal/model"
	"github.com/blociq/docpipe/internal/ocr"
	"github.com/blociq/docpipe/internal/ocr/ocrtest"
	"github.com/blociq/docpipe/internal/queue"
	"github.com/blociq/docpipe/internal/repository"
	"github.com/blociq/docpipe/internal/s3storage"
)

type stubCompleter struct {
	content string
	err     error
}

func (s stubCompleter) Complete(context.Context, []analysis.Message) (string, error) {
	return s.content, s.err
}

type harness struct {
	store *repository.Memory
	blobs *s3storage.Memory
	queue *queue.Recorder
	pipe  *Pipeline
}

func newHarness(t *testing.T, extractor ocr.Extractor, completer analysis.Completer) *harness {
	t.Helper()
	h := &harness{
		store: repository.NewMemory(),
		blobs: s3storage.NewMemory(),
		queue: &queue.Recorder{},
	}
	h.pipe = New(Options{
		Store:    h.store,
		Blobs:    h.blobs,
		OCR:      extractor,
		Analyzer: analysis.NewAnalyzer(completer, nil),
		Queue:    h.queue,
		MaxPages: 10,
	})
	return h
}

// seed stores a document and its QUEUED job, returning the OCR payload an
// upload would have enqueued.
func (h *harness) seed(t *testing.T, id string, data []byte) queue.OCRPayload {
	t.Helper()
	ctx := context.Background()
	key := "jobs/" + id + "/lease.pdf"
	if err := h.blobs.Put(ctx, key, bytes.NewReader(data), int64(len(data)), config.MimePDF); err != nil {
		t.Fatalf("put: %v", err)
	}
	job := &model.Job{ID: id, UserID: "user-1", Filename: "lease.pdf", Mime: config.MimePDF, SizeBytes: int64(len(data)), StorageKey: key, Variant: model.VariantLease}
	if err := h.store.Create(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	return queue.OCRPayload{JobID: id, FilePath: key, Filename: "lease.pdf", Mime: config.MimePDF, UserID: "user-1"}
}

const leaseSummary = `{"document_type":"lease","overview":"A 125 year residential lease.","parties":[{"name":"Jane Smith"}],"key_dates":[{"date":"2020-01-01","title":"Term start","description":"Start of the 125 year term"}],"financials":[],"obligations":[]}`

func TestRunOCRRecordsTextAndEnqueuesAnalysis(t *testing.T) {
	h := newHarness(t, ocr.NewLocal(), stubCompleter{content: leaseSummary})
	payload := h.seed(t, "job-1", ocrtest.PDF("Lessor: Jane Smith", "Ground rent 250 GBP"))

	res, err := h.pipe.RunOCR(context.Background(), payload)
	if err != nil {
		t.Fatalf("run ocr: %v", err)
	}
	if res.PageCount != 2 || res.Text == "" {
		t.Fatalf("result %+v", res)
	}
	job, _ := h.store.Get(context.Background(), "job-1")
	if job.Status != model.StatusExtract {
		t.Fatalf("status = %s, want EXTRACT", job.Status)
	}
	if job.ExtractedText == nil || *job.ExtractedText != res.Text {
		t.Fatalf("extracted text not stored")
	}
	if _, n := h.queue.Counts(); n != 1 {
		t.Fatalf("analysis tasks = %d, want 1", n)
	}
	if h.queue.Analysis[0].ExtractedText != res.Text || h.queue.Analysis[0].UserID != "user-1" {
		t.Fatalf("analysis payload %+v", h.queue.Analysis[0])
	}
}

func TestRunOCRBackendFailureMarksFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	h := newHarness(t, ocr.NewRemote(srv.URL, "", srv.Client(), nil), stubCompleter{})
	payload := h.seed(t, "job-2", []byte("%PDF-1.4 scanned"))

	_, err := h.pipe.RunOCR(context.Background(), payload)
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Code != model.ErrorCodeOCR {
		t.Fatalf("err = %v, want OCR_FAILED stage error", err)
	}
	job, _ := h.store.Get(context.Background(), "job-2")
	if job.Status != model.StatusFailed || job.ErrorCode == nil || *job.ErrorCode != model.ErrorCodeOCR {
		t.Fatalf("job = %+v", job)
	}
	if job.ExtractedText != nil {
		t.Fatalf("failed job has extracted text")
	}
	if _, n := h.queue.Counts(); n != 0 {
		t.Fatalf("analysis enqueued after OCR failure")
	}
}

func TestRunOCRTooManyPages(t *testing.T) {
	h := newHarness(t, ocr.NewLocal(), stubCompleter{})
	h.pipe.maxPages = 1
	payload := h.seed(t, "job-3", ocrtest.PDF("one", "two"))
	_, err := h.pipe.RunOCR(context.Background(), payload)
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Code != model.ErrorCodeOCR {
		t.Fatalf("err = %v", err)
	}
}

func TestRunOCREnqueueFailureIsRetryable(t *testing.T) {
	h := newHarness(t, ocr.NewLocal(), stubCompleter{})
	payload := h.seed(t, "job-4", ocrtest.PDF("text"))
	h.queue.Err = errors.New("redis down")

	if _, err := h.pipe.RunOCR(context.Background(), payload); !errors.Is(err, ErrEnqueue) {
		t.Fatalf("err = %v, want ErrEnqueue", err)
	}
	// The redelivered task finds the text committed and only enqueues.
	h.queue.Err = nil
	res, err := h.pipe.RunOCR(context.Background(), payload)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.PageCount != 1 {
		t.Fatalf("resumed result %+v", res)
	}
	if _, n := h.queue.Counts(); n != 1 {
		t.Fatalf("analysis tasks = %d, want 1", n)
	}
}

func TestRunAnalysisStoresSummary(t *testing.T) {
	h := newHarness(t, ocr.NewLocal(), stubCompleter{content: leaseSummary})
	payload := h.seed(t, "job-5", ocrtest.PDF("Lessor: Jane Smith", "Term: 125 years"))
	ctx := context.Background()
	if _, err := h.pipe.RunOCR(ctx, payload); err != nil {
		t.Fatalf("run ocr: %v", err)
	}
	res, err := h.pipe.RunAnalysis(ctx, h.queue.Analysis[0])
	if err != nil {
		t.Fatalf("run analysis: %v", err)
	}
	if !res.Success || len(res.Summary.Parties) != 1 || res.Summary.Parties[0].Name != "Jane Smith" {
		t.Fatalf("result %+v", res)
	}
	job, _ := h.store.Get(ctx, "job-5")
	if job.Status != model.StatusReady {
		t.Fatalf("status = %s", job.Status)
	}
	var stored model.Summary
	if err := json.Unmarshal(job.SummaryJSON, &stored); err != nil || len(stored.Parties) != 1 {
		t.Fatalf("stored summary = %s (%v)", job.SummaryJSON, err)
	}

	// A duplicate delivery after READY must not rewrite anything.
	if _, err := h.pipe.RunAnalysis(ctx, h.queue.Analysis[0]); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("duplicate delivery err = %v", err)
	}
}

func TestRunAnalysisNonJSONFallsBackToReady(t *testing.T) {
	h := newHarness(t, ocr.NewLocal(), stubCompleter{content: "Here is your summary: it's a lease."})
	payload := h.seed(t, "job-6", ocrtest.PDF("text"))
	ctx := context.Background()
	if _, err := h.pipe.RunOCR(ctx, payload); err != nil {
		t.Fatalf("run ocr: %v", err)
	}
	res, err := h.pipe.RunAnalysis(ctx, h.queue.Analysis[0])
	if err != nil {
		t.Fatalf("run analysis: %v", err)
	}
	if res.Summary.Overview != "Here is your summary: it's a lease." {
		t.Fatalf("overview = %q", res.Summary.Overview)
	}
	job, _ := h.store.Get(ctx, "job-6")
	if job.Status != model.StatusReady {
		t.Fatalf("status = %s", job.Status)
	}
	var decoded map[string]json.RawMessage
	json.Unmarshal(job.SummaryJSON, &decoded)
	for _, k := range []string{"parties", "key_dates", "financials", "obligations"} {
		if string(decoded[k]) != "[]" {
			t.Fatalf("%s = %s", k, decoded[k])
		}
	}
}

func TestRunAnalysisCompletionFailure(t *testing.T) {
	h := newHarness(t, ocr.NewLocal(), stubCompleter{err: analysis.ErrCompletion})
	payload := h.seed(t, "job-7", ocrtest.PDF("text"))
	ctx := context.Background()
	if _, err := h.pipe.RunOCR(ctx, payload); err != nil {
		t.Fatalf("run ocr: %v", err)
	}
	_, err := h.pipe.RunAnalysis(ctx, h.queue.Analysis[0])
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Code != model.ErrorCodeAnalysis {
		t.Fatalf("err = %v", err)
	}
	job, _ := h.store.Get(ctx, "job-7")
	if job.Status != model.StatusFailed || job.SummaryJSON != nil {
		t.Fatalf("job = %+v", job)
	}
}

func TestRedrive(t *testing.T) {
	q := &queue.Recorder{}
	text := "t"
	if kind, err := Redrive(context.Background(), q, &model.Job{ID: "a", Status: model.StatusOCR}); err != nil || kind != queue.OCRTask {
		t.Fatalf("redrive OCR = %s, %v", kind, err)
	}
	if kind, err := Redrive(context.Background(), q, &model.Job{ID: "b", Status: model.StatusSummarise, ExtractedText: &text}); err != nil || kind != queue.AnalyseTask {
		t.Fatalf("redrive SUMMARISE = %s, %v", kind, err)
	}
	if _, err := Redrive(context.Background(), q, &model.Job{ID: "c", Status: model.StatusReady}); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("redrive READY err = %v", err)
	}
}
