package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blociq/docpipe/internal/config"
	"github.com/blociq/docpipe/internal/ocr/ocrtest"
)

func TestLocalPDF(t *testing.T) {
	doc := Document{
		Data:     ocrtest.PDF("Lessor: Jane Smith", "Rent: 1200 GBP"),
		Filename: "lease.pdf",
		Mime:     config.MimePDF,
	}
	res, err := NewLocal().Extract(context.Background(), doc)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.PageCount != 2 {
		t.Fatalf("page count = %d, want 2", res.PageCount)
	}
	if !strings.Contains(res.Text, "Jane Smith") || !strings.Contains(res.Text, "1200 GBP") {
		t.Fatalf("text missing content: %q", res.Text)
	}
}

func TestLocalDOCX(t *testing.T) {
	doc := Document{
		Data:     ocrtest.DOCX(3, "Fire risk assessment", "Next review: 2025-01-01"),
		Filename: "fra.docx",
		Mime:     config.MimeDOCX,
	}
	res, err := NewLocal().Extract(context.Background(), doc)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.PageCount != 3 {
		t.Fatalf("page count = %d, want 3", res.PageCount)
	}
	if res.Text != "Fire risk assessment\nNext review: 2025-01-01\n" {
		t.Fatalf("text = %q", res.Text)
	}
}

func TestLocalRejectsGarbage(t *testing.T) {
	_, err := NewLocal().Extract(context.Background(), Document{Data: []byte("not a pdf"), Filename: "x.pdf", Mime: config.MimePDF})
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("err = %v, want ErrBackend", err)
	}
}

func TestRemote(t *testing.T) {
	var gotAuth, gotName string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("form file: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		gotName = header.Filename
		io.Copy(io.Discard, file)
		json.NewEncoder(w).Encode(map[string]any{"text": "scanned lease text", "page_count": 4})
	}))
	defer srv.Close()

	res, err := NewRemote(srv.URL, "secret", srv.Client(), nil).Extract(context.Background(), Document{Data: []byte("%PDF"), Filename: "scan.pdf"})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if gotAuth != "Bearer secret" || gotName != "scan.pdf" {
		t.Fatalf("auth=%q name=%q", gotAuth, gotName)
	}
	if res.Text != "scanned lease text" || res.PageCount != 4 || res.Backend != config.OCRBackendRemote {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRemoteNon2xxIsBackendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()
	_, err := NewRemote(srv.URL, "", srv.Client(), nil).Extract(context.Background(), Document{Data: []byte("%PDF"), Filename: "scan.pdf"})
	if !errors.Is(err, ErrBackend) || !strings.Contains(err.Error(), "502") {
		t.Fatalf("err = %v", err)
	}
}

func TestVisionBatchesPages(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Path != "/files:annotate" || r.URL.Query().Get("key") != "k" {
			t.Errorf("unexpected request %s", r.URL)
		}
		var req visionFileRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		pages := req.Requests[0].Pages
		if len(pages) == 0 {
			pages = []int{1, 2, 3, 4, 5}
		}
		var responses []map[string]any
		for _, p := range pages {
			responses = append(responses, map[string]any{
				"fullTextAnnotation": map[string]any{"text": "page " + string(rune('0'+p))},
			})
		}
		json.NewEncoder(w).Encode(map[string]any{
			"responses": []map[string]any{{"responses": responses, "totalPages": 7}},
		})
	}))
	defer srv.Close()

	v := NewVision(srv.URL, "k", 300, srv.Client(), nil)
	res, err := v.Extract(context.Background(), Document{Data: []byte("%PDF"), Filename: "big.pdf", Mime: config.MimePDF})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	if res.PageCount != 7 || !strings.Contains(res.Text, "page 7") {
		t.Fatalf("result %+v", res)
	}
}

func TestVisionStopsAtPageLimit(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]any{
			"responses": []map[string]any{{
				"responses":  []map[string]any{{"fullTextAnnotation": map[string]any{"text": "cover page"}}},
				"totalPages": 1000,
			}},
		})
	}))
	defer srv.Close()

	v := NewVision(srv.URL, "k", 300, srv.Client(), nil)
	res, err := v.Extract(context.Background(), Document{Data: []byte("%PDF"), Filename: "archive.pdf", Mime: config.MimePDF})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if res.PageCount != 1000 {
		t.Fatalf("page count = %d, want 1000", res.PageCount)
	}
}

type countingExtractor struct {
	calls int
	err   error
}

func (c *countingExtractor) Name() string { return "counting" }

func (c *countingExtractor) Extract(context.Context, Document) (Result, error) {
	c.calls++
	if c.err != nil {
		return Result{}, c.err
	}
	return Result{Text: "text", PageCount: 1, Backend: "counting"}, nil
}

func TestCachedExtractor(t *testing.T) {
	ctx := context.Background()
	backend := &countingExtractor{}
	cache := NewMemoryCache(time.Hour)
	ex := NewCached(backend, cache, nil)
	doc := Document{Data: []byte("same bytes")}

	for i := 0; i < 3; i++ {
		if _, err := ex.Extract(ctx, doc); err != nil {
			t.Fatalf("extract: %v", err)
		}
	}
	if backend.calls != 1 {
		t.Fatalf("backend calls = %d, want 1", backend.calls)
	}
	if err := ex.Invalidate(ctx, doc.Data); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, err := ex.Extract(ctx, doc); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if backend.calls != 2 {
		t.Fatalf("backend calls after invalidate = %d, want 2", backend.calls)
	}
}

func TestCachedDoesNotStoreFailures(t *testing.T) {
	ctx := context.Background()
	backend := &countingExtractor{err: backendError("down")}
	ex := NewCached(backend, NewMemoryCache(time.Hour), nil)
	for i := 0; i < 2; i++ {
		if _, err := ex.Extract(ctx, Document{Data: []byte("x")}); !errors.Is(err, ErrBackend) {
			t.Fatalf("err = %v", err)
		}
	}
	if backend.calls != 2 {
		t.Fatalf("failures should not be cached, calls = %d", backend.calls)
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewMemoryCache(time.Minute)
	cache.now = func() time.Time { return now }
	if err := cache.Set(ctx, "k", Result{Text: "t"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, _ := cache.Get(ctx, "k"); !ok {
		t.Fatalf("fresh entry missing")
	}
	now = now.Add(2 * time.Minute)
	if _, ok, _ := cache.Get(ctx, "k"); ok {
		t.Fatalf("stale entry returned")
	}
}

func TestCacheKeySeparatesBackends(t *testing.T) {
	data := []byte("doc")
	if CacheKey("local", data) == CacheKey("vision", data) {
		t.Fatalf("backends share cache keys")
	}
}
