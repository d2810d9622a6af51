package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/blociq/docpipe/internal/config"
)

// Remote posts the document as multipart field "file" to a standalone OCR
// server and expects {"text": "...", "page_count": n} back.
type Remote struct {
	url   string
	token string
	http  *http.Client
	log   *zap.Logger
}

// NewRemote constructs the remote backend. token is sent as a bearer token
// when non-empty.
func NewRemote(url, token string, client *http.Client, log *zap.Logger) *Remote {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Remote{url: url, token: token, http: client, log: log}
}

// Name implements Extractor.
func (*Remote) Name() string { return config.OCRBackendRemote }

// Extract implements Extractor.
func (r *Remote) Extract(ctx context.Context, doc Document) (Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", doc.Filename)
	if err != nil {
		return Result{}, fmt.Errorf("build multipart: %w", err)
	}
	if _, err := part.Write(doc.Data); err != nil {
		return Result{}, fmt.Errorf("build multipart: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Result{}, fmt.Errorf("build multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, &body)
	if err != nil {
		return Result{}, fmt.Errorf("build ocr request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return Result{}, backendError("ocr service request: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		r.log.Warn("ocr service rejected document",
			zap.String("filename", doc.Filename),
			zap.Int("status", resp.StatusCode),
		)
		return Result{}, backendError("ocr service status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	var out struct {
		Text      string `json:"text"`
		PageCount int    `json:"page_count"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, backendError("decode ocr service response: %v", err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return Result{}, backendError("ocr service returned no text for %s", doc.Filename)
	}
	if out.PageCount <= 0 {
		out.PageCount = 1
	}
	return Result{Text: out.Text, PageCount: out.PageCount, Backend: r.Name()}, nil
}
