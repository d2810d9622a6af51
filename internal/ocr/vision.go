package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/blociq/docpipe/internal/config"
)

// visionBatchPages is the most pages files:annotate accepts in one
// synchronous request.
const visionBatchPages = 5

// Vision calls the Google Cloud Vision REST API with DOCUMENT_TEXT_DETECTION.
// PDFs go through files:annotate in batches of five pages; DOCX files carry
// their own text and are read locally.
type Vision struct {
	endpoint string
	apiKey   string
	maxPages int
	http     *http.Client
	log      *zap.Logger
	local    *Local
}

// NewVision constructs the Vision backend. A document whose reported page
// count exceeds maxPages is returned after the first batch.
func NewVision(endpoint, apiKey string, maxPages int, client *http.Client, log *zap.Logger) *Vision {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Vision{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		maxPages: maxPages,
		http:     client,
		log:      log,
		local:    NewLocal(),
	}
}

// Name implements Extractor.
func (*Vision) Name() string { return config.OCRBackendVision }

type visionFileRequest struct {
	Requests []visionFileAnnotate `json:"requests"`
}

type visionFileAnnotate struct {
	InputConfig struct {
		Content  string `json:"content"`
		MimeType string `json:"mimeType"`
	} `json:"inputConfig"`
	Features []visionFeature `json:"features"`
	Pages    []int           `json:"pages,omitempty"`
}

type visionFeature struct {
	Type string `json:"type"`
}

type visionFileResponse struct {
	Responses []struct {
		Responses []struct {
			FullTextAnnotation *struct {
				Text string `json:"text"`
			} `json:"fullTextAnnotation"`
			Error *visionStatus `json:"error"`
		} `json:"responses"`
		TotalPages int           `json:"totalPages"`
		Error      *visionStatus `json:"error"`
	} `json:"responses"`
}

type visionStatus struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Extract implements Extractor.
func (v *Vision) Extract(ctx context.Context, doc Document) (Result, error) {
	if doc.Mime == config.MimeDOCX {
		res, err := v.local.Extract(ctx, doc)
		res.Backend = v.Name()
		return res, err
	}
	content := base64.StdEncoding.EncodeToString(doc.Data)
	// Without explicit pages Vision annotates the first five and reports the
	// document's total, which bounds the remaining batches.
	first, total, err := v.annotate(ctx, content, doc.Mime, nil)
	if err != nil {
		return Result{}, err
	}
	if v.maxPages > 0 && total > v.maxPages {
		// The caller rejects on PageCount; further batches would be wasted.
		v.log.Debug("vision document over page limit", zap.String("filename", doc.Filename), zap.Int("pages", total))
		return Result{Text: first, PageCount: total, Backend: v.Name()}, nil
	}
	var text strings.Builder
	text.WriteString(first)
	for start := visionBatchPages + 1; start <= total; start += visionBatchPages {
		pages := make([]int, 0, visionBatchPages)
		for p := start; p < start+visionBatchPages && p <= total; p++ {
			pages = append(pages, p)
		}
		batch, _, err := v.annotate(ctx, content, doc.Mime, pages)
		if err != nil {
			return Result{}, err
		}
		text.WriteString(batch)
	}
	if total == 0 {
		total = 1
	}
	if strings.TrimSpace(text.String()) == "" {
		return Result{}, backendError("vision returned no text for %s", doc.Filename)
	}
	v.log.Debug("vision extraction complete", zap.String("filename", doc.Filename), zap.Int("pages", total))
	return Result{Text: text.String(), PageCount: total, Backend: v.Name()}, nil
}

func (v *Vision) annotate(ctx context.Context, content, mime string, pages []int) (string, int, error) {
	var req visionFileRequest
	item := visionFileAnnotate{Features: []visionFeature{{Type: "DOCUMENT_TEXT_DETECTION"}}, Pages: pages}
	item.InputConfig.Content = content
	item.InputConfig.MimeType = mime
	req.Requests = []visionFileAnnotate{item}

	body, err := json.Marshal(req)
	if err != nil {
		return "", 0, fmt.Errorf("marshal vision request: %w", err)
	}
	endpoint := v.endpoint + "/files:annotate?key=" + url.QueryEscape(v.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("build vision request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := v.http.Do(httpReq)
	if err != nil {
		return "", 0, backendError("vision request: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return "", 0, backendError("vision status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	var out visionFileResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", 0, backendError("decode vision response: %v", err)
	}
	if len(out.Responses) == 0 {
		return "", 0, backendError("vision response had no results")
	}
	file := out.Responses[0]
	if file.Error != nil {
		return "", 0, backendError("vision error: %s", file.Error.Message)
	}
	var b strings.Builder
	for _, page := range file.Responses {
		if page.Error != nil {
			return "", 0, backendError("vision page error: %s", page.Error.Message)
		}
		if page.FullTextAnnotation != nil {
			b.WriteString(page.FullTextAnnotation.Text)
			b.WriteString("\n")
		}
	}
	return b.String(), file.TotalPages, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
