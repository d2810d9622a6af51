// Package ocr turns stored documents into plain text. Backends are swappable
// behind Extractor; Cached puts the content-hash cache in front of any of them.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/blociq/docpipe/internal/config"
)

// ErrBackend marks failures of the extraction backend itself (unreachable,
// non-2xx, unreadable document, no text). They are not worth retrying.
var ErrBackend = errors.New("ocr backend failure")

// Document is the input to an extraction.
type Document struct {
	Data     []byte
	Filename string
	Mime     string
}

// Result is what a backend extracted.
type Result struct {
	Text      string `json:"text"`
	PageCount int    `json:"page_count"`
	Backend   string `json:"backend"`
}

// Extractor is one OCR backend.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, doc Document) (Result, error)
}

// backendError wraps err so errors.Is(err, ErrBackend) holds while keeping the
// original message.
func backendError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBackend, fmt.Sprintf(format, args...))
}

// New builds the extractor selected by OCR_BACKEND.
func New(cfg *config.Config, log *zap.Logger) (Extractor, error) {
	httpClient := &http.Client{Timeout: 5 * time.Minute}
	switch cfg.OCRBackend {
	case config.OCRBackendLocal:
		return NewLocal(), nil
	case config.OCRBackendVision:
		return NewVision(cfg.VisionEndpoint, cfg.VisionAPIKey, cfg.MaxPages, httpClient, log), nil
	case config.OCRBackendRemote:
		return NewRemote(cfg.OCRServiceURL, cfg.OCRServiceToken, httpClient, log), nil
	default:
		return nil, fmt.Errorf("unknown ocr backend %q", cfg.OCRBackend)
	}
}
