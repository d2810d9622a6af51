package analysis

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/blociq/docpipe/internal/model"
)

// Analyzer turns extracted text into a Summary.
type Analyzer struct {
	client Completer
	log    *zap.Logger
}

// NewAnalyzer wires a Completer.
func NewAnalyzer(client Completer, log *zap.Logger) *Analyzer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Analyzer{client: client, log: log}
}

// Analyze returns the summary for text. Only completion failures are errors;
// malformed output degrades to a fallback summary.
func (a *Analyzer) Analyze(ctx context.Context, variant model.Variant, filename, text string) (model.Summary, error) {
	content, err := a.client.Complete(ctx, BuildMessages(variant, filename, text))
	if err != nil {
		return model.Summary{}, err
	}
	summary, ok := ParseSummary(content)
	if !ok {
		a.log.Warn("summary was not valid json, storing raw content",
			zap.String("filename", filename),
			zap.Int("content_len", len(content)),
		)
		return summary, nil
	}
	if err := ValidateSummary([]byte(stripFences(content))); err != nil {
		a.log.Warn("summary does not match schema",
			zap.String("filename", filename),
			zap.String("error", firstLine(err.Error())),
		)
	}
	return summary, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
