package analysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/blociq/docpipe/internal/model"
)

// ParseSummary decodes model output into a Summary. It never fails: content
// that cannot be decoded becomes the overview of an otherwise empty summary,
// and ok reports which path was taken.
func ParseSummary(content string) (summary model.Summary, ok bool) {
	cleaned := stripFences(content)
	if normalized, err := sanitize([]byte(cleaned)); err == nil {
		if err := json.Unmarshal(normalized, &summary); err == nil {
			summary.Normalize()
			return summary, true
		}
	}
	return model.FallbackSummary(content), false
}

// stripFences removes a surrounding ``` or ```json code fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

var listKeys = []string{"parties", "key_dates", "financials", "obligations"}

// sanitize fixes shapes models commonly get slightly wrong: null lists,
// parties given as bare strings, and numeric amounts.
func sanitize(doc []byte) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("summary is not an object")
	}
	for _, k := range listKeys {
		if v, present := m[k]; present && v == nil {
			delete(m, k)
		}
	}
	if parties, ok := m["parties"].([]any); ok {
		for i, p := range parties {
			if name, ok := p.(string); ok {
				parties[i] = map[string]any{"name": name}
			}
		}
	}
	if fins, ok := m["financials"].([]any); ok {
		for _, f := range fins {
			if obj, ok := f.(map[string]any); ok {
				if n, ok := obj["amount"].(float64); ok {
					obj["amount"] = fmt.Sprintf("%.2f", n)
				}
			}
		}
	}
	for _, k := range []string{"overview", "document_type"} {
		if m[k] == nil {
			delete(m, k)
		}
	}
	return json.Marshal(m)
}
