package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SummarySchema returns the JSON schema summaries are checked against.
func SummarySchema() map[string]any {
	str := map[string]any{"type": "string"}
	list := func(required ...string) map[string]any {
		props := map[string]any{}
		for _, r := range required {
			props[r] = str
		}
		return map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":       "object",
				"properties": props,
				"required":   required,
			},
		}
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"document_type": str,
			"overview":      str,
			"parties":       list("name"),
			"key_dates":     list("date", "title"),
			"financials":    list("title", "amount"),
			"obligations":   list("title"),
		},
		"required": []string{"overview", "parties", "key_dates", "financials", "obligations"},
	}
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func summarySchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		b, err := json.Marshal(SummarySchema())
		if err != nil {
			compileErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("summary.json", bytes.NewReader(b)); err != nil {
			compileErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile("summary.json")
	})
	return compiled, compileErr
}

// ValidateSummary checks raw JSON against SummarySchema.
func ValidateSummary(raw []byte) error {
	schema, err := summarySchema()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
