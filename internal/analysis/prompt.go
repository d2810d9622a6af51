package analysis

import (
	"strings"
	"unicode/utf8"

	"github.com/blociq/docpipe/internal/model"
)

// maxPromptChars bounds how much extracted text is sent to the model.
const maxPromptChars = 60000

const schemaInstructions = `Return ONLY a JSON object with these keys:
{
  "document_type": "short label, e.g. lease, fire risk assessment, EICR, insurance schedule",
  "overview": "two or three sentence plain-English summary",
  "parties": [{"name": "..."}],
  "key_dates": [{"date": "YYYY-MM-DD", "title": "...", "description": "..."}],
  "financials": [{"title": "...", "amount": "e.g. £1,200 per annum", "description": "..."}],
  "obligations": [{"title": "...", "description": "..."}]
}
Use empty arrays when nothing applies. Never output null.`

var systemPrompts = map[model.Variant]string{
	model.VariantLease: "You are a UK leasehold property specialist reviewing a residential lease for a block management agency. " +
		"Identify the lessor, lessee and any management company, the term and its start date, ground rent and service charge provisions, " +
		"repairing and insurance obligations, restrictions on use, alterations, subletting and pets, and any forfeiture or break clauses.",
	model.VariantCompliance: "You are a UK building-safety compliance officer reviewing a certificate or assessment for a residential block. " +
		"Identify the inspecting contractor and the building, the inspection date, expiry or next-review date, the overall outcome, " +
		"any remedial actions with their priority and deadline, and any costs quoted.",
	model.VariantGeneral: "You are an assistant for a UK block management agency. Summarise the document for a property manager, " +
		"identifying who it involves, the dates that matter, any sums of money and anything someone is required to do.",
}

// BuildMessages returns the chat messages for one analysis request.
func BuildMessages(variant model.Variant, filename, text string) []Message {
	system, ok := systemPrompts[variant]
	if !ok {
		system = systemPrompts[model.VariantGeneral]
	}
	var b strings.Builder
	b.WriteString("Filename: ")
	b.WriteString(filename)
	b.WriteString("\n\nDocument text:\n")
	if len(text) > maxPromptChars {
		cut := maxPromptChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		b.WriteString(text[:cut])
		b.WriteString("\n[truncated]")
	} else {
		b.WriteString(text)
	}
	return []Message{
		{Role: "system", Content: system},
		{Role: "system", Content: schemaInstructions},
		{Role: "user", Content: b.String()},
	}
}
