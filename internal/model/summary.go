package model

import "encoding/json"

// Party is a named party to the document (lessor, lessee, managing agent...).
type Party struct {
	Name string `json:"name"`
}

// KeyDate is a dated event the document mentions.
type KeyDate struct {
	Date        string `json:"date"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Financial is a sum of money with what it is for.
type Financial struct {
	Title       string `json:"title"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
}

// Obligation is a duty placed on one of the parties.
type Obligation struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Summary is the structured extraction stored in summary_json. Each list
// keeps the order the model produced it in.
type Summary struct {
	DocumentType string       `json:"document_type"`
	Overview     string       `json:"overview"`
	Parties      []Party      `json:"parties"`
	KeyDates     []KeyDate    `json:"key_dates"`
	Financials   []Financial  `json:"financials"`
	Obligations  []Obligation `json:"obligations"`
}

// Normalize replaces nil lists with empty ones so the stored JSON always has
// arrays, never null.
func (s *Summary) Normalize() {
	if s.Parties == nil {
		s.Parties = []Party{}
	}
	if s.KeyDates == nil {
		s.KeyDates = []KeyDate{}
	}
	if s.Financials == nil {
		s.Financials = []Financial{}
	}
	if s.Obligations == nil {
		s.Obligations = []Obligation{}
	}
}

// FallbackSummary wraps unparseable model output: the raw text becomes the
// overview and every structured list is empty.
func FallbackSummary(raw string) Summary {
	s := Summary{Overview: raw}
	s.Normalize()
	return s
}

// Encode normalizes s and marshals it for the summary_json column.
func (s Summary) Encode() (json.RawMessage, error) {
	s.Normalize()
	return json.Marshal(s)
}
