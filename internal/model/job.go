// Package model contains the job and summary types shared across packages.
package model

import (
	"encoding/json"
	"time"
)

// Status describes where a job is in the processing lifecycle. Declaring it
// as "type Status string" gives us a distinct type so a plain string cannot be
// written to the status column by accident.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusOCR       Status = "OCR"
	StatusExtract   Status = "EXTRACT"
	StatusSummarise Status = "SUMMARISE"
	StatusReady     Status = "READY"
	StatusFailed    Status = "FAILED"
)

// pipelineOrder is the happy path. FAILED sits outside the sequence.
var pipelineOrder = []Status{StatusQueued, StatusOCR, StatusExtract, StatusSummarise, StatusReady}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusFailed || s.rank() >= 0
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

func (s Status) rank() int {
	for i, st := range pipelineOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// CanTransition encodes the job state machine:
//   - each step moves exactly one position along pipelineOrder;
//   - a non-terminal status may be written again (a redelivered task
//     re-entering its own stage);
//   - FAILED is reachable from every non-terminal status;
//   - READY and FAILED accept nothing.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to == StatusFailed || to == from {
		return true
	}
	return to.rank() == from.rank()+1
}

// Predecessors lists every status from which to may be written. Repositories
// turn this into the WHERE clause of their conditional updates.
func Predecessors(to Status) []Status {
	var out []Status
	for _, from := range append(append([]Status{}, pipelineOrder...), StatusFailed) {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// InFlight lists the non-terminal statuses in pipeline order.
func InFlight() []Status {
	return []Status{StatusQueued, StatusOCR, StatusExtract, StatusSummarise}
}

// Variant selects which analysis prompt a job is summarised with.
type Variant string

const (
	VariantLease      Variant = "lease"
	VariantCompliance Variant = "compliance"
	VariantGeneral    Variant = "general"
)

// ParseVariant maps form input onto a Variant; empty input means lease.
func ParseVariant(s string) (Variant, bool) {
	switch Variant(s) {
	case "":
		return VariantLease, true
	case VariantLease, VariantCompliance, VariantGeneral:
		return Variant(s), true
	}
	return "", false
}

// Stage failure codes persisted in error_code.
const (
	ErrorCodeOCR      = "OCR_FAILED"
	ErrorCodeAnalysis = "ANALYSIS_FAILED"
	ErrorCodeQueue    = "QUEUE_FAILED"
)

// Job is one document's row in document_jobs. Nullable columns are pointers
// so "not yet written" is distinguishable from an empty value.
type Job struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id"`
	Filename      string          `json:"filename"`
	Mime          string          `json:"mime"`
	SizeBytes     int64           `json:"size_bytes"`
	StorageKey    string          `json:"-"`
	Variant       Variant         `json:"variant"`
	Status        Status          `json:"status"`
	ExtractedText *string         `json:"-"`
	PageCount     *int            `json:"page_count,omitempty"`
	SummaryJSON   json.RawMessage `json:"summary_json,omitempty"`
	ErrorCode     *string         `json:"error_code,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	Attempts      int             `json:"attempts"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers can hand jobs out of a store without
// sharing pointers.
func (j *Job) Clone() *Job {
	out := *j
	if j.ExtractedText != nil {
		text := *j.ExtractedText
		out.ExtractedText = &text
	}
	if j.PageCount != nil {
		pages := *j.PageCount
		out.PageCount = &pages
	}
	if j.SummaryJSON != nil {
		out.SummaryJSON = append(json.RawMessage(nil), j.SummaryJSON...)
	}
	if j.ErrorCode != nil {
		code := *j.ErrorCode
		out.ErrorCode = &code
	}
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		out.ErrorMessage = &msg
	}
	return &out
}
