package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestPayloadWireNames(t *testing.T) {
	raw, err := json.Marshal(OCRPayload{JobID: "j", FilePath: "jobs/j/a.pdf", Filename: "a.pdf", Mime: "application/pdf", UserID: "u"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"jobId":"j","filePath":"jobs/j/a.pdf","filename":"a.pdf","mime":"application/pdf","userId":"u"}`
	if string(raw) != want {
		t.Fatalf("ocr payload = %s", raw)
	}
	raw, _ = json.Marshal(AnalysisPayload{JobID: "j", ExtractedText: "t"})
	var decoded map[string]any
	json.Unmarshal(raw, &decoded)
	if decoded["extractedText"] != "t" {
		t.Fatalf("analysis payload = %s", raw)
	}
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	ctx := context.Background()
	r.EnqueueOCR(ctx, OCRPayload{JobID: "a"})
	r.EnqueueAnalysis(ctx, AnalysisPayload{JobID: "a"})
	if o, a := r.Counts(); o != 1 || a != 1 {
		t.Fatalf("counts = %d, %d", o, a)
	}
	r.Err = errors.New("redis down")
	if err := r.EnqueueOCR(ctx, OCRPayload{JobID: "b"}); err == nil {
		t.Fatalf("expected failure")
	}
	if o, _ := r.Counts(); o != 1 {
		t.Fatalf("failed enqueue was recorded")
	}
}
