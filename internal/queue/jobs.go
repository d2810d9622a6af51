// Package queue defines the durable tasks that chain pipeline stages.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
)

const (
	// OCRTask is scheduled once per accepted upload.
	OCRTask = "document:ocr"
	// AnalyseTask is scheduled after OCR output has been committed.
	AnalyseTask = "document:analyse"
)

// OCRPayload tells the worker which stored object to extract.
type OCRPayload struct {
	JobID    string `json:"jobId"`
	FilePath string `json:"filePath"`
	Filename string `json:"filename"`
	Mime     string `json:"mime"`
	UserID   string `json:"userId"`
}

// AnalysisPayload carries the extracted text into the analysis stage.
type AnalysisPayload struct {
	JobID         string `json:"jobId"`
	ExtractedText string `json:"extractedText"`
	Filename      string `json:"filename"`
	Mime          string `json:"mime"`
	UserID        string `json:"userId"`
}

// Enqueuer schedules stage tasks.
type Enqueuer interface {
	EnqueueOCR(ctx context.Context, payload OCRPayload) error
	EnqueueAnalysis(ctx context.Context, payload AnalysisPayload) error
}

// Client enqueues tasks on asynq.
type Client struct {
	client   *asynq.Client
	maxRetry int
}

// NewClient wraps an asynq client. maxRetry is applied to every task.
func NewClient(client *asynq.Client, maxRetry int) *Client {
	return &Client{client: client, maxRetry: maxRetry}
}

// EnqueueOCR enqueues an OCR task.
func (c *Client) EnqueueOCR(ctx context.Context, payload OCRPayload) error {
	return c.enqueue(ctx, OCRTask, payload)
}

// EnqueueAnalysis enqueues an analysis task.
func (c *Client) EnqueueAnalysis(ctx context.Context, payload AnalysisPayload) error {
	return c.enqueue(ctx, AnalyseTask, payload)
}

func (c *Client) enqueue(ctx context.Context, typename string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(typename, data)
	if _, err := c.client.EnqueueContext(ctx, task, asynq.MaxRetry(c.maxRetry)); err != nil {
		return fmt.Errorf("enqueue %s task: %w", typename, err)
	}
	return nil
}

// Recorder is an in-memory Enqueuer for tests and single-process runs. When
// Err is set every enqueue fails with it.
type Recorder struct {
	mu       sync.Mutex
	OCR      []OCRPayload
	Analysis []AnalysisPayload
	Err      error
}

// EnqueueOCR records the payload.
func (r *Recorder) EnqueueOCR(_ context.Context, payload OCRPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.OCR = append(r.OCR, payload)
	return nil
}

// EnqueueAnalysis records the payload.
func (r *Recorder) EnqueueAnalysis(_ context.Context, payload AnalysisPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.Analysis = append(r.Analysis, payload)
	return nil
}

// Counts returns how many tasks of each kind were recorded.
func (r *Recorder) Counts() (ocr, analysis int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.OCR), len(r.Analysis)
}
