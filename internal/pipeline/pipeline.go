// Package pipeline runs the OCR and analysis stages against one job at a
// time. Stages are triggered by queue tasks (see internal/worker) or by the
// internal HTTP endpoints; each stage commits its status write before the
// next stage is enqueued.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/blociq/docpipe/internal/model"
	"github.com/blociq/docpipe/internal/ocr"
	"github.com/blociq/docpipe/internal/queue"
	"github.com/blociq/docpipe/internal/repository"
	"github.com/blociq/docpipe/internal/s3storage"
)

var (
	// ErrEnqueue wraps failures to schedule the next stage.
	ErrEnqueue = errors.New("enqueue next stage")
	// ErrSuperseded is returned when a task arrives for a job that has
	// already moved past (or out of) the task's stage.
	ErrSuperseded = errors.New("task superseded by job status")
)

// StageError is a permanent stage failure that has been persisted on the job.
type StageError struct {
	Code    string
	Message string
	Err     error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StageError) Unwrap() error { return e.Err }

// Summarizer produces a summary from extracted text.
type Summarizer interface {
	Analyze(ctx context.Context, variant model.Variant, filename, text string) (model.Summary, error)
}

// Pipeline holds the collaborators both stages need.
type Pipeline struct {
	store    repository.Store
	blobs    s3storage.BlobStore
	ocr      ocr.Extractor
	analyzer Summarizer
	queue    queue.Enqueuer
	maxPages int
	log      *zap.Logger
}

// Options groups Pipeline dependencies.
type Options struct {
	Store    repository.Store
	Blobs    s3storage.BlobStore
	OCR      ocr.Extractor
	Analyzer Summarizer
	Queue    queue.Enqueuer
	MaxPages int
	Logger   *zap.Logger
}

// New constructs a Pipeline.
func New(opts Options) *Pipeline {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		store:    opts.Store,
		blobs:    opts.Blobs,
		ocr:      opts.OCR,
		analyzer: opts.Analyzer,
		queue:    opts.Queue,
		maxPages: opts.MaxPages,
		log:      log,
	}
}

// Fail records a permanent failure on the job. Jobs already in a terminal
// status are left alone.
func (p *Pipeline) Fail(ctx context.Context, jobID, code, message string) error {
	err := p.store.MarkFailed(ctx, jobID, code, message)
	if errors.Is(err, repository.ErrInvalidTransition) || errors.Is(err, repository.ErrNotFound) {
		p.log.Info("job not marked failed", zap.String("job_id", jobID), zap.Error(err))
		return nil
	}
	return err
}

// fail persists a StageError and returns it.
func (p *Pipeline) fail(ctx context.Context, jobID, code, message string, cause error) error {
	p.log.Warn("stage failed",
		zap.String("job_id", jobID),
		zap.String("code", code),
		zap.String("message", message),
		zap.Error(cause),
	)
	if err := p.Fail(ctx, jobID, code, message); err != nil {
		return fmt.Errorf("record %s for %s: %w", code, jobID, err)
	}
	return &StageError{Code: code, Message: message, Err: cause}
}

// Redrive re-enqueues the task for the job's current stage. It returns the
// task type that was scheduled.
func Redrive(ctx context.Context, q queue.Enqueuer, job *model.Job) (string, error) {
	switch job.Status {
	case model.StatusQueued, model.StatusOCR:
		err := q.EnqueueOCR(ctx, queue.OCRPayload{
			JobID: job.ID, FilePath: job.StorageKey, Filename: job.Filename, Mime: job.Mime, UserID: job.UserID,
		})
		return queue.OCRTask, err
	case model.StatusExtract, model.StatusSummarise:
		if job.ExtractedText == nil {
			return "", fmt.Errorf("job %s is %s but has no extracted text", job.ID, job.Status)
		}
		err := q.EnqueueAnalysis(ctx, queue.AnalysisPayload{
			JobID: job.ID, ExtractedText: *job.ExtractedText, Filename: job.Filename, Mime: job.Mime, UserID: job.UserID,
		})
		return queue.AnalyseTask, err
	default:
		return "", fmt.Errorf("job %s is %s: %w", job.ID, job.Status, ErrSuperseded)
	}
}
