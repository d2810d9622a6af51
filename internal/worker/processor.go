// Package worker plugs the pipeline stages into the asynq worker loop.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/blociq/docpipe/internal/model"
	"github.com/blociq/docpipe/internal/pipeline"
	"github.com/blociq/docpipe/internal/queue"
)

// Stages is the subset of *pipeline.Pipeline the worker drives.
type Stages interface {
	RunOCR(ctx context.Context, payload queue.OCRPayload) (pipeline.OCRResult, error)
	RunAnalysis(ctx context.Context, payload queue.AnalysisPayload) (pipeline.AnalysisResult, error)
	Fail(ctx context.Context, jobID, code, message string) error
}

// Processor maps stage outcomes onto asynq's retry model:
//   - StageError: already persisted as FAILED, never retried;
//   - ErrSuperseded: the job moved on, the task is dropped;
//   - anything else: infrastructure trouble, retried with backoff, and the
//     job is marked FAILED once the last attempt fails.
type Processor struct {
	stages Stages
	log    *zap.Logger
	// attempt reports retries so far and the task's retry budget.
	attempt func(ctx context.Context) (retried, max int, ok bool)
}

// NewProcessor constructs a worker processor.
func NewProcessor(stages Stages, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{stages: stages, log: log, attempt: asynqAttempt}
}

// Final returns a copy of p that treats every attempt as the last one. Runners
// without a retry loop use it so failures are still recorded on the job.
func (p *Processor) Final() *Processor {
	cp := *p
	cp.attempt = func(context.Context) (int, int, bool) { return 0, 0, true }
	return &cp
}

func asynqAttempt(ctx context.Context) (int, int, bool) {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return 0, 0, false
	}
	max, ok := asynq.GetMaxRetry(ctx)
	return retried, max, ok
}

// Handler registers the stage handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.OCRTask, p.HandleOCR)
	mux.HandleFunc(queue.AnalyseTask, p.HandleAnalysis)
	return mux
}

// HandleOCR runs the OCR stage for one task.
func (p *Processor) HandleOCR(ctx context.Context, task *asynq.Task) error {
	var payload queue.OCRPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	_, err := p.stages.RunOCR(ctx, payload)
	return p.settle(ctx, payload.JobID, model.ErrorCodeOCR, err)
}

// HandleAnalysis runs the analysis stage for one task.
func (p *Processor) HandleAnalysis(ctx context.Context, task *asynq.Task) error {
	var payload queue.AnalysisPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	_, err := p.stages.RunAnalysis(ctx, payload)
	return p.settle(ctx, payload.JobID, model.ErrorCodeAnalysis, err)
}

func (p *Processor) settle(ctx context.Context, jobID, stageCode string, err error) error {
	if err == nil {
		return nil
	}
	log := p.log.With(zap.String("job_id", jobID))
	var stageErr *pipeline.StageError
	switch {
	case errors.As(err, &stageErr):
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	case errors.Is(err, pipeline.ErrSuperseded):
		log.Info("dropping superseded task", zap.Error(err))
		return nil
	}

	retried, max, ok := p.attempt(ctx)
	if !ok || retried < max {
		log.Warn("stage attempt failed, will retry", zap.Int("retried", retried), zap.Int("max_retry", max), zap.Error(err))
		return err
	}
	code := stageCode
	if errors.Is(err, pipeline.ErrEnqueue) {
		code = model.ErrorCodeQueue
	}
	log.Error("stage failed on final attempt", zap.String("code", code), zap.Error(err))
	if failErr := p.stages.Fail(ctx, jobID, code, "Processing could not be completed. Please try uploading again."); failErr != nil {
		log.Error("could not mark job failed", zap.Error(failErr))
	}
	return err
}
