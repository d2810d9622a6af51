package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/blociq/docpipe/internal/analysis"
	"github.com/blociq/docpipe/internal/model"
	"github.com/blociq/docpipe/internal/queue"
	"github.com/blociq/docpipe/internal/repository"
)

// AnalysisResult is returned by RunAnalysis.
type AnalysisResult struct {
	Success bool          `json:"success"`
	Summary model.Summary `json:"summary"`
}

// RunAnalysis moves the job to SUMMARISE, asks the model for a summary and
// stores it with status READY.
func (p *Pipeline) RunAnalysis(ctx context.Context, payload queue.AnalysisPayload) (AnalysisResult, error) {
	start := time.Now()
	log := p.log.With(zap.String("job_id", payload.JobID), zap.String("stage", "analysis"))

	if err := p.store.BeginStage(ctx, payload.JobID, model.StatusSummarise); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			return AnalysisResult{}, fmt.Errorf("analysis for job %s: %w", payload.JobID, ErrSuperseded)
		}
		return AnalysisResult{}, stageErr(err)
	}
	job, err := p.store.Get(ctx, payload.JobID)
	if err != nil {
		return AnalysisResult{}, stageErr(err)
	}
	text := payload.ExtractedText
	if text == "" && job.ExtractedText != nil {
		text = *job.ExtractedText
	}

	summary, err := p.analyzer.Analyze(ctx, job.Variant, payload.Filename, text)
	if errors.Is(err, analysis.ErrCompletion) {
		return AnalysisResult{}, p.fail(ctx, payload.JobID, model.ErrorCodeAnalysis, "The document could not be analysed.", err)
	}
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("analyse: %w", err)
	}
	encoded, err := summary.Encode()
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("encode summary: %w", err)
	}
	if err := p.store.RecordSummary(ctx, payload.JobID, encoded); err != nil {
		return AnalysisResult{}, stageErr(err)
	}
	summary.Normalize()
	log.Info("analysis stage complete",
		zap.String("variant", string(job.Variant)),
		zap.Int("parties", len(summary.Parties)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return AnalysisResult{Success: true, Summary: summary}, nil
}
