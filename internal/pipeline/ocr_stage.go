package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/blociq/docpipe/internal/model"
	"github.com/blociq/docpipe/internal/ocr"
	"github.com/blociq/docpipe/internal/queue"
	"github.com/blociq/docpipe/internal/repository"
	"github.com/blociq/docpipe/internal/s3storage"
)

// OCRResult is returned by RunOCR.
type OCRResult struct {
	Text      string `json:"text"`
	PageCount int    `json:"page_count"`
}

// RunOCR moves the job to OCR, extracts the stored document, records the text
// (status EXTRACT) and enqueues the analysis stage.
func (p *Pipeline) RunOCR(ctx context.Context, payload queue.OCRPayload) (OCRResult, error) {
	start := time.Now()
	log := p.log.With(zap.String("job_id", payload.JobID), zap.String("stage", "ocr"))

	if err := p.store.BeginStage(ctx, payload.JobID, model.StatusOCR); err != nil {
		if errors.Is(err, repository.ErrInvalidTransition) {
			// A retry after the text was committed only has the enqueue left.
			return p.resumeAfterOCR(ctx, payload)
		}
		return OCRResult{}, stageErr(err)
	}

	data, err := p.blobs.Get(ctx, payload.FilePath)
	if errors.Is(err, s3storage.ErrObjectNotFound) {
		return OCRResult{}, p.fail(ctx, payload.JobID, model.ErrorCodeOCR, "The uploaded file could not be found in storage.", err)
	}
	if err != nil {
		return OCRResult{}, fmt.Errorf("fetch %s: %w", payload.FilePath, err)
	}

	res, err := p.ocr.Extract(ctx, ocr.Document{Data: data, Filename: payload.Filename, Mime: payload.Mime})
	if errors.Is(err, ocr.ErrBackend) {
		return OCRResult{}, p.fail(ctx, payload.JobID, model.ErrorCodeOCR, "We couldn't read text from this document.", err)
	}
	if err != nil {
		return OCRResult{}, fmt.Errorf("extract text: %w", err)
	}
	if p.maxPages > 0 && res.PageCount > p.maxPages {
		msg := fmt.Sprintf("This document has %d pages; the limit is %d.", res.PageCount, p.maxPages)
		return OCRResult{}, p.fail(ctx, payload.JobID, model.ErrorCodeOCR, msg, nil)
	}

	if err := p.store.RecordText(ctx, payload.JobID, res.Text, res.PageCount); err != nil {
		return OCRResult{}, stageErr(err)
	}
	if err := p.enqueueAnalysis(ctx, payload, res.Text); err != nil {
		return OCRResult{}, err
	}
	log.Info("ocr stage complete",
		zap.String("backend", res.Backend),
		zap.Int("pages", res.PageCount),
		zap.Int("chars", len(res.Text)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return OCRResult{Text: res.Text, PageCount: res.PageCount}, nil
}

func (p *Pipeline) resumeAfterOCR(ctx context.Context, payload queue.OCRPayload) (OCRResult, error) {
	job, err := p.store.Get(ctx, payload.JobID)
	if err != nil {
		return OCRResult{}, stageErr(err)
	}
	if job.Status != model.StatusExtract || job.ExtractedText == nil {
		return OCRResult{}, fmt.Errorf("ocr for job %s in %s: %w", job.ID, job.Status, ErrSuperseded)
	}
	if err := p.enqueueAnalysis(ctx, payload, *job.ExtractedText); err != nil {
		return OCRResult{}, err
	}
	pages := 0
	if job.PageCount != nil {
		pages = *job.PageCount
	}
	p.log.Info("ocr output already recorded, analysis re-enqueued", zap.String("job_id", job.ID))
	return OCRResult{Text: *job.ExtractedText, PageCount: pages}, nil
}

func (p *Pipeline) enqueueAnalysis(ctx context.Context, payload queue.OCRPayload, text string) error {
	err := p.queue.EnqueueAnalysis(ctx, queue.AnalysisPayload{
		JobID:         payload.JobID,
		ExtractedText: text,
		Filename:      payload.Filename,
		Mime:          payload.Mime,
		UserID:        payload.UserID,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEnqueue, err)
	}
	return nil
}

// stageErr maps a vanished job to ErrSuperseded and passes anything else
// through for retry.
func stageErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrSuperseded, err)
	}
	return err
}
