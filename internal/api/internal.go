package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/blociq/docpipe/internal/pipeline"
	"github.com/blociq/docpipe/internal/queue"
)

func (s *Server) handleInternalOCR(w http.ResponseWriter, r *http.Request) {
	var payload queue.OCRPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.JobID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "jobId is required.")
		return
	}
	res, err := s.stages.RunOCR(r.Context(), payload)
	if err != nil {
		s.respondStageError(w, payload.JobID, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleInternalAnalyse(w http.ResponseWriter, r *http.Request) {
	var payload queue.AnalysisPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.JobID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "jobId is required.")
		return
	}
	res, err := s.stages.RunAnalysis(r.Context(), payload)
	if err != nil {
		s.respondStageError(w, payload.JobID, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) respondStageError(w http.ResponseWriter, jobID string, err error) {
	var stageErr *pipeline.StageError
	switch {
	case errors.Is(err, pipeline.ErrSuperseded):
		respondError(w, http.StatusConflict, "superseded", "The job has already moved past this stage.")
	case errors.As(err, &stageErr):
		respondError(w, http.StatusUnprocessableEntity, stageErr.Code, stageErr.Message)
	default:
		s.log.Error("internal trigger failed", zap.String("job_id", jobID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
