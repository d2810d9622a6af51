package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/blociq/docpipe/internal/model"
	"github.com/blociq/docpipe/internal/repository"
	"github.com/blociq/docpipe/internal/upload"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	// multipartSlack covers boundaries and small form fields around the file.
	multipartSlack = 1 << 20
)

// jobView is the read-path representation of a job. page_count is always
// present (null until OCR finishes); summary and error fields appear only in
// the matching terminal status.
type jobView struct {
	ID           string          `json:"id"`
	Filename     string          `json:"filename"`
	Status       model.Status    `json:"status"`
	Variant      model.Variant   `json:"variant"`
	PageCount    *int            `json:"page_count"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	SummaryJSON  json.RawMessage `json:"summary_json,omitempty"`
	ErrorCode    *string         `json:"error_code,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
}

func newJobView(job *model.Job) jobView {
	v := jobView{
		ID:        job.ID,
		Filename:  job.Filename,
		Status:    job.Status,
		Variant:   job.Variant,
		PageCount: job.PageCount,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	switch job.Status {
	case model.StatusReady:
		v.SummaryJSON = job.SummaryJSON
	case model.StatusFailed:
		v.ErrorCode = job.ErrorCode
		v.ErrorMessage = job.ErrorMessage
	}
	return v
}

type acceptedJob struct {
	ID        string        `json:"id"`
	Filename  string        `json:"filename"`
	Status    model.Status  `json:"status"`
	Variant   model.Variant `json:"variant"`
	SizeBytes int64         `json:"size_bytes"`
	Mime      string        `json:"mime"`
	CreatedAt time.Time     `json:"created_at"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+multipartSlack)
	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Expected a multipart/form-data upload with a \"file\" field.")
		return
	}
	// The variant may arrive as a query parameter or as a form field sent
	// before the file part.
	variant := r.URL.Query().Get("variant")
	part, err := nextFilePart(mr, &variant)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.respondValidation(w, &upload.ValidationError{
				Status: http.StatusRequestEntityTooLarge, Code: upload.CodeTooLarge,
				Message: "Upload is larger than the allowed size.", MaxBytes: s.cfg.MaxFileSize,
			})
			return
		}
		respondError(w, http.StatusBadRequest, "missing_file", "No \"file\" field was found in the upload.")
		return
	}
	defer part.Close()

	job, err := s.uploads.Accept(ctx, upload.Upload{
		Body:         part,
		Filename:     part.FileName(),
		DeclaredType: part.Header.Get("Content-Type"),
		UserID:       userID(r),
		Variant:      variant,
	})
	var verr *upload.ValidationError
	switch {
	case errors.As(err, &verr):
		s.respondValidation(w, verr)
		return
	case errors.Is(err, upload.ErrEnqueue):
		respondError(w, http.StatusInternalServerError, "queue_failed", "The document was stored but could not be queued for processing. Please try again.")
		return
	case err != nil:
		s.log.Error("upload failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "The document could not be stored.")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]acceptedJob{"job": {
		ID:        job.ID,
		Filename:  job.Filename,
		Status:    job.Status,
		Variant:   job.Variant,
		SizeBytes: job.SizeBytes,
		Mime:      job.Mime,
		CreatedAt: job.CreatedAt,
	}})
}

func (s *Server) respondValidation(w http.ResponseWriter, verr *upload.ValidationError) {
	respondJSON(w, verr.Status, errorBody{
		Error:         verr.Code,
		Message:       verr.Message,
		MaxBytes:      verr.MaxBytes,
		ReceivedBytes: verr.ReceivedBytes,
	})
}

// nextFilePart skips to the "file" part, capturing a "variant" field on the
// way.
func nextFilePart(mr *multipart.Reader, variant *string) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		switch part.FormName() {
		case "file":
			return part, nil
		case "variant":
			v, err := io.ReadAll(io.LimitReader(part, 64))
			if err != nil {
				return nil, err
			}
			*variant = strings.TrimSpace(string(v))
		}
		part.Close()
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := repository.ListFilter{UserID: userID(r), Limit: defaultListLimit}
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer.")
			return
		}
		filter.Limit = min(n, maxListLimit)
	}
	for _, raw := range q["status"] {
		st := model.Status(strings.ToUpper(raw))
		if !st.Valid() {
			respondError(w, http.StatusBadRequest, "invalid_status", "Unknown status "+strconv.Quote(raw)+".")
			return
		}
		filter.Statuses = append(filter.Statuses, st)
	}
	jobs, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.log.Error("list jobs failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	views := make([]jobView, len(jobs))
	for i, job := range jobs {
		views[i] = newJobView(job)
	}
	respondJSON(w, http.StatusOK, map[string][]jobView{"jobs": views})
}

// ownedJob loads the job for the caller, answering 404 for both missing and
// foreign jobs.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (*model.Job, bool) {
	job, err := s.store.GetForUser(r.Context(), mux.Vars(r)["id"], userID(r))
	if errors.Is(err, repository.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", "")
		return nil, false
	}
	if err != nil {
		s.log.Error("load job failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "")
		return nil, false
	}
	return job, true
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleDocumentText(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if job.ExtractedText == nil {
		if job.Status == model.StatusFailed {
			respondError(w, http.StatusConflict, "failed", "Text extraction failed for this document.")
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]model.Status{"status": job.Status})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, *job.ExtractedText)
}

func (s *Server) handleFileURL(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	url, err := s.blobs.PresignGet(r.Context(), job.StorageKey, job.Filename, s.cfg.SignedURLTTL)
	if err != nil {
		s.log.Error("presign failed", zap.String("job_id", job.ID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "Failed to generate a download link.")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_at": time.Now().Add(s.cfg.SignedURLTTL).UTC(),
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	err := s.uploads.Delete(r.Context(), mux.Vars(r)["id"], userID(r))
	if errors.Is(err, repository.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", "")
		return
	}
	if err != nil {
		s.log.Error("delete job failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
