package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/blociq/docpipe/internal/tone"
)

type toneRequest struct {
	Message         string `json:"message"`
	Subject         string `json:"subject"`
	PriorComplaints bool   `json:"prior_complaints"`
}

func (s *Server) handleTone(w http.ResponseWriter, r *http.Request) {
	var req toneRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Body must be JSON with a message field.")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "message is required.")
		return
	}
	respondJSON(w, http.StatusOK, tone.Detect(req.Message, req.Subject, req.PriorComplaints))
}
