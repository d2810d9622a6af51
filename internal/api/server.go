// Package api exposes the document pipeline over HTTP: uploads, status reads,
// the tone classifier and the operator re-drive triggers.
package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/blociq/docpipe/internal/auth"
	"github.com/blociq/docpipe/internal/config"
	"github.com/blociq/docpipe/internal/pipeline"
	"github.com/blociq/docpipe/internal/queue"
	"github.com/blociq/docpipe/internal/repository"
	"github.com/blociq/docpipe/internal/s3storage"
	"github.com/blociq/docpipe/internal/upload"
)

// Stages runs the pipeline inline for the internal trigger endpoints.
type Stages interface {
	RunOCR(ctx context.Context, payload queue.OCRPayload) (pipeline.OCRResult, error)
	RunAnalysis(ctx context.Context, payload queue.AnalysisPayload) (pipeline.AnalysisResult, error)
}

// Deps groups the collaborators the handlers call into.
type Deps struct {
	Store   repository.Store
	Blobs   s3storage.BlobStore
	Uploads *upload.Service
	Signer  *auth.Signer
	// Stages is optional; without it the /internal routes are not mounted.
	Stages Stages
	Logger *zap.Logger
}

// Server exposes HTTP endpoints for uploads and document visibility.
type Server struct {
	cfg     *config.Config
	store   repository.Store
	blobs   s3storage.BlobStore
	uploads *upload.Service
	signer  *auth.Signer
	stages  Stages
	log     *zap.Logger

	handler http.Handler
	server  *http.Server
	once    sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		store:   deps.Store,
		blobs:   deps.Blobs,
		uploads: deps.Uploads,
		signer:  deps.Signer,
		stages:  deps.Stages,
		log:     log,
	}
	s.handler = s.routes()
	return s
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	docs := r.PathPrefix("/documents").Subrouter()
	docs.Use(s.requireUser)
	docs.HandleFunc("", s.handleUpload).Methods(http.MethodPost)
	docs.HandleFunc("", s.handleList).Methods(http.MethodGet)
	docs.HandleFunc("/{id}", s.handleDocument).Methods(http.MethodGet)
	docs.HandleFunc("/{id}", s.handleDelete).Methods(http.MethodDelete)
	docs.HandleFunc("/{id}/text", s.handleDocumentText).Methods(http.MethodGet)
	docs.HandleFunc("/{id}/file-url", s.handleFileURL).Methods(http.MethodGet)

	tone := r.PathPrefix("/tone").Subrouter()
	tone.Use(s.requireUser)
	tone.HandleFunc("", s.handleTone).Methods(http.MethodPost)

	if s.stages != nil && s.cfg.InternalToken != "" {
		internal := r.PathPrefix("/internal").Subrouter()
		internal.Use(s.requireInternal)
		internal.HandleFunc("/ocr", s.handleInternalOCR).Methods(http.MethodPost)
		internal.HandleFunc("/analyse", s.handleInternalAnalyse).Methods(http.MethodPost)
	}

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, "not_found", "")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
	})
	return corsMiddleware(s.loggingMiddleware(r))
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.cfg.Address,
			Handler:           s.handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.Info("api listening", zap.String("addr", s.cfg.Address))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Warn("health check failed", zap.Error(err))
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
