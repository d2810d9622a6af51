// Package upload validates incoming documents and turns each accepted one
// into exactly one stored blob, one QUEUED job row and one OCR task.
package upload

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blociq/docpipe/internal/config"
	"github.com/blociq/docpipe/internal/model"
	"github.com/blociq/docpipe/internal/queue"
	"github.com/blociq/docpipe/internal/repository"
	"github.com/blociq/docpipe/internal/s3storage"
)

// Validation error codes returned to clients.
const (
	CodeTooLarge    = "file_too_large"
	CodeUnsupported = "unsupported_type"
	CodeEmpty       = "empty_file"
	CodeBadVariant  = "invalid_variant"
)

// ErrEnqueue is returned when the job was stored but its OCR task could not
// be scheduled; the job has been marked FAILED.
var ErrEnqueue = errors.New("could not queue document for processing")

// ValidationError rejects an upload before anything is stored.
type ValidationError struct {
	Status        int
	Code          string
	Message       string
	MaxBytes      int64
	ReceivedBytes int64
}

func (e *ValidationError) Error() string { return e.Code + ": " + e.Message }

// Upload is one incoming document.
type Upload struct {
	Body         io.Reader
	Filename     string
	DeclaredType string
	UserID       string
	Variant      string
}

// Service accepts uploads.
type Service struct {
	cfg   *config.Config
	store repository.Store
	blobs s3storage.BlobStore
	queue queue.Enqueuer
	log   *zap.Logger
}

// NewService wires the upload collaborators.
func NewService(cfg *config.Config, store repository.Store, blobs s3storage.BlobStore, q queue.Enqueuer, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{cfg: cfg, store: store, blobs: blobs, queue: q, log: log}
}

// Accept validates and stores the upload, returning the QUEUED job. It does
// not wait for processing.
func (s *Service) Accept(ctx context.Context, up Upload) (*model.Job, error) {
	variant, ok := model.ParseVariant(up.Variant)
	if !ok {
		return nil, &ValidationError{Status: http.StatusBadRequest, Code: CodeBadVariant,
			Message: fmt.Sprintf("Unknown document variant %q. Use lease, compliance or general.", up.Variant)}
	}
	tmp, err := s.persistTemp(up.Body)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.path)
	defer tmp.f.Close()

	mime := detectMime(tmp, up.Filename)
	if !s.cfg.Allowed(mime) {
		shown := up.DeclaredType
		if shown == "" || shown == "application/octet-stream" {
			shown = mime
		}
		return nil, &ValidationError{Status: http.StatusBadRequest, Code: CodeUnsupported,
			Message: fmt.Sprintf("File type %q isn't supported. Upload a PDF or DOCX document.", shown)}
	}

	job := &model.Job{
		ID:        uuid.NewString(),
		UserID:    up.UserID,
		Filename:  displayName(up.Filename),
		Mime:      mime,
		SizeBytes: tmp.size,
		Variant:   variant,
	}
	job.StorageKey = StorageKey(job.ID, job.Filename)

	if _, err := tmp.f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}
	if err := s.blobs.Put(ctx, job.StorageKey, tmp.f, tmp.size, mime); err != nil {
		return nil, fmt.Errorf("store document: %w", err)
	}
	if err := s.store.Create(ctx, job); err != nil {
		if delErr := s.blobs.Delete(ctx, job.StorageKey); delErr != nil {
			s.log.Error("orphaned blob after failed insert", zap.String("key", job.StorageKey), zap.Error(delErr))
		}
		return nil, fmt.Errorf("create job: %w", err)
	}
	err = s.queue.EnqueueOCR(ctx, queue.OCRPayload{
		JobID:    job.ID,
		FilePath: job.StorageKey,
		Filename: job.Filename,
		Mime:     job.Mime,
		UserID:   job.UserID,
	})
	if err != nil {
		s.log.Error("enqueue ocr failed", zap.String("job_id", job.ID), zap.Error(err))
		if failErr := s.store.MarkFailed(ctx, job.ID, model.ErrorCodeQueue, "The document could not be queued for processing."); failErr != nil {
			s.log.Error("could not mark job failed", zap.String("job_id", job.ID), zap.Error(failErr))
		}
		return job, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}
	s.log.Info("document accepted",
		zap.String("job_id", job.ID),
		zap.String("user_id", job.UserID),
		zap.String("mime", job.Mime),
		zap.Int64("size_bytes", job.SizeBytes),
	)
	return job, nil
}

// Delete removes the caller's job and its stored original.
func (s *Service) Delete(ctx context.Context, id, userID string) error {
	job, err := s.store.GetForUser(ctx, id, userID)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id, userID); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, job.StorageKey); err != nil {
		s.log.Warn("blob left behind after delete", zap.String("job_id", id), zap.Error(err))
	}
	return nil
}

type tempUpload struct {
	f     *os.File
	path  string
	size  int64
	sniff []byte
}

// persistTemp streams body into a temp file, enforcing the size limit and
// keeping the first 512 bytes for content sniffing.
func (s *Service) persistTemp(body io.Reader) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "blociq-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}
	var sniff []byte
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxFileSize {
				cleanup()
				// Count the rest so the client learns how big the file was.
				rest, _ := io.Copy(io.Discard, body)
				return nil, &ValidationError{
					Status:        http.StatusRequestEntityTooLarge,
					Code:          CodeTooLarge,
					Message:       fmt.Sprintf("File is larger than the %d MB limit.", s.cfg.MaxFileSize>>20),
					MaxBytes:      s.cfg.MaxFileSize,
					ReceivedBytes: written + rest,
				}
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				cleanup()
				return nil, fmt.Errorf("write temp file: %w", err)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			cleanup()
			var maxErr *http.MaxBytesError
			if errors.As(readErr, &maxErr) {
				return nil, &ValidationError{
					Status:        http.StatusRequestEntityTooLarge,
					Code:          CodeTooLarge,
					Message:       fmt.Sprintf("File is larger than the %d MB limit.", s.cfg.MaxFileSize>>20),
					MaxBytes:      s.cfg.MaxFileSize,
					ReceivedBytes: written,
				}
			}
			return nil, fmt.Errorf("read file: %w", readErr)
		}
	}
	if written == 0 {
		cleanup()
		return nil, &ValidationError{Status: http.StatusBadRequest, Code: CodeEmpty, Message: "The uploaded file is empty."}
	}
	return &tempUpload{f: tmpFile, path: tmpFile.Name(), size: written, sniff: sniff}, nil
}

// detectMime sniffs the content. DOCX files sniff as zip archives, so a zip
// named .docx that contains word/document.xml is reported as DOCX.
func detectMime(tmp *tempUpload, filename string) string {
	sniffed := http.DetectContentType(tmp.sniff)
	if i := strings.IndexByte(sniffed, ';'); i >= 0 {
		sniffed = strings.TrimSpace(sniffed[:i])
	}
	if sniffed == "application/zip" && strings.EqualFold(filepath.Ext(filename), ".docx") && isWordArchive(tmp) {
		return config.MimeDOCX
	}
	return sniffed
}

func isWordArchive(tmp *tempUpload) bool {
	zr, err := zip.NewReader(tmp.f, tmp.size)
	if err != nil {
		return false
	}
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			return true
		}
	}
	return false
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func displayName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		return "document"
	}
	return name
}

// StorageKey derives the object key for a job: jobs/{id}/{sanitised name}.
func StorageKey(id, filename string) string {
	safe := unsafeChars.ReplaceAllString(displayName(filename), "_")
	safe = strings.Trim(safe, "._")
	if len(safe) > 120 {
		ext := filepath.Ext(safe)
		if len(ext) > 10 {
			ext = ""
		}
		safe = safe[:120-len(ext)] + ext
	}
	if safe == "" {
		safe = "document"
	}
	return "jobs/" + id + "/" + safe
}
