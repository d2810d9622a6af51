// Package ingest watches a drop folder and uploads new PDF and DOCX files on
// behalf of a single user.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/blociq/docpipe/internal/model"
	"github.com/blociq/docpipe/internal/upload"
)

var extensions = map[string]struct{}{
	".pdf":  {},
	".docx": {},
}

// Accepter is the slice of upload.Service the watcher needs.
type Accepter interface {
	Accept(ctx context.Context, up upload.Upload) (*model.Job, error)
}

// Config controls a watch.
type Config struct {
	Dir     string
	UserID  string
	Variant string
	// Debounce is how long a file must stay quiet before it is uploaded, so
	// copies in progress are not picked up half written.
	Debounce time.Duration
	// InitialScan uploads files already present when the watch starts.
	InitialScan bool
}

// Watcher uploads files dropped into a directory.
type Watcher struct {
	cfg    Config
	accept Accepter
	log    *zap.Logger

	mu   sync.Mutex
	seen map[string]fileStamp
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

// New builds a watcher. It does not start watching until Run is called.
func New(cfg Config, accept Accepter, log *zap.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("ingest: directory is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("ingest: user id is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{cfg: cfg, accept: accept, log: log, seen: make(map[string]fileStamp)}, nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.cfg.Dir, err)
	}
	w.log.Info("watching folder", zap.String("dir", w.cfg.Dir), zap.String("user_id", w.cfg.UserID))

	ready := make(chan string, 64)
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()
	schedule := func(path string) {
		if t, ok := timers[path]; ok {
			t.Reset(w.cfg.Debounce)
			return
		}
		timers[path] = time.AfterFunc(w.cfg.Debounce, func() {
			select {
			case ready <- path:
			case <-ctx.Done():
			}
		})
	}

	if w.cfg.InitialScan {
		err := filepath.WalkDir(w.cfg.Dir, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() {
				if path != w.cfg.Dir {
					return filepath.SkipDir
				}
				return nil
			}
			if eligible(path) {
				schedule(path)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan %s: %w", w.cfg.Dir, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 && eligible(ev.Name) {
				schedule(ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", zap.Error(err))
		case path := <-ready:
			delete(timers, path)
			w.ingest(ctx, path)
		}
	}
}

func (w *Watcher) ingest(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	stamp := fileStamp{size: info.Size(), modTime: info.ModTime()}
	w.mu.Lock()
	prev, dup := w.seen[path]
	w.mu.Unlock()
	if dup && prev == stamp {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		w.log.Warn("open dropped file", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()

	job, err := w.accept.Accept(ctx, upload.Upload{
		Body:     f,
		Filename: filepath.Base(path),
		UserID:   w.cfg.UserID,
		Variant:  w.cfg.Variant,
	})
	if err != nil {
		var verr *upload.ValidationError
		if errors.As(err, &verr) {
			w.log.Warn("dropped file rejected", zap.String("path", path), zap.String("code", verr.Code))
		} else {
			w.log.Error("dropped file upload failed", zap.String("path", path), zap.Error(err))
			return
		}
	} else {
		w.log.Info("dropped file queued", zap.String("path", path), zap.String("job_id", job.ID))
	}
	w.mu.Lock()
	w.seen[path] = stamp
	w.mu.Unlock()
}

func eligible(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "~$") {
		return false
	}
	_, ok := extensions[strings.ToLower(filepath.Ext(base))]
	return ok
}
