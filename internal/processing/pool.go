// Package processing runs pipeline tasks on an in-process goroutine pool. It
// stands in for the Redis-backed queue on single-node installs
// (BLOCIQ_QUEUE=inline), where the API process also does the OCR and
// analysis work.
package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/blociq/docpipe/internal/queue"
)

// ErrQueueFull is returned by the enqueue methods when the buffer is full.
var ErrQueueFull = errors.New("processing queue full")

// Pool is a queue.Enqueuer whose tasks are handled by local workers. Tasks
// are not persisted; anything still buffered when the process exits is lost
// and shows up in `blociq jobs stale`.
type Pool struct {
	tasks   chan *asynq.Task
	workers int
	log     *zap.Logger
	wg      sync.WaitGroup
}

// New builds a Pool with queue capacity tied to worker count.
func New(workers int, log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		tasks:   make(chan *asynq.Task, workers*16),
		workers: workers,
		log:     log,
	}
}

// Start launches the workers. They stop when ctx is cancelled.
func (p *Pool) Start(ctx context.Context, handler asynq.Handler) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, handler)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() { p.wg.Wait() }

// EnqueueOCR implements queue.Enqueuer.
func (p *Pool) EnqueueOCR(_ context.Context, payload queue.OCRPayload) error {
	return p.submit(queue.OCRTask, payload)
}

// EnqueueAnalysis implements queue.Enqueuer.
func (p *Pool) EnqueueAnalysis(_ context.Context, payload queue.AnalysisPayload) error {
	return p.submit(queue.AnalyseTask, payload)
}

func (p *Pool) submit(typename string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	select {
	case p.tasks <- asynq.NewTask(typename, data):
		return nil
	default:
		p.log.Warn("processing queue full, rejecting task", zap.String("type", typename))
		return ErrQueueFull
	}
}

func (p *Pool) worker(ctx context.Context, handler asynq.Handler) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.tasks:
			if err := handler.ProcessTask(ctx, task); err != nil {
				p.log.Warn("task failed", zap.String("type", task.Type()), zap.Error(err))
			}
		}
	}
}
