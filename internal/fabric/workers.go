package fabric

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/aexowork/fabric/internal/monitoring"
)

// Task is a unit of work for the pool.
type Task func()

// WorkerPool bounds the goroutines used for short-lived send tasks (the
// relay's fan-out in particular). A full queue drops the task instead of
// spawning unbounded goroutines; the dropped count is the backpressure
// signal.
type WorkerPool struct {
	workerCount int
	taskQueue   chan Task
	wg          sync.WaitGroup
	dropped     atomic.Int64
	logger      zerolog.Logger
}

func NewWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	return &WorkerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger.With().Str("component", "workers").Logger(),
	}
}

// Start launches the workers; they exit when ctx is cancelled.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go func() {
			defer wp.wg.Done()
			for {
				select {
				case task := <-wp.taskQueue:
					if task != nil {
						wp.runTask(task)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

func (wp *WorkerPool) runTask(task Task) {
	defer monitoring.RecoverPanic(wp.logger, "workerTask")
	task()
}

// Submit enqueues a task, dropping it when the queue is full.
func (wp *WorkerPool) Submit(task Task) {
	select {
	case wp.taskQueue <- task:
	default:
		wp.dropped.Add(1)
	}
}

// Dropped returns the number of tasks dropped due to a full queue.
func (wp *WorkerPool) Dropped() int64 { return wp.dropped.Load() }

// Wait blocks until all workers have exited (after ctx cancellation).
func (wp *WorkerPool) Wait() { wp.wg.Wait() }
