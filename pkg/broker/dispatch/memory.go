package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// memoryQueue is the in-process dispatch backend. Tasks live in a bounded
// channel and are drained by a fixed pool of workers. Retries happen inside
// the worker that picked the task up, with exponential backoff between
// attempts, so a flapping scheduler backend does not spin the pool.
type memoryQueue struct {
	logger      *slog.Logger
	tasks       chan Task
	handlers    map[string]Handler
	workers     int
	maxRetries  int
	retryDelay  time.Duration
	taskTimeout time.Duration
	exhausted   ExhaustedFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newMemoryQueue(logger *slog.Logger, config *Config, exhausted ExhaustedFunc) *memoryQueue {
	capacity := config.Capacity
	if capacity <= 0 {
		capacity = 1024
	}

	workers := config.Workers
	if workers <= 0 {
		workers = 4
	}

	retryDelay := time.Duration(config.RetryDelay)
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	taskTimeout := time.Duration(config.TaskTimeout)
	if taskTimeout <= 0 {
		taskTimeout = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &memoryQueue{
		logger:      logger,
		tasks:       make(chan Task, capacity),
		handlers:    make(map[string]Handler),
		workers:     workers,
		maxRetries:  config.MaxRetries,
		retryDelay:  retryDelay,
		taskTimeout: taskTimeout,
		exhausted:   exhausted,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Enqueue places the task on the queue without blocking. A full queue is
// reported as ErrQueueFull so that callers can shed load instead of piling
// up goroutines.
func (q *memoryQueue) Enqueue(_ context.Context, task Task) error {
	select {
	case q.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *memoryQueue) Handle(kind string, handler Handler) {
	q.handlers[kind] = handler
}

func (q *memoryQueue) Start() error {
	for range q.workers {
		q.wg.Add(1)

		go q.work()
	}

	q.logger.Info("Dispatch queue started", "backend", memoryBackend, "workers", q.workers)

	return nil
}

// Stop cancels in-flight handlers and waits for the workers to drain. Tasks
// still sitting in the channel are dropped, every handler is idempotent and
// the app re-enqueues outstanding work on the next start.
func (q *memoryQueue) Stop() {
	q.cancel()
	q.wg.Wait()
}

func (q *memoryQueue) work() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case task := <-q.tasks:
			q.process(task)
		}
	}
}

// process runs one task through its handler with bounded retries. When the
// retries are exhausted the task is dropped and the exhausted callback fires,
// the subject keeps whatever state it last had.
func (q *memoryQueue) process(task Task) {
	handler, ok := q.handlers[task.Kind]
	if !ok {
		q.logger.Error("No handler registered for task kind", "kind", task.Kind, "subject", task.Subject)

		return
	}

	var err error

	for attempt := 0; attempt <= q.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-q.ctx.Done():
				return
			case <-time.After(backoff(q.retryDelay, attempt-1)):
			}
		}

		err = q.run(handler, task)
		if err == nil {
			return
		}

		q.logger.Warn(
			"Task failed", "kind", task.Kind, "subject", task.Subject,
			"attempt", attempt+1, "err", err,
		)
	}

	q.logger.Error(
		"Task retries exhausted", "kind", task.Kind, "subject", task.Subject,
		"attempts", q.maxRetries+1, "err", err,
	)

	if q.exhausted != nil {
		q.exhausted(task)
	}
}

func (q *memoryQueue) run(handler Handler, task Task) error {
	ctx, cancel := context.WithTimeout(q.ctx, q.taskTimeout)
	defer cancel()

	return handler(ctx, task)
}
