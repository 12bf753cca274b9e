package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// asynqQueue is the Redis backed dispatch backend. Tasks survive broker
// restarts and can be drained by multiple broker processes. Retry and
// backoff are delegated to asynq's own scheduler.
type asynqQueue struct {
	logger      *slog.Logger
	client      *asynq.Client
	server      *asynq.Server
	mux         *asynq.ServeMux
	maxRetries  int
	taskTimeout time.Duration
}

func newAsynqQueue(logger *slog.Logger, config *Config, exhausted ExhaustedFunc) (*asynqQueue, error) {
	if config.Redis.Addr == "" {
		return nil, errors.New("asynq dispatch backend requires a redis address")
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     config.Redis.Addr,
		Password: config.Redis.Password,
		DB:       config.Redis.DB,
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

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: workers,
		Queues:      map[string]int{"default": 10},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return backoff(retryDelay, n)
		},
		// Fires on every failed attempt. Once the retries are exhausted
		// asynq archives the task, at that point the exhausted callback
		// flags the subject for the operator.
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)

			if retried < maxRetry {
				return
			}

			var task Task
			if err := json.Unmarshal(t.Payload(), &task); err != nil {
				logger.Error("Failed to decode exhausted task", "type", t.Type(), "err", err)

				return
			}

			logger.Error(
				"Task retries exhausted", "kind", task.Kind, "subject", task.Subject,
				"attempts", retried+1, "err", err,
			)

			if exhausted != nil {
				exhausted(task)
			}
		}),
		Logger: asynqLogger{logger: logger},
	})

	return &asynqQueue{
		logger:      logger,
		client:      asynq.NewClient(redisOpt),
		server:      server,
		mux:         asynq.NewServeMux(),
		maxRetries:  config.MaxRetries,
		taskTimeout: taskTimeout,
	}, nil
}

func (q *asynqQueue) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	_, err = q.client.EnqueueContext(
		ctx,
		asynq.NewTask(task.Kind, payload),
		asynq.TaskID(task.ID),
		asynq.MaxRetry(q.maxRetries),
		asynq.Timeout(q.taskTimeout),
	)
	// The same task is already queued, which is exactly what the caller
	// wanted to happen.
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}

	return err
}

func (q *asynqQueue) Handle(kind string, handler Handler) {
	q.mux.HandleFunc(kind, func(ctx context.Context, t *asynq.Task) error {
		var task Task
		if err := json.Unmarshal(t.Payload(), &task); err != nil {
			return fmt.Errorf("failed to decode task: %w", err)
		}

		return handler(ctx, task)
	})
}

func (q *asynqQueue) Start() error {
	if err := q.server.Start(q.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}

	q.logger.Info("Dispatch queue started", "backend", asynqBackend)

	return nil
}

func (q *asynqQueue) Stop() {
	q.server.Shutdown()

	if err := q.client.Close(); err != nil {
		q.logger.Error("Failed to close asynq client", "err", err)
	}
}

// asynqLogger bridges asynq's logging interface onto slog.
type asynqLogger struct {
	logger *slog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }
