// Package dispatch decouples pipeline work from the request path. Submission,
// polling, billing closure, settlement and provider reporting are enqueued as
// tasks and executed by a worker pool, so a slow scheduler backend or ledger
// never blocks an API call. Two backends are supported: an in-process bounded
// queue and asynq backed by Redis for multi-process deployments.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/common/model"
)

// Task kinds understood by the broker pipeline. Handlers are registered per
// kind by the app before the queue starts.
const (
	KindRouteJob      = "route_job"
	KindPollJob       = "poll_job"
	KindFinalizeJob   = "finalize_job"
	KindSubmitReport  = "submit_report"
	KindSettleInvoice = "settle_invoice"
)

// Backend names.
const (
	memoryBackend = "memory"
	asynqBackend  = "asynq"
)

// ErrQueueFull is returned by Enqueue when the memory backend is saturated.
// Callers should treat it as backpressure and retry later.
var ErrQueueFull = errors.New("dispatch queue is full")

// Task is one unit of pipeline work. Subject carries the UUID of the job or
// invoice the task operates on. Handlers re-read all state from the store, so
// a task can be retried or duplicated safely.
type Task struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Subject string `json:"subject"`
}

// NewTask returns a task for kind and subject. The ID is deterministic so
// that enqueueing the same work twice while it is still pending dedups
// instead of doubling it.
func NewTask(kind string, subject string) Task {
	return Task{
		ID:      fmt.Sprintf("%s:%s", kind, subject),
		Kind:    kind,
		Subject: subject,
	}
}

// Handler executes one task. A nil return acknowledges the task, any error
// triggers the backend's retry policy.
type Handler func(ctx context.Context, task Task) error

// ExhaustedFunc is invoked when a task has used up all its retries. The task
// itself is dropped at that point, the callback is the operator's hook to
// flag the affected job or invoice for attention.
type ExhaustedFunc func(task Task)

// Queue is the dispatch surface used by the broker app. Handle must be
// called for every kind before Start, registration is not safe once workers
// are running.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Handle(kind string, handler Handler)
	Start() error
	Stop()
}

// RedisConfig locates the Redis instance backing the asynq backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Config configures the dispatch queue.
type Config struct {
	Backend     string         `yaml:"backend"`
	Capacity    int            `yaml:"capacity"`
	Workers     int            `yaml:"workers"`
	MaxRetries  int            `yaml:"max_retries"`
	RetryDelay  model.Duration `yaml:"retry_delay"`
	TaskTimeout model.Duration `yaml:"task_timeout"`
	Redis       RedisConfig    `yaml:"redis"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// Set defaults
	*c = Config{
		Backend:     memoryBackend,
		Capacity:    1024,
		Workers:     4,
		MaxRetries:  5,
		RetryDelay:  model.Duration(time.Second),
		TaskTimeout: model.Duration(5 * time.Minute),
	}

	type plain Config

	return unmarshal((*plain)(c))
}

// New creates the dispatch queue named by config.Backend. An empty backend
// selects the in-process memory queue.
func New(logger *slog.Logger, config *Config, exhausted ExhaustedFunc) (Queue, error) {
	switch config.Backend {
	case memoryBackend, "":
		return newMemoryQueue(logger, config, exhausted), nil
	case asynqBackend:
		return newAsynqQueue(logger, config, exhausted)
	default:
		return nil, fmt.Errorf("unknown dispatch backend: %s", config.Backend)
	}
}

// backoff returns the delay before retry attempt n using bounded exponential
// growth on the configured base delay.
func backoff(base time.Duration, attempt int) time.Duration {
	if attempt > 6 {
		attempt = 6
	}

	return base * (1 << uint(attempt))
}
