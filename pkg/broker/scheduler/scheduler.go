// Package scheduler defines the capability interface that every backend
// scheduler implements and the manager that multiplexes registered backends
// per cluster.
package scheduler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/combs-dev/combs/pkg/broker/models"
)

// Custom errors.
var (
	// ErrCapacityExceeded is returned by SubmitJob when the job footprint does
	// not fit inside the configured cluster capacity. The check happens before
	// any backend call so a rejected job has no partial submission.
	ErrCapacityExceeded = errors.New("job footprint exceeds cluster capacity")

	// ErrBackendUnavailable wraps transient backend failures. Callers retry
	// with backoff; the job state is never changed on this error.
	ErrBackendUnavailable = errors.New("scheduler backend unavailable")

	// ErrUnknownCluster is returned for operations on unconfigured clusters.
	ErrUnknownCluster = errors.New("unknown cluster")

	// ErrUnknownJob is returned when the backend has no trace of the job.
	ErrUnknownJob = errors.New("unknown scheduler job")
)

// Scheduler is the capability interface wrapping one backend scheduler of one
// cluster. Implementations never mutate broker job state; they only report
// the backend view and the lifecycle tracker decides what to apply.
type Scheduler interface {
	// SubmitJob submits a routed job to the backend and returns its shadow
	// record with the backend assigned job ID. Fails with ErrCapacityExceeded
	// before any backend call when the footprint does not fit.
	SubmitJob(ctx context.Context, job *models.Job) (models.SchedulerJob, error)
	// GetJobStatus returns the backend view of a job's state and exit code.
	GetJobStatus(ctx context.Context, schedulerJobID string) (models.SchedulerJob, error)
	// CancelJob requests cancellation. Best effort: the authoritative outcome
	// is whatever state the backend reports afterwards.
	CancelJob(ctx context.Context, schedulerJobID string) error
	// GetJobAccounting returns the consumption metered by the backend so far.
	GetJobAccounting(ctx context.Context, schedulerJobID string) (models.UsageMetrics, error)
	// SetCapacity replaces the capacity envelope the broker may occupy on the
	// cluster.
	SetCapacity(maxNodes int64, maxMemoryGB int64, maxGPUs int64)
}

var factories = make(map[string]func(cluster models.Cluster, capacity *Capacity, logger *slog.Logger) (Scheduler, error))

// Register registers a scheduler backend into the factory.
func Register(
	scheduler string,
	factory func(cluster models.Cluster, capacity *Capacity, logger *slog.Logger) (Scheduler, error),
) {
	factories[scheduler] = factory
}
