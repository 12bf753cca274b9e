// Package inmem implements a self contained scheduler backend that simulates
// job lifecycles in memory. It backs tests and development setups where no
// real cluster is reachable.
package inmem

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/combs-dev/combs/pkg/broker/base"
	"github.com/combs-dev/combs/pkg/broker/models"
	"github.com/combs-dev/combs/pkg/broker/scheduler"
	"github.com/prometheus/common/model"
)

const inmemScheduler = "inmem"

func init() {
	// Register backend
	scheduler.Register(inmemScheduler, New)
}

// inmemConfig scripts the lifecycle every submitted job follows. It is read
// from the cluster's extra_config.
type inmemConfig struct {
	StartDelay model.Duration `yaml:"start_delay"` // Time spent queued before the job starts
	RunTime    model.Duration `yaml:"run_time"`    // Wall clock time the job runs for
	FinalState string         `yaml:"final_state"` // State reported after run time elapses
	ExitCode   int64          `yaml:"exit_code"`   // Exit code reported in the final state
}

// defaults set struct fields to default values.
func (c *inmemConfig) defaults() *inmemConfig {
	if c.StartDelay == 0 {
		c.StartDelay = model.Duration(2 * time.Second)
	}

	if c.RunTime == 0 {
		c.RunTime = model.Duration(30 * time.Second)
	}

	if c.FinalState == "" {
		c.FinalState = models.JobStateCompleted.String()
	}

	return c
}

// simJob is the in memory record of one submitted job.
type simJob struct {
	job         models.Job
	submittedAt time.Time
	cancelledAt time.Time
}

// inmemManager simulates a scheduler for one cluster. Job state is derived
// from the submission time and the scripted delays on every read, so no
// background goroutines are needed.
type inmemManager struct {
	logger   *slog.Logger
	cluster  models.Cluster
	capacity *scheduler.Capacity
	config   *inmemConfig

	mu     sync.RWMutex
	jobs   map[string]*simJob
	nextID int64

	// Overridable in tests
	now func() time.Time
}

// New returns a new in memory scheduler backend.
func New(cluster models.Cluster, capacity *scheduler.Capacity, logger *slog.Logger) (scheduler.Scheduler, error) {
	var config inmemConfig
	if err := cluster.Extra.Decode(&config); err != nil {
		logger.Error("Failed to decode extra_config for inmem cluster", "id", cluster.ID, "err", err)

		return nil, err
	}

	if !models.JobState(config.defaults().FinalState).Terminal() {
		return nil, fmt.Errorf("final_state %s of inmem cluster %s is not terminal", config.FinalState, cluster.ID)
	}

	logger.Info("Simulating job lifecycles in memory", "id", cluster.ID)

	return &inmemManager{
		logger:   logger,
		cluster:  cluster,
		capacity: capacity,
		config:   config.defaults(),
		jobs:     make(map[string]*simJob),
		nextID:   1000,
		now:      time.Now,
	}, nil
}

// SubmitJob accepts a job after the capacity precheck and schedules its
// scripted lifecycle.
func (m *inmemManager) SubmitJob(_ context.Context, job *models.Job) (models.SchedulerJob, error) {
	if !m.capacity.Fits(scheduler.JobFootprint(job)) {
		return models.SchedulerJob{}, fmt.Errorf(
			"%w: job %s on cluster %s", scheduler.ErrCapacityExceeded, job.UUID, m.cluster.ID,
		)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	schedulerJobID := strconv.FormatInt(m.nextID, 10)

	now := m.now()
	m.jobs[schedulerJobID] = &simJob{job: *job, submittedAt: now}

	m.logger.Debug("Job submitted", "job", job.UUID, "scheduler_job_id", schedulerJobID)

	return models.SchedulerJob{
		UUID:           job.UUID,
		SchedulerJobID: schedulerJobID,
		Scheduler:      inmemScheduler,
		ClusterID:      m.cluster.ID,
		State:          models.JobStateQueued,
		CreatedAt:      now.Format(base.DatetimeLayout),
		ExitCode:       models.UnknownExitCode,
	}, nil
}

// GetJobStatus derives the job state from elapsed time.
func (m *inmemManager) GetJobStatus(_ context.Context, schedulerJobID string) (models.SchedulerJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sim, ok := m.jobs[schedulerJobID]
	if !ok {
		return models.SchedulerJob{}, fmt.Errorf("%w: %s", scheduler.ErrUnknownJob, schedulerJobID)
	}

	state, exitCode := m.observe(sim)

	return models.SchedulerJob{
		UUID:           sim.job.UUID,
		SchedulerJobID: schedulerJobID,
		Scheduler:      inmemScheduler,
		ClusterID:      m.cluster.ID,
		State:          state,
		ExitCode:       exitCode,
	}, nil
}

// CancelJob marks the job cancelled unless it already finished.
func (m *inmemManager) CancelJob(_ context.Context, schedulerJobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sim, ok := m.jobs[schedulerJobID]
	if !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrUnknownJob, schedulerJobID)
	}

	if state, _ := m.observe(sim); state.Terminal() {
		// Too late. The next status poll reports the real outcome.
		return nil
	}

	if sim.cancelledAt.IsZero() {
		sim.cancelledAt = m.now()
	}

	return nil
}

// GetJobAccounting meters consumption from the simulated run time and the
// requested resources.
func (m *inmemManager) GetJobAccounting(_ context.Context, schedulerJobID string) (models.UsageMetrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sim, ok := m.jobs[schedulerJobID]
	if !ok {
		return models.UsageMetrics{}, fmt.Errorf("%w: %s", scheduler.ErrUnknownJob, schedulerJobID)
	}

	wallClock := int64(m.runElapsed(sim).Seconds())

	return models.UsageMetrics{
		WallClockSeconds: wallClock,
		CPUCoreSeconds:   wallClock * sim.job.CPUCores * sim.job.Nodes,
		MemoryGBSeconds:  wallClock * sim.job.MemoryGB * sim.job.Nodes,
	}, nil
}

// SetCapacity replaces the capacity envelope of the cluster.
func (m *inmemManager) SetCapacity(maxNodes int64, maxMemoryGB int64, maxGPUs int64) {
	m.capacity.SetLimits(models.CapacityLimits{
		MaxNodes:    maxNodes,
		MaxMemoryGB: maxMemoryGB,
		MaxGPUs:     maxGPUs,
	})
}

// runDuration returns how long the job runs before finishing on its own. The
// wall time limit caps the scripted run time.
func (m *inmemManager) runDuration(sim *simJob) (time.Duration, bool) {
	run := time.Duration(m.config.RunTime)

	limit := time.Duration(sim.job.WallTimeLimit) * time.Second
	if limit > 0 && limit < run {
		return limit, true
	}

	return run, false
}

// runElapsed returns how much of the run phase has elapsed, capped at the
// effective run duration and cut short by cancellation.
func (m *inmemManager) runElapsed(sim *simJob) time.Duration {
	end := m.now()
	if !sim.cancelledAt.IsZero() && sim.cancelledAt.Before(end) {
		end = sim.cancelledAt
	}

	elapsed := end.Sub(sim.submittedAt) - time.Duration(m.config.StartDelay)
	if elapsed < 0 {
		return 0
	}

	if run, _ := m.runDuration(sim); elapsed > run {
		return run
	}

	return elapsed
}

// observe derives the current state and exit code of a job.
func (m *inmemManager) observe(sim *simJob) (models.JobState, int64) {
	startDelay := time.Duration(m.config.StartDelay)
	run, timedOut := m.runDuration(sim)

	if !sim.cancelledAt.IsZero() {
		// Cancellations that race the natural end lose
		if sim.cancelledAt.Sub(sim.submittedAt) < startDelay+run {
			return models.JobStateCancelled, models.UnknownExitCode
		}
	}

	elapsed := m.now().Sub(sim.submittedAt)

	switch {
	case elapsed < startDelay:
		return models.JobStateQueued, models.UnknownExitCode
	case elapsed < startDelay+run:
		return models.JobStateRunning, models.UnknownExitCode
	case timedOut:
		return models.JobStateTimeout, models.UnknownExitCode
	default:
		return models.JobState(m.config.FinalState), m.config.ExitCode
	}
}
