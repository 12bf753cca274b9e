// Package slurm implements the scheduler backend for SLURM clusters using
// the sbatch, sacct and scancel CLI utilities.
package slurm

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/combs-dev/combs/internal/security"
	"github.com/combs-dev/combs/pkg/broker/models"
	"github.com/combs-dev/combs/pkg/broker/scheduler"
)

// Execution modes.
const (
	nativeMode     = "native"
	sudoMode       = "sudo"
	capabilityMode = "cap"
)

// Security contexts.
const (
	slurmExecCmdCtx = "slurm_exec_cmd"
)

const slurmScheduler = "slurm"

var (
	// SLURM AllocTRES gives memory as 200M, 250.5G and we dont know if it gives without
	// units. So, regex will capture the number and unit (if exists) and we convert it
	// to bytes.
	memRegex = regexp.MustCompile("([0-9.]+)([K|M|G|T]?)")
	toBytes  = map[string]int64{
		"K": 1024,
		"M": 1024 * 1024,
		"G": 1024 * 1024 * 1024,
		"T": 1024 * 1024 * 1024 * 1024,
	}

	// Required capabilities to execute SLURM commands as other users.
	requiredCaps = []string{"cap_setuid", "cap_setgid"}

	// sacct fields requested for status and accounting queries.
	sacctFields = []string{
		"jobidraw", "state", "exitcode", "elapsedraw", "alloctres", "submit", "start", "end",
	}
)

func init() {
	// Register backend
	scheduler.Register(slurmScheduler, New)
}

// slurmManager runs SLURM CLI utilities for one cluster.
type slurmManager struct {
	logger           *slog.Logger
	cluster          models.Cluster
	capacity         *scheduler.Capacity
	cmdExecMode      string // Mode of executing commands, ie, sudo or cap or native
	securityContexts map[string]*security.SecurityContext
}

// New returns a new SLURM scheduler backend.
func New(cluster models.Cluster, capacity *scheduler.Capacity, logger *slog.Logger) (scheduler.Scheduler, error) {
	manager := &slurmManager{
		logger:           logger,
		cluster:          cluster,
		capacity:         capacity,
		securityContexts: make(map[string]*security.SecurityContext),
	}

	if err := preflightsCLI(manager); err != nil {
		return nil, err
	}

	logger.Info("Submitting jobs to SLURM cluster", "id", cluster.ID, "exec_mode", manager.cmdExecMode)

	return manager, nil
}

// SubmitJob submits a job via sbatch after the capacity precheck.
func (s *slurmManager) SubmitJob(ctx context.Context, job *models.Job) (models.SchedulerJob, error) {
	if !s.capacity.Fits(scheduler.JobFootprint(job)) {
		return models.SchedulerJob{}, fmt.Errorf(
			"%w: job %s on cluster %s", scheduler.ErrCapacityExceeded, job.UUID, s.cluster.ID,
		)
	}

	sbatchOutput, err := s.runSbatchCmd(ctx, job)
	if err != nil {
		return models.SchedulerJob{}, fmt.Errorf("%w: sbatch failed for job %s: %w", scheduler.ErrBackendUnavailable, job.UUID, err)
	}

	schedulerJobID, err := parseSbatchOutput(sbatchOutput)
	if err != nil {
		return models.SchedulerJob{}, err
	}

	s.logger.Debug("Job submitted", "job", job.UUID, "scheduler_job_id", schedulerJobID)

	return models.SchedulerJob{
		UUID:           job.UUID,
		SchedulerJobID: schedulerJobID,
		Scheduler:      slurmScheduler,
		ClusterID:      s.cluster.ID,
		State:          models.JobStateQueued,
		ExitCode:       models.UnknownExitCode,
	}, nil
}

// GetJobStatus fetches the job state from sacct.
func (s *slurmManager) GetJobStatus(ctx context.Context, schedulerJobID string) (models.SchedulerJob, error) {
	sacctOutput, err := s.runSacctCmd(ctx, schedulerJobID)
	if err != nil {
		return models.SchedulerJob{}, fmt.Errorf("%w: sacct failed for job %s: %w", scheduler.ErrBackendUnavailable, schedulerJobID, err)
	}

	job, err := parseSacctOutput(string(sacctOutput))
	if err != nil {
		return models.SchedulerJob{}, fmt.Errorf("job %s: %w", schedulerJobID, err)
	}

	state, err := slurmJobState(job.state)
	if err != nil {
		return models.SchedulerJob{}, fmt.Errorf("job %s: %w", schedulerJobID, err)
	}

	return models.SchedulerJob{
		SchedulerJobID: schedulerJobID,
		Scheduler:      slurmScheduler,
		ClusterID:      s.cluster.ID,
		State:          state,
		ExitCode:       job.exitCode,
		StartedAt:      job.startedAt,
		StartedAtTS:    job.startedAtTS,
		EndedAt:        job.endedAt,
		EndedAtTS:      job.endedAtTS,
	}, nil
}

// CancelJob requests cancellation via scancel. SLURM reports the resulting
// state on the next sacct poll.
func (s *slurmManager) CancelJob(ctx context.Context, schedulerJobID string) error {
	if _, err := s.runScancelCmd(ctx, schedulerJobID); err != nil {
		return fmt.Errorf("%w: scancel failed for job %s: %w", scheduler.ErrBackendUnavailable, schedulerJobID, err)
	}

	return nil
}

// GetJobAccounting meters consumption from the sacct allocation fields.
func (s *slurmManager) GetJobAccounting(ctx context.Context, schedulerJobID string) (models.UsageMetrics, error) {
	sacctOutput, err := s.runSacctCmd(ctx, schedulerJobID)
	if err != nil {
		return models.UsageMetrics{}, fmt.Errorf("%w: sacct failed for job %s: %w", scheduler.ErrBackendUnavailable, schedulerJobID, err)
	}

	job, err := parseSacctOutput(string(sacctOutput))
	if err != nil {
		return models.UsageMetrics{}, fmt.Errorf("job %s: %w", schedulerJobID, err)
	}

	memGB := float64(job.memBytes) / float64(toBytes["G"])

	return models.UsageMetrics{
		WallClockSeconds: job.elapsed,
		CPUCoreSeconds:   job.nCPUs * job.elapsed,
		MemoryGBSeconds:  int64(memGB * float64(job.elapsed)),
	}, nil
}

// SetCapacity replaces the capacity envelope of the cluster.
func (s *slurmManager) SetCapacity(maxNodes int64, maxMemoryGB int64, maxGPUs int64) {
	s.capacity.SetLimits(models.CapacityLimits{
		MaxNodes:    maxNodes,
		MaxMemoryGB: maxMemoryGB,
		MaxGPUs:     maxGPUs,
	})
}
