// Package usage meters the consumption of brokered jobs. A periodic poll
// sweep appends non final usage records for live jobs and proposes state
// transitions observed on the backends; terminal jobs are closed with exactly
// one final record once their terminal state is durably recorded.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/combs-dev/combs/internal/common"
	"github.com/combs-dev/combs/pkg/broker/base"
	"github.com/combs-dev/combs/pkg/broker/lifecycle"
	"github.com/combs-dev/combs/pkg/broker/models"
)

// Consecutive failed polls after which a job is flagged for operator
// attention. The sweep keeps retrying regardless, backends can recover.
const maxPollRetries = 5

// Store is the persistence the accountant needs. Implemented by the DB store.
type Store interface {
	Job(ctx context.Context, uuid string) (models.Job, error)
	SchedulerJob(ctx context.Context, jobUUID string) (models.SchedulerJob, error)
	TouchSchedulerJobPoll(ctx context.Context, jobUUID string, pollRetries int64, attention int, lastPolledAt string) error
	PollableSchedulerJobs(ctx context.Context) ([]models.SchedulerJob, error)
	UnbilledTerminalJobs(ctx context.Context) ([]models.SchedulerJob, error)
	SaveUsageRecord(ctx context.Context, record models.UsageRecord) error
	LatestUsageRecord(ctx context.Context, jobUUID string) (models.UsageRecord, bool, error)
	HasFinalUsageRecord(ctx context.Context, jobUUID string) (bool, error)
}

// Backend reads job status and accounting from scheduler backends.
// Implemented by the scheduler manager.
type Backend interface {
	GetJobStatus(ctx context.Context, clusterID string, schedulerJobID string) (models.SchedulerJob, error)
	GetJobAccounting(ctx context.Context, clusterID string, schedulerJobID string) (models.UsageMetrics, error)
}

// Transitioner proposes job state transitions. Implemented by the lifecycle
// tracker, which owns all state mutations.
type Transitioner interface {
	Transition(ctx context.Context, jobUUID string, to models.JobState, exitCode int64) (lifecycle.Event, error)
}

// Accountant polls backends for job progress and maintains usage records.
type Accountant struct {
	logger  *slog.Logger
	store   Store
	backend Backend
	tracker Transitioner
}

// New creates an Accountant.
func New(logger *slog.Logger, store Store, backend Backend, tracker Transitioner) *Accountant {
	return &Accountant{
		logger:  logger,
		store:   store,
		backend: backend,
		tracker: tracker,
	}
}

// PollOnce sweeps all pollable jobs, meaning non terminal jobs a backend has
// accepted. Per job failures are logged and the sweep continues.
func (a *Accountant) PollOnce(ctx context.Context) error {
	jobs, err := a.store.PollableSchedulerJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch pollable jobs: %w", err)
	}

	var failed int

	for _, shadow := range jobs {
		if err := a.pollJob(ctx, shadow); err != nil {
			failed++

			a.logger.Error("Failed to poll job", "job", shadow.UUID, "cluster", shadow.ClusterID, "err", err)
		}
	}

	a.logger.Debug("Poll sweep finished", "jobs", len(jobs), "failed", failed)

	return nil
}

// PollJob polls a single job by UUID. Jobs that are already terminal or that
// no backend has accepted yet are skipped.
func (a *Accountant) PollJob(ctx context.Context, jobUUID string) error {
	shadow, err := a.store.SchedulerJob(ctx, jobUUID)
	if err != nil {
		return err
	}

	if shadow.State.Terminal() || shadow.SchedulerJobID == "" {
		return nil
	}

	return a.pollJob(ctx, shadow)
}

// pollJob fetches the backend status of one job, applies the observed state
// through the tracker and appends a usage record for live jobs.
func (a *Accountant) pollJob(ctx context.Context, shadow models.SchedulerJob) error {
	reported, err := a.backend.GetJobStatus(ctx, shadow.ClusterID, shadow.SchedulerJobID)
	if err != nil {
		retries := shadow.PollRetries + 1

		attention := shadow.Attention
		if retries >= maxPollRetries && attention == 0 {
			attention = 1

			a.logger.Warn("Job flagged for attention after repeated poll failures", "job", shadow.UUID, "retries", retries)
		}

		if touchErr := a.store.TouchSchedulerJobPoll(ctx, shadow.UUID, retries, attention, shadow.LastPolledAt); touchErr != nil {
			return touchErr
		}

		return err
	}

	if err := a.store.TouchSchedulerJobPoll(ctx, shadow.UUID, 0, 0, time.Now().Format(base.DatetimeLayout)); err != nil {
		return err
	}

	state, err := a.applyReportedState(ctx, shadow, reported)
	if err != nil {
		return err
	}

	// Terminal jobs are closed by the finalizer with the last observed
	// metrics; the poll sweep only meters live jobs.
	if state != models.JobStateRunning && state != models.JobStateSuspended {
		return nil
	}

	metrics, err := a.backend.GetJobAccounting(ctx, shadow.ClusterID, shadow.SchedulerJobID)
	if err != nil {
		return fmt.Errorf("failed to fetch accounting for job %s: %w", shadow.UUID, err)
	}

	// The period end is taken after the state application so that a start
	// time stamped by the transition cannot postdate it
	now := time.Now()

	return a.appendRecord(ctx, shadow.UUID, state, metrics, 0, now.Format(base.DatetimeLayout), now.UnixMilli())
}

// applyReportedState drives the tracked state towards what the backend
// reports and returns the resulting state. A terminal state observed on a
// queued job is bridged through running, backends move faster than polls.
func (a *Accountant) applyReportedState(ctx context.Context, shadow models.SchedulerJob, reported models.SchedulerJob) (models.JobState, error) {
	current := shadow.State
	target := reported.State

	if target == current || !target.Known() {
		return current, nil
	}

	if !lifecycle.CanTransition(current, target) && lifecycle.CanTransition(current, models.JobStateRunning) {
		event, err := a.tracker.Transition(ctx, shadow.UUID, models.JobStateRunning, models.UnknownExitCode)
		if err != nil {
			return current, err
		}

		current = event.To
	}

	if !lifecycle.CanTransition(current, target) {
		a.logger.Warn("Backend reported unreachable state", "job", shadow.UUID, "state", current, "reported", target)

		return current, nil
	}

	event, err := a.tracker.Transition(ctx, shadow.UUID, target, reported.ExitCode)
	if err != nil {
		return current, err
	}

	return event.To, nil
}

// FinalizeJob writes the single final usage record of a terminal job. Safe to
// call repeatedly, an already closed job is a no-op. Callers must only invoke
// it after the terminal transition has been recorded.
func (a *Accountant) FinalizeJob(ctx context.Context, jobUUID string) error {
	hasFinal, err := a.store.HasFinalUsageRecord(ctx, jobUUID)
	if err != nil {
		return err
	}

	if hasFinal {
		return nil
	}

	shadow, err := a.store.SchedulerJob(ctx, jobUUID)
	if err != nil {
		return err
	}

	if !shadow.State.Terminal() {
		return fmt.Errorf("job %s is not terminal, refusing to close billing", jobUUID)
	}

	metrics := a.finalMetrics(ctx, shadow)

	uuid, err := common.GetUUIDFromString([]string{jobUUID, "final"})
	if err != nil {
		return fmt.Errorf("failed to generate final record ID for job %s: %w", jobUUID, err)
	}

	record, err := a.buildRecord(ctx, uuid, jobUUID, shadow.State, metrics, 1, shadow.EndedAt, shadow.EndedAtTS)
	if err != nil {
		return err
	}

	if err := a.store.SaveUsageRecord(ctx, record); err != nil {
		return err
	}

	a.logger.Info(
		"Billing closed for job", "job", jobUUID, "state", shadow.State,
		"wallclock_seconds", metrics.WallClockSeconds,
	)

	return nil
}

// FinalizeSweep closes billing for terminal jobs that have no final record
// yet. Covers jobs whose terminal event was observed before a restart.
func (a *Accountant) FinalizeSweep(ctx context.Context) error {
	jobs, err := a.store.UnbilledTerminalJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch unbilled jobs: %w", err)
	}

	for _, shadow := range jobs {
		if err := a.FinalizeJob(ctx, shadow.UUID); err != nil {
			a.logger.Error("Failed to finalize job", "job", shadow.UUID, "err", err)
		}
	}

	return nil
}

// finalMetrics returns the consumption to bill a terminal job for. A fresh
// backend read wins when available, otherwise the last observed record
// counts. Partial usage is a first class outcome, a job that never ran bills
// zero.
func (a *Accountant) finalMetrics(ctx context.Context, shadow models.SchedulerJob) models.UsageMetrics {
	if shadow.SchedulerJobID != "" {
		metrics, err := a.backend.GetJobAccounting(ctx, shadow.ClusterID, shadow.SchedulerJobID)
		if err == nil {
			return metrics
		}

		a.logger.Warn("Final accounting fetch failed, billing last observed usage", "job", shadow.UUID, "err", err)
	}

	latest, found, err := a.store.LatestUsageRecord(ctx, shadow.UUID)
	if err != nil || !found {
		return models.UsageMetrics{}
	}

	return latest.Metrics()
}

// appendRecord appends a poll record with a content derived ID.
func (a *Accountant) appendRecord(
	ctx context.Context, jobUUID string, state models.JobState, metrics models.UsageMetrics,
	isFinal int, periodEnd string, periodEndTS int64,
) error {
	uuid, err := common.GetUUIDFromString([]string{jobUUID, strconv.FormatInt(periodEndTS, 10)})
	if err != nil {
		return fmt.Errorf("failed to generate record ID for job %s: %w", jobUUID, err)
	}

	record, err := a.buildRecord(ctx, uuid, jobUUID, state, metrics, isFinal, periodEnd, periodEndTS)
	if err != nil {
		return err
	}

	return a.store.SaveUsageRecord(ctx, record)
}

// buildRecord assembles a usage record whose period starts where the previous
// record ended. Periods are non overlapping and monotonically increasing by
// construction.
func (a *Accountant) buildRecord(
	ctx context.Context, uuid string, jobUUID string, state models.JobState,
	metrics models.UsageMetrics, isFinal int, periodEnd string, periodEndTS int64,
) (models.UsageRecord, error) {
	job, err := a.store.Job(ctx, jobUUID)
	if err != nil {
		return models.UsageRecord{}, err
	}

	shadow, err := a.store.SchedulerJob(ctx, jobUUID)
	if err != nil {
		return models.UsageRecord{}, err
	}

	periodStart := shadow.StartedAt
	periodStartTS := shadow.StartedAtTS

	if latest, found, err := a.store.LatestUsageRecord(ctx, jobUUID); err == nil && found {
		periodStart = latest.PeriodEnd
		periodStartTS = latest.PeriodEndTS
	}

	// A job that never started meters a zero length period
	if periodStartTS == 0 {
		periodStart = periodEnd
		periodStartTS = periodEndTS
	}

	if periodStartTS > periodEndTS {
		return models.UsageRecord{}, fmt.Errorf("usage period for job %s would move backwards", jobUUID)
	}

	now := time.Now()

	return models.UsageRecord{
		UUID:             uuid,
		JobUUID:          jobUUID,
		ClusterID:        shadow.ClusterID,
		ProviderAddr:     job.ProviderAddr,
		CustomerAddr:     job.CustomerAddr,
		PeriodStart:      periodStart,
		PeriodStartTS:    periodStartTS,
		PeriodEnd:        periodEnd,
		PeriodEndTS:      periodEndTS,
		WallClockSeconds: metrics.WallClockSeconds,
		CPUCoreSeconds:   metrics.CPUCoreSeconds,
		MemoryGBSeconds:  metrics.MemoryGBSeconds,
		IsFinal:          isFinal,
		JobStateAtRecord: state,
		CreatedAt:        now.Format(base.DatetimeLayout),
	}, nil
}
