package usage

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/combs-dev/combs/pkg/broker/base"
	"github.com/combs-dev/combs/pkg/broker/lifecycle"
	"github.com/combs-dev/combs/pkg/broker/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noOpLogger = slog.New(slog.DiscardHandler)

type fakeStore struct {
	jobs    map[string]models.Job
	shadows map[string]models.SchedulerJob
	records map[string][]models.UsageRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:    make(map[string]models.Job),
		shadows: make(map[string]models.SchedulerJob),
		records: make(map[string][]models.UsageRecord),
	}
}

func (s *fakeStore) Job(_ context.Context, uuid string) (models.Job, error) {
	job, ok := s.jobs[uuid]
	if !ok {
		return models.Job{}, errors.New("job not found")
	}

	return job, nil
}

func (s *fakeStore) SchedulerJob(_ context.Context, jobUUID string) (models.SchedulerJob, error) {
	shadow, ok := s.shadows[jobUUID]
	if !ok {
		return models.SchedulerJob{}, errors.New("scheduler job not found")
	}

	return shadow, nil
}

func (s *fakeStore) SaveSchedulerJob(_ context.Context, job models.SchedulerJob) error {
	s.shadows[job.UUID] = job

	return nil
}

func (s *fakeStore) TouchSchedulerJobPoll(_ context.Context, jobUUID string, pollRetries int64, attention int, lastPolledAt string) error {
	shadow := s.shadows[jobUUID]
	shadow.PollRetries = pollRetries
	shadow.Attention = attention
	shadow.LastPolledAt = lastPolledAt
	s.shadows[jobUUID] = shadow

	return nil
}

func (s *fakeStore) PollableSchedulerJobs(_ context.Context) ([]models.SchedulerJob, error) {
	var jobs []models.SchedulerJob

	for _, shadow := range s.shadows {
		if !shadow.State.Terminal() && shadow.SchedulerJobID != "" {
			jobs = append(jobs, shadow)
		}
	}

	return jobs, nil
}

func (s *fakeStore) UnbilledTerminalJobs(_ context.Context) ([]models.SchedulerJob, error) {
	var jobs []models.SchedulerJob

	for uuid, shadow := range s.shadows {
		if !shadow.State.Terminal() {
			continue
		}

		if hasFinal, _ := s.HasFinalUsageRecord(context.Background(), uuid); !hasFinal {
			jobs = append(jobs, shadow)
		}
	}

	return jobs, nil
}

func (s *fakeStore) SaveUsageRecord(_ context.Context, record models.UsageRecord) error {
	// Content derived IDs collapse replays, as the DB unique index does
	for _, existing := range s.records[record.JobUUID] {
		if existing.UUID == record.UUID {
			return nil
		}
	}

	s.records[record.JobUUID] = append(s.records[record.JobUUID], record)

	return nil
}

func (s *fakeStore) LatestUsageRecord(_ context.Context, jobUUID string) (models.UsageRecord, bool, error) {
	records := s.records[jobUUID]
	if len(records) == 0 {
		return models.UsageRecord{}, false, nil
	}

	return records[len(records)-1], true, nil
}

func (s *fakeStore) HasFinalUsageRecord(_ context.Context, jobUUID string) (bool, error) {
	for _, record := range s.records[jobUUID] {
		if record.IsFinal == 1 {
			return true, nil
		}
	}

	return false, nil
}

type fakeBackend struct {
	status     map[string]models.SchedulerJob
	accounting map[string]models.UsageMetrics
	statusErr  error
	acctErr    error
}

func (b *fakeBackend) GetJobStatus(_ context.Context, _ string, schedulerJobID string) (models.SchedulerJob, error) {
	if b.statusErr != nil {
		return models.SchedulerJob{}, b.statusErr
	}

	return b.status[schedulerJobID], nil
}

func (b *fakeBackend) GetJobAccounting(_ context.Context, _ string, schedulerJobID string) (models.UsageMetrics, error) {
	if b.acctErr != nil {
		return models.UsageMetrics{}, b.acctErr
	}

	return b.accounting[schedulerJobID], nil
}

// makeAccountant wires an Accountant over fakes with a real lifecycle
// tracker so observed transitions go through the genuine guard.
func makeAccountant(store *fakeStore, backend *fakeBackend) (*Accountant, *lifecycle.Tracker) {
	tracker := lifecycle.NewTracker(noOpLogger, store)

	return New(noOpLogger, store, backend, tracker), tracker
}

func seedJob(store *fakeStore, uuid string, state models.JobState, schedulerJobID string) {
	store.jobs[uuid] = models.Job{
		UUID:         uuid,
		CustomerAddr: "0xcust",
		ProviderAddr: "0xprov",
		ClusterID:    "hpc-0",
	}

	now := time.Now()
	shadow := models.SchedulerJob{
		UUID:           uuid,
		SchedulerJobID: schedulerJobID,
		Scheduler:      "slurm",
		ClusterID:      "hpc-0",
		State:          state,
		ExitCode:       models.UnknownExitCode,
		CreatedAt:      now.Format(base.DatetimeLayout),
	}

	if state == models.JobStateRunning || state.Terminal() {
		shadow.StartedAt = now.Format(base.DatetimeLayout)
		shadow.StartedAtTS = now.UnixMilli()
	}

	if state.Terminal() {
		shadow.EndedAt = now.Format(base.DatetimeLayout)
		shadow.EndedAtTS = now.UnixMilli()
		shadow.ExitCode = 0
	}

	store.shadows[uuid] = shadow
}

func TestPollAppendsRecordForRunningJob(t *testing.T) {
	store := newFakeStore()
	backend := &fakeBackend{
		status: map[string]models.SchedulerJob{
			"1234": {State: models.JobStateRunning, ExitCode: models.UnknownExitCode},
		},
		accounting: map[string]models.UsageMetrics{
			"1234": {WallClockSeconds: 1800, CPUCoreSeconds: 7200, MemoryGBSeconds: 28800},
		},
	}

	accountant, _ := makeAccountant(store, backend)
	seedJob(store, "job-1", models.JobStateQueued, "1234")

	require.NoError(t, accountant.PollOnce(t.Context()))

	shadow := store.shadows["job-1"]
	assert.Equal(t, models.JobStateRunning, shadow.State)
	assert.NotZero(t, shadow.StartedAtTS)
	assert.Zero(t, shadow.PollRetries)
	assert.NotEmpty(t, shadow.LastPolledAt)

	records := store.records["job-1"]
	require.Len(t, records, 1)
	assert.Equal(t, int64(1800), records[0].WallClockSeconds)
	assert.Equal(t, int64(7200), records[0].CPUCoreSeconds)
	assert.Equal(t, models.JobStateRunning, records[0].JobStateAtRecord)
	assert.Zero(t, records[0].IsFinal)
	assert.Equal(t, "0xprov", records[0].ProviderAddr)
	assert.Equal(t, "0xcust", records[0].CustomerAddr)
	assert.GreaterOrEqual(t, records[0].PeriodEndTS, records[0].PeriodStartTS)
}

func TestPollBridgesFastCompletion(t *testing.T) {
	store := newFakeStore()
	backend := &fakeBackend{
		status: map[string]models.SchedulerJob{
			"1234": {State: models.JobStateCompleted, ExitCode: 0},
		},
	}

	accountant, tracker := makeAccountant(store, backend)

	var events []lifecycle.Event

	tracker.Subscribe(func(event lifecycle.Event) { events = append(events, event) })

	seedJob(store, "job-1", models.JobStateQueued, "1234")

	require.NoError(t, accountant.PollOnce(t.Context()))

	shadow := store.shadows["job-1"]
	assert.Equal(t, models.JobStateCompleted, shadow.State)
	assert.Zero(t, shadow.ExitCode)
	assert.NotZero(t, shadow.EndedAtTS)

	// Completion observed on a queued job bridges through running
	require.Len(t, events, 2)
	assert.Equal(t, models.JobStateRunning, events[0].To)
	assert.Equal(t, models.JobStateCompleted, events[1].To)

	// The poll sweep leaves the final record to the finalizer
	assert.Empty(t, store.records["job-1"])
}

func TestPollFlagsAttentionAfterRepeatedFailures(t *testing.T) {
	store := newFakeStore()
	backend := &fakeBackend{statusErr: errors.New("sacct timed out")}

	accountant, _ := makeAccountant(store, backend)
	seedJob(store, "job-1", models.JobStateRunning, "1234")

	shadow := store.shadows["job-1"]
	shadow.PollRetries = maxPollRetries - 1
	store.shadows["job-1"] = shadow

	require.NoError(t, accountant.PollOnce(t.Context()))

	shadow = store.shadows["job-1"]
	assert.Equal(t, int64(maxPollRetries), shadow.PollRetries)
	assert.Equal(t, 1, shadow.Attention)
	assert.Equal(t, models.JobStateRunning, shadow.State)
	assert.Empty(t, store.records["job-1"])
}

func TestPollIgnoresUnreachableReportedState(t *testing.T) {
	store := newFakeStore()
	backend := &fakeBackend{
		status: map[string]models.SchedulerJob{
			// A backend must not drag a running job back to queued
			"1234": {State: models.JobStateQueued, ExitCode: models.UnknownExitCode},
		},
		accounting: map[string]models.UsageMetrics{
			"1234": {WallClockSeconds: 60, CPUCoreSeconds: 240, MemoryGBSeconds: 960},
		},
	}

	accountant, _ := makeAccountant(store, backend)
	seedJob(store, "job-1", models.JobStateRunning, "1234")

	require.NoError(t, accountant.PollOnce(t.Context()))

	shadow := store.shadows["job-1"]
	assert.Equal(t, models.JobStateRunning, shadow.State)

	records := store.records["job-1"]
	require.Len(t, records, 1)
	assert.Equal(t, models.JobStateRunning, records[0].JobStateAtRecord)
}

func TestFinalizeJobWritesSingleFinalRecord(t *testing.T) {
	store := newFakeStore()
	backend := &fakeBackend{
		accounting: map[string]models.UsageMetrics{
			"1234": {WallClockSeconds: 3600, CPUCoreSeconds: 28800, MemoryGBSeconds: 57600},
		},
	}

	accountant, _ := makeAccountant(store, backend)
	seedJob(store, "job-1", models.JobStateCompleted, "1234")

	require.NoError(t, accountant.FinalizeJob(t.Context(), "job-1"))
	require.NoError(t, accountant.FinalizeJob(t.Context(), "job-1"))

	records := store.records["job-1"]
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].IsFinal)
	assert.Equal(t, int64(3600), records[0].WallClockSeconds)
	assert.Equal(t, int64(28800), records[0].CPUCoreSeconds)
	assert.Equal(t, int64(57600), records[0].MemoryGBSeconds)
	assert.Equal(t, models.JobStateCompleted, records[0].JobStateAtRecord)
	assert.Equal(t, store.shadows["job-1"].EndedAt, records[0].PeriodEnd)
}

func TestFinalizeJobFallsBackToLastObservedUsage(t *testing.T) {
	store := newFakeStore()
	backend := &fakeBackend{acctErr: errors.New("sacct unavailable")}

	accountant, _ := makeAccountant(store, backend)
	seedJob(store, "job-1", models.JobStateFailed, "1234")

	shadow := store.shadows["job-1"]
	store.records["job-1"] = []models.UsageRecord{{
		UUID:             "rec-1",
		JobUUID:          "job-1",
		WallClockSeconds: 1800,
		CPUCoreSeconds:   7200,
		MemoryGBSeconds:  28800,
		PeriodEnd:        shadow.StartedAt,
		PeriodEndTS:      shadow.StartedAtTS,
	}}

	require.NoError(t, accountant.FinalizeJob(t.Context(), "job-1"))

	records := store.records["job-1"]
	require.Len(t, records, 2)

	final := records[1]
	assert.Equal(t, 1, final.IsFinal)
	assert.Equal(t, int64(1800), final.WallClockSeconds)
	assert.Equal(t, models.JobStateFailed, final.JobStateAtRecord)
}

func TestFinalizeJobBillsZeroForNeverStartedJob(t *testing.T) {
	store := newFakeStore()
	backend := &fakeBackend{}

	accountant, _ := makeAccountant(store, backend)

	// Routing failure, the job never reached a backend
	seedJob(store, "job-1", models.JobStateFailed, "")

	shadow := store.shadows["job-1"]
	shadow.StartedAt = ""
	shadow.StartedAtTS = 0
	store.shadows["job-1"] = shadow

	require.NoError(t, accountant.FinalizeJob(t.Context(), "job-1"))

	records := store.records["job-1"]
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].IsFinal)
	assert.Zero(t, records[0].WallClockSeconds)
	assert.Equal(t, records[0].PeriodStartTS, records[0].PeriodEndTS)
}

func TestFinalizeJobRefusesLiveJob(t *testing.T) {
	store := newFakeStore()
	accountant, _ := makeAccountant(store, &fakeBackend{})

	seedJob(store, "job-1", models.JobStateRunning, "1234")

	require.Error(t, accountant.FinalizeJob(t.Context(), "job-1"))
	assert.Empty(t, store.records["job-1"])
}

func TestFinalizeSweep(t *testing.T) {
	store := newFakeStore()
	backend := &fakeBackend{
		accounting: map[string]models.UsageMetrics{
			"1234": {WallClockSeconds: 600},
			"1235": {WallClockSeconds: 1200},
			"1236": {WallClockSeconds: 2400},
		},
	}

	accountant, _ := makeAccountant(store, backend)

	seedJob(store, "job-1", models.JobStateCompleted, "1234")
	seedJob(store, "job-2", models.JobStateTimeout, "1235")
	seedJob(store, "job-3", models.JobStateCompleted, "1236")

	// job-3 is already billed, the sweep must leave it alone
	require.NoError(t, accountant.FinalizeJob(t.Context(), "job-3"))

	require.NoError(t, accountant.FinalizeSweep(t.Context()))

	for _, uuid := range []string{"job-1", "job-2", "job-3"} {
		hasFinal, err := store.HasFinalUsageRecord(t.Context(), uuid)
		require.NoError(t, err)
		assert.True(t, hasFinal, "job %s not billed", uuid)
		assert.Len(t, store.records[uuid], 1)
	}
}
