package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/combs-dev/combs/pkg/broker/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noOpLogger = slog.New(slog.DiscardHandler)

// fakeRecorder keeps scheduler jobs in a map.
type fakeRecorder struct {
	mu   sync.Mutex
	jobs map[string]models.SchedulerJob
}

func newFakeRecorder(jobs ...models.SchedulerJob) *fakeRecorder {
	r := &fakeRecorder{jobs: make(map[string]models.SchedulerJob)}
	for _, job := range jobs {
		r.jobs[job.UUID] = job
	}

	return r
}

func (r *fakeRecorder) SchedulerJob(_ context.Context, jobUUID string) (models.SchedulerJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[jobUUID]
	if !ok {
		return models.SchedulerJob{}, fmt.Errorf("job %s not found", jobUUID)
	}

	return job, nil
}

func (r *fakeRecorder) SaveSchedulerJob(_ context.Context, job models.SchedulerJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs[job.UUID] = job

	return nil
}

func TestCanTransition(t *testing.T) {
	allowed := []struct {
		from models.JobState
		to   models.JobState
	}{
		{models.JobStatePending, models.JobStateQueued},
		{models.JobStatePending, models.JobStateFailed},
		{models.JobStatePending, models.JobStateCancelled},
		{models.JobStateQueued, models.JobStateStarting},
		{models.JobStateQueued, models.JobStateRunning},
		{models.JobStateStarting, models.JobStateRunning},
		{models.JobStateRunning, models.JobStateCompleted},
		{models.JobStateRunning, models.JobStateSuspended},
		{models.JobStateRunning, models.JobStateTimeout},
		{models.JobStateSuspended, models.JobStateRunning},
		{models.JobStateSuspended, models.JobStateCancelled},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct {
		from models.JobState
		to   models.JobState
	}{
		{models.JobStatePending, models.JobStateRunning},
		{models.JobStatePending, models.JobStateSuspended},
		{models.JobStateQueued, models.JobStateCompleted},
		{models.JobStateRunning, models.JobStateQueued},
		{models.JobStateSuspended, models.JobStateCompleted},
		{models.JobStateRunning, models.JobStateRunning},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	// No transition ever leaves a terminal state
	for _, from := range []models.JobState{
		models.JobStateCompleted, models.JobStateFailed, models.JobStateCancelled, models.JobStateTimeout,
	} {
		for _, to := range models.JobStates {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTrackerWalk(t *testing.T) {
	recorder := newFakeRecorder(models.SchedulerJob{
		UUID: "job-0", ClusterID: "hpc-0", State: models.JobStatePending, ExitCode: models.UnknownExitCode,
	})
	tracker := NewTracker(noOpLogger, recorder)

	var events []Event

	tracker.Subscribe(func(ev Event) { events = append(events, ev) })

	for _, state := range []models.JobState{
		models.JobStateQueued, models.JobStateStarting, models.JobStateRunning,
	} {
		_, err := tracker.Transition(t.Context(), "job-0", state, models.UnknownExitCode)
		require.NoError(t, err)
	}

	job, err := recorder.SchedulerJob(t.Context(), "job-0")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRunning, job.State)
	assert.NotZero(t, job.StartedAtTS)
	assert.Zero(t, job.EndedAtTS)

	ev, err := tracker.Transition(t.Context(), "job-0", models.JobStateCompleted, 0)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRunning, ev.From)
	assert.Equal(t, models.JobStateCompleted, ev.To)
	assert.Equal(t, int64(0), ev.ExitCode)

	job, err = recorder.SchedulerJob(t.Context(), "job-0")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateCompleted, job.State)
	assert.NotZero(t, job.EndedAtTS)
	assert.Equal(t, int64(0), job.ExitCode)

	// Events must arrive in transition order
	require.Len(t, events, 4)

	expectedStates := []models.JobState{
		models.JobStateQueued, models.JobStateStarting, models.JobStateRunning, models.JobStateCompleted,
	}
	for i, ev := range events {
		assert.Equal(t, expectedStates[i], ev.To)
	}
}

func TestTrackerRejectsInvalid(t *testing.T) {
	recorder := newFakeRecorder(models.SchedulerJob{
		UUID: "job-0", State: models.JobStateRunning, ExitCode: models.UnknownExitCode,
	})
	tracker := NewTracker(noOpLogger, recorder)

	// Not in the transition table
	_, err := tracker.Transition(t.Context(), "job-0", models.JobStateQueued, models.UnknownExitCode)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// Unknown target state
	_, err = tracker.Transition(t.Context(), "job-0", models.JobState("exploded"), models.UnknownExitCode)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// Completed without exit code
	_, err = tracker.Transition(t.Context(), "job-0", models.JobStateCompleted, models.UnknownExitCode)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// State must be left unchanged after rejections
	job, err := recorder.SchedulerJob(t.Context(), "job-0")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRunning, job.State)

	// No transition out of a terminal state, even repeated
	_, err = tracker.Transition(t.Context(), "job-0", models.JobStateFailed, 1)
	require.NoError(t, err)

	for range 3 {
		_, err = tracker.Transition(t.Context(), "job-0", models.JobStateRunning, models.UnknownExitCode)
		require.ErrorIs(t, err, ErrInvalidTransition)
	}

	job, err = recorder.SchedulerJob(t.Context(), "job-0")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, job.State)
}

func TestTrackerExitZeroWithFailedStatus(t *testing.T) {
	recorder := newFakeRecorder(models.SchedulerJob{
		UUID: "job-0", State: models.JobStateRunning, ExitCode: models.UnknownExitCode,
	})
	tracker := NewTracker(noOpLogger, recorder)

	// Exit code 0 does not imply success. The reported state decides.
	ev, err := tracker.Transition(t.Context(), "job-0", models.JobStateFailed, 0)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, ev.To)
	assert.Equal(t, int64(0), ev.ExitCode)
}

func TestTrackerSerializesPerJob(t *testing.T) {
	recorder := newFakeRecorder(models.SchedulerJob{
		UUID: "job-0", State: models.JobStateQueued, ExitCode: models.UnknownExitCode,
	})
	tracker := NewTracker(noOpLogger, recorder)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)

	// Concurrent identical proposals must be serialized so that exactly one
	// of them is applied.
	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if _, err := tracker.Transition(t.Context(), "job-0", models.JobStateRunning, models.UnknownExitCode); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, succeeded)

	job, err := recorder.SchedulerJob(t.Context(), "job-0")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRunning, job.State)
}
