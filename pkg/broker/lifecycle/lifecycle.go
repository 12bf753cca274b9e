// Package lifecycle owns the canonical state of brokered jobs and enforces
// the permitted transitions between states. All state mutations go through
// the Tracker; scheduler backends only ever propose transitions.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/combs-dev/combs/internal/common"
	"github.com/combs-dev/combs/pkg/broker/base"
	"github.com/combs-dev/combs/pkg/broker/models"
)

// ErrInvalidTransition is returned when a proposed transition is not in the
// transition table. The stored state is left unchanged and repeated attempts
// keep failing the same way.
var ErrInvalidTransition = errors.New("invalid state transition")

// transitionTable lists the permitted next states per current state.
// Terminal states have no entries.
var transitionTable = map[models.JobState][]models.JobState{
	models.JobStatePending: {
		models.JobStateQueued, models.JobStateFailed, models.JobStateCancelled,
	},
	models.JobStateQueued: {
		models.JobStateStarting, models.JobStateRunning, models.JobStateFailed, models.JobStateCancelled,
	},
	models.JobStateStarting: {
		models.JobStateRunning, models.JobStateFailed, models.JobStateCancelled,
	},
	models.JobStateRunning: {
		models.JobStateCompleted, models.JobStateFailed, models.JobStateCancelled,
		models.JobStateSuspended, models.JobStateTimeout,
	},
	models.JobStateSuspended: {
		models.JobStateRunning, models.JobStateCancelled, models.JobStateFailed,
	},
}

// CanTransition reports whether a job in state from may move to state to.
// It is a pure guard consulted before every mutation.
func CanTransition(from models.JobState, to models.JobState) bool {
	return slices.Contains(transitionTable[from], to)
}

// Event describes one durably recorded transition. Events for a given job are
// delivered to subscribers in the order the transitions were applied.
type Event struct {
	JobUUID   string
	ClusterID string
	From      models.JobState
	To        models.JobState
	ExitCode  int64
	At        time.Time
}

// Recorder persists scheduler job state. Implemented by the DB store.
type Recorder interface {
	SchedulerJob(ctx context.Context, jobUUID string) (models.SchedulerJob, error)
	SaveSchedulerJob(ctx context.Context, job models.SchedulerJob) error
}

const numLockStripes = 256

// Tracker applies job state transitions. The guard check, the durable write
// and the event emission happen inside a single critical section keyed by the
// job UUID, so no two transitions for the same job can interleave.
type Tracker struct {
	logger   *slog.Logger
	recorder Recorder
	locks    *common.KeyedMutex

	mu       sync.RWMutex
	handlers []func(Event)
}

// NewTracker creates a new Tracker on top of a Recorder.
func NewTracker(logger *slog.Logger, recorder Recorder) *Tracker {
	return &Tracker{
		logger:   logger,
		recorder: recorder,
		locks:    common.NewKeyedMutex(numLockStripes),
	}
}

// Subscribe registers a handler that is invoked synchronously after every
// recorded transition. Register handlers before transitions start flowing.
func (t *Tracker) Subscribe(handler func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.handlers = append(t.handlers, handler)
}

// Transition proposes moving a job to a new state. Pass exitCode as reported
// by the backend or models.UnknownExitCode when none is available. On success the
// new state has been durably recorded and all subscribers notified.
func (t *Tracker) Transition(ctx context.Context, jobUUID string, to models.JobState, exitCode int64) (Event, error) {
	stripe := t.locks.Lock(jobUUID)
	defer stripe.Unlock()

	job, err := t.recorder.SchedulerJob(ctx, jobUUID)
	if err != nil {
		return Event{}, fmt.Errorf("failed to fetch job %s: %w", jobUUID, err)
	}

	if !to.Known() {
		return Event{}, fmt.Errorf("%w: unknown state %s for job %s", ErrInvalidTransition, to, jobUUID)
	}

	if !CanTransition(job.State, to) {
		return Event{}, fmt.Errorf("%w: %s -> %s for job %s", ErrInvalidTransition, job.State, to, jobUUID)
	}

	// An exit code is what makes Completed meaningful. A backend reporting
	// exit 0 together with a failed status must still go through Failed.
	if to == models.JobStateCompleted && exitCode == models.UnknownExitCode {
		return Event{}, fmt.Errorf("%w: completed state requires an exit code for job %s", ErrInvalidTransition, jobUUID)
	}

	now := time.Now()
	from := job.State
	job.State = to

	if to == models.JobStateRunning && job.StartedAtTS == 0 {
		job.StartedAt = now.Format(base.DatetimeLayout)
		job.StartedAtTS = now.UnixMilli()
	}

	if to.Terminal() {
		job.EndedAt = now.Format(base.DatetimeLayout)
		job.EndedAtTS = now.UnixMilli()
		job.ExitCode = exitCode
	}

	if err := t.recorder.SaveSchedulerJob(ctx, job); err != nil {
		return Event{}, fmt.Errorf("failed to record transition %s -> %s for job %s: %w", from, to, jobUUID, err)
	}

	event := Event{
		JobUUID:   jobUUID,
		ClusterID: job.ClusterID,
		From:      from,
		To:        to,
		ExitCode:  job.ExitCode,
		At:        now,
	}

	t.logger.Debug("Job state transition", "job", jobUUID, "from", from, "to", to)

	t.mu.RLock()
	handlers := t.handlers
	t.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}

	return event, nil
}
