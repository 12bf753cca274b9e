package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/combs-dev/combs/pkg/broker/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noOpLogger = slog.New(slog.DiscardHandler)

// fakeBackend implements Scheduler for manager tests.
type fakeBackend struct {
	cluster   models.Cluster
	capacity  *Capacity
	cancelled []string
}

func init() {
	Register("fake", func(cluster models.Cluster, capacity *Capacity, _ *slog.Logger) (Scheduler, error) {
		return &fakeBackend{cluster: cluster, capacity: capacity}, nil
	})
}

func (f *fakeBackend) SubmitJob(_ context.Context, job *models.Job) (models.SchedulerJob, error) {
	if !f.capacity.Fits(JobFootprint(job)) {
		return models.SchedulerJob{}, fmt.Errorf("%w: job %s", ErrCapacityExceeded, job.UUID)
	}

	return models.SchedulerJob{
		UUID:           job.UUID,
		SchedulerJobID: "fake-1",
		Scheduler:      "fake",
		ClusterID:      f.cluster.ID,
		State:          models.JobStateQueued,
		ExitCode:       models.UnknownExitCode,
	}, nil
}

func (f *fakeBackend) GetJobStatus(_ context.Context, schedulerJobID string) (models.SchedulerJob, error) {
	return models.SchedulerJob{SchedulerJobID: schedulerJobID, State: models.JobStateRunning}, nil
}

func (f *fakeBackend) CancelJob(_ context.Context, schedulerJobID string) error {
	f.cancelled = append(f.cancelled, schedulerJobID)

	return nil
}

func (f *fakeBackend) GetJobAccounting(_ context.Context, _ string) (models.UsageMetrics, error) {
	return models.UsageMetrics{WallClockSeconds: 60}, nil
}

func (f *fakeBackend) SetCapacity(maxNodes int64, maxMemoryGB int64, maxGPUs int64) {
	f.capacity.SetLimits(models.CapacityLimits{MaxNodes: maxNodes, MaxMemoryGB: maxMemoryGB, MaxGPUs: maxGPUs})
}

func testClusters() []models.Cluster {
	return []models.Cluster{
		{
			ID:        "hpc-0",
			Scheduler: "fake",
			Active:    true,
			Capacity:  models.CapacityLimits{MaxNodes: 4, MaxMemoryGB: 256},
		},
		{
			ID:        "hpc-1",
			Scheduler: "fake",
			Active:    true,
		},
	}
}

func TestNewManagerPreflight(t *testing.T) {
	tests := []struct {
		name     string
		clusters []models.Cluster
	}{
		{
			name: "duplicate IDs",
			clusters: []models.Cluster{
				{ID: "hpc-0", Scheduler: "fake", Active: true},
				{ID: "hpc-0", Scheduler: "fake", Active: true},
			},
		},
		{
			name: "invalid ID",
			clusters: []models.Cluster{
				{ID: "hpc 0!", Scheduler: "fake", Active: true},
			},
		},
		{
			name: "empty ID",
			clusters: []models.Cluster{
				{Scheduler: "fake", Active: true},
			},
		},
		{
			name: "unknown scheduler",
			clusters: []models.Cluster{
				{ID: "hpc-0", Scheduler: "pbs", Active: true},
			},
		},
		{
			name:     "no clusters",
			clusters: nil,
		},
		{
			name: "all inactive",
			clusters: []models.Cluster{
				{ID: "hpc-0", Scheduler: "fake", Active: false},
			},
		},
	}

	for _, test := range tests {
		_, err := NewManager(noOpLogger, test.clusters)
		assert.Error(t, err, test.name)
	}
}

func TestManagerDelegation(t *testing.T) {
	manager, err := NewManager(noOpLogger, testClusters())
	require.NoError(t, err)
	assert.Equal(t, []string{"hpc-0", "hpc-1"}, manager.ClusterIDs())

	job := &models.Job{
		UUID: "job-0", ClusterID: "hpc-0", CustomerAddr: "0xcustomer",
		CPUCores: 4, MemoryGB: 16, Nodes: 1, WallTimeLimit: 3600,
	}

	schedJob, err := manager.SubmitJob(t.Context(), job)
	require.NoError(t, err)
	assert.Equal(t, "hpc-0", schedJob.ClusterID)
	assert.Equal(t, models.JobStateQueued, schedJob.State)

	status, err := manager.GetJobStatus(t.Context(), "hpc-0", schedJob.SchedulerJobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateRunning, status.State)

	metrics, err := manager.GetJobAccounting(t.Context(), "hpc-0", schedJob.SchedulerJobID)
	require.NoError(t, err)
	assert.Equal(t, int64(60), metrics.WallClockSeconds)

	require.NoError(t, manager.CancelJob(t.Context(), "hpc-0", schedJob.SchedulerJobID))
}

func TestManagerUnknownCluster(t *testing.T) {
	manager, err := NewManager(noOpLogger, testClusters())
	require.NoError(t, err)

	job := &models.Job{UUID: "job-0", ClusterID: "nowhere"}

	_, err = manager.SubmitJob(t.Context(), job)
	require.ErrorIs(t, err, ErrUnknownCluster)

	_, err = manager.GetJobStatus(t.Context(), "nowhere", "1")
	require.ErrorIs(t, err, ErrUnknownCluster)

	_, err = manager.GetJobAccounting(t.Context(), "nowhere", "1")
	require.ErrorIs(t, err, ErrUnknownCluster)

	require.ErrorIs(t, manager.CancelJob(t.Context(), "nowhere", "1"), ErrUnknownCluster)
	require.ErrorIs(t, manager.SetCapacity("nowhere", 1, 1, 1), ErrUnknownCluster)
}

func TestManagerCapacityFlow(t *testing.T) {
	manager, err := NewManager(noOpLogger, testClusters())
	require.NoError(t, err)

	capacity, ok := manager.Capacity("hpc-0")
	require.True(t, ok)

	job := &models.Job{UUID: "job-0", ClusterID: "hpc-0", CPUCores: 4, MemoryGB: 16, Nodes: 2}

	// Routing reserves, terminal release returns the footprint
	require.True(t, capacity.TryReserve(JobFootprint(job)))
	assert.Equal(t, int64(2), capacity.Used().Nodes)

	manager.ReleaseJob("hpc-0", job)
	assert.Equal(t, int64(0), capacity.Used().Nodes)

	// SetCapacity reaches the shared ledger through the backend
	require.NoError(t, manager.SetCapacity("hpc-0", 16, 1024, 0))
	assert.Equal(t, int64(16), capacity.Limits().MaxNodes)
}
