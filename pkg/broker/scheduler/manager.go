package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/combs-dev/combs/pkg/broker/base"
	"github.com/combs-dev/combs/pkg/broker/models"
)

// Manager multiplexes scheduler operations over the backends of all
// configured clusters. One backend instance exists per active cluster,
// selected by the cluster's scheduler name at startup.
type Manager struct {
	logger     *slog.Logger
	backends   map[string]Scheduler
	capacities map[string]*Capacity
}

// NewManager instantiates a backend for every active cluster in the config.
func NewManager(logger *slog.Logger, clusters []models.Cluster) (*Manager, error) {
	registered := make([]string, 0, len(factories))
	for scheduler := range factories {
		registered = append(registered, scheduler)
	}

	slices.Sort(registered)

	if err := checkClusterConfig(registered, clusters); err != nil {
		logger.Error("Invalid clusters config", "err", err)

		return nil, err
	}

	manager := &Manager{
		logger:     logger,
		backends:   make(map[string]Scheduler),
		capacities: make(map[string]*Capacity),
	}

	for _, cluster := range clusters {
		if !cluster.Active {
			logger.Warn("Skipping inactive cluster", "id", cluster.ID)

			continue
		}

		capacity := NewCapacity(cluster.Capacity)

		backend, err := factories[cluster.Scheduler](cluster, capacity, logger.With("scheduler", cluster.Scheduler))
		if err != nil {
			logger.Error("Failed to setup scheduler backend", "scheduler", cluster.Scheduler, "id", cluster.ID, "err", err)

			return nil, err
		}

		manager.backends[cluster.ID] = backend
		manager.capacities[cluster.ID] = capacity
	}

	if len(manager.backends) == 0 {
		return nil, fmt.Errorf(
			"no active clusters in config. available schedulers: %s", strings.Join(registered, ","),
		)
	}

	return manager, nil
}

// checkClusterConfig verifies the clusters config before any backend is made.
func checkClusterConfig(registered []string, clusters []models.Cluster) error {
	var ids []string

	for _, cluster := range clusters {
		if cluster.ID == "" {
			return fmt.Errorf("cluster with empty ID found in clusters config")
		}

		if base.InvalidIDRegex.MatchString(cluster.ID) {
			return fmt.Errorf(
				"invalid ID %s found in clusters config. It must contain only [a-zA-Z0-9-_]", cluster.ID,
			)
		}

		if slices.Contains(ids, cluster.ID) {
			return fmt.Errorf("duplicate ID %s found in clusters config", cluster.ID)
		}

		if !slices.Contains(registered, cluster.Scheduler) {
			return fmt.Errorf("unknown scheduler found in the config: %s", cluster.Scheduler)
		}

		ids = append(ids, cluster.ID)
	}

	return nil
}

// SubmitJob submits a routed job to the backend of its selected cluster.
func (m *Manager) SubmitJob(ctx context.Context, job *models.Job) (models.SchedulerJob, error) {
	backend, ok := m.backends[job.ClusterID]
	if !ok {
		return models.SchedulerJob{}, fmt.Errorf("%w: %s", ErrUnknownCluster, job.ClusterID)
	}

	return backend.SubmitJob(ctx, job)
}

// GetJobStatus returns the backend view of a job.
func (m *Manager) GetJobStatus(ctx context.Context, clusterID string, schedulerJobID string) (models.SchedulerJob, error) {
	backend, ok := m.backends[clusterID]
	if !ok {
		return models.SchedulerJob{}, fmt.Errorf("%w: %s", ErrUnknownCluster, clusterID)
	}

	return backend.GetJobStatus(ctx, schedulerJobID)
}

// CancelJob requests cancellation of a job from its backend.
func (m *Manager) CancelJob(ctx context.Context, clusterID string, schedulerJobID string) error {
	backend, ok := m.backends[clusterID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCluster, clusterID)
	}

	return backend.CancelJob(ctx, schedulerJobID)
}

// GetJobAccounting returns the consumption metered by the backend so far.
func (m *Manager) GetJobAccounting(ctx context.Context, clusterID string, schedulerJobID string) (models.UsageMetrics, error) {
	backend, ok := m.backends[clusterID]
	if !ok {
		return models.UsageMetrics{}, fmt.Errorf("%w: %s", ErrUnknownCluster, clusterID)
	}

	return backend.GetJobAccounting(ctx, schedulerJobID)
}

// SetCapacity replaces the capacity envelope of a cluster.
func (m *Manager) SetCapacity(clusterID string, maxNodes int64, maxMemoryGB int64, maxGPUs int64) error {
	backend, ok := m.backends[clusterID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCluster, clusterID)
	}

	backend.SetCapacity(maxNodes, maxMemoryGB, maxGPUs)

	return nil
}

// Capacity returns the reservation ledger of a cluster. The routing engine
// reserves on it when placing jobs.
func (m *Manager) Capacity(clusterID string) (*Capacity, bool) {
	capacity, ok := m.capacities[clusterID]

	return capacity, ok
}

// ReleaseJob returns a terminal job's footprint to the cluster ledger.
func (m *Manager) ReleaseJob(clusterID string, job *models.Job) {
	capacity, ok := m.capacities[clusterID]
	if !ok {
		return
	}

	capacity.Release(JobFootprint(job))
	m.logger.Debug("Released capacity", "cluster_id", clusterID, "job", job.UUID)
}

// ClusterIDs returns the IDs of all clusters with a live backend.
func (m *Manager) ClusterIDs() []string {
	ids := make([]string, 0, len(m.backends))
	for id := range m.backends {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}
