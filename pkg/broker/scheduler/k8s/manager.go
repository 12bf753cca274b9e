// Package k8s implements the scheduler backend for Kubernetes clusters by
// running brokered jobs as batch/v1 Jobs.
package k8s

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/combs-dev/combs/pkg/broker/base"
	"github.com/combs-dev/combs/pkg/broker/models"
	"github.com/combs-dev/combs/pkg/broker/scheduler"
	batchv1 "k8s.io/api/batch/v1"
	v1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	k8s_resource "k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const k8sScheduler = "k8s"

// Labels set on brokered Jobs and node selectors consumed by them.
const (
	jobUUIDLabel       = "combs.io/job-uuid"
	createdByLabel     = "combs.io/created-by"
	partitionNodeLabel = "combs.io/partition"
	featureNodeLabel   = "combs.io/feature-"
)

// Default config values.
const (
	defaultNamespace       = "combs-jobs"
	defaultJobImage        = "docker.io/library/ubuntu:24.04"
	defaultGPUResourceName = "nvidia.com/gpu"
)

func init() {
	// Register backend
	scheduler.Register(k8sScheduler, New)
}

type k8sConfig struct {
	KubeConfigFile  string `yaml:"kubeconfig_file"`
	Namespace       string `yaml:"namespace"`
	JobImage        string `yaml:"job_image"`
	GPUResourceName string `yaml:"gpu_resource_name"`
}

// defaults set struct fields to default values.
func (c *k8sConfig) defaults() *k8sConfig {
	if c == nil {
		return &k8sConfig{
			Namespace:       defaultNamespace,
			JobImage:        defaultJobImage,
			GPUResourceName: defaultGPUResourceName,
		}
	}

	if c.Namespace == "" {
		c.Namespace = defaultNamespace
	}

	if c.JobImage == "" {
		c.JobImage = defaultJobImage
	}

	if c.GPUResourceName == "" {
		c.GPUResourceName = defaultGPUResourceName
	}

	return c
}

// k8sManager runs brokered jobs as batch/v1 Jobs on one cluster.
type k8sManager struct {
	logger   *slog.Logger
	cluster  models.Cluster
	capacity *scheduler.Capacity
	client   kubernetes.Interface
	config   *k8sConfig
	now      func() time.Time
}

// New returns a new k8s scheduler backend.
func New(cluster models.Cluster, capacity *scheduler.Capacity, logger *slog.Logger) (scheduler.Scheduler, error) {
	// Fetch any provided from extra_config
	var c k8sConfig
	if err := cluster.Extra.Decode(&c); err != nil {
		logger.Error("Failed to decode extra_config for k8s cluster", "id", cluster.ID, "err", err)

		return nil, err
	}

	config := c.defaults()

	client, err := newClientset(config.KubeConfigFile, logger)
	if err != nil {
		logger.Error("Failed to create k8s client", "id", cluster.ID, "err", err)

		return nil, err
	}

	logger.Info("Submitting jobs to k8s cluster", "id", cluster.ID, "namespace", config.Namespace)

	return &k8sManager{
		logger:   logger,
		cluster:  cluster,
		capacity: capacity,
		client:   client,
		config:   config,
		now:      time.Now,
	}, nil
}

// newClientset builds a clientset from the kubeconfig file falling back to
// the in-cluster config.
func newClientset(kubeconfigPath string, logger *slog.Logger) (kubernetes.Interface, error) {
	var config *rest.Config

	var err error

	if kubeconfigPath == "" {
		logger.Debug("Falling back to in-cluster k8s config")

		config, err = rest.InClusterConfig()
	} else {
		logger.Debug("Creating k8s config using provided config file", "path", kubeconfigPath)

		config, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			&clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfigPath}, nil,
		).ClientConfig()
	}

	if err != nil {
		return nil, err
	}

	return kubernetes.NewForConfig(config)
}

// SubmitJob creates a batch/v1 Job after the capacity precheck.
func (k *k8sManager) SubmitJob(ctx context.Context, job *models.Job) (models.SchedulerJob, error) {
	if !k.capacity.Fits(scheduler.JobFootprint(job)) {
		return models.SchedulerJob{}, fmt.Errorf(
			"%w: job %s on cluster %s", scheduler.ErrCapacityExceeded, job.UUID, k.cluster.ID,
		)
	}

	batchJob := k.batchJob(job)

	created, err := k.client.BatchV1().Jobs(k.config.Namespace).Create(ctx, batchJob, metav1.CreateOptions{})
	if err != nil {
		return models.SchedulerJob{}, fmt.Errorf("%w: job create failed for job %s: %w", scheduler.ErrBackendUnavailable, job.UUID, err)
	}

	k.logger.Debug("Job submitted", "job", job.UUID, "scheduler_job_id", created.Name)

	return models.SchedulerJob{
		UUID:           job.UUID,
		SchedulerJobID: created.Name,
		Scheduler:      k8sScheduler,
		ClusterID:      k.cluster.ID,
		State:          models.JobStateQueued,
		ExitCode:       models.UnknownExitCode,
	}, nil
}

// batchJob renders the brokered job into a batch/v1 Job object.
func (k *k8sManager) batchJob(job *models.Job) *batchv1.Job {
	labels := map[string]string{
		jobUUIDLabel:   job.UUID,
		createdByLabel: base.BrokerAppName,
	}

	nodeSelector := make(map[string]string)
	if job.Partition != "" {
		nodeSelector[partitionNodeLabel] = job.Partition
	}

	for _, feature := range job.Features {
		nodeSelector[featureNodeLabel+feature] = "true"
	}

	resources := v1.ResourceList{
		v1.ResourceCPU:    k8s_resource.MustParse(strconv.FormatInt(job.CPUCores, 10)),
		v1.ResourceMemory: k8s_resource.MustParse(fmt.Sprintf("%dGi", job.MemoryGB)),
	}
	if job.GPUs > 0 {
		resources[v1.ResourceName(k.config.GPUResourceName)] = k8s_resource.MustParse(strconv.FormatInt(job.GPUs, 10))
	}

	replicas := int32(job.Nodes) //nolint:gosec
	deadline := job.WallTimeLimit
	backoffLimit := int32(0)

	batchJob := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "combs-" + strings.ToLower(job.UUID),
			Namespace: k.config.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			Parallelism:           &replicas,
			Completions:           &replicas,
			BackoffLimit:          &backoffLimit,
			ActiveDeadlineSeconds: &deadline,
			Template: v1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: v1.PodSpec{
					RestartPolicy: v1.RestartPolicyNever,
					NodeSelector:  nodeSelector,
					Containers: []v1.Container{
						{
							Name:    "job",
							Image:   k.config.JobImage,
							Command: []string{"/bin/sh", "-c", job.Command},
							Resources: v1.ResourceRequirements{
								Requests: resources,
								Limits:   resources,
							},
						},
					},
				},
			},
		},
	}

	// Multi node jobs need stable completion indexes
	if replicas > 1 {
		indexed := batchv1.IndexedCompletion
		batchJob.Spec.CompletionMode = &indexed
	}

	return batchJob
}

// GetJobStatus derives the job state from the batch/v1 Job status.
func (k *k8sManager) GetJobStatus(ctx context.Context, schedulerJobID string) (models.SchedulerJob, error) {
	batchJob, err := k.client.BatchV1().Jobs(k.config.Namespace).Get(ctx, schedulerJobID, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return models.SchedulerJob{}, fmt.Errorf("job %s: %w", schedulerJobID, scheduler.ErrUnknownJob)
		}

		return models.SchedulerJob{}, fmt.Errorf("%w: job get failed for job %s: %w", scheduler.ErrBackendUnavailable, schedulerJobID, err)
	}

	state, exitCode := jobState(batchJob)

	shadow := models.SchedulerJob{
		SchedulerJobID: schedulerJobID,
		Scheduler:      k8sScheduler,
		ClusterID:      k.cluster.ID,
		State:          state,
		ExitCode:       exitCode,
	}

	if batchJob.Status.StartTime != nil {
		shadow.StartedAt = batchJob.Status.StartTime.Format(base.DatetimeLayout)
		shadow.StartedAtTS = batchJob.Status.StartTime.UnixMilli()
	}

	if endedAt, ok := jobEndTime(batchJob); ok {
		shadow.EndedAt = endedAt.Format(base.DatetimeLayout)
		shadow.EndedAtTS = endedAt.UnixMilli()
	}

	return shadow, nil
}

// jobState maps a batch/v1 Job status onto a broker job state.
func jobState(batchJob *batchv1.Job) (models.JobState, int64) {
	completions := int32(1)
	if batchJob.Spec.Completions != nil {
		completions = *batchJob.Spec.Completions
	}

	for _, cond := range batchJob.Status.Conditions {
		if cond.Status != v1.ConditionTrue {
			continue
		}

		switch cond.Type {
		case batchv1.JobComplete:
			return models.JobStateCompleted, 0
		case batchv1.JobFailed:
			// ActiveDeadlineSeconds carries the wall time limit
			if cond.Reason == batchv1.JobReasonDeadlineExceeded {
				return models.JobStateTimeout, models.UnknownExitCode
			}

			return models.JobStateFailed, 1
		case batchv1.JobSuspended:
			return models.JobStateSuspended, models.UnknownExitCode
		}
	}

	if batchJob.Status.Succeeded >= completions {
		return models.JobStateCompleted, 0
	}

	if batchJob.Status.Active > 0 {
		// Pods exist but none is ready yet, the job is still provisioning
		if batchJob.Status.Ready != nil && *batchJob.Status.Ready == 0 {
			return models.JobStateStarting, models.UnknownExitCode
		}

		return models.JobStateRunning, models.UnknownExitCode
	}

	return models.JobStateQueued, models.UnknownExitCode
}

// jobEndTime returns the time the job reached a terminal state.
func jobEndTime(batchJob *batchv1.Job) (time.Time, bool) {
	if batchJob.Status.CompletionTime != nil {
		return batchJob.Status.CompletionTime.Time, true
	}

	// Failed jobs never get a completion time. Use the failure transition.
	for _, cond := range batchJob.Status.Conditions {
		if cond.Status == v1.ConditionTrue && (cond.Type == batchv1.JobFailed) {
			return cond.LastTransitionTime.Time, true
		}
	}

	return time.Time{}, false
}

// CancelJob deletes the batch/v1 Job together with its pods. The broker
// records the cancellation, so a later NotFound on polling is expected.
func (k *k8sManager) CancelJob(ctx context.Context, schedulerJobID string) error {
	propagation := metav1.DeletePropagationBackground

	err := k.client.BatchV1().Jobs(k.config.Namespace).Delete(ctx, schedulerJobID, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("%w: job delete failed for job %s: %w", scheduler.ErrBackendUnavailable, schedulerJobID, err)
	}

	return nil
}

// GetJobAccounting meters consumption from the Job status times and the
// requested resources. Billing follows the reservation, not cgroup usage.
func (k *k8sManager) GetJobAccounting(ctx context.Context, schedulerJobID string) (models.UsageMetrics, error) {
	batchJob, err := k.client.BatchV1().Jobs(k.config.Namespace).Get(ctx, schedulerJobID, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return models.UsageMetrics{}, fmt.Errorf("job %s: %w", schedulerJobID, scheduler.ErrUnknownJob)
		}

		return models.UsageMetrics{}, fmt.Errorf("%w: job get failed for job %s: %w", scheduler.ErrBackendUnavailable, schedulerJobID, err)
	}

	if batchJob.Status.StartTime == nil {
		return models.UsageMetrics{}, nil
	}

	end, ok := jobEndTime(batchJob)
	if !ok {
		end = k.now()
	}

	wall := int64(end.Sub(batchJob.Status.StartTime.Time).Seconds())
	if wall < 0 {
		wall = 0
	}

	var cpuCores, memGB, nodes int64

	for _, container := range batchJob.Spec.Template.Spec.Containers {
		cpuCores += container.Resources.Requests.Cpu().Value()
		memGB += container.Resources.Requests.Memory().Value() / (1024 * 1024 * 1024)
	}

	nodes = 1
	if batchJob.Spec.Completions != nil {
		nodes = int64(*batchJob.Spec.Completions)
	}

	return models.UsageMetrics{
		WallClockSeconds: wall,
		CPUCoreSeconds:   wall * cpuCores * nodes,
		MemoryGBSeconds:  wall * memGB * nodes,
	}, nil
}

// SetCapacity replaces the capacity envelope of the cluster.
func (k *k8sManager) SetCapacity(maxNodes int64, maxMemoryGB int64, maxGPUs int64) {
	k.capacity.SetLimits(models.CapacityLimits{
		MaxNodes:    maxNodes,
		MaxMemoryGB: maxMemoryGB,
		MaxGPUs:     maxGPUs,
	})
}
