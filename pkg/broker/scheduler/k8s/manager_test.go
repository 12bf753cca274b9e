package k8s

import (
	"log/slog"
	"testing"
	"time"

	"github.com/combs-dev/combs/pkg/broker/models"
	"github.com/combs-dev/combs/pkg/broker/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	v1 "k8s.io/api/core/v1"
	k8s_resource "k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
)

var noOpLogger = slog.New(slog.DiscardHandler)

func testManager(objects ...runtime.Object) *k8sManager {
	return &k8sManager{
		logger:   noOpLogger,
		cluster:  models.Cluster{ID: "k8s-0", Scheduler: "k8s"},
		capacity: scheduler.NewCapacity(models.CapacityLimits{MaxNodes: 16, MaxMemoryGB: 1024, MaxGPUs: 16}),
		client:   fake.NewClientset(objects...),
		config:   (&k8sConfig{}).defaults(),
		now:      time.Now,
	}
}

func testJob() *models.Job {
	return &models.Job{
		UUID:          "a2b3c4d5",
		Name:          "train-model",
		CustomerAddr:  "0xcust",
		CPUCores:      4,
		MemoryGB:      16,
		GPUs:          2,
		Nodes:         2,
		WallTimeLimit: 3600,
		Features:      []string{"a100"},
		Partition:     "gpu",
		Command:       "python train.py",
	}
}

func seedJob(name string, spec batchv1.JobSpec, status batchv1.JobStatus) *batchv1.Job {
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: defaultNamespace},
		Spec:       spec,
		Status:     status,
	}
}

func TestSubmitJob(t *testing.T) {
	manager := testManager()

	shadow, err := manager.SubmitJob(t.Context(), testJob())
	require.NoError(t, err)
	assert.Equal(t, "combs-a2b3c4d5", shadow.SchedulerJobID)
	assert.Equal(t, models.JobStateQueued, shadow.State)
	assert.Equal(t, models.UnknownExitCode, shadow.ExitCode)

	created, err := manager.client.BatchV1().Jobs(defaultNamespace).Get(t.Context(), "combs-a2b3c4d5", metav1.GetOptions{})
	require.NoError(t, err)

	assert.Equal(t, "a2b3c4d5", created.Labels[jobUUIDLabel])
	assert.Equal(t, int32(2), *created.Spec.Parallelism)
	assert.Equal(t, int32(2), *created.Spec.Completions)
	assert.Equal(t, batchv1.IndexedCompletion, *created.Spec.CompletionMode)
	assert.Equal(t, int64(3600), *created.Spec.ActiveDeadlineSeconds)
	assert.Equal(t, int32(0), *created.Spec.BackoffLimit)

	podSpec := created.Spec.Template.Spec
	assert.Equal(t, "gpu", podSpec.NodeSelector[partitionNodeLabel])
	assert.Equal(t, "true", podSpec.NodeSelector[featureNodeLabel+"a100"])
	assert.Equal(t, []string{"/bin/sh", "-c", "python train.py"}, podSpec.Containers[0].Command)

	requests := podSpec.Containers[0].Resources.Requests
	assert.Equal(t, int64(4), requests.Cpu().Value())
	assert.Equal(t, int64(16*1024*1024*1024), requests.Memory().Value())

	gpus := requests[v1.ResourceName(defaultGPUResourceName)]
	assert.Equal(t, int64(2), gpus.Value())
}

func TestSubmitJobCapacityExceeded(t *testing.T) {
	manager := testManager()

	job := testJob()
	job.Nodes = 32

	_, err := manager.SubmitJob(t.Context(), job)
	assert.ErrorIs(t, err, scheduler.ErrCapacityExceeded)

	jobs, err := manager.client.BatchV1().Jobs(defaultNamespace).List(t.Context(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, jobs.Items)
}

func TestGetJobStatus(t *testing.T) {
	completions := int32(2)
	noneReady := int32(0)
	allReady := int32(2)
	start := metav1.NewTime(time.Now().Add(-time.Hour))
	end := metav1.NewTime(time.Now())

	tests := []struct {
		name     string
		status   batchv1.JobStatus
		state    models.JobState
		exitCode int64
	}{
		{
			name:     "no pods yet",
			status:   batchv1.JobStatus{},
			state:    models.JobStateQueued,
			exitCode: models.UnknownExitCode,
		},
		{
			name:     "pods provisioning",
			status:   batchv1.JobStatus{Active: 2, Ready: &noneReady},
			state:    models.JobStateStarting,
			exitCode: models.UnknownExitCode,
		},
		{
			name:     "pods running",
			status:   batchv1.JobStatus{Active: 2, Ready: &allReady},
			state:    models.JobStateRunning,
			exitCode: models.UnknownExitCode,
		},
		{
			name: "suspended",
			status: batchv1.JobStatus{
				Conditions: []batchv1.JobCondition{{Type: batchv1.JobSuspended, Status: v1.ConditionTrue}},
			},
			state:    models.JobStateSuspended,
			exitCode: models.UnknownExitCode,
		},
		{
			name: "completed",
			status: batchv1.JobStatus{
				Succeeded:      2,
				StartTime:      &start,
				CompletionTime: &end,
				Conditions:     []batchv1.JobCondition{{Type: batchv1.JobComplete, Status: v1.ConditionTrue}},
			},
			state:    models.JobStateCompleted,
			exitCode: 0,
		},
		{
			name: "failed",
			status: batchv1.JobStatus{
				Failed:     1,
				StartTime:  &start,
				Conditions: []batchv1.JobCondition{{Type: batchv1.JobFailed, Status: v1.ConditionTrue, Reason: "BackoffLimitExceeded"}},
			},
			state:    models.JobStateFailed,
			exitCode: 1,
		},
		{
			name: "deadline exceeded",
			status: batchv1.JobStatus{
				Failed:     1,
				StartTime:  &start,
				Conditions: []batchv1.JobCondition{{Type: batchv1.JobFailed, Status: v1.ConditionTrue, Reason: batchv1.JobReasonDeadlineExceeded}},
			},
			state:    models.JobStateTimeout,
			exitCode: models.UnknownExitCode,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			manager := testManager(seedJob("combs-test", batchv1.JobSpec{Completions: &completions}, test.status))

			shadow, err := manager.GetJobStatus(t.Context(), "combs-test")
			require.NoError(t, err)
			assert.Equal(t, test.state, shadow.State)
			assert.Equal(t, test.exitCode, shadow.ExitCode)
		})
	}
}

func TestGetJobStatusUnknownJob(t *testing.T) {
	manager := testManager()

	_, err := manager.GetJobStatus(t.Context(), "combs-missing")
	assert.ErrorIs(t, err, scheduler.ErrUnknownJob)
}

func TestCancelJob(t *testing.T) {
	manager := testManager(seedJob("combs-test", batchv1.JobSpec{}, batchv1.JobStatus{Active: 1}))

	require.NoError(t, manager.CancelJob(t.Context(), "combs-test"))

	_, err := manager.GetJobStatus(t.Context(), "combs-test")
	assert.ErrorIs(t, err, scheduler.ErrUnknownJob)

	// Cancelling an already deleted job stays best effort
	require.NoError(t, manager.CancelJob(t.Context(), "combs-test"))
}

func TestGetJobAccounting(t *testing.T) {
	completions := int32(2)
	startTime := time.Now().Add(-2 * time.Hour)
	start := metav1.NewTime(startTime)
	end := metav1.NewTime(startTime.Add(time.Hour))

	spec := batchv1.JobSpec{
		Completions: &completions,
		Template: v1.PodTemplateSpec{
			Spec: v1.PodSpec{
				Containers: []v1.Container{
					{
						Resources: v1.ResourceRequirements{
							Requests: v1.ResourceList{
								v1.ResourceCPU:    k8s_resource.MustParse("8"),
								v1.ResourceMemory: k8s_resource.MustParse("64Gi"),
							},
						},
					},
				},
			},
		},
	}

	manager := testManager(seedJob("combs-done", spec, batchv1.JobStatus{
		Succeeded:      2,
		StartTime:      &start,
		CompletionTime: &end,
		Conditions:     []batchv1.JobCondition{{Type: batchv1.JobComplete, Status: v1.ConditionTrue}},
	}))

	metrics, err := manager.GetJobAccounting(t.Context(), "combs-done")
	require.NoError(t, err)
	assert.Equal(t, int64(3600), metrics.WallClockSeconds)
	assert.Equal(t, int64(57600), metrics.CPUCoreSeconds)
	assert.Equal(t, int64(460800), metrics.MemoryGBSeconds)

	// Running jobs meter up to now
	manager = testManager(seedJob("combs-running", spec, batchv1.JobStatus{Active: 2, StartTime: &start}))
	manager.now = func() time.Time { return startTime.Add(30 * time.Minute) }

	metrics, err = manager.GetJobAccounting(t.Context(), "combs-running")
	require.NoError(t, err)
	assert.Equal(t, int64(1800), metrics.WallClockSeconds)
}
