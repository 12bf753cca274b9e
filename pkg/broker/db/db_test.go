package db

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/combs-dev/combs/pkg/broker/base"
	"github.com/combs-dev/combs/pkg/broker/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noOpLogger = slog.New(slog.DiscardHandler)

func makeStore(t *testing.T, backupPath string) *Store {
	t.Helper()

	store, err := New(&Config{
		Logger:          noOpLogger,
		DataPath:        t.TempDir(),
		DataBackupPath:  backupPath,
		RetentionPeriod: 30 * 24 * time.Hour,
	})
	require.NoError(t, err)

	t.Cleanup(func() { store.Stop() })

	return store
}

func testJob(uuid string) *models.Job {
	now := time.Now()

	return &models.Job{
		UUID:          uuid,
		Name:          "train-model",
		CustomerAddr:  "0xcust",
		CPUCores:      4,
		MemoryGB:      16,
		Nodes:         1,
		WallTimeLimit: 3600,
		Features:      models.List[string]{"a100"},
		Tags:          models.Tag{"team": "ml"},
		CreatedAt:     now.Format(base.DatetimeLayout),
		CreatedAtTS:   now.UnixMilli(),
	}
}

func testShadow(uuid string, clusterID string, state models.JobState) models.SchedulerJob {
	return models.SchedulerJob{
		UUID:      uuid,
		ClusterID: clusterID,
		State:     state,
		ExitCode:  models.UnknownExitCode,
		CreatedAt: time.Now().Format(base.DatetimeLayout),
	}
}

func testUsageRecord(uuid string, jobUUID string, isFinal int) models.UsageRecord {
	return models.UsageRecord{
		UUID:             uuid,
		JobUUID:          jobUUID,
		ClusterID:        "hpc-0",
		ProviderAddr:     "0xprov",
		CustomerAddr:     "0xcust",
		WallClockSeconds: 3600,
		CPUCoreSeconds:   14400,
		MemoryGBSeconds:  57600,
		IsFinal:          isFinal,
		JobStateAtRecord: models.JobStateCompleted,
		CreatedAt:        time.Now().Format(base.DatetimeLayout),
	}
}

func TestNewStoreAppliesMigrations(t *testing.T) {
	store := makeStore(t, "")

	assert.FileExists(t, store.storage.dbPath)
	assert.Equal(t, fmt.Sprintf("%s.db", base.BrokerAppName), filepath.Base(store.storage.dbPath))

	for _, table := range []string{
		base.JobsDBTableName, base.SchedulerJobsDBTableName, base.RoutingDecisionsDBTableName,
		base.UsageRecordsDBTableName, base.UsageAggsDBTableName, base.InvoicesDBTableName,
		base.PayoutsDBTableName, base.PlatformFeesDBTableName, base.AuditRecordsDBTableName,
		base.StatusReportsDBTableName,
	} {
		var name string

		err := store.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s missing", table)
	}
}

func TestSaveJobRoundtrip(t *testing.T) {
	store := makeStore(t, "")
	job := testJob("job-1")

	require.NoError(t, store.SaveJob(t.Context(), job))

	got, err := store.Job(t.Context(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.CustomerAddr, got.CustomerAddr)
	assert.Equal(t, models.List[string]{"a100"}, got.Features)
	assert.Equal(t, "ml", got.Tags["team"])

	// Routing fills the selection in place
	job.ClusterID = "hpc-0"
	job.OfferingID = "std-0"
	job.ProviderAddr = "0xprov"
	job.Pricing = models.Pricing{BaseNodeHourPrice: 10, Currency: "USD"}

	// Resource request changes must not take, only the selection columns do
	job.CPUCores = 128

	require.NoError(t, store.SaveJob(t.Context(), job))

	got, err = store.Job(t.Context(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "hpc-0", got.ClusterID)
	assert.Equal(t, "0xprov", got.ProviderAddr)
	assert.InDelta(t, 10.0, float64(got.Pricing.BaseNodeHourPrice), 1e-9)
	assert.Equal(t, int64(4), got.CPUCores)
}

func TestJobNotFound(t *testing.T) {
	store := makeStore(t, "")

	_, err := store.Job(t.Context(), "missing")
	require.Error(t, err)
}

func TestSchedulerJobLifecycle(t *testing.T) {
	store := makeStore(t, "")

	shadow := testShadow("job-1", "hpc-0", models.JobStatePending)
	require.NoError(t, store.SaveSchedulerJob(t.Context(), shadow))

	got, err := store.SchedulerJob(t.Context(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatePending, got.State)
	assert.Equal(t, models.UnknownExitCode, got.ExitCode)
	assert.Empty(t, got.SchedulerJobID)

	require.NoError(t, store.SetSchedulerJobBackendID(t.Context(), "job-1", "hpc-0", "slurm", "1234"))

	got, err = store.SchedulerJob(t.Context(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "1234", got.SchedulerJobID)
	assert.Equal(t, "slurm", got.Scheduler)
	assert.Equal(t, "hpc-0", got.ClusterID)

	got.State = models.JobStateQueued
	require.NoError(t, store.SaveSchedulerJob(t.Context(), got))

	got, err = store.SchedulerJob(t.Context(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateQueued, got.State)
	assert.Equal(t, "1234", got.SchedulerJobID)

	polledAt := time.Now().Format(base.DatetimeLayout)
	require.NoError(t, store.TouchSchedulerJobPoll(t.Context(), "job-1", 3, 1, polledAt))

	got, err = store.SchedulerJob(t.Context(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.PollRetries)
	assert.Equal(t, 1, got.Attention)
	assert.Equal(t, polledAt, got.LastPolledAt)
	assert.Equal(t, models.JobStateQueued, got.State)
}

func TestPendingJobs(t *testing.T) {
	store := makeStore(t, "")

	for i, state := range []models.JobState{models.JobStatePending, models.JobStateQueued} {
		uuid := fmt.Sprintf("job-%d", i)
		require.NoError(t, store.SaveJob(t.Context(), testJob(uuid)))
		require.NoError(t, store.SaveSchedulerJob(t.Context(), testShadow(uuid, "hpc-0", state)))
	}

	pending, err := store.PendingJobs(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "job-0", pending[0].UUID)
}

func TestPollableSchedulerJobs(t *testing.T) {
	store := makeStore(t, "")

	// Not yet accepted by a backend, not pollable
	require.NoError(t, store.SaveSchedulerJob(t.Context(), testShadow("job-0", "hpc-0", models.JobStatePending)))

	// Accepted and live, pollable
	require.NoError(t, store.SaveSchedulerJob(t.Context(), testShadow("job-1", "hpc-0", models.JobStateRunning)))
	require.NoError(t, store.SetSchedulerJobBackendID(t.Context(), "job-1", "hpc-0", "slurm", "1234"))

	// Terminal, not pollable
	require.NoError(t, store.SaveSchedulerJob(t.Context(), testShadow("job-2", "hpc-0", models.JobStateCompleted)))
	require.NoError(t, store.SetSchedulerJobBackendID(t.Context(), "job-2", "hpc-0", "slurm", "1235"))

	pollable, err := store.PollableSchedulerJobs(t.Context())
	require.NoError(t, err)
	require.Len(t, pollable, 1)
	assert.Equal(t, "job-1", pollable[0].UUID)
}

func TestQueueDepth(t *testing.T) {
	store := makeStore(t, "")

	require.NoError(t, store.SaveSchedulerJob(t.Context(), testShadow("job-0", "hpc-0", models.JobStateQueued)))
	require.NoError(t, store.SaveSchedulerJob(t.Context(), testShadow("job-1", "hpc-0", models.JobStateRunning)))
	require.NoError(t, store.SaveSchedulerJob(t.Context(), testShadow("job-2", "hpc-0", models.JobStateCompleted)))
	require.NoError(t, store.SaveSchedulerJob(t.Context(), testShadow("job-3", "hpc-1", models.JobStateRunning)))

	depth, err := store.QueueDepth(t.Context(), "hpc-0")
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	depth, err = store.QueueDepth(t.Context(), "hpc-2")
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRoutingDecisionImmutable(t *testing.T) {
	store := makeStore(t, "")

	_, found, err := store.RoutingDecision(t.Context(), "job-1")
	require.NoError(t, err)
	assert.False(t, found)

	decision := models.RoutingDecision{
		JobUUID:          "job-1",
		SelectedCluster:  "hpc-0",
		SelectedOffering: "std-0",
		Candidates: models.List[models.CandidateScore]{
			{ClusterID: "hpc-0", OfferingID: "std-0", Score: 0.8},
		},
		Reason:       "selected cluster hpc-0",
		DecisionHash: "abc123",
		CreatedAt:    time.Now().Format(base.DatetimeLayout),
	}
	require.NoError(t, store.SaveRoutingDecision(t.Context(), decision))

	// A second decision for the same job must not overwrite the first
	decision.SelectedCluster = "hpc-1"
	decision.DecisionHash = "def456"
	require.NoError(t, store.SaveRoutingDecision(t.Context(), decision))

	got, found, err := store.RoutingDecision(t.Context(), "job-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "hpc-0", got.SelectedCluster)
	assert.Equal(t, "abc123", got.DecisionHash)
	require.Len(t, got.Candidates, 1)
	assert.InDelta(t, 0.8, float64(got.Candidates[0].Score), 1e-9)
}

func TestSaveUsageRecordFoldsAggregate(t *testing.T) {
	store := makeStore(t, "")

	require.NoError(t, store.SaveUsageRecord(t.Context(), testUsageRecord("rec-1", "job-1", 1)))
	require.NoError(t, store.SaveUsageRecord(t.Context(), testUsageRecord("rec-2", "job-2", 1)))

	// Replay of an already recorded final record must not fold twice
	require.NoError(t, store.SaveUsageRecord(t.Context(), testUsageRecord("rec-1", "job-1", 1)))

	agg, err := scanOneRow[models.UsageAggregate](store.db.QueryContext(t.Context(), fmt.Sprintf(
		"SELECT * FROM %s WHERE customer_addr = ? AND cluster_id = ?", base.UsageAggsDBTableName,
	), "0xcust", "hpc-0"))
	require.NoError(t, err)

	assert.Equal(t, int64(2), agg.NumJobs)
	assert.InDelta(t, 7200, float64(agg.Totals["wallclock_seconds"]), 1e-9)
	assert.InDelta(t, 28800, float64(agg.Totals["cpu_core_seconds"]), 1e-9)
	assert.InDelta(t, 3600, float64(agg.Averages["wallclock_seconds"]), 1e-9)
}

func TestIntermediateUsageRecordsSkipAggregate(t *testing.T) {
	store := makeStore(t, "")

	require.NoError(t, store.SaveUsageRecord(t.Context(), testUsageRecord("rec-1", "job-1", 0)))

	var count int64

	require.NoError(t, store.db.QueryRow(
		fmt.Sprintf("SELECT COUNT(*) FROM %s", base.UsageAggsDBTableName),
	).Scan(&count))
	assert.Zero(t, count)

	record, found, err := store.LatestUsageRecord(t.Context(), "job-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "rec-1", record.UUID)

	hasFinal, err := store.HasFinalUsageRecord(t.Context(), "job-1")
	require.NoError(t, err)
	assert.False(t, hasFinal)

	_, found, err = store.FinalUsageRecord(t.Context(), "job-1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SaveUsageRecord(t.Context(), testUsageRecord("rec-2", "job-1", 1)))

	final, found, err := store.FinalUsageRecord(t.Context(), "job-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "rec-2", final.UUID)
}

func TestUnbilledTerminalJobs(t *testing.T) {
	store := makeStore(t, "")

	require.NoError(t, store.SaveSchedulerJob(t.Context(), testShadow("job-1", "hpc-0", models.JobStateCompleted)))
	require.NoError(t, store.SaveSchedulerJob(t.Context(), testShadow("job-2", "hpc-0", models.JobStateRunning)))

	unbilled, err := store.UnbilledTerminalJobs(t.Context())
	require.NoError(t, err)
	require.Len(t, unbilled, 1)
	assert.Equal(t, "job-1", unbilled[0].UUID)

	require.NoError(t, store.SaveUsageRecord(t.Context(), testUsageRecord("rec-1", "job-1", 1)))

	unbilled, err = store.UnbilledTerminalJobs(t.Context())
	require.NoError(t, err)
	assert.Empty(t, unbilled)
}

func TestInvoiceUpsert(t *testing.T) {
	store := makeStore(t, "")

	_, found, err := store.InvoiceForJob(t.Context(), "job-1")
	require.NoError(t, err)
	assert.False(t, found)

	invoice := models.Invoice{
		UUID:         "inv-1",
		JobUUID:      "job-1",
		CustomerAddr: "0xcust",
		ProviderAddr: "0xprov",
		LineItems: models.List[models.LineItem]{
			{ResourceType: "node_hours", Quantity: 1, UnitPrice: 10, TotalCost: 10},
		},
		TotalAmount: 10.96,
		Currency:    "USD",
		Status:      models.InvoiceStatusPending,
		CreatedAt:   time.Now().Format(base.DatetimeLayout),
	}
	require.NoError(t, store.SaveInvoice(t.Context(), invoice))

	// Settlement state changes in place, amounts stay immutable
	invoice.Status = models.InvoiceStatusDisputed
	invoice.DisputeReason = "Incorrect usage metrics"
	invoice.TotalAmount = 999

	require.NoError(t, store.SaveInvoice(t.Context(), invoice))

	got, err := store.Invoice(t.Context(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusDisputed, got.Status)
	assert.Equal(t, "Incorrect usage metrics", got.DisputeReason)
	assert.InDelta(t, 10.96, float64(got.TotalAmount), 1e-9)
	require.Len(t, got.LineItems, 1)

	got, found, err = store.InvoiceForJob(t.Context(), "job-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "inv-1", got.UUID)
}

func TestSetInvoiceStatusCAS(t *testing.T) {
	store := makeStore(t, "")

	require.NoError(t, store.SaveInvoice(t.Context(), models.Invoice{
		UUID: "inv-1", JobUUID: "job-1", Status: models.InvoiceStatusPending,
		CreatedAt: time.Now().Format(base.DatetimeLayout),
	}))

	// A swap from the wrong state must lose
	swapped, err := store.SetInvoiceStatus(
		t.Context(), "inv-1", models.InvoiceStatusDisputed, models.InvoiceStatusPending, "", "", 0,
	)
	require.NoError(t, err)
	assert.False(t, swapped)

	settledAt := time.Now().Format(base.DatetimeLayout)
	swapped, err = store.SetInvoiceStatus(
		t.Context(), "inv-1", models.InvoiceStatusPending, models.InvoiceStatusSettled, "", settledAt, time.Now().UnixMilli(),
	)
	require.NoError(t, err)
	assert.True(t, swapped)

	got, err := store.Invoice(t.Context(), "inv-1")
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusSettled, got.Status)
	assert.Equal(t, settledAt, got.SettledAt)

	// Settling twice must lose the CAS
	swapped, err = store.SetInvoiceStatus(
		t.Context(), "inv-1", models.InvoiceStatusPending, models.InvoiceStatusSettled, "", settledAt, 0,
	)
	require.NoError(t, err)
	assert.False(t, swapped)
}

func TestPayoutAndFeeWrittenOnce(t *testing.T) {
	store := makeStore(t, "")

	payout := models.Payout{
		UUID: "pay-1", InvoiceUUID: "inv-1", ProviderAddr: "0xprov",
		Amount: 9.86, Currency: "USD", Status: models.SettlementStatusCompleted,
		CreatedAt: time.Now().Format(base.DatetimeLayout),
	}
	require.NoError(t, store.SavePayout(t.Context(), payout))

	// Retried settlement must not double pay
	payout.UUID = "pay-2"
	payout.Amount = 100
	require.NoError(t, store.SavePayout(t.Context(), payout))

	got, found, err := store.PayoutForInvoice(t.Context(), "inv-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "pay-1", got.UUID)
	assert.InDelta(t, 9.86, float64(got.Amount), 1e-9)

	fee := models.PlatformFee{
		UUID: "fee-1", InvoiceUUID: "inv-1", Amount: 1.10, Currency: "USD",
		Status: models.SettlementStatusCompleted, CreatedAt: time.Now().Format(base.DatetimeLayout),
	}
	require.NoError(t, store.SavePlatformFee(t.Context(), fee))

	fee.UUID = "fee-2"
	require.NoError(t, store.SavePlatformFee(t.Context(), fee))

	gotFee, found, err := store.PlatformFeeForInvoice(t.Context(), "inv-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "fee-1", gotFee.UUID)
}

func TestAuditTrailAppendOnly(t *testing.T) {
	store := makeStore(t, "")

	for _, action := range []string{
		models.AuditActionCreated, models.AuditActionDisputed, models.AuditActionSettled,
	} {
		require.NoError(t, store.AppendAuditRecord(t.Context(), models.AuditRecord{
			InvoiceUUID: "inv-1",
			Action:      action,
			Details:     models.Generic{"actor": "0xcust"},
			CreatedAt:   time.Now().Format(base.DatetimeLayout),
		}))
	}

	trail, err := store.AuditRecords(t.Context(), "inv-1")
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, models.AuditActionCreated, trail[0].Action)
	assert.Equal(t, models.AuditActionSettled, trail[2].Action)
}

func TestSaveStatusReportDedup(t *testing.T) {
	store := makeStore(t, "")

	report := models.StatusReport{
		UUID:        "rep-1",
		JobUUID:     "job-1",
		State:       models.JobStateCompleted,
		Channel:     "log",
		SubmittedAt: time.Now().Format(base.DatetimeLayout),
	}

	recorded, err := store.HasStatusReport(t.Context(), "rep-1")
	require.NoError(t, err)
	assert.False(t, recorded)

	inserted, err := store.SaveStatusReport(t.Context(), report)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.SaveStatusReport(t.Context(), report)
	require.NoError(t, err)
	assert.False(t, inserted)

	recorded, err = store.HasStatusReport(t.Context(), "rep-1")
	require.NoError(t, err)
	assert.True(t, recorded)
}

func TestPurgeSparesFinancialRecords(t *testing.T) {
	store := makeStore(t, "")

	old := "2020-01-01T00:00:00"

	// Terminal job past retention
	expired := testShadow("job-old", "hpc-0", models.JobStateCompleted)
	expired.EndedAt = old
	require.NoError(t, store.SaveSchedulerJob(t.Context(), expired))

	oldJob := testJob("job-old")
	oldJob.CreatedAt = old
	require.NoError(t, store.SaveJob(t.Context(), oldJob))

	oldRecord := testUsageRecord("rec-old", "job-old", 1)
	oldRecord.CreatedAt = old
	require.NoError(t, store.SaveUsageRecord(t.Context(), oldRecord))

	// Running job of the same age must survive
	live := testShadow("job-live", "hpc-0", models.JobStateRunning)
	require.NoError(t, store.SaveSchedulerJob(t.Context(), live))

	liveJob := testJob("job-live")
	liveJob.CreatedAt = old
	require.NoError(t, store.SaveJob(t.Context(), liveJob))

	// Financial records of the purged job must survive
	require.NoError(t, store.SaveInvoice(t.Context(), models.Invoice{
		UUID: "inv-old", JobUUID: "job-old", Status: models.InvoiceStatusSettled, CreatedAt: old,
	}))

	require.NoError(t, store.Purge(t.Context()))

	_, err := store.Job(t.Context(), "job-old")
	require.Error(t, err)

	_, err = store.SchedulerJob(t.Context(), "job-old")
	require.Error(t, err)

	_, err = store.Job(t.Context(), "job-live")
	require.NoError(t, err)

	records, err := store.UsageRecords(t.Context(), "job-old")
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = store.Invoice(t.Context(), "inv-old")
	require.NoError(t, err)
}

func TestBackup(t *testing.T) {
	backupPath := t.TempDir()
	store := makeStore(t, backupPath)

	require.NoError(t, store.SaveJob(t.Context(), testJob("job-1")))
	require.NoError(t, store.Backup())

	matches, err := filepath.Glob(filepath.Join(backupPath, fmt.Sprintf("%s-*.bak.db", base.BrokerAppName)))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	info, err := os.Stat(matches[0])
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}
