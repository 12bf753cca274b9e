package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/combs-dev/combs/pkg/broker/base"
	"github.com/combs-dev/combs/pkg/broker/models"
)

// SaveJob inserts a job at submission or updates its routing selection in
// place. Resource requests are immutable after the first write.
func (s *Store) SaveJob(ctx context.Context, job *models.Job) error {
	_, err := s.db.ExecContext(
		ctx,
		prepareStatements[base.JobsDBTableName],
		job.UUID, job.Name, job.CustomerAddr, job.ProviderAddr, job.Region,
		job.Partition, job.Command, job.CPUCores, job.MemoryGB, job.GPUs,
		job.Nodes, job.WallTimeLimit, job.Features, job.ClusterID,
		job.OfferingID, job.Pricing, job.Tags, job.CreatedAt, job.CreatedAtTS,
		job.ProviderAddr, job.ClusterID, job.OfferingID, job.Pricing, job.Tags,
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.UUID, err)
	}

	return nil
}

// Job returns the job with the given UUID.
func (s *Store) Job(ctx context.Context, uuid string) (models.Job, error) {
	job, err := scanOneRow[models.Job](s.db.QueryContext(
		ctx, fmt.Sprintf("SELECT * FROM %s WHERE uuid = ?", base.JobsDBTableName), uuid,
	))
	if err != nil {
		return models.Job{}, fmt.Errorf("failed to fetch job %s: %w", uuid, err)
	}

	return job, nil
}

// PendingJobs returns submitted jobs awaiting a routing decision, oldest
// first.
func (s *Store) PendingJobs(ctx context.Context, limit int64) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT j.* FROM %s j INNER JOIN %s sj ON j.uuid = sj.uuid WHERE sj.state = ? ORDER BY j.id LIMIT ?",
		base.JobsDBTableName, base.SchedulerJobsDBTableName,
	), models.JobStatePending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending jobs: %w", err)
	}

	defer rows.Close()

	return scanRows[models.Job](rows)
}

// SaveSchedulerJob persists a scheduler job row. Implements the recorder
// behind the lifecycle tracker; the backend assigned ID is not updated here.
func (s *Store) SaveSchedulerJob(ctx context.Context, job models.SchedulerJob) error {
	_, err := s.db.ExecContext(
		ctx,
		prepareStatements[base.SchedulerJobsDBTableName],
		job.UUID, job.SchedulerJobID, job.Scheduler, job.ClusterID, job.State,
		job.CreatedAt, job.StartedAt, job.StartedAtTS, job.EndedAt, job.EndedAtTS,
		job.ExitCode, job.Attention, job.PollRetries, job.LastPolledAt,
		job.State, job.StartedAt, job.StartedAtTS, job.EndedAt, job.EndedAtTS,
		job.ExitCode, job.Attention, job.PollRetries, job.LastPolledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save scheduler job %s: %w", job.UUID, err)
	}

	return nil
}

// SchedulerJob returns the scheduler job row of a job UUID.
func (s *Store) SchedulerJob(ctx context.Context, jobUUID string) (models.SchedulerJob, error) {
	job, err := scanOneRow[models.SchedulerJob](s.db.QueryContext(
		ctx, fmt.Sprintf("SELECT * FROM %s WHERE uuid = ?", base.SchedulerJobsDBTableName), jobUUID,
	))
	if err != nil {
		return models.SchedulerJob{}, fmt.Errorf("failed to fetch scheduler job %s: %w", jobUUID, err)
	}

	return job, nil
}

// SetSchedulerJobBackendID binds a job to the backend that accepted it. The
// binding is written once by the routing task, the lifecycle state is not
// touched.
func (s *Store) SetSchedulerJobBackendID(ctx context.Context, jobUUID string, clusterID string, scheduler string, schedulerJobID string) error {
	_, err := s.db.ExecContext(
		ctx,
		fmt.Sprintf("UPDATE %s SET cluster_id = ?, scheduler = ?, scheduler_job_id = ? WHERE uuid = ?", base.SchedulerJobsDBTableName),
		clusterID, scheduler, schedulerJobID, jobUUID,
	)
	if err != nil {
		return fmt.Errorf("failed to set backend ID for job %s: %w", jobUUID, err)
	}

	return nil
}

// TouchSchedulerJobPoll records poll bookkeeping for a job. The lifecycle
// state is not touched, poll sweeps never write state directly.
func (s *Store) TouchSchedulerJobPoll(ctx context.Context, jobUUID string, pollRetries int64, attention int, lastPolledAt string) error {
	_, err := s.db.ExecContext(
		ctx,
		fmt.Sprintf(
			"UPDATE %s SET poll_retries = ?, attention = ?, last_polled_at = ? WHERE uuid = ?",
			base.SchedulerJobsDBTableName,
		),
		pollRetries, attention, lastPolledAt, jobUUID,
	)
	if err != nil {
		return fmt.Errorf("failed to record poll for job %s: %w", jobUUID, err)
	}

	return nil
}

// PollableSchedulerJobs returns non terminal jobs that a backend has
// accepted, least recently polled first.
func (s *Store) PollableSchedulerJobs(ctx context.Context) ([]models.SchedulerJob, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT * FROM %s WHERE state NOT IN %s AND scheduler_job_id != '' ORDER BY last_polled_at",
		base.SchedulerJobsDBTableName, terminalStatesSQL,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pollable jobs: %w", err)
	}

	defer rows.Close()

	return scanRows[models.SchedulerJob](rows)
}

// UnbilledTerminalJobs returns terminal jobs that have no final usage record
// yet. Used by the finalize sweep to close billing after restarts.
func (s *Store) UnbilledTerminalJobs(ctx context.Context) ([]models.SchedulerJob, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT * FROM %s WHERE state IN %s AND uuid NOT IN (SELECT job_uuid FROM %s WHERE is_final = 1)",
		base.SchedulerJobsDBTableName, terminalStatesSQL, base.UsageRecordsDBTableName,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unbilled terminal jobs: %w", err)
	}

	defer rows.Close()

	return scanRows[models.SchedulerJob](rows)
}

// QueueDepth returns the number of jobs occupying a cluster, meaning all
// jobs the broker has accepted for it that are not terminal yet.
func (s *Store) QueueDepth(ctx context.Context, clusterID string) (int64, error) {
	var depth int64

	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE cluster_id = ? AND state NOT IN %s",
		base.SchedulerJobsDBTableName, terminalStatesSQL,
	), clusterID).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch queue depth of cluster %s: %w", clusterID, err)
	}

	return depth, nil
}

// SaveRoutingDecision records a routing decision. Decisions are immutable,
// a second write for the same job inserts nothing.
func (s *Store) SaveRoutingDecision(ctx context.Context, decision models.RoutingDecision) error {
	_, err := s.db.ExecContext(
		ctx,
		prepareStatements[base.RoutingDecisionsDBTableName],
		decision.JobUUID, decision.SelectedCluster, decision.SelectedOffering,
		decision.Candidates, decision.Reason, decision.DecisionHash,
		decision.CreatedAt, decision.CreatedAtTS,
	)
	if err != nil {
		return fmt.Errorf("failed to save routing decision for job %s: %w", decision.JobUUID, err)
	}

	return nil
}

// RoutingDecision returns the routing decision of a job when one exists.
func (s *Store) RoutingDecision(ctx context.Context, jobUUID string) (models.RoutingDecision, bool, error) {
	decision, err := scanOneRow[models.RoutingDecision](s.db.QueryContext(
		ctx, fmt.Sprintf("SELECT * FROM %s WHERE job_uuid = ?", base.RoutingDecisionsDBTableName), jobUUID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return models.RoutingDecision{}, false, nil
	}

	if err != nil {
		return models.RoutingDecision{}, false, fmt.Errorf("failed to fetch routing decision for job %s: %w", jobUUID, err)
	}

	return decision, true, nil
}

// SaveUsageRecord appends a usage record. A final record also folds the
// job's consumption into the per customer and cluster rolling aggregate,
// atomically with the insert. Replayed records conflict on their content
// derived UUID and leave both the records and the aggregate untouched.
func (s *Store) SaveUsageRecord(ctx context.Context, record models.UsageRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin SQL transaction: %w", err)
	}

	defer tx.Rollback() //nolint:errcheck

	result, err := tx.ExecContext(
		ctx,
		prepareStatements[base.UsageRecordsDBTableName],
		record.UUID, record.JobUUID, record.ClusterID, record.ProviderAddr,
		record.CustomerAddr, record.PeriodStart, record.PeriodStartTS,
		record.PeriodEnd, record.PeriodEndTS, record.WallClockSeconds,
		record.CPUCoreSeconds, record.MemoryGBSeconds, record.IsFinal,
		record.JobStateAtRecord, record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save usage record for job %s: %w", record.JobUUID, err)
	}

	if record.IsFinal == 0 {
		return tx.Commit()
	}

	if inserted, err := result.RowsAffected(); err != nil || inserted == 0 {
		return tx.Commit()
	}

	metrics := models.MetricMap{
		"wallclock_seconds": models.JSONFloat(record.WallClockSeconds),
		"cpu_core_seconds":  models.JSONFloat(record.CPUCoreSeconds),
		"memory_gb_seconds": models.JSONFloat(record.MemoryGBSeconds),
	}

	if _, err := tx.ExecContext(
		ctx,
		prepareStatements[base.UsageAggsDBTableName],
		record.CustomerAddr, record.ClusterID, 1, metrics, metrics, record.CreatedAt,
		1, metrics, metrics, 1, record.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to update usage aggregate for %s: %w", record.CustomerAddr, err)
	}

	return tx.Commit()
}

// UsageRecords returns all usage records of a job in recording order.
func (s *Store) UsageRecords(ctx context.Context, jobUUID string) ([]models.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT * FROM %s WHERE job_uuid = ? ORDER BY id", base.UsageRecordsDBTableName,
	), jobUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch usage records for job %s: %w", jobUUID, err)
	}

	defer rows.Close()

	return scanRows[models.UsageRecord](rows)
}

// LatestUsageRecord returns the most recent usage record of a job.
func (s *Store) LatestUsageRecord(ctx context.Context, jobUUID string) (models.UsageRecord, bool, error) {
	record, err := scanOneRow[models.UsageRecord](s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT * FROM %s WHERE job_uuid = ? ORDER BY id DESC LIMIT 1", base.UsageRecordsDBTableName,
	), jobUUID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.UsageRecord{}, false, nil
	}

	if err != nil {
		return models.UsageRecord{}, false, fmt.Errorf("failed to fetch latest usage record for job %s: %w", jobUUID, err)
	}

	return record, true, nil
}

// FinalUsageRecord returns the record that closed billing for a job when one
// exists.
func (s *Store) FinalUsageRecord(ctx context.Context, jobUUID string) (models.UsageRecord, bool, error) {
	record, err := scanOneRow[models.UsageRecord](s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT * FROM %s WHERE job_uuid = ? AND is_final = 1", base.UsageRecordsDBTableName,
	), jobUUID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.UsageRecord{}, false, nil
	}

	if err != nil {
		return models.UsageRecord{}, false, fmt.Errorf("failed to fetch final usage record for job %s: %w", jobUUID, err)
	}

	return record, true, nil
}

// HasFinalUsageRecord reports whether billing has been closed for a job.
func (s *Store) HasFinalUsageRecord(ctx context.Context, jobUUID string) (bool, error) {
	var count int64

	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE job_uuid = ? AND is_final = 1", base.UsageRecordsDBTableName,
	), jobUUID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check final usage record for job %s: %w", jobUUID, err)
	}

	return count > 0, nil
}

// SaveInvoice inserts an invoice or updates its settlement state in place.
// Line items and amounts are immutable after the first write.
func (s *Store) SaveInvoice(ctx context.Context, invoice models.Invoice) error {
	_, err := s.db.ExecContext(
		ctx,
		prepareStatements[base.InvoicesDBTableName],
		invoice.UUID, invoice.JobUUID, invoice.CustomerAddr, invoice.ProviderAddr,
		invoice.LineItems, invoice.TotalAmount, invoice.Currency, invoice.Status,
		invoice.DisputeReason, invoice.CreatedAt, invoice.CreatedAtTS,
		invoice.SettledAt, invoice.SettledAtTS,
		invoice.Status, invoice.DisputeReason, invoice.SettledAt, invoice.SettledAtTS,
	)
	if err != nil {
		return fmt.Errorf("failed to save invoice %s: %w", invoice.UUID, err)
	}

	return nil
}

// SetInvoiceStatus compare-and-swaps the settlement state of an invoice.
// Returns false when the invoice was not in the expected state, which means
// a concurrent writer got there first.
func (s *Store) SetInvoiceStatus(
	ctx context.Context, uuid string, from models.InvoiceStatus, to models.InvoiceStatus,
	disputeReason string, settledAt string, settledAtTS int64,
) (bool, error) {
	result, err := s.db.ExecContext(
		ctx,
		fmt.Sprintf(
			"UPDATE %s SET status = ?, dispute_reason = ?, settled_at = ?, settled_at_ts = ? WHERE uuid = ? AND status = ?",
			base.InvoicesDBTableName,
		),
		to, disputeReason, settledAt, settledAtTS, uuid, from,
	)
	if err != nil {
		return false, fmt.Errorf("failed to set status of invoice %s: %w", uuid, err)
	}

	updated, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return updated > 0, nil
}

// Invoice returns the invoice with the given UUID.
func (s *Store) Invoice(ctx context.Context, uuid string) (models.Invoice, error) {
	invoice, err := scanOneRow[models.Invoice](s.db.QueryContext(
		ctx, fmt.Sprintf("SELECT * FROM %s WHERE uuid = ?", base.InvoicesDBTableName), uuid,
	))
	if err != nil {
		return models.Invoice{}, fmt.Errorf("failed to fetch invoice %s: %w", uuid, err)
	}

	return invoice, nil
}

// InvoiceForJob returns the invoice billing a job when one exists.
func (s *Store) InvoiceForJob(ctx context.Context, jobUUID string) (models.Invoice, bool, error) {
	invoice, err := scanOneRow[models.Invoice](s.db.QueryContext(
		ctx, fmt.Sprintf("SELECT * FROM %s WHERE job_uuid = ?", base.InvoicesDBTableName), jobUUID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Invoice{}, false, nil
	}

	if err != nil {
		return models.Invoice{}, false, fmt.Errorf("failed to fetch invoice for job %s: %w", jobUUID, err)
	}

	return invoice, true, nil
}

// SavePayout records the provider payout of a settled invoice. At most one
// payout exists per invoice, repeated writes insert nothing.
func (s *Store) SavePayout(ctx context.Context, payout models.Payout) error {
	_, err := s.db.ExecContext(
		ctx,
		prepareStatements[base.PayoutsDBTableName],
		payout.UUID, payout.InvoiceUUID, payout.ProviderAddr, payout.Amount,
		payout.Currency, payout.Status, payout.CreatedAt, payout.CreatedAtTS,
	)
	if err != nil {
		return fmt.Errorf("failed to save payout for invoice %s: %w", payout.InvoiceUUID, err)
	}

	return nil
}

// PayoutForInvoice returns the payout of an invoice when one exists.
func (s *Store) PayoutForInvoice(ctx context.Context, invoiceUUID string) (models.Payout, bool, error) {
	payout, err := scanOneRow[models.Payout](s.db.QueryContext(
		ctx, fmt.Sprintf("SELECT * FROM %s WHERE invoice_uuid = ?", base.PayoutsDBTableName), invoiceUUID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Payout{}, false, nil
	}

	if err != nil {
		return models.Payout{}, false, fmt.Errorf("failed to fetch payout for invoice %s: %w", invoiceUUID, err)
	}

	return payout, true, nil
}

// SavePlatformFee records the platform fee of a settled invoice. At most one
// fee exists per invoice, repeated writes insert nothing.
func (s *Store) SavePlatformFee(ctx context.Context, fee models.PlatformFee) error {
	_, err := s.db.ExecContext(
		ctx,
		prepareStatements[base.PlatformFeesDBTableName],
		fee.UUID, fee.InvoiceUUID, fee.Amount, fee.Currency, fee.Status,
		fee.CreatedAt, fee.CreatedAtTS,
	)
	if err != nil {
		return fmt.Errorf("failed to save platform fee for invoice %s: %w", fee.InvoiceUUID, err)
	}

	return nil
}

// PlatformFeeForInvoice returns the platform fee of an invoice when one
// exists.
func (s *Store) PlatformFeeForInvoice(ctx context.Context, invoiceUUID string) (models.PlatformFee, bool, error) {
	fee, err := scanOneRow[models.PlatformFee](s.db.QueryContext(
		ctx, fmt.Sprintf("SELECT * FROM %s WHERE invoice_uuid = ?", base.PlatformFeesDBTableName), invoiceUUID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return models.PlatformFee{}, false, nil
	}

	if err != nil {
		return models.PlatformFee{}, false, fmt.Errorf("failed to fetch platform fee for invoice %s: %w", invoiceUUID, err)
	}

	return fee, true, nil
}

// AppendAuditRecord appends one entry to an invoice audit trail.
func (s *Store) AppendAuditRecord(ctx context.Context, record models.AuditRecord) error {
	_, err := s.db.ExecContext(
		ctx,
		prepareStatements[base.AuditRecordsDBTableName],
		record.InvoiceUUID, record.Action, record.Details, record.CreatedAt, record.CreatedAtTS,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit record for invoice %s: %w", record.InvoiceUUID, err)
	}

	return nil
}

// AuditRecords returns the audit trail of an invoice in append order.
func (s *Store) AuditRecords(ctx context.Context, invoiceUUID string) ([]models.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT * FROM %s WHERE invoice_uuid = ? ORDER BY id", base.AuditRecordsDBTableName,
	), invoiceUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch audit records for invoice %s: %w", invoiceUUID, err)
	}

	defer rows.Close()

	return scanRows[models.AuditRecord](rows)
}

// HasStatusReport reports whether a report with the given content derived
// UUID has already been submitted.
func (s *Store) HasStatusReport(ctx context.Context, uuid string) (bool, error) {
	var count int64

	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(*) FROM %s WHERE uuid = ?", base.StatusReportsDBTableName,
	), uuid).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check status report %s: %w", uuid, err)
	}

	return count > 0, nil
}

// SaveStatusReport records a status report submission. Returns false when an
// identical report, by content derived UUID, was already recorded.
func (s *Store) SaveStatusReport(ctx context.Context, report models.StatusReport) (bool, error) {
	result, err := s.db.ExecContext(
		ctx,
		prepareStatements[base.StatusReportsDBTableName],
		report.UUID, report.JobUUID, report.ProviderAddr, report.State,
		report.Signature, report.Details, report.Channel,
		report.SubmittedAt, report.SubmittedAtTS,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save status report %s: %w", report.UUID, err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return inserted > 0, nil
}
