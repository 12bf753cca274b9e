// Package models defines the data model of the compute brokerage pipeline
package models

import (
	"errors"
	"fmt"

	"github.com/combs-dev/combs/internal/structset"
)

const (
	jobsTableName         = "jobs"
	schedulerJobsTable    = "scheduler_jobs"
	routingDecisionsTable = "routing_decisions"
	usageRecordsTable     = "usage_records"
	invoicesTableName     = "invoices"
	payoutsTableName      = "payouts"
	platformFeesTable     = "platform_fees"
	auditRecordsTable     = "audit_records"
	statusReportsTable    = "status_reports"
	usageAggsTableName    = "usage_aggs"
)

// ErrInvalidJobSpec is returned for malformed job specs. Validation happens
// before any side effect.
var ErrInvalidJobSpec = errors.New("invalid job spec")

// Job is a customer compute request. ClusterID and OfferingID are empty until
// the routing engine places the job; Pricing is the snapshot taken from the
// selected offering at submission time.
type Job struct {
	ID            int64        `json:"-"                         sql:"id"                      sqlitetype:"integer not null primary key"`
	UUID          string       `json:"uuid"                      sql:"uuid"                    sqlitetype:"text"`    // Unique identifier of the job assigned by the broker
	Name          string       `json:"name,omitempty"            sql:"name"                    sqlitetype:"text"`    // Human readable job name
	CustomerAddr  string       `json:"customer_addr"             sql:"customer_addr"           sqlitetype:"text"`    // Address of the customer that submitted the job
	ProviderAddr  string       `json:"provider_addr,omitempty"   sql:"provider_addr"           sqlitetype:"text"`    // Address of the provider operating the selected cluster
	Region        string       `json:"region,omitempty"          sql:"region"                  sqlitetype:"text"`    // Customer declared region used for proximity scoring
	Partition     string       `json:"partition,omitempty"       sql:"partition"               sqlitetype:"text"`    // Requested partition or queue
	Command       string       `json:"command,omitempty"         sql:"command"                 sqlitetype:"text"`    // Workload entry point handed to the backend
	CPUCores      int64        `json:"cpu_cores"                 sql:"cpu_cores"               sqlitetype:"integer"` // Requested CPU cores
	MemoryGB      int64        `json:"memory_gb"                 sql:"memory_gb"               sqlitetype:"integer"` // Requested memory in GB
	GPUs          int64        `json:"gpus"                      sql:"gpus"                    sqlitetype:"integer"` // Requested GPUs
	Nodes         int64        `json:"nodes"                     sql:"nodes"                   sqlitetype:"integer"` // Requested node count
	WallTimeLimit int64        `json:"walltime_limit_seconds"    sql:"walltime_limit_seconds"  sqlitetype:"integer"` // Wall time limit in seconds
	Features      List[string] `json:"features,omitempty"        sql:"features"                sqlitetype:"text"`    // Required feature tags, eg GPU model
	ClusterID     string       `json:"cluster_id,omitempty"      sql:"cluster_id"              sqlitetype:"text"`    // Cluster selected by routing
	OfferingID    string       `json:"offering_id,omitempty"     sql:"offering_id"             sqlitetype:"text"`    // Offering selected by routing
	Pricing       Pricing      `json:"pricing,omitempty"         sql:"pricing"                 sqlitetype:"text"`    // Pricing snapshot taken at submission
	Tags          Tag          `json:"tags,omitempty"            sql:"tags"                    sqlitetype:"text"`    // A map to store generic info
	CreatedAt     string       `json:"created_at,omitempty"      sql:"created_at"              sqlitetype:"text"`    // Submission time
	CreatedAtTS   int64        `json:"created_at_ts,omitempty"   sql:"created_at_ts"           sqlitetype:"integer"` // Submission timestamp
}

// TableName returns the table which jobs are stored into.
func (Job) TableName() string {
	return jobsTableName
}

// TagNames returns a slice of all tag names.
func (j Job) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(j, tag)
}

// TagMap returns a map of tags based on keyTag and valueTag. If keyTag is empty,
// field names are used as map keys.
func (j Job) TagMap(keyTag string, valueTag string) map[string]string {
	return structset.GetStructFieldTagMap(j, keyTag, valueTag)
}

// Validate checks the resource spec before any side effect happens.
func (j *Job) Validate() error {
	switch {
	case j.CustomerAddr == "":
		return fmt.Errorf("%w: customer address missing", ErrInvalidJobSpec)
	case j.CPUCores <= 0:
		return fmt.Errorf("%w: cpu cores must be positive", ErrInvalidJobSpec)
	case j.MemoryGB <= 0:
		return fmt.Errorf("%w: memory must be positive", ErrInvalidJobSpec)
	case j.Nodes <= 0:
		return fmt.Errorf("%w: node count must be positive", ErrInvalidJobSpec)
	case j.GPUs < 0:
		return fmt.Errorf("%w: gpu count must not be negative", ErrInvalidJobSpec)
	case j.WallTimeLimit <= 0:
		return fmt.Errorf("%w: wall time limit must be positive", ErrInvalidJobSpec)
	}

	return nil
}

// SchedulerJob is the 1:1 shadow of a Job that carries its lifecycle state
// from submission onwards. SchedulerJobID stays empty until a backend accepts
// the job. State is owned exclusively by the lifecycle tracker; scheduler
// adapters only propose transitions.
type SchedulerJob struct {
	ID             int64    `json:"-"                        sql:"id"               sqlitetype:"integer not null primary key"`
	UUID           string   `json:"uuid"                     sql:"uuid"             sqlitetype:"text"`    // Internal job identifier, same as Job.UUID
	SchedulerJobID string   `json:"scheduler_job_id"         sql:"scheduler_job_id" sqlitetype:"text"`    // Backend assigned identifier
	Scheduler      string   `json:"scheduler"                sql:"scheduler"        sqlitetype:"text"`    // Name of the backend, eg slurm, k8s, inmem
	ClusterID      string   `json:"cluster_id"               sql:"cluster_id"       sqlitetype:"text"`    // Cluster running the job
	State          JobState `json:"state"                    sql:"state"            sqlitetype:"text"`    // Current lifecycle state
	CreatedAt      string   `json:"created_at,omitempty"     sql:"created_at"       sqlitetype:"text"`    // Submission time
	StartedAt      string   `json:"started_at,omitempty"     sql:"started_at"       sqlitetype:"text"`    // Start time
	StartedAtTS    int64    `json:"started_at_ts,omitempty"  sql:"started_at_ts"    sqlitetype:"integer"` // Start timestamp
	EndedAt        string   `json:"ended_at,omitempty"       sql:"ended_at"         sqlitetype:"text"`    // End time
	EndedAtTS      int64    `json:"ended_at_ts,omitempty"    sql:"ended_at_ts"      sqlitetype:"integer"` // End timestamp
	ExitCode       int64    `json:"exit_code"                sql:"exit_code"        sqlitetype:"integer"` // Exit code, -1 until reported
	Attention      int      `json:"attention,omitempty"      sql:"attention"        sqlitetype:"integer"` // Set when polling retries exhausted and operator review is needed
	PollRetries    int64    `json:"-"                        sql:"poll_retries"     sqlitetype:"integer"` // Consecutive failed polls
	LastPolledAt   string   `json:"-"                        sql:"last_polled_at"   sqlitetype:"text"`    // Last successful poll time
}

// TableName returns the table which scheduler jobs are stored into.
func (SchedulerJob) TableName() string {
	return schedulerJobsTable
}

// TagNames returns a slice of all tag names.
func (s SchedulerJob) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(s, tag)
}

// TagMap returns a map of tags based on keyTag and valueTag. If keyTag is empty,
// field names are used as map keys.
func (s SchedulerJob) TagMap(keyTag string, valueTag string) map[string]string {
	return structset.GetStructFieldTagMap(s, keyTag, valueTag)
}

// RoutingDecision is the auditable record of one placement. Created exactly
// once per job and immutable thereafter; the hash is computed over the sorted
// candidate set, scoring inputs and the final selection.
type RoutingDecision struct {
	ID               int64                `json:"-"                 sql:"id"                sqlitetype:"integer not null primary key"`
	JobUUID          string               `json:"job_uuid"          sql:"job_uuid"          sqlitetype:"text"` // Job this decision places
	SelectedCluster  string               `json:"selected_cluster"  sql:"selected_cluster"  sqlitetype:"text"` // Winning cluster
	SelectedOffering string               `json:"selected_offering" sql:"selected_offering" sqlitetype:"text"` // Winning offering
	Candidates       List[CandidateScore] `json:"candidate_clusters" sql:"candidates"       sqlitetype:"text"` // Sorted surviving candidates with factor scores
	Reason           string               `json:"reason"            sql:"reason"            sqlitetype:"text"` // Human readable explanation
	DecisionHash     string               `json:"decision_hash"     sql:"decision_hash"     sqlitetype:"text"` // Content hash over inputs and outputs
	CreatedAt        string               `json:"created_at"        sql:"created_at"        sqlitetype:"text"`
	CreatedAtTS      int64                `json:"created_at_ts"     sql:"created_at_ts"     sqlitetype:"integer"`
}

// TableName returns the table which routing decisions are stored into.
func (RoutingDecision) TableName() string {
	return routingDecisionsTable
}

// TagNames returns a slice of all tag names.
func (r RoutingDecision) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(r, tag)
}

// TagMap returns a map of tags based on keyTag and valueTag. If keyTag is empty,
// field names are used as map keys.
func (r RoutingDecision) TagMap(keyTag string, valueTag string) map[string]string {
	return structset.GetStructFieldTagMap(r, keyTag, valueTag)
}

// UsageRecord is one metered consumption snapshot of a job. Multiple non
// final records may exist per job; exactly one final record closes billing.
type UsageRecord struct {
	ID               int64    `json:"-"                  sql:"id"                 sqlitetype:"integer not null primary key"`
	UUID             string   `json:"uuid"               sql:"uuid"               sqlitetype:"text"`    // Unique identifier of the record
	JobUUID          string   `json:"job_uuid"           sql:"job_uuid"           sqlitetype:"text"`    // Job the record belongs to
	ClusterID        string   `json:"cluster_id"         sql:"cluster_id"         sqlitetype:"text"`    // Cluster that ran the job
	ProviderAddr     string   `json:"provider_addr"      sql:"provider_addr"      sqlitetype:"text"`    // Provider to be paid
	CustomerAddr     string   `json:"customer_addr"      sql:"customer_addr"      sqlitetype:"text"`    // Customer to be billed
	PeriodStart      string   `json:"period_start"       sql:"period_start"       sqlitetype:"text"`    // Start of metered period
	PeriodStartTS    int64    `json:"period_start_ts"    sql:"period_start_ts"    sqlitetype:"integer"` // Start timestamp of metered period
	PeriodEnd        string   `json:"period_end"         sql:"period_end"         sqlitetype:"text"`    // End of metered period
	PeriodEndTS      int64    `json:"period_end_ts"      sql:"period_end_ts"      sqlitetype:"integer"` // End timestamp of metered period
	WallClockSeconds int64    `json:"wallclock_seconds"  sql:"wallclock_seconds"  sqlitetype:"integer"` // Wall clock seconds consumed so far
	CPUCoreSeconds   int64    `json:"cpu_core_seconds"   sql:"cpu_core_seconds"   sqlitetype:"integer"` // CPU core seconds consumed so far
	MemoryGBSeconds  int64    `json:"memory_gb_seconds"  sql:"memory_gb_seconds"  sqlitetype:"integer"` // Memory GB seconds consumed so far
	IsFinal          int      `json:"is_final"           sql:"is_final"           sqlitetype:"integer"` // 1 for the single record that closes billing
	JobStateAtRecord JobState `json:"job_state_at_record" sql:"job_state_at_record" sqlitetype:"text"`  // Lifecycle state observed when the record was taken
	CreatedAt        string   `json:"created_at"         sql:"created_at"         sqlitetype:"text"`
}

// TableName returns the table which usage records are stored into.
func (UsageRecord) TableName() string {
	return usageRecordsTable
}

// TagNames returns a slice of all tag names.
func (u UsageRecord) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(u, tag)
}

// TagMap returns a map of tags based on keyTag and valueTag. If keyTag is empty,
// field names are used as map keys.
func (u UsageRecord) TagMap(keyTag string, valueTag string) map[string]string {
	return structset.GetStructFieldTagMap(u, keyTag, valueTag)
}

// Metrics returns the metered consumption of the record.
func (u UsageRecord) Metrics() UsageMetrics {
	return UsageMetrics{
		WallClockSeconds: u.WallClockSeconds,
		CPUCoreSeconds:   u.CPUCoreSeconds,
		MemoryGBSeconds:  u.MemoryGBSeconds,
	}
}

// Invoice converts final usage of one job into billable line items. One
// invoice per job per billing period.
type Invoice struct {
	ID            int64          `json:"-"                        sql:"id"             sqlitetype:"integer not null primary key"`
	UUID          string         `json:"uuid"                     sql:"uuid"           sqlitetype:"text"` // Unique identifier of the invoice
	JobUUID       string         `json:"job_uuid"                 sql:"job_uuid"       sqlitetype:"text"` // Job the invoice bills
	CustomerAddr  string         `json:"customer_addr"            sql:"customer_addr"  sqlitetype:"text"`
	ProviderAddr  string         `json:"provider_addr"            sql:"provider_addr"  sqlitetype:"text"`
	LineItems     List[LineItem] `json:"line_items"               sql:"line_items"     sqlitetype:"text"` // Priced resource lines
	TotalAmount   JSONFloat      `json:"total_amount"             sql:"total_amount"   sqlitetype:"real"` // Sum of line item costs
	Currency      string         `json:"currency"                 sql:"currency"       sqlitetype:"text"`
	Status        InvoiceStatus  `json:"status"                   sql:"status"         sqlitetype:"text"` // pending, settled or disputed
	DisputeReason string         `json:"dispute_reason,omitempty" sql:"dispute_reason" sqlitetype:"text"` // Reason recorded when a party disputes
	CreatedAt     string         `json:"created_at"               sql:"created_at"     sqlitetype:"text"`
	CreatedAtTS   int64          `json:"created_at_ts"            sql:"created_at_ts"  sqlitetype:"integer"`
	SettledAt     string         `json:"settled_at,omitempty"     sql:"settled_at"     sqlitetype:"text"`
	SettledAtTS   int64          `json:"settled_at_ts,omitempty"  sql:"settled_at_ts"  sqlitetype:"integer"`
}

// TableName returns the table which invoices are stored into.
func (Invoice) TableName() string {
	return invoicesTableName
}

// TagNames returns a slice of all tag names.
func (i Invoice) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(i, tag)
}

// TagMap returns a map of tags based on keyTag and valueTag. If keyTag is empty,
// field names are used as map keys.
func (i Invoice) TagMap(keyTag string, valueTag string) map[string]string {
	return structset.GetStructFieldTagMap(i, keyTag, valueTag)
}

// Payout is the provider side sub-record of a settled invoice. Immutable once
// recorded.
type Payout struct {
	ID           int64            `json:"-"             sql:"id"            sqlitetype:"integer not null primary key"`
	UUID         string           `json:"uuid"          sql:"uuid"          sqlitetype:"text"`
	InvoiceUUID  string           `json:"invoice_uuid"  sql:"invoice_uuid"  sqlitetype:"text"`
	ProviderAddr string           `json:"provider_addr" sql:"provider_addr" sqlitetype:"text"`
	Amount       JSONFloat        `json:"amount"        sql:"amount"        sqlitetype:"real"`
	Currency     string           `json:"currency"      sql:"currency"      sqlitetype:"text"`
	Status       SettlementStatus `json:"status"        sql:"status"        sqlitetype:"text"`
	CreatedAt    string           `json:"created_at"    sql:"created_at"    sqlitetype:"text"`
	CreatedAtTS  int64            `json:"created_at_ts" sql:"created_at_ts" sqlitetype:"integer"`
}

// TableName returns the table which payouts are stored into.
func (Payout) TableName() string {
	return payoutsTableName
}

// TagNames returns a slice of all tag names.
func (p Payout) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(p, tag)
}

// TagMap returns a map of tags based on keyTag and valueTag. If keyTag is empty,
// field names are used as map keys.
func (p Payout) TagMap(keyTag string, valueTag string) map[string]string {
	return structset.GetStructFieldTagMap(p, keyTag, valueTag)
}

// PlatformFee is the platform side sub-record of a settled invoice. Immutable
// once recorded.
type PlatformFee struct {
	ID          int64            `json:"-"             sql:"id"            sqlitetype:"integer not null primary key"`
	UUID        string           `json:"uuid"          sql:"uuid"          sqlitetype:"text"`
	InvoiceUUID string           `json:"invoice_uuid"  sql:"invoice_uuid"  sqlitetype:"text"`
	Amount      JSONFloat        `json:"amount"        sql:"amount"        sqlitetype:"real"`
	Currency    string           `json:"currency"      sql:"currency"      sqlitetype:"text"`
	Status      SettlementStatus `json:"status"        sql:"status"        sqlitetype:"text"`
	CreatedAt   string           `json:"created_at"    sql:"created_at"    sqlitetype:"text"`
	CreatedAtTS int64            `json:"created_at_ts" sql:"created_at_ts" sqlitetype:"integer"`
}

// TableName returns the table which platform fees are stored into.
func (PlatformFee) TableName() string {
	return platformFeesTable
}

// TagNames returns a slice of all tag names.
func (f PlatformFee) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(f, tag)
}

// TagMap returns a map of tags based on keyTag and valueTag. If keyTag is empty,
// field names are used as map keys.
func (f PlatformFee) TagMap(keyTag string, valueTag string) map[string]string {
	return structset.GetStructFieldTagMap(f, keyTag, valueTag)
}

// AuditRecord is one append-only entry of an invoice audit trail. Audit
// records are never mutated or deleted.
type AuditRecord struct {
	ID          int64   `json:"-"             sql:"id"            sqlitetype:"integer not null primary key"`
	InvoiceUUID string  `json:"invoice_uuid"  sql:"invoice_uuid"  sqlitetype:"text"`
	Action      string  `json:"action"        sql:"action"        sqlitetype:"text"` // created, disputed, dispute_resolved or settled
	Details     Generic `json:"details"       sql:"details"       sqlitetype:"text"` // Action specific context
	CreatedAt   string  `json:"created_at"    sql:"created_at"    sqlitetype:"text"`
	CreatedAtTS int64   `json:"created_at_ts" sql:"created_at_ts" sqlitetype:"integer"`
}

// TableName returns the table which audit records are stored into.
func (AuditRecord) TableName() string {
	return auditRecordsTable
}

// TagNames returns a slice of all tag names.
func (a AuditRecord) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(a, tag)
}

// TagMap returns a map of tags based on keyTag and valueTag. If keyTag is empty,
// field names are used as map keys.
func (a AuditRecord) TagMap(keyTag string, valueTag string) map[string]string {
	return structset.GetStructFieldTagMap(a, keyTag, valueTag)
}

// StatusReport is the submission record of one HPCStatusReport. The UUID is
// derived from report content which makes resubmission of an identical
// report a no-op.
type StatusReport struct {
	ID            int64    `json:"-"              sql:"id"             sqlitetype:"integer not null primary key"`
	UUID          string   `json:"uuid"           sql:"uuid"           sqlitetype:"text"` // Content derived report identifier
	JobUUID       string   `json:"job_uuid"       sql:"job_uuid"       sqlitetype:"text"`
	ProviderAddr  string   `json:"provider_addr"  sql:"provider_addr"  sqlitetype:"text"`
	State         JobState `json:"state"          sql:"state"          sqlitetype:"text"`
	Signature     string   `json:"signature"      sql:"signature"      sqlitetype:"text"`
	Details       Generic  `json:"details"        sql:"details"        sqlitetype:"text"` // Metrics included in the report
	Channel       string   `json:"channel"        sql:"channel"        sqlitetype:"text"` // Submission channel the report went to
	SubmittedAt   string   `json:"submitted_at"   sql:"submitted_at"   sqlitetype:"text"`
	SubmittedAtTS int64    `json:"submitted_at_ts" sql:"submitted_at_ts" sqlitetype:"integer"`
}

// TableName returns the table which status reports are stored into.
func (StatusReport) TableName() string {
	return statusReportsTable
}

// TagNames returns a slice of all tag names.
func (r StatusReport) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(r, tag)
}

// TagMap returns a map of tags based on keyTag and valueTag. If keyTag is empty,
// field names are used as map keys.
func (r StatusReport) TagMap(keyTag string, valueTag string) map[string]string {
	return structset.GetStructFieldTagMap(r, keyTag, valueTag)
}

// UsageAggregate is the rolling per customer and cluster consumption
// aggregate maintained from final usage records.
type UsageAggregate struct {
	ID            int64     `json:"-"              sql:"id"             sqlitetype:"integer not null primary key"`
	CustomerAddr  string    `json:"customer_addr"  sql:"customer_addr"  sqlitetype:"text"`
	ClusterID     string    `json:"cluster_id"     sql:"cluster_id"     sqlitetype:"text"`
	NumJobs       int64     `json:"num_jobs"       sql:"num_jobs"       sqlitetype:"integer"` // Number of billed jobs
	Totals        MetricMap `json:"totals"         sql:"totals"         sqlitetype:"text"`    // Summed metrics over billed jobs
	Averages      MetricMap `json:"averages"       sql:"averages"       sqlitetype:"text"`    // Rolling mean metrics over billed jobs
	LastUpdatedAt string    `json:"-"              sql:"last_updated_at" sqlitetype:"text"`
}

// TableName returns the table which usage aggregates are stored into.
func (UsageAggregate) TableName() string {
	return usageAggsTableName
}

// TagNames returns a slice of all tag names.
func (u UsageAggregate) TagNames(tag string) []string {
	return structset.GetStructFieldTagValues(u, tag)
}

// TagMap returns a map of tags based on keyTag and valueTag. If keyTag is empty,
// field names are used as map keys.
func (u UsageAggregate) TagMap(keyTag string, valueTag string) map[string]string {
	return structset.GetStructFieldTagMap(u, keyTag, valueTag)
}
