package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"slices"

	"github.com/prometheus/common/config"
	"gopkg.in/yaml.v3"
)

// UnknownExitCode is stored on a scheduler job until a backend reports a
// real exit code.
const UnknownExitCode int64 = -1

// JobState is the canonical lifecycle state of a brokered job.
type JobState string

// All job states. A job enters the pipeline as Pending and leaves it in one of
// the terminal states.
const (
	JobStatePending   JobState = "pending"
	JobStateQueued    JobState = "queued"
	JobStateStarting  JobState = "starting"
	JobStateRunning   JobState = "running"
	JobStateSuspended JobState = "suspended"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
	JobStateTimeout   JobState = "timeout"
)

// JobStates is the list of all known job states.
var JobStates = []JobState{
	JobStatePending,
	JobStateQueued,
	JobStateStarting,
	JobStateRunning,
	JobStateSuspended,
	JobStateCompleted,
	JobStateFailed,
	JobStateCancelled,
	JobStateTimeout,
}

// Terminal returns true when no further transitions are permitted from s.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled, JobStateTimeout:
		return true
	default:
		return false
	}
}

// Known returns true when s is one of the defined job states.
func (s JobState) Known() bool {
	return slices.Contains(JobStates, s)
}

func (s JobState) String() string {
	return string(s)
}

// InvoiceStatus is the settlement state of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusPending  InvoiceStatus = "pending"
	InvoiceStatusSettled  InvoiceStatus = "settled"
	InvoiceStatusDisputed InvoiceStatus = "disputed"
)

// SettlementStatus is the state of a payout or platform fee sub-record.
type SettlementStatus string

const (
	SettlementStatusPending   SettlementStatus = "pending"
	SettlementStatusCompleted SettlementStatus = "completed"
	SettlementStatusFailed    SettlementStatus = "failed"
)

// Audit trail actions appended on invoice lifecycle events.
const (
	AuditActionCreated         = "created"
	AuditActionDisputed        = "disputed"
	AuditActionDisputeResolved = "dispute_resolved"
	AuditActionSettled         = "settled"
)

// Generic is map to store any mixed data types. Only string and int are supported.
// Any number will be converted into int64.
// Ref: https://go.dev/play/p/89ra6QgcZba, https://husobee.github.io/golang/database/2015/06/12/scanner-valuer.html,
// https://gist.github.com/jmoiron/6979540
type Generic map[string]interface{}

// Value implements Valuer interface
func (g Generic) Value() (driver.Value, error) {
	generic, err := json.Marshal(g)
	if err != nil {
		return nil, err
	}

	return driver.Value(string(generic)), nil
}

// Scan implements Scanner interface
func (g *Generic) Scan(v interface{}) error {
	if v == nil {
		return nil
	}

	// Initialise a json decoder
	var d *json.Decoder

	switch data := v.(type) {
	case string:
		d = json.NewDecoder(bytes.NewReader([]byte(data)))
	case []byte:
		d = json.NewDecoder(bytes.NewReader(data))
	default:
		return fmt.Errorf("cannot scan type %t into Map", v)
	}

	// Decode into a tmp var
	var tmp map[string]interface{}

	d.UseNumber()

	if err := d.Decode(&tmp); err != nil {
		return err
	}

	// Convert json.Number to int64
	for k := range tmp {
		switch tmpt := tmp[k].(type) {
		case json.Number:
			if i, err := tmpt.Int64(); err == nil {
				tmp[k] = i
			}
		}
	}

	*g = tmp

	return nil
}

// Tag is a type alias to Generic that stores metadata of jobs and records
type Tag = Generic

// MetricMap is a metric name to value map stored as a JSON object in SQL.
// The SQLite driver registers custom functions that merge and average
// MetricMap columns in place.
type MetricMap map[string]JSONFloat

// Value implements Valuer interface
func (m MetricMap) Value() (driver.Value, error) {
	return jsonValue(m)
}

// Scan implements Scanner interface
func (m *MetricMap) Scan(v interface{}) error {
	return jsonScan(v, m)
}

// List is a slice column stored as a JSON array in SQL.
type List[T any] []T

// Value implements Valuer interface
func (l List[T]) Value() (driver.Value, error) {
	return jsonValue(l)
}

// Scan implements Scanner interface
func (l *List[T]) Scan(v interface{}) error {
	return jsonScan(v, l)
}

// jsonValue marshals v into a JSON string driver value.
func jsonValue(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	return driver.Value(string(b)), nil
}

// jsonScan unmarshals a TEXT/BLOB column into dest.
func jsonScan(v any, dest any) error {
	switch data := v.(type) {
	case nil:
		return nil
	case string:
		return json.Unmarshal([]byte(data), dest)
	case []byte:
		return json.Unmarshal(data, dest)
	default:
		return fmt.Errorf("cannot scan type %T into %T", v, dest)
	}
}

// JSONFloat is a custom float64 that can handle Inf and NaN during JSON (un)marshalling
type JSONFloat float64

// MarshalJSON marshals JSONFloat into byte array
func (j JSONFloat) MarshalJSON() ([]byte, error) {
	v := float64(j)
	if math.IsInf(v, 0) || math.IsNaN(v) {
		// handle infinity, assign desired value to v
		s := "0"

		return []byte(s), nil
	}

	return json.Marshal(v) // marshal result as standard float64
}

// UnmarshalJSON unmarshals byte array into JSONFloat
func (j *JSONFloat) UnmarshalJSON(v []byte) error {
	if s := string(v); s == "+Inf" || s == "-Inf" || s == "NaN" {
		// if +Inf/-Inf indiciates infinity
		if s == "+Inf" {
			*j = JSONFloat(math.Inf(1))

			return nil
		} else if s == "-Inf" {
			*j = JSONFloat(math.Inf(-1))

			return nil
		}

		*j = JSONFloat(math.NaN())

		return nil
	}

	// just a regular float value
	var fv float64
	if err := json.Unmarshal(v, &fv); err != nil {
		return err
	}

	*j = JSONFloat(fv)

	return nil
}

// UsageMetrics is the resource consumption reported by a scheduler backend
// for one job.
type UsageMetrics struct {
	WallClockSeconds int64 `json:"wallclock_seconds"`
	CPUCoreSeconds   int64 `json:"cpu_core_seconds"`
	MemoryGBSeconds  int64 `json:"memory_gb_seconds"`
}

// Value implements Valuer interface
func (m UsageMetrics) Value() (driver.Value, error) {
	return jsonValue(m)
}

// Scan implements Scanner interface
func (m *UsageMetrics) Scan(v interface{}) error {
	return jsonScan(v, m)
}

// Pricing is the unit price sheet of an offering. It is snapshotted onto each
// job at submission time; later catalog updates never change the rates a
// running job is billed at.
type Pricing struct {
	BaseNodeHourPrice JSONFloat `yaml:"base_node_hour_price" json:"base_node_hour_price"`
	CPUCoreHourPrice  JSONFloat `yaml:"cpu_core_hour_price"  json:"cpu_core_hour_price"`
	MemoryGBHourPrice JSONFloat `yaml:"memory_gb_hour_price" json:"memory_gb_hour_price"`
	Currency          string    `yaml:"currency"             json:"currency"`
}

// Value implements Valuer interface
func (p Pricing) Value() (driver.Value, error) {
	return jsonValue(p)
}

// Scan implements Scanner interface
func (p *Pricing) Scan(v interface{}) error {
	return jsonScan(v, p)
}

// IdentityRequirement is the verification level an offering demands from
// customers. Score and status are independent predicates and both must hold.
type IdentityRequirement struct {
	MinScore       JSONFloat `yaml:"min_score"       json:"min_score"`
	RequiredStatus string    `yaml:"required_status" json:"required_status"`
}

// QueueOption is a published partition of an offering.
type QueueOption struct {
	PartitionName string `yaml:"partition_name" json:"partition_name"`
	DisplayName   string `yaml:"display_name"   json:"display_name"`
}

// Partition is a named pool of nodes within a cluster with homogeneous
// capabilities.
type Partition struct {
	Name       string   `yaml:"name"        json:"name"`
	TotalNodes int64    `yaml:"total_nodes" json:"total_nodes"`
	State      string   `yaml:"state"       json:"state"`
	Features   []string `yaml:"features"    json:"features,omitempty"`
}

// CapacityLimits is the configured capacity envelope of a cluster that the
// broker may occupy.
type CapacityLimits struct {
	MaxNodes    int64 `yaml:"max_nodes"     json:"max_nodes"`
	MaxMemoryGB int64 `yaml:"max_memory_gb" json:"max_memory_gb"`
	MaxGPUs     int64 `yaml:"max_gpus"      json:"max_gpus"`
}

// WebConfig contains the client related configuration of a REST API server
type WebConfig struct {
	URL              string                  `yaml:"url"`
	HTTPClientConfig config.HTTPClientConfig `yaml:",inline"`
}

// SetDirectory joins any relative file paths with dir.
func (c *WebConfig) SetDirectory(dir string) {
	c.HTTPClientConfig.SetDirectory(dir)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *WebConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain WebConfig

	*c = WebConfig{
		HTTPClientConfig: config.DefaultHTTPClientConfig,
	}

	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	// The UnmarshalYAML method of HTTPClientConfig is not being called because it's not a pointer.
	// We cannot make it a pointer as the parser panics for inlined pointer structs.
	// Thus we just do its validation here.
	return c.HTTPClientConfig.Validate()
}

// CLIConfig contains the configuration of CLI client
type CLIConfig struct {
	Path    string            `yaml:"path"`
	EnvVars map[string]string `yaml:"environment_variables"`
}

// Cluster is a provider operated HPC resource pool together with the
// scheduler backend configuration needed to reach it. Clusters are declared
// in the catalog config; they are never deleted, only deactivated.
type Cluster struct {
	ID               string         `yaml:"id"                json:"id"`
	Name             string         `yaml:"name"              json:"name"`
	ProviderAddr     string         `yaml:"provider_addr"     json:"provider_addr,omitempty"`
	Region           string         `yaml:"region"            json:"region"`
	Scheduler        string         `yaml:"scheduler"         json:"scheduler"`
	SchedulerVersion string         `yaml:"scheduler_version" json:"scheduler_version,omitempty"`
	Partitions       []Partition    `yaml:"partitions"        json:"partitions,omitempty"`
	Capacity         CapacityLimits `yaml:"capacity"          json:"capacity"`
	Active           bool           `yaml:"active"            json:"active"`
	Web              WebConfig      `yaml:"web"               json:"-"`
	CLI              CLIConfig      `yaml:"cli"               json:"-"`
	Extra            yaml.Node      `yaml:"extra_config"      json:"-"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Cluster) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain Cluster

	*c = Cluster{Active: true}

	return unmarshal((*plain)(c))
}

// Offering is a published, priced service backed by one cluster. Immutable
// once published except the active flag and pricing updates; pricing changes
// apply only to jobs submitted after the change.
type Offering struct {
	ID               string              `yaml:"id"                 json:"id"`
	ClusterID        string              `yaml:"cluster_id"         json:"cluster_id"`
	Pricing          Pricing             `yaml:"pricing"            json:"pricing"`
	QueueOptions     []QueueOption       `yaml:"queue_options"      json:"queue_options,omitempty"`
	RequiredIdentity IdentityRequirement `yaml:"required_identity"  json:"required_identity"`
	Active           bool                `yaml:"active"             json:"active"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (o *Offering) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain Offering

	*o = Offering{Active: true}

	return unmarshal((*plain)(o))
}

// ScoringFactors are the four normalized routing factors recorded for every
// candidate. Each factor is in [0, 1] and individually inspectable.
type ScoringFactors struct {
	ResourceAvailability JSONFloat `json:"resource_availability"`
	QueueDepth           JSONFloat `json:"queue_depth"`
	GeographicProximity  JSONFloat `json:"geographic_proximity"`
	PriceCompetitiveness JSONFloat `json:"price_competitiveness"`
}

// CandidateScore is the recorded scoring of one candidate cluster in a
// routing decision.
type CandidateScore struct {
	ClusterID  string         `json:"cluster_id"`
	OfferingID string         `json:"offering_id"`
	Factors    ScoringFactors `json:"factors"`
	Score      JSONFloat      `json:"score"`
}

// LineItem is one priced resource line of an invoice.
type LineItem struct {
	ResourceType string    `json:"resource_type"`
	Quantity     JSONFloat `json:"quantity"`
	UnitPrice    JSONFloat `json:"unit_price"`
	TotalCost    JSONFloat `json:"total_cost"`
}

// HPCStatusReport is the signed report handed to the external ledger
// submission channel. Submission is idempotent on the content derived ID.
type HPCStatusReport struct {
	ReportID        string        `json:"report_id"`
	ProviderAddress string        `json:"provider_address"`
	JobID           string        `json:"job_id"`
	State           JobState      `json:"state"`
	Signature       string        `json:"signature"`
	Metrics         *UsageMetrics `json:"metrics,omitempty"`
}
