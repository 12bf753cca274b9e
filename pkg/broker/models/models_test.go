package models

import (
	"encoding/json"
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestJobStateTerminal(t *testing.T) {
	terminalStates := []JobState{JobStateCompleted, JobStateFailed, JobStateCancelled, JobStateTimeout}

	for _, state := range JobStates {
		if assert.True(t, state.Known(), "state %s must be known", state) {
			assert.Equal(t, slices.Contains(terminalStates, state), state.Terminal(), "state %s", state)
		}
	}

	// Unknown states are never terminal
	assert.False(t, JobState("exploded").Terminal())
	assert.False(t, JobState("exploded").Known())
}

func TestJobValidate(t *testing.T) {
	validJob := func() Job {
		return Job{
			CustomerAddr:  "0xcustomer",
			CPUCores:      4,
			MemoryGB:      16,
			Nodes:         1,
			WallTimeLimit: 3600,
		}
	}

	job := validJob()
	require.NoError(t, job.Validate())

	tests := []struct {
		name   string
		mangle func(*Job)
	}{
		{
			name:   "missing customer",
			mangle: func(j *Job) { j.CustomerAddr = "" },
		},
		{
			name:   "zero cpu",
			mangle: func(j *Job) { j.CPUCores = 0 },
		},
		{
			name:   "negative memory",
			mangle: func(j *Job) { j.MemoryGB = -1 },
		},
		{
			name:   "zero nodes",
			mangle: func(j *Job) { j.Nodes = 0 },
		},
		{
			name:   "negative gpus",
			mangle: func(j *Job) { j.GPUs = -2 },
		},
		{
			name:   "zero walltime",
			mangle: func(j *Job) { j.WallTimeLimit = 0 },
		},
	}

	for _, test := range tests {
		job := validJob()
		test.mangle(&job)

		err := job.Validate()
		require.Error(t, err, test.name)
		assert.ErrorIs(t, err, ErrInvalidJobSpec, test.name)
	}
}

func TestGenericScan(t *testing.T) {
	var g Generic

	require.NoError(t, g.Scan([]byte(`{"num_jobs": 2, "avg_score": 1.5, "name": "gpu"}`)))

	// Whole numbers come back as int64, fractions stay json.Number
	assert.Equal(t, int64(2), g["num_jobs"])
	assert.Equal(t, json.Number("1.5"), g["avg_score"])
	assert.Equal(t, "gpu", g["name"])

	// nil column leaves the map untouched
	require.NoError(t, g.Scan(nil))
	assert.Len(t, g, 3)

	// Unsupported driver types are rejected
	assert.Error(t, g.Scan(42))
}

func TestListRoundTrip(t *testing.T) {
	items := List[LineItem]{
		{ResourceType: "node_hours", Quantity: 1, UnitPrice: 10, TotalCost: 10},
		{ResourceType: "cpu_core_hours", Quantity: 8, UnitPrice: 0.1, TotalCost: 0.8},
	}

	v, err := items.Value()
	require.NoError(t, err)

	var scanned List[LineItem]

	require.NoError(t, scanned.Scan(v))
	assert.Equal(t, items, scanned)
}

func TestJSONFloatInf(t *testing.T) {
	out, err := json.Marshal(JSONFloat(math.Inf(1)))
	require.NoError(t, err)
	assert.Equal(t, "0", string(out))

	var in JSONFloat

	require.NoError(t, in.UnmarshalJSON([]byte("-Inf")))
	assert.True(t, math.IsInf(float64(in), -1))

	require.NoError(t, in.UnmarshalJSON([]byte("10.96")))
	assert.InDelta(t, 10.96, float64(in), 1e-9)
}

func TestClusterUnmarshalDefaults(t *testing.T) {
	clusterYAML := `
id: hpc-0
name: Test cluster
region: eu-west
scheduler: slurm
capacity:
  max_nodes: 10
  max_memory_gb: 640
`

	var c Cluster

	require.NoError(t, yaml.Unmarshal([]byte(clusterYAML), &c))
	assert.Equal(t, "hpc-0", c.ID)
	assert.True(t, c.Active, "clusters must default to active")
	assert.Equal(t, int64(10), c.Capacity.MaxNodes)

	inactiveYAML := `
id: hpc-1
scheduler: slurm
active: false
`

	require.NoError(t, yaml.Unmarshal([]byte(inactiveYAML), &c))
	assert.False(t, c.Active)
}

func TestOfferingUnmarshalDefaults(t *testing.T) {
	offeringYAML := `
id: offer-0
cluster_id: hpc-0
pricing:
  base_node_hour_price: 10.0
  cpu_core_hour_price: 0.10
  memory_gb_hour_price: 0.01
  currency: USD
required_identity:
  min_score: 0.5
  required_status: verified
`

	var o Offering

	require.NoError(t, yaml.Unmarshal([]byte(offeringYAML), &o))
	assert.True(t, o.Active, "offerings must default to active")
	assert.InDelta(t, 10.0, float64(o.Pricing.BaseNodeHourPrice), 1e-9)
	assert.InDelta(t, 0.5, float64(o.RequiredIdentity.MinScore), 1e-9)
	assert.Equal(t, "verified", o.RequiredIdentity.RequiredStatus)
}

func TestEntityTagMaps(t *testing.T) {
	// Column names must line up between TagNames and TagMap for the statement builders
	jobCols := Job{}.TagNames("sql")
	assert.Contains(t, jobCols, "uuid")
	assert.Contains(t, jobCols, "pricing")

	colTypes := Job{}.TagMap("sql", "sqlitetype")
	assert.Len(t, colTypes, len(jobCols))
	assert.Equal(t, "integer not null primary key", colTypes["id"])

	usageCols := UsageRecord{}.TagNames("sql")
	assert.Contains(t, usageCols, "is_final")
	assert.Contains(t, usageCols, "job_state_at_record")
}
