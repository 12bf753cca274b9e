package scheduler

import (
	"sync"

	"github.com/combs-dev/combs/pkg/broker/models"
)

// Footprint is the capacity a job occupies on a cluster.
type Footprint struct {
	Nodes    int64
	MemoryGB int64
	GPUs     int64
}

// JobFootprint returns the capacity footprint of a job.
func JobFootprint(job *models.Job) Footprint {
	return Footprint{
		Nodes:    job.Nodes,
		MemoryGB: job.MemoryGB * job.Nodes,
		GPUs:     job.GPUs * job.Nodes,
	}
}

// Capacity is the reservation ledger of one cluster. The routing engine
// reserves capacity when it selects a cluster and the scheduler manager
// releases it when the job reaches a terminal state. All mutations go through
// a single mutex so concurrent routing decisions can never double allocate.
//
// A zero limit in any dimension means that dimension is unbounded.
type Capacity struct {
	mu     sync.Mutex
	limits models.CapacityLimits
	used   Footprint
}

// NewCapacity returns a ledger with the given limits and no reservations.
func NewCapacity(limits models.CapacityLimits) *Capacity {
	return &Capacity{limits: limits}
}

// SetLimits replaces the configured limits. Existing reservations are kept
// even when they exceed the new limits; they drain as jobs finish.
func (c *Capacity) SetLimits(limits models.CapacityLimits) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.limits = limits
}

// Limits returns the configured limits.
func (c *Capacity) Limits() models.CapacityLimits {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.limits
}

// Fits reports whether the footprint fits inside the configured limits,
// ignoring current reservations. This is the submission precheck: a job that
// can never fit must be rejected before any backend call.
func (c *Capacity) Fits(fp Footprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return fitsWithin(fp, c.limits, Footprint{})
}

// HasFree reports whether the footprint fits in the currently unreserved
// capacity. Advisory only, the reservation itself happens in TryReserve.
func (c *Capacity) HasFree(fp Footprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return fitsWithin(fp, c.limits, c.used)
}

// TryReserve atomically reserves the footprint when enough free capacity is
// left. It reports whether the reservation was made.
func (c *Capacity) TryReserve(fp Footprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !fitsWithin(fp, c.limits, c.used) {
		return false
	}

	c.used.Nodes += fp.Nodes
	c.used.MemoryGB += fp.MemoryGB
	c.used.GPUs += fp.GPUs

	return true
}

// Release returns a reservation to the pool. Counters clamp at zero as a
// release may arrive after a restart reset the ledger.
func (c *Capacity) Release(fp Footprint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.used.Nodes = max(c.used.Nodes-fp.Nodes, 0)
	c.used.MemoryGB = max(c.used.MemoryGB-fp.MemoryGB, 0)
	c.used.GPUs = max(c.used.GPUs-fp.GPUs, 0)
}

// Headroom returns the fraction of configured capacity still free, in [0, 1].
// Unbounded dimensions count as fully free; the result is the smallest
// fraction across bounded dimensions.
func (c *Capacity) Headroom() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	headroom := 1.0

	for _, dim := range []struct {
		limit int64
		used  int64
	}{
		{c.limits.MaxNodes, c.used.Nodes},
		{c.limits.MaxMemoryGB, c.used.MemoryGB},
		{c.limits.MaxGPUs, c.used.GPUs},
	} {
		if dim.limit <= 0 {
			continue
		}

		free := float64(dim.limit-dim.used) / float64(dim.limit)
		if free < 0 {
			free = 0
		}

		if free < headroom {
			headroom = free
		}
	}

	return headroom
}

// Used returns the currently reserved footprint.
func (c *Capacity) Used() Footprint {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.used
}

// fitsWithin reports whether fp fits inside limits on top of already used
// capacity. Zero limits are unbounded.
func fitsWithin(fp Footprint, limits models.CapacityLimits, used Footprint) bool {
	if limits.MaxNodes > 0 && used.Nodes+fp.Nodes > limits.MaxNodes {
		return false
	}

	if limits.MaxMemoryGB > 0 && used.MemoryGB+fp.MemoryGB > limits.MaxMemoryGB {
		return false
	}

	if limits.MaxGPUs > 0 && used.GPUs+fp.GPUs > limits.MaxGPUs {
		return false
	}

	return true
}
