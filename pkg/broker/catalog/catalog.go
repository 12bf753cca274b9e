// Package catalog holds the snapshot of clusters and offerings the broker
// trades on. The broker consumes the catalog, it does not own publication:
// entries come from the config file and are never deleted at runtime, only
// deactivated.
package catalog

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/combs-dev/combs/pkg/broker/base"
	"github.com/combs-dev/combs/pkg/broker/models"
)

// ErrUnknownEntry marks lookups and updates of IDs the catalog never had.
var ErrUnknownEntry = errors.New("unknown catalog entry")

// Catalog is safe for concurrent use. Reads vastly outnumber writes, the
// only writers are the operator facing activation and pricing endpoints.
type Catalog struct {
	mu          sync.RWMutex
	clusters    map[string]models.Cluster
	offerings   map[string]models.Offering
	clusterIDs  []string
	offeringIDs []string
}

// New validates the declared clusters and offerings and returns the catalog.
func New(clusters []models.Cluster, offerings []models.Offering) (*Catalog, error) {
	c := &Catalog{
		clusters:  make(map[string]models.Cluster, len(clusters)),
		offerings: make(map[string]models.Offering, len(offerings)),
	}

	for _, cluster := range clusters {
		switch {
		case cluster.ID == "":
			return nil, fmt.Errorf("cluster with name %s has no ID set", cluster.Name)
		case base.InvalidIDRegex.MatchString(cluster.ID):
			return nil, fmt.Errorf("cluster ID %s contains invalid characters", cluster.ID)
		}

		if _, ok := c.clusters[cluster.ID]; ok {
			return nil, fmt.Errorf("duplicate cluster ID %s", cluster.ID)
		}

		c.clusters[cluster.ID] = cluster
		c.clusterIDs = append(c.clusterIDs, cluster.ID)
	}

	for _, offering := range offerings {
		switch {
		case offering.ID == "":
			return nil, errors.New("offering with no ID set")
		case base.InvalidIDRegex.MatchString(offering.ID):
			return nil, fmt.Errorf("offering ID %s contains invalid characters", offering.ID)
		}

		if _, ok := c.offerings[offering.ID]; ok {
			return nil, fmt.Errorf("duplicate offering ID %s", offering.ID)
		}

		if _, ok := c.clusters[offering.ClusterID]; !ok {
			return nil, fmt.Errorf("offering %s references unknown cluster %s", offering.ID, offering.ClusterID)
		}

		c.offerings[offering.ID] = offering
		c.offeringIDs = append(c.offeringIDs, offering.ID)
	}

	slices.Sort(c.clusterIDs)
	slices.Sort(c.offeringIDs)

	return c, nil
}

// Clusters returns all clusters ordered by ID.
func (c *Catalog) Clusters() []models.Cluster {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clusters := make([]models.Cluster, 0, len(c.clusterIDs))
	for _, id := range c.clusterIDs {
		clusters = append(clusters, c.clusters[id])
	}

	return clusters
}

// Offerings returns all offerings ordered by ID.
func (c *Catalog) Offerings() []models.Offering {
	c.mu.RLock()
	defer c.mu.RUnlock()

	offerings := make([]models.Offering, 0, len(c.offeringIDs))
	for _, id := range c.offeringIDs {
		offerings = append(offerings, c.offerings[id])
	}

	return offerings
}

// ActiveOfferings returns the offerings open for new jobs, ordered by ID.
// Both the offering and its backing cluster must be active.
func (c *Catalog) ActiveOfferings() []models.Offering {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var offerings []models.Offering

	for _, id := range c.offeringIDs {
		offering := c.offerings[id]
		if !offering.Active {
			continue
		}

		if cluster, ok := c.clusters[offering.ClusterID]; !ok || !cluster.Active {
			continue
		}

		offerings = append(offerings, offering)
	}

	return offerings
}

// Cluster returns the cluster with the given ID.
func (c *Catalog) Cluster(id string) (models.Cluster, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cluster, ok := c.clusters[id]

	return cluster, ok
}

// Offering returns the offering with the given ID.
func (c *Catalog) Offering(id string) (models.Offering, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	offering, ok := c.offerings[id]

	return offering, ok
}

// SetClusterActive flips the activation flag of a cluster.
func (c *Catalog) SetClusterActive(id string, active bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cluster, ok := c.clusters[id]
	if !ok {
		return fmt.Errorf("%w: cluster %s", ErrUnknownEntry, id)
	}

	cluster.Active = active
	c.clusters[id] = cluster

	return nil
}

// SetOfferingActive flips the activation flag of an offering.
func (c *Catalog) SetOfferingActive(id string, active bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	offering, ok := c.offerings[id]
	if !ok {
		return fmt.Errorf("%w: offering %s", ErrUnknownEntry, id)
	}

	offering.Active = active
	c.offerings[id] = offering

	return nil
}

// UpdateOfferingPricing replaces the pricing of an offering. Jobs already
// submitted keep the pricing snapshotted at their submission.
func (c *Catalog) UpdateOfferingPricing(id string, pricing models.Pricing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	offering, ok := c.offerings[id]
	if !ok {
		return fmt.Errorf("%w: offering %s", ErrUnknownEntry, id)
	}

	offering.Pricing = pricing
	c.offerings[id] = offering

	return nil
}

// String renders a short summary for startup logs.
func (c *Catalog) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return fmt.Sprintf(
		"%d clusters (%s), %d offerings",
		len(c.clusterIDs), strings.Join(c.clusterIDs, ", "), len(c.offeringIDs),
	)
}
