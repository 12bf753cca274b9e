// Package routing selects the cluster that executes a brokered job and
// records a tamper evident decision for it.
//
// Candidates are the active offerings whose cluster passes the hard
// constraints: free capacity, partition and feature support, and the
// offering's identity requirements. Survivors are scored along four
// normalized factors and the top ranked candidate wins. Every decision is
// persisted with a content hash over the scoring inputs and the selection
// so it can be re-verified offline. No job reaches a scheduler backend
// before its routing decision exists.
package routing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/combs-dev/combs/pkg/broker/base"
	"github.com/combs-dev/combs/pkg/broker/catalog"
	"github.com/combs-dev/combs/pkg/broker/identity"
	"github.com/combs-dev/combs/pkg/broker/models"
	"github.com/combs-dev/combs/pkg/broker/scheduler"
)

// ErrNoEligibleCluster is returned when no candidate survives filtering.
// The job never reaches a scheduler backend in that case.
var ErrNoEligibleCluster = errors.New("no eligible cluster for job")

// DefaultWeights weigh all four factors equally.
var DefaultWeights = ScoringWeights{
	ResourceAvailability: 0.25,
	QueueDepth:           0.25,
	GeographicProximity:  0.25,
	PriceCompetitiveness: 0.25,
}

// ScoringWeights control how the four factors combine into the ranking.
// The factors themselves are always recorded individually regardless of
// their weight.
type ScoringWeights struct {
	ResourceAvailability models.JSONFloat `yaml:"resource_availability" json:"resource_availability"`
	QueueDepth           models.JSONFloat `yaml:"queue_depth"           json:"queue_depth"`
	GeographicProximity  models.JSONFloat `yaml:"geographic_proximity"  json:"geographic_proximity"`
	PriceCompetitiveness models.JSONFloat `yaml:"price_competitiveness" json:"price_competitiveness"`
}

func (w ScoringWeights) total() float64 {
	return float64(w.ResourceAvailability) + float64(w.QueueDepth) +
		float64(w.GeographicProximity) + float64(w.PriceCompetitiveness)
}

// Config configures the routing engine.
type Config struct {
	Weights ScoringWeights `yaml:"scoring_weights"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain Config

	*c = Config{Weights: DefaultWeights}

	return unmarshal((*plain)(c))
}

// CapacitySource provides the reservation ledgers of the active clusters.
type CapacitySource interface {
	Capacity(clusterID string) (*scheduler.Capacity, bool)
}

// QueueDepthSource estimates the number of jobs waiting or running per
// cluster.
type QueueDepthSource interface {
	QueueDepth(ctx context.Context, clusterID string) (int64, error)
}

// DecisionStore persists routing decisions.
type DecisionStore interface {
	RoutingDecision(ctx context.Context, jobUUID string) (models.RoutingDecision, bool, error)
	SaveRoutingDecision(ctx context.Context, decision models.RoutingDecision) error
}

// Router is the routing engine. Safe for concurrent use, decisions for
// different jobs proceed independently.
type Router struct {
	logger     *slog.Logger
	weights    ScoringWeights
	catalog    *catalog.Catalog
	capacities CapacitySource
	depths     QueueDepthSource
	verifier   identity.Verifier
	store      DecisionStore
}

// New returns a new routing engine.
func New(
	config Config,
	catalog *catalog.Catalog,
	capacities CapacitySource,
	depths QueueDepthSource,
	verifier identity.Verifier,
	store DecisionStore,
	logger *slog.Logger,
) *Router {
	weights := config.Weights
	if weights.total() <= 0 {
		weights = DefaultWeights
	}

	return &Router{
		logger:     logger,
		weights:    weights,
		catalog:    catalog,
		capacities: capacities,
		depths:     depths,
		verifier:   verifier,
		store:      store,
	}
}

// candidate is one offering that survived filtering.
type candidate struct {
	offering models.Offering
	cluster  models.Cluster
	capacity *scheduler.Capacity
	depth    int64
	price    float64
}

// Route computes and persists the routing decision for the job and reserves
// capacity on the selected cluster. On success the job's cluster, offering
// and pricing snapshot are filled in; persisting the job stays with the
// caller. Routing the same job again returns the recorded decision without
// scoring or reserving a second time.
func (r *Router) Route(ctx context.Context, job *models.Job) (models.RoutingDecision, error) {
	existing, found, err := r.store.RoutingDecision(ctx, job.UUID)
	if err != nil {
		return models.RoutingDecision{}, err
	}

	if found {
		r.applySelection(job, existing.SelectedCluster, existing.SelectedOffering)

		return existing, nil
	}

	candidates := r.filter(ctx, job)
	if len(candidates) == 0 {
		return models.RoutingDecision{}, fmt.Errorf("%w: job %s", ErrNoEligibleCluster, job.UUID)
	}

	scores := r.score(job, candidates)

	// Rank best score first, lowest cluster ID on ties
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}

	slices.SortStableFunc(order, func(a, b int) int {
		if scores[a].Score != scores[b].Score {
			if scores[a].Score > scores[b].Score {
				return -1
			}

			return 1
		}

		return strings.Compare(scores[a].ClusterID, scores[b].ClusterID)
	})

	// Reserve on the best candidate still having room. A concurrent decision
	// may have taken the capacity between filtering and here.
	footprint := scheduler.JobFootprint(job)
	selected := -1

	for _, idx := range order {
		if candidates[idx].capacity.TryReserve(footprint) {
			selected = idx

			break
		}
	}

	if selected == -1 {
		return models.RoutingDecision{}, fmt.Errorf("%w: job %s: capacity taken by concurrent decisions", ErrNoEligibleCluster, job.UUID)
	}

	winner := candidates[selected]
	winnerScore := scores[selected]

	hash, err := DecisionHash(job, r.weights, scores, winner.cluster.ID, winner.offering.ID)
	if err != nil {
		winner.capacity.Release(footprint)

		return models.RoutingDecision{}, err
	}

	now := time.Now()
	decision := models.RoutingDecision{
		JobUUID:          job.UUID,
		SelectedCluster:  winner.cluster.ID,
		SelectedOffering: winner.offering.ID,
		Candidates:       models.List[models.CandidateScore](scores),
		Reason: fmt.Sprintf(
			"selected cluster %s via offering %s with score %.3f out of %d candidates",
			winner.cluster.ID, winner.offering.ID, float64(winnerScore.Score), len(scores),
		),
		DecisionHash: hash,
		CreatedAt:    now.Format(base.DatetimeLayout),
		CreatedAtTS:  now.UnixMilli(),
	}

	if err := r.store.SaveRoutingDecision(ctx, decision); err != nil {
		// The reservation must not leak when the decision cannot be recorded
		winner.capacity.Release(footprint)

		return models.RoutingDecision{}, err
	}

	r.applySelection(job, winner.cluster.ID, winner.offering.ID)

	r.logger.Info(
		"Job routed", "job", job.UUID, "cluster", winner.cluster.ID, "offering", winner.offering.ID,
		"score", float64(winnerScore.Score), "num_candidates", len(scores),
	)

	return decision, nil
}

// applySelection writes the selection and the pricing snapshot onto the job.
// An already snapshotted pricing is kept, later catalog updates must not
// leak into jobs submitted before them.
func (r *Router) applySelection(job *models.Job, clusterID string, offeringID string) {
	job.ClusterID = clusterID
	job.OfferingID = offeringID

	if cluster, ok := r.catalog.Cluster(clusterID); ok {
		job.ProviderAddr = cluster.ProviderAddr
	}

	if job.Pricing == (models.Pricing{}) {
		if offering, ok := r.catalog.Offering(offeringID); ok {
			job.Pricing = offering.Pricing
		}
	}
}

// filter returns the candidates surviving the hard constraints.
func (r *Router) filter(ctx context.Context, job *models.Job) []candidate {
	footprint := scheduler.JobFootprint(job)

	var candidates []candidate

	for _, offering := range r.catalog.ActiveOfferings() {
		cluster, ok := r.catalog.Cluster(offering.ClusterID)
		if !ok {
			continue
		}

		capacity, ok := r.capacities.Capacity(cluster.ID)
		if !ok {
			r.logger.Debug("No scheduler backend for cluster", "cluster", cluster.ID)

			continue
		}

		if !capacity.HasFree(footprint) {
			continue
		}

		if !clusterSupports(cluster, job) {
			continue
		}

		if req := offering.RequiredIdentity; float64(req.MinScore) > 0 || req.RequiredStatus != "" {
			meets, err := r.verifier.MeetsThreshold(ctx, job.CustomerAddr, float64(req.MinScore), req.RequiredStatus)
			if err != nil {
				r.logger.Warn("Identity check failed, skipping offering", "offering", offering.ID, "err", err)

				continue
			}

			if !meets {
				continue
			}
		}

		depth, err := r.depths.QueueDepth(ctx, cluster.ID)
		if err != nil {
			r.logger.Warn("Queue depth unavailable for cluster", "cluster", cluster.ID, "err", err)

			depth = 0
		}

		candidates = append(candidates, candidate{
			offering: offering,
			cluster:  cluster,
			capacity: capacity,
			depth:    depth,
			price:    hourlyPrice(offering.Pricing, job),
		})
	}

	return candidates
}

// clusterSupports checks partition and feature constraints. Feature tags are
// hard constraints: a cluster that declares no partitions cannot prove it
// carries a requested feature and is filtered out.
func clusterSupports(cluster models.Cluster, job *models.Job) bool {
	if len(cluster.Partitions) == 0 {
		return job.Partition == "" && len(job.Features) == 0
	}

	for _, partition := range cluster.Partitions {
		if partition.State != "" && partition.State != "up" {
			continue
		}

		if job.Partition != "" && partition.Name != job.Partition {
			continue
		}

		supported := true

		for _, feature := range job.Features {
			if !slices.Contains(partition.Features, feature) {
				supported = false

				break
			}
		}

		if supported {
			return true
		}
	}

	return false
}

// score computes the four factors for every candidate. Candidates are
// sorted by cluster and offering ID first so the recorded set and the
// decision hash stay deterministic.
func (r *Router) score(job *models.Job, candidates []candidate) []models.CandidateScore {
	slices.SortFunc(candidates, func(a, b candidate) int {
		if c := strings.Compare(a.cluster.ID, b.cluster.ID); c != 0 {
			return c
		}

		return strings.Compare(a.offering.ID, b.offering.ID)
	})

	median := medianPrice(candidates)

	scores := make([]models.CandidateScore, 0, len(candidates))

	for _, cand := range candidates {
		factors := models.ScoringFactors{
			ResourceAvailability: models.JSONFloat(cand.capacity.Headroom()),
			QueueDepth:           models.JSONFloat(queueDepthFactor(cand)),
			GeographicProximity:  models.JSONFloat(proximityFactor(job.Region, cand.cluster.Region)),
			PriceCompetitiveness: models.JSONFloat(priceFactor(median, cand.price)),
		}

		scores = append(scores, models.CandidateScore{
			ClusterID:  cand.cluster.ID,
			OfferingID: cand.offering.ID,
			Factors:    factors,
			Score:      models.JSONFloat(r.combine(factors)),
		})
	}

	return scores
}

func (r *Router) combine(f models.ScoringFactors) float64 {
	weighted := float64(r.weights.ResourceAvailability)*float64(f.ResourceAvailability) +
		float64(r.weights.QueueDepth)*float64(f.QueueDepth) +
		float64(r.weights.GeographicProximity)*float64(f.GeographicProximity) +
		float64(r.weights.PriceCompetitiveness)*float64(f.PriceCompetitiveness)

	return weighted / r.weights.total()
}

// hourlyPrice is the effective cost of running the job's footprint for one
// hour under the offering's pricing.
func hourlyPrice(pricing models.Pricing, job *models.Job) float64 {
	return float64(pricing.BaseNodeHourPrice)*float64(job.Nodes) +
		float64(pricing.CPUCoreHourPrice)*float64(job.CPUCores*job.Nodes) +
		float64(pricing.MemoryGBHourPrice)*float64(job.MemoryGB*job.Nodes)
}

func medianPrice(candidates []candidate) float64 {
	prices := make([]float64, 0, len(candidates))
	for _, cand := range candidates {
		prices = append(prices, cand.price)
	}

	slices.Sort(prices)

	mid := len(prices) / 2
	if len(prices)%2 == 1 {
		return prices[mid]
	}

	return (prices[mid-1] + prices[mid]) / 2
}

// queueDepthFactor converts the backlog into a score in (0, 1]. The depth is
// normalized by the cluster's node capacity so large clusters are not
// punished for carrying more jobs.
func queueDepthFactor(cand candidate) float64 {
	load := float64(cand.depth)
	if cand.cluster.Capacity.MaxNodes > 0 {
		load /= float64(cand.cluster.Capacity.MaxNodes)
	}

	return 1 / (1 + load)
}

// proximityFactor scores the customer declared region against the cluster
// region: exact region match scores full, same continent half, anything
// else a residual. Jobs without a declared region score neutral everywhere.
func proximityFactor(jobRegion string, clusterRegion string) float64 {
	switch {
	case jobRegion == "":
		return 0.5
	case jobRegion == clusterRegion:
		return 1.0
	case continentOf(jobRegion) == continentOf(clusterRegion):
		return 0.5
	default:
		return 0.1
	}
}

func continentOf(region string) string {
	continent, _, _ := strings.Cut(region, "-")

	return continent
}

// priceFactor scores an hourly price against the candidate set's median.
// The median candidate scores 0.5 and cheaper offerings approach 1.
func priceFactor(median float64, price float64) float64 {
	if median+price <= 0 {
		return 0.5
	}

	return median / (median + price)
}

// hashInputs is the canonical serialization the decision hash is computed
// over. The field order and types are part of the hash contract.
type hashInputs struct {
	JobUUID          string                  `json:"job_uuid"`
	CPUCores         int64                   `json:"cpu_cores"`
	MemoryGB         int64                   `json:"memory_gb"`
	GPUs             int64                   `json:"gpus"`
	Nodes            int64                   `json:"nodes"`
	Region           string                  `json:"region"`
	Partition        string                  `json:"partition,omitempty"`
	Features         []string                `json:"features,omitempty"`
	Weights          ScoringWeights          `json:"weights"`
	Candidates       []models.CandidateScore `json:"candidates"`
	SelectedCluster  string                  `json:"selected_cluster"`
	SelectedOffering string                  `json:"selected_offering"`
}

// DecisionHash computes the content hash over the scoring inputs, the
// sorted candidate set and the selection. Exported so recorded decisions
// can be re-verified offline.
func DecisionHash(
	job *models.Job,
	weights ScoringWeights,
	candidates []models.CandidateScore,
	selectedCluster string,
	selectedOffering string,
) (string, error) {
	payload, err := json.Marshal(hashInputs{
		JobUUID:          job.UUID,
		CPUCores:         job.CPUCores,
		MemoryGB:         job.MemoryGB,
		GPUs:             job.GPUs,
		Nodes:            job.Nodes,
		Region:           job.Region,
		Partition:        job.Partition,
		Features:         job.Features,
		Weights:          weights,
		Candidates:       candidates,
		SelectedCluster:  selectedCluster,
		SelectedOffering: selectedOffering,
	})
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256(payload)

	return hex.EncodeToString(digest[:]), nil
}

// VerifyDecision recomputes the hash of a recorded decision and compares it
// against the stored one.
func VerifyDecision(job *models.Job, weights ScoringWeights, decision models.RoutingDecision) (bool, error) {
	hash, err := DecisionHash(job, weights, decision.Candidates, decision.SelectedCluster, decision.SelectedOffering)
	if err != nil {
		return false, err
	}

	return hash == decision.DecisionHash, nil
}
