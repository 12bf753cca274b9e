// Package identity gates job submission on customer identity assessments.
//
// The broker consumes assessments, it never produces them. A verifier
// answers one question: does this customer address satisfy a minimum score
// and a required status. The score minimum and the status requirement are
// independent conditions and both must hold.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/combs-dev/combs/pkg/broker/models"
	"github.com/prometheus/common/model"
)

// ErrIdentityGating blocks job submission. No job and no routing decision
// may be created once this error surfaces.
var ErrIdentityGating = errors.New("identity requirements not met")

// Verifier backends.
const (
	staticBackend = "static"
	httpBackend   = "http"
)

// Assessment is the verifier's view of one customer address.
type Assessment struct {
	Address string           `yaml:"address" json:"address"`
	Score   models.JSONFloat `yaml:"score"   json:"score"`
	Status  string           `yaml:"status"  json:"status"`
}

// Meets reports whether the assessment satisfies both predicates.
func (a Assessment) Meets(minScore float64, requiredStatus string) bool {
	if float64(a.Score) < minScore {
		return false
	}

	if requiredStatus != "" && a.Status != requiredStatus {
		return false
	}

	return true
}

// Verifier answers identity threshold checks for customer addresses.
type Verifier interface {
	MeetsThreshold(ctx context.Context, customerAddr string, minScore float64, requiredStatus string) (bool, error)
	Stop()
}

// Config configures the identity verifier backend.
type Config struct {
	Backend           string           `yaml:"backend"`
	CacheTTL          model.Duration   `yaml:"cache_ttl"`
	StaticAssessments []Assessment     `yaml:"static_assessments"`
	Web               models.WebConfig `yaml:"web"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain Config

	*c = Config{
		Backend:  staticBackend,
		CacheTTL: model.Duration(5 * time.Minute),
	}

	return unmarshal((*plain)(c))
}

// New returns the configured identity verifier.
func New(config Config, logger *slog.Logger) (Verifier, error) {
	switch config.Backend {
	case staticBackend, "":
		return newStaticVerifier(config, logger), nil
	case httpBackend:
		return newHTTPVerifier(config, logger)
	default:
		return nil, fmt.Errorf("unknown identity verifier backend: %s", config.Backend)
	}
}
