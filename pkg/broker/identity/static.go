package identity

import (
	"context"
	"log/slog"
)

// staticVerifier answers from assessments declared in the config file.
// Suited for private deployments and tests where the customer set is known
// up front.
type staticVerifier struct {
	logger      *slog.Logger
	assessments map[string]Assessment
}

func newStaticVerifier(config Config, logger *slog.Logger) *staticVerifier {
	assessments := make(map[string]Assessment, len(config.StaticAssessments))
	for _, assessment := range config.StaticAssessments {
		assessments[assessment.Address] = assessment
	}

	logger.Info("Using static identity assessments", "num_assessments", len(assessments))

	return &staticVerifier{logger: logger, assessments: assessments}
}

// MeetsThreshold checks the declared assessment of the address. Unknown
// addresses never meet any threshold.
func (v *staticVerifier) MeetsThreshold(_ context.Context, customerAddr string, minScore float64, requiredStatus string) (bool, error) {
	assessment, ok := v.assessments[customerAddr]
	if !ok {
		return false, nil
	}

	return assessment.Meets(minScore, requiredStatus), nil
}

// Stop implements the Verifier interface.
func (v *staticVerifier) Stop() {}
