package identity

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/combs-dev/combs/pkg/broker/models"
	config_util "github.com/prometheus/common/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var noOpLogger = slog.New(slog.DiscardHandler)

func TestAssessmentMeets(t *testing.T) {
	assessment := Assessment{Address: "0xabc", Score: 0.75, Status: "verified"}

	assert.True(t, assessment.Meets(0.5, ""))
	assert.True(t, assessment.Meets(0.75, "verified"))
	assert.False(t, assessment.Meets(0.8, "verified"))
	assert.False(t, assessment.Meets(0.5, "kyc_complete"))

	// Both predicates must hold
	assert.False(t, assessment.Meets(0.8, "kyc_complete"))
}

func TestConfigDefaults(t *testing.T) {
	var config Config

	require.NoError(t, yaml.Unmarshal([]byte("static_assessments:\n  - address: 0xabc\n    score: 0.9\n"), &config))
	assert.Equal(t, staticBackend, config.Backend)
	assert.Equal(t, "5m", config.CacheTTL.String())
	assert.Len(t, config.StaticAssessments, 1)
}

func TestNewUnknownBackend(t *testing.T) {
	_, err := New(Config{Backend: "ldap"}, noOpLogger)
	assert.Error(t, err)
}

func TestStaticVerifier(t *testing.T) {
	verifier, err := New(Config{
		Backend: staticBackend,
		StaticAssessments: []Assessment{
			{Address: "0xcust", Score: 0.92, Status: "verified"},
			{Address: "0xnewbie", Score: 0.30, Status: "registered"},
		},
	}, noOpLogger)
	require.NoError(t, err)

	defer verifier.Stop()

	ok, err := verifier.MeetsThreshold(t.Context(), "0xcust", 0.5, "verified")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifier.MeetsThreshold(t.Context(), "0xnewbie", 0.5, "")
	require.NoError(t, err)
	assert.False(t, ok)

	// Unknown addresses never meet any threshold
	ok, err = verifier.MeetsThreshold(t.Context(), "0xghost", 0, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPVerifier(t *testing.T) {
	var requests int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++

		switch r.URL.Path {
		case "/api/v1/assessments/0xcust":
			w.Write([]byte(`{"address": "0xcust", "score": 0.92, "status": "verified"}`)) //nolint:errcheck
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	verifier, err := New(Config{
		Backend: httpBackend,
		Web: models.WebConfig{
			URL:              server.URL,
			HTTPClientConfig: config_util.DefaultHTTPClientConfig,
		},
	}, noOpLogger)
	require.NoError(t, err)

	defer verifier.Stop()

	ok, err := verifier.MeetsThreshold(t.Context(), "0xcust", 0.5, "verified")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second check must come from the cache
	ok, err = verifier.MeetsThreshold(t.Context(), "0xcust", 0.95, "")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, requests)

	// Service errors propagate instead of silently failing the gate
	_, err = verifier.MeetsThreshold(t.Context(), "0xghost", 0.5, "")
	assert.Error(t, err)
}
