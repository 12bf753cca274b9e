package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jellydator/ttlcache/v3"
	config_util "github.com/prometheus/common/config"
)

// httpVerifier fetches assessments from an external verification service.
// Responses are cached so that routing filters do not hit the service once
// per candidate offering.
type httpVerifier struct {
	logger *slog.Logger
	client *http.Client
	url    *url.URL
	cache  *ttlcache.Cache[string, Assessment]
}

func newHTTPVerifier(config Config, logger *slog.Logger) (*httpVerifier, error) {
	client, err := config_util.NewClientFromConfig(config.Web.HTTPClientConfig, "identity_verifier")
	if err != nil {
		logger.Error("Failed to create HTTP client for identity verifier", "err", err)

		return nil, err
	}

	verifierURL, err := url.Parse(config.Web.URL)
	if err != nil {
		logger.Error("Failed to parse identity verifier URL", "err", err)

		return nil, err
	}

	cache := ttlcache.New(
		ttlcache.WithTTL[string, Assessment](time.Duration(config.CacheTTL)),
		ttlcache.WithDisableTouchOnHit[string, Assessment](),
	)

	go cache.Start()

	logger.Info("Using identity verification service", "url", verifierURL.Redacted(), "cache_ttl", config.CacheTTL)

	return &httpVerifier{
		logger: logger,
		client: client,
		url:    verifierURL,
		cache:  cache,
	}, nil
}

// MeetsThreshold fetches the assessment of the address and checks it
// against both predicates.
func (v *httpVerifier) MeetsThreshold(ctx context.Context, customerAddr string, minScore float64, requiredStatus string) (bool, error) {
	assessment, err := v.assessment(ctx, customerAddr)
	if err != nil {
		return false, err
	}

	return assessment.Meets(minScore, requiredStatus), nil
}

// Stop releases the cache resources.
func (v *httpVerifier) Stop() {
	v.cache.Stop()
}

// assessment returns the cached assessment of the address, fetching it from
// the verification service on a miss.
func (v *httpVerifier) assessment(ctx context.Context, customerAddr string) (Assessment, error) {
	if item := v.cache.Get(customerAddr); item != nil {
		return item.Value(), nil
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		v.url.JoinPath("api/v1/assessments", customerAddr).String(),
		nil,
	)
	if err != nil {
		return Assessment{}, fmt.Errorf("failed to create identity verifier request: %w", err)
	}

	assessment, err := apiRequest[Assessment](req, v.client)
	if err != nil {
		return Assessment{}, fmt.Errorf("failed to fetch assessment of %s: %w", customerAddr, err)
	}

	v.cache.Set(customerAddr, assessment, ttlcache.DefaultTTL)

	return assessment, nil
}

// apiRequest makes the request using client and returns response.
func apiRequest[T any](req *http.Request, client *http.Client) (T, error) {
	resp, err := client.Do(req)
	if err != nil {
		return *new(T), err
	}
	defer resp.Body.Close()

	// Check status code
	if resp.StatusCode != http.StatusOK {
		return *new(T), fmt.Errorf("request failed with status: %d", resp.StatusCode)
	}

	// Read response body
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return *new(T), err
	}

	// Unpack into data
	var data T
	if err = json.Unmarshal(body, &data); err != nil {
		return *new(T), err
	}

	return data, nil
}
