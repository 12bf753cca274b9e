package main

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	http_config "github.com/prometheus/common/config"

	"github.com/combs-dev/combs/pkg/broker/models"
)

const (
	headerKeyAcceptEncoding = "Accept-Encoding"
)

// newAPIClient reads the config file and returns an HTTP client for the
// broker API server along with its base URL. The identity header carries
// customer_addr from the config file when it is set, the OS user name
// otherwise.
func newAPIClient(currentAddr string) (*http.Client, *url.URL, error) {
	// By this time, user input is validated. Time to read config file
	// to get HTTP config to connect to the broker API server.
	// Either setuid or setgid bits must be applied on the app so that
	// the config file can be read as the owner of this app
	config, err := readConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if config.Broker.CustomerAddr != "" {
		currentAddr = config.Broker.CustomerAddr
	}

	// Add identity header to HTTP config
	identityHeader := http_config.Header{
		Values: []string{currentAddr},
	}
	if config.Broker.Web.HTTPClientConfig.HTTPHeaders != nil {
		config.Broker.Web.HTTPClientConfig.HTTPHeaders.Headers[config.Broker.UserHeaderName] = identityHeader
	} else {
		config.Broker.Web.HTTPClientConfig.HTTPHeaders = &http_config.Headers{
			Headers: map[string]http_config.Header{
				config.Broker.UserHeaderName: identityHeader,
			},
		}
	}

	// Add encoding header
	config.Broker.Web.HTTPClientConfig.HTTPHeaders.Headers[headerKeyAcceptEncoding] = http_config.Header{
		Values: []string{"gzip"},
	}

	// Parse web URL of the broker API server
	apiURL, err := url.Parse(config.Broker.Web.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid broker API server url: %w", errors.Unwrap(err))
	}

	// Make a broker API server client from config file
	apiClient, err := http_config.NewClientFromConfig(config.Broker.Web.HTTPClientConfig, "combs_broker")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create client: %w", errors.Unwrap(err))
	}

	return apiClient, apiURL, nil
}

// statements returns invoices by making requests to the broker API server.
func statements(
	currentAddr string,
	start time.Time,
	end time.Time,
	jobs []string,
	invoiceIDs []string,
	statuses []string,
	customers []string,
) ([]models.Invoice, error) {
	apiClient, apiURL, err := newAPIClient(currentAddr)
	if err != nil {
		return nil, err
	}

	// Make url query parameters. Explicit invoice IDs override the period.
	urlValues := url.Values{}

	if len(invoiceIDs) > 0 {
		for _, invoice := range invoiceIDs {
			urlValues.Add("uuid", invoice)
		}
	} else {
		urlValues["from"] = []string{strconv.FormatInt(start.Unix(), 10)}
		urlValues["to"] = []string{strconv.FormatInt(end.Unix(), 10)}
	}

	for _, job := range jobs {
		urlValues.Add("job", job)
	}

	for _, status := range statuses {
		urlValues.Add("status", status)
	}

	// Even if a normal user makes a request with the --customer flag, if
	// that user is not in admin list, the server scopes the result to the
	// user's own address
	for _, customer := range customers {
		urlValues.Add("customer", customer)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	return makeRequest[models.Invoice](ctx, apiURL.JoinPath("/api/v1/invoices").String(), urlValues, apiClient)
}

// usageTotals returns rolling usage aggregates by making requests to the
// broker API server.
func usageTotals(currentAddr string, customers []string, clusters []string) ([]models.UsageAggregate, error) {
	apiClient, apiURL, err := newAPIClient(currentAddr)
	if err != nil {
		return nil, err
	}

	urlValues := url.Values{}

	for _, customer := range customers {
		urlValues.Add("customer", customer)
	}

	for _, cluster := range clusters {
		urlValues.Add("cluster", cluster)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	return makeRequest[models.UsageAggregate](ctx, apiURL.JoinPath("/api/v1/usage").String(), urlValues, apiClient)
}

// makeRequest does an API request to the broker API server and returns response.
func makeRequest[T any](ctx context.Context, reqURL string, urlValues url.Values, client *http.Client) ([]T, error) {
	// Make a new request
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	// Add role query parameter to request
	req.URL.RawQuery = urlValues.Encode()

	// Make request
	if resp, err := client.Do(req); err != nil {
		return nil, err
	} else {
		defer resp.Body.Close()

		// Any status code other than 200 should be treated as check failure
		if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
			return nil, errNoPerm
		}

		// Read response body
		body, err := getBodyBytes(resp)
		if err != nil {
			return nil, err
		}

		// Unpack into data
		var data Response[T]
		if err = json.Unmarshal(body, &data); err != nil {
			return nil, err
		}

		// Check if Status is error
		if data.Status == "error" {
			return nil, errInternal
		}

		return data.Data, nil
	}
}

func getBodyBytes(res *http.Response) ([]byte, error) {
	if strings.EqualFold(res.Header.Get("Content-Encoding"), "gzip") {
		reader, err := gzip.NewReader(res.Body)
		if err != nil {
			return nil, err
		}
		defer reader.Close()

		return io.ReadAll(reader)
	}

	return io.ReadAll(res.Body)
}
