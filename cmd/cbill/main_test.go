package main

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/combs-dev/combs/pkg/broker/models"
)

// withConfigFile points readConfig at a throwaway config file for the
// duration of one test.
func withConfigFile(t *testing.T, content string) {
	t.Helper()

	tmpDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "config.yml"), []byte(content), 0o600))

	origPaths := configPaths
	configPaths = []string{tmpDir}

	t.Cleanup(func() { configPaths = origPaths })
}

// newEchoServer returns a test broker API server that echoes the request
// query parameters and the identity header back inside the response body.
func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/usage" {
			json.NewEncoder(w).Encode(Response[models.UsageAggregate]{
				Status: "success",
				Data: []models.UsageAggregate{{
					CustomerAddr: r.Header.Get("X-Broker-User"),
					ClusterID:    r.URL.Query().Get("cluster"),
				}},
			})

			return
		}

		json.NewEncoder(w).Encode(Response[models.Invoice]{
			Status: "success",
			Data: []models.Invoice{{
				UUID:         r.URL.Query().Get("uuid"),
				JobUUID:      r.URL.Query().Get("job"),
				CustomerAddr: r.Header.Get("X-Broker-User"),
				Status:       models.InvoiceStatus(r.URL.Query().Get("status")),
				CreatedAt:    r.URL.Query().Get("from"),
				SettledAt:    r.URL.Query().Get("to"),
			}},
		})
	}))

	t.Cleanup(server.Close)

	return server
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Time
		fail     bool
	}{
		{input: "2026-08-25T10:30:45", expected: time.Date(2026, 8, 25, 10, 30, 45, 0, time.UTC)},
		{input: "2026-08-25T10:30", expected: time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)},
		{input: "2026-08-25", expected: time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)},
		{input: "25/08/2026", fail: true},
		{input: "", fail: true},
	}

	for _, test := range tests {
		got, err := parseTime(test.input)
		if test.fail {
			assert.Error(t, err, test.input)
		} else {
			require.NoError(t, err, test.input)
			assert.True(t, test.expected.Equal(got), test.input)
		}
	}
}

func TestSplitString(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitString("a,b", ","))
	assert.Equal(t, []string{"a", "b"}, splitString("a,,b,", ","))
	assert.Empty(t, splitString("", ","))
}

func TestConfigDefaults(t *testing.T) {
	var config Config

	require.NoError(t, yaml.Unmarshal([]byte(`---
combs_broker:
  web:
    url: http://localhost:9320`), &config))

	assert.Equal(t, "http://localhost:9320", config.Broker.Web.URL)
	assert.Equal(t, "X-Broker-User", config.Broker.UserHeaderName)
	assert.Empty(t, config.Broker.CustomerAddr)
}

func TestConfigOverrides(t *testing.T) {
	var config Config

	require.NoError(t, yaml.Unmarshal([]byte(`---
combs_broker:
  web:
    url: http://localhost:9320
  user_header_name: X-Auth-Request-User
  customer_addr: 0xcust`), &config))

	assert.Equal(t, "X-Auth-Request-User", config.Broker.UserHeaderName)
	assert.Equal(t, "0xcust", config.Broker.CustomerAddr)
}

func TestReadConfigMissing(t *testing.T) {
	origPaths := configPaths
	configPaths = []string{t.TempDir()}

	t.Cleanup(func() { configPaths = origPaths })

	_, err := readConfig()
	assert.Error(t, err)
}

func TestInvoiceTable(t *testing.T) {
	invoices := []models.Invoice{
		{
			UUID: "inv-1", JobUUID: "job-1", ProviderAddr: "0xprov",
			TotalAmount: 1.1, Currency: "USD", Status: models.InvoiceStatusSettled,
			CreatedAt: "2026-08-25T10:00:00", SettledAt: "2026-08-25T10:05:00",
		},
		{
			UUID: "inv-2", JobUUID: "job-2", ProviderAddr: "0xprov",
			TotalAmount: 2.4, Currency: "USD", Status: models.InvoiceStatusPending,
			CreatedAt: "2026-08-25T11:00:00",
		},
		{
			UUID: "inv-3", JobUUID: "job-3", ProviderAddr: "0xother",
			TotalAmount: 5, Currency: "EUR", Status: models.InvoiceStatusSettled,
			CreatedAt: "2026-08-25T12:00:00", SettledAt: "2026-08-25T12:30:00",
		},
	}

	tbl := newInvoiceTable(invoices)
	tbl.SetOutputMirror(io.Discard)
	out := tbl.RenderCSV()

	assert.Contains(t, out, "inv-1,job-1,0xprov,1.10,USD,settled")
	assert.Contains(t, out, "inv-2,job-2,0xprov,2.40,USD,pending")

	// One footer row per currency with billed and settled totals
	assert.Contains(t, out, "Total,,,3.50,USD,1.10 settled")
	assert.Contains(t, out, "Total,,,5.00,EUR,5.00 settled")
}

func TestUsageTable(t *testing.T) {
	aggs := []models.UsageAggregate{
		{
			CustomerAddr: "0xcust", ClusterID: "sim-0", NumJobs: 3,
			Totals: models.MetricMap{
				"wallclock_seconds": 7200, "cpu_core_seconds": 14400, "memory_gb_seconds": 28800,
			},
		},
		{
			CustomerAddr: "0xcust", ClusterID: "hpc-1", NumJobs: 1,
			Totals: models.MetricMap{
				"wallclock_seconds": 3600, "cpu_core_seconds": 3600, "memory_gb_seconds": 7200,
			},
		},
	}

	tbl := newUsageTable(aggs)
	tbl.SetOutputMirror(io.Discard)
	out := tbl.RenderCSV()

	// Seconds metrics render as hours
	assert.Contains(t, out, "0xcust,sim-0,3,2.00,4.00,8.00")
	assert.Contains(t, out, "0xcust,hpc-1,1,1.00,1.00,2.00")
	assert.Contains(t, out, "Total,,4,3.00,5.00,10.00")
}

func TestMakeRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/forbidden":
			w.WriteHeader(http.StatusForbidden)
		case "/error":
			json.NewEncoder(w).Encode(Response[models.Invoice]{Status: "error"})
		case "/gzip":
			w.Header().Set("Content-Encoding", "gzip")

			gzipWriter := gzip.NewWriter(w)
			json.NewEncoder(gzipWriter).Encode(Response[models.Invoice]{
				Status: "success",
				Data:   []models.Invoice{{UUID: "inv-1"}},
			})
			gzipWriter.Close()
		default:
			json.NewEncoder(w).Encode(Response[models.Invoice]{
				Status: "success",
				Data:   []models.Invoice{{UUID: "inv-2", JobUUID: r.URL.Query().Get("job")}},
			})
		}
	}))
	defer server.Close()

	ctx := context.Background()

	_, err := makeRequest[models.Invoice](ctx, server.URL+"/forbidden", nil, server.Client())
	assert.ErrorIs(t, err, errNoPerm)

	_, err = makeRequest[models.Invoice](ctx, server.URL+"/error", nil, server.Client())
	assert.ErrorIs(t, err, errInternal)

	invoices, err := makeRequest[models.Invoice](ctx, server.URL+"/gzip", nil, server.Client())
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, "inv-1", invoices[0].UUID)

	invoices, err = makeRequest[models.Invoice](ctx, server.URL, url.Values{"job": []string{"job-7"}}, server.Client())
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	assert.Equal(t, "job-7", invoices[0].JobUUID)
}

func TestStatementsRequest(t *testing.T) {
	server := newEchoServer(t)
	withConfigFile(t, fmt.Sprintf("combs_broker:\n  web:\n    url: %s\n", server.URL))

	start, err := parseTime("2026-08-25T00:00:00")
	require.NoError(t, err)

	end, err := parseTime("2026-08-25T12:00:00")
	require.NoError(t, err)

	invoices, err := statements("0xcust", start, end, []string{"job-1"}, nil, []string{"settled"}, nil)
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	// Echoed back by the test server
	assert.Equal(t, "0xcust", invoices[0].CustomerAddr)
	assert.Equal(t, "job-1", invoices[0].JobUUID)
	assert.Equal(t, models.InvoiceStatusSettled, invoices[0].Status)
	assert.Equal(t, fmt.Sprintf("%d", start.Unix()), invoices[0].CreatedAt)
	assert.Equal(t, fmt.Sprintf("%d", end.Unix()), invoices[0].SettledAt)
}

func TestStatementsExplicitInvoices(t *testing.T) {
	server := newEchoServer(t)
	withConfigFile(t, fmt.Sprintf("combs_broker:\n  web:\n    url: %s\n", server.URL))

	invoices, err := statements("0xcust", time.Now(), time.Now(), nil, []string{"inv-9"}, nil, nil)
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	// Explicit invoice IDs suppress the time window
	assert.Equal(t, "inv-9", invoices[0].UUID)
	assert.Empty(t, invoices[0].CreatedAt)
	assert.Empty(t, invoices[0].SettledAt)
}

func TestStatementsConfigAddrOverride(t *testing.T) {
	server := newEchoServer(t)
	withConfigFile(t, fmt.Sprintf("combs_broker:\n  web:\n    url: %s\n  customer_addr: 0xpinned\n", server.URL))

	invoices, err := statements("osuser", time.Now(), time.Now(), nil, nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	// customer_addr from the config file wins over the OS user name
	assert.Equal(t, "0xpinned", invoices[0].CustomerAddr)
}

func TestUsageTotalsRequest(t *testing.T) {
	server := newEchoServer(t)
	withConfigFile(t, fmt.Sprintf("combs_broker:\n  web:\n    url: %s\n", server.URL))

	aggs, err := usageTotals("0xcust", nil, []string{"sim-0"})
	require.NoError(t, err)
	require.Len(t, aggs, 1)

	assert.Equal(t, "0xcust", aggs[0].CustomerAddr)
	assert.Equal(t, "sim-0", aggs[0].ClusterID)
}
