package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/combs-dev/combs/pkg/broker/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var noOpLogger = slog.New(slog.DiscardHandler)

type fakeStore struct {
	reports map[string]models.StatusReport
}

func newFakeStore() *fakeStore {
	return &fakeStore{reports: make(map[string]models.StatusReport)}
}

func (s *fakeStore) HasStatusReport(_ context.Context, uuid string) (bool, error) {
	_, ok := s.reports[uuid]

	return ok, nil
}

func (s *fakeStore) SaveStatusReport(_ context.Context, report models.StatusReport) (bool, error) {
	if _, ok := s.reports[report.UUID]; ok {
		return false, nil
	}

	s.reports[report.UUID] = report

	return true, nil
}

type fakeSubmitter struct {
	submitted []models.HPCStatusReport
	err       error
}

func (s *fakeSubmitter) Submit(_ context.Context, report models.HPCStatusReport) error {
	if s.err != nil {
		return s.err
	}

	s.submitted = append(s.submitted, report)

	return nil
}

func (s *fakeSubmitter) Stop() error {
	return nil
}

type fakeSigner struct {
	payloads [][]byte
}

func (s *fakeSigner) Sign(payload []byte) (string, error) {
	s.payloads = append(s.payloads, payload)

	return fmt.Sprintf("sig-%d", len(s.payloads)), nil
}

func TestReportIDDeterministic(t *testing.T) {
	metrics := &models.UsageMetrics{WallClockSeconds: 3600, CPUCoreSeconds: 28800, MemoryGBSeconds: 57600}

	first, err := ReportID("0xprov", "job-1", models.JobStateCompleted, metrics)
	require.NoError(t, err)

	second, err := ReportID("0xprov", "job-1", models.JobStateCompleted, metrics)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := ReportID("0xprov", "job-1", models.JobStateFailed, metrics)
	require.NoError(t, err)
	assert.NotEqual(t, first, other)

	bare, err := ReportID("0xprov", "job-1", models.JobStateCompleted, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, bare)
}

func TestReportSubmitsOnce(t *testing.T) {
	store := newFakeStore()
	submitter := &fakeSubmitter{}
	reporter := newReporter(noOpLogger, store, NoopSigner{}, submitter, logChannel)

	metrics := &models.UsageMetrics{WallClockSeconds: 3600}

	require.NoError(t, reporter.Report(t.Context(), "0xprov", "job-1", models.JobStateCompleted, metrics))
	require.Len(t, submitter.submitted, 1)
	assert.Len(t, store.reports, 1)

	report := submitter.submitted[0]
	assert.Equal(t, "0xprov", report.ProviderAddress)
	assert.Equal(t, "job-1", report.JobID)
	assert.Equal(t, models.JobStateCompleted, report.State)
	require.NotNil(t, report.Metrics)
	assert.Equal(t, int64(3600), report.Metrics.WallClockSeconds)

	// Resubmission of identical content is a no-op
	require.NoError(t, reporter.Report(t.Context(), "0xprov", "job-1", models.JobStateCompleted, metrics))
	assert.Len(t, submitter.submitted, 1)
	assert.Len(t, store.reports, 1)

	// A different state is a different report
	require.NoError(t, reporter.Report(t.Context(), "0xprov", "job-1", models.JobStateFailed, metrics))
	assert.Len(t, submitter.submitted, 2)
}

func TestReportFailedSubmissionIsRetryable(t *testing.T) {
	store := newFakeStore()
	submitter := &fakeSubmitter{err: errors.New("broker unreachable")}
	reporter := newReporter(noOpLogger, store, NoopSigner{}, submitter, kafkaChannel)

	err := reporter.Report(t.Context(), "0xprov", "job-1", models.JobStateCompleted, nil)
	require.Error(t, err)
	assert.Empty(t, store.reports)

	// Once the channel recovers the same report goes through
	submitter.err = nil

	require.NoError(t, reporter.Report(t.Context(), "0xprov", "job-1", models.JobStateCompleted, nil))
	assert.Len(t, submitter.submitted, 1)
	assert.Len(t, store.reports, 1)
}

func TestReportSignsCanonicalPayload(t *testing.T) {
	store := newFakeStore()
	submitter := &fakeSubmitter{}
	signer := &fakeSigner{}
	reporter := newReporter(noOpLogger, store, signer, submitter, logChannel)

	require.NoError(t, reporter.Report(t.Context(), "0xprov", "job-1", models.JobStateCompleted, nil))

	require.Len(t, signer.payloads, 1)

	// The signed payload is the report itself before the signature is set
	var signed models.HPCStatusReport

	require.NoError(t, json.Unmarshal(signer.payloads[0], &signed))
	assert.Equal(t, "job-1", signed.JobID)
	assert.Empty(t, signed.Signature)

	require.Len(t, submitter.submitted, 1)
	assert.Equal(t, "sig-1", submitter.submitted[0].Signature)

	for _, record := range store.reports {
		assert.Equal(t, "sig-1", record.Signature)
	}
}

func TestNewChannelSelection(t *testing.T) {
	reporter, err := New(noOpLogger, newFakeStore(), NoopSigner{}, &Config{})
	require.NoError(t, err)
	require.NoError(t, reporter.Stop())

	_, err = New(noOpLogger, newFakeStore(), NoopSigner{}, &Config{Channel: "carrier-pigeon"})
	require.Error(t, err)

	// Kafka channel validates its transport config up front
	_, err = New(noOpLogger, newFakeStore(), NoopSigner{}, &Config{Channel: "kafka"})
	require.Error(t, err)

	_, err = New(noOpLogger, newFakeStore(), NoopSigner{}, &Config{
		Channel: "kafka",
		Kafka:   KafkaConfig{Brokers: []string{"localhost:9092"}},
	})
	require.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	var config Config

	require.NoError(t, yaml.Unmarshal([]byte("kafka:\n  topic: hpc-reports\n"), &config))
	assert.Equal(t, logChannel, config.Channel)
	assert.Equal(t, "hpc-reports", config.Kafka.Topic)
	assert.NotEmpty(t, config.Kafka.ClientID)
}
