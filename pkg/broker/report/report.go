// Package report builds signed job status reports and submits them to an
// external ledger channel. Report IDs derive from the report content, so a
// report that was already submitted is never sent twice.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/combs-dev/combs/internal/common"
	"github.com/combs-dev/combs/pkg/broker/base"
	"github.com/combs-dev/combs/pkg/broker/models"
)

// Submission channels.
const (
	logChannel   = "log"
	kafkaChannel = "kafka"
)

// Config configures the report submission channel.
type Config struct {
	Channel string      `yaml:"channel"`
	Kafka   KafkaConfig `yaml:"kafka"`
}

// KafkaConfig configures the kafka submission channel.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain Config

	*c = Config{
		Channel: logChannel,
		Kafka: KafkaConfig{
			ClientID: base.BrokerAppName,
		},
	}

	return unmarshal((*plain)(c))
}

// Signer signs the canonical report payload. The broker treats signatures as
// opaque strings; production deployments plug in an external signer.
type Signer interface {
	Sign(payload []byte) (string, error)
}

// NoopSigner leaves reports unsigned. The default for development setups.
type NoopSigner struct{}

// Sign implements the Signer interface.
func (NoopSigner) Sign(_ []byte) (string, error) {
	return "", nil
}

// Store records submitted reports for deduplication. Implemented by the DB
// store.
type Store interface {
	HasStatusReport(ctx context.Context, uuid string) (bool, error)
	SaveStatusReport(ctx context.Context, report models.StatusReport) (bool, error)
}

// ReportID returns the deterministic identifier of a report with the given
// content. Identical content always maps to the same ID.
func ReportID(providerAddr string, jobUUID string, state models.JobState, metrics *models.UsageMetrics) (string, error) {
	parts := []string{providerAddr, jobUUID, string(state)}

	if metrics != nil {
		payload, err := json.Marshal(metrics)
		if err != nil {
			return "", err
		}

		parts = append(parts, string(payload))
	}

	return common.GetUUIDFromString(parts)
}

// Reporter submits job status reports through the configured channel.
type Reporter struct {
	logger    *slog.Logger
	store     Store
	signer    Signer
	submitter Submitter
	channel   string
}

// New returns a Reporter with the channel selected by config.
func New(logger *slog.Logger, store Store, signer Signer, config *Config) (*Reporter, error) {
	var submitter Submitter

	var err error

	channel := config.Channel
	if channel == "" {
		channel = logChannel
	}

	switch channel {
	case logChannel:
		submitter = newLogSubmitter(logger)
	case kafkaChannel:
		submitter, err = newKafkaSubmitter(config.Kafka)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown report channel: %s", channel)
	}

	return newReporter(logger, store, signer, submitter, channel), nil
}

func newReporter(logger *slog.Logger, store Store, signer Signer, submitter Submitter, channel string) *Reporter {
	return &Reporter{
		logger:    logger,
		store:     store,
		signer:    signer,
		submitter: submitter,
		channel:   channel,
	}
}

// Report submits the state of a job. A report whose content was already
// submitted is a no-op. A failed submission is not recorded, so the caller
// may retry; the ledger side deduplicates on the report ID.
func (r *Reporter) Report(ctx context.Context, providerAddr string, jobUUID string, state models.JobState, metrics *models.UsageMetrics) error {
	reportID, err := ReportID(providerAddr, jobUUID, state, metrics)
	if err != nil {
		return fmt.Errorf("failed to generate report ID for job %s: %w", jobUUID, err)
	}

	submitted, err := r.store.HasStatusReport(ctx, reportID)
	if err != nil {
		return err
	}

	if submitted {
		r.logger.Debug("Report already submitted", "report", reportID, "job", jobUUID)

		return nil
	}

	statusReport := models.HPCStatusReport{
		ReportID:        reportID,
		ProviderAddress: providerAddr,
		JobID:           jobUUID,
		State:           state,
		Metrics:         metrics,
	}

	payload, err := json.Marshal(statusReport)
	if err != nil {
		return fmt.Errorf("failed to marshal report %s: %w", reportID, err)
	}

	signature, err := r.signer.Sign(payload)
	if err != nil {
		return fmt.Errorf("failed to sign report %s: %w", reportID, err)
	}

	statusReport.Signature = signature

	if err := r.submitter.Submit(ctx, statusReport); err != nil {
		return fmt.Errorf("failed to submit report %s for job %s: %w", reportID, jobUUID, err)
	}

	now := time.Now()
	record := models.StatusReport{
		UUID:          reportID,
		JobUUID:       jobUUID,
		ProviderAddr:  providerAddr,
		State:         state,
		Signature:     signature,
		Channel:       r.channel,
		SubmittedAt:   now.Format(base.DatetimeLayout),
		SubmittedAtTS: now.UnixMilli(),
	}

	if metrics != nil {
		record.Details = models.Generic{
			"wallclock_seconds": metrics.WallClockSeconds,
			"cpu_core_seconds":  metrics.CPUCoreSeconds,
			"memory_gb_seconds": metrics.MemoryGBSeconds,
		}
	}

	if _, err := r.store.SaveStatusReport(ctx, record); err != nil {
		return err
	}

	r.logger.Debug("Report submitted", "report", reportID, "job", jobUUID, "state", state, "channel", r.channel)

	return nil
}

// Stop closes the submission channel.
func (r *Reporter) Stop() error {
	return r.submitter.Stop()
}
