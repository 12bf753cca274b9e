package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/combs-dev/combs/pkg/broker/models"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Submitter delivers one report to a ledger channel.
type Submitter interface {
	Submit(ctx context.Context, report models.HPCStatusReport) error
	Stop() error
}

// logSubmitter writes reports to the structured log. Useful as a development
// sink and as an audit trail when no ledger is attached.
type logSubmitter struct {
	logger *slog.Logger
}

func newLogSubmitter(logger *slog.Logger) *logSubmitter {
	return &logSubmitter{logger: logger}
}

// Submit implements the Submitter interface.
func (s *logSubmitter) Submit(_ context.Context, report models.HPCStatusReport) error {
	s.logger.Info(
		"Status report",
		"report", report.ReportID,
		"provider", report.ProviderAddress,
		"job", report.JobID,
		"state", report.State,
		"signature", report.Signature,
	)

	return nil
}

// Stop implements the Submitter interface.
func (s *logSubmitter) Stop() error {
	return nil
}

// kafkaSubmitter produces reports onto a kafka topic, keyed by job ID so all
// reports of a job land in one partition in submission order.
type kafkaSubmitter struct {
	client *kgo.Client
	topic  string
}

func newKafkaSubmitter(config KafkaConfig) (*kafkaSubmitter, error) {
	if len(config.Brokers) == 0 {
		return nil, errors.New("kafka report channel needs at least one broker")
	}

	if config.Topic == "" {
		return nil, errors.New("kafka report channel needs a topic")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(config.Brokers...),
		kgo.ClientID(config.ClientID),
		kgo.DefaultProduceTopic(config.Topic),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &kafkaSubmitter{client: client, topic: config.Topic}, nil
}

// Submit implements the Submitter interface.
func (s *kafkaSubmitter) Submit(ctx context.Context, report models.HPCStatusReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}

	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(report.JobID),
		Value: payload,
	}

	return s.client.ProduceSync(ctx, record).FirstErr()
}

// Stop implements the Submitter interface.
func (s *kafkaSubmitter) Stop() error {
	s.client.Close()

	return nil
}
