// Package kafka mirrors published reports to a Kafka topic for downstream
// consumers such as analytics jobs.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/crop-report-service/internal/config"
	"github.com/couchcryptid/crop-report-service/internal/hub"
	"github.com/couchcryptid/crop-report-service/internal/observability"
	"github.com/couchcryptid/storm-data-shared/retry"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	maxAttempts    = 3
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 2 * time.Second

	// attemptTimeout bounds one produce call, so a broker outage costs a
	// report at most maxAttempts of these plus backoff.
	attemptTimeout = 5 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Mirror is a hub transport that produces every event to a Kafka topic.
// Write failures are logged and counted but never close the session, so one
// broker outage does not stop the mirror for later reports. Subscribe it with
// hub.DropOldest so a long outage sheds old events instead of the mirror.
type Mirror struct {
	writer         messageWriter
	attemptTimeout time.Duration
	logger         *slog.Logger
	metrics        *observability.Metrics
}

// NewMirror creates a Kafka producer for the configured report topic.
func NewMirror(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *Mirror {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(cfg.KafkaBrokers...),
		Topic:                  cfg.KafkaTopic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           attemptTimeout,
		MaxAttempts:            1,
		AllowAutoTopicCreation: true,
		Transport: &kafkago.Transport{
			ClientID: observability.ServiceName,
		},
	}
	return newMirror(w, logger, metrics)
}

func newMirror(w messageWriter, logger *slog.Logger, metrics *observability.Metrics) *Mirror {
	return &Mirror{writer: w, attemptTimeout: attemptTimeout, logger: logger, metrics: metrics}
}

// Send produces ev keyed by report id, retrying transient failures with backoff.
func (m *Mirror) Send(ctx context.Context, ev hub.Event) error {
	msg, err := serializeToMessage(ev)
	if err != nil {
		m.fail(ev, err)
		return nil
	}

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		err = m.write(ctx, msg)
		if err == nil {
			return nil
		}
		if attempt == maxAttempts || !retry.SleepWithContext(ctx, backoff) {
			break
		}
		backoff = retry.NextBackoff(backoff, maxBackoff)
	}
	m.fail(ev, err)
	return nil
}

func (m *Mirror) write(ctx context.Context, msg kafkago.Message) error {
	ctx, cancel := context.WithTimeout(ctx, m.attemptTimeout)
	defer cancel()
	return m.writer.WriteMessages(ctx, msg)
}

func (m *Mirror) Close() error {
	return m.writer.Close()
}

func (m *Mirror) fail(ev hub.Event, err error) {
	m.metrics.MirrorFailures.Inc()
	m.logger.Error("mirror report to kafka failed", "report_id", ev.Data.ID, "error", err)
}

// serializeToMessage marshals an event's report into a Kafka message.
func serializeToMessage(ev hub.Event) (kafkago.Message, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize report: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(ev.Data.ID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
			{Key: "observed_at", Value: []byte(ev.Data.Timestamp.Format(time.RFC3339Nano))},
		},
	}, nil
}
