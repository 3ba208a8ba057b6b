// Package mqtt lets field devices submit reports over MQTT instead of HTTP.
package mqtt

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/couchcryptid/crop-report-service/internal/config"
	"github.com/couchcryptid/crop-report-service/internal/domain"
	"github.com/couchcryptid/crop-report-service/internal/observability"
	"github.com/couchcryptid/crop-report-service/internal/pipeline"
	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	ingestTimeout  = 30 * time.Second
	connectTimeout = 10 * time.Second
	disconnectWait = 250 // milliseconds
)

// Ingestor commits a decoded submission.
type Ingestor interface {
	Ingest(ctx context.Context, rawMetadata []byte, image *pipeline.Upload) (domain.Report, error)
}

// envelope is the MQTT payload. Metadata may be an object or a JSON-encoded
// string, matching the multipart form field.
type envelope struct {
	Metadata  json.RawMessage `json:"metadata"`
	Image     string          `json:"image"`
	ImageName string          `json:"image_name"`
}

// Subscriber consumes report messages from a topic filter and hands them to
// the ingestor. Messages are processed one at a time in arrival order.
type Subscriber struct {
	client   paho.Client
	topic    string
	qos      byte
	ingestor Ingestor
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewSubscriber configures an MQTT client from cfg. Call Start to connect.
func NewSubscriber(cfg *config.Config, ingestor Ingestor, logger *slog.Logger, metrics *observability.Metrics) *Subscriber {
	s := newSubscriber(cfg.MQTTTopic, cfg.MQTTQoS, ingestor, logger, metrics)

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.MQTTBroker)
	opts.SetClientID(cfg.MQTTClientID)
	opts.SetUsername(cfg.MQTTUsername)
	opts.SetPassword(cfg.MQTTPassword)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})

	s.client = paho.NewClient(opts)
	return s
}

func newSubscriber(topic string, qos byte, ingestor Ingestor, logger *slog.Logger, metrics *observability.Metrics) *Subscriber {
	return &Subscriber{
		topic:    topic,
		qos:      qos,
		ingestor: ingestor,
		logger:   logger,
		metrics:  metrics,
	}
}

// Start connects to the broker. The subscription is (re)established on every
// successful connection, so Start returns even if the broker is not yet up.
func (s *Subscriber) Start() error {
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		s.logger.Warn("mqtt broker not reachable yet, retrying in background", "topic", s.topic)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to mqtt broker: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (s *Subscriber) Close() {
	s.client.Disconnect(disconnectWait)
	s.logger.Info("mqtt subscriber disconnected")
}

func (s *Subscriber) onConnect(c paho.Client) {
	token := c.Subscribe(s.topic, s.qos, s.handle)
	if token.Wait() && token.Error() != nil {
		s.logger.Error("mqtt subscribe failed", "topic", s.topic, "error", token.Error())
		return
	}
	s.logger.Info("mqtt subscribed", "topic", s.topic, "qos", s.qos)
}

func (s *Subscriber) handle(_ paho.Client, msg paho.Message) {
	metadata, image, err := decodeMessage(msg.Topic(), msg.Payload())
	if err != nil {
		s.metrics.MQTTMessages.WithLabelValues("rejected").Inc()
		s.logger.Warn("mqtt message rejected", "topic", msg.Topic(), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()

	r, err := s.ingestor.Ingest(ctx, metadata, image)
	switch {
	case err == nil:
		s.metrics.MQTTMessages.WithLabelValues("ingested").Inc()
		s.logger.Debug("mqtt report ingested", "topic", msg.Topic(), "report_id", r.ID)
	case domain.IsClientError(err):
		s.metrics.MQTTMessages.WithLabelValues("rejected").Inc()
		s.logger.Warn("mqtt report rejected", "topic", msg.Topic(), "error", err)
	default:
		s.metrics.MQTTMessages.WithLabelValues("failed").Inc()
		s.logger.Error("mqtt report failed", "topic", msg.Topic(), "error", err)
	}
}

// decodeMessage unpacks the envelope into raw metadata and an optional image.
func decodeMessage(topic string, payload []byte) ([]byte, *pipeline.Upload, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, nil, &domain.MalformedInputError{Err: err}
	}
	if len(env.Metadata) == 0 {
		return nil, nil, &domain.MalformedInputError{Err: errors.New("missing metadata")}
	}

	metadata := []byte(env.Metadata)
	if env.Metadata[0] == '"' {
		var s string
		if err := json.Unmarshal(env.Metadata, &s); err != nil {
			return nil, nil, &domain.MalformedInputError{Err: err}
		}
		metadata = []byte(s)
	}

	if env.Image == "" {
		return metadata, nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(env.Image)
	if err != nil {
		return nil, nil, &domain.MalformedInputError{Err: fmt.Errorf("decode image: %w", err)}
	}

	name := env.ImageName
	if name == "" {
		name = deviceID(topic) + ".jpg"
	}
	return metadata, &pipeline.Upload{Filename: name, Data: data}, nil
}

// deviceID extracts the device segment from topics like field/{device}/report.
func deviceID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 && parts[1] != "" {
		return parts[1]
	}
	return "device"
}
