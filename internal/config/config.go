package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Ledger backends accepted by LEDGER_BACKEND.
const (
	LedgerMySQL  = "mysql"
	LedgerMemory = "memory"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Ingestion limits.
	StorageTimeout time.Duration
	MaxUploadBytes int64
	UploadDir      string

	// Fanout.
	SessionBuffer      int
	CORSAllowedOrigins []string

	// Report ledger.
	LedgerBackend string
	DBHost        string
	DBPort        string
	DBUser        string
	DBPassword    string
	DBName        string

	// Kafka report mirror.
	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string

	// MQTT ingestion.
	MQTTEnabled  bool
	MQTTBroker   string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTTopic    string
	MQTTQoS      byte

	// Mapbox reverse geocoding.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	storageTimeout, err := parsePositiveDuration("STORAGE_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}

	mapboxTimeout, err := parsePositiveDuration("MAPBOX_TIMEOUT", "5s")
	if err != nil {
		return nil, err
	}

	maxUpload, err := parsePositiveInt("MAX_UPLOAD_BYTES", 32<<20)
	if err != nil {
		return nil, err
	}

	sessionBuffer, err := parsePositiveInt("SESSION_BUFFER", 16)
	if err != nil {
		return nil, err
	}

	qos, err := parseQoS()
	if err != nil {
		return nil, err
	}

	mapboxToken := os.Getenv("MAPBOX_TOKEN")
	mapboxEnabled := mapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		mapboxEnabled = v == "true"
	}

	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	kafkaEnabled := kafkaBrokers != ""
	if v := os.Getenv("KAFKA_ENABLED"); v != "" {
		kafkaEnabled = v == "true"
	}
	if kafkaBrokers == "" {
		kafkaBrokers = "localhost:9092"
	}

	cfg := &Config{
		HTTPAddr:        httpAddr(),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		StorageTimeout: storageTimeout,
		MaxUploadBytes: int64(maxUpload),
		UploadDir:      sharedcfg.EnvOrDefault("UPLOAD_DIR", "uploads"),

		SessionBuffer:      sessionBuffer,
		CORSAllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),

		LedgerBackend: strings.ToLower(sharedcfg.EnvOrDefault("LEDGER_BACKEND", LedgerMySQL)),
		DBHost:        sharedcfg.EnvOrDefault("DB_HOST", "localhost"),
		DBPort:        sharedcfg.EnvOrDefault("DB_PORT", "3306"),
		DBUser:        sharedcfg.EnvOrDefault("DB_USER", "reports"),
		DBPassword:    os.Getenv("DB_PASSWORD"),
		DBName:        sharedcfg.EnvOrDefault("DB_NAME", "crop_reports"),

		KafkaEnabled: kafkaEnabled,
		KafkaBrokers: sharedcfg.ParseBrokers(kafkaBrokers),
		KafkaTopic:   sharedcfg.EnvOrDefault("KAFKA_TOPIC", "field-reports"),

		MQTTEnabled:  os.Getenv("MQTT_ENABLED") == "true",
		MQTTBroker:   sharedcfg.EnvOrDefault("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTClientID: sharedcfg.EnvOrDefault("MQTT_CLIENT_ID", "crop-report-service"),
		MQTTUsername: os.Getenv("MQTT_USERNAME"),
		MQTTPassword: os.Getenv("MQTT_PASSWORD"),
		MQTTTopic:    sharedcfg.EnvOrDefault("MQTT_TOPIC", "field/+/report"),
		MQTTQoS:      qos,

		MapboxToken:     mapboxToken,
		MapboxEnabled:   mapboxEnabled,
		MapboxTimeout:   mapboxTimeout,
		MapboxCacheSize: parseMapboxCacheSize(),
	}

	switch cfg.LedgerBackend {
	case LedgerMySQL, LedgerMemory:
	default:
		return nil, fmt.Errorf("invalid LEDGER_BACKEND %q: must be %q or %q", cfg.LedgerBackend, LedgerMySQL, LedgerMemory)
	}
	if cfg.UploadDir == "" {
		return nil, errors.New("UPLOAD_DIR is required")
	}
	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is true")
	}
	if cfg.KafkaEnabled && cfg.KafkaTopic == "" {
		return nil, errors.New("KAFKA_TOPIC is required when KAFKA_ENABLED is true")
	}
	if cfg.MQTTEnabled && cfg.MQTTTopic == "" {
		return nil, errors.New("MQTT_TOPIC is required when MQTT_ENABLED is true")
	}
	if cfg.MapboxEnabled && cfg.MapboxToken == "" {
		return nil, errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}

	return cfg, nil
}

// httpAddr honours HTTP_ADDR, then the PORT convention used by PaaS hosts.
func httpAddr() string {
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		return v
	}
	if port := os.Getenv("PORT"); port != "" {
		return ":" + port
	}
	return ":8080"
}

func parsePositiveDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parsePositiveInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

func parseQoS() (byte, error) {
	switch s := sharedcfg.EnvOrDefault("MQTT_QOS", "1"); s {
	case "0", "1", "2":
		return s[0] - '0', nil
	default:
		return 0, errors.New("invalid MQTT_QOS: must be 0, 1 or 2")
	}
}

func parseMapboxCacheSize() int {
	if s := os.Getenv("MAPBOX_CACHE_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 1000
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
