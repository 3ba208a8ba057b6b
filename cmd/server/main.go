package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/crop-report-service/internal/adapter/blobstore"
	httpadapter "github.com/couchcryptid/crop-report-service/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/crop-report-service/internal/adapter/kafka"
	"github.com/couchcryptid/crop-report-service/internal/adapter/mapbox"
	"github.com/couchcryptid/crop-report-service/internal/adapter/memory"
	mqttadapter "github.com/couchcryptid/crop-report-service/internal/adapter/mqtt"
	"github.com/couchcryptid/crop-report-service/internal/adapter/mysql"
	wsadapter "github.com/couchcryptid/crop-report-service/internal/adapter/websocket"
	"github.com/couchcryptid/crop-report-service/internal/config"
	"github.com/couchcryptid/crop-report-service/internal/domain"
	"github.com/couchcryptid/crop-report-service/internal/hub"
	"github.com/couchcryptid/crop-report-service/internal/observability"
	"github.com/couchcryptid/crop-report-service/internal/pipeline"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
)

// mirrorBuffer holds reports queued for Kafka during a broker outage; once
// full, the oldest are shed and the mirror stays subscribed.
const mirrorBuffer = 1024

type ledger interface {
	pipeline.Ledger
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	if err := run(cfg, logger, metrics); err != nil {
		logger.Error("service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reports, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	logger.Info("report ledger ready", "backend", cfg.LedgerBackend)

	blobs, err := blobstore.New(cfg.UploadDir, clockwork.NewRealClock())
	if err != nil {
		_ = reports.Close()
		return fmt.Errorf("open blob store: %w", err)
	}

	h := hub.New(logger, metrics)

	// The mirror subscribes before warming so it never receives the
	// already-stored latest report again.
	if cfg.KafkaEnabled {
		mirror := h.NewSession(kafkaadapter.NewMirror(cfg, logger, metrics), mirrorBuffer, hub.DropOldest())
		if err := h.Subscribe(mirror); err != nil {
			_ = reports.Close()
			return fmt.Errorf("subscribe kafka mirror: %w", err)
		}
		go func() {
			if err := mirror.Run(context.Background()); err != nil {
				logger.Error("kafka mirror stopped", "error", err)
			}
		}()
		logger.Info("kafka mirror enabled", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers)
	}

	warmCtx, cancel := context.WithTimeout(ctx, cfg.StorageTimeout)
	err = h.Warm(warmCtx, reports)
	cancel()
	if err != nil {
		logger.Warn("could not load latest report, starting with an empty cache", "error", err)
	}

	geocoder, err := newGeocoder(cfg, logger, metrics)
	if err != nil {
		_ = reports.Close()
		return err
	}

	ingestor := pipeline.New(reports, blobs, h, geocoder, logger, metrics, cfg.StorageTimeout)
	live := wsadapter.NewHandler(h, cfg.SessionBuffer, cfg.CORSAllowedOrigins, logger)
	srv := httpadapter.NewServer(cfg.HTTPAddr, ingestor, blobs, live, httpadapter.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger)

	var subscriber *mqttadapter.Subscriber
	if cfg.MQTTEnabled {
		subscriber = mqttadapter.NewSubscriber(cfg, ingestor, logger, metrics)
		if err := subscriber.Start(); err != nil {
			logger.Error("mqtt subscriber failed to start", "error", err)
		}
	}

	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	var result *multierror.Error
	if subscriber != nil {
		subscriber.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("http server shutdown: %w", err))
	}
	if err := h.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close hub: %w", err))
	}
	if err := reports.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close ledger: %w", err))
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

func openLedger(ctx context.Context, cfg *config.Config) (ledger, error) {
	if cfg.LedgerBackend == config.LedgerMemory {
		return memory.New(), nil
	}
	openCtx, cancel := context.WithTimeout(ctx, cfg.StorageTimeout)
	defer cancel()
	l, err := mysql.Open(openCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open mysql ledger: %w", err)
	}
	return l, nil
}

// newGeocoder returns nil when enrichment is disabled.
func newGeocoder(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (domain.Geocoder, error) {
	if !cfg.MapboxEnabled {
		metrics.GeocodeEnabled.Set(0)
		logger.Info("mapbox geocoding disabled")
		return nil, nil
	}
	client := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, metrics, logger)
	cached, err := mapbox.NewCachedGeocoder(client, cfg.MapboxCacheSize, metrics)
	if err != nil {
		return nil, err
	}
	metrics.GeocodeEnabled.Set(1)
	logger.Info("mapbox geocoding enabled", "cache_size", cfg.MapboxCacheSize, "timeout", cfg.MapboxTimeout)
	return cached, nil
}
