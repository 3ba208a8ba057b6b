package observability

import (
	"context"
	"log/slog"
	"testing"

	"github.com/couchcryptid/crop-report-service/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_RespectsLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	logger := NewLogger(&config.Config{LogLevel: "warn", LogFormat: "text"})
	assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))

	logger = NewLogger(&config.Config{LogLevel: "verbose", LogFormat: "json"})
	assert.True(t, logger.Enabled(context.Background(), slog.LevelInfo), "unknown level falls back to info")
	assert.False(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestMetrics_RegisterOnFreshRegistry(t *testing.T) {
	m := NewMetricsForTesting()
	reg := prometheus.NewRegistry()
	for _, c := range m.collectors() {
		require.NoError(t, reg.Register(c))
	}

	m.ReportsIngested.Inc()
	m.IngestFailures.WithLabelValues("storage").Add(2)

	assert.InDelta(t, 1, testutil.ToFloat64(m.ReportsIngested), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.IngestFailures.WithLabelValues("storage")), 0)
}
