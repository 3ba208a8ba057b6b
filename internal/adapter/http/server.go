package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/crop-report-service/internal/domain"
	"github.com/couchcryptid/crop-report-service/internal/pipeline"
	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingestor commits submissions and answers latest-report queries.
type Ingestor interface {
	sharedobs.ReadinessChecker
	Ingest(ctx context.Context, rawMetadata []byte, image *pipeline.Upload) (domain.Report, error)
	Latest(ctx context.Context) (domain.Report, error)
}

// ImageStore serves stored report images by locator.
type ImageStore interface {
	Retrieve(ctx context.Context, locator string) ([]byte, error)
}

// Options tunes the public API.
type Options struct {
	MaxUploadBytes int64
	AllowedOrigins []string
}

// Server exposes the report API, image downloads, the live update socket,
// and health, readiness, and metrics endpoints.
type Server struct {
	httpServer *http.Server
	ingestor   Ingestor
	images     ImageStore
	opts       Options
	logger     *slog.Logger
}

// NewServer creates an HTTP server. live handles GET /ws and may be nil.
func NewServer(addr string, ingestor Ingestor, images ImageStore, live http.Handler, opts Options, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		ingestor: ingestor,
		images:   images,
		opts:     opts,
		logger:   logger,
	}

	cors := corsMiddleware(opts.AllowedOrigins)

	mux.HandleFunc("GET /{$}", handleRoot)
	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ingestor))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("POST /api/upload", cors(http.HandlerFunc(s.handleUpload)))
	mux.Handle("GET /api/data/latest", cors(http.HandlerFunc(s.handleLatest)))
	mux.Handle("OPTIONS /api/", cors(http.HandlerFunc(handlePreflight)))
	mux.HandleFunc("GET "+domain.UploadsPath+"{locator}", s.handleImage)
	if live != nil {
		mux.Handle("GET /ws", live)
	}

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
// Hijacked WebSocket connections are not tracked here; close the hub first.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}
