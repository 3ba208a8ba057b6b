package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/couchcryptid/crop-report-service/internal/domain"
	"github.com/couchcryptid/crop-report-service/internal/observability"
)

// Ledger is the durable, append-only record of committed reports.
type Ledger interface {
	Append(ctx context.Context, r domain.Report) (domain.Report, error)
	Latest(ctx context.Context) (domain.Report, error)
}

// BlobStore persists image bytes and returns the locator they are served under.
type BlobStore interface {
	Store(ctx context.Context, filename string, data []byte) (string, error)
}

// Publisher delivers committed reports to live subscribers and remembers the
// most recent one.
type Publisher interface {
	Publish(r domain.Report)
	Latest() (domain.Report, bool)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Upload is an image attached to a submission.
type Upload struct {
	Filename string
	Data     []byte
}

// Ingestor validates a submission, stores its image, commits the report, and
// publishes it. It is safe for concurrent use.
type Ingestor struct {
	ledger         Ledger
	blobs          BlobStore
	publisher      Publisher
	transformer    *ReportTransformer
	logger         *slog.Logger
	metrics        *observability.Metrics
	storageTimeout time.Duration
}

// New creates an Ingestor. Pass a nil geocoder to disable place-name enrichment.
func New(ledger Ledger, blobs BlobStore, publisher Publisher, geocoder domain.Geocoder, logger *slog.Logger, metrics *observability.Metrics, storageTimeout time.Duration) *Ingestor {
	return &Ingestor{
		ledger:         ledger,
		blobs:          blobs,
		publisher:      publisher,
		transformer:    NewTransformer(geocoder, logger),
		logger:         logger,
		metrics:        metrics,
		storageTimeout: storageTimeout,
	}
}

// CheckReadiness returns nil when the ledger is reachable.
func (in *Ingestor) CheckReadiness(ctx context.Context) error {
	p, ok := in.ledger.(pinger)
	if !ok {
		return nil
	}
	if err := p.Ping(ctx); err != nil {
		return errors.New("report ledger unreachable")
	}
	return nil
}

// Ingest commits one submission. On success the report has already been
// handed to every registered subscriber when Ingest returns. Errors are a
// *domain.MalformedInputError, *domain.ValidationError, or *domain.StorageError.
func (in *Ingestor) Ingest(ctx context.Context, rawMetadata []byte, image *Upload) (domain.Report, error) {
	start := time.Now()

	r, err := in.ingest(ctx, rawMetadata, image)
	if err != nil {
		in.metrics.IngestFailures.WithLabelValues(failureReason(err)).Inc()
		return domain.Report{}, err
	}

	in.metrics.ReportsIngested.Inc()
	in.metrics.IngestDuration.Observe(time.Since(start).Seconds())
	return r, nil
}

func (in *Ingestor) ingest(ctx context.Context, rawMetadata []byte, image *Upload) (domain.Report, error) {
	draft, err := in.transformer.Draft(rawMetadata)
	if err != nil {
		return domain.Report{}, err
	}

	if image != nil && len(image.Data) > 0 {
		locator, err := in.storeImage(ctx, image)
		if err != nil {
			return domain.Report{}, err
		}
		draft.ImageLocator = locator
	}

	draft = in.transformer.Enrich(ctx, draft)

	committed, err := in.appendReport(ctx, draft)
	if err != nil {
		if draft.ImageLocator != "" {
			in.logger.Warn("image stored but report not committed", "locator", draft.ImageLocator)
		}
		return domain.Report{}, err
	}

	in.publisher.Publish(committed)
	in.logger.Info("report ingested",
		"report_id", committed.ID,
		"timestamp", committed.Timestamp,
		"has_image", committed.ImageLocator != "",
	)
	return committed, nil
}

// Latest returns the most recent report, preferring the publisher's cache and
// falling back to the ledger. It returns domain.ErrNotFound when neither has one.
func (in *Ingestor) Latest(ctx context.Context) (domain.Report, error) {
	if r, ok := in.publisher.Latest(); ok {
		return r, nil
	}

	ctx, cancel := context.WithTimeout(ctx, in.storageTimeout)
	defer cancel()

	r, err := in.ledger.Latest(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Report{}, err
	}
	if err != nil {
		return domain.Report{}, domain.NewStorageError("read latest report", err)
	}
	return r, nil
}

func (in *Ingestor) storeImage(ctx context.Context, image *Upload) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, in.storageTimeout)
	defer cancel()

	locator, err := in.blobs.Store(ctx, image.Filename, image.Data)
	if err != nil {
		in.logger.Error("store image failed", "filename", image.Filename, "bytes", len(image.Data), "error", err)
		return "", domain.NewStorageError("store image", err)
	}
	in.metrics.ImageBytesStored.Add(float64(len(image.Data)))
	return locator, nil
}

func (in *Ingestor) appendReport(ctx context.Context, draft domain.Report) (domain.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, in.storageTimeout)
	defer cancel()

	committed, err := in.ledger.Append(ctx, draft)
	if err == nil {
		return committed, nil
	}
	if domain.IsClientError(err) {
		return domain.Report{}, err
	}
	in.logger.Error("append report failed", "error", err)
	return domain.Report{}, domain.NewStorageError("append report", err)
}

func failureReason(err error) string {
	var me *domain.MalformedInputError
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &me):
		return "malformed"
	case errors.As(err, &ve):
		return "validation"
	default:
		return "storage"
	}
}
