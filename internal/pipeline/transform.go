package pipeline

import (
	"context"
	"log/slog"

	"github.com/couchcryptid/crop-report-service/internal/domain"
)

// ReportTransformer turns raw producer metadata into a validated draft report
// with optional place-name enrichment.
type ReportTransformer struct {
	geocoder domain.Geocoder
	logger   *slog.Logger
}

// NewTransformer creates a ReportTransformer. Pass a nil geocoder to disable
// geocoding enrichment.
func NewTransformer(geocoder domain.Geocoder, logger *slog.Logger) *ReportTransformer {
	return &ReportTransformer{
		geocoder: geocoder,
		logger:   logger,
	}
}

// Draft parses and validates raw metadata. The timestamp defaults to the
// current clock time when the producer sent none.
func (t *ReportTransformer) Draft(raw []byte) (domain.Report, error) {
	md, err := domain.ParseMetadata(raw)
	if err != nil {
		return domain.Report{}, err
	}
	draft := md.Draft(domain.Now())
	if err := domain.ValidateReport(draft); err != nil {
		return domain.Report{}, err
	}
	return draft, nil
}

// Enrich attaches a place name when a geocoder is configured.
func (t *ReportTransformer) Enrich(ctx context.Context, r domain.Report) domain.Report {
	return domain.EnrichWithPlace(ctx, r, t.geocoder, t.logger)
}
