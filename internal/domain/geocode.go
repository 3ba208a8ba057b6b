package domain

import (
	"context"
	"log/slog"
)

// EnrichWithPlace attempts to attach a place name to a draft report.
// A nil geocoder, a report without location, or a geocoding failure leaves
// the report unchanged (graceful degradation).
func EnrichWithPlace(ctx context.Context, r Report, geocoder Geocoder, logger *slog.Logger) Report {
	if geocoder == nil || r.Location == nil {
		return r
	}

	result, err := geocoder.ReverseGeocode(ctx, r.Location.Lat, r.Location.Lon)
	if err != nil {
		logger.Warn("reverse geocoding failed",
			"lat", r.Location.Lat,
			"lon", r.Location.Lon,
			"error", err,
		)
		return r
	}

	switch {
	case result.FormattedAddress != "":
		r.PlaceName = result.FormattedAddress
	case result.PlaceName != "":
		r.PlaceName = result.PlaceName
	}
	return r
}
