package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// timestampLayouts are tried in order for string timestamps. Layouts without
// a zone are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// Timestamps outside these years cannot be rendered as RFC 3339 or stored
// in a DATETIME column.
const (
	minTimestampYear = 1000
	maxTimestampYear = 9999
)

var (
	minTimestampMillis = time.Date(minTimestampYear, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	maxTimestampMillis = time.Date(maxTimestampYear+1, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli() - 1
)

// Metadata is the decoded, validated metadata half of a submission.
// Nil fields were absent (or null) in the payload.
type Metadata struct {
	Timestamp               *time.Time
	Location                *Location
	CropDetection           *string
	DiseaseDetection        *string
	PesticideRecommendation *string
}

// rawMetadata mirrors the wire shape; every field is kept raw so absence,
// null and wrong JSON types can be told apart.
type rawMetadata struct {
	Timestamp               json.RawMessage `json:"timestamp"`
	Location                json.RawMessage `json:"location"`
	CropDetection           json.RawMessage `json:"crop_detection"`
	DiseaseDetection        json.RawMessage `json:"disease_detection"`
	PesticideRecommendation json.RawMessage `json:"pesticide_recommendation"`
}

// ParseMetadata decodes the JSON metadata sent by the device. Undecodable
// input yields a MalformedInputError carrying the decoder message; decodable
// input with a bad field yields a ValidationError. Unknown fields are ignored.
func ParseMetadata(raw []byte) (Metadata, error) {
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, []byte("null")) {
		return Metadata{}, &MalformedInputError{Err: errors.New("metadata must be a JSON object, got null")}
	}

	var rec rawMetadata
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return Metadata{}, &MalformedInputError{Err: err}
	}

	var (
		m   Metadata
		err error
	)
	if m.Timestamp, err = parseTimestamp(rec.Timestamp); err != nil {
		return Metadata{}, err
	}
	if m.Location, err = parseLocation(rec.Location); err != nil {
		return Metadata{}, err
	}
	if m.CropDetection, err = parseOptionalString("crop_detection", rec.CropDetection); err != nil {
		return Metadata{}, err
	}
	if m.DiseaseDetection, err = parseOptionalString("disease_detection", rec.DiseaseDetection); err != nil {
		return Metadata{}, err
	}
	if m.PesticideRecommendation, err = parseOptionalString("pesticide_recommendation", rec.PesticideRecommendation); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// Draft builds an uncommitted report. The timestamp defaults to now when the
// device did not send one. ID and Seq are left for the ledger to assign.
func (m Metadata) Draft(now time.Time) Report {
	ts := now
	if m.Timestamp != nil {
		ts = *m.Timestamp
	}
	return Report{
		Timestamp:               NormalizeTime(ts),
		Location:                m.Location,
		CropDetection:           m.CropDetection,
		DiseaseDetection:        m.DiseaseDetection,
		PesticideRecommendation: m.PesticideRecommendation,
	}
}

// NormalizeTime converts t to UTC at microsecond precision, which is what
// the ledger can store without loss.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// ValidateReport checks the structural fields a ledger relies on.
func ValidateReport(r Report) error {
	if r.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Reason: "is required"}
	}
	if !timestampInRange(r.Timestamp) {
		return &ValidationError{Field: "timestamp", Reason: fmt.Sprintf("year must be within [%d, %d]", minTimestampYear, maxTimestampYear)}
	}
	if r.Location != nil {
		if err := validateLocation(*r.Location); err != nil {
			return err
		}
	}
	if strings.ContainsAny(r.ImageLocator, `/\`) {
		return &ValidationError{Field: "image_locator", Reason: "must be a bare name"}
	}
	return nil
}

func timestampInRange(t time.Time) bool {
	y := t.UTC().Year()
	return y >= minTimestampYear && y <= maxTimestampYear
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func parseTimestamp(raw json.RawMessage) (*time.Time, error) {
	if isNull(raw) {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				if !timestampInRange(t) {
					return nil, &ValidationError{Field: "timestamp", Reason: fmt.Sprintf("year must be within [%d, %d]", minTimestampYear, maxTimestampYear)}
				}
				return &t, nil
			}
		}
		return nil, &ValidationError{Field: "timestamp", Reason: fmt.Sprintf("cannot parse %q", s)}
	}

	// Numbers are epoch milliseconds, the device's native clock format.
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		if math.IsNaN(ms) || math.IsInf(ms, 0) {
			return nil, &ValidationError{Field: "timestamp", Reason: "is not a finite number"}
		}
		if ms < float64(minTimestampMillis) || ms > float64(maxTimestampMillis) {
			return nil, &ValidationError{Field: "timestamp", Reason: "epoch milliseconds out of range"}
		}
		t := time.UnixMilli(int64(ms)).Add(time.Duration(math.Mod(ms, 1) * float64(time.Millisecond)))
		return &t, nil
	}

	return nil, &ValidationError{Field: "timestamp", Reason: "must be an RFC 3339 string or epoch milliseconds"}
}

func parseLocation(raw json.RawMessage) (*Location, error) {
	if isNull(raw) {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &ValidationError{Field: "location", Reason: "must be an object with lat and lon"}
	}
	latRaw, hasLat := fields["lat"]
	lonRaw, hasLon := fields["lon"]
	if !hasLat && !hasLon {
		return nil, nil
	}
	if !hasLat || !hasLon {
		return nil, &ValidationError{Field: "location", Reason: "lat and lon must be sent together"}
	}

	var loc Location
	if err := json.Unmarshal(latRaw, &loc.Lat); err != nil {
		return nil, &ValidationError{Field: "location.lat", Reason: "must be a number"}
	}
	if err := json.Unmarshal(lonRaw, &loc.Lon); err != nil {
		return nil, &ValidationError{Field: "location.lon", Reason: "must be a number"}
	}
	if err := validateLocation(loc); err != nil {
		return nil, err
	}
	return &loc, nil
}

func validateLocation(loc Location) error {
	if math.IsNaN(loc.Lat) || loc.Lat < -90 || loc.Lat > 90 {
		return &ValidationError{Field: "location.lat", Reason: "must be within [-90, 90]"}
	}
	if math.IsNaN(loc.Lon) || loc.Lon < -180 || loc.Lon > 180 {
		return &ValidationError{Field: "location.lon", Reason: "must be within [-180, 180]"}
	}
	return nil
}

func parseOptionalString(field string, raw json.RawMessage) (*string, error) {
	if isNull(raw) {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, &ValidationError{Field: field, Reason: "must be a string"}
	}
	return &s, nil
}
