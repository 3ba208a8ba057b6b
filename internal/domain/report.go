package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// UploadsPath is the public URL prefix under which stored images are served.
const UploadsPath = "/uploads/"

// Location is a WGS-84 latitude/longitude pair reported by the device.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Report is one committed field observation. Values are never mutated after
// the ledger returns them; copies are passed around by value.
type Report struct {
	ID        string
	Seq       int64
	Timestamp time.Time
	Location  *Location

	CropDetection           *string
	DiseaseDetection        *string
	PesticideRecommendation *string

	// ImageLocator references the blob store entry, empty when no image was sent.
	ImageLocator string
	PlaceName    string

	IngestedAt time.Time
}

// ImagePath returns the retrievable path of the report image, or "" when the
// report has no image.
func (r Report) ImagePath() string {
	if r.ImageLocator == "" {
		return ""
	}
	return UploadsPath + r.ImageLocator
}

// After reports whether r orders strictly after o: later timestamp, or the
// same timestamp and a later ledger insertion.
func (r Report) After(o Report) bool {
	if !r.Timestamp.Equal(o.Timestamp) {
		return r.Timestamp.After(o.Timestamp)
	}
	return r.Seq > o.Seq
}

// reportJSON is the external representation shared by HTTP responses,
// WebSocket events, and the Kafka mirror.
type reportJSON struct {
	ID                      string    `json:"id"`
	Timestamp               time.Time `json:"timestamp"`
	Location                *Location `json:"location,omitempty"`
	CropDetection           *string   `json:"crop_detection,omitempty"`
	DiseaseDetection        *string   `json:"disease_detection,omitempty"`
	PesticideRecommendation *string   `json:"pesticide_recommendation,omitempty"`
	ImagePath               string    `json:"image_path,omitempty"`
	PlaceName               string    `json:"place_name,omitempty"`
	IngestedAt              time.Time `json:"ingested_at"`
}

// MarshalJSON renders the report in its external shape.
func (r Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(reportJSON{
		ID:                      r.ID,
		Timestamp:               r.Timestamp,
		Location:                r.Location,
		CropDetection:           r.CropDetection,
		DiseaseDetection:        r.DiseaseDetection,
		PesticideRecommendation: r.PesticideRecommendation,
		ImagePath:               r.ImagePath(),
		PlaceName:               r.PlaceName,
		IngestedAt:              r.IngestedAt,
	})
}

// UnmarshalJSON reads the external shape back, e.g. in the viewer CLI.
// Seq is not part of the external shape and stays zero.
func (r *Report) UnmarshalJSON(data []byte) error {
	var v reportJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = Report{
		ID:                      v.ID,
		Timestamp:               v.Timestamp,
		Location:                v.Location,
		CropDetection:           v.CropDetection,
		DiseaseDetection:        v.DiseaseDetection,
		PesticideRecommendation: v.PesticideRecommendation,
		PlaceName:               v.PlaceName,
		IngestedAt:              v.IngestedAt,
	}
	if loc, ok := strings.CutPrefix(v.ImagePath, UploadsPath); ok {
		r.ImageLocator = loc
	}
	return nil
}
