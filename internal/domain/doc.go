// Package domain models crop inspection reports sent by field devices.
//
// # Data Source
//
// A field device (typically a Raspberry Pi carried by a drone or mounted on a
// pole) runs crop, disease, and pesticide classifiers on a camera frame and
// uploads the frame together with a JSON metadata document:
//
//	{
//	  "timestamp": "2026-05-01T08:30:00Z",
//	  "location": {"lat": 17.38, "lon": 78.48},
//	  "crop_detection": "wheat",
//	  "disease_detection": "leaf rust",
//	  "pesticide_recommendation": "propiconazole"
//	}
//
// # Field Conventions
//
// Timestamp:
//
//	RFC 3339 string, a zone-less "YYYY-MM-DDTHH:MM:SS" (read as UTC), a
//	plain date, or a JSON number of epoch milliseconds. Absent or null means
//	"now" at ingestion. Stored in UTC at microsecond precision.
//
// Location:
//
//	Optional object with numeric lat/lon. Both or neither; an empty object
//	counts as absent. Range-checked against WGS-84 bounds.
//
// Classifications:
//
//	crop_detection, disease_detection and pesticide_recommendation are opaque
//	strings. Absent fields stay absent; they are never replaced with
//	placeholder values.
//
// # Ordering
//
// The most recent report is the one with the greatest timestamp; equal
// timestamps are broken by ledger insertion order (Seq). See [Report.After].
//
// # Errors
//
// [MalformedInputError] and [ValidationError] are the producer's fault and
// are not retried. [StorageError] may be transient. [ErrNotFound] means no
// report has been committed yet.
package domain
