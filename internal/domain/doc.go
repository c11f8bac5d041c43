// Package domain models bulk air-quality measurement data.
//
// # Data Source
//
// Measurements originate from per-station historical exports: gzip-compressed
// CSV files, one row per measurement, organized on disk as one subtree per
// station keyed by the station's external id, subdivided by year:
//
//	<root>/<station-id>/<year>/<station-id>_2024.csv.gz
//
// Export headers vary between provider snapshots, so the reader accepts a
// small set of known aliases per logical column (see package sourcefile):
//
//	parameter  value  unit  datetime|datetime_utc  lat|latitude  lon|longitude
//
// # Timestamps
//
// Datetime strings are loosely ISO-8601. A trailing "Z" means UTC; when no
// offset is present UTC is assumed. Rows whose datetime cannot be parsed are
// counted as invalid and dropped.
//
// # Dedup Identity
//
// A reading is identified by the (station, timestamp, parameter) triple. The
// same triple appearing twice, within a run or across runs, must yield a
// single stored reading. Two independent layers enforce this: an in-memory
// dedup window during ingestion and a uniqueness constraint in storage, so
// replaying an unchanged export set creates zero new rows.
//
// # Validation
//
// Validation never silently discards a measurable row. Negative values are
// stored invalid, out-of-range values are stored flagged, unit conversion
// failures keep the raw value/unit with empty normalized fields. Only rows
// missing a required field or with an unparseable timestamp/value are dropped.
package domain
