package domain

import (
	"fmt"
	"strings"
	"time"
)

// Validation flags attached to normalized readings. A flagged reading is
// still stored; flags record why it is suspect.
const (
	FlagNegativeValue    = "negative-value"
	FlagOutOfRange       = "out-of-range"
	FlagConversionFailed = "conversion-failed"
	FlagUnknownUnit      = "unknown-unit"
	FlagAssumedUnit      = "assumed-unit"
)

// RawRecord is a single parsed row from an export file, all fields as written
// by the source. It exists only while a file is being processed.
type RawRecord struct {
	StationID  string
	Parameter  string
	Value      string
	Unit       string
	Datetime   string
	Lat        string
	Lon        string
	SourceFile string
}

// NormalizedReading is the persisted form of a measurement. Value/Unit are
// empty when unit conversion failed; RawValue/RawUnit are always preserved
// for audit.
type NormalizedReading struct {
	StationID string    `json:"station_id"`
	Timestamp time.Time `json:"timestamp"`
	Parameter string    `json:"parameter"`

	RawValue string   `json:"raw_value"`
	RawUnit  string   `json:"raw_unit,omitempty"`
	Value    *float64 `json:"value,omitempty"`
	Unit     string   `json:"unit,omitempty"`

	Valid bool     `json:"valid"`
	Flags []string `json:"flags,omitempty"`

	SourceFile string `json:"source_file,omitempty"`
}

// DedupKey returns the identity triple used for duplicate suppression, both
// in the in-run dedup window and in the storage uniqueness constraint.
func (r NormalizedReading) DedupKey() string {
	return fmt.Sprintf("%s|%s|%s", r.StationID, r.Timestamp.UTC().Format(time.RFC3339), r.Parameter)
}

// HasFlag reports whether the reading carries the given validation flag.
func (r NormalizedReading) HasFlag(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// timestampLayouts are tried in order by ParseTimestamp. Unzoned layouts
// assume UTC.
var timestampLayouts = []struct {
	layout string
	zoned  bool
}{
	{time.RFC3339, true},
	{"2006-01-02 15:04:05Z07:00", true},
	{"2006-01-02T15:04:05", false},
	{"2006-01-02 15:04:05", false},
	{"2006-01-02", false},
}

// ParseTimestamp parses a loosely ISO-8601 datetime string. A trailing "Z" is
// UTC; when no offset is given UTC is assumed. The result is always in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty datetime")
	}
	for _, l := range timestampLayouts {
		if l.zoned {
			if t, err := time.Parse(l.layout, s); err == nil {
				return t.UTC(), nil
			}
			continue
		}
		if t, err := time.ParseInLocation(l.layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized datetime %q", s)
}
