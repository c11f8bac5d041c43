package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{
			name:  "rfc3339 utc",
			input: "2024-06-01T12:30:00Z",
			want:  time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC),
		},
		{
			name:  "rfc3339 with offset",
			input: "2024-06-01T18:00:00+05:30",
			want:  time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC),
		},
		{
			name:  "space separated with offset",
			input: "2024-06-01 18:00:00+05:30",
			want:  time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC),
		},
		{
			name:  "unzoned assumes utc",
			input: "2024-06-01T12:30:00",
			want:  time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC),
		},
		{
			name:  "space separated unzoned",
			input: "2024-06-01 12:30:00",
			want:  time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC),
		},
		{
			name:  "date only",
			input: "2024-06-01",
			want:  time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "surrounding whitespace",
			input: "  2024-06-01T12:30:00Z  ",
			want:  time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.input)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %s, want %s", got, tt.want)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestParseTimestamp_Invalid(t *testing.T) {
	for _, input := range []string{"", "not-a-date", "01/06/2024", "2024-13-45T00:00:00Z"} {
		_, err := ParseTimestamp(input)
		assert.Error(t, err, "input %q", input)
	}
}

// Readings that differ only in timezone representation must collide on the
// dedup key: the identity is the UTC instant.
func TestDedupKey_TimezoneInsensitive(t *testing.T) {
	utc, err := ParseTimestamp("2024-06-01T12:30:00Z")
	require.NoError(t, err)
	offset, err := ParseTimestamp("2024-06-01T18:00:00+05:30")
	require.NoError(t, err)

	a := NormalizedReading{StationID: "site-001", Timestamp: utc, Parameter: "pm25"}
	b := NormalizedReading{StationID: "site-001", Timestamp: offset, Parameter: "pm25"}
	assert.Equal(t, a.DedupKey(), b.DedupKey())

	c := NormalizedReading{StationID: "site-001", Timestamp: utc, Parameter: "pm10"}
	assert.NotEqual(t, a.DedupKey(), c.DedupKey())

	d := NormalizedReading{StationID: "site-002", Timestamp: utc, Parameter: "pm25"}
	assert.NotEqual(t, a.DedupKey(), d.DedupKey())
}

func TestHasFlag(t *testing.T) {
	r := NormalizedReading{Flags: []string{FlagNegativeValue, FlagOutOfRange}}
	assert.True(t, r.HasFlag(FlagNegativeValue))
	assert.True(t, r.HasFlag(FlagOutOfRange))
	assert.False(t, r.HasFlag(FlagConversionFailed))

	empty := NormalizedReading{}
	assert.False(t, empty.HasFlag(FlagNegativeValue))
}
