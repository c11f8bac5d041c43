// Package sourcefile reads per-station gzip-compressed CSV export files.
//
// Export snapshots from different provider versions name the same logical
// columns differently, so header matching goes through a fixed alias table.
// Rows are returned as domain.RawRecord with every field still a raw string;
// interpretation (timestamps, numbers, units) happens downstream.
package sourcefile

import (
	"compress/gzip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/couchcryptid/aq-intake/internal/domain"
)

// Extension is the export file suffix matched during discovery.
const Extension = ".csv.gz"

// columnAliases maps each logical column to accepted header spellings,
// compared case-insensitively.
var columnAliases = map[string][]string{
	"station":   {"location_id", "station_id", "location", "station"},
	"parameter": {"parameter", "param", "pollutant"},
	"value":     {"value", "measurement"},
	"unit":      {"unit", "units"},
	"datetime":  {"datetime", "datetime_utc", "date_utc", "timestamp"},
	"lat":       {"lat", "latitude"},
	"lon":       {"lon", "longitude", "lng"},
}

// Discover returns every export file under root, in deterministic
// (lexicographic walk) order.
func Discover(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), Extension) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover exports under %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

// DiscoverStation returns the export files belonging to one station: those
// whose path contains a directory segment equal to the station's external id.
func DiscoverStation(root, stationID string) ([]string, error) {
	all, err := Discover(root)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, path := range all {
		if StationIDForPath(root, path) == stationID {
			files = append(files, path)
		}
	}
	return files, nil
}

// StationIDForPath extracts the station external id from an export file path
// using the directory convention <root>/<station-id>/<year>/<file>. Returns
// "" when the path is not under root.
func StationIDForPath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}

// RowReader streams RawRecords from one gzip CSV export file.
type RowReader struct {
	f          *os.File
	gz         *gzip.Reader
	csv        *csv.Reader
	cols       map[string]int
	sourceFile string
	stationID  string
}

// Open opens an export file and reads its header. stationID is the id derived
// from the file's path; it takes precedence over any station column in the
// file. A missing or empty header is an error; missing optional columns are
// not.
func Open(path, stationID string) (*RowReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open export: %w", err)
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("gunzip %s: %w", filepath.Base(path), err)
	}

	cr := csv.NewReader(gz)
	cr.FieldsPerRecord = -1 // tolerate ragged rows
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		gz.Close()
		f.Close()
		return nil, fmt.Errorf("read header of %s: %w", filepath.Base(path), err)
	}

	r := &RowReader{
		f:          f,
		gz:         gz,
		csv:        cr,
		cols:       matchHeader(header),
		sourceFile: filepath.Base(path),
		stationID:  stationID,
	}
	return r, nil
}

// matchHeader resolves logical column names to indices via the alias table.
func matchHeader(header []string) map[string]int {
	byName := make(map[string]int, len(header))
	for i, h := range header {
		byName[strings.ToLower(strings.TrimSpace(h))] = i
	}

	cols := make(map[string]int, len(columnAliases))
	for logical, aliases := range columnAliases {
		for _, a := range aliases {
			if i, ok := byName[a]; ok {
				cols[logical] = i
				break
			}
		}
	}
	return cols
}

// Next returns the next row as a RawRecord. It returns io.EOF at end of file.
// A malformed CSV line is returned as an error the caller can log and move
// past; the reader stays usable.
func (r *RowReader) Next() (domain.RawRecord, error) {
	row, err := r.csv.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return domain.RawRecord{}, io.EOF
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			return domain.RawRecord{}, fmt.Errorf("%s line %d: %w", r.sourceFile, parseErr.Line, err)
		}
		return domain.RawRecord{}, fmt.Errorf("%s: %w", r.sourceFile, err)
	}

	rec := domain.RawRecord{
		StationID:  r.stationID,
		Parameter:  r.field(row, "parameter"),
		Value:      r.field(row, "value"),
		Unit:       r.field(row, "unit"),
		Datetime:   r.field(row, "datetime"),
		Lat:        r.field(row, "lat"),
		Lon:        r.field(row, "lon"),
		SourceFile: r.sourceFile,
	}
	if rec.StationID == "" {
		rec.StationID = r.field(row, "station")
	}
	return rec, nil
}

// IsRowError reports whether an error from Next is confined to a single
// malformed CSV line. Anything else (gzip corruption, I/O failure) means the
// rest of the file is unreadable and the caller should abandon it.
func IsRowError(err error) bool {
	var parseErr *csv.ParseError
	return errors.As(err, &parseErr)
}

func (r *RowReader) field(row []string, logical string) string {
	i, ok := r.cols[logical]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// Close releases the underlying gzip and file handles.
func (r *RowReader) Close() error {
	gzErr := r.gz.Close()
	if err := r.f.Close(); err != nil {
		return err
	}
	return gzErr
}
