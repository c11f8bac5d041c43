// Package analyzer scans raw export trees and ranks stations by data
// richness ahead of ingestion. It persists nothing: its outputs are a ranking
// CSV consumed by the station registry and a diagnostic error log.
package analyzer

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/couchcryptid/aq-intake/internal/config"
	"github.com/couchcryptid/aq-intake/internal/domain"
	"github.com/couchcryptid/aq-intake/internal/observability"
	"github.com/couchcryptid/aq-intake/internal/runlog"
	"github.com/couchcryptid/aq-intake/internal/sourcefile"
	"github.com/couchcryptid/aq-intake/internal/units"
)

// Tie-break strategies for equal richness scores.
const (
	TieBreakRowCount = "row-count" // row count desc, then id asc
	TieBreakID       = "id"        // id asc only
)

// Planet-wide hard coordinate bounds. Rows outside are invalid regardless of
// deployment region.
const (
	minValidLat = -90.0
	maxValidLat = 90.0
	minValidLon = -180.0
	maxValidLon = 180.0
)

// Options configures one analysis pass.
type Options struct {
	Root         string
	ErrorLogPath string
	Region       config.RegionBounds
	TieBreak     string // TieBreakRowCount (default) or TieBreakID
}

// StationReport is one ranked row of the analysis output.
type StationReport struct {
	Rank       int
	StationID  string
	Score      float64
	RowCount   int64
	FileCount  int
	Parameters []string
	DateStart  time.Time
	DateEnd    time.Time
	Errors     int64
	Duplicates int64
	Tier       domain.Tier
}

// Report is the full result of an analysis pass.
type Report struct {
	Stations []StationReport

	FilesScanned        int64
	RowsScanned         int64
	CoordInvalid        int64
	CoordOutOfRegion    int64
	DuplicatePairs      int64
	UnitInconsistencies map[string][]string // parameter -> observed units, only when >1
	ErrorLogPath        string
}

// Analyzer accumulates per-station and per-parameter statistics over an
// export tree.
type Analyzer struct {
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates an Analyzer.
func New(logger *slog.Logger, metrics *observability.Metrics) *Analyzer {
	return &Analyzer{logger: logger, metrics: metrics}
}

type stationStats struct {
	files       int
	rows        int64
	parameters  map[string]struct{}
	units       map[string]struct{}
	firstDate   time.Time
	lastDate    time.Time
	parseErrors int64
	duplicates  int64
	seen        map[string]struct{} // ts|parameter pairs, diagnostic only
}

type parameterStats struct {
	units    map[string]struct{}
	minValue float64
	maxValue float64
	count    int64
}

// Run scans every export file under opts.Root. A single unreadable file is
// logged and skipped; the pass never aborts for row-level problems.
func (a *Analyzer) Run(ctx context.Context, opts Options) (*Report, error) {
	if opts.TieBreak == "" {
		opts.TieBreak = TieBreakRowCount
	}

	errlog, err := runlog.Open(opts.ErrorLogPath)
	if err != nil {
		return nil, err
	}
	defer errlog.Close()

	files, err := sourcefile.Discover(opts.Root)
	if err != nil {
		return nil, err
	}
	a.logger.Info("analysis started", "root", opts.Root, "files", len(files))

	report := &Report{
		UnitInconsistencies: map[string][]string{},
		ErrorLogPath:        opts.ErrorLogPath,
	}
	stations := map[string]*stationStats{}
	parameters := map[string]*parameterStats{}

	for _, path := range files {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.scanFile(path, opts, stations, parameters, report, errlog)
	}

	report.Stations = rankStations(stations, opts.TieBreak)
	collectUnitInconsistencies(parameters, report)

	a.logger.Info("analysis finished",
		"stations", len(report.Stations),
		"rows", report.RowsScanned,
		"coord_invalid", report.CoordInvalid,
		"coord_out_of_region", report.CoordOutOfRegion,
		"duplicate_pairs", report.DuplicatePairs,
	)
	return report, nil
}

// scanFile accumulates one file's rows into the station and parameter stats.
func (a *Analyzer) scanFile(path string, opts Options, stations map[string]*stationStats, parameters map[string]*parameterStats, report *Report, errlog *runlog.Log) {
	stationID := sourcefile.StationIDForPath(opts.Root, path)

	r, err := sourcefile.Open(path, stationID)
	if err != nil {
		errlog.Printf("unreadable file %s: %v", path, err)
		a.logger.Warn("skipping unreadable export", "path", path, "error", err)
		return
	}
	defer r.Close()

	report.FilesScanned++
	a.metrics.ScanFiles.Inc()

	st := stationFor(stations, stationID)
	st.files++

	for {
		rec, err := r.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			st.parseErrors++
			report.RowsScanned++ // the broken line still counts as seen
			a.metrics.ScanParseErrors.Inc()
			errlog.Printf("parse error in %s: %v", path, err)
			if !sourcefile.IsRowError(err) {
				// Truncated gzip or I/O failure: the rest is unreadable.
				errlog.Printf("abandoning file %s after read failure", path)
				return
			}
			continue
		}

		report.RowsScanned++
		st.rows++
		a.metrics.ScanRows.Inc()
		a.scanRow(rec, opts, st, parameters, report, errlog)
	}
}

func (a *Analyzer) scanRow(rec domain.RawRecord, opts Options, st *stationStats, parameters map[string]*parameterStats, report *Report, errlog *runlog.Log) {
	if rec.Parameter != "" {
		st.parameters[rec.Parameter] = struct{}{}
	}
	if rec.Unit != "" {
		st.units[rec.Unit] = struct{}{}
	}

	a.scanValue(rec, st, parameters, errlog)
	a.scanDate(rec, st, errlog)
	a.scanCoords(rec, opts.Region, st, report, errlog)

	// Diagnostic duplicate detection; mutates nothing outside the report.
	if rec.Datetime != "" && rec.Parameter != "" {
		key := rec.Datetime + "|" + rec.Parameter
		if _, dup := st.seen[key]; dup {
			st.duplicates++
			report.DuplicatePairs++
		} else {
			st.seen[key] = struct{}{}
		}
	}
}

func (a *Analyzer) scanValue(rec domain.RawRecord, st *stationStats, parameters map[string]*parameterStats, errlog *runlog.Log) {
	if rec.Value == "" || rec.Parameter == "" {
		return
	}
	v, err := strconv.ParseFloat(rec.Value, 64)
	if err != nil {
		st.parseErrors++
		a.metrics.ScanParseErrors.Inc()
		errlog.Printf("station %s: malformed value %q in %s", rec.StationID, rec.Value, rec.SourceFile)
		return
	}

	ps, ok := parameters[rec.Parameter]
	if !ok {
		ps = &parameterStats{units: map[string]struct{}{}, minValue: v, maxValue: v}
		parameters[rec.Parameter] = ps
	}
	ps.count++
	ps.minValue = math.Min(ps.minValue, v)
	ps.maxValue = math.Max(ps.maxValue, v)
	if rec.Unit != "" {
		ps.units[rec.Unit] = struct{}{}
	}
}

func (a *Analyzer) scanDate(rec domain.RawRecord, st *stationStats, errlog *runlog.Log) {
	if rec.Datetime == "" {
		return
	}
	t, err := domain.ParseTimestamp(rec.Datetime)
	if err != nil {
		st.parseErrors++
		a.metrics.ScanParseErrors.Inc()
		errlog.Printf("station %s: malformed datetime %q in %s", rec.StationID, rec.Datetime, rec.SourceFile)
		return
	}
	if st.firstDate.IsZero() || t.Before(st.firstDate) {
		st.firstDate = t
	}
	if t.After(st.lastDate) {
		st.lastDate = t
	}
}

func (a *Analyzer) scanCoords(rec domain.RawRecord, region config.RegionBounds, st *stationStats, report *Report, errlog *runlog.Log) {
	if rec.Lat == "" || rec.Lon == "" {
		return
	}
	lat, errLat := strconv.ParseFloat(rec.Lat, 64)
	lon, errLon := strconv.ParseFloat(rec.Lon, 64)
	if errLat != nil || errLon != nil {
		st.parseErrors++
		a.metrics.ScanParseErrors.Inc()
		errlog.Printf("station %s: malformed coordinates (%q, %q) in %s", rec.StationID, rec.Lat, rec.Lon, rec.SourceFile)
		return
	}

	if lat < minValidLat || lat > maxValidLat || lon < minValidLon || lon > maxValidLon {
		report.CoordInvalid++
		errlog.Printf("station %s: coordinates (%g, %g) outside planet bounds in %s", rec.StationID, lat, lon, rec.SourceFile)
		return
	}
	if lat < region.MinLat || lat > region.MaxLat || lon < region.MinLon || lon > region.MaxLon {
		report.CoordOutOfRegion++
	}
}

func stationFor(stations map[string]*stationStats, id string) *stationStats {
	st, ok := stations[id]
	if !ok {
		st = &stationStats{
			parameters: map[string]struct{}{},
			units:      map[string]struct{}{},
			seen:       map[string]struct{}{},
		}
		stations[id] = st
	}
	return st
}

// RichnessScore combines row volume, pollutant diversity, and temporal
// coverage as independent capped contributions, so no single dimension can
// dominate beyond its weight. Rounded to 2 decimals; never exceeds 100.
func RichnessScore(rowCount int64, parameterCount int, spanDays float64) float64 {
	score := 40*math.Min(float64(rowCount)/10000, 1) +
		30*math.Min(float64(parameterCount)/5, 1) +
		30*math.Min(spanDays/365, 1)
	return math.Round(score*100) / 100
}

// rankStations scores every station and orders them: score desc, then the
// configured tie-break.
func rankStations(stations map[string]*stationStats, tieBreak string) []StationReport {
	reports := make([]StationReport, 0, len(stations))
	for id, st := range stations {
		var spanDays float64
		if !st.firstDate.IsZero() {
			spanDays = st.lastDate.Sub(st.firstDate).Hours() / 24
		}

		params := make([]string, 0, len(st.parameters))
		for p := range st.parameters {
			params = append(params, p)
		}
		sort.Strings(params)

		reports = append(reports, StationReport{
			StationID:  id,
			Score:      RichnessScore(st.rows, countKnownParameters(params), spanDays),
			RowCount:   st.rows,
			FileCount:  st.files,
			Parameters: params,
			DateStart:  st.firstDate,
			DateEnd:    st.lastDate,
			Errors:     st.parseErrors,
			Duplicates: st.duplicates,
		})
	}

	sort.Slice(reports, func(i, j int) bool {
		if reports[i].Score != reports[j].Score {
			return reports[i].Score > reports[j].Score
		}
		if tieBreak == TieBreakRowCount && reports[i].RowCount != reports[j].RowCount {
			return reports[i].RowCount > reports[j].RowCount
		}
		return reports[i].StationID < reports[j].StationID
	})

	for i := range reports {
		reports[i].Rank = i + 1
		reports[i].Tier = domain.TierForRank(i + 1)
	}
	return reports
}

// countKnownParameters counts distinct parameters the pipeline tracks;
// meteorological columns in exports must not inflate diversity.
func countKnownParameters(params []string) int {
	n := 0
	for _, p := range params {
		if _, ok := units.CanonicalParameter(p); ok {
			n++
		}
	}
	return n
}

func collectUnitInconsistencies(parameters map[string]*parameterStats, report *Report) {
	for p, ps := range parameters {
		if len(ps.units) <= 1 {
			continue
		}
		us := make([]string, 0, len(ps.units))
		for u := range ps.units {
			us = append(us, u)
		}
		sort.Strings(us)
		report.UnitInconsistencies[p] = us
	}
}
