package ingest_test

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/aq-intake/internal/domain"
	"github.com/couchcryptid/aq-intake/internal/ingest"
	"github.com/couchcryptid/aq-intake/internal/observability"
)

// fakeRepo is an in-memory Repository with the same (station, timestamp,
// parameter) uniqueness semantics as the Postgres store.
type fakeRepo struct {
	mu       sync.Mutex
	stations []domain.Station
	readings map[string]domain.NormalizedReading
	runs     map[string]domain.IngestionRun

	counterTotals map[string]int64
	counterLast   map[string]*time.Time

	listErr error
	bulkErr error // when set, every bulk insert fails
}

func newFakeRepo(stations ...domain.Station) *fakeRepo {
	return &fakeRepo{
		stations:      stations,
		readings:      map[string]domain.NormalizedReading{},
		runs:          map[string]domain.IngestionRun{},
		counterTotals: map[string]int64{},
		counterLast:   map[string]*time.Time{},
	}
}

func (f *fakeRepo) ListActiveStations(_ context.Context) ([]domain.Station, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]domain.Station(nil), f.stations...), nil
}

func (f *fakeRepo) BulkInsertReadings(_ context.Context, readings []domain.NormalizedReading) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bulkErr != nil {
		return 0, f.bulkErr
	}
	inserted := 0
	for _, r := range readings {
		if _, exists := f.readings[r.DedupKey()]; exists {
			continue
		}
		f.readings[r.DedupKey()] = r
		inserted++
	}
	return inserted, nil
}

func (f *fakeRepo) InsertReading(_ context.Context, r domain.NormalizedReading) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.readings[r.DedupKey()]; exists {
		return false, nil
	}
	f.readings[r.DedupKey()] = r
	return true, nil
}

func (f *fakeRepo) CountReadings(_ context.Context, stationID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.readings {
		if r.StationID == stationID {
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) LatestReadingTimestamp(_ context.Context, stationID string) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *time.Time
	for _, r := range f.readings {
		if r.StationID != stationID {
			continue
		}
		ts := r.Timestamp
		if latest == nil || ts.After(*latest) {
			latest = &ts
		}
	}
	return latest, nil
}

func (f *fakeRepo) UpdateStationCounters(_ context.Context, stationID string, total int64, last *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counterTotals[stationID] = total
	f.counterLast[stationID] = last
	return nil
}

func (f *fakeRepo) CreateRun(_ context.Context, run *domain.IngestionRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = *run
	return nil
}

func (f *fakeRepo) UpdateRun(_ context.Context, run *domain.IngestionRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = *run
	return nil
}

func (f *fakeRepo) reading(key string) (domain.NormalizedReading, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.readings[key]
	return r, ok
}

type fakePublisher struct {
	mu        sync.Mutex
	published int
	err       error
}

func (p *fakePublisher) PublishReadings(_ context.Context, readings []domain.NormalizedReading) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published += len(readings)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newEngine(repo ingest.Repository, pub ingest.Publisher) *ingest.Engine {
	return ingest.New(repo, pub, testLogger(), observability.NewMetricsForTesting())
}

func activeStation(id string) domain.Station {
	return domain.Station{ExternalID: id, Active: true}
}

func writeExport(t *testing.T, root, station, year, name, content string) string {
	t.Helper()
	dir := filepath.Join(root, station, year)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

func runOpts(t *testing.T, root string) ingest.Options {
	t.Helper()
	return ingest.Options{
		Root:         root,
		BatchSize:    100,
		Workers:      2,
		ErrorLogPath: filepath.Join(t.TempDir(), "ingest.log"),
	}
}

// A file with an exact duplicate row and a negative value: the duplicate is
// suppressed, the negative reading is stored flagged-invalid, and both count
// against the run, so it finishes Partial.
func TestRun_DuplicateAndNegative(t *testing.T) {
	root := t.TempDir()
	content := "datetime,parameter,value,unit\n" +
		"2024-06-01T00:00:00Z,pm25,35.0,ug/m3\n" +
		"2024-06-01T00:00:00Z,pm25,35.0,ug/m3\n" +
		"2024-06-01T01:00:00Z,pm25,-5.0,ug/m3\n"
	writeExport(t, root, "site-001", "2024", "a.csv.gz", content)

	repo := newFakeRepo(activeStation("site-001"))
	run, err := newEngine(repo, nil).Run(context.Background(), runOpts(t, root))
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusPartial, run.Status)
	assert.Equal(t, int64(3), run.Counters.RowsSeen)
	assert.Equal(t, int64(2), run.Counters.RowsCreated)
	assert.Equal(t, int64(1), run.Counters.RowsDuplicate)
	assert.Equal(t, int64(1), run.Counters.RowsInvalid)
	assert.Equal(t, int64(1), run.Counters.FilesProcessed)
	require.NotNil(t, run.FinishedAt)

	neg, ok := repo.reading("site-001|2024-06-01T01:00:00Z|pm25")
	require.True(t, ok)
	assert.False(t, neg.Valid)
	assert.True(t, neg.HasFlag(domain.FlagNegativeValue))
	require.NotNil(t, neg.Value)
	assert.Equal(t, -5.0, *neg.Value)

	pos, ok := repo.reading("site-001|2024-06-01T00:00:00Z|pm25")
	require.True(t, ok)
	assert.True(t, pos.Valid)
	assert.Empty(t, pos.Flags)
}

// A run whose only anomaly is a negative reading must not finish Completed:
// the reading is stored flagged-invalid and the invalid tally reflects it.
func TestRun_NegativeReadingMakesRunPartial(t *testing.T) {
	root := t.TempDir()
	writeExport(t, root, "site-001", "2024", "a.csv.gz",
		"datetime,parameter,value,unit\n2024-06-01T00:00:00Z,pm25,-5.0,ug/m3\n")

	repo := newFakeRepo(activeStation("site-001"))
	run, err := newEngine(repo, nil).Run(context.Background(), runOpts(t, root))
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusPartial, run.Status)
	assert.Equal(t, int64(1), run.Counters.RowsInvalid)
	assert.Equal(t, int64(1), run.Counters.RowsCreated)
	assert.Equal(t, int64(0), run.Counters.RowsDuplicate)

	stored, ok := repo.reading("site-001|2024-06-01T00:00:00Z|pm25")
	require.True(t, ok)
	assert.False(t, stored.Valid)
	assert.True(t, stored.HasFlag(domain.FlagNegativeValue))
}

func TestRun_CleanFileCompletes(t *testing.T) {
	root := t.TempDir()
	content := "datetime,parameter,value,unit\n" +
		"2024-06-01T00:00:00Z,pm25,35.0,ug/m3\n" +
		"2024-06-01T01:00:00Z,no2,20.0,ppb\n"
	writeExport(t, root, "site-001", "2024", "a.csv.gz", content)

	repo := newFakeRepo(activeStation("site-001"))
	run, err := newEngine(repo, nil).Run(context.Background(), runOpts(t, root))
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, int64(2), run.Counters.RowsCreated)
	assert.InDelta(t, 1.0, run.SuccessRate(), 1e-9)

	// ppb converted to canonical µg/m³.
	no2, ok := repo.reading("site-001|2024-06-01T01:00:00Z|no2")
	require.True(t, ok)
	require.NotNil(t, no2.Value)
	assert.InDelta(t, 20*46.01/24.45, *no2.Value, 1e-9)
	assert.Equal(t, "µg/m³", no2.Unit)
	assert.Equal(t, "20.0", no2.RawValue)
	assert.Equal(t, "ppb", no2.RawUnit)
}

// Re-ingesting the same tree must not create new rows: the storage uniqueness
// constraint absorbs every row as a duplicate.
func TestRun_Idempotent(t *testing.T) {
	root := t.TempDir()
	content := "datetime,parameter,value,unit\n" +
		"2024-06-01T00:00:00Z,pm25,35.0,ug/m3\n" +
		"2024-06-01T01:00:00Z,pm25,36.0,ug/m3\n"
	writeExport(t, root, "site-001", "2024", "a.csv.gz", content)

	repo := newFakeRepo(activeStation("site-001"))
	engine := newEngine(repo, nil)

	first, err := engine.Run(context.Background(), runOpts(t, root))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, first.Status)
	assert.Equal(t, int64(2), first.Counters.RowsCreated)

	second, err := engine.Run(context.Background(), runOpts(t, root))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusPartial, second.Status)
	assert.Equal(t, int64(0), second.Counters.RowsCreated)
	assert.Equal(t, int64(2), second.Counters.RowsDuplicate)
	assert.Equal(t, int64(2), repo.counterTotals["site-001"])
}

func TestRun_RowOutcomes(t *testing.T) {
	root := t.TempDir()
	content := "datetime,parameter,value,unit\n" +
		// Skipped: missing value.
		"2024-06-01T00:00:00Z,pm25,,ug/m3\n" +
		// Skipped: untracked parameter.
		"2024-06-01T00:00:00Z,temperature,31.2,c\n" +
		// Invalid: bad datetime.
		"06/01/2024,pm25,35.0,ug/m3\n" +
		// Invalid: non-numeric value.
		"2024-06-01T01:00:00Z,pm25,n/a,ug/m3\n" +
		// Created with conversion-failed: ppm is undefined for particulates.
		"2024-06-01T02:00:00Z,pm25,0.03,ppm\n" +
		// Created with assumed unit.
		"2024-06-01T03:00:00Z,pm25,40.0,parts\n" +
		// Created flagged-invalid: out of range (pm25 cap is 1500).
		"2024-06-01T04:00:00Z,pm25,9000,ug/m3\n"
	writeExport(t, root, "site-001", "2024", "a.csv.gz", content)

	opts := runOpts(t, root)
	repo := newFakeRepo(activeStation("site-001"))
	run, err := newEngine(repo, nil).Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusPartial, run.Status)
	assert.Equal(t, int64(7), run.Counters.RowsSeen)
	assert.Equal(t, int64(2), run.Counters.RowsSkipped)
	// Two dropped rows plus the stored out-of-range reading.
	assert.Equal(t, int64(3), run.Counters.RowsInvalid)
	assert.Equal(t, int64(3), run.Counters.RowsCreated)

	conv, ok := repo.reading("site-001|2024-06-01T02:00:00Z|pm25")
	require.True(t, ok)
	assert.True(t, conv.HasFlag(domain.FlagConversionFailed))
	assert.Nil(t, conv.Value)
	assert.Empty(t, conv.Unit)
	assert.True(t, conv.Valid) // raw value is non-negative
	assert.Equal(t, "0.03", conv.RawValue)

	assumed, ok := repo.reading("site-001|2024-06-01T03:00:00Z|pm25")
	require.True(t, ok)
	assert.True(t, assumed.HasFlag(domain.FlagUnknownUnit))
	assert.True(t, assumed.HasFlag(domain.FlagAssumedUnit))
	require.NotNil(t, assumed.Value)
	assert.Equal(t, 40.0, *assumed.Value)

	outOfRange, ok := repo.reading("site-001|2024-06-01T04:00:00Z|pm25")
	require.True(t, ok)
	assert.True(t, outOfRange.HasFlag(domain.FlagOutOfRange))
	assert.False(t, outOfRange.Valid)

	// Error log records the invalid rows.
	data, err := os.ReadFile(opts.ErrorLogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "bad datetime")
	assert.Contains(t, string(data), "bad value")
}

// A corrupt file is logged and counted; the run continues with the remaining
// files and finishes Partial, not Failed.
func TestRun_CorruptFilePartial(t *testing.T) {
	root := t.TempDir()
	writeExport(t, root, "site-001", "2024", "good.csv.gz",
		"datetime,parameter,value,unit\n2024-06-01T00:00:00Z,pm25,35.0,ug/m3\n")

	dir := filepath.Join(root, "site-001", "2023")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.csv.gz"), []byte("not gzip"), 0o644))

	repo := newFakeRepo(activeStation("site-001"))
	run, err := newEngine(repo, nil).Run(context.Background(), runOpts(t, root))
	require.NoError(t, err)

	assert.Equal(t, domain.RunStatusPartial, run.Status)
	assert.Equal(t, int64(1), run.Counters.FileErrors)
	assert.Equal(t, int64(1), run.Counters.FilesProcessed)
	assert.Equal(t, int64(1), run.Counters.RowsCreated)
}

func TestRun_NoMatchingStationsFails(t *testing.T) {
	repo := newFakeRepo() // no active stations
	run, err := newEngine(repo, nil).Run(context.Background(), runOpts(t, t.TempDir()))
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.NotEmpty(t, run.Error)
	require.NotNil(t, run.FinishedAt)

	// The persisted run record reflects the failure.
	stored := repo.runs[run.ID]
	assert.Equal(t, domain.RunStatusFailed, stored.Status)
}

func TestRun_StationFilterAndLimit(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"site-001", "site-002", "site-003"} {
		writeExport(t, root, id, "2024", "a.csv.gz",
			fmt.Sprintf("datetime,parameter,value,unit\n2024-06-01T00:00:00Z,pm25,%d,ug/m3\n", 10))
	}

	repo := newFakeRepo(activeStation("site-001"), activeStation("site-002"), activeStation("site-003"))

	opts := runOpts(t, root)
	opts.StationIDs = []string{"site-002", "site-003"}
	opts.Limit = 1
	run, err := newEngine(repo, nil).Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, int64(1), run.Counters.RowsCreated)
	_, ok := repo.reading("site-002|2024-06-01T00:00:00Z|pm25")
	assert.True(t, ok)
}

// When a bulk insert fails the engine retries the batch row by row, so one
// batch-level error cannot discard the whole window.
func TestRun_BulkFailureFallsBackRowByRow(t *testing.T) {
	root := t.TempDir()
	content := "datetime,parameter,value,unit\n" +
		"2024-06-01T00:00:00Z,pm25,35.0,ug/m3\n" +
		"2024-06-01T01:00:00Z,pm25,36.0,ug/m3\n" +
		"2024-06-01T02:00:00Z,pm25,37.0,ug/m3\n"
	writeExport(t, root, "site-001", "2024", "a.csv.gz", content)

	repo := newFakeRepo(activeStation("site-001"))
	repo.bulkErr = errors.New("connection reset")
	run, err := newEngine(repo, nil).Run(context.Background(), runOpts(t, root))
	require.NoError(t, err)

	assert.Equal(t, int64(3), run.Counters.RowsCreated)
	assert.Equal(t, int64(0), run.Counters.RowsDuplicate)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
}

func TestRun_SmallBatchesFlushRepeatedly(t *testing.T) {
	root := t.TempDir()
	content := "datetime,parameter,value,unit\n"
	for i := range 10 {
		content += fmt.Sprintf("2024-06-01T%02d:00:00Z,pm25,%d.0,ug/m3\n", i, 30+i)
	}
	writeExport(t, root, "site-001", "2024", "a.csv.gz", content)

	opts := runOpts(t, root)
	opts.BatchSize = 3
	repo := newFakeRepo(activeStation("site-001"))
	pub := &fakePublisher{}
	run, err := newEngine(repo, pub).Run(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, int64(10), run.Counters.RowsCreated)
	assert.Equal(t, 10, pub.published)
	assert.Equal(t, int64(10), repo.counterTotals["site-001"])
	require.NotNil(t, repo.counterLast["site-001"])
	assert.Equal(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC), repo.counterLast["site-001"].UTC())
}

// Publishing is best-effort: a publisher error never affects counters or the
// run status.
func TestRun_PublisherErrorIgnored(t *testing.T) {
	root := t.TempDir()
	writeExport(t, root, "site-001", "2024", "a.csv.gz",
		"datetime,parameter,value,unit\n2024-06-01T00:00:00Z,pm25,35.0,ug/m3\n")

	repo := newFakeRepo(activeStation("site-001"))
	pub := &fakePublisher{err: errors.New("broker down")}
	run, err := newEngine(repo, pub).Run(context.Background(), runOpts(t, root))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, int64(1), run.Counters.RowsCreated)
}

func TestRun_StationWithoutFilesIsNotAnError(t *testing.T) {
	root := t.TempDir()
	writeExport(t, root, "site-001", "2024", "a.csv.gz",
		"datetime,parameter,value,unit\n2024-06-01T00:00:00Z,pm25,35.0,ug/m3\n")

	repo := newFakeRepo(activeStation("site-001"), activeStation("site-empty"))
	run, err := newEngine(repo, nil).Run(context.Background(), runOpts(t, root))
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, run.Status)
	assert.Equal(t, int64(0), run.Counters.StationErrors)
}

func TestRun_ListStationsErrorFails(t *testing.T) {
	repo := newFakeRepo()
	repo.listErr = errors.New("db down")
	run, err := newEngine(repo, nil).Run(context.Background(), runOpts(t, t.TempDir()))
	require.Error(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
}

func TestSnapshot(t *testing.T) {
	engine := newEngine(newFakeRepo(), nil)
	snap := engine.Snapshot()
	assert.False(t, snap.Active)
	assert.Zero(t, snap.StationsTotal)

	// Before any flush the engine reports not ready.
	assert.Error(t, engine.CheckReadiness(context.Background()))
}
