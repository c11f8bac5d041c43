// Package ingest reads active stations' export files and persists normalized
// readings in bounded batches. Stations are independent units of work
// processed by a small worker pool; per-station processing is sequential
// because duplicate detection and running counters are scoped to a station.
package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/couchcryptid/aq-intake/internal/domain"
	"github.com/couchcryptid/aq-intake/internal/observability"
	"github.com/couchcryptid/aq-intake/internal/runlog"
	"github.com/couchcryptid/aq-intake/internal/sourcefile"
	"github.com/couchcryptid/aq-intake/internal/units"
)

// Repository is the storage surface the engine needs. Any store with a
// uniqueness constraint on (station, timestamp, parameter) satisfies it.
type Repository interface {
	ListActiveStations(ctx context.Context) ([]domain.Station, error)
	BulkInsertReadings(ctx context.Context, readings []domain.NormalizedReading) (int, error)
	InsertReading(ctx context.Context, reading domain.NormalizedReading) (bool, error)
	CountReadings(ctx context.Context, stationID string) (int64, error)
	LatestReadingTimestamp(ctx context.Context, stationID string) (*time.Time, error)
	UpdateStationCounters(ctx context.Context, stationID string, total int64, last *time.Time) error
	CreateRun(ctx context.Context, run *domain.IngestionRun) error
	UpdateRun(ctx context.Context, run *domain.IngestionRun) error
}

// Publisher emits successfully flushed readings to an event stream. A nil
// Publisher disables publishing.
type Publisher interface {
	PublishReadings(ctx context.Context, readings []domain.NormalizedReading) error
}

// Options configures one ingestion run.
type Options struct {
	Root         string
	StationIDs   []string // optional filter; empty means all active stations
	Limit        int      // optional cap on station count; 0 means no cap
	BatchSize    int
	Workers      int
	ErrorLogPath string
}

// Engine runs bulk ingestion over the active station set.
type Engine struct {
	repo    Repository
	pub     Publisher
	logger  *slog.Logger
	metrics *observability.Metrics

	current atomic.Pointer[tracker]
	ready   atomic.Bool
}

// New creates an Engine. pub may be nil to disable event publishing.
func New(repo Repository, pub Publisher, logger *slog.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{repo: repo, pub: pub, logger: logger, metrics: metrics}
}

// tracker holds a run's aggregate counters. Station workers update it with
// atomic increments; it is the only state shared across workers.
type tracker struct {
	filesProcessed atomic.Int64
	rowsSeen       atomic.Int64
	rowsCreated    atomic.Int64
	rowsSkipped    atomic.Int64
	rowsInvalid    atomic.Int64
	rowsDuplicate  atomic.Int64
	fileErrors     atomic.Int64
	stationErrors  atomic.Int64

	stationsDone  atomic.Int64
	stationsTotal int64
}

func (t *tracker) counters() domain.RunCounters {
	return domain.RunCounters{
		FilesProcessed: t.filesProcessed.Load(),
		RowsSeen:       t.rowsSeen.Load(),
		RowsCreated:    t.rowsCreated.Load(),
		RowsSkipped:    t.rowsSkipped.Load(),
		RowsInvalid:    t.rowsInvalid.Load(),
		RowsDuplicate:  t.rowsDuplicate.Load(),
		FileErrors:     t.fileErrors.Load(),
		StationErrors:  t.stationErrors.Load(),
	}
}

// Snapshot is a point-in-time view of the current run, served by /statusz.
type Snapshot struct {
	Active        bool               `json:"active"`
	StationsTotal int64              `json:"stations_total"`
	StationsDone  int64              `json:"stations_done"`
	Counters      domain.RunCounters `json:"counters"`
}

// Snapshot returns the current run's progress, or a zero Snapshot when no
// run is active.
func (e *Engine) Snapshot() Snapshot {
	trk := e.current.Load()
	if trk == nil {
		return Snapshot{}
	}
	return Snapshot{
		Active:        true,
		StationsTotal: trk.stationsTotal,
		StationsDone:  trk.stationsDone.Load(),
		Counters:      trk.counters(),
	}
}

// CheckReadiness returns nil once the engine has persisted at least one
// batch, or an error describing why the service is not yet ready.
func (e *Engine) CheckReadiness(_ context.Context) error {
	if !e.ready.Load() {
		return errors.New("engine has not flushed any readings yet")
	}
	return nil
}

// Run executes one full ingestion pass. It always returns a finalized run
// record; err is non-nil only for run-level failures (no eligible stations,
// infrastructure errors, cancellation).
func (e *Engine) Run(ctx context.Context, opts Options) (*domain.IngestionRun, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}

	run := &domain.IngestionRun{
		ID:            uuid.NewString(),
		Status:        domain.RunStatusRunning,
		Source:        opts.Root,
		StationFilter: opts.StationIDs,
		StationLimit:  opts.Limit,
		ErrorLogPath:  opts.ErrorLogPath,
		StartedAt:     domain.Now().UTC(),
	}
	if err := e.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	e.metrics.IngestRunning.Set(1)
	defer e.metrics.IngestRunning.Set(0)

	stations, err := e.selectStations(ctx, opts)
	if err != nil {
		return e.fail(ctx, run, err)
	}
	if len(stations) == 0 {
		return e.fail(ctx, run, errors.New("no stations matched selection criteria"))
	}

	errlog, err := runlog.Open(opts.ErrorLogPath)
	if err != nil {
		return e.fail(ctx, run, err)
	}
	defer errlog.Close()

	e.logger.Info("ingestion started",
		"run", run.ID, "stations", len(stations),
		"batch_size", opts.BatchSize, "workers", opts.Workers,
	)

	trk := &tracker{stationsTotal: int64(len(stations))}
	e.current.Store(trk)
	defer e.current.Store(nil)

	jobs := make(chan domain.Station)
	var wg sync.WaitGroup
	for range opts.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for st := range jobs {
				if ctx.Err() != nil {
					continue // drain remaining jobs after cancellation
				}
				e.processStation(ctx, st, opts, trk, errlog)
				trk.stationsDone.Add(1)
			}
		}()
	}
	for _, st := range stations {
		jobs <- st
	}
	close(jobs)
	wg.Wait()

	return e.finalize(ctx, run, trk)
}

// fail finalizes a run as Failed and propagates the error to the caller.
func (e *Engine) fail(ctx context.Context, run *domain.IngestionRun, cause error) (*domain.IngestionRun, error) {
	run.Status = domain.RunStatusFailed
	run.Error = cause.Error()
	now := domain.Now().UTC()
	run.FinishedAt = &now

	if err := e.repo.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		e.logger.Error("finalize failed run", "run", run.ID, "error", err)
	}
	e.logger.Error("ingestion run failed", "run", run.ID, "error", cause)
	return run, cause
}

// finalize computes the terminal status from the aggregate counters and
// persists the finished run.
func (e *Engine) finalize(ctx context.Context, run *domain.IngestionRun, trk *tracker) (*domain.IngestionRun, error) {
	run.Counters = trk.counters()
	now := domain.Now().UTC()
	run.FinishedAt = &now

	var cause error
	switch {
	case ctx.Err() != nil:
		run.Status = domain.RunStatusFailed
		run.Error = ctx.Err().Error()
		cause = ctx.Err()
	case run.Counters.Clean():
		run.Status = domain.RunStatusCompleted
	default:
		run.Status = domain.RunStatusPartial
	}

	if err := e.repo.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		e.logger.Error("finalize run", "run", run.ID, "error", err)
	}

	e.logger.Info("ingestion finished",
		"run", run.ID,
		"status", string(run.Status),
		"rows_seen", run.Counters.RowsSeen,
		"rows_created", run.Counters.RowsCreated,
		"rows_skipped", run.Counters.RowsSkipped,
		"rows_invalid", run.Counters.RowsInvalid,
		"rows_duplicate", run.Counters.RowsDuplicate,
		"success_rate", run.SuccessRate(),
	)
	return run, cause
}

// selectStations applies the id filter and limit to the active station set.
func (e *Engine) selectStations(ctx context.Context, opts Options) ([]domain.Station, error) {
	stations, err := e.repo.ListActiveStations(ctx)
	if err != nil {
		return nil, err
	}

	if len(opts.StationIDs) > 0 {
		wanted := make(map[string]struct{}, len(opts.StationIDs))
		for _, id := range opts.StationIDs {
			wanted[id] = struct{}{}
		}
		filtered := stations[:0]
		for _, st := range stations {
			if _, ok := wanted[st.ExternalID]; ok {
				filtered = append(filtered, st)
			}
		}
		stations = filtered
	}

	if opts.Limit > 0 && len(stations) > opts.Limit {
		stations = stations[:opts.Limit]
	}
	return stations, nil
}

// batchState is the per-station accumulation buffer. The dedup window is
// scoped to one flush to bound memory; cross-batch duplicates are caught by
// the storage uniqueness constraint.
type batchState struct {
	station domain.Station
	batch   []domain.NormalizedReading
	seen    map[string]struct{}
}

func (e *Engine) processStation(ctx context.Context, st domain.Station, opts Options, trk *tracker, errlog *runlog.Log) {
	files, err := sourcefile.DiscoverStation(opts.Root, st.ExternalID)
	if err != nil {
		trk.stationErrors.Add(1)
		e.metrics.StationErrors.Inc()
		errlog.Printf("station %s: discovery failed: %v", st.ExternalID, err)
		return
	}
	if len(files) == 0 {
		// Not an error: the station simply has no bulk exports yet.
		e.logger.Info("no export files for station", "station", st.ExternalID)
		return
	}

	b := &batchState{
		station: st,
		batch:   make([]domain.NormalizedReading, 0, opts.BatchSize),
		seen:    make(map[string]struct{}, opts.BatchSize),
	}

	for _, path := range files {
		if ctx.Err() != nil {
			return
		}
		e.processFile(ctx, path, opts, b, trk, errlog)
	}

	e.flush(ctx, b, trk, errlog)
	e.refreshStationCounters(ctx, st.ExternalID, trk, errlog)
	e.metrics.StationsProcessed.Inc()
}

func (e *Engine) processFile(ctx context.Context, path string, opts Options, b *batchState, trk *tracker, errlog *runlog.Log) {
	r, err := sourcefile.Open(path, b.station.ExternalID)
	if err != nil {
		trk.fileErrors.Add(1)
		e.metrics.FileErrors.Inc()
		errlog.Printf("station %s: unreadable file %s: %v", b.station.ExternalID, path, err)
		return
	}
	defer r.Close()

	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if sourcefile.IsRowError(err) {
				trk.rowsSeen.Add(1)
				trk.rowsInvalid.Add(1)
				e.metrics.RowsProcessed.WithLabelValues("invalid").Inc()
				errlog.Printf("station %s: %v", b.station.ExternalID, err)
				continue
			}
			// Truncated gzip or I/O failure mid-file: abandon this file,
			// keep what was already parsed.
			trk.fileErrors.Add(1)
			e.metrics.FileErrors.Inc()
			errlog.Printf("station %s: read failed mid-file %s: %v", b.station.ExternalID, path, err)
			return
		}

		trk.rowsSeen.Add(1)
		e.processRow(rec, b, trk, errlog)

		if len(b.batch) >= opts.BatchSize {
			e.flush(ctx, b, trk, errlog)
		}
	}

	trk.filesProcessed.Add(1)
	e.metrics.FilesProcessed.Inc()
}

// processRow turns a raw row into a normalized reading and accumulates it,
// or counts it as skipped/invalid/duplicate. Rows missing a required field
// or with an unrecognized pollutant are not measurements this system tracks.
func (e *Engine) processRow(rec domain.RawRecord, b *batchState, trk *tracker, errlog *runlog.Log) {
	if rec.Parameter == "" || rec.Value == "" || rec.Datetime == "" {
		trk.rowsSkipped.Add(1)
		e.metrics.RowsProcessed.WithLabelValues("skipped").Inc()
		return
	}
	param, ok := units.CanonicalParameter(rec.Parameter)
	if !ok {
		trk.rowsSkipped.Add(1)
		e.metrics.RowsProcessed.WithLabelValues("skipped").Inc()
		return
	}

	ts, err := domain.ParseTimestamp(rec.Datetime)
	if err != nil {
		trk.rowsInvalid.Add(1)
		e.metrics.RowsProcessed.WithLabelValues("invalid").Inc()
		errlog.Printf("station %s: bad datetime %q in %s", b.station.ExternalID, rec.Datetime, rec.SourceFile)
		return
	}

	rawValue, err := strconv.ParseFloat(rec.Value, 64)
	if err != nil {
		trk.rowsInvalid.Add(1)
		e.metrics.RowsProcessed.WithLabelValues("invalid").Inc()
		errlog.Printf("station %s: bad value %q in %s", b.station.ExternalID, rec.Value, rec.SourceFile)
		return
	}

	reading := domain.NormalizedReading{
		StationID:  b.station.ExternalID,
		Timestamp:  ts,
		Parameter:  param,
		RawValue:   rec.Value,
		RawUnit:    rec.Unit,
		SourceFile: rec.SourceFile,
	}

	key := reading.DedupKey()
	if _, dup := b.seen[key]; dup {
		trk.rowsDuplicate.Add(1)
		e.metrics.RowsProcessed.WithLabelValues("duplicate").Inc()
		return
	}
	b.seen[key] = struct{}{}

	normalizeReading(&reading, rawValue, errlog)
	if !reading.Valid {
		// Flagged-invalid readings are stored, but still count against the
		// run's error tally.
		trk.rowsInvalid.Add(1)
		e.metrics.RowsProcessed.WithLabelValues("invalid").Inc()
	}
	b.batch = append(b.batch, reading)
}

// normalizeReading fills the normalized value/unit, validity flag, and
// validation flags. Conversion failures keep the record with empty normalized
// fields; flagged values are stored, never dropped.
func normalizeReading(reading *domain.NormalizedReading, rawValue float64, errlog *runlog.Log) {
	res, err := units.Normalize(rawValue, reading.RawUnit, reading.Parameter)
	if err != nil {
		reading.Flags = append(reading.Flags, domain.FlagConversionFailed)
		errlog.Printf("station %s: %v in %s", reading.StationID, err, reading.SourceFile)
	} else {
		v := res.Value
		reading.Value = &v
		reading.Unit = res.Unit
		if res.Assumed {
			reading.Flags = append(reading.Flags, domain.FlagUnknownUnit, domain.FlagAssumedUnit)
		}
	}

	valid := rawValue >= 0
	if rawValue < 0 {
		reading.Flags = append(reading.Flags, domain.FlagNegativeValue)
	} else if reading.Value != nil {
		if minVal, maxVal, ok := units.ValidRange(reading.Parameter); ok {
			if *reading.Value < minVal || *reading.Value > maxVal {
				reading.Flags = append(reading.Flags, domain.FlagOutOfRange)
				valid = false
			}
		}
	}
	reading.Valid = valid
}

// flush persists the accumulated batch and resets the dedup window. On a
// bulk-insert failure it falls back to row-by-row inserts so one bad record
// or transient error cannot discard the whole batch.
func (e *Engine) flush(ctx context.Context, b *batchState, trk *tracker, errlog *runlog.Log) {
	if len(b.batch) == 0 {
		return
	}
	start := time.Now()

	created, err := e.repo.BulkInsertReadings(ctx, b.batch)
	if err != nil {
		errlog.Printf("station %s: bulk insert failed, falling back to row-by-row: %v", b.station.ExternalID, err)
		created = e.flushRowByRow(ctx, b, errlog)
	}

	// Rows not created either conflicted with an already-stored reading or
	// individually failed; both count against the duplicate/error tally
	// rather than aborting the station.
	conflicts := len(b.batch) - created
	trk.rowsCreated.Add(int64(created))
	trk.rowsDuplicate.Add(int64(conflicts))
	e.metrics.RowsProcessed.WithLabelValues("created").Add(float64(created))
	e.metrics.RowsProcessed.WithLabelValues("duplicate").Add(float64(conflicts))
	e.metrics.FlushSize.Observe(float64(len(b.batch)))
	e.metrics.FlushDuration.Observe(time.Since(start).Seconds())

	if created > 0 {
		e.ready.Store(true)
		e.publish(ctx, b.batch)
	}

	b.batch = b.batch[:0]
	clear(b.seen)
}

func (e *Engine) flushRowByRow(ctx context.Context, b *batchState, errlog *runlog.Log) int {
	created := 0
	for _, r := range b.batch {
		inserted, err := e.repo.InsertReading(ctx, r)
		if err != nil {
			errlog.Printf("station %s: insert %s failed: %v", b.station.ExternalID, r.DedupKey(), err)
			continue
		}
		if inserted {
			created++
		}
	}
	return created
}

func (e *Engine) publish(ctx context.Context, readings []domain.NormalizedReading) {
	if e.pub == nil {
		return
	}
	if err := e.pub.PublishReadings(ctx, readings); err != nil {
		// Publishing is best-effort enrichment for downstream consumers;
		// storage is the source of truth.
		e.logger.Warn("publish readings failed", "error", err, "count", len(readings))
	}
}

// refreshStationCounters updates the station's running counters from the
// authoritative persisted values, not from in-memory tallies, so they stay
// correct even when rows silently conflict at the storage layer.
func (e *Engine) refreshStationCounters(ctx context.Context, stationID string, trk *tracker, errlog *runlog.Log) {
	total, err := e.repo.CountReadings(ctx, stationID)
	if err != nil {
		trk.stationErrors.Add(1)
		e.metrics.StationErrors.Inc()
		errlog.Printf("station %s: count readings failed: %v", stationID, err)
		return
	}
	last, err := e.repo.LatestReadingTimestamp(ctx, stationID)
	if err != nil {
		trk.stationErrors.Add(1)
		e.metrics.StationErrors.Inc()
		errlog.Printf("station %s: latest reading lookup failed: %v", stationID, err)
		return
	}
	if err := e.repo.UpdateStationCounters(ctx, stationID, total, last); err != nil {
		trk.stationErrors.Add(1)
		e.metrics.StationErrors.Inc()
		errlog.Printf("station %s: counter update failed: %v", stationID, err)
	}
}
