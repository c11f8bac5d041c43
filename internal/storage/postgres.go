// Package storage implements the pipeline's repository on Postgres via pgx.
// The readings table's (station_id, ts, parameter) primary key is the
// cross-run duplicate arbiter: bulk inserts use ON CONFLICT DO NOTHING so
// replaying the same exports is idempotent.
package storage

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couchcryptid/aq-intake/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// textArray guards against nil slices, which pgx would encode as SQL NULL
// and the NOT NULL array columns would reject.
func textArray(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// Store wraps database access for stations, readings, and ingestion runs.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by a pgx pool.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close releases the pool resources.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const upsertStationSQL = `
	INSERT INTO stations (
		external_id, name, locality, country, lat, lon, parameters,
		sensors_count, richness_score, tier, rank, active, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
	ON CONFLICT (external_id) DO UPDATE SET
		name = EXCLUDED.name,
		locality = EXCLUDED.locality,
		country = EXCLUDED.country,
		lat = EXCLUDED.lat,
		lon = EXCLUDED.lon,
		parameters = EXCLUDED.parameters,
		sensors_count = EXCLUDED.sensors_count,
		richness_score = EXCLUDED.richness_score,
		tier = EXCLUDED.tier,
		rank = EXCLUDED.rank,
		active = EXCLUDED.active,
		updated_at = now()
`

// UpsertStation inserts or updates a station's mutable fields. Running
// counters (total_readings, last_reading_at) are deliberately absent from the
// update list: only the ingestion engine touches them.
func (s *Store) UpsertStation(ctx context.Context, st domain.Station) error {
	_, err := s.pool.Exec(ctx, upsertStationSQL,
		st.ExternalID, st.Name, st.Locality, st.Country, st.Lat, st.Lon,
		textArray(st.Parameters), st.SensorsCount, st.RichnessScore, string(st.Tier),
		st.Rank, st.Active,
	)
	if err != nil {
		return fmt.Errorf("upsert station %s: %w", st.ExternalID, err)
	}
	return nil
}

// DeactivateAllStations clears every active flag.
func (s *Store) DeactivateAllStations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `UPDATE stations SET active = false, updated_at = now() WHERE active`); err != nil {
		return fmt.Errorf("deactivate stations: %w", err)
	}
	return nil
}

const listActiveStationsSQL = `
	SELECT external_id, name, locality, country, lat, lon, parameters,
	       sensors_count, richness_score, tier, rank, active,
	       total_readings, last_reading_at
	FROM stations
	WHERE active
	ORDER BY rank, external_id
`

// ListActiveStations returns all active stations in rank order.
func (s *Store) ListActiveStations(ctx context.Context) ([]domain.Station, error) {
	rows, err := s.pool.Query(ctx, listActiveStationsSQL)
	if err != nil {
		return nil, fmt.Errorf("list active stations: %w", err)
	}
	defer rows.Close()

	stations := make([]domain.Station, 0)
	for rows.Next() {
		var st domain.Station
		var tier string
		if err := rows.Scan(
			&st.ExternalID, &st.Name, &st.Locality, &st.Country,
			&st.Lat, &st.Lon, &st.Parameters, &st.SensorsCount,
			&st.RichnessScore, &tier, &st.Rank, &st.Active,
			&st.TotalReadings, &st.LastReadingAt,
		); err != nil {
			return nil, err
		}
		st.Tier = domain.Tier(tier)
		stations = append(stations, st)
	}
	return stations, rows.Err()
}

const insertReadingSQL = `
	INSERT INTO readings (
		station_id, ts, parameter, raw_value, raw_unit, value, unit,
		valid, flags, source_file
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (station_id, ts, parameter) DO NOTHING
`

// BulkInsertReadings persists a batch in one round trip, silently ignoring
// rows that conflict with an already-stored reading. Returns the number of
// rows actually inserted; the difference from len(readings) is the number of
// storage-level duplicates.
func (s *Store) BulkInsertReadings(ctx context.Context, readings []domain.NormalizedReading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for i := range readings {
		r := &readings[i]
		batch.Queue(insertReadingSQL,
			r.StationID, r.Timestamp.UTC(), r.Parameter, r.RawValue, r.RawUnit,
			r.Value, r.Unit, r.Valid, textArray(r.Flags), r.SourceFile,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range readings {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("bulk insert readings: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// InsertReading persists a single reading, ignoring a duplicate conflict.
// Used as the row-by-row fallback when a bulk insert fails mid-batch. The
// bool reports whether a row was actually inserted.
func (s *Store) InsertReading(ctx context.Context, r domain.NormalizedReading) (bool, error) {
	tag, err := s.pool.Exec(ctx, insertReadingSQL,
		r.StationID, r.Timestamp.UTC(), r.Parameter, r.RawValue, r.RawUnit,
		r.Value, r.Unit, r.Valid, textArray(r.Flags), r.SourceFile,
	)
	if err != nil {
		return false, fmt.Errorf("insert reading %s: %w", r.DedupKey(), err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountReadings returns the authoritative stored reading count for a station.
func (s *Store) CountReadings(ctx context.Context, stationID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM readings WHERE station_id = $1`, stationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count readings for %s: %w", stationID, err)
	}
	return n, nil
}

// LatestReadingTimestamp returns the most recent stored reading time for a
// station, or nil when it has none.
func (s *Store) LatestReadingTimestamp(ctx context.Context, stationID string) (*time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT max(ts) FROM readings WHERE station_id = $1`, stationID,
	).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("latest reading for %s: %w", stationID, err)
	}
	return ts, nil
}

// UpdateStationCounters refreshes a station's running counters from the
// authoritative persisted values.
func (s *Store) UpdateStationCounters(ctx context.Context, stationID string, total int64, last *time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE stations SET total_readings = $2, last_reading_at = $3, updated_at = now() WHERE external_id = $1`,
		stationID, total, last,
	)
	if err != nil {
		return fmt.Errorf("update counters for %s: %w", stationID, err)
	}
	return nil
}

const insertRunSQL = `
	INSERT INTO ingestion_runs (
		id, status, source, station_filter, station_limit, error_log, started_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7)
`

// CreateRun records a new ingestion run in status Running.
func (s *Store) CreateRun(ctx context.Context, run *domain.IngestionRun) error {
	_, err := s.pool.Exec(ctx, insertRunSQL,
		run.ID, string(run.Status), run.Source, textArray(run.StationFilter),
		run.StationLimit, run.ErrorLogPath, run.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

const updateRunSQL = `
	UPDATE ingestion_runs SET
		status = $2,
		files_processed = $3, rows_seen = $4, rows_created = $5,
		rows_skipped = $6, rows_invalid = $7, rows_duplicate = $8,
		file_errors = $9, station_errors = $10,
		error = $11, finished_at = $12
	WHERE id = $1
`

// UpdateRun persists a run's current counters and status.
func (s *Store) UpdateRun(ctx context.Context, run *domain.IngestionRun) error {
	var finished *time.Time
	if run.FinishedAt != nil {
		t := run.FinishedAt.UTC()
		finished = &t
	}
	c := run.Counters
	_, err := s.pool.Exec(ctx, updateRunSQL,
		run.ID, string(run.Status),
		c.FilesProcessed, c.RowsSeen, c.RowsCreated,
		c.RowsSkipped, c.RowsInvalid, c.RowsDuplicate,
		c.FileErrors, c.StationErrors,
		run.Error, finished,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	return nil
}
