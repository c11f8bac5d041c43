// Package registry maintains the active-station set. It merges provider
// metadata with the analyzer's richness ranking, ranks every station, and
// activates the top N within the activation budget.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/couchcryptid/aq-intake/internal/analyzer"
	"github.com/couchcryptid/aq-intake/internal/domain"
)

// Repository is the storage surface the registry needs. Upserts must never
// touch a station's running counters.
type Repository interface {
	UpsertStation(ctx context.Context, station domain.Station) error
	DeactivateAllStations(ctx context.Context) error
}

// Options configures one sync pass.
type Options struct {
	MetadataPath string
	RankingPath  string // optional; empty means no ranking merge
	Budget       int    // activation budget, top-N stations become active
	TieBreak     string // analyzer.TieBreakRowCount (default) or analyzer.TieBreakID

	// DeactivateAllFirst clears every active flag before upserting, so
	// stations absent from the current metadata end up inactive rather than
	// stale-active.
	DeactivateAllFirst bool
	// DryRun computes and reports the plan without writing anything.
	DryRun bool
}

// Result summarizes a sync pass.
type Result struct {
	Total     int
	Activated int
	Upserted  int
	Skipped   int
	Errors    int
	DryRun    bool
	Plan      []domain.Station // full planned station set, rank order
}

// Registry syncs station records from metadata + ranking inputs.
type Registry struct {
	repo   Repository
	logger *slog.Logger
}

// New creates a Registry.
func New(repo Repository, logger *slog.Logger) *Registry {
	return &Registry{repo: repo, logger: logger}
}

// Sync derives the station set and activation plan, then upserts it. A single
// station's upsert failure is logged and counted; it never aborts the sync.
func (r *Registry) Sync(ctx context.Context, opts Options) (*Result, error) {
	if opts.Budget <= 0 {
		return nil, fmt.Errorf("activation budget must be positive, got %d", opts.Budget)
	}

	metas, skippedIDs, err := loadMetadata(opts.MetadataPath)
	if err != nil {
		return nil, err
	}
	for _, id := range skippedIDs {
		r.logger.Warn("skipping station with bad coordinates", "station", id)
	}

	var ranking map[string]analyzer.StationReport
	if opts.RankingPath != "" {
		ranking, err = analyzer.ReadRankingCSV(opts.RankingPath)
		if err != nil {
			return nil, err
		}
	}

	plan := buildPlan(metas, ranking, opts)

	result := &Result{
		Total:   len(plan),
		Skipped: len(skippedIDs),
		DryRun:  opts.DryRun,
		Plan:    plan,
	}
	for _, st := range plan {
		if st.Active {
			result.Activated++
		}
	}

	if opts.DryRun {
		r.logger.Info("dry run, no writes", "stations", result.Total, "would_activate", result.Activated)
		return result, nil
	}

	if opts.DeactivateAllFirst {
		if err := r.repo.DeactivateAllStations(ctx); err != nil {
			return nil, fmt.Errorf("deactivate all stations: %w", err)
		}
	}

	for _, st := range plan {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if err := r.repo.UpsertStation(ctx, st); err != nil {
			result.Errors++
			r.logger.Error("station upsert failed", "station", st.ExternalID, "error", err)
			continue
		}
		result.Upserted++
	}

	r.logger.Info("station sync finished",
		"total", result.Total,
		"activated", result.Activated,
		"upserted", result.Upserted,
		"skipped", result.Skipped,
		"errors", result.Errors,
	)
	return result, nil
}

// buildPlan merges ranking data into station records, sorts by richness, and
// assigns ranks and active flags. Ranked stations carry the ranking's
// recommended priority; stations without a ranking entry get the fallback
// score sensors x 10 and tier Low.
func buildPlan(metas []stationMeta, ranking map[string]analyzer.StationReport, opts Options) []domain.Station {
	type scored struct {
		station  domain.Station
		rowCount int64
	}

	stations := make([]scored, 0, len(metas))
	for _, m := range metas {
		st := domain.Station{
			ExternalID:   m.ID,
			Name:         m.Name,
			Locality:     m.Locality,
			Country:      m.Country,
			Lat:          m.Lat,
			Lon:          m.Lon,
			Parameters:   m.Parameters,
			SensorsCount: m.SensorsCount,
		}
		// Fallback when the station never appeared in an analysis pass.
		st.RichnessScore = float64(m.SensorsCount) * 10
		st.Tier = domain.TierLow

		var rows int64
		if rep, ok := ranking[m.ID]; ok {
			st.RichnessScore = rep.Score
			rows = rep.RowCount
			if rep.Tier != "" {
				st.Tier = rep.Tier
			} else if rep.Rank > 0 {
				st.Tier = domain.TierForRank(rep.Rank)
			}
			if len(rep.Parameters) > 0 {
				st.Parameters = rep.Parameters
			}
		}
		stations = append(stations, scored{station: st, rowCount: rows})
	}

	sort.Slice(stations, func(i, j int) bool {
		if stations[i].station.RichnessScore != stations[j].station.RichnessScore {
			return stations[i].station.RichnessScore > stations[j].station.RichnessScore
		}
		if opts.TieBreak != analyzer.TieBreakID && stations[i].rowCount != stations[j].rowCount {
			return stations[i].rowCount > stations[j].rowCount
		}
		return stations[i].station.ExternalID < stations[j].station.ExternalID
	})

	plan := make([]domain.Station, len(stations))
	for i, s := range stations {
		st := s.station
		st.Rank = i + 1
		st.Active = st.Rank <= opts.Budget
		plan[i] = st
	}
	return plan
}
