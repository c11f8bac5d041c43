package analyzer

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/aq-intake/internal/domain"
)

// rankingHeader is the column layout of the ranking CSV, the contract between
// the analyzer and the station registry.
var rankingHeader = []string{
	"rank", "location_id", "richness_score", "row_count", "file_count",
	"parameter_count", "parameters", "date_start", "date_end", "errors",
	"recommended_priority",
}

const rankingDateLayout = "2006-01-02"

// WriteRankingCSV writes the ranked station table to path, creating parent
// directories as needed.
func WriteRankingCSV(path string, stations []StationReport) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create ranking dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create ranking file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(rankingHeader); err != nil {
		return err
	}
	for _, s := range stations {
		row := []string{
			strconv.Itoa(s.Rank),
			s.StationID,
			strconv.FormatFloat(s.Score, 'f', 2, 64),
			strconv.FormatInt(s.RowCount, 10),
			strconv.Itoa(s.FileCount),
			// Tracked pollutants only, matching the score's diversity input;
			// the parameters column still lists everything observed.
			strconv.Itoa(countKnownParameters(s.Parameters)),
			strings.Join(s.Parameters, "|"),
			formatRankingDate(s.DateStart),
			formatRankingDate(s.DateEnd),
			strconv.FormatInt(s.Errors, 10),
			string(s.Tier),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("write ranking: %w", err)
	}
	return f.Sync()
}

// ReadRankingCSV loads a ranking file back into StationReports, keyed by
// station id. Used by the registry to merge richness data into station
// records.
func ReadRankingCSV(path string) (map[string]StationReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ranking: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read ranking: %w", err)
	}
	if len(rows) < 1 {
		return nil, fmt.Errorf("ranking file %s is empty", path)
	}

	idx := map[string]int{}
	for i, h := range rows[0] {
		idx[strings.TrimSpace(h)] = i
	}

	get := func(row []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	out := make(map[string]StationReport, len(rows)-1)
	for _, row := range rows[1:] {
		id := get(row, "location_id")
		if id == "" {
			continue
		}
		rank, _ := strconv.Atoi(get(row, "rank"))
		score, _ := strconv.ParseFloat(get(row, "richness_score"), 64)
		rowCount, _ := strconv.ParseInt(get(row, "row_count"), 10, 64)
		fileCount, _ := strconv.Atoi(get(row, "file_count"))
		errs, _ := strconv.ParseInt(get(row, "errors"), 10, 64)

		rep := StationReport{
			Rank:      rank,
			StationID: id,
			Score:     score,
			RowCount:  rowCount,
			FileCount: fileCount,
			Errors:    errs,
		}
		if p := get(row, "parameters"); p != "" {
			rep.Parameters = strings.Split(p, "|")
		}
		if tier := get(row, "recommended_priority"); tier != "" {
			rep.Tier = domain.Tier(tier)
		}
		rep.DateStart = parseRankingDate(get(row, "date_start"))
		rep.DateEnd = parseRankingDate(get(row, "date_end"))
		out[id] = rep
	}
	return out, nil
}

func formatRankingDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(rankingDateLayout)
}

func parseRankingDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(rankingDateLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
