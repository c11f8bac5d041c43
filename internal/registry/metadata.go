package registry

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// stationMeta is one parsed row of the station metadata table.
type stationMeta struct {
	ID           string
	Name         string
	Locality     string
	Country      string
	Lat          float64
	Lon          float64
	Timezone     string
	SensorsCount int
	Parameters   []string
}

// loadMetadata parses the provider's station metadata CSV. Rows with
// missing or unparseable coordinates are returned separately as skipped ids
// so the caller can log them; they never abort the load.
func loadMetadata(path string) ([]stationMeta, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open metadata: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read metadata: %w", err)
	}
	if len(rows) < 2 {
		return nil, nil, fmt.Errorf("metadata file %s has no data rows", path)
	}

	idx := map[string]int{}
	for i, h := range rows[0] {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	get := func(row []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	var metas []stationMeta
	var skipped []string
	for _, row := range rows[1:] {
		id := get(row, "id")
		if id == "" {
			continue
		}

		lat, errLat := strconv.ParseFloat(get(row, "latitude"), 64)
		lon, errLon := strconv.ParseFloat(get(row, "longitude"), 64)
		if errLat != nil || errLon != nil {
			skipped = append(skipped, id)
			continue
		}

		sensors, _ := strconv.Atoi(get(row, "sensors_count"))

		m := stationMeta{
			ID:           id,
			Name:         get(row, "name"),
			Locality:     get(row, "locality"),
			Country:      get(row, "country"),
			Lat:          lat,
			Lon:          lon,
			Timezone:     get(row, "timezone"),
			SensorsCount: sensors,
		}
		if p := get(row, "parameters"); p != "" {
			for _, part := range strings.Split(p, ",") {
				if part = strings.TrimSpace(part); part != "" {
					m.Parameters = append(m.Parameters, part)
				}
			}
		}
		metas = append(metas, m)
	}
	return metas, skipped, nil
}
