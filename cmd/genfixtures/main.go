// Command genfixtures generates a mock bulk-export tree and a matching
// station metadata CSV for local development. The generated data exercises
// the full validation surface: mixed units, duplicate rows, negative and
// out-of-range values, and uneven richness across stations.
//
// Usage:
//
//	go run ./cmd/genfixtures -out ./data -metadata stations.csv -stations 8
package main

import (
	"compress/gzip"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/aq-intake/internal/domain"
)

var baseDate = time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)

// stationDef shapes one generated station. Richness varies so rankings have
// something to rank.
type stationDef struct {
	id         string
	name       string
	locality   string
	parameters []string
	units      map[string]string
	years      int
	rowsPerDay int
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	out := flag.String("out", "", "output directory for the export tree")
	metadata := flag.String("metadata", "", "output path for the station metadata CSV")
	stations := flag.Int("stations", 8, "number of stations to generate")
	seed := flag.Int64("seed", 1, "rng seed for reproducible fixtures")
	flag.Parse()

	if *out == "" || *metadata == "" {
		flag.Usage()
		return fmt.Errorf("missing required flags: -out, -metadata")
	}

	// Fixed clock for reproducible generated timestamps.
	domain.SetClock(clockwork.NewFakeClockAt(
		time.Date(2024, time.July, 1, 6, 0, 0, 0, time.UTC),
	))
	defer domain.SetClock(nil)

	rng := rand.New(rand.NewSource(*seed))
	defs := makeStationDefs(*stations)

	for _, def := range defs {
		if err := writeStation(*out, def, rng); err != nil {
			return fmt.Errorf("station %s: %w", def.id, err)
		}
		log.Printf("%s: %d years, %d parameters", def.id, def.years, len(def.parameters))
	}

	if err := writeMetadata(*metadata, defs, rng); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	log.Printf("wrote metadata: %s", *metadata)
	log.Printf("wrote export tree: %s", *out)
	return nil
}

// makeStationDefs produces a richness gradient: early stations get more
// parameters and more history.
func makeStationDefs(n int) []stationDef {
	allParams := []string{"pm25", "pm10", "no2", "so2", "o3", "co"}
	unitChoices := map[string][]string{
		"pm25": {"ug/m3", "µg/m³"},
		"pm10": {"ug/m3"},
		"no2":  {"ug/m3", "ppb"},
		"so2":  {"ppb"},
		"o3":   {"ppm", "ug/m3"},
		"co":   {"mg/m3", "ppm"},
	}

	defs := make([]stationDef, 0, n)
	for i := range n {
		nParams := max(1, len(allParams)-i%len(allParams))
		params := allParams[:nParams]
		units := map[string]string{}
		for j, p := range params {
			units[p] = unitChoices[p][j%len(unitChoices[p])]
		}
		defs = append(defs, stationDef{
			id:         fmt.Sprintf("site-%03d", i+1),
			name:       fmt.Sprintf("Monitoring Site %d", i+1),
			locality:   fmt.Sprintf("District %d", i%4+1),
			parameters: params,
			units:      units,
			years:      max(1, 3-i%3),
			rowsPerDay: max(1, 24-i*2),
		})
	}
	return defs
}

func writeStation(root string, def stationDef, rng *rand.Rand) error {
	for y := range def.years {
		year := baseDate.Year() - y
		dir := filepath.Join(root, def.id, strconv.Itoa(year))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		path := filepath.Join(dir, fmt.Sprintf("%s-%d.csv.gz", def.id, year))
		if err := writeExportFile(path, def, year, rng); err != nil {
			return err
		}
	}
	return nil
}

func writeExportFile(path string, def stationDef, year int, rng *rand.Rand) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	w := csv.NewWriter(gz)

	if err := w.Write([]string{"location_id", "datetime", "parameter", "value", "unit"}); err != nil {
		return err
	}

	start := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	days := 30 + rng.Intn(300)
	for d := range days {
		for h := range def.rowsPerDay {
			ts := start.AddDate(0, 0, d).Add(time.Duration(h) * time.Hour)
			for _, p := range def.parameters {
				row := []string{
					def.id,
					ts.Format(time.RFC3339),
					p,
					formatValue(p, def.units[p], rng),
					def.units[p],
				}
				if err := w.Write(row); err != nil {
					return err
				}
				// Occasional exact duplicate, as real exports have.
				if rng.Intn(500) == 0 {
					if err := w.Write(row); err != nil {
						return err
					}
				}
			}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return f.Sync()
}

// formatValue produces a plausible measurement, with rare negative and
// out-of-range outliers so validation paths get exercised.
func formatValue(parameter, unit string, rng *rand.Rand) string {
	base := map[string]float64{
		"pm25": 35, "pm10": 60, "no2": 40, "so2": 15, "o3": 50, "co": 1.2,
	}[parameter]
	v := base * (0.3 + rng.Float64()*1.4)
	if unit == "ppb" {
		v /= 2
	}
	if unit == "ppm" {
		v /= 1000
	}
	switch rng.Intn(400) {
	case 0:
		v = -v
	case 1:
		v *= 100
	}
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func writeMetadata(path string, defs []stationDef, rng *rand.Rand) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"id", "name", "locality", "country", "latitude", "longitude", "timezone", "sensors_count", "parameters"}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, def := range defs {
		lat := 20 + rng.Float64()*30
		lon := 60 + rng.Float64()*40
		params := ""
		for i, p := range def.parameters {
			if i > 0 {
				params += ","
			}
			params += p
		}
		row := []string{
			def.id, def.name, def.locality, "IN",
			strconv.FormatFloat(lat, 'f', 5, 64),
			strconv.FormatFloat(lon, 'f', 5, 64),
			"Asia/Kolkata",
			strconv.Itoa(len(def.parameters)),
			params,
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
