// Command analyze scans a bulk export tree, ranks stations by data richness,
// and writes the ranking CSV consumed by the station sync.
//
// Usage:
//
//	go run ./cmd/analyze -root ./data -out rankings.csv
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/couchcryptid/aq-intake/internal/analyzer"
	"github.com/couchcryptid/aq-intake/internal/config"
	"github.com/couchcryptid/aq-intake/internal/observability"
)

func main() {
	root := flag.String("root", "", "export tree root (defaults to DATA_DIR)")
	out := flag.String("out", "rankings.csv", "output path for the ranking CSV")
	errorLog := flag.String("error-log", "", "error log path (defaults to ERROR_LOG_DIR/analyze.log)")
	top := flag.Int("top", 10, "number of top stations to print")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	if *root == "" {
		*root = cfg.DataDir
	}
	if *errorLog == "" {
		*errorLog = filepath.Join(cfg.ErrorLogDir, "analyze.log")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := analyzer.New(logger, metrics)
	report, err := a.Run(ctx, analyzer.Options{
		Root:         *root,
		ErrorLogPath: *errorLog,
		Region:       cfg.Region,
		TieBreak:     cfg.RankTieBreak,
	})
	if err != nil {
		logger.Error("analysis failed", "error", err)
		os.Exit(1)
	}

	if err := analyzer.WriteRankingCSV(*out, report.Stations); err != nil {
		logger.Error("write ranking", "path", *out, "error", err)
		os.Exit(1)
	}

	printSummary(report, *out, *top)
}

func printSummary(report *analyzer.Report, out string, top int) {
	fmt.Printf("Scanned %d files, %d rows, %d stations\n",
		report.FilesScanned, report.RowsScanned, len(report.Stations))
	fmt.Printf("Coordinate anomalies: %d invalid, %d outside region\n",
		report.CoordInvalid, report.CoordOutOfRegion)
	fmt.Printf("Duplicate (timestamp, parameter) pairs: %d\n", report.DuplicatePairs)

	if len(report.UnitInconsistencies) > 0 {
		fmt.Println("\nUnit inconsistencies:")
		for param, units := range report.UnitInconsistencies {
			fmt.Printf("  %-8s %s\n", param, strings.Join(units, ", "))
		}
	}

	fmt.Println("\nTop stations:")
	for _, st := range report.Stations {
		if st.Rank > top {
			break
		}
		fmt.Printf("  %3d. %-16s score=%-7.2f rows=%-9d params=%s\n",
			st.Rank, st.StationID, st.Score, st.RowCount, strings.Join(st.Parameters, "|"))
	}

	fmt.Printf("\nRanking written to %s\n", out)
	if report.ErrorLogPath != "" {
		fmt.Printf("Error log: %s\n", report.ErrorLogPath)
	}
}
