// Command syncstations merges provider station metadata with an analysis
// ranking and upserts the station registry, activating the top stations
// within the activation budget.
//
// Usage:
//
//	go run ./cmd/syncstations -metadata stations.csv -ranking rankings.csv
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/couchcryptid/aq-intake/internal/config"
	"github.com/couchcryptid/aq-intake/internal/observability"
	"github.com/couchcryptid/aq-intake/internal/registry"
	"github.com/couchcryptid/aq-intake/internal/storage"
)

func main() {
	metadata := flag.String("metadata", "", "path to the provider station metadata CSV (required)")
	ranking := flag.String("ranking", "", "path to an analysis ranking CSV (optional)")
	budget := flag.Int("budget", 0, "activation budget (defaults to ACTIVATION_BUDGET)")
	deactivate := flag.Bool("deactivate-first", false, "clear all active flags before upserting")
	dryRun := flag.Bool("dry-run", false, "compute and print the plan without writing")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)

	if *metadata == "" {
		flag.Usage()
		os.Exit(1)
	}
	if *budget <= 0 {
		*budget = cfg.ActivationBudget
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect to database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("ensure schema", "error", err)
		os.Exit(1)
	}

	reg := registry.New(store, logger)
	result, err := reg.Sync(ctx, registry.Options{
		MetadataPath:       *metadata,
		RankingPath:        *ranking,
		Budget:             *budget,
		TieBreak:           cfg.RankTieBreak,
		DeactivateAllFirst: *deactivate,
		DryRun:             *dryRun,
	})
	if err != nil {
		logger.Error("station sync failed", "error", err)
		os.Exit(1)
	}

	if result.DryRun {
		fmt.Println("Dry run, no writes. Planned activations:")
		for _, st := range result.Plan {
			if !st.Active {
				break
			}
			fmt.Printf("  %3d. %-16s score=%-7.2f tier=%s\n",
				st.Rank, st.ExternalID, st.RichnessScore, st.Tier)
		}
	}

	fmt.Printf("Stations: %d total, %d activated, %d upserted, %d skipped, %d errors\n",
		result.Total, result.Activated, result.Upserted, result.Skipped, result.Errors)
	if result.Errors > 0 {
		os.Exit(1)
	}
}
