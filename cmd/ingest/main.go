// Command ingest runs a bulk ingestion pass over the active station set,
// serving health, status, and metrics endpoints while it runs.
//
// Usage:
//
//	go run ./cmd/ingest -root ./data
//	go run ./cmd/ingest -stations site-042,site-017 -limit 10
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	httpadapter "github.com/couchcryptid/aq-intake/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/aq-intake/internal/adapter/kafka"
	"github.com/couchcryptid/aq-intake/internal/config"
	"github.com/couchcryptid/aq-intake/internal/domain"
	"github.com/couchcryptid/aq-intake/internal/ingest"
	"github.com/couchcryptid/aq-intake/internal/observability"
	"github.com/couchcryptid/aq-intake/internal/storage"
)

func main() {
	root := flag.String("root", "", "export tree root (defaults to DATA_DIR)")
	stations := flag.String("stations", "", "comma-separated station ids (defaults to all active)")
	limit := flag.Int("limit", 0, "cap on station count, 0 means no cap")
	errorLog := flag.String("error-log", "", "error log path (defaults to ERROR_LOG_DIR/ingest-<run>.log)")
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
		*errorLog = filepath.Join(cfg.ErrorLogDir, "ingest.log")
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

	// Publishing is feature-flagged via KAFKA_BROKERS / KAFKA_ENABLED.
	var pub ingest.Publisher
	if cfg.KafkaEnabled {
		writer := kafkaadapter.NewWriter(cfg, logger)
		defer writer.Close() //nolint:errcheck // shutdown path
		pub = writer
		logger.Info("kafka publishing enabled", "topic", cfg.KafkaReadingsTopic)
	} else {
		logger.Info("kafka publishing disabled")
	}

	engine := ingest.New(store, pub, logger, metrics)

	srv := httpadapter.NewServer(cfg.HTTPAddr, engine, engine, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	run, runErr := engine.Run(ctx, ingest.Options{
		Root:         *root,
		StationIDs:   splitIDs(*stations),
		Limit:        *limit,
		BatchSize:    cfg.BatchSize,
		Workers:      cfg.Workers,
		ErrorLogPath: *errorLog,
	})

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	if run != nil {
		printSummary(run)
	}
	if runErr != nil {
		os.Exit(1)
	}
	if run != nil && run.Status == domain.RunStatusPartial {
		os.Exit(2)
	}
}

func splitIDs(s string) []string {
	if s == "" {
		return nil
	}
	var ids []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids = append(ids, part)
		}
	}
	return ids
}

func printSummary(run *domain.IngestionRun) {
	c := run.Counters
	fmt.Printf("Run %s: %s\n", run.ID, run.Status)
	fmt.Printf("  files:      %d processed, %d errors\n", c.FilesProcessed, c.FileErrors)
	fmt.Printf("  rows:       %d seen, %d created, %d skipped, %d invalid, %d duplicate\n",
		c.RowsSeen, c.RowsCreated, c.RowsSkipped, c.RowsInvalid, c.RowsDuplicate)
	fmt.Printf("  stations:   %d errors\n", c.StationErrors)
	fmt.Printf("  success:    %.1f%%\n", run.SuccessRate()*100)
	if run.ErrorLogPath != "" && !c.Clean() {
		fmt.Printf("  error log:  %s\n", run.ErrorLogPath)
	}
}
