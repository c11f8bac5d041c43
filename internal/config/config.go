// Package config loads service settings from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// RegionBounds is the deployment region's coordinate box. Rows inside the
// planet-wide bound but outside this box are flagged out-of-region, not
// dropped.
type RegionBounds struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// Config holds all service settings, populated from environment variables.
type Config struct {
	DatabaseURL string
	DataDir     string
	ErrorLogDir string

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	BatchSize        int
	Workers          int
	ActivationBudget int
	RankTieBreak     string
	Region           RegionBounds

	// Optional post-flush event publishing.
	KafkaBrokers       []string
	KafkaReadingsTopic string
	KafkaEnabled       bool
}

// Load reads configuration from environment variables, applying defaults
// where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := parseDuration("SHUTDOWN_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}

	batchSize, err := parseBoundedInt("BATCH_SIZE", 500, 1, 5000)
	if err != nil {
		return nil, err
	}

	workers, err := parseBoundedInt("INGEST_WORKERS", 4, 1, 64)
	if err != nil {
		return nil, err
	}

	budget, err := parseBoundedInt("ACTIVATION_BUDGET", 60, 1, 10000)
	if err != nil {
		return nil, err
	}

	region, err := parseRegionBounds(envOrDefault("REGION_BOUNDS", "5,40,60,100"))
	if err != nil {
		return nil, err
	}

	tieBreak := envOrDefault("RANK_TIE_BREAK", "row-count")
	if tieBreak != "row-count" && tieBreak != "id" {
		return nil, errors.New("RANK_TIE_BREAK must be \"row-count\" or \"id\"")
	}

	brokers := parseBrokers(os.Getenv("KAFKA_BROKERS"))
	kafkaEnabled := len(brokers) > 0
	if v := os.Getenv("KAFKA_ENABLED"); v != "" {
		kafkaEnabled = v == "true"
	}

	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DataDir:     envOrDefault("DATA_DIR", "./data"),
		ErrorLogDir: envOrDefault("ERROR_LOG_DIR", "./logs"),

		HTTPAddr:        envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        envOrDefault("LOG_LEVEL", "info"),
		LogFormat:       envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		BatchSize:        batchSize,
		Workers:          workers,
		ActivationBudget: budget,
		RankTieBreak:     tieBreak,
		Region:           region,

		KafkaBrokers:       brokers,
		KafkaReadingsTopic: envOrDefault("KAFKA_READINGS_TOPIC", "normalized-readings"),
		KafkaEnabled:       kafkaEnabled,
	}

	if cfg.KafkaEnabled && len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_ENABLED is true but KAFKA_BROKERS is not set")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseBrokers(s string) []string {
	var brokers []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func parseDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(envOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parseBoundedInt(key string, def, minVal, maxVal int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < minVal || n > maxVal {
		return 0, fmt.Errorf("%s must be an integer in [%d, %d]", key, minVal, maxVal)
	}
	return n, nil
}

// parseRegionBounds parses "minLat,maxLat,minLon,maxLon".
func parseRegionBounds(s string) (RegionBounds, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return RegionBounds{}, errors.New("REGION_BOUNDS must be \"minLat,maxLat,minLon,maxLon\"")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return RegionBounds{}, fmt.Errorf("invalid REGION_BOUNDS value %q", p)
		}
		vals[i] = v
	}
	b := RegionBounds{MinLat: vals[0], MaxLat: vals[1], MinLon: vals[2], MaxLon: vals[3]}
	if b.MinLat >= b.MaxLat || b.MinLon >= b.MaxLon {
		return RegionBounds{}, errors.New("REGION_BOUNDS min must be less than max")
	}
	return b, nil
}
