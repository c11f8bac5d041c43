package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// intake pipeline. Row outcome counters are labeled so one family covers
// skipped/invalid/duplicate/created.
type Metrics struct {
	RowsProcessed     *prometheus.CounterVec // label: outcome={created,skipped,invalid,duplicate}
	FilesProcessed    prometheus.Counter
	FileErrors        prometheus.Counter
	StationsProcessed prometheus.Counter
	StationErrors     prometheus.Counter
	IngestRunning     prometheus.Gauge

	FlushDuration prometheus.Histogram
	FlushSize     prometheus.Histogram

	// Analyzer metrics.
	ScanFiles       prometheus.Counter
	ScanRows        prometheus.Counter
	ScanParseErrors prometheus.Counter
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.RowsProcessed,
		m.FilesProcessed,
		m.FileErrors,
		m.StationsProcessed,
		m.StationErrors,
		m.IngestRunning,
		m.FlushDuration,
		m.FlushSize,
		m.ScanFiles,
		m.ScanRows,
		m.ScanParseErrors,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RowsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aq_intake",
			Name:      "rows_processed_total",
			Help:      "Export rows by ingestion outcome.",
		}, []string{"outcome"}),
		FilesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aq_intake",
			Name:      "files_processed_total",
			Help:      "Export files fully read during ingestion.",
		}),
		FileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aq_intake",
			Name:      "file_errors_total",
			Help:      "Export files abandoned due to read errors.",
		}),
		StationsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aq_intake",
			Name:      "stations_processed_total",
			Help:      "Stations completed by the ingestion engine.",
		}),
		StationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aq_intake",
			Name:      "station_errors_total",
			Help:      "Stations that finished with a station-level error.",
		}),
		IngestRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aq_intake",
			Name:      "ingest_running",
			Help:      "1 while an ingestion run is active.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aq_intake",
			Name:      "flush_duration_seconds",
			Help:      "Duration of one batch persist to storage.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
		}),
		FlushSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aq_intake",
			Name:      "flush_batch_size",
			Help:      "Number of readings per flushed batch.",
			Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000, 2500},
		}),
		ScanFiles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aq_intake",
			Name:      "scan_files_total",
			Help:      "Export files read by the quality analyzer.",
		}),
		ScanRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aq_intake",
			Name:      "scan_rows_total",
			Help:      "Export rows read by the quality analyzer.",
		}),
		ScanParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aq_intake",
			Name:      "scan_parse_errors_total",
			Help:      "Malformed fields or rows found by the quality analyzer.",
		}),
	}
}
