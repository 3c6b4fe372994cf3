// Package metrics provides Prometheus metrics for the queue loader.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the queue loader.
type Metrics struct {
	// Per-file outcome metrics
	FilesFinalized *prometheus.CounterVec

	// Row/byte throughput
	RowsProcessed  prometheus.Counter
	BytesProcessed prometheus.Counter

	// Timing metrics
	CommitDuration prometheus.Histogram

	// Coordination metrics
	HeldBuckets prometheus.Gauge
	OpenRetries prometheus.Counter

	// Sink metrics
	InsertedBatches prometheus.Counter
	InsertErrors    prometheus.Counter
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `env:"METRICS_ENABLED" envDefault:"false" yaml:"enabled"`
	Address string `env:"METRICS_ADDR" envDefault:":9090" yaml:"address"`
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "queue_loader"
	}

	m := &Metrics{
		FilesFinalized: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_finalized_total",
				Help:      "Total number of files finalized, by resulting status",
			},
			[]string{"status"},
		),
		RowsProcessed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_processed_total",
				Help:      "Total number of rows decoded from files",
			},
		),
		BytesProcessed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_processed_total",
				Help:      "Total number of raw input bytes decoded",
			},
		),
		CommitDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "commit_duration_seconds",
				Help:      "Time to finalize one batch against the coordination store",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
		),
		HeldBuckets: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "held_buckets",
				Help:      "Number of bucket leases currently held by this loader",
			},
		),
		OpenRetries: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "open_retries_total",
				Help:      "Total number of descriptors returned for retry after a vanished object",
			},
		),
		InsertedBatches: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inserted_batches_total",
				Help:      "Total number of row batches written to the table sink",
			},
		),
		InsertErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "insert_errors_total",
				Help:      "Total number of failed sink writes",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncFileOutcome increments the finalized-files counter for a status.
func (m *Metrics) IncFileOutcome(status string) {
	m.FilesFinalized.WithLabelValues(status).Inc()
}

// AddRows adds to the rows processed counter.
func (m *Metrics) AddRows(n int) {
	m.RowsProcessed.Add(float64(n))
}

// AddBytes adds to the bytes processed counter.
func (m *Metrics) AddBytes(n int64) {
	m.BytesProcessed.Add(float64(n))
}

// ObserveCommitDuration records one commit's duration.
func (m *Metrics) ObserveCommitDuration(seconds float64) {
	m.CommitDuration.Observe(seconds)
}

// SetHeldBuckets sets the held bucket gauge.
func (m *Metrics) SetHeldBuckets(n int) {
	m.HeldBuckets.Set(float64(n))
}

// IncOpenRetries increments the open retry counter.
func (m *Metrics) IncOpenRetries() {
	m.OpenRetries.Inc()
}

// IncInsertedBatches increments the inserted batches counter.
func (m *Metrics) IncInsertedBatches() {
	m.InsertedBatches.Inc()
}

// IncInsertErrors increments the insert errors counter.
func (m *Metrics) IncInsertErrors() {
	m.InsertErrors.Inc()
}
