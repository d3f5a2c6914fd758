// Package observability provides run metrics for sync runs.
//
// Runs are short-lived batch jobs, so metrics are not served over HTTP. They
// are collected in a private registry and written once per run in the
// Prometheus text format, for pickup by the node exporter textfile collector.
package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Product outcome labels.
const (
	StatusOk      = "ok"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// RunMetrics collects metrics for one run. A nil *RunMetrics is valid and
// records nothing.
type RunMetrics struct {
	registry *prometheus.Registry

	products      *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	bytesUploaded prometheus.Counter
	rowsWritten   prometheus.Counter
	lastRun       prometheus.Gauge
}

// NewRunMetrics creates the run metrics on a fresh registry.
func NewRunMetrics() *RunMetrics {
	m := &RunMetrics{
		registry: prometheus.NewRegistry(),

		products: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "statcandb_products_total",
			Help: "Products processed, by outcome",
		}, []string{"status"}),

		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "statcandb_stage_duration_seconds",
			Help:    "Time spent per pipeline stage",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27m
		}, []string{"stage"}),

		bytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statcandb_uploaded_bytes_total",
			Help: "Bytes uploaded to object storage",
		}),

		rowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "statcandb_rows_written_total",
			Help: "Rows written to local datasets",
		}),

		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "statcandb_last_run_timestamp_seconds",
			Help: "Unix time at which the last run finished",
		}),
	}

	m.registry.MustRegister(m.products, m.stageDuration, m.bytesUploaded, m.rowsWritten, m.lastRun)
	for _, status := range []string{StatusOk, StatusSkipped, StatusFailed} {
		m.products.WithLabelValues(status)
	}
	return m
}

// Registry returns the underlying registry.
func (m *RunMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveProduct counts one product outcome.
func (m *RunMetrics) ObserveProduct(status string) {
	if m == nil {
		return
	}
	m.products.WithLabelValues(status).Inc()
}

// ObserveStage records the duration of a pipeline stage.
func (m *RunMetrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// AddUploadedBytes adds to the uploaded byte count.
func (m *RunMetrics) AddUploadedBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesUploaded.Add(float64(n))
}

// AddRows adds to the written row count.
func (m *RunMetrics) AddRows(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.rowsWritten.Add(float64(n))
}

// WriteTextfile stamps the run end time and writes all metrics to path.
// The file is replaced atomically.
func (m *RunMetrics) WriteTextfile(path string, finished time.Time) error {
	if m == nil || path == "" {
		return nil
	}
	m.lastRun.Set(float64(finished.Unix()))
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("observability: failed to write metrics textfile: %w", err)
	}
	return nil
}
