package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"hb-go/internal/hb"
)

const metricsNamespace = "hb"

// Collector is a prometheus.Collector for backup runs and API requests.
type Collector struct {
	backups  *prometheus.CounterVec
	duration *prometheus.HistogramVec
	entries  prometheus.Counter
	bytes    prometheus.Counter
	skipped  *prometheus.CounterVec
	inFlight prometheus.Gauge
	requests *prometheus.CounterVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		backups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "backups_total",
				Help:      "The number of backup runs by mode and final status.",
			}, []string{"mode", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "backup_duration_seconds",
				Help:      "The wall time of a backup run.",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
			}, []string{"mode"},
		),
		entries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "archive_entries_total",
				Help:      "The number of file entries written to archives.",
			},
		),
		bytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "archive_bytes_total",
				Help:      "The number of uncompressed content bytes written to archives.",
			},
		),
		skipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "skipped_total",
				Help:      "The number of subtrees and versions left out of archives.",
			}, []string{"kind"},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "backups_in_flight",
				Help:      "The number of backup runs currently producing an archive.",
			},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "The number of API requests by route and status code.",
			}, []string{"route", "code"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.backups.Describe(ch)
	c.duration.Describe(ch)
	c.entries.Describe(ch)
	c.bytes.Describe(ch)
	c.skipped.Describe(ch)
	c.inFlight.Describe(ch)
	c.requests.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.backups.Collect(ch)
	c.duration.Collect(ch)
	c.entries.Collect(ch)
	c.bytes.Collect(ch)
	c.skipped.Collect(ch)
	c.inFlight.Collect(ch)
	c.requests.Collect(ch)
}

// observe records a finished run. report may be nil when the run never started.
func (c *Collector) observe(mode, status string, report *hb.Report, elapsed time.Duration) {
	c.backups.WithLabelValues(mode, status).Inc()
	c.duration.WithLabelValues(mode).Observe(elapsed.Seconds())
	if report == nil {
		return
	}
	c.entries.Add(float64(report.Entries))
	c.bytes.Add(float64(report.Bytes))
	for _, s := range report.Skipped {
		c.skipped.WithLabelValues(s.Kind).Inc()
	}
}
