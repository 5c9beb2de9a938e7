package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	StageDuration    *prometheus.HistogramVec
	TasksTotal       *prometheus.CounterVec
	TaskRetries      *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
	LeaseWait        prometheus.Histogram
	LeasesHeld       prometheus.Gauge
	CheckValue       *prometheus.GaugeVec
	CheckFailures    *prometheus.CounterVec
	MaterializedRows *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewMetrics registers the collectors on reg. A nil reg gets a fresh registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stocketl_runs_total",
				Help: "Pipeline runs by final state",
			},
			[]string{"state"},
		),
		RunDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stocketl_run_duration_seconds",
				Help:    "Duration of pipeline runs",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stocketl_stage_duration_seconds",
				Help:    "Duration of pipeline stages",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"stage", "status"},
		),
		TasksTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stocketl_tasks_total",
				Help: "Task unit executions by outcome",
			},
			[]string{"stage", "task", "status"},
		),
		TaskRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stocketl_task_retries_total",
				Help: "Retried task unit attempts",
			},
			[]string{"stage", "task"},
		),
		TaskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stocketl_task_duration_seconds",
				Help:    "Duration of task units including retries",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
			},
			[]string{"stage", "task"},
		),
		LeaseWait: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stocketl_lease_wait_seconds",
				Help:    "Time from lease request until the resource was ready",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		LeasesHeld: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "stocketl_leases_held",
				Help: "Resource leases currently held",
			},
		),
		CheckValue: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stocketl_quality_check_value",
				Help: "Last numeric value reported by a quality check",
			},
			[]string{"check"},
		),
		CheckFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stocketl_quality_check_failures_total",
				Help: "Quality checks that produced no value",
			},
			[]string{"check"},
		),
		MaterializedRows: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "stocketl_materialized_rows",
				Help: "Row count of each materialized table after the last load",
			},
			[]string{"table"},
		),
		gatherer: reg,
	}
}

// Gatherer exposes the registry the collectors live in.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

// WriteTextfile writes every metric in the text exposition format, for the
// node exporter's textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.gatherer)
}

func status(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
