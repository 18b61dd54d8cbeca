// Package monitoring exposes the pipeline's Prometheus metrics.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline
type Metrics struct {
	// Ingest metrics
	SignalsIngested *prometheus.CounterVec
	AdapterFailures *prometheus.CounterVec

	// Resolver metrics, refreshed from resolver snapshots
	SignalsResolved *prometheus.GaugeVec
	EntityMerges    prometheus.Gauge
	EntitiesTotal   prometheus.Gauge

	// Scoring metrics
	SignalsScored     *prometheus.CounterVec
	ScoreDistribution prometheus.Histogram

	// Alert metrics
	AlertsFired        *prometheus.CounterVec
	AlertsAcknowledged prometheus.Counter

	// Playbook metrics
	PlaybooksRouted *prometheus.CounterVec

	// Outreach metrics
	OutreachGenerated *prometheus.CounterVec

	// Bus metrics
	MirrorDropped prometheus.Gauge
	MirrorFailed  prometheus.Gauge
	QueueDepth    *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		SignalsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_signals_ingested_total",
				Help: "Raw signals accepted by the ingestor",
			},
			[]string{"source"},
		),

		AdapterFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_adapter_failures_total",
				Help: "Adapter poll failures",
			},
			[]string{"source"},
		),

		SignalsResolved: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cortex_signals_resolved",
				Help: "Signals matched to canonical entities",
			},
			[]string{"method"}, // identifier, llm, fuzzy, created
		),

		EntityMerges: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cortex_entity_merges",
				Help: "Entity merges triggered by identifier conflicts",
			},
		),

		EntitiesTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cortex_entities",
				Help: "Canonical entities currently tracked",
			},
		),

		SignalsScored: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_signals_scored_total",
				Help: "Signals scored, by priority band",
			},
			[]string{"priority"},
		),

		ScoreDistribution: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cortex_score",
				Help:    "Distribution of opportunity scores",
				Buckets: []float64{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000},
			},
		),

		AlertsFired: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_alerts_fired_total",
				Help: "Countdown alerts fired, by threshold",
			},
			[]string{"threshold"},
		),

		AlertsAcknowledged: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "cortex_alerts_acknowledged_total",
				Help: "Alerts acknowledged",
			},
		),

		PlaybooksRouted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_playbooks_routed_total",
				Help: "Scored signals routed, by playbook",
			},
			[]string{"playbook"},
		),

		OutreachGenerated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cortex_outreach_generated_total",
				Help: "Outreach drafts generated, by channel",
			},
			[]string{"channel"},
		),

		MirrorDropped: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cortex_mirror_dropped",
				Help: "Events dropped from the mirror queue",
			},
		),

		MirrorFailed: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "cortex_mirror_failed",
				Help: "Mirror publishes that exhausted retries",
			},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cortex_bus_queue_depth",
				Help: "Current per-topic queue backlog",
			},
			[]string{"topic"},
		),
	}
}
