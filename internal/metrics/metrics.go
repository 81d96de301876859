// Package metrics exposes pipeline counters and reports operational faults.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Intake
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_detector_records_total",
			Help: "Total number of raw records submitted",
		},
		[]string{"provider"},
	)

	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_detector_decisions_total",
			Help: "Total number of terminal decisions by outcome and reason",
		},
		[]string{"outcome", "reason"},
	)

	StaleEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_detector_stale_events_total",
			Help: "Total number of events scored read-only because they arrived late",
		},
	)

	// Detectors
	DetectorFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_detector_detector_failures_total",
			Help: "Total number of scorer or rule engine failures, including timeouts",
		},
		[]string{"detector"},
	)

	RuleMatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_detector_rule_matches_total",
			Help: "Total number of rule findings by rule",
		},
		[]string{"rule_id", "error"},
	)

	AnomalyScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_detector_anomaly_score",
			Help:    "Distribution of anomaly scores",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		},
	)

	ProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_detector_processing_duration_seconds",
			Help:    "Time from intake to terminal decision",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		},
	)

	// Alerts
	AlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_detector_alerts_total",
			Help: "Total number of alerts by severity and tier",
		},
		[]string{"severity", "tier"},
	)

	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_detector_deliveries_total",
			Help: "Total number of alert delivery attempts by target and status",
		},
		[]string{"target", "status"},
	)

	// State
	TrackedActors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "audit_detector_tracked_actors",
			Help: "Number of actors with a baseline in memory",
		},
	)

	OperationalFaultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_detector_operational_faults_total",
			Help: "Total number of operational faults",
		},
		[]string{"fault"},
	)
)
