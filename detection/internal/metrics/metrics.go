package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RuleRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_detection_rule_runs_total",
			Help: "Total number of rule runs by rule type and final status",
		},
		[]string{"rule_type", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "telhawk_detection_run_duration_seconds",
			Help:    "Duration of rule runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"rule_type"},
	)

	RunsInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telhawk_detection_runs_in_progress",
			Help: "Number of rule runs currently executing",
		},
	)

	RunsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_detection_runs_skipped_total",
			Help: "Total number of rule runs skipped before starting",
		},
		[]string{"reason"},
	)

	// Planner metrics
	TuplesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_detection_tuples_total",
			Help: "Total number of time tuples processed",
		},
		[]string{"result"},
	)

	CatchupTuples = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "telhawk_detection_catchup_tuples_total",
			Help: "Total number of catch-up tuples planned for delayed runs",
		},
	)

	GapSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telhawk_detection_gap_seconds",
			Help:    "Uncovered time between a run and the previous run in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	// Backend metrics
	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telhawk_detection_search_duration_seconds",
			Help:    "Duration of search requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BulkDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telhawk_detection_bulk_duration_seconds",
			Help:    "Duration of bulk requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	BulkItemErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_detection_bulk_item_errors_total",
			Help: "Total number of rejected bulk items by status code",
		},
		[]string{"status"},
	)

	// Alert metrics
	Alerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_detection_alerts_total",
			Help: "Total number of alert writes by outcome",
		},
		[]string{"outcome"},
	)

	// Value list metrics
	ListLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telhawk_detection_list_lookups_total",
			Help: "Total number of value list lookups by cache result",
		},
		[]string{"result"},
	)
)
