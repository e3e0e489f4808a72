package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hostguard_events_processed_total",
			Help: "Total number of events run through the detection pipeline",
		},
	)

	EventsMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hostguard_events_malformed_total",
			Help: "Total number of events rejected as malformed",
		},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostguard_events_dropped_total",
			Help: "Total number of events dropped before processing",
		},
		[]string{"reason"},
	)

	AlertsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostguard_alerts_emitted_total",
			Help: "Total number of alerts emitted after suppression",
		},
		[]string{"severity"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostguard_alerts_suppressed_total",
			Help: "Total number of candidate alerts suppressed as duplicates",
		},
		[]string{"rule_id"},
	)

	SinkFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hostguard_sink_failures_total",
			Help: "Total number of alerts an alert sink failed to accept",
		},
	)

	RegexTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hostguard_regex_timeouts_total",
			Help: "Total number of regex matches aborted by the match timeout",
		},
	)

	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostguard_panics_recovered_total",
			Help: "Total number of panics recovered in pipeline goroutines",
		},
		[]string{"component"},
	)

	StateEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostguard_state_evictions_total",
			Help: "Total number of state entries evicted by expiry or capacity",
		},
		[]string{"store", "reason"},
	)

	TrackedProcesses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hostguard_tracked_processes",
			Help: "Number of processes currently held in the process table",
		},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hostguard_queue_depth",
			Help: "Number of events waiting in each worker queue",
		},
		[]string{"worker"},
	)

	RuleReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostguard_rule_reloads_total",
			Help: "Total number of rule set reloads",
		},
		[]string{"result"},
	)

	EventProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hostguard_event_processing_duration_seconds",
			Help:    "Time taken to run one event through the pipeline",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05, .1},
		},
	)

	DeadLetterInsertFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hostguard_dead_letter_insert_failures_total",
			Help: "Total number of dead letter insertion failures",
		},
	)
)
