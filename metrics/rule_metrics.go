package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rule and sink health metrics.
//
// These break the pipeline totals down by rule and by sink so noisy rules
// and failing destinations can be found without reading alert payloads.

var (
	// RuleMatchesTotal counts rule and correlation matches before suppression.
	// Labels:
	//   - rule_id: HG-/CORR- or a custom rule ID
	//   - kind: "rule" or "correlation"
	RuleMatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostguard",
			Subsystem: "rules",
			Name:      "matches_total",
			Help:      "Total number of rule and correlation matches before suppression",
		},
		[]string{"rule_id", "kind"},
	)

	// ActiveRules is the number of enabled rules in the current rule set.
	ActiveRules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hostguard",
			Subsystem: "rules",
			Name:      "active",
			Help:      "Number of enabled detection rules",
		},
	)

	// RuleLoadDuration measures time to compile a rule set.
	RuleLoadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "hostguard",
			Subsystem: "rules",
			Name:      "load_duration_seconds",
			Help:      "Time spent validating and compiling detection rules",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12), // 100µs to ~200ms
		},
	)

	// SinkCircuitState reports each guarded sink's breaker.
	// 0 = closed, 1 = half-open, 2 = open.
	SinkCircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hostguard",
			Subsystem: "sink",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per alert sink (0 closed, 1 half-open, 2 open)",
		},
		[]string{"sink"},
	)

	// SinkWritesSkipped counts alerts not offered to a sink whose circuit is open.
	SinkWritesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostguard",
			Subsystem: "sink",
			Name:      "writes_skipped_total",
			Help:      "Total number of alerts skipped by an open sink circuit",
		},
		[]string{"sink"},
	)
)

// RecordRuleMatch counts one match for the rule
func RecordRuleMatch(ruleID, kind string) {
	RuleMatchesTotal.WithLabelValues(ruleID, kind).Inc()
}
