package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistration(t *testing.T) {
	// Metrics are global; this only checks that registration did not panic
	assert.NotNil(t, EventsProcessed)
	assert.NotNil(t, AlertsEmitted)
	assert.NotNil(t, StateEvictions)
	assert.NotNil(t, EventProcessingDuration)
	assert.NotNil(t, DeadLetterInsertFailures)
	assert.NotNil(t, RuleMatchesTotal)
	assert.NotNil(t, SinkCircuitState)
}

func TestRecordRuleMatch(t *testing.T) {
	before := testutil.ToFloat64(RuleMatchesTotal.WithLabelValues("HG-TEST", "rule"))
	RecordRuleMatch("HG-TEST", "rule")
	RecordRuleMatch("HG-TEST", "rule")
	assert.Equal(t, before+2, testutil.ToFloat64(RuleMatchesTotal.WithLabelValues("HG-TEST", "rule")))
}
