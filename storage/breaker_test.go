package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"hostguard/core"
	"hostguard/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock is advanced by hand
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T, failures uint32, cooldown time.Duration) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	cb, err := NewCircuitBreaker(BreakerConfig{MaxFailures: failures, Cooldown: cooldown})
	require.NoError(t, err)
	clock := &fakeClock{t: testTime}
	cb.now = clock.now
	return cb, clock
}

func TestBreakerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     BreakerConfig
		wantErr bool
	}{
		{"valid", BreakerConfig{MaxFailures: 3, Cooldown: time.Second}, false},
		{"zero failures", BreakerConfig{MaxFailures: 0, Cooldown: time.Second}, true},
		{"zero cooldown", BreakerConfig{MaxFailures: 3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCircuitBreaker(tt.cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidBreakerConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb, _ := newTestBreaker(t, 3, time.Minute)

	for i := 0; i < 2; i++ {
		_, _, err := cb.Allow()
		require.NoError(t, err)
		cb.RecordFailure()
	}
	assert.Equal(t, BreakerClosed, cb.State())

	old, state := cb.RecordFailure()
	assert.Equal(t, BreakerClosed, old)
	assert.Equal(t, BreakerOpen, state)

	_, _, err := cb.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(t, 2, time.Minute)

	cb.RecordFailure()
	cb.RecordSuccess()
	assert.Zero(t, cb.Failures())
	cb.RecordFailure()
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb, clock := newTestBreaker(t, 1, time.Minute)
	cb.RecordFailure()
	require.Equal(t, BreakerOpen, cb.State())

	clock.advance(59 * time.Second)
	_, _, err := cb.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)

	clock.advance(time.Second)
	old, state, err := cb.Allow()
	require.NoError(t, err)
	assert.Equal(t, BreakerOpen, old)
	assert.Equal(t, BreakerHalfOpen, state)

	// Only one trial write at a time
	_, _, err = cb.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)

	old, state = cb.RecordSuccess()
	assert.Equal(t, BreakerHalfOpen, old)
	assert.Equal(t, BreakerClosed, state)
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb, clock := newTestBreaker(t, 1, time.Minute)
	cb.RecordFailure()
	clock.advance(time.Minute)

	_, _, err := cb.Allow()
	require.NoError(t, err)
	_, state := cb.RecordFailure()
	assert.Equal(t, BreakerOpen, state)

	// Cooldown restarts from the failed trial write
	clock.advance(30 * time.Second)
	_, _, err = cb.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerSink_SkipsWritesWhileOpen(t *testing.T) {
	down := errors.New("connection refused")
	inner := &failingSink{err: down}
	sink, err := NewBreakerSink("test-open", inner, BreakerConfig{MaxFailures: 2, Cooldown: time.Minute}, zap.NewNop().Sugar())
	require.NoError(t, err)
	clock := &fakeClock{t: testTime}
	sink.cb.now = clock.now
	ctx := context.Background()
	alert := testAlert("a-1", "HG-0001", "ws-1", core.SeverityHigh, testTime)

	assert.ErrorIs(t, sink.Write(ctx, alert), down)
	assert.ErrorIs(t, sink.Write(ctx, alert), down)
	assert.Equal(t, BreakerOpen, sink.State())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SinkCircuitState.WithLabelValues("test-open")))

	err = sink.Write(ctx, alert)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SinkWritesSkipped.WithLabelValues("test-open")))

	// Destination recovers
	inner.err = nil
	clock.advance(time.Minute)
	require.NoError(t, sink.Write(ctx, alert))
	assert.Equal(t, BreakerClosed, sink.State())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.SinkCircuitState.WithLabelValues("test-open")))
}

func TestBreakerSink_ClosesWrappedSink(t *testing.T) {
	inner := NewJSONLSink(&discard{})
	sink, err := NewBreakerSink("test-close", inner, BreakerConfig{MaxFailures: 1, Cooldown: time.Second}, zap.NewNop().Sugar())
	require.NoError(t, err)

	require.NoError(t, sink.Close())
	assert.ErrorIs(t, inner.Write(context.Background(), testAlert("a-1", "HG-0001", "ws-1", core.SeverityHigh, testTime)), ErrSinkClosed)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
