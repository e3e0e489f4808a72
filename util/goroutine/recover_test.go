package goroutine

import (
	"sync"
	"testing"

	"hostguard/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func observedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.ErrorLevel)
	return zap.New(core).Sugar(), logs
}

func TestRecover_NoPanic(t *testing.T) {
	logger, logs := observedLogger()

	func() {
		defer Recover("quiet", logger)
	}()

	assert.Zero(t, logs.Len())
}

func TestRecover_LogsPanic(t *testing.T) {
	tests := []struct {
		name  string
		value any
	}{
		{"string", "worker exploded"},
		{"error", assert.AnError},
		{"int", 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logs := observedLogger()

			func() {
				defer Recover("dispatcher-worker", logger)
				panic(tt.value)
			}()

			entries := logs.All()
			require.Len(t, entries, 1)
			assert.Equal(t, "Goroutine panic recovered", entries[0].Message)
			fields := entries[0].ContextMap()
			assert.Equal(t, "dispatcher-worker", fields["goroutine"])
			assert.Contains(t, fields["stack"], "goroutine")
		})
	}
}

func TestRecover_CountsPanics(t *testing.T) {
	before := testutil.ToFloat64(metrics.PanicsRecovered.WithLabelValues("counted"))

	for i := 0; i < 3; i++ {
		func() {
			defer Recover("counted", zap.NewNop().Sugar())
			panic("again")
		}()
	}

	assert.Equal(t, before+3, testutil.ToFloat64(metrics.PanicsRecovered.WithLabelValues("counted")))
}

func TestRecover_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		defer Recover("no-logger", nil)
		panic("still recovered")
	})
}

func TestRecoverWith_InvokesCallback(t *testing.T) {
	var got any
	func() {
		defer RecoverWith("sink", zaptest.NewLogger(t).Sugar(), func(r any) { got = r })
		panic("sink write failed")
	}()
	assert.Equal(t, "sink write failed", got)

	called := false
	func() {
		defer RecoverWith("sink", zaptest.NewLogger(t).Sugar(), func(any) { called = true })
	}()
	assert.False(t, called)
}

func TestRecover_ConcurrentGoroutines(t *testing.T) {
	AssertNoLeaks(t)
	logger, logs := observedLogger()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer Recover("concurrent", logger)
			panic("boom")
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, logs.Len())
}
