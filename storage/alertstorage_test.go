package storage

import (
	"context"
	"testing"
	"time"

	"hostguard/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupAlertStorage(t *testing.T) *AlertStorage {
	t.Helper()
	return NewAlertStorage(setupTestSQLite(t), zap.NewNop().Sugar())
}

func alertIDs(alerts []*core.Alert) []string {
	ids := make([]string, len(alerts))
	for i, a := range alerts {
		ids[i] = a.ID
	}
	return ids
}

func TestAlertStorage_WriteAndGet(t *testing.T) {
	as := setupAlertStorage(t)
	ctx := context.Background()
	alert := testAlert("a-1", "HG-0001", "ws-1", core.SeverityHigh, testTime)

	require.NoError(t, as.Write(ctx, alert))

	got, err := as.GetAlert(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, alert.RuleID, got.RuleID)
	assert.Equal(t, alert.Severity, got.Severity)
	assert.True(t, alert.CreatedAt.Equal(got.CreatedAt))
	require.Len(t, got.TriggeringEvents, 1)
	assert.Equal(t, "cmd.exe /c whoami", got.TriggeringEvents[0].Process.CommandLine)
}

func TestAlertStorage_WriteIsIdempotent(t *testing.T) {
	as := setupAlertStorage(t)
	ctx := context.Background()
	alert := testAlert("a-1", "HG-0001", "ws-1", core.SeverityHigh, testTime)

	require.NoError(t, as.Write(ctx, alert))
	require.NoError(t, as.Write(ctx, alert))

	n, err := as.CountAlerts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestAlertStorage_GetAlertNotFound(t *testing.T) {
	as := setupAlertStorage(t)

	_, err := as.GetAlert(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestAlertStorage_Query(t *testing.T) {
	as := setupAlertStorage(t)
	ctx := context.Background()

	seed := []*core.Alert{
		testAlert("a-1", "HG-0001", "ws-1", core.SeverityHigh, testTime),
		testAlert("a-2", "HG-0002", "ws-1", core.SeverityMedium, testTime.Add(time.Minute)),
		testAlert("a-3", "CORR-0001", "ws-2", core.SeverityCritical, testTime.Add(2*time.Minute)),
		testAlert("a-4", "HG-0001", "ws-2", core.SeverityLow, testTime.Add(3*time.Minute)),
	}
	for _, a := range seed {
		require.NoError(t, as.Write(ctx, a))
	}

	tests := []struct {
		name   string
		filter AlertFilter
		want   []string
	}{
		{"no filter newest first", AlertFilter{}, []string{"a-4", "a-3", "a-2", "a-1"}},
		{"min severity high", AlertFilter{MinSeverity: core.SeverityHigh}, []string{"a-3", "a-1"}},
		{"since", AlertFilter{Since: testTime.Add(time.Minute)}, []string{"a-4", "a-3", "a-2"}},
		{"until is exclusive", AlertFilter{Until: testTime.Add(2 * time.Minute)}, []string{"a-2", "a-1"}},
		{"rule", AlertFilter{RuleID: "HG-0001"}, []string{"a-4", "a-1"}},
		{"host", AlertFilter{HostID: "ws-2"}, []string{"a-4", "a-3"}},
		{"limit", AlertFilter{Limit: 2}, []string{"a-4", "a-3"}},
		{"combined", AlertFilter{HostID: "ws-1", MinSeverity: core.SeverityMedium, Limit: 1}, []string{"a-2"}},
		{"no match", AlertFilter{RuleID: "HG-9999"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := as.Query(ctx, tt.filter)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, alertIDs(got))
		})
	}
}

func TestAlertStorage_QueryRejectsUnknownSeverity(t *testing.T) {
	as := setupAlertStorage(t)

	_, err := as.Query(context.Background(), AlertFilter{MinSeverity: "severe"})
	assert.Error(t, err)
}

func TestAlertStorage_DeleteAlertsBefore(t *testing.T) {
	as := setupAlertStorage(t)
	ctx := context.Background()
	require.NoError(t, as.Write(ctx, testAlert("old", "HG-0001", "ws-1", core.SeverityHigh, testTime)))
	require.NoError(t, as.Write(ctx, testAlert("new", "HG-0001", "ws-1", core.SeverityHigh, testTime.Add(time.Hour))))

	n, err := as.DeleteAlertsBefore(ctx, testTime.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = as.GetAlert(ctx, "old")
	assert.ErrorIs(t, err, ErrAlertNotFound)
	_, err = as.GetAlert(ctx, "new")
	assert.NoError(t, err)
}
