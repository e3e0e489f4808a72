package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hostguard/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLSink_WritesOneAlertPerLine(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONLSink(&buf)
	ctx := context.Background()

	require.NoError(t, sink.Write(ctx, testAlert("a-1", "HG-0001", "ws-1", core.SeverityHigh, testTime)))
	require.NoError(t, sink.Write(ctx, testAlert("a-2", "CORR-0002", "ws-1", core.SeverityMedium, testTime.Add(time.Second))))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"id":"a-1"`)
	assert.Contains(t, lines[1], `"rule_id":"CORR-0002"`)

	alerts, err := ReadJSONLAlerts(&buf)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-1", "a-2"}, alertIDs(alerts))
}

func TestJSONLSink_WriteAfterClose(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONLSink(&buf)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	err := sink.Write(context.Background(), testAlert("a-1", "HG-0001", "ws-1", core.SeverityHigh, testTime))
	assert.ErrorIs(t, err, ErrSinkClosed)
}

func TestOpenJSONLSink_AppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "alerts.jsonl")
	ctx := context.Background()

	sink, err := OpenJSONLSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Write(ctx, testAlert("a-1", "HG-0001", "ws-1", core.SeverityHigh, testTime)))
	require.NoError(t, sink.Close())

	sink, err = OpenJSONLSink(path)
	require.NoError(t, err)
	require.NoError(t, sink.Write(ctx, testAlert("a-2", "HG-0002", "ws-1", core.SeverityHigh, testTime)))
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	alerts, err := ReadJSONLAlerts(f)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-1", "a-2"}, alertIDs(alerts))
}

func TestOpenJSONLSink_RejectsTraversal(t *testing.T) {
	_, err := OpenJSONLSink("../alerts.jsonl")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestReadJSONLAlerts_ReportsCorruptLine(t *testing.T) {
	input := `{"id":"a-1","rule_id":"HG-0001"}` + "\n" + `{"id":` + "\n"

	alerts, err := ReadJSONLAlerts(strings.NewReader(input))
	assert.Error(t, err)
	assert.Equal(t, []string{"a-1"}, alertIDs(alerts))
}
