package storage

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDeadLetterStorage_RecordAndList(t *testing.T) {
	dl := NewDeadLetterStorage(setupTestSQLite(t), zap.NewNop().Sugar())
	ctx := context.Background()

	dl.RecordDeadLetter(ctx, "stdin", []byte(`{"host_id":`), errors.New("unexpected end of JSON input"))
	dl.RecordDeadLetter(ctx, "stdin", []byte(`{"pid":0}`), nil)

	got, err := dl.ListDeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Newest first
	assert.Equal(t, "unknown", got[0].Reason)
	assert.Equal(t, []byte(`{"pid":0}`), got[0].Raw)
	assert.Equal(t, "unexpected end of JSON input", got[1].Reason)
	assert.Equal(t, "stdin", got[1].Source)
	assert.WithinDuration(t, time.Now(), got[1].ReceivedAt, time.Minute)

	limited, err := dl.ListDeadLetters(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestDeadLetterStorage_TruncatesLargePayloads(t *testing.T) {
	dl := NewDeadLetterStorage(setupTestSQLite(t), zap.NewNop().Sugar())
	ctx := context.Background()

	dl.RecordDeadLetter(ctx, "file", bytes.Repeat([]byte("x"), maxDeadLetterSize+100), errors.New("too big"))

	got, err := dl.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Len(t, got[0].Raw, maxDeadLetterSize)
}

func TestDeadLetterStorage_DeleteBefore(t *testing.T) {
	dl := NewDeadLetterStorage(setupTestSQLite(t), zap.NewNop().Sugar())
	ctx := context.Background()
	dl.RecordDeadLetter(ctx, "stdin", []byte("junk"), errors.New("bad"))

	n, err := dl.DeleteDeadLettersBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = dl.DeleteDeadLettersBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := dl.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}
