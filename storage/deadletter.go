package storage

import (
	"context"
	"fmt"
	"time"

	"hostguard/metrics"

	"go.uber.org/zap"
)

// maxDeadLetterSize truncates raw payloads kept for inspection
const maxDeadLetterSize = 64 * 1024

// DeadLetter is an input record that could not be decoded or was rejected
type DeadLetter struct {
	ID         int64     `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
	Source     string    `json:"source"`
	Reason     string    `json:"reason"`
	Raw        []byte    `json:"raw"`
}

// DeadLetterStorage keeps rejected input records in SQLite
type DeadLetterStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewDeadLetterStorage wraps an opened database
func NewDeadLetterStorage(sqlite *SQLite, logger *zap.SugaredLogger) *DeadLetterStorage {
	return &DeadLetterStorage{sqlite: sqlite, logger: logger}
}

// RecordDeadLetter stores the raw record. Failures are counted and logged
// but never stop ingestion.
func (d *DeadLetterStorage) RecordDeadLetter(ctx context.Context, source string, raw []byte, reason error) {
	if len(raw) > maxDeadLetterSize {
		raw = raw[:maxDeadLetterSize]
	}
	msg := "unknown"
	if reason != nil {
		msg = reason.Error()
	}
	_, err := d.sqlite.WriteDB.ExecContext(ctx,
		`INSERT INTO dead_letter_events (received_at, source, reason, raw) VALUES (?, ?, ?, ?)`,
		time.Now().UnixNano(), source, msg, raw)
	if err != nil {
		metrics.DeadLetterInsertFailures.Inc()
		d.logger.Errorw("Failed to record dead letter", "source", source, "error", err)
	}
}

// ListDeadLetters returns the most recent dead letters
func (d *DeadLetterStorage) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.sqlite.ReadDB.QueryContext(ctx,
		`SELECT id, received_at, source, reason, raw FROM dead_letter_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl DeadLetter
			ts int64
		)
		if err := rows.Scan(&dl.ID, &ts, &dl.Source, &dl.Reason, &dl.Raw); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		dl.ReceivedAt = time.Unix(0, ts)
		out = append(out, dl)
	}
	return out, rows.Err()
}

// DeleteDeadLettersBefore removes dead letters received before cutoff
func (d *DeadLetterStorage) DeleteDeadLettersBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := d.sqlite.WriteDB.ExecContext(ctx, `DELETE FROM dead_letter_events WHERE received_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete dead letters: %w", err)
	}
	return res.RowsAffected()
}
