package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"hostguard/core"

	"go.uber.org/zap"
)

// AlertFilter narrows an alert query. Zero values do not filter.
type AlertFilter struct {
	MinSeverity core.Severity
	Since       time.Time
	Until       time.Time
	RuleID      string
	HostID      string
	Limit       int
}

// DefaultAlertQueryLimit caps queries without an explicit limit
const DefaultAlertQueryLimit = 100

// AlertStorage persists alerts in SQLite and satisfies the alert sink
// contract. Writes are idempotent on alert ID.
type AlertStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewAlertStorage wraps an opened database
func NewAlertStorage(sqlite *SQLite, logger *zap.SugaredLogger) *AlertStorage {
	return &AlertStorage{sqlite: sqlite, logger: logger}
}

// Write inserts the alert, ignoring one already stored with the same ID
func (as *AlertStorage) Write(ctx context.Context, alert *core.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	_, err = as.sqlite.WriteDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO alerts
			(id, rule_id, rule_name, kind, severity, severity_rank, host_id, process_id, created_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.RuleID, alert.RuleName, string(alert.Kind), string(alert.Severity),
		alert.Severity.Rank(), alert.HostID, int64(alert.ProcessID), alert.CreatedAt.UnixNano(), string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert alert %s: %w", alert.ID, err)
	}
	return nil
}

// GetAlert returns a single alert by ID
func (as *AlertStorage) GetAlert(ctx context.Context, id string) (*core.Alert, error) {
	var payload string
	err := as.sqlite.ReadDB.QueryRowContext(ctx, `SELECT payload FROM alerts WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return decodeAlert(payload)
}

// Query returns alerts matching the filter, newest first
func (as *AlertStorage) Query(ctx context.Context, f AlertFilter) ([]*core.Alert, error) {
	var (
		where []string
		args  []any
	)
	if f.MinSeverity != "" {
		if !f.MinSeverity.IsValid() {
			return nil, fmt.Errorf("invalid severity filter %q", f.MinSeverity)
		}
		where = append(where, "severity_rank >= ?")
		args = append(args, f.MinSeverity.Rank())
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, f.Until.UnixNano())
	}
	if f.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, f.RuleID)
	}
	if f.HostID != "" {
		where = append(where, "host_id = ?")
		args = append(args, f.HostID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultAlertQueryLimit
	}

	query := "SELECT payload FROM alerts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := as.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*core.Alert
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alert, err := decodeAlert(payload)
		if err != nil {
			as.logger.Warnw("Skipping undecodable alert row", "error", err)
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// CountAlerts returns the number of stored alerts
func (as *AlertStorage) CountAlerts(ctx context.Context) (int64, error) {
	var n int64
	if err := as.sqlite.ReadDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}

// DeleteAlertsBefore removes alerts created before cutoff and returns how many
func (as *AlertStorage) DeleteAlertsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := as.sqlite.WriteDB.ExecContext(ctx, `DELETE FROM alerts WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete alerts: %w", err)
	}
	return res.RowsAffected()
}

func decodeAlert(payload string) (*core.Alert, error) {
	var alert core.Alert
	if err := json.Unmarshal([]byte(payload), &alert); err != nil {
		return nil, fmt.Errorf("failed to decode alert: %w", err)
	}
	return &alert, nil
}
