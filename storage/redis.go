package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"hostguard/core"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// maxRedisAlertSize rejects alerts too large to publish
const maxRedisAlertSize = 1024 * 1024

// RedisStreamSink publishes alerts to a Redis stream so downstream
// responders can consume them with consumer groups.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.SugaredLogger
}

// NewRedisStreamSink creates a sink publishing to stream. The stream is
// trimmed to roughly maxLen entries; zero means no trimming.
func NewRedisStreamSink(addr, password string, db int, stream string, maxLen int64, logger *zap.SugaredLogger) *RedisStreamSink {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 4,
	})
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen, logger: logger}
}

// Ping tests the Redis connection
func (rs *RedisStreamSink) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

// Write appends the alert to the stream
func (rs *RedisStreamSink) Write(ctx context.Context, alert *core.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if len(data) > maxRedisAlertSize {
		return fmt.Errorf("alert %s is %d bytes, over the %d byte limit", alert.ID, len(data), maxRedisAlertSize)
	}

	args := &redis.XAddArgs{
		Stream: rs.stream,
		Values: map[string]any{
			"id":       alert.ID,
			"rule_id":  alert.RuleID,
			"severity": string(alert.Severity),
			"host_id":  alert.HostID,
			"alert":    string(data),
		},
	}
	if rs.maxLen > 0 {
		args.MaxLen = rs.maxLen
		args.Approx = true
	}
	if err := rs.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish alert %s: %w", alert.ID, err)
	}
	return nil
}

// Close closes the Redis connection
func (rs *RedisStreamSink) Close() error {
	return rs.client.Close()
}
