package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"hostguard/config"
	"hostguard/storage"

	"go.uber.org/zap"
)

// SinkComponents holds every configured alert destination
type SinkComponents struct {
	Multi       *storage.MultiSink
	JSONL       *storage.JSONLSink
	Stdout      *storage.JSONLSink
	SQLite      *storage.SQLite
	Alerts      *storage.AlertStorage
	DeadLetters *storage.DeadLetterStorage
	Redis       *storage.BreakerSink
}

// InitSQLite opens the alert database
func InitSQLite(path string, sugar *zap.SugaredLogger) (*storage.SQLite, error) {
	sqlite, err := storage.NewSQLite(path, sugar)
	if err != nil {
		sugar.Error(ClassifySQLiteError(err, path))
		return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
	}
	return sqlite, nil
}

// InitSinks opens the sinks named in the config. On error, anything already
// opened is closed.
func InitSinks(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*SinkComponents, error) {
	sc := &SinkComponents{}
	var writers []storage.AlertWriter

	if cfg.Sinks.JSONLPath != "" {
		sink, err := storage.OpenJSONLSink(cfg.Sinks.JSONLPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open JSONL sink: %w", err)
		}
		sc.JSONL = sink
		writers = append(writers, sink)
	}

	if cfg.Sinks.Stdout {
		sc.Stdout = storage.NewJSONLSink(os.Stdout)
		writers = append(writers, sc.Stdout)
	}

	if cfg.Sinks.SQLitePath != "" {
		sqlite, err := InitSQLite(cfg.Sinks.SQLitePath, sugar)
		if err != nil {
			_ = sc.Close()
			return nil, err
		}
		sc.SQLite = sqlite
		sc.Alerts = storage.NewAlertStorage(sqlite, sugar)
		sc.DeadLetters = storage.NewDeadLetterStorage(sqlite, sugar)
		writers = append(writers, sc.Alerts)
	}

	if r := cfg.Sinks.Redis; r.Addr != "" {
		sink := storage.NewRedisStreamSink(r.Addr, r.Password, r.DB, r.Stream, r.MaxLen, sugar)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := sink.Ping(pingCtx)
		cancel()
		if err != nil {
			_ = sink.Close()
			_ = sc.Close()
			sugar.Error(ClassifyConnectionError(err, r.Addr))
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		guarded, err := storage.NewBreakerSink("redis", sink, storage.BreakerConfig{
			MaxFailures: uint32(r.BreakerFailures),
			Cooldown:    r.BreakerCooldown,
		}, sugar)
		if err != nil {
			_ = sink.Close()
			_ = sc.Close()
			return nil, fmt.Errorf("failed to configure Redis sink: %w", err)
		}
		sc.Redis = guarded
		writers = append(writers, guarded)
	}

	if len(writers) == 0 {
		sugar.Warn("No alert sinks configured, alerts will only be counted")
	}
	sc.Multi = storage.NewMultiSink(writers...)
	return sc, nil
}

// NewRetentionManager builds the alert and dead-letter pruner, or returns
// nil when SQLite is disabled or no retention is configured
func (sc *SinkComponents) NewRetentionManager(cfg config.RetentionConfig, sugar *zap.SugaredLogger) *storage.RetentionManager {
	if sc.SQLite == nil || (cfg.Alerts == 0 && cfg.DeadLetters == 0) {
		return nil
	}
	return storage.NewRetentionManager(sc.Alerts, sc.DeadLetters, cfg.Alerts, cfg.DeadLetters, cfg.Interval, sugar)
}

// Close closes every opened sink
func (sc *SinkComponents) Close() error {
	var errs []error
	if sc.JSONL != nil {
		errs = append(errs, sc.JSONL.Close())
	}
	if sc.Stdout != nil {
		errs = append(errs, sc.Stdout.Close())
	}
	if sc.SQLite != nil {
		errs = append(errs, sc.SQLite.Close())
	}
	if sc.Redis != nil {
		errs = append(errs, sc.Redis.Close())
	}
	return errors.Join(errs...)
}
