package bootstrap

import (
	"fmt"
	"os"

	"hostguard/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger builds the zap logger. The console format uses colored levels
// and is written to stderr so alerts on stdout stay machine-readable.
func InitLogger(cfg config.LoggingConfig) (*zap.Logger, *zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var encoder zapcore.Encoder
	switch cfg.Format {
	case "json":
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads the application configuration
func InitConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// logConfig records the effective settings at startup
func logConfig(cfg *config.Config, sugar *zap.SugaredLogger) {
	sugar.Infow("Config loaded",
		"workers", cfg.Engine.Workers,
		"queue_size", cfg.Engine.QueueSize,
		"backpressure", cfg.Engine.Backpressure,
		"process_retention", cfg.ProcessTable.Retention,
		"suppression_window", cfg.Suppression.Window,
		"rules_file", cfg.Rules.File,
		"builtin_rules", cfg.Rules.Builtin)
	sugar.Infow("Alert sinks",
		"jsonl", cfg.Sinks.JSONLPath,
		"sqlite", cfg.Sinks.SQLitePath,
		"stdout", cfg.Sinks.Stdout,
		"redis", cfg.Sinks.Redis.Addr)
}
