package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"hostguard/core"
	"hostguard/detect"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. HOSTGUARD_ENGINE_WORKERS
const EnvPrefix = "HOSTGUARD"

// Config holds all configuration for hostguard
type Config struct {
	Engine       EngineConfig       `mapstructure:"engine"`
	ProcessTable ProcessTableConfig `mapstructure:"process_table"`
	Correlation  CorrelationConfig  `mapstructure:"correlation"`
	Suppression  SuppressionConfig  `mapstructure:"suppression"`
	Rules        RulesConfig        `mapstructure:"rules"`
	Sinks        SinksConfig        `mapstructure:"sinks"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Ingest       IngestConfig       `mapstructure:"ingest"`
}

// EngineConfig sizes the worker pool and pipeline housekeeping
type EngineConfig struct {
	Workers       int           `mapstructure:"workers" validate:"min=1,max=1024"`
	QueueSize     int           `mapstructure:"queue_size" validate:"min=1"`
	Backpressure  string        `mapstructure:"backpressure" validate:"oneof=block drop_oldest"`
	AlertBuffer   int           `mapstructure:"alert_buffer" validate:"min=1"`
	Shards        int           `mapstructure:"shards" validate:"min=1,max=4096"`
	SweepEvery    int           `mapstructure:"sweep_every" validate:"min=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"min=0"`
	MaxChainWalk  int           `mapstructure:"max_chain_walk" validate:"min=1,max=4096"`
}

// ProcessTableConfig bounds the process table
type ProcessTableConfig struct {
	Retention  time.Duration `mapstructure:"retention" validate:"min=1s"`
	MaxEntries int           `mapstructure:"max_entries" validate:"min=1"`
}

// CorrelationConfig tunes the correlation patterns
type CorrelationConfig struct {
	ProcessNetworkDelay time.Duration `mapstructure:"process_network_delay" validate:"min=1ms"`
	BurstWindow         time.Duration `mapstructure:"burst_window" validate:"min=1s"`
	BurstThreshold      int           `mapstructure:"burst_threshold" validate:"min=1"`
	DeepChainThreshold  int           `mapstructure:"deep_chain_threshold" validate:"min=1"`
	WindowMaxEvents     int           `mapstructure:"window_max_events" validate:"min=1,max=65536"`
	SuspiciousImages    []string      `mapstructure:"suspicious_images"`
	RunKeyPatterns      []string      `mapstructure:"run_key_patterns"`
	Disabled            []string      `mapstructure:"disabled"`
}

// SuppressionConfig bounds alert deduplication
type SuppressionConfig struct {
	Window     time.Duration `mapstructure:"window" validate:"min=1s"`
	MaxEntries int           `mapstructure:"max_entries" validate:"min=1"`
}

// RulesConfig selects the detection rules
type RulesConfig struct {
	File         string        `mapstructure:"file"`
	Builtin      bool          `mapstructure:"builtin"`
	RegexTimeout time.Duration `mapstructure:"regex_timeout" validate:"min=1ms,max=60s"`
}

// SinksConfig selects where alerts go. Empty paths disable a sink.
type SinksConfig struct {
	JSONLPath  string          `mapstructure:"jsonl_path"`
	SQLitePath string          `mapstructure:"sqlite_path"`
	Stdout     bool            `mapstructure:"stdout"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Retention  RetentionConfig `mapstructure:"retention"`
}

// RedisConfig publishes alerts to a Redis stream when Addr is set
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0,max=15"`
	Stream   string `mapstructure:"stream" validate:"required"`
	MaxLen   int64  `mapstructure:"max_len" validate:"min=0"`

	BreakerFailures int           `mapstructure:"breaker_failures" validate:"min=1,max=1000"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown" validate:"min=1s"`
}

// RetentionConfig prunes the SQLite alert store. Zero ages keep rows forever.
type RetentionConfig struct {
	Alerts      time.Duration `mapstructure:"alerts" validate:"min=0"`
	DeadLetters time.Duration `mapstructure:"dead_letters" validate:"min=0"`
	Interval    time.Duration `mapstructure:"interval" validate:"min=1m"`
}

// MetricsConfig controls the Prometheus endpoint. Empty disables it.
type MetricsConfig struct {
	ListenAddr string  `mapstructure:"listen_addr" validate:"omitempty,hostname_port"`
	RateLimit  float64 `mapstructure:"rate_limit" validate:"min=0"`
	Burst      int     `mapstructure:"burst" validate:"min=0"`
}

// LoggingConfig controls the zap logger
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=console json"`
}

// IngestConfig controls the event reader
type IngestConfig struct {
	Format    string  `mapstructure:"format" validate:"oneof=jsonl msgpack"`
	RateLimit float64 `mapstructure:"rate_limit" validate:"min=0"`
	Burst     int     `mapstructure:"burst" validate:"min=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.queue_size", 1024)
	v.SetDefault("engine.backpressure", string(detect.BackpressureBlock))
	v.SetDefault("engine.alert_buffer", 256)
	v.SetDefault("engine.shards", 16)
	v.SetDefault("engine.sweep_every", 1024)
	v.SetDefault("engine.sweep_interval", 30*time.Second)
	v.SetDefault("engine.max_chain_walk", 64)

	v.SetDefault("process_table.retention", 5*time.Minute)
	v.SetDefault("process_table.max_entries", 65536)

	v.SetDefault("correlation.process_network_delay", 5*time.Second)
	v.SetDefault("correlation.burst_window", 60*time.Second)
	v.SetDefault("correlation.burst_threshold", 10)
	v.SetDefault("correlation.deep_chain_threshold", 5)
	v.SetDefault("correlation.window_max_events", 256)
	v.SetDefault("correlation.suspicious_images", detect.DefaultSuspiciousImages)
	v.SetDefault("correlation.run_key_patterns", detect.DefaultRunKeyPatterns)
	v.SetDefault("correlation.disabled", []string{})

	v.SetDefault("suppression.window", 10*time.Minute)
	v.SetDefault("suppression.max_entries", 65536)

	v.SetDefault("rules.file", "")
	v.SetDefault("rules.builtin", true)
	v.SetDefault("rules.regex_timeout", core.DefaultRegexTimeout)

	v.SetDefault("sinks.jsonl_path", "alerts.jsonl")
	v.SetDefault("sinks.sqlite_path", "")
	v.SetDefault("sinks.stdout", false)
	v.SetDefault("sinks.redis.addr", "")
	v.SetDefault("sinks.redis.password", "")
	v.SetDefault("sinks.redis.db", 0)
	v.SetDefault("sinks.redis.stream", "hostguard:alerts")
	v.SetDefault("sinks.redis.max_len", 100000)
	v.SetDefault("sinks.redis.breaker_failures", 5)
	v.SetDefault("sinks.redis.breaker_cooldown", 30*time.Second)
	v.SetDefault("sinks.retention.alerts", 30*24*time.Hour)
	v.SetDefault("sinks.retention.dead_letters", 7*24*time.Hour)
	v.SetDefault("sinks.retention.interval", time.Hour)

	v.SetDefault("metrics.listen_addr", "")
	v.SetDefault("metrics.rate_limit", 20)
	v.SetDefault("metrics.burst", 40)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("ingest.format", "jsonl")
	v.SetDefault("ingest.rate_limit", 0)
	v.SetDefault("ingest.burst", 1000)
}

func loadFromEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Shorter names for the settings most often overridden
	_ = v.BindEnv("logging.level", "HOSTGUARD_LOG_LEVEL")
	_ = v.BindEnv("rules.file", "HOSTGUARD_RULES_FILE")
	_ = v.BindEnv("sinks.sqlite_path", "HOSTGUARD_SQLITE_PATH")
	_ = v.BindEnv("sinks.redis.password", "HOSTGUARD_REDIS_PASSWORD")
}

// LoadConfig loads configuration from path (or hostguard.yaml in the
// working directory or ./config when path is empty) and the environment.
// A missing default config file is not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	loadFromEnv(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("hostguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := validateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

var validate = validator.New()

// validateConfig checks struct constraints and cross-field rules
func validateConfig(config *Config) error {
	if err := validate.Struct(config); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if !config.Rules.Builtin && config.Rules.File == "" {
		return fmt.Errorf("invalid config: rules.builtin is false and no rules.file is set")
	}
	if config.Correlation.ProcessNetworkDelay > config.Correlation.BurstWindow {
		return fmt.Errorf("invalid config: correlation.process_network_delay (%v) must not exceed correlation.burst_window (%v)",
			config.Correlation.ProcessNetworkDelay, config.Correlation.BurstWindow)
	}
	for _, id := range config.Correlation.Disabled {
		if _, ok := core.DescriptorByID(id); !ok {
			return fmt.Errorf("invalid config: correlation.disabled names unknown pattern %q", id)
		}
	}
	patterns := append(core.ParsePatterns(config.Correlation.SuspiciousImages),
		core.ParsePatterns(config.Correlation.RunKeyPatterns)...)
	if err := core.CompilePatterns(patterns, config.Rules.RegexTimeout); err != nil {
		return fmt.Errorf("invalid config: correlation patterns: %w", err)
	}
	return nil
}

// EngineConfig converts the loaded settings into a detection engine config
func (c *Config) EngineConfig() detect.EngineConfig {
	return detect.EngineConfig{
		Shards:       c.Engine.Shards,
		SweepEvery:   uint64(c.Engine.SweepEvery),
		MaxChainWalk: c.Engine.MaxChainWalk,
		RegexTimeout: c.Rules.RegexTimeout,
		ProcessTable: detect.ProcessTableConfig{
			Retention:  c.ProcessTable.Retention,
			MaxEntries: c.ProcessTable.MaxEntries,
		},
		Correlation: detect.CorrelationConfig{
			ProcessNetworkDelay: c.Correlation.ProcessNetworkDelay,
			BurstWindow:         c.Correlation.BurstWindow,
			BurstThreshold:      c.Correlation.BurstThreshold,
			DeepChainThreshold:  c.Correlation.DeepChainThreshold,
			WindowMaxEvents:     c.Correlation.WindowMaxEvents,
			SuspiciousImages:    core.ParsePatterns(c.Correlation.SuspiciousImages),
			RunKeyPatterns:      core.ParsePatterns(c.Correlation.RunKeyPatterns),
			Disabled:            append([]string(nil), c.Correlation.Disabled...),
		},
		Suppression: detect.SuppressorConfig{
			Window:     c.Suppression.Window,
			MaxEntries: c.Suppression.MaxEntries,
		},
	}
}

// DispatcherConfig converts the loaded settings into a dispatcher config
func (c *Config) DispatcherConfig() detect.DispatcherConfig {
	return detect.DispatcherConfig{
		Workers:      c.Engine.Workers,
		QueueSize:    c.Engine.QueueSize,
		Backpressure: detect.BackpressurePolicy(c.Engine.Backpressure),
		AlertBuffer:  c.Engine.AlertBuffer,
	}
}
