package detect

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"hostguard/core"
	"hostguard/metrics"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// EngineConfig configures the detection pipeline
type EngineConfig struct {
	Shards       int
	SweepEvery   uint64 // events between opportunistic sweeps; 0 disables
	MaxChainWalk int
	RegexTimeout time.Duration

	ProcessTable ProcessTableConfig
	Correlation  CorrelationConfig
	Suppression  SuppressorConfig
}

// DefaultEngineConfig returns the defaults used when nothing is configured
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Shards:       16,
		SweepEvery:   1024,
		MaxChainWalk: 64,
		RegexTimeout: core.DefaultRegexTimeout,
		ProcessTable: ProcessTableConfig{
			Retention:  5 * time.Minute,
			MaxEntries: 65536,
		},
		Correlation: CorrelationConfig{
			ProcessNetworkDelay: 5 * time.Second,
			BurstWindow:         60 * time.Second,
			BurstThreshold:      10,
			DeepChainThreshold:  5,
			WindowMaxEvents:     256,
			SuspiciousImages:    core.ParsePatterns(DefaultSuspiciousImages),
			RunKeyPatterns:      core.ParsePatterns(DefaultRunKeyPatterns),
		},
		Suppression: SuppressorConfig{
			Window:     10 * time.Minute,
			MaxEntries: 65536,
		},
	}
}

// SweepStats reports what a sweep removed
type SweepStats struct {
	Processes   int
	Windows     int
	Suppression int
}

// Engine runs one event at a time through state update, windowing, rule
// evaluation, correlation and suppression. It is safe for concurrent use
// as long as the events of one state shard are fed from a single goroutine,
// which is how Dispatcher routes them.
type Engine struct {
	cfg         EngineConfig
	table       *ProcessTable
	correlation *CorrelationEngine
	suppressor  *Suppressor
	rules       atomic.Pointer[RuleSet]

	watermark atomic.Int64 // newest event time seen, unix nanos
	marks     *watermarks
	processed atomic.Uint64

	logger       *zap.SugaredLogger
	malformedLog *rate.Limiter
}

// NewEngine builds an engine with the given rules
func NewEngine(cfg EngineConfig, rules []core.DetectionRule, logger *zap.SugaredLogger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Shards < 1 {
		cfg.Shards = 16
	}
	if cfg.MaxChainWalk < 1 {
		cfg.MaxChainWalk = 64
	}
	cfg.ProcessTable.Shards = cfg.Shards
	cfg.Correlation.Shards = cfg.Shards
	cfg.Suppression.Shards = cfg.Shards

	if err := core.CompilePatterns(cfg.Correlation.SuspiciousImages, cfg.RegexTimeout); err != nil {
		return nil, fmt.Errorf("suspicious image patterns: %w", err)
	}
	if err := core.CompilePatterns(cfg.Correlation.RunKeyPatterns, cfg.RegexTimeout); err != nil {
		return nil, fmt.Errorf("run key patterns: %w", err)
	}

	rs, err := compileRules(rules, cfg.RegexTimeout)
	if err != nil {
		return nil, err
	}
	suppressor, err := NewSuppressor(cfg.Suppression, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create suppressor: %w", err)
	}

	e := &Engine{
		cfg:          cfg,
		table:        NewProcessTable(cfg.ProcessTable, logger),
		correlation:  NewCorrelationEngine(cfg.Correlation, logger),
		suppressor:   suppressor,
		marks:        newWatermarks(cfg.Shards),
		logger:       logger,
		malformedLog: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	e.rules.Store(rs)
	return e, nil
}

// Process runs the event through the pipeline and returns the alerts that
// survived suppression, static rules first in rule order and correlations
// after in catalogue order. Malformed events return an error wrapping
// core.ErrMalformedEvent and leave all state untouched.
func (e *Engine) Process(ev *core.Event) ([]*core.Alert, error) {
	start := time.Now()
	defer func() {
		metrics.EventProcessingDuration.Observe(time.Since(start).Seconds())
	}()

	if err := ev.Validate(); err != nil {
		metrics.EventsMalformed.Inc()
		if e.malformedLog.Allow() {
			e.logger.Warnw("Dropping malformed event", "error", err)
		}
		return nil, err
	}

	proc := e.table.OnEvent(ev)
	e.correlation.Observe(ev)

	var candidates []core.Candidate
	view := engineView{e}
	e.rules.Load().eachEnabled(func(r *core.DetectionRule) {
		if Evaluate(r, ev, view) {
			candidates = append(candidates, ruleCandidate(r, ev))
		}
	})
	candidates = append(candidates, e.correlation.Detect(ev, proc)...)

	var alerts []*core.Alert
	for i := range candidates {
		c := &candidates[i]
		metrics.RecordRuleMatch(c.RuleID, string(c.Kind))
		c.ProcessChain = e.table.AncestryChain(c.Key(), e.cfg.MaxChainWalk)
		if alert, ok := e.suppressor.Submit(c); ok {
			alerts = append(alerts, alert)
			metrics.AlertsEmitted.WithLabelValues(alert.Severity.String()).Inc()
		}
	}

	metrics.EventsProcessed.Inc()
	e.advance(ev)
	return alerts, nil
}

func ruleCandidate(r *core.DetectionRule, ev *core.Event) core.Candidate {
	return core.Candidate{
		RuleID:            r.ID,
		RuleName:          r.Name,
		Description:       r.Description,
		Kind:              core.AlertKindRule,
		Severity:          r.Severity,
		HostID:            ev.HostID,
		ProcessID:         ev.ProcessID,
		TriggeredAt:       ev.Timestamp,
		Events:            []core.Event{ev.Clone()},
		MitreTactics:      r.MitreTactics,
		MitreTechniques:   r.MitreTechniques,
		RecommendedAction: r.RecommendedAction,
	}
}

// advance moves the event-time watermarks and sweeps every SweepEvery events
func (e *Engine) advance(ev *core.Event) {
	n := ev.Timestamp.UnixNano()
	for {
		cur := e.watermark.Load()
		if n <= cur || e.watermark.CompareAndSwap(cur, n) {
			break
		}
	}
	e.marks.advance(e.partition(ev.Key()), ev.HostID, ev.Timestamp)
	if every := e.cfg.SweepEvery; every > 0 && e.processed.Add(1)%every == 0 {
		e.SweepWatermarks()
	}
}

// partition returns the state shard that owns key
func (e *Engine) partition(key core.ProcessKey) int {
	return shardFor(key, e.cfg.Shards)
}

// Watermark returns the newest event time processed so far, over all hosts
func (e *Engine) Watermark() time.Time {
	n := e.watermark.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// HostWatermark returns the newest event time processed for hostID
func (e *Engine) HostWatermark(hostID string) time.Time {
	return e.marks.host(hostID)
}

// Sweep expires all state relative to now (an event time), whatever host
// it belongs to.
func (e *Engine) Sweep(now time.Time) SweepStats {
	return e.sweep(func(int) hostClock { return uniformClock(now) })
}

// SweepWatermarks expires each process's state against the newest event
// time of its own host in its own shard. Neither another host's clock nor
// another worker's progress can age it out.
func (e *Engine) SweepWatermarks() SweepStats {
	return e.sweep(e.marks.clock)
}

func (e *Engine) sweep(clockFor func(shard int) hostClock) SweepStats {
	stats := SweepStats{
		Processes:   e.table.sweep(clockFor),
		Windows:     e.correlation.sweep(clockFor),
		Suppression: e.suppressor.sweep(clockFor),
	}
	if stats.Processes+stats.Windows+stats.Suppression > 0 {
		e.logger.Debugw("Swept expired state",
			"processes", stats.Processes,
			"windows", stats.Windows,
			"suppression", stats.Suppression)
	}
	return stats
}

// StartSweeper sweeps at the per-host watermarks on a wall-clock interval
// until ctx is done, for streams too slow to trigger opportunistic sweeps.
func (e *Engine) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.SweepWatermarks()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ReloadRules compiles the new rules and swaps them in atomically. On error
// the current rules stay active.
func (e *Engine) ReloadRules(rules []core.DetectionRule) error {
	rs, err := compileRules(rules, e.cfg.RegexTimeout)
	if err != nil {
		metrics.RuleReloads.WithLabelValues("failed").Inc()
		return err
	}
	e.rules.Store(rs)
	metrics.RuleReloads.WithLabelValues("ok").Inc()
	e.logger.Infow("Reloaded detection rules", "total", rs.Len(), "enabled", rs.EnabledCount())
	return nil
}

// compileRules builds a rule set and records its size and compile time
func compileRules(rules []core.DetectionRule, regexTimeout time.Duration) (*RuleSet, error) {
	start := time.Now()
	rs, err := NewRuleSet(rules, regexTimeout)
	if err != nil {
		return nil, err
	}
	metrics.RuleLoadDuration.Observe(time.Since(start).Seconds())
	metrics.ActiveRules.Set(float64(rs.EnabledCount()))
	return rs, nil
}

// Rules returns copies of the active rules
func (e *Engine) Rules() []core.DetectionRule {
	return e.rules.Load().Rules()
}

// ProcessTable exposes the process table for lookups
func (e *Engine) ProcessTable() *ProcessTable {
	return e.table
}

// Suppressed returns the number of suppressed candidates
func (e *Engine) Suppressed() uint64 {
	return e.suppressor.Suppressed()
}

// engineView is the Lookup rules evaluate against
type engineView struct {
	e *Engine
}

func (v engineView) Process(key core.ProcessKey) (core.ProcessSnapshot, bool) {
	return v.e.table.Lookup(key)
}

func (v engineView) ConnectionCount(key core.ProcessKey) int {
	return v.e.correlation.ConnectionCount(key)
}

// Ancestry returns the process and its known ancestors, newest first,
// bounded by the configured chain walk.
func (e *Engine) Ancestry(key core.ProcessKey) []core.ProcessSnapshot {
	return e.table.AncestryChain(key, e.cfg.MaxChainWalk)
}
