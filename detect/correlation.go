package detect

import (
	"sync"
	"time"

	"hostguard/core"
	"hostguard/metrics"

	"go.uber.org/zap"
)

// CorrelationConfig tunes the built-in correlation patterns
type CorrelationConfig struct {
	Shards              int
	ProcessNetworkDelay time.Duration
	BurstWindow         time.Duration
	BurstThreshold      int
	DeepChainThreshold  int
	WindowMaxEvents     int
	SuspiciousImages    []core.Pattern
	RunKeyPatterns      []core.Pattern
	// Disabled holds catalogue IDs (CORR-0001...) that must not fire
	Disabled []string
}

// DefaultSuspiciousImages are image names commonly abused for execution
var DefaultSuspiciousImages = []string{
	"powershell.exe", "pwsh.exe", "cmd.exe", "wscript.exe", "cscript.exe",
	"mshta.exe", "rundll32.exe", "regsvr32.exe", "certutil.exe", "bitsadmin.exe",
}

// DefaultRunKeyPatterns match the per-user and per-machine autorun keys
var DefaultRunKeyPatterns = []string{
	`regex:\\Software\\(Wow6432Node\\)?Microsoft\\Windows\\CurrentVersion\\Run(Once)?(\\|$)`,
}

type windowShard struct {
	mu    sync.Mutex
	arena *windowArena
}

// CorrelationEngine keeps per-process sliding windows and matches the
// multi-event patterns of the catalogue against them.
type CorrelationEngine struct {
	cfg      CorrelationConfig
	shards   []*windowShard
	disabled map[core.CorrelationType]bool
	logger   *zap.SugaredLogger
}

// NewCorrelationEngine creates a correlation engine. Patterns in cfg must
// already be compiled.
func NewCorrelationEngine(cfg CorrelationConfig, logger *zap.SugaredLogger) *CorrelationEngine {
	if cfg.Shards < 1 {
		cfg.Shards = 16
	}
	if cfg.WindowMaxEvents < 1 {
		cfg.WindowMaxEvents = 256
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = 60 * time.Second
	}
	ce := &CorrelationEngine{
		cfg:      cfg,
		shards:   make([]*windowShard, cfg.Shards),
		disabled: make(map[core.CorrelationType]bool),
		logger:   logger,
	}
	for i := range ce.shards {
		ce.shards[i] = &windowShard{arena: newWindowArena()}
	}
	for _, id := range cfg.Disabled {
		if d, ok := core.DescriptorByID(id); ok {
			ce.disabled[d.Type] = true
		}
	}
	return ce
}

func (ce *CorrelationEngine) shard(key core.ProcessKey) *windowShard {
	return ce.shards[shardFor(key, len(ce.shards))]
}

// Observe appends the event to its process window and returns the number
// of network events now in the window.
func (ce *CorrelationEngine) Observe(ev *core.Event) int {
	key := ev.Key()
	s := ce.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.IsProcessAction(core.ProcessCreated) {
		// PID reuse: the earlier process's events do not carry over
		s.arena.release(key)
	}
	w := s.arena.acquire(key)
	w.append(ev, ce.cfg.BurstWindow, ce.cfg.WindowMaxEvents)
	return w.connections
}

// ConnectionCount returns the number of network events currently in the
// process window.
func (ce *CorrelationEngine) ConnectionCount(key core.ProcessKey) int {
	s := ce.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.arena.get(key); ok {
		return w.connections
	}
	return 0
}

// Detect matches the catalogue against the event, which must already have
// been observed. proc is the event's process after the table update.
// Candidates come back in catalogue order without a process chain.
func (ce *CorrelationEngine) Detect(ev *core.Event, proc core.ProcessSnapshot) []core.Candidate {
	var out []core.Candidate

	switch ev.Kind {
	case core.EventKindNetwork:
		if c, ok := ce.processNetwork(ev, proc); ok {
			out = append(out, c)
		}
		if c, ok := ce.connectionBurst(ev); ok {
			out = append(out, c)
		}
	case core.EventKindProcess:
		if c, ok := ce.deepChain(ev, proc); ok {
			out = append(out, c)
		}
	case core.EventKindRegistry:
		if c, ok := ce.registryPersistence(ev, proc); ok {
			out = append(out, c)
		}
	}
	return out
}

func (ce *CorrelationEngine) processNetwork(ev *core.Event, proc core.ProcessSnapshot) (core.Candidate, bool) {
	if ce.disabled[core.CorrelationProcessNetwork] || proc.Inferred || !ce.startedWithin(ev, proc) {
		return core.Candidate{}, false
	}
	unsigned := proc.KnownUnsigned()
	suspicious := match(ce.cfg.SuspiciousImages, proc.Name())
	if !unsigned && !suspicious {
		return core.Candidate{}, false
	}

	c := ce.candidate(core.CorrelationProcessNetwork, ev, ce.creationEvidence(ev))
	if unsigned && suspicious {
		c.Severity = core.SeverityCritical
	}
	return c, true
}

func (ce *CorrelationEngine) connectionBurst(ev *core.Event) (core.Candidate, bool) {
	if ce.disabled[core.CorrelationConnectionBurst] || ce.cfg.BurstThreshold < 1 {
		return core.Candidate{}, false
	}

	key := ev.Key()
	s := ce.shard(key)
	s.mu.Lock()
	w, ok := s.arena.get(key)
	// Fire on the crossing only; later connections in the same window are
	// duplicates the suppressor would drop anyway.
	if !ok || w.connections != ce.cfg.BurstThreshold {
		s.mu.Unlock()
		return core.Candidate{}, false
	}
	evidence := make([]core.Event, 0, w.connections)
	for i := 0; i < w.size; i++ {
		if e := w.at(i); e.Kind == core.EventKindNetwork {
			evidence = append(evidence, e.Clone())
		}
	}
	s.mu.Unlock()

	return ce.candidate(core.CorrelationConnectionBurst, ev, evidence), true
}

func (ce *CorrelationEngine) deepChain(ev *core.Event, proc core.ProcessSnapshot) (core.Candidate, bool) {
	if ce.disabled[core.CorrelationDeepChain] || ce.cfg.DeepChainThreshold < 1 {
		return core.Candidate{}, false
	}
	if !ev.IsProcessAction(core.ProcessCreated) || proc.ChainDepth <= ce.cfg.DeepChainThreshold {
		return core.Candidate{}, false
	}
	return ce.candidate(core.CorrelationDeepChain, ev, []core.Event{ev.Clone()}), true
}

func (ce *CorrelationEngine) registryPersistence(ev *core.Event, proc core.ProcessSnapshot) (core.Candidate, bool) {
	if ce.disabled[core.CorrelationRegistryPersistence] || proc.Inferred || ev.Registry == nil {
		return core.Candidate{}, false
	}
	if ev.Registry.Action != core.RegistryCreate && ev.Registry.Action != core.RegistryModify {
		return core.Candidate{}, false
	}
	if !ce.startedWithin(ev, proc) || !match(ce.cfg.RunKeyPatterns, ev.Registry.KeyPath) {
		return core.Candidate{}, false
	}
	return ce.candidate(core.CorrelationRegistryPersistence, ev, ce.creationEvidence(ev)), true
}

// startedWithin reports 0 <= ev - start <= ProcessNetworkDelay
func (ce *CorrelationEngine) startedWithin(ev *core.Event, proc core.ProcessSnapshot) bool {
	delay := ev.Timestamp.Sub(proc.StartTime)
	return delay >= 0 && delay <= ce.cfg.ProcessNetworkDelay
}

// creationEvidence returns the creation event of the process, when still in
// its window, followed by ev.
func (ce *CorrelationEngine) creationEvidence(ev *core.Event) []core.Event {
	key := ev.Key()
	s := ce.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	evidence := make([]core.Event, 0, 2)
	if w, ok := s.arena.get(key); ok {
		for i := w.size - 1; i >= 0; i-- {
			if e := w.at(i); e.IsProcessAction(core.ProcessCreated) {
				evidence = append(evidence, e.Clone())
				break
			}
		}
	}
	return append(evidence, ev.Clone())
}

func (ce *CorrelationEngine) candidate(t core.CorrelationType, ev *core.Event, evidence []core.Event) core.Candidate {
	d, _ := core.Descriptor(t)
	return core.Candidate{
		RuleID:            d.ID,
		RuleName:          d.Name,
		Description:       d.Description,
		Kind:              core.AlertKindCorrelation,
		Severity:          d.Severity,
		HostID:            ev.HostID,
		ProcessID:         ev.ProcessID,
		TriggeredAt:       ev.Timestamp,
		Events:            evidence,
		MitreTactics:      append([]string(nil), d.MitreTactics...),
		MitreTechniques:   append([]string(nil), d.MitreTechniques...),
		RecommendedAction: d.RecommendedAction,
	}
}

// Sweep releases windows with no events inside the window span at now
func (ce *CorrelationEngine) Sweep(now time.Time) int {
	return ce.sweep(func(int) hostClock { return uniformClock(now) })
}

func (ce *CorrelationEngine) sweep(clockFor func(shard int) hostClock) int {
	removed := 0
	for i, s := range ce.shards {
		clock := clockFor(i)
		s.mu.Lock()
		removed += s.arena.sweep(clock, ce.cfg.BurstWindow)
		s.mu.Unlock()
	}
	if removed > 0 {
		metrics.StateEvictions.WithLabelValues("correlation_window", "expired").Add(float64(removed))
	}
	return removed
}

// Len returns the number of live windows
func (ce *CorrelationEngine) Len() int {
	n := 0
	for _, s := range ce.shards {
		s.mu.Lock()
		n += s.arena.len()
		s.mu.Unlock()
	}
	return n
}
