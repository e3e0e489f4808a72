package detect

import (
	"sync"
	"sync/atomic"
	"time"

	"hostguard/core"
	"hostguard/metrics"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// SuppressorConfig bounds alert deduplication state
type SuppressorConfig struct {
	Shards     int
	Window     time.Duration
	MaxEntries int
}

type suppressionKey struct {
	RuleID string
	HostID string
	PID    uint32
}

type suppressionShard struct {
	mu      sync.Mutex
	entries *lru.Cache[suppressionKey, time.Time]
}

// Suppressor drops candidates that repeat a (rule, host, process) alert
// within the suppression window. Times are event times.
type Suppressor struct {
	cfg        SuppressorConfig
	shards     []*suppressionShard
	suppressed atomic.Uint64
	logger     *zap.SugaredLogger
}

// NewSuppressor creates a suppressor. Each shard is an LRU, so the oldest
// key is forgotten when a shard is full.
func NewSuppressor(cfg SuppressorConfig, logger *zap.SugaredLogger) (*Suppressor, error) {
	if cfg.Shards < 1 {
		cfg.Shards = 16
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	if cfg.MaxEntries < cfg.Shards {
		cfg.MaxEntries = 65536
	}
	perShard := (cfg.MaxEntries + cfg.Shards - 1) / cfg.Shards

	s := &Suppressor{
		cfg:    cfg,
		shards: make([]*suppressionShard, cfg.Shards),
		logger: logger,
	}
	for i := range s.shards {
		cache, err := lru.New[suppressionKey, time.Time](perShard)
		if err != nil {
			return nil, err
		}
		s.shards[i] = &suppressionShard{entries: cache}
	}
	return s, nil
}

func (s *Suppressor) shard(k suppressionKey) *suppressionShard {
	return s.shards[shardFor(core.ProcessKey{HostID: k.HostID, PID: k.PID}, len(s.shards))]
}

// Submit returns an alert for the candidate unless the same rule already
// alerted on the same process less than Window before it. A candidate that
// cannot be turned into an alert does not start a suppression window.
func (s *Suppressor) Submit(c *core.Candidate) (*core.Alert, bool) {
	k := suppressionKey{RuleID: c.RuleID, HostID: c.HostID, PID: c.ProcessID}
	sh := s.shard(k)

	sh.mu.Lock()
	if last, ok := sh.entries.Peek(k); ok && c.TriggeredAt.Sub(last) < s.cfg.Window {
		sh.mu.Unlock()
		s.suppressed.Add(1)
		metrics.AlertsSuppressed.WithLabelValues(c.RuleID).Inc()
		return nil, false
	}
	alert, err := core.NewAlert(c)
	if err != nil {
		sh.mu.Unlock()
		if s.logger != nil {
			s.logger.Errorw("Failed to build alert", "rule_id", c.RuleID, "error", err)
		}
		return nil, false
	}
	evicted := sh.entries.Add(k, c.TriggeredAt)
	sh.mu.Unlock()
	if evicted {
		metrics.StateEvictions.WithLabelValues("suppression", "capacity").Inc()
	}
	return alert, true
}

// Sweep forgets keys whose window has passed at now
func (s *Suppressor) Sweep(now time.Time) int {
	return s.sweep(func(int) hostClock { return uniformClock(now) })
}

func (s *Suppressor) sweep(clockFor func(shard int) hostClock) int {
	removed := 0
	for i, sh := range s.shards {
		clock := clockFor(i)
		sh.mu.Lock()
		for _, k := range sh.entries.Keys() {
			now, ok := clock(k.HostID)
			if !ok {
				continue
			}
			if last, found := sh.entries.Peek(k); found && now.Sub(last) >= s.cfg.Window {
				sh.entries.Remove(k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	if removed > 0 {
		metrics.StateEvictions.WithLabelValues("suppression", "expired").Add(float64(removed))
	}
	return removed
}

// Suppressed returns the number of candidates dropped so far
func (s *Suppressor) Suppressed() uint64 {
	return s.suppressed.Load()
}

// Len returns the number of remembered keys
func (s *Suppressor) Len() int {
	n := 0
	for _, sh := range s.shards {
		n += sh.entries.Len()
	}
	return n
}
