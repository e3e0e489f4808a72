package detect

import (
	"sync"
	"sync/atomic"
	"time"

	"hostguard/core"
	"hostguard/metrics"

	"go.uber.org/zap"
)

// ProcessTableConfig bounds the process table
type ProcessTableConfig struct {
	Shards     int
	Retention  time.Duration // how long terminated entries are kept
	MaxEntries int
}

type processShard struct {
	mu      sync.RWMutex
	entries map[core.ProcessKey]*processEntry
}

type processEntry struct {
	snap     core.ProcessSnapshot
	lastSeen time.Time
}

// ProcessTable tracks live and recently terminated processes per host.
// Shards are independent; a lookup never holds more than one shard lock.
type ProcessTable struct {
	cfg      ProcessTableConfig
	shards   []*processShard
	perShard int
	size     atomic.Int64
	logger   *zap.SugaredLogger
}

// NewProcessTable creates an empty table
func NewProcessTable(cfg ProcessTableConfig, logger *zap.SugaredLogger) *ProcessTable {
	if cfg.Shards < 1 {
		cfg.Shards = 16
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 5 * time.Minute
	}
	perShard := 0
	if cfg.MaxEntries > 0 {
		perShard = (cfg.MaxEntries + cfg.Shards - 1) / cfg.Shards
	}

	pt := &ProcessTable{
		cfg:      cfg,
		shards:   make([]*processShard, cfg.Shards),
		perShard: perShard,
		logger:   logger,
	}
	for i := range pt.shards {
		pt.shards[i] = &processShard{entries: make(map[core.ProcessKey]*processEntry)}
	}
	return pt
}

func (pt *ProcessTable) shard(key core.ProcessKey) *processShard {
	return pt.shards[shardFor(key, len(pt.shards))]
}

// OnEvent applies the event to the table and returns a snapshot of the
// event's process after the update. Creation events insert (or replace, on
// PID reuse) an entry; termination events stamp EndTime; any other event
// referencing an unknown process inserts an inferred root entry.
func (pt *ProcessTable) OnEvent(ev *core.Event) core.ProcessSnapshot {
	key := ev.Key()
	if ev.IsProcessAction(core.ProcessCreated) {
		return pt.create(ev)
	}

	s := pt.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		e = &processEntry{snap: core.ProcessSnapshot{
			HostID:    ev.HostID,
			ProcessID: ev.ProcessID,
			StartTime: ev.Timestamp,
			Inferred:  true,
		}}
		if ppid := ev.ParentProcessID; ppid != nil && *ppid != ev.ProcessID {
			p := *ppid
			e.snap.ParentProcessID = &p
		}
		if ev.Process != nil {
			e.snap.ImagePath = ev.Process.ImagePath
			e.snap.CommandLine = ev.Process.CommandLine
			e.snap.User = ev.Process.User
			if ev.Process.Signed != nil {
				signed := *ev.Process.Signed
				e.snap.Signed = &signed
			}
		}
		pt.insertLocked(s, key, e)
	}
	if ev.Timestamp.After(e.lastSeen) {
		e.lastSeen = ev.Timestamp
	}
	if ev.IsProcessAction(core.ProcessTerminated) && e.snap.EndTime == nil {
		end := ev.Timestamp
		e.snap.EndTime = &end
	}
	return e.snap.Clone()
}

func (pt *ProcessTable) create(ev *core.Event) core.ProcessSnapshot {
	key := ev.Key()
	snap := core.ProcessSnapshot{
		HostID:      ev.HostID,
		ProcessID:   ev.ProcessID,
		ImagePath:   ev.Process.ImagePath,
		CommandLine: ev.Process.CommandLine,
		User:        ev.Process.User,
		StartTime:   ev.Timestamp,
	}
	if ev.Process.Signed != nil {
		signed := *ev.Process.Signed
		snap.Signed = &signed
	}

	// Parent first, then child: the two may share a shard and we never hold two locks.
	if parentKey, ok := ev.ParentKey(); ok && parentKey != key {
		ppid := parentKey.PID
		snap.ParentProcessID = &ppid

		ps := pt.shard(parentKey)
		ps.mu.Lock()
		if parent, found := ps.entries[parentKey]; found {
			parent.snap.ChildCount++
			snap.ChainDepth = parent.snap.ChainDepth + 1
		}
		ps.mu.Unlock()
	}

	s := pt.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &processEntry{snap: snap, lastSeen: ev.Timestamp}
	if _, exists := s.entries[key]; exists {
		// PID reuse: the old process is gone, start over
		s.entries[key] = e
	} else {
		pt.insertLocked(s, key, e)
	}
	return e.snap.Clone()
}

// insertLocked adds a new entry, evicting one from the shard if it is full
func (pt *ProcessTable) insertLocked(s *processShard, key core.ProcessKey, e *processEntry) {
	if pt.perShard > 0 && len(s.entries) >= pt.perShard {
		pt.evictOneLocked(s)
	}
	s.entries[key] = e
	pt.size.Add(1)
	metrics.TrackedProcesses.Inc()
}

// evictOneLocked drops the oldest terminated entry, or the least recently
// seen one when nothing has terminated.
func (pt *ProcessTable) evictOneLocked(s *processShard) {
	var (
		victim   core.ProcessKey
		victimAt time.Time
		haveTerm bool
		haveAny  bool
	)
	for k, e := range s.entries {
		if e.snap.EndTime != nil {
			if !haveTerm || e.snap.EndTime.Before(victimAt) {
				victim, victimAt, haveTerm, haveAny = k, *e.snap.EndTime, true, true
			}
			continue
		}
		if haveTerm {
			continue
		}
		if !haveAny || e.lastSeen.Before(victimAt) {
			victim, victimAt, haveAny = k, e.lastSeen, true
		}
	}
	if !haveAny {
		return
	}
	delete(s.entries, victim)
	pt.size.Add(-1)
	metrics.TrackedProcesses.Dec()
	metrics.StateEvictions.WithLabelValues("process_table", "capacity").Inc()
}

// Lookup returns a snapshot of the process, if tracked
func (pt *ProcessTable) Lookup(key core.ProcessKey) (core.ProcessSnapshot, bool) {
	s := pt.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return core.ProcessSnapshot{}, false
	}
	return e.snap.Clone(), true
}

// AncestryChain returns the process followed by its ancestors, nearest
// first. The walk stops at a root, a missing parent, a repeated key or
// after maxDepth entries, whichever comes first.
func (pt *ProcessTable) AncestryChain(key core.ProcessKey, maxDepth int) []core.ProcessSnapshot {
	if maxDepth < 1 {
		return nil
	}
	chain := make([]core.ProcessSnapshot, 0, 4)
	visited := make(map[core.ProcessKey]struct{}, 4)
	for len(chain) < maxDepth {
		if _, seen := visited[key]; seen {
			break
		}
		visited[key] = struct{}{}

		snap, ok := pt.Lookup(key)
		if !ok {
			break
		}
		chain = append(chain, snap)

		parent, ok := snap.ParentKey()
		if !ok {
			break
		}
		key = parent
	}
	return chain
}

// Sweep evicts terminated entries whose retention has elapsed at now.
// now is event time, so replaying old data expires state consistently.
func (pt *ProcessTable) Sweep(now time.Time) int {
	return pt.sweep(func(int) hostClock { return uniformClock(now) })
}

// sweep expires each shard's entries against the clock clockFor returns
// for that shard
func (pt *ProcessTable) sweep(clockFor func(shard int) hostClock) int {
	removed := 0
	for i, s := range pt.shards {
		clock := clockFor(i)
		s.mu.Lock()
		for k, e := range s.entries {
			if e.snap.EndTime == nil {
				continue
			}
			if now, ok := clock(k.HostID); ok && !e.snap.EndTime.After(now.Add(-pt.cfg.Retention)) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		pt.size.Add(int64(-removed))
		metrics.TrackedProcesses.Sub(float64(removed))
		metrics.StateEvictions.WithLabelValues("process_table", "expired").Add(float64(removed))
		if pt.logger != nil {
			pt.logger.Debugw("Swept terminated processes", "removed", removed, "remaining", pt.Len())
		}
	}
	return removed
}

// Len returns the number of tracked processes
func (pt *ProcessTable) Len() int {
	return int(pt.size.Load())
}
