package detect

import (
	"sync"
	"time"
)

// hostClock returns the time a host's state is expired against. false
// means the host has no watermark and its state is left alone.
type hostClock func(hostID string) (time.Time, bool)

// uniformClock expires every host against the same time
func uniformClock(now time.Time) hostClock {
	return func(string) (time.Time, bool) { return now, true }
}

type watermarkShard struct {
	mu    sync.Mutex
	hosts map[string]time.Time
}

// watermarks tracks the newest event time per host within each state
// shard. A shard's processes are only ever expired against their own
// host's watermark in that shard, so a host with a skewed clock, or a
// worker that lags behind the others, never ages out anyone else's state.
type watermarks struct {
	shards []watermarkShard
}

func newWatermarks(n int) *watermarks {
	w := &watermarks{shards: make([]watermarkShard, n)}
	for i := range w.shards {
		w.shards[i].hosts = make(map[string]time.Time)
	}
	return w
}

// advance moves the host's watermark in shard forward to ts
func (w *watermarks) advance(shard int, hostID string, ts time.Time) {
	s := &w.shards[shard]
	s.mu.Lock()
	if ts.After(s.hosts[hostID]) {
		s.hosts[hostID] = ts
	}
	s.mu.Unlock()
}

// clock returns a snapshot of shard's watermarks
func (w *watermarks) clock(shard int) hostClock {
	if shard < 0 || shard >= len(w.shards) {
		return func(string) (time.Time, bool) { return time.Time{}, false }
	}
	s := &w.shards[shard]
	s.mu.Lock()
	marks := make(map[string]time.Time, len(s.hosts))
	for h, t := range s.hosts {
		marks[h] = t
	}
	s.mu.Unlock()
	return func(hostID string) (time.Time, bool) {
		t, ok := marks[hostID]
		return t, ok
	}
}

// host returns the newest event time seen for hostID in any shard
func (w *watermarks) host(hostID string) time.Time {
	var newest time.Time
	for i := range w.shards {
		s := &w.shards[i]
		s.mu.Lock()
		if t := s.hosts[hostID]; t.After(newest) {
			newest = t
		}
		s.mu.Unlock()
	}
	return newest
}
