package detect

import (
	"time"

	"hostguard/core"
)

const initialWindowCapacity = 8

// correlationWindow is a per-process ring of recent events, oldest first.
// It grows up to maxEvents and keeps a running count of network events.
type correlationWindow struct {
	key         core.ProcessKey
	buf         []core.Event
	head        int
	size        int
	connections int
	newest      time.Time
}

func (w *correlationWindow) at(i int) *core.Event {
	return &w.buf[(w.head+i)%len(w.buf)]
}

func (w *correlationWindow) popOldest() {
	old := w.at(0)
	if old.Kind == core.EventKindNetwork {
		w.connections--
	}
	*old = core.Event{}
	w.head = (w.head + 1) % len(w.buf)
	w.size--
}

func (w *correlationWindow) grow(maxEvents int) {
	n := len(w.buf) * 2
	if n == 0 {
		n = initialWindowCapacity
	}
	if n > maxEvents {
		n = maxEvents
	}
	buf := make([]core.Event, n)
	for i := 0; i < w.size; i++ {
		buf[i] = *w.at(i)
	}
	w.buf, w.head = buf, 0
}

// expire drops events older than span relative to now
func (w *correlationWindow) expire(now time.Time, span time.Duration) {
	cutoff := now.Add(-span)
	for w.size > 0 && w.at(0).Timestamp.Before(cutoff) {
		w.popOldest()
	}
}

// append adds an event, first expiring by age and then by count
func (w *correlationWindow) append(ev *core.Event, span time.Duration, maxEvents int) {
	w.expire(ev.Timestamp, span)
	if w.size == len(w.buf) {
		if len(w.buf) < maxEvents {
			w.grow(maxEvents)
		} else {
			w.popOldest()
		}
	}
	*w.at(w.size) = ev.Clone()
	w.size++
	if ev.Kind == core.EventKindNetwork {
		w.connections++
	}
	if ev.Timestamp.After(w.newest) {
		w.newest = ev.Timestamp
	}
}

func (w *correlationWindow) reset() {
	clear(w.buf)
	w.key = core.ProcessKey{}
	w.head, w.size, w.connections = 0, 0, 0
	w.newest = time.Time{}
}

// windowArena owns every window in a shard. Windows live in one slice and
// are addressed by index; released slots are reused with their buffers.
type windowArena struct {
	slots []correlationWindow
	index map[core.ProcessKey]int
	free  []int
}

func newWindowArena() *windowArena {
	return &windowArena{index: make(map[core.ProcessKey]int)}
}

func (a *windowArena) get(key core.ProcessKey) (*correlationWindow, bool) {
	i, ok := a.index[key]
	if !ok {
		return nil, false
	}
	return &a.slots[i], true
}

func (a *windowArena) acquire(key core.ProcessKey) *correlationWindow {
	if w, ok := a.get(key); ok {
		return w
	}
	var i int
	if n := len(a.free); n > 0 {
		i = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, correlationWindow{})
		i = len(a.slots) - 1
	}
	a.slots[i].key = key
	a.index[key] = i
	return &a.slots[i]
}

func (a *windowArena) release(key core.ProcessKey) {
	i, ok := a.index[key]
	if !ok {
		return
	}
	delete(a.index, key)
	a.slots[i].reset()
	a.free = append(a.free, i)
}

// sweep releases windows whose newest event is older than span at their
// host's clock
func (a *windowArena) sweep(clock hostClock, span time.Duration) int {
	var stale []core.ProcessKey
	for key, i := range a.index {
		if now, ok := clock(key.HostID); ok && a.slots[i].newest.Before(now.Add(-span)) {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		a.release(key)
	}
	return len(stale)
}

func (a *windowArena) len() int {
	return len(a.index)
}
