package detect

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"hostguard/core"
	"hostguard/metrics"
	"hostguard/util/goroutine"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrDispatcherClosed is returned by Submit after Shutdown has begun
var ErrDispatcherClosed = errors.New("dispatcher closed")

// BackpressurePolicy decides what Submit does when a worker queue is full
type BackpressurePolicy string

const (
	// BackpressureBlock makes Submit wait for queue space
	BackpressureBlock BackpressurePolicy = "block"
	// BackpressureDropOldest discards the oldest queued event to make room
	BackpressureDropOldest BackpressurePolicy = "drop_oldest"
)

// IsValid checks if the policy is supported
func (p BackpressurePolicy) IsValid() bool {
	return p == BackpressureBlock || p == BackpressureDropOldest
}

// AlertSink receives emitted alerts. Write is only ever called from one
// goroutine at a time.
type AlertSink interface {
	Write(ctx context.Context, alert *core.Alert) error
}

// DispatcherConfig sizes the worker pool
type DispatcherConfig struct {
	Workers      int
	QueueSize    int
	Backpressure BackpressurePolicy
	AlertBuffer  int
}

// DispatcherStats is a snapshot of dispatcher counters
type DispatcherStats struct {
	Submitted     uint64 `json:"submitted"`
	Processed     uint64 `json:"processed"`
	Malformed     uint64 `json:"malformed"`
	Dropped       uint64 `json:"dropped"`
	Panics        uint64 `json:"panics"`
	AlertsEmitted uint64 `json:"alerts_emitted"`
	Suppressed    uint64 `json:"suppressed"`
	SinkFailures  uint64 `json:"sink_failures"`
}

// Dispatcher partitions events by process across a fixed set of workers so
// each process is handled by exactly one worker, in submission order. Whole
// engine state shards are assigned to workers, so every shard's state and
// watermarks advance in the order events were submitted.
// Alerts from all workers are funneled to the sink by a single goroutine.
type Dispatcher struct {
	engine *Engine
	sink   AlertSink
	cfg    DispatcherConfig
	logger *zap.SugaredLogger

	queues   []chan *core.Event
	alertCh  chan *core.Alert
	stopping chan struct{}

	mu       sync.RWMutex // guards closed against queue close
	closed   bool
	stopOnce sync.Once
	workers  sync.WaitGroup
	pump     sync.WaitGroup
	started  atomic.Bool

	submitted, processed, malformed, dropped, panics atomic.Uint64
	emitted, sinkFailures                            atomic.Uint64

	dropLog *rate.Limiter
}

type discardSink struct{}

func (discardSink) Write(context.Context, *core.Alert) error { return nil }

// NewDispatcher creates a dispatcher. A nil sink discards alerts.
func NewDispatcher(engine *Engine, sink AlertSink, cfg DispatcherConfig, logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if sink == nil {
		sink = discardSink{}
	}
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}
	if !cfg.Backpressure.IsValid() {
		cfg.Backpressure = BackpressureBlock
	}
	if cfg.AlertBuffer < 1 {
		cfg.AlertBuffer = 256
	}
	if shards := engine.cfg.Shards; cfg.Workers > shards {
		logger.Warnw("More workers than state shards, some workers will stay idle",
			"workers", cfg.Workers, "shards", shards)
	}

	d := &Dispatcher{
		engine:   engine,
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
		queues:   make([]chan *core.Event, cfg.Workers),
		alertCh:  make(chan *core.Alert, cfg.AlertBuffer),
		stopping: make(chan struct{}),
		dropLog:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for i := range d.queues {
		d.queues[i] = make(chan *core.Event, cfg.QueueSize)
	}
	return d
}

// Start launches the workers and the sink goroutine
func (d *Dispatcher) Start() {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	d.pump.Add(1)
	go d.runSink()

	for i, q := range d.queues {
		d.workers.Add(1)
		go d.runWorker(i, q)
	}
	d.logger.Infow("Dispatcher started",
		"workers", d.cfg.Workers,
		"queue_size", d.cfg.QueueSize,
		"backpressure", d.cfg.Backpressure)
}

// Submit queues the event on its process's worker. With the block policy it
// waits for space until ctx is done or shutdown begins.
func (d *Dispatcher) Submit(ctx context.Context, ev *core.Event) error {
	if ev == nil {
		return fmt.Errorf("%w: nil event", core.ErrMalformedEvent)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	i := d.engine.partition(ev.Key()) % len(d.queues)
	q := d.queues[i]

	switch d.cfg.Backpressure {
	case BackpressureDropOldest:
		for {
			select {
			case q <- ev:
				d.accepted(i)
				return nil
			default:
			}
			select {
			case old := <-q:
				d.drop(old, "queue_full")
			default:
			}
		}
	default:
		select {
		case q <- ev:
			d.accepted(i)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopping:
			return ErrDispatcherClosed
		}
	}
}

func (d *Dispatcher) accepted(worker int) {
	d.submitted.Add(1)
	metrics.QueueDepth.WithLabelValues(strconv.Itoa(worker)).Set(float64(len(d.queues[worker])))
}

func (d *Dispatcher) drop(ev *core.Event, reason string) {
	d.dropped.Add(1)
	metrics.EventsDropped.WithLabelValues(reason).Inc()
	if d.dropLog.Allow() {
		d.logger.Warnw("Dropping queued event under backpressure",
			"reason", reason,
			"host_id", ev.HostID,
			"process_id", ev.ProcessID,
			"dropped_total", d.dropped.Load())
	}
}

func (d *Dispatcher) runWorker(i int, q <-chan *core.Event) {
	defer d.workers.Done()
	label := strconv.Itoa(i)
	for ev := range q {
		d.handle(ev)
		metrics.QueueDepth.WithLabelValues(label).Set(float64(len(q)))
	}
}

// handle processes one event; a panic loses the event, not the worker
func (d *Dispatcher) handle(ev *core.Event) {
	defer goroutine.RecoverWith("detect-worker", d.logger, func(any) {
		d.panics.Add(1)
	})

	alerts, err := d.engine.Process(ev)
	if err != nil {
		d.malformed.Add(1)
		return
	}
	d.processed.Add(1)
	for _, a := range alerts {
		// Blocks when the sink falls behind; alerts are never dropped.
		d.alertCh <- a
	}
}

func (d *Dispatcher) runSink() {
	defer d.pump.Done()
	ctx := context.Background()
	for a := range d.alertCh {
		d.write(ctx, a)
	}
}

func (d *Dispatcher) write(ctx context.Context, a *core.Alert) {
	defer goroutine.RecoverWith("alert-sink", d.logger, func(any) {
		d.sinkFailures.Add(1)
	})
	if err := d.sink.Write(ctx, a); err != nil {
		d.sinkFailures.Add(1)
		metrics.SinkFailures.Inc()
		d.logger.Errorw("Alert sink write failed", "alert_id", a.ID, "rule_id", a.RuleID, "error", err)
		return
	}
	d.emitted.Add(1)
}

// Shutdown stops accepting events, drains every queue through the engine,
// then flushes remaining alerts to the sink. If ctx ends first the drain
// keeps going in the background and ctx.Err() is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() {
		close(d.stopping)
		d.mu.Lock()
		d.closed = true
		for _, q := range d.queues {
			close(q)
		}
		d.mu.Unlock()

		if !d.started.Load() {
			d.Start()
		}
		go func() {
			d.workers.Wait()
			close(d.alertCh)
		}()
	})

	done := make(chan struct{})
	go func() {
		d.pump.Wait()
		close(done)
	}()

	select {
	case <-done:
		stats := d.Stats()
		d.logger.Infow("Dispatcher drained",
			"processed", stats.Processed,
			"malformed", stats.Malformed,
			"dropped", stats.Dropped,
			"alerts", stats.AlertsEmitted)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current counters
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Submitted:     d.submitted.Load(),
		Processed:     d.processed.Load(),
		Malformed:     d.malformed.Load(),
		Dropped:       d.dropped.Load(),
		Panics:        d.panics.Load(),
		AlertsEmitted: d.emitted.Load(),
		Suppressed:    d.engine.Suppressed(),
		SinkFailures:  d.sinkFailures.Load(),
	}
}
