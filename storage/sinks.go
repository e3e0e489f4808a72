package storage

import (
	"context"
	"errors"
	"sync"

	"hostguard/core"
)

// AlertWriter is the sink contract shared with the dispatcher
type AlertWriter interface {
	Write(ctx context.Context, alert *core.Alert) error
}

// MultiSink fans each alert out to every sink. All sinks are attempted;
// their errors are joined.
type MultiSink struct {
	sinks []AlertWriter
}

// NewMultiSink skips nil sinks
func NewMultiSink(sinks ...AlertWriter) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Write delivers the alert to every sink
func (m *MultiSink) Write(ctx context.Context, alert *core.Alert) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Write(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of sinks
func (m *MultiSink) Len() int {
	return len(m.sinks)
}

// MemorySink keeps alerts in memory, in arrival order
type MemorySink struct {
	mu     sync.Mutex
	alerts []*core.Alert
}

// NewMemorySink creates an empty sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Write records the alert
func (m *MemorySink) Write(_ context.Context, alert *core.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	return nil
}

// Alerts returns a copy of the recorded alerts
func (m *MemorySink) Alerts() []*core.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*core.Alert(nil), m.alerts...)
}

// Len returns the number of recorded alerts
func (m *MemorySink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}
