package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"hostguard/core"
)

// JSONLSink writes one JSON alert per line
type JSONLSink struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	closed bool
}

// NewJSONLSink writes to w. Close flushes but does not close w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: bufio.NewWriter(w)}
}

// OpenJSONLSink appends to the file at path, creating it if needed
func OpenJSONLSink(path string) (*JSONLSink, error) {
	if err := validateDatabasePath(path); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create alert directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open alert file: %w", err)
	}
	return &JSONLSink{w: bufio.NewWriter(f), closer: f}, nil
}

// Write appends the alert and flushes so a crash loses at most one line
func (s *JSONLSink) Write(_ context.Context, alert *core.Alert) error {
	line, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write alert: %w", err)
	}
	return s.w.Flush()
}

// Close flushes and closes the underlying file, if owned
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.w.Flush()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// ReadJSONLAlerts decodes every alert in r
func ReadJSONLAlerts(r io.Reader) ([]*core.Alert, error) {
	var alerts []*core.Alert
	dec := json.NewDecoder(r)
	for {
		var a core.Alert
		if err := dec.Decode(&a); err == io.EOF {
			return alerts, nil
		} else if err != nil {
			return alerts, fmt.Errorf("failed to decode alert: %w", err)
		}
		alerts = append(alerts, &a)
	}
}
