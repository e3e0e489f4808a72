package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"hostguard/core"
	"hostguard/metrics"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Format is the framing of an event stream
type Format string

const (
	// FormatJSONL is one JSON event per line
	FormatJSONL Format = "jsonl"
	// FormatMsgpack is a stream of concatenated MessagePack maps using the JSON field names
	FormatMsgpack Format = "msgpack"
)

const (
	// MaxLineSize bounds a single JSONL record
	MaxLineSize = 1024 * 1024

	// deadLetterPrefix is how much of an oversized record is kept
	deadLetterPrefix = 4096
)

// ErrLineTooLong marks a JSONL record longer than MaxLineSize
var ErrLineTooLong = errors.New("record exceeds maximum line size")

// SubmitFunc hands a decoded event to the pipeline
type SubmitFunc func(ctx context.Context, ev *core.Event) error

// DeadLetterRecorder keeps records that could not be decoded
type DeadLetterRecorder interface {
	RecordDeadLetter(ctx context.Context, source string, raw []byte, reason error)
}

// Stats counts what a reader has seen
type Stats struct {
	Decoded  uint64
	Rejected uint64
}

// Reader decodes events from a stream and submits them in order
type Reader struct {
	src     io.Reader
	format  Format
	source  string
	limiter *rate.Limiter
	dlq     DeadLetterRecorder
	logger  *zap.SugaredLogger
	warnLog *rate.Limiter

	decoded  atomic.Uint64
	rejected atomic.Uint64
}

// Option configures a Reader
type Option func(*Reader)

// WithRateLimit caps submissions at eventsPerSecond with the given burst.
// Zero or negative rates disable limiting.
func WithRateLimit(eventsPerSecond float64, burst int) Option {
	return func(r *Reader) {
		if eventsPerSecond <= 0 {
			return
		}
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), burst)
	}
}

// WithDeadLetters records undecodable records
func WithDeadLetters(dlq DeadLetterRecorder) Option {
	return func(r *Reader) { r.dlq = dlq }
}

// WithSource names the stream in logs and dead letters
func WithSource(name string) Option {
	return func(r *Reader) { r.source = name }
}

// NewReader creates a reader for the given format
func NewReader(src io.Reader, format Format, logger *zap.SugaredLogger, opts ...Option) (*Reader, error) {
	if format != FormatJSONL && format != FormatMsgpack {
		return nil, fmt.Errorf("unsupported input format %q", format)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &Reader{
		src:     src,
		format:  format,
		source:  "stdin",
		logger:  logger,
		warnLog: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run reads until EOF, ctx is done or submit fails. Undecodable, oversized
// and invalid records are counted, dead lettered and skipped; a submit
// error stops the reader and is returned.
func (r *Reader) Run(ctx context.Context, submit SubmitFunc) error {
	r.logger.Infow("Reading events", "source", r.source, "format", r.format)
	var err error
	switch r.format {
	case FormatMsgpack:
		err = r.runMsgpack(ctx, submit)
	default:
		err = r.runJSONL(ctx, submit)
	}
	r.logger.Infow("Finished reading events",
		"source", r.source,
		"decoded", r.decoded.Load(),
		"rejected", r.rejected.Load())
	return err
}

func (r *Reader) runJSONL(ctx context.Context, submit SubmitFunc) error {
	br := bufio.NewReaderSize(r.src, 64*1024)
	for line := 1; ; line++ {
		data, tooLong, readErr := readLine(br)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return fmt.Errorf("failed to read %s: %w", r.source, readErr)
		}
		if err := r.handleLine(ctx, line, data, tooLong, submit); err != nil {
			return err
		}
		if readErr != nil {
			return nil
		}
	}
}

// handleLine decodes and submits one JSONL record. Only a submit or
// context error is returned; bad records are rejected and skipped.
func (r *Reader) handleLine(ctx context.Context, line int, data []byte, tooLong bool, submit SubmitFunc) error {
	raw := bytes.TrimSpace(data)
	if tooLong {
		if len(raw) > deadLetterPrefix {
			raw = raw[:deadLetterPrefix]
		}
		r.reject(ctx, raw, fmt.Errorf("line %d: %w", line, ErrLineTooLong))
		return nil
	}
	if len(raw) == 0 {
		return nil
	}
	var ev core.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		r.reject(ctx, raw, fmt.Errorf("line %d: %w", line, err))
		return nil
	}
	return r.deliver(ctx, &ev, raw, submit)
}

// readLine returns the next line without its terminator. A line longer
// than MaxLineSize is consumed to its end and returned cut to MaxLineSize
// with tooLong set. At the end of the stream err is io.EOF and line holds
// any unterminated tail.
func readLine(br *bufio.Reader) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := br.ReadSlice('\n')
		body := chunk
		if err == nil {
			body = chunk[:len(chunk)-1]
		}
		if !tooLong {
			if room := MaxLineSize - len(line); len(body) > room {
				line = append(line, body[:room]...)
				tooLong = true
			} else {
				line = append(line, body...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, tooLong, err
	}
}

func (r *Reader) runMsgpack(ctx context.Context, submit SubmitFunc) error {
	dec := msgpack.NewDecoder(bufio.NewReader(r.src))
	dec.SetCustomStructTag("json")

	for {
		var ev core.Event
		err := dec.Decode(&ev)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			// A broken msgpack stream cannot be resynchronized
			r.reject(ctx, nil, err)
			return fmt.Errorf("failed to decode msgpack stream %s: %w", r.source, err)
		}
		if err := r.deliver(ctx, &ev, nil, submit); err != nil {
			return err
		}
	}
}

// deliver validates the event and submits it. Invalid events are dead
// lettered with raw, or with their JSON form when raw is nil.
func (r *Reader) deliver(ctx context.Context, ev *core.Event, raw []byte, submit SubmitFunc) error {
	if err := ev.Validate(); err != nil {
		if raw == nil {
			raw, _ = json.Marshal(ev)
		}
		r.reject(ctx, raw, err)
		return nil
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.decoded.Add(1)
	return submit(ctx, ev)
}

func (r *Reader) reject(ctx context.Context, raw []byte, reason error) {
	r.rejected.Add(1)
	if errors.Is(reason, core.ErrMalformedEvent) {
		metrics.EventsMalformed.Inc()
	} else {
		metrics.EventsDropped.WithLabelValues("decode_error").Inc()
	}
	if r.warnLog.Allow() {
		r.logger.Warnw("Skipping bad record", "source", r.source, "error", reason)
	}
	if r.dlq != nil {
		r.dlq.RecordDeadLetter(ctx, r.source, append([]byte(nil), raw...), reason)
	}
}

// Stats returns decode counters
func (r *Reader) Stats() Stats {
	return Stats{Decoded: r.decoded.Load(), Rejected: r.rejected.Load()}
}

// EncodeMsgpack writes events as a msgpack stream readable by FormatMsgpack
func EncodeMsgpack(w io.Writer, events []core.Event) error {
	enc := msgpack.NewEncoder(w)
	enc.SetCustomStructTag("json")
	enc.SetOmitEmpty(true)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			return fmt.Errorf("failed to encode event %d: %w", i, err)
		}
	}
	return nil
}
