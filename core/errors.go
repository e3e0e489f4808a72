package core

import "errors"

var (
	// ErrMalformedEvent is returned for events missing a required envelope field
	ErrMalformedEvent = errors.New("malformed event")
	// ErrUnknownEventKind is wrapped by ErrMalformedEvent for unsupported kinds
	ErrUnknownEventKind = errors.New("unknown event kind")
	// ErrInvalidRule is returned when a rule fails validation at load time
	ErrInvalidRule = errors.New("invalid detection rule")
	// ErrInvalidPattern is returned when a pattern cannot be compiled
	ErrInvalidPattern = errors.New("invalid pattern")
	// ErrPatternNotCompiled is returned when a pattern is matched before Compile
	ErrPatternNotCompiled = errors.New("pattern not compiled")
	// ErrRegexTimeout is returned when a regex match exceeds its timeout
	ErrRegexTimeout = errors.New("regex evaluation timeout")
	// ErrNoEvidence is returned when an alert is built without triggering events
	ErrNoEvidence = errors.New("alert requires at least one triggering event")
)
