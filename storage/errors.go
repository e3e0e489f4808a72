package storage

import "errors"

// Storage error constants
var (
	// ErrAlertNotFound is returned when an alert is not found
	ErrAlertNotFound = errors.New("alert not found")

	// ErrInvalidPath is returned for database or output paths that fail validation
	ErrInvalidPath = errors.New("invalid path")

	// ErrSinkClosed is returned when writing to a closed sink
	ErrSinkClosed = errors.New("sink closed")
)
