package core

import (
	"fmt"
	"strings"
)

// Severity represents the urgency of an alert
type Severity string

const (
	// SeverityInfo is informational only
	SeverityInfo Severity = "info"
	// SeverityLow is worth a look during triage
	SeverityLow Severity = "low"
	// SeverityMedium indicates suspicious activity
	SeverityMedium Severity = "medium"
	// SeverityHigh indicates likely malicious activity
	SeverityHigh Severity = "high"
	// SeverityCritical requires immediate response
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// String returns the string representation
func (s Severity) String() string {
	return string(s)
}

// IsValid checks if the severity is valid
func (s Severity) IsValid() bool {
	_, ok := severityRank[s]
	return ok
}

// Rank orders severities from Info (0) to Critical (4). Unknown values rank -1.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is as severe as other
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// Escalate returns the next severity up, capped at Critical
func (s Severity) Escalate() Severity {
	switch s {
	case SeverityInfo:
		return SeverityLow
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// ParseSeverity parses a severity name case-insensitively
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if !sev.IsValid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// AlertKind distinguishes single-event rule matches from correlations
type AlertKind string

const (
	// AlertKindRule is produced by a static detection rule
	AlertKindRule AlertKind = "rule"
	// AlertKindCorrelation is produced by a multi-event pattern
	AlertKindCorrelation AlertKind = "correlation"
)

// String returns the string representation
func (k AlertKind) String() string {
	return string(k)
}
