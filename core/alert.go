package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// alertNamespace seeds name-based alert IDs so replays yield the same IDs
var alertNamespace = uuid.MustParse("6f1c7f3e-2d0b-5c8e-9a41-3b7d2e9c5a10")

// Candidate is a rule or correlation match before suppression
type Candidate struct {
	RuleID            string
	RuleName          string
	Description       string
	Kind              AlertKind
	Severity          Severity
	HostID            string
	ProcessID         uint32
	TriggeredAt       time.Time
	Events            []Event
	ProcessChain      []ProcessSnapshot
	MitreTactics      []string
	MitreTechniques   []string
	RecommendedAction string
}

// Key returns the process the candidate is attributed to
func (c *Candidate) Key() ProcessKey {
	return ProcessKey{HostID: c.HostID, PID: c.ProcessID}
}

// Alert is emitted to sinks. It owns copies of all evidence.
type Alert struct {
	ID                string            `json:"id"`
	RuleID            string            `json:"rule_id"`
	RuleName          string            `json:"rule_name"`
	Description       string            `json:"description,omitempty"`
	Kind              AlertKind         `json:"kind"`
	Severity          Severity          `json:"severity"`
	HostID            string            `json:"host_id"`
	ProcessID         uint32            `json:"process_id"`
	CreatedAt         time.Time         `json:"created_at"`
	TriggeringEvents  []Event           `json:"triggering_events"`
	ProcessChain      []ProcessSnapshot `json:"process_chain,omitempty"`
	MitreTactics      []string          `json:"mitre_tactics,omitempty"`
	MitreTechniques   []string          `json:"mitre_techniques,omitempty"`
	RecommendedAction string            `json:"recommended_action,omitempty"`
}

// NewAlert materializes a candidate. CreatedAt is the triggering event's
// timestamp, and the ID is derived from rule, process and trigger time, so
// identical input produces identical alerts.
func NewAlert(c *Candidate) (*Alert, error) {
	if c == nil || len(c.Events) == 0 {
		return nil, ErrNoEvidence
	}

	events := make([]Event, len(c.Events))
	for i := range c.Events {
		events[i] = c.Events[i].Clone()
	}
	chain := make([]ProcessSnapshot, len(c.ProcessChain))
	for i := range c.ProcessChain {
		chain[i] = c.ProcessChain[i].Clone()
	}

	action := c.RecommendedAction
	if action == "" {
		action = DefaultRecommendedAction(c.Severity)
	}

	last := &events[len(events)-1]
	name := fmt.Sprintf("%s|%s|%d|%d|%d|%s", c.RuleID, c.HostID, c.ProcessID,
		c.TriggeredAt.UnixNano(), last.Monotonic, last.Kind)

	return &Alert{
		ID:                uuid.NewSHA1(alertNamespace, []byte(name)).String(),
		RuleID:            c.RuleID,
		RuleName:          c.RuleName,
		Description:       c.Description,
		Kind:              c.Kind,
		Severity:          c.Severity,
		HostID:            c.HostID,
		ProcessID:         c.ProcessID,
		CreatedAt:         c.TriggeredAt,
		TriggeringEvents:  events,
		ProcessChain:      chain,
		MitreTactics:      append([]string(nil), c.MitreTactics...),
		MitreTechniques:   append([]string(nil), c.MitreTechniques...),
		RecommendedAction: action,
	}, nil
}

// DefaultRecommendedAction is used when a rule does not name one
func DefaultRecommendedAction(s Severity) string {
	switch s {
	case SeverityCritical:
		return "Isolate the host and terminate the process tree"
	case SeverityHigh:
		return "Terminate the process and collect the image for analysis"
	case SeverityMedium:
		return "Review the process tree and network activity"
	default:
		return "Review during routine triage"
	}
}
