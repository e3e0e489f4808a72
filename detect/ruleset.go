package detect

import (
	"fmt"
	"time"

	"hostguard/core"
)

// RuleSet is an immutable, compiled set of rules in evaluation order
type RuleSet struct {
	rules   []core.DetectionRule
	enabled []int
}

// NewRuleSet validates and compiles copies of the given rules. Rule IDs
// must be unique and must not collide with correlation pattern IDs.
func NewRuleSet(rules []core.DetectionRule, regexTimeout time.Duration) (*RuleSet, error) {
	rs := &RuleSet{rules: make([]core.DetectionRule, 0, len(rules))}
	seen := make(map[string]struct{}, len(rules))

	for i := range rules {
		r := rules[i].Clone()
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate rule id %s", core.ErrInvalidRule, r.ID)
		}
		if _, clash := core.DescriptorByID(r.ID); clash {
			return nil, fmt.Errorf("%w: rule id %s is reserved for a correlation pattern", core.ErrInvalidRule, r.ID)
		}
		seen[r.ID] = struct{}{}

		if err := r.Condition.Compile(regexTimeout); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", core.ErrInvalidRule, r.ID, err)
		}
		r.NormalizeTags()

		if r.Enabled {
			rs.enabled = append(rs.enabled, len(rs.rules))
		}
		rs.rules = append(rs.rules, r)
	}
	return rs, nil
}

// Len returns the number of rules, enabled or not
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// EnabledCount returns the number of enabled rules
func (rs *RuleSet) EnabledCount() int {
	return len(rs.enabled)
}

// Rules returns copies of all rules
func (rs *RuleSet) Rules() []core.DetectionRule {
	out := make([]core.DetectionRule, len(rs.rules))
	for i := range rs.rules {
		out[i] = rs.rules[i].Clone()
	}
	return out
}

// eachEnabled calls fn for every enabled rule in order
func (rs *RuleSet) eachEnabled(fn func(*core.DetectionRule)) {
	for _, i := range rs.enabled {
		fn(&rs.rules[i])
	}
}
