package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConditionDepth bounds nesting of rule conditions
const MaxConditionDepth = 32

// DetectionRule is a single-event rule evaluated against every event
type DetectionRule struct {
	ID                string    `json:"id" yaml:"id"`
	Name              string    `json:"name" yaml:"name"`
	Description       string    `json:"description,omitempty" yaml:"description,omitempty"`
	Severity          Severity  `json:"severity" yaml:"severity"`
	Enabled           bool      `json:"enabled" yaml:"enabled"`
	MitreTactics      []string  `json:"mitre_tactics,omitempty" yaml:"mitre_tactics,omitempty"`
	MitreTechniques   []string  `json:"mitre_techniques,omitempty" yaml:"mitre_techniques,omitempty"`
	RecommendedAction string    `json:"recommended_action,omitempty" yaml:"recommended_action,omitempty"`
	Condition         Condition `json:"condition" yaml:"condition"`
}

// UnmarshalYAML decodes a rule, defaulting Enabled to true
func (r *DetectionRule) UnmarshalYAML(node *yaml.Node) error {
	type plain DetectionRule
	p := plain{Enabled: true}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = DetectionRule(p)
	return nil
}

// UnmarshalJSON decodes a rule, defaulting Enabled to true
func (r *DetectionRule) UnmarshalJSON(data []byte) error {
	type plain DetectionRule
	p := plain{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = DetectionRule(p)
	return nil
}

// ConditionOp tags the variant of a Condition node
type ConditionOp string

const (
	OpAnd   ConditionOp = "all"
	OpOr    ConditionOp = "any"
	OpNot   ConditionOp = "not"
	OpMatch ConditionOp = "match"
	opNone  ConditionOp = ""
)

// Condition is a boolean tree over predicates. Exactly one field is set.
type Condition struct {
	All   []Condition `json:"all,omitempty" yaml:"all,omitempty"`
	Any   []Condition `json:"any,omitempty" yaml:"any,omitempty"`
	Not   *Condition  `json:"not,omitempty" yaml:"not,omitempty"`
	Match *Predicate  `json:"match,omitempty" yaml:"match,omitempty"`
}

// All, Any, Not and Match build condition nodes
func All(children ...Condition) Condition { return Condition{All: children} }
func Any(children ...Condition) Condition { return Condition{Any: children} }
func Not(child Condition) Condition       { return Condition{Not: &child} }
func Match(p Predicate) Condition         { return Condition{Match: &p} }

// Op returns the variant of the node, or "" when none or several are set
func (c *Condition) Op() ConditionOp {
	op, set := opNone, 0
	if c.All != nil {
		op, set = OpAnd, set+1
	}
	if c.Any != nil {
		op, set = OpOr, set+1
	}
	if c.Not != nil {
		op, set = OpNot, set+1
	}
	if c.Match != nil {
		op, set = OpMatch, set+1
	}
	if set != 1 {
		return opNone
	}
	return op
}

// PredicateKind is the closed set of leaf tests a rule may use
type PredicateKind string

const (
	// PredProcessName matches the base name of the process image
	PredProcessName PredicateKind = "process_name"
	// PredImagePath matches the full image path
	PredImagePath PredicateKind = "image_path"
	// PredCommandLine matches the process command line
	PredCommandLine PredicateKind = "command_line"
	// PredParentChild matches a process creation by parent and child image names
	PredParentChild PredicateKind = "parent_child"
	// PredUnsignedNetwork matches a connection from a process known to be unsigned
	PredUnsignedNetwork PredicateKind = "unsigned_network"
	// PredRegistryKey matches the key path of a registry mutation
	PredRegistryKey PredicateKind = "registry_key"
	// PredReputation matches a connection whose reputation is at or below Threshold
	PredReputation PredicateKind = "reputation_below"
	// PredConnectionRate matches once a process has Threshold connections in the window
	PredConnectionRate PredicateKind = "connection_rate"
)

// Predicate is a leaf test. Which fields are used depends on Kind.
type Predicate struct {
	Kind      PredicateKind    `json:"kind" yaml:"kind"`
	Patterns  []Pattern        `json:"patterns,omitempty" yaml:"patterns,omitempty"`
	Parent    []Pattern        `json:"parent,omitempty" yaml:"parent,omitempty"`
	Child     []Pattern        `json:"child,omitempty" yaml:"child,omitempty"`
	Actions   []RegistryAction `json:"actions,omitempty" yaml:"actions,omitempty"`
	Threshold int              `json:"threshold,omitempty" yaml:"threshold,omitempty"`
}

// Validate checks rule metadata and the condition tree
func (r *DetectionRule) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: %s: name is required", ErrInvalidRule, r.ID)
	}
	if !r.Severity.IsValid() {
		return fmt.Errorf("%w: %s: invalid severity %q", ErrInvalidRule, r.ID, r.Severity)
	}
	if err := r.Condition.validate(0); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidRule, r.ID, err)
	}
	return nil
}

func (c *Condition) validate(depth int) error {
	if depth > MaxConditionDepth {
		return fmt.Errorf("condition nested deeper than %d", MaxConditionDepth)
	}
	switch c.Op() {
	case OpAnd, OpOr:
		children := c.All
		if children == nil {
			children = c.Any
		}
		if len(children) == 0 {
			return fmt.Errorf("empty %s", c.Op())
		}
		for i := range children {
			if err := children[i].validate(depth + 1); err != nil {
				return err
			}
		}
		return nil
	case OpNot:
		return c.Not.validate(depth + 1)
	case OpMatch:
		return c.Match.validate()
	default:
		return fmt.Errorf("condition must set exactly one of all, any, not, match")
	}
}

func (p *Predicate) validate() error {
	switch p.Kind {
	case PredProcessName, PredImagePath, PredCommandLine, PredRegistryKey:
		if len(p.Patterns) == 0 {
			return fmt.Errorf("%s requires patterns", p.Kind)
		}
	case PredParentChild:
		if len(p.Parent) == 0 || len(p.Child) == 0 {
			return fmt.Errorf("parent_child requires parent and child patterns")
		}
	case PredUnsignedNetwork:
	case PredReputation:
		if p.Threshold < 0 || p.Threshold > 100 {
			return fmt.Errorf("reputation_below threshold %d out of range 0-100", p.Threshold)
		}
	case PredConnectionRate:
		if p.Threshold < 1 {
			return fmt.Errorf("connection_rate threshold must be positive")
		}
	default:
		return fmt.Errorf("unknown predicate kind %q", p.Kind)
	}
	for _, a := range p.Actions {
		if a != RegistryCreate && a != RegistryModify && a != RegistryDelete {
			return fmt.Errorf("unknown registry action %q", a)
		}
	}
	return nil
}

// Compile compiles every pattern in the condition tree
func (c *Condition) Compile(timeout time.Duration) error {
	switch c.Op() {
	case OpAnd:
		for i := range c.All {
			if err := c.All[i].Compile(timeout); err != nil {
				return err
			}
		}
	case OpOr:
		for i := range c.Any {
			if err := c.Any[i].Compile(timeout); err != nil {
				return err
			}
		}
	case OpNot:
		return c.Not.Compile(timeout)
	case OpMatch:
		for _, ps := range [][]Pattern{c.Match.Patterns, c.Match.Parent, c.Match.Child} {
			if err := CompilePatterns(ps, timeout); err != nil {
				return err
			}
		}
	}
	return nil
}

// Clone deep-copies the rule so compiled state is never shared with the caller
func (r *DetectionRule) Clone() DetectionRule {
	out := *r
	out.MitreTactics = append([]string(nil), r.MitreTactics...)
	out.MitreTechniques = append([]string(nil), r.MitreTechniques...)
	out.Condition = r.Condition.clone()
	return out
}

func (c *Condition) clone() Condition {
	var out Condition
	if c.All != nil {
		out.All = make([]Condition, len(c.All))
		for i := range c.All {
			out.All[i] = c.All[i].clone()
		}
	}
	if c.Any != nil {
		out.Any = make([]Condition, len(c.Any))
		for i := range c.Any {
			out.Any[i] = c.Any[i].clone()
		}
	}
	if c.Not != nil {
		n := c.Not.clone()
		out.Not = &n
	}
	if c.Match != nil {
		p := *c.Match
		p.Patterns = append([]Pattern(nil), c.Match.Patterns...)
		p.Parent = append([]Pattern(nil), c.Match.Parent...)
		p.Child = append([]Pattern(nil), c.Match.Child...)
		p.Actions = append([]RegistryAction(nil), c.Match.Actions...)
		out.Match = &p
	}
	return out
}

// NormalizeTags upper-cases technique IDs, lower-cases tactics, and removes duplicates
func (r *DetectionRule) NormalizeTags() {
	r.MitreTactics = normalizeSet(r.MitreTactics, strings.ToLower)
	r.MitreTechniques = normalizeSet(r.MitreTechniques, strings.ToUpper)
}

func normalizeSet(in []string, fold func(string) string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = fold(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
