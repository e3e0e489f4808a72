package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// DefaultRegexTimeout bounds a single regex match
const DefaultRegexTimeout = 100 * time.Millisecond

// PatternKind selects how a Pattern matches a field
type PatternKind string

const (
	PatternLiteral PatternKind = "literal"
	PatternRegex   PatternKind = "regex"
	PatternGlob    PatternKind = "glob"
)

// Pattern is a case-insensitive matcher compiled once at load time.
// Literal patterns compare the whole field.
type Pattern struct {
	Kind  PatternKind `json:"kind" yaml:"kind"`
	Value string      `json:"value" yaml:"value"`

	re *regexp2.Regexp
	g  glob.Glob
}

// ParsePattern builds a pattern from its short form: "regex:<expr>",
// "glob:<expr>", "literal:<value>" or a bare literal.
func ParsePattern(s string) Pattern {
	if kind, value, ok := strings.Cut(s, ":"); ok {
		switch PatternKind(strings.ToLower(kind)) {
		case PatternRegex:
			return Pattern{Kind: PatternRegex, Value: value}
		case PatternGlob:
			return Pattern{Kind: PatternGlob, Value: value}
		case PatternLiteral:
			return Pattern{Kind: PatternLiteral, Value: value}
		}
	}
	return Pattern{Kind: PatternLiteral, Value: s}
}

// Literal, Regex and Glob are shorthands used by built-in rules
func Literal(v string) Pattern { return Pattern{Kind: PatternLiteral, Value: v} }
func Regex(v string) Pattern   { return Pattern{Kind: PatternRegex, Value: v} }
func Glob(v string) Pattern    { return Pattern{Kind: PatternGlob, Value: v} }

// Compile prepares the matcher. Regexes get the given match timeout.
func (p *Pattern) Compile(timeout time.Duration) error {
	if p.Value == "" {
		return fmt.Errorf("%w: empty %s pattern", ErrInvalidPattern, p.Kind)
	}
	if p.Kind == "" {
		p.Kind = PatternLiteral
	}

	switch p.Kind {
	case PatternLiteral:
	case PatternRegex:
		re, err := regexp2.Compile(p.Value, regexp2.IgnoreCase)
		if err != nil {
			return fmt.Errorf("%w: regex %q: %v", ErrInvalidPattern, p.Value, err)
		}
		if timeout <= 0 {
			timeout = DefaultRegexTimeout
		}
		re.MatchTimeout = timeout
		p.re = re
	case PatternGlob:
		g, err := glob.Compile(strings.ToLower(p.Value))
		if err != nil {
			return fmt.Errorf("%w: glob %q: %v", ErrInvalidPattern, p.Value, err)
		}
		p.g = g
	default:
		return fmt.Errorf("%w: unknown pattern kind %q", ErrInvalidPattern, p.Kind)
	}
	return nil
}

// Compiled reports whether Compile has succeeded
func (p *Pattern) Compiled() bool {
	switch p.Kind {
	case PatternLiteral:
		return p.Value != ""
	case PatternRegex:
		return p.re != nil
	case PatternGlob:
		return p.g != nil
	}
	return false
}

// Match tests the field. A regex that runs past its timeout yields
// false with ErrRegexTimeout.
func (p *Pattern) Match(field string) (bool, error) {
	switch p.Kind {
	case PatternLiteral:
		return strings.EqualFold(field, p.Value), nil
	case PatternRegex:
		if p.re == nil {
			return false, ErrPatternNotCompiled
		}
		ok, err := p.re.MatchString(field)
		if err != nil {
			// regexp2 reports timeouts as a plain error
			if strings.Contains(strings.ToLower(err.Error()), "timeout") {
				return false, ErrRegexTimeout
			}
			return false, fmt.Errorf("regex matching error: %w", err)
		}
		return ok, nil
	case PatternGlob:
		if p.g == nil {
			return false, ErrPatternNotCompiled
		}
		return p.g.Match(strings.ToLower(field)), nil
	}
	return false, ErrPatternNotCompiled
}

// String returns the short form accepted by ParsePattern
func (p Pattern) String() string {
	if p.Kind == PatternLiteral || p.Kind == "" {
		return p.Value
	}
	return string(p.Kind) + ":" + p.Value
}

// UnmarshalYAML accepts either the short string form or a kind/value mapping
func (p *Pattern) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*p = ParsePattern(node.Value)
		return nil
	}
	var raw struct {
		Kind  PatternKind `yaml:"kind"`
		Value string      `yaml:"value"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*p = Pattern{Kind: raw.Kind, Value: raw.Value}
	return nil
}

// UnmarshalJSON accepts either the short string form or a kind/value object
func (p *Pattern) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = ParsePattern(s)
		return nil
	}
	var raw struct {
		Kind  PatternKind `json:"kind"`
		Value string      `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Pattern{Kind: raw.Kind, Value: raw.Value}
	return nil
}

// CompilePatterns compiles every pattern in place
func CompilePatterns(patterns []Pattern, timeout time.Duration) error {
	for i := range patterns {
		if err := patterns[i].Compile(timeout); err != nil {
			return err
		}
	}
	return nil
}

// ParsePatterns converts short forms into uncompiled patterns
func ParsePatterns(values []string) []Pattern {
	out := make([]Pattern, 0, len(values))
	for _, v := range values {
		out = append(out, ParsePattern(v))
	}
	return out
}

// MatchAny returns true on the first matching pattern. Timeouts are
// treated as no match; the first timeout error is returned alongside.
func MatchAny(patterns []Pattern, field string) (bool, error) {
	var firstErr error
	for i := range patterns {
		ok, err := patterns[i].Match(field)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return true, firstErr
		}
	}
	return false, firstErr
}
