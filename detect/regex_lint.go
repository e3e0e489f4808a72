package detect

import (
	"fmt"
	"strconv"
	"strings"

	"hostguard/core"
)

// Limits above which a rule regex is reported as risky
const (
	MaxRegexLength      = 1000
	MaxRepetitionBound  = 1000
	MaxRegexAlternation = 50
)

// RegexWarning flags a rule regex likely to backtrack badly. Warnings do
// not reject the rule; the match timeout still bounds every evaluation.
type RegexWarning struct {
	RuleID  string `json:"rule_id"`
	Pattern string `json:"pattern"`
	Issue   string `json:"issue"`
}

func (w RegexWarning) String() string {
	return fmt.Sprintf("%s: %q: %s", w.RuleID, w.Pattern, w.Issue)
}

// LintRules checks every regex pattern in the rules
func LintRules(rules []core.DetectionRule) []RegexWarning {
	var out []RegexWarning
	for i := range rules {
		walkPatterns(&rules[i].Condition, func(p core.Pattern) {
			if p.Kind != core.PatternRegex {
				return
			}
			for _, issue := range LintRegex(p.Value) {
				out = append(out, RegexWarning{RuleID: rules[i].ID, Pattern: p.Value, Issue: issue})
			}
		})
	}
	return out
}

func walkPatterns(c *core.Condition, fn func(core.Pattern)) {
	for i := range c.All {
		walkPatterns(&c.All[i], fn)
	}
	for i := range c.Any {
		walkPatterns(&c.Any[i], fn)
	}
	if c.Not != nil {
		walkPatterns(c.Not, fn)
	}
	if p := c.Match; p != nil {
		for _, set := range [][]core.Pattern{p.Patterns, p.Parent, p.Child} {
			for _, pat := range set {
				fn(pat)
			}
		}
	}
}

// LintRegex returns the catastrophic-backtracking risks found in expr:
// a repeated group that itself contains a repetition, such as (a+)+,
// oversized repetition bounds, and very long or very wide patterns.
func LintRegex(expr string) []string {
	var issues []string
	if len(expr) > MaxRegexLength {
		issues = append(issues, fmt.Sprintf("pattern length %d exceeds %d", len(expr), MaxRegexLength))
	}
	if n := strings.Count(expr, "|"); n > MaxRegexAlternation {
		issues = append(issues, fmt.Sprintf("%d alternations exceed %d", n, MaxRegexAlternation))
	}

	// one frame per open group; repeats is set once the group contains a repetition
	stack := []bool{false}
	nested, largeBound := false, false
	for i := 0; i < len(expr); i++ {
		switch expr[i] {
		case '\\':
			i++
		case '[':
			i = skipClass(expr, i)
		case '(':
			stack = append(stack, false)
		case ')':
			if len(stack) == 1 {
				continue
			}
			inner := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			repeated := false
			if i+1 < len(expr) {
				if r, ok := repetition(expr, i+1); ok {
					repeated = r.unbounded || r.max > 1
					largeBound = largeBound || r.max > MaxRepetitionBound || r.min > MaxRepetitionBound
				}
			}
			if repeated && inner {
				nested = true
			}
			top := len(stack) - 1
			stack[top] = stack[top] || inner || repeated
		case '+', '*':
			stack[len(stack)-1] = true
		case '{':
			if r, ok := repetition(expr, i); ok {
				if r.unbounded || r.max > 1 {
					stack[len(stack)-1] = true
				}
				largeBound = largeBound || r.max > MaxRepetitionBound || r.min > MaxRepetitionBound
			}
		}
	}

	if nested {
		issues = append(issues, "nested quantifiers can backtrack exponentially")
	}
	if largeBound {
		issues = append(issues, fmt.Sprintf("repetition bound exceeds %d", MaxRepetitionBound))
	}
	return issues
}

type repeatRange struct {
	min, max  int
	unbounded bool
}

// repetition parses the quantifier starting at expr[i], if any
func repetition(expr string, i int) (repeatRange, bool) {
	switch expr[i] {
	case '+', '*':
		return repeatRange{unbounded: true}, true
	case '?':
		return repeatRange{max: 1}, true
	case '{':
		end := strings.IndexByte(expr[i:], '}')
		if end < 0 {
			return repeatRange{}, false
		}
		body := expr[i+1 : i+end]
		lo, hi, hasComma := strings.Cut(body, ",")
		minN, err := strconv.Atoi(lo)
		if err != nil {
			return repeatRange{}, false
		}
		if !hasComma {
			return repeatRange{min: minN, max: minN}, true
		}
		if hi == "" {
			return repeatRange{min: minN, unbounded: true}, true
		}
		maxN, err := strconv.Atoi(hi)
		if err != nil {
			return repeatRange{}, false
		}
		return repeatRange{min: minN, max: maxN}, true
	}
	return repeatRange{}, false
}

// skipClass returns the index of the ']' closing the class opened at i
func skipClass(expr string, i int) int {
	j := i + 1
	if j < len(expr) && expr[j] == '^' {
		j++
	}
	if j < len(expr) && expr[j] == ']' {
		j++
	}
	for ; j < len(expr); j++ {
		switch expr[j] {
		case '\\':
			j++
		case ']':
			return j
		}
	}
	return len(expr) - 1
}
