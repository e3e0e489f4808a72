package detect

import (
	"errors"

	"hostguard/core"
	"hostguard/metrics"
)

// Lookup is the read-only state a rule may consult
type Lookup interface {
	Process(key core.ProcessKey) (core.ProcessSnapshot, bool)
	ConnectionCount(key core.ProcessKey) int
}

// Evaluate reports whether the rule matches the event. It only reads the
// event and the lookup. A missing or mismatched field never matches.
func Evaluate(rule *core.DetectionRule, ev *core.Event, lookup Lookup) bool {
	if rule == nil || ev == nil {
		return false
	}
	return evalCondition(&rule.Condition, ev, lookup, 0)
}

func evalCondition(c *core.Condition, ev *core.Event, lookup Lookup, depth int) bool {
	if depth > core.MaxConditionDepth {
		return false
	}
	switch c.Op() {
	case core.OpAnd:
		for i := range c.All {
			if !evalCondition(&c.All[i], ev, lookup, depth+1) {
				return false
			}
		}
		return true
	case core.OpOr:
		for i := range c.Any {
			if evalCondition(&c.Any[i], ev, lookup, depth+1) {
				return true
			}
		}
		return false
	case core.OpNot:
		return !evalCondition(c.Not, ev, lookup, depth+1)
	case core.OpMatch:
		return evalPredicate(c.Match, ev, lookup)
	default:
		return false
	}
}

func evalPredicate(p *core.Predicate, ev *core.Event, lookup Lookup) bool {
	switch p.Kind {
	case core.PredProcessName:
		snap, ok := subject(ev, lookup)
		return ok && snap.ImagePath != "" && match(p.Patterns, snap.Name())

	case core.PredImagePath:
		snap, ok := subject(ev, lookup)
		return ok && snap.ImagePath != "" && match(p.Patterns, snap.ImagePath)

	case core.PredCommandLine:
		snap, ok := subject(ev, lookup)
		return ok && snap.CommandLine != "" && match(p.Patterns, snap.CommandLine)

	case core.PredParentChild:
		if !ev.IsProcessAction(core.ProcessCreated) {
			return false
		}
		parentKey, ok := ev.ParentKey()
		if !ok || lookup == nil {
			return false
		}
		parent, ok := lookup.Process(parentKey)
		if !ok || parent.ImagePath == "" {
			return false
		}
		return match(p.Child, core.ImageName(ev.Process.ImagePath)) && match(p.Parent, parent.Name())

	case core.PredUnsignedNetwork:
		if ev.Kind != core.EventKindNetwork || ev.Network == nil || lookup == nil {
			return false
		}
		snap, ok := lookup.Process(ev.Key())
		return ok && snap.KnownUnsigned()

	case core.PredRegistryKey:
		if ev.Kind != core.EventKindRegistry || ev.Registry == nil {
			return false
		}
		if len(p.Actions) > 0 && !containsAction(p.Actions, ev.Registry.Action) {
			return false
		}
		return match(p.Patterns, ev.Registry.KeyPath)

	case core.PredReputation:
		if ev.Kind != core.EventKindNetwork || ev.Network == nil || ev.Network.ReputationScore == nil {
			return false
		}
		return *ev.Network.ReputationScore <= p.Threshold

	case core.PredConnectionRate:
		if ev.Kind != core.EventKindNetwork || lookup == nil {
			return false
		}
		return lookup.ConnectionCount(ev.Key()) >= p.Threshold
	}
	return false
}

// subject resolves the process fields a name/path/cmdline predicate reads:
// the event's own payload for process events, the table otherwise.
func subject(ev *core.Event, lookup Lookup) (core.ProcessSnapshot, bool) {
	if ev.Kind == core.EventKindProcess && ev.Process != nil {
		return core.ProcessSnapshot{
			HostID:      ev.HostID,
			ProcessID:   ev.ProcessID,
			ImagePath:   ev.Process.ImagePath,
			CommandLine: ev.Process.CommandLine,
		}, true
	}
	if lookup == nil {
		return core.ProcessSnapshot{}, false
	}
	return lookup.Process(ev.Key())
}

func match(patterns []core.Pattern, field string) bool {
	ok, err := core.MatchAny(patterns, field)
	if err != nil && errors.Is(err, core.ErrRegexTimeout) {
		metrics.RegexTimeouts.Inc()
	}
	return ok
}

func containsAction(actions []core.RegistryAction, a core.RegistryAction) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}
