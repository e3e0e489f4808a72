package bootstrap

import (
	"fmt"

	"hostguard/config"
	"hostguard/core"
	"hostguard/detect"

	"go.uber.org/zap"
)

// LoadRules assembles the active rule list: built-in rules first (when
// enabled), then rules from the configured file. A file rule with the same
// ID as a built-in rule replaces it in place.
func LoadRules(cfg *config.Config, sugar *zap.SugaredLogger) ([]core.DetectionRule, error) {
	var rules []core.DetectionRule
	if cfg.Rules.Builtin {
		rules = detect.BuiltinRules()
	}
	if cfg.Rules.File == "" {
		sugar.Infof("Using %d built-in rules", len(rules))
		return rules, nil
	}

	fileRules, err := detect.LoadRules(cfg.Rules.File, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	for _, w := range detect.LintRules(fileRules) {
		sugar.Warnw("Rule regex may backtrack heavily; matches are bounded by rules.regex_timeout",
			"rule_id", w.RuleID, "pattern", w.Pattern, "issue", w.Issue)
	}
	return MergeRules(rules, fileRules), nil
}

// MergeRules overlays override onto base by rule ID, keeping base order
// and appending new rules in their own order.
func MergeRules(base, override []core.DetectionRule) []core.DetectionRule {
	pos := make(map[string]int, len(base))
	out := make([]core.DetectionRule, 0, len(base)+len(override))
	for _, r := range base {
		pos[r.ID] = len(out)
		out = append(out, r)
	}
	for _, r := range override {
		if i, ok := pos[r.ID]; ok {
			out[i] = r
			continue
		}
		pos[r.ID] = len(out)
		out = append(out, r)
	}
	return out
}

// InitEngine builds the detection engine from config and rules
func InitEngine(cfg *config.Config, rules []core.DetectionRule, sugar *zap.SugaredLogger) (*detect.Engine, error) {
	engine, err := detect.NewEngine(cfg.EngineConfig(), rules, sugar)
	if err != nil {
		return nil, fmt.Errorf("failed to create detection engine: %w", err)
	}
	enabled := 0
	for _, r := range rules {
		if r.Enabled {
			enabled++
		}
	}
	sugar.Infow("Detection engine ready",
		"rules", len(rules),
		"enabled", enabled,
		"correlation_patterns", len(core.CorrelationCatalogue)-len(cfg.Correlation.Disabled))
	return engine, nil
}
