package detect

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hostguard/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlRules = `
rules:
  - id: LOCAL-0001
    name: Rclone launched
    severity: medium
    mitre_tactics: [Exfiltration]
    mitre_techniques: [t1567.002]
    condition:
      match:
        kind: process_name
        patterns: ["rclone.exe", "glob:rclone-*.exe"]
  - id: LOCAL-0002
    name: Script host writing autoruns
    severity: high
    enabled: false
    condition:
      all:
        - match:
            kind: registry_key
            patterns:
              - kind: regex
                value: '\\CurrentVersion\\Run'
            actions: [create, modify]
        - not:
            match:
              kind: process_name
              patterns: ["msiexec.exe"]
`

const jsonRules = `{
  "rules": [
    {
      "id": "LOCAL-0003",
      "name": "Connection burst",
      "severity": "low",
      "condition": {"match": {"kind": "connection_rate", "threshold": 25}}
    }
  ]
}`

func writeRuleFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRules_YAML(t *testing.T) {
	rules, err := LoadRules(writeRuleFile(t, "local.yaml", yamlRules), nil)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	first := rules[0]
	assert.Equal(t, "LOCAL-0001", first.ID)
	assert.Equal(t, core.SeverityMedium, first.Severity)
	assert.True(t, first.Enabled, "enabled defaults to true")
	require.NotNil(t, first.Condition.Match)
	require.Len(t, first.Condition.Match.Patterns, 2)
	assert.Equal(t, core.PatternGlob, first.Condition.Match.Patterns[1].Kind)

	second := rules[1]
	assert.False(t, second.Enabled)
	assert.Equal(t, core.OpAnd, second.Condition.Op())
	assert.Equal(t, core.PatternRegex, second.Condition.All[0].Match.Patterns[0].Kind)

	rs, err := NewRuleSet(rules, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, rs.Len())
	assert.Equal(t, 1, rs.EnabledCount())

	compiled := rs.Rules()[0]
	assert.Equal(t, []string{"exfiltration"}, compiled.MitreTactics)
	assert.Equal(t, []string{"T1567.002"}, compiled.MitreTechniques)
}

func TestLoadRules_JSON(t *testing.T) {
	rules, err := LoadRules(writeRuleFile(t, "local.json", jsonRules), nil)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 25, rules[0].Condition.Match.Threshold)
	assert.True(t, rules[0].Enabled)
}

func TestLoadRules_FileNotFound(t *testing.T) {
	_, err := LoadRules(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestParseRules_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		isYAML  bool
	}{
		{"not yaml", "rules: [", true},
		{"not json", "{", false},
		{"missing rules key", "{}", false},
		{"missing severity", `{"rules":[{"id":"A","name":"a","condition":{"match":{"kind":"unsigned_network"}}}]}`, false},
		{"unknown severity", `{"rules":[{"id":"A","name":"a","severity":"urgent","condition":{"match":{"kind":"unsigned_network"}}}]}`, false},
		{"unknown predicate", `{"rules":[{"id":"A","name":"a","severity":"low","condition":{"match":{"kind":"file_hash"}}}]}`, false},
		{"two operators in one node", `{"rules":[{"id":"A","name":"a","severity":"low","condition":{"match":{"kind":"unsigned_network"},"not":{"match":{"kind":"unsigned_network"}}}}]}`, false},
		{"unknown field", `{"rules":[{"id":"A","name":"a","severity":"low","owner":"x","condition":{"match":{"kind":"unsigned_network"}}}]}`, false},
		{"patterns missing", `{"rules":[{"id":"A","name":"a","severity":"low","condition":{"match":{"kind":"command_line"}}}]}`, false},
		{"reputation out of range", `{"rules":[{"id":"A","name":"a","severity":"low","condition":{"match":{"kind":"reputation_below","threshold":101}}}]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.content), tt.isYAML)
			assert.Error(t, err)
		})
	}
}

func TestParseRules_SchemaErrorsWrapInvalidRule(t *testing.T) {
	_, err := ParseRules([]byte(`{"rules":[{"id":"A"}]}`), false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInvalidRule))
}

func TestNewRuleSet_RejectsDuplicatesAndBadRegex(t *testing.T) {
	rule := core.DetectionRule{
		ID: "LOCAL-1", Name: "x", Severity: core.SeverityLow, Enabled: true,
		Condition: core.Match(core.Predicate{Kind: core.PredCommandLine, Patterns: []core.Pattern{core.Regex("a")}}),
	}
	_, err := NewRuleSet([]core.DetectionRule{rule, rule}, time.Second)
	assert.ErrorIs(t, err, core.ErrInvalidRule)

	bad := rule
	bad.Condition = core.Match(core.Predicate{Kind: core.PredCommandLine, Patterns: []core.Pattern{core.Regex("(unclosed")}})
	_, err = NewRuleSet([]core.DetectionRule{bad}, time.Second)
	assert.ErrorIs(t, err, core.ErrInvalidRule)
}

func TestNewRuleSet_DoesNotMutateInput(t *testing.T) {
	rules := []core.DetectionRule{{
		ID: "LOCAL-1", Name: "x", Severity: core.SeverityLow, Enabled: true,
		MitreTactics: []string{"Execution"},
		Condition:    core.Match(core.Predicate{Kind: core.PredCommandLine, Patterns: []core.Pattern{core.Regex("a")}}),
	}}
	_, err := NewRuleSet(rules, time.Second)
	require.NoError(t, err)

	assert.Equal(t, []string{"Execution"}, rules[0].MitreTactics)
	assert.False(t, rules[0].Condition.Match.Patterns[0].Compiled())
}
