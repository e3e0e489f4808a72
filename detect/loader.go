package detect

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"hostguard/core"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// maxRuleFileSize caps rule files read from disk
const maxRuleFileSize = 10 * 1024 * 1024

// RuleFile is the on-disk layout of a rule file
type RuleFile struct {
	Rules []core.DetectionRule `json:"rules" yaml:"rules"`
}

const ruleFileSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["rules"],
  "properties": {
    "rules": {
      "type": "array",
      "items": { "$ref": "#/definitions/rule" }
    }
  },
  "definitions": {
    "rule": {
      "type": "object",
      "required": ["id", "name", "severity", "condition"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string", "minLength": 1 },
        "description": { "type": "string" },
        "severity": { "enum": ["info", "low", "medium", "high", "critical"] },
        "enabled": { "type": "boolean" },
        "mitre_tactics": { "type": "array", "items": { "type": "string" } },
        "mitre_techniques": { "type": "array", "items": { "type": "string" } },
        "recommended_action": { "type": "string" },
        "condition": { "$ref": "#/definitions/condition" }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "minProperties": 1,
      "maxProperties": 1,
      "properties": {
        "all": { "type": "array", "minItems": 1, "items": { "$ref": "#/definitions/condition" } },
        "any": { "type": "array", "minItems": 1, "items": { "$ref": "#/definitions/condition" } },
        "not": { "$ref": "#/definitions/condition" },
        "match": { "$ref": "#/definitions/predicate" }
      },
      "additionalProperties": false
    },
    "predicate": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {
          "enum": ["process_name", "image_path", "command_line", "parent_child",
                   "unsigned_network", "registry_key", "reputation_below", "connection_rate"]
        },
        "patterns": { "$ref": "#/definitions/patterns" },
        "parent": { "$ref": "#/definitions/patterns" },
        "child": { "$ref": "#/definitions/patterns" },
        "actions": { "type": "array", "items": { "enum": ["create", "modify", "delete"] } },
        "threshold": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "patterns": {
      "type": "array",
      "items": {
        "oneOf": [
          { "type": "string", "minLength": 1 },
          {
            "type": "object",
            "required": ["kind", "value"],
            "properties": {
              "kind": { "enum": ["literal", "regex", "glob"] },
              "value": { "type": "string", "minLength": 1 }
            },
            "additionalProperties": false
          }
        ]
      }
    }
  }
}`

var ruleSchemaLoader = gojsonschema.NewStringLoader(ruleFileSchema)

// LoadRules reads, schema-validates and decodes a YAML or JSON rule file.
// The returned rules are not compiled; NewRuleSet does that.
func LoadRules(filename string, logger *zap.SugaredLogger) ([]core.DetectionRule, error) {
	info, err := os.Stat(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to stat rules file: %w", err)
	}
	if info.Size() > maxRuleFileSize {
		return nil, fmt.Errorf("rules file %s exceeds %d bytes", filename, maxRuleFileSize)
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	rules, err := ParseRules(data, ext == ".yaml" || ext == ".yml")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	if logger != nil {
		logger.Infof("Loaded %d rules from %s", len(rules), filename)
	}
	return rules, nil
}

// ParseRules decodes rule file content, YAML when isYAML is set and JSON otherwise
func ParseRules(data []byte, isYAML bool) ([]core.DetectionRule, error) {
	var doc any
	var err error
	if isYAML {
		err = yaml.Unmarshal(data, &doc)
	} else {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}

	result, err := gojsonschema.Validate(ruleSchemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to validate rules against schema: %w", err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return nil, fmt.Errorf("%w: schema validation failed: %s", core.ErrInvalidRule, strings.Join(errs, "; "))
	}

	var file RuleFile
	if isYAML {
		err = yaml.Unmarshal(data, &file)
	} else {
		err = json.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal rules: %w", err)
	}
	for i := range file.Rules {
		if err := file.Rules[i].Validate(); err != nil {
			return nil, err
		}
	}
	return file.Rules, nil
}
