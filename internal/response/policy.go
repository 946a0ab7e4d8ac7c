package response

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"Go2NetSentry/internal/model"
)

// PolicyRule overrides the default severity-to-action mapping for threats
// matching its type and minimum level. An empty threat_type matches every
// type; duration is a time.ParseDuration string, empty meaning the
// controller's default for the chosen action.
type PolicyRule struct {
	ThreatType string            `yaml:"threat_type"`
	MinLevel   string            `yaml:"min_level"`
	Action     string            `yaml:"action"`
	Duration   string            `yaml:"duration"`
	Parameters map[string]string `yaml:"parameters"`
}

type policyFile struct {
	AlertOnLow bool         `yaml:"alert_on_low"`
	Rules      []PolicyRule `yaml:"rules"`
}

// compiledRule is a validated rule ready for matching.
type compiledRule struct {
	threatType string
	minLevel   model.ThreatLevel
	action     model.ActionType
	duration   time.Duration
	parameters map[string]string
}

// Policy is a validated response policy. Immutable after load; the
// controller swaps whole policies on reload.
type Policy struct {
	alertOnLow bool
	rules      []compiledRule
}

// LoadPolicy parses and validates a YAML policy file. Any bad rule fails
// the whole load so a broken policy never partially applies.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal policy YAML: %w", err)
	}

	p := &Policy{alertOnLow: file.AlertOnLow}
	for i, rule := range file.Rules {
		level, ok := model.ParseThreatLevel(rule.MinLevel)
		if !ok {
			return nil, fmt.Errorf("policy rule %d: unknown min_level %q", i, rule.MinLevel)
		}
		action, ok := model.ParseActionType(rule.Action)
		if !ok {
			return nil, fmt.Errorf("policy rule %d: unknown action %q", i, rule.Action)
		}

		var duration time.Duration
		if rule.Duration != "" {
			if duration, err = time.ParseDuration(rule.Duration); err != nil {
				return nil, fmt.Errorf("policy rule %d: bad duration %q: %w", i, rule.Duration, err)
			}
		}

		p.rules = append(p.rules, compiledRule{
			threatType: rule.ThreatType,
			minLevel:   level,
			action:     action,
			duration:   duration,
			parameters: rule.Parameters,
		})
	}
	return p, nil
}

// Len reports the number of loaded rules.
func (p *Policy) Len() int { return len(p.rules) }

// match returns the first rule covering the threat, or nil.
func (p *Policy) match(t *model.ThreatInfo) *compiledRule {
	for i := range p.rules {
		rule := &p.rules[i]
		if rule.threatType != "" && rule.threatType != t.Type {
			continue
		}
		if t.Level < rule.minLevel {
			continue
		}
		return rule
	}
	return nil
}
