package classifier

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed default_rules.yaml
var defaultRulesYAML []byte

// Condition matches when any listed field satisfies the matcher. Exactly one
// of Contains, Equals or Pattern is set.
type Condition struct {
	Fields   []string `yaml:"fields"`
	Contains []string `yaml:"contains,omitempty"`
	Equals   []string `yaml:"equals,omitempty"`
	Pattern  string   `yaml:"pattern,omitempty"`
}

// Rule flags a transaction when all of its conditions match. A rule with
// neither flag set pins matching transactions as ordinary cash flow.
type Rule struct {
	Name       string      `yaml:"name"`
	Lateral    bool        `yaml:"lateral"`
	SideHustle bool        `yaml:"side_hustle,omitempty"`
	When       []Condition `yaml:"when"`
}

// RuleSet is the externally loaded classification policy.
type RuleSet struct {
	Version         int               `yaml:"version"`
	Rules           []Rule            `yaml:"rules"`
	CategoryAliases map[string]string `yaml:"category_aliases,omitempty"`
}

// ParseRules decodes a YAML rule set. Unknown keys are rejected so a typo in
// a matcher name cannot silently disable a rule.
func ParseRules(data []byte) (RuleSet, error) {
	var rs RuleSet
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rs); err != nil && !errors.Is(err, io.EOF) {
		return RuleSet{}, &domain.ClassificationRuleError{Index: -1, Message: fmt.Sprintf("decoding yaml: %v", err)}
	}
	return rs, nil
}

// LoadRules reads a rule set from path.
func LoadRules(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("LoadRules: reading %s: %w", path, err)
	}
	return ParseRules(data)
}

// DefaultRules returns the built-in rule set.
func DefaultRules() RuleSet {
	rs, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("classifier: embedded default rules: %v", err))
	}
	return rs
}

// Default compiles the built-in rule set.
func Default() *Classifier {
	c, err := Compile(DefaultRules())
	if err != nil {
		panic(fmt.Sprintf("classifier: embedded default rules: %v", err))
	}
	return c
}
