// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safety

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"gopkg.in/yaml.v3"
)

// DefaultRules holds the curated rule file baked into the binary.
//
//go:embed rules/safety_rules.yaml
var DefaultRules []byte

// RuleKind selects how a rule is matched.
type RuleKind string

const (
	KindAnomaly       RuleKind = "anomaly"
	KindQuestionTerm  RuleKind = "question_term"
	KindCombination   RuleKind = "combination"
	KindVitalCritical RuleKind = "vital_critical"
	KindDocument      RuleKind = "document"
)

// UnmarshalYAML rejects unknown kinds at load time.
func (k *RuleKind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch RuleKind(s) {
	case KindAnomaly, KindQuestionTerm, KindCombination, KindVitalCritical, KindDocument:
		*k = RuleKind(s)
		return nil
	}
	return fmt.Errorf("invalid rule kind: %q", s)
}

// RuleFile is the top-level shape of a rule document.
type RuleFile struct {
	Rules []Rule `yaml:"rules"`
}

// Rule is one escalation rule.
type Rule struct {
	ID          string             `yaml:"id"`
	Kind        RuleKind           `yaml:"kind"`
	Severity    datatypes.Severity `yaml:"severity"`
	Priority    int                `yaml:"priority"`
	Description string             `yaml:"description"`
	Terms       []string           `yaml:"terms"`
	Categories  []string           `yaml:"categories"`
	Metric      string             `yaml:"metric"`
	Direction   string             `yaml:"direction"`
	Component   string             `yaml:"component"`
	Above       *float64           `yaml:"above"`
	Below       *float64           `yaml:"below"`

	metric datatypes.MetricKind
	terms  []string
}

// ParseRules decodes, validates and sorts a rule document.
//
// # Description
//
// Rules are returned ordered by severity ascending, then priority
// descending, then id, which is the order the classifier evaluates them.
//
// # Outputs
//
//   - []Rule: Ready for NewRuleClassifier.
//   - error: Non-nil for malformed YAML, duplicate ids, missing fields, or
//     a document rule above advisory.
func ParseRules(data []byte) ([]Rule, error) {
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal safety rules: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("safety rule file has no rules")
	}
	seen := make(map[string]bool, len(file.Rules))
	for i := range file.Rules {
		r := &file.Rules[i]
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d has no id", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rule id %s", r.ID)
		}
		seen[r.ID] = true
		if err := r.compile(); err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
	}
	sortRules(file.Rules)
	return file.Rules, nil
}

func (r *Rule) compile() error {
	if r.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if r.Severity <= datatypes.SeverityNone {
		return fmt.Errorf("severity must be advisory or emergency")
	}
	for _, t := range r.Terms {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			r.terms = append(r.terms, t)
		}
	}
	if r.Metric != "" {
		k, err := datatypes.ParseMetricKind(r.Metric)
		if err != nil {
			return err
		}
		r.metric = k
	}
	switch r.Kind {
	case KindQuestionTerm:
		if len(r.terms) == 0 {
			return fmt.Errorf("question_term rules need terms")
		}
	case KindCombination:
		if len(r.terms) == 0 || r.metric == "" {
			return fmt.Errorf("combination rules need terms and a metric")
		}
		if r.Direction != string(datatypes.DirectionHigh) && r.Direction != string(datatypes.DirectionLow) {
			return fmt.Errorf("combination direction must be high or low, got %q", r.Direction)
		}
	case KindVitalCritical:
		if r.metric == "" {
			return fmt.Errorf("vital_critical rules need a metric")
		}
		if (r.Above == nil) == (r.Below == nil) {
			return fmt.Errorf("vital_critical rules need exactly one of above or below")
		}
	case KindDocument:
		if len(r.terms) == 0 && len(r.Categories) == 0 {
			return fmt.Errorf("document rules need terms or categories")
		}
		if r.Severity > datatypes.SeverityAdvisory {
			return fmt.Errorf("document rules may not exceed advisory")
		}
	}
	return nil
}

func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Severity != rules[j].Severity {
			return rules[i].Severity < rules[j].Severity
		}
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

// firstTerm returns the first rule term found in the lower-cased text.
func (r *Rule) firstTerm(lower string) (string, bool) {
	for _, t := range r.terms {
		if strings.Contains(lower, t) {
			return t, true
		}
	}
	return "", false
}
