// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy_engine classifies text against embedded data patterns.
//
// Questions are screened for credentials before they reach a provider, and
// knowledge uploads are screened for credentials and personal identifiers
// before they are indexed.
package policy_engine

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianHealth/services/policy_engine/enforcement"
	"gopkg.in/yaml.v3"
)

// PolicyEngine holds the compiled classifications, highest priority first.
// It is safe for concurrent use.
type PolicyEngine struct {
	Classifiers []Classification
}

// NewPolicyEngine loads the embedded patterns.
func NewPolicyEngine() (*PolicyEngine, error) {
	return NewPolicyEngineFromYAML(enforcement.DataClassificationPatterns)
}

// NewPolicyEngineFromYAML loads patterns from data.
//
// # Outputs
//
//   - *PolicyEngine: Classifications compiled and sorted by priority.
//   - error: Non-nil for malformed YAML or an invalid regex.
func NewPolicyEngineFromYAML(data []byte) (*PolicyEngine, error) {
	var file PolicyEngineClassificationFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the policy file: %w", err)
	}
	if err := file.CompileRegexes(); err != nil {
		return nil, fmt.Errorf("failed to compile a regex: %w", err)
	}
	file.SortByPriority()
	return &PolicyEngine{Classifiers: file.ClassificationPatterns}, nil
}

// ClassifyData returns the name of the highest priority classification that
// matches data, or "public".
func (e *PolicyEngine) ClassifyData(data []byte) string {
	for _, c := range e.Classifiers {
		for _, p := range c.Patterns {
			if p.compiledPattern.Match(data) {
				return c.Name
			}
		}
	}
	return "public"
}

// Scan returns every match in content for the named classifications. No
// names means all classifications.
func (e *PolicyEngine) Scan(content string, classes ...string) []ScanFinding {
	want := make(map[string]bool, len(classes))
	for _, c := range classes {
		want[c] = true
	}
	var findings []ScanFinding
	lines := strings.Split(content, "\n")
	for lineNum, line := range lines {
		for _, c := range e.Classifiers {
			if len(want) > 0 && !want[c.Name] {
				continue
			}
			for _, p := range c.Patterns {
				match := p.compiledPattern.FindString(line)
				if match == "" {
					continue
				}
				findings = append(findings, ScanFinding{
					LineNumber:         lineNum + 1,
					MatchedContent:     mask(strings.TrimSpace(match)),
					ClassificationName: c.Name,
					PatternId:          p.Id,
					PatternDescription: p.Description,
					Confidence:         p.Confidence,
				})
			}
		}
	}
	return findings
}

// mask keeps the first and last two characters of a match.
func mask(s string) string {
	if len(s) <= 6 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
