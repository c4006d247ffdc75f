// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safety decides how urgently an answer must steer the user toward care.
package safety

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
)

// Classifier produces the single governing SafetyFlag for one answer.
type Classifier interface {
	Classify(question string, findings []datatypes.Finding, docs []datatypes.RetrievedDocument) datatypes.SafetyFlag
}

// escalator moves severity monotonically upward and records each step.
type escalator struct {
	flag datatypes.SafetyFlag
}

func newEscalator() *escalator {
	return &escalator{flag: datatypes.SafetyFlag{Severity: datatypes.SeverityNone, Audit: []datatypes.SafetyEscalation{}}}
}

// raise applies an escalation if to is strictly above the current severity.
// It reports whether the flag changed.
func (e *escalator) raise(to datatypes.Severity, ruleID, reason, trigger string) bool {
	if to <= e.flag.Severity {
		return false
	}
	e.flag.Audit = append(e.flag.Audit, datatypes.SafetyEscalation{
		From:    e.flag.Severity,
		To:      to,
		RuleID:  ruleID,
		Reason:  reason,
		Trigger: trigger,
	})
	e.flag.Severity = to
	e.flag.TriggerReason = reason
	e.flag.MatchedTrigger = trigger
	return true
}

func (e *escalator) result() datatypes.SafetyFlag {
	return e.flag
}

// RuleClassifier evaluates curated rules. It is pure and deterministic.
//
// # Description
//
// Rules run in severity order, lowest first, and by priority within a
// severity. Only strict increases are applied, so the final flag carries
// the first matching rule at the highest matched severity and the audit
// trail shows every step that got there.
//
// # Limitations
//
//   - Term matching is substring based and does not understand negation
//     ("no chest pain" still matches "chest pain").
type RuleClassifier struct {
	rules []Rule
}

// NewRuleClassifier loads rules from data. Pass DefaultRules for the
// curated set.
func NewRuleClassifier(data []byte) (*RuleClassifier, error) {
	rules, err := ParseRules(data)
	if err != nil {
		return nil, err
	}
	return &RuleClassifier{rules: rules}, nil
}

// Rules returns the evaluation order. The slice must not be modified.
func (c *RuleClassifier) Rules() []Rule {
	return c.rules
}

// Classify implements Classifier.
func (c *RuleClassifier) Classify(question string, findings []datatypes.Finding, docs []datatypes.RetrievedDocument) datatypes.SafetyFlag {
	esc := newEscalator()
	lower := strings.ToLower(question)
	for i := range c.rules {
		r := &c.rules[i]
		if r.Severity <= esc.flag.Severity {
			continue
		}
		if reason, trigger, ok := r.match(lower, findings, docs); ok {
			severity := r.Severity
			if r.Kind == KindDocument && severity > datatypes.SeverityAdvisory {
				severity = datatypes.SeverityAdvisory
			}
			esc.raise(severity, r.ID, reason, trigger)
		}
	}
	return esc.result()
}

func (r *Rule) match(lowerQuestion string, findings []datatypes.Finding, docs []datatypes.RetrievedDocument) (reason, trigger string, ok bool) {
	switch r.Kind {
	case KindAnomaly:
		for _, f := range findings {
			if f.Anomaly && (r.metric == "" || f.MetricKind == r.metric) {
				return r.Description, fmt.Sprintf("%s %s", f.MetricKind, f.AnomalyReason), true
			}
		}
	case KindQuestionTerm:
		if term, found := r.firstTerm(lowerQuestion); found {
			return r.Description, term, true
		}
	case KindCombination:
		term, found := r.firstTerm(lowerQuestion)
		if !found {
			return "", "", false
		}
		for _, f := range findings {
			if f.Anomaly && f.MetricKind == r.metric && f.HasDirection(datatypes.Direction(r.Direction)) {
				return r.Description, fmt.Sprintf("%s + %s %s", term, f.MetricKind, r.Direction), true
			}
		}
	case KindVitalCritical:
		for _, f := range findings {
			if f.MetricKind != r.metric {
				continue
			}
			for _, ref := range f.AffectedSampleRefs {
				if ref.Reason != datatypes.ReasonAbsoluteRange {
					continue
				}
				if r.Component != "" && ref.Component != r.Component {
					continue
				}
				if (r.Above != nil && ref.Value > *r.Above) || (r.Below != nil && ref.Value < *r.Below) {
					return r.Description, fmt.Sprintf("%s %g at %s", vitalLabel(f.MetricKind, ref.Component), ref.Value,
						ref.Timestamp.UTC().Format("2006-01-02T15:04Z")), true
				}
			}
		}
	case KindDocument:
		for _, d := range docs {
			for _, cat := range r.Categories {
				if strings.EqualFold(d.Metadata.Category, cat) {
					return r.Description, fmt.Sprintf("document [%d] category %s", d.Rank, d.Metadata.Category), true
				}
			}
			if term, found := r.firstTerm(strings.ToLower(d.Text)); found {
				return r.Description, fmt.Sprintf("document [%d] mentions %q", d.Rank, term), true
			}
		}
	}
	return "", "", false
}

func vitalLabel(kind datatypes.MetricKind, component string) string {
	if component != "" {
		return component
	}
	return string(kind)
}
