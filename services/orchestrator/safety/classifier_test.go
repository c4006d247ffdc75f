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
	"testing"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC)

func newTestClassifier(t *testing.T) *RuleClassifier {
	t.Helper()
	c, err := NewRuleClassifier(DefaultRules)
	require.NoError(t, err)
	return c
}

func absoluteFinding(kind datatypes.MetricKind, value float64, dir datatypes.Direction, component string) datatypes.Finding {
	return datatypes.Finding{
		MetricKind:    kind,
		SampleCount:   10,
		Anomaly:       true,
		AnomalyReason: datatypes.ReasonAbsoluteRange,
		AffectedSampleRefs: []datatypes.SampleRef{{
			Timestamp: at, Value: value, Reason: datatypes.ReasonAbsoluteRange, Direction: dir, Component: component,
		}},
	}
}

func TestDefaultRulesLoadInEvaluationOrder(t *testing.T) {
	c := newTestClassifier(t)
	rules := c.Rules()
	require.NotEmpty(t, rules)
	for i := 1; i < len(rules); i++ {
		prev, cur := rules[i-1], rules[i]
		require.LessOrEqual(t, prev.Severity, cur.Severity)
		if prev.Severity == cur.Severity {
			require.GreaterOrEqual(t, prev.Priority, cur.Priority)
		}
	}
	for _, r := range rules {
		if r.Kind == KindDocument {
			assert.Equal(t, datatypes.SeverityAdvisory, r.Severity)
		}
	}
}

func TestClassify(t *testing.T) {
	c := newTestClassifier(t)
	normal := datatypes.Finding{MetricKind: datatypes.MetricHeartRate, SampleCount: 20, AnomalyReason: datatypes.ReasonNone}

	tests := []struct {
		name     string
		question string
		findings []datatypes.Finding
		docs     []datatypes.RetrievedDocument
		want     datatypes.Severity
		rule     string
	}{
		{"nothing", "How much should I sleep?", []datatypes.Finding{normal}, nil, datatypes.SeverityNone, ""},
		{"anomaly is advisory", "Is my heart rate ok?",
			[]datatypes.Finding{absoluteFinding(datatypes.MetricHeartRate, 190, datatypes.DirectionHigh, "")}, nil,
			datatypes.SeverityAdvisory, "ADVISORY_ANOMALY"},
		{"emergency term", "I have CRUSHING chest pain right now", nil, nil,
			datatypes.SeverityEmergency, "EMERGENCY_CHEST_PAIN"},
		{"shortness of breath", "sudden shortness of breath after a run", nil, nil,
			datatypes.SeverityEmergency, "EMERGENCY_BREATHING"},
		{"combination", "I've had chest pain since this morning",
			[]datatypes.Finding{absoluteFinding(datatypes.MetricHeartRate, 185, datatypes.DirectionHigh, "")}, nil,
			datatypes.SeverityEmergency, "COMBO_CHEST_PAIN_HR_HIGH"},
		{"combination needs direction", "I've had chest pain since this morning",
			[]datatypes.Finding{absoluteFinding(datatypes.MetricHeartRate, 38, datatypes.DirectionLow, "")}, nil,
			datatypes.SeverityAdvisory, "ADVISORY_ANOMALY"},
		{"critical spo2", "how is my oxygen?",
			[]datatypes.Finding{absoluteFinding(datatypes.MetricOxygenSaturation, 86, datatypes.DirectionLow, "")}, nil,
			datatypes.SeverityEmergency, "VITAL_SPO2_CRITICAL"},
		{"spo2 low but not critical", "how is my oxygen?",
			[]datatypes.Finding{absoluteFinding(datatypes.MetricOxygenSaturation, 89, datatypes.DirectionLow, "")}, nil,
			datatypes.SeverityAdvisory, "ADVISORY_ANOMALY"},
		{"critical diastolic", "blood pressure?",
			[]datatypes.Finding{absoluteFinding(datatypes.MetricBloodPressure, 125, datatypes.DirectionHigh, "diastolic")}, nil,
			datatypes.SeverityEmergency, "VITAL_DIASTOLIC_CRITICAL"},
		{"systolic rule ignores diastolic component", "blood pressure?",
			[]datatypes.Finding{absoluteFinding(datatypes.MetricBloodPressure, 119, datatypes.DirectionHigh, "diastolic")}, nil,
			datatypes.SeverityAdvisory, "ADVISORY_ANOMALY"},
		{"critical hr", "heart?",
			[]datatypes.Finding{absoluteFinding(datatypes.MetricHeartRate, 210, datatypes.DirectionHigh, "")}, nil,
			datatypes.SeverityEmergency, "VITAL_HR_CRITICAL_HIGH"},
		{"document category is advisory only", "What are the warning signs?", nil,
			[]datatypes.RetrievedDocument{{ID: "d", Rank: 1, Text: "x", Metadata: datatypes.DocumentMetadata{Category: "emergency"}}},
			datatypes.SeverityAdvisory, "ADVISORY_EMERGENCY_DOCUMENT"},
		{"document text cannot force emergency", "What is a normal resting pulse?", nil,
			[]datatypes.RetrievedDocument{{ID: "d", Rank: 2, Text: "If unconscious, call emergency services. Stroke signs: face drooping."}},
			datatypes.SeverityAdvisory, "ADVISORY_EMERGENCY_DOCUMENT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flag := c.Classify(tt.question, tt.findings, tt.docs)
			assert.Equal(t, tt.want, flag.Severity)
			require.NotNil(t, flag.Audit)
			if tt.rule == "" {
				assert.Empty(t, flag.Audit)
				return
			}
			last := flag.Audit[len(flag.Audit)-1]
			assert.Equal(t, tt.rule, last.RuleID)
			assert.Equal(t, tt.want, last.To)
			assert.NotEmpty(t, flag.TriggerReason)
			assert.NotEmpty(t, flag.MatchedTrigger)
		})
	}
}

func TestClassify_AuditIsMonotonic(t *testing.T) {
	c := newTestClassifier(t)
	flag := c.Classify("fainting spells and chest pain",
		[]datatypes.Finding{absoluteFinding(datatypes.MetricHeartRate, 190, datatypes.DirectionHigh, "")},
		[]datatypes.RetrievedDocument{{ID: "d", Rank: 1, Metadata: datatypes.DocumentMetadata{Category: "emergency"}}})

	require.Len(t, flag.Audit, 2)
	assert.Equal(t, datatypes.SeverityNone, flag.Audit[0].From)
	assert.Equal(t, datatypes.SeverityAdvisory, flag.Audit[0].To)
	assert.Equal(t, datatypes.SeverityAdvisory, flag.Audit[1].From)
	assert.Equal(t, datatypes.SeverityEmergency, flag.Audit[1].To)
	assert.Equal(t, "EMERGENCY_CONSCIOUSNESS", flag.Audit[1].RuleID)
	assert.Equal(t, "fainting", flag.MatchedTrigger)
}

func TestClassify_Deterministic(t *testing.T) {
	c := newTestClassifier(t)
	findings := []datatypes.Finding{absoluteFinding(datatypes.MetricHeartRate, 190, datatypes.DirectionHigh, "")}
	first := c.Classify("chest pain", findings, nil)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, c.Classify("chest pain", findings, nil))
	}
}

func TestEscalator_RefusesDowngrade(t *testing.T) {
	e := newEscalator()
	assert.True(t, e.raise(datatypes.SeverityEmergency, "A", "r", "t"))
	assert.False(t, e.raise(datatypes.SeverityAdvisory, "B", "r2", "t2"))
	assert.False(t, e.raise(datatypes.SeverityEmergency, "C", "r3", "t3"))
	flag := e.result()
	assert.Equal(t, datatypes.SeverityEmergency, flag.Severity)
	assert.Len(t, flag.Audit, 1)
	assert.Equal(t, "t", flag.MatchedTrigger)
}

func TestParseRules_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", "rules: []"},
		{"bad kind", "rules:\n  - {id: A, kind: vibes, severity: advisory}"},
		{"bad severity", "rules:\n  - {id: A, kind: anomaly, severity: catastrophic}"},
		{"none severity", "rules:\n  - {id: A, kind: anomaly, severity: none}"},
		{"duplicate id", "rules:\n  - {id: A, kind: anomaly, severity: advisory}\n  - {id: A, kind: anomaly, severity: advisory}"},
		{"term rule without terms", "rules:\n  - {id: A, kind: question_term, severity: emergency}"},
		{"document emergency", "rules:\n  - {id: A, kind: document, severity: emergency, categories: [emergency]}"},
		{"vital with both bounds", "rules:\n  - {id: A, kind: vital_critical, severity: emergency, metric: hr, above: 1, below: 2}"},
		{"unknown metric", "rules:\n  - {id: A, kind: vital_critical, severity: emergency, metric: mood, above: 1}"},
		{"combination bad direction", "rules:\n  - {id: A, kind: combination, severity: emergency, metric: hr, terms: [x], direction: up}"},
		{"malformed", "rules: [:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRules([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
