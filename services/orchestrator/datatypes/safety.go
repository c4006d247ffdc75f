// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Severity is the escalation level of a safety verdict. The numeric order is
// significant: a higher value is always more severe.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityAdvisory
	SeverityEmergency
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityAdvisory:
		return "advisory"
	case SeverityEmergency:
		return "emergency"
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// ParseSeverity accepts "none", "advisory" or "emergency", case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return SeverityNone, nil
	case "advisory":
		return SeverityAdvisory, nil
	case "emergency":
		return SeverityEmergency, nil
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// UnmarshalYAML lets rule files spell severities as words.
func (s *Severity) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	parsed, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// SafetyEscalation is one step in the classifier's audit trail.
type SafetyEscalation struct {
	From    Severity `json:"from"`
	To      Severity `json:"to"`
	RuleID  string   `json:"rule_id"`
	Reason  string   `json:"reason"`
	Trigger string   `json:"trigger"`
}

// SafetyFlag is the single governing safety verdict for one answer.
//
// It is never a citation source. Audit lists every escalation in the order
// it was applied, so the final Severity always equals the last entry's To.
type SafetyFlag struct {
	Severity       Severity           `json:"severity"`
	TriggerReason  string             `json:"trigger_reason,omitempty"`
	MatchedTrigger string             `json:"matched_trigger,omitempty"`
	Audit          []SafetyEscalation `json:"audit"`
}
