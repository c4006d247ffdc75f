// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
)

// AnswerRenderer prints one answer, streamed or whole.
//
// # Description
//
// People see tokens as they arrive, then the safety verdict, the findings
// and the citations. Machine output skips the live tokens and prints the
// final reply followed by tab-separated SAFETY, FINDING and CITATION lines.
type AnswerRenderer struct {
	p        *Printer
	streamed bool
}

// NewAnswerRenderer renders through p.
func NewAnswerRenderer(p *Printer) *AnswerRenderer {
	return &AnswerRenderer{p: p}
}

// Token prints streamed reply text.
func (r *AnswerRenderer) Token(text string) {
	if r.p.level == PersonalityMachine || text == "" {
		return
	}
	r.streamed = true
	fmt.Fprint(r.p.out, text)
}

// Response prints the final answer.
func (r *AnswerRenderer) Response(resp *datatypes.AgentResponse) {
	if resp == nil {
		return
	}
	if r.p.level == PersonalityMachine {
		r.machine(resp)
		return
	}

	if r.streamed {
		fmt.Fprintln(r.p.out)
	} else {
		fmt.Fprintln(r.p.out, resp.ReplyText)
	}
	fmt.Fprintln(r.p.out)

	r.safety(resp.SafetyFlag)
	r.findings(resp.FindingsUsed)
	r.citations(resp.Citations)
}

func (r *AnswerRenderer) machine(resp *datatypes.AgentResponse) {
	out := r.p.out
	fmt.Fprintln(out, resp.ReplyText)
	fmt.Fprintf(out, "SAFETY\t%s\t%s\n", resp.SafetyFlag.Severity, resp.SafetyFlag.TriggerReason)
	for _, f := range resp.FindingsUsed {
		fmt.Fprintf(out, "FINDING\t%s\t%s\n", f.MetricKind, findingSummary(f))
	}
	for _, c := range resp.Citations {
		fmt.Fprintf(out, "CITATION\t%d\t%s\t%s\t%t\n", c.Marker, c.DocumentID, citationLabel(c), c.Referenced)
	}
}

func (r *AnswerRenderer) safety(flag datatypes.SafetyFlag) {
	switch flag.Severity {
	case datatypes.SeverityEmergency:
		r.p.ErrorBox("Emergency", flag.TriggerReason)
	case datatypes.SeverityAdvisory:
		r.p.WarningBox("Advisory", flag.TriggerReason)
	}
}

func (r *AnswerRenderer) findings(findings []datatypes.Finding) {
	if len(findings) == 0 {
		return
	}
	r.p.Title("Findings")
	for _, f := range findings {
		line := fmt.Sprintf("%s %s", f.MetricKind, findingSummary(f))
		if f.Anomaly {
			line = Styles.Warning.Render(line)
		}
		fmt.Fprintf(r.p.out, "  %s %s\n", IconBullet.Render(), line)
	}
}

func (r *AnswerRenderer) citations(citations []datatypes.Citation) {
	if len(citations) == 0 {
		return
	}
	r.p.Title("Sources")
	for _, c := range citations {
		line := fmt.Sprintf("[%d] %s", c.Marker, citationLabel(c))
		if c.URL != "" {
			line += " " + c.URL
		}
		if !c.Referenced {
			line = Styles.Muted.Render(line + " (not cited)")
		}
		fmt.Fprintf(r.p.out, "  %s\n", line)
	}
}

func findingSummary(f datatypes.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "mean=%.1f sd=%.1f min=%.1f max=%.1f n=%d", f.Mean, f.StdDev, f.Min, f.Max, f.SampleCount)
	if f.Unit != "" {
		fmt.Fprintf(&b, " unit=%s", f.Unit)
	}
	if f.Anomaly {
		fmt.Fprintf(&b, " anomaly=%s", f.AnomalyReason)
	}
	if len(f.DataQualityNotes) > 0 {
		fmt.Fprintf(&b, " notes=%q", strings.Join(f.DataQualityNotes, "; "))
	}
	return b.String()
}

func citationLabel(c datatypes.Citation) string {
	switch {
	case c.Title != "" && c.Source != "":
		return fmt.Sprintf("%s (%s)", c.Title, c.Source)
	case c.Title != "":
		return c.Title
	case c.Source != "":
		return c.Source
	default:
		return c.DocumentID
	}
}
