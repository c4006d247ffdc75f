// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
)

// maxRefsInPrompt bounds the affected samples listed per finding.
const maxRefsInPrompt = 5

// BuildMessages assembles the chat messages for one answer.
//
// # Description
//
// Order: one system message (instructions plus the safety preamble when
// the severity is above none), then up to maxHistory prior turns oldest
// first, then one user message holding the question, the findings and the
// numbered documents.
func BuildMessages(in ComposeInput, maxHistory int) []datatypes.Message {
	system := systemInstructions
	switch in.Safety.Severity {
	case datatypes.SeverityEmergency:
		system += "\n\n" + emergencyPreamble
	case datatypes.SeverityAdvisory:
		system += "\n\n" + advisoryPreamble
	}

	history := in.History
	if maxHistory > 0 && len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}

	messages := make([]datatypes.Message, 0, len(history)+2)
	messages = append(messages, datatypes.Message{Role: string(datatypes.RoleSystem), Content: system})
	for _, t := range history {
		if t.Role != datatypes.RoleUser && t.Role != datatypes.RoleAssistant {
			continue
		}
		messages = append(messages, datatypes.Message{Role: string(t.Role), Content: t.Text})
	}

	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(strings.TrimSpace(in.Question))
	b.WriteString("\n\nHealth data summary:\n")
	b.WriteString(RenderFindings(in.Findings))
	b.WriteString("\nReference documents:\n")
	b.WriteString(RenderDocuments(in.Documents))
	messages = append(messages, datatypes.Message{Role: string(datatypes.RoleUser), Content: b.String()})
	return messages
}

// RenderFindings writes one line per finding, including kinds without data.
func RenderFindings(findings []datatypes.Finding) string {
	if len(findings) == 0 {
		return "(no metrics requested)\n"
	}
	var b strings.Builder
	for _, f := range findings {
		if f.SampleCount == 0 {
			fmt.Fprintf(&b, "- %s: no data in the window (insufficient_data)\n", f.MetricKind)
		} else {
			fmt.Fprintf(&b, "- %s: mean %.1f %s, stddev %.1f, range %.1f to %.1f, %d samples",
				f.MetricKind, f.Mean, f.Unit, f.StdDev, f.Min, f.Max, f.SampleCount)
			if f.Anomaly {
				fmt.Fprintf(&b, ", ANOMALY (%s)", f.AnomalyReason)
			}
			b.WriteString("\n")
			for i, r := range f.AffectedSampleRefs {
				if i == maxRefsInPrompt {
					fmt.Fprintf(&b, "    ... %d more flagged samples\n", len(f.AffectedSampleRefs)-maxRefsInPrompt)
					break
				}
				label := string(r.Reason)
				if r.Component != "" {
					label = r.Component + " " + label
				}
				fmt.Fprintf(&b, "    %s %s: %g (%s)\n", r.Timestamp.UTC().Format(time.RFC3339), r.Direction, r.Value, label)
			}
		}
		for _, note := range f.DataQualityNotes {
			fmt.Fprintf(&b, "    data quality: %s\n", note)
		}
	}
	return b.String()
}

// RenderDocuments writes each document under its [rank] marker.
func RenderDocuments(docs []datatypes.RetrievedDocument) string {
	if len(docs) == 0 {
		return "(no reference documents available; answer from general knowledge and say that no sources were found)\n"
	}
	var b strings.Builder
	for _, d := range docs {
		fmt.Fprintf(&b, "[%d] %s", d.Rank, documentTitle(d))
		var meta []string
		if d.Metadata.Source != "" {
			meta = append(meta, "source: "+d.Metadata.Source)
		}
		if !d.Metadata.Date.IsZero() {
			meta = append(meta, "date: "+d.Metadata.Date.UTC().Format("2006-01-02"))
		}
		if len(meta) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(meta, ", "))
		}
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(d.Text))
		b.WriteString("\n\n")
	}
	return b.String()
}

func documentTitle(d datatypes.RetrievedDocument) string {
	if d.Metadata.Title != "" {
		return d.Metadata.Title
	}
	if d.Metadata.Source != "" {
		return d.Metadata.Source
	}
	return d.ID
}
