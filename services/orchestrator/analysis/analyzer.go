// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analysis turns raw metric samples into statistical findings.
//
// The Analyzer is a pure function of its input: no I/O, no clocks, no shared
// state. Mean and standard deviation use the sample (n-1) estimator from
// gonum. A sample is anomalous when it leaves the absolute safe range for its
// kind, or when it lies more than DeviationThreshold standard deviations from
// the series mean. Absolute-range violations always win as the reason.
package analysis

import (
	"fmt"
	"math"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"gonum.org/v1/gonum/stat"
)

// DefaultDeviationThreshold is the default number of sample standard
// deviations from the mean beyond which a sample is a statistical outlier.
const DefaultDeviationThreshold = 2.0

// maxDataQualityNotes bounds the notes kept per finding so a badly broken
// series cannot flood the prompt.
const maxDataQualityNotes = 20

// Config controls anomaly detection.
type Config struct {
	// DeviationThreshold is the sigma multiplier. Must be > 0.
	DeviationThreshold float64
	// SafeRanges holds absolute ranges per kind. Kinds without an entry are
	// only checked statistically.
	SafeRanges map[datatypes.MetricKind]SafeRange
}

// DefaultConfig returns a 2.0 sigma threshold and DefaultSafeRanges.
func DefaultConfig() Config {
	return Config{
		DeviationThreshold: DefaultDeviationThreshold,
		SafeRanges:         DefaultSafeRanges(),
	}
}

// Analyzer computes findings. Safe for concurrent use after construction.
type Analyzer struct {
	threshold float64
	ranges    map[datatypes.MetricKind]SafeRange
}

// New validates cfg and returns an Analyzer.
//
// # Inputs
//
//   - cfg: Threshold and safe ranges. A zero threshold selects the default.
//
// # Outputs
//
//   - *Analyzer: Ready to use.
//   - error: Non-nil for a negative threshold, an unknown kind, or an
//     inverted range.
func New(cfg Config) (*Analyzer, error) {
	if cfg.DeviationThreshold == 0 {
		cfg.DeviationThreshold = DefaultDeviationThreshold
	}
	if cfg.DeviationThreshold < 0 || math.IsNaN(cfg.DeviationThreshold) {
		return nil, fmt.Errorf("deviation threshold must be positive, got %v", cfg.DeviationThreshold)
	}

	ranges := make(map[datatypes.MetricKind]SafeRange, len(cfg.SafeRanges))
	for kind, r := range cfg.SafeRanges {
		if !kind.Valid() {
			return nil, fmt.Errorf("safe range for %w: %q", datatypes.ErrUnknownMetricKind, kind)
		}
		if err := r.Primary.validate(); err != nil {
			return nil, fmt.Errorf("safe range for %s: %w", kind, err)
		}
		if r.Secondary != nil {
			if err := r.Secondary.validate(); err != nil {
				return nil, fmt.Errorf("secondary safe range for %s: %w", kind, err)
			}
		}
		ranges[kind] = r
	}

	return &Analyzer{threshold: cfg.DeviationThreshold, ranges: ranges}, nil
}

// Threshold returns the configured sigma multiplier.
func (a *Analyzer) Threshold() float64 {
	return a.threshold
}

// Analyze produces one Finding per requested kind.
//
// # Description
//
// Kinds are taken from the kinds argument; if it is empty, every kind present
// in series is analyzed. Output follows canonical kind order regardless of
// map iteration order. A requested kind that is missing from series, or has
// no valid samples, yields an insufficient_data finding.
//
// # Inputs
//
//   - series: Samples grouped by kind.
//   - kinds: Kinds to report on.
//
// # Outputs
//
//   - []datatypes.Finding: Never nil.
//
// # Assumptions
//
//   - Kinds have been validated by the caller. Unknown kinds are still
//     reported, with insufficient_data, rather than dropped.
func (a *Analyzer) Analyze(series map[datatypes.MetricKind]datatypes.MetricSeries, kinds []datatypes.MetricKind) []datatypes.Finding {
	requested := make([]datatypes.MetricKind, 0, len(kinds))
	seen := make(map[datatypes.MetricKind]bool)
	if len(kinds) == 0 {
		for k := range series {
			kinds = append(kinds, k)
		}
	}
	for _, k := range kinds {
		if !seen[k] {
			seen[k] = true
			requested = append(requested, k)
		}
	}
	datatypes.SortMetricKinds(requested)

	findings := make([]datatypes.Finding, 0, len(requested))
	for _, kind := range requested {
		s, ok := series[kind]
		if !ok {
			s = datatypes.MetricSeries{Kind: kind}
		}
		findings = append(findings, a.analyzeSeries(kind, s))
	}
	return findings
}

// observation is one sample that passed validation.
type observation struct {
	ts        time.Time
	primary   float64
	secondary *float64
}

// analyzeSeries computes the finding for a single kind.
func (a *Analyzer) analyzeSeries(kind datatypes.MetricKind, s datatypes.MetricSeries) datatypes.Finding {
	f := datatypes.Finding{
		MetricKind:         kind,
		Unit:               kind.DefaultUnit(),
		AnomalyReason:      datatypes.ReasonNone,
		AffectedSampleRefs: []datatypes.SampleRef{},
		DataQualityNotes:   []string{},
	}

	obs, unit, notes := collect(kind, s)
	if unit != "" {
		f.Unit = unit
	}
	for _, n := range notes {
		addNote(&f, n)
	}

	if len(obs) == 0 {
		f.AnomalyReason = datatypes.ReasonInsufficientData
		return f
	}

	values := make([]float64, len(obs))
	for i, o := range obs {
		values[i] = o.primary
	}
	f.SampleCount = len(values)
	f.Min, f.Max = values[0], values[0]
	for _, v := range values[1:] {
		f.Min = math.Min(f.Min, v)
		f.Max = math.Max(f.Max, v)
	}

	switch {
	case len(values) < 2:
		f.Mean = values[0]
		addNote(&f, "fewer than 2 samples: standard deviation undefined, reported as 0")
	case f.Min == f.Max:
		// Uniform series: avoid float residue from the two-pass variance.
		f.Mean = values[0]
	default:
		f.Mean, f.StdDev = stat.MeanStdDev(values, nil)
	}

	safe, hasRange := a.ranges[kind]
	var absolute, statistical bool
	for _, o := range obs {
		if hasRange {
			refs := absoluteViolations(kind, safe, o)
			if len(refs) > 0 {
				f.AffectedSampleRefs = append(f.AffectedSampleRefs, refs...)
				absolute = true
				continue
			}
		}
		if f.StdDev > 0 && math.Abs(o.primary-f.Mean) > a.threshold*f.StdDev {
			dir := datatypes.DirectionHigh
			if o.primary < f.Mean {
				dir = datatypes.DirectionLow
			}
			f.AffectedSampleRefs = append(f.AffectedSampleRefs, datatypes.SampleRef{
				Timestamp: o.ts,
				Value:     o.primary,
				Reason:    datatypes.ReasonStatisticalDeviation,
				Direction: dir,
				Component: primaryComponent(kind),
			})
			statistical = true
		}
	}

	switch {
	case absolute:
		f.Anomaly = true
		f.AnomalyReason = datatypes.ReasonAbsoluteRange
	case statistical:
		f.Anomaly = true
		f.AnomalyReason = datatypes.ReasonStatisticalDeviation
	}
	return f
}

// absoluteViolations checks one observation against its safe range. Blood
// pressure may violate on both components and then yields two refs.
func absoluteViolations(kind datatypes.MetricKind, safe SafeRange, o observation) []datatypes.SampleRef {
	var refs []datatypes.SampleRef
	if !safe.Primary.Contains(o.primary) {
		refs = append(refs, datatypes.SampleRef{
			Timestamp: o.ts,
			Value:     o.primary,
			Reason:    datatypes.ReasonAbsoluteRange,
			Direction: safe.Primary.Direction(o.primary),
			Component: primaryComponent(kind),
		})
	}
	if safe.Secondary != nil && o.secondary != nil && !safe.Secondary.Contains(*o.secondary) {
		refs = append(refs, datatypes.SampleRef{
			Timestamp: o.ts,
			Value:     *o.secondary,
			Reason:    datatypes.ReasonAbsoluteRange,
			Direction: safe.Secondary.Direction(*o.secondary),
			Component: "diastolic",
		})
	}
	return refs
}

func primaryComponent(kind datatypes.MetricKind) string {
	if kind == datatypes.MetricBloodPressure {
		return "systolic"
	}
	return ""
}

// collect validates samples and returns the usable ones, the series unit, and
// a note for every sample that was excluded.
func collect(kind datatypes.MetricKind, s datatypes.MetricSeries) ([]observation, string, []string) {
	var (
		out   []observation
		notes []string
		unit  string
		last  time.Time
	)
	for _, sample := range s.Samples {
		ts := sample.Timestamp.UTC().Format(time.RFC3339)
		if sample.Kind != "" && sample.Kind != kind {
			notes = append(notes, fmt.Sprintf("excluded sample at %s: kind %q does not match series", ts, sample.Kind))
			continue
		}
		primary, ok := sample.Value.Primary()
		if !ok {
			notes = append(notes, fmt.Sprintf("excluded sample at %s: malformed value", ts))
			continue
		}
		if !s.Since.IsZero() && !s.InWindow(sample.Timestamp) {
			notes = append(notes, fmt.Sprintf("excluded sample at %s: timestamp outside analysis window", ts))
			continue
		}
		if kind == datatypes.MetricBloodPressure && !sample.Value.IsPair() {
			notes = append(notes, fmt.Sprintf("excluded sample at %s: blood pressure requires systolic and diastolic", ts))
			continue
		}
		if sample.Unit != "" {
			if unit == "" {
				unit = sample.Unit
			} else if sample.Unit != unit {
				notes = append(notes, fmt.Sprintf("excluded sample at %s: unit %q differs from %q", ts, sample.Unit, unit))
				continue
			}
		}
		if sample.Timestamp.Before(last) {
			notes = append(notes, fmt.Sprintf("sample at %s is out of timestamp order", ts))
		} else {
			last = sample.Timestamp
		}

		o := observation{ts: sample.Timestamp, primary: primary}
		if sample.Value.IsPair() {
			d := *sample.Value.Diastolic
			o.secondary = &d
		}
		out = append(out, o)
	}
	return out, unit, notes
}

func addNote(f *datatypes.Finding, note string) {
	switch {
	case len(f.DataQualityNotes) < maxDataQualityNotes:
		f.DataQualityNotes = append(f.DataQualityNotes, note)
	case len(f.DataQualityNotes) == maxDataQualityNotes:
		f.DataQualityNotes = append(f.DataQualityNotes, "further data quality notes omitted")
	}
}
