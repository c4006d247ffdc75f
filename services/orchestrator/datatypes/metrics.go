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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// Metric Kinds
// =============================================================================

// MetricKind identifies one class of personal health measurement.
type MetricKind string

const (
	MetricHeartRate        MetricKind = "hr"
	MetricHRV              MetricKind = "hrv"
	MetricSteps            MetricKind = "steps"
	MetricSleep            MetricKind = "sleep"
	MetricWeight           MetricKind = "weight"
	MetricBloodPressure    MetricKind = "blood_pressure"
	MetricTemperature      MetricKind = "temperature"
	MetricGlucose          MetricKind = "glucose"
	MetricOxygenSaturation MetricKind = "oxygen_saturation"
)

// ErrUnknownMetricKind is returned when a caller names a kind outside AllMetricKinds.
var ErrUnknownMetricKind = errors.New("unknown metric kind")

// AllMetricKinds lists every supported kind in canonical order. Findings are
// always emitted in this order.
var AllMetricKinds = []MetricKind{
	MetricHeartRate,
	MetricHRV,
	MetricSteps,
	MetricSleep,
	MetricWeight,
	MetricBloodPressure,
	MetricTemperature,
	MetricGlucose,
	MetricOxygenSaturation,
}

// DefaultMetricKinds is used when a request does not name any kinds.
var DefaultMetricKinds = []MetricKind{MetricHeartRate, MetricHRV, MetricSteps, MetricSleep}

var metricKindOrder = func() map[MetricKind]int {
	m := make(map[MetricKind]int, len(AllMetricKinds))
	for i, k := range AllMetricKinds {
		m[k] = i
	}
	return m
}()

// Valid reports whether k is a supported kind.
func (k MetricKind) Valid() bool {
	_, ok := metricKindOrder[k]
	return ok
}

// DefaultUnit returns the unit assumed when a sample omits one.
func (k MetricKind) DefaultUnit() string {
	switch k {
	case MetricHeartRate:
		return "bpm"
	case MetricHRV:
		return "ms"
	case MetricSteps:
		return "count"
	case MetricSleep:
		return "h"
	case MetricWeight:
		return "kg"
	case MetricBloodPressure:
		return "mmHg"
	case MetricTemperature:
		return "C"
	case MetricGlucose:
		return "mg/dL"
	case MetricOxygenSaturation:
		return "%"
	}
	return ""
}

// ParseMetricKind normalizes and validates a single kind name.
//
// # Description
//
// Lower-cases and trims the input, then checks it against AllMetricKinds.
//
// # Inputs
//
//   - s: Kind name, e.g. "HR" or " blood_pressure ".
//
// # Outputs
//
//   - MetricKind: The parsed kind.
//   - error: Wraps ErrUnknownMetricKind if s is not supported.
func ParseMetricKind(s string) (MetricKind, error) {
	k := MetricKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownMetricKind, s)
	}
	return k, nil
}

// ParseMetricKinds parses a list of names, dropping duplicates and returning
// the result in canonical order.
func ParseMetricKinds(names []string) ([]MetricKind, error) {
	seen := make(map[MetricKind]bool, len(names))
	out := make([]MetricKind, 0, len(names))
	for _, n := range names {
		k, err := ParseMetricKind(n)
		if err != nil {
			return nil, err
		}
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	SortMetricKinds(out)
	return out, nil
}

// SortMetricKinds sorts kinds in canonical order in place.
func SortMetricKinds(kinds []MetricKind) {
	sort.SliceStable(kinds, func(i, j int) bool {
		return metricKindOrder[kinds[i]] < metricKindOrder[kinds[j]]
	})
}

// MetricKindStrings converts kinds to their string form.
func MetricKindStrings(kinds []MetricKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

// =============================================================================
// Samples
// =============================================================================

// MetricValue holds either a scalar reading or a systolic/diastolic pair.
//
// On the wire a scalar is a bare JSON number and a pair is an object
// {"systolic": 120, "diastolic": 80}. A value with neither form set is
// malformed and is excluded from analysis.
type MetricValue struct {
	Scalar    *float64
	Systolic  *float64
	Diastolic *float64
}

// Scalar builds a scalar MetricValue.
func Scalar(v float64) MetricValue {
	return MetricValue{Scalar: &v}
}

// Pair builds a blood pressure MetricValue.
func Pair(systolic, diastolic float64) MetricValue {
	return MetricValue{Systolic: &systolic, Diastolic: &diastolic}
}

// IsPair reports whether both pair components are set.
func (v MetricValue) IsPair() bool {
	return v.Systolic != nil && v.Diastolic != nil
}

// Primary returns the number used for statistics: the scalar, or the
// systolic component for pairs.
//
// # Outputs
//
//   - float64: The primary value.
//   - bool: False when the value is missing, NaN or infinite.
func (v MetricValue) Primary() (float64, bool) {
	switch {
	case v.Scalar != nil:
		return finite(*v.Scalar)
	case v.IsPair():
		if _, ok := finite(*v.Diastolic); !ok {
			return 0, false
		}
		return finite(*v.Systolic)
	}
	return 0, false
}

func finite(f float64) (float64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// String renders the value for prompts and logs.
func (v MetricValue) String() string {
	switch {
	case v.Scalar != nil:
		return fmt.Sprintf("%.1f", *v.Scalar)
	case v.IsPair():
		return fmt.Sprintf("%.0f/%.0f", *v.Systolic, *v.Diastolic)
	}
	return "n/a"
}

// MarshalJSON writes a number, a pair object, or null.
func (v MetricValue) MarshalJSON() ([]byte, error) {
	switch {
	case v.Scalar != nil:
		return json.Marshal(*v.Scalar)
	case v.IsPair():
		return json.Marshal(struct {
			Systolic  float64 `json:"systolic"`
			Diastolic float64 `json:"diastolic"`
		}{*v.Systolic, *v.Diastolic})
	}
	return []byte("null"), nil
}

// UnmarshalJSON accepts a number, a pair object, or null. Strings and other
// shapes are rejected so that ingestion fails loudly.
func (v *MetricValue) UnmarshalJSON(data []byte) error {
	*v = MetricValue{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '{' {
		var pair struct {
			Systolic  *float64 `json:"systolic"`
			Diastolic *float64 `json:"diastolic"`
		}
		if err := json.Unmarshal(trimmed, &pair); err != nil {
			return fmt.Errorf("decode metric pair: %w", err)
		}
		v.Systolic, v.Diastolic = pair.Systolic, pair.Diastolic
		return nil
	}
	var f float64
	if err := json.Unmarshal(trimmed, &f); err != nil {
		return fmt.Errorf("metric value must be a number or a systolic/diastolic object: %w", err)
	}
	v.Scalar = &f
	return nil
}

// MetricSample is one immutable reading recorded by the metric store.
type MetricSample struct {
	Kind      MetricKind  `json:"kind"`
	Value     MetricValue `json:"value"`
	Timestamp time.Time   `json:"timestamp"`
	Unit      string      `json:"unit,omitempty"`
}

// MetricSeries is the timestamp-ordered samples of one kind for one user in
// the closed-open window [Since, Until).
type MetricSeries struct {
	Kind    MetricKind
	UserID  string
	Since   time.Time
	Until   time.Time
	Samples []MetricSample
}

// NewMetricSeries builds a series, stably sorting a copy of samples by timestamp.
func NewMetricSeries(userID string, kind MetricKind, since, until time.Time, samples []MetricSample) MetricSeries {
	sorted := make([]MetricSample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return MetricSeries{Kind: kind, UserID: userID, Since: since, Until: until, Samples: sorted}
}

// InWindow reports whether t lies in [Since, Until). A zero Until means open ended.
func (s MetricSeries) InWindow(t time.Time) bool {
	if t.Before(s.Since) {
		return false
	}
	return s.Until.IsZero() || t.Before(s.Until)
}

// GroupSamples splits a flat sample list into one series per requested kind.
// Every requested kind gets an entry, even when it has no samples.
func GroupSamples(userID string, kinds []MetricKind, since, until time.Time, samples []MetricSample) map[MetricKind]MetricSeries {
	buckets := make(map[MetricKind][]MetricSample, len(kinds))
	for _, k := range kinds {
		buckets[k] = nil
	}
	for _, s := range samples {
		if _, ok := buckets[s.Kind]; ok {
			buckets[s.Kind] = append(buckets[s.Kind], s)
		}
	}
	out := make(map[MetricKind]MetricSeries, len(buckets))
	for k, ss := range buckets {
		out[k] = NewMetricSeries(userID, k, since, until, ss)
	}
	return out
}

// =============================================================================
// Findings
// =============================================================================

// AnomalyReason explains why a Finding or sample was flagged.
type AnomalyReason string

const (
	ReasonNone                 AnomalyReason = "none"
	ReasonAbsoluteRange        AnomalyReason = "absolute_range"
	ReasonStatisticalDeviation AnomalyReason = "statistical_deviation"
	ReasonInsufficientData     AnomalyReason = "insufficient_data"
)

// Direction says which side of the expected range a sample fell on.
type Direction string

const (
	DirectionHigh Direction = "high"
	DirectionLow  Direction = "low"
)

// SampleRef points back at one sample that contributed to an anomaly verdict.
type SampleRef struct {
	Timestamp time.Time     `json:"timestamp"`
	Value     float64       `json:"value"`
	Reason    AnomalyReason `json:"reason"`
	Direction Direction     `json:"direction"`
	// Component is "systolic" or "diastolic" for blood pressure, empty otherwise.
	Component string `json:"component,omitempty"`
}

// Finding is the statistical summary and anomaly verdict for one metric kind.
//
// Kinds with no usable samples still produce a Finding with SampleCount 0 and
// AnomalyReason insufficient_data, so callers can tell "no data" from "normal".
type Finding struct {
	MetricKind         MetricKind    `json:"metric_kind"`
	Unit               string        `json:"unit,omitempty"`
	Mean               float64       `json:"mean"`
	StdDev             float64       `json:"stddev"`
	Min                float64       `json:"min"`
	Max                float64       `json:"max"`
	SampleCount        int           `json:"sample_count"`
	Anomaly            bool          `json:"anomaly"`
	AnomalyReason      AnomalyReason `json:"anomaly_reason"`
	AffectedSampleRefs []SampleRef   `json:"affected_sample_refs"`
	DataQualityNotes   []string      `json:"data_quality_notes"`
}

// HasDirection reports whether any affected sample went in direction d.
func (f Finding) HasDirection(d Direction) bool {
	for _, r := range f.AffectedSampleRefs {
		if r.Direction == d {
			return true
		}
	}
	return false
}

// AnomalousFindings filters findings with Anomaly set, preserving order.
func AnomalousFindings(findings []Finding) []Finding {
	out := make([]Finding, 0, len(findings))
	for _, f := range findings {
		if f.Anomaly {
			out = append(out, f)
		}
	}
	return out
}
