// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis

import (
	"math"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	a, err := New(DefaultConfig())
	require.NoError(t, err)
	return a
}

// scalarSeries builds an hourly series ending just before testNow.
func scalarSeries(kind datatypes.MetricKind, values ...float64) datatypes.MetricSeries {
	samples := make([]datatypes.MetricSample, len(values))
	start := testNow.Add(-time.Duration(len(values)) * time.Hour)
	for i, v := range values {
		samples[i] = datatypes.MetricSample{
			Kind:      kind,
			Value:     datatypes.Scalar(v),
			Timestamp: start.Add(time.Duration(i) * time.Hour),
		}
	}
	return datatypes.NewMetricSeries("u1", kind, testNow.Add(-7*24*time.Hour), testNow, samples)
}

func analyzeOne(t *testing.T, a *Analyzer, s datatypes.MetricSeries) datatypes.Finding {
	t.Helper()
	findings := a.Analyze(map[datatypes.MetricKind]datatypes.MetricSeries{s.Kind: s}, []datatypes.MetricKind{s.Kind})
	require.Len(t, findings, 1)
	return findings[0]
}

func TestAnalyze_UniformSeriesHasZeroStdDev(t *testing.T) {
	a := newTestAnalyzer(t)
	for _, n := range []int{2, 5, 50} {
		values := make([]float64, n)
		for i := range values {
			values[i] = 72.1
		}
		f := analyzeOne(t, a, scalarSeries(datatypes.MetricHeartRate, values...))

		assert.Equal(t, 0.0, f.StdDev, "n=%d", n)
		assert.Equal(t, 72.1, f.Mean, "n=%d", n)
		assert.False(t, f.Anomaly, "n=%d", n)
		assert.Equal(t, datatypes.ReasonNone, f.AnomalyReason)
		assert.Empty(t, f.AffectedSampleRefs)
	}
}

func TestAnalyze_SampleStdDev(t *testing.T) {
	a := newTestAnalyzer(t)
	f := analyzeOne(t, a, scalarSeries(datatypes.MetricHeartRate, 60, 70, 80))

	assert.InDelta(t, 70.0, f.Mean, 1e-9)
	// sqrt(((-10)^2 + 0 + 10^2) / (3-1)) = 10
	assert.InDelta(t, 10.0, f.StdDev, 1e-9)
	assert.Equal(t, 3, f.SampleCount)
	assert.Equal(t, 60.0, f.Min)
	assert.Equal(t, 80.0, f.Max)
}

func TestAnalyze_SingleOutOfRangeSampleIsAbsolute(t *testing.T) {
	a := newTestAnalyzer(t)

	tests := []struct {
		name  string
		kind  datatypes.MetricKind
		value float64
		dir   datatypes.Direction
	}{
		{"high heart rate", datatypes.MetricHeartRate, 190, datatypes.DirectionHigh},
		{"low heart rate", datatypes.MetricHeartRate, 30, datatypes.DirectionLow},
		{"low oxygen", datatypes.MetricOxygenSaturation, 85, datatypes.DirectionLow},
		{"fever", datatypes.MetricTemperature, 40.1, datatypes.DirectionHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := analyzeOne(t, a, scalarSeries(tt.kind, tt.value))

			assert.True(t, f.Anomaly)
			assert.Equal(t, datatypes.ReasonAbsoluteRange, f.AnomalyReason)
			assert.Equal(t, 0.0, f.StdDev)
			require.Len(t, f.AffectedSampleRefs, 1)
			assert.Equal(t, tt.dir, f.AffectedSampleRefs[0].Direction)
			assert.Equal(t, datatypes.ReasonAbsoluteRange, f.AffectedSampleRefs[0].Reason)
		})
	}
}

func TestAnalyze_AbsoluteRangeTakesPrecedence(t *testing.T) {
	a := newTestAnalyzer(t)

	// A week of hourly readings around 72 with one spike to 190: the spike
	// is both a statistical outlier and out of range.
	values := make([]float64, 0, 168)
	for i := 0; i < 167; i++ {
		values = append(values, 70+float64(i%5))
	}
	values = append(values, 190)
	f := analyzeOne(t, a, scalarSeries(datatypes.MetricHeartRate, values...))

	assert.True(t, f.Anomaly)
	assert.Equal(t, datatypes.ReasonAbsoluteRange, f.AnomalyReason)
	require.Len(t, f.AffectedSampleRefs, 1)
	ref := f.AffectedSampleRefs[0]
	assert.Equal(t, 190.0, ref.Value)
	assert.Equal(t, datatypes.ReasonAbsoluteRange, ref.Reason, "a sample is never listed as both")
	assert.InDelta(t, 72.7, f.Mean, 0.1)
}

func TestAnalyze_StatisticalDeviationWithinRange(t *testing.T) {
	a := newTestAnalyzer(t)
	values := []float64{60, 61, 60, 62, 61, 60, 61, 60, 62, 61, 120}
	f := analyzeOne(t, a, scalarSeries(datatypes.MetricHeartRate, values...))

	assert.True(t, f.Anomaly)
	assert.Equal(t, datatypes.ReasonStatisticalDeviation, f.AnomalyReason)
	require.Len(t, f.AffectedSampleRefs, 1)
	assert.Equal(t, 120.0, f.AffectedSampleRefs[0].Value)
	assert.Equal(t, datatypes.DirectionHigh, f.AffectedSampleRefs[0].Direction)
}

func TestAnalyze_ConfigurableThreshold(t *testing.T) {
	values := []float64{60, 61, 60, 62, 61, 60, 61, 60, 62, 61, 120}

	strict, err := New(Config{DeviationThreshold: 10, SafeRanges: DefaultSafeRanges()})
	require.NoError(t, err)
	f := analyzeOne(t, strict, scalarSeries(datatypes.MetricHeartRate, values...))
	assert.False(t, f.Anomaly, "10 sigma should not flag the spike")
}

func TestAnalyze_InsufficientData(t *testing.T) {
	a := newTestAnalyzer(t)
	kinds := []datatypes.MetricKind{datatypes.MetricSleep, datatypes.MetricHeartRate, datatypes.MetricSteps}

	findings := a.Analyze(map[datatypes.MetricKind]datatypes.MetricSeries{}, kinds)

	require.Len(t, findings, 3)
	assert.Equal(t, datatypes.MetricHeartRate, findings[0].MetricKind, "canonical order")
	assert.Equal(t, datatypes.MetricSteps, findings[1].MetricKind)
	assert.Equal(t, datatypes.MetricSleep, findings[2].MetricKind)
	for _, f := range findings {
		assert.Equal(t, 0, f.SampleCount)
		assert.False(t, f.Anomaly)
		assert.Equal(t, datatypes.ReasonInsufficientData, f.AnomalyReason)
		assert.NotNil(t, f.AffectedSampleRefs)
		assert.NotNil(t, f.DataQualityNotes)
	}
}

func TestAnalyze_MalformedSamplesBecomeNotes(t *testing.T) {
	a := newTestAnalyzer(t)
	since := testNow.Add(-24 * time.Hour)
	samples := []datatypes.MetricSample{
		{Kind: datatypes.MetricHeartRate, Value: datatypes.Scalar(70), Timestamp: since.Add(time.Hour)},
		{Kind: datatypes.MetricHeartRate, Value: datatypes.MetricValue{}, Timestamp: since.Add(2 * time.Hour)},
		{Kind: datatypes.MetricHeartRate, Value: datatypes.Scalar(math.Inf(1)), Timestamp: since.Add(3 * time.Hour)},
		{Kind: datatypes.MetricHeartRate, Value: datatypes.Scalar(72), Timestamp: since.Add(-time.Hour)},
		{Kind: datatypes.MetricHeartRate, Value: datatypes.Scalar(74), Timestamp: testNow},
		{Kind: datatypes.MetricHeartRate, Value: datatypes.Scalar(74), Timestamp: since.Add(4 * time.Hour)},
	}
	s := datatypes.NewMetricSeries("u1", datatypes.MetricHeartRate, since, testNow, samples)

	f := analyzeOne(t, a, s)

	assert.Equal(t, 2, f.SampleCount)
	assert.InDelta(t, 72.0, f.Mean, 1e-9)
	assert.Len(t, f.DataQualityNotes, 4)
	assert.Contains(t, f.DataQualityNotes[0], "outside analysis window")
}

func TestAnalyze_BloodPressure(t *testing.T) {
	a := newTestAnalyzer(t)
	since := testNow.Add(-24 * time.Hour)
	samples := []datatypes.MetricSample{
		{Kind: datatypes.MetricBloodPressure, Value: datatypes.Pair(120, 80), Timestamp: since.Add(time.Hour)},
		{Kind: datatypes.MetricBloodPressure, Value: datatypes.Pair(124, 82), Timestamp: since.Add(2 * time.Hour)},
		{Kind: datatypes.MetricBloodPressure, Value: datatypes.Pair(150, 125), Timestamp: since.Add(3 * time.Hour)},
		{Kind: datatypes.MetricBloodPressure, Value: datatypes.Scalar(120), Timestamp: since.Add(4 * time.Hour)},
	}
	s := datatypes.NewMetricSeries("u1", datatypes.MetricBloodPressure, since, testNow, samples)

	f := analyzeOne(t, a, s)

	assert.Equal(t, 3, f.SampleCount)
	assert.InDelta(t, (120.0+124+150)/3, f.Mean, 1e-9, "statistics use systolic")
	assert.True(t, f.Anomaly)
	assert.Equal(t, datatypes.ReasonAbsoluteRange, f.AnomalyReason)
	require.Len(t, f.AffectedSampleRefs, 1)
	assert.Equal(t, "diastolic", f.AffectedSampleRefs[0].Component)
	assert.Equal(t, 125.0, f.AffectedSampleRefs[0].Value)
	assert.Len(t, f.DataQualityNotes, 1, "scalar blood pressure excluded")
}

func TestAnalyze_Deterministic(t *testing.T) {
	a := newTestAnalyzer(t)
	series := map[datatypes.MetricKind]datatypes.MetricSeries{
		datatypes.MetricGlucose:   scalarSeries(datatypes.MetricGlucose, 90, 95, 300),
		datatypes.MetricHeartRate: scalarSeries(datatypes.MetricHeartRate, 70, 72),
		datatypes.MetricSleep:     scalarSeries(datatypes.MetricSleep, 7.5, 6.8),
	}

	first := a.Analyze(series, nil)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, a.Analyze(series, nil))
	}
	require.Len(t, first, 3)
	assert.Equal(t, datatypes.MetricHeartRate, first[0].MetricKind)
	assert.Equal(t, datatypes.MetricSleep, first[1].MetricKind)
	assert.Equal(t, datatypes.MetricGlucose, first[2].MetricKind)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{DeviationThreshold: -1})
	assert.Error(t, err)

	_, err = New(Config{SafeRanges: map[datatypes.MetricKind]SafeRange{
		datatypes.MetricHeartRate: {Primary: Range{Min: 200, Max: 40}},
	}})
	assert.Error(t, err)

	_, err = New(Config{SafeRanges: map[datatypes.MetricKind]SafeRange{
		"mood": {Primary: Range{Min: 0, Max: 10}},
	}})
	assert.ErrorIs(t, err, datatypes.ErrUnknownMetricKind)

	a, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultDeviationThreshold, a.Threshold())
}
