// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package timeseries

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func TestMemoryStore_FetchWindowAndKinds(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.WriteSamples(ctx, "u1", []datatypes.MetricSample{
		{Kind: datatypes.MetricHeartRate, Value: datatypes.Scalar(70), Timestamp: t0},
		{Kind: datatypes.MetricHeartRate, Value: datatypes.Scalar(71), Timestamp: t0.Add(24 * time.Hour)},
		{Kind: datatypes.MetricSteps, Value: datatypes.Scalar(9000), Timestamp: t0},
		{Kind: datatypes.MetricHeartRate, Value: datatypes.Scalar(99), Timestamp: t0.Add(48 * time.Hour)},
	}))

	got, err := store.Fetch(ctx, "u1", []datatypes.MetricKind{datatypes.MetricHeartRate}, t0, t0.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2, "until is exclusive")
	assert.Equal(t, 70.0, *got[0].Value.Scalar)
}

func TestMemoryStore_UnknownUser(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Fetch(context.Background(), "ghost", datatypes.DefaultMetricKinds, t0, time.Time{})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMemoryStore_KnownUserNoData(t *testing.T) {
	store := NewMemoryStore()
	store.Register("u2")
	got, err := store.Fetch(context.Background(), "u2", datatypes.DefaultMetricKinds, t0, time.Time{})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestMemoryStore_RejectsBadInput(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	assert.Error(t, store.WriteSamples(ctx, `u") |> drop()`, nil))
	assert.ErrorIs(t, store.WriteSamples(ctx, "u1", []datatypes.MetricSample{
		{Kind: "cholesterol", Value: datatypes.Scalar(1), Timestamp: t0},
	}), datatypes.ErrUnknownMetricKind)
}

type fakeWriter struct {
	points []*write.Point
	err    error
}

func (f *fakeWriter) WritePoint(_ context.Context, point ...*write.Point) error {
	f.points = append(f.points, point...)
	return f.err
}

// newTestInfluxStore wires the store to canned query results keyed by measurement.
func newTestInfluxStore(metricRows, registryRows []fluxRow) (*InfluxStore, *fakeWriter, *[]string) {
	w := &fakeWriter{}
	var queries []string
	s := &InfluxStore{
		bucket: "health",
		writer: w,
		now:    func() time.Time { return t0.Add(7 * 24 * time.Hour) },
	}
	s.query = func(_ context.Context, flux string) ([]fluxRow, error) {
		queries = append(queries, flux)
		if strings.Contains(flux, UsersMeasurement) {
			return registryRows, nil
		}
		return metricRows, nil
	}
	return s, w, &queries
}

func TestInfluxStore_FetchConvertsRows(t *testing.T) {
	sys, dia, hr := 128.0, 84.0, 72.0
	store, _, queries := newTestInfluxStore([]fluxRow{
		{Time: t0, Kind: "hr", Unit: "bpm", Value: &hr},
		{Time: t0.Add(time.Hour), Kind: "blood_pressure", Unit: "mmHg", Systolic: &sys, Diastolic: &dia},
		{Time: t0.Add(2 * time.Hour), Kind: "not_a_kind", Value: &hr},
	}, nil)

	got, err := store.Fetch(context.Background(), "u1",
		[]datatypes.MetricKind{datatypes.MetricHeartRate, datatypes.MetricBloodPressure}, t0, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 72.0, *got[0].Value.Scalar)
	assert.True(t, got[1].Value.IsPair())
	assert.Equal(t, 84.0, *got[1].Value.Diastolic)

	require.Len(t, *queries, 1, "registry is not probed when samples exist")
	q := (*queries)[0]
	assert.Contains(t, q, `r.user_id == "u1"`)
	assert.Contains(t, q, `r.kind == "hr" or r.kind == "blood_pressure"`)
	assert.Contains(t, q, "stop: 2025-03-08T00:00:00Z")
}

func TestInfluxStore_FetchUnknownUser(t *testing.T) {
	store, _, _ := newTestInfluxStore(nil, nil)
	_, err := store.Fetch(context.Background(), "ghost", datatypes.DefaultMetricKinds, t0, time.Time{})
	assert.True(t, IsNotFound(err))
}

func TestInfluxStore_FetchKnownUserNoData(t *testing.T) {
	store, _, _ := newTestInfluxStore(nil, []fluxRow{{Time: t0}})
	got, err := store.Fetch(context.Background(), "u1", datatypes.DefaultMetricKinds, t0, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestInfluxStore_FetchRejectsInjection(t *testing.T) {
	store, _, queries := newTestInfluxStore(nil, nil)
	_, err := store.Fetch(context.Background(), `u1") |> drop()`, datatypes.DefaultMetricKinds, t0, time.Time{})
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
	assert.Empty(t, *queries)
}

func TestInfluxStore_FetchQueryError(t *testing.T) {
	store, _, _ := newTestInfluxStore(nil, nil)
	store.query = func(context.Context, string) ([]fluxRow, error) {
		return nil, errors.New("connection refused")
	}
	_, err := store.Fetch(context.Background(), "u1", datatypes.DefaultMetricKinds, t0, time.Time{})
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
}

func TestInfluxStore_WriteSamples(t *testing.T) {
	store, w, _ := newTestInfluxStore(nil, nil)
	err := store.WriteSamples(context.Background(), "u1", []datatypes.MetricSample{
		{Kind: datatypes.MetricHeartRate, Value: datatypes.Scalar(72), Timestamp: t0},
		{Kind: datatypes.MetricBloodPressure, Value: datatypes.Pair(120, 80), Timestamp: t0},
	})
	require.NoError(t, err)
	require.Len(t, w.points, 3)

	assert.Equal(t, UsersMeasurement, w.points[0].Name())
	hrLine := write.PointToLineProtocol(w.points[1], time.Second)
	assert.Contains(t, hrLine, MetricsMeasurement)
	assert.Contains(t, hrLine, "unit=bpm")
	assert.Contains(t, hrLine, "user_id=u1")
	bpLine := write.PointToLineProtocol(w.points[2], time.Second)
	assert.Contains(t, bpLine, "systolic=120")
	assert.Contains(t, bpLine, "diastolic=80")
}

func TestInfluxStore_WriteSamplesRejectsMalformed(t *testing.T) {
	store, w, _ := newTestInfluxStore(nil, nil)
	err := store.WriteSamples(context.Background(), "u1", []datatypes.MetricSample{
		{Kind: datatypes.MetricHeartRate, Timestamp: t0},
	})
	require.Error(t, err)
	assert.Empty(t, w.points)
}

func TestRowFromValues(t *testing.T) {
	r := rowFromValues(t0, map[string]interface{}{
		"kind":  "steps",
		"unit":  "count",
		"value": int64(8000),
	})
	require.NotNil(t, r.Value)
	assert.Equal(t, 8000.0, *r.Value)
	assert.Nil(t, r.Systolic)
}
