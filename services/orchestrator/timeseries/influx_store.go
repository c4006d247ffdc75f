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
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianHealth/pkg/validation"
	"github.com/AleutianAI/AleutianHealth/services/orchestrator/datatypes"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// MetricsMeasurement holds samples. Tags: user_id, kind, unit.
	// Fields: value for scalars, systolic and diastolic for pairs.
	MetricsMeasurement = "health_metrics"
	// UsersMeasurement holds one point per registered user.
	UsersMeasurement = "health_users"
)

var tracer = otel.Tracer("aleutian.timeseries")

// InfluxConfig configures InfluxStore.
type InfluxConfig struct {
	URL    string `yaml:"url" validate:"required,url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org" validate:"required"`
	Bucket string `yaml:"bucket" validate:"required"`
}

// pointWriter is the part of api.WriteAPIBlocking the store uses.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// fluxRow is one pivoted record from the metrics measurement.
type fluxRow struct {
	Time      time.Time
	Kind      string
	Unit      string
	Value     *float64
	Systolic  *float64
	Diastolic *float64
}

type queryFunc func(ctx context.Context, flux string) ([]fluxRow, error)

// InfluxStore implements Store and Writer on InfluxDB 2.x.
//
// # Description
//
// Reads issue one Flux query per Fetch, pivoting fields into rows so a
// blood pressure sample arrives as a single record. Writes add one point
// per sample plus a registration point in UsersMeasurement, which is what
// Fetch probes to tell an unknown user from a user with no data.
//
// # Limitations
//
//   - The registration probe scans the whole bucket retention for one row.
//
// # Assumptions
//
//   - The bucket exists and the token can read and write it.
type InfluxStore struct {
	client influxdb2.Client
	bucket string
	writer pointWriter
	query  queryFunc
	now    func() time.Time
}

// NewInfluxStore connects to InfluxDB. It does not block on a health check;
// use Ping for readiness.
func NewInfluxStore(cfg InfluxConfig) (*InfluxStore, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx url, org and bucket are required")
	}
	if err := validation.ValidateTagValue(cfg.Bucket); err != nil {
		return nil, fmt.Errorf("invalid influx bucket: %w", err)
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := &InfluxStore{
		client: client,
		bucket: cfg.Bucket,
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		now:    time.Now,
	}
	queryAPI := client.QueryAPI(cfg.Org)
	s.query = func(ctx context.Context, flux string) ([]fluxRow, error) {
		return runQuery(ctx, queryAPI, flux)
	}
	slog.Info("Metric store configured", "backend", "influxdb", "url", cfg.URL, "bucket", cfg.Bucket)
	return s, nil
}

// Close releases the underlying HTTP client.
func (s *InfluxStore) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// Ping checks the InfluxDB health endpoint.
func (s *InfluxStore) Ping(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if health.Status != "pass" {
		return fmt.Errorf("influxdb health status %q", health.Status)
	}
	return nil
}

// Fetch implements Store.
//
// # Inputs
//
//   - userID: Validated before it is placed in the query.
//   - kinds: Kinds to read. An empty list returns no samples.
//   - since, until: Window [since, until). A zero until means now.
//
// # Outputs
//
//   - []datatypes.MetricSample: Possibly empty, never nil.
//   - error: *NotFoundError for unknown users, wrapped query errors otherwise.
func (s *InfluxStore) Fetch(ctx context.Context, userID string, kinds []datatypes.MetricKind, since, until time.Time) ([]datatypes.MetricSample, error) {
	ctx, span := tracer.Start(ctx, "InfluxStore.Fetch")
	defer span.End()
	span.SetAttributes(attribute.Int("metrics.kinds", len(kinds)))

	if err := validation.ValidateUserID(userID); err != nil {
		return nil, fmt.Errorf("invalid user id: %w", err)
	}
	if until.IsZero() {
		until = s.now()
	}
	out := make([]datatypes.MetricSample, 0)
	if len(kinds) > 0 {
		flux, err := buildFetchQuery(s.bucket, userID, kinds, since, until)
		if err != nil {
			return nil, err
		}
		rows, err := s.query(ctx, flux)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "metric query failed")
			return nil, fmt.Errorf("metric query failed: %w", err)
		}
		for _, r := range rows {
			if sample, ok := r.toSample(); ok {
				out = append(out, sample)
			}
		}
	}
	if len(out) > 0 {
		span.SetAttributes(attribute.Int("metrics.samples", len(out)))
		return out, nil
	}

	known, err := s.userKnown(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("user registry query failed: %w", err)
	}
	if !known {
		return nil, &NotFoundError{UserID: userID}
	}
	return out, nil
}

func (s *InfluxStore) userKnown(ctx context.Context, userID string) (bool, error) {
	rows, err := s.query(ctx, buildRegistryQuery(s.bucket, userID))
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// WriteSamples implements Writer.
func (s *InfluxStore) WriteSamples(ctx context.Context, userID string, samples []datatypes.MetricSample) error {
	ctx, span := tracer.Start(ctx, "InfluxStore.WriteSamples")
	defer span.End()

	if err := validation.ValidateUserID(userID); err != nil {
		return fmt.Errorf("invalid user id: %w", err)
	}
	if err := validateSamples(samples); err != nil {
		return err
	}
	points := make([]*write.Point, 0, len(samples)+1)
	points = append(points, registrationPoint(userID, s.now()))
	for i, sample := range samples {
		p, err := samplePoint(userID, sample)
		if err != nil {
			return fmt.Errorf("sample %d: %w: %w", i, ErrInvalidSample, err)
		}
		points = append(points, p)
	}
	if err := s.writer.WritePoint(ctx, points...); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to write to InfluxDB: %w", err)
	}
	span.SetAttributes(attribute.Int("metrics.samples", len(samples)))
	return nil
}

func registrationPoint(userID string, at time.Time) *write.Point {
	return influxdb2.NewPoint(
		UsersMeasurement,
		map[string]string{"user_id": userID},
		map[string]interface{}{"registered": true},
		at,
	)
}

func samplePoint(userID string, sample datatypes.MetricSample) (*write.Point, error) {
	unit := sample.Unit
	if unit == "" {
		unit = sample.Kind.DefaultUnit()
	}
	fields := make(map[string]interface{}, 2)
	switch {
	case sample.Value.Scalar != nil:
		fields["value"] = *sample.Value.Scalar
	case sample.Value.IsPair():
		fields["systolic"] = *sample.Value.Systolic
		fields["diastolic"] = *sample.Value.Diastolic
	default:
		return nil, fmt.Errorf("value is required")
	}
	if _, ok := sample.Value.Primary(); !ok {
		return nil, fmt.Errorf("value must be finite")
	}
	return influxdb2.NewPoint(
		MetricsMeasurement,
		map[string]string{"user_id": userID, "kind": string(sample.Kind), "unit": unit},
		fields,
		sample.Timestamp,
	), nil
}

// buildFetchQuery renders the Flux for one Fetch. Only validated identifiers
// and enum values are interpolated.
func buildFetchQuery(bucket, userID string, kinds []datatypes.MetricKind, since, until time.Time) (string, error) {
	if err := validation.ValidateUserID(userID); err != nil {
		return "", err
	}
	kindFilters := make([]string, 0, len(kinds))
	for _, k := range kinds {
		if !k.Valid() {
			return "", fmt.Errorf("%w: %q", datatypes.ErrUnknownMetricKind, k)
		}
		kindFilters = append(kindFilters, fmt.Sprintf(`r.kind == "%s"`, k))
	}
	return fmt.Sprintf(`from(bucket: "%s")
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == "%s")
  |> filter(fn: (r) => r.user_id == "%s")
  |> filter(fn: (r) => %s)
  |> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
  |> sort(columns: ["_time"])`,
		bucket,
		since.UTC().Format(time.RFC3339Nano), until.UTC().Format(time.RFC3339Nano),
		MetricsMeasurement, userID, strings.Join(kindFilters, " or ")), nil
}

func buildRegistryQuery(bucket, userID string) string {
	return fmt.Sprintf(`from(bucket: "%s")
  |> range(start: 0)
  |> filter(fn: (r) => r._measurement == "%s")
  |> filter(fn: (r) => r.user_id == "%s")
  |> limit(n: 1)`, bucket, UsersMeasurement, userID)
}

func runQuery(ctx context.Context, queryAPI api.QueryAPI, flux string) ([]fluxRow, error) {
	result, err := queryAPI.Query(ctx, flux)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	var rows []fluxRow
	for result.Next() {
		rec := result.Record()
		rows = append(rows, rowFromValues(rec.Time(), rec.Values()))
	}
	if result.Err() != nil {
		return nil, result.Err()
	}
	return rows, nil
}

func rowFromValues(t time.Time, values map[string]interface{}) fluxRow {
	r := fluxRow{Time: t}
	r.Kind, _ = values["kind"].(string)
	r.Unit, _ = values["unit"].(string)
	r.Value = floatValue(values["value"])
	r.Systolic = floatValue(values["systolic"])
	r.Diastolic = floatValue(values["diastolic"])
	return r
}

func floatValue(v interface{}) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case int64:
		f := float64(n)
		return &f
	}
	return nil
}

// toSample converts a row. Rows with an unknown kind are dropped; rows with
// a missing value are kept so the Analyzer can note them.
func (r fluxRow) toSample() (datatypes.MetricSample, bool) {
	kind := datatypes.MetricKind(r.Kind)
	if !kind.Valid() {
		slog.Warn("Dropping metric row with unknown kind", "kind", r.Kind)
		return datatypes.MetricSample{}, false
	}
	sample := datatypes.MetricSample{Kind: kind, Timestamp: r.Time, Unit: r.Unit}
	switch {
	case r.Systolic != nil || r.Diastolic != nil:
		sample.Value = datatypes.MetricValue{Systolic: r.Systolic, Diastolic: r.Diastolic}
	case r.Value != nil:
		sample.Value = datatypes.MetricValue{Scalar: r.Value}
	}
	return sample, true
}
