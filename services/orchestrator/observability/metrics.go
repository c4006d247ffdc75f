// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus instrumentation for the health
// Q&A pipeline.
//
// # Description
//
// Metrics cover:
//   - Answer requests by mode (blocking, stream, websocket) and outcome
//   - Stage latency (history, metrics, analyze, retrieve, safety, generate)
//   - Degraded collaborator calls by source
//   - Stripped citation markers
//   - Safety flags by severity
//   - Active streams
//
// # Integration
//
// Metrics are exposed on /metrics through promhttp.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every method is a no-op on a nil *PipelineMetrics so tests can omit it.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "healthqa"

// Mode labels the transport an answer was requested on.
type Mode string

const (
	ModeBlocking  Mode = "blocking"
	ModeStream    Mode = "stream"
	ModeWebSocket Mode = "websocket"
)

// Outcome labels how a request finished.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeInvalidRequest   Outcome = "invalid_request"
	OutcomePolicyViolation  Outcome = "policy_violation"
	OutcomeGenerationFailed Outcome = "generation_failed"
	OutcomeCancelled        Outcome = "cancelled"
	OutcomeError            Outcome = "error"
)

// Stage names one step of the pipeline.
type Stage string

const (
	StageHistory  Stage = "history"
	StageMetrics  Stage = "metrics"
	StageAnalyze  Stage = "analyze"
	StageRetrieve Stage = "retrieve"
	StageSafety   Stage = "safety"
	StageGenerate Stage = "generate"
	StagePersist  Stage = "persist"
)

// PipelineMetrics holds the Prometheus collectors for the answer pipeline.
//
// # Fields
//
//   - RequestsTotal: Answers by mode and outcome
//   - StageDurationSeconds: Latency per pipeline stage
//   - DegradedTotal: Collaborator failures that fell back to empty input
//   - CitationViolationsTotal: Citation markers stripped from replies
//   - SafetyFlagsTotal: Final severity per answer
//   - ActiveStreams: Streams currently open
//   - ClientDisconnectsTotal: Streams ended by the client
type PipelineMetrics struct {
	// Labels: mode, outcome
	RequestsTotal *prometheus.CounterVec

	// Labels: stage
	StageDurationSeconds *prometheus.HistogramVec

	// Labels: source (metrics, history, embedding, index, persist)
	DegradedTotal *prometheus.CounterVec

	CitationViolationsTotal prometheus.Counter

	// Labels: severity (none, advisory, emergency)
	SafetyFlagsTotal *prometheus.CounterVec

	ActiveStreams prometheus.Gauge

	// Labels: mode
	ClientDisconnectsTotal *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *PipelineMetrics
)

// Default returns the process-wide metrics registered on the default
// Prometheus registry. Safe to call repeatedly.
func Default() *PipelineMetrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewPipelineMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewPipelineMetrics creates and registers the collectors on reg.
//
// # Inputs
//
//   - reg: Target registry. Tests pass prometheus.NewRegistry() so runs do
//     not collide on the global registry.
//
// # Outputs
//
//   - *PipelineMetrics: Ready to record.
//
// # Limitations
//
//   - Panics if the collectors are already registered on reg.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)
	return &PipelineMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "pipeline_requests_total",
				Help:      "Answer requests by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		StageDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "stage_duration_seconds",
				Help:      "Pipeline stage latency in seconds",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		DegradedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "degraded_total",
				Help:      "Collaborator calls that failed and degraded to empty input",
			},
			[]string{"source"},
		),
		CitationViolationsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "citation_violations_total",
				Help:      "Citation markers stripped because no supplied document matched",
			},
		),
		SafetyFlagsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "safety_flags_total",
				Help:      "Final safety severity per answer",
			},
			[]string{"severity"},
		),
		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "stream_active",
				Help:      "Answer streams currently open",
			},
		),
		ClientDisconnectsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "client_disconnects_total",
				Help:      "Streams ended early by the client",
			},
			[]string{"mode"},
		),
	}
}

// RecordRequest counts one finished answer request.
func (m *PipelineMetrics) RecordRequest(mode Mode, outcome Outcome) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(mode), string(outcome)).Inc()
}

// ObserveStage records how long a stage took, measured from start.
func (m *PipelineMetrics) ObserveStage(stage Stage, start time.Time) {
	if m == nil {
		return
	}
	m.StageDurationSeconds.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
}

// RecordDegraded counts one degraded collaborator call.
func (m *PipelineMetrics) RecordDegraded(source string) {
	if m == nil {
		return
	}
	m.DegradedTotal.WithLabelValues(source).Inc()
}

// RecordCitationViolations adds n stripped markers.
func (m *PipelineMetrics) RecordCitationViolations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CitationViolationsTotal.Add(float64(n))
}

// RecordSafety counts the severity that governed one answer.
func (m *PipelineMetrics) RecordSafety(severity string) {
	if m == nil {
		return
	}
	m.SafetyFlagsTotal.WithLabelValues(severity).Inc()
}

// StreamStarted increments the active stream gauge.
func (m *PipelineMetrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active stream gauge.
func (m *PipelineMetrics) StreamEnded() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// RecordClientDisconnect counts a stream the client abandoned.
func (m *PipelineMetrics) RecordClientDisconnect(mode Mode) {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.WithLabelValues(string(mode)).Inc()
}
