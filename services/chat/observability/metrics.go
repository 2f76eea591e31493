// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the chat service.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "aleutian"

const chatSubsystem = "chat"

// Outcome is the terminal state of an inference request.
type Outcome string

const (
	// OutcomeCompleted: the provider stream finished and the answer was stored.
	OutcomeCompleted Outcome = "completed"

	// OutcomeAborted: the client disconnected; partial output was stored.
	OutcomeAborted Outcome = "aborted"

	// OutcomeFailed: the provider failed mid-stream; nothing was stored.
	OutcomeFailed Outcome = "failed"

	// OutcomeRejected: the request failed before streaming began.
	OutcomeRejected Outcome = "rejected"
)

// ChatMetrics holds the Prometheus collectors of the chat service.
//
// # Description
//
// All Record* methods are safe on a nil receiver so that components can be
// constructed without metrics in tests.
type ChatMetrics struct {
	// InferenceTotal counts inference requests.
	// Labels: model, outcome (completed, aborted, failed, rejected)
	InferenceTotal *prometheus.CounterVec

	// DeltasTotal counts text deltas relayed to clients.
	// Labels: model
	DeltasTotal *prometheus.CounterVec

	// TimeToFirstTokenSeconds measures latency to the first delta.
	// Labels: model
	TimeToFirstTokenSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures the streaming phase.
	// Labels: model, outcome
	StreamDurationSeconds *prometheus.HistogramVec

	// ActiveStreams tracks streams in progress.
	ActiveStreams prometheus.Gauge

	// ErrorsTotal counts classified failures.
	// Labels: stage (validating, persisting, building_context, streaming, finalizing), code
	ErrorsTotal *prometheus.CounterVec

	// KeepAlivesTotal counts SSE keep-alive pings.
	KeepAlivesTotal prometheus.Counter

	// AttachmentsResolvedTotal counts attachment resolutions.
	// Labels: mode (inline, signed-url), status (success, error)
	AttachmentsResolvedTotal *prometheus.CounterVec

	// TitleGenerationsTotal counts background title attempts.
	// Labels: outcome (set, skipped, error)
	TitleGenerationsTotal *prometheus.CounterVec
}

var (
	// DefaultMetrics is registered with the default Prometheus registry by
	// InitMetrics.
	DefaultMetrics *ChatMetrics
	initOnce       sync.Once
)

// InitMetrics registers DefaultMetrics with the default registry. Repeated
// calls return the same instance.
func InitMetrics() *ChatMetrics {
	initOnce.Do(func() {
		DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return DefaultMetrics
}

// NewMetrics creates collectors registered with reg.
func NewMetrics(reg prometheus.Registerer) *ChatMetrics {
	factory := promauto.With(reg)
	return &ChatMetrics{
		InferenceTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "inference_total",
				Help:      "Total inference requests by model and outcome",
			},
			[]string{"model", "outcome"},
		),

		DeltasTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "deltas_total",
				Help:      "Total text deltas relayed to clients",
			},
			[]string{"model"},
		),

		TimeToFirstTokenSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from request to first delta in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"model"},
		),

		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Streaming phase duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"model", "outcome"},
		),

		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "active_streams",
				Help:      "Number of inference streams in progress",
			},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "errors_total",
				Help:      "Total inference errors by stage and code",
			},
			[]string{"stage", "code"},
		),

		KeepAlivesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "keepalives_total",
				Help:      "Total SSE keep-alive pings sent",
			},
		),

		AttachmentsResolvedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "attachments_resolved_total",
				Help:      "Total attachment resolutions by mode and status",
			},
			[]string{"mode", "status"},
		),

		TitleGenerationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: chatSubsystem,
				Name:      "title_generations_total",
				Help:      "Total background title generations by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// =============================================================================
// Recording Helpers
// =============================================================================

// RecordInference counts a finished inference request.
func (m *ChatMetrics) RecordInference(model string, outcome Outcome) {
	if m == nil {
		return
	}
	m.InferenceTotal.WithLabelValues(model, string(outcome)).Inc()
}

// RecordDelta counts one relayed delta.
func (m *ChatMetrics) RecordDelta(model string) {
	if m == nil {
		return
	}
	m.DeltasTotal.WithLabelValues(model).Inc()
}

// RecordTimeToFirstToken observes first-delta latency.
func (m *ChatMetrics) RecordTimeToFirstToken(model string, seconds float64) {
	if m == nil {
		return
	}
	m.TimeToFirstTokenSeconds.WithLabelValues(model).Observe(seconds)
}

// RecordStreamDuration observes the streaming phase duration.
func (m *ChatMetrics) RecordStreamDuration(model string, outcome Outcome, seconds float64) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(model, string(outcome)).Observe(seconds)
}

// StreamStarted increments the active stream gauge.
func (m *ChatMetrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded decrements the active stream gauge.
func (m *ChatMetrics) StreamEnded() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// RecordError counts a classified failure.
func (m *ChatMetrics) RecordError(stage, code string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(stage, code).Inc()
}

// RecordKeepAlive counts one keep-alive ping.
func (m *ChatMetrics) RecordKeepAlive() {
	if m == nil {
		return
	}
	m.KeepAlivesTotal.Inc()
}

// RecordAttachment counts one attachment resolution.
func (m *ChatMetrics) RecordAttachment(mode string, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.AttachmentsResolvedTotal.WithLabelValues(mode, status).Inc()
}

// RecordTitle counts one title generation attempt.
func (m *ChatMetrics) RecordTitle(outcome string) {
	if m == nil {
		return
	}
	m.TitleGenerationsTotal.WithLabelValues(outcome).Inc()
}
