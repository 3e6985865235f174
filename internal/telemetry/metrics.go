/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SchedulerTicksTotal counts pre-build loop ticks.
	SchedulerTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "retrovue_scheduler_ticks_total",
		Help: "Number of scheduler pre-build loop ticks.",
	})

	// SchedulerErrorsTotal counts scheduler errors by channel and stage.
	SchedulerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retrovue_scheduler_errors_total",
		Help: "Number of scheduler errors.",
	}, []string{"channel", "stage"})

	// HorizonBuildDuration observes horizon build wall time per channel.
	HorizonBuildDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "retrovue_horizon_build_duration_seconds",
		Help:    "Duration of playout horizon builds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"channel"})

	// PlaylogEventsTotal counts emitted playlog events per channel.
	PlaylogEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retrovue_playlog_events_total",
		Help: "Number of playlog events emitted by horizon builds.",
	}, []string{"channel"})

	// SlotFailuresTotal counts build failures per channel and reason.
	SlotFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retrovue_slot_failures_total",
		Help: "Number of slot build failures.",
	}, []string{"channel", "reason"})

	// ClockTimezoneFallbacks counts UTC fallbacks for unknown zones.
	ClockTimezoneFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "retrovue_clock_timezone_fallbacks_total",
		Help: "Number of timezone lookups that degraded to UTC.",
	})

	// PlayoutStateTransitions counts channel manager state transitions.
	PlayoutStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retrovue_playout_state_transitions_total",
		Help: "Number of playout state machine transitions.",
	}, []string{"channel", "to"})

	// PlayoutRetriesTotal counts pipeline reload attempts.
	PlayoutRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retrovue_playout_retries_total",
		Help: "Number of playout pipeline retries.",
	}, []string{"channel"})

	// ViewerCount tracks connected viewers per channel.
	ViewerCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "retrovue_viewers",
		Help: "Connected viewers per channel.",
	}, []string{"channel"})

	// APIRequestsTotal counts HTTP requests.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "retrovue_api_requests_total",
		Help: "Number of HTTP API requests.",
	}, []string{"method", "endpoint", "status"})

	// APIRequestDuration observes HTTP request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "retrovue_api_request_duration_seconds",
		Help:    "Duration of HTTP API requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections tracks in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "retrovue_api_active_connections",
		Help: "In-flight HTTP API requests.",
	})

	// EventStreamConnections tracks open websocket event subscribers.
	EventStreamConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "retrovue_event_stream_connections",
		Help: "Open websocket event stream connections.",
	})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
