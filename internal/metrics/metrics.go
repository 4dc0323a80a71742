// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

// Package metrics provides Prometheus instrumentation for the engine:
// matching fan-out, routing decisions, frequency-cap blocks, executor
// outcomes, dead-letter activity and dependency health.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Matching
	MatchEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matching_evaluations_total",
			Help: "Total predicate evaluations by module and outcome",
		},
		[]string{"module", "outcome"}, // "match", "miss"
	)

	// Routing
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_decisions_total",
			Help: "Total router decisions by priority, channel and timing",
		},
		[]string{"priority", "channel", "timing"},
	)

	RoutingSuppressions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_suppressions_total",
			Help: "Total routed messages suppressed, by priority and reason",
		},
		[]string{"priority", "reason"},
	)

	// Frequency caps
	CapBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "frequency_cap_blocks_total",
			Help: "Total cap-check denials by channel and reason",
		},
		[]string{"channel", "reason"}, // "daily_limit", "cooldown"
	)

	// Outbox executor
	OutboxBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_batch_entries",
			Help:    "Entries selected per executor batch",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		},
	)

	OutboxOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_outcomes_total",
			Help: "Total outbox entries resolved, by channel and final status",
		},
		[]string{"channel", "status"}, // "sent", "failed", "skipped"
	)

	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "channel_send_duration_seconds",
			Help:    "Duration of channel provider calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel", "status"}, // "success", "failure", "error"
	)

	// Ingest
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_ingested_total",
			Help: "Producer events accepted into the event store, by module",
		},
		[]string{"module"},
	)

	EventsDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_deduplicated_total",
			Help: "Producer events dropped as duplicates, by module",
		},
		[]string{"module"},
	)

	// Dead-letter queue
	DLQEntries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dlq_entries_total",
			Help: "Total payloads dead-lettered",
		},
	)

	DLQRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_retries_total",
			Help: "Total dead-letter retry attempts by result",
		},
		[]string{"result"}, // "success", "failure"
	)

	DLQDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dlq_depth",
			Help: "Current number of dead-letter entries",
		},
	)

	// Health
	DependencyUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dependency_up",
			Help: "Dependency health by name (1 healthy, 0 down)",
		},
		[]string{"dependency"},
	)

	FailsafeSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failsafe_sends_total",
			Help: "Degraded-mode sends by content level",
		},
		[]string{"level"}, // "full", "degraded", "minimal"
	)

	// Job locks
	JobLockSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_lock_skips_total",
			Help: "Scheduled runs skipped because the lock was held",
		},
		[]string{"job"},
	)
)

// ObserveSend records one provider call with its duration and outcome.
func ObserveSend(channel string, status string, started time.Time) {
	SendDuration.WithLabelValues(channel, status).Observe(time.Since(started).Seconds())
}

// SetDependencyHealth flips the health gauge for a dependency.
func SetDependencyHealth(name string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	DependencyUp.WithLabelValues(name).Set(v)
}
