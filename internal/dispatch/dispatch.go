// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

// Package dispatch orchestrates one outbox delivery run: dependency
// checks first, then the TTL job lock, then the executor. The same job
// backs the dispatch CLI mode and the periodic loop in serve mode, so
// overlapping schedulers on different hosts contend on the lock, never
// on the outbox.
package dispatch

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stoopline/stoopline/internal/delivery"
	"github.com/stoopline/stoopline/internal/health"
	"github.com/stoopline/stoopline/internal/logging"
	"github.com/stoopline/stoopline/internal/metrics"
	"github.com/stoopline/stoopline/internal/outbox"
	"github.com/stoopline/stoopline/internal/store"
)

// LockName is the shared lock key for outbox dispatch.
const LockName = "outbox-dispatch"

// ErrDatastoreDown aborts a run before any entry is touched.
var ErrDatastoreDown = fmt.Errorf("datastore check failed, dispatch aborted")

// Job runs one gated, locked outbox batch.
type Job struct {
	store         *store.Store
	executor      *outbox.Executor
	monitor       *health.Monitor
	alerts        delivery.Channel
	operatorEmail string
	lockTTL       time.Duration
	holderID      string
	logger        zerolog.Logger
}

// NewJob wires the dispatch orchestration. alerts may be nil when no
// operator alerting is configured.
func NewJob(st *store.Store, executor *outbox.Executor, monitor *health.Monitor, alerts delivery.Channel, operatorEmail string, lockTTL time.Duration) *Job {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Job{
		store:         st,
		executor:      executor,
		monitor:       monitor,
		alerts:        alerts,
		operatorEmail: operatorEmail,
		lockTTL:       lockTTL,
		holderID:      fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		logger:        logging.With().Str("component", "dispatch").Logger(),
	}
}

// Run executes one dispatch cycle. A nil result with a nil error means
// another holder owns the lock and this run stood down.
func (j *Job) Run(ctx context.Context, now time.Time) (*outbox.BatchResult, error) {
	report := j.monitor.Run(ctx)
	if report.Status == health.StatusDown {
		j.alertOperator(ctx, report)
		return nil, ErrDatastoreDown
	}
	if report.Status == health.StatusDegraded {
		j.logger.Warn().Msg("Dispatching with degraded dependencies")
	}

	acquired, err := j.store.AcquireJobLock(ctx, LockName, j.holderID, j.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire dispatch lock: %w", err)
	}
	if !acquired {
		metrics.JobLockSkips.WithLabelValues(LockName).Inc()
		j.logger.Info().Msg("Dispatch lock held elsewhere, standing down")
		return nil, nil
	}
	defer func() {
		if err := j.store.ReleaseJobLock(context.WithoutCancel(ctx), LockName, j.holderID); err != nil {
			j.logger.Warn().Err(err).Msg("Failed to release dispatch lock, TTL will reclaim it")
		}
	}()

	result, err := j.executor.ProcessBatch(ctx, now)
	if err != nil {
		return nil, err
	}
	j.logger.Info().
		Int("selected", result.Selected).
		Int("sent", result.Sent).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("Dispatch batch complete")
	return result, nil
}

// alertOperator is best-effort. The datastore is already down; a failed
// alert must not mask the original abort.
func (j *Job) alertOperator(ctx context.Context, report *health.Report) {
	if j.alerts == nil || j.operatorEmail == "" {
		return
	}

	body := "Outbox dispatch aborted before processing any entries.\n\nFailed dependencies:\n"
	for _, component := range report.Components {
		if component.Healthy {
			continue
		}
		body += fmt.Sprintf("- %s: %s\n  Remediation: %s\n", component.Name, component.Error, component.Remediation)
	}

	content := &delivery.Content{
		Subject:  "Stoopline dispatch aborted: dependency check failed",
		BodyText: body,
	}
	if _, err := j.alerts.Send(ctx, j.operatorEmail, content); err != nil {
		j.logger.Warn().Err(err).Msg("Operator alert failed")
	}
}
