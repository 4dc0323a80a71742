// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

// Package health runs pre-flight dependency checks before high-stakes
// batch jobs. Checks run in parallel, each bounded by the configured
// timeout, and fold into a single healthy/degraded/down verdict with
// remediation text for the operator.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stoopline/stoopline/internal/config"
	"github.com/stoopline/stoopline/internal/logging"
	"github.com/stoopline/stoopline/internal/metrics"
)

// Status is the overall verdict.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Check is one probed dependency. Critical checks take the whole system
// down when they fail; non-critical failures only degrade it.
type Check struct {
	Name        string
	Critical    bool
	Remediation string
	Probe       func(ctx context.Context) error
}

// ComponentHealth is one check's outcome.
type ComponentHealth struct {
	Name        string        `json:"name"`
	Healthy     bool          `json:"healthy"`
	Latency     time.Duration `json:"latency_ms"`
	Error       string        `json:"error,omitempty"`
	Remediation string        `json:"remediation,omitempty"`
}

// Report is the folded result of one monitor run.
type Report struct {
	Status     Status            `json:"status"`
	Components []ComponentHealth `json:"components"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// Component returns the named component's outcome, or nil.
func (r *Report) Component(name string) *ComponentHealth {
	for i := range r.Components {
		if r.Components[i].Name == name {
			return &r.Components[i]
		}
	}
	return nil
}

// Monitor runs the registered checks.
type Monitor struct {
	checks  []Check
	timeout time.Duration
	logger  zerolog.Logger
}

// NewMonitor builds a monitor with the configured per-check timeout.
func NewMonitor(cfg config.HealthConfig, checks ...Check) *Monitor {
	timeout := cfg.CheckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Monitor{
		checks:  checks,
		timeout: timeout,
		logger:  logging.With().Str("component", "health").Logger(),
	}
}

// Run probes every dependency in parallel and folds the results.
func (m *Monitor) Run(ctx context.Context) *Report {
	report := &Report{
		Status:     StatusHealthy,
		Components: make([]ComponentHealth, len(m.checks)),
		CheckedAt:  time.Now().UTC(),
	}

	var wg sync.WaitGroup
	for i, check := range m.checks {
		wg.Add(1)
		go func(i int, check Check) {
			defer wg.Done()
			report.Components[i] = m.runOne(ctx, check)
		}(i, check)
	}
	wg.Wait()

	for i := range report.Components {
		component := &report.Components[i]
		metrics.SetDependencyHealth(component.Name, component.Healthy)
		if component.Healthy {
			continue
		}
		if m.checks[i].Critical {
			report.Status = StatusDown
		} else if report.Status == StatusHealthy {
			report.Status = StatusDegraded
		}
	}

	event := m.logger.Info()
	if report.Status != StatusHealthy {
		event = m.logger.Warn()
	}
	event.Str("status", string(report.Status)).Msg("Dependency health checked")
	return report
}

func (m *Monitor) runOne(ctx context.Context, check Check) ComponentHealth {
	checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	started := time.Now()
	err := check.Probe(checkCtx)
	component := ComponentHealth{
		Name:    check.Name,
		Healthy: err == nil,
		Latency: time.Since(started),
	}
	if err != nil {
		component.Error = err.Error()
		component.Remediation = check.Remediation
		m.logger.Warn().
			Str("check", check.Name).
			Err(err).
			Str("remediation", check.Remediation).
			Msg("Dependency check failed")
	}
	return component
}

// Dependency names used across the engine.
const (
	CheckDatastore = "datastore"
	CheckEmail     = "email_provider"
	CheckWeather   = "weather_api"
)

// DatastoreCheck probes connectivity and query latency.
func DatastoreCheck(probe func(ctx context.Context) (time.Duration, error)) Check {
	return Check{
		Name:        CheckDatastore,
		Critical:    true,
		Remediation: "Check the DuckDB file path and disk; restart the service if the handle is wedged.",
		Probe: func(ctx context.Context) error {
			latency, err := probe(ctx)
			if err != nil {
				return err
			}
			if latency > time.Second {
				return fmt.Errorf("query latency %s exceeds 1s budget", latency.Round(time.Millisecond))
			}
			return nil
		},
	}
}

// EmailCheck probes SMTP reachability.
func EmailCheck(probe func(ctx context.Context) error) Check {
	return Check{
		Name:        CheckEmail,
		Critical:    false,
		Remediation: "Verify SMTP host, port and credentials; check the provider's status page.",
		Probe:       probe,
	}
}

// WeatherCheck probes the external weather dependency used by the
// degraded-content builder.
func WeatherCheck(client *http.Client, url string) Check {
	return Check{
		Name:        CheckWeather,
		Critical:    false,
		Remediation: "The weather API is down or unreachable; degraded digests fall back to the static notice.",
		Probe: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode >= 500 {
				return fmt.Errorf("weather API returned %d", resp.StatusCode)
			}
			return nil
		},
	}
}
