// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

// Package reliable is the high-reliability send path for designated
// high-value deliveries. It runs pre-flight checks before any network
// call, retries transient failures with exponential backoff behind a
// circuit breaker, dead-letters exhausted payloads, and verifies
// accepted messages against the provider after a delay. Every attempt is
// written to the audit trail.
package reliable

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	json "github.com/goccy/go-json"

	"github.com/stoopline/stoopline/internal/audit"
	"github.com/stoopline/stoopline/internal/config"
	"github.com/stoopline/stoopline/internal/delivery"
	"github.com/stoopline/stoopline/internal/dlq"
	"github.com/stoopline/stoopline/internal/logging"
	"github.com/stoopline/stoopline/internal/models"
)

// Payload is the dead-letterable form of one high-value delivery.
type Payload struct {
	Channel     models.Channel `json:"channel"`
	Destination string         `json:"destination"`
	Subject     string         `json:"subject"`
	BodyText    string         `json:"body_text"`
	BodyHTML    string         `json:"body_html,omitempty"`
}

// Content converts the payload back into channel content.
func (p *Payload) Content() *delivery.Content {
	return &delivery.Content{Subject: p.Subject, BodyText: p.BodyText, BodyHTML: p.BodyHTML}
}

// Outcome summarizes one reliable send.
type Outcome struct {
	Success           bool
	Attempts          int
	ProviderMessageID string
	DeadLettered      bool
	Verification      delivery.DeliveryState
	Err               error
}

// Prober is an optional reachability check run during pre-flight, before
// any attempt burns retry budget.
type Prober interface {
	Probe(ctx context.Context) error
}

// Sender drives the retry loop for one channel.
type Sender struct {
	channel delivery.Channel
	cfg     config.RetryConfig
	queue   *dlq.Queue
	trail   *audit.Trail
	breaker *gobreaker.CircuitBreaker[*delivery.Result]
	logger  zerolog.Logger

	// Overridable in tests for deterministic, sleepless runs.
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(d time.Duration) time.Duration
}

// NewSender builds the reliable path over a channel.
func NewSender(channel delivery.Channel, cfg config.RetryConfig, queue *dlq.Queue, trail *audit.Trail) *Sender {
	breaker := gobreaker.NewCircuitBreaker[*delivery.Result](gobreaker.Settings{
		Name:        fmt.Sprintf("reliable-%s", channel.Name()),
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	s := &Sender{
		channel: channel,
		cfg:     cfg,
		queue:   queue,
		trail:   trail,
		breaker: breaker,
		logger:  logging.With().Str("component", "reliable").Str("channel", string(channel.Name())).Logger(),
	}
	s.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	s.jitter = func(d time.Duration) time.Duration {
		if cfg.JitterFraction <= 0 {
			return d
		}
		spread := float64(d) * cfg.JitterFraction
		return d + time.Duration((rand.Float64()*2-1)*spread)
	}
	return s
}

// Send delivers one payload through the full reliability pipeline. The
// returned Outcome is informational; callers needing only pass/fail can
// check Outcome.Success.
func (s *Sender) Send(ctx context.Context, payload *Payload) *Outcome {
	started := time.Now()

	if err := s.preflight(ctx, payload); err != nil {
		// Straight to the dead-letter queue with zero attempts: nothing
		// was tried against the provider.
		outcome := &Outcome{Err: err}
		s.deadLetter(ctx, payload, err, 0, outcome)
		s.audit(ctx, payload, false, 0, time.Since(started), "", err)
		return outcome
	}

	outcome := s.attemptLoop(ctx, payload, started)
	if outcome.Success {
		outcome.Verification = s.verify(ctx, payload, outcome)
	}
	return outcome
}

// preflight validates everything checkable without touching the
// provider's send API.
func (s *Sender) preflight(ctx context.Context, payload *Payload) error {
	if err := s.channel.Validate(); err != nil {
		return fmt.Errorf("channel not configured: %w", err)
	}
	if err := s.channel.ValidateDestination(payload.Destination); err != nil {
		return fmt.Errorf("invalid destination: %w", err)
	}
	if payload.Content().Empty() {
		return errors.New("refusing to send empty content")
	}
	if prober, ok := s.channel.(Prober); ok {
		if err := prober.Probe(ctx); err != nil {
			return fmt.Errorf("provider unreachable: %w", err)
		}
	}
	return nil
}

func (s *Sender) attemptLoop(ctx context.Context, payload *Payload, started time.Time) *Outcome {
	outcome := &Outcome{}
	var lastErr error

	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		outcome.Attempts = attempt

		// Failed results surface as errors inside Execute so the breaker
		// counts them; the result still comes back for classification.
		result, err := s.breaker.Execute(func() (*delivery.Result, error) {
			r, sendErr := s.channel.Send(ctx, payload.Destination, payload.Content())
			if sendErr != nil {
				return r, sendErr
			}
			if !r.Success {
				return r, fmt.Errorf("%s: %s", r.ErrorCode, r.ErrorMessage)
			}
			return r, nil
		})

		switch {
		case result == nil:
			// Breaker open or an invariant violation; both are worth a
			// later attempt.
			lastErr = err
		case result.Success:
			outcome.Success = true
			outcome.ProviderMessageID = result.ProviderMessageID
			s.audit(ctx, payload, true, attempt, time.Since(started), "", nil)
			return outcome
		default:
			lastErr = fmt.Errorf("%s: %s", result.ErrorCode, result.ErrorMessage)
			if !result.IsTransient {
				// Permanent provider verdicts are never retried.
				s.logger.Warn().
					Str("destination", payload.Destination).
					Str("error_code", result.ErrorCode).
					Msg("Permanent delivery failure, abandoning retries")
				outcome.Err = lastErr
				s.deadLetter(ctx, payload, lastErr, attempt, outcome)
				s.audit(ctx, payload, false, attempt, time.Since(started), "", lastErr)
				return outcome
			}
		}

		s.logger.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Int("max_attempts", s.cfg.MaxAttempts).
			Msg("Delivery attempt failed")

		if attempt < s.cfg.MaxAttempts {
			if err := s.sleep(ctx, s.backoff(attempt)); err != nil {
				lastErr = fmt.Errorf("send canceled: %w", err)
				break
			}
		}
	}

	outcome.Err = lastErr
	s.deadLetter(ctx, payload, lastErr, outcome.Attempts, outcome)
	s.audit(ctx, payload, false, outcome.Attempts, time.Since(started), "", lastErr)
	return outcome
}

// backoff computes the delay before the next attempt: exponential with
// jitter, capped at MaxDelay.
func (s *Sender) backoff(attempt int) time.Duration {
	delay := s.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * s.cfg.Multiplier)
		if delay >= s.cfg.MaxDelay {
			delay = s.cfg.MaxDelay
			break
		}
	}
	delay = s.jitter(delay)
	if delay > s.cfg.MaxDelay {
		delay = s.cfg.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// verify polls the provider for post-accept delivery state after a
// settling delay. Bounce-class outcomes are logged as failures but never
// retried; the provider already accepted the message.
func (s *Sender) verify(ctx context.Context, payload *Payload, outcome *Outcome) delivery.DeliveryState {
	checker, ok := s.channel.(delivery.StatusChecker)
	if !ok || outcome.ProviderMessageID == "" {
		return delivery.StateUnknown
	}
	if s.cfg.VerificationDelay > 0 {
		if err := s.sleep(ctx, s.cfg.VerificationDelay); err != nil {
			return delivery.StateUnknown
		}
	}

	state, err := checker.Status(ctx, outcome.ProviderMessageID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Delivery verification poll failed")
		return delivery.StateUnknown
	}

	switch {
	case state.Confirmed():
		s.logger.Info().Str("state", string(state)).Msg("Delivery confirmed")
	case state.Terminal():
		s.logger.Error().
			Str("state", string(state)).
			Str("destination", payload.Destination).
			Msg("Delivery bounced after acceptance; not retrying")
	default:
		s.logger.Debug().Str("state", string(state)).Msg("Delivery provisionally accepted")
	}

	s.audit(ctx, payload, true, outcome.Attempts, 0, string(state), nil)
	return state
}

func (s *Sender) deadLetter(ctx context.Context, payload *Payload, cause error, attempts int, outcome *Outcome) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode dead-letter payload")
		return
	}
	if cause == nil {
		cause = errors.New("delivery failed")
	}
	if _, err := s.queue.Add(ctx, raw, cause, attempts); err != nil {
		s.logger.Error().Err(err).Msg("Failed to dead-letter payload")
		return
	}
	outcome.DeadLettered = true
}

func (s *Sender) audit(ctx context.Context, payload *Payload, success bool, attempts int,
	duration time.Duration, verification string, cause error) {
	record := &audit.Record{
		Recipient:    payload.Destination,
		Subject:      payload.Subject,
		Channel:      string(payload.Channel),
		Success:      success,
		Attempts:     attempts,
		Duration:     duration,
		Verification: verification,
	}
	if cause != nil {
		record.Error = cause.Error()
	}
	s.trail.Write(ctx, record)
}

// RetryFromDeadLetter decodes a dead-lettered payload and re-runs the
// send pipeline, for wiring into dlq.Queue.Retry.
func (s *Sender) RetryFromDeadLetter(ctx context.Context, raw []byte) error {
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decode dead-letter payload: %w", err)
	}

	result, err := s.channel.Send(ctx, payload.Destination, payload.Content())
	if err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("%s: %s", result.ErrorCode, result.ErrorMessage)
	}
	return nil
}
