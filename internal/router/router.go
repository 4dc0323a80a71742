// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

// Package router turns a matched (event, user) pair into a channel and
// timing decision. Suppression is a normal, logged outcome.
package router

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stoopline/stoopline/internal/freqcap"
	"github.com/stoopline/stoopline/internal/logging"
	"github.com/stoopline/stoopline/internal/metrics"
	"github.com/stoopline/stoopline/internal/models"
)

// Decision is the structured routing outcome written to the outbox. When
// ShouldSend is false, Reason says why and nothing is enqueued. Cause is
// the coarse counterpart of Reason, bounded so it can label a metric.
type Decision struct {
	ShouldSend   bool
	Channel      models.Channel
	Timing       models.Timing
	ScheduledFor time.Time
	Reason       string
	Cause        string
}

// Suppression causes. Reason carries the human-readable detail.
const (
	CauseCapBlocked = "cap_blocked"
	CauseHeadroom   = "headroom"
)

// Router is the priority waterfall: CRITICAL > URGENT > IMPORTANT >
// ROUTINE, each tier with its own channel and deferral rules.
type Router struct {
	caps    *freqcap.Tracker
	windows *Windows
	logger  zerolog.Logger
}

// New builds a router over the cap tracker and window calculator.
func New(caps *freqcap.Tracker, windows *Windows) *Router {
	return &Router{
		caps:    caps,
		windows: windows,
		logger:  logging.With().Str("component", "router").Logger(),
	}
}

// Route decides channel and timing for one delivery. It never returns an
// error for cap breaches or quiet hours; those produce suppressions or
// deferred schedules.
func (r *Router) Route(ctx context.Context, event *models.Event, user *models.User, now time.Time) (*Decision, error) {
	var decision *Decision
	var err error

	switch event.Priority {
	case models.PriorityCritical:
		decision, err = r.routeCritical(ctx, event, user, now)
	case models.PriorityUrgent:
		decision, err = r.routeUrgent(ctx, event, user, now)
	case models.PriorityImportant:
		decision, err = r.routeImportant(ctx, event, user, now)
	default:
		decision, err = r.routeRoutine(ctx, event, user, now)
	}
	if err != nil {
		return nil, err
	}

	r.observe(event, user, decision)
	return decision, nil
}

// routeCritical tries SMS, falls back to email, and when both channels are
// capped defers an hour rather than dropping. Critical messages are never
// silently discarded.
func (r *Router) routeCritical(ctx context.Context, event *models.Event, user *models.User, now time.Time) (*Decision, error) {
	if user.SMSOptIn && user.Phone != "" {
		result, err := r.caps.CheckSMS(ctx, user.ID, event.MessageType(), event.Priority, now)
		if err != nil {
			return nil, err
		}
		if result.Allowed {
			return immediate(models.ChannelSMS, now, "critical via sms"), nil
		}
	}

	result, err := r.caps.CheckEmail(ctx, user.ID, event.MessageType(), event.Priority, now)
	if err != nil {
		return nil, err
	}
	if result.Allowed {
		if r.windows.InQuietHours(now, user) {
			return scheduled(models.ChannelEmail, r.windows.QuietHoursEnd(now, user),
				"critical deferred past quiet hours"), nil
		}
		return immediate(models.ChannelEmail, now, "critical via email"), nil
	}

	return scheduled(models.ChannelEmail, now.Add(time.Hour),
		"all channels capped; critical deferred one hour"), nil
}

// routeUrgent gives premium users an immediate channel; free users wait
// for the next digest.
func (r *Router) routeUrgent(ctx context.Context, event *models.Event, user *models.User, now time.Time) (*Decision, error) {
	if user.Tier == models.TierPremium {
		if user.SMSOptIn && user.Phone != "" {
			result, err := r.caps.CheckSMS(ctx, user.ID, event.MessageType(), event.Priority, now)
			if err != nil {
				return nil, err
			}
			if result.Allowed {
				return immediate(models.ChannelSMS, now, "urgent via sms"), nil
			}
		}

		result, err := r.caps.CheckEmail(ctx, user.ID, event.MessageType(), event.Priority, now)
		if err != nil {
			return nil, err
		}
		if !result.Allowed {
			return suppressed(CauseCapBlocked, result.Reason), nil
		}
		if r.windows.InQuietHours(now, user) {
			return scheduled(models.ChannelEmail, r.windows.QuietHoursEnd(now, user),
				"urgent deferred past quiet hours"), nil
		}
		return immediate(models.ChannelEmail, now, "urgent via email"), nil
	}

	result, err := r.caps.CheckEmail(ctx, user.ID, event.MessageType(), event.Priority, now)
	if err != nil {
		return nil, err
	}
	if !result.Allowed {
		return suppressed(CauseCapBlocked, result.Reason), nil
	}
	return batched(models.ChannelEmail, r.windows.NextDigest(now, user.Tier),
		"urgent batched for free tier"), nil
}

// routeImportant always batches into a digest window.
func (r *Router) routeImportant(ctx context.Context, event *models.Event, user *models.User, now time.Time) (*Decision, error) {
	result, err := r.caps.CheckEmail(ctx, user.ID, event.MessageType(), event.Priority, now)
	if err != nil {
		return nil, err
	}
	if !result.Allowed {
		return suppressed(CauseCapBlocked, result.Reason), nil
	}
	return batched(models.ChannelEmail, r.windows.NextDigest(now, user.Tier),
		"important batched"), nil
}

// routeRoutine batches, but suppresses pre-emptively one send short of the
// cap to leave headroom for anything higher-priority later today.
func (r *Router) routeRoutine(ctx context.Context, event *models.Event, user *models.User, now time.Time) (*Decision, error) {
	result, err := r.caps.CheckEmail(ctx, user.ID, event.MessageType(), event.Priority, now)
	if err != nil {
		return nil, err
	}
	if !result.Allowed {
		return suppressed(CauseCapBlocked, result.Reason), nil
	}
	if result.CurrentCount >= result.Limit-1 {
		return suppressed(CauseHeadroom, "Routine send withheld to preserve daily cap headroom"), nil
	}
	return batched(models.ChannelEmail, r.windows.NextDigest(now, user.Tier),
		"routine batched"), nil
}

func (r *Router) observe(event *models.Event, user *models.User, d *Decision) {
	if d.ShouldSend {
		metrics.RoutingDecisions.WithLabelValues(
			event.Priority.String(), string(d.Channel), string(d.Timing)).Inc()
	} else {
		metrics.RoutingSuppressions.WithLabelValues(
			event.Priority.String(), d.Cause).Inc()
	}
	r.logger.Debug().
		Str("event_id", event.ID.String()).
		Str("user_id", user.ID).
		Str("priority", event.Priority.String()).
		Bool("should_send", d.ShouldSend).
		Str("reason", d.Reason).
		Msg("Routing decision")
}

func immediate(ch models.Channel, now time.Time, reason string) *Decision {
	return &Decision{
		ShouldSend:   true,
		Channel:      ch,
		Timing:       models.TimingImmediate,
		ScheduledFor: now,
		Reason:       reason,
	}
}

func batched(ch models.Channel, slot time.Time, reason string) *Decision {
	return &Decision{
		ShouldSend:   true,
		Channel:      ch,
		Timing:       models.TimingBatched,
		ScheduledFor: slot,
		Reason:       reason,
	}
}

func scheduled(ch models.Channel, at time.Time, reason string) *Decision {
	return &Decision{
		ShouldSend:   true,
		Channel:      ch,
		Timing:       models.TimingScheduled,
		ScheduledFor: at,
		Reason:       reason,
	}
}

func suppressed(cause, reason string) *Decision {
	return &Decision{ShouldSend: false, Cause: cause, Reason: reason}
}
