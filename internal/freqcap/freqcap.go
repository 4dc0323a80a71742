// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

// Package freqcap enforces per-user daily send limits and per-message-type
// cooldowns. A cap breach is an expected outcome reported in the result,
// never an error.
package freqcap

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stoopline/stoopline/internal/config"
	"github.com/stoopline/stoopline/internal/logging"
	"github.com/stoopline/stoopline/internal/metrics"
	"github.com/stoopline/stoopline/internal/models"
	"github.com/stoopline/stoopline/internal/store"
)

// Result is a structured cap decision. Reason is set only when blocked.
type Result struct {
	Allowed      bool
	Reason       string
	CurrentCount int
	Limit        int
}

// Tracker computes today's counters from the delivery log on demand.
// Nothing is cached across calls; the log is the single source of truth.
type Tracker struct {
	store  *store.Store
	cfg    config.DeliveryConfig
	loc    *time.Location
	logger zerolog.Logger
}

// NewTracker builds a tracker using the configured limits and the canonical
// city timezone for day boundaries.
func NewTracker(st *store.Store, cfg config.DeliveryConfig, loc *time.Location) *Tracker {
	return &Tracker{
		store:  st,
		cfg:    cfg,
		loc:    loc,
		logger: logging.With().Str("component", "freqcap").Logger(),
	}
}

// CheckEmail applies the daily email limit and the per-type cooldown.
// Urgent and above bypass the daily limit; critical and above bypass the
// cooldown as well.
func (t *Tracker) CheckEmail(ctx context.Context, userID, messageType string, priority models.Priority, now time.Time) (*Result, error) {
	return t.check(ctx, models.ChannelEmail, userID, messageType, priority, now)
}

// CheckSMS is the SMS analogue of CheckEmail.
func (t *Tracker) CheckSMS(ctx context.Context, userID, messageType string, priority models.Priority, now time.Time) (*Result, error) {
	return t.check(ctx, models.ChannelSMS, userID, messageType, priority, now)
}

func (t *Tracker) check(ctx context.Context, channel models.Channel, userID, messageType string, priority models.Priority, now time.Time) (*Result, error) {
	stats, err := t.store.DeliveryStatsFor(ctx, userID, now, t.loc)
	if err != nil {
		return nil, fmt.Errorf("load delivery stats: %w", err)
	}

	count, limit := stats.EmailsToday, t.cfg.DailyEmailLimit
	if channel == models.ChannelSMS {
		count, limit = stats.SMSToday, t.cfg.DailySMSLimit
	}
	result := &Result{Allowed: true, CurrentCount: count, Limit: limit}

	if count >= limit && priority < models.PriorityUrgent {
		result.Allowed = false
		result.Reason = fmt.Sprintf("Daily %s limit reached (%d/%d)", channel, count, limit)
		t.blocked(channel, "daily_limit", userID, result)
		return result, nil
	}

	if priority >= models.PriorityCritical {
		return result, nil
	}

	// Cooldown spans day boundaries, so it reads the full log rather than
	// today's snapshot.
	last, err := t.store.LastSendOfType(ctx, userID, messageType)
	if err != nil {
		return nil, fmt.Errorf("load last send: %w", err)
	}
	cooldown := time.Duration(t.cfg.CooldownHours) * time.Hour
	if !last.IsZero() && now.Sub(last) < cooldown {
		result.Allowed = false
		result.Reason = fmt.Sprintf("Cooldown active for %s (last sent %s ago)",
			messageType, now.Sub(last).Round(time.Minute))
		t.blocked(channel, "cooldown", userID, result)
		return result, nil
	}

	return result, nil
}

func (t *Tracker) blocked(channel models.Channel, reason, userID string, result *Result) {
	metrics.CapBlocks.WithLabelValues(string(channel), reason).Inc()
	t.logger.Debug().
		Str("user_id", userID).
		Str("channel", string(channel)).
		Str("reason", result.Reason).
		Msg("Send blocked by frequency cap")
}
