// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stoopline/stoopline/internal/logging"
	"github.com/stoopline/stoopline/internal/matching"
	"github.com/stoopline/stoopline/internal/metrics"
	"github.com/stoopline/stoopline/internal/models"
	"github.com/stoopline/stoopline/internal/router"
	"github.com/stoopline/stoopline/internal/store"
)

// FanOutResult summarizes one accepted event's routing.
type FanOutResult struct {
	Duplicate  bool
	Eligible   int
	Enqueued   int
	Suppressed int
}

// Processor turns one producer payload into outbox entries: validate,
// dedup-insert, match, route, enqueue. It is the single write path into
// the outbox.
type Processor struct {
	store   *store.Store
	matcher *matching.Engine
	router  *router.Router
	logger  zerolog.Logger
}

// NewProcessor wires the intake pipeline.
func NewProcessor(st *store.Store, matcher *matching.Engine, r *router.Router) *Processor {
	return &Processor{
		store:   st,
		matcher: matcher,
		router:  r,
		logger:  logging.With().Str("component", "ingest").Logger(),
	}
}

// Process handles one producer payload end to end. Validation failures
// return a models.ValidationError; the caller logs and acks so a bad
// item never wedges the stream.
func (p *Processor) Process(ctx context.Context, payload []byte, now time.Time) (*FanOutResult, error) {
	envelope, err := ParseEnvelope(payload)
	if err != nil {
		return nil, err
	}

	event := envelope.ToEvent(now)
	inserted, err := p.store.InsertEvent(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("store event: %w", err)
	}
	if !inserted {
		metrics.EventsDeduplicated.WithLabelValues(event.ModuleID).Inc()
		p.logger.Debug().
			Str("source_id", event.SourceID).
			Str("external_id", event.ExternalID).
			Msg("Duplicate event dropped")
		return &FanOutResult{Duplicate: true}, nil
	}
	metrics.EventsIngested.WithLabelValues(event.ModuleID).Inc()

	return p.fanOut(ctx, event, now)
}

// fanOut routes the event to every eligible user. Per-user failures are
// isolated: one bad user record never blocks the rest of the fan-out.
func (p *Processor) fanOut(ctx context.Context, event *models.Event, now time.Time) (*FanOutResult, error) {
	userIDs, err := p.matcher.EligibleUsers(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("enumerate eligible users: %w", err)
	}

	result := &FanOutResult{Eligible: len(userIDs)}
	for _, userID := range userIDs {
		if err := p.routeOne(ctx, event, userID, now, result); err != nil {
			var vErr *models.ValidationError
			if errors.As(err, &vErr) {
				p.logger.Warn().
					Str("user_id", userID).
					Str("reason", vErr.Error()).
					Msg("Skipping user with invalid record")
				continue
			}
			p.logger.Error().Err(err).
				Str("user_id", userID).
				Str("event_id", event.ID.String()).
				Msg("Routing failed for user")
		}
	}

	p.logger.Info().
		Str("event_id", event.ID.String()).
		Str("module", event.ModuleID).
		Str("priority", event.Priority.String()).
		Int("eligible", result.Eligible).
		Int("enqueued", result.Enqueued).
		Int("suppressed", result.Suppressed).
		Msg("Event fanned out")
	return result, nil
}

func (p *Processor) routeOne(ctx context.Context, event *models.Event, userID string, now time.Time, result *FanOutResult) error {
	user, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return &models.ValidationError{Field: "user_id", Message: "preference references unknown user"}
	}

	decision, err := p.router.Route(ctx, event, user, now)
	if err != nil {
		return fmt.Errorf("route: %w", err)
	}
	if !decision.ShouldSend {
		result.Suppressed++
		return nil
	}

	entry := &models.OutboxEntry{
		UserID:       userID,
		EventID:      event.ID,
		Channel:      decision.Channel,
		Timing:       decision.Timing,
		ScheduledFor: decision.ScheduledFor.UTC(),
	}
	if err := p.store.InsertOutboxEntry(ctx, entry); err != nil {
		return fmt.Errorf("enqueue outbox entry: %w", err)
	}
	result.Enqueued++
	return nil
}
