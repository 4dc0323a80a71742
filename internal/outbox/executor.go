// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

// Package outbox implements the standard delivery path: an idempotent
// batch processor over the durable outbox table. Selection is
// status=pending AND scheduled_for<=now, so a crash mid-batch leaves the
// unprocessed remainder pending and the next invocation resumes it
// without checkpointing.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/stoopline/stoopline/internal/cache"
	"github.com/stoopline/stoopline/internal/config"
	"github.com/stoopline/stoopline/internal/delivery"
	"github.com/stoopline/stoopline/internal/digest"
	"github.com/stoopline/stoopline/internal/logging"
	"github.com/stoopline/stoopline/internal/metrics"
	"github.com/stoopline/stoopline/internal/models"
	"github.com/stoopline/stoopline/internal/reliable"
	"github.com/stoopline/stoopline/internal/store"
)

// ReliableSender is the high-value delivery pipeline. Critical entries
// route through it when a sender is registered for their channel; every
// other entry takes the standard path.
type ReliableSender interface {
	Send(ctx context.Context, payload *reliable.Payload) *reliable.Outcome
}

// BatchResult summarizes one ProcessBatch invocation.
type BatchResult struct {
	Selected int
	Sent     int
	Failed   int
	Skipped  int
}

// Executor drains due outbox entries through the channel registry.
// Failures are terminal per attempt on this path; only an explicit
// operator reset re-queues a failed entry.
type Executor struct {
	store    *store.Store
	registry *delivery.Registry
	cfg      config.DeliveryConfig
	limiter  *rate.Limiter
	users    *cache.Cache[*models.User]
	reliable map[models.Channel]ReliableSender
	logger   zerolog.Logger
}

// NewExecutor builds the standard-path executor. The limiter paces
// consecutive provider calls within a batch.
func NewExecutor(st *store.Store, registry *delivery.Registry, cfg config.DeliveryConfig) *Executor {
	interval := cfg.SendInterval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Executor{
		store:    st,
		registry: registry,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		users:    cache.New[*models.User](time.Minute),
		logger:   logging.With().Str("component", "executor").Logger(),
	}
}

// WithReliable registers high-reliability senders per channel and
// returns the executor for chaining.
func (e *Executor) WithReliable(senders map[models.Channel]ReliableSender) *Executor {
	e.reliable = senders
	return e
}

// ProcessBatch handles up to BatchSize due entries. Safe to call any
// number of times; per-entry failures never abort the batch.
func (e *Executor) ProcessBatch(ctx context.Context, now time.Time) (*BatchResult, error) {
	entries, err := e.store.SelectDue(ctx, now, e.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("select due entries: %w", err)
	}

	result := &BatchResult{Selected: len(entries)}
	if len(entries) == 0 {
		return result, nil
	}
	metrics.OutboxBatchSize.Observe(float64(len(entries)))

	groups, singles := digest.Group(entries)

	for i := range singles {
		e.processSingle(ctx, &singles[i], result)
	}
	for key, group := range groups {
		e.processGroup(ctx, key, group, result)
	}

	e.logger.Info().
		Int("selected", result.Selected).
		Int("sent", result.Sent).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Msg("Outbox batch processed")
	return result, nil
}

// processSingle delivers one immediate or scheduled entry.
func (e *Executor) processSingle(ctx context.Context, entry *models.OutboxEntry, result *BatchResult) {
	event, err := e.store.GetEvent(ctx, entry.EventID)
	if err != nil || event == nil {
		e.fail(ctx, entry, fmt.Sprintf("event %s not loadable: %v", entry.EventID, err), result)
		return
	}
	if event.Priority == models.PriorityCritical {
		if sender, ok := e.reliable[entry.Channel]; ok {
			e.deliverReliable(ctx, sender, entry, event, result)
			return
		}
	}
	e.deliver(ctx, []*models.OutboxEntry{entry}, digest.EventContent(event), result)
}

// deliverReliable runs one critical entry through the retry and
// dead-letter pipeline. Exhausted payloads are already dead-lettered by
// the sender; the outbox entry just records the terminal failure.
func (e *Executor) deliverReliable(ctx context.Context, sender ReliableSender, entry *models.OutboxEntry, event *models.Event, result *BatchResult) {
	user, err := e.lookupUser(ctx, entry.UserID)
	if err != nil {
		e.fail(ctx, entry, fmt.Sprintf("user %s not loadable: %v", entry.UserID, err), result)
		return
	}
	var destination string
	if user != nil {
		destination = user.Destination(entry.Channel)
	}
	if destination == "" {
		e.skip(ctx, entry, "no destination on file", result)
		return
	}
	if err := e.limiter.Wait(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Batch canceled while pacing sends")
		return
	}

	content := digest.EventContent(event)
	outcome := sender.Send(ctx, &reliable.Payload{
		Channel:     entry.Channel,
		Destination: destination,
		Subject:     content.Subject,
		BodyText:    content.BodyText,
		BodyHTML:    content.BodyHTML,
	})
	if !outcome.Success {
		reason := "delivery failed"
		if outcome.Err != nil {
			reason = outcome.Err.Error()
		}
		if outcome.DeadLettered {
			reason += " (dead-lettered)"
		}
		e.fail(ctx, entry, reason, result)
		return
	}

	sentAt := time.Now().UTC()
	if err := e.store.MarkSent(ctx, entry.ID, outcome.ProviderMessageID, sentAt); err != nil {
		e.logger.Error().Err(err).
			Str("entry_id", entry.ID.String()).
			Msg("Failed to finalize sent entry")
		return
	}
	result.Sent++
	metrics.OutboxOutcomes.WithLabelValues(string(entry.Channel), "sent").Inc()
	e.logDelivery(ctx, entry, event, sentAt)
}

// processGroup delivers one digest: a single provider call covering all
// of a user's batched entries on one channel.
func (e *Executor) processGroup(ctx context.Context, key digest.GroupKey, group []models.OutboxEntry, result *BatchResult) {
	var events []*models.Event
	var entries []*models.OutboxEntry
	for i := range group {
		event, err := e.store.GetEvent(ctx, group[i].EventID)
		if err != nil || event == nil {
			e.fail(ctx, &group[i], fmt.Sprintf("event %s not loadable: %v", group[i].EventID, err), result)
			continue
		}
		events = append(events, event)
		entries = append(entries, &group[i])
	}
	if len(entries) == 0 {
		return
	}
	e.deliver(ctx, entries, digest.Build(events), result)
}

// deliver makes exactly one provider call for the given entries, which
// all share a user and channel.
func (e *Executor) deliver(ctx context.Context, entries []*models.OutboxEntry, content *delivery.Content, result *BatchResult) {
	lead := entries[0]

	user, err := e.lookupUser(ctx, lead.UserID)
	if err != nil {
		e.fail(ctx, lead, fmt.Sprintf("user %s not loadable: %v", lead.UserID, err), result)
		return
	}

	var destination string
	if user != nil {
		destination = user.Destination(lead.Channel)
	}
	if destination == "" {
		// No destination on file: zero provider calls, entries closed out
		// as skipped.
		for _, entry := range entries {
			e.skip(ctx, entry, "no destination on file", result)
		}
		return
	}

	channel, ok := e.registry.Get(lead.Channel)
	if !ok {
		for _, entry := range entries {
			e.fail(ctx, entry, fmt.Sprintf("channel %s not configured", lead.Channel), result)
		}
		return
	}

	if err := e.limiter.Wait(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Batch canceled while pacing sends")
		return
	}

	started := time.Now()
	sendResult, err := channel.Send(ctx, destination, content)
	if err != nil {
		for _, entry := range entries {
			e.fail(ctx, entry, err.Error(), result)
		}
		metrics.ObserveSend(string(lead.Channel), "error", started)
		return
	}

	if !sendResult.Success {
		reason := fmt.Sprintf("%s: %s", sendResult.ErrorCode, sendResult.ErrorMessage)
		for _, entry := range entries {
			e.fail(ctx, entry, reason, result)
		}
		metrics.ObserveSend(string(lead.Channel), "failure", started)
		return
	}

	sentAt := time.Now().UTC()
	for _, entry := range entries {
		if err := e.store.MarkSent(ctx, entry.ID, sendResult.ProviderMessageID, sentAt); err != nil {
			e.logger.Error().Err(err).
				Str("entry_id", entry.ID.String()).
				Msg("Failed to finalize sent entry")
			continue
		}
		result.Sent++
		metrics.OutboxOutcomes.WithLabelValues(string(entry.Channel), "sent").Inc()
	}
	metrics.ObserveSend(string(lead.Channel), "success", started)

	event, err := e.store.GetEvent(ctx, lead.EventID)
	if err == nil && event != nil {
		e.logDelivery(ctx, lead, event, sentAt)
	}
}

// logDelivery appends to the delivery log that feeds the frequency cap
// tracker. One append per provider call, not per folded entry.
func (e *Executor) logDelivery(ctx context.Context, entry *models.OutboxEntry, event *models.Event, sentAt time.Time) {
	err := e.store.AppendDeliveryLog(ctx, &models.DeliveryLogEntry{
		UserID:      entry.UserID,
		Channel:     entry.Channel,
		MessageType: event.MessageType(),
		Priority:    event.Priority,
		SentAt:      sentAt,
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to append delivery log")
	}
}

// lookupUser reads through the short-lived user cache. Digest batches
// hit the same user several times per run; absent users are not cached
// so a just-provisioned account is seen immediately.
func (e *Executor) lookupUser(ctx context.Context, userID string) (*models.User, error) {
	if user, ok := e.users.Get(userID); ok {
		return user, nil
	}
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user != nil {
		e.users.Set(userID, user)
	}
	return user, nil
}

func (e *Executor) fail(ctx context.Context, entry *models.OutboxEntry, reason string, result *BatchResult) {
	if err := e.store.MarkFailed(ctx, entry.ID, reason); err != nil {
		e.logger.Error().Err(err).
			Str("entry_id", entry.ID.String()).
			Msg("Failed to mark entry failed")
		return
	}
	result.Failed++
	metrics.OutboxOutcomes.WithLabelValues(string(entry.Channel), "failed").Inc()
	e.logger.Warn().
		Str("entry_id", entry.ID.String()).
		Str("reason", reason).
		Msg("Delivery failed")
}

func (e *Executor) skip(ctx context.Context, entry *models.OutboxEntry, reason string, result *BatchResult) {
	if err := e.store.MarkSkipped(ctx, entry.ID, reason); err != nil {
		e.logger.Error().Err(err).
			Str("entry_id", entry.ID.String()).
			Msg("Failed to mark entry skipped")
		return
	}
	result.Skipped++
	metrics.OutboxOutcomes.WithLabelValues(string(entry.Channel), "skipped").Inc()
}
