// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

// Package dlq holds delivery payloads that exhausted their retry budget.
// The durable table is the source of truth; the in-memory copy is only a
// read cache and is rebuilt from the table after restart, so no failed
// send is lost across deploys.
package dlq

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stoopline/stoopline/internal/logging"
	"github.com/stoopline/stoopline/internal/metrics"
	"github.com/stoopline/stoopline/internal/models"
	"github.com/stoopline/stoopline/internal/store"
)

// ErrNotFound reports a retry against an id absent from the queue.
var ErrNotFound = fmt.Errorf("dead letter not found")

// RetryFunc re-attempts delivery of a dead-lettered payload. A nil return
// removes the entry.
type RetryFunc func(ctx context.Context, payload []byte) error

// Queue is the dead-letter queue.
type Queue struct {
	store  *store.Store
	logger zerolog.Logger

	mu     sync.RWMutex
	cache  map[uuid.UUID]models.DeadLetterEntry
	loaded bool
}

// New builds a queue over the durable store. The cache fills lazily on
// first read.
func New(st *store.Store) *Queue {
	return &Queue{
		store:  st,
		logger: logging.With().Str("component", "dlq").Logger(),
		cache:  make(map[uuid.UUID]models.DeadLetterEntry),
	}
}

// Add persists one exhausted payload. The durable write happens first;
// the cache only reflects rows the table accepted.
func (q *Queue) Add(ctx context.Context, payload []byte, cause error, attempts int) (*models.DeadLetterEntry, error) {
	entry := &models.DeadLetterEntry{
		ID:          uuid.New(),
		Payload:     payload,
		Error:       cause.Error(),
		Attempts:    attempts,
		CreatedAt:   time.Now().UTC(),
		LastAttempt: time.Now().UTC(),
	}
	if err := q.store.InsertDeadLetter(ctx, entry); err != nil {
		return nil, err
	}

	q.mu.Lock()
	q.cache[entry.ID] = *entry
	depth := len(q.cache)
	q.mu.Unlock()

	metrics.DLQEntries.Inc()
	metrics.DLQDepth.Set(float64(depth))
	q.logger.Warn().
		Str("dead_letter_id", entry.ID.String()).
		Int("attempts", attempts).
		Str("error", entry.Error).
		Msg("Delivery dead-lettered")
	return entry, nil
}

// List returns all queued entries, oldest first.
func (q *Queue) List(ctx context.Context) ([]models.DeadLetterEntry, error) {
	if err := q.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	entries := make([]models.DeadLetterEntry, 0, len(q.cache))
	for _, entry := range q.cache {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

// Depth returns the number of queued entries.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	if err := q.ensureLoaded(ctx); err != nil {
		return 0, err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.cache), nil
}

// Retry re-attempts one entry. Success removes it from the queue; failure
// bumps its attempt counter and keeps it.
func (q *Queue) Retry(ctx context.Context, id uuid.UUID, retry RetryFunc) error {
	if err := q.ensureLoaded(ctx); err != nil {
		return err
	}

	q.mu.RLock()
	entry, ok := q.cache[id]
	q.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	if err := retry(ctx, entry.Payload); err != nil {
		now := time.Now().UTC()
		if touchErr := q.store.TouchDeadLetter(ctx, id, err.Error(), now); touchErr != nil {
			q.logger.Error().Err(touchErr).
				Str("dead_letter_id", id.String()).
				Msg("Failed to record dead-letter retry attempt")
		}
		q.mu.Lock()
		entry.Attempts++
		entry.Error = err.Error()
		entry.LastAttempt = now
		q.cache[id] = entry
		q.mu.Unlock()

		metrics.DLQRetries.WithLabelValues("failure").Inc()
		return fmt.Errorf("dead-letter retry failed: %w", err)
	}

	removed, err := q.store.DeleteDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		q.logger.Warn().
			Str("dead_letter_id", id.String()).
			Msg("Dead letter vanished from durable store before removal")
	}

	q.mu.Lock()
	delete(q.cache, id)
	depth := len(q.cache)
	q.mu.Unlock()

	metrics.DLQRetries.WithLabelValues("success").Inc()
	metrics.DLQDepth.Set(float64(depth))
	q.logger.Info().
		Str("dead_letter_id", id.String()).
		Msg("Dead letter retried successfully and removed")
	return nil
}

// ensureLoaded hydrates the cache from the durable table once per
// process.
func (q *Queue) ensureLoaded(ctx context.Context) error {
	q.mu.RLock()
	loaded := q.loaded
	q.mu.RUnlock()
	if loaded {
		return nil
	}

	entries, err := q.store.ListDeadLetters(ctx)
	if err != nil {
		return fmt.Errorf("hydrate dead-letter cache: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.loaded {
		return nil
	}
	for _, entry := range entries {
		q.cache[entry.ID] = entry
	}
	q.loaded = true
	metrics.DLQDepth.Set(float64(len(q.cache)))
	return nil
}
