// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stoopline/stoopline/internal/models"
)

// ErrStatusNotPending reports an executor update that would have violated
// status monotonicity: once sent, failed or skipped an entry is immutable.
var ErrStatusNotPending = errors.New("outbox entry is not pending")

// InsertOutboxEntry records a routing decision as durable intent to send.
func (s *Store) InsertOutboxEntry(ctx context.Context, entry *models.OutboxEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.Status == "" {
		entry.Status = models.StatusPending
	}

	query := `INSERT INTO outbox (
		id, user_id, event_id, channel, status, timing, scheduled_for,
		sent_at, provider_message_id, attempts, reason, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID.String(), entry.UserID, entry.EventID.String(),
		string(entry.Channel), string(entry.Status), string(entry.Timing),
		entry.ScheduledFor, entry.SentAt, nullable(entry.ProviderMessageID),
		entry.Attempts, nullable(entry.Reason), entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// SelectDue returns up to limit pending entries whose scheduled time has
// passed, oldest-scheduled first. This is the executor's sole work query;
// crashed batches are re-selected automatically on the next run.
func (s *Store) SelectDue(ctx context.Context, now time.Time, limit int) ([]models.OutboxEntry, error) {
	query := `SELECT
		id, user_id, event_id, channel, status, timing, scheduled_for,
		sent_at, provider_message_id, attempts, reason, created_at
	FROM outbox
	WHERE status = 'pending' AND scheduled_for <= ?
	ORDER BY scheduled_for ASC
	LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("select due outbox entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []models.OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox entries: %w", err)
	}
	return entries, nil
}

// MarkSent finalizes a pending entry as sent. The WHERE clause enforces
// status monotonicity at the storage layer.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string, sentAt time.Time) error {
	query := `UPDATE outbox SET
		status = 'sent', provider_message_id = ?, sent_at = ?, attempts = attempts + 1
	WHERE id = ? AND status = 'pending'`
	return s.finalize(ctx, query, providerMessageID, sentAt, id.String())
}

// MarkFailed finalizes a pending entry as failed with the provider error.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `UPDATE outbox SET
		status = 'failed', reason = ?, attempts = attempts + 1
	WHERE id = ? AND status = 'pending'`
	return s.finalize(ctx, query, reason, id.String())
}

// MarkSkipped finalizes a pending entry as skipped (no destination on
// file). Skipped entries record zero provider calls.
func (s *Store) MarkSkipped(ctx context.Context, id uuid.UUID, reason string) error {
	query := `UPDATE outbox SET
		status = 'skipped', reason = ?
	WHERE id = ? AND status = 'pending'`
	return s.finalize(ctx, query, reason, id.String())
}

func (s *Store) finalize(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update outbox entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("outbox rows affected: %w", err)
	}
	if rows == 0 {
		return ErrStatusNotPending
	}
	return nil
}

// ResetFailed re-queues a failed entry for another attempt. This is the
// only path back to pending and is an explicit operator action, never an
// automatic one on the standard path.
func (s *Store) ResetFailed(ctx context.Context, id uuid.UUID, scheduledFor time.Time) error {
	query := `UPDATE outbox SET
		status = 'pending', scheduled_for = ?, reason = NULL
	WHERE id = ? AND status = 'failed'`

	result, err := s.db.ExecContext(ctx, query, scheduledFor, id.String())
	if err != nil {
		return fmt.Errorf("reset failed outbox entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("outbox rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("outbox entry %s is not failed", id)
	}
	return nil
}

// OutboxStats summarizes the table for the ops API.
type OutboxStats struct {
	Pending int64 `json:"pending"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Skipped int64 `json:"skipped"`
}

// GetOutboxStats counts entries per status.
func (s *Store) GetOutboxStats(ctx context.Context) (*OutboxStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &OutboxStats{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan outbox stats: %w", err)
		}
		switch models.OutboxStatus(status) {
		case models.StatusPending:
			stats.Pending = count
		case models.StatusSent:
			stats.Sent = count
		case models.StatusFailed:
			stats.Failed = count
		case models.StatusSkipped:
			stats.Skipped = count
		}
	}
	return stats, rows.Err()
}

func scanOutboxEntry(row rowScanner) (*models.OutboxEntry, error) {
	var (
		idStr, userID, eventIDStr  string
		channel, status, timing    string
		scheduledFor, createdAt    time.Time
		sentAt                     sql.NullTime
		providerMessageID, reason  sql.NullString
		attempts                   int
	)

	err := row.Scan(&idStr, &userID, &eventIDStr, &channel, &status, &timing,
		&scheduledFor, &sentAt, &providerMessageID, &attempts, &reason, &createdAt)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse outbox id %q: %w", idStr, err)
	}
	eventID, err := uuid.Parse(eventIDStr)
	if err != nil {
		return nil, fmt.Errorf("parse outbox event id %q: %w", eventIDStr, err)
	}

	entry := &models.OutboxEntry{
		ID:                id,
		UserID:            userID,
		EventID:           eventID,
		Channel:           models.Channel(channel),
		Status:            models.OutboxStatus(status),
		Timing:            models.Timing(timing),
		ScheduledFor:      scheduledFor,
		ProviderMessageID: providerMessageID.String,
		Attempts:          attempts,
		Reason:            reason.String,
		CreatedAt:         createdAt,
	}
	if sentAt.Valid {
		t := sentAt.Time
		entry.SentAt = &t
	}
	return entry, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
