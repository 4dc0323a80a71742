// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stoopline/stoopline/internal/models"
)

// AppendDeliveryLog records one completed send. The log is append-only;
// per-day counters are derived from it, never stored.
func (s *Store) AppendDeliveryLog(ctx context.Context, entry *models.DeliveryLogEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.SentAt.IsZero() {
		entry.SentAt = time.Now().UTC()
	}

	query := `INSERT INTO delivery_log (id, user_id, channel, message_type, priority, sent_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID.String(), entry.UserID, string(entry.Channel),
		entry.MessageType, entry.Priority.String(), entry.SentAt,
	)
	if err != nil {
		return fmt.Errorf("append delivery log: %w", err)
	}
	return nil
}

// DeliveryStatsFor computes a user's send counters for the calendar day
// containing now in loc. Day boundaries follow the city timezone, not the
// server's, so a midnight deploy in another zone cannot reset caps early.
func (s *Store) DeliveryStatsFor(ctx context.Context, userID string, now time.Time, loc *time.Location) (*models.DeliveryStats, error) {
	local := now.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	stats := &models.DeliveryStats{
		UserID:      userID,
		LastByType:  make(map[string]time.Time),
		DayBoundary: dayStart,
	}

	query := `SELECT channel, message_type, sent_at
	FROM delivery_log
	WHERE user_id = ? AND sent_at >= ?
	ORDER BY sent_at ASC`

	rows, err := s.db.QueryContext(ctx, query, userID, dayStart.UTC())
	if err != nil {
		return nil, fmt.Errorf("delivery stats for %s: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var channel, messageType string
		var sentAt time.Time
		if err := rows.Scan(&channel, &messageType, &sentAt); err != nil {
			return nil, fmt.Errorf("scan delivery log: %w", err)
		}
		switch models.Channel(channel) {
		case models.ChannelEmail:
			stats.EmailsToday++
			if sentAt.After(stats.LastEmailAt) {
				stats.LastEmailAt = sentAt
			}
		case models.ChannelSMS:
			stats.SMSToday++
			if sentAt.After(stats.LastSMSAt) {
				stats.LastSMSAt = sentAt
			}
		}
		if sentAt.After(stats.LastByType[messageType]) {
			stats.LastByType[messageType] = sentAt
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery log: %w", err)
	}
	return stats, nil
}

// LastSendOfType returns the most recent send of messageType to the user
// across all days, used for cooldown checks that span day boundaries.
func (s *Store) LastSendOfType(ctx context.Context, userID, messageType string) (time.Time, error) {
	query := `SELECT MAX(sent_at) FROM delivery_log WHERE user_id = ? AND message_type = ?`

	var last *time.Time
	if err := s.db.QueryRowContext(ctx, query, userID, messageType).Scan(&last); err != nil {
		return time.Time{}, fmt.Errorf("last send of %s for %s: %w", messageType, userID, err)
	}
	if last == nil {
		return time.Time{}, nil
	}
	return *last, nil
}
