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

// InsertDeadLetter persists one exhausted delivery payload.
func (s *Store) InsertDeadLetter(ctx context.Context, entry *models.DeadLetterEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.LastAttempt.IsZero() {
		entry.LastAttempt = entry.CreatedAt
	}

	query := `INSERT INTO dead_letters (id, payload, error, attempts, created_at, last_attempt)
	VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID.String(), string(entry.Payload), entry.Error,
		entry.Attempts, entry.CreatedAt, entry.LastAttempt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns all entries, oldest first.
func (s *Store) ListDeadLetters(ctx context.Context) ([]models.DeadLetterEntry, error) {
	query := `SELECT id, payload, error, attempts, created_at, last_attempt
	FROM dead_letters ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []models.DeadLetterEntry
	for rows.Next() {
		var idStr, payload string
		var entry models.DeadLetterEntry
		err := rows.Scan(&idStr, &payload, &entry.Error,
			&entry.Attempts, &entry.CreatedAt, &entry.LastAttempt)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		entry.ID, err = uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("parse dead letter id %q: %w", idStr, err)
		}
		entry.Payload = []byte(payload)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// DeleteDeadLetter removes an entry after a successful retry. Reports
// false when no row existed.
func (s *Store) DeleteDeadLetter(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id.String())
	if err != nil {
		return false, fmt.Errorf("delete dead letter: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dead letter rows affected: %w", err)
	}
	return rows > 0, nil
}

// TouchDeadLetter records another failed retry attempt on an entry.
func (s *Store) TouchDeadLetter(ctx context.Context, id uuid.UUID, cause string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET attempts = attempts + 1, error = ?, last_attempt = ? WHERE id = ?`,
		cause, at, id.String())
	if err != nil {
		return fmt.Errorf("touch dead letter: %w", err)
	}
	return nil
}

// CountDeadLetters returns the queue depth.
func (s *Store) CountDeadLetters(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return count, nil
}
