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

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/stoopline/stoopline/internal/models"
)

// InsertEvent stores an event, deduplicating on (source_id, external_id).
// Returns true when the row was inserted, false when an event with the
// same producer identity already existed. Re-ingestion never creates a
// second row and never mutates the first one.
func (s *Store) InsertEvent(ctx context.Context, ev *models.Event) (bool, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal event metadata: %w", err)
	}
	neighborhoods, err := json.Marshal(ev.Neighborhoods)
	if err != nil {
		return false, fmt.Errorf("marshal event neighborhoods: %w", err)
	}

	query := `INSERT INTO events (
		id, module_id, source_id, external_id, title, body, priority,
		metadata, neighborhoods, starts_at, ends_at, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (source_id, external_id) DO NOTHING`

	result, err := s.db.ExecContext(ctx, query,
		ev.ID.String(), ev.ModuleID, ev.SourceID, ev.ExternalID,
		ev.Title, ev.Body, ev.Priority.String(),
		string(metadata), string(neighborhoods),
		ev.StartsAt, ev.EndsAt, ev.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert event rows affected: %w", err)
	}
	return rows > 0, nil
}

// GetEvent retrieves an event by ID. Returns (nil, nil) when absent.
func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	query := `SELECT
		id, module_id, source_id, external_id, title, body, priority,
		CAST(metadata AS VARCHAR), CAST(neighborhoods AS VARCHAR),
		starts_at, ends_at, created_at
	FROM events WHERE id = ?`

	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return ev, nil
}

// GetEventByDedupKey looks an event up by its producer identity.
// Returns (nil, nil) when absent.
func (s *Store) GetEventByDedupKey(ctx context.Context, sourceID, externalID string) (*models.Event, error) {
	query := `SELECT
		id, module_id, source_id, external_id, title, body, priority,
		CAST(metadata AS VARCHAR), CAST(neighborhoods AS VARCHAR),
		starts_at, ends_at, created_at
	FROM events WHERE source_id = ? AND external_id = ?`

	ev, err := scanEvent(s.db.QueryRowContext(ctx, query, sourceID, externalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get event by dedup key: %w", err)
	}
	return ev, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var (
		idStr, moduleID, sourceID, externalID string
		title, body, priority                 string
		metadata, neighborhoods               sql.NullString
		startsAt, endsAt                      sql.NullTime
		createdAt                             time.Time
	)

	err := row.Scan(&idStr, &moduleID, &sourceID, &externalID,
		&title, &body, &priority, &metadata, &neighborhoods,
		&startsAt, &endsAt, &createdAt)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse event id %q: %w", idStr, err)
	}

	ev := &models.Event{
		ID:         id,
		ModuleID:   moduleID,
		SourceID:   sourceID,
		ExternalID: externalID,
		Title:      title,
		Body:       body,
		Priority:   models.ParsePriority(priority),
		StartsAt:   startsAt.Time,
		EndsAt:     endsAt.Time,
		CreatedAt:  createdAt,
	}

	if metadata.Valid && metadata.String != "" && metadata.String != "null" {
		if err := json.Unmarshal([]byte(metadata.String), &ev.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal event metadata: %w", err)
		}
	}
	if neighborhoods.Valid && neighborhoods.String != "" && neighborhoods.String != "null" {
		if err := json.Unmarshal([]byte(neighborhoods.String), &ev.Neighborhoods); err != nil {
			return nil, fmt.Errorf("unmarshal event neighborhoods: %w", err)
		}
	}
	return ev, nil
}
