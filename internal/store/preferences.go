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

	"github.com/stoopline/stoopline/internal/models"
)

// UpsertPreference creates or replaces a (user, module) preference row.
// Preferences are never deleted; opting out flips Enabled to false.
func (s *Store) UpsertPreference(ctx context.Context, pref *models.UserPreference) error {
	if pref.UpdatedAt.IsZero() {
		pref.UpdatedAt = time.Now().UTC()
	}
	settings, err := json.Marshal(pref.Settings)
	if err != nil {
		return fmt.Errorf("marshal preference settings: %w", err)
	}

	query := `INSERT INTO user_preferences (
		user_id, module_id, enabled, settings, is_inferred, updated_at
	) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (user_id, module_id) DO UPDATE SET
		enabled = EXCLUDED.enabled,
		settings = EXCLUDED.settings,
		is_inferred = EXCLUDED.is_inferred,
		updated_at = EXCLUDED.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		pref.UserID, pref.ModuleID, pref.Enabled,
		string(settings), pref.IsInferred, pref.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}
	return nil
}

// GetPreference returns one (user, module) preference, or (nil, nil) when
// the user never configured the module.
func (s *Store) GetPreference(ctx context.Context, userID, moduleID string) (*models.UserPreference, error) {
	query := `SELECT user_id, module_id, enabled, CAST(settings AS VARCHAR), is_inferred, updated_at
		FROM user_preferences WHERE user_id = ? AND module_id = ?`

	pref, err := scanPreference(s.db.QueryRowContext(ctx, query, userID, moduleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get preference: %w", err)
	}
	return pref, nil
}

// ListEnabledPreferences returns every enabled preference for a module.
// This is the fan-out input: each row is a candidate recipient for an
// event in that module.
func (s *Store) ListEnabledPreferences(ctx context.Context, moduleID string) ([]models.UserPreference, error) {
	query := `SELECT user_id, module_id, enabled, CAST(settings AS VARCHAR), is_inferred, updated_at
		FROM user_preferences WHERE module_id = ? AND enabled ORDER BY user_id`

	rows, err := s.db.QueryContext(ctx, query, moduleID)
	if err != nil {
		return nil, fmt.Errorf("list enabled preferences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var prefs []models.UserPreference
	for rows.Next() {
		pref, err := scanPreference(rows)
		if err != nil {
			s.logger.Warn().Err(err).Str("module_id", moduleID).Msg("skipping unreadable preference row")
			continue
		}
		prefs = append(prefs, *pref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate preferences: %w", err)
	}
	return prefs, nil
}

func scanPreference(row rowScanner) (*models.UserPreference, error) {
	var (
		pref     models.UserPreference
		settings sql.NullString
	)
	err := row.Scan(&pref.UserID, &pref.ModuleID, &pref.Enabled,
		&settings, &pref.IsInferred, &pref.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if settings.Valid && settings.String != "" && settings.String != "null" {
		if err := json.Unmarshal([]byte(settings.String), &pref.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal preference settings: %w", err)
		}
	}
	return &pref, nil
}
