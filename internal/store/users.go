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

	"github.com/stoopline/stoopline/internal/models"
)

// GetUser returns a user by ID, or (nil, nil) when absent. The engine
// reads users; account management writes them elsewhere.
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT id, email, phone, tier, sms_opt_in, quiet_hours_start, quiet_hours_end
		FROM users WHERE id = ?`

	var (
		u     models.User
		phone sql.NullString
		tier  string
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.Email, &phone, &tier, &u.SMSOptIn,
		&u.QuietHoursStart, &u.QuietHoursEnd,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Phone = phone.String
	u.Tier = models.Tier(tier)
	return &u, nil
}

// ListUserEmails returns every user's email address, skipping users
// without one on file. The failsafe notifier fans out over this list.
func (s *Store) ListUserEmails(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT email FROM users WHERE email IS NOT NULL AND email != '' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list user emails: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var emails []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan user email: %w", err)
		}
		emails = append(emails, email)
	}
	return emails, rows.Err()
}

// UpsertUser writes a user row. Used by fixtures, seeding and the account
// sync job; the delivery engine itself never mutates users.
func (s *Store) UpsertUser(ctx context.Context, u *models.User) error {
	query := `INSERT INTO users (
		id, email, phone, tier, sms_opt_in, quiet_hours_start, quiet_hours_end
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		email = EXCLUDED.email,
		phone = EXCLUDED.phone,
		tier = EXCLUDED.tier,
		sms_opt_in = EXCLUDED.sms_opt_in,
		quiet_hours_start = EXCLUDED.quiet_hours_start,
		quiet_hours_end = EXCLUDED.quiet_hours_end`

	_, err := s.db.ExecContext(ctx, query,
		u.ID, u.Email, u.Phone, string(u.Tier), u.SMSOptIn,
		u.QuietHoursStart, u.QuietHoursEnd,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}
