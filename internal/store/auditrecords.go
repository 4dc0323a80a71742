// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package store

import (
	"context"
	"fmt"
	"time"
)

// InsertAuditRecord appends one row to the delivery audit trail.
func (s *Store) InsertAuditRecord(ctx context.Context, id, recipient, subject, channel string,
	success bool, attempts int, durationMS int64, verification, errText string, createdAt time.Time) error {

	query := `INSERT INTO delivery_audit (
		id, recipient, subject, channel, success, attempts, duration_ms,
		verification, error, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, id, recipient, subject, channel,
		success, attempts, durationMS, nullable(verification), nullable(errText), createdAt)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}
