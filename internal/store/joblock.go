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

// AcquireJobLock takes the named TTL lock for holder, or reports false if
// another live holder has it. An expired lock is taken over in place, so a
// crashed run never wedges the job permanently. Losing a contended first
// acquisition is a normal (false, nil) outcome, never an error.
func (s *Store) AcquireJobLock(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	now := time.Now().UTC()

	// Atomic insert-or-takeover: the update clause applies only when the
	// existing lock is expired or already ours, so a live lock held by
	// someone else is left untouched.
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO job_locks (name, holder_id, acquired_at, expires_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (name) DO UPDATE SET
		holder_id = EXCLUDED.holder_id,
		acquired_at = EXCLUDED.acquired_at,
		expires_at = EXCLUDED.expires_at
	WHERE job_locks.expires_at <= EXCLUDED.acquired_at
		OR job_locks.holder_id = EXCLUDED.holder_id`,
		name, holderID, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}

	var holder string
	err = s.db.QueryRowContext(ctx,
		`SELECT holder_id FROM job_locks WHERE name = ?`, name).Scan(&holder)
	if err != nil {
		return false, fmt.Errorf("read lock %s: %w", name, err)
	}
	return holder == holderID, nil
}

// ReleaseJobLock frees the lock if holder still owns it. Releasing a lock
// another holder took over is a no-op.
func (s *Store) ReleaseJobLock(ctx context.Context, name, holderID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM job_locks WHERE name = ? AND holder_id = ?`, name, holderID)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}
