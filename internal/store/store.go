// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

// Package store is the DuckDB-backed durable layer: deduplicated events,
// user preferences, users, the outbox, the delivery log and job locks.
//
// The outbox table is the sole coordination point between the router and
// the executor, and across concurrent invocations of the same scheduled
// job. Its selection predicate (status=pending AND scheduled_for<=now)
// makes a crashed batch naturally resumable: rows touched by a dead
// process are still pending on the next run.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2" // duckdb driver
	"github.com/rs/zerolog"

	"github.com/stoopline/stoopline/internal/config"
	"github.com/stoopline/stoopline/internal/logging"
)

// Store wraps the DuckDB connection pool.
type Store struct {
	db *sql.DB
	// lockMu serializes job-lock statements within this process; DuckDB's
	// optimistic concurrency would otherwise surface a write-write
	// conflict between two simultaneous acquirers.
	lockMu sync.Mutex
	logger zerolog.Logger
}

// Open opens (creating if needed) the DuckDB database and ensures the
// schema exists.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	dsn := cfg.Path
	if dsn != ":memory:" && dsn != "" {
		dsn = fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
			cfg.Path, threads, cfg.MaxMemory)
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	db.SetMaxOpenConns(threads)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logging.With().Str("component", "store").Logger(),
	}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// createSchema creates all engine tables. DuckDB executes one statement
// per call.
func (s *Store) createSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			module_id TEXT NOT NULL,
			source_id TEXT NOT NULL,
			external_id TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			priority TEXT NOT NULL,
			metadata JSON,
			neighborhoods JSON,
			starts_at TIMESTAMPTZ,
			ends_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (source_id, external_id)
		)`,
		`CREATE TABLE IF NOT EXISTS user_preferences (
			user_id TEXT NOT NULL,
			module_id TEXT NOT NULL,
			enabled BOOLEAN NOT NULL,
			settings JSON,
			is_inferred BOOLEAN NOT NULL DEFAULT false,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, module_id)
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL,
			phone TEXT,
			tier TEXT NOT NULL,
			sms_opt_in BOOLEAN NOT NULL DEFAULT false,
			quiet_hours_start INTEGER NOT NULL DEFAULT 22,
			quiet_hours_end INTEGER NOT NULL DEFAULT 8
		)`,
		`CREATE TABLE IF NOT EXISTS outbox (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			status TEXT NOT NULL,
			timing TEXT NOT NULL,
			scheduled_for TIMESTAMPTZ NOT NULL,
			sent_at TIMESTAMPTZ,
			provider_message_id TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox(status, scheduled_for)`,
		`CREATE TABLE IF NOT EXISTS delivery_log (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			message_type TEXT NOT NULL,
			priority TEXT NOT NULL,
			sent_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_log_user ON delivery_log(user_id, sent_at)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			error TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			last_attempt TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS job_locks (
			name TEXT PRIMARY KEY,
			holder_id TEXT NOT NULL,
			acquired_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS delivery_audit (
			id TEXT PRIMARY KEY,
			recipient TEXT NOT NULL,
			subject TEXT NOT NULL,
			channel TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			attempts INTEGER NOT NULL,
			duration_ms BIGINT NOT NULL,
			verification TEXT,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	// Flush the WAL so schema DDL survives an unclean shutdown.
	if _, err := s.db.ExecContext(ctx, "CHECKPOINT"); err != nil {
		s.logger.Warn().Err(err).Msg("checkpoint after schema creation failed")
	}
	return nil
}

// DB exposes the underlying pool for collaborating stores (dead letters,
// audit log) that share the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ProbeLatency runs a trivial query and reports how long it took. The
// health monitor uses this to distinguish a slow datastore from a dead one.
func (s *Store) ProbeLatency(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return 0, fmt.Errorf("probe query: %w", err)
	}
	return time.Since(start), nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
