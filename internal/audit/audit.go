// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

// Package audit records every high-reliability delivery attempt, success
// or failure, in a durable trail. Audit writes are best-effort side
// effects: a failed audit write never fails the send it describes.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stoopline/stoopline/internal/logging"
	"github.com/stoopline/stoopline/internal/store"
)

// Record is one delivery attempt in the trail.
type Record struct {
	ID           uuid.UUID
	Recipient    string
	Subject      string
	Channel      string
	Success      bool
	Attempts     int
	Duration     time.Duration
	Verification string
	Error        string
	CreatedAt    time.Time
}

// Trail writes records to the delivery_audit table.
type Trail struct {
	store  *store.Store
	logger zerolog.Logger
}

// NewTrail builds the audit trail over the durable store.
func NewTrail(st *store.Store) *Trail {
	return &Trail{
		store:  st,
		logger: logging.With().Str("component", "audit").Logger(),
	}
}

// Write persists one record. Errors are logged and swallowed.
func (t *Trail) Write(ctx context.Context, record *Record) {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	if err := t.store.InsertAuditRecord(ctx, record.ID.String(), record.Recipient,
		record.Subject, record.Channel, record.Success, record.Attempts,
		record.Duration.Milliseconds(), record.Verification, record.Error,
		record.CreatedAt); err != nil {
		t.logger.Error().Err(err).
			Str("recipient", record.Recipient).
			Msg("Failed to write delivery audit record")
	}
}
