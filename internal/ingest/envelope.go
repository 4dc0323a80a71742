// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

// Package ingest consumes producer events from the intake stream,
// validates and deduplicates them, and fans each accepted event out into
// outbox entries for its eligible users.
package ingest

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	json "github.com/goccy/go-json"

	"github.com/stoopline/stoopline/internal/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Envelope is the wire contract producers must satisfy. ModuleID plus
// the (SourceID, ExternalID) pair uniquely identify a logical item;
// re-publishing the same pair is a no-op.
type Envelope struct {
	ModuleID      string         `json:"module_id" validate:"required"`
	SourceID      string         `json:"source_id" validate:"required"`
	ExternalID    string         `json:"external_id" validate:"required"`
	Title         string         `json:"title" validate:"required"`
	Body          string         `json:"body" validate:"required"`
	Priority      string         `json:"priority"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Neighborhoods []string       `json:"neighborhoods,omitempty"`
	StartsAt      time.Time      `json:"starts_at"`
	EndsAt        time.Time      `json:"ends_at"`
}

// ParseEnvelope decodes and validates one producer message. Malformed
// input yields a models.ValidationError so callers can skip-and-log
// without crashing the stream.
func ParseEnvelope(payload []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, &models.ValidationError{Message: fmt.Sprintf("malformed event payload: %v", err)}
	}
	if err := validate.Struct(&envelope); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			return nil, &models.ValidationError{
				Field:   errs[0].Field(),
				Message: fmt.Sprintf("failed %s validation", errs[0].Tag()),
			}
		}
		return nil, &models.ValidationError{Message: err.Error()}
	}
	return &envelope, nil
}

// ToEvent converts the envelope into the engine's event shape. Unknown
// priorities map to routine rather than failing the item.
func (e *Envelope) ToEvent(now time.Time) *models.Event {
	return &models.Event{
		ID:            uuid.New(),
		ModuleID:      e.ModuleID,
		SourceID:      e.SourceID,
		ExternalID:    e.ExternalID,
		Title:         e.Title,
		Body:          e.Body,
		Priority:      models.ParsePriority(e.Priority),
		Metadata:      e.Metadata,
		Neighborhoods: e.Neighborhoods,
		StartsAt:      e.StartsAt,
		EndsAt:        e.EndsAt,
		CreatedAt:     now.UTC(),
	}
}
