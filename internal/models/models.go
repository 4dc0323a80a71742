// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

// Package models defines the shared domain types for the notification
// matching and delivery engine: events, user preferences, outbox entries,
// dead-letter entries and the enumerations they reference.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority orders messages for routing. Higher values outrank lower ones.
type Priority int

const (
	// PriorityRoutine is batched into the next digest window and is the
	// first tier suppressed when a user approaches their daily cap.
	PriorityRoutine Priority = iota
	// PriorityImportant is always batched but gets an earlier digest slot
	// for premium users.
	PriorityImportant
	// PriorityUrgent is delivered immediately to premium users and bypasses
	// the daily frequency cap.
	PriorityUrgent
	// PriorityCritical is never silently discarded and bypasses both the
	// frequency cap and the message-type cooldown.
	PriorityCritical
)

// String returns the priority name used in logs and storage.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityUrgent:
		return "urgent"
	case PriorityImportant:
		return "important"
	default:
		return "routine"
	}
}

// ParsePriority converts a stored priority name back to a Priority.
// Unknown names map to routine so malformed producer input is handled
// conservatively rather than escalated.
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "urgent":
		return PriorityUrgent
	case "important":
		return PriorityImportant
	default:
		return PriorityRoutine
	}
}

// Channel identifies a delivery channel.
type Channel string

const (
	// ChannelEmail delivers via SMTP.
	ChannelEmail Channel = "email"
	// ChannelSMS delivers via the SMS provider's REST API.
	ChannelSMS Channel = "sms"
)

// Tier is the user's subscription tier.
type Tier string

const (
	// TierFree users receive urgent and lower traffic in digest windows.
	TierFree Tier = "free"
	// TierPremium users receive urgent traffic immediately.
	TierPremium Tier = "premium"
)

// OutboxStatus is the lifecycle state of an outbox entry.
// Status is monotonic: once sent, failed or skipped an entry never
// returns to pending.
type OutboxStatus string

const (
	// StatusPending entries are awaiting execution.
	StatusPending OutboxStatus = "pending"
	// StatusSent entries were accepted by the channel provider.
	StatusSent OutboxStatus = "sent"
	// StatusFailed entries hit a provider error; the standard path does
	// not re-queue them automatically.
	StatusFailed OutboxStatus = "failed"
	// StatusSkipped entries had no usable destination on file.
	StatusSkipped OutboxStatus = "skipped"
)

// Timing describes when a routed message should go out.
type Timing string

const (
	// TimingImmediate is sent by the next executor batch.
	TimingImmediate Timing = "immediate"
	// TimingBatched is grouped into a digest window with other batched work.
	TimingBatched Timing = "batched"
	// TimingScheduled is deferred to a specific time (quiet hours, cap
	// headroom for critical messages).
	TimingScheduled Timing = "scheduled"
)

// Event is a deduplicated producer item. The pair (SourceID, ExternalID)
// is unique; re-ingesting the same external item is a no-op.
type Event struct {
	ID            uuid.UUID      `json:"id"`
	ModuleID      string         `json:"module_id"`
	SourceID      string         `json:"source_id"`
	ExternalID    string         `json:"external_id"`
	Title         string         `json:"title"`
	Body          string         `json:"body"`
	Priority      Priority       `json:"priority"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Neighborhoods []string       `json:"neighborhoods,omitempty"`
	StartsAt      time.Time      `json:"starts_at"`
	EndsAt        time.Time      `json:"ends_at"`
	CreatedAt     time.Time      `json:"created_at"`
}

// DedupKey returns the producer-scoped identity of the event.
func (e *Event) DedupKey() string {
	return e.SourceID + "/" + e.ExternalID
}

// MessageType is the cooldown key for the frequency cap tracker: one
// delivery of a given type per user within the cooldown window.
func (e *Event) MessageType() string {
	return e.ModuleID + ":" + e.Priority.String()
}

// StringSliceMeta reads a []string metadata field tolerantly. JSON
// round-trips produce []any, direct construction produces []string;
// both are accepted. Anything else reports ok=false so callers can
// treat malformed metadata as a validation skip.
func (e *Event) StringSliceMeta(key string) ([]string, bool) {
	raw, present := e.Metadata[key]
	if !present {
		return nil, false
	}
	switch v := raw.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// UserPreference stores one user's opt-in state for one module. Created at
// onboarding (explicit or inferred from profile), mutated through settings,
// never deleted - only disabled.
type UserPreference struct {
	UserID     string         `json:"user_id"`
	ModuleID   string         `json:"module_id"`
	Enabled    bool           `json:"enabled"`
	Settings   map[string]any `json:"settings,omitempty"`
	IsInferred bool           `json:"is_inferred"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// StringSetting reads a string settings field, reporting ok=false when
// absent or not a string.
func (p *UserPreference) StringSetting(key string) (string, bool) {
	raw, present := p.Settings[key]
	if !present {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

// StringSliceSetting reads a []string settings field with the same
// tolerance as Event.StringSliceMeta.
func (p *UserPreference) StringSliceSetting(key string) ([]string, bool) {
	raw, present := p.Settings[key]
	if !present {
		return nil, false
	}
	switch v := raw.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// BoolSetting reads a bool settings field, reporting ok=false when absent
// or not a bool.
func (p *UserPreference) BoolSetting(key string) (bool, bool) {
	raw, present := p.Settings[key]
	if !present {
		return false, false
	}
	b, ok := raw.(bool)
	return b, ok
}

// User carries the destination and tier data the router and executor need.
// The engine treats users as read-only; account management lives elsewhere.
type User struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	Phone           string `json:"phone,omitempty"`
	Tier            Tier   `json:"tier"`
	SMSOptIn        bool   `json:"sms_opt_in"`
	QuietHoursStart int    `json:"quiet_hours_start"` // hour of day, city time
	QuietHoursEnd   int    `json:"quiet_hours_end"`
}

// Destination returns the address for the given channel, or "" when the
// user has none on file.
func (u *User) Destination(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return u.Email
	case ChannelSMS:
		return u.Phone
	default:
		return ""
	}
}

// OutboxEntry is the durable wire contract between the router and the
// executor. Created by the router, mutated only by the executor.
type OutboxEntry struct {
	ID                uuid.UUID    `json:"id"`
	UserID            string       `json:"user_id"`
	EventID           uuid.UUID    `json:"event_id"`
	Channel           Channel      `json:"channel"`
	Status            OutboxStatus `json:"status"`
	Timing            Timing       `json:"timing"`
	ScheduledFor      time.Time    `json:"scheduled_for"`
	SentAt            *time.Time   `json:"sent_at,omitempty"`
	ProviderMessageID string       `json:"provider_message_id,omitempty"`
	Attempts          int          `json:"attempts"`
	Reason            string       `json:"reason,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
}

// DeadLetterEntry holds a delivery payload that exhausted its retry budget.
// Removed when a manual or automatic retry succeeds.
type DeadLetterEntry struct {
	ID          uuid.UUID `json:"id"`
	Payload     []byte    `json:"payload"`
	Error       string    `json:"error"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
	LastAttempt time.Time `json:"last_attempt"`
}

// DeliveryLogEntry is one append-only record per completed send. The
// frequency cap tracker derives per-day counts from these rows; DeliveryStats
// is never materialized as its own table.
type DeliveryLogEntry struct {
	ID          uuid.UUID `json:"id"`
	UserID      string    `json:"user_id"`
	Channel     Channel   `json:"channel"`
	MessageType string    `json:"message_type"`
	Priority    Priority  `json:"priority"`
	SentAt      time.Time `json:"sent_at"`
}

// DeliveryStats is the derived per-user snapshot the cap tracker computes
// on demand.
type DeliveryStats struct {
	UserID        string
	EmailsToday   int
	SMSToday      int
	LastEmailAt   time.Time
	LastSMSAt     time.Time
	LastByType    map[string]time.Time
	DayBoundary   time.Time
}

// JobLock is a TTL lock row preventing two invocations of the same
// scheduled job from double-processing a window.
type JobLock struct {
	Name       string    `json:"name"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ValidationError marks malformed event or preference input. The batch
// skips the item and keeps going; it never crashes.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
