// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

// Package delivery implements the channel providers behind the executor:
//   - Email: SMTP delivery with plaintext and HTML bodies
//   - SMS: Twilio-style REST API delivery
//
// Every channel reports failures through the Result struct with an error
// categorization (permanent vs transient); a non-nil error return is
// reserved for programming mistakes, not provider outcomes.
//
// Credentials are never logged. TLS is enforced where supported.
package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stoopline/stoopline/internal/models"
)

// Channel is a delivery provider for one models.Channel.
type Channel interface {
	// Name returns the channel identifier.
	Name() models.Channel

	// Validate checks the channel's own configuration. Called by the
	// pre-flight step before any network I/O.
	Validate() error

	// ValidateDestination checks destination syntax for this channel.
	ValidateDestination(destination string) error

	// Send delivers content to the destination. Provider outcomes, good
	// or bad, land in the Result; err is reserved for invariant
	// violations.
	Send(ctx context.Context, destination string, content *Content) (*Result, error)
}

// StatusChecker is implemented by channels that can report post-accept
// delivery state for verification polling.
type StatusChecker interface {
	Status(ctx context.Context, providerMessageID string) (DeliveryState, error)
}

// Content is one rendered message. BodyText is mandatory; BodyHTML is
// used only by channels that support it.
type Content struct {
	Subject  string
	BodyText string
	BodyHTML string
}

// Empty reports whether there is nothing to send.
func (c *Content) Empty() bool {
	return c == nil || (strings.TrimSpace(c.BodyText) == "" && strings.TrimSpace(c.BodyHTML) == "")
}

// Result is the outcome of one provider call.
type Result struct {
	Success           bool
	ProviderMessageID string
	ErrorMessage      string
	ErrorCode         string
	IsTransient       bool
	DeliveredAt       *time.Time
}

// Error codes for delivery failures.
const (
	ErrorCodeInvalidConfig      = "INVALID_CONFIG"
	ErrorCodeInvalidDestination = "INVALID_DESTINATION"
	ErrorCodeConnectionFailed   = "CONNECTION_FAILED"
	ErrorCodeAuthFailed         = "AUTH_FAILED"
	ErrorCodeRateLimited        = "RATE_LIMITED"
	ErrorCodeRecipientNotFound  = "RECIPIENT_NOT_FOUND"
	ErrorCodeServerError        = "SERVER_ERROR"
	ErrorCodeTimeout            = "TIMEOUT"
	ErrorCodeUnknown            = "UNKNOWN"
)

// DeliveryState is a provider's post-accept report on a message.
type DeliveryState string

// Verification classifications. Delivered and beyond are terminal
// success; bounced and complained are terminal failure but never retried,
// because the provider already accepted the message.
const (
	StateQueued     DeliveryState = "queued"
	StateSent       DeliveryState = "sent"
	StateDelivered  DeliveryState = "delivered"
	StateOpened     DeliveryState = "opened"
	StateClicked    DeliveryState = "clicked"
	StateBounced    DeliveryState = "bounced"
	StateComplained DeliveryState = "complained"
	StateFailed     DeliveryState = "failed"
	StateUnknown    DeliveryState = "unknown"
)

// Terminal reports whether the state will not change further.
func (s DeliveryState) Terminal() bool {
	switch s {
	case StateDelivered, StateOpened, StateClicked, StateBounced, StateComplained, StateFailed:
		return true
	default:
		return false
	}
}

// Confirmed reports terminal success.
func (s DeliveryState) Confirmed() bool {
	switch s {
	case StateDelivered, StateOpened, StateClicked:
		return true
	default:
		return false
	}
}

// Registry maps channel names to providers.
type Registry struct {
	channels map[models.Channel]Channel
}

// NewRegistry creates an empty registry; callers register the providers
// they have configuration for.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[models.Channel]Channel)}
}

// Register adds a channel to the registry.
func (r *Registry) Register(channel Channel) {
	r.channels[channel.Name()] = channel
}

// Get retrieves a channel by name.
func (r *Registry) Get(name models.Channel) (Channel, bool) {
	channel, ok := r.channels[name]
	return channel, ok
}

// List returns all registered channel names.
func (r *Registry) List() []models.Channel {
	names := make([]models.Channel, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	return names
}

// ValidateEmailAddress validates an email address format.
func ValidateEmailAddress(email string) error {
	if email == "" {
		return fmt.Errorf("email address is required")
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fmt.Errorf("invalid email address format: %s", email)
	}
	if !strings.Contains(parts[1], ".") {
		return fmt.Errorf("invalid email domain: %s", parts[1])
	}
	return nil
}

// ValidatePhoneNumber validates an E.164-style phone number.
func ValidatePhoneNumber(phone string) error {
	if phone == "" {
		return fmt.Errorf("phone number is required")
	}
	if !strings.HasPrefix(phone, "+") {
		return fmt.Errorf("phone number must be E.164 format: %s", phone)
	}
	digits := phone[1:]
	if len(digits) < 8 || len(digits) > 15 {
		return fmt.Errorf("phone number has invalid length: %s", phone)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return fmt.Errorf("phone number contains non-digits: %s", phone)
		}
	}
	return nil
}

// isTransientCode returns true when the error code is worth retrying.
func isTransientCode(code string) bool {
	switch code {
	case ErrorCodeConnectionFailed, ErrorCodeTimeout, ErrorCodeRateLimited, ErrorCodeServerError:
		return true
	default:
		return false
	}
}
