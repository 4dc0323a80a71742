// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package delivery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/stoopline/stoopline/internal/config"
	"github.com/stoopline/stoopline/internal/models"
)

// SMSChannel implements SMS delivery through a Twilio-style messages API.
type SMSChannel struct {
	cfg    config.SMSConfig
	client *http.Client
}

// NewSMSChannel creates a new SMS delivery channel.
func NewSMSChannel(cfg config.SMSConfig) *SMSChannel {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SMSChannel{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Name returns the channel identifier.
func (c *SMSChannel) Name() models.Channel {
	return models.ChannelSMS
}

// Validate checks the provider credentials.
func (c *SMSChannel) Validate() error {
	if c.cfg.APIURL == "" {
		return fmt.Errorf("SMS API URL is required")
	}
	if c.cfg.AccountSID == "" || c.cfg.AuthToken == "" {
		return fmt.Errorf("SMS credentials are required")
	}
	if c.cfg.FromNumber == "" {
		return fmt.Errorf("SMS from number is required")
	}
	return nil
}

// ValidateDestination checks the recipient number.
func (c *SMSChannel) ValidateDestination(destination string) error {
	return ValidatePhoneNumber(destination)
}

type smsResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Send posts one message to the provider. SMS bodies use the plaintext
// rendering; the subject line is folded into the body since SMS has no
// subject concept.
func (c *SMSChannel) Send(ctx context.Context, destination string, content *Content) (*Result, error) {
	result := &Result{}

	if err := c.ValidateDestination(destination); err != nil {
		result.ErrorMessage = err.Error()
		result.ErrorCode = ErrorCodeInvalidDestination
		return result, nil
	}
	if err := c.Validate(); err != nil {
		result.ErrorMessage = err.Error()
		result.ErrorCode = ErrorCodeInvalidConfig
		return result, nil
	}

	body := content.BodyText
	if content.Subject != "" {
		body = content.Subject + "\n" + body
	}

	form := url.Values{}
	form.Set("To", destination)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", strings.TrimSuffix(c.cfg.APIURL, "/"), c.cfg.AccountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build SMS request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

	resp, err := c.client.Do(req)
	if err != nil {
		result.ErrorMessage = err.Error()
		result.ErrorCode = classifyHTTPError(err)
		result.IsTransient = isTransientCode(result.ErrorCode)
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		result.ErrorMessage = err.Error()
		result.ErrorCode = ErrorCodeConnectionFailed
		result.IsTransient = true
		return result, nil
	}

	var parsed smsResponse
	if err := json.Unmarshal(payload, &parsed); err != nil && resp.StatusCode < 300 {
		result.ErrorMessage = fmt.Sprintf("unparseable provider response: %v", err)
		result.ErrorCode = ErrorCodeUnknown
		return result, nil
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		now := time.Now()
		result.Success = true
		result.ProviderMessageID = parsed.SID
		result.DeliveredAt = &now
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		result.ErrorMessage = parsed.ErrorMessage
		result.ErrorCode = ErrorCodeAuthFailed
	case resp.StatusCode == http.StatusTooManyRequests:
		result.ErrorMessage = parsed.ErrorMessage
		result.ErrorCode = ErrorCodeRateLimited
		result.IsTransient = true
	case resp.StatusCode >= 500:
		result.ErrorMessage = fmt.Sprintf("provider error %d: %s", resp.StatusCode, parsed.ErrorMessage)
		result.ErrorCode = ErrorCodeServerError
		result.IsTransient = true
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound:
		// Invalid number or opted-out recipient: permanent.
		result.ErrorMessage = parsed.ErrorMessage
		result.ErrorCode = ErrorCodeRecipientNotFound
	default:
		result.ErrorMessage = fmt.Sprintf("unexpected provider status %d", resp.StatusCode)
		result.ErrorCode = ErrorCodeUnknown
	}
	if result.ErrorMessage == "" && !result.Success {
		result.ErrorMessage = fmt.Sprintf("provider status %d", resp.StatusCode)
	}
	return result, nil
}

// Status fetches the provider's delivery state for a sent message.
func (c *SMSChannel) Status(ctx context.Context, providerMessageID string) (DeliveryState, error) {
	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages/%s.json",
		strings.TrimSuffix(c.cfg.APIURL, "/"), c.cfg.AccountSID, url.PathEscape(providerMessageID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return StateUnknown, fmt.Errorf("build status request: %w", err)
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return StateUnknown, fmt.Errorf("fetch message status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return StateUnknown, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var parsed smsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return StateUnknown, fmt.Errorf("decode status response: %w", err)
	}

	switch parsed.Status {
	case "queued", "accepted", "scheduled":
		return StateQueued, nil
	case "sending", "sent":
		return StateSent, nil
	case "delivered", "read":
		return StateDelivered, nil
	case "undelivered":
		return StateBounced, nil
	case "failed", "canceled":
		return StateFailed, nil
	default:
		return StateUnknown, nil
	}
}

func classifyHTTPError(err error) string {
	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline") {
		return ErrorCodeTimeout
	}
	return ErrorCodeConnectionFailed
}
