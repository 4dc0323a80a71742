// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package delivery

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stoopline/stoopline/internal/config"
	"github.com/stoopline/stoopline/internal/models"
)

// EmailChannel implements email delivery via SMTP.
type EmailChannel struct {
	cfg            config.SMTPConfig
	defaultTimeout time.Duration
}

// NewEmailChannel creates a new email delivery channel.
func NewEmailChannel(cfg config.SMTPConfig) *EmailChannel {
	return &EmailChannel{
		cfg:            cfg,
		defaultTimeout: 30 * time.Second,
	}
}

// Name returns the channel identifier.
func (c *EmailChannel) Name() models.Channel {
	return models.ChannelEmail
}

// Validate checks if the SMTP configuration is valid.
func (c *EmailChannel) Validate() error {
	if c.cfg.Host == "" {
		return fmt.Errorf("SMTP host is required")
	}
	if c.cfg.Port <= 0 || c.cfg.Port > 65535 {
		return fmt.Errorf("invalid SMTP port: %d", c.cfg.Port)
	}
	if c.cfg.From == "" {
		return fmt.Errorf("SMTP from address is required")
	}
	return nil
}

// ValidateDestination checks the recipient address.
func (c *EmailChannel) ValidateDestination(destination string) error {
	return ValidateEmailAddress(destination)
}

// Send delivers the message via SMTP.
func (c *EmailChannel) Send(ctx context.Context, destination string, content *Content) (*Result, error) {
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

	// SMTP has no provider-assigned id; mint one so the audit trail and
	// verification hooks have a stable handle.
	messageID := uuid.New().String()
	msg := c.buildMessage(destination, messageID, content)

	if err := c.sendSMTP(ctx, destination, msg); err != nil {
		result.ErrorMessage = err.Error()
		result.ErrorCode = classifyEmailError(err)
		result.IsTransient = isTransientCode(result.ErrorCode)
		return result, nil
	}

	now := time.Now()
	result.Success = true
	result.ProviderMessageID = messageID
	result.DeliveredAt = &now
	return result, nil
}

// buildMessage constructs the email with headers.
func (c *EmailChannel) buildMessage(to, messageID string, content *Content) string {
	var msg strings.Builder

	fromName := c.cfg.FromName
	if fromName == "" {
		fromName = "Stoopline"
	}

	msg.WriteString(fmt.Sprintf("From: %s <%s>\r\n", fromName, c.cfg.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", to))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", content.Subject))
	msg.WriteString(fmt.Sprintf("Message-ID: <%s@stoopline>\r\n", messageID))
	msg.WriteString("MIME-Version: 1.0\r\n")

	hasHTML := content.BodyHTML != ""
	hasText := content.BodyText != ""

	switch {
	case hasHTML && hasText:
		boundary := fmt.Sprintf("boundary_%d", time.Now().UnixNano())
		msg.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q\r\n", boundary))
		msg.WriteString("\r\n")

		msg.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
		msg.WriteString("\r\n")
		msg.WriteString(content.BodyText)
		msg.WriteString("\r\n")

		msg.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
		msg.WriteString("\r\n")
		msg.WriteString(content.BodyHTML)
		msg.WriteString("\r\n")

		msg.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	case hasHTML:
		msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
		msg.WriteString("\r\n")
		msg.WriteString(content.BodyHTML)
	default:
		msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
		msg.WriteString("\r\n")
		msg.WriteString(content.BodyText)
	}

	return msg.String()
}

// sendSMTP performs the SMTP conversation.
func (c *EmailChannel) sendSMTP(ctx context.Context, to, msg string) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)

	dialer := &net.Dialer{Timeout: c.defaultTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer func() { _ = conn.Close() }()

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if c.cfg.UseTLS {
		tlsConfig := &tls.Config{
			ServerName: c.cfg.Host,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if c.cfg.User != "" && c.cfg.Password != "" {
		auth := smtp.PlainAuth("", c.cfg.User, c.cfg.Password, c.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	if err := client.Mail(c.cfg.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to start message: %w", err)
	}
	if _, err := writer.Write([]byte(msg)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close message: %w", err)
	}

	// Quit failures after a successful DATA are ignored; the message is
	// already accepted.
	_ = client.Quit()
	return nil
}

// Probe dials the SMTP server and hangs up, for health checks.
func (c *EmailChannel) Probe(ctx context.Context) error {
	if err := c.Validate(); err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("SMTP server unreachable: %w", err)
	}
	return conn.Close()
}

// classifyEmailError maps an SMTP error to an error code.
func classifyEmailError(err error) string {
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "auth"):
		return ErrorCodeAuthFailed
	case strings.Contains(errStr, "connect"):
		return ErrorCodeConnectionFailed
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return ErrorCodeTimeout
	case strings.Contains(errStr, "recipient") || strings.Contains(errStr, "mailbox"):
		return ErrorCodeRecipientNotFound
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "limit"):
		return ErrorCodeRateLimited
	default:
		return ErrorCodeUnknown
	}
}
