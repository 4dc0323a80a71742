// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

// Package config loads and validates engine configuration.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then environment variables. Environment always wins.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the engine.
type Config struct {
	Database DatabaseConfig `koanf:"database"`
	NATS     NATSConfig     `koanf:"nats"`
	SMTP     SMTPConfig     `koanf:"smtp"`
	SMS      SMSConfig      `koanf:"sms"`
	Delivery DeliveryConfig `koanf:"delivery"`
	Windows  WindowsConfig  `koanf:"windows"`
	Retry    RetryConfig    `koanf:"retry"`
	Health   HealthConfig   `koanf:"health"`
	Server   ServerConfig   `koanf:"server"`
	Lock     LockConfig     `koanf:"lock"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// DatabaseConfig configures the DuckDB datastore.
type DatabaseConfig struct {
	// Path is the database file; ":memory:" runs fully in memory (tests).
	Path      string `koanf:"path" validate:"required"`
	MaxMemory string `koanf:"max_memory"`
	// Threads caps DuckDB worker threads; 0 means runtime.NumCPU().
	Threads int `koanf:"threads" validate:"gte=0"`
}

// NATSConfig configures the producer intake stream.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	StreamName    string `koanf:"stream_name"`
	SubjectPrefix string `koanf:"subject_prefix"`
	DurableName   string `koanf:"durable_name"`
	QueueGroup    string `koanf:"queue_group"`
}

// SMTPConfig configures the email channel.
type SMTPConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port" validate:"gte=0,lte=65535"`
	From     string `koanf:"from"`
	FromName string `koanf:"from_name"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	UseTLS   bool   `koanf:"use_tls"`
}

// SMSConfig configures the SMS channel provider (Twilio-style REST API).
type SMSConfig struct {
	APIURL     string        `koanf:"api_url"`
	AccountSID string        `koanf:"account_sid"`
	AuthToken  string        `koanf:"auth_token"`
	FromNumber string        `koanf:"from_number"`
	Timeout    time.Duration `koanf:"timeout"`
}

// DeliveryConfig bounds the executor and the frequency cap tracker.
type DeliveryConfig struct {
	// BatchSize caps how many pending entries one invocation processes.
	BatchSize int `koanf:"batch_size" validate:"gt=0"`
	// SendInterval is the deliberate pause between consecutive sends,
	// respecting provider rate limits.
	SendInterval time.Duration `koanf:"send_interval"`
	// DailyEmailLimit and DailySMSLimit are per-user daily caps.
	DailyEmailLimit int `koanf:"daily_email_limit" validate:"gt=0"`
	DailySMSLimit   int `koanf:"daily_sms_limit" validate:"gt=0"`
	// CooldownHours is the per-message-type repeat suppression window.
	CooldownHours int `koanf:"cooldown_hours" validate:"gte=0"`
}

// WindowsConfig fixes the canonical timezone and the daily digest and
// quiet-hours boundaries. All day-boundary math uses Timezone; server-local
// time is never consulted.
type WindowsConfig struct {
	Timezone      string `koanf:"timezone" validate:"required"`
	MorningHour   int    `koanf:"morning_hour" validate:"gte=0,lte=23"`
	EveningHour   int    `koanf:"evening_hour" validate:"gte=0,lte=23"`
	QuietStart    int    `koanf:"quiet_start" validate:"gte=0,lte=23"`
	QuietEnd      int    `koanf:"quiet_end" validate:"gte=0,lte=23"`
	// PremiumOffset is how many minutes earlier premium users slot into a
	// digest window than free users.
	PremiumOffset time.Duration `koanf:"premium_offset"`
}

// RetryConfig parameterizes the high-reliability send path. These were
// once constants baked into the executor; they are configuration now.
type RetryConfig struct {
	MaxAttempts       int           `koanf:"max_attempts" validate:"gt=0"`
	BaseDelay         time.Duration `koanf:"base_delay"`
	Multiplier        float64       `koanf:"multiplier" validate:"gte=1"`
	MaxDelay          time.Duration `koanf:"max_delay"`
	JitterFraction    float64       `koanf:"jitter_fraction" validate:"gte=0,lte=1"`
	VerificationDelay time.Duration `koanf:"verification_delay"`
}

// HealthConfig bounds the pre-flight dependency checks.
type HealthConfig struct {
	CheckTimeout time.Duration `koanf:"check_timeout"`
	// WeatherURL is the external weather dependency probed by the health
	// monitor and used by the degraded-content builder.
	WeatherURL string `koanf:"weather_url"`
	// OperatorEmail receives best-effort alerts when a batch aborts.
	OperatorEmail string `koanf:"operator_email"`
}

// ServerConfig configures the ops API.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port" validate:"gt=0,lte=65535"`
	Timeout time.Duration `koanf:"timeout"`
}

// LockConfig configures the scheduled-job TTL lock.
type LockConfig struct {
	TTL time.Duration `koanf:"ttl"`
}

// LoggingConfig configures the zerolog backend.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns a Config with all defaults applied. Defaults load
// first; file and environment layers override them.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:      "/data/stoopline.duckdb",
			MaxMemory: "1GB",
			Threads:   0,
		},
		NATS: NATSConfig{
			Enabled:       true,
			URL:           "nats://127.0.0.1:4222",
			StreamName:    "STOOPLINE_EVENTS",
			SubjectPrefix: "stoopline.events",
			DurableName:   "event-ingest",
			QueueGroup:    "ingesters",
		},
		SMTP: SMTPConfig{
			Host:     "",
			Port:     587,
			From:     "",
			FromName: "Stoopline",
			UseTLS:   true,
		},
		SMS: SMSConfig{
			APIURL:  "https://api.twilio.com/2010-04-01",
			Timeout: 15 * time.Second,
		},
		Delivery: DeliveryConfig{
			BatchSize:       100,
			SendInterval:    200 * time.Millisecond,
			DailyEmailLimit: 5,
			DailySMSLimit:   3,
			CooldownHours:   4,
		},
		Windows: WindowsConfig{
			Timezone:      "America/New_York",
			MorningHour:   8,
			EveningHour:   18,
			QuietStart:    22,
			QuietEnd:      8,
			PremiumOffset: 30 * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BaseDelay:         time.Second,
			Multiplier:        2.0,
			MaxDelay:          30 * time.Second,
			JitterFraction:    0.1,
			VerificationDelay: 30 * time.Second,
		},
		Health: HealthConfig{
			CheckTimeout: 5 * time.Second,
			WeatherURL:   "https://api.weather.gov/gridpoints/OKX/33,35/forecast",
		},
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8432,
			Timeout: 30 * time.Second,
		},
		Lock: LockConfig{
			TTL: 10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for structural errors plus the
// cross-field rules the tag language cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if _, err := time.LoadLocation(c.Windows.Timezone); err != nil {
		return fmt.Errorf("invalid windows.timezone %q: %w", c.Windows.Timezone, err)
	}
	if c.Windows.MorningHour >= c.Windows.EveningHour {
		return fmt.Errorf("windows.morning_hour (%d) must precede windows.evening_hour (%d)",
			c.Windows.MorningHour, c.Windows.EveningHour)
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be at least retry.base_delay")
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be positive")
	}
	return nil
}

// Location returns the canonical city timezone. Validate guarantees the
// zone loads, so errors here indicate Validate was skipped.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Windows.Timezone)
}
