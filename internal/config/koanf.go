// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/stoopline/config.yaml",
	"/etc/stoopline/config.yml",
}

// ConfigPathEnvVar overrides the config file search entirely.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the configuration from layered sources:
//  1. built-in defaults
//  2. optional YAML config file
//  3. environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransform maps environment variable names to config paths. Unmapped
// variables are dropped so arbitrary environment keys cannot pollute the
// configuration.
func envTransform(key string) string {
	mappings := map[string]string{
		"duckdb_path":       "database.path",
		"duckdb_max_memory": "database.max_memory",
		"duckdb_threads":    "database.threads",

		"nats_enabled":        "nats.enabled",
		"nats_url":            "nats.url",
		"nats_stream_name":    "nats.stream_name",
		"nats_subject_prefix": "nats.subject_prefix",
		"nats_durable_name":   "nats.durable_name",
		"nats_queue_group":    "nats.queue_group",

		"smtp_host":      "smtp.host",
		"smtp_port":      "smtp.port",
		"smtp_from":      "smtp.from",
		"smtp_from_name": "smtp.from_name",
		"smtp_user":      "smtp.user",
		"smtp_password":  "smtp.password",
		"smtp_use_tls":   "smtp.use_tls",

		"sms_api_url":     "sms.api_url",
		"sms_account_sid": "sms.account_sid",
		"sms_auth_token":  "sms.auth_token",
		"sms_from_number": "sms.from_number",
		"sms_timeout":     "sms.timeout",

		"delivery_batch_size":    "delivery.batch_size",
		"delivery_send_interval": "delivery.send_interval",
		"daily_email_limit":      "delivery.daily_email_limit",
		"daily_sms_limit":        "delivery.daily_sms_limit",
		"cooldown_hours":         "delivery.cooldown_hours",

		"city_timezone":       "windows.timezone",
		"digest_morning_hour": "windows.morning_hour",
		"digest_evening_hour": "windows.evening_hour",
		"quiet_hours_start":   "windows.quiet_start",
		"quiet_hours_end":     "windows.quiet_end",
		"premium_offset":      "windows.premium_offset",

		"retry_max_attempts":       "retry.max_attempts",
		"retry_base_delay":         "retry.base_delay",
		"retry_multiplier":         "retry.multiplier",
		"retry_max_delay":          "retry.max_delay",
		"retry_jitter_fraction":    "retry.jitter_fraction",
		"retry_verification_delay": "retry.verification_delay",

		"health_check_timeout": "health.check_timeout",
		"weather_url":          "health.weather_url",
		"operator_email":       "health.operator_email",

		"http_host":    "server.host",
		"http_port":    "server.port",
		"http_timeout": "server.timeout",

		"job_lock_ttl": "lock.ttl",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := mappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
