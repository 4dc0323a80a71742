// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := defaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if cfg.Windows.Timezone != "America/New_York" {
		t.Errorf("timezone = %q", cfg.Windows.Timezone)
	}
	if cfg.Delivery.DailyEmailLimit != 5 || cfg.Delivery.DailySMSLimit != 3 {
		t.Errorf("daily limits = %d/%d, want 5/3",
			cfg.Delivery.DailyEmailLimit, cfg.Delivery.DailySMSLimit)
	}
}

func TestLoadLayersFileOverDefaultsAndEnvOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
delivery:
  daily_email_limit: 7
windows:
  evening_hour: 19
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("DAILY_SMS_LIMIT", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// File overrides the default.
	if cfg.Delivery.DailyEmailLimit != 7 {
		t.Errorf("daily_email_limit = %d, want file value 7", cfg.Delivery.DailyEmailLimit)
	}
	if cfg.Windows.EveningHour != 19 {
		t.Errorf("evening_hour = %d, want file value 19", cfg.Windows.EveningHour)
	}
	// Environment overrides everything.
	if cfg.Delivery.DailySMSLimit != 2 {
		t.Errorf("daily_sms_limit = %d, want env value 2", cfg.Delivery.DailySMSLimit)
	}
	// Untouched keys keep their defaults.
	if cfg.Windows.MorningHour != 8 {
		t.Errorf("morning_hour = %d, want default 8", cfg.Windows.MorningHour)
	}
}

func TestUnmappedEnvironmentKeysAreIgnored(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("PATH_LIKE_NOISE", "database.path")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Path != "/data/stoopline.duckdb" {
		t.Errorf("database.path = %q, want default", cfg.Database.Path)
	}
}

func TestValidateRejectsCrossFieldViolations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"inverted digest windows", func(c *Config) { c.Windows.MorningHour = 20; c.Windows.EveningHour = 8 }},
		{"bogus timezone", func(c *Config) { c.Windows.Timezone = "Mars/Olympus_Mons" }},
		{"max delay below base", func(c *Config) { c.Retry.BaseDelay = time.Minute; c.Retry.MaxDelay = time.Second }},
		{"zero lock ttl", func(c *Config) { c.Lock.TTL = 0 }},
		{"zero batch size", func(c *Config) { c.Delivery.BatchSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("invalid config passed validation")
			}
		})
	}
}
