// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package freqcap

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stoopline/stoopline/internal/config"
	"github.com/stoopline/stoopline/internal/models"
	"github.com/stoopline/stoopline/internal/store"
)

func newTestTracker(t *testing.T) (*Tracker, *store.Store, time.Time) {
	t.Helper()
	st, err := store.Open(context.Background(), config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	cfg := config.DeliveryConfig{
		DailyEmailLimit: 5,
		DailySMSLimit:   3,
		CooldownHours:   4,
	}
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, loc)
	return NewTracker(st, cfg, loc), st, now
}

func seedSends(t *testing.T, st *store.Store, userID string, channel models.Channel, messageType string, n int, now time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := st.AppendDeliveryLog(context.Background(), &models.DeliveryLogEntry{
			UserID:      userID,
			Channel:     channel,
			MessageType: messageType,
			Priority:    models.PriorityImportant,
			SentAt:      now.Add(-time.Duration(i+1) * 10 * time.Minute).UTC(),
		})
		if err != nil {
			t.Fatalf("seed delivery log: %v", err)
		}
	}
}

func TestEmailCapBlocksAtLimit(t *testing.T) {
	tracker, st, now := newTestTracker(t)
	seedSends(t, st, "user-1", models.ChannelEmail, "parking:important", 5, now)

	result, err := tracker.CheckEmail(context.Background(), "user-1", "events:routine", models.PriorityImportant, now)
	if err != nil {
		t.Fatalf("check email: %v", err)
	}
	if result.Allowed {
		t.Error("important send at limit should be blocked")
	}
	if result.CurrentCount != 5 || result.Limit != 5 {
		t.Errorf("counters = %d/%d, want 5/5", result.CurrentCount, result.Limit)
	}
	if !strings.Contains(result.Reason, "Daily email limit reached") {
		t.Errorf("reason = %q, want daily limit message", result.Reason)
	}
}

func TestUrgentBypassesDailyLimit(t *testing.T) {
	tracker, st, now := newTestTracker(t)
	seedSends(t, st, "user-1", models.ChannelEmail, "parking:important", 5, now)

	result, err := tracker.CheckEmail(context.Background(), "user-1", "weather:urgent", models.PriorityUrgent, now)
	if err != nil {
		t.Fatalf("check email: %v", err)
	}
	if !result.Allowed {
		t.Errorf("urgent send blocked by daily limit: %q", result.Reason)
	}
}

func TestCooldownBlocksRepeatType(t *testing.T) {
	tracker, st, now := newTestTracker(t)
	// One recent send of the same type, well under the daily limit.
	seedSends(t, st, "user-1", models.ChannelEmail, "parking:important", 1, now)

	result, err := tracker.CheckEmail(context.Background(), "user-1", "parking:important", models.PriorityImportant, now)
	if err != nil {
		t.Fatalf("check email: %v", err)
	}
	if result.Allowed {
		t.Error("repeat of same type inside cooldown should be blocked")
	}
	if !strings.Contains(result.Reason, "Cooldown active") {
		t.Errorf("reason = %q, want cooldown message", result.Reason)
	}

	// A different message type is unaffected.
	result, err = tracker.CheckEmail(context.Background(), "user-1", "events:routine", models.PriorityRoutine, now)
	if err != nil {
		t.Fatalf("check email: %v", err)
	}
	if !result.Allowed {
		t.Errorf("different type blocked: %q", result.Reason)
	}
}

func TestCriticalBypassesEverything(t *testing.T) {
	tracker, st, now := newTestTracker(t)
	seedSends(t, st, "user-1", models.ChannelSMS, "weather:critical", 3, now)

	result, err := tracker.CheckSMS(context.Background(), "user-1", "weather:critical", models.PriorityCritical, now)
	if err != nil {
		t.Fatalf("check sms: %v", err)
	}
	if !result.Allowed {
		t.Errorf("critical send blocked: %q", result.Reason)
	}
}

func TestCooldownExpires(t *testing.T) {
	tracker, st, now := newTestTracker(t)
	err := st.AppendDeliveryLog(context.Background(), &models.DeliveryLogEntry{
		UserID:      "user-1",
		Channel:     models.ChannelEmail,
		MessageType: "parking:important",
		Priority:    models.PriorityImportant,
		SentAt:      now.Add(-5 * time.Hour).UTC(),
	})
	if err != nil {
		t.Fatalf("seed delivery log: %v", err)
	}

	result, err := tracker.CheckEmail(context.Background(), "user-1", "parking:important", models.PriorityImportant, now)
	if err != nil {
		t.Fatalf("check email: %v", err)
	}
	if !result.Allowed {
		t.Errorf("send after cooldown window blocked: %q", result.Reason)
	}
}
