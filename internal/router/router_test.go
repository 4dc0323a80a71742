// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package router

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stoopline/stoopline/internal/config"
	"github.com/stoopline/stoopline/internal/freqcap"
	"github.com/stoopline/stoopline/internal/models"
	"github.com/stoopline/stoopline/internal/store"
)

func testWindowsConfig() config.WindowsConfig {
	return config.WindowsConfig{
		Timezone:      "America/New_York",
		MorningHour:   8,
		EveningHour:   18,
		QuietStart:    22,
		QuietEnd:      8,
		PremiumOffset: 30 * time.Minute,
	}
}

func newTestRouter(t *testing.T) (*Router, *store.Store, *time.Location) {
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
	caps := freqcap.NewTracker(st, config.DeliveryConfig{
		DailyEmailLimit: 5,
		DailySMSLimit:   3,
		CooldownHours:   4,
	}, loc)
	return New(caps, NewWindows(testWindowsConfig(), loc)), st, loc
}

func seedEmails(t *testing.T, st *store.Store, userID string, n int, now time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := st.AppendDeliveryLog(context.Background(), &models.DeliveryLogEntry{
			UserID:      userID,
			Channel:     models.ChannelEmail,
			MessageType: "seed:" + string(rune('a'+i)),
			Priority:    models.PriorityImportant,
			SentAt:      now.Add(-time.Duration(i+1) * 15 * time.Minute).UTC(),
		})
		if err != nil {
			t.Fatalf("seed delivery log: %v", err)
		}
	}
}

func event(priority models.Priority) *models.Event {
	return &models.Event{
		ID:       uuid.New(),
		ModuleID: "weather",
		Priority: priority,
		Title:    "Heat advisory",
	}
}

func premiumUser() *models.User {
	return &models.User{
		ID:       "user-1",
		Email:    "user@example.com",
		Phone:    "+12125550100",
		Tier:     models.TierPremium,
		SMSOptIn: true,
	}
}

func freeUser() *models.User {
	return &models.User{
		ID:    "user-1",
		Email: "user@example.com",
		Tier:  models.TierFree,
	}
}

func TestCriticalPrefersSMS(t *testing.T) {
	r, _, loc := newTestRouter(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, loc)

	d, err := r.Route(context.Background(), event(models.PriorityCritical), premiumUser(), now)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !d.ShouldSend || d.Channel != models.ChannelSMS || d.Timing != models.TimingImmediate {
		t.Fatalf("decision = %+v, want immediate sms", d)
	}
}

func TestCriticalWithoutSMSUsesEmail(t *testing.T) {
	r, _, loc := newTestRouter(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, loc)

	d, err := r.Route(context.Background(), event(models.PriorityCritical), freeUser(), now)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !d.ShouldSend || d.Channel != models.ChannelEmail || d.Timing != models.TimingImmediate {
		t.Fatalf("decision = %+v, want immediate email", d)
	}
}

func TestCriticalDeferredPastQuietHours(t *testing.T) {
	r, _, loc := newTestRouter(t)
	// 23:00 local: inside the default 22-08 quiet window.
	now := time.Date(2026, 3, 2, 23, 0, 0, 0, loc)

	d, err := r.Route(context.Background(), event(models.PriorityCritical), freeUser(), now)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !d.ShouldSend || d.Timing != models.TimingScheduled {
		t.Fatalf("decision = %+v, want scheduled email", d)
	}
	wantAt := time.Date(2026, 3, 3, 8, 0, 0, 0, loc)
	if !d.ScheduledFor.Equal(wantAt) {
		t.Errorf("scheduled for %v, want quiet hours end %v", d.ScheduledFor, wantAt)
	}
}

func TestCriticalNeverDropped(t *testing.T) {
	r, st, loc := newTestRouter(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, loc)
	seedEmails(t, st, "user-1", 5, now)

	// No SMS opt-in and the email cap exhausted: critical still bypasses
	// the cap, so it goes out immediately rather than being deferred.
	d, err := r.Route(context.Background(), event(models.PriorityCritical), freeUser(), now)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !d.ShouldSend {
		t.Fatalf("critical suppressed: %+v", d)
	}
}

func TestUrgentPremiumGetsImmediateSMS(t *testing.T) {
	r, _, loc := newTestRouter(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, loc)

	d, err := r.Route(context.Background(), event(models.PriorityUrgent), premiumUser(), now)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !d.ShouldSend || d.Channel != models.ChannelSMS || d.Timing != models.TimingImmediate {
		t.Fatalf("decision = %+v, want immediate sms", d)
	}
}

func TestUrgentFreeTierBatched(t *testing.T) {
	r, _, loc := newTestRouter(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, loc)

	d, err := r.Route(context.Background(), event(models.PriorityUrgent), freeUser(), now)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !d.ShouldSend || d.Timing != models.TimingBatched {
		t.Fatalf("decision = %+v, want batched email", d)
	}
	// Midday routes to the evening window, free slot 30 minutes in.
	wantAt := time.Date(2026, 3, 2, 18, 30, 0, 0, loc)
	if !d.ScheduledFor.Equal(wantAt) {
		t.Errorf("scheduled for %v, want %v", d.ScheduledFor, wantAt)
	}
}

func TestImportantBlockedAtDailyLimit(t *testing.T) {
	r, st, loc := newTestRouter(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, loc)
	seedEmails(t, st, "user-1", 5, now)

	d, err := r.Route(context.Background(), event(models.PriorityImportant), freeUser(), now)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.ShouldSend {
		t.Fatalf("important at cap should be suppressed: %+v", d)
	}
	if !strings.Contains(d.Reason, "Daily email limit reached") {
		t.Errorf("reason = %q, want daily limit message", d.Reason)
	}
	if d.Cause != CauseCapBlocked {
		t.Errorf("cause = %q, want %q", d.Cause, CauseCapBlocked)
	}
}

func TestImportantPremiumSlotsEarlier(t *testing.T) {
	r, _, loc := newTestRouter(t)
	now := time.Date(2026, 3, 2, 5, 0, 0, 0, loc)

	premium, err := r.Route(context.Background(), event(models.PriorityImportant), premiumUser(), now)
	if err != nil {
		t.Fatalf("route premium: %v", err)
	}
	free, err := r.Route(context.Background(), event(models.PriorityImportant), freeUser(), now)
	if err != nil {
		t.Fatalf("route free: %v", err)
	}
	if !premium.ScheduledFor.Before(free.ScheduledFor) {
		t.Errorf("premium slot %v not before free slot %v",
			premium.ScheduledFor, free.ScheduledFor)
	}
}

func TestRoutinePreservesHeadroom(t *testing.T) {
	r, st, loc := newTestRouter(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, loc)
	// Four of five sends used: one away from the cap.
	seedEmails(t, st, "user-1", 4, now)

	d, err := r.Route(context.Background(), event(models.PriorityRoutine), freeUser(), now)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.ShouldSend {
		t.Fatalf("routine one short of cap should be withheld: %+v", d)
	}
	if d.Cause != CauseHeadroom {
		t.Errorf("cause = %q, want %q", d.Cause, CauseHeadroom)
	}
}

func TestNextDigestTransitions(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	w := NewWindows(testWindowsConfig(), loc)

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "before morning schedules this morning",
			now:  time.Date(2026, 3, 2, 6, 0, 0, 0, loc),
			want: time.Date(2026, 3, 2, 8, 0, 0, 0, loc),
		},
		{
			name: "between windows schedules this evening",
			now:  time.Date(2026, 3, 2, 12, 0, 0, 0, loc),
			want: time.Date(2026, 3, 2, 18, 0, 0, 0, loc),
		},
		{
			name: "after evening schedules tomorrow morning",
			now:  time.Date(2026, 3, 2, 21, 0, 0, 0, loc),
			want: time.Date(2026, 3, 3, 8, 0, 0, 0, loc),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := w.NextDigest(tt.now, models.TierPremium)
			if !got.Equal(tt.want) {
				t.Errorf("NextDigest() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQuietHoursWrapMidnight(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	w := NewWindows(testWindowsConfig(), loc)
	user := freeUser()

	tests := []struct {
		hour int
		want bool
	}{
		{23, true},
		{2, true},
		{7, true},
		{8, false},
		{12, false},
		{21, false},
		{22, true},
	}
	for _, tt := range tests {
		now := time.Date(2026, 3, 2, tt.hour, 30, 0, 0, loc)
		if got := w.InQuietHours(now, user); got != tt.want {
			t.Errorf("InQuietHours(hour=%d) = %v, want %v", tt.hour, got, tt.want)
		}
	}
}
