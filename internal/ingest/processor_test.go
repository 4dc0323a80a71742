// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stoopline/stoopline/internal/config"
	"github.com/stoopline/stoopline/internal/freqcap"
	"github.com/stoopline/stoopline/internal/matching"
	"github.com/stoopline/stoopline/internal/models"
	"github.com/stoopline/stoopline/internal/router"
	"github.com/stoopline/stoopline/internal/store"
)

func newTestProcessor(t *testing.T) (*Processor, *store.Store, time.Time) {
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
		DailyEmailLimit: 5, DailySMSLimit: 3, CooldownHours: 4,
	}, loc)
	windows := router.NewWindows(config.WindowsConfig{
		Timezone: "America/New_York", MorningHour: 8, EveningHour: 18,
		QuietStart: 22, QuietEnd: 8, PremiumOffset: 30 * time.Minute,
	}, loc)
	matcher := matching.NewEngine(matching.NewRegistry(), st)
	processor := NewProcessor(st, matcher, router.New(caps, windows))

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, loc)
	return processor, st, now
}

func seedSubscriber(t *testing.T, st *store.Store, userID string, settings map[string]any) {
	t.Helper()
	ctx := context.Background()
	err := st.UpsertUser(ctx, &models.User{
		ID: userID, Email: userID + "@example.com", Tier: models.TierFree,
	})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	err = st.UpsertPreference(ctx, &models.UserPreference{
		UserID: userID, ModuleID: "transit", Enabled: true, Settings: settings,
	})
	if err != nil {
		t.Fatalf("seed preference: %v", err)
	}
}

const transitPayload = `{
	"module_id": "transit",
	"source_id": "mta-gtfs",
	"external_id": "alert-1234",
	"title": "L train suspended",
	"body": "No L service between 8 Av and Broadway Junction.",
	"priority": "urgent",
	"metadata": {"affected_lines": ["L"]}
}`

func TestProcessFansOutToMatchingUsers(t *testing.T) {
	processor, st, now := newTestProcessor(t)
	seedSubscriber(t, st, "rider", map[string]any{"subway_lines": []string{"L", "G"}})
	seedSubscriber(t, st, "other", map[string]any{"subway_lines": []string{"7"}})

	result, err := processor.Process(context.Background(), []byte(transitPayload), now)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if result.Eligible != 1 || result.Enqueued != 1 {
		t.Fatalf("result = %+v, want one eligible rider enqueued", result)
	}

	due, err := st.SelectDue(context.Background(), now.Add(24*time.Hour), 10)
	if err != nil {
		t.Fatalf("select due: %v", err)
	}
	if len(due) != 1 || due[0].UserID != "rider" {
		t.Fatalf("outbox = %v, want one entry for rider", due)
	}
}

func TestProcessDeduplicatesByProducerIdentity(t *testing.T) {
	processor, st, now := newTestProcessor(t)
	seedSubscriber(t, st, "rider", map[string]any{"subway_lines": []string{"L"}})

	first, err := processor.Process(context.Background(), []byte(transitPayload), now)
	if err != nil {
		t.Fatalf("first process: %v", err)
	}
	if first.Duplicate {
		t.Fatal("first ingestion flagged duplicate")
	}

	second, err := processor.Process(context.Background(), []byte(transitPayload), now)
	if err != nil {
		t.Fatalf("second process: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("re-ingestion not flagged duplicate")
	}
	if second.Enqueued != 0 {
		t.Errorf("duplicate enqueued %d entries, want 0", second.Enqueued)
	}

	// Still exactly one outbox entry.
	due, err := st.SelectDue(context.Background(), now.Add(24*time.Hour), 10)
	if err != nil {
		t.Fatalf("select due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("outbox holds %d entries after duplicate, want 1", len(due))
	}
}

func TestProcessRejectsMalformedPayload(t *testing.T) {
	processor, _, now := newTestProcessor(t)

	tests := []struct {
		name    string
		payload string
	}{
		{"invalid json", `{"module_id": `},
		{"missing module", `{"source_id":"s","external_id":"e","title":"t","body":"b"}`},
		{"missing external id", `{"module_id":"transit","source_id":"s","title":"t","body":"b"}`},
		{"empty body", `{"module_id":"transit","source_id":"s","external_id":"e","title":"t","body":""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := processor.Process(context.Background(), []byte(tt.payload), now)
			var vErr *models.ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}
}

func TestUnknownPriorityDefaultsToRoutine(t *testing.T) {
	envelope, err := ParseEnvelope([]byte(`{
		"module_id":"deals","source_id":"s","external_id":"e",
		"title":"Half-price bagels","body":"Today only.","priority":"mega"
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	event := envelope.ToEvent(time.Now())
	if event.Priority != models.PriorityRoutine {
		t.Errorf("priority = %s, want routine", event.Priority)
	}
}
