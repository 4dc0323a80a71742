// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package digest

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stoopline/stoopline/internal/models"
)

func TestSingleEventKeepsOwnSubject(t *testing.T) {
	starts := time.Date(2026, 6, 13, 10, 0, 0, 0, time.UTC)
	content := Build([]*models.Event{{
		ModuleID: "events",
		Title:    "Open Streets on Vanderbilt",
		Body:     "Vanderbilt Ave closed to cars between Atlantic and Park.",
		StartsAt: starts,
	}})

	if content.Subject != "Open Streets on Vanderbilt" {
		t.Errorf("subject = %q, want event title", content.Subject)
	}
	if !strings.Contains(content.BodyText, "Starts: Sat Jun 13, 10:00 AM") {
		t.Errorf("body missing start time: %q", content.BodyText)
	}
}

func TestDigestGroupsByModule(t *testing.T) {
	content := Build([]*models.Event{
		{ModuleID: "transit", Title: "G train delays", Body: "Signal problems at Hoyt."},
		{ModuleID: "parking", Title: "ASP suspended", Body: "Alternate side suspended Thursday."},
		{ModuleID: "transit", Title: "B62 detour", Body: "Detour via Manhattan Ave."},
	})

	if content.Subject != "Your neighborhood digest: 3 updates" {
		t.Errorf("subject = %q", content.Subject)
	}
	parkingIdx := strings.Index(content.BodyText, "== Parking ==")
	transitIdx := strings.Index(content.BodyText, "== Transit ==")
	if parkingIdx < 0 || transitIdx < 0 {
		t.Fatalf("missing section headings:\n%s", content.BodyText)
	}
	if parkingIdx > transitIdx {
		t.Error("sections not in stable sorted order")
	}
	if !strings.Contains(content.BodyText[transitIdx:], "B62 detour") {
		t.Error("second transit event not folded into transit section")
	}
}

func TestBuildEmptyInput(t *testing.T) {
	if content := Build(nil); !content.Empty() {
		t.Errorf("empty input produced content: %+v", content)
	}
}

func TestGroupFoldsOnlyBatchedEntries(t *testing.T) {
	entries := []models.OutboxEntry{
		{ID: uuid.New(), UserID: "ada", Channel: models.ChannelEmail, Timing: models.TimingBatched},
		{ID: uuid.New(), UserID: "ada", Channel: models.ChannelEmail, Timing: models.TimingBatched},
		{ID: uuid.New(), UserID: "ada", Channel: models.ChannelSMS, Timing: models.TimingBatched},
		{ID: uuid.New(), UserID: "ada", Channel: models.ChannelEmail, Timing: models.TimingImmediate},
		{ID: uuid.New(), UserID: "bob", Channel: models.ChannelEmail, Timing: models.TimingScheduled},
	}

	groups, singles := Group(entries)
	if len(singles) != 2 {
		t.Errorf("singles = %d, want 2", len(singles))
	}
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	emailKey := GroupKey{UserID: "ada", Channel: models.ChannelEmail}
	if len(groups[emailKey]) != 2 {
		t.Errorf("ada email group holds %d entries, want 2", len(groups[emailKey]))
	}
}
