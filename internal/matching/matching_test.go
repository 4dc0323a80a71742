// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package matching

import (
	"testing"

	"github.com/stoopline/stoopline/internal/models"
)

func pref(moduleID string, settings map[string]any) *models.UserPreference {
	return &models.UserPreference{
		UserID:   "user-1",
		ModuleID: moduleID,
		Enabled:  true,
		Settings: settings,
	}
}

func TestRegistryMatches(t *testing.T) {
	registry := NewRegistry()

	tests := []struct {
		name  string
		event *models.Event
		pref  *models.UserPreference
		want  bool
	}{
		{
			name:  "transit line overlap",
			event: &models.Event{ModuleID: "transit", Metadata: map[string]any{"affected_lines": []string{"L"}}},
			pref:  pref("transit", map[string]any{"subway_lines": []string{"L", "G"}}),
			want:  true,
		},
		{
			name:  "transit no overlap",
			event: &models.Event{ModuleID: "transit", Metadata: map[string]any{"affected_lines": []string{"7"}}},
			pref:  pref("transit", map[string]any{"subway_lines": []string{"L", "G"}}),
			want:  false,
		},
		{
			name:  "transit empty preference never matches",
			event: &models.Event{ModuleID: "transit", Metadata: map[string]any{"affected_lines": []string{"L"}}},
			pref:  pref("transit", map[string]any{"subway_lines": []string{}}),
			want:  false,
		},
		{
			name:  "transit malformed affected lines never matches",
			event: &models.Event{ModuleID: "transit", Metadata: map[string]any{"affected_lines": "L"}},
			pref:  pref("transit", map[string]any{"subway_lines": []string{"L"}}),
			want:  false,
		},
		{
			name:  "transit absent affected lines never matches",
			event: &models.Event{ModuleID: "transit"},
			pref:  pref("transit", map[string]any{"subway_lines": []string{"L"}}),
			want:  false,
		},
		{
			name:  "housing bracket intersects",
			event: &models.Event{ModuleID: "housing", Metadata: map[string]any{"income_brackets": []string{"50-80", "80-130"}}},
			pref:  pref("housing", map[string]any{"income_bracket": "80-130"}),
			want:  true,
		},
		{
			name:  "housing bracket mismatch",
			event: &models.Event{ModuleID: "housing", Metadata: map[string]any{"income_brackets": []string{"0-30"}}},
			pref:  pref("housing", map[string]any{"income_bracket": "130+"}),
			want:  false,
		},
		{
			name:  "housing universal announcement matches everyone",
			event: &models.Event{ModuleID: "housing"},
			pref:  pref("housing", map[string]any{"income_bracket": "130+"}),
			want:  true,
		},
		{
			name:  "housing user without bracket always matches",
			event: &models.Event{ModuleID: "housing", Metadata: map[string]any{"income_brackets": []string{"0-30"}}},
			pref:  pref("housing", map[string]any{}),
			want:  true,
		},
		{
			name:  "parking fail-open by default",
			event: &models.Event{ModuleID: "parking"},
			pref:  pref("parking", map[string]any{}),
			want:  true,
		},
		{
			name:  "parking explicit opt-out",
			event: &models.Event{ModuleID: "parking"},
			pref:  pref("parking", map[string]any{"parking_alerts": false}),
			want:  false,
		},
		{
			name:  "weather fail-open by default",
			event: &models.Event{ModuleID: "weather"},
			pref:  pref("weather", map[string]any{}),
			want:  true,
		},
		{
			name:  "events citywide matches without neighborhood",
			event: &models.Event{ModuleID: "events"},
			pref:  pref("events", map[string]any{}),
			want:  true,
		},
		{
			name:  "events neighborhood match",
			event: &models.Event{ModuleID: "events", Neighborhoods: []string{"greenpoint", "williamsburg"}},
			pref:  pref("events", map[string]any{"neighborhood": "greenpoint"}),
			want:  true,
		},
		{
			name:  "deals neighborhood miss",
			event: &models.Event{ModuleID: "deals", Neighborhoods: []string{"astoria"}},
			pref:  pref("deals", map[string]any{"neighborhood": "greenpoint"}),
			want:  false,
		},
		{
			name:  "deals scoped event requires a neighborhood preference",
			event: &models.Event{ModuleID: "deals", Neighborhoods: []string{"astoria"}},
			pref:  pref("deals", map[string]any{}),
			want:  false,
		},
		{
			name:  "unknown module fails open",
			event: &models.Event{ModuleID: "compost"},
			pref:  pref("compost", map[string]any{}),
			want:  true,
		},
		{
			name:  "disabled preference never matches",
			event: &models.Event{ModuleID: "parking"},
			pref: &models.UserPreference{
				UserID: "user-1", ModuleID: "parking", Enabled: false,
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := registry.Matches(tt.event, tt.pref)
			if got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
			// The predicate is pure: a second evaluation agrees.
			if again := registry.Matches(tt.event, tt.pref); again != got {
				t.Errorf("Matches() not deterministic: %v then %v", got, again)
			}
		})
	}
}

func TestRegisterOverridesModuleRule(t *testing.T) {
	registry := NewRegistry()
	registry.Register("compost", func(*models.Event, *models.UserPreference) bool {
		return false
	})

	event := &models.Event{ModuleID: "compost"}
	if registry.Matches(event, pref("compost", nil)) {
		t.Error("registered predicate should replace the fail-open default")
	}
}
