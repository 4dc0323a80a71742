// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package models

import (
	"testing"

	"github.com/goccy/go-json"
)

func TestPriorityOrdering(t *testing.T) {
	if !(PriorityCritical > PriorityUrgent && PriorityUrgent > PriorityImportant && PriorityImportant > PriorityRoutine) {
		t.Error("priority constants out of order")
	}
}

func TestParsePriorityRoundTrip(t *testing.T) {
	for _, p := range []Priority{PriorityRoutine, PriorityImportant, PriorityUrgent, PriorityCritical} {
		if got := ParsePriority(p.String()); got != p {
			t.Errorf("ParsePriority(%q) = %v, want %v", p.String(), got, p)
		}
	}
}

func TestParsePriorityUnknownDefaultsRoutine(t *testing.T) {
	for _, s := range []string{"", "CRITICAL", "mega", "p0"} {
		if got := ParsePriority(s); got != PriorityRoutine {
			t.Errorf("ParsePriority(%q) = %v, want routine", s, got)
		}
	}
}

func TestEventIdentityAndCooldownKeys(t *testing.T) {
	event := &Event{ModuleID: "transit", SourceID: "mta-gtfs", ExternalID: "alert-42", Priority: PriorityUrgent}
	if got := event.DedupKey(); got != "mta-gtfs/alert-42" {
		t.Errorf("DedupKey = %q", got)
	}
	if got := event.MessageType(); got != "transit:urgent" {
		t.Errorf("MessageType = %q", got)
	}
}

func TestStringSliceMetaToleratesJSONRoundTrip(t *testing.T) {
	// A JSON round trip turns []string into []any; both shapes must read
	// back identically.
	direct := &Event{Metadata: map[string]any{"affected_lines": []string{"L", "G"}}}
	raw, err := json.Marshal(direct)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Event
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for name, event := range map[string]*Event{"direct": direct, "decoded": &decoded} {
		lines, ok := event.StringSliceMeta("affected_lines")
		if !ok || len(lines) != 2 || lines[0] != "L" {
			t.Errorf("%s: lines = %v ok=%v", name, lines, ok)
		}
	}
}

func TestStringSliceMetaRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		meta map[string]any
	}{
		{"absent", map[string]any{}},
		{"scalar", map[string]any{"affected_lines": "L"}},
		{"mixed types", map[string]any{"affected_lines": []any{"L", 7}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := &Event{Metadata: tt.meta}
			if _, ok := event.StringSliceMeta("affected_lines"); ok {
				t.Error("malformed metadata read back ok")
			}
		})
	}
}

func TestUserDestination(t *testing.T) {
	u := &User{Email: "ada@example.com", Phone: "+12125550123"}
	if got := u.Destination(ChannelEmail); got != "ada@example.com" {
		t.Errorf("email destination = %q", got)
	}
	if got := u.Destination(ChannelSMS); got != "+12125550123" {
		t.Errorf("sms destination = %q", got)
	}
	if got := u.Destination(Channel("pigeon")); got != "" {
		t.Errorf("unknown channel destination = %q", got)
	}
}

func TestValidationErrorFormatting(t *testing.T) {
	withField := &ValidationError{Field: "module_id", Message: "required"}
	if withField.Error() != "module_id: required" {
		t.Errorf("Error() = %q", withField.Error())
	}
	bare := &ValidationError{Message: "malformed payload"}
	if bare.Error() != "malformed payload" {
		t.Errorf("Error() = %q", bare.Error())
	}
}
