// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

// Package digest renders events into channel content. Batched entries due
// in the same executor run are folded into one digest message per user and
// channel instead of a burst of single-event sends.
package digest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stoopline/stoopline/internal/delivery"
	"github.com/stoopline/stoopline/internal/models"
)

// moduleHeadings give each module's section a human label.
var moduleHeadings = map[string]string{
	"parking": "Parking",
	"weather": "Weather",
	"transit": "Transit",
	"housing": "Housing",
	"events":  "Around the Neighborhood",
	"deals":   "Local Deals",
}

// EventContent renders one event as a standalone message.
func EventContent(event *models.Event) *delivery.Content {
	var text strings.Builder
	text.WriteString(event.Body)
	if !event.StartsAt.IsZero() {
		text.WriteString(fmt.Sprintf("\n\nStarts: %s", event.StartsAt.Format("Mon Jan 2, 3:04 PM")))
	}
	if !event.EndsAt.IsZero() {
		text.WriteString(fmt.Sprintf("\nEnds: %s", event.EndsAt.Format("Mon Jan 2, 3:04 PM")))
	}

	return &delivery.Content{
		Subject:  event.Title,
		BodyText: text.String(),
		BodyHTML: fmt.Sprintf("<h2>%s</h2><p>%s</p>", event.Title, event.Body),
	}
}

// Build folds several events into one digest message, grouped by module
// in a stable order.
func Build(events []*models.Event) *delivery.Content {
	if len(events) == 0 {
		return &delivery.Content{}
	}
	if len(events) == 1 {
		return EventContent(events[0])
	}

	byModule := make(map[string][]*models.Event)
	for _, event := range events {
		byModule[event.ModuleID] = append(byModule[event.ModuleID], event)
	}
	modules := make([]string, 0, len(byModule))
	for m := range byModule {
		modules = append(modules, m)
	}
	sort.Strings(modules)

	var text, html strings.Builder
	html.WriteString("<h1>Your neighborhood digest</h1>")
	for _, module := range modules {
		heading := moduleHeadings[module]
		if heading == "" {
			heading = module
		}
		text.WriteString(fmt.Sprintf("== %s ==\n", heading))
		html.WriteString(fmt.Sprintf("<h2>%s</h2><ul>", heading))
		for _, event := range byModule[module] {
			text.WriteString(fmt.Sprintf("- %s\n  %s\n", event.Title, event.Body))
			html.WriteString(fmt.Sprintf("<li><strong>%s</strong><br>%s</li>", event.Title, event.Body))
		}
		text.WriteString("\n")
		html.WriteString("</ul>")
	}

	return &delivery.Content{
		Subject:  fmt.Sprintf("Your neighborhood digest: %d updates", len(events)),
		BodyText: strings.TrimRight(text.String(), "\n"),
		BodyHTML: html.String(),
	}
}

// GroupKey identifies one digest send.
type GroupKey struct {
	UserID  string
	Channel models.Channel
}

// Group splits due outbox entries into digest groups and pass-through
// singles. Only batched entries are folded; immediate and scheduled
// entries always go out on their own.
func Group(entries []models.OutboxEntry) (map[GroupKey][]models.OutboxEntry, []models.OutboxEntry) {
	groups := make(map[GroupKey][]models.OutboxEntry)
	var singles []models.OutboxEntry

	for _, entry := range entries {
		if entry.Timing != models.TimingBatched {
			singles = append(singles, entry)
			continue
		}
		key := GroupKey{UserID: entry.UserID, Channel: entry.Channel}
		groups[key] = append(groups[key], entry)
	}
	return groups, singles
}
