// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

// Package matching decides which subscribed users an event is relevant to.
// Rules are pure predicates on (event, preference) pairs, registered per
// module so new modules can ship without touching the dispatch path.
package matching

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/stoopline/stoopline/internal/logging"
	"github.com/stoopline/stoopline/internal/metrics"
	"github.com/stoopline/stoopline/internal/models"
	"github.com/stoopline/stoopline/internal/store"
)

// Predicate reports whether a user's preference makes them eligible for an
// event. Predicates are pure: no I/O, no clock, identical inputs yield
// identical outputs.
type Predicate func(event *models.Event, pref *models.UserPreference) bool

// Registry maps module ids to their eligibility predicate. Modules absent
// from the registry fall back to the declared default.
type Registry struct {
	predicates map[string]Predicate
	// fallback applies to module ids registered after this engine shipped.
	// The fail-open default keeps new modules visible to everyone until a
	// rule is written for them.
	fallback Predicate
}

// NewRegistry returns the production rule set.
func NewRegistry() *Registry {
	return &Registry{
		predicates: map[string]Predicate{
			"parking": failOpen("parking_alerts"),
			"weather": failOpen("weather_alerts"),
			"transit": matchTransit,
			"housing": matchHousing,
			"events":  matchNeighborhood,
			"deals":   matchNeighborhood,
		},
		fallback: matchAlways,
	}
}

// Register adds or replaces the predicate for a module id.
func (r *Registry) Register(moduleID string, p Predicate) {
	r.predicates[moduleID] = p
}

// Matches evaluates the module's predicate for the pair. A disabled
// preference never matches, regardless of the module rule.
func (r *Registry) Matches(event *models.Event, pref *models.UserPreference) bool {
	if pref == nil || !pref.Enabled {
		return false
	}
	p, ok := r.predicates[event.ModuleID]
	if !ok {
		p = r.fallback
	}
	return p(event, pref)
}

func matchAlways(*models.Event, *models.UserPreference) bool { return true }

// failOpen builds the citywide-broadcast rule: eligible unless the user
// flipped the named setting to false explicitly.
func failOpen(flag string) Predicate {
	return func(_ *models.Event, pref *models.UserPreference) bool {
		enabled, ok := pref.BoolSetting(flag)
		if !ok {
			return true
		}
		return enabled
	}
}

// matchTransit requires a non-empty line overlap. A user with no lines
// configured has expressed no interest and never matches; a malformed or
// absent affected-lines list on the event matches nobody.
func matchTransit(event *models.Event, pref *models.UserPreference) bool {
	affected, ok := event.StringSliceMeta("affected_lines")
	if !ok || len(affected) == 0 {
		return false
	}
	lines, ok := pref.StringSliceSetting("subway_lines")
	if !ok || len(lines) == 0 {
		return false
	}
	return intersects(affected, lines)
}

// matchHousing treats an event without income brackets as a universal
// announcement. A user without a bracket preference sees everything.
func matchHousing(event *models.Event, pref *models.UserPreference) bool {
	brackets, ok := event.StringSliceMeta("income_brackets")
	if !ok || len(brackets) == 0 {
		return true
	}
	bracket, ok := pref.StringSetting("income_bracket")
	if !ok || bracket == "" {
		return true
	}
	for _, b := range brackets {
		if b == bracket {
			return true
		}
	}
	return false
}

// matchNeighborhood covers events and deals: empty neighborhoods means
// citywide.
func matchNeighborhood(event *models.Event, pref *models.UserPreference) bool {
	if len(event.Neighborhoods) == 0 {
		return true
	}
	hood, ok := pref.StringSetting("neighborhood")
	if !ok || hood == "" {
		return false
	}
	for _, n := range event.Neighborhoods {
		if n == hood {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}

// Engine fans an event out to its eligible users.
type Engine struct {
	registry *Registry
	store    *store.Store
	logger   zerolog.Logger
}

// NewEngine wires the registry to the preference store.
func NewEngine(registry *Registry, st *store.Store) *Engine {
	return &Engine{
		registry: registry,
		store:    st,
		logger:   logging.With().Str("component", "matching").Logger(),
	}
}

// EligibleUsers enumerates user ids whose enabled preference for the
// event's module satisfies its predicate.
func (e *Engine) EligibleUsers(ctx context.Context, event *models.Event) ([]string, error) {
	prefs, err := e.store.ListEnabledPreferences(ctx, event.ModuleID)
	if err != nil {
		return nil, err
	}

	var userIDs []string
	for i := range prefs {
		matched := e.registry.Matches(event, &prefs[i])
		outcome := "miss"
		if matched {
			outcome = "match"
			userIDs = append(userIDs, prefs[i].UserID)
		}
		metrics.MatchEvaluations.WithLabelValues(event.ModuleID, outcome).Inc()
	}

	e.logger.Debug().
		Str("event_id", event.ID.String()).
		Str("module", event.ModuleID).
		Int("candidates", len(prefs)).
		Int("matched", len(userIDs)).
		Msg("Fan-out evaluated")
	return userIDs, nil
}
