// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package router

import (
	"time"

	"github.com/stoopline/stoopline/internal/config"
	"github.com/stoopline/stoopline/internal/models"
)

// Windows computes digest and quiet-hour boundaries. All math runs in the
// configured city timezone; server-local time never leaks into scheduling.
type Windows struct {
	cfg config.WindowsConfig
	loc *time.Location
}

// NewWindows binds the window configuration to its timezone.
func NewWindows(cfg config.WindowsConfig, loc *time.Location) *Windows {
	return &Windows{cfg: cfg, loc: loc}
}

// NextDigest returns the next digest slot after now: this morning if now
// precedes the morning window, this evening if between the two, otherwise
// tomorrow morning. Premium users get an earlier slot inside the window.
func (w *Windows) NextDigest(now time.Time, tier models.Tier) time.Time {
	local := now.In(w.loc)
	morning := time.Date(local.Year(), local.Month(), local.Day(), w.cfg.MorningHour, 0, 0, 0, w.loc)
	evening := time.Date(local.Year(), local.Month(), local.Day(), w.cfg.EveningHour, 0, 0, 0, w.loc)

	var slot time.Time
	switch {
	case local.Before(morning):
		slot = morning
	case local.Before(evening):
		slot = evening
	default:
		slot = morning.AddDate(0, 0, 1)
	}
	if tier != models.TierPremium {
		slot = slot.Add(w.cfg.PremiumOffset)
	}
	return slot
}

// InQuietHours reports whether local time for now falls inside the user's
// quiet window. A user without an explicit window gets the configured
// default. Windows may wrap midnight.
func (w *Windows) InQuietHours(now time.Time, user *models.User) bool {
	start, end := w.quietBounds(user)
	if start == end {
		return false
	}
	hour := now.In(w.loc).Hour()
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// QuietHoursEnd returns the first moment after now at which quiet hours
// are over.
func (w *Windows) QuietHoursEnd(now time.Time, user *models.User) time.Time {
	_, end := w.quietBounds(user)
	local := now.In(w.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), end, 0, 0, 0, w.loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (w *Windows) quietBounds(user *models.User) (int, int) {
	if user != nil && user.QuietHoursStart != user.QuietHoursEnd {
		return user.QuietHoursStart, user.QuietHoursEnd
	}
	return w.cfg.QuietStart, w.cfg.QuietEnd
}
