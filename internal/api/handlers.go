// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stoopline/stoopline/internal/dlq"
	"github.com/stoopline/stoopline/internal/health"
	"github.com/stoopline/stoopline/internal/logging"
	"github.com/stoopline/stoopline/internal/models"
	"github.com/stoopline/stoopline/internal/store"
)

// Handler serves the operational endpoints.
type Handler struct {
	store   *store.Store
	queue   *dlq.Queue
	monitor *health.Monitor
	retry   dlq.RetryFunc
	version string
}

// NewHandler wires the handler's dependencies. The retry func is invoked
// when an operator replays a dead letter; it must be idempotent.
func NewHandler(st *store.Store, queue *dlq.Queue, monitor *health.Monitor, retry dlq.RetryFunc, version string) *Handler {
	return &Handler{
		store:   st,
		queue:   queue,
		monitor: monitor,
		retry:   retry,
		version: version,
	}
}

// HealthLive reports process liveness. It never touches dependencies.
func (h *Handler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, map[string]string{"status": "alive", "version": h.version})
}

// HealthReady reports whether the datastore answers. Load balancers and
// the dispatch job gate on this before routing work here.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "datastore unreachable")
		return
	}
	writeSuccess(w, map[string]string{"status": "ready"})
}

// Health runs the full dependency check suite and returns the folded
// report. A down verdict maps to 503 so probes can alert on status code
// alone.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.monitor.Run(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusDown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, &APIResponse{Success: report.Status != health.StatusDown, Data: report})
}

// OutboxStats returns per-status outbox counts.
func (h *Handler) OutboxStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetOutboxStats(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("Failed to read outbox stats")
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to read outbox stats")
		return
	}
	writeSuccess(w, stats)
}

// DLQEntryView is the list representation of a dead letter. The raw
// payload stays out of list responses; operators replay by ID.
type DLQEntryView struct {
	ID          uuid.UUID `json:"id"`
	Error       string    `json:"error"`
	Attempts    int       `json:"attempts"`
	PayloadSize int       `json:"payload_size"`
	CreatedAt   time.Time `json:"created_at"`
	LastAttempt time.Time `json:"last_attempt"`
}

// DLQList returns every dead letter, oldest first.
func (h *Handler) DLQList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.queue.List(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("Failed to list dead letters")
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to list dead letters")
		return
	}

	views := make([]DLQEntryView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, dlqView(entry))
	}
	writeSuccess(w, map[string]any{"entries": views, "total": len(views)})
}

// DLQStats returns the current queue depth.
func (h *Handler) DLQStats(w http.ResponseWriter, r *http.Request) {
	depth, err := h.queue.Depth(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("Failed to count dead letters")
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to count dead letters")
		return
	}
	writeSuccess(w, map[string]int{"depth": depth})
}

// DLQRetry replays one dead letter through the high-reliability send
// path. Success removes the entry; failure bumps its attempt count and
// keeps it queued.
func (h *Handler) DLQRetry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid dead letter id")
		return
	}

	err = h.queue.Retry(r.Context(), id, h.retry)
	switch {
	case err == nil:
		writeSuccess(w, map[string]string{"status": "retried", "id": id.String()})
	case errors.Is(err, dlq.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no dead letter with that id")
	default:
		logging.Warn().Err(err).Str("id", id.String()).Msg("Dead letter retry failed")
		writeError(w, http.StatusBadGateway, ErrCodeRetryFailed, err.Error())
	}
}

func dlqView(entry models.DeadLetterEntry) DLQEntryView {
	return DLQEntryView{
		ID:          entry.ID,
		Error:       entry.Error,
		Attempts:    entry.Attempts,
		PayloadSize: len(entry.Payload),
		CreatedAt:   entry.CreatedAt,
		LastAttempt: entry.LastAttempt,
	}
}
