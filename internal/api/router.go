// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stoopline/stoopline/internal/config"
)

// Routes builds the chi handler tree for the ops API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	// Probes get a permissive limit so aggressive orchestrator polling
	// never trips it.
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(1000, time.Minute))
		r.Get("/healthz", h.HealthLive)
		r.Get("/readyz", h.HealthReady)
		r.Handle("/metrics", promhttp.Handler())
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(100, time.Minute))
		r.Get("/health", h.Health)
		r.Get("/outbox/stats", h.OutboxStats)
		r.Route("/dlq", func(r chi.Router) {
			r.Get("/", h.DLQList)
			r.Get("/stats", h.DLQStats)
			r.Post("/{id}/retry", h.DLQRetry)
		})
	})

	return r
}

// NewServer builds the http.Server for the ops API from config.
func NewServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       timeout,
		WriteTimeout:      timeout,
		IdleTimeout:       2 * timeout,
	}
}
