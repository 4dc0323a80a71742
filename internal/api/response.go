// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

// Package api exposes the operational HTTP surface: liveness and
// readiness probes, the dependency health report, Prometheus metrics,
// outbox statistics and dead-letter tooling.
package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/stoopline/stoopline/internal/logging"
)

// APIResponse is the envelope every JSON endpoint returns.
type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// APIError carries a machine-readable code next to the human message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for API responses.
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeRetryFailed        = "RETRY_FAILED"
)

func writeJSON(w http.ResponseWriter, statusCode int, body *APIResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, &APIResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, &APIResponse{
		Success: false,
		Error:   &APIError{Code: code, Message: message},
	})
}
