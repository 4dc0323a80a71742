// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stoopline/stoopline/internal/config"
)

func newSMSTestServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, _, ok := r.BasicAuth(); !ok {
			t.Error("request missing basic auth")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func newSMSChannel(apiURL string) *SMSChannel {
	return NewSMSChannel(config.SMSConfig{
		APIURL:     apiURL,
		AccountSID: "AC123",
		AuthToken:  "token",
		FromNumber: "+12125550000",
	})
}

func TestSMSSendSuccess(t *testing.T) {
	server := newSMSTestServer(t, http.StatusCreated, `{"sid":"SM42","status":"queued"}`)
	ch := newSMSChannel(server.URL)

	result, err := ch.Send(context.Background(), "+12125550100", &Content{
		Subject:  "Heat advisory",
		BodyText: "Stay hydrated.",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !result.Success {
		t.Fatalf("send failed: %s (%s)", result.ErrorMessage, result.ErrorCode)
	}
	if result.ProviderMessageID != "SM42" {
		t.Errorf("provider message id = %q, want SM42", result.ProviderMessageID)
	}
}

func TestSMSSendErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantCode      string
		wantTransient bool
	}{
		{
			name:          "server error is transient",
			status:        http.StatusServiceUnavailable,
			body:          `{"error_message":"upstream down"}`,
			wantCode:      ErrorCodeServerError,
			wantTransient: true,
		},
		{
			name:          "rate limit is transient",
			status:        http.StatusTooManyRequests,
			body:          `{"error_message":"slow down"}`,
			wantCode:      ErrorCodeRateLimited,
			wantTransient: true,
		},
		{
			name:          "bad number is permanent",
			status:        http.StatusBadRequest,
			body:          `{"error_code":21211,"error_message":"invalid to number"}`,
			wantCode:      ErrorCodeRecipientNotFound,
			wantTransient: false,
		},
		{
			name:          "auth failure is permanent",
			status:        http.StatusUnauthorized,
			body:          `{"error_message":"bad credentials"}`,
			wantCode:      ErrorCodeAuthFailed,
			wantTransient: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newSMSTestServer(t, tt.status, tt.body)
			ch := newSMSChannel(server.URL)

			result, err := ch.Send(context.Background(), "+12125550100", &Content{BodyText: "hi"})
			if err != nil {
				t.Fatalf("send: %v", err)
			}
			if result.Success {
				t.Fatal("send should have failed")
			}
			if result.ErrorCode != tt.wantCode {
				t.Errorf("error code = %s, want %s", result.ErrorCode, tt.wantCode)
			}
			if result.IsTransient != tt.wantTransient {
				t.Errorf("IsTransient = %v, want %v", result.IsTransient, tt.wantTransient)
			}
		})
	}
}

func TestSMSStatusMapping(t *testing.T) {
	tests := []struct {
		provider string
		want     DeliveryState
	}{
		{"queued", StateQueued},
		{"sent", StateSent},
		{"delivered", StateDelivered},
		{"undelivered", StateBounced},
		{"failed", StateFailed},
		{"something-new", StateUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			server := newSMSTestServer(t, http.StatusOK, `{"sid":"SM42","status":"`+tt.provider+`"}`)
			ch := newSMSChannel(server.URL)

			state, err := ch.Status(context.Background(), "SM42")
			if err != nil {
				t.Fatalf("status: %v", err)
			}
			if state != tt.want {
				t.Errorf("Status() = %s, want %s", state, tt.want)
			}
		})
	}
}
