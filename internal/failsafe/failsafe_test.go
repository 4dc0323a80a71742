// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package failsafe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stoopline/stoopline/internal/config"
	"github.com/stoopline/stoopline/internal/delivery"
	"github.com/stoopline/stoopline/internal/models"
)

type captureChannel struct {
	sent []*delivery.Content
}

func (c *captureChannel) Name() models.Channel             { return models.ChannelEmail }
func (c *captureChannel) Validate() error                  { return nil }
func (c *captureChannel) ValidateDestination(string) error { return nil }

func (c *captureChannel) Send(_ context.Context, _ string, content *delivery.Content) (*delivery.Result, error) {
	c.sent = append(c.sent, content)
	return &delivery.Result{Success: true, ProviderMessageID: "fs-1"}, nil
}

type failingBuilder struct{ level Level }

func (b failingBuilder) Level() Level { return b.level }
func (b failingBuilder) Build(context.Context) (*delivery.Content, error) {
	return nil, errors.New("dependency down")
}

func TestDegradedWeatherContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"properties":{"periods":[
			{"name":"Today","temperature":88,"temperatureUnit":"F","shortForecast":"Hot and humid"},
			{"name":"Tonight","temperature":74,"temperatureUnit":"F","shortForecast":"Partly cloudy"}
		]}}`))
	}))
	t.Cleanup(server.Close)

	channel := &captureChannel{}
	notifier := NewNotifier(channel,
		NewWeatherBuilder(config.HealthConfig{WeatherURL: server.URL}),
		StaticBuilder{},
	)

	level, err := notifier.Notify(context.Background(), "user@example.com")
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if level != LevelDegraded {
		t.Errorf("level = %s, want DEGRADED", level)
	}
	if len(channel.sent) != 1 || channel.sent[0].Empty() {
		t.Fatal("no non-empty message sent")
	}
}

func TestFallsThroughToMinimal(t *testing.T) {
	// Weather API is down along with the datastore.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	channel := &captureChannel{}
	notifier := NewNotifier(channel,
		NewWeatherBuilder(config.HealthConfig{WeatherURL: server.URL}),
		StaticBuilder{},
	)

	level, err := notifier.Notify(context.Background(), "user@example.com")
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if level != LevelMinimal {
		t.Errorf("level = %s, want MINIMAL", level)
	}
	if len(channel.sent) != 1 || channel.sent[0].Empty() {
		t.Fatal("minimal level must still send a non-empty message")
	}
}

func TestMinimalContentIsDeterministic(t *testing.T) {
	first, err := StaticBuilder{}.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	second, err := StaticBuilder{}.Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if first.Subject != second.Subject || first.BodyText != second.BodyText {
		t.Error("static builder output varies between calls")
	}
	if first.Empty() {
		t.Error("static builder produced empty content")
	}
}

func TestAllBuildersFailingIsAnError(t *testing.T) {
	channel := &captureChannel{}
	notifier := NewNotifier(channel, failingBuilder{LevelDegraded}, failingBuilder{LevelMinimal})

	if _, err := notifier.Notify(context.Background(), "user@example.com"); err == nil {
		t.Fatal("notify should fail when every builder fails")
	}
	if len(channel.sent) != 0 {
		t.Error("nothing should be sent when no content materialized")
	}
}
