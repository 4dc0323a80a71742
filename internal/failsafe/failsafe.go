// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

// Package failsafe keeps email going out when the datastore is down.
// Content degrades through explicit levels, each backed by a builder
// needing strictly fewer dependencies than the one above it: FULL uses
// every dependency (the normal pipeline, not exercised here), DEGRADED
// builds weather-only content from the external API, and MINIMAL emits a
// static service notice. As long as the email channel itself is alive,
// the user receives a non-empty message.
package failsafe

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	json "github.com/goccy/go-json"

	"github.com/stoopline/stoopline/internal/config"
	"github.com/stoopline/stoopline/internal/delivery"
	"github.com/stoopline/stoopline/internal/logging"
	"github.com/stoopline/stoopline/internal/metrics"
)

// Level identifies a degradation tier.
type Level string

const (
	LevelFull     Level = "FULL"
	LevelDegraded Level = "DEGRADED"
	LevelMinimal  Level = "MINIMAL"
)

// Builder produces content for one level. A builder error falls through
// to the next level down; MINIMAL never errors.
type Builder interface {
	Level() Level
	Build(ctx context.Context) (*delivery.Content, error)
}

// Notifier walks the builders top-down and sends the first content that
// materializes.
type Notifier struct {
	channel  delivery.Channel
	builders []Builder
	logger   zerolog.Logger
}

// NewNotifier orders builders from richest to most minimal.
func NewNotifier(channel delivery.Channel, builders ...Builder) *Notifier {
	return &Notifier{
		channel:  channel,
		builders: builders,
		logger:   logging.With().Str("component", "failsafe").Logger(),
	}
}

// Notify sends the best available content to the destination. It returns
// the level that went out.
func (n *Notifier) Notify(ctx context.Context, destination string) (Level, error) {
	for _, builder := range n.builders {
		content, err := builder.Build(ctx)
		if err != nil {
			n.logger.Warn().
				Err(err).
				Str("level", string(builder.Level())).
				Msg("Content builder failed, degrading further")
			continue
		}
		if content.Empty() {
			n.logger.Warn().
				Str("level", string(builder.Level())).
				Msg("Content builder produced empty content, degrading further")
			continue
		}

		result, err := n.channel.Send(ctx, destination, content)
		if err != nil {
			return "", fmt.Errorf("failsafe send: %w", err)
		}
		if !result.Success {
			return "", fmt.Errorf("failsafe send failed: %s: %s", result.ErrorCode, result.ErrorMessage)
		}

		metrics.FailsafeSends.WithLabelValues(string(builder.Level())).Inc()
		n.logger.Info().
			Str("level", string(builder.Level())).
			Str("destination", destination).
			Msg("Failsafe notification sent")
		return builder.Level(), nil
	}
	return "", fmt.Errorf("no failsafe builder produced content")
}

// WeatherBuilder is the DEGRADED level: a weather-only digest assembled
// from the external forecast API, with no datastore involvement.
type WeatherBuilder struct {
	client *http.Client
	url    string
}

// NewWeatherBuilder builds the DEGRADED content source.
func NewWeatherBuilder(cfg config.HealthConfig) *WeatherBuilder {
	return &WeatherBuilder{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    cfg.WeatherURL,
	}
}

// Level implements Builder.
func (b *WeatherBuilder) Level() Level { return LevelDegraded }

type forecastResponse struct {
	Properties struct {
		Periods []struct {
			Name             string `json:"name"`
			Temperature      int    `json:"temperature"`
			TemperatureUnit  string `json:"temperatureUnit"`
			ShortForecast    string `json:"shortForecast"`
			DetailedForecast string `json:"detailedForecast"`
		} `json:"periods"`
	} `json:"properties"`
}

// Build fetches the forecast and renders a weather-only message.
func (b *WeatherBuilder) Build(ctx context.Context) (*delivery.Content, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build forecast request: %w", err)
	}
	req.Header.Set("Accept", "application/geo+json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch forecast: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("forecast API returned %d", resp.StatusCode)
	}

	var forecast forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&forecast); err != nil {
		return nil, fmt.Errorf("decode forecast: %w", err)
	}
	if len(forecast.Properties.Periods) == 0 {
		return nil, fmt.Errorf("forecast contains no periods")
	}

	var text strings.Builder
	text.WriteString("Some of today's updates are delayed. Here is your weather in the meantime:\n\n")
	limit := len(forecast.Properties.Periods)
	if limit > 3 {
		limit = 3
	}
	for _, period := range forecast.Properties.Periods[:limit] {
		text.WriteString(fmt.Sprintf("%s: %d%s, %s\n",
			period.Name, period.Temperature, period.TemperatureUnit, period.ShortForecast))
	}

	return &delivery.Content{
		Subject:  "Your weather update",
		BodyText: text.String(),
	}, nil
}

// StaticBuilder is the MINIMAL level: a deterministic notice with zero
// dependencies. It cannot fail.
type StaticBuilder struct{}

// Level implements Builder.
func (StaticBuilder) Level() Level { return LevelMinimal }

// Build returns the static service notice.
func (StaticBuilder) Build(context.Context) (*delivery.Content, error) {
	return &delivery.Content{
		Subject: "Stoopline service notice",
		BodyText: "We hit a snag assembling today's neighborhood updates. " +
			"Your alerts will resume with the next scheduled digest; nothing is lost. " +
			"Sorry for the gap.",
	}, nil
}
