// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package services

import (
	"context"
	"errors"

	"github.com/stoopline/stoopline/internal/ingest"
	"github.com/stoopline/stoopline/internal/logging"
)

// IngestService supervises the NATS intake subscriber. Suture restarts
// it with backoff when the connection or the stream goes away.
type IngestService struct {
	subscriber *ingest.Subscriber
}

func NewIngestService(subscriber *ingest.Subscriber) *IngestService {
	return &IngestService{subscriber: subscriber}
}

// Serve implements suture.Service.
func (s *IngestService) Serve(ctx context.Context) error {
	err := s.subscriber.Run(ctx)
	if errors.Is(err, context.Canceled) {
		if closeErr := s.subscriber.Close(); closeErr != nil {
			logging.Warn().Err(closeErr).Msg("Ingest subscriber close failed")
		}
	}
	return err
}

func (s *IngestService) String() string { return "nats-ingest" }
