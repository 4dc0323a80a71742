// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package services

import (
	"context"
	"errors"
	"time"

	"github.com/stoopline/stoopline/internal/dispatch"
	"github.com/stoopline/stoopline/internal/logging"
)

// DispatchService runs the outbox dispatch job on a fixed interval. The
// job's lock makes concurrent schedulers safe; the interval only sets
// how quickly due entries are noticed.
type DispatchService struct {
	job      *dispatch.Job
	interval time.Duration
}

func NewDispatchService(job *dispatch.Job, interval time.Duration) *DispatchService {
	if interval <= 0 {
		interval = time.Minute
	}
	return &DispatchService{job: job, interval: interval}
}

// Serve implements suture.Service. A datastore-down abort is returned
// to suture so the restart backoff spaces out retries while the
// datastore recovers.
func (s *DispatchService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.job.Run(ctx, time.Now()); err != nil {
				if errors.Is(err, dispatch.ErrDatastoreDown) {
					return err
				}
				logging.Error().Err(err).Msg("Dispatch run failed")
			}
		}
	}
}

func (s *DispatchService) String() string { return "outbox-dispatch" }
