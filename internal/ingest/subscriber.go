// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"

	"github.com/stoopline/stoopline/internal/config"
	"github.com/stoopline/stoopline/internal/logging"
	"github.com/stoopline/stoopline/internal/models"
)

// Subscriber consumes producer envelopes from JetStream and feeds them
// through the processor. Validation failures are acked and dropped;
// infrastructure failures are nacked for redelivery.
type Subscriber struct {
	subscriber message.Subscriber
	processor  *Processor
	subject    string
}

// NewSubscriber creates a durable JetStream subscriber bound to the
// intake stream. A queue group load-balances across instances.
func NewSubscriber(cfg config.NATSConfig, processor *Processor) (*Subscriber, error) {
	logger := newWatermillLogger()

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("Intake subscriber disconnected", err, nil)
			}
		}),
	}

	subOpts := []natsgo.SubOpt{
		natsgo.MaxDeliver(5),
		natsgo.AckWait(30 * time.Second),
		natsgo.DeliverNew(),
		natsgo.BindStream(cfg.StreamName),
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: 1,
		AckWaitTimeout:   30 * time.Second,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision:    false,
			SubscribeOptions: subOpts,
			DurablePrefix:    cfg.DurableName,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create intake subscriber: %w", err)
	}

	return &Subscriber{
		subscriber: sub,
		processor:  processor,
		subject:    cfg.SubjectPrefix + ".>",
	}, nil
}

// Run consumes until the context is canceled.
func (s *Subscriber) Run(ctx context.Context) error {
	messages, err := s.subscriber.Subscribe(ctx, s.subject)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.subject, err)
	}

	log := logging.With().Str("component", "ingest").Logger()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}

			_, err := s.processor.Process(ctx, msg.Payload, time.Now())
			switch {
			case err == nil:
				msg.Ack()
			case isValidation(err):
				// Bad payloads never become deliverable by redelivery.
				log.Warn().
					Str("message_uuid", msg.UUID).
					Str("reason", err.Error()).
					Msg("Dropping invalid producer event")
				msg.Ack()
			default:
				log.Error().Err(err).
					Str("message_uuid", msg.UUID).
					Msg("Event processing failed, requesting redelivery")
				msg.Nack()
			}
		}
	}
}

// Close gracefully shuts down the subscriber.
func (s *Subscriber) Close() error {
	return s.subscriber.Close()
}

func isValidation(err error) bool {
	var vErr *models.ValidationError
	return errors.As(err, &vErr)
}
