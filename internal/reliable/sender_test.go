// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

package reliable

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stoopline/stoopline/internal/audit"
	"github.com/stoopline/stoopline/internal/config"
	"github.com/stoopline/stoopline/internal/delivery"
	"github.com/stoopline/stoopline/internal/dlq"
	"github.com/stoopline/stoopline/internal/models"
	"github.com/stoopline/stoopline/internal/store"
)

// fakeChannel scripts provider outcomes per attempt.
type fakeChannel struct {
	name        models.Channel
	configErr   error
	destErr     error
	probeErr    error
	results     []*delivery.Result
	calls       int
	statusState delivery.DeliveryState
}

func (f *fakeChannel) Name() models.Channel { return f.name }
func (f *fakeChannel) Validate() error      { return f.configErr }
func (f *fakeChannel) ValidateDestination(string) error {
	return f.destErr
}
func (f *fakeChannel) Probe(context.Context) error { return f.probeErr }

func (f *fakeChannel) Send(context.Context, string, *delivery.Content) (*delivery.Result, error) {
	if f.calls >= len(f.results) {
		return &delivery.Result{Success: true, ProviderMessageID: "late"}, nil
	}
	r := f.results[f.calls]
	f.calls++
	return r, nil
}

func (f *fakeChannel) Status(context.Context, string) (delivery.DeliveryState, error) {
	if f.statusState == "" {
		return delivery.StateUnknown, nil
	}
	return f.statusState, nil
}

func transientFailure() *delivery.Result {
	return &delivery.Result{
		ErrorCode: delivery.ErrorCodeTimeout, ErrorMessage: "read timeout", IsTransient: true,
	}
}

func permanentFailure() *delivery.Result {
	return &delivery.Result{
		ErrorCode: delivery.ErrorCodeRecipientNotFound, ErrorMessage: "hard bounce",
	}
}

func success(id string) *delivery.Result {
	return &delivery.Result{Success: true, ProviderMessageID: id}
}

func newTestSender(t *testing.T, ch delivery.Channel) (*Sender, *dlq.Queue) {
	t.Helper()
	st, err := store.Open(context.Background(), config.DatabaseConfig{Path: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	queue := dlq.New(st)
	sender := NewSender(ch, config.RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		Multiplier:        2.0,
		MaxDelay:          30 * time.Second,
		VerificationDelay: time.Second,
	}, queue, audit.NewTrail(st))

	// Deterministic and sleepless.
	sender.sleep = func(context.Context, time.Duration) error { return nil }
	sender.jitter = func(d time.Duration) time.Duration { return d }
	return sender, queue
}

func payload() *Payload {
	return &Payload{
		Channel:     models.ChannelEmail,
		Destination: "user@example.com",
		Subject:     "Heat advisory",
		BodyText:    "Stay hydrated.",
	}
}

func TestSendSucceedsAfterTransientFailures(t *testing.T) {
	ch := &fakeChannel{
		name:        models.ChannelEmail,
		results:     []*delivery.Result{transientFailure(), transientFailure(), success("msg-1")},
		statusState: delivery.StateDelivered,
	}
	sender, queue := newTestSender(t, ch)

	outcome := sender.Send(context.Background(), payload())
	if !outcome.Success {
		t.Fatalf("send failed: %v", outcome.Err)
	}
	if outcome.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", outcome.Attempts)
	}
	if outcome.Verification != delivery.StateDelivered {
		t.Errorf("verification = %s, want delivered", outcome.Verification)
	}
	depth, err := queue.Depth(context.Background())
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Errorf("successful send landed in the dead-letter queue")
	}
}

func TestExhaustedRetriesDeadLetterOnce(t *testing.T) {
	ch := &fakeChannel{
		name:    models.ChannelEmail,
		results: []*delivery.Result{transientFailure(), transientFailure(), transientFailure()},
	}
	sender, queue := newTestSender(t, ch)

	outcome := sender.Send(context.Background(), payload())
	if outcome.Success {
		t.Fatal("send should have failed")
	}
	if outcome.Attempts != 3 {
		t.Errorf("attempts = %d, want full retry budget of 3", outcome.Attempts)
	}
	if !outcome.DeadLettered {
		t.Error("exhausted payload should be dead-lettered")
	}

	entries, err := queue.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("dead-letter queue holds %d entries, want exactly 1", len(entries))
	}
	if entries[0].Attempts != 3 {
		t.Errorf("dead letter attempts = %d, want 3", entries[0].Attempts)
	}
}

func TestPermanentFailureStopsRetrying(t *testing.T) {
	ch := &fakeChannel{
		name:    models.ChannelEmail,
		results: []*delivery.Result{permanentFailure(), success("never-reached")},
	}
	sender, _ := newTestSender(t, ch)

	outcome := sender.Send(context.Background(), payload())
	if outcome.Success {
		t.Fatal("permanent failure should not succeed")
	}
	if ch.calls != 1 {
		t.Errorf("provider called %d times, want 1 (no retry after permanent error)", ch.calls)
	}
}

func TestPreflightFailureSkipsProviderEntirely(t *testing.T) {
	tests := []struct {
		name string
		ch   *fakeChannel
	}{
		{
			name: "missing credentials",
			ch:   &fakeChannel{name: models.ChannelEmail, configErr: errors.New("no SMTP host")},
		},
		{
			name: "invalid destination",
			ch:   &fakeChannel{name: models.ChannelEmail, destErr: errors.New("not an address")},
		},
		{
			name: "provider unreachable",
			ch:   &fakeChannel{name: models.ChannelEmail, probeErr: errors.New("connect refused")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, queue := newTestSender(t, tt.ch)

			outcome := sender.Send(context.Background(), payload())
			if outcome.Success {
				t.Fatal("pre-flight failure should not succeed")
			}
			if tt.ch.calls != 0 {
				t.Errorf("provider called %d times during failed pre-flight, want 0", tt.ch.calls)
			}
			if outcome.Attempts != 0 {
				t.Errorf("attempts = %d, want 0", outcome.Attempts)
			}

			entries, err := queue.List(context.Background())
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(entries) != 1 || entries[0].Attempts != 0 {
				t.Fatalf("want one dead letter with zero attempts, got %v", entries)
			}
		})
	}
}

func TestEmptyContentRejected(t *testing.T) {
	ch := &fakeChannel{name: models.ChannelEmail}
	sender, _ := newTestSender(t, ch)

	outcome := sender.Send(context.Background(), &Payload{
		Channel:     models.ChannelEmail,
		Destination: "user@example.com",
		Subject:     "subject only",
	})
	if outcome.Success {
		t.Fatal("empty body should fail pre-flight")
	}
	if ch.calls != 0 {
		t.Error("provider must not be called for empty content")
	}
}

func TestDeadLetterRetryRoundTrip(t *testing.T) {
	ch := &fakeChannel{
		name:    models.ChannelEmail,
		results: []*delivery.Result{transientFailure(), transientFailure(), transientFailure()},
	}
	sender, queue := newTestSender(t, ch)

	outcome := sender.Send(context.Background(), payload())
	if !outcome.DeadLettered {
		t.Fatal("expected dead-lettered outcome")
	}

	entries, err := queue.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	// The provider has recovered; the scripted failures are used up, so
	// the retry succeeds and the entry is removed.
	err = queue.Retry(context.Background(), entries[0].ID, sender.RetryFromDeadLetter)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	depth, err := queue.Depth(context.Background())
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Errorf("queue depth after successful retry = %d, want 0", depth)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	ch := &fakeChannel{name: models.ChannelEmail}
	sender, _ := newTestSender(t, ch)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := sender.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
