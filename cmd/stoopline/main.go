// Stoopline - Neighborhood Alerts and Delivery Reliability Engine
// Copyright 2026 Stoopline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stoopline/stoopline

// Command stoopline runs the notification engine in one of three modes:
//
//	stoopline serve            long-running intake, delivery and ops API
//	stoopline dispatch         one gated, locked outbox batch, then exit
//	stoopline notify-failsafe  degraded-content email when the datastore is down
//
// serve is the default when no mode is given.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/stoopline/stoopline/internal/api"
	"github.com/stoopline/stoopline/internal/audit"
	"github.com/stoopline/stoopline/internal/config"
	"github.com/stoopline/stoopline/internal/delivery"
	"github.com/stoopline/stoopline/internal/dispatch"
	"github.com/stoopline/stoopline/internal/dlq"
	"github.com/stoopline/stoopline/internal/failsafe"
	"github.com/stoopline/stoopline/internal/freqcap"
	"github.com/stoopline/stoopline/internal/health"
	"github.com/stoopline/stoopline/internal/ingest"
	"github.com/stoopline/stoopline/internal/logging"
	"github.com/stoopline/stoopline/internal/matching"
	"github.com/stoopline/stoopline/internal/models"
	"github.com/stoopline/stoopline/internal/outbox"
	"github.com/stoopline/stoopline/internal/reliable"
	"github.com/stoopline/stoopline/internal/router"
	"github.com/stoopline/stoopline/internal/store"
	"github.com/stoopline/stoopline/internal/supervisor"
	"github.com/stoopline/stoopline/internal/supervisor/services"
)

const version = "1.0.0"

func main() {
	mode := "serve"
	if len(os.Args) > 1 {
		mode = os.Args[1]
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch mode {
	case "serve":
		runServe(ctx, cfg)
	case "dispatch":
		runDispatch(ctx, cfg)
	case "notify-failsafe":
		runFailsafe(ctx, cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q (expected serve, dispatch or notify-failsafe)\n", mode)
		os.Exit(2)
	}
}

// engine bundles the components every mode starts from.
type engine struct {
	store    *store.Store
	registry *delivery.Registry
	email    *delivery.EmailChannel
	monitor  *health.Monitor
}

func buildEngine(ctx context.Context, cfg *config.Config) *engine {
	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Database.Path).Msg("Failed to open datastore")
	}

	email := delivery.NewEmailChannel(cfg.SMTP)
	registry := delivery.NewRegistry()
	registry.Register(email)
	if cfg.SMS.AccountSID != "" {
		registry.Register(delivery.NewSMSChannel(cfg.SMS))
	} else {
		logging.Info().Msg("SMS channel disabled (no account SID configured)")
	}

	monitor := health.NewMonitor(cfg.Health,
		health.DatastoreCheck(st.ProbeLatency),
		health.EmailCheck(email.Probe),
		health.WeatherCheck(&http.Client{}, cfg.Health.WeatherURL),
	)

	return &engine{store: st, registry: registry, email: email, monitor: monitor}
}

func (e *engine) close() {
	if err := e.store.Close(); err != nil {
		logging.Error().Err(err).Msg("Error closing datastore")
	}
}

func runServe(ctx context.Context, cfg *config.Config) {
	logging.Info().Str("version", version).Msg("Starting Stoopline engine")

	eng := buildEngine(ctx, cfg)
	defer eng.close()

	loc, err := cfg.Location()
	if err != nil {
		logging.Fatal().Err(err).Msg("Invalid city timezone")
	}

	caps := freqcap.NewTracker(eng.store, cfg.Delivery, loc)
	windows := router.NewWindows(cfg.Windows, loc)
	matcher := matching.NewEngine(matching.NewRegistry(), eng.store)
	processor := ingest.NewProcessor(eng.store, matcher, router.New(caps, windows))

	queue := dlq.New(eng.store)
	trail := audit.NewTrail(eng.store)
	senders := buildSenders(eng, cfg, queue, trail)

	executor := outbox.NewExecutor(eng.store, eng.registry, cfg.Delivery).
		WithReliable(reliableSenders(senders))
	job := dispatch.NewJob(eng.store, executor, eng.monitor, eng.email, cfg.Health.OperatorEmail, cfg.Lock.TTL)

	handler := api.NewHandler(eng.store, queue, eng.monitor, dlqRetryFunc(senders), version)
	server := api.NewServer(cfg.Server, handler.Routes())

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{})
	tree.AddPipelineService(services.NewDispatchService(job, time.Minute))
	if cfg.NATS.Enabled {
		subscriber, err := ingest.NewSubscriber(cfg.NATS, processor)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to build NATS subscriber")
		}
		tree.AddPipelineService(services.NewIngestService(subscriber))
	} else {
		logging.Info().Msg("NATS intake disabled, events must arrive out of band")
	}
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("Ops API server added")

	errCh := tree.ServeBackground(ctx)
	select {
	case <-ctx.Done():
		logging.Info().Msg("Shutdown signal received, stopping services")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
		}
	}
	logging.Info().Msg("Engine stopped")
}

func runDispatch(ctx context.Context, cfg *config.Config) {
	eng := buildEngine(ctx, cfg)
	defer eng.close()

	queue := dlq.New(eng.store)
	trail := audit.NewTrail(eng.store)
	executor := outbox.NewExecutor(eng.store, eng.registry, cfg.Delivery).
		WithReliable(reliableSenders(buildSenders(eng, cfg, queue, trail)))
	job := dispatch.NewJob(eng.store, executor, eng.monitor, eng.email, cfg.Health.OperatorEmail, cfg.Lock.TTL)

	result, err := job.Run(ctx, time.Now())
	if err != nil {
		eng.close()
		logging.Fatal().Err(err).Msg("Dispatch run failed")
	}
	if result == nil {
		logging.Info().Msg("Dispatch lock held elsewhere, nothing to do")
	}
}

// runFailsafe checks dependency health and, when the datastore is down
// but email still works, sends degraded-content notifications so users
// hear something rather than nothing.
func runFailsafe(ctx context.Context, cfg *config.Config) {
	eng := buildEngine(ctx, cfg)
	defer eng.close()

	report := eng.monitor.Run(ctx)
	datastore := report.Component(health.CheckDatastore)
	emailHealth := report.Component(health.CheckEmail)

	if datastore == nil || datastore.Healthy {
		logging.Info().Msg("Datastore healthy, failsafe not needed")
		return
	}
	if emailHealth != nil && !emailHealth.Healthy {
		logging.Fatal().
			Str("error", emailHealth.Error).
			Msg("Email provider also down, failsafe cannot deliver")
	}

	notifier := failsafe.NewNotifier(eng.email,
		failsafe.NewWeatherBuilder(cfg.Health),
		failsafe.StaticBuilder{},
	)

	// The datastore check failed, but a slow datastore may still answer
	// reads. Fall back to the operator alone when it cannot.
	recipients, err := eng.store.ListUserEmails(ctx)
	if err != nil || len(recipients) == 0 {
		if err != nil {
			logging.Warn().Err(err).Msg("Cannot enumerate users, notifying operator only")
		}
		if cfg.Health.OperatorEmail == "" {
			logging.Fatal().Msg("No recipients reachable and no operator email configured")
		}
		recipients = []string{cfg.Health.OperatorEmail}
	}

	var sent, failed int
	for _, recipient := range recipients {
		level, err := notifier.Notify(ctx, recipient)
		if err != nil {
			failed++
			logging.Warn().Err(err).Str("recipient", recipient).Msg("Failsafe notification failed")
			continue
		}
		sent++
		logging.Debug().Str("recipient", recipient).Str("level", string(level)).Msg("Failsafe sent")
	}
	logging.Info().Int("sent", sent).Int("failed", failed).Msg("Failsafe run complete")
	if sent == 0 {
		os.Exit(1)
	}
}

// buildSenders constructs one reliable sender per configured channel,
// all sharing the dead-letter queue and audit trail.
func buildSenders(eng *engine, cfg *config.Config, queue *dlq.Queue, trail *audit.Trail) map[models.Channel]*reliable.Sender {
	senders := map[models.Channel]*reliable.Sender{
		models.ChannelEmail: reliable.NewSender(eng.email, cfg.Retry, queue, trail),
	}
	if sms, ok := eng.registry.Get(models.ChannelSMS); ok {
		senders[models.ChannelSMS] = reliable.NewSender(sms, cfg.Retry, queue, trail)
	}
	return senders
}

func reliableSenders(senders map[models.Channel]*reliable.Sender) map[models.Channel]outbox.ReliableSender {
	m := make(map[models.Channel]outbox.ReliableSender, len(senders))
	for ch, s := range senders {
		m[ch] = s
	}
	return m
}

// dlqRetryFunc routes a dead-lettered payload back through the reliable
// sender for its channel.
func dlqRetryFunc(senders map[models.Channel]*reliable.Sender) dlq.RetryFunc {
	return func(ctx context.Context, raw []byte) error {
		var head struct {
			Channel models.Channel `json:"channel"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return fmt.Errorf("decode dead-letter channel: %w", err)
		}
		sender, ok := senders[head.Channel]
		if !ok {
			return fmt.Errorf("no sender configured for channel %q", head.Channel)
		}
		return sender.RetryFromDeadLetter(ctx, raw)
	}
}
