package main

import (
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/agentworkforce/relaystatus/internal/config"
	"github.com/agentworkforce/relaystatus/internal/httpapi"
	"github.com/agentworkforce/relaystatus/internal/kv"
	"github.com/agentworkforce/relaystatus/internal/provider"
	"github.com/agentworkforce/relaystatus/internal/remote"
	"github.com/agentworkforce/relaystatus/internal/schedule"
	"github.com/agentworkforce/relaystatus/internal/steps"
	"github.com/agentworkforce/relaystatus/internal/store"
	"github.com/agentworkforce/relaystatus/internal/syncer"
	"github.com/agentworkforce/relaystatus/internal/teardown"
	"github.com/agentworkforce/relaystatus/internal/usage"
	"github.com/agentworkforce/relaystatus/internal/vectorize"
	"github.com/agentworkforce/relaystatus/internal/webhooks"
)

// app is every long-lived component of one process, built from config.
type app struct {
	cfg    *config.Config
	limits func() usage.Limits

	store *store.Store
	state kv.Backend
	queue kv.Queue

	runner     *steps.Runner
	registry   *provider.Registry
	hooks      *webhooks.Manager
	ledger     *usage.Ledger
	remote     *remote.Client
	sync       *syncer.Service
	teardown   *teardown.Coordinator
	schedules  *schedule.Service
	dispatcher *schedule.Dispatcher
	worker     *vectorize.Worker
}

// buildApp wires the components. limits is consulted on every quota call; a
// nil limits pins the values loaded from cfg.
func buildApp(cfg *config.Config, limits func() usage.Limits) (*app, error) {
	if limits == nil {
		fixed := cfg.Usage.Limits
		limits = func() usage.Limits { return fixed }
	}
	dsns, err := cfg.StorageDSNs()
	if err != nil {
		return nil, err
	}
	if dsns.Store == "" {
		dsns.Store = "memory://"
	}
	a := &app{cfg: cfg, limits: limits}

	a.store, err = store.Open(dsns.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.state, err = kv.BuildBackendFromDSN(dsns.State)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open state backend: %w", err)
	}
	if a.state == nil {
		a.state = kv.NewMemoryBackend()
	}
	a.queue, err = kv.BuildQueueFromDSN(dsns.Queue, cfg.Storage.QueueSize)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("open event queue: %w", err)
	}
	if a.queue == nil {
		a.queue = kv.NewMemoryQueue(cfg.Storage.QueueSize)
	}

	logger := log.Default()
	a.runner = steps.NewRunner(a.state, steps.Options{Logger: logger})
	a.registry = provider.NewRegistry(provider.HTTPOptions{UserAgent: "relaystatus"})
	a.hooks = webhooks.NewManager(webhooks.Options{Logger: logger})

	var billing usage.BillingReporter
	if strings.TrimSpace(cfg.Remote.BaseURL) != "" {
		a.remote = remote.NewClient(remote.ClientOptions{
			BaseURL:       cfg.Remote.BaseURL,
			TokenProvider: remote.StaticToken(cfg.Remote.Token),
			UserAgent:     "relaystatus",
		})
		billing = a.remote
	}
	a.ledger = usage.NewLedger(a.state, usage.Options{Logger: logger, Billing: billing})

	a.sync = syncer.NewService(a.store, a.runner, a.registry, a.hooks, syncer.ServiceOptions{
		Config: syncer.Config{
			WebhookBaseURL: cfg.Sync.WebhookBaseURL,
			WebhookSecret:  cfg.Sync.WebhookSecret,
			Overlap:        cfg.Sync.Overlap,
			LeaseTTL:       cfg.Sync.LeaseTTL,
		},
		Logger:   logger,
		Queue:    a.queue,
		MaxPages: cfg.Sync.MaxPages,
	})
	a.teardown = teardown.NewCoordinator(a.store, a.runner, a.registry, a.hooks, teardown.Options{
		Logger:             logger,
		OwnedWebhookPrefix: a.sync.OwnedWebhookPrefix(),
		LeaseTTL:           cfg.Sync.LeaseTTL,
	})
	a.schedules = schedule.NewService(a.store, nil)
	a.dispatcher = schedule.NewDispatcher(a.store, schedule.DispatcherOptions{
		Logger:     logger,
		StaleAfter: cfg.Schedule.StaleAfter,
	})
	if a.remote != nil {
		generate := schedule.NewGenerateWorkflow(a.store, a.runner, a.ledger, a.remote, schedule.GenerateOptions{
			Logger:    logger,
			BatchSize: cfg.Schedule.BatchSize,
			Limits:    limits,
		})
		a.dispatcher.Register(schedule.NameGenerateUpdates, generate.Handler())
		summaries := schedule.NewSummaryWorkflow(a.store, a.runner, a.ledger, a.remote, schedule.SummaryOptions{
			Logger: logger,
			Limits: limits,
		})
		a.dispatcher.Register(schedule.NameSendSummaries, summaries.Handler())
		a.worker = vectorize.NewWorker(a.store, a.queue, a.remote, vectorize.Options{
			Logger:      logger,
			MaxAttempts: cfg.Worker.MaxAttempts,
		})
	} else {
		log.Printf("remote.baseURL is not set; status generation, summaries and event embedding are disabled")
	}
	return a, nil
}

var errRemoteDisabled = errors.New("remote.baseURL is required for this command")

func (a *app) server() *httpapi.Server {
	return httpapi.NewServer(httpapi.Dependencies{
		Store:     a.store,
		Sync:      a.sync,
		Teardown:  a.teardown,
		Ledger:    a.ledger,
		Schedules: a.schedules,
		Limits:    a.limits,
		Logger:    log.Default(),
	}, httpapi.ServerConfig{
		JWTSecret:          a.cfg.HTTP.JWTSecret,
		InternalHMACSecret: a.cfg.HTTP.InternalHMACSecret,
		InternalMaxSkew:    a.cfg.HTTP.InternalMaxSkew,
		RateLimitMax:       a.cfg.HTTP.RateLimitMax,
		RateLimitWindow:    a.cfg.HTTP.RateLimitWindow,
		MaxBodyBytes:       a.cfg.HTTP.MaxBodyBytes,
	})
}

// close stops dispatched runs and waits for in-flight billing reports before
// releasing storage.
func (a *app) close() {
	if a.dispatcher != nil {
		a.dispatcher.Stop()
	}
	if a.ledger != nil {
		a.ledger.Wait()
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			log.Printf("close event queue failed: %v", err)
		}
	}
	if a.state != nil {
		if err := a.state.Close(); err != nil {
			log.Printf("close state backend failed: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Printf("close store failed: %v", err)
		}
	}
}
