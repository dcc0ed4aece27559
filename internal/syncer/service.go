package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/agentworkforce/relaystatus/internal/kv"
	"github.com/agentworkforce/relaystatus/internal/provider"
	"github.com/agentworkforce/relaystatus/internal/steps"
	"github.com/agentworkforce/relaystatus/internal/store"
	"github.com/agentworkforce/relaystatus/internal/webhooks"
	"github.com/google/uuid"
)

const workflowPrefix = "sync:"

var (
	ErrSyncInFlight   = errors.New("sync already in progress")
	ErrDeleteInFlight = errors.New("integration is being deleted")
)

type Config struct {
	// WebhookBaseURL is the public prefix of the inbound webhook endpoint;
	// hooks are registered at <base>/<provider>/webhooks.
	WebhookBaseURL string
	WebhookSecret  string
	// Overlap is subtracted from the previous sync's finish time to form the
	// next event cutoff.
	Overlap  time.Duration
	LeaseTTL time.Duration
}

type ServiceOptions struct {
	Config   Config
	Logger   Logger
	Queue    kv.Queue
	MaxPages int
	Now      func() time.Time
}

// Service runs the per-integration sync workflow.
type Service struct {
	store    *store.Store
	engine   *Engine
	runner   *steps.Runner
	registry *provider.Registry
	hooks    *webhooks.Manager
	queue    kv.Queue
	logger   Logger
	cfg      Config
	now      func() time.Time
}

func NewService(st *store.Store, runner *steps.Runner, registry *provider.Registry, hooks *webhooks.Manager, opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cfg := opts.Config
	if cfg.Overlap <= 0 {
		cfg.Overlap = time.Hour
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Minute
	}
	cfg.WebhookBaseURL = strings.TrimRight(strings.TrimSpace(cfg.WebhookBaseURL), "/")
	return &Service{
		store:    st,
		engine:   NewEngine(st, EngineOptions{Logger: logger, MaxPages: opts.MaxPages, Now: now}),
		runner:   runner,
		registry: registry,
		hooks:    hooks,
		queue:    opts.Queue,
		logger:   logger,
		cfg:      cfg,
		now:      now,
	}
}

type Result struct {
	WorkflowID   string   `json:"workflowId"`
	Projects     int      `json:"projects"`
	Users        int      `json:"users"`
	HooksCreated int      `json:"hooksCreated"`
	EventIDs     []string `json:"eventIds"`
	Enqueued     int      `json:"enqueued"`
}

// WebhookURL is where hooks for the provider point.
func (s *Service) WebhookURL(providerName string) string {
	if s.cfg.WebhookBaseURL == "" {
		return ""
	}
	return s.cfg.WebhookBaseURL + "/" + strings.ToLower(providerName) + "/webhooks"
}

// OwnedWebhookPrefix matches every hook this deployment registers.
func (s *Service) OwnedWebhookPrefix() string {
	if s.cfg.WebhookBaseURL == "" {
		return ""
	}
	return s.cfg.WebhookBaseURL + "/"
}

// Trigger starts a fresh sync instance for the integration.
func (s *Service) Trigger(ctx context.Context, integrationID string) (Result, error) {
	return s.Run(ctx, integrationID, NewWorkflowID(integrationID))
}

func NewWorkflowID(integrationID string) string {
	return workflowPrefix + integrationID + ":" + uuid.NewString()
}

func integrationFromWorkflowID(workflowID string) (string, bool) {
	rest, ok := strings.CutPrefix(workflowID, workflowPrefix)
	if !ok {
		return "", false
	}
	integrationID, _, ok := strings.Cut(rest, ":")
	return integrationID, ok && integrationID != ""
}

// Run executes (or resumes) the sync workflow instance workflowID. It holds
// the integration lease for the duration and records the outcome on the
// integration row.
func (s *Service) Run(ctx context.Context, integrationID, workflowID string) (Result, error) {
	result := Result{WorkflowID: workflowID}
	leaseName := store.IntegrationLease(integrationID)
	if _, err := s.store.AcquireLease(ctx, leaseName, workflowID, s.cfg.LeaseTTL, s.now()); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			return result, s.busy(ctx, leaseName, integrationID)
		}
		return result, err
	}
	defer func() {
		if err := s.store.ReleaseLease(context.WithoutCancel(ctx), leaseName, workflowID); err != nil {
			s.logger.Printf("sync: release lease %s failed: %v", leaseName, err)
		}
	}()

	// Read under the lease: a teardown that finished before it was taken has
	// already removed the row.
	integration, err := s.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return result, err
	}
	if integration.DeleteID != nil {
		return result, fmt.Errorf("%w: %s", ErrDeleteInFlight, integrationID)
	}
	if err := s.store.MarkSyncStarted(ctx, integrationID, workflowID, s.now()); err != nil {
		return result, err
	}
	result, err = s.run(ctx, integration, workflowID)
	if err != nil {
		if markErr := s.store.MarkSyncFailed(context.WithoutCancel(ctx), integrationID, err.Error(), s.now()); markErr != nil {
			s.logger.Printf("sync: record failure for integration %s failed: %v", integrationID, markErr)
		}
		s.logger.Printf("sync: integration %s workflow %s failed: %v", integrationID, workflowID, err)
		// A handled failure is final for this instance; only a crash leaves
		// a journal for ResumeInterrupted.
		if forgetErr := s.runner.Forget(context.WithoutCancel(ctx), workflowID); forgetErr != nil {
			s.logger.Printf("sync: forget workflow %s failed: %v", workflowID, forgetErr)
		}
		return result, err
	}
	if err := s.runner.Forget(ctx, workflowID); err != nil {
		s.logger.Printf("sync: forget workflow %s failed: %v", workflowID, err)
	}
	s.logger.Printf("sync: integration %s synced projects=%d users=%d events=%d hooks_created=%d",
		integrationID, result.Projects, result.Users, len(result.EventIDs), result.HooksCreated)
	return result, nil
}

// busy reports which workflow holds the integration lease. Teardown holders
// start with "delete:".
func (s *Service) busy(ctx context.Context, leaseName, integrationID string) error {
	holder, _, err := s.store.ActiveLeaseHolder(ctx, leaseName, s.now())
	if err == nil && strings.HasPrefix(holder, "delete:") {
		return fmt.Errorf("%w: %s", ErrDeleteInFlight, integrationID)
	}
	return fmt.Errorf("%w: %s", ErrSyncInFlight, integrationID)
}

func (s *Service) run(ctx context.Context, integration store.Integration, workflowID string) (Result, error) {
	result := Result{WorkflowID: workflowID}
	client, err := s.registry.ClientFor(provider.Credentials{
		Provider:    integration.Provider,
		InstanceURL: integration.InstanceURL,
		AccessToken: integration.AccessToken,
	})
	if err != nil {
		return result, err
	}
	integrationID := integration.ID
	cutoff := StartOfWeek(s.now())
	if integration.SyncFinishedAt != nil {
		cutoff = integration.SyncFinishedAt.UTC().Add(-s.cfg.Overlap)
	}
	progress := func(ctx context.Context) {
		if err := s.store.MarkSyncProgress(ctx, integrationID, s.now()); err != nil {
			s.logger.Printf("sync: record progress for integration %s failed: %v", integrationID, err)
		}
	}
	wf := s.runner.Start(workflowID)

	result.Projects, err = steps.Do(ctx, wf, "fetch-and-sync-projects", func(ctx context.Context) (int, error) {
		defer progress(ctx)
		return s.engine.SyncProjects(ctx, client, integrationID)
	})
	if err != nil {
		return result, err
	}

	result.Users, err = steps.Do(ctx, wf, "fetch-and-sync-users", func(ctx context.Context) (int, error) {
		defer progress(ctx)
		return s.engine.SyncUsers(ctx, client, integrationID)
	})
	if err != nil {
		return result, err
	}

	result.HooksCreated, err = steps.Do(ctx, wf, "ensure-webhooks", func(ctx context.Context) (int, error) {
		defer progress(ctx)
		return s.ensureWebhooks(ctx, client, integration)
	})
	if err != nil {
		return result, err
	}

	result.EventIDs, err = steps.Do(ctx, wf, "prefetch-past-events", func(ctx context.Context) ([]string, error) {
		defer progress(ctx)
		return s.engine.SyncEvents(ctx, client, integrationID, cutoff)
	})
	if err != nil {
		return result, err
	}

	result.Enqueued, err = steps.Do(ctx, wf, "enqueue-event-ids", func(ctx context.Context) (int, error) {
		return s.enqueue(ctx, result.EventIDs)
	})
	if err != nil {
		return result, err
	}

	_, err = steps.Do(ctx, wf, "finalize", func(ctx context.Context) (bool, error) {
		return true, s.store.MarkSyncFinished(ctx, integrationID, s.now())
	})
	return result, err
}

// ensureWebhooks is best-effort per project.
func (s *Service) ensureWebhooks(ctx context.Context, client provider.Client, integration store.Integration) (int, error) {
	target := s.WebhookURL(integration.Provider)
	if target == "" || s.hooks == nil {
		return 0, nil
	}
	projects, err := s.store.ListProjects(ctx, integration.ID)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, project := range projects {
		_, made, err := s.hooks.Ensure(ctx, client, projectRef(project), target, s.cfg.WebhookSecret)
		if err != nil {
			s.logger.Printf("sync: ensure webhook on project %s failed: %v", project.ProviderID, err)
			continue
		}
		if made {
			created++
		}
	}
	return created, nil
}

func (s *Service) enqueue(ctx context.Context, ids []string) (int, error) {
	if s.queue == nil || len(ids) == 0 {
		return 0, nil
	}
	for i, id := range ids {
		if !s.queue.Enqueue(ctx, id) {
			if err := ctx.Err(); err != nil {
				return i, err
			}
			return i, fmt.Errorf("event queue rejected id %s after %d of %d", id, i, len(ids))
		}
	}
	return len(ids), nil
}

// ResyncAll triggers a sync for every live integration. Integrations that
// are already syncing or being deleted are skipped.
func (s *Service) ResyncAll(ctx context.Context) (started, skipped, failed int) {
	integrations, err := s.store.ListIntegrations(ctx)
	if err != nil {
		s.logger.Printf("sync: list integrations failed: %v", err)
		return 0, 0, 0
	}
	for _, integration := range integrations {
		if ctx.Err() != nil {
			return started, skipped, failed
		}
		_, err := s.Trigger(ctx, integration.ID)
		switch {
		case err == nil:
			started++
		case errors.Is(err, ErrSyncInFlight), errors.Is(err, ErrDeleteInFlight):
			skipped++
		default:
			failed++
		}
	}
	return started, skipped, failed
}

// ResumeInterrupted re-runs sync instances that left a journal behind,
// typically after a crash. Call it before any new syncs start in this
// process.
func (s *Service) ResumeInterrupted(ctx context.Context) (int, error) {
	ids, err := s.runner.Instances(ctx, workflowPrefix)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, workflowID := range ids {
		integrationID, ok := integrationFromWorkflowID(workflowID)
		if !ok {
			continue
		}
		if _, err := s.Run(ctx, integrationID, workflowID); err != nil {
			s.logger.Printf("sync: resume %s failed: %v", workflowID, err)
			if errors.Is(err, store.ErrNotFound) {
				if forgetErr := s.runner.Forget(ctx, workflowID); forgetErr != nil {
					s.logger.Printf("sync: forget workflow %s failed: %v", workflowID, forgetErr)
				}
			}
			continue
		}
		resumed++
	}
	return resumed, nil
}
