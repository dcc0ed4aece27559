package teardown

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/agentworkforce/relaystatus/internal/provider"
	"github.com/agentworkforce/relaystatus/internal/steps"
	"github.com/agentworkforce/relaystatus/internal/store"
	"github.com/agentworkforce/relaystatus/internal/webhooks"
	"github.com/google/uuid"
)

const workflowPrefix = "delete:"

var (
	ErrDeleteInFlight = errors.New("integration delete already in progress")
	ErrSyncInFlight   = errors.New("integration sync in progress")
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Logger Logger
	// OwnedWebhookPrefix selects which remote hooks belong to this
	// deployment. Empty disables webhook cleanup.
	OwnedWebhookPrefix string
	LeaseTTL           time.Duration
	Now                func() time.Time
}

// Coordinator deletes an integration: best-effort webhook cleanup first,
// then every dependent row and the integration itself.
type Coordinator struct {
	store    *store.Store
	runner   *steps.Runner
	registry *provider.Registry
	hooks    *webhooks.Manager
	logger   Logger
	prefix   string
	leaseTTL time.Duration
	now      func() time.Time
}

func NewCoordinator(st *store.Store, runner *steps.Runner, registry *provider.Registry, hooks *webhooks.Manager, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	ttl := opts.LeaseTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		store:    st,
		runner:   runner,
		registry: registry,
		hooks:    hooks,
		logger:   logger,
		prefix:   opts.OwnedWebhookPrefix,
		leaseTTL: ttl,
		now:      now,
	}
}

type Result struct {
	WorkflowID     string `json:"workflowId"`
	HooksDeleted   int    `json:"hooksDeleted"`
	HooksFailed    int    `json:"hooksFailed"`
	ProjectsWalked int    `json:"projectsWalked"`
}

type integrationRef struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
}

type cleanupResult struct {
	Projects int `json:"projects"`
	Deleted  int `json:"deleted"`
	Failed   int `json:"failed"`
}

func WorkflowID(integrationID string) string {
	return workflowPrefix + integrationID
}

// Run tears the integration down. It shares the integration lease with
// sync, so it fails with ErrSyncInFlight while a sync runs and with
// ErrDeleteInFlight while another teardown does.
func (c *Coordinator) Run(ctx context.Context, integrationID string) (Result, error) {
	workflowID := WorkflowID(integrationID)
	result := Result{WorkflowID: workflowID}
	leaseName := store.IntegrationLease(integrationID)
	holder := workflowID + ":" + uuid.NewString()
	if _, err := c.store.AcquireLease(ctx, leaseName, holder, c.leaseTTL, c.now()); err != nil {
		if errors.Is(err, store.ErrLeaseHeld) {
			return result, c.busy(ctx, leaseName, integrationID)
		}
		return result, err
	}
	defer func() {
		if err := c.store.ReleaseLease(context.WithoutCancel(ctx), leaseName, holder); err != nil {
			c.logger.Printf("teardown: release lease %s failed: %v", leaseName, err)
		}
	}()

	wf := c.runner.Start(workflowID)
	ref, err := steps.Do(ctx, wf, "get-integration", func(ctx context.Context) (integrationRef, error) {
		integration, err := c.store.GetIntegration(ctx, integrationID)
		if err != nil {
			return integrationRef{}, notFoundIsPermanent(err)
		}
		if err := c.store.MarkDeleteStarted(ctx, integrationID, workflowID); err != nil {
			return integrationRef{}, err
		}
		return integrationRef{ID: integration.ID, Provider: integration.Provider}, nil
	})
	if err != nil {
		if forgetErr := c.runner.Forget(context.WithoutCancel(ctx), workflowID); forgetErr != nil {
			c.logger.Printf("teardown: forget workflow %s failed: %v", workflowID, forgetErr)
		}
		return result, err
	}

	cleanup, err := steps.Do(ctx, wf, "cleanup-webhooks", func(ctx context.Context) (cleanupResult, error) {
		return c.cleanupWebhooks(ctx, ref), nil
	})
	if err != nil {
		return result, c.fail(ctx, integrationID, err)
	}
	result.HooksDeleted = cleanup.Deleted
	result.HooksFailed = cleanup.Failed
	result.ProjectsWalked = cleanup.Projects

	_, err = steps.Do(ctx, wf, "delete-integration-data", func(ctx context.Context) (bool, error) {
		return true, c.store.DeleteIntegrationCascade(ctx, integrationID)
	})
	if err != nil {
		return result, c.fail(ctx, integrationID, err)
	}
	if err := c.runner.Forget(ctx, workflowID); err != nil {
		c.logger.Printf("teardown: forget workflow %s failed: %v", workflowID, err)
	}
	c.logger.Printf("teardown: integration %s deleted hooks_deleted=%d hooks_failed=%d", integrationID, cleanup.Deleted, cleanup.Failed)
	return result, nil
}

func (c *Coordinator) busy(ctx context.Context, leaseName, integrationID string) error {
	holder, _, err := c.store.ActiveLeaseHolder(ctx, leaseName, c.now())
	if err == nil && strings.HasPrefix(holder, workflowPrefix) {
		return fmt.Errorf("%w: %s", ErrDeleteInFlight, integrationID)
	}
	return fmt.Errorf("%w: %s", ErrSyncInFlight, integrationID)
}

// cleanupWebhooks never fails: a stray remote hook is preferable to
// orphaned local rows.
func (c *Coordinator) cleanupWebhooks(ctx context.Context, ref integrationRef) cleanupResult {
	var out cleanupResult
	if c.prefix == "" || c.hooks == nil {
		return out
	}
	integration, err := c.store.GetIntegration(ctx, ref.ID)
	if err != nil {
		c.logger.Printf("teardown: reload integration %s failed, skipping webhook cleanup: %v", ref.ID, err)
		return out
	}
	client, err := c.registry.ClientFor(provider.Credentials{
		Provider:    integration.Provider,
		InstanceURL: integration.InstanceURL,
		AccessToken: integration.AccessToken,
	})
	if err != nil {
		c.logger.Printf("teardown: no client for integration %s, skipping webhook cleanup: %v", ref.ID, err)
		return out
	}
	projects, err := c.store.ListProjects(ctx, ref.ID)
	if err != nil {
		c.logger.Printf("teardown: list projects of integration %s failed: %v", ref.ID, err)
		return out
	}
	for _, project := range projects {
		out.Projects++
		removed, err := c.hooks.RemoveOwned(ctx, client, provider.ProjectRef{ID: project.ProviderID, Path: project.PathWithNamespace}, c.prefix)
		if err != nil {
			c.logger.Printf("teardown: webhook cleanup on project %s failed: %v", project.ProviderID, err)
			out.Failed++
			continue
		}
		out.Deleted += removed.Deleted
		out.Failed += removed.Failed
	}
	return out
}

func (c *Coordinator) fail(ctx context.Context, integrationID string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	if err := c.store.MarkDeleteFailed(ctx, integrationID, cause.Error(), c.now()); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.logger.Printf("teardown: record failure for integration %s failed: %v", integrationID, err)
	}
	c.logger.Printf("teardown: integration %s failed: %v", integrationID, cause)
	return cause
}

// ResumeInterrupted finishes teardowns that a crash left half done.
func (c *Coordinator) ResumeInterrupted(ctx context.Context) (int, error) {
	ids, err := c.runner.Instances(ctx, workflowPrefix)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, workflowID := range ids {
		integrationID := workflowID[len(workflowPrefix):]
		if _, err := c.Run(ctx, integrationID); err != nil {
			c.logger.Printf("teardown: resume %s failed: %v", workflowID, err)
			continue
		}
		resumed++
	}
	return resumed, nil
}

type permanentError struct{ error }

func (permanentError) Permanent() bool { return true }

func (e permanentError) Unwrap() error { return e.error }

func notFoundIsPermanent(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return permanentError{err}
	}
	return err
}
