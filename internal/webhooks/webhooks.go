package webhooks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/agentworkforce/relaystatus/internal/provider"
)

var ErrInvalidTarget = errors.New("webhook target url is required")

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Logger Logger
	Events *provider.WebhookEvents
}

// Manager keeps exactly one webhook per (project, target url) on the
// provider side. Ensure is a list-then-create check, not a lock: two
// concurrent calls for the same project can both create a hook.
type Manager struct {
	logger Logger
	events provider.WebhookEvents
}

func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	events := provider.AllWebhookEvents()
	if opts.Events != nil {
		events = *opts.Events
	}
	return &Manager{logger: logger, events: events}
}

func (m *Manager) List(ctx context.Context, client provider.Client, project provider.ProjectRef) ([]provider.Webhook, error) {
	return client.ListWebhooks(ctx, project)
}

func (m *Manager) Create(ctx context.Context, client provider.Client, project provider.ProjectRef, targetURL, secret string) (provider.Webhook, error) {
	if strings.TrimSpace(targetURL) == "" {
		return provider.Webhook{}, ErrInvalidTarget
	}
	return client.CreateWebhook(ctx, project, targetURL, secret, m.events)
}

func (m *Manager) Delete(ctx context.Context, client provider.Client, project provider.ProjectRef, hookID string) error {
	return client.DeleteWebhook(ctx, project, hookID)
}

// Ensure creates a hook for targetURL unless one with exactly that url
// already exists. created reports whether a hook was made.
func (m *Manager) Ensure(ctx context.Context, client provider.Client, project provider.ProjectRef, targetURL, secret string) (hook provider.Webhook, created bool, err error) {
	if strings.TrimSpace(targetURL) == "" {
		return provider.Webhook{}, false, ErrInvalidTarget
	}
	hooks, err := client.ListWebhooks(ctx, project)
	if err != nil {
		return provider.Webhook{}, false, fmt.Errorf("list webhooks: %w", err)
	}
	for _, existing := range hooks {
		if existing.URL == targetURL {
			return existing, false, nil
		}
	}
	hook, err = m.Create(ctx, client, project, targetURL, secret)
	if err != nil {
		return provider.Webhook{}, false, fmt.Errorf("create webhook: %w", err)
	}
	m.logger.Printf("webhooks: created hook %s on project %s", hook.ID, projectLabel(project))
	return hook, true, nil
}

// RemoveResult counts what RemoveOwned did on one project.
type RemoveResult struct {
	Deleted int
	Skipped int
	Failed  int
}

// RemoveOwned deletes every hook whose url starts with ownedPrefix. Hooks we
// do not own are left alone and a failed delete does not stop the others.
// Only a failure to list returns an error.
func (m *Manager) RemoveOwned(ctx context.Context, client provider.Client, project provider.ProjectRef, ownedPrefix string) (RemoveResult, error) {
	var result RemoveResult
	if strings.TrimSpace(ownedPrefix) == "" {
		return result, ErrInvalidTarget
	}
	hooks, err := client.ListWebhooks(ctx, project)
	if err != nil {
		return result, fmt.Errorf("list webhooks: %w", err)
	}
	for _, hook := range hooks {
		if !strings.HasPrefix(hook.URL, ownedPrefix) {
			m.logger.Printf("webhooks: leaving foreign hook %s on project %s", hook.ID, projectLabel(project))
			result.Skipped++
			continue
		}
		if err := client.DeleteWebhook(ctx, project, hook.ID); err != nil {
			m.logger.Printf("webhooks: delete hook %s on project %s failed: %v", hook.ID, projectLabel(project), err)
			result.Failed++
			continue
		}
		result.Deleted++
	}
	return result, nil
}

func projectLabel(project provider.ProjectRef) string {
	if project.Path != "" {
		return project.Path
	}
	return project.ID
}
