package teardown

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaystatus/internal/kv"
	"github.com/agentworkforce/relaystatus/internal/provider"
	"github.com/agentworkforce/relaystatus/internal/provider/providertest"
	"github.com/agentworkforce/relaystatus/internal/steps"
	"github.com/agentworkforce/relaystatus/internal/store"
	"github.com/agentworkforce/relaystatus/internal/webhooks"
)

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *recordingLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

// stickyJournal refuses deletes so that clearing a journal fails.
type stickyJournal struct{ kv.Backend }

func (stickyJournal) Delete(context.Context, string) error { return errors.New("journal is read only") }

const owned = "https://status.example.com/integrations/"

type fixture struct {
	store       *store.Store
	fake        *providertest.Fake
	coordinator *Coordinator
	integration store.Integration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open("sqlite://" + filepath.Join(t.TempDir(), "teardown.db"))
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	fake := providertest.New()
	registry := provider.NewRegistry(provider.HTTPOptions{})
	registry.Register("fake", func(provider.Credentials, provider.HTTPOptions) (provider.Client, error) { return fake, nil })
	runner := steps.NewRunner(kv.NewMemoryBackend(), steps.Options{
		Logger: discardLogger{},
		Sleep:  func(context.Context, time.Duration) error { return nil },
	})
	coordinator := NewCoordinator(st, runner, registry, webhooks.NewManager(webhooks.Options{Logger: discardLogger{}}), Options{
		Logger:             discardLogger{},
		OwnedWebhookPrefix: owned,
	})

	ctx := context.Background()
	integration := store.Integration{OrganizationID: "org_1", Provider: "fake", AccessToken: "tok"}
	if err := st.CreateIntegration(ctx, &integration); err != nil {
		t.Fatalf("create integration failed: %v", err)
	}
	if err := st.UpsertProjects(ctx, integration.ID, []store.ExternalProject{{ProviderID: "1", Name: "a"}, {ProviderID: "2", Name: "b"}}); err != nil {
		t.Fatalf("upsert projects failed: %v", err)
	}
	if err := st.UpsertUsers(ctx, integration.ID, []store.ExternalUser{{ProviderID: "5", Username: "alice"}}); err != nil {
		t.Fatalf("upsert users failed: %v", err)
	}
	projects, _ := st.ListProjects(ctx, integration.ID)
	if err := st.UpsertEvents(ctx, []store.ExternalEvent{{ProjectID: projects[0].ID, SyntheticID: "e1", Type: "push", CreatedAt: time.Now().UTC(), InsertedAt: time.Now().UTC()}}); err != nil {
		t.Fatalf("upsert events failed: %v", err)
	}
	fake.Hooks["1"] = []provider.Webhook{{ID: "h1", URL: owned + "fake/webhooks"}, {ID: "h2", URL: "https://ci.example.com"}}
	fake.Hooks["2"] = []provider.Webhook{{ID: "h3", URL: owned + "fake/webhooks"}}
	return &fixture{store: st, fake: fake, coordinator: coordinator, integration: integration}
}

func TestRunDeletesHooksAndData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	result, err := f.coordinator.Run(ctx, f.integration.ID)
	if err != nil {
		t.Fatalf("teardown failed: %v", err)
	}
	if result.HooksDeleted != 2 || result.ProjectsWalked != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if f.fake.HookCount("1") != 1 || f.fake.HookCount("2") != 0 {
		t.Fatalf("expected only foreign hooks to remain")
	}
	if _, err := f.store.GetIntegration(ctx, f.integration.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected integration deleted, got %v", err)
	}
	var events, projects, users int64
	f.store.DB().Model(&store.ExternalEvent{}).Count(&events)
	f.store.DB().Model(&store.ExternalProject{}).Count(&projects)
	f.store.DB().Model(&store.ExternalUser{}).Count(&users)
	if events+projects+users != 0 {
		t.Fatalf("expected dependent rows gone, got events=%d projects=%d users=%d", events, projects, users)
	}
}

func TestRunProceedsWhenWebhookCleanupFails(t *testing.T) {
	f := newFixture(t)
	f.fake.Errors["ListWebhooks:1"] = &provider.HTTPError{StatusCode: 403}
	f.fake.Errors["DeleteWebhook:h3"] = errors.New("boom")
	result, err := f.coordinator.Run(context.Background(), f.integration.ID)
	if err != nil {
		t.Fatalf("expected teardown to succeed despite hook failures, got %v", err)
	}
	if result.HooksFailed != 2 || result.HooksDeleted != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
	if _, err := f.store.GetIntegration(context.Background(), f.integration.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected integration deleted, got %v", err)
	}
}

func TestRunFailsFastForMissingIntegration(t *testing.T) {
	f := newFixture(t)
	_, err := f.coordinator.Run(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunRejectsConcurrentDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.store.AcquireLease(ctx, store.IntegrationLease(f.integration.ID), WorkflowID(f.integration.ID)+":other", time.Hour, time.Now()); err != nil {
		t.Fatalf("seed lease failed: %v", err)
	}
	if _, err := f.coordinator.Run(ctx, f.integration.ID); !errors.Is(err, ErrDeleteInFlight) {
		t.Fatalf("expected ErrDeleteInFlight, got %v", err)
	}
	if _, err := f.store.GetIntegration(ctx, f.integration.ID); err != nil {
		t.Fatalf("expected integration untouched, got %v", err)
	}
}

func TestRunWaitsForActiveSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	leaseName := store.IntegrationLease(f.integration.ID)
	syncHolder := "sync:" + f.integration.ID + ":wf"
	if _, err := f.store.AcquireLease(ctx, leaseName, syncHolder, time.Hour, time.Now()); err != nil {
		t.Fatalf("seed lease failed: %v", err)
	}
	if _, err := f.coordinator.Run(ctx, f.integration.ID); !errors.Is(err, ErrSyncInFlight) {
		t.Fatalf("expected ErrSyncInFlight, got %v", err)
	}
	got, err := f.store.GetIntegration(ctx, f.integration.ID)
	if err != nil {
		t.Fatalf("expected integration untouched, got %v", err)
	}
	if got.DeleteID != nil {
		t.Fatalf("expected no delete marker while sync runs, got %v", *got.DeleteID)
	}

	// The sync writes its next page, then finishes.
	if err := f.store.UpsertProjects(ctx, f.integration.ID, []store.ExternalProject{{ProviderID: "3", Name: "c"}}); err != nil {
		t.Fatalf("upsert projects failed: %v", err)
	}
	if err := f.store.ReleaseLease(ctx, leaseName, syncHolder); err != nil {
		t.Fatalf("release lease failed: %v", err)
	}

	if _, err := f.coordinator.Run(ctx, f.integration.ID); err != nil {
		t.Fatalf("teardown after sync failed: %v", err)
	}
	if projects, _ := f.store.ListProjects(ctx, f.integration.ID); len(projects) != 0 {
		t.Fatalf("expected no orphan projects, got %d", len(projects))
	}
	if _, err := f.store.GetLease(ctx, leaseName); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected lease released, got %v", err)
	}
}

func TestRunLogsJournalCleanupFailure(t *testing.T) {
	f := newFixture(t)
	logger := &recordingLogger{}
	registry := provider.NewRegistry(provider.HTTPOptions{})
	registry.Register("fake", func(provider.Credentials, provider.HTTPOptions) (provider.Client, error) { return f.fake, nil })
	runner := steps.NewRunner(stickyJournal{kv.NewMemoryBackend()}, steps.Options{
		Logger: discardLogger{},
		Sleep:  func(context.Context, time.Duration) error { return nil },
	})
	coordinator := NewCoordinator(f.store, runner, registry, webhooks.NewManager(webhooks.Options{Logger: discardLogger{}}), Options{
		Logger:             logger,
		OwnedWebhookPrefix: owned,
	})

	if _, err := coordinator.Run(context.Background(), f.integration.ID); err != nil {
		t.Fatalf("teardown failed: %v", err)
	}
	if !logger.contains("teardown: forget workflow " + WorkflowID(f.integration.ID) + " failed: journal is read only") {
		t.Fatalf("expected the journal cleanup failure logged, got %v", logger.lines)
	}
}
