package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/agentworkforce/relaystatus/internal/kv"
	"github.com/agentworkforce/relaystatus/internal/provider"
	"github.com/agentworkforce/relaystatus/internal/provider/providertest"
	"github.com/agentworkforce/relaystatus/internal/steps"
	"github.com/agentworkforce/relaystatus/internal/store"
	"github.com/agentworkforce/relaystatus/internal/webhooks"
)

type serviceFixture struct {
	store   *store.Store
	fake    *providertest.Fake
	journal *kv.MemoryBackend
	queue   kv.Queue
	service *Service
	now     time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store:   newTestStore(t),
		fake:    providertest.New(),
		journal: kv.NewMemoryBackend(),
		queue:   kv.NewMemoryQueue(16),
		now:     time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC),
	}
	registry := provider.NewRegistry(provider.HTTPOptions{})
	registry.Register("fake", func(provider.Credentials, provider.HTTPOptions) (provider.Client, error) {
		return f.fake, nil
	})
	runner := steps.NewRunner(f.journal, steps.Options{
		Logger: discardLogger{},
		Sleep:  func(context.Context, time.Duration) error { return nil },
	})
	f.service = NewService(f.store, runner, registry, webhooks.NewManager(webhooks.Options{Logger: discardLogger{}}), ServiceOptions{
		Config: Config{WebhookBaseURL: "https://status.example.com/integrations/", WebhookSecret: "s"},
		Logger: discardLogger{},
		Queue:  f.queue,
		Now:    func() time.Time { return f.now },
	})
	f.fake.Projects = []provider.Project{{ID: "1", Name: "api", PathWithNamespace: "acme/api"}}
	f.fake.Members["1"] = []provider.Member{{ID: "5", Username: "alice"}}
	f.fake.Users["5"] = provider.User{ID: "5", Username: "alice"}
	f.fake.Events["1"] = []provider.Event{event("pushed to", "5", f.now.Add(-time.Hour), "")}
	return f
}

func TestServiceRunSyncsAndFinalizes(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	integration := seedIntegration(t, f.store, "fake")

	result, err := f.service.Trigger(ctx, integration.ID)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Projects != 1 || result.Users != 1 || result.HooksCreated != 1 || len(result.EventIDs) != 1 || result.Enqueued != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if hooks := f.fake.Hooks["1"]; len(hooks) != 1 || hooks[0].URL != "https://status.example.com/integrations/fake/webhooks" {
		t.Fatalf("unexpected hooks %+v", hooks)
	}
	queued, ok := f.queue.Dequeue(ctx)
	if !ok || queued != result.EventIDs[0] {
		t.Fatalf("expected event id on the queue, got %q %v", queued, ok)
	}
	got, _ := f.store.GetIntegration(ctx, integration.ID)
	if got.SyncFinishedAt == nil || got.SyncID != nil || got.SyncError != nil {
		t.Fatalf("expected finished sync markers, got %+v", got)
	}
	if _, err := f.store.GetLease(ctx, store.IntegrationLease(integration.ID)); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected lease released, got %v", err)
	}
	if ids, _ := f.service.runner.Instances(ctx, "sync:"); len(ids) != 0 {
		t.Fatalf("expected journal cleared, got %v", ids)
	}

	if _, err := f.service.Trigger(ctx, integration.ID); err != nil {
		t.Fatalf("second sync failed: %v", err)
	}
	if f.fake.HookCount("1") != 1 {
		t.Fatalf("expected hook reuse on second sync, got %d", f.fake.HookCount("1"))
	}
}

func TestServiceRejectsConcurrentSync(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	integration := seedIntegration(t, f.store, "fake")
	if _, err := f.store.AcquireLease(ctx, store.IntegrationLease(integration.ID), "someone-else", time.Hour, f.now); err != nil {
		t.Fatalf("seed lease failed: %v", err)
	}
	if _, err := f.service.Trigger(ctx, integration.ID); !errors.Is(err, ErrSyncInFlight) {
		t.Fatalf("expected ErrSyncInFlight, got %v", err)
	}
}

func TestServiceRejectsSyncDuringDelete(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	integration := seedIntegration(t, f.store, "fake")
	if err := f.store.MarkDeleteStarted(ctx, integration.ID, "delete:"+integration.ID); err != nil {
		t.Fatalf("mark delete failed: %v", err)
	}
	if _, err := f.service.Trigger(ctx, integration.ID); !errors.Is(err, ErrDeleteInFlight) {
		t.Fatalf("expected ErrDeleteInFlight, got %v", err)
	}
}

func TestServiceRejectsSyncWhileTeardownHoldsLease(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	integration := seedIntegration(t, f.store, "fake")
	if _, err := f.store.AcquireLease(ctx, store.IntegrationLease(integration.ID), "delete:"+integration.ID+":wf", time.Hour, f.now); err != nil {
		t.Fatalf("seed lease failed: %v", err)
	}
	if _, err := f.service.Trigger(ctx, integration.ID); !errors.Is(err, ErrDeleteInFlight) {
		t.Fatalf("expected ErrDeleteInFlight, got %v", err)
	}
	if projects, _ := f.store.ListProjects(ctx, integration.ID); len(projects) != 0 {
		t.Fatalf("expected no projects written, got %d", len(projects))
	}
}

func TestServiceRecordsAuthFailure(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	integration := seedIntegration(t, f.store, "fake")
	f.fake.Errors["ListProjects"] = &provider.HTTPError{StatusCode: 401, Body: "unauthorized"}

	if _, err := f.service.Trigger(ctx, integration.ID); !provider.IsAuth(err) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if f.fake.CallCount("ListProjects") != 1 {
		t.Fatalf("expected no retries for auth errors, got %d calls", f.fake.CallCount("ListProjects"))
	}
	got, _ := f.store.GetIntegration(ctx, integration.ID)
	if got.SyncError == nil || got.SyncErrorAt == nil || got.SyncID != nil {
		t.Fatalf("expected error marker, got %+v", got)
	}
}

func TestServiceCutoffUsesPreviousFinish(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	integration := seedIntegration(t, f.store, "fake")
	finished := f.now.Add(-30 * time.Minute)
	if err := f.store.MarkSyncFinished(ctx, integration.ID, finished); err != nil {
		t.Fatalf("mark finished failed: %v", err)
	}
	f.fake.Events["1"] = []provider.Event{
		event("pushed to", "5", f.now.Add(-time.Minute), ""),
		event("pushed to", "5", finished.Add(-2*time.Hour), ""),
	}
	result, err := f.service.Trigger(ctx, integration.ID)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(result.EventIDs) != 1 {
		t.Fatalf("expected only events after finish-minus-overlap, got %d", len(result.EventIDs))
	}
}

func TestResumeInterruptedSkipsCompletedSteps(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	integration := seedIntegration(t, f.store, "fake")
	workflowID := NewWorkflowID(integration.ID)

	// Simulate a crash after the first step completed.
	wf := f.service.runner.Start(workflowID)
	if _, err := steps.Do(ctx, wf, "fetch-and-sync-projects", func(ctx context.Context) (int, error) {
		return f.service.engine.SyncProjects(ctx, f.fake, integration.ID)
	}); err != nil {
		t.Fatalf("seed step failed: %v", err)
	}
	resumed, err := f.service.ResumeInterrupted(ctx)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("expected one resumed instance, got %d", resumed)
	}
	if f.fake.CallCount("ListProjects") != 1 {
		t.Fatalf("expected the completed step to be skipped, got %d ListProjects calls", f.fake.CallCount("ListProjects"))
	}
	got, _ := f.store.GetIntegration(ctx, integration.ID)
	if got.SyncFinishedAt == nil {
		t.Fatalf("expected resumed sync to finish")
	}
}

func TestResyncAllSkipsBusyIntegrations(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	idle := seedIntegration(t, f.store, "fake")
	busy := store.Integration{OrganizationID: "org_2", Provider: "fake", AccessToken: "tok"}
	if err := f.store.CreateIntegration(ctx, &busy); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := f.store.AcquireLease(ctx, store.IntegrationLease(busy.ID), "other", time.Hour, f.now); err != nil {
		t.Fatalf("seed lease failed: %v", err)
	}
	started, skipped, failed := f.service.ResyncAll(ctx)
	if started != 1 || skipped != 1 || failed != 0 {
		t.Fatalf("unexpected counts started=%d skipped=%d failed=%d", started, skipped, failed)
	}
	got, _ := f.store.GetIntegration(ctx, idle.ID)
	if got.SyncFinishedAt == nil {
		t.Fatalf("expected idle integration synced")
	}
}
