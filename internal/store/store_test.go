package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/datatypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open("sqlite://" + filepath.Join(t.TempDir(), "relaystatus.db"))
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seedIntegration(t *testing.T, st *Store) Integration {
	t.Helper()
	integration := Integration{OrganizationID: "org_1", Provider: "gitlab", InstanceURL: "https://gitlab.example.com", AccessToken: "tok"}
	if err := st.CreateIntegration(context.Background(), &integration); err != nil {
		t.Fatalf("create integration failed: %v", err)
	}
	return integration
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	if _, err := Open("mysql://localhost/db"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
	if _, err := Open(""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestUpsertProjectsRefreshesExistingRows(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	integration := seedIntegration(t, st)

	if err := st.UpsertProjects(ctx, integration.ID, []ExternalProject{
		{ProviderID: "1", Name: "api", PathWithNamespace: "acme/api"},
		{ProviderID: "2", Name: "web", PathWithNamespace: "acme/web"},
	}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := st.UpsertProjects(ctx, integration.ID, []ExternalProject{
		{ProviderID: "1", Name: "api-renamed", PathWithNamespace: "acme/api"},
	}); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	projects, err := st.ListProjects(ctx, integration.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("expected 2 projects, got %d", len(projects))
	}
	if projects[0].Name != "api-renamed" {
		t.Fatalf("expected refreshed name, got %q", projects[0].Name)
	}
}

func TestUpsertEventsKeepsOneRowPerSyntheticID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	integration := seedIntegration(t, st)
	if err := st.UpsertProjects(ctx, integration.ID, []ExternalProject{{ProviderID: "1", Name: "api"}}); err != nil {
		t.Fatalf("upsert project failed: %v", err)
	}
	projects, _ := st.ListProjects(ctx, integration.ID)
	projectID := projects[0].ID

	created := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	first := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
	if err := st.UpsertEvents(ctx, []ExternalEvent{{
		ProjectID: projectID, SyntheticID: "abc", Type: "push", Action: "pushed to",
		Payload: datatypes.JSON(`{"v":1}`), CreatedAt: created, InsertedAt: first,
	}}); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}
	second := first.Add(time.Hour)
	if err := st.UpsertEvents(ctx, []ExternalEvent{{
		ProjectID: projectID, SyntheticID: "abc", Type: "push", Action: "pushed to",
		Payload: datatypes.JSON(`{"v":2}`), CreatedAt: created, InsertedAt: second,
	}}); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	events, err := st.ListEvents(ctx, projectID)
	if err != nil {
		t.Fatalf("list events failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected a single event, got %d", len(events))
	}
	if string(events[0].Payload) != `{"v":2}` {
		t.Fatalf("expected refreshed payload, got %s", events[0].Payload)
	}
	if !events[0].InsertedAt.Equal(second) {
		t.Fatalf("expected insertedAt %s, got %s", second, events[0].InsertedAt)
	}
	if !events[0].CreatedAt.Equal(created) {
		t.Fatalf("expected createdAt to stay %s, got %s", created, events[0].CreatedAt)
	}
}

func TestLeaseLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	if _, err := st.AcquireLease(ctx, "sync:1", "wf-a", time.Minute, now); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, err := st.AcquireLease(ctx, "sync:1", "wf-b", time.Minute, now.Add(10*time.Second)); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	if _, err := st.AcquireLease(ctx, "sync:1", "wf-a", time.Minute, now.Add(20*time.Second)); err != nil {
		t.Fatalf("re-acquire by holder failed: %v", err)
	}
	active, err := st.LeaseActive(ctx, "sync:1", now.Add(30*time.Second))
	if err != nil || !active {
		t.Fatalf("expected active lease, got %v %v", active, err)
	}
	lease, err := st.AcquireLease(ctx, "sync:1", "wf-b", time.Minute, now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("expected takeover of expired lease, got %v", err)
	}
	if lease.Holder != "wf-b" {
		t.Fatalf("expected wf-b to hold lease, got %s", lease.Holder)
	}
	if holder, held, err := st.ActiveLeaseHolder(ctx, "sync:1", now.Add(2*time.Minute)); err != nil || !held || holder != "wf-b" {
		t.Fatalf("expected wf-b as active holder, got %q %v %v", holder, held, err)
	}
	if _, held, _ := st.ActiveLeaseHolder(ctx, "sync:1", now.Add(time.Hour)); held {
		t.Fatalf("expected expired lease to have no active holder")
	}
	if err := st.ReleaseLease(ctx, "sync:1", "wf-a"); err != nil {
		t.Fatalf("release by non-holder failed: %v", err)
	}
	if _, err := st.GetLease(ctx, "sync:1"); err != nil {
		t.Fatalf("expected lease to survive release by non-holder, got %v", err)
	}
	if err := st.ReleaseLease(ctx, "sync:1", "wf-b"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if _, err := st.GetLease(ctx, "sync:1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after release, got %v", err)
	}
}

func TestSyncMarkers(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	integration := seedIntegration(t, st)
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := st.MarkSyncStarted(ctx, integration.ID, "sync-1", at); err != nil {
		t.Fatalf("mark started failed: %v", err)
	}
	if err := st.MarkSyncFailed(ctx, integration.ID, "boom", at.Add(time.Minute)); err != nil {
		t.Fatalf("mark failed failed: %v", err)
	}
	got, err := st.GetIntegration(ctx, integration.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.SyncID != nil || got.SyncError == nil || *got.SyncError != "boom" {
		t.Fatalf("unexpected sync state: %+v", got)
	}
	if err := st.MarkSyncStarted(ctx, integration.ID, "sync-2", at.Add(2*time.Minute)); err != nil {
		t.Fatalf("mark started failed: %v", err)
	}
	got, _ = st.GetIntegration(ctx, integration.ID)
	if got.SyncError != nil || got.SyncID == nil || *got.SyncID != "sync-2" {
		t.Fatalf("expected error cleared on restart, got %+v", got)
	}
	if err := st.MarkSyncStarted(ctx, "missing", "x", at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteIntegrationCascade(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	doomed := seedIntegration(t, st)
	kept := Integration{OrganizationID: "org_1", Provider: "github", AccessToken: "tok"}
	if err := st.CreateIntegration(ctx, &kept); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	for _, integration := range []Integration{doomed, kept} {
		if err := st.UpsertProjects(ctx, integration.ID, []ExternalProject{{ProviderID: "1", Name: "p"}}); err != nil {
			t.Fatalf("upsert project failed: %v", err)
		}
		if err := st.UpsertUsers(ctx, integration.ID, []ExternalUser{{ProviderID: "u1", Username: "alice"}}); err != nil {
			t.Fatalf("upsert user failed: %v", err)
		}
		projects, _ := st.ListProjects(ctx, integration.ID)
		if err := st.UpsertEvents(ctx, []ExternalEvent{{ProjectID: projects[0].ID, SyntheticID: integration.ID, Type: "push", CreatedAt: time.Now().UTC(), InsertedAt: time.Now().UTC()}}); err != nil {
			t.Fatalf("upsert event failed: %v", err)
		}
		event, err := st.GetEventBySyntheticID(ctx, integration.ID)
		if err != nil {
			t.Fatalf("get event failed: %v", err)
		}
		if err := st.SaveEventVector(ctx, &EventVector{EventID: event.ID, EmbeddingModel: "m", Vector: datatypes.JSON(`[0.1]`)}); err != nil {
			t.Fatalf("save vector failed: %v", err)
		}
	}

	if err := st.DeleteIntegrationCascade(ctx, doomed.ID); err != nil {
		t.Fatalf("cascade failed: %v", err)
	}
	if _, err := st.GetIntegration(ctx, doomed.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected integration gone, got %v", err)
	}
	var vectors, events, projects, users int64
	st.DB().Model(&EventVector{}).Count(&vectors)
	st.DB().Model(&ExternalEvent{}).Count(&events)
	st.DB().Model(&ExternalProject{}).Count(&projects)
	st.DB().Model(&ExternalUser{}).Count(&users)
	if vectors != 1 || events != 1 || projects != 1 || users != 1 {
		t.Fatalf("expected only the other integration's rows, got vectors=%d events=%d projects=%d users=%d", vectors, events, projects, users)
	}
}

func TestListMemberEventsFollowsUserLink(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	integration := seedIntegration(t, st)
	_ = st.UpsertProjects(ctx, integration.ID, []ExternalProject{{ProviderID: "1", Name: "p"}})
	_ = st.UpsertUsers(ctx, integration.ID, []ExternalUser{{ProviderID: "42", Username: "alice"}, {ProviderID: "43", Username: "bob"}})
	if err := st.LinkUserToMember(ctx, integration.ID, "42", "member_a"); err != nil {
		t.Fatalf("link failed: %v", err)
	}
	projects, _ := st.ListProjects(ctx, integration.ID)
	day := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
	_ = st.UpsertEvents(ctx, []ExternalEvent{
		{ProjectID: projects[0].ID, SyntheticID: "in", ActorProviderID: "42", Type: "push", CreatedAt: day.Add(3 * time.Hour), InsertedAt: day},
		{ProjectID: projects[0].ID, SyntheticID: "early", ActorProviderID: "42", Type: "push", CreatedAt: day.Add(-time.Hour), InsertedAt: day},
		{ProjectID: projects[0].ID, SyntheticID: "bob", ActorProviderID: "43", Type: "push", CreatedAt: day.Add(time.Hour), InsertedAt: day},
	})

	events, err := st.ListMemberEvents(ctx, "member_a", day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("list member events failed: %v", err)
	}
	if len(events) != 1 || events[0].SyntheticID != "in" {
		t.Fatalf("expected only the in-range linked event, got %+v", events)
	}
}

func TestTeamMembersScopedToOrganization(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	alice := Member{OrganizationID: "org_1", DisplayName: "alice"}
	bob := Member{OrganizationID: "org_1", DisplayName: "bob"}
	mallory := Member{OrganizationID: "org_2", DisplayName: "mallory"}
	for _, m := range []*Member{&alice, &bob, &mallory} {
		if err := st.CreateMember(ctx, m); err != nil {
			t.Fatalf("create member failed: %v", err)
		}
	}
	team := Team{OrganizationID: "org_1", Name: "core"}
	if err := st.CreateTeam(ctx, &team, alice.ID, mallory.ID); err != nil {
		t.Fatalf("create team failed: %v", err)
	}
	members, err := st.TeamMembers(ctx, "org_1", []string{team.ID})
	if err != nil {
		t.Fatalf("team members failed: %v", err)
	}
	if len(members) != 1 || members[0].ID != alice.ID {
		t.Fatalf("expected only alice, got %+v", members)
	}
	byID, err := st.MembersByID(ctx, "org_1", []string{bob.ID, mallory.ID, "ghost"})
	if err != nil {
		t.Fatalf("members by id failed: %v", err)
	}
	if len(byID) != 1 || byID[0].ID != bob.ID {
		t.Fatalf("expected only bob, got %+v", byID)
	}
}
