package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGitHubListEventsFollowsLinkHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/repos/acme/api/events" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("page") == "1" {
			w.Header().Set("Link", `<`+"https://x/?page=2"+`>; rel="next", <https://x/?page=4>; rel="last"`)
		}
		_, _ = w.Write([]byte(`[{"id":"123","type":"PullRequestEvent","actor":{"id":9},"created_at":"2026-03-04T10:00:00Z","payload":{"action":"opened"}}]`))
	}))
	defer server.Close()

	client := NewGitHub(server.URL, "tok", testOptions(server))
	page, err := client.ListEvents(context.Background(), ProjectRef{ID: "1", Path: "acme/api"}, time.Time{}, 1)
	if err != nil {
		t.Fatalf("list events failed: %v", err)
	}
	if !page.HasMore || len(page.Items) != 1 {
		t.Fatalf("expected more pages, got %+v", page)
	}
	ev := page.Items[0]
	if ev.Type != EventMergeRequest || ev.Action != "opened" || ev.ActorID != "9" || ev.TargetID != "123" {
		t.Fatalf("unexpected event %+v", ev)
	}
	page, err = client.ListEvents(context.Background(), ProjectRef{Path: "acme/api"}, time.Time{}, 2)
	if err != nil || page.HasMore {
		t.Fatalf("expected last page, got %+v %v", page, err)
	}
}

func TestGitHubWebhooksUseConfigURL(t *testing.T) {
	var created map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`[{"id":1,"config":{"url":"https://status.example.com/hooks/github"}}]`))
		case http.MethodPost:
			_ = json.NewDecoder(r.Body).Decode(&created)
			_, _ = w.Write([]byte(`{"id":2,"config":{"url":"https://other.example.com"}}`))
		}
	}))
	defer server.Close()

	client := NewGitHub(server.URL, "tok", testOptions(server))
	hooks, err := client.ListWebhooks(context.Background(), ProjectRef{Path: "acme/api"})
	if err != nil || len(hooks) != 1 || hooks[0].URL != "https://status.example.com/hooks/github" {
		t.Fatalf("unexpected hooks %+v %v", hooks, err)
	}
	if _, err := client.CreateWebhook(context.Background(), ProjectRef{Path: "acme/api"}, "https://other.example.com", "s", AllWebhookEvents()); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	config, _ := created["config"].(map[string]any)
	if created["name"] != "web" || config["secret"] != "s" || config["url"] != "https://other.example.com" {
		t.Fatalf("unexpected create body %+v", created)
	}
}

func TestGitHubRejectsMalformedProjectPath(t *testing.T) {
	client := NewGitHub("", "tok", HTTPOptions{})
	if _, err := client.ListWebhooks(context.Background(), ProjectRef{Path: "no-slash"}); err == nil {
		t.Fatalf("expected error for malformed path")
	}
}

func TestEventTypeMappingIsExhaustive(t *testing.T) {
	gitlab := map[string]EventType{
		"pushed to": EventPush, "deleted": EventPush, "opened": EventIssues,
		"commented": EventNote, "merged": EventMergeRequest, "opened MR": EventMergeRequest,
		"tag": EventTagPush, "wiki": EventWikiPage, "feature_flag": EventFeatureFlag,
		"brand new thing": EventUnknown,
	}
	for action, want := range gitlab {
		if got := ParseGitLabAction(action, ""); got != want {
			t.Fatalf("gitlab %q: expected %s, got %s", action, want, got)
		}
	}
	if got := ParseGitLabAction("", "pipeline"); got != EventPipeline {
		t.Fatalf("expected target type fallback, got %s", got)
	}
	if got := ParseGitHubEventType("SponsorshipEvent"); got != EventUnknown {
		t.Fatalf("expected unknown, got %s", got)
	}
	for _, want := range githubEvents {
		if !want.Valid() {
			t.Fatalf("github mapping produced invalid type %s", want)
		}
	}
	for _, want := range gitlabActions {
		if !want.Valid() {
			t.Fatalf("gitlab mapping produced invalid type %s", want)
		}
	}
}

func TestRegistryBuildsKnownProviders(t *testing.T) {
	registry := NewRegistry(HTTPOptions{})
	if _, err := registry.ClientFor(Credentials{Provider: "GitLab", AccessToken: "t"}); err != nil {
		t.Fatalf("gitlab client failed: %v", err)
	}
	if _, err := registry.ClientFor(Credentials{Provider: "github"}); err != ErrMissingToken {
		t.Fatalf("expected ErrMissingToken, got %v", err)
	}
	if _, err := registry.ClientFor(Credentials{Provider: "bitbucket", AccessToken: "t"}); err == nil {
		t.Fatalf("expected unsupported provider error")
	}
}
