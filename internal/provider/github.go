package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultGitHubAPI = "https://api.github.com"

// GitHub talks to api.github.com, or to <instance>/api/v3 for GitHub
// Enterprise Server.
type GitHub struct {
	baseURL string
	http    *transport
}

func NewGitHub(instanceURL, token string, opts HTTPOptions) *GitHub {
	instanceURL = strings.TrimRight(strings.TrimSpace(instanceURL), "/")
	baseURL := defaultGitHubAPI
	if instanceURL != "" && instanceURL != "https://github.com" && instanceURL != defaultGitHubAPI {
		baseURL = instanceURL + "/api/v3"
	}
	return &GitHub{
		baseURL: baseURL,
		http:    newTransport(token, "application/vnd.github+json", opts),
	}
}

type githubRepo struct {
	ID       flexibleID `json:"id"`
	Name     string     `json:"name"`
	FullName string     `json:"full_name"`
	Owner    struct {
		Login string `json:"login"`
	} `json:"owner"`
	Private       bool   `json:"private"`
	Visibility    string `json:"visibility"`
	HTMLURL       string `json:"html_url"`
	Description   string `json:"description"`
	DefaultBranch string `json:"default_branch"`
}

type githubAccount struct {
	ID        flexibleID `json:"id"`
	Login     string     `json:"login"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	AvatarURL string     `json:"avatar_url"`
	HTMLURL   string     `json:"html_url"`
}

type githubEvent struct {
	ID    flexibleID `json:"id"`
	Type  string     `json:"type"`
	Actor struct {
		ID flexibleID `json:"id"`
	} `json:"actor"`
	CreatedAt time.Time `json:"created_at"`
	Payload   struct {
		Action string `json:"action"`
	} `json:"payload"`
}

type githubHook struct {
	ID     flexibleID `json:"id"`
	Config struct {
		URL string `json:"url"`
	} `json:"config"`
}

type githubHookRequest struct {
	Name   string            `json:"name"`
	Active bool              `json:"active"`
	Events []string          `json:"events"`
	Config map[string]string `json:"config"`
}

func (g *GitHub) ListProjects(ctx context.Context, page int) (Page[Project], error) {
	var raw []githubRepo
	headers, err := g.http.do(ctx, http.MethodGet, g.pageURL("/user/repos", page), nil, &raw)
	if err != nil {
		return Page[Project]{}, err
	}
	items := make([]Project, 0, len(raw))
	for _, r := range raw {
		visibility := r.Visibility
		if visibility == "" {
			visibility = "public"
			if r.Private {
				visibility = "private"
			}
		}
		items = append(items, Project{
			ID:                string(r.ID),
			Name:              r.Name,
			Namespace:         r.Owner.Login,
			PathWithNamespace: r.FullName,
			Visibility:        visibility,
			WebURL:            r.HTMLURL,
			Description:       r.Description,
			DefaultBranch:     r.DefaultBranch,
		})
	}
	return Page[Project]{Items: items, HasMore: len(raw) > 0 && hasNextLink(headers)}, nil
}

func (g *GitHub) ListProjectMembers(ctx context.Context, project ProjectRef, page int) (Page[Member], error) {
	path, err := g.repoPath(project)
	if err != nil {
		return Page[Member]{}, err
	}
	var raw []githubAccount
	headers, err := g.http.do(ctx, http.MethodGet, g.pageURL(path+"/collaborators", page), nil, &raw)
	if err != nil {
		return Page[Member]{}, err
	}
	items := make([]Member, 0, len(raw))
	for _, a := range raw {
		if a.ID == "" || a.Login == "" {
			continue
		}
		items = append(items, Member{ID: string(a.ID), Username: a.Login})
	}
	return Page[Member]{Items: items, HasMore: len(raw) > 0 && hasNextLink(headers)}, nil
}

func (g *GitHub) GetUser(ctx context.Context, id string) (User, error) {
	var raw githubAccount
	if _, err := g.http.do(ctx, http.MethodGet, g.baseURL+"/user/"+url.PathEscape(id), nil, &raw); err != nil {
		return User{}, err
	}
	return User{
		ID:        string(raw.ID),
		Username:  raw.Login,
		Name:      raw.Name,
		Email:     raw.Email,
		AvatarURL: raw.AvatarURL,
		WebURL:    raw.HTMLURL,
	}, nil
}

// ListEvents ignores since; the repository events endpoint has no time
// filter.
func (g *GitHub) ListEvents(ctx context.Context, project ProjectRef, _ time.Time, page int) (Page[Event], error) {
	path, err := g.repoPath(project)
	if err != nil {
		return Page[Event]{}, err
	}
	var raw []json.RawMessage
	headers, err := g.http.do(ctx, http.MethodGet, g.pageURL(path+"/events", page), nil, &raw)
	if err != nil {
		return Page[Event]{}, err
	}
	items := make([]Event, 0, len(raw))
	for _, payload := range raw {
		var ev githubEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return Page[Event]{}, fmt.Errorf("decode github event: %w", err)
		}
		action := ev.Payload.Action
		if action == "" {
			action = ev.Type
		}
		items = append(items, Event{
			Action:    action,
			Type:      ParseGitHubEventType(ev.Type),
			ActorID:   string(ev.Actor.ID),
			TargetID:  string(ev.ID),
			CreatedAt: ev.CreatedAt.UTC(),
			Payload:   payload,
		})
	}
	return Page[Event]{Items: items, HasMore: len(raw) > 0 && hasNextLink(headers)}, nil
}

func (g *GitHub) ListWebhooks(ctx context.Context, project ProjectRef) ([]Webhook, error) {
	path, err := g.repoPath(project)
	if err != nil {
		return nil, err
	}
	var raw []githubHook
	if _, err := g.http.do(ctx, http.MethodGet, g.baseURL+path+"/hooks", nil, &raw); err != nil {
		return nil, err
	}
	hooks := make([]Webhook, 0, len(raw))
	for _, h := range raw {
		hooks = append(hooks, Webhook{ID: string(h.ID), URL: h.Config.URL})
	}
	return hooks, nil
}

func (g *GitHub) CreateWebhook(ctx context.Context, project ProjectRef, hookURL, secret string, events WebhookEvents) (Webhook, error) {
	path, err := g.repoPath(project)
	if err != nil {
		return Webhook{}, err
	}
	req := githubHookRequest{
		Name:   "web",
		Active: true,
		Events: githubHookEvents(events),
		Config: map[string]string{
			"url":          hookURL,
			"content_type": "json",
			"secret":       secret,
			"insecure_ssl": "0",
		},
	}
	var raw githubHook
	if _, err := g.http.do(ctx, http.MethodPost, g.baseURL+path+"/hooks", req, &raw); err != nil {
		return Webhook{}, err
	}
	return Webhook{ID: string(raw.ID), URL: raw.Config.URL}, nil
}

func (g *GitHub) DeleteWebhook(ctx context.Context, project ProjectRef, hookID string) error {
	path, err := g.repoPath(project)
	if err != nil {
		return err
	}
	_, err = g.http.do(ctx, http.MethodDelete, g.baseURL+path+"/hooks/"+url.PathEscape(hookID), nil, nil)
	return err
}

func githubHookEvents(events WebhookEvents) []string {
	var out []string
	add := func(on bool, names ...string) {
		if on {
			out = append(out, names...)
		}
	}
	add(events.Push, "push")
	add(events.TagPush, "create", "delete")
	add(events.Issues, "issues")
	add(events.Note, "issue_comment", "commit_comment", "pull_request_review_comment")
	add(events.MergeRequests, "pull_request", "pull_request_review")
	add(events.Pipeline, "workflow_run")
	add(events.Job, "workflow_job")
	add(events.WikiPage, "gollum")
	add(events.Deployment, "deployment", "deployment_status")
	add(events.Releases, "release")
	if len(out) == 0 {
		out = []string{"push"}
	}
	return out
}

func (g *GitHub) repoPath(project ProjectRef) (string, error) {
	full := strings.Trim(project.Path, "/")
	owner, repo, ok := strings.Cut(full, "/")
	if !ok || owner == "" || repo == "" {
		return "", fmt.Errorf("github project %q: path must be owner/repo", project.Path)
	}
	return "/repos/" + url.PathEscape(owner) + "/" + url.PathEscape(repo), nil
}

func (g *GitHub) pageURL(path string, page int) string {
	if page < 1 {
		page = 1
	}
	return g.baseURL + path + "?per_page=" + strconv.Itoa(PageSize) + "&page=" + strconv.Itoa(page)
}

func hasNextLink(headers http.Header) bool {
	for _, part := range strings.Split(headers.Get("Link"), ",") {
		if strings.Contains(part, `rel="next"`) {
			return true
		}
	}
	return false
}
