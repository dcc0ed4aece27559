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

const defaultGitLabURL = "https://gitlab.com"

// GitLab talks to the /api/v4 REST API of gitlab.com or a self-managed
// instance.
type GitLab struct {
	baseURL string
	http    *transport
}

func NewGitLab(instanceURL, token string, opts HTTPOptions) *GitLab {
	instanceURL = strings.TrimRight(strings.TrimSpace(instanceURL), "/")
	if instanceURL == "" {
		instanceURL = defaultGitLabURL
	}
	return &GitLab{
		baseURL: instanceURL + "/api/v4",
		http:    newTransport(token, "application/json", opts),
	}
}

type gitlabProject struct {
	ID        flexibleID `json:"id"`
	Name      string     `json:"name"`
	Namespace struct {
		Name string `json:"name"`
	} `json:"namespace"`
	PathWithNamespace string `json:"path_with_namespace"`
	Visibility        string `json:"visibility"`
	WebURL            string `json:"web_url"`
	Description       string `json:"description"`
	DefaultBranch     string `json:"default_branch"`
}

type gitlabMember struct {
	ID       flexibleID `json:"id"`
	Username string     `json:"username"`
}

type gitlabUser struct {
	ID        flexibleID `json:"id"`
	Username  string     `json:"username"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	AvatarURL string     `json:"avatar_url"`
	WebURL    string     `json:"web_url"`
}

type gitlabEvent struct {
	ActionName string     `json:"action_name"`
	TargetType string     `json:"target_type"`
	TargetID   flexibleID `json:"target_id"`
	AuthorID   flexibleID `json:"author_id"`
	Author     *struct {
		ID flexibleID `json:"id"`
	} `json:"author"`
	CreatedAt string `json:"created_at"`
}

type gitlabHook struct {
	ID  flexibleID `json:"id"`
	URL string     `json:"url"`
}

type gitlabHookRequest struct {
	URL                      string `json:"url"`
	Token                    string `json:"token"`
	PushEvents               bool   `json:"push_events"`
	PushEventsBranchFilter   string `json:"push_events_branch_filter"`
	IssuesEvents             bool   `json:"issues_events"`
	ConfidentialIssuesEvents bool   `json:"confidential_issues_events"`
	MergeRequestsEvents      bool   `json:"merge_requests_events"`
	TagPushEvents            bool   `json:"tag_push_events"`
	NoteEvents               bool   `json:"note_events"`
	ConfidentialNoteEvents   bool   `json:"confidential_note_events"`
	JobEvents                bool   `json:"job_events"`
	PipelineEvents           bool   `json:"pipeline_events"`
	WikiPageEvents           bool   `json:"wiki_page_events"`
	DeploymentEvents         bool   `json:"deployment_events"`
	ReleasesEvents           bool   `json:"releases_events"`
	EnableSSLVerification    bool   `json:"enable_ssl_verification"`
}

func (g *GitLab) ListProjects(ctx context.Context, page int) (Page[Project], error) {
	var raw []gitlabProject
	headers, err := g.http.do(ctx, http.MethodGet, g.pageURL("/projects", page, url.Values{"membership": {"true"}}), nil, &raw)
	if err != nil {
		return Page[Project]{}, err
	}
	items := make([]Project, 0, len(raw))
	for _, p := range raw {
		items = append(items, Project{
			ID:                string(p.ID),
			Name:              p.Name,
			Namespace:         p.Namespace.Name,
			PathWithNamespace: p.PathWithNamespace,
			Visibility:        p.Visibility,
			WebURL:            p.WebURL,
			Description:       p.Description,
			DefaultBranch:     p.DefaultBranch,
		})
	}
	return Page[Project]{Items: items, HasMore: gitlabHasMore(headers, page, len(raw))}, nil
}

func (g *GitLab) ListProjectMembers(ctx context.Context, project ProjectRef, page int) (Page[Member], error) {
	var raw []gitlabMember
	headers, err := g.http.do(ctx, http.MethodGet, g.pageURL(g.projectPath(project)+"/members/all", page, nil), nil, &raw)
	if err != nil {
		return Page[Member]{}, err
	}
	items := make([]Member, 0, len(raw))
	for _, m := range raw {
		if m.ID == "" || m.Username == "" {
			continue
		}
		items = append(items, Member{ID: string(m.ID), Username: m.Username})
	}
	return Page[Member]{Items: items, HasMore: gitlabHasMore(headers, page, len(raw))}, nil
}

func (g *GitLab) GetUser(ctx context.Context, id string) (User, error) {
	var raw gitlabUser
	if _, err := g.http.do(ctx, http.MethodGet, g.baseURL+"/users/"+url.PathEscape(id), nil, &raw); err != nil {
		return User{}, err
	}
	return User{
		ID:        string(raw.ID),
		Username:  raw.Username,
		Name:      raw.Name,
		Email:     raw.Email,
		AvatarURL: raw.AvatarURL,
		WebURL:    raw.WebURL,
	}, nil
}

// ListEvents uses the day-granular, exclusive "after" filter, so it asks for
// one day earlier than since.
func (g *GitLab) ListEvents(ctx context.Context, project ProjectRef, since time.Time, page int) (Page[Event], error) {
	extra := url.Values{}
	if !since.IsZero() {
		extra.Set("after", since.UTC().AddDate(0, 0, -1).Format("2006-01-02"))
	}
	var raw []json.RawMessage
	headers, err := g.http.do(ctx, http.MethodGet, g.pageURL(g.projectPath(project)+"/events", page, extra), nil, &raw)
	if err != nil {
		return Page[Event]{}, err
	}
	items := make([]Event, 0, len(raw))
	for _, payload := range raw {
		var ev gitlabEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return Page[Event]{}, fmt.Errorf("decode gitlab event: %w", err)
		}
		actor := string(ev.AuthorID)
		if ev.Author != nil && ev.Author.ID != "" {
			actor = string(ev.Author.ID)
		}
		if actor == "" {
			actor = "unknown"
		}
		var createdAt time.Time
		if ev.CreatedAt != "" {
			parsed, err := time.Parse(time.RFC3339Nano, ev.CreatedAt)
			if err != nil {
				return Page[Event]{}, fmt.Errorf("decode gitlab event created_at %q: %w", ev.CreatedAt, err)
			}
			createdAt = parsed.UTC()
		}
		items = append(items, Event{
			Action:    ev.ActionName,
			Type:      ParseGitLabAction(ev.ActionName, ev.TargetType),
			ActorID:   actor,
			TargetID:  string(ev.TargetID),
			CreatedAt: createdAt,
			Payload:   payload,
		})
	}
	return Page[Event]{Items: items, HasMore: gitlabHasMore(headers, page, len(raw))}, nil
}

func (g *GitLab) ListWebhooks(ctx context.Context, project ProjectRef) ([]Webhook, error) {
	var raw []gitlabHook
	if _, err := g.http.do(ctx, http.MethodGet, g.baseURL+g.projectPath(project)+"/hooks", nil, &raw); err != nil {
		return nil, err
	}
	hooks := make([]Webhook, 0, len(raw))
	for _, h := range raw {
		hooks = append(hooks, Webhook{ID: string(h.ID), URL: h.URL})
	}
	return hooks, nil
}

func (g *GitLab) CreateWebhook(ctx context.Context, project ProjectRef, hookURL, secret string, events WebhookEvents) (Webhook, error) {
	req := gitlabHookRequest{
		URL:                      hookURL,
		Token:                    secret,
		PushEvents:               events.Push,
		IssuesEvents:             events.Issues,
		ConfidentialIssuesEvents: events.ConfidentialIssues,
		MergeRequestsEvents:      events.MergeRequests,
		TagPushEvents:            events.TagPush,
		NoteEvents:               events.Note,
		ConfidentialNoteEvents:   events.ConfidentialNote,
		JobEvents:                events.Job,
		PipelineEvents:           events.Pipeline,
		WikiPageEvents:           events.WikiPage,
		DeploymentEvents:         events.Deployment,
		ReleasesEvents:           events.Releases,
		EnableSSLVerification:    true,
	}
	var raw gitlabHook
	if _, err := g.http.do(ctx, http.MethodPost, g.baseURL+g.projectPath(project)+"/hooks", req, &raw); err != nil {
		return Webhook{}, err
	}
	return Webhook{ID: string(raw.ID), URL: raw.URL}, nil
}

func (g *GitLab) DeleteWebhook(ctx context.Context, project ProjectRef, hookID string) error {
	_, err := g.http.do(ctx, http.MethodDelete, g.baseURL+g.projectPath(project)+"/hooks/"+url.PathEscape(hookID), nil, nil)
	return err
}

func (g *GitLab) projectPath(project ProjectRef) string {
	id := project.ID
	if id == "" {
		id = project.Path
	}
	return "/projects/" + url.PathEscape(id)
}

func (g *GitLab) pageURL(path string, page int, extra url.Values) string {
	if page < 1 {
		page = 1
	}
	query := url.Values{}
	for key, values := range extra {
		query[key] = values
	}
	query.Set("per_page", strconv.Itoa(PageSize))
	query.Set("page", strconv.Itoa(page))
	return g.baseURL + path + "?" + query.Encode()
}

// gitlabHasMore stops on an empty page or once X-Total-Pages is reached.
func gitlabHasMore(headers http.Header, page, count int) bool {
	if count == 0 {
		return false
	}
	if total, err := strconv.Atoi(strings.TrimSpace(headers.Get("X-Total-Pages"))); err == nil && page >= total {
		return false
	}
	return true
}
