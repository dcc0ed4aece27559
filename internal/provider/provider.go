package provider

import (
	"context"
	"encoding/json"
	"time"
)

// PageSize is requested on every paginated provider call.
const PageSize = 100

// ProjectRef addresses a project on the provider. GitLab uses ID, GitHub
// uses Path ("owner/repo").
type ProjectRef struct {
	ID   string
	Path string
}

type Project struct {
	ID                string
	Name              string
	Namespace         string
	PathWithNamespace string
	Visibility        string
	WebURL            string
	Description       string
	DefaultBranch     string
}

func (p Project) Ref() ProjectRef {
	return ProjectRef{ID: p.ID, Path: p.PathWithNamespace}
}

type Member struct {
	ID       string
	Username string
}

type User struct {
	ID        string
	Username  string
	Name      string
	Email     string
	AvatarURL string
	WebURL    string
}

type Event struct {
	Action    string
	Type      EventType
	ActorID   string
	TargetID  string
	CreatedAt time.Time
	Payload   json.RawMessage
}

type Webhook struct {
	ID  string
	URL string
}

// WebhookEvents selects which notifications a created webhook subscribes to.
type WebhookEvents struct {
	Push               bool
	Issues             bool
	ConfidentialIssues bool
	MergeRequests      bool
	TagPush            bool
	Note               bool
	ConfidentialNote   bool
	Job                bool
	Pipeline           bool
	WikiPage           bool
	Deployment         bool
	Releases           bool
}

// AllWebhookEvents subscribes to everything the sync engine understands.
func AllWebhookEvents() WebhookEvents {
	return WebhookEvents{
		Push: true, Issues: true, ConfidentialIssues: true, MergeRequests: true,
		TagPush: true, Note: true, ConfidentialNote: true, Job: true,
		Pipeline: true, WikiPage: true, Deployment: true, Releases: true,
	}
}

type Page[T any] struct {
	Items   []T
	HasMore bool
}

// Client is the per-provider REST surface. Pages are 1-based.
type Client interface {
	ListProjects(ctx context.Context, page int) (Page[Project], error)
	ListProjectMembers(ctx context.Context, project ProjectRef, page int) (Page[Member], error)
	GetUser(ctx context.Context, id string) (User, error)
	// ListEvents returns newest-first events. since is a hint; callers still
	// filter by CreatedAt.
	ListEvents(ctx context.Context, project ProjectRef, since time.Time, page int) (Page[Event], error)
	ListWebhooks(ctx context.Context, project ProjectRef) ([]Webhook, error)
	CreateWebhook(ctx context.Context, project ProjectRef, url, secret string, events WebhookEvents) (Webhook, error)
	DeleteWebhook(ctx context.Context, project ProjectRef, hookID string) error
}
