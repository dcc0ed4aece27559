// Package providertest has an in-memory provider.Client for tests.
package providertest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/agentworkforce/relaystatus/internal/provider"
)

// Fake serves fixed data with real paging. Errors are keyed by
// "<Method>" or "<Method>:<id>" (project id, user id or hook id).
type Fake struct {
	mu       sync.Mutex
	PageSize int
	Projects []provider.Project
	Members  map[string][]provider.Member
	Users    map[string]provider.User
	Events   map[string][]provider.Event
	Hooks    map[string][]provider.Webhook
	Errors   map[string]error
	Calls    []string
	nextHook int
}

func New() *Fake {
	return &Fake{
		Members: map[string][]provider.Member{},
		Users:   map[string]provider.User{},
		Events:  map[string][]provider.Event{},
		Hooks:   map[string][]provider.Webhook{},
		Errors:  map[string]error{},
	}
}

func (f *Fake) record(method, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	call := method
	if id != "" {
		call = method + ":" + id
	}
	f.Calls = append(f.Calls, call)
	if err, ok := f.Errors[call]; ok {
		return err
	}
	if err, ok := f.Errors[method]; ok {
		return err
	}
	return nil
}

// CallCount counts recorded calls equal to call.
func (f *Fake) CallCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == call {
			n++
		}
	}
	return n
}

func paginate[T any](items []T, page, size int) provider.Page[T] {
	if size <= 0 {
		size = provider.PageSize
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start >= len(items) {
		return provider.Page[T]{}
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	out := append([]T(nil), items[start:end]...)
	return provider.Page[T]{Items: out, HasMore: end < len(items)}
}

func (f *Fake) ListProjects(_ context.Context, page int) (provider.Page[provider.Project], error) {
	if err := f.record("ListProjects", ""); err != nil {
		return provider.Page[provider.Project]{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return paginate(f.Projects, page, f.PageSize), nil
}

func (f *Fake) ListProjectMembers(_ context.Context, project provider.ProjectRef, page int) (provider.Page[provider.Member], error) {
	if err := f.record("ListProjectMembers", project.ID); err != nil {
		return provider.Page[provider.Member]{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return paginate(f.Members[project.ID], page, f.PageSize), nil
}

func (f *Fake) GetUser(_ context.Context, id string) (provider.User, error) {
	if err := f.record("GetUser", id); err != nil {
		return provider.User{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.Users[id]
	if !ok {
		return provider.User{}, &provider.HTTPError{Method: "GET", URL: "/users/" + id, StatusCode: 404}
	}
	return user, nil
}

func (f *Fake) ListEvents(_ context.Context, project provider.ProjectRef, _ time.Time, page int) (provider.Page[provider.Event], error) {
	if err := f.record("ListEvents", project.ID); err != nil {
		return provider.Page[provider.Event]{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return paginate(f.Events[project.ID], page, f.PageSize), nil
}

func (f *Fake) ListWebhooks(_ context.Context, project provider.ProjectRef) ([]provider.Webhook, error) {
	if err := f.record("ListWebhooks", project.ID); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.Webhook(nil), f.Hooks[project.ID]...), nil
}

func (f *Fake) CreateWebhook(_ context.Context, project provider.ProjectRef, url, _ string, _ provider.WebhookEvents) (provider.Webhook, error) {
	if err := f.record("CreateWebhook", project.ID); err != nil {
		return provider.Webhook{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextHook++
	hook := provider.Webhook{ID: strconv.Itoa(f.nextHook), URL: url}
	f.Hooks[project.ID] = append(f.Hooks[project.ID], hook)
	return hook, nil
}

func (f *Fake) DeleteWebhook(_ context.Context, project provider.ProjectRef, hookID string) error {
	if err := f.record("DeleteWebhook", hookID); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	hooks := f.Hooks[project.ID]
	for i, hook := range hooks {
		if hook.ID == hookID {
			f.Hooks[project.ID] = append(hooks[:i:i], hooks[i+1:]...)
			return nil
		}
	}
	return &provider.HTTPError{Method: "DELETE", URL: fmt.Sprintf("/hooks/%s", hookID), StatusCode: 404}
}

// HookCount returns the number of hooks currently on the project.
func (f *Fake) HookCount(projectID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Hooks[projectID])
}
