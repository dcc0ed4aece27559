package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Credentials is what a provider client needs from an integration.
type Credentials struct {
	Provider    string
	InstanceURL string
	AccessToken string
}

type Factory func(creds Credentials, opts HTTPOptions) (Client, error)

// Registry builds clients by provider name.
type Registry struct {
	mu        sync.RWMutex
	opts      HTTPOptions
	factories map[string]Factory
}

// NewRegistry returns a registry that knows "gitlab" and "github".
func NewRegistry(opts HTTPOptions) *Registry {
	r := &Registry{opts: opts, factories: map[string]Factory{}}
	r.Register("gitlab", func(creds Credentials, opts HTTPOptions) (Client, error) {
		return NewGitLab(creds.InstanceURL, creds.AccessToken, opts), nil
	})
	r.Register("github", func(creds Credentials, opts HTTPOptions) (Client, error) {
		return NewGitHub(creds.InstanceURL, creds.AccessToken, opts), nil
	})
	return r
}

func (r *Registry) Register(name string, factory Factory) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || factory == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) ClientFor(creds Credentials) (Client, error) {
	name := strings.ToLower(strings.TrimSpace(creds.Provider))
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, creds.Provider)
	}
	if strings.TrimSpace(creds.AccessToken) == "" {
		return nil, ErrMissingToken
	}
	return factory(creds, r.opts)
}
