package kv

import (
	"strings"
	"sync"
)

type BackendFactory func(dsn string) (Backend, error)
type QueueFactory func(dsn string, capacity int) (Queue, error)

var factoryRegistry = struct {
	mu       sync.RWMutex
	backends map[string]BackendFactory
	queues   map[string]QueueFactory
}{
	backends: map[string]BackendFactory{},
	queues:   map[string]QueueFactory{},
}

func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.backends[scheme] = factory
}

func RegisterQueueFactory(scheme string, factory QueueFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.queues[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.backends[scheme]
	return factory, ok
}

func lookupQueueFactory(scheme string) (QueueFactory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.queues[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
