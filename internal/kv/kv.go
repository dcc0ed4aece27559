package kv

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

// Backend is a flat key/value store. Values are opaque bytes, usually JSON.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Queue carries plain string messages, oldest first.
type Queue interface {
	TryEnqueue(item string) bool
	Enqueue(ctx context.Context, item string) bool
	Dequeue(ctx context.Context) (string, bool)
	Depth() int
	Capacity() int
	Close() error
}

type MemoryBackend struct {
	mu     sync.Mutex
	values map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{values: map[string][]byte{}}
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	if b == nil {
		return nil, ErrNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (b *MemoryBackend) Put(_ context.Context, key string, value []byte) error {
	if b == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.values[key] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.values, key)
	return nil
}

func (b *MemoryBackend) List(_ context.Context, prefix string) ([]string, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0)
	for key := range b.values {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

type memoryQueue struct {
	ch chan string
}

func NewMemoryQueue(capacity int) Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &memoryQueue{ch: make(chan string, capacity)}
}

func (q *memoryQueue) TryEnqueue(item string) bool {
	if q == nil || item == "" {
		return false
	}
	select {
	case q.ch <- item:
		return true
	default:
		return false
	}
}

func (q *memoryQueue) Enqueue(ctx context.Context, item string) bool {
	if q == nil || item == "" {
		return false
	}
	select {
	case q.ch <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *memoryQueue) Dequeue(ctx context.Context) (string, bool) {
	if q == nil {
		return "", false
	}
	select {
	case item := <-q.ch:
		return item, true
	case <-ctx.Done():
		return "", false
	}
}

func (q *memoryQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *memoryQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *memoryQueue) Close() error {
	return nil
}
