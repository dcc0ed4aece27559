package vectorize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentworkforce/relaystatus/internal/kv"
	"github.com/agentworkforce/relaystatus/internal/remote"
	"github.com/agentworkforce/relaystatus/internal/store"
	"gorm.io/datatypes"
)

type Embedder interface {
	EmbedEvent(ctx context.Context, req remote.EmbedRequest) (remote.Embedding, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Logger Logger
	// MaxAttempts bounds how often a transiently failing event is requeued.
	MaxAttempts int
	// PollTimeout is how long DrainOnce waits on an empty queue before it
	// returns.
	PollTimeout time.Duration
}

// Worker drains synthetic event ids enqueued by the sync workflow, embeds
// each event and stores the vector.
type Worker struct {
	store       *store.Store
	queue       kv.Queue
	embedder    Embedder
	logger      Logger
	maxAttempts int
	pollTimeout time.Duration

	mu       sync.Mutex
	attempts map[string]int
}

func NewWorker(st *store.Store, queue kv.Queue, embedder Embedder, opts Options) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 500 * time.Millisecond
	}
	return &Worker{
		store:       st,
		queue:       queue,
		embedder:    embedder,
		logger:      logger,
		maxAttempts: maxAttempts,
		pollTimeout: pollTimeout,
		attempts:    map[string]int{},
	}
}

type Stats struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Requeued  int `json:"requeued"`
	Failed    int `json:"failed"`
}

func (s *Stats) add(outcome outcome) {
	switch outcome {
	case outcomeProcessed:
		s.Processed++
	case outcomeSkipped:
		s.Skipped++
	case outcomeRequeued:
		s.Requeued++
	case outcomeFailed:
		s.Failed++
	}
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeSkipped
	outcomeRequeued
	outcomeFailed
)

// DrainOnce processes items until the queue stays empty for PollTimeout or
// ctx ends.
func (w *Worker) DrainOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		pollCtx, cancel := context.WithTimeout(ctx, w.pollTimeout)
		syntheticID, ok := w.queue.Dequeue(pollCtx)
		cancel()
		if !ok {
			return stats, nil
		}
		stats.add(w.handle(ctx, syntheticID))
	}
}

// Run processes items until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	for {
		syntheticID, ok := w.queue.Dequeue(ctx)
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		w.handle(ctx, syntheticID)
	}
}

func (w *Worker) handle(ctx context.Context, syntheticID string) outcome {
	err := w.Process(ctx, syntheticID)
	switch {
	case err == nil:
		w.forget(syntheticID)
		return outcomeProcessed
	case errors.Is(err, store.ErrNotFound):
		w.logger.Printf("vectorize: event %s no longer exists, skipping", syntheticID)
		w.forget(syntheticID)
		return outcomeSkipped
	case isPermanent(err) || ctx.Err() != nil:
		w.logger.Printf("vectorize: event %s failed: %v", syntheticID, err)
		w.forget(syntheticID)
		return outcomeFailed
	}
	if w.bump(syntheticID) >= w.maxAttempts {
		w.logger.Printf("vectorize: event %s failed after %d attempts: %v", syntheticID, w.maxAttempts, err)
		w.forget(syntheticID)
		return outcomeFailed
	}
	if !w.queue.TryEnqueue(syntheticID) {
		w.logger.Printf("vectorize: queue full, dropping event %s: %v", syntheticID, err)
		w.forget(syntheticID)
		return outcomeFailed
	}
	w.logger.Printf("vectorize: event %s requeued: %v", syntheticID, err)
	return outcomeRequeued
}

// Process embeds one event and stores its vector.
func (w *Worker) Process(ctx context.Context, syntheticID string) error {
	event, err := w.store.GetEventBySyntheticID(ctx, syntheticID)
	if err != nil {
		return err
	}
	embedding, err := w.embedder.EmbedEvent(ctx, remote.EmbedRequest{
		EventID:     event.ID,
		SyntheticID: event.SyntheticID,
		ProjectID:   event.ProjectID,
		Type:        event.Type,
		Action:      event.Action,
		Payload:     json.RawMessage(event.Payload),
	})
	if err != nil {
		return err
	}
	if len(embedding.Vector) == 0 {
		return permanentError{fmt.Errorf("empty embedding for event %s", syntheticID)}
	}
	raw, err := json.Marshal(embedding.Vector)
	if err != nil {
		return err
	}
	return w.store.SaveEventVector(ctx, &store.EventVector{
		EventID:        event.ID,
		EmbeddingModel: embedding.Model,
		Dimensions:     embedding.Dimensions,
		Vector:         datatypes.JSON(raw),
	})
}

func (w *Worker) bump(syntheticID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts[syntheticID]++
	return w.attempts[syntheticID]
}

func (w *Worker) forget(syntheticID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.attempts, syntheticID)
}

type permanentError struct{ error }

func (permanentError) Permanent() bool { return true }

func (e permanentError) Unwrap() error { return e.error }

func isPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
