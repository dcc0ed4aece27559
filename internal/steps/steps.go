package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/relaystatus/internal/kv"
)

const journalPrefix = "journal/"

type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// RetryPolicy allows Limit retries after the first attempt.
type RetryPolicy struct {
	Limit   int
	Delay   time.Duration
	Backoff Backoff
}

func (p RetryPolicy) delay(retry int) time.Duration {
	d := p.Delay
	if p.Backoff == BackoffExponential {
		for i := 1; i < retry; i++ {
			d *= 2
		}
	}
	return d
}

// DefaultRetry is applied to steps that do not set their own policy.
var DefaultRetry = RetryPolicy{Limit: 3, Delay: time.Second, Backoff: BackoffExponential}

type retriedKey struct{}

// RetriedByStep reports whether ctx is the context of a step body that the
// runner retries on failure. HTTP clients use it to cap their own retries.
func RetriedByStep(ctx context.Context) bool {
	retried, _ := ctx.Value(retriedKey{}).(bool)
	return retried
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Logger Logger
	Sleep  func(ctx context.Context, d time.Duration) error
}

// Runner executes named steps for workflow instances and journals each
// completed step's result, so that a re-run of the same instance returns
// stored results instead of repeating work.
type Runner struct {
	journal kv.Backend
	logger  Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewRunner(journal kv.Backend, opts Options) *Runner {
	if journal == nil {
		journal = kv.NewMemoryBackend()
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Runner{journal: journal, logger: logger, sleep: sleep}
}

type Workflow struct {
	runner *Runner
	id     string
}

func (r *Runner) Start(workflowID string) *Workflow {
	return &Workflow{runner: r, id: workflowID}
}

func (w *Workflow) ID() string {
	return w.id
}

type record struct {
	Workflow    string          `json:"workflow"`
	Step        string          `json:"step"`
	Attempts    int             `json:"attempts"`
	CompletedAt time.Time       `json:"completedAt"`
	Result      json.RawMessage `json:"result"`
}

// StepError is returned when a step fails for good.
type StepError struct {
	Workflow string
	Step     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("workflow %s step %s failed after %d attempt(s): %v", e.Workflow, e.Step, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type StepOption func(*stepConfig)

type stepConfig struct {
	retry RetryPolicy
}

func WithRetry(policy RetryPolicy) StepOption {
	return func(cfg *stepConfig) {
		cfg.retry = policy
	}
}

// NoRetry runs the step exactly once.
func NoRetry() StepOption {
	return WithRetry(RetryPolicy{})
}

// Do runs fn as step name of wf unless the journal already holds its result.
// Errors exposing Permanent() bool that report true are not retried.
func Do[T any](ctx context.Context, wf *Workflow, name string, fn func(ctx context.Context) (T, error), opts ...StepOption) (T, error) {
	var zero T
	if wf == nil || wf.runner == nil || strings.TrimSpace(name) == "" {
		return zero, fmt.Errorf("%w: workflow and step name are required", kv.ErrInvalidInput)
	}
	r := wf.runner
	cfg := stepConfig{retry: DefaultRetry}
	for _, opt := range opts {
		opt(&cfg)
	}
	key := journalKey(wf.id, name)

	raw, err := r.journal.Get(ctx, key)
	if err == nil {
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return zero, fmt.Errorf("decode journal %s: %w", key, err)
		}
		var out T
		if len(rec.Result) > 0 {
			if err := json.Unmarshal(rec.Result, &out); err != nil {
				return zero, fmt.Errorf("decode step result %s: %w", key, err)
			}
		}
		return out, nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		return zero, fmt.Errorf("read journal %s: %w", key, err)
	}

	stepCtx := ctx
	if cfg.retry.Limit > 0 {
		stepCtx = context.WithValue(ctx, retriedKey{}, true)
	}
	for attempt := 1; ; attempt++ {
		out, err := fn(stepCtx)
		if err == nil {
			result, err := json.Marshal(out)
			if err != nil {
				return zero, fmt.Errorf("encode step result %s: %w", key, err)
			}
			rec, err := json.Marshal(record{
				Workflow:    wf.id,
				Step:        name,
				Attempts:    attempt,
				CompletedAt: time.Now().UTC(),
				Result:      result,
			})
			if err != nil {
				return zero, err
			}
			if err := r.journal.Put(ctx, key, rec); err != nil {
				return zero, fmt.Errorf("write journal %s: %w", key, err)
			}
			return out, nil
		}
		if isPermanent(err) || attempt > cfg.retry.Limit || ctx.Err() != nil {
			return zero, &StepError{Workflow: wf.id, Step: name, Attempts: attempt, Err: err}
		}
		delay := cfg.retry.delay(attempt)
		r.logger.Printf("steps: workflow %s step %s attempt %d failed, retrying in %s: %v", wf.id, name, attempt, delay, err)
		if waitErr := r.sleep(ctx, delay); waitErr != nil {
			return zero, &StepError{Workflow: wf.id, Step: name, Attempts: attempt, Err: waitErr}
		}
	}
}

// Step is a result-less step for Run.
type Step struct {
	Name  string
	Retry *RetryPolicy
	Fn    func(ctx context.Context) error
}

// Run executes steps in order and stops at the first failure.
func (r *Runner) Run(ctx context.Context, workflowID string, steps []Step) error {
	wf := r.Start(workflowID)
	for _, step := range steps {
		var opts []StepOption
		if step.Retry != nil {
			opts = append(opts, WithRetry(*step.Retry))
		}
		fn := step.Fn
		if _, err := Do(ctx, wf, step.Name, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, fn(ctx)
		}, opts...); err != nil {
			return err
		}
	}
	return nil
}

// Completed reports whether the journal holds a result for the step.
func (r *Runner) Completed(ctx context.Context, workflowID, step string) (bool, error) {
	_, err := r.journal.Get(ctx, journalKey(workflowID, step))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Instances lists workflow ids with at least one journaled step whose id
// starts with prefix.
func (r *Runner) Instances(ctx context.Context, prefix string) ([]string, error) {
	keys, err := r.journal.List(ctx, journalPrefix+prefix)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	for _, key := range keys {
		rest := strings.TrimPrefix(key, journalPrefix)
		idx := strings.LastIndex(rest, "/")
		if idx <= 0 {
			continue
		}
		seen[rest[:idx]] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Forget drops every journaled step of the instance.
func (r *Runner) Forget(ctx context.Context, workflowID string) error {
	keys, err := r.journal.List(ctx, journalPrefix+workflowID+"/")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := r.journal.Delete(ctx, key); err != nil && !errors.Is(err, kv.ErrNotFound) {
			return err
		}
	}
	return nil
}

func journalKey(workflowID, step string) string {
	return journalPrefix + workflowID + "/" + step
}

func isPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
