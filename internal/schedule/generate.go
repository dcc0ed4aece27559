package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentworkforce/relaystatus/internal/steps"
	"github.com/agentworkforce/relaystatus/internal/store"
	"github.com/agentworkforce/relaystatus/internal/usage"
)

const (
	generateWorkflowPrefix = "generate:"
	defaultBatchSize       = 10
	taskMaxAttempts        = 3

	reasonNoActivity    = "no_activity"
	reasonLimitExceeded = "limit_exceeded"
)

var (
	ErrRunNotPending    = errors.New("schedule run is not pending")
	ErrScheduleInactive = errors.New("schedule is not active")
	// ErrTasksRetrying fails a processing step so that its retry picks up
	// tasks whose attempt failed but which have attempts left.
	ErrTasksRetrying = errors.New("tasks left pending for retry")
)

// GenerationRetry applies to the generate-status-updates step.
var GenerationRetry = steps.RetryPolicy{Limit: 3, Delay: 30 * time.Second, Backoff: steps.BackoffExponential}

type Logger interface {
	Printf(format string, args ...any)
}

// Activity is one synced provider event handed to the generator.
type Activity struct {
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	CreatedAt time.Time       `json:"createdAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type GenerateRequest struct {
	OrganizationID string           `json:"organizationId"`
	MemberID       string           `json:"memberId"`
	DisplayName    string           `json:"displayName"`
	EffectiveFrom  time.Time        `json:"effectiveFrom"`
	EffectiveTo    time.Time        `json:"effectiveTo"`
	Sources        []ActivitySource `json:"sources,omitempty"`
	Activity       []Activity       `json:"activity"`
}

type GeneratedItem struct {
	Content      string `json:"content"`
	IsBlocker    bool   `json:"isBlocker"`
	IsInProgress bool   `json:"isInProgress"`
}

// Generator turns a member's activity into status update items. An empty
// result means there was nothing worth reporting.
type Generator interface {
	GenerateStatusUpdate(ctx context.Context, req GenerateRequest) ([]GeneratedItem, error)
}

type GenerateOptions struct {
	Logger    Logger
	Now       func() time.Time
	BatchSize int
	// Limits returns the current plan limits; it is called per generation so
	// reloaded config applies to running workflows.
	Limits func() usage.Limits
	Retry  *steps.RetryPolicy
}

// GenerateWorkflow runs a generateUpdates schedule run: it resolves the
// targeted members, generates one status update per member and schedules the
// next run.
type GenerateWorkflow struct {
	runLifecycle
	ledger    *usage.Ledger
	generator Generator
	batchSize int
	limits    func() usage.Limits
	retry     steps.RetryPolicy
}

func NewGenerateWorkflow(st *store.Store, runner *steps.Runner, ledger *usage.Ledger, generator Generator, opts GenerateOptions) *GenerateWorkflow {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	limits := opts.Limits
	if limits == nil {
		limits = func() usage.Limits { return usage.Limits{} }
	}
	retry := GenerationRetry
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	return &GenerateWorkflow{
		runLifecycle: runLifecycle{store: st, runner: runner, logger: logger, now: now, unit: "generations"},
		ledger:       ledger,
		generator:    generator,
		batchSize:    batchSize,
		limits:       limits,
		retry:        retry,
	}
}

func GenerateWorkflowID(runID string) string {
	return generateWorkflowPrefix + runID
}

type RunSummary struct {
	RunID           string          `json:"runId"`
	WorkflowID      string          `json:"workflowId"`
	Status          store.RunStatus `json:"status"`
	TotalTargets    int             `json:"totalTargets"`
	Generated       int             `json:"generated"`
	Failed          int             `json:"failed"`
	NextExecutionAt *time.Time      `json:"nextExecutionAt,omitempty"`
}

type taskResults struct {
	Type string `json:"type"`
	GenerationTarget
	Success        *bool      `json:"success,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	Error          string     `json:"error,omitempty"`
	StatusUpdateID string     `json:"statusUpdateId,omitempty"`
	ItemCount      int        `json:"itemCount,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

// Run executes the pending run runID.
func (w *GenerateWorkflow) Run(ctx context.Context, runID string) (RunSummary, error) {
	return w.execute(ctx, runID, false)
}

// Resume continues a run left in running, replaying journaled steps.
func (w *GenerateWorkflow) Resume(ctx context.Context, runID string) (RunSummary, error) {
	return w.execute(ctx, runID, true)
}

// Handler adapts the workflow for a Dispatcher.
func (w *GenerateWorkflow) Handler() Handler {
	return func(ctx context.Context, runID string, resume bool) error {
		_, err := w.execute(ctx, runID, resume)
		return err
	}
}

func (w *GenerateWorkflow) execute(ctx context.Context, runID string, resume bool) (RunSummary, error) {
	workflowID := GenerateWorkflowID(runID)
	summary := RunSummary{RunID: runID, WorkflowID: workflowID}
	wf := w.runner.Start(workflowID)

	init, err := steps.Do(ctx, wf, "initialize", func(ctx context.Context) (initResult, error) {
		return w.initialize(ctx, runID, resume)
	})
	if err != nil {
		if isPermanent(err) {
			w.forget(ctx, workflowID)
		}
		return summary, err
	}

	targets, err := steps.Do(ctx, wf, "resolve-generation-targets", func(ctx context.Context) ([]GenerationTarget, error) {
		cfg, err := ParseConfig(init.Config)
		if err != nil {
			return nil, permanentError{err}
		}
		targets, err := ResolveTargets(ctx, w.store, init.OrganizationID, cfg)
		if err != nil {
			return nil, err
		}
		w.logger.Printf("schedule: run %s resolved %d unique generation targets", runID, len(targets))
		return targets, nil
	})
	if err != nil {
		return summary, w.fail(ctx, workflowID, runID, init, err)
	}
	summary.TotalTargets = len(targets)

	if _, err := steps.Do(ctx, wf, "create-task-tracking", func(ctx context.Context) (int, error) {
		return w.createTasks(ctx, runID, targets)
	}); err != nil {
		return summary, w.fail(ctx, workflowID, runID, init, err)
	}

	counts, err := steps.Do(ctx, wf, "generate-status-updates", func(ctx context.Context) (generationCounts, error) {
		return w.generateAll(ctx, runID, init)
	}, steps.WithRetry(w.retry))
	if err != nil {
		return summary, w.fail(ctx, workflowID, runID, init, err)
	}
	summary.Generated = counts.Generated
	summary.Failed = counts.Failed

	final, err := steps.Do(ctx, wf, "finalize-execution", func(ctx context.Context) (finalizeResult, error) {
		return w.finalize(ctx, runID, init, len(targets), counts, "")
	})
	if err != nil {
		return summary, err
	}
	summary.Status = final.Status
	summary.NextExecutionAt = final.NextExecutionAt
	w.forget(ctx, workflowID)
	w.logger.Printf("schedule: run %s %s: %d/%d generated (%d failed)", runID, final.Status, counts.Generated, len(targets), counts.Failed)
	return summary, nil
}

func (w *GenerateWorkflow) createTasks(ctx context.Context, runID string, targets []GenerationTarget) (int, error) {
	payloads := make([]taskPayload, 0, len(targets))
	for _, target := range targets {
		payloads = append(payloads, taskPayload{
			memberID: target.MemberID,
			results:  taskResults{Type: "generate_status", GenerationTarget: target},
		})
	}
	return w.insertTasks(ctx, runID, payloads)
}

// EffectiveWindow is the UTC day before at: [yesterday 00:00, today 00:00).
func EffectiveWindow(at time.Time) (from, to time.Time) {
	at = at.UTC()
	to = time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	return to.AddDate(0, 0, -1), to
}

// generateAll processes the run's pending tasks in parallel batches. Tasks a
// previous attempt already finished are counted, not redone. When a task
// failed with attempts left it returns ErrTasksRetrying after the batches.
func (w *GenerateWorkflow) generateAll(ctx context.Context, runID string, init initResult) (generationCounts, error) {
	tasks, err := w.store.ListTasks(ctx, runID)
	if err != nil {
		return generationCounts{}, err
	}
	counts, pending := splitTasks(tasks)
	if len(pending) == 0 {
		return counts, nil
	}
	plan := w.organizationPlan(ctx, init.OrganizationID)
	from, to := EffectiveWindow(init.StartedAt)

	retrying := 0
	for start := 0; start < len(pending); start += w.batchSize {
		batch := pending[start:min(start+w.batchSize, len(pending))]
		outcomes := make([]store.TaskStatus, len(batch))
		errs := make([]error, len(batch))
		var wg sync.WaitGroup
		for i, task := range batch {
			wg.Add(1)
			go func(i int, task store.ScheduleRunTask) {
				defer wg.Done()
				outcomes[i], errs[i] = w.generateOne(ctx, init.OrganizationID, plan, task, from, to)
			}(i, task)
		}
		wg.Wait()
		succeeded, failed := 0, 0
		for i := range batch {
			if errs[i] != nil {
				return generationCounts{}, errs[i]
			}
			switch outcomes[i] {
			case store.TaskCompleted:
				succeeded++
			case store.TaskFailed:
				failed++
			default:
				retrying++
			}
		}
		counts.Generated += succeeded
		counts.Failed += failed
		w.logger.Printf("schedule: run %s batch %d: %d/%d generated", runID, start/w.batchSize+1, succeeded, len(batch))
	}
	if retrying > 0 {
		return generationCounts{}, fmt.Errorf("%w: %d of run %s", ErrTasksRetrying, retrying, runID)
	}
	return counts, nil
}

// generateOne produces and stores one member's update and records the task
// outcome. The returned error is reserved for failures to record that outcome.
func (w *GenerateWorkflow) generateOne(ctx context.Context, organizationID string, plan usage.Plan, task store.ScheduleRunTask, from, to time.Time) (store.TaskStatus, error) {
	var results taskResults
	if err := json.Unmarshal(task.Results, &results); err != nil || results.MemberID == "" {
		results = taskResults{Type: "generate_status", GenerationTarget: GenerationTarget{MemberID: task.MemberID}}
	}
	results.Error = ""
	fail := func(reason string, cause error) (store.TaskStatus, error) {
		success := false
		results.Success = &success
		results.Reason = reason
		if cause != nil {
			results.Error = cause.Error()
			w.logger.Printf("schedule: generation for member %s failed (attempt %d/%d): %v", results.MemberID, task.Attempts+1, task.MaxAttempts, cause)
		}
		finished := w.now().UTC()
		results.FinishedAt = &finished
		return w.settle(ctx, task, store.TaskFailed, cause, results)
	}

	limits := w.limits()
	check, err := w.ledger.CheckLimit(ctx, organizationID, plan, limits)
	if err != nil {
		return fail("", err)
	}
	if !check.Allowed {
		return fail(reasonLimitExceeded, nil)
	}

	events, err := w.store.ListMemberEvents(ctx, results.MemberID, from, to)
	if err != nil {
		return fail("", err)
	}
	if len(events) == 0 {
		return fail(reasonNoActivity, nil)
	}
	activity := make([]Activity, 0, len(events))
	for _, ev := range events {
		activity = append(activity, Activity{Type: ev.Type, Action: ev.Action, CreatedAt: ev.CreatedAt, Payload: json.RawMessage(ev.Payload)})
	}
	items, err := w.generator.GenerateStatusUpdate(ctx, GenerateRequest{
		OrganizationID: organizationID,
		MemberID:       results.MemberID,
		DisplayName:    results.DisplayName,
		EffectiveFrom:  from,
		EffectiveTo:    to,
		Sources:        results.Sources,
		Activity:       activity,
	})
	if err != nil {
		return fail("", err)
	}
	if len(items) == 0 {
		return fail(reasonNoActivity, nil)
	}

	tracked, err := w.ledger.Track(ctx, organizationID, usage.CategoryStatusGeneration, plan, 1, limits)
	if err != nil {
		return fail("", err)
	}
	if tracked.LimitExceeded {
		return fail(reasonLimitExceeded, nil)
	}

	timezone := results.Timezone
	if timezone == "" {
		timezone = "UTC"
	}
	rows := make([]store.StatusUpdateItem, 0, len(items))
	for _, item := range items {
		rows = append(rows, store.StatusUpdateItem{Content: item.Content, IsBlocker: item.IsBlocker, IsInProgress: item.IsInProgress})
	}
	updateID, err := w.store.UpsertStatusUpdate(ctx, store.StatusUpdate{
		OrganizationID: organizationID,
		MemberID:       results.MemberID,
		EffectiveFrom:  from,
		EffectiveTo:    to,
		IsDraft:        true,
		Timezone:       timezone,
	}, rows)
	if err != nil {
		return fail("", err)
	}

	success := true
	results.Success = &success
	results.Reason = ""
	results.StatusUpdateID = updateID
	results.ItemCount = len(items)
	finished := w.now().UTC()
	results.FinishedAt = &finished
	return w.settle(ctx, task, store.TaskCompleted, nil, results)
}
