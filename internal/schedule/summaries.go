package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/agentworkforce/relaystatus/internal/steps"
	"github.com/agentworkforce/relaystatus/internal/store"
	"github.com/agentworkforce/relaystatus/internal/usage"
	"gorm.io/datatypes"
)

const summaryWorkflowPrefix = "summaries:"

// SummaryRetry applies to the generate-summaries step.
var SummaryRetry = steps.RetryPolicy{Limit: 3, Delay: 30 * time.Second, Backoff: steps.BackoffExponential}

// SummaryUpdate is one member's status update handed to the summarizer.
type SummaryUpdate struct {
	MemberID      string          `json:"memberId"`
	DisplayName   string          `json:"displayName"`
	EffectiveFrom time.Time       `json:"effectiveFrom"`
	Items         []GeneratedItem `json:"items"`
}

type SummaryRequest struct {
	OrganizationID string          `json:"organizationId"`
	TargetType     string          `json:"targetType"`
	TargetValue    string          `json:"targetValue"`
	EffectiveFrom  time.Time       `json:"effectiveFrom"`
	EffectiveTo    time.Time       `json:"effectiveTo"`
	Updates        []SummaryUpdate `json:"updates"`
}

type GeneratedSummary struct {
	Content    string   `json:"content"`
	Highlights []string `json:"highlights,omitempty"`
	Blockers   []string `json:"blockers,omitempty"`
}

// Summarizer condenses a set of status updates into one summary.
type Summarizer interface {
	SummarizeStatusUpdates(ctx context.Context, req SummaryRequest) (GeneratedSummary, error)
}

// SummaryTarget is one audience a run writes a summary for. MemberIDs is nil
// for the whole organization and empty for a team without members.
type SummaryTarget struct {
	Type      string   `json:"type"`
	Value     string   `json:"value"`
	MemberIDs []string `json:"memberIds"`
}

type SummaryOptions struct {
	Logger Logger
	Now    func() time.Time
	Limits func() usage.Limits
	Retry  *steps.RetryPolicy
}

// SummaryWorkflow runs a sendSummaries schedule run: it rolls the status
// updates of each summaryFor target over the recurrence window into a stored
// summary and schedules the next run. Delivery of the stored summaries is
// left to their consumers.
type SummaryWorkflow struct {
	runLifecycle
	ledger     *usage.Ledger
	summarizer Summarizer
	limits     func() usage.Limits
	retry      steps.RetryPolicy
}

func NewSummaryWorkflow(st *store.Store, runner *steps.Runner, ledger *usage.Ledger, summarizer Summarizer, opts SummaryOptions) *SummaryWorkflow {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	limits := opts.Limits
	if limits == nil {
		limits = func() usage.Limits { return usage.Limits{} }
	}
	retry := SummaryRetry
	if opts.Retry != nil {
		retry = *opts.Retry
	}
	return &SummaryWorkflow{
		runLifecycle: runLifecycle{store: st, runner: runner, logger: logger, now: now, unit: "summaries"},
		ledger:       ledger,
		summarizer:   summarizer,
		limits:       limits,
		retry:        retry,
	}
}

func SummaryWorkflowID(runID string) string {
	return summaryWorkflowPrefix + runID
}

type summaryTaskResults struct {
	Type       string        `json:"type"`
	Target     SummaryTarget `json:"target"`
	Success    *bool         `json:"success,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
	SummaryID  string        `json:"summaryId,omitempty"`
	FinishedAt *time.Time    `json:"finishedAt,omitempty"`
}

// SummaryWindow is the period a summary run at covers: from the start of the
// day one recurrence period before at through the end of at's day, in UTC.
func SummaryWindow(recurrence Recurrence, at time.Time) (from, to time.Time) {
	at = at.UTC()
	day := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	switch recurrence {
	case Weekly:
		from = day.AddDate(0, 0, -7)
	case Monthly:
		from = day.AddDate(0, -1, 0)
	default:
		from = day.AddDate(0, 0, -1)
	}
	return from, day.AddDate(0, 0, 1)
}

// Run executes the pending run runID.
func (w *SummaryWorkflow) Run(ctx context.Context, runID string) (RunSummary, error) {
	return w.execute(ctx, runID, false)
}

// Handler adapts the workflow for a Dispatcher.
func (w *SummaryWorkflow) Handler() Handler {
	return func(ctx context.Context, runID string, resume bool) error {
		_, err := w.execute(ctx, runID, resume)
		return err
	}
}

func (w *SummaryWorkflow) execute(ctx context.Context, runID string, resume bool) (RunSummary, error) {
	workflowID := SummaryWorkflowID(runID)
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

	targets, err := steps.Do(ctx, wf, "resolve-summary-targets", func(ctx context.Context) ([]SummaryTarget, error) {
		cfg, err := ParseConfig(init.Config)
		if err != nil {
			return nil, permanentError{err}
		}
		return w.resolveTargets(ctx, init.OrganizationID, cfg)
	})
	if err != nil {
		return summary, w.fail(ctx, workflowID, runID, init, err)
	}
	summary.TotalTargets = len(targets)

	if _, err := steps.Do(ctx, wf, "create-task-tracking", func(ctx context.Context) (int, error) {
		payloads := make([]taskPayload, 0, len(targets))
		for _, target := range targets {
			payloads = append(payloads, taskPayload{results: summaryTaskResults{Type: "send_summary", Target: target}})
		}
		return w.insertTasks(ctx, runID, payloads)
	}); err != nil {
		return summary, w.fail(ctx, workflowID, runID, init, err)
	}

	counts, err := steps.Do(ctx, wf, "generate-summaries", func(ctx context.Context) (generationCounts, error) {
		return w.summarizeAll(ctx, runID, init)
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
	w.logger.Printf("schedule: run %s %s: %d/%d summaries (%d failed)", runID, final.Status, counts.Generated, len(targets), counts.Failed)
	return summary, nil
}

// resolveTargets turns summaryFor into organization, team and member
// audiences. An empty summaryFor means the organization. Integration scoped
// targets are not summarized.
func (w *SummaryWorkflow) resolveTargets(ctx context.Context, organizationID string, cfg Config) ([]SummaryTarget, error) {
	requested := cfg.SummaryFor
	if len(requested) == 0 {
		requested = []Target{{Type: string(SelectorOrganization), Value: organizationID}}
	}
	seen := map[string]bool{}
	var targets []SummaryTarget
	for _, t := range requested {
		key := t.Type + "/" + t.Value
		if seen[key] {
			continue
		}
		seen[key] = true
		switch SelectorType(t.Type) {
		case SelectorOrganization:
			targets = append(targets, SummaryTarget{Type: t.Type, Value: t.Value})
		case SelectorMember:
			targets = append(targets, SummaryTarget{Type: t.Type, Value: t.Value, MemberIDs: []string{t.Value}})
		case SelectorTeam:
			members, err := w.store.TeamMembers(ctx, organizationID, []string{t.Value})
			if err != nil {
				return nil, err
			}
			ids := make([]string, 0, len(members))
			for _, m := range members {
				ids = append(ids, m.ID)
			}
			targets = append(targets, SummaryTarget{Type: t.Type, Value: t.Value, MemberIDs: ids})
		default:
			w.logger.Printf("schedule: summary target %s %s is not supported, skipping", t.Type, t.Value)
		}
	}
	return targets, nil
}

func (w *SummaryWorkflow) summarizeAll(ctx context.Context, runID string, init initResult) (generationCounts, error) {
	tasks, err := w.store.ListTasks(ctx, runID)
	if err != nil {
		return generationCounts{}, err
	}
	counts, pending := splitTasks(tasks)
	if len(pending) == 0 {
		return counts, nil
	}
	cfg, err := ParseConfig(init.Config)
	if err != nil {
		return generationCounts{}, permanentError{err}
	}
	members, err := w.store.OrganizationMembers(ctx, init.OrganizationID)
	if err != nil {
		return generationCounts{}, err
	}
	names := make(map[string]string, len(members))
	for _, m := range members {
		names[m.ID] = displayName(m)
	}
	plan := w.organizationPlan(ctx, init.OrganizationID)
	from, to := SummaryWindow(cfg.Recurrence, init.StartedAt)

	retrying := 0
	for _, task := range pending {
		outcome, err := w.summarizeOne(ctx, runID, init.OrganizationID, plan, cfg, names, task, from, to)
		if err != nil {
			return generationCounts{}, err
		}
		switch outcome {
		case store.TaskCompleted:
			counts.Generated++
		case store.TaskFailed:
			counts.Failed++
		default:
			retrying++
		}
	}
	if retrying > 0 {
		return generationCounts{}, fmt.Errorf("%w: %d of run %s", ErrTasksRetrying, retrying, runID)
	}
	return counts, nil
}

func (w *SummaryWorkflow) summarizeOne(ctx context.Context, runID, organizationID string, plan usage.Plan, cfg Config, names map[string]string, task store.ScheduleRunTask, from, to time.Time) (store.TaskStatus, error) {
	var results summaryTaskResults
	if err := json.Unmarshal(task.Results, &results); err != nil {
		return w.settle(ctx, task, store.TaskFailed, nil, summaryTaskResults{Type: "send_summary", Error: "unreadable task"})
	}
	results.Error = ""
	target := results.Target
	fail := func(reason string, cause error) (store.TaskStatus, error) {
		success := false
		results.Success = &success
		results.Reason = reason
		if cause != nil {
			results.Error = cause.Error()
			w.logger.Printf("schedule: summary for %s %s failed (attempt %d/%d): %v", target.Type, target.Value, task.Attempts+1, task.MaxAttempts, cause)
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

	updates, err := w.store.ListStatusUpdates(ctx, organizationID, target.MemberIDs, from, to)
	if err != nil {
		return fail("", err)
	}
	if len(updates) == 0 {
		return fail(reasonNoActivity, nil)
	}
	input := make([]SummaryUpdate, 0, len(updates))
	for _, u := range updates {
		items := make([]GeneratedItem, 0, len(u.Items))
		for _, item := range u.Items {
			items = append(items, GeneratedItem{Content: item.Content, IsBlocker: item.IsBlocker, IsInProgress: item.IsInProgress})
		}
		input = append(input, SummaryUpdate{MemberID: u.MemberID, DisplayName: names[u.MemberID], EffectiveFrom: u.EffectiveFrom, Items: items})
	}
	generated, err := w.summarizer.SummarizeStatusUpdates(ctx, SummaryRequest{
		OrganizationID: organizationID,
		TargetType:     target.Type,
		TargetValue:    target.Value,
		EffectiveFrom:  from,
		EffectiveTo:    to,
		Updates:        input,
	})
	if err != nil {
		return fail("", err)
	}

	tracked, err := w.ledger.Track(ctx, organizationID, usage.CategorySummaryGeneration, plan, 1, limits)
	if err != nil {
		return fail("", err)
	}
	if tracked.LimitExceeded {
		return fail(reasonLimitExceeded, nil)
	}

	content, err := json.Marshal(generated)
	if err != nil {
		return fail("", permanentError{err})
	}
	delivery, err := json.Marshal(cfg.DeliveryMethods)
	if err != nil {
		return fail("", permanentError{err})
	}
	row := store.Summary{
		OrganizationID:  organizationID,
		ScheduleRunID:   runID,
		TargetType:      target.Type,
		TargetValue:     target.Value,
		EffectiveFrom:   from,
		EffectiveTo:     to,
		UpdateCount:     len(updates),
		Content:         datatypes.JSON(content),
		DeliveryMethods: datatypes.JSON(delivery),
	}
	if err := w.store.SaveSummary(ctx, &row); err != nil {
		return fail("", err)
	}

	success := true
	results.Success = &success
	results.Reason = ""
	results.SummaryID = row.ID
	finished := w.now().UTC()
	results.FinishedAt = &finished
	return w.settle(ctx, task, store.TaskCompleted, nil, results)
}
