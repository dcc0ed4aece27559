package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/relaystatus/internal/steps"
	"github.com/agentworkforce/relaystatus/internal/store"
	"github.com/agentworkforce/relaystatus/internal/usage"
	"gorm.io/datatypes"
)

// runLifecycle holds the steps every schedule run shares: claiming the run,
// closing it and inserting its successor. unit names what the run produces
// in its error messages.
type runLifecycle struct {
	store  *store.Store
	runner *steps.Runner
	logger Logger
	now    func() time.Time
	unit   string
}

type initResult struct {
	ScheduleID        string          `json:"scheduleId"`
	OrganizationID    string          `json:"organizationId"`
	Config            json.RawMessage `json:"config"`
	ExecutionCount    int             `json:"executionCount"`
	CreatedByMemberID *string         `json:"createdByMemberId,omitempty"`
	StartedAt         time.Time       `json:"startedAt"`
}

type generationCounts struct {
	Generated int `json:"generated"`
	Failed    int `json:"failed"`
}

type finalizeResult struct {
	Status          store.RunStatus `json:"status"`
	NextExecutionAt *time.Time      `json:"nextExecutionAt,omitempty"`
}

func (l *runLifecycle) initialize(ctx context.Context, runID string, resume bool) (initResult, error) {
	run, err := l.store.GetScheduleRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return initResult{}, permanentError{err}
		}
		return initResult{}, err
	}
	if !run.Schedule.IsActive {
		l.abandon(ctx, run, ErrScheduleInactive.Error())
		return initResult{}, permanentError{fmt.Errorf("%w: %s", ErrScheduleInactive, run.ScheduleID)}
	}
	if _, err := ParseConfig(run.Schedule.Config); err != nil {
		l.abandon(ctx, run, err.Error())
		return initResult{}, permanentError{err}
	}

	startedAt := l.now().UTC()
	switch {
	case run.Status == store.RunPending:
		if err := l.store.StartRun(ctx, runID, startedAt); err != nil {
			if errors.Is(err, store.ErrInvalidState) {
				return initResult{}, permanentError{fmt.Errorf("%w: %s", ErrRunNotPending, runID)}
			}
			return initResult{}, err
		}
	case run.Status == store.RunRunning && resume:
		if run.LastExecutionAt != nil {
			startedAt = run.LastExecutionAt.UTC()
		}
	default:
		return initResult{}, permanentError{fmt.Errorf("%w: %s is %s", ErrRunNotPending, runID, run.Status)}
	}
	return initResult{
		ScheduleID:        run.ScheduleID,
		OrganizationID:    run.Schedule.OrganizationID,
		Config:            json.RawMessage(run.Schedule.Config),
		ExecutionCount:    run.ExecutionCount,
		CreatedByMemberID: run.CreatedByMemberID,
		StartedAt:         startedAt,
	}, nil
}

// abandon closes a run that cannot execute without scheduling a successor.
func (l *runLifecycle) abandon(ctx context.Context, run store.ScheduleRun, reason string) {
	if run.Status == store.RunPending {
		if err := l.store.StartRun(ctx, run.ID, l.now()); err != nil {
			l.logger.Printf("schedule: run %s could not be closed: %v", run.ID, err)
			return
		}
	}
	outcome := store.RunOutcome{
		Status:             store.RunFailed,
		ExecutionCount:     run.ExecutionCount + 1,
		ExecutionMetadata:  metadata(map[string]any{"error": reason, "completedAt": l.now().UTC()}),
		LastExecutionError: &reason,
	}
	if _, err := l.store.FinalizeRun(ctx, run.ID, outcome, nil); err != nil {
		l.logger.Printf("schedule: run %s could not be closed: %v", run.ID, err)
	}
}

// insertTasks inserts one pending task per results payload unless an earlier
// attempt already did.
func (l *runLifecycle) insertTasks(ctx context.Context, runID string, payloads []taskPayload) (int, error) {
	existing, err := l.store.ListTasks(ctx, runID)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return len(existing), nil
	}
	tasks := make([]store.ScheduleRunTask, 0, len(payloads))
	for _, payload := range payloads {
		raw, err := json.Marshal(payload.results)
		if err != nil {
			return 0, err
		}
		tasks = append(tasks, store.ScheduleRunTask{
			ScheduleRunID: runID,
			MemberID:      payload.memberID,
			Status:        store.TaskPending,
			Results:       datatypes.JSON(raw),
			MaxAttempts:   taskMaxAttempts,
		})
	}
	if err := l.store.CreateTasks(ctx, tasks); err != nil {
		return 0, err
	}
	return len(tasks), nil
}

type taskPayload struct {
	memberID string
	results  any
}

// settle records the outcome of one task attempt. A failure with a
// non-permanent cause is retried while the task has attempts left: the task
// stays pending and settle reports TaskPending.
func (l *runLifecycle) settle(ctx context.Context, task store.ScheduleRunTask, status store.TaskStatus, cause error, results any) (store.TaskStatus, error) {
	raw, err := json.Marshal(results)
	if err != nil {
		return "", err
	}
	if status == store.TaskFailed && cause != nil && !isPermanent(cause) && task.Attempts+1 < task.MaxAttempts {
		if err := l.store.RetryTask(ctx, task.ID, datatypes.JSON(raw)); err != nil {
			return "", err
		}
		return store.TaskPending, nil
	}
	if err := l.store.FinishTask(ctx, task.ID, status, datatypes.JSON(raw)); err != nil {
		return "", err
	}
	return status, nil
}

// splitTasks counts finished tasks and returns the ones still pending.
func splitTasks(tasks []store.ScheduleRunTask) (generationCounts, []store.ScheduleRunTask) {
	var counts generationCounts
	var pending []store.ScheduleRunTask
	for _, task := range tasks {
		switch task.Status {
		case store.TaskCompleted:
			counts.Generated++
		case store.TaskFailed:
			counts.Failed++
		default:
			pending = append(pending, task)
		}
	}
	return counts, pending
}

func (l *runLifecycle) organizationPlan(ctx context.Context, organizationID string) usage.Plan {
	org, err := l.store.GetOrganization(ctx, organizationID)
	if err != nil {
		l.logger.Printf("schedule: organization %s plan lookup failed, using basic: %v", organizationID, err)
		return usage.PlanBasic
	}
	plan, err := usage.ParsePlan(org.Plan)
	if err != nil {
		l.logger.Printf("schedule: organization %s has %v, using basic", organizationID, err)
		return usage.PlanBasic
	}
	return plan
}

// finalize closes the run and, while the schedule is still active, inserts
// its successor. failure is set when an earlier step failed for good.
func (l *runLifecycle) finalize(ctx context.Context, runID string, init initResult, total int, counts generationCounts, failure string) (finalizeResult, error) {
	var status store.RunStatus
	switch {
	case failure != "":
		status = store.RunFailed
	case counts.Failed == 0:
		status = store.RunCompleted
	case counts.Generated > 0:
		status = store.RunPartial
	default:
		status = store.RunFailed
	}
	now := l.now().UTC()
	meta := map[string]any{
		"totalTargets": total,
		"generated":    counts.Generated,
		"failed":       counts.Failed,
		"completedAt":  now,
	}
	var lastErr *string
	if failure != "" {
		meta["error"] = failure
		lastErr = &failure
	} else if counts.Failed > 0 {
		msg := fmt.Sprintf("%d %s failed", counts.Failed, l.unit)
		lastErr = &msg
	}

	result := finalizeResult{Status: status}
	var successor *store.ScheduleRun
	schedule, err := l.store.GetSchedule(ctx, init.ScheduleID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return finalizeResult{}, err
	}
	if err == nil && schedule.IsActive {
		cfg, err := ParseConfig(schedule.Config)
		if err != nil {
			l.logger.Printf("schedule: schedule %s config no longer parses, not rescheduling: %v", schedule.ID, err)
		} else if next, err := NextExecution(cfg, now); err != nil {
			l.logger.Printf("schedule: schedule %s next execution: %v", schedule.ID, err)
		} else {
			successor = &store.ScheduleRun{
				ScheduleID:        init.ScheduleID,
				CreatedByMemberID: init.CreatedByMemberID,
				NextExecutionAt:   next,
			}
			result.NextExecutionAt = &next
		}
	}

	finalized, err := l.store.FinalizeRun(ctx, runID, store.RunOutcome{
		Status:             status,
		ExecutionCount:     init.ExecutionCount + 1,
		ExecutionMetadata:  metadata(meta),
		LastExecutionError: lastErr,
	}, successor)
	if err != nil {
		return finalizeResult{}, err
	}
	if !finalized {
		l.logger.Printf("schedule: run %s was already finalized", runID)
		result.NextExecutionAt = nil
	}
	return result, nil
}

// fail records a step failure on the run and keeps the chain alive. Context
// cancellation leaves the run running so that it is resumed later.
func (l *runLifecycle) fail(ctx context.Context, workflowID, runID string, init initResult, cause error) error {
	if ctx.Err() != nil {
		return cause
	}
	var counts generationCounts
	if tasks, err := l.store.ListTasks(ctx, runID); err == nil {
		counts, _ = splitTasks(tasks)
	}
	total := counts.Generated + counts.Failed
	if _, err := l.finalize(ctx, runID, init, total, counts, cause.Error()); err != nil {
		l.logger.Printf("schedule: run %s could not be finalized after failure: %v", runID, err)
		return cause
	}
	l.forget(ctx, workflowID)
	return cause
}

func (l *runLifecycle) forget(ctx context.Context, workflowID string) {
	if err := l.runner.Forget(ctx, workflowID); err != nil {
		l.logger.Printf("schedule: forget %s: %v", workflowID, err)
	}
}

func metadata(values map[string]any) datatypes.JSON {
	raw, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

type permanentError struct{ error }

func (permanentError) Permanent() bool { return true }

func (e permanentError) Unwrap() error { return e.error }

func isPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
