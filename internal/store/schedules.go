package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreateSchedule stores the schedule and, when firstRun is non-nil, its first
// pending run together.
func (s *Store) CreateSchedule(ctx context.Context, schedule *Schedule, firstRun *ScheduleRun) error {
	if schedule == nil || schedule.OrganizationID == "" {
		return ErrInvalidInput
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(schedule).Error; err != nil {
			return err
		}
		if firstRun == nil {
			return nil
		}
		firstRun.ScheduleID = schedule.ID
		firstRun.Status = RunPending
		firstRun.NextExecutionAt = firstRun.NextExecutionAt.UTC()
		return tx.Omit("Schedule").Create(firstRun).Error
	})
}

func (s *Store) GetSchedule(ctx context.Context, id string) (Schedule, error) {
	var schedule Schedule
	if err := s.db.WithContext(ctx).First(&schedule, "id = ?", id).Error; err != nil {
		return Schedule{}, notFound(err, "schedule", id)
	}
	return schedule, nil
}

func (s *Store) ListSchedules(ctx context.Context, organizationID string) ([]Schedule, error) {
	var schedules []Schedule
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Order("created_at ASC").
		Find(&schedules).Error
	return schedules, err
}

func (s *Store) SetScheduleActive(ctx context.Context, id string, active bool) error {
	res := s.db.WithContext(ctx).Model(&Schedule{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound(gorm.ErrRecordNotFound, "schedule", id)
	}
	return nil
}

// CreateScheduleRun inserts a pending run unless the schedule already has a
// pending or running one. created reports whether a row was written.
func (s *Store) CreateScheduleRun(ctx context.Context, run *ScheduleRun) (created bool, err error) {
	if run == nil || run.ScheduleID == "" {
		return false, ErrInvalidInput
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open int64
		if err := tx.Model(&ScheduleRun{}).
			Where("schedule_id = ? AND status IN ?", run.ScheduleID, []RunStatus{RunPending, RunRunning}).
			Count(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return nil
		}
		run.Status = RunPending
		run.NextExecutionAt = run.NextExecutionAt.UTC()
		if err := tx.Omit("Schedule").Create(run).Error; err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// GetScheduleRun loads the run with its schedule.
func (s *Store) GetScheduleRun(ctx context.Context, id string) (ScheduleRun, error) {
	var run ScheduleRun
	if err := s.db.WithContext(ctx).Preload("Schedule").First(&run, "id = ?", id).Error; err != nil {
		return ScheduleRun{}, notFound(err, "schedule run", id)
	}
	return run, nil
}

func (s *Store) ListScheduleRuns(ctx context.Context, scheduleID string, limit int) ([]ScheduleRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []ScheduleRun
	err := s.db.WithContext(ctx).
		Where("schedule_id = ?", scheduleID).
		Order("next_execution_at DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// DueRuns returns pending runs whose NextExecutionAt is at or before now.
func (s *Store) DueRuns(ctx context.Context, now time.Time) ([]ScheduleRun, error) {
	var runs []ScheduleRun
	err := s.db.WithContext(ctx).
		Preload("Schedule").
		Where("status = ? AND next_execution_at <= ?", RunPending, now.UTC()).
		Order("next_execution_at ASC").
		Find(&runs).Error
	return runs, err
}

// StaleRunningRuns returns runs left in running whose last execution began
// before cutoff.
func (s *Store) StaleRunningRuns(ctx context.Context, cutoff time.Time) ([]ScheduleRun, error) {
	var runs []ScheduleRun
	err := s.db.WithContext(ctx).
		Preload("Schedule").
		Where("status = ? AND last_execution_at < ?", RunRunning, cutoff.UTC()).
		Order("last_execution_at ASC").
		Find(&runs).Error
	return runs, err
}

// StartRun moves a pending run to running. It fails with ErrInvalidState when
// the run is not pending.
func (s *Store) StartRun(ctx context.Context, runID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&ScheduleRun{}).
		Where("id = ? AND status = ?", runID, RunPending).
		Updates(map[string]any{"status": RunRunning, "last_execution_at": at.UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: run %s is not pending", ErrInvalidState, runID)
	}
	return nil
}

func (s *Store) CreateTasks(ctx context.Context, tasks []ScheduleRunTask) error {
	if len(tasks) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&tasks).Error
}

func (s *Store) ListTasks(ctx context.Context, runID string) ([]ScheduleRunTask, error) {
	var tasks []ScheduleRunTask
	err := s.db.WithContext(ctx).
		Where("schedule_run_id = ?", runID).
		Order("created_at ASC, id ASC").
		Find(&tasks).Error
	return tasks, err
}

// FinishTask records the outcome of one generation attempt.
func (s *Store) FinishTask(ctx context.Context, taskID string, status TaskStatus, results datatypes.JSON) error {
	res := s.db.WithContext(ctx).Model(&ScheduleRunTask{}).
		Where("id = ?", taskID).
		Updates(map[string]any{
			"status":   status,
			"results":  results,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound(gorm.ErrRecordNotFound, "task", taskID)
	}
	return nil
}

// RetryTask records a failed attempt on a task that stays pending.
func (s *Store) RetryTask(ctx context.Context, taskID string, results datatypes.JSON) error {
	res := s.db.WithContext(ctx).Model(&ScheduleRunTask{}).
		Where("id = ? AND status = ?", taskID, TaskPending).
		Updates(map[string]any{
			"results":  results,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound(gorm.ErrRecordNotFound, "pending task", taskID)
	}
	return nil
}

// RunOutcome is what FinalizeRun writes onto a running run.
type RunOutcome struct {
	Status             RunStatus
	ExecutionCount     int
	ExecutionMetadata  datatypes.JSON
	LastExecutionError *string
}

// FinalizeRun closes a running run and, when successor is non-nil, inserts it
// in the same transaction. finalized is false when the run was not running,
// in which case nothing is written.
func (s *Store) FinalizeRun(ctx context.Context, runID string, outcome RunOutcome, successor *ScheduleRun) (finalized bool, err error) {
	if !outcome.Status.Terminal() {
		return false, fmt.Errorf("%w: %q is not a terminal status", ErrInvalidInput, outcome.Status)
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ScheduleRun{}).
			Where("id = ? AND status = ?", runID, RunRunning).
			Updates(map[string]any{
				"status":               outcome.Status,
				"execution_count":      outcome.ExecutionCount,
				"execution_metadata":   outcome.ExecutionMetadata,
				"last_execution_error": outcome.LastExecutionError,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		finalized = true
		if successor == nil {
			return nil
		}
		successor.Status = RunPending
		successor.NextExecutionAt = successor.NextExecutionAt.UTC()
		return tx.Omit("Schedule").Create(successor).Error
	})
	if err != nil {
		return false, err
	}
	return finalized, nil
}

// UpsertStatusUpdate replaces the update for (organization, member,
// effectiveFrom) and all of its items. It returns the update id.
func (s *Store) UpsertStatusUpdate(ctx context.Context, update StatusUpdate, items []StatusUpdateItem) (string, error) {
	if update.OrganizationID == "" || update.MemberID == "" {
		return "", ErrInvalidInput
	}
	update.EffectiveFrom = update.EffectiveFrom.UTC()
	update.EffectiveTo = update.EffectiveTo.UTC()
	var id string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing StatusUpdate
		err := tx.Where("organization_id = ? AND member_id = ? AND effective_from = ?",
			update.OrganizationID, update.MemberID, update.EffectiveFrom).
			Limit(1).Find(&existing).Error
		if err != nil {
			return err
		}
		if existing.ID == "" {
			update.Items = nil
			if err := tx.Create(&update).Error; err != nil {
				return err
			}
			id = update.ID
		} else {
			id = existing.ID
			if err := tx.Model(&StatusUpdate{}).Where("id = ?", id).Updates(map[string]any{
				"effective_to": update.EffectiveTo,
				"is_draft":     update.IsDraft,
				"timezone":     update.Timezone,
			}).Error; err != nil {
				return err
			}
			if err := tx.Where("status_update_id = ?", id).Delete(&StatusUpdateItem{}).Error; err != nil {
				return err
			}
		}
		if len(items) == 0 {
			return nil
		}
		rows := make([]StatusUpdateItem, len(items))
		for i, item := range items {
			item.ID = ""
			item.StatusUpdateID = id
			item.Order = i
			rows[i] = item
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) GetStatusUpdate(ctx context.Context, organizationID, memberID string, effectiveFrom time.Time) (StatusUpdate, error) {
	var update StatusUpdate
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("item_order ASC") }).
		Where("organization_id = ? AND member_id = ? AND effective_from = ?", organizationID, memberID, effectiveFrom.UTC()).
		First(&update).Error
	if err != nil {
		return StatusUpdate{}, notFound(err, "status update", memberID)
	}
	return update, nil
}

// ListStatusUpdates returns the organization's updates whose window starts in
// [from, to), oldest first. A nil memberIDs selects every member and an
// empty one selects none.
func (s *Store) ListStatusUpdates(ctx context.Context, organizationID string, memberIDs []string, from, to time.Time) ([]StatusUpdate, error) {
	q := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("item_order ASC") }).
		Where("organization_id = ? AND effective_from >= ? AND effective_from < ?", organizationID, from.UTC(), to.UTC())
	if memberIDs != nil {
		if len(memberIDs) == 0 {
			return nil, nil
		}
		q = q.Where("member_id IN ?", memberIDs)
	}
	var updates []StatusUpdate
	err := q.Order("effective_from ASC, member_id ASC").Find(&updates).Error
	return updates, err
}

// SaveSummary writes the summary for (run, target type, target value),
// replacing an earlier attempt's row.
func (s *Store) SaveSummary(ctx context.Context, summary *Summary) error {
	if summary.OrganizationID == "" || summary.ScheduleRunID == "" || summary.TargetType == "" {
		return ErrInvalidInput
	}
	summary.EffectiveFrom = summary.EffectiveFrom.UTC()
	summary.EffectiveTo = summary.EffectiveTo.UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Summary
		err := tx.Where("schedule_run_id = ? AND target_type = ? AND target_value = ?",
			summary.ScheduleRunID, summary.TargetType, summary.TargetValue).
			Limit(1).Find(&existing).Error
		if err != nil {
			return err
		}
		if existing.ID == "" {
			return tx.Create(summary).Error
		}
		summary.ID = existing.ID
		return tx.Model(&Summary{}).Where("id = ?", existing.ID).Updates(map[string]any{
			"effective_from":   summary.EffectiveFrom,
			"effective_to":     summary.EffectiveTo,
			"update_count":     summary.UpdateCount,
			"content":          summary.Content,
			"delivery_methods": summary.DeliveryMethods,
		}).Error
	})
}

// ListSummaries returns the organization's summaries, newest first. limit <= 0
// means no limit.
func (s *Store) ListSummaries(ctx context.Context, organizationID string, limit int) ([]Summary, error) {
	q := s.db.WithContext(ctx).Where("organization_id = ?", organizationID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var summaries []Summary
	err := q.Find(&summaries).Error
	return summaries, err
}
