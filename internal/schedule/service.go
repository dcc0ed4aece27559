package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/relaystatus/internal/store"
	"gorm.io/datatypes"
)

type CreateRequest struct {
	OrganizationID    string          `json:"organizationId"`
	CreatedByMemberID *string         `json:"createdByMemberId,omitempty"`
	Config            json.RawMessage `json:"config"`
	IsActive          bool            `json:"isActive"`
}

// Service manages schedule rows and their run chain.
type Service struct {
	store *store.Store
	now   func() time.Time
}

func NewService(st *store.Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: st, now: now}
}

// Create validates the config and stores the schedule. An active schedule
// gets its first pending run at the next occurrence.
func (s *Service) Create(ctx context.Context, req CreateRequest) (store.Schedule, *store.ScheduleRun, error) {
	if strings.TrimSpace(req.OrganizationID) == "" {
		return store.Schedule{}, nil, fmt.Errorf("%w: organizationId is required", store.ErrInvalidInput)
	}
	cfg, err := ParseConfig(req.Config)
	if err != nil {
		return store.Schedule{}, nil, err
	}
	if cfg.Name == NameRemindToPostUpdates {
		return store.Schedule{}, nil, fmt.Errorf("%w: %s schedules are not supported", ErrInvalidConfig, cfg.Name)
	}
	if _, err := s.store.GetOrganization(ctx, req.OrganizationID); err != nil {
		return store.Schedule{}, nil, err
	}
	raw, err := cfg.Marshal()
	if err != nil {
		return store.Schedule{}, nil, err
	}
	schedule := store.Schedule{
		OrganizationID:    req.OrganizationID,
		CreatedByMemberID: req.CreatedByMemberID,
		Name:              string(cfg.Name),
		Config:            datatypes.JSON(raw),
		IsActive:          req.IsActive,
	}
	var first *store.ScheduleRun
	if req.IsActive {
		next, err := NextExecution(cfg, s.now())
		if err != nil {
			return store.Schedule{}, nil, err
		}
		first = &store.ScheduleRun{CreatedByMemberID: req.CreatedByMemberID, NextExecutionAt: next}
	}
	if err := s.store.CreateSchedule(ctx, &schedule, first); err != nil {
		return store.Schedule{}, nil, err
	}
	return schedule, first, nil
}

// SetActive toggles the schedule. Reactivating a schedule whose chain ended
// starts a new pending run.
func (s *Service) SetActive(ctx context.Context, scheduleID string, active bool) (*store.ScheduleRun, error) {
	schedule, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetScheduleActive(ctx, scheduleID, active); err != nil {
		return nil, err
	}
	if !active {
		return nil, nil
	}
	cfg, err := ParseConfig(schedule.Config)
	if err != nil {
		return nil, err
	}
	next, err := NextExecution(cfg, s.now())
	if err != nil {
		return nil, err
	}
	run := &store.ScheduleRun{ScheduleID: scheduleID, CreatedByMemberID: schedule.CreatedByMemberID, NextExecutionAt: next}
	created, err := s.store.CreateScheduleRun(ctx, run)
	if err != nil || !created {
		return nil, err
	}
	return run, nil
}
