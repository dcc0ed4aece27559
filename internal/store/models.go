package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the run can no longer change state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunPartial || s == RunFailed
}

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

type Model struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (m *Model) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

type Organization struct {
	Model
	Name string `json:"name"`
	Plan string `gorm:"size:32" json:"plan"`
}

type Member struct {
	Model
	OrganizationID string `gorm:"size:64;index" json:"organizationId"`
	UserID         string `gorm:"size:64" json:"userId"`
	DisplayName    string `json:"displayName"`
	Email          string `json:"email"`
	Timezone       string `gorm:"size:64" json:"timezone"`
}

type Team struct {
	Model
	OrganizationID string `gorm:"size:64;index" json:"organizationId"`
	Name           string `json:"name"`
}

type TeamMembership struct {
	Model
	TeamID   string `gorm:"size:64;index" json:"teamId"`
	MemberID string `gorm:"size:64;index" json:"memberId"`
}

type Integration struct {
	Model
	OrganizationID       string     `gorm:"size:64;uniqueIndex:idx_integration_org_provider" json:"organizationId"`
	Provider             string     `gorm:"size:32;uniqueIndex:idx_integration_org_provider" json:"provider"`
	InstanceURL          string     `json:"instanceUrl"`
	AccessToken          string     `json:"-"`
	RefreshToken         string     `json:"-"`
	AccessTokenExpiresAt *time.Time `json:"accessTokenExpiresAt,omitempty"`
	SyncID               *string    `gorm:"size:64" json:"syncId,omitempty"`
	SyncStartedAt        *time.Time `json:"syncStartedAt,omitempty"`
	SyncUpdatedAt        *time.Time `json:"syncUpdatedAt,omitempty"`
	SyncFinishedAt       *time.Time `json:"syncFinishedAt,omitempty"`
	SyncError            *string    `json:"syncError,omitempty"`
	SyncErrorAt          *time.Time `json:"syncErrorAt,omitempty"`
	DeleteID             *string    `gorm:"size:64" json:"deleteId,omitempty"`
	DeleteError          *string    `json:"deleteError,omitempty"`
	DeleteErrorAt        *time.Time `json:"deleteErrorAt,omitempty"`
}

type ExternalProject struct {
	Model
	IntegrationID     string `gorm:"size:64;uniqueIndex:idx_project_integration_provider" json:"integrationId"`
	ProviderID        string `gorm:"size:128;uniqueIndex:idx_project_integration_provider" json:"providerId"`
	Name              string `json:"name"`
	Namespace         string `json:"namespace"`
	PathWithNamespace string `json:"pathWithNamespace"`
	Visibility        string `gorm:"size:32" json:"visibility"`
	WebURL            string `json:"webUrl"`
	Description       string `json:"description,omitempty"`
	DefaultBranch     string `json:"defaultBranch,omitempty"`
}

type ExternalUser struct {
	Model
	IntegrationID string  `gorm:"size:64;uniqueIndex:idx_user_integration_provider" json:"integrationId"`
	ProviderID    string  `gorm:"size:128;uniqueIndex:idx_user_integration_provider" json:"providerId"`
	MemberID      *string `gorm:"size:64;index" json:"memberId,omitempty"`
	Username      string  `json:"username"`
	Name          string  `json:"name,omitempty"`
	Email         string  `json:"email,omitempty"`
	AvatarURL     string  `json:"avatarUrl,omitempty"`
	WebURL        string  `json:"webUrl,omitempty"`
}

// ExternalEvent keeps the provider's own timestamp in CreatedAt; InsertedAt
// moves forward every time a sync pass sees the event again.
type ExternalEvent struct {
	ID              string         `gorm:"primaryKey;size:64" json:"id"`
	ProjectID       string         `gorm:"size:64;uniqueIndex:idx_event_project_synthetic" json:"projectId"`
	SyntheticID     string         `gorm:"size:64;uniqueIndex:idx_event_project_synthetic;index" json:"syntheticId"`
	ActorProviderID string         `gorm:"size:128;index" json:"actorProviderId"`
	Type            string         `gorm:"size:32" json:"type"`
	Action          string         `json:"action"`
	Payload         datatypes.JSON `json:"payload"`
	CreatedAt       time.Time      `gorm:"index" json:"createdAt"`
	InsertedAt      time.Time      `json:"insertedAt"`
}

func (e *ExternalEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}

type EventVector struct {
	Model
	EventID        string         `gorm:"size:64;index" json:"eventId"`
	EmbeddingModel string         `gorm:"size:128" json:"embeddingModel"`
	Dimensions     int            `json:"dimensions"`
	Vector         datatypes.JSON `json:"vector"`
}

type Schedule struct {
	Model
	OrganizationID    string         `gorm:"size:64;index" json:"organizationId"`
	CreatedByMemberID *string        `gorm:"size:64" json:"createdByMemberId,omitempty"`
	Name              string         `gorm:"size:64" json:"name"`
	Config            datatypes.JSON `json:"config"`
	IsActive          bool           `json:"isActive"`
}

type ScheduleRun struct {
	Model
	ScheduleID         string         `gorm:"size:64;index" json:"scheduleId"`
	Schedule           Schedule       `gorm:"foreignKey:ScheduleID" json:"-"`
	CreatedByMemberID  *string        `gorm:"size:64" json:"createdByMemberId,omitempty"`
	Status             RunStatus      `gorm:"size:16;index" json:"status"`
	NextExecutionAt    time.Time      `gorm:"index" json:"nextExecutionAt"`
	LastExecutionAt    *time.Time     `json:"lastExecutionAt,omitempty"`
	ExecutionCount     int            `json:"executionCount"`
	ExecutionMetadata  datatypes.JSON `json:"executionMetadata,omitempty"`
	LastExecutionError *string        `json:"lastExecutionError,omitempty"`
}

type ScheduleRunTask struct {
	Model
	ScheduleRunID string         `gorm:"size:64;index" json:"scheduleRunId"`
	MemberID      string         `gorm:"size:64" json:"memberId"`
	Status        TaskStatus     `gorm:"size:16" json:"status"`
	Results       datatypes.JSON `json:"results,omitempty"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"maxAttempts"`
}

type StatusUpdate struct {
	Model
	OrganizationID string             `gorm:"size:64;uniqueIndex:idx_status_update_member_range" json:"organizationId"`
	MemberID       string             `gorm:"size:64;uniqueIndex:idx_status_update_member_range" json:"memberId"`
	EffectiveFrom  time.Time          `gorm:"uniqueIndex:idx_status_update_member_range" json:"effectiveFrom"`
	EffectiveTo    time.Time          `json:"effectiveTo"`
	IsDraft        bool               `json:"isDraft"`
	Timezone       string             `gorm:"size:64" json:"timezone"`
	Items          []StatusUpdateItem `gorm:"foreignKey:StatusUpdateID" json:"items,omitempty"`
}

type StatusUpdateItem struct {
	Model
	StatusUpdateID string `gorm:"size:64;index" json:"statusUpdateId"`
	Content        string `json:"content"`
	IsBlocker      bool   `json:"isBlocker"`
	IsInProgress   bool   `json:"isInProgress"`
	Order          int    `gorm:"column:item_order" json:"order"`
}

// Summary is a roll-up of the status updates of one target over a window.
// A schedule run writes at most one summary per target.
type Summary struct {
	Model
	OrganizationID  string         `gorm:"size:64;index" json:"organizationId"`
	ScheduleRunID   string         `gorm:"size:64;uniqueIndex:idx_summary_run_target" json:"scheduleRunId"`
	TargetType      string         `gorm:"size:32;uniqueIndex:idx_summary_run_target" json:"targetType"`
	TargetValue     string         `gorm:"size:128;uniqueIndex:idx_summary_run_target" json:"targetValue"`
	EffectiveFrom   time.Time      `json:"effectiveFrom"`
	EffectiveTo     time.Time      `json:"effectiveTo"`
	UpdateCount     int            `json:"updateCount"`
	Content         datatypes.JSON `json:"content"`
	DeliveryMethods datatypes.JSON `json:"deliveryMethods,omitempty"`
}

// Lease is a named mutual-exclusion record. A lease is free when it does not
// exist or its ExpiresAt has passed.
type Lease struct {
	Name       string    `gorm:"primaryKey;size:128" json:"name"`
	Holder     string    `gorm:"size:64" json:"holder"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `gorm:"index" json:"expiresAt"`
}

func allModels() []any {
	return []any{
		&Organization{},
		&Member{},
		&Team{},
		&TeamMembership{},
		&Integration{},
		&ExternalProject{},
		&ExternalUser{},
		&ExternalEvent{},
		&EventVector{},
		&Schedule{},
		&ScheduleRun{},
		&ScheduleRunTask{},
		&StatusUpdate{},
		&StatusUpdateItem{},
		&Summary{},
		&Lease{},
	}
}
