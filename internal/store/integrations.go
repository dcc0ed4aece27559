package store

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *Store) CreateIntegration(ctx context.Context, integration *Integration) error {
	if integration == nil || strings.TrimSpace(integration.OrganizationID) == "" || strings.TrimSpace(integration.Provider) == "" {
		return ErrInvalidInput
	}
	return s.db.WithContext(ctx).Create(integration).Error
}

func (s *Store) GetIntegration(ctx context.Context, id string) (Integration, error) {
	var integration Integration
	err := s.db.WithContext(ctx).First(&integration, "id = ?", id).Error
	if err != nil {
		return Integration{}, notFound(err, "integration", id)
	}
	return integration, nil
}

// ListIntegrations skips integrations that are being torn down.
func (s *Store) ListIntegrations(ctx context.Context) ([]Integration, error) {
	var integrations []Integration
	err := s.db.WithContext(ctx).
		Where("delete_id IS NULL").
		Order("created_at ASC").
		Find(&integrations).Error
	return integrations, err
}

func (s *Store) ListOrganizationIntegrations(ctx context.Context, organizationID string) ([]Integration, error) {
	var integrations []Integration
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Order("created_at ASC").
		Find(&integrations).Error
	return integrations, err
}

func (s *Store) updateIntegration(ctx context.Context, id string, values map[string]any) error {
	res := s.db.WithContext(ctx).Model(&Integration{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound(gorm.ErrRecordNotFound, "integration", id)
	}
	return nil
}

// MarkSyncStarted records a new sync attempt and clears the previous error.
func (s *Store) MarkSyncStarted(ctx context.Context, id, syncID string, at time.Time) error {
	at = at.UTC()
	return s.updateIntegration(ctx, id, map[string]any{
		"sync_id":         syncID,
		"sync_started_at": at,
		"sync_updated_at": at,
		"sync_error":      nil,
		"sync_error_at":   nil,
	})
}

func (s *Store) MarkSyncProgress(ctx context.Context, id string, at time.Time) error {
	return s.updateIntegration(ctx, id, map[string]any{"sync_updated_at": at.UTC()})
}

func (s *Store) MarkSyncFinished(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	return s.updateIntegration(ctx, id, map[string]any{
		"sync_id":          nil,
		"sync_finished_at": at,
		"sync_updated_at":  at,
	})
}

func (s *Store) MarkSyncFailed(ctx context.Context, id, message string, at time.Time) error {
	at = at.UTC()
	return s.updateIntegration(ctx, id, map[string]any{
		"sync_id":         nil,
		"sync_error":      message,
		"sync_error_at":   at,
		"sync_updated_at": at,
	})
}

func (s *Store) MarkDeleteStarted(ctx context.Context, id, deleteID string) error {
	return s.updateIntegration(ctx, id, map[string]any{
		"delete_id":       deleteID,
		"delete_error":    nil,
		"delete_error_at": nil,
	})
}

func (s *Store) MarkDeleteFailed(ctx context.Context, id, message string, at time.Time) error {
	return s.updateIntegration(ctx, id, map[string]any{
		"delete_error":    message,
		"delete_error_at": at.UTC(),
	})
}

// UpsertProjects inserts or refreshes projects keyed by (integration, provider id).
func (s *Store) UpsertProjects(ctx context.Context, integrationID string, projects []ExternalProject) error {
	if len(projects) == 0 {
		return nil
	}
	for i := range projects {
		projects[i].IntegrationID = integrationID
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "integration_id"}, {Name: "provider_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "namespace", "path_with_namespace", "visibility",
			"web_url", "description", "default_branch", "updated_at",
		}),
	}).Create(&projects).Error
}

func (s *Store) ListProjects(ctx context.Context, integrationID string) ([]ExternalProject, error) {
	var projects []ExternalProject
	err := s.db.WithContext(ctx).
		Where("integration_id = ?", integrationID).
		Order("path_with_namespace ASC").
		Find(&projects).Error
	return projects, err
}

func (s *Store) GetProject(ctx context.Context, id string) (ExternalProject, error) {
	var project ExternalProject
	if err := s.db.WithContext(ctx).First(&project, "id = ?", id).Error; err != nil {
		return ExternalProject{}, notFound(err, "project", id)
	}
	return project, nil
}

// UpsertUsers leaves MemberID untouched on conflict; linking is a separate step.
func (s *Store) UpsertUsers(ctx context.Context, integrationID string, users []ExternalUser) error {
	if len(users) == 0 {
		return nil
	}
	for i := range users {
		users[i].IntegrationID = integrationID
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "integration_id"}, {Name: "provider_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"username", "name", "email", "avatar_url", "web_url", "updated_at",
		}),
	}).Create(&users).Error
}

func (s *Store) ListUsers(ctx context.Context, integrationID string) ([]ExternalUser, error) {
	var users []ExternalUser
	err := s.db.WithContext(ctx).
		Where("integration_id = ?", integrationID).
		Order("username ASC").
		Find(&users).Error
	return users, err
}

func (s *Store) LinkUserToMember(ctx context.Context, integrationID, providerUserID, memberID string) error {
	res := s.db.WithContext(ctx).Model(&ExternalUser{}).
		Where("integration_id = ? AND provider_id = ?", integrationID, providerUserID).
		Update("member_id", memberID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notFound(gorm.ErrRecordNotFound, "external user", providerUserID)
	}
	return nil
}

// UpsertEvents keys events by (project, synthetic id). A repeat only
// refreshes the payload and InsertedAt.
func (s *Store) UpsertEvents(ctx context.Context, events []ExternalEvent) error {
	if len(events) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "synthetic_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "inserted_at"}),
	}).Create(&events).Error
}

func (s *Store) ListEvents(ctx context.Context, projectID string) ([]ExternalEvent, error) {
	var events []ExternalEvent
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&events).Error
	return events, err
}

func (s *Store) GetEventBySyntheticID(ctx context.Context, syntheticID string) (ExternalEvent, error) {
	var event ExternalEvent
	if err := s.db.WithContext(ctx).First(&event, "synthetic_id = ?", syntheticID).Error; err != nil {
		return ExternalEvent{}, notFound(err, "event", syntheticID)
	}
	return event, nil
}

// SaveEventVector stores the vector, replacing an earlier one for the same
// event and embedding model.
func (s *Store) SaveEventVector(ctx context.Context, vector *EventVector) error {
	if vector == nil || vector.EventID == "" {
		return ErrInvalidInput
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("event_id = ? AND embedding_model = ?", vector.EventID, vector.EmbeddingModel).
			Delete(&EventVector{}).Error; err != nil {
			return err
		}
		return tx.Create(vector).Error
	})
}

func (s *Store) ListEventVectors(ctx context.Context, eventID string) ([]EventVector, error) {
	var vectors []EventVector
	err := s.db.WithContext(ctx).Where("event_id = ?", eventID).Order("created_at ASC").Find(&vectors).Error
	return vectors, err
}

// ListMemberEvents returns events whose actor is linked to the member through
// any integration, ordered by provider time, within [from, to).
func (s *Store) ListMemberEvents(ctx context.Context, memberID string, from, to time.Time) ([]ExternalEvent, error) {
	var events []ExternalEvent
	err := s.db.WithContext(ctx).
		Table("external_events AS e").
		Select("e.*").
		Joins("JOIN external_projects p ON p.id = e.project_id").
		Joins("JOIN external_users u ON u.integration_id = p.integration_id AND u.provider_id = e.actor_provider_id").
		Where("u.member_id = ? AND e.created_at >= ? AND e.created_at < ?", memberID, from.UTC(), to.UTC()).
		Order("e.created_at ASC").
		Find(&events).Error
	return events, err
}

// DeleteIntegrationCascade removes vectors, events, projects, users and the
// integration row in one transaction.
func (s *Store) DeleteIntegrationCascade(ctx context.Context, integrationID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		projects := func() *gorm.DB {
			return tx.Model(&ExternalProject{}).Select("id").Where("integration_id = ?", integrationID)
		}
		events := tx.Model(&ExternalEvent{}).Select("id").Where("project_id IN (?)", projects())
		if err := tx.Where("event_id IN (?)", events).Delete(&EventVector{}).Error; err != nil {
			return err
		}
		if err := tx.Where("project_id IN (?)", projects()).Delete(&ExternalEvent{}).Error; err != nil {
			return err
		}
		if err := tx.Where("integration_id = ?", integrationID).Delete(&ExternalProject{}).Error; err != nil {
			return err
		}
		if err := tx.Where("integration_id = ?", integrationID).Delete(&ExternalUser{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", integrationID).Delete(&Integration{}).Error
	})
}
