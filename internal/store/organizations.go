package store

import (
	"context"

	"gorm.io/gorm"
)

func (s *Store) CreateOrganization(ctx context.Context, org *Organization) error {
	if org == nil {
		return ErrInvalidInput
	}
	return s.db.WithContext(ctx).Create(org).Error
}

func (s *Store) GetOrganization(ctx context.Context, id string) (Organization, error) {
	var org Organization
	if err := s.db.WithContext(ctx).First(&org, "id = ?", id).Error; err != nil {
		return Organization{}, notFound(err, "organization", id)
	}
	return org, nil
}

func (s *Store) CreateMember(ctx context.Context, member *Member) error {
	if member == nil || member.OrganizationID == "" {
		return ErrInvalidInput
	}
	return s.db.WithContext(ctx).Create(member).Error
}

func (s *Store) CreateTeam(ctx context.Context, team *Team, memberIDs ...string) error {
	if team == nil || team.OrganizationID == "" {
		return ErrInvalidInput
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(team).Error; err != nil {
			return err
		}
		for _, memberID := range memberIDs {
			if err := tx.Create(&TeamMembership{TeamID: team.ID, MemberID: memberID}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// MembersByID returns the organization's members among ids. Unknown ids and
// members of other organizations are dropped.
func (s *Store) MembersByID(ctx context.Context, organizationID string, ids []string) ([]Member, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var members []Member
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND id IN ?", organizationID, ids).
		Order("created_at ASC").
		Find(&members).Error
	return members, err
}

func (s *Store) TeamMembers(ctx context.Context, organizationID string, teamIDs []string) ([]Member, error) {
	if len(teamIDs) == 0 {
		return nil, nil
	}
	var members []Member
	err := s.db.WithContext(ctx).
		Where("organization_id = ? AND id IN (?)", organizationID,
			s.db.Model(&TeamMembership{}).Select("member_id").Where("team_id IN ?", teamIDs)).
		Order("created_at ASC").
		Find(&members).Error
	return members, err
}

func (s *Store) OrganizationMembers(ctx context.Context, organizationID string) ([]Member, error) {
	var members []Member
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Order("created_at ASC").
		Find(&members).Error
	return members, err
}
