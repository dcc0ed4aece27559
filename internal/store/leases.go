package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm/clause"
)

// AcquireLease takes the named lease for holder until now+ttl. It succeeds
// when the lease is free, expired, or already held by the same holder, and
// returns ErrLeaseHeld otherwise.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (Lease, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(holder) == "" || ttl <= 0 {
		return Lease{}, ErrInvalidInput
	}
	now = now.UTC()
	lease := Lease{Name: name, Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	db := s.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&lease)
	if res.Error != nil {
		return Lease{}, res.Error
	}
	if res.RowsAffected == 1 {
		return lease, nil
	}
	res = db.Model(&Lease{}).
		Where("name = ? AND (expires_at <= ? OR holder = ?)", name, now, holder).
		Updates(map[string]any{
			"holder":      holder,
			"acquired_at": now,
			"expires_at":  lease.ExpiresAt,
		})
	if res.Error != nil {
		return Lease{}, res.Error
	}
	if res.RowsAffected == 0 {
		return Lease{}, fmt.Errorf("%w: %s", ErrLeaseHeld, name)
	}
	return lease, nil
}

// ReleaseLease is a no-op when the lease belongs to someone else.
func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	return s.db.WithContext(ctx).
		Where("name = ? AND holder = ?", name, holder).
		Delete(&Lease{}).Error
}

func (s *Store) GetLease(ctx context.Context, name string) (Lease, error) {
	var lease Lease
	if err := s.db.WithContext(ctx).First(&lease, "name = ?", name).Error; err != nil {
		return Lease{}, notFound(err, "lease", name)
	}
	return lease, nil
}

// LeaseActive reports whether an unexpired lease with this name exists.
func (s *Store) LeaseActive(ctx context.Context, name string, now time.Time) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Lease{}).
		Where("name = ? AND expires_at > ?", name, now.UTC()).
		Count(&count).Error
	return count > 0, err
}

// IntegrationLease names the lease that sync and teardown of one integration
// both take, so the two never overlap.
func IntegrationLease(integrationID string) string {
	return "integration:" + integrationID
}

// ActiveLeaseHolder returns the holder of the named lease when it has not
// expired at now.
func (s *Store) ActiveLeaseHolder(ctx context.Context, name string, now time.Time) (string, bool, error) {
	var lease Lease
	err := s.db.WithContext(ctx).
		Where("name = ? AND expires_at > ?", name, now.UTC()).
		Limit(1).
		Find(&lease).Error
	if err != nil {
		return "", false, err
	}
	return lease.Holder, lease.Name != "", nil
}
