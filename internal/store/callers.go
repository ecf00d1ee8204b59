package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// TouchCaller records a contact from phone for the tenant. First contact
// creates the row with a fresh retention deadline; every later contact
// bumps LastCallAt and the call counter. Returns created=true on first
// contact.
func (s *Store) TouchCaller(ctx context.Context, tenantID, phone string, retentionDays int) (*Caller, bool, error) {
	db := s.db.WithContext(ctx)
	now := time.Now()

	var caller Caller
	err := db.First(&caller, "tenant_id = ? AND phone_number = ?", tenantID, phone).Error
	if err == nil {
		caller.TotalCalls++
		caller.LastCallAt = now
		if err := db.Model(&caller).Updates(map[string]interface{}{
			"total_calls":  caller.TotalCalls,
			"last_call_at": caller.LastCallAt,
		}).Error; err != nil {
			return nil, false, err
		}
		return &caller, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	expires := now.AddDate(0, 0, retentionDays)
	caller = Caller{
		TenantID:    tenantID,
		PhoneNumber: phone,
		TotalCalls:  1,
		FirstCallAt: now,
		LastCallAt:  now,
		ExpiresAt:   &expires,
	}
	if err := db.Create(&caller).Error; err != nil {
		// Concurrent webhooks for the same new caller race on the unique
		// (tenant, phone) index; the loser re-reads the winner's row.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.TouchCaller(ctx, tenantID, phone, retentionDays)
		}
		return nil, false, err
	}
	return &caller, true, nil
}

func (s *Store) CallerByID(ctx context.Context, id string) (*Caller, error) {
	var c Caller
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// MarkCallerSaved exempts a caller from retention sweeps. Clearing
// ExpiresAt together with setting IsSaved keeps the §3-style invariant:
// saved callers never carry a deadline.
func (s *Store) MarkCallerSaved(ctx context.Context, id string) (*Caller, error) {
	res := s.db.WithContext(ctx).Model(&Caller{}).Where("id = ?", id).Updates(map[string]interface{}{
		"is_saved":   true,
		"expires_at": nil,
	})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return s.CallerByID(ctx, id)
}

func (s *Store) UpdateCallerProfile(ctx context.Context, id string, name, email string, prefs, meta JSONMap) (*Caller, error) {
	updates := map[string]interface{}{}
	if name != "" {
		updates["name"] = name
	}
	if email != "" {
		updates["email"] = email
	}
	if prefs != nil {
		updates["preferences"] = prefs
	}
	if meta != nil {
		updates["metadata"] = meta
	}
	if len(updates) > 0 {
		res := s.db.WithContext(ctx).Model(&Caller{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, gorm.ErrRecordNotFound
		}
	}
	return s.CallerByID(ctx, id)
}

// ListCallers pages through callers, optionally scoped to one tenant,
// most recently contacted first.
func (s *Store) ListCallers(ctx context.Context, tenantID string, offset, limit int) ([]Caller, int64, error) {
	q := s.db.WithContext(ctx).Model(&Caller{})
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var callers []Caller
	err := q.Order("last_call_at DESC").Offset(offset).Limit(limit).Find(&callers).Error
	return callers, total, err
}
