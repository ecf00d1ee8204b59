package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrCallerSaved aborts a purge whose target was saved mid-sweep.
var ErrCallerSaved = errors.New("caller is saved")

// PurgeStats counts what one purge removed.
type PurgeStats struct {
	Calls       int64 `json:"calls"`
	Transcripts int64 `json:"transcripts"`
	Extractions int64 `json:"extractions"`
	Recordings  int64 `json:"recordings"`
}

// ExpiredCallers returns callers eligible for deletion: unsaved and past
// their retention deadline. The isSaved predicate lives in the query on
// purpose even though saving clears expires_at.
func (s *Store) ExpiredCallers(ctx context.Context, now time.Time, limit int) ([]Caller, error) {
	var callers []Caller
	q := s.db.WithContext(ctx).
		Where("is_saved = ? AND expires_at IS NOT NULL AND expires_at <= ?", false, now).
		Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&callers).Error
	return callers, err
}

// PurgeCaller deletes one caller and everything hanging off it, in a
// single transaction. The caller row is re-read inside the transaction
// and skipped if it was saved since selection.
func (s *Store) PurgeCaller(ctx context.Context, callerID string) (*PurgeStats, error) {
	stats := &PurgeStats{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var caller Caller
		if err := tx.First(&caller, "id = ?", callerID).Error; err != nil {
			return err
		}
		if caller.IsSaved {
			return ErrCallerSaved
		}

		callIDs := tx.Model(&Call{}).Select("id").Where("caller_id = ?", callerID)

		res := tx.Where("call_id IN (?)", callIDs).Delete(&Transcript{})
		if res.Error != nil {
			return res.Error
		}
		stats.Transcripts = res.RowsAffected

		res = tx.Where("call_id IN (?)", callIDs).Delete(&Extraction{})
		if res.Error != nil {
			return res.Error
		}
		stats.Extractions = res.RowsAffected

		res = tx.Where("call_id IN (?)", callIDs).Delete(&Recording{})
		if res.Error != nil {
			return res.Error
		}
		stats.Recordings = res.RowsAffected

		res = tx.Where("caller_id = ?", callerID).Delete(&Call{})
		if res.Error != nil {
			return res.Error
		}
		stats.Calls = res.RowsAffected

		return tx.Delete(&Caller{}, "id = ?", callerID).Error
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}
