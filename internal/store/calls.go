package store

import (
	"context"
	"time"
)

func (s *Store) CreateCall(ctx context.Context, c *Call) error {
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *Store) CallByID(ctx context.Context, id string) (*Call, error) {
	var c Call
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) CallByExternalID(ctx context.Context, externalID string) (*Call, error) {
	var c Call
	if err := s.db.WithContext(ctx).First(&c, "external_id = ?", externalID).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCall persists lifecycle fields mutated by the bridge.
func (s *Store) UpdateCall(ctx context.Context, c *Call) error {
	return s.db.WithContext(ctx).Model(&Call{}).Where("id = ?", c.ID).Updates(map[string]interface{}{
		"status":        c.Status,
		"answered_at":   c.AnsweredAt,
		"ended_at":      c.EndedAt,
		"duration_secs": c.DurationSecs,
		"summary":       c.Summary,
		"sentiment":     c.Sentiment,
	}).Error
}

func (s *Store) SetConversationID(ctx context.Context, callID, conversationID string) error {
	return s.db.WithContext(ctx).Model(&Call{}).Where("id = ?", callID).
		Update("conversation_id", conversationID).Error
}

// BindExternalID attaches the provider-assigned call id once known.
// Outbound calls placed by the voice-AI process get theirs late.
func (s *Store) BindExternalID(ctx context.Context, callID, externalID string) error {
	return s.db.WithContext(ctx).Model(&Call{}).Where("id = ?", callID).
		Update("external_id", externalID).Error
}

// ListCalls pages through calls, newest first, optionally tenant-scoped.
func (s *Store) ListCalls(ctx context.Context, tenantID string, offset, limit int) ([]Call, int64, error) {
	q := s.db.WithContext(ctx).Model(&Call{})
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var calls []Call
	err := q.Order("started_at DESC").Offset(offset).Limit(limit).Find(&calls).Error
	return calls, total, err
}

// RecentCallsWithExtractions returns the caller's latest calls, most
// recent first, extractions preloaded. Feeds the context assembler.
func (s *Store) RecentCallsWithExtractions(ctx context.Context, callerID string, limit int) ([]Call, error) {
	var calls []Call
	err := s.db.WithContext(ctx).
		Preload("Extractions").
		Where("caller_id = ?", callerID).
		Order("started_at DESC").
		Limit(limit).
		Find(&calls).Error
	return calls, err
}

func (s *Store) AppendTranscript(ctx context.Context, t *Transcript) error {
	if t.SpokenAt.IsZero() {
		t.SpokenAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(t).Error
}

// TranscriptsByCall returns utterances in spoken order, insertion order
// breaking ties.
func (s *Store) TranscriptsByCall(ctx context.Context, callID string) ([]Transcript, error) {
	var ts []Transcript
	err := s.db.WithContext(ctx).
		Where("call_id = ?", callID).
		Order("spoken_at ASC").
		Order("created_at ASC").
		Find(&ts).Error
	return ts, err
}

func (s *Store) AppendExtraction(ctx context.Context, e *Extraction) error {
	return s.db.WithContext(ctx).Create(e).Error
}

// AddRecording stores a provider recording URL, idempotent per
// (call, URL) since providers repeat it on redelivered callbacks.
func (s *Store) AddRecording(ctx context.Context, callID, url string, durationSecs int) (*Recording, error) {
	rec := Recording{CallID: callID, URL: url, DurationSecs: durationSecs}
	err := s.db.WithContext(ctx).
		Where("call_id = ? AND url = ?", callID, url).
		FirstOrCreate(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) LatestRecordingByCall(ctx context.Context, callID string) (*Recording, error) {
	var rec Recording
	err := s.db.WithContext(ctx).
		Where("call_id = ?", callID).
		Order("created_at DESC").
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CountCallRows reports how many dependent rows hang off the given
// callers. The retention preview uses this without mutating anything.
func (s *Store) CountCallRows(ctx context.Context, callerIDs []string) (calls, transcripts, extractions, recordings int64, err error) {
	if len(callerIDs) == 0 {
		return 0, 0, 0, 0, nil
	}
	db := s.db.WithContext(ctx)

	callIDs := db.Model(&Call{}).Select("id").Where("caller_id IN ?", callerIDs)

	if err = db.Model(&Call{}).Where("caller_id IN ?", callerIDs).Count(&calls).Error; err != nil {
		return
	}
	if err = db.Model(&Transcript{}).Where("call_id IN (?)", callIDs).Count(&transcripts).Error; err != nil {
		return
	}
	if err = db.Model(&Extraction{}).Where("call_id IN (?)", callIDs).Count(&extractions).Error; err != nil {
		return
	}
	err = db.Model(&Recording{}).Where("call_id IN (?)", callIDs).Count(&recordings).Error
	return
}
