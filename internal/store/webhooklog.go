package store

import (
	"context"
	"time"
)

// RecordWebhook keeps the raw payload of an authenticated webhook.
// Logging failures must never block call processing; callers log and
// move on.
func (s *Store) RecordWebhook(ctx context.Context, provider Provider, kind, externalID string, payload JSONMap) error {
	entry := WebhookLog{
		Provider:   provider,
		Kind:       kind,
		ExternalID: externalID,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
	return s.db.WithContext(ctx).Create(&entry).Error
}

// RecentWebhookLogs returns the latest entries for the debug endpoint.
func (s *Store) RecentWebhookLogs(ctx context.Context, provider string, limit int) ([]WebhookLog, error) {
	q := s.db.WithContext(ctx).Model(&WebhookLog{})
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var logs []WebhookLog
	err := q.Order("received_at DESC").Limit(limit).Find(&logs).Error
	return logs, err
}
