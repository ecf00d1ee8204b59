package store

import (
	"context"

	"gorm.io/gorm/clause"
)

func (s *Store) CreateTenant(ctx context.Context, t *Tenant) error {
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *Store) TenantByID(ctx context.Context, id string) (*Tenant, error) {
	var t Tenant
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) CreatePhoneNumber(ctx context.Context, n *PhoneNumber) error {
	return s.db.WithContext(ctx).Create(n).Error
}

// PhoneNumberByNumber resolves a dialed number to its owning tenant.
// Inbound webhooks for numbers we do not own resolve to ErrNotFound.
func (s *Store) PhoneNumberByNumber(ctx context.Context, number string) (*PhoneNumber, error) {
	var n PhoneNumber
	err := s.db.WithContext(ctx).Preload("Tenant").First(&n, "number = ?", number).Error
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Store) PhoneNumberByID(ctx context.Context, id string) (*PhoneNumber, error) {
	var n PhoneNumber
	err := s.db.WithContext(ctx).Preload("Tenant").First(&n, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Store) AgentConfigByTenant(ctx context.Context, tenantID string) (*AgentConfig, error) {
	var a AgentConfig
	err := s.db.WithContext(ctx).First(&a, "tenant_id = ?", tenantID).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpsertAgentConfig writes the tenant's single agent configuration,
// replacing any existing row for the tenant.
func (s *Store) UpsertAgentConfig(ctx context.Context, a *AgentConfig) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"system_prompt", "greeting", "fallback_text", "voice_id", "language",
			"telephony_provider",
			"stt_provider", "tts_provider", "llm_provider", "llm_model",
			"stt_key_sealed", "tts_key_sealed", "llm_key_sealed",
			"memory_enabled", "extraction_enabled", "recording_enabled",
			"max_call_duration_secs", "updated_at",
		}),
	}).Create(a).Error
}
