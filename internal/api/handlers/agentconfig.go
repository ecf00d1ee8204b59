package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/troikatech/voicebridge/internal/store"
	apperrors "github.com/troikatech/voicebridge/pkg/errors"
)

func (h *Handler) GetAgentConfig(c *gin.Context) {
	cfg, err := h.store.AgentConfigByTenant(c.Request.Context(), c.GetString("tenant_id"))
	if err != nil {
		apperrors.NotFound(c, "agent is not configured for this tenant")
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// AgentConfigRequest replaces the tenant's agent configuration. Provider
// API keys are write-only: they are sealed before storage, never echoed
// back, and an omitted key keeps the stored one.
type AgentConfigRequest struct {
	SystemPrompt string `json:"systemPrompt" binding:"required"`
	Greeting     string `json:"greeting"`
	FallbackText string `json:"fallbackText"`
	VoiceID      string `json:"voiceId"`
	Language     string `json:"language"`

	TelephonyProvider string `json:"telephonyProvider"`

	STTProvider string `json:"sttProvider"`
	TTSProvider string `json:"ttsProvider"`
	LLMProvider string `json:"llmProvider"`
	LLMModel    string `json:"llmModel"`

	STTKey string `json:"sttKey"`
	TTSKey string `json:"ttsKey"`
	LLMKey string `json:"llmKey"`

	MemoryEnabled       *bool `json:"memoryEnabled"`
	ExtractionEnabled   *bool `json:"extractionEnabled"`
	RecordingEnabled    *bool `json:"recordingEnabled"`
	MaxCallDurationSecs int   `json:"maxCallDurationSecs"`
}

func (h *Handler) PutAgentConfig(c *gin.Context) {
	var req AgentConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.BadRequest(c, err.Error())
		return
	}
	if req.Language == "" {
		req.Language = "en-US"
	}
	telephony := store.ProviderExotel
	if req.TelephonyProvider != "" {
		p, err := store.ParseProvider(req.TelephonyProvider)
		if err != nil {
			apperrors.BadRequest(c, err.Error())
			return
		}
		telephony = p
	}

	tenantID := c.GetString("tenant_id")
	cfg := &store.AgentConfig{
		TenantID:     tenantID,
		SystemPrompt: req.SystemPrompt,
		Greeting:     req.Greeting,
		FallbackText: req.FallbackText,
		VoiceID:      req.VoiceID,
		Language:     req.Language,

		TelephonyProvider: telephony,

		STTProvider: req.STTProvider,
		TTSProvider: req.TTSProvider,
		LLMProvider: req.LLMProvider,
		LLMModel:    req.LLMModel,

		MemoryEnabled:       boolOr(req.MemoryEnabled, true),
		ExtractionEnabled:   boolOr(req.ExtractionEnabled, true),
		RecordingEnabled:    boolOr(req.RecordingEnabled, false),
		MaxCallDurationSecs: req.MaxCallDurationSecs,
	}

	if existing, err := h.store.AgentConfigByTenant(c.Request.Context(), tenantID); err == nil {
		cfg.STTKeySealed = existing.STTKeySealed
		cfg.TTSKeySealed = existing.TTSKeySealed
		cfg.LLMKeySealed = existing.LLMKeySealed
	}

	for _, k := range []struct {
		plain  string
		sealed *string
	}{
		{req.STTKey, &cfg.STTKeySealed},
		{req.TTSKey, &cfg.TTSKeySealed},
		{req.LLMKey, &cfg.LLMKeySealed},
	} {
		if k.plain == "" {
			continue
		}
		sealed, err := h.sealer.Seal(k.plain)
		if err != nil {
			apperrors.InternalError(c, err, h.logger)
			return
		}
		*k.sealed = sealed
	}

	if err := h.store.UpsertAgentConfig(c.Request.Context(), cfg); err != nil {
		apperrors.InternalError(c, err, h.logger)
		return
	}

	saved, err := h.store.AgentConfigByTenant(c.Request.Context(), tenantID)
	if err != nil {
		apperrors.InternalError(c, err, h.logger)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
