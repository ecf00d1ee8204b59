package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/bridge"
	"github.com/troikatech/voicebridge/internal/store"
	"github.com/troikatech/voicebridge/internal/telephony"
	apperrors "github.com/troikatech/voicebridge/pkg/errors"
	"github.com/troikatech/voicebridge/pkg/utils"
)

type CreateCallRequest struct {
	PhoneNumberID string `json:"phoneNumberId" binding:"required"`
	ToNumber      string `json:"toNumber" binding:"required"`
}

// CreateCall places an outbound call from one of the tenant's numbers.
func (h *Handler) CreateCall(c *gin.Context) {
	var req CreateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.BadRequest(c, err.Error())
		return
	}

	// Numbers belong to exactly one tenant; a token for another tenant
	// must not be able to dial from this one.
	number, err := h.store.PhoneNumberByID(c.Request.Context(), req.PhoneNumberID)
	if err != nil || number.TenantID != c.GetString("tenant_id") {
		apperrors.BadRequest(c, "phone number is not provisioned for this tenant")
		return
	}

	call, err := h.bridge.PlaceCall(c.Request.Context(), req.PhoneNumberID, req.ToNumber)
	if err != nil {
		switch {
		case errors.Is(err, bridge.ErrUnknownNumber),
			errors.Is(err, bridge.ErrNoAgentConfig),
			errors.Is(err, telephony.ErrDialUnsupported):
			apperrors.BadRequest(c, err.Error())
		case errors.Is(err, bridge.ErrDialFailed):
			h.logger.Warn("outbound dial failed",
				zap.String("phone_number_id", req.PhoneNumberID),
				zap.Error(err),
			)
			apperrors.BadRequest(c, err.Error())
		default:
			apperrors.InternalError(c, err, h.logger)
		}
		return
	}

	c.JSON(http.StatusCreated, call)
}

func (h *Handler) ListCalls(c *gin.Context) {
	p := utils.ParsePagination(c)

	calls, total, err := h.store.ListCalls(c.Request.Context(), c.GetString("tenant_id"), p.Offset(), p.Limit)
	if err != nil {
		apperrors.InternalError(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, utils.PaginatedResponse{
		Data:  calls,
		Page:  p.Page,
		Limit: p.Limit,
		Total: total,
	})
}

func (h *Handler) GetCall(c *gin.Context) {
	call, ok := h.tenantCall(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h *Handler) GetTranscripts(c *gin.Context) {
	call, ok := h.tenantCall(c)
	if !ok {
		return
	}

	ts, err := h.store.TranscriptsByCall(c.Request.Context(), call.ID)
	if err != nil {
		apperrors.InternalError(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": ts})
}

// GetRecording redirects to the provider-hosted media URL; no audio is
// proxied through this service.
func (h *Handler) GetRecording(c *gin.Context) {
	call, err := h.store.CallByID(c.Request.Context(), c.Param("call_id"))
	if err != nil || call.TenantID != c.GetString("tenant_id") {
		apperrors.NotFound(c, "call not found")
		return
	}

	rec, err := h.store.LatestRecordingByCall(c.Request.Context(), call.ID)
	if err != nil {
		apperrors.NotFound(c, "recording not available")
		return
	}

	c.Redirect(http.StatusFound, rec.URL)
}

// tenantCall loads the :id call and hides other tenants' calls behind 404.
func (h *Handler) tenantCall(c *gin.Context) (*store.Call, bool) {
	call, err := h.store.CallByID(c.Request.Context(), c.Param("id"))
	if err != nil || call.TenantID != c.GetString("tenant_id") {
		apperrors.NotFound(c, "call not found")
		return nil, false
	}
	return call, true
}
