package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/troikatech/voicebridge/internal/store"
	apperrors "github.com/troikatech/voicebridge/pkg/errors"
	"github.com/troikatech/voicebridge/pkg/utils"
)

func (h *Handler) ListCallers(c *gin.Context) {
	p := utils.ParsePagination(c)

	callers, total, err := h.store.ListCallers(c.Request.Context(), c.GetString("tenant_id"), p.Offset(), p.Limit)
	if err != nil {
		apperrors.InternalError(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, utils.PaginatedResponse{
		Data:  callers,
		Page:  p.Page,
		Limit: p.Limit,
		Total: total,
	})
}

func (h *Handler) GetCaller(c *gin.Context) {
	caller, ok := h.tenantCaller(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, caller)
}

// SaveCaller exempts a caller from retention sweeps permanently.
func (h *Handler) SaveCaller(c *gin.Context) {
	caller, ok := h.tenantCaller(c)
	if !ok {
		return
	}

	saved, err := h.store.MarkCallerSaved(c.Request.Context(), caller.ID)
	if err != nil {
		apperrors.InternalError(c, err, h.logger)
		return
	}

	h.logger.Info("caller saved",
		zap.String("caller_id", saved.ID),
		zap.String("tenant_id", saved.TenantID),
	)
	c.JSON(http.StatusOK, saved)
}

type UpdateCallerRequest struct {
	Name        string        `json:"name"`
	Email       string        `json:"email"`
	Preferences store.JSONMap `json:"preferences"`
	Metadata    store.JSONMap `json:"metadata"`
}

// UpdateCaller fills in profile fields the agent learned during calls.
func (h *Handler) UpdateCaller(c *gin.Context) {
	caller, ok := h.tenantCaller(c)
	if !ok {
		return
	}

	var req UpdateCallerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.BadRequest(c, err.Error())
		return
	}

	updated, err := h.store.UpdateCallerProfile(c.Request.Context(), caller.ID, req.Name, req.Email, req.Preferences, req.Metadata)
	if err != nil {
		apperrors.InternalError(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, updated)
}

func (h *Handler) tenantCaller(c *gin.Context) (*store.Caller, bool) {
	caller, err := h.store.CallerByID(c.Request.Context(), c.Param("id"))
	if err != nil || caller.TenantID != c.GetString("tenant_id") {
		apperrors.NotFound(c, "caller not found")
		return nil, false
	}
	return caller, true
}
