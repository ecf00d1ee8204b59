package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "github.com/troikatech/voicebridge/pkg/errors"
)

// ListWebhookLogs exposes recent raw provider payloads for debugging
// delivery problems. Admin only; payloads can contain caller numbers.
func (h *Handler) ListWebhookLogs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	logs, err := h.store.RecentWebhookLogs(c.Request.Context(), c.Query("provider"), limit)
	if err != nil {
		apperrors.InternalError(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    logs,
		"count":   len(logs),
	})
}
