package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/troikatech/voicebridge/internal/sweeper"
	apperrors "github.com/troikatech/voicebridge/pkg/errors"
)

// RunRetentionSweep triggers a sweep outside the cron schedule. With
// ?preview=true it reports what would be deleted without mutating.
func (h *Handler) RunRetentionSweep(c *gin.Context) {
	preview, _ := strconv.ParseBool(c.DefaultQuery("preview", "false"))

	report, err := h.sweeper.RunOnce(c.Request.Context(), preview)
	if err != nil {
		if errors.Is(err, sweeper.ErrSweepLocked) {
			apperrors.Conflict(c, err.Error())
			return
		}
		apperrors.InternalError(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, report)
}
