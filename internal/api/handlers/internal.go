package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/troikatech/voicebridge/internal/bridge"
	"github.com/troikatech/voicebridge/internal/store"
	"github.com/troikatech/voicebridge/internal/telephony"
	apperrors "github.com/troikatech/voicebridge/pkg/errors"
)

// The voice-AI process posts these callbacks while it runs a conversation.
// All routes are guarded by the internal shared-secret middleware.

type TranscriptRequest struct {
	Role       string    `json:"role" binding:"required"`
	Content    string    `json:"content" binding:"required"`
	Confidence *float64  `json:"confidence"`
	SpokenAt   time.Time `json:"spoken_at"`
}

func (h *Handler) InternalTranscript(c *gin.Context) {
	var req TranscriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.BadRequest(c, err.Error())
		return
	}

	role, err := store.ParseRole(req.Role)
	if err != nil {
		apperrors.BadRequest(c, err.Error())
		return
	}

	t, err := h.bridge.AppendTranscript(c.Request.Context(), c.Param("id"), role, req.Content, req.Confidence, req.SpokenAt)
	if err != nil {
		h.respondCallbackError(c, err)
		return
	}

	c.JSON(http.StatusCreated, t)
}

type ExtractionRequest struct {
	Type       string        `json:"type" binding:"required"`
	Data       store.JSONMap `json:"data"`
	Confidence *float64      `json:"confidence"`
}

func (h *Handler) InternalExtraction(c *gin.Context) {
	var req ExtractionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.BadRequest(c, err.Error())
		return
	}

	e, err := h.bridge.AppendExtraction(c.Request.Context(), c.Param("id"), req.Type, req.Data, req.Confidence)
	if err != nil {
		h.respondCallbackError(c, err)
		return
	}

	c.JSON(http.StatusCreated, e)
}

type CompleteRequest struct {
	Summary   string `json:"summary"`
	Sentiment string `json:"sentiment"`
}

func (h *Handler) InternalComplete(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.BadRequest(c, err.Error())
		return
	}

	sentiment, err := store.ParseSentiment(req.Sentiment)
	if err != nil {
		apperrors.BadRequest(c, err.Error())
		return
	}

	call, err := h.bridge.Complete(c.Request.Context(), c.Param("id"), req.Summary, sentiment)
	if err != nil {
		h.respondCallbackError(c, err)
		return
	}

	c.JSON(http.StatusOK, call)
}

type TransferCallRequest struct {
	TransferTo string `json:"transferTo" binding:"required"`
}

func (h *Handler) InternalTransfer(c *gin.Context) {
	var req TransferCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperrors.BadRequest(c, err.Error())
		return
	}

	call, err := h.bridge.Transfer(c.Request.Context(), c.Param("id"), req.TransferTo)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			apperrors.NotFound(c, "call not found")
		case errors.Is(err, bridge.ErrBadEvent):
			apperrors.BadRequest(c, err.Error())
		case errors.Is(err, bridge.ErrCallNotLive):
			apperrors.Conflict(c, err.Error())
		case errors.Is(err, bridge.ErrMissingExternalID):
			apperrors.UnprocessableEntity(c, err.Error())
		case errors.Is(err, telephony.ErrTransferUnsupported):
			apperrors.BadRequest(c, err.Error())
		case errors.Is(err, bridge.ErrTransferRejected):
			apperrors.BadGateway(c, err.Error())
		default:
			apperrors.InternalError(c, err, h.logger)
		}
		return
	}

	c.JSON(http.StatusOK, call)
}

func (h *Handler) respondCallbackError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		apperrors.NotFound(c, "call not found")
	case errors.Is(err, bridge.ErrBadEvent):
		apperrors.BadRequest(c, err.Error())
	default:
		apperrors.InternalError(c, err, h.logger)
	}
}
