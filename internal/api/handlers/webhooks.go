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
	"github.com/troikatech/voicebridge/pkg/logger"
	"github.com/troikatech/voicebridge/pkg/webhook"
)

// IncomingWebhook handles a provider's new-call announcement. The webhook
// guard has already deduplicated and signature-checked the delivery.
func (h *Handler) IncomingWebhook(provider store.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := telephony.DecodePayload(provider, webhook.RawBody(c))
		if err != nil {
			apperrors.BadRequest(c, "payload could not be parsed")
			return
		}

		ev := telephony.InboundEventFrom(provider, payload)
		h.logWebhook(c, provider, "incoming", ev.ExternalID, payload)

		res, err := h.bridge.HandleIncoming(c.Request.Context(), provider, ev)
		if err != nil {
			switch {
			case errors.Is(err, bridge.ErrBadEvent):
				apperrors.BadRequest(c, err.Error())
			case errors.Is(err, bridge.ErrUnknownNumber):
				apperrors.NotFound(c, "dialed number is not provisioned")
			default:
				apperrors.InternalError(c, err, h.logger)
			}
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"call_id": res.Call.ID,
			"created": res.Created,
		})
	}
}

// StatusWebhook handles a provider's lifecycle callback for a known call.
func (h *Handler) StatusWebhook(provider store.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := telephony.DecodePayload(provider, webhook.RawBody(c))
		if err != nil {
			apperrors.BadRequest(c, "payload could not be parsed")
			return
		}

		ev := telephony.StatusEventFrom(provider, payload)
		h.logWebhook(c, provider, "status", ev.ExternalID, payload)

		call, err := h.bridge.HandleStatus(c.Request.Context(), provider, ev)
		if err != nil {
			switch {
			case errors.Is(err, bridge.ErrBadEvent):
				apperrors.BadRequest(c, err.Error())
			case errors.Is(err, store.ErrNotFound):
				apperrors.NotFound(c, "no call matches the provider call id")
			default:
				apperrors.InternalError(c, err, h.logger)
			}
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"call_id": call.ID,
			"status":  call.Status,
		})
	}
}

// PlivoTransferXML serves the dial document Plivo fetches while moving a
// live call to a human number.
func (h *Handler) PlivoTransferXML(c *gin.Context) {
	to := c.Query("to")
	if to == "" {
		apperrors.BadRequest(c, "to query parameter is required")
		return
	}
	c.Data(http.StatusOK, "application/xml", []byte(telephony.TransferXML(to)))
}

// logWebhook keeps the raw payload for operator debugging. Failures are
// logged and never block call processing.
func (h *Handler) logWebhook(c *gin.Context, provider store.Provider, kind, externalID string, payload telephony.Payload) {
	if err := h.store.RecordWebhook(c.Request.Context(), provider, kind, externalID, store.JSONMap(payload)); err != nil {
		h.logger.Warn("webhook log write failed", append(
			logger.WebhookFields(provider.Route(), kind, externalID),
			zap.Error(err))...)
	}
}
