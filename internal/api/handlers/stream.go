package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamWriteWait = 10 * time.Second
	streamPingEvery = 30 * time.Second
)

func (h *Handler) streamUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			// In development, allow all origins
			if h.cfg.AppEnv == "development" {
				return true
			}

			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range strings.Split(h.cfg.CORSAllowedOrigins, ",") {
				allowed = strings.TrimSpace(allowed)
				if allowed == "*" || allowed == origin {
					return true
				}
			}

			h.logger.Warn("stream connection rejected - invalid origin",
				zap.String("origin", origin),
				zap.String("remote_addr", r.RemoteAddr),
			)
			return false
		},
	}
}

// CallStream relays live call events (status transitions, transcripts,
// extractions, completion) to a dashboard WebSocket, one call per
// connection.
func (h *Handler) CallStream(c *gin.Context) {
	call, ok := h.tenantCall(c)
	if !ok {
		return
	}

	upgrader := h.streamUpgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("stream upgrade failed",
			zap.String("call_id", call.ID),
			zap.Error(err),
		)
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe(call.ID)
	defer h.hub.Unsubscribe(call.ID, sub)

	h.logger.Info("stream subscriber connected", zap.String("call_id", call.ID))

	// The dashboard never sends data; reading is what surfaces close
	// frames and connection loss.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingEvery)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
