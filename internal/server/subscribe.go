package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/psky-social/relay/internal/hub"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxInboundSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:   1024,
	WriteBufferSize:  4096,
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

type subscribeQuery struct {
	WantedRooms []string `form:"wantedRooms"`
}

func (h *httpHandler) handleSubscribe(c *gin.Context) {
	var query subscribeQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	address := c.ClientIP()
	subscription, cancel := h.hub.Subscribe(c.Request.Context(), address, query.WantedRooms)
	logger := h.logger.With(zap.String("subscriber_id", subscription.ID), zap.String("address", address))
	logger.Debug("subscriber connected", zap.Strings("rooms", query.WantedRooms))

	done := make(chan struct{})
	go func() {
		defer close(done)
		readPump(conn)
	}()
	writePump(conn, subscription.Stream, done, logger)

	cancel()
	_ = conn.Close()
	<-done
	logger.Debug("subscriber disconnected")
}

// readPump discards inbound frames and keeps the read deadline alive on pong.
// It returns when the peer goes away.
func readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxInboundSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// writePump forwards envelopes as text frames until the stream closes or the
// connection fails.
func writePump(conn *websocket.Conn, stream <-chan hub.Envelope, done <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case envelope, ok := <-stream:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, envelope.Payload); err != nil {
				logger.Debug("subscriber write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
