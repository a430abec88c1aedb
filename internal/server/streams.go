package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/events"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultStreamHeartbeat = 25 * time.Second
	streamEventRoom        = "room-event"
	streamEventHeartbeat   = "heartbeat"
	websocketWriteTimeout  = 10 * time.Second
	websocketBufferSize    = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  websocketBufferSize,
	WriteBufferSize: websocketBufferSize,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleEventStream relays room events as server-sent events.
func (h *httpHandler) handleEventStream(c *gin.Context) {
	roomID, ok := h.requireMembership(c)
	if !ok {
		return
	}
	messages, cancel := h.hub.Subscribe(c.Request.Context(), roomID)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case message, open := <-messages:
			if !open {
				return false
			}
			c.SSEvent(streamEventRoom, message.Event)
			return true
		case <-heartbeat.C:
			c.SSEvent(streamEventHeartbeat, gin.H{"at_ms": time.Now().UTC().UnixMilli()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// handleWebsocket relays room events over a websocket. Inbound frames are
// ignored; the read loop only detects the peer going away.
func (h *httpHandler) handleWebsocket(c *gin.Context) {
	roomID, ok := h.requireMembership(c)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	defer conn.Close()

	messages, cancel := h.hub.Subscribe(c.Request.Context(), roomID)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-closed:
			return
		case message, open := <-messages:
			if !open {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout))
			if err := conn.WriteJSON(wireMessage(message)); err != nil {
				h.logger.Debug("websocket write failed", zap.String("room_id", roomID), zap.Error(err))
				return
			}
		case <-heartbeat.C:
			deadline := time.Now().Add(websocketWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (h *httpHandler) requireMembership(c *gin.Context) (string, bool) {
	principal := principalFrom(c)
	roomID := c.Param("room")
	if _, err := h.collab.Touch(c.Request.Context(), roomID, principal.UserID); err != nil {
		h.writeError(c, err)
		return "", false
	}
	return roomID, true
}

type streamMessage struct {
	Type  string       `json:"type"`
	Room  string       `json:"room"`
	Event events.Event `json:"event"`
}

func wireMessage(message events.Message) streamMessage {
	return streamMessage{Type: streamEventRoom, Room: message.Topic, Event: message.Event}
}
