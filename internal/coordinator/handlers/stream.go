package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/events"
	"github.com/kestrelhq/kestrel/internal/events/bus"
)

const streamHeartbeatInterval = 15 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// snapshotSessions builds the initial burst for a new stream subscriber:
// one session_created message per existing session, captured atomically
// with the subscription so no update is missed or duplicated.
func (h *Handler) snapshotSessions(c *gin.Context) func() ([]bus.Message, error) {
	return func() ([]bus.Message, error) {
		sessions, err := h.store.ListSessions(c.Request.Context())
		if err != nil {
			return nil, err
		}
		msgs := make([]bus.Message, 0, len(sessions))
		for _, s := range sessions {
			msgs = append(msgs, bus.SessionMessage(events.SessionCreated, s))
		}
		return msgs, nil
	}
}

// StreamSessions handles GET /stream/sessions as server-sent events. The
// client first receives a snapshot of all sessions, then live updates.
func (h *Handler) StreamSessions(c *gin.Context) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, snapshot, err := h.bus.SubscribeWithSnapshot(c.Request.Context(), h.snapshotSessions(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer sub.Unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	for _, msg := range snapshot {
		if err := writeSSE(c.Writer, msg); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case msg, open := <-sub.C():
			if !open {
				if sub.Lagged() {
					h.log.Warn("dropping slow SSE client", zap.String("subscription_id", sub.ID()))
				}
				return
			}
			if err := writeSSE(c.Writer, msg); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, msg bus.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Kind, data)
	return err
}

// StreamSessionsWS handles GET /stream/sessions/ws, the websocket mirror of
// the SSE stream for clients behind proxies that buffer SSE.
func (h *Handler) StreamSessionsWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub, snapshot, err := h.bus.SubscribeWithSnapshot(c.Request.Context(), h.snapshotSessions(c))
	if err != nil {
		h.log.Error("websocket subscribe failed", zap.Error(err))
		return
	}
	defer sub.Unsubscribe()

	// Drain client frames so close and ping/pong are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Unsubscribe()
				return
			}
		}
	}()

	for _, msg := range snapshot {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case msg, open := <-sub.C():
			if !open {
				if sub.Lagged() {
					h.log.Warn("dropping slow websocket client", zap.String("subscription_id", sub.ID()))
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber lagged"),
					time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		}
	}
}
