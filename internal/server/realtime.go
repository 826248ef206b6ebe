package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/orbit/internal/session"
	"github.com/MarcoPoloResearchLab/orbit/internal/unread"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	EventToast          = "toast"
	EventUnread         = "unread"
	eventHeartbeat      = "heartbeat"
	commandMarkRead     = "mark_read"
	commandClearActive  = "clear_active"
	commandResubscribe  = "resubscribe"
	websocketReadLimit  = 4096
	websocketWriteWait  = 10 * time.Second
	websocketBufferSize = 1024
)

// frame is one WebSocket message pushed to the client.
type frame struct {
	Type  string        `json:"type"`
	Toast *unread.Toast `json:"toast,omitempty"`
	State *unread.State `json:"state,omitempty"`
	Error string        `json:"error,omitempty"`
}

// command is one WebSocket message sent by the client.
type command struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// handleNotificationStream pushes toasts and the unread state as server-sent events until the
// client disconnects or the session ends.
func (h *httpHandler) handleNotificationStream(c *gin.Context) {
	current, ok := h.openSession(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	toasts, unsubscribe := current.SubscribeToasts(ctx)
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	h.writeEvent(c, EventUnread, current.Tracker().Snapshot())

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-current.Done():
			return
		case toast := <-toasts:
			h.writeEvent(c, EventToast, toast)
			h.writeEvent(c, EventUnread, current.Tracker().Snapshot())
		case tick := <-ticker.C:
			h.writeEvent(c, eventHeartbeat, gin.H{"timestamp": tick.UTC()})
		}
	}
}

func (h *httpHandler) writeEvent(c *gin.Context, event string, payload any) {
	c.SSEvent(event, payload)
	c.Writer.Flush()
}

func (h *httpHandler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  websocketBufferSize,
		WriteBufferSize: websocketBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
}

// checkOrigin accepts same-origin requests, requests without an Origin header and, when
// origins are configured, only those origins.
func (h *httpHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigins == nil {
		return true
	}
	_, ok := h.allowedOrigins[origin]
	return ok
}

// handleWebSocket is the bidirectional variant of the notification stream: clients receive
// toast and unread frames and send mark_read and clear_active commands.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	current, ok := h.openSession(c)
	if !ok {
		return
	}
	conn, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", current.UserID()), zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	toasts, unsubscribe := current.SubscribeToasts(ctx)
	defer unsubscribe()

	commands := make(chan command)
	readerDone := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	go h.readCommands(conn, commands, readerDone, stop)

	if err := h.writeFrame(conn, frame{Type: EventUnread, State: snapshotOf(current)}); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-readerDone:
			return
		case <-current.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
				time.Now().Add(websocketWriteWait))
			return
		case toast := <-toasts:
			if err = h.writeFrame(conn, frame{Type: EventToast, Toast: &toast}); err == nil {
				err = h.writeFrame(conn, frame{Type: EventUnread, State: snapshotOf(current)})
			}
		case cmd := <-commands:
			err = h.applyCommand(conn, current, cmd)
		case <-ticker.C:
			err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(websocketWriteWait))
		}
		if err != nil {
			h.logger.Debug("websocket write failed", zap.String("user_id", current.UserID()), zap.Error(err))
			return
		}
	}
}

func (h *httpHandler) readCommands(conn *websocket.Conn, commands chan<- command, done chan<- struct{}, stop <-chan struct{}) {
	defer close(done)
	conn.SetReadLimit(websocketReadLimit)
	for {
		var cmd command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read failed", zap.Error(err))
			}
			return
		}
		select {
		case commands <- cmd:
		case <-stop:
			return
		}
	}
}

func (h *httpHandler) applyCommand(conn *websocket.Conn, current *session.Session, cmd command) error {
	switch cmd.Type {
	case commandMarkRead:
		if cmd.Key == "" {
			return h.writeFrame(conn, frame{Type: "error", Error: "invalid_conversation"})
		}
		current.Tracker().MarkAsRead(cmd.Key)
	case commandClearActive:
		current.Tracker().ClearActive()
	case commandResubscribe:
		if err := current.Tracker().Resubscribe(); err != nil {
			h.logger.Warn("tracker resubscribe failed", zap.String("user_id", current.UserID()), zap.Error(err))
			return h.writeFrame(conn, frame{Type: "error", Error: "resubscribe_failed"})
		}
	default:
		return h.writeFrame(conn, frame{Type: "error", Error: "unknown_command"})
	}
	return h.writeFrame(conn, frame{Type: EventUnread, State: snapshotOf(current)})
}

func (h *httpHandler) writeFrame(conn *websocket.Conn, payload frame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(websocketWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(payload)
}

func snapshotOf(current *session.Session) *unread.State {
	state := current.Tracker().Snapshot()
	return &state
}
