package http

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"classwatch/internal/hub/usecase"
	"classwatch/internal/shared/logger"
	"classwatch/internal/sync/domain/model"
	"classwatch/internal/sync/scope"
)

// WebSocketHandler manages push connections for the dashboard. Each
// connection subscribes to topics; events are fanned out by the broadcaster
// and forwarded here through a single buffered channel per connection.
type WebSocketHandler struct {
	broadcaster usecase.Broadcaster
	events      usecase.EventStore
	sendBuffer  int
	heartbeat   time.Duration
	log         logger.Logger
}

func NewWebSocketHandler(broadcaster usecase.Broadcaster, events usecase.EventStore, sendBuffer int, heartbeat time.Duration, log logger.Logger) *WebSocketHandler {
	if sendBuffer <= 0 {
		sendBuffer = 32
	}
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	if log == nil {
		log = &logger.NopLogger{}
	}
	return &WebSocketHandler{
		broadcaster: broadcaster,
		events:      events,
		sendBuffer:  sendBuffer,
		heartbeat:   heartbeat,
		log:         log.WithComponent("ws_handler"),
	}
}

// RegisterRoutes registers the WebSocket endpoint on a router already guarded
// by the viewer middleware; upgrade requests authenticate via ?token=.
func (h *WebSocketHandler) RegisterRoutes(router fiber.Router, path string) {
	router.Use(path, func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		viewer, sc, ok := ViewerFromCtx(c)
		if !ok {
			return writeError(c, fiber.StatusUnauthorized, "UNAUTHENTICATED", "Authentication required", nil)
		}
		c.Locals("ws_viewer", viewer)
		c.Locals("ws_scope", sc)
		return c.Next()
	})
	router.Get(path, websocket.New(h.handleConnection))
}

func (h *WebSocketHandler) handleConnection(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	viewer, _ := conn.Locals("ws_viewer").(model.Viewer)
	sc, _ := conn.Locals("ws_scope").(scope.Descriptor)
	subscriberID := uuid.NewString()

	h.log.Info("WebSocket connection established",
		zap.String("subscriberID", subscriberID),
		zap.String("viewerId", viewer.ID),
		zap.String("scope", sc.Fingerprint()))

	send := make(chan model.WireMessage, h.sendBuffer)

	defer func() {
		h.broadcaster.UnsubscribeAll(ctx, subscriberID)
		h.log.Info("WebSocket connection closed",
			zap.String("subscriberID", subscriberID),
			zap.String("viewerId", viewer.ID))
	}()

	go h.writeLoop(ctx, cancel, conn, subscriberID, send)

	h.readLoop(ctx, conn, subscriberID, sc, send)
}

// readLoop processes subscribe and unsubscribe frames until the client
// disconnects.
func (h *WebSocketHandler) readLoop(ctx context.Context, conn *websocket.Conn, subscriberID string, sc scope.Descriptor, send chan model.WireMessage) {
	for {
		var msg model.SubscriptionMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn("Error reading WebSocket message",
					zap.String("subscriberID", subscriberID), zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case model.MessageTypeSubscribe:
			if err := h.broadcaster.Subscribe(ctx, subscriberID, msg.Topic, sc, send); err != nil {
				h.log.Error("Subscription failed",
					zap.String("subscriberID", subscriberID),
					zap.String("topic", msg.Topic),
					zap.Error(err))
				continue
			}
			if msg.Since != "" {
				h.replay(ctx, subscriberID, msg.Topic, msg.Since, sc, send)
			}
		case model.MessageTypeUnsubscribe:
			if err := h.broadcaster.Unsubscribe(ctx, subscriberID, msg.Topic); err != nil {
				h.log.Error("Unsubscribe failed",
					zap.String("subscriberID", subscriberID),
					zap.String("topic", msg.Topic),
					zap.Error(err))
			}
		default:
			h.log.Warn("Unknown frame type from client",
				zap.String("subscriberID", subscriberID), zap.String("type", msg.Type))
		}
	}
}

// writeLoop is the single writer for the connection. Events and heartbeats
// never interleave because everything funnels through here.
func (h *WebSocketHandler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, subscriberID string, send <-chan model.WireMessage) {
	defer cancel()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-send:
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Warn("Error sending event to client",
					zap.String("subscriberID", subscriberID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// replay pushes retained events recorded after the resume position. Replayed
// events keep their original ids so the client's dedup window absorbs any
// overlap with live delivery, and they pass the same scope check the live
// path applies.
func (h *WebSocketHandler) replay(ctx context.Context, subscriberID, topic, since string, sc scope.Descriptor, send chan model.WireMessage) {
	if h.events == nil {
		return
	}

	events, _, err := h.events.EventsSince(ctx, topic, since)
	if err != nil {
		h.log.Warn("Event replay failed",
			zap.String("subscriberID", subscriberID),
			zap.String("topic", topic),
			zap.Error(err))
		return
	}

	replayed := 0
	for _, msg := range events {
		if !h.scopeAllows(sc, msg) {
			continue
		}
		select {
		case send <- msg:
			replayed++
		case <-ctx.Done():
			return
		}
	}

	h.log.Info("Replayed events for reconnecting client",
		zap.String("subscriberID", subscriberID),
		zap.String("topic", topic),
		zap.Int("eventCount", replayed))
}

func (h *WebSocketHandler) scopeAllows(sc scope.Descriptor, msg model.WireMessage) bool {
	switch msg.Type {
	case model.MessageTypeAlertNew, model.MessageTypeAlertUpdated, model.MessageTypeDeviceStatus:
		ev, err := model.DecodeChangeEvent(msg)
		if err != nil {
			return false
		}
		return sc.Allows(ev.Entity.ScopeID())
	default:
		return true
	}
}
