package handlers

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qabridge/backend/internal/delivery"
	"github.com/qabridge/backend/internal/dispatch"
	"github.com/qabridge/backend/internal/storage/models"
	"github.com/qabridge/backend/pkg/logger"
)

// WebSocketScheme addresses a live websocket connection by its id.
const WebSocketScheme = "ws"

// jsonWriter is the part of a websocket connection replies are written to.
type jsonWriter interface {
	WriteJSON(v interface{}) error
}

type conn struct {
	mu sync.Mutex
	w  jsonWriter
}

func (c *conn) write(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.WriteJSON(v)
}

// Hub tracks open websocket connections and delivers replies to them.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*conn
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*conn)}
}

func (h *Hub) add(id string, w jsonWriter) *conn {
	c := &conn{w: w}
	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()
	return c
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.conns, id)
	h.mu.Unlock()
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Deliver writes the reply to the connection named by address.
func (h *Hub) Deliver(_ context.Context, address string, reply delivery.Reply) error {
	h.mu.RLock()
	c, ok := h.conns[address]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("websocket connection %s is closed", address)
	}

	kind := "answer"
	switch {
	case reply.TimedOut:
		kind = "timeout"
	case reply.Failed:
		kind = "failed"
	}
	return c.write(map[string]interface{}{
		"type":           kind,
		"request_id":     reply.RequestID,
		"interaction_id": reply.InteractionID,
		"content":        reply.Text,
		"language":       reply.Language,
	})
}

type WebSocketHandler struct {
	dispatcher Dispatcher
	hub        *Hub
}

func NewWebSocketHandler(d Dispatcher, hub *Hub) *WebSocketHandler {
	return &WebSocketHandler{dispatcher: d, hub: hub}
}

type wsMessage struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	UserID   string `json:"user_id"`
	Priority string `json:"priority"`
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	id := uuid.NewString()
	wc := h.hub.add(id, c)
	logger.Info("WebSocket connection established", zap.String("connection_id", id))

	defer func() {
		h.hub.remove(id)
		c.Close()
		logger.Info("WebSocket connection closed", zap.String("connection_id", id))
	}()

	for {
		var msg wsMessage
		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.String("connection_id", id), zap.Error(err))
			return
		}
		if err := h.handleMessage(context.Background(), id, wc, msg); err != nil {
			logger.Error("Failed to write to WebSocket", zap.String("connection_id", id), zap.Error(err))
			return
		}
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, connID string, wc *conn, msg wsMessage) error {
	if msg.Type != "question" {
		return nil
	}

	priority, err := models.ParsePriority(msg.Priority)
	if err != nil {
		return sendError(wc, err.Error())
	}

	requester := msg.UserID
	if requester == "" {
		requester = connID
	}
	ticket, err := h.dispatcher.Dispatch(ctx, dispatch.Request{
		RequesterID: requester,
		Destination: delivery.Destination(WebSocketScheme, connID),
		Text:        msg.Content,
		Priority:    priority,
	})
	if err != nil {
		logger.Warn("WebSocket question rejected", zap.String("connection_id", connID), zap.Error(err))
		return sendError(wc, err.Error())
	}

	return wc.write(map[string]interface{}{
		"type":       "accepted",
		"request_id": ticket.RequestID,
		"language":   ticket.Language,
		"deadline":   ticket.Deadline,
	})
}

func sendError(wc *conn, msg string) error {
	return wc.write(map[string]interface{}{
		"type":  "error",
		"error": msg,
	})
}
