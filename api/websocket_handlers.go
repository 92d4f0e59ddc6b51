package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/flowboard/flowboard/internal/slogging"
)

// MessageHandler handles one inbound event type
type MessageHandler interface {
	EventType() string
	Handle(hub *WebSocketHub, client *WebSocketClient, message []byte) error
}

// MessageRouter decodes inbound frames once and dispatches them by
// declared type
type MessageRouter struct {
	handlers map[string]MessageHandler
}

// NewMessageRouter creates a router with the default handlers registered
func NewMessageRouter() *MessageRouter {
	router := &MessageRouter{
		handlers: make(map[string]MessageHandler),
	}

	router.RegisterHandler(&DiagramUpdateHandler{})
	router.RegisterHandler(&CursorPositionHandler{})
	router.RegisterHandler(&SelectionChangeHandler{})
	router.RegisterHandler(&ChatMessageHandler{})

	return router
}

// RegisterHandler registers a handler for its event type
func (r *MessageRouter) RegisterHandler(handler MessageHandler) {
	r.handlers[handler.EventType()] = handler
}

// Route dispatches a frame to the handler for its declared type. Every
// failure mode replies to the sender only; no inbound frame closes the
// session or surfaces to other room members.
func (r *MessageRouter) Route(hub *WebSocketHub, client *WebSocketClient, message []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			slogging.Get().Error("PANIC in message router: session_id=%s, error=%v, stack=%s",
				client.SessionID, rec, debug.Stack())
			client.Send(mustMarshal(NewErrorEvent(fmt.Sprintf("Error processing message: %v", rec))))
		}
	}()

	var frame inboundFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		slogging.Get().Debug("Undecodable frame: session_id=%s, error=%v", client.SessionID, err)
		client.Send(mustMarshal(NewErrorEvent("Invalid JSON format")))
		return
	}

	// A frame without a type is a diagram update
	eventType := frame.Type
	if eventType == "" {
		eventType = InboundTypeDiagramUpdate
	}

	handler, exists := r.handlers[eventType]
	if !exists {
		slogging.Get().Debug("Unknown message type %q: session_id=%s", eventType, client.SessionID)
		client.Send(mustMarshal(NewErrorEvent("Unknown message type")))
		return
	}

	metricMessagesTotal.WithLabelValues(eventType).Inc()

	if err := handler.Handle(hub, client, message); err != nil {
		slogging.Get().Warn("Handler failed for %s: session_id=%s, error=%v", eventType, client.SessionID, err)
		client.Send(mustMarshal(NewErrorEvent(fmt.Sprintf("Error processing message: %v", err))))
	}
}

// DiagramUpdateHandler relays diagram edits to the whole room and, for
// save operations, persists the body through the auto-save path.
type DiagramUpdateHandler struct{}

// EventType returns the inbound type this handler serves
func (h *DiagramUpdateHandler) EventType() string {
	return InboundTypeDiagramUpdate
}

// Handle persists save/auto_save operations and broadcasts the update to
// every room member, the sender included.
func (h *DiagramUpdateHandler) Handle(hub *WebSocketHub, client *WebSocketClient, message []byte) error {
	var req DiagramUpdateRequest
	if err := json.Unmarshal(message, &req); err != nil {
		return fmt.Errorf("malformed diagram update: %w", err)
	}
	if req.Operation == "" {
		req.Operation = "update"
	}
	if req.DiagramData == nil {
		req.DiagramData = map[string]interface{}{}
	}

	if req.Operation == "save" || req.Operation == "auto_save" {
		// Best-effort: the auto-save path never snapshots a version,
		// never bumps the counter, and never surfaces a failure to the
		// client. Explicit version history goes through the REST save
		// endpoint.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := hub.diagrams.OverwriteBody(ctx, client.room.DiagramID, req.DiagramData)
		switch {
		case errors.Is(err, ErrDiagramNotFound):
			slogging.Get().Debug("Auto-save skipped, diagram absent: diagram_id=%s", client.room.DiagramID)
		case err != nil:
			slogging.Get().Error("Auto-save failed: diagram_id=%s, error=%v", client.room.DiagramID, err)
		}
	}

	// The sender receives its own update back; cursor and selection
	// events exclude the sender but diagram updates go to the full room
	hub.Broadcast(client.room.DiagramID, mustMarshal(DiagramUpdateEvent{
		Type:        EventTypeDiagramUpdate,
		DiagramData: req.DiagramData,
		Operation:   req.Operation,
		ShapeID:     req.ShapeID,
		SessionID:   client.SessionID,
		Timestamp:   eventTimestamp(),
	}), "")
	return nil
}

// CursorPositionHandler relays cursor moves to the other room members
type CursorPositionHandler struct{}

// EventType returns the inbound type this handler serves
func (h *CursorPositionHandler) EventType() string {
	return InboundTypeCursorPosition
}

// Handle broadcasts the cursor position, excluding the sender
func (h *CursorPositionHandler) Handle(hub *WebSocketHub, client *WebSocketClient, message []byte) error {
	var req CursorPositionRequest
	if err := json.Unmarshal(message, &req); err != nil {
		return fmt.Errorf("malformed cursor position: %w", err)
	}

	hub.Broadcast(client.room.DiagramID, mustMarshal(CursorUpdateEvent{
		Type: EventTypeCursorUpdate,
		CursorData: CursorData{
			X:         req.X,
			Y:         req.Y,
			SessionID: client.SessionID,
		},
	}), client.SessionID)
	return nil
}

// SelectionChangeHandler relays shape selections to the other room members
type SelectionChangeHandler struct{}

// EventType returns the inbound type this handler serves
func (h *SelectionChangeHandler) EventType() string {
	return InboundTypeSelectionChange
}

// Handle broadcasts the selection, excluding the sender
func (h *SelectionChangeHandler) Handle(hub *WebSocketHub, client *WebSocketClient, message []byte) error {
	var req SelectionChangeRequest
	if err := json.Unmarshal(message, &req); err != nil {
		return fmt.Errorf("malformed selection change: %w", err)
	}
	if req.SelectedShapes == nil {
		req.SelectedShapes = []interface{}{}
	}

	hub.Broadcast(client.room.DiagramID, mustMarshal(SelectionChangeEvent{
		Type: EventTypeSelectionChange,
		SelectionData: SelectionData{
			SelectedShapes: req.SelectedShapes,
			SessionID:      client.SessionID,
		},
	}), client.SessionID)
	return nil
}

// ChatMessageHandler relays chat text to the whole room
type ChatMessageHandler struct{}

// EventType returns the inbound type this handler serves
func (h *ChatMessageHandler) EventType() string {
	return InboundTypeChatMessage
}

// Handle broadcasts the chat message; the sender is not excluded
func (h *ChatMessageHandler) Handle(hub *WebSocketHub, client *WebSocketClient, message []byte) error {
	var req ChatMessageRequest
	if err := json.Unmarshal(message, &req); err != nil {
		return fmt.Errorf("malformed chat message: %w", err)
	}
	if req.Username == "" {
		req.Username = "Anonymous"
	}

	hub.Broadcast(client.room.DiagramID, mustMarshal(ChatMessageEvent{
		Type:      EventTypeChatMessage,
		Message:   req.Message,
		Username:  req.Username,
		SessionID: client.SessionID,
		Timestamp: eventTimestamp(),
	}), "")
	return nil
}
