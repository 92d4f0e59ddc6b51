package api

import (
	"encoding/json"
	"time"
)

// Outbound event types
const (
	EventTypeDiagramUpdate   = "diagram_update"
	EventTypeCursorUpdate    = "cursor_update"
	EventTypeSelectionChange = "selection_change"
	EventTypeChatMessage     = "chat_message"
	EventTypeUserJoined      = "user_joined"
	EventTypeUserLeft        = "user_left"
	EventTypeError           = "error"
)

// Inbound event types. diagram_update and chat_message reuse the
// outbound names; cursor and selection differ between the directions.
const (
	InboundTypeDiagramUpdate   = "diagram_update"
	InboundTypeCursorPosition  = "cursor_position"
	InboundTypeSelectionChange = "selection_change"
	InboundTypeChatMessage     = "chat_message"
)

// inboundFrame is the envelope every client frame decodes into before
// dispatch. A missing type means a diagram update.
type inboundFrame struct {
	Type string `json:"type"`
}

// DiagramUpdateRequest is a client's diagram edit
type DiagramUpdateRequest struct {
	DiagramData map[string]interface{} `json:"diagram_data"`
	Operation   string                 `json:"operation"`
	ShapeID     *string                `json:"shape_id"`
}

// CursorPositionRequest is a client's cursor move
type CursorPositionRequest struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// SelectionChangeRequest is a client's shape selection
type SelectionChangeRequest struct {
	SelectedShapes []interface{} `json:"selected_shapes"`
}

// ChatMessageRequest is a client's chat text
type ChatMessageRequest struct {
	Message  string `json:"message"`
	Username string `json:"username"`
}

// DiagramUpdateEvent echoes an edit to every room member, the sender
// included
type DiagramUpdateEvent struct {
	Type        string                 `json:"type"`
	DiagramData map[string]interface{} `json:"diagram_data"`
	Operation   string                 `json:"operation"`
	ShapeID     *string                `json:"shape_id"`
	SessionID   string                 `json:"session_id"`
	Timestamp   string                 `json:"timestamp"`
}

// CursorData carries a cursor position and its origin session
type CursorData struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	SessionID string  `json:"session_id"`
}

// CursorUpdateEvent relays a cursor move to the other room members
type CursorUpdateEvent struct {
	Type       string     `json:"type"`
	CursorData CursorData `json:"cursor_data"`
}

// SelectionData carries a selection and its origin session
type SelectionData struct {
	SelectedShapes []interface{} `json:"selected_shapes"`
	SessionID      string        `json:"session_id"`
}

// SelectionChangeEvent relays a selection change to the other room members
type SelectionChangeEvent struct {
	Type          string        `json:"type"`
	SelectionData SelectionData `json:"selection_data"`
}

// ChatMessageEvent relays chat text to every room member
type ChatMessageEvent struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Username  string `json:"username"`
	SessionID string `json:"session_id"`
	Timestamp string `json:"timestamp"`
}

// PresenceEvent announces a join or leave to the other room members
type PresenceEvent struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// ErrorEvent is sent to a single client when its frame could not be
// processed; the session stays open
type ErrorEvent struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// NewErrorEvent builds an error frame with the current timestamp
func NewErrorEvent(message string) ErrorEvent {
	return ErrorEvent{
		Type:      EventTypeError,
		Message:   message,
		Timestamp: eventTimestamp(),
	}
}

func eventTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// mustMarshal serializes an event struct. The event types marshal
// unconditionally; a failure here is a programming error.
func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
