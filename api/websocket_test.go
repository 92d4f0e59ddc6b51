package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type wsFixture struct {
	hub      *WebSocketHub
	diagrams *GormDiagramStore
	sessions *GormSessionStore
	server   *httptest.Server
	db       *gorm.DB
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gdb := newTestDB(t)
	diagrams := NewGormDiagramStore(gdb)
	sessions := NewGormSessionStore(gdb)
	hub := NewWebSocketHub(diagrams, sessions)

	r := gin.New()
	r.GET("/ws/diagrams/:id", hub.HandleWS)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	return &wsFixture{hub: hub, diagrams: diagrams, sessions: sessions, server: server, db: gdb}
}

func (f *wsFixture) dial(t *testing.T, diagramID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/diagrams/" + diagramID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// waitMembers blocks until the room has the expected member count and
// returns the member session IDs
func (f *wsFixture) waitMembers(t *testing.T, diagramID string, count int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.hub.Members(diagramID)) == count
	}, 2*time.Second, 10*time.Millisecond)
	return f.hub.Members(diagramID)
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(frame, &event))
	return event
}

// expectSilence asserts that no frame arrives. A read timeout poisons the
// gorilla connection, so this must be the last read on conn in a test.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout(), "expected read timeout, got %v", err)
}

func sendJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func TestJoinAnnouncedToOthersOnly(t *testing.T) {
	f := newWSFixture(t)

	connA := f.dial(t, "42")
	f.waitMembers(t, "42", 1)

	connB := f.dial(t, "42")
	members := f.waitMembers(t, "42", 2)
	assert.Len(t, members, 2)

	// A hears about B; B hears nothing about its own join
	event := readEvent(t, connA)
	assert.Equal(t, EventTypeUserJoined, event["type"])
	assert.NotEmpty(t, event["session_id"])
	expectSilence(t, connB)
}

func TestLeaveEvictsExactlyOnce(t *testing.T) {
	f := newWSFixture(t)

	connA := f.dial(t, "42")
	sessionA := f.waitMembers(t, "42", 1)[0]

	connB := f.dial(t, "42")
	f.waitMembers(t, "42", 2)
	_ = readEvent(t, connA) // user_joined for B

	require.NoError(t, connB.Close())
	f.waitMembers(t, "42", 1)

	assert.Equal(t, []string{sessionA}, f.hub.Members("42"))

	// A hears exactly one user_left; a second close of the same client is
	// a no-op
	event := readEvent(t, connA)
	assert.Equal(t, EventTypeUserLeft, event["type"])
	expectSilence(t, connA)
}

func TestLeaveMarksSessionInactive(t *testing.T) {
	f := newWSFixture(t)

	conn := f.dial(t, "42")
	f.waitMembers(t, "42", 1)

	require.Eventually(t, func() bool {
		active, err := f.sessions.ActiveForDiagram(context.Background(), "42")
		return err == nil && len(active) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		active, err := f.sessions.ActiveForDiagram(context.Background(), "42")
		return err == nil && len(active) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEmptyRoomReclaimedAndRejoinable(t *testing.T) {
	f := newWSFixture(t)

	conn := f.dial(t, "42")
	f.waitMembers(t, "42", 1)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		_, ok := f.hub.Room("42")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	// Reclaiming the room never blocks a future join
	f.dial(t, "42")
	f.waitMembers(t, "42", 1)
}

func TestCursorPositionExcludesSender(t *testing.T) {
	f := newWSFixture(t)

	connA := f.dial(t, "42")
	sessionA := f.waitMembers(t, "42", 1)[0]
	connB := f.dial(t, "42")
	f.waitMembers(t, "42", 2)
	_ = readEvent(t, connA) // user_joined for B

	connC := f.dial(t, "42")
	f.waitMembers(t, "42", 3)
	_ = readEvent(t, connA) // user_joined for C
	_ = readEvent(t, connB) // user_joined for C

	sendJSON(t, connA, map[string]interface{}{"type": "cursor_position", "x": 10, "y": 20})

	for _, conn := range []*websocket.Conn{connB, connC} {
		event := readEvent(t, conn)
		assert.Equal(t, EventTypeCursorUpdate, event["type"])
		cursor := event["cursor_data"].(map[string]interface{})
		assert.Equal(t, float64(10), cursor["x"])
		assert.Equal(t, float64(20), cursor["y"])
		assert.Equal(t, sessionA, cursor["session_id"])
	}
	expectSilence(t, connA)
}

func TestSelectionChangeExcludesSender(t *testing.T) {
	f := newWSFixture(t)

	connA := f.dial(t, "42")
	sessionA := f.waitMembers(t, "42", 1)[0]
	connB := f.dial(t, "42")
	f.waitMembers(t, "42", 2)
	_ = readEvent(t, connA)

	sendJSON(t, connA, map[string]interface{}{
		"type":            "selection_change",
		"selected_shapes": []string{"shape-1", "shape-2"},
	})

	event := readEvent(t, connB)
	assert.Equal(t, EventTypeSelectionChange, event["type"])
	selection := event["selection_data"].(map[string]interface{})
	assert.Equal(t, []interface{}{"shape-1", "shape-2"}, selection["selected_shapes"])
	assert.Equal(t, sessionA, selection["session_id"])
	expectSilence(t, connA)
}

func TestChatMessageReachesSenderToo(t *testing.T) {
	f := newWSFixture(t)

	connA := f.dial(t, "42")
	f.waitMembers(t, "42", 1)
	connB := f.dial(t, "42")
	f.waitMembers(t, "42", 2)
	_ = readEvent(t, connA)

	sendJSON(t, connA, map[string]interface{}{
		"type": "chat_message", "message": "hi", "username": "alice",
	})

	for _, conn := range []*websocket.Conn{connA, connB} {
		event := readEvent(t, conn)
		assert.Equal(t, EventTypeChatMessage, event["type"])
		assert.Equal(t, "hi", event["message"])
		assert.Equal(t, "alice", event["username"])
		assert.NotEmpty(t, event["session_id"])
		assert.NotEmpty(t, event["timestamp"])
	}
}

func TestChatMessageDefaultsUsername(t *testing.T) {
	f := newWSFixture(t)

	connA := f.dial(t, "42")
	f.waitMembers(t, "42", 1)

	sendJSON(t, connA, map[string]interface{}{"type": "chat_message", "message": "hello"})

	event := readEvent(t, connA)
	assert.Equal(t, "Anonymous", event["username"])
}

func TestUnknownTypeErrorsToSenderOnly(t *testing.T) {
	f := newWSFixture(t)

	connA := f.dial(t, "42")
	f.waitMembers(t, "42", 1)
	connB := f.dial(t, "42")
	f.waitMembers(t, "42", 2)
	_ = readEvent(t, connA)

	sendJSON(t, connA, map[string]interface{}{"type": "bogus"})

	event := readEvent(t, connA)
	assert.Equal(t, EventTypeError, event["type"])
	assert.Equal(t, "Unknown message type", event["message"])
	expectSilence(t, connB)
}

func TestMalformedFrameKeepsSessionOpen(t *testing.T) {
	f := newWSFixture(t)

	connA := f.dial(t, "42")
	f.waitMembers(t, "42", 1)

	require.NoError(t, connA.WriteMessage(websocket.TextMessage, []byte("{not json")))

	event := readEvent(t, connA)
	assert.Equal(t, EventTypeError, event["type"])
	assert.Equal(t, "Invalid JSON format", event["message"])

	// The session survived and still relays
	sendJSON(t, connA, map[string]interface{}{"type": "chat_message", "message": "still here"})
	event = readEvent(t, connA)
	assert.Equal(t, EventTypeChatMessage, event["type"])
	assert.Equal(t, "still here", event["message"])

	assert.Len(t, f.hub.Members("42"), 1)
}

func TestDiagramUpdateEchoesToAllAndAutoSaves(t *testing.T) {
	f := newWSFixture(t)
	ctx := context.Background()

	diagram, err := f.diagrams.Create(ctx, nil, "Shared", body("marker", "before"))
	require.NoError(t, err)

	connA := f.dial(t, diagram.ID)
	f.waitMembers(t, diagram.ID, 1)
	connB := f.dial(t, diagram.ID)
	f.waitMembers(t, diagram.ID, 2)
	_ = readEvent(t, connA)

	sendJSON(t, connA, map[string]interface{}{
		"type":         "diagram_update",
		"operation":    "auto_save",
		"shape_id":     "shape-9",
		"diagram_data": map[string]interface{}{"marker": "after"},
	})

	// The sender is not excluded for diagram updates
	for _, conn := range []*websocket.Conn{connA, connB} {
		event := readEvent(t, conn)
		assert.Equal(t, EventTypeDiagramUpdate, event["type"])
		assert.Equal(t, "auto_save", event["operation"])
		assert.Equal(t, "shape-9", event["shape_id"])
		data := event["diagram_data"].(map[string]interface{})
		assert.Equal(t, "after", data["marker"])
	}

	// Persistence happened before the broadcast: body overwritten, no
	// version bump, no snapshot
	got, err := f.diagrams.Get(ctx, diagram.ID)
	require.NoError(t, err)
	assert.Equal(t, "after", got.Body["marker"])
	assert.Equal(t, 1, got.Version)
	versions, err := f.diagrams.ListVersions(ctx, diagram.ID)
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestDiagramUpdateWithoutPersistingOperation(t *testing.T) {
	f := newWSFixture(t)
	ctx := context.Background()

	diagram, err := f.diagrams.Create(ctx, nil, "Shared", body("marker", "before"))
	require.NoError(t, err)

	connA := f.dial(t, diagram.ID)
	f.waitMembers(t, diagram.ID, 1)

	sendJSON(t, connA, map[string]interface{}{
		"type":         "diagram_update",
		"diagram_data": map[string]interface{}{"marker": "transient"},
	})

	event := readEvent(t, connA)
	assert.Equal(t, EventTypeDiagramUpdate, event["type"])
	assert.Equal(t, "update", event["operation"], "missing operation defaults to update")

	got, err := f.diagrams.Get(ctx, diagram.ID)
	require.NoError(t, err)
	assert.Equal(t, "before", got.Body["marker"], "plain updates are not persisted")
}

func TestAutoSaveForMissingDiagramIsSilent(t *testing.T) {
	f := newWSFixture(t)

	// Room for a diagram that was never created; persistence is
	// best-effort and skipped without surfacing an error
	connA := f.dial(t, "ghost-diagram")
	f.waitMembers(t, "ghost-diagram", 1)

	sendJSON(t, connA, map[string]interface{}{
		"type":         "diagram_update",
		"operation":    "save",
		"diagram_data": map[string]interface{}{"marker": "x"},
	})

	event := readEvent(t, connA)
	assert.Equal(t, EventTypeDiagramUpdate, event["type"])
}

func TestMissingTypeTreatedAsDiagramUpdate(t *testing.T) {
	f := newWSFixture(t)

	connA := f.dial(t, "42")
	f.waitMembers(t, "42", 1)

	sendJSON(t, connA, map[string]interface{}{
		"diagram_data": map[string]interface{}{"marker": "x"},
	})

	event := readEvent(t, connA)
	assert.Equal(t, EventTypeDiagramUpdate, event["type"])
}

func TestPerMemberBroadcastOrdering(t *testing.T) {
	f := newWSFixture(t)

	connA := f.dial(t, "42")
	f.waitMembers(t, "42", 1)
	connB := f.dial(t, "42")
	f.waitMembers(t, "42", 2)
	_ = readEvent(t, connA)

	const n = 20
	for i := 0; i < n; i++ {
		sendJSON(t, connA, map[string]interface{}{
			"type": "chat_message", "message": string(rune('a' + i)), "username": "alice",
		})
	}

	// Frames from one sender arrive at each member in send order
	for i := 0; i < n; i++ {
		event := readEvent(t, connB)
		assert.Equal(t, string(rune('a'+i)), event["message"])
	}
}

func TestClientStateTransitions(t *testing.T) {
	f := newWSFixture(t)

	conn := f.dial(t, "42")
	f.waitMembers(t, "42", 1)

	room, ok := f.hub.Room("42")
	require.True(t, ok)
	room.mu.RLock()
	var client *WebSocketClient
	for c := range room.clients {
		client = c
	}
	room.mu.RUnlock()
	require.NotNil(t, client)
	assert.Equal(t, ClientStateActive, client.State())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return client.State() == ClientStateClosed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRoomsAreIsolated(t *testing.T) {
	f := newWSFixture(t)

	connA := f.dial(t, "42")
	f.waitMembers(t, "42", 1)
	connOther := f.dial(t, "7")
	f.waitMembers(t, "7", 1)

	sendJSON(t, connA, map[string]interface{}{"type": "chat_message", "message": "room 42 only"})

	event := readEvent(t, connA)
	assert.Equal(t, "room 42 only", event["message"])
	expectSilence(t, connOther)
}

func TestCleanupIdleRooms(t *testing.T) {
	f := newWSFixture(t)

	conn := f.dial(t, "42")
	f.waitMembers(t, "42", 1)

	// An occupied, recently active room survives
	f.hub.CleanupIdleRooms(15 * time.Minute)
	_, ok := f.hub.Room("42")
	assert.True(t, ok)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		_, ok := f.hub.Room("42")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCleanupDisconnectsIdleRoomMembers(t *testing.T) {
	f := newWSFixture(t)

	connA := f.dial(t, "42")
	f.waitMembers(t, "42", 1)
	connB := f.dial(t, "42")
	f.waitMembers(t, "42", 2)
	_ = readEvent(t, connA) // user_joined for B

	// With a zero threshold every room counts as idle
	f.hub.CleanupIdleRooms(0)

	require.Eventually(t, func() bool {
		_, ok := f.hub.Room("42")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.hub.Members("42"))

	// Both members were cleanly disconnected, not left attached to a
	// reclaimed room that would swallow their broadcasts
	for _, conn := range []*websocket.Conn{connA, connB} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		for {
			_, _, err := conn.ReadMessage()
			if err == nil {
				continue // drain any user_left queued before the close
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatal("member was orphaned instead of disconnected")
			}
			break
		}
	}

	// The reclaimed room does not block a future join and relays again
	connC := f.dial(t, "42")
	f.waitMembers(t, "42", 1)
	sendJSON(t, connC, map[string]interface{}{"type": "chat_message", "message": "fresh room"})
	event := readEvent(t, connC)
	assert.Equal(t, "fresh room", event["message"])
}
