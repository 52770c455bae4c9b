package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dial(t *testing.T, server *httptest.Server, roomID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?room_id=" + roomID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubEmitReachesRoomMembers(t *testing.T) {
	t.Parallel()

	hub := NewHub(zap.NewNop())
	server := httptest.NewServer(muxFor(hub))
	defer server.Close()

	conn := dial(t, server, "room-1")

	require.NoError(t, hub.Emit("classification_update_status", map[string]any{"status": "processing"}, "room-1"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var evt struct {
		Event   string         `json:"event"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &evt))
	require.Equal(t, "classification_update_status", evt.Event)
	require.Equal(t, "processing", evt.Payload["status"])
}

func TestHubEmitToOtherRoomIsNotDelivered(t *testing.T) {
	t.Parallel()

	hub := NewHub(zap.NewNop())
	server := httptest.NewServer(muxFor(hub))
	defer server.Close()

	conn := dial(t, server, "room-1")

	require.NoError(t, hub.Emit("classification_finished", map[string]any{}, "room-other"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestHubCloseIsOneShot(t *testing.T) {
	t.Parallel()

	hub := NewHub(zap.NewNop())
	server := httptest.NewServer(muxFor(hub))
	defer server.Close()

	conn := dial(t, server, "room-1")

	require.NoError(t, hub.Close("room-1"))
	require.NoError(t, hub.Close("room-1"))

	// The client sees a normal close frame.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	// Emits after close are dropped without error.
	require.NoError(t, hub.Emit("classification_finished", map[string]any{}, "room-1"))

	// New joins are rejected with 410.
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?room_id=room-1"
	_, resp, dialErr := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, dialErr)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusGone, resp.StatusCode)
}

// TestHubCloseBookkeepingIsBounded closes more rooms than the hub tracks
// and checks the oldest entry is evicted while recent ones still reject
// joins.
func TestHubCloseBookkeepingIsBounded(t *testing.T) {
	t.Parallel()

	hub := NewHub(zap.NewNop())
	server := httptest.NewServer(muxFor(hub))
	defer server.Close()

	require.NoError(t, hub.Close("room-old"))
	for i := 0; i < closedRoomLimit; i++ {
		require.NoError(t, hub.Close(fmt.Sprintf("room-%d", i)))
	}

	// The oldest entry fell out, so the room is joinable again.
	conn := dial(t, server, "room-old")
	require.NotNil(t, conn)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?room_id=room-0"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusGone, resp.StatusCode)
}

func TestJoinHandlerRequiresRoomID(t *testing.T) {
	t.Parallel()

	hub := NewHub(zap.NewNop())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	hub.JoinHandler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func muxFor(hub *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", hub.JoinHandler())
	return mux
}
