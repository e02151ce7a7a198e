package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayworks/browser-relay/internal/room"
)

func newTestRoom(t *testing.T) *room.Room {
	t.Helper()
	r := room.New(context.Background(), "peer-test-room", room.Options{
		BrowserTimeout:    time.Second,
		LocalTimeout:      time.Second,
		KeepaliveInterval: time.Hour,
	})
	t.Cleanup(r.Shutdown)
	return r
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestPeer_WritePumpDeliversSends(t *testing.T) {
	r := newTestRoom(t)
	conn := newMockConnection()
	peer := NewPeer(conn, r, room.RoleAgent, "agent-1")
	require.NoError(t, r.AdmitAgent(peer))
	peer.Start()

	require.True(t, peer.Send([]byte(`{"method":"ping"}`)))
	waitFor(t, func() bool { return conn.writtenCount() >= 1 })

	frame := conn.writtenAt(0)
	assert.Equal(t, websocket.TextMessage, frame.messageType)
	assert.JSONEq(t, `{"method":"ping"}`, string(frame.data))
}

func TestPeer_CloseEmitsCloseFrameAfterDraining(t *testing.T) {
	r := newTestRoom(t)
	conn := newMockConnection()
	peer := NewPeer(conn, r, room.RoleAgent, "agent-1")
	require.NoError(t, r.AdmitAgent(peer))
	peer.Start()

	peer.Send([]byte(`{"method":"one"}`))
	peer.Close(websocket.CloseNormalClosure, "Extension disconnected")

	waitFor(t, func() bool { return conn.writtenCount() >= 2 })
	last := conn.writtenAt(conn.writtenCount() - 1)
	assert.Equal(t, websocket.CloseMessage, last.messageType)

	expected := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Extension disconnected")
	assert.Equal(t, expected, last.data)

	// Sends after close are refused.
	assert.False(t, peer.Send([]byte(`{"method":"late"}`)))
}

func TestPeer_ReadDispatchesByRole(t *testing.T) {
	r := newTestRoom(t)
	conn := newMockConnection()
	peer := NewPeer(conn, r, room.RoleAgent, "agent-1")
	require.NoError(t, r.AdmitAgent(peer))
	peer.Start()

	// A locally-answered command proves the frame reached the room router.
	conn.feed([]byte(`{"id":1,"method":"Browser.getVersion"}`))

	waitFor(t, func() bool { return conn.writtenCount() >= 1 })
	var reply struct {
		ID     int64           `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal(conn.writtenAt(0).data, &reply))
	assert.Equal(t, int64(1), reply.ID)
	assert.Contains(t, string(reply.Result), "Chrome/Cloudflare-Relay")
}

func TestPeer_ReadErrorDetachesFromRoom(t *testing.T) {
	r := newTestRoom(t)
	conn := newMockConnection()
	peer := NewPeer(conn, r, room.RoleAgent, "agent-1")
	require.NoError(t, r.AdmitAgent(peer))
	peer.Start()

	require.True(t, r.AgentConnected("agent-1"))
	conn.Close()

	waitFor(t, func() bool { return !r.AgentConnected("agent-1") })
}

func TestPeer_BrowserReadFeedsRPC(t *testing.T) {
	r := newTestRoom(t)
	conn := newMockConnection()
	peer := NewPeer(conn, r, room.RoleBrowser, "")
	require.NoError(t, r.AdmitBrowser(peer))
	peer.Start()

	done := make(chan error, 1)
	go func() {
		_, err := r.CallBrowser(context.Background(), "Page.enable", nil, "", "")
		done <- err
	}()

	waitFor(t, func() bool { return conn.writtenCount() >= 1 })
	var cmd struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(conn.writtenAt(0).data, &cmd))

	reply, err := json.Marshal(map[string]any{"id": cmd.ID, "result": map[string]any{}})
	require.NoError(t, err)
	conn.feed(reply)

	require.NoError(t, <-done)
}
