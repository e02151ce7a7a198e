package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayworks/browser-relay/internal/config"
	"github.com/relayworks/browser-relay/internal/ratelimit"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		BrowserRPCTimeout: 2 * time.Second,
		LocalRPCTimeout:   2 * time.Second,
		KeepaliveInterval: time.Hour,
		RateLimitHTTPIP:   "10000-M",
		RateLimitWsIP:     "10000-M",
		AllowedOrigins:    "http://localhost:3000",
	}
	rl, err := ratelimit.NewRateLimiter(cfg, nil)
	require.NoError(t, err)

	hub := NewHub(cfg, nil, rl)

	router := gin.New()
	router.GET("/room/:roomId/extension", hub.ServeExtension)
	router.GET("/room/:roomId/extension/status", hub.ExtensionStatus)
	router.GET("/room/:roomId/local", hub.ServeLocal)
	router.GET("/room/:roomId/local/status", hub.LocalStatus)
	router.GET("/room/:roomId/local/:clientId", hub.ServeLocal)
	router.GET("/room/:roomId/mcp", hub.ServeAgent)
	router.GET("/room/:roomId/mcp/:clientId", hub.ServeAgent)
	router.GET("/room/:roomId/targets", hub.RoomTargets)
	router.GET("/room/:roomId/health", hub.RoomHealth)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		_ = hub.Shutdown(context.Background())
		srv.Close()
	})
	return hub, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dial(t *testing.T, srv *httptest.Server, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, path), nil)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func TestHub_FirstPassphraseSetsRoomSecret(t *testing.T) {
	_, srv := newTestHub(t)

	conn, _, err := dial(t, srv, "/room/alpha/extension?passphrase=hunter2")
	require.NoError(t, err)
	require.NotNil(t, conn)

	// A second peer with the same passphrase is admitted.
	agent, _, err := dial(t, srv, "/room/alpha/mcp?passphrase=hunter2")
	require.NoError(t, err)
	require.NotNil(t, agent)
}

func TestHub_MissingPassphraseIs401(t *testing.T) {
	_, srv := newTestHub(t)

	_, resp, err := dial(t, srv, "/room/alpha/extension")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_WrongPassphraseIs403(t *testing.T) {
	_, srv := newTestHub(t)

	_, _, err := dial(t, srv, "/room/alpha/extension?passphrase=correct")
	require.NoError(t, err)

	_, resp, err := dial(t, srv, "/room/alpha/mcp?passphrase=wrong")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHub_SecondExtensionIs409(t *testing.T) {
	_, srv := newTestHub(t)

	_, _, err := dial(t, srv, "/room/alpha/extension?passphrase=s3cret")
	require.NoError(t, err)

	_, resp, err := dial(t, srv, "/room/alpha/extension?passphrase=s3cret")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHub_DuplicateAgentClientIDIs409(t *testing.T) {
	_, srv := newTestHub(t)

	_, _, err := dial(t, srv, "/room/alpha/mcp/agent-7?passphrase=s3cret")
	require.NoError(t, err)

	_, resp, err := dial(t, srv, "/room/alpha/mcp/agent-7?passphrase=s3cret")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// A different clientId is fine.
	_, _, err = dial(t, srv, "/room/alpha/mcp/agent-8?passphrase=s3cret")
	require.NoError(t, err)
}

func TestHub_PassphraseIsPerRoom(t *testing.T) {
	_, srv := newTestHub(t)

	_, _, err := dial(t, srv, "/room/alpha/extension?passphrase=alpha-secret")
	require.NoError(t, err)

	// The same passphrase does not exist in room beta; it becomes beta's.
	_, _, err = dial(t, srv, "/room/beta/extension?passphrase=beta-secret")
	require.NoError(t, err)
}

func TestHub_BearerHeaderCarriesPassphrase(t *testing.T) {
	_, srv := newTestHub(t)

	header := http.Header{"Authorization": []string{"Bearer hunter2"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/room/alpha/extension"), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/room/alpha/mcp"), http.Header{"Authorization": []string{"Bearer nope"}})
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHub_StatusEndpoints(t *testing.T) {
	_, srv := newTestHub(t)

	_, _, err := dial(t, srv, "/room/alpha/extension?passphrase=s3cret")
	require.NoError(t, err)

	resp, err := http.Get(srv.URL + "/room/alpha/extension/status?passphrase=s3cret")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, true, body["connected"])

	resp, err = http.Get(srv.URL + "/room/alpha/local/status?passphrase=s3cret")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, false, body["connected"])
}

func TestHub_HealthNeedsNoPassphrase(t *testing.T) {
	_, srv := newTestHub(t)

	resp, err := http.Get(srv.URL + "/room/alpha/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestHub_EndToEndCommandRoundTrip drives a full protocol exchange: the
// agent issues a command, the extension answers it, and events fan back out.
func TestHub_EndToEndCommandRoundTrip(t *testing.T) {
	_, srv := newTestHub(t)

	ext, _, err := dial(t, srv, "/room/alpha/extension?passphrase=s3cret")
	require.NoError(t, err)
	agent, _, err := dial(t, srv, "/room/alpha/mcp/agent-1?passphrase=s3cret")
	require.NoError(t, err)

	// Agent command forwarded to the extension with a relay-allocated id.
	require.NoError(t, agent.WriteJSON(map[string]any{
		"id": 42, "method": "Runtime.evaluate", "sessionId": "sess-1",
		"params": map[string]string{"expression": "document.title"},
	}))

	var fwd struct {
		ID     int64 `json:"id"`
		Method string
		Params struct {
			Method    string `json:"method"`
			SessionID string `json:"sessionId"`
		} `json:"params"`
	}
	require.NoError(t, ext.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ext.ReadJSON(&fwd))
	assert.Equal(t, "forwardCDPCommand", fwd.Method)
	assert.Equal(t, "Runtime.evaluate", fwd.Params.Method)
	assert.Equal(t, "sess-1", fwd.Params.SessionID)

	// Extension reply travels back under the agent's original id.
	require.NoError(t, ext.WriteJSON(map[string]any{
		"id": fwd.ID, "result": map[string]any{"result": map[string]any{"value": "Hello"}},
	}))

	var reply struct {
		ID        int64          `json:"id"`
		SessionID string         `json:"sessionId"`
		Result    map[string]any `json:"result"`
	}
	require.NoError(t, agent.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, agent.ReadJSON(&reply))
	assert.Equal(t, int64(42), reply.ID)
	assert.Equal(t, "sess-1", reply.SessionID)
	assert.NotNil(t, reply.Result)

	// A forwarded event reaches the agent.
	require.NoError(t, ext.WriteJSON(map[string]any{
		"method": "forwardCDPEvent",
		"params": map[string]any{
			"method":    "Page.loadEventFired",
			"sessionId": "sess-1",
			"params":    map[string]any{"timestamp": 1.5},
		},
	}))

	var ev struct {
		Method    string `json:"method"`
		SessionID string `json:"sessionId"`
	}
	require.NoError(t, agent.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, agent.ReadJSON(&ev))
	assert.Equal(t, "Page.loadEventFired", ev.Method)
	assert.Equal(t, "sess-1", ev.SessionID)
}

// TestHub_ExtensionDisconnectClosesAgents covers the teardown contract: the
// agent socket closes with code 1000 and reason "Extension disconnected".
func TestHub_ExtensionDisconnectClosesAgents(t *testing.T) {
	_, srv := newTestHub(t)

	ext, _, err := dial(t, srv, "/room/alpha/extension?passphrase=s3cret")
	require.NoError(t, err)
	agent, _, err := dial(t, srv, "/room/alpha/mcp/agent-1?passphrase=s3cret")
	require.NoError(t, err)

	closeCh := make(chan error, 1)
	agent.SetCloseHandler(func(code int, text string) error {
		assert.Equal(t, websocket.CloseNormalClosure, code)
		assert.Equal(t, "Extension disconnected", text)
		closeCh <- nil
		return nil
	})

	require.NoError(t, ext.Close())

	go func() {
		for {
			if _, _, err := agent.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-closeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("agent was never closed after extension disconnect")
	}
}

func TestHub_RoomCountAndReuse(t *testing.T) {
	hub, srv := newTestHub(t)

	_, _, err := dial(t, srv, "/room/alpha/extension?passphrase=a")
	require.NoError(t, err)
	_, _, err = dial(t, srv, "/room/beta/extension?passphrase=b")
	require.NoError(t, err)

	assert.Equal(t, 2, hub.RoomCount())
}
