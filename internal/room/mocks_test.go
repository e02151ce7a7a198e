package room

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relayworks/browser-relay/internal/protocol"
)

// mockPeer records everything sent to it.
type mockPeer struct {
	role     Role
	clientID string

	mu          sync.Mutex
	sent        [][]byte
	closed      bool
	closeCode   int
	closeReason string
}

func newMockPeer(role Role, clientID string) *mockPeer {
	return &mockPeer{role: role, clientID: clientID}
}

func (p *mockPeer) Role() Role       { return p.role }
func (p *mockPeer) ClientID() string { return p.clientID }

func (p *mockPeer) Send(data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	p.sent = append(p.sent, cp)
	return true
}

func (p *mockPeer) Close(code int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.closeCode = code
	p.closeReason = reason
}

func (p *mockPeer) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func (p *mockPeer) sentAt(i int) map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out map[string]any
	if err := json.Unmarshal(p.sent[i], &out); err != nil {
		panic(err)
	}
	return out
}

func (p *mockPeer) isClosed() (bool, int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.closeCode, p.closeReason
}

// waitForSent blocks until the peer has received at least n messages.
func (p *mockPeer) waitForSent(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.sentCount() >= n
	}, 2*time.Second, 5*time.Millisecond)
}

// localResponder is a local peer that answers file and bash RPCs like a real
// local client would: echoing ids and applying mtime discipline.
type localResponder struct {
	*mockPeer
	room *Room

	mu     sync.Mutex
	files  map[string]string
	mtimes map[string]float64
	// writes records every file.write params the responder saw.
	writes []protocol.FileWriteParams
}

func newLocalResponder(r *Room) *localResponder {
	return &localResponder{
		mockPeer: newMockPeer(RoleLocal, "local-1"),
		room:     r,
		files:    make(map[string]string),
		mtimes:   make(map[string]float64),
	}
}

func (l *localResponder) seed(path, content string, mtime float64) {
	l.mu.Lock()
	l.files[path] = content
	l.mtimes[path] = mtime
	l.mu.Unlock()
}

func (l *localResponder) seenWrites() []protocol.FileWriteParams {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]protocol.FileWriteParams(nil), l.writes...)
}

func (l *localResponder) Send(data []byte) bool {
	if !l.mockPeer.Send(data) {
		return false
	}

	var env struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.ID == nil {
		return true
	}

	go func() {
		reply := l.handle(*env.ID, env.Method, env.Params)
		l.room.HandleLocalMessage(context.Background(), reply)
	}()
	return true
}

func (l *localResponder) handle(id int64, method string, params json.RawMessage) []byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch method {
	case protocol.MethodFileRead:
		var p protocol.FileReadParams
		_ = json.Unmarshal(params, &p)
		content, ok := l.files[p.Path]
		if !ok {
			return rpcError(id, "no such file: "+p.Path)
		}
		return rpcResult(id, protocol.FileReadResult{Content: content, Mtime: l.mtimes[p.Path]})

	case protocol.MethodFileWrite:
		var p protocol.FileWriteParams
		_ = json.Unmarshal(params, &p)
		l.writes = append(l.writes, p)
		if p.ExpectedMtime != nil && *p.ExpectedMtime != l.mtimes[p.Path] {
			return rpcError(id, "file changed on disk since last read")
		}
		l.files[p.Path] = p.Content
		l.mtimes[p.Path] += 1
		return rpcResult(id, protocol.FileWriteResult{Success: true, Mtime: l.mtimes[p.Path]})

	case protocol.MethodBashExecute:
		var p protocol.BashExecuteParams
		_ = json.Unmarshal(params, &p)
		return rpcResult(id, protocol.BashExecuteResult{Stdout: "ran: " + p.Command, ExitCode: 0})
	}
	return rpcError(id, "unknown method: "+method)
}

func rpcResult(id int64, result any) []byte {
	data, err := json.Marshal(map[string]any{"id": id, "result": result})
	if err != nil {
		panic(err)
	}
	return data
}

func rpcError(id int64, msg string) []byte {
	data, err := json.Marshal(map[string]any{"id": id, "error": msg})
	if err != nil {
		panic(err)
	}
	return data
}

// newTestRoom builds a room with short timeouts and no snapshot store.
func newTestRoom(t *testing.T, opts ...func(*Options)) *Room {
	t.Helper()
	o := Options{
		BrowserTimeout:    2 * time.Second,
		LocalTimeout:      2 * time.Second,
		KeepaliveInterval: time.Hour, // keep ticks out of assertions
	}
	for _, fn := range opts {
		fn(&o)
	}
	r := New(context.Background(), "test-room", o)
	t.Cleanup(r.Shutdown)
	return r
}

// attachedEvent builds a forwardCDPEvent frame as the extension would send it.
func attachedEvent(t *testing.T, sessionID, targetID, url string) []byte {
	t.Helper()
	return forwardEvent(t, "Target.attachedToTarget", "", protocol.AttachedToTargetParams{
		SessionID: sessionID,
		TargetInfo: protocol.TargetInfo{
			TargetID: targetID,
			Type:     "page",
			Title:    "tab",
			URL:      url,
		},
	})
}

func forwardEvent(t *testing.T, method, sessionID string, params any) []byte {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	inner, err := json.Marshal(protocol.ForwardParams{Method: method, SessionID: sessionID, Params: raw})
	require.NoError(t, err)
	frame, err := json.Marshal(map[string]any{
		"method": protocol.MethodForwardEvent,
		"params": json.RawMessage(inner),
	})
	require.NoError(t, err)
	return frame
}

// agentCommand builds a protocol command frame as an agent would send it.
func agentCommand(t *testing.T, id int64, method, sessionID string, params any) []byte {
	t.Helper()
	m := map[string]any{"id": id, "method": method}
	if sessionID != "" {
		m["sessionId"] = sessionID
	}
	if params != nil {
		m["params"] = params
	}
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return data
}
