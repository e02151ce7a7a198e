package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/relayworks/browser-relay/internal/metrics"
	"github.com/relayworks/browser-relay/internal/protocol"
)

// callOutcome is the terminal state of one pending RPC.
type callOutcome struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	id     int64
	method string
	origin string // clientId of the agent that triggered the call, if any
	start  time.Time
	done   chan callOutcome
	timer  *time.Timer
}

// pendingTable multiplexes concurrent RPCs onto a single back-end peer.
// IDs are allocated from a per-room monotonic counter so concurrent callers
// never collide; a reply resolves exactly one pending entry.
type pendingTable struct {
	peerLabel string // metrics label: "extension" or "local"
	peerName  string // human-facing: "Extension" or "Local client"

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingCall
}

func newPendingTable(peerLabel, peerName string) *pendingTable {
	return &pendingTable{
		peerLabel: peerLabel,
		peerName:  peerName,
		nextID:    1,
		pending:   make(map[int64]*pendingCall),
	}
}

// start registers a new pending call with a deadline. The timer completes
// the call with a timeout error; the id it burns is never reused.
func (t *pendingTable) start(method, origin string, timeout time.Duration) *pendingCall {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	call := &pendingCall{
		id:     id,
		method: method,
		origin: origin,
		start:  time.Now(),
		done:   make(chan callOutcome, 1),
	}
	t.pending[id] = call
	t.mu.Unlock()

	call.timer = time.AfterFunc(timeout, func() {
		msg := fmt.Sprintf("%s request timeout after %dms: %s", t.peerName, timeout.Milliseconds(), method)
		if t.complete(id, callOutcome{err: fmt.Errorf("%s", msg)}) {
			metrics.RPCTimeouts.WithLabelValues(t.peerLabel).Inc()
		}
	})
	metrics.RPCInflight.WithLabelValues(t.peerLabel).Inc()
	return call
}

// resolve matches a back-end reply to its pending call. Replies to unknown
// ids (late, after timeout or disconnect) are dropped.
func (t *pendingTable) resolve(env *protocol.Envelope) bool {
	if env.ID == nil {
		return false
	}
	out := callOutcome{result: env.Result}
	if msg := env.ErrorString(); msg != "" {
		out = callOutcome{err: fmt.Errorf("%s", msg)}
	}
	return t.complete(*env.ID, out)
}

// failAll rejects every pending call, used when the back-end peer disconnects.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	calls := make([]*pendingCall, 0, len(t.pending))
	for _, c := range t.pending {
		calls = append(calls, c)
	}
	t.pending = make(map[int64]*pendingCall)
	t.mu.Unlock()

	for _, c := range calls {
		c.timer.Stop()
		c.done <- callOutcome{err: err}
		t.observe(c, "disconnect")
	}
}

// seedNextID fast-forwards the counter when restoring from a snapshot, so
// ids stay monotonic across process restarts.
func (t *pendingTable) seedNextID(next int64) {
	t.mu.Lock()
	if next > t.nextID {
		t.nextID = next
	}
	t.mu.Unlock()
}

func (t *pendingTable) snapshotNextID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextID
}

func (t *pendingTable) complete(id int64, out callOutcome) bool {
	t.mu.Lock()
	call, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}

	call.timer.Stop()
	call.done <- out

	status := "ok"
	if out.err != nil {
		status = "error"
	}
	t.observe(call, status)
	return true
}

func (t *pendingTable) observe(call *pendingCall, status string) {
	metrics.RPCInflight.WithLabelValues(t.peerLabel).Dec()
	metrics.RPCDuration.WithLabelValues(t.peerLabel, status).Observe(time.Since(call.start).Seconds())
}

// CallBrowser forwards a protocol command to the browser peer and waits for
// its reply or the deadline.
func (r *Room) CallBrowser(ctx context.Context, method string, params json.RawMessage, sessionID, origin string) (json.RawMessage, error) {
	r.mu.RLock()
	browser := r.browser
	r.mu.RUnlock()
	if browser == nil {
		return nil, ErrExtensionNotConnected
	}

	call := r.browserRPC.start(method, origin, r.browserTimeout)
	data, err := protocol.NewForwardCommand(call.id, method, params, sessionID)
	if err != nil {
		r.browserRPC.complete(call.id, callOutcome{err: err})
		<-call.done
		return nil, err
	}
	if !browser.Send(data) {
		r.browserRPC.complete(call.id, callOutcome{err: errExtensionClosed})
		<-call.done
		return nil, errExtensionClosed
	}

	return r.await(ctx, r.browserRPC, call)
}

// CallLocal sends an RPC to the local peer and waits for its reply or the
// deadline. A non-zero timeout overrides the room default, used for bash
// commands whose own timeout exceeds it.
func (r *Room) CallLocal(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	r.mu.RLock()
	local := r.local
	r.mu.RUnlock()
	if local == nil {
		return nil, ErrLocalNotConnected
	}

	if timeout <= 0 {
		timeout = r.localTimeout
	}
	call := r.localRPC.start(method, "", timeout)
	data, err := protocol.NewLocalCommand(call.id, method, params)
	if err != nil {
		r.localRPC.complete(call.id, callOutcome{err: err})
		<-call.done
		return nil, err
	}
	if !local.Send(data) {
		r.localRPC.complete(call.id, callOutcome{err: errLocalClosed})
		<-call.done
		return nil, errLocalClosed
	}

	return r.await(ctx, r.localRPC, call)
}

func (r *Room) await(ctx context.Context, table *pendingTable, call *pendingCall) (json.RawMessage, error) {
	select {
	case out := <-call.done:
		return out.result, out.err
	case <-ctx.Done():
		table.complete(call.id, callOutcome{err: ctx.Err()})
		<-call.done
		return nil, ctx.Err()
	}
}
