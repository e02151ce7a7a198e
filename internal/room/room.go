// Package room implements the relay's per-tenant coordination unit: peer
// admission, RPC multiplexing toward the browser and local peers, target
// lifecycle mirroring, event fan-out to agents, and the write-after-read
// file ledger.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relayworks/browser-relay/internal/auth"
	"github.com/relayworks/browser-relay/internal/logging"
	"github.com/relayworks/browser-relay/internal/metrics"
	"github.com/relayworks/browser-relay/internal/protocol"
)

// SnapshotStore is where rooms journal their durable state. Implemented by
// the Redis-backed store; nil-tolerant for single-instance deployments.
type SnapshotStore interface {
	Save(ctx context.Context, roomID string, data []byte) error
	Load(ctx context.Context, roomID string) ([]byte, error)
	Delete(ctx context.Context, roomID string) error
}

// Options configures a new room.
type Options struct {
	BrowserTimeout    time.Duration
	LocalTimeout      time.Duration
	KeepaliveInterval time.Duration
	Store             SnapshotStore
	// OnEmpty is invoked (on its own goroutine) when the last peer leaves.
	OnEmpty func(roomID string)
}

const (
	defaultRPCTimeout       = 30 * time.Second
	defaultKeepaliveTick    = 5 * time.Second
	closeReasonBrowserLeft  = "Extension disconnected"
	closeReasonShuttingDown = "Server shutting down"
)

// Room is one tenant's coordination unit. At most one browser peer, at most
// one local peer, and any number of agent peers with distinct clientIds.
type Room struct {
	id   string
	auth *auth.Record

	mu            sync.RWMutex
	browser       Peer
	local         Peer
	localClientID string
	agents        map[string]Peer

	targets *targetRegistry
	ledger  *readLedger

	browserRPC *pendingTable
	localRPC   *pendingTable

	browserTimeout time.Duration
	localTimeout   time.Duration

	keepaliveTick time.Duration
	kaCancel      context.CancelFunc
	missedPongs   int64 // informational only, reset by pong

	store   SnapshotStore
	onEmpty func(string)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	saveMu      sync.Mutex
	savePending bool
}

// New creates an empty room. Durable state from a previous incarnation is
// restored from the snapshot store, if one exists.
func New(ctx context.Context, id string, opts Options) *Room {
	if opts.BrowserTimeout <= 0 {
		opts.BrowserTimeout = defaultRPCTimeout
	}
	if opts.LocalTimeout <= 0 {
		opts.LocalTimeout = defaultRPCTimeout
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = defaultKeepaliveTick
	}

	rctx, cancel := context.WithCancel(context.WithValue(ctx, logging.RoomIDKey, id))
	r := &Room{
		id:             id,
		auth:           auth.NewRecord(id),
		agents:         make(map[string]Peer),
		targets:        newTargetRegistry(),
		ledger:         newReadLedger(),
		browserRPC:     newPendingTable("extension", "Extension"),
		localRPC:       newPendingTable("local", "Local client"),
		browserTimeout: opts.BrowserTimeout,
		localTimeout:   opts.LocalTimeout,
		keepaliveTick:  opts.KeepaliveInterval,
		store:          opts.Store,
		onEmpty:        opts.OnEmpty,
		ctx:            rctx,
		cancel:         cancel,
	}

	if r.store != nil {
		if data, err := r.store.Load(rctx, id); err != nil {
			logging.Warn(rctx, "failed to load room snapshot", zap.Error(err))
		} else if data != nil {
			r.restoreSnapshot(rctx, data)
		}
	}
	return r
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// Auth returns the room's passphrase record.
func (r *Room) Auth() *auth.Record { return r.auth }

// BrowserConnected reports whether a browser peer is attached.
func (r *Room) BrowserConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.browser != nil
}

// LocalConnected reports whether a local peer is attached.
func (r *Room) LocalConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local != nil
}

// AgentConnected reports whether an agent with the given clientId is attached.
func (r *Room) AgentConnected(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[clientID]
	return ok
}

// AgentCount returns the number of attached agents.
func (r *Room) AgentCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Empty reports whether no peers remain.
func (r *Room) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.browser == nil && r.local == nil && len(r.agents) == 0
}

// AdmitBrowser attaches the room's single browser peer.
func (r *Room) AdmitBrowser(p Peer) error {
	r.mu.Lock()
	if r.browser != nil {
		r.mu.Unlock()
		metrics.AdmissionRejected.WithLabelValues("browser_conflict").Inc()
		return ErrBrowserConflict
	}
	r.browser = p
	r.startKeepaliveLocked()
	r.mu.Unlock()

	logging.Info(r.ctx, "extension connected")
	return nil
}

// AdmitLocal attaches the room's single local peer.
func (r *Room) AdmitLocal(p Peer) error {
	r.mu.Lock()
	if r.local != nil {
		r.mu.Unlock()
		metrics.AdmissionRejected.WithLabelValues("local_conflict").Inc()
		return ErrLocalConflict
	}
	r.local = p
	r.localClientID = p.ClientID()
	r.startKeepaliveLocked()
	r.mu.Unlock()

	logging.Info(r.ctx, "local client connected", zap.String("client_id", p.ClientID()))
	return nil
}

// AdmitAgent attaches an agent peer. On admission the agent immediately
// receives the mirrored target lifecycle so it can proceed without a live
// browser round trip.
func (r *Room) AdmitAgent(p Peer) error {
	r.mu.Lock()
	if _, ok := r.agents[p.ClientID()]; ok {
		r.mu.Unlock()
		metrics.AdmissionRejected.WithLabelValues("agent_conflict").Inc()
		return ErrAgentConflict
	}
	r.agents[p.ClientID()] = p
	targets := r.targets.list()
	r.mu.Unlock()

	for _, t := range targets {
		r.sendEvent(p, "Target.attachedToTarget", protocol.AttachedToTargetParams{
			SessionID:          t.SessionID,
			TargetInfo:         t.Info,
			WaitingForDebugger: false,
		}, "")
	}

	logging.Info(r.ctx, "agent connected",
		zap.String("client_id", p.ClientID()),
		zap.Int("replayed_targets", len(targets)))
	return nil
}

// HandlePeerDisconnect detaches a peer and runs the role's teardown rules.
// Safe to call more than once per peer.
func (r *Room) HandlePeerDisconnect(p Peer) {
	switch p.Role() {
	case RoleBrowser:
		r.mu.Lock()
		if r.browser != p {
			r.mu.Unlock()
			return
		}
		r.browser = nil
		r.targets.clear()
		agents := r.agentListLocked()
		r.stopKeepaliveIfIdleLocked()
		r.mu.Unlock()

		// The browser is the substrate agents operate on; without it their
		// sessions are meaningless.
		r.browserRPC.failAll(errExtensionClosed)
		for _, a := range agents {
			a.Close(websocket.CloseNormalClosure, closeReasonBrowserLeft)
		}
		logging.Info(r.ctx, "extension disconnected", zap.Int("agents_closed", len(agents)))

	case RoleLocal:
		r.mu.Lock()
		if r.local != p {
			r.mu.Unlock()
			return
		}
		r.local = nil
		r.localClientID = ""
		r.ledger.clear()
		r.stopKeepaliveIfIdleLocked()
		r.mu.Unlock()

		r.localRPC.failAll(errLocalClosed)
		logging.Info(r.ctx, "local client disconnected")

	case RoleAgent:
		r.mu.Lock()
		if cur, ok := r.agents[p.ClientID()]; !ok || cur != p {
			r.mu.Unlock()
			return
		}
		delete(r.agents, p.ClientID())
		r.mu.Unlock()
		logging.Info(r.ctx, "agent disconnected", zap.String("client_id", p.ClientID()))
	}

	r.persistSnapshot()

	if r.Empty() && r.onEmpty != nil {
		go r.onEmpty(r.id)
	}
}

// HandleBrowserMessage dispatches one inbound frame from the browser peer.
func (r *Room) HandleBrowserMessage(ctx context.Context, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		logging.Error(ctx, "dropping malformed extension message", zap.Error(err))
		return
	}

	switch env.Classify() {
	case protocol.KindReply:
		if !r.browserRPC.resolve(env) {
			logging.Debug(ctx, "dropping late extension reply", zap.Int64p("id", env.ID))
		}
	case protocol.KindNotify:
		r.handleBrowserNotify(ctx, env)
	default:
		logging.Warn(ctx, "unexpected command from extension", zap.String("method", env.Method))
	}
}

func (r *Room) handleBrowserNotify(ctx context.Context, env *protocol.Envelope) {
	switch env.Method {
	case protocol.MethodForwardEvent:
		fp, err := protocol.DecodeForwardEvent(env.Params)
		if err != nil {
			logging.Warn(ctx, "dropping malformed forwarded event", zap.Error(err))
			return
		}
		if r.applyBrowserEvent(ctx, fp) {
			r.persistSnapshot()
		}
		r.broadcastEvent(fp)
	case protocol.MethodPong:
		r.notePong()
	case protocol.MethodLog:
		r.sinkPeerLog(ctx, "extension", env.Params)
	default:
		logging.Debug(ctx, "ignoring extension notification", zap.String("method", env.Method))
	}
}

// HandleLocalMessage dispatches one inbound frame from the local peer.
func (r *Room) HandleLocalMessage(ctx context.Context, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		logging.Error(ctx, "dropping malformed local message", zap.Error(err))
		return
	}

	switch env.Classify() {
	case protocol.KindReply:
		if !r.localRPC.resolve(env) {
			logging.Debug(ctx, "dropping late local reply", zap.Int64p("id", env.ID))
		}
	case protocol.KindNotify:
		switch env.Method {
		case protocol.MethodPong:
			r.notePong()
		case protocol.MethodLog:
			r.sinkPeerLog(ctx, "local", env.Params)
		default:
			logging.Debug(ctx, "ignoring local notification", zap.String("method", env.Method))
		}
	default:
		logging.Warn(ctx, "unexpected command from local client", zap.String("method", env.Method))
	}
}

// broadcastEvent fans a browser event out to every agent. The peer set is
// snapshotted first so a slow agent cannot hold the room lock.
func (r *Room) broadcastEvent(fp *protocol.ForwardParams) {
	data, err := protocol.NewRawEvent(fp.Method, fp.Params, fp.SessionID)
	if err != nil {
		return
	}

	r.mu.RLock()
	agents := r.agentListLocked()
	r.mu.RUnlock()

	for _, a := range agents {
		a.Send(data)
	}
	metrics.EventsBroadcast.Inc()
}

// sinkPeerLog forwards a peer's log envelope into the relay's own logs.
func (r *Room) sinkPeerLog(ctx context.Context, source string, params json.RawMessage) {
	var lp protocol.LogParams
	if err := json.Unmarshal(params, &lp); err != nil {
		return
	}
	fields := []zap.Field{zap.String("source", source), zap.Strings("args", lp.Args)}
	switch lp.Level {
	case "error":
		logging.Error(ctx, "peer log", fields...)
	case "warn":
		logging.Warn(ctx, "peer log", fields...)
	default:
		logging.Info(ctx, "peer log", fields...)
	}
}

func (r *Room) agentListLocked() []Peer {
	out := make([]Peer, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	return out
}

func (r *Room) sendEvent(p Peer, method string, params any, sessionID string) {
	data, err := protocol.NewEvent(method, params, sessionID)
	if err != nil {
		return
	}
	p.Send(data)
}

// ReadFile reads a file through the local peer and records its mtime.
func (r *Room) ReadFile(ctx context.Context, path string) (string, error) {
	res, err := r.CallLocal(ctx, protocol.MethodFileRead, protocol.FileReadParams{Path: path}, 0)
	if err != nil {
		return "", err
	}
	var out protocol.FileReadResult
	if err := json.Unmarshal(res, &out); err != nil {
		return "", fmt.Errorf("malformed file.read result: %w", err)
	}
	r.ledger.record(path, out.Mtime)
	r.persistSnapshot()
	return out.Content, nil
}

// WriteFile writes a file through the local peer. The path must have been
// read in this room first; the recorded mtime rides along so the local peer
// can refuse writes over content that changed since the read.
func (r *Room) WriteFile(ctx context.Context, path, content string) error {
	mtime, ok := r.ledger.get(path)
	if !ok {
		return fmt.Errorf("Cannot write to %s: file has not been read yet. Read the file first to ensure you have the latest content.", path)
	}
	res, err := r.CallLocal(ctx, protocol.MethodFileWrite, protocol.FileWriteParams{
		Path:          path,
		Content:       content,
		ExpectedMtime: &mtime,
	}, 0)
	if err != nil {
		return err
	}
	var out protocol.FileWriteResult
	if err := json.Unmarshal(res, &out); err != nil {
		return fmt.Errorf("malformed file.write result: %w", err)
	}
	r.ledger.record(path, out.Mtime)
	r.persistSnapshot()
	return nil
}

// Bash runs a shell command through the local peer. The RPC deadline is
// stretched past the command's own timeout so the local peer reports the
// command-level expiry itself.
func (r *Room) Bash(ctx context.Context, command, workdir string, timeoutMs int64) (*protocol.BashExecuteResult, error) {
	deadline := r.localTimeout
	if timeoutMs > 0 {
		deadline = time.Duration(timeoutMs)*time.Millisecond + 5*time.Second
	}
	res, err := r.CallLocal(ctx, protocol.MethodBashExecute, protocol.BashExecuteParams{
		Command: command,
		Workdir: workdir,
		Timeout: timeoutMs,
	}, deadline)
	if err != nil {
		return nil, err
	}
	var out protocol.BashExecuteResult
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, fmt.Errorf("malformed bash.execute result: %w", err)
	}
	return &out, nil
}

// startKeepaliveLocked starts the ping loop when the first back-end peer
// attaches. Caller holds r.mu.
func (r *Room) startKeepaliveLocked() {
	if r.kaCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	r.kaCancel = cancel
	r.wg.Add(1)
	go r.keepaliveLoop(ctx)
}

// stopKeepaliveIfIdleLocked stops the ping loop when no back-end peer
// remains. Caller holds r.mu.
func (r *Room) stopKeepaliveIfIdleLocked() {
	if r.browser == nil && r.local == nil && r.kaCancel != nil {
		r.kaCancel()
		r.kaCancel = nil
	}
}

// keepaliveLoop sends application-level pings so intermediaries with idle
// timeouts shorter than a protocol lull never sever the back-end sockets.
// Pongs reset a liveness counter; a silent peer is never force-dropped.
func (r *Room) keepaliveLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.keepaliveTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.RLock()
			browser, local := r.browser, r.local
			r.mu.RUnlock()

			ping := protocol.NewPing()
			if browser != nil {
				browser.Send(ping)
			}
			if local != nil {
				local.Send(ping)
			}

			r.mu.Lock()
			r.missedPongs++
			missed := r.missedPongs
			r.mu.Unlock()
			if missed > 3 {
				logging.Debug(ctx, "peers silent on keepalive", zap.Int64("missed_pongs", missed))
			}
		}
	}
}

func (r *Room) notePong() {
	r.mu.Lock()
	r.missedPongs = 0
	r.mu.Unlock()
}

// Shutdown closes every peer and stops room goroutines.
func (r *Room) Shutdown() {
	r.mu.Lock()
	peers := r.agentListLocked()
	if r.browser != nil {
		peers = append(peers, r.browser)
	}
	if r.local != nil {
		peers = append(peers, r.local)
	}
	r.browser = nil
	r.local = nil
	r.agents = make(map[string]Peer)
	if r.kaCancel != nil {
		r.kaCancel()
		r.kaCancel = nil
	}
	r.mu.Unlock()

	r.browserRPC.failAll(errExtensionClosed)
	r.localRPC.failAll(errLocalClosed)
	for _, p := range peers {
		p.Close(websocket.CloseGoingAway, closeReasonShuttingDown)
	}

	r.cancel()
	r.wg.Wait()
}
