package room

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relayworks/browser-relay/internal/logging"
	"github.com/relayworks/browser-relay/internal/metrics"
	"github.com/relayworks/browser-relay/internal/protocol"
)

// HandleAgentMessage dispatches one inbound frame from an agent peer.
// Commands hit the routing table below; anything else is dropped.
func (r *Room) HandleAgentMessage(ctx context.Context, agent Peer, raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		logging.Error(ctx, "dropping malformed agent message", zap.Error(err))
		return
	}

	switch env.Classify() {
	case protocol.KindCommand:
		r.routeAgentCommand(ctx, agent, env)
	case protocol.KindNotify:
		if env.Method == protocol.MethodPong {
			return
		}
		logging.Debug(ctx, "ignoring agent notification", zap.String("method", env.Method))
	default:
		logging.Warn(ctx, "unexpected reply from agent")
	}
}

// routeAgentCommand decides per method whether the relay answers from its
// own registries or forwards to the browser. Answer-locally methods exist
// so agents can complete their protocol handshake against a mirror instead
// of waking the browser.
func (r *Room) routeAgentCommand(ctx context.Context, agent Peer, env *protocol.Envelope) {
	id := *env.ID

	switch env.Method {
	case "Browser.getVersion":
		metrics.CommandsRouted.WithLabelValues("local").Inc()
		r.sendReply(agent, id, protocol.RelayVersion, env.SessionID)

	case "Browser.setDownloadBehavior":
		metrics.CommandsRouted.WithLabelValues("local").Inc()
		r.sendReply(agent, id, nil, env.SessionID)

	case "Target.setAutoAttach":
		// Session-scoped auto-attach is real protocol traffic for that
		// session's target; top-level auto-attach is answered from the mirror.
		if env.SessionID != "" {
			r.forwardToBrowser(ctx, agent, env)
			return
		}
		metrics.CommandsRouted.WithLabelValues("local").Inc()
		for _, t := range r.Targets() {
			r.sendEvent(agent, "Target.attachedToTarget", protocol.AttachedToTargetParams{
				SessionID:          t.SessionID,
				TargetInfo:         t.Info,
				WaitingForDebugger: false,
			}, "")
		}
		r.sendReply(agent, id, nil, env.SessionID)

	case "Target.setDiscoverTargets":
		metrics.CommandsRouted.WithLabelValues("local").Inc()
		var p protocol.SetDiscoverTargetsParams
		if len(env.Params) > 0 {
			_ = json.Unmarshal(env.Params, &p)
		}
		if p.Discover {
			for _, t := range r.Targets() {
				r.sendEvent(agent, "Target.targetCreated", protocol.TargetCreatedParams{TargetInfo: t.Info}, "")
			}
		}
		r.sendReply(agent, id, nil, env.SessionID)

	case "Target.attachToTarget":
		metrics.CommandsRouted.WithLabelValues("local").Inc()
		var p protocol.AttachToTargetParams
		if err := json.Unmarshal(env.Params, &p); err != nil {
			r.sendErrorReply(agent, id, "invalid attachToTarget params", env.SessionID)
			return
		}
		r.mu.RLock()
		target, ok := r.targets.byTargetID(p.TargetID)
		var t Target
		if ok {
			t = *target
		}
		r.mu.RUnlock()
		if !ok {
			r.sendErrorReply(agent, id, fmt.Sprintf("Target %s not found in connected targets", p.TargetID), env.SessionID)
			return
		}
		r.sendEvent(agent, "Target.attachedToTarget", protocol.AttachedToTargetParams{
			SessionID:          t.SessionID,
			TargetInfo:         t.Info,
			WaitingForDebugger: false,
		}, "")
		r.sendReply(agent, id, map[string]string{"sessionId": t.SessionID}, env.SessionID)

	case "Target.getTargetInfo":
		metrics.CommandsRouted.WithLabelValues("local").Inc()
		var p protocol.GetTargetInfoParams
		if len(env.Params) > 0 {
			_ = json.Unmarshal(env.Params, &p)
		}
		r.mu.RLock()
		target, ok := r.resolveTargetLocked(p.TargetID, env.SessionID)
		var t Target
		if ok {
			t = *target
		}
		r.mu.RUnlock()
		if !ok {
			r.sendErrorReply(agent, id, "No targets available", env.SessionID)
			return
		}
		r.sendReply(agent, id, map[string]protocol.TargetInfo{"targetInfo": t.Info}, env.SessionID)

	case "Target.getTargets":
		metrics.CommandsRouted.WithLabelValues("local").Inc()
		targets := r.Targets()
		infos := make([]protocol.TargetInfo, 0, len(targets))
		for _, t := range targets {
			info := t.Info
			info.Attached = true
			infos = append(infos, info)
		}
		r.sendReply(agent, id, map[string][]protocol.TargetInfo{"targetInfos": infos}, env.SessionID)

	case "Target.detachFromTarget":
		var p protocol.DetachFromTargetParams
		if len(env.Params) > 0 {
			_ = json.Unmarshal(env.Params, &p)
		}
		session := p.SessionID
		if session == "" {
			session = env.SessionID
		}
		r.mu.RLock()
		_, tracked := r.targets.bySession(session)
		r.mu.RUnlock()
		if tracked {
			r.forwardToBrowser(ctx, agent, env)
			return
		}
		// Unknown session: acknowledge so agents can detach idempotently.
		metrics.CommandsRouted.WithLabelValues("local").Inc()
		r.sendReply(agent, id, nil, env.SessionID)

	default:
		r.forwardToBrowser(ctx, agent, env)
	}
}

// resolveTargetLocked picks a target by explicit targetId, then by the
// command's session, then falls back to the oldest live target. Caller
// holds r.mu.
func (r *Room) resolveTargetLocked(targetID, sessionID string) (*Target, bool) {
	if targetID != "" {
		if t, ok := r.targets.byTargetID(targetID); ok {
			return t, true
		}
	}
	if sessionID != "" {
		if t, ok := r.targets.bySession(sessionID); ok {
			return t, true
		}
	}
	return r.targets.first()
}

// forwardToBrowser relays an agent command to the browser peer on its own
// goroutine, so a slow browser reply never stalls the agent's read loop.
// The browser-side id is allocated fresh; the agent's original id only
// reappears on the reply we send back.
func (r *Room) forwardToBrowser(ctx context.Context, agent Peer, env *protocol.Envelope) {
	metrics.CommandsRouted.WithLabelValues("forward").Inc()
	id := *env.ID

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		callCtx := context.WithValue(r.ctx, logging.CorrelationIDKey, uuid.NewString())
		result, err := r.CallBrowser(callCtx, env.Method, env.Params, env.SessionID, agent.ClientID())
		if err != nil {
			r.sendErrorReply(agent, id, err.Error(), env.SessionID)
			return
		}
		r.sendRawReply(agent, id, result, env.SessionID)
	}()
}

func (r *Room) sendReply(agent Peer, id int64, result any, sessionID string) {
	data, err := protocol.NewReply(id, result, sessionID)
	if err != nil {
		return
	}
	agent.Send(data)
}

func (r *Room) sendRawReply(agent Peer, id int64, result json.RawMessage, sessionID string) {
	data, err := protocol.NewRawReply(id, result, sessionID)
	if err != nil {
		return
	}
	agent.Send(data)
}

func (r *Room) sendErrorReply(agent Peer, id int64, message, sessionID string) {
	data, err := protocol.NewErrorReply(id, message, sessionID)
	if err != nil {
		return
	}
	agent.Send(data)
}
