package room

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/relayworks/browser-relay/internal/logging"
	"github.com/relayworks/browser-relay/internal/protocol"
)

// targetRegistry mirrors the browser's attachment lifecycle so late-joining
// agents can be brought up to date without round-tripping to the browser.
// Insertion order is preserved: the oldest live session is the fallback for
// session-less introspection. Not safe for concurrent use; callers hold the
// room lock.
type targetRegistry struct {
	order    []string // sessionIds, oldest first
	sessions map[string]*Target
}

func newTargetRegistry() *targetRegistry {
	return &targetRegistry{sessions: make(map[string]*Target)}
}

func (tr *targetRegistry) attach(sessionID string, info protocol.TargetInfo) {
	if _, ok := tr.sessions[sessionID]; !ok {
		tr.order = append(tr.order, sessionID)
	}
	tr.sessions[sessionID] = &Target{SessionID: sessionID, TargetID: info.TargetID, Info: info}
}

func (tr *targetRegistry) detach(sessionID string) bool {
	if _, ok := tr.sessions[sessionID]; !ok {
		return false
	}
	delete(tr.sessions, sessionID)
	for i, id := range tr.order {
		if id == sessionID {
			tr.order = append(tr.order[:i], tr.order[i+1:]...)
			break
		}
	}
	return true
}

// updateInfo refreshes the stored descriptor for whichever session tracks
// the given targetId. Updates for untracked targets are dropped.
func (tr *targetRegistry) updateInfo(info protocol.TargetInfo) {
	for _, t := range tr.sessions {
		if t.TargetID == info.TargetID {
			t.Info = info
			return
		}
	}
}

// updateNavigation patches the tracked URL, and title when the frame carries
// a name, for a session after a top-level frame navigation.
func (tr *targetRegistry) updateNavigation(sessionID, url, name string) {
	if t, ok := tr.sessions[sessionID]; ok {
		t.Info.URL = url
		if name != "" {
			t.Info.Title = name
		}
	}
}

func (tr *targetRegistry) bySession(sessionID string) (*Target, bool) {
	t, ok := tr.sessions[sessionID]
	return t, ok
}

func (tr *targetRegistry) byTargetID(targetID string) (*Target, bool) {
	for _, id := range tr.order {
		if t := tr.sessions[id]; t.TargetID == targetID {
			return t, true
		}
	}
	return nil, false
}

// first returns the oldest live target, the fallback for agents that probe
// target info without naming a session.
func (tr *targetRegistry) first() (*Target, bool) {
	if len(tr.order) == 0 {
		return nil, false
	}
	return tr.sessions[tr.order[0]], true
}

func (tr *targetRegistry) list() []Target {
	out := make([]Target, 0, len(tr.order))
	for _, id := range tr.order {
		out = append(out, *tr.sessions[id])
	}
	return out
}

func (tr *targetRegistry) clear() {
	tr.order = nil
	tr.sessions = make(map[string]*Target)
}

func (tr *targetRegistry) restore(targets []Target) {
	tr.clear()
	for _, t := range targets {
		tc := t
		tr.order = append(tr.order, t.SessionID)
		tr.sessions[t.SessionID] = &tc
	}
}

// applyBrowserEvent keeps the registry in sync with lifecycle events flowing
// through the broadcaster. Returns true when the registry changed.
func (r *Room) applyBrowserEvent(ctx context.Context, fp *protocol.ForwardParams) bool {
	switch fp.Method {
	case "Target.attachedToTarget":
		var p protocol.AttachedToTargetParams
		if err := json.Unmarshal(fp.Params, &p); err != nil {
			logging.Warn(ctx, "dropping malformed attachedToTarget", zap.Error(err))
			return false
		}
		r.mu.Lock()
		r.targets.attach(p.SessionID, p.TargetInfo)
		r.mu.Unlock()
		return true

	case "Target.detachedFromTarget":
		var p protocol.DetachedFromTargetParams
		if err := json.Unmarshal(fp.Params, &p); err != nil {
			logging.Warn(ctx, "dropping malformed detachedFromTarget", zap.Error(err))
			return false
		}
		r.mu.Lock()
		changed := r.targets.detach(p.SessionID)
		r.mu.Unlock()
		return changed

	case "Target.targetInfoChanged":
		var p protocol.TargetInfoChangedParams
		if err := json.Unmarshal(fp.Params, &p); err != nil {
			logging.Warn(ctx, "dropping malformed targetInfoChanged", zap.Error(err))
			return false
		}
		r.mu.Lock()
		r.targets.updateInfo(p.TargetInfo)
		r.mu.Unlock()
		return true

	case "Page.frameNavigated":
		var p protocol.FrameNavigatedParams
		if err := json.Unmarshal(fp.Params, &p); err != nil {
			return false
		}
		// Only top-level frames of an attached session move the tracked URL.
		if p.Frame.ParentID != "" || fp.SessionID == "" {
			return false
		}
		r.mu.Lock()
		r.targets.updateNavigation(fp.SessionID, p.Frame.URL, p.Frame.Name)
		r.mu.Unlock()
		return true
	}
	return false
}

// Targets returns a copy of the live target list, oldest first.
func (r *Room) Targets() []Target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.targets.list()
}
