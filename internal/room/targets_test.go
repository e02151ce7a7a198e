package room

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayworks/browser-relay/internal/protocol"
)

func TestTargetRegistry_MirrorsLifecycle(t *testing.T) {
	r := newTestRoom(t)
	browser := newMockPeer(RoleBrowser, "")
	require.NoError(t, r.AdmitBrowser(browser))
	ctx := context.Background()

	r.HandleBrowserMessage(ctx, attachedEvent(t, "sess-1", "target-1", "https://a.example"))
	r.HandleBrowserMessage(ctx, attachedEvent(t, "sess-2", "target-2", "https://b.example"))

	targets := r.Targets()
	require.Len(t, targets, 2)
	assert.Equal(t, "sess-1", targets[0].SessionID)
	assert.Equal(t, "target-1", targets[0].TargetID)

	r.HandleBrowserMessage(ctx, forwardEvent(t, "Target.detachedFromTarget", "", protocol.DetachedFromTargetParams{SessionID: "sess-1"}))
	targets = r.Targets()
	require.Len(t, targets, 1)
	assert.Equal(t, "sess-2", targets[0].SessionID)
}

func TestTargetRegistry_ReattachKeepsSingleEntry(t *testing.T) {
	r := newTestRoom(t)
	browser := newMockPeer(RoleBrowser, "")
	require.NoError(t, r.AdmitBrowser(browser))
	ctx := context.Background()

	r.HandleBrowserMessage(ctx, attachedEvent(t, "sess-1", "target-1", "https://a.example"))
	r.HandleBrowserMessage(ctx, attachedEvent(t, "sess-1", "target-1", "https://a.example/page2"))

	targets := r.Targets()
	require.Len(t, targets, 1)
	assert.Equal(t, "https://a.example/page2", targets[0].Info.URL)
}

func TestTargetRegistry_InfoChangedUpdatesDescriptor(t *testing.T) {
	r := newTestRoom(t)
	browser := newMockPeer(RoleBrowser, "")
	require.NoError(t, r.AdmitBrowser(browser))
	ctx := context.Background()

	r.HandleBrowserMessage(ctx, attachedEvent(t, "sess-1", "target-1", "https://a.example"))
	r.HandleBrowserMessage(ctx, forwardEvent(t, "Target.targetInfoChanged", "", protocol.TargetInfoChangedParams{
		TargetInfo: protocol.TargetInfo{TargetID: "target-1", Type: "page", Title: "New Title", URL: "https://a.example/new"},
	}))

	targets := r.Targets()
	require.Len(t, targets, 1)
	assert.Equal(t, "New Title", targets[0].Info.Title)
	assert.Equal(t, "https://a.example/new", targets[0].Info.URL)
}

func TestTargetRegistry_TopFrameNavigationMovesURL(t *testing.T) {
	r := newTestRoom(t)
	browser := newMockPeer(RoleBrowser, "")
	require.NoError(t, r.AdmitBrowser(browser))
	ctx := context.Background()

	r.HandleBrowserMessage(ctx, attachedEvent(t, "sess-1", "target-1", "https://a.example"))

	// Subframe navigation does not move the tracked URL.
	r.HandleBrowserMessage(ctx, forwardEvent(t, "Page.frameNavigated", "sess-1", protocol.FrameNavigatedParams{
		Frame: protocol.Frame{ID: "frame-2", ParentID: "frame-1", URL: "https://ad.example"},
	}))
	assert.Equal(t, "https://a.example", r.Targets()[0].Info.URL)

	// Top-level navigation does.
	r.HandleBrowserMessage(ctx, forwardEvent(t, "Page.frameNavigated", "sess-1", protocol.FrameNavigatedParams{
		Frame: protocol.Frame{ID: "frame-1", URL: "https://a.example/next"},
	}))
	assert.Equal(t, "https://a.example/next", r.Targets()[0].Info.URL)

	// Session-less frame events are ignored.
	r.HandleBrowserMessage(ctx, forwardEvent(t, "Page.frameNavigated", "", protocol.FrameNavigatedParams{
		Frame: protocol.Frame{ID: "frame-1", URL: "https://elsewhere.example"},
	}))
	assert.Equal(t, "https://a.example/next", r.Targets()[0].Info.URL)
}

func TestTargetRegistry_TopFrameNavigationUpdatesTitleFromFrameName(t *testing.T) {
	r := newTestRoom(t)
	browser := newMockPeer(RoleBrowser, "")
	require.NoError(t, r.AdmitBrowser(browser))
	ctx := context.Background()

	r.HandleBrowserMessage(ctx, forwardEvent(t, "Target.attachedToTarget", "", protocol.AttachedToTargetParams{
		SessionID:  "sess-1",
		TargetInfo: protocol.TargetInfo{TargetID: "target-1", Type: "page", Title: "tab", URL: "https://a.example"},
	}))

	// A named top frame moves both URL and title.
	r.HandleBrowserMessage(ctx, forwardEvent(t, "Page.frameNavigated", "sess-1", protocol.FrameNavigatedParams{
		Frame: protocol.Frame{ID: "frame-1", URL: "https://a.example/checkout", Name: "checkout"},
	}))
	require.Len(t, r.Targets(), 1)
	assert.Equal(t, "https://a.example/checkout", r.Targets()[0].Info.URL)
	assert.Equal(t, "checkout", r.Targets()[0].Info.Title)

	// A nameless top frame moves the URL but keeps the last title.
	r.HandleBrowserMessage(ctx, forwardEvent(t, "Page.frameNavigated", "sess-1", protocol.FrameNavigatedParams{
		Frame: protocol.Frame{ID: "frame-1", URL: "https://a.example/done"},
	}))
	assert.Equal(t, "https://a.example/done", r.Targets()[0].Info.URL)
	assert.Equal(t, "checkout", r.Targets()[0].Info.Title)
}

func TestTargetRegistry_LifecycleEventsStillBroadcast(t *testing.T) {
	r := newTestRoom(t)
	browser := newMockPeer(RoleBrowser, "")
	agent := newMockPeer(RoleAgent, "agent-1")
	require.NoError(t, r.AdmitBrowser(browser))
	require.NoError(t, r.AdmitAgent(agent))

	r.HandleBrowserMessage(context.Background(), attachedEvent(t, "sess-1", "target-1", "https://a.example"))

	// Bookkeeping is a side effect; the event still reaches agents.
	require.Equal(t, 1, agent.sentCount())
	assert.Equal(t, "Target.attachedToTarget", agent.sentAt(0)["method"])
}
