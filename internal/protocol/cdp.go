package protocol

import "encoding/json"

// TargetInfo mirrors the DevTools Target.TargetInfo shape tracked per target.
type TargetInfo struct {
	TargetID         string `json:"targetId"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	URL              string `json:"url"`
	Attached         bool   `json:"attached,omitempty"`
	BrowserContextID string `json:"browserContextId,omitempty"`
}

// AttachedToTargetParams is the payload of Target.attachedToTarget.
type AttachedToTargetParams struct {
	SessionID          string     `json:"sessionId"`
	TargetInfo         TargetInfo `json:"targetInfo"`
	WaitingForDebugger bool       `json:"waitingForDebugger"`
}

// DetachedFromTargetParams is the payload of Target.detachedFromTarget.
type DetachedFromTargetParams struct {
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId,omitempty"`
}

// TargetInfoChangedParams is the payload of Target.targetInfoChanged.
type TargetInfoChangedParams struct {
	TargetInfo TargetInfo `json:"targetInfo"`
}

// TargetCreatedParams is the payload of the synthesized Target.targetCreated.
type TargetCreatedParams struct {
	TargetInfo TargetInfo `json:"targetInfo"`
}

// Frame is the subset of the Page.Frame shape the relay inspects.
type Frame struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId,omitempty"`
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
}

// FrameNavigatedParams is the payload of Page.frameNavigated.
type FrameNavigatedParams struct {
	Frame Frame `json:"frame"`
}

// AttachToTargetParams is the payload of the agent command Target.attachToTarget.
type AttachToTargetParams struct {
	TargetID string `json:"targetId"`
	Flatten  bool   `json:"flatten,omitempty"`
}

// GetTargetInfoParams is the payload of the agent command Target.getTargetInfo.
type GetTargetInfoParams struct {
	TargetID string `json:"targetId,omitempty"`
}

// DetachFromTargetParams is the payload of the agent command Target.detachFromTarget.
type DetachFromTargetParams struct {
	SessionID string `json:"sessionId,omitempty"`
}

// SetDiscoverTargetsParams is the payload of Target.setDiscoverTargets.
type SetDiscoverTargetsParams struct {
	Discover bool `json:"discover"`
}

// GetVersionResult is the fixed descriptor the relay answers for Browser.getVersion.
type GetVersionResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	Product         string `json:"product"`
	Revision        string `json:"revision"`
	UserAgent       string `json:"userAgent"`
	JsVersion       string `json:"jsVersion"`
}

// RelayVersion is the descriptor the relay presents to agents that probe
// Browser.getVersion. The relay answers locally so agents can handshake
// before the browser peer has processed anything.
var RelayVersion = GetVersionResult{
	ProtocolVersion: "1.3",
	Product:         "Chrome/Cloudflare-Relay",
	Revision:        "1.0.0",
	UserAgent:       "Mozilla/5.0 (compatible; BrowserRelay/1.0)",
	JsVersion:       "V8",
}

// FileReadParams is the payload of the local peer's file.read command.
type FileReadParams struct {
	Path string `json:"path"`
}

// FileReadResult is the local peer's file.read response.
type FileReadResult struct {
	Content string  `json:"content"`
	Mtime   float64 `json:"mtime"`
}

// FileWriteParams is the payload of the local peer's file.write command.
type FileWriteParams struct {
	Path          string   `json:"path"`
	Content       string   `json:"content"`
	ExpectedMtime *float64 `json:"expectedMtime,omitempty"`
}

// FileWriteResult is the local peer's file.write response.
type FileWriteResult struct {
	Success bool    `json:"success"`
	Mtime   float64 `json:"mtime"`
}

// BashExecuteParams is the payload of the local peer's bash.execute command.
type BashExecuteParams struct {
	Command string `json:"command"`
	Workdir string `json:"workdir,omitempty"`
	Timeout int64  `json:"timeout,omitempty"` // milliseconds
}

// BashExecuteResult is the local peer's bash.execute response.
type BashExecuteResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// DecodeForwardEvent extracts the nested protocol event from a
// forwardCDPEvent envelope.
func DecodeForwardEvent(params json.RawMessage) (*ForwardParams, error) {
	var fp ForwardParams
	if err := json.Unmarshal(params, &fp); err != nil {
		return nil, err
	}
	return &fp, nil
}
