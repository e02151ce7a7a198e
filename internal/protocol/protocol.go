// Package protocol defines the JSON wire envelopes exchanged between the
// relay and its three peer classes.
//
// Messages form an open tagged union discriminated by the presence of "id"
// (reply) versus "method" (request, event, or control frame). Agent commands
// carry both. Unknown shapes are rejected by Classify.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Relay-internal envelope methods.
const (
	MethodForwardCommand = "forwardCDPCommand"
	MethodForwardEvent   = "forwardCDPEvent"
	MethodPing           = "ping"
	MethodPong           = "pong"
	MethodLog            = "log"
)

// Local peer RPC methods.
const (
	MethodFileRead    = "file.read"
	MethodFileWrite   = "file.write"
	MethodBashExecute = "bash.execute"
)

// Kind classifies an inbound envelope.
type Kind int

const (
	KindInvalid Kind = iota
	KindCommand      // id + method: a command from an agent
	KindReply        // id, no method: a response from a back-end peer
	KindNotify       // method, no id: an event or control frame
)

// Envelope is the superset wire shape for every inbound message.
type Envelope struct {
	ID        *int64          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// Classify returns the envelope's position in the message union.
func (e *Envelope) Classify() Kind {
	switch {
	case e.ID != nil && e.Method != "":
		return KindCommand
	case e.ID != nil:
		return KindReply
	case e.Method != "":
		return KindNotify
	default:
		return KindInvalid
	}
}

// ErrorString decodes the error field of a back-end reply. Back-end peers
// report errors as bare strings.
func (e *Envelope) ErrorString() string {
	if len(e.Error) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Error, &s); err == nil {
		return s
	}
	// Tolerate object-shaped errors from nonconforming peers.
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(e.Error)
}

// Decode parses raw bytes into an Envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}
	if e.Classify() == KindInvalid {
		return nil, errors.New("malformed message: no id or method")
	}
	return &e, nil
}

// ErrorObject is the error shape on agent-facing replies.
type ErrorObject struct {
	Message string `json:"message"`
	Code    *int   `json:"code,omitempty"`
}

// reply is the agent-facing reply envelope.
type reply struct {
	ID        int64        `json:"id"`
	Result    any          `json:"result,omitempty"`
	Error     *ErrorObject `json:"error,omitempty"`
	SessionID string       `json:"sessionId,omitempty"`
}

// event is the agent-facing event envelope.
type event struct {
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// EmptyResult is the canonical empty reply body.
var EmptyResult = struct{}{}

// NewReply serializes a success reply to an agent.
func NewReply(id int64, result any, sessionID string) ([]byte, error) {
	if result == nil {
		result = EmptyResult
	}
	return json.Marshal(reply{ID: id, Result: result, SessionID: sessionID})
}

// NewRawReply serializes a success reply whose result is pre-encoded JSON.
func NewRawReply(id int64, result json.RawMessage, sessionID string) ([]byte, error) {
	if len(result) == 0 {
		return NewReply(id, nil, sessionID)
	}
	return json.Marshal(struct {
		ID        int64           `json:"id"`
		Result    json.RawMessage `json:"result"`
		SessionID string          `json:"sessionId,omitempty"`
	}{ID: id, Result: result, SessionID: sessionID})
}

// NewErrorReply serializes an error reply to an agent.
func NewErrorReply(id int64, message string, sessionID string) ([]byte, error) {
	return json.Marshal(reply{ID: id, Error: &ErrorObject{Message: message}, SessionID: sessionID})
}

// NewEvent serializes an event to an agent.
func NewEvent(method string, params any, sessionID string) ([]byte, error) {
	return json.Marshal(event{Method: method, Params: params, SessionID: sessionID})
}

// NewRawEvent serializes an event whose params are pre-encoded JSON.
func NewRawEvent(method string, params json.RawMessage, sessionID string) ([]byte, error) {
	return json.Marshal(struct {
		Method    string          `json:"method"`
		Params    json.RawMessage `json:"params,omitempty"`
		SessionID string          `json:"sessionId,omitempty"`
	}{Method: method, Params: params, SessionID: sessionID})
}

// ForwardParams is the nested payload of forwardCDPCommand / forwardCDPEvent.
type ForwardParams struct {
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// NewForwardCommand serializes the envelope the relay sends to the browser peer.
func NewForwardCommand(id int64, method string, params json.RawMessage, sessionID string) ([]byte, error) {
	return json.Marshal(struct {
		ID     int64         `json:"id"`
		Method string        `json:"method"`
		Params ForwardParams `json:"params"`
	}{
		ID:     id,
		Method: MethodForwardCommand,
		Params: ForwardParams{Method: method, SessionID: sessionID, Params: params},
	})
}

// NewLocalCommand serializes a command envelope for the local peer.
func NewLocalCommand(id int64, method string, params any) ([]byte, error) {
	return json.Marshal(struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
		Params any    `json:"params"`
	}{ID: id, Method: method, Params: params})
}

// NewPing serializes the application-level keepalive frame.
func NewPing() []byte {
	return []byte(`{"method":"ping"}`)
}

// LogParams is the payload of a log envelope from browser or local peers.
type LogParams struct {
	Level string   `json:"level"`
	Args  []string `json:"args"`
}
