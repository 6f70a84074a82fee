// Package wire defines the JSON message shapes exchanged over the two
// websocket surfaces the relay terminates: the CDP-facing client
// connection (Command/Response/Event below) and the agent-facing
// control connection (the Ext* types, named for the browser-extension
// protocol this substitutes for — see the REDESIGN note in the design
// ledger).
package wire

import "encoding/json"

// Command is a CDP command as sent by a debugger client.
//
// AgentSession is never part of the client-facing wire format: it is
// stamped on internally by the relay router when forwarding a command
// to the agent, so the agent can tag any tab it creates with the
// tenant session that asked for it rather than guessing from the CDP
// sessionId (which identifies a debugger attachment, not a tenant).
type Command struct {
	ID           int64           `json:"id"`
	SessionID    string          `json:"sessionId,omitempty"`
	Method       string          `json:"method"`
	Params       json.RawMessage `json:"params,omitempty"`
	AgentSession string          `json:"-"`
}

// Response answers a Command with either a result or an error, never both.
type Response struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// Error mirrors the minimal {message} shape CDP clients expect.
type Error struct {
	Message string `json:"message"`
}

// Event is an unsolicited CDP event pushed to a client, optionally scoped
// to a child session.
type Event struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// ExtCommand is the envelope the relay sends to the agent over the
// control connection.
type ExtCommand struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ExtResponse answers an ExtCommand. Error is a plain string, not a
// nested object, matching the simpler agent-control wire shape.
type ExtResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ExtEventParams carries the wrapped CDP event the agent observed on one
// of its attached targets.
type ExtEventParams struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// ExtEvent is an unsolicited notification the agent pushes to the relay.
// AgentSession disambiguates which logical agent session the event
// belongs to when a single agent process multiplexes more than one.
type ExtEvent struct {
	Method       string          `json:"method"`
	Params       *ExtEventParams `json:"params,omitempty"`
	AgentSession string          `json:"_agentSession,omitempty"`
}

// ExtLog is a freeform diagnostic line forwarded from the agent, surfaced
// by the relay only when run with --verbose.
type ExtLog struct {
	Method string `json:"method"`
	Params struct {
		Level string `json:"level"`
		Args  []any  `json:"args"`
	} `json:"params"`
}

// TargetInfo mirrors the CDP Target.TargetInfo shape, trimmed to the
// fields the relay actually reasons about.
type TargetInfo struct {
	TargetID         string `json:"targetId"`
	Type             string `json:"type"`
	Title            string `json:"title"`
	URL              string `json:"url"`
	Attached         bool   `json:"attached"`
	BrowserContextID string `json:"browserContextId,omitempty"`
}

// AttachedTarget describes a target with a live CDP session open against
// it, keyed by the session id CDP assigned on attach.
type AttachedTarget struct {
	SessionID  string      `json:"sessionId"`
	TargetID   string      `json:"targetId"`
	TargetInfo *TargetInfo `json:"targetInfo"`
}

// MustMarshal panics on marshal failure; used for internally constructed
// values whose shape is statically known to be encodable.
func MustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic("wire: marshal of internal value failed: " + err.Error())
	}
	return b
}
