// Package acpclient implements the narrow client contract the external
// agent-server exposes (spec.md §6, "Agent-server contract (consumed)"),
// grounded on internal/agentctl/client/agent.go's Initialize/NewSession/
// Prompt/StreamUpdates shape, adapted from ACP-over-stdio to a plain
// HTTP + websocket API since this spec's agent server is an independent
// process, not a stdio-attached subprocess.
package acpclient

import (
	"fmt"
	"strings"
)

// ModelRef encodes the "providerID/modelID" pair the agent-server expects.
type ModelRef struct {
	ProviderID string
	ModelID    string
}

// String renders the wire form "providerID/modelID".
func (m ModelRef) String() string {
	return m.ProviderID + "/" + m.ModelID
}

// ParseModelRef splits the "providerID/modelID" wire form back into a
// ModelRef. Used by cmd/ralphd to turn --worker-model/--boss-model flags
// into the struct Session Transport expects.
func ParseModelRef(s string) (ModelRef, error) {
	idx := strings.IndexByte(s, '/')
	if idx <= 0 || idx == len(s)-1 {
		return ModelRef{}, fmt.Errorf("acpclient: invalid model ref %q, want providerID/modelID", s)
	}
	return ModelRef{ProviderID: s[:idx], ModelID: s[idx+1:]}, nil
}

// CreateSessionRequest is the body of session.create.
type CreateSessionRequest struct {
	Title string `json:"title"`
}

// CreateSessionResponse is the response of session.create.
type CreateSessionResponse struct {
	ID string `json:"id"`
}

// PromptPart is one content part of a session.promptAsync call.
type PromptPart struct {
	Type string `json:"type"` // always "text" for this spec
	Text string `json:"text"`
}

// PromptRequest is the body of session.promptAsync.
type PromptRequest struct {
	SessionID string `json:"sessionID"`
	Model     struct {
		ProviderID string `json:"providerID"`
		ModelID    string `json:"modelID"`
	} `json:"model"`
	Parts []PromptPart `json:"parts"`
}

// PermissionReplyRequest is the body of permission.reply.
type PermissionReplyRequest struct {
	RequestID string `json:"requestID"`
	Reply     string `json:"reply"` // "once", "always", "reject"
}

// ToolTime carries the optional start/end timestamps (epoch ms) of a tool call.
type ToolTime struct {
	Start *int64 `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

// StreamEventKind is the discriminator of a stream event from event.subscribe.
type StreamEventKind string

const (
	StreamPermissionAsked  StreamEventKind = "permission.asked"
	StreamMessagePartText  StreamEventKind = "message.part.updated.text"
	StreamMessagePartTool  StreamEventKind = "message.part.updated.tool"
	StreamSessionIdle      StreamEventKind = "session.idle"
	StreamSessionError     StreamEventKind = "session.error"
)

// StreamEvent is one event arriving over event.subscribe, normalized from
// whatever the wire shape is into the subset of fields Session Transport
// needs (spec.md §4.2, §6).
type StreamEvent struct {
	Kind      StreamEventKind        `json:"kind"`
	SessionID string                 `json:"sessionID"`
	RequestID string                 `json:"requestID,omitempty"` // permission.asked
	Description string               `json:"description,omitempty"`
	Delta     string                 `json:"delta,omitempty"` // text delta
	Tool      *ToolUpdate            `json:"tool,omitempty"`
	Error     map[string]any         `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ToolUpdate carries the tool-call fields spec.md §6 lists: status, input,
// output, error, title, time{start,end}, metadata.
type ToolUpdate struct {
	CallID   string         `json:"callID"` // identifies one tool invocation across status transitions
	Name     string         `json:"name"`
	Status   string         `json:"status"` // running, completed, error
	Input    map[string]any `json:"input,omitempty"`
	Output   string         `json:"output,omitempty"`
	Error    string         `json:"error,omitempty"`
	Title    string         `json:"title,omitempty"`
	Time     ToolTime       `json:"time"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
