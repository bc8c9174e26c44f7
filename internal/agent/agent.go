// Package agent defines the contracts the broker depends on: the
// shared agent client, the per-conversation session it hands out, and
// the callback shapes for tool execution and permission decisions.
package agent

import (
	"context"
	"encoding/json"
)

// Client is the expensive, stateful connection to the external agent
// session manager. One Client is shared by every browser connection
// in the process.
type Client interface {
	// Start brings the client up. It is invoked at most once per
	// successful lifetime by the shared backend handle.
	Start(ctx context.Context) error

	// Connected reports whether the client is already usable, so a
	// caller can skip Start entirely.
	Connected() bool

	// CreateSession opens a new conversation against the backend.
	CreateSession(ctx context.Context, cfg SessionConfig) (Session, error)

	// ListModels returns the models the backend can serve.
	ListModels(ctx context.Context) ([]Model, error)

	// Stop tears the client down. Used only at process shutdown.
	Stop() error
}

// Session is one conversation opened against the shared client.
type Session interface {
	// ID returns the backend-assigned session id.
	ID() string

	// Send forwards a prompt and returns the backend message id.
	Send(ctx context.Context, prompt Prompt) (string, error)

	// Subscribe registers an event handler and returns an
	// unsubscribe function. Events for a session are delivered in
	// the order the backend emitted them.
	Subscribe(fn func(Event)) func()

	// Destroy ends the conversation on the backend.
	Destroy(ctx context.Context) error
}

// SessionConfig describes a conversation to create.
type SessionConfig struct {
	SessionID      string
	Model          string
	SystemMessage  string
	Tools          []ToolDefinition
	MCPServers     map[string]json.RawMessage
	AllowedTools   []string
	SkillDirs      []string
	DisabledSkills []string
	Agents         []json.RawMessage

	// ToolHandler is invoked by the backend whenever the agent wants
	// a tool executed. The backend blocks the conversation on the
	// returned result.
	ToolHandler ToolHandler

	// OnPermission is awaited by the backend before any guarded
	// action proceeds.
	OnPermission PermissionFunc
}

// ToolDefinition advertises one callable capability to the backend.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolCall carries one tool invocation from the backend.
type ToolCall struct {
	SessionID string
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// ToolHandler executes a tool call and returns its structured result.
type ToolHandler func(ctx context.Context, call ToolCall) (json.RawMessage, error)

// PermissionDecision is the answer to a permission request.
type PermissionDecision string

const (
	PermissionApproved PermissionDecision = "approved"
	PermissionDenied   PermissionDecision = "denied"
)

// PermissionRequest is the backend asking whether a guarded action
// may proceed. The payload is opaque to the broker.
type PermissionRequest struct {
	SessionID string
	Payload   json.RawMessage
}

// PermissionFunc resolves a permission request. Implementations must
// always return a decision; an unanswered request defaults to denied.
type PermissionFunc func(ctx context.Context, req PermissionRequest) PermissionDecision

// Prompt is one user turn sent into a session.
type Prompt struct {
	Text        string            `json:"text"`
	Attachments []json.RawMessage `json:"attachments,omitempty"`
	Mode        string            `json:"mode,omitempty"`
}

// Model describes one model the backend can serve.
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// Event is one streamed occurrence in a session (assistant deltas,
// tool progress, turn completion). The broker forwards it untouched.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
