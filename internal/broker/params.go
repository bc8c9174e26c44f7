package broker

import (
	"encoding/json"

	"github.com/office-agent-chat/backend/internal/agent"
	"github.com/office-agent-chat/backend/internal/skills"
)

// Methods the browser may invoke on the broker.
const (
	MethodSessionCreate     = "session.create"
	MethodSessionSend       = "session.send"
	MethodSessionDestroy    = "session.destroy"
	MethodModelsList        = "models.list"
	MethodPermissionRespond = "permission.respond"
)

// Methods and notifications the broker sends to the browser.
const (
	MethodToolCall          = "tool.call"
	MethodPermissionRequest = "permission.request"
	MethodSessionEvent      = "session.event"
)

// CreateSessionParams describes a session.create request.
type CreateSessionParams struct {
	Model          string                     `json:"model"`
	SessionID      string                     `json:"sessionId,omitempty"`
	SystemMessage  string                     `json:"systemMessage,omitempty"`
	Host           string                     `json:"host,omitempty"`
	Tools          []agent.ToolDefinition     `json:"tools,omitempty"`
	MCPServers     map[string]json.RawMessage `json:"mcpServers,omitempty"`
	AllowedTools   []string                   `json:"allowedTools,omitempty"`
	Skills         []skills.Skill             `json:"skills,omitempty"`
	DisabledSkills []string                   `json:"disabledSkills,omitempty"`
	Agents         []json.RawMessage          `json:"agents,omitempty"`
}

// CreateSessionResult is the session.create response body.
type CreateSessionResult struct {
	SessionID string `json:"sessionId"`
}

// SendParams describes a session.send request.
type SendParams struct {
	SessionID   string            `json:"sessionId"`
	Prompt      string            `json:"prompt"`
	Attachments []json.RawMessage `json:"attachments,omitempty"`
	Mode        string            `json:"mode,omitempty"`
}

// SendResult is the session.send response body.
type SendResult struct {
	MessageID string `json:"messageId"`
}

// DestroyParams describes a session.destroy request.
type DestroyParams struct {
	SessionID string `json:"sessionId"`
}

// ModelsResult is the models.list response body.
type ModelsResult struct {
	Models []agent.Model `json:"models"`
}

// PermissionRespondParams describes a permission.respond request.
type PermissionRespondParams struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Decision  string `json:"decision"`
}

// ToolCallParams is the body of a broker-originated tool.call request.
type ToolCallParams struct {
	SessionID  string          `json:"sessionId"`
	ToolCallID string          `json:"toolCallId"`
	ToolName   string          `json:"toolName"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

// PermissionRequestParams is the body of a permission.request notification.
type PermissionRequestParams struct {
	SessionID string          `json:"sessionId"`
	RequestID string          `json:"requestId"`
	Request   json.RawMessage `json:"request,omitempty"`
}

// SessionEventParams is the body of a session.event notification.
type SessionEventParams struct {
	SessionID string      `json:"sessionId"`
	Event     agent.Event `json:"event"`
}
