// Package jsonrpc provides JSON-RPC 2.0 message types and the
// Content-Length framing codec used on both broker-facing streams
// (browser WebSocket and agent CLI stdio).
package jsonrpc

import "encoding/json"

// Version is the JSON-RPC protocol version carried by every message.
const Version = "2.0"

// Standard JSON-RPC error codes.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is a JSON-RPC 2.0 request, response, or notification.
// A request carries Method and a non-nil ID; a notification carries
// Method with a nil ID; a response carries Result or Error with the
// ID of the request it answers.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the error member of a JSON-RPC response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return len(m.ID) > 0 && m.Method == "" && (m.Result != nil || m.Error != nil)
}

// IsNotification reports whether the message expects no reply.
func (m *Message) IsNotification() bool {
	return m.Method != "" && len(m.ID) == 0
}

// NewRequest builds a request message. The params value is marshaled
// immediately so encoding errors surface at call time.
func NewRequest(id json.RawMessage, method string, params any) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification message.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResponse builds a success response for the given request id.
func NewResponse(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id json.RawMessage, code int, message string) *Message {
	return &Message{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}
