// Package jsonrpc implements JSON-RPC 2.0 over a byte stream for ACP (Agent Client Protocol).
//
// It carries both framings agents use on stdio: LSP-style Content-Length
// headers and newline-delimited JSON.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC version spoken on the wire.
const Version = "2.0"

// Message is a single JSON-RPC 2.0 frame: request, notification or response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsRequest reports whether the message expects a response.
func (m *Message) IsRequest() bool {
	return m.Method != "" && hasID(m.ID)
}

// IsNotification reports whether the message is a method call without id.
func (m *Message) IsNotification() bool {
	return m.Method != "" && !hasID(m.ID)
}

// IsResponse reports whether the message answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && hasID(m.ID)
}

func hasID(id json.RawMessage) bool {
	return len(id) > 0 && string(id) != "null"
}

// Error represents a JSON-RPC 2.0 error object. It doubles as the Go error
// returned by Call when the peer answers with an error.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if len(e.Data) > 0 {
		return fmt.Sprintf("jsonrpc error %d: %s (%s)", e.Code, e.Message, string(e.Data))
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an error object with optional data.
func NewError(code int, message string, data any) *Error {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ACP-specific error codes
const (
	AuthRequired     = -32000
	ResourceNotFound = -32002
)

// ACP Methods
const (
	// Client -> Agent methods
	MethodInitialize      = "initialize"
	MethodAuthenticate    = "authenticate"
	MethodSessionNew      = "session/new"
	MethodSessionLoad     = "session/load"
	MethodSessionPrompt   = "session/prompt"
	MethodSessionSetMode  = "session/set_mode"
	MethodSessionSetModel = "session/set_model"

	// Client -> Agent notifications
	NotificationSessionCancel = "session/cancel"

	// Agent -> Client notifications
	NotificationSessionUpdate = "session/update"

	// Agent -> Client requests (require response)
	MethodRequestPermission   = "session/request_permission"
	MethodReadTextFile        = "fs/read_text_file"
	MethodWriteTextFile       = "fs/write_text_file"
	MethodTerminalCreate      = "terminal/create"
	MethodTerminalOutput      = "terminal/output"
	MethodTerminalKill        = "terminal/kill"
	MethodTerminalRelease     = "terminal/release"
	MethodTerminalWaitForExit = "terminal/wait_for_exit"
)
