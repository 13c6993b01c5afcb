// Package websocket provides the WebSocket envelope spoken between the
// bridge and its UI clients.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType is the "type" field of every frame.
type MessageType string

const (
	// MessageTypeRequest is a client request carrying an op.
	MessageTypeRequest MessageType = "acp"
	// MessageTypeResponse answers one request on the originating connection.
	MessageTypeResponse MessageType = "acp_response"
	// MessageTypeConnectionEstablished is the first frame on every connection.
	MessageTypeConnectionEstablished MessageType = "connection_established"
	// MessageTypePing and MessageTypePong are application-level keepalives.
	MessageTypePing MessageType = "ping"
	MessageTypePong MessageType = "pong"
)

// Envelope reads just the type of an inbound frame.
type Envelope struct {
	Type MessageType `json:"type"`
}

// Request is {type:"acp", id, op, payload}. The id is echoed verbatim, so
// clients may use numbers or strings.
type Request struct {
	Type    MessageType     `json:"type"`
	ID      json.RawMessage `json:"id"`
	Op      Op              `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParsePayload decodes the payload into v. A missing payload leaves v untouched.
func (r *Request) ParsePayload(v any) error {
	if len(r.Payload) == 0 || string(r.Payload) == "null" {
		return nil
	}
	return json.Unmarshal(r.Payload, v)
}

// Response is {type:"acp_response", id, ok, result|error}.
type Response struct {
	Type   MessageType     `json:"type"`
	ID     json.RawMessage `json:"id"`
	OK     bool            `json:"ok"`
	Result any             `json:"result,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`
}

// ErrorPayload describes a failed request.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// RPCCode is the agent's JSON-RPC error code when the failure came from the agent.
	RPCCode      *int            `json:"rpcCode,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	AuthRequired bool            `json:"authRequired,omitempty"`
	AuthMethods  []string        `json:"authMethods,omitempty"`
}

func (e *ErrorPayload) Error() string { return e.Code + ": " + e.Message }

// NewResponse creates a successful response.
func NewResponse(id json.RawMessage, result any) *Response {
	return &Response{Type: MessageTypeResponse, ID: normalizeID(id), OK: true, Result: result}
}

// NewErrorResponse creates a failed response.
func NewErrorResponse(id json.RawMessage, payload *ErrorPayload) *Response {
	return &Response{Type: MessageTypeResponse, ID: normalizeID(id), OK: false, Error: payload}
}

// NewError creates an error payload.
func NewError(code, message string) *ErrorPayload {
	return &ErrorPayload{Code: code, Message: message}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// ConnectionEstablished greets a new connection.
type ConnectionEstablished struct {
	Type                MessageType `json:"type"`
	ConnectionID        string      `json:"connectionId"`
	Timestamp           time.Time   `json:"timestamp"`
	SupportsACPRequests bool        `json:"supportsAcpRequests"`
}

// NewConnectionEstablished creates the handshake frame.
func NewConnectionEstablished(connectionID string) *ConnectionEstablished {
	return &ConnectionEstablished{
		Type:                MessageTypeConnectionEstablished,
		ConnectionID:        connectionID,
		Timestamp:           time.Now().UTC(),
		SupportsACPRequests: true,
	}
}

// Event is a broadcast frame. It marshals flat: {type:"<event>", ...fields}.
type Event struct {
	Type   string
	Fields map[string]any
}

// MarshalJSON flattens Fields next to type. A "type" field cannot
// override the event name.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["type"] = e.Type
	return json.Marshal(out)
}
