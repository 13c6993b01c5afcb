package websocket

// Error codes carried in ErrorPayload.Code.
const (
	ErrorCodeBadRequest      = "BAD_REQUEST"
	ErrorCodeUnknownOp       = "UNKNOWN_OP"
	ErrorCodeValidation      = "VALIDATION_ERROR"
	ErrorCodeNotConnected    = "NOT_CONNECTED"
	ErrorCodeNotFound        = "NOT_FOUND"
	ErrorCodeAlreadyResolved = "ALREADY_RESOLVED"
	ErrorCodeAuthRequired    = "AUTH_REQUIRED"
	ErrorCodeAgentError      = "AGENT_ERROR"
	ErrorCodeTransport       = "TRANSPORT_ERROR"
	ErrorCodeTimeout         = "TIMEOUT"
	ErrorCodeBusy            = "BUSY"
	ErrorCodeForbidden       = "FORBIDDEN"
	ErrorCodeInternalError   = "INTERNAL_ERROR"
)
