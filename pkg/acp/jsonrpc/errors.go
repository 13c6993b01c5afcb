package jsonrpc

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestTimeout is returned when no response arrives within the call timeout.
	ErrRequestTimeout = errors.New("request timeout")
	// ErrTooManyPending is returned when the pending-request table is full.
	ErrTooManyPending = errors.New("too many pending requests")
	// ErrConnectionClosed is the cause used when the client is closed without one.
	ErrConnectionClosed = errors.New("connection closed")
)

// TransportError reports a failure of the underlying byte stream.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AsProtocolError returns the peer's error object if err carries one.
func AsProtocolError(err error) (*Error, bool) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}

// IsTransportError reports whether err is a stream failure.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
