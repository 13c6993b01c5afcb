package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kandev/acpbridge/pkg/acp/jsonrpc"
)

// ErrEmptyPrompt is returned for a prompt without content.
var ErrEmptyPrompt = errors.New("prompt is empty")

// AuthRequiredError reports that the agent refused work until the user
// authenticates with one of Methods.
type AuthRequiredError struct {
	Err     error
	Methods []string
}

func (e *AuthRequiredError) Error() string {
	if len(e.Methods) == 0 {
		return fmt.Sprintf("authentication required: %v", e.Err)
	}
	return fmt.Sprintf("authentication required (methods: %s): %v", strings.Join(e.Methods, ", "), e.Err)
}

func (e *AuthRequiredError) Unwrap() error { return e.Err }

// IsSessionNotFound reports whether the agent rejected a call because it
// no longer knows the session, usually after restarting.
func IsSessionNotFound(err error) bool {
	rpcErr, ok := jsonrpc.AsProtocolError(err)
	if !ok {
		return false
	}
	if rpcErr.Code == jsonrpc.ResourceNotFound {
		return true
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "session not found") ||
		strings.Contains(msg, "unknown session") ||
		strings.Contains(msg, "no such session")
}

func isAuthRequired(err error) bool {
	rpcErr, ok := jsonrpc.AsProtocolError(err)
	if !ok {
		return false
	}
	if rpcErr.Code == jsonrpc.AuthRequired {
		return true
	}
	msg := strings.ToLower(rpcErr.Message)
	return strings.Contains(msg, "authentication required") || strings.Contains(msg, "auth required")
}
