package websocket

import (
	"context"
	"errors"

	"github.com/kandev/acpbridge/internal/agent/lifecycle"
	"github.com/kandev/acpbridge/internal/agent/permission"
	"github.com/kandev/acpbridge/internal/agent/session"
	"github.com/kandev/acpbridge/internal/history"
	"github.com/kandev/acpbridge/internal/terminal"
	"github.com/kandev/acpbridge/pkg/acp/jsonrpc"
	ws "github.com/kandev/acpbridge/pkg/websocket"
)

// errorPayload maps a handler error onto the response error object.
func errorPayload(err error) *ws.ErrorPayload {
	var payload *ws.ErrorPayload
	if errors.As(err, &payload) {
		return payload
	}

	var authErr *session.AuthRequiredError
	if errors.As(err, &authErr) {
		p := ws.NewError(ws.ErrorCodeAuthRequired, err.Error())
		p.AuthRequired = true
		p.AuthMethods = authErr.Methods
		attachRPC(p, err)
		return p
	}

	switch {
	case errors.Is(err, lifecycle.ErrNotConnected):
		return ws.NewError(ws.ErrorCodeNotConnected, err.Error())
	case errors.Is(err, lifecycle.ErrCustomCommandNotAllowed):
		return ws.NewError(ws.ErrorCodeForbidden, err.Error())
	case errors.Is(err, permission.ErrAlreadyResolved):
		return ws.NewError(ws.ErrorCodeAlreadyResolved, err.Error())
	case errors.Is(err, permission.ErrNotFound),
		errors.Is(err, terminal.ErrNotFound),
		errors.Is(err, history.ErrNotFound):
		return ws.NewError(ws.ErrorCodeNotFound, err.Error())
	case errors.Is(err, permission.ErrInvalidOption),
		errors.Is(err, session.ErrEmptyPrompt):
		return ws.NewError(ws.ErrorCodeValidation, err.Error())
	case errors.Is(err, jsonrpc.ErrRequestTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return ws.NewError(ws.ErrorCodeTimeout, err.Error())
	case errors.Is(err, jsonrpc.ErrTooManyPending),
		errors.Is(err, terminal.ErrTooManyTerminals):
		return ws.NewError(ws.ErrorCodeBusy, err.Error())
	}

	if _, ok := jsonrpc.AsProtocolError(err); ok {
		p := ws.NewError(ws.ErrorCodeAgentError, err.Error())
		attachRPC(p, err)
		return p
	}
	if jsonrpc.IsTransportError(err) {
		return ws.NewError(ws.ErrorCodeTransport, err.Error())
	}
	return ws.NewError(ws.ErrorCodeInternalError, err.Error())
}

func attachRPC(p *ws.ErrorPayload, err error) {
	rpcErr, ok := jsonrpc.AsProtocolError(err)
	if !ok {
		return
	}
	code := rpcErr.Code
	p.RPCCode = &code
	p.Data = rpcErr.Data
}

func validationError(message string) *ws.ErrorPayload {
	return ws.NewError(ws.ErrorCodeValidation, message)
}

func badPayload(err error) *ws.ErrorPayload {
	return ws.NewError(ws.ErrorCodeBadRequest, "Invalid payload: "+err.Error())
}
