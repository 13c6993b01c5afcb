package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allHandlers() map[Op]Handler {
	handlers := make(map[Op]Handler, len(Ops))
	for _, op := range Ops {
		op := op
		handlers[op] = func(ctx context.Context, req *Request) (any, error) {
			return map[string]string{"op": string(op)}, nil
		}
	}
	return handlers
}

func TestNewDispatcher_RequiresEveryOp(t *testing.T) {
	handlers := allHandlers()
	delete(handlers, OpPrompt)
	delete(handlers, OpCancel)

	_, err := NewDispatcher(handlers)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cancel, prompt")
}

func TestNewDispatcher_RejectsUnknownOp(t *testing.T) {
	handlers := allHandlers()
	handlers[Op("session.delete")] = func(ctx context.Context, req *Request) (any, error) { return nil, nil }

	_, err := NewDispatcher(handlers)
	assert.Error(t, err)
}

func TestDispatch(t *testing.T) {
	d, err := NewDispatcher(allHandlers())
	require.NoError(t, err)
	assert.Empty(t, d.Missing())

	result, err := d.Dispatch(context.Background(), &Request{Op: OpSessionState})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"op": "session.state"}, result)

	_, err = d.Dispatch(context.Background(), &Request{Op: "nope"})
	var payload *ErrorPayload
	require.True(t, errors.As(err, &payload))
	assert.Equal(t, ErrorCodeUnknownOp, payload.Code)
}

func TestEventMarshalsFlat(t *testing.T) {
	data, err := json.Marshal(Event{Type: "session_recovered", Fields: map[string]any{
		"oldSessionId": "a",
		"newSessionId": "b",
		"type":         "spoofed",
	}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"session_recovered","oldSessionId":"a","newSessionId":"b"}`, string(data))
}

func TestResponseEnvelope(t *testing.T) {
	data, err := json.Marshal(NewResponse(json.RawMessage(`1`), map[string]any{"ok": 1}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"acp_response","id":1,"ok":true,"result":{"ok":1}}`, string(data))

	data, err = json.Marshal(NewErrorResponse(nil, NewError(ErrorCodeBadRequest, "bad")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"acp_response","id":null,"ok":false,"error":{"code":"BAD_REQUEST","message":"bad"}}`, string(data))
}

func TestRequestParsePayload(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`{"type":"acp","id":"r1","op":"prompt","payload":{"text":"hi"}}`), &req))
	assert.Equal(t, OpPrompt, req.Op)
	assert.JSONEq(t, `"r1"`, string(req.ID))

	var p struct {
		Text string `json:"text"`
	}
	require.NoError(t, req.ParsePayload(&p))
	assert.Equal(t, "hi", p.Text)

	empty := Request{}
	assert.NoError(t, empty.ParsePayload(&p))
}
