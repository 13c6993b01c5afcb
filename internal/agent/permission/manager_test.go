package permission

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/acpbridge/internal/common/logger"
	"github.com/kandev/acpbridge/internal/events"
	"github.com/kandev/acpbridge/internal/events/bus"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "json",
		OutputPath: "stderr",
	})
	require.NoError(t, err)
	return log
}

const requestParams = `{
	"sessionId": "sess-1",
	"toolCall": {"toolCallId": "call-1", "title": "Run rm -rf build", "kind": "execute"},
	"options": [
		{"optionId": "allow", "name": "Allow", "kind": "allow_once"},
		{"optionId": "deny", "name": "Deny", "kind": "reject_once"}
	]
}`

type harness struct {
	mgr    *Manager
	events chan *bus.Event
}

func newHarness(t *testing.T) *harness {
	log := newTestLogger(t)
	b := bus.NewMemoryEventBus(log)
	t.Cleanup(b.Close)

	h := &harness{mgr: NewManager(b, log), events: make(chan *bus.Event, 16)}
	_, err := b.Subscribe(events.SubjectAll, func(ctx context.Context, e *bus.Event) error {
		h.events <- e
		return nil
	})
	require.NoError(t, err)
	return h
}

func (h *harness) next(t *testing.T, eventType string) *bus.Event {
	t.Helper()
	select {
	case e := <-h.events:
		require.Equal(t, eventType, e.Type)
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", eventType)
		return nil
	}
}

type result struct {
	resp any
	err  error
}

func (h *harness) ask(ctx context.Context) chan result {
	out := make(chan result, 1)
	go func() {
		resp, err := h.mgr.HandleRequest(ctx, json.RawMessage(requestParams))
		out <- result{resp, err}
	}()
	return out
}

func waitResult(t *testing.T, ch chan result) acp.RequestPermissionResponse {
	t.Helper()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		resp, ok := r.resp.(acp.RequestPermissionResponse)
		require.True(t, ok)
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("permission request did not return")
		return acp.RequestPermissionResponse{}
	}
}

func TestManager_SelectedOption(t *testing.T) {
	h := newHarness(t)
	done := h.ask(context.Background())

	req := h.next(t, events.PermissionRequest)
	requestID, _ := req.Data["requestId"].(string)
	require.NotEmpty(t, requestID)
	assert.Equal(t, "sess-1", req.Data["sessionId"])
	assert.Equal(t, "Run rm -rf build", req.Data["title"])
	require.Len(t, h.mgr.Pending(), 1)

	require.NoError(t, h.mgr.Respond(context.Background(), requestID, OutcomeSelected, "allow"))

	resp := waitResult(t, done)
	require.NotNil(t, resp.Outcome.Selected)
	assert.Equal(t, acp.PermissionOptionId("allow"), resp.Outcome.Selected.OptionId)

	resolved := h.next(t, events.PermissionResolved)
	assert.Equal(t, requestID, resolved.Data["requestId"])
	assert.Empty(t, h.mgr.Pending())
}

func TestManager_SecondAnswerIsRejected(t *testing.T) {
	h := newHarness(t)
	done := h.ask(context.Background())
	requestID := h.next(t, events.PermissionRequest).Data["requestId"].(string)

	require.NoError(t, h.mgr.Respond(context.Background(), requestID, OutcomeCancelled, ""))
	resp := waitResult(t, done)
	assert.NotNil(t, resp.Outcome.Cancelled)

	err := h.mgr.Respond(context.Background(), requestID, OutcomeSelected, "allow")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestManager_UnknownAndInvalid(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.mgr.Respond(context.Background(), "nope", OutcomeCancelled, ""), ErrNotFound)

	done := h.ask(context.Background())
	requestID := h.next(t, events.PermissionRequest).Data["requestId"].(string)

	err := h.mgr.Respond(context.Background(), requestID, OutcomeSelected, "sometimes")
	assert.ErrorIs(t, err, ErrInvalidOption)
	require.Len(t, h.mgr.Pending(), 1, "an invalid answer leaves the request open")

	require.NoError(t, h.mgr.Respond(context.Background(), requestID, OutcomeSelected, "deny"))
	resp := waitResult(t, done)
	assert.Equal(t, acp.PermissionOptionId("deny"), resp.Outcome.Selected.OptionId)
}

func TestManager_WaitsWithoutTimeout(t *testing.T) {
	h := newHarness(t)
	done := h.ask(context.Background())
	requestID := h.next(t, events.PermissionRequest).Data["requestId"].(string)

	select {
	case <-done:
		t.Fatal("request returned without an answer")
	case <-time.After(200 * time.Millisecond):
	}
	require.NoError(t, h.mgr.Respond(context.Background(), requestID, OutcomeSelected, "allow"))
	waitResult(t, done)
}

func TestManager_ConnectionClosedCancels(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := h.ask(ctx)
	requestID := h.next(t, events.PermissionRequest).Data["requestId"].(string)

	cancel()
	resp := waitResult(t, done)
	assert.NotNil(t, resp.Outcome.Cancelled)

	resolved := h.next(t, events.PermissionResolved)
	assert.Equal(t, "agent_disconnected", resolved.Data["reason"])
	assert.ErrorIs(t, h.mgr.Respond(context.Background(), requestID, OutcomeSelected, "allow"), ErrAlreadyResolved)
}

func TestManager_NoOptionsCancelsImmediately(t *testing.T) {
	h := newHarness(t)
	resp, err := h.mgr.HandleRequest(context.Background(),
		json.RawMessage(`{"sessionId":"s","toolCall":{"toolCallId":"c"},"options":[]}`))
	require.NoError(t, err)
	assert.NotNil(t, resp.(acp.RequestPermissionResponse).Outcome.Cancelled)
	assert.Empty(t, h.mgr.Pending())
}

func TestManager_TombstonesAreBounded(t *testing.T) {
	h := newHarness(t)
	h.mgr.tombstoneLimit = 2
	for _, id := range []string{"a", "b", "c"} {
		h.mgr.pending[id] = &pendingRequest{req: &Request{ID: id}, ch: make(chan decision, 1)}
		require.NoError(t, h.mgr.Respond(context.Background(), id, OutcomeCancelled, ""))
	}
	assert.Len(t, h.mgr.resolved, 2)
	assert.ErrorIs(t, h.mgr.Respond(context.Background(), "a", OutcomeCancelled, ""), ErrNotFound)
	assert.ErrorIs(t, h.mgr.Respond(context.Background(), "c", OutcomeCancelled, ""), ErrAlreadyResolved)
}
