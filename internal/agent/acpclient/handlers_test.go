//go:build !windows

package acpclient

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/acpbridge/internal/agent/permission"
	"github.com/kandev/acpbridge/internal/common/logger"
	"github.com/kandev/acpbridge/internal/events"
	"github.com/kandev/acpbridge/internal/events/bus"
	"github.com/kandev/acpbridge/internal/terminal"
	"github.com/kandev/acpbridge/pkg/acp/jsonrpc"
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

type harness struct {
	// agent plays the ACP agent calling into the bridge.
	agent       *jsonrpc.Client
	permissions *permission.Manager
	terminals   *terminal.Runner
	events      chan *bus.Event
}

func newHarness(t *testing.T) *harness {
	log := newTestLogger(t)
	b := bus.NewMemoryEventBus(log)

	toBridgeR, toBridgeW := io.Pipe()
	toAgentR, toAgentW := io.Pipe()

	permissions := permission.NewManager(b, log)
	terminals := terminal.NewRunner(terminal.Options{}, b, log)

	bridge := jsonrpc.NewClient(toBridgeR, toAgentW, jsonrpc.FramingNewline, log)
	New(permissions, terminals, b, log).Install(bridge)
	bridge.Start()

	agent := jsonrpc.NewClient(toAgentR, toBridgeW, jsonrpc.FramingNewline, log,
		jsonrpc.WithDefaultTimeout(5*time.Second))
	agent.Start()

	h := &harness{
		agent:       agent,
		permissions: permissions,
		terminals:   terminals,
		events:      make(chan *bus.Event, 64),
	}
	_, err := b.Subscribe(events.SubjectAll, func(ctx context.Context, e *bus.Event) error {
		if e.Type != events.TerminalOutput {
			h.events <- e
		}
		return nil
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		agent.Close(nil)
		bridge.Close(nil)
		_ = toBridgeW.Close()
		_ = toAgentW.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = terminals.Close(ctx)
		b.Close()
	})
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

func TestSessionUpdate_Broadcast(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.agent.Notify(context.Background(), jsonrpc.NotificationSessionUpdate, map[string]any{
		"sessionId": "sess-1",
		"update":    map[string]any{"sessionUpdate": "agent_message_chunk", "content": map[string]any{"type": "text", "text": "hi"}},
	}))

	e := h.next(t, events.SessionUpdate)
	assert.Equal(t, "sess-1", e.Data["sessionId"])
	update, ok := e.Data["update"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "agent_message_chunk", update["sessionUpdate"])
}

func TestRequestPermission_RoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	type outcome struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	done := make(chan outcome, 1)
	go func() {
		var resp outcome
		err := h.agent.Call(ctx, jsonrpc.MethodRequestPermission, map[string]any{
			"sessionId": "sess-1",
			"toolCall":  map[string]any{"toolCallId": "call-1", "title": "Edit file"},
			"options":   []map[string]any{{"optionId": "allow", "name": "Allow", "kind": "allow_once"}},
		}, &resp)
		assert.NoError(t, err)
		done <- resp
	}()

	e := h.next(t, events.PermissionRequest)
	requestID, _ := e.Data["requestId"].(string)
	require.NotEmpty(t, requestID)
	require.NoError(t, h.permissions.Respond(ctx, requestID, permission.OutcomeSelected, "allow"))

	select {
	case resp := <-done:
		assert.Equal(t, "selected", resp.Outcome.Outcome)
		assert.Equal(t, "allow", resp.Outcome.OptionID)
	case <-time.After(2 * time.Second):
		t.Fatal("agent never got the permission outcome")
	}
}

func TestFileSystem_ReadWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "notes.txt")

	require.NoError(t, h.agent.Call(ctx, jsonrpc.MethodWriteTextFile, map[string]any{
		"sessionId": "sess-1",
		"path":      path,
		"content":   "one\ntwo\nthree\nfour",
	}, nil))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\nthree\nfour", string(data))

	var resp struct {
		Content string `json:"content"`
	}
	require.NoError(t, h.agent.Call(ctx, jsonrpc.MethodReadTextFile, map[string]any{
		"sessionId": "sess-1",
		"path":      path,
		"line":      2,
		"limit":     2,
	}, &resp))
	assert.Equal(t, "two\nthree", resp.Content)

	err = h.agent.Call(ctx, jsonrpc.MethodReadTextFile, map[string]any{"sessionId": "sess-1", "path": "relative.txt"}, nil)
	perr, ok := jsonrpc.AsProtocolError(err)
	require.True(t, ok)
	assert.Equal(t, jsonrpc.InvalidParams, perr.Code)

	err = h.agent.Call(ctx, jsonrpc.MethodReadTextFile, map[string]any{"sessionId": "sess-1", "path": path + ".missing"}, nil)
	perr, ok = jsonrpc.AsProtocolError(err)
	require.True(t, ok)
	assert.Equal(t, jsonrpc.ResourceNotFound, perr.Code)
}

func TestSliceLines(t *testing.T) {
	intp := func(v int) *int { return &v }
	content := "a\nb\nc"

	assert.Equal(t, content, sliceLines(content, nil, nil))
	assert.Equal(t, "b\nc", sliceLines(content, intp(2), nil))
	assert.Equal(t, "a", sliceLines(content, nil, intp(1)))
	assert.Equal(t, "", sliceLines(content, intp(10), intp(1)))
}

func TestTerminal_AgentLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var created struct {
		TerminalID string `json:"terminalId"`
	}
	require.NoError(t, h.agent.Call(ctx, jsonrpc.MethodTerminalCreate, map[string]any{
		"sessionId": "sess-1",
		"command":   "sh",
		"args":      []string{"-c", "echo $GREETING; exit 4"},
		"env":       []map[string]string{{"name": "GREETING", "value": "hello"}},
	}, &created))
	require.NotEmpty(t, created.TerminalID)

	list := h.terminals.List()
	require.Len(t, list, 1)
	assert.Equal(t, terminal.OriginAgent, list[0].Origin)
	assert.Equal(t, "sess-1", list[0].SessionID)

	ref := map[string]any{"sessionId": "sess-1", "terminalId": created.TerminalID}
	var exit struct {
		ExitCode *int    `json:"exitCode"`
		Signal   *string `json:"signal"`
	}
	require.NoError(t, h.agent.Call(ctx, jsonrpc.MethodTerminalWaitForExit, ref, &exit))
	require.NotNil(t, exit.ExitCode)
	assert.Equal(t, 4, *exit.ExitCode)
	assert.Nil(t, exit.Signal)

	var out struct {
		Output     string `json:"output"`
		Truncated  bool   `json:"truncated"`
		ExitStatus *struct {
			ExitCode *int `json:"exitCode"`
		} `json:"exitStatus"`
	}
	require.NoError(t, h.agent.Call(ctx, jsonrpc.MethodTerminalOutput, ref, &out))
	assert.Equal(t, "hello\n", out.Output)
	assert.False(t, out.Truncated)
	require.NotNil(t, out.ExitStatus)

	require.NoError(t, h.agent.Call(ctx, jsonrpc.MethodTerminalRelease, ref, nil))
	err := h.agent.Call(ctx, jsonrpc.MethodTerminalOutput, ref, nil)
	perr, ok := jsonrpc.AsProtocolError(err)
	require.True(t, ok)
	assert.Equal(t, jsonrpc.ResourceNotFound, perr.Code)
}

func TestTerminal_Kill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var created struct {
		TerminalID string `json:"terminalId"`
	}
	require.NoError(t, h.agent.Call(ctx, jsonrpc.MethodTerminalCreate, map[string]any{
		"sessionId": "sess-1",
		"command":   "sleep",
		"args":      []string{"30"},
	}, &created))

	ref := map[string]any{"sessionId": "sess-1", "terminalId": created.TerminalID}
	require.NoError(t, h.agent.Call(ctx, jsonrpc.MethodTerminalKill, ref, nil))

	var exit struct {
		ExitCode *int    `json:"exitCode"`
		Signal   *string `json:"signal"`
	}
	require.NoError(t, h.agent.Call(ctx, jsonrpc.MethodTerminalWaitForExit, ref, &exit))
	assert.Nil(t, exit.ExitCode)
	require.NotNil(t, exit.Signal)
}
