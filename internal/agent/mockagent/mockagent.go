// Package mockagent is a scripted ACP agent. It backs the mock-agent binary
// and the process-level tests of the bridge.
package mockagent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kandev/acpbridge/internal/common/logger"
	"github.com/kandev/acpbridge/pkg/acp/jsonrpc"
)

// Options script the agent's behaviour.
type Options struct {
	Framing jsonrpc.Framing
	// ParamCasing is the key style set_mode and set_model accept: "camel" or "snake".
	ParamCasing string
	// RequireAuth fails session/new until authenticate succeeds.
	RequireAuth bool
	// ForgetSessions makes the next N prompts answer "session not found".
	// Negative means every prompt.
	ForgetSessions int
}

// Agent serves ACP over a reader/writer pair.
type Agent struct {
	opts   Options
	client *jsonrpc.Client
	logger *logger.Logger

	mu            sync.Mutex
	sessions      map[string]bool
	nextSession   int
	authenticated bool
	forgetLeft    int
	modeParams    map[string]any
	modelParams   map[string]any

	sessionsCreated atomic.Int64
	prompts         atomic.Int64
	cancels         atomic.Int64
}

// New wires an agent to r and w. Call Start to begin serving.
func New(r io.Reader, w io.Writer, opts Options, log *logger.Logger) *Agent {
	if opts.Framing == "" {
		opts.Framing = jsonrpc.FramingNewline
	}
	if opts.ParamCasing == "" {
		opts.ParamCasing = "camel"
	}
	a := &Agent{
		opts:       opts,
		logger:     log.WithFields(zap.String("component", "mock-agent")),
		sessions:   make(map[string]bool),
		forgetLeft: opts.ForgetSessions,
	}
	a.client = jsonrpc.NewClient(r, w, opts.Framing, log, jsonrpc.WithName("mock-agent-peer"))
	a.client.Handle(jsonrpc.MethodInitialize, a.initialize)
	a.client.Handle(jsonrpc.MethodAuthenticate, a.authenticate)
	a.client.Handle(jsonrpc.MethodSessionNew, a.newSession)
	a.client.Handle(jsonrpc.MethodSessionPrompt, a.prompt)
	a.client.Handle(jsonrpc.MethodSessionSetMode, a.setMode)
	a.client.Handle(jsonrpc.MethodSessionSetModel, a.setModel)
	a.client.OnNotification(jsonrpc.NotificationSessionCancel, func(ctx context.Context, params json.RawMessage) {
		a.cancels.Add(1)
	})
	return a
}

// Start begins serving.
func (a *Agent) Start() { a.client.Start() }

// Done is closed when the peer goes away.
func (a *Agent) Done() <-chan struct{} { return a.client.Done() }

// Close stops serving.
func (a *Agent) Close() { a.client.Close(nil) }

// Serve runs the agent until the input stream ends or ctx is cancelled.
func Serve(ctx context.Context, r io.Reader, w io.Writer, opts Options, log *logger.Logger) {
	a := New(r, w, opts, log)
	a.Start()
	select {
	case <-a.Done():
	case <-ctx.Done():
		a.Close()
	}
}

// ForgetAll drops every session, as if the agent had restarted.
func (a *Agent) ForgetAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions = make(map[string]bool)
}

// SessionsCreated counts successful session/new calls.
func (a *Agent) SessionsCreated() int { return int(a.sessionsCreated.Load()) }

// Prompts counts session/prompt calls, failed ones included.
func (a *Agent) Prompts() int { return int(a.prompts.Load()) }

// Cancels counts session/cancel notifications.
func (a *Agent) Cancels() int { return int(a.cancels.Load()) }

// LastModeParams returns the params of the last accepted set_mode call.
func (a *Agent) LastModeParams() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.modeParams
}

// LastModelParams returns the params of the last accepted set_model call.
func (a *Agent) LastModelParams() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.modelParams
}

func (a *Agent) initialize(ctx context.Context, params json.RawMessage) (any, error) {
	return map[string]any{
		"protocolVersion": 1,
		"agentCapabilities": map[string]any{
			"loadSession":        false,
			"promptCapabilities": map[string]any{"image": false, "embeddedContext": true},
		},
		"agentInfo": map[string]any{"name": "mock-agent", "version": "0.1.0"},
		"authMethods": []map[string]any{
			{"id": "api-key", "name": "API key", "description": "Use MOCK_API_KEY"},
		},
	}, nil
}

func (a *Agent) authenticate(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		MethodID string `json:"methodId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.MethodID != "api-key" {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "unknown auth method", nil)
	}
	a.mu.Lock()
	a.authenticated = true
	a.mu.Unlock()
	return map[string]any{}, nil
}

func (a *Agent) newSession(ctx context.Context, params json.RawMessage) (any, error) {
	a.mu.Lock()
	if a.opts.RequireAuth && !a.authenticated {
		a.mu.Unlock()
		return nil, jsonrpc.NewError(jsonrpc.AuthRequired, "Authentication required", nil)
	}
	a.nextSession++
	id := fmt.Sprintf("sess-%d", a.nextSession)
	a.sessions[id] = true
	a.mu.Unlock()
	a.sessionsCreated.Add(1)

	return map[string]any{
		"sessionId": id,
		"modes": map[string]any{
			"currentModeId": "default",
			"availableModes": []map[string]any{
				{"id": "default", "name": "Default"},
				{"id": "plan", "name": "Plan"},
			},
		},
		"models": map[string]any{
			"currentModelId": "mock-small",
			"availableModels": []map[string]any{
				{"modelId": "mock-small", "name": "Small"},
				{"modelId": "mock-large", "name": "Large"},
			},
		},
	}, nil
}

type promptParams struct {
	SessionID string `json:"sessionId"`
	Prompt    []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"prompt"`
}

func (a *Agent) prompt(ctx context.Context, params json.RawMessage) (any, error) {
	a.prompts.Add(1)

	var p promptParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, err.Error(), nil)
	}

	a.mu.Lock()
	known := a.sessions[p.SessionID]
	forget := a.forgetLeft != 0
	if a.forgetLeft > 0 {
		a.forgetLeft--
	}
	a.mu.Unlock()
	if !known || forget {
		return nil, jsonrpc.NewError(jsonrpc.ResourceNotFound, "Session not found", map[string]string{"sessionId": p.SessionID})
	}

	var text strings.Builder
	for _, block := range p.Prompt {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	reply := "echo: " + text.String()

	if strings.Contains(text.String(), "permission") {
		outcome, err := a.askPermission(ctx, p.SessionID)
		if err != nil {
			return nil, err
		}
		reply += " [permission:" + outcome + "]"
	}
	if strings.Contains(text.String(), "terminal") {
		out, err := a.runTerminal(ctx, p.SessionID)
		if err != nil {
			return nil, err
		}
		reply += " [terminal:" + out + "]"
	}

	if err := a.client.Notify(ctx, jsonrpc.NotificationSessionUpdate, map[string]any{
		"sessionId": p.SessionID,
		"update": map[string]any{
			"sessionUpdate": "agent_message_chunk",
			"content":       map[string]any{"type": "text", "text": reply},
		},
	}); err != nil {
		return nil, err
	}
	return map[string]any{"stopReason": "end_turn"}, nil
}

func (a *Agent) askPermission(ctx context.Context, sessionID string) (string, error) {
	var resp struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	err := a.client.Call(ctx, jsonrpc.MethodRequestPermission, map[string]any{
		"sessionId": sessionID,
		"toolCall":  map[string]any{"toolCallId": "call-1", "title": "Write notes.txt", "kind": "edit"},
		"options": []map[string]any{
			{"optionId": "allow", "name": "Allow", "kind": "allow_once"},
			{"optionId": "reject", "name": "Reject", "kind": "reject_once"},
		},
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Outcome.Outcome == "selected" {
		return resp.Outcome.OptionID, nil
	}
	return resp.Outcome.Outcome, nil
}

func (a *Agent) runTerminal(ctx context.Context, sessionID string) (string, error) {
	var created struct {
		TerminalID string `json:"terminalId"`
	}
	if err := a.client.Call(ctx, jsonrpc.MethodTerminalCreate, map[string]any{
		"sessionId": sessionID,
		"command":   "echo",
		"args":      []string{"mock-terminal"},
	}, &created); err != nil {
		return "", err
	}
	ref := map[string]any{"sessionId": sessionID, "terminalId": created.TerminalID}
	if err := a.client.Call(ctx, jsonrpc.MethodTerminalWaitForExit, ref, nil); err != nil {
		return "", err
	}
	var out struct {
		Output string `json:"output"`
	}
	if err := a.client.Call(ctx, jsonrpc.MethodTerminalOutput, ref, &out); err != nil {
		return "", err
	}
	if err := a.client.Call(ctx, jsonrpc.MethodTerminalRelease, ref, nil); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Output), nil
}

func (a *Agent) setMode(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := a.checkCasing(params, "modeId")
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.modeParams = p
	a.mu.Unlock()
	return map[string]any{}, nil
}

func (a *Agent) setModel(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := a.checkCasing(params, "modelId")
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.modelParams = p
	a.mu.Unlock()
	return map[string]any{}, nil
}

// checkCasing rejects params whose keys are not in the configured casing.
func (a *Agent) checkCasing(params json.RawMessage, camelKey string) (map[string]any, error) {
	var p map[string]any
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, err.Error(), nil)
	}
	sessionKey, valueKey := "sessionId", camelKey
	if a.opts.ParamCasing == "snake" {
		sessionKey, valueKey = "session_id", strings.ToLower(strings.TrimSuffix(camelKey, "Id"))+"_id"
	}
	sid, _ := p[sessionKey].(string)
	if _, ok := p[valueKey]; !ok || sid == "" {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, fmt.Sprintf("expected %s and %s", sessionKey, valueKey), nil)
	}
	a.mu.Lock()
	known := a.sessions[sid]
	a.mu.Unlock()
	if !known {
		return nil, jsonrpc.NewError(jsonrpc.ResourceNotFound, "Session not found", nil)
	}
	return p, nil
}
