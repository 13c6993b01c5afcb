// Package acpclient serves the client side of ACP: the requests and
// notifications an agent sends to the bridge.
package acpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/acpbridge/internal/agent/permission"
	"github.com/kandev/acpbridge/internal/common/logger"
	"github.com/kandev/acpbridge/internal/events"
	"github.com/kandev/acpbridge/internal/events/bus"
	"github.com/kandev/acpbridge/internal/terminal"
	"github.com/kandev/acpbridge/pkg/acp/jsonrpc"
)

// Handlers routes agent-initiated traffic to the permission correlator,
// the terminal runner, the local filesystem and the event bus.
type Handlers struct {
	permissions *permission.Manager
	terminals   *terminal.Runner
	events      *events.Publisher
	logger      *logger.Logger
}

// New creates the handler set.
func New(permissions *permission.Manager, terminals *terminal.Runner, b bus.EventBus, log *logger.Logger) *Handlers {
	log = log.WithFields(zap.String("component", "acp-client"))
	return &Handlers{
		permissions: permissions,
		terminals:   terminals,
		events:      events.NewPublisher(b, events.SourceAgent, log),
		logger:      log,
	}
}

// Install registers every handler on a fresh agent connection.
func (h *Handlers) Install(c *jsonrpc.Client) {
	c.OnNotification(jsonrpc.NotificationSessionUpdate, h.sessionUpdate)
	c.Handle(jsonrpc.MethodRequestPermission, h.permissions.HandleRequest)
	c.Handle(jsonrpc.MethodReadTextFile, h.readTextFile)
	c.Handle(jsonrpc.MethodWriteTextFile, h.writeTextFile)
	c.Handle(jsonrpc.MethodTerminalCreate, h.createTerminal)
	c.Handle(jsonrpc.MethodTerminalOutput, h.terminalOutput)
	c.Handle(jsonrpc.MethodTerminalKill, h.killTerminal)
	c.Handle(jsonrpc.MethodTerminalRelease, h.releaseTerminal)
	c.Handle(jsonrpc.MethodTerminalWaitForExit, h.waitForTerminalExit)
}

func (h *Handlers) sessionUpdate(ctx context.Context, params json.RawMessage) {
	var p struct {
		SessionID string          `json:"sessionId"`
		Update    json.RawMessage `json:"update"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		h.logger.Warn("malformed session/update", zap.Error(err))
		return
	}
	var update any
	if err := json.Unmarshal(p.Update, &update); err != nil {
		h.logger.Warn("malformed session/update payload", zap.String("session_id", p.SessionID), zap.Error(err))
		return
	}
	h.events.Publish(ctx, events.SessionUpdate, map[string]any{
		"sessionId": p.SessionID,
		"update":    update,
	})
}

func decode(params json.RawMessage, v any) error {
	if err := json.Unmarshal(params, v); err != nil {
		return jsonrpc.NewError(jsonrpc.InvalidParams, err.Error(), nil)
	}
	return nil
}

func (h *Handlers) readTextFile(ctx context.Context, params json.RawMessage) (any, error) {
	var p acp.ReadTextFileRequest
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	h.logger.Debug("reading file", zap.String("path", p.Path))
	if !filepath.IsAbs(p.Path) {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, fmt.Sprintf("path must be absolute: %s", p.Path), nil)
	}

	b, err := os.ReadFile(p.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, jsonrpc.NewError(jsonrpc.ResourceNotFound, err.Error(), map[string]string{"path": p.Path})
		}
		return nil, err
	}
	return acp.ReadTextFileResponse{Content: sliceLines(string(b), p.Line, p.Limit)}, nil
}

// sliceLines keeps limit lines starting at the 1-based line.
func sliceLines(content string, line, limit *int) string {
	if line == nil && limit == nil {
		return content
	}
	lines := strings.Split(content, "\n")
	start := 0
	if line != nil && *line > 0 {
		start = min(*line-1, len(lines))
	}
	end := len(lines)
	if limit != nil && *limit > 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n")
}

func (h *Handlers) writeTextFile(ctx context.Context, params json.RawMessage) (any, error) {
	var p acp.WriteTextFileRequest
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	h.logger.Debug("writing file", zap.String("path", p.Path), zap.Int("bytes", len(p.Content)))
	if !filepath.IsAbs(p.Path) {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, fmt.Sprintf("path must be absolute: %s", p.Path), nil)
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(p.Path, []byte(p.Content), 0o644); err != nil {
		return nil, err
	}
	return acp.WriteTextFileResponse{}, nil
}

type terminalRef struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

func (h *Handlers) createTerminal(ctx context.Context, params json.RawMessage) (any, error) {
	var p acp.CreateTerminalRequest
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	req := terminal.CreateRequest{
		Command:   p.Command,
		Args:      p.Args,
		Env:       make(map[string]string, len(p.Env)),
		SessionID: string(p.SessionId),
		Origin:    terminal.OriginAgent,
	}
	for _, v := range p.Env {
		req.Env[v.Name] = v.Value
	}
	if p.Cwd != nil {
		req.Cwd = *p.Cwd
	}
	if p.OutputByteLimit != nil {
		req.OutputByteLimit = *p.OutputByteLimit
	}
	info, err := h.terminals.Create(ctx, req)
	if err != nil {
		return nil, terminalError(err)
	}
	return acp.CreateTerminalResponse{TerminalId: info.ID}, nil
}

func (h *Handlers) terminalOutput(ctx context.Context, params json.RawMessage) (any, error) {
	var p terminalRef
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	out, err := h.terminals.Output(p.TerminalID)
	if err != nil {
		return nil, terminalError(err)
	}
	resp := acp.TerminalOutputResponse{Output: out.Output, Truncated: out.Truncated}
	if out.ExitStatus != nil {
		resp.ExitStatus = &acp.TerminalExitStatus{ExitCode: out.ExitStatus.ExitCode, Signal: out.ExitStatus.Signal}
	}
	return resp, nil
}

func (h *Handlers) killTerminal(ctx context.Context, params json.RawMessage) (any, error) {
	var p terminalRef
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := h.terminals.Kill(p.TerminalID); err != nil {
		return nil, terminalError(err)
	}
	return acp.KillTerminalCommandResponse{}, nil
}

func (h *Handlers) releaseTerminal(ctx context.Context, params json.RawMessage) (any, error) {
	var p terminalRef
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := h.terminals.Release(p.TerminalID); err != nil {
		return nil, terminalError(err)
	}
	return acp.ReleaseTerminalResponse{}, nil
}

func (h *Handlers) waitForTerminalExit(ctx context.Context, params json.RawMessage) (any, error) {
	var p terminalRef
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	status, err := h.terminals.WaitForExit(ctx, p.TerminalID)
	if err != nil {
		return nil, terminalError(err)
	}
	return acp.WaitForTerminalExitResponse{ExitCode: status.ExitCode, Signal: status.Signal}, nil
}

// terminalError maps runner errors onto ACP error codes.
func terminalError(err error) error {
	switch {
	case errors.Is(err, terminal.ErrNotFound):
		return jsonrpc.NewError(jsonrpc.ResourceNotFound, err.Error(), nil)
	case errors.Is(err, terminal.ErrTooManyTerminals), errors.Is(err, terminal.ErrClosed):
		return jsonrpc.NewError(jsonrpc.InternalError, err.Error(), nil)
	default:
		return err
	}
}
