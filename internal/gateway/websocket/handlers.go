package websocket

import (
	"context"
	"strings"

	"github.com/kandev/acpbridge/internal/agent/lifecycle"
	"github.com/kandev/acpbridge/internal/agent/permission"
	"github.com/kandev/acpbridge/internal/agent/session"
	"github.com/kandev/acpbridge/internal/bridge"
	"github.com/kandev/acpbridge/internal/terminal"
	ws "github.com/kandev/acpbridge/pkg/websocket"
)

// opHandlers adapts the runtime to gateway ops. Every handler reaches the
// runtime through rt; nothing is global.
type opHandlers struct {
	rt *bridge.Runtime
}

// NewDispatcher builds the complete op table for rt.
func NewDispatcher(rt *bridge.Runtime) (*ws.Dispatcher, error) {
	h := &opHandlers{rt: rt}
	return ws.NewDispatcher(map[ws.Op]ws.Handler{
		ws.OpConnect:             h.connect,
		ws.OpDisconnect:          h.disconnect,
		ws.OpAuthMethods:         h.authMethods,
		ws.OpAuthenticate:        h.authenticate,
		ws.OpSessionNew:          h.sessionNew,
		ws.OpSessionState:        h.sessionState,
		ws.OpSessionSelectThread: h.selectThread,
		ws.OpSessionSetMode:      h.setMode,
		ws.OpPrompt:              h.prompt,
		ws.OpCancel:              h.cancel,
		ws.OpModelsList:          h.listModels,
		ws.OpModelSelect:         h.selectModel,
		ws.OpPermission:          h.permission,
		ws.OpTerminalCreate:      h.terminalCreate,
		ws.OpTerminalOutput:      h.terminalOutput,
		ws.OpTerminalKill:        h.terminalKill,
		ws.OpTerminalRelease:     h.terminalRelease,
		ws.OpTerminalWaitForExit: h.terminalWaitForExit,
	})
}

func parse(req *ws.Request, v any) error {
	if err := req.ParsePayload(v); err != nil {
		return badPayload(err)
	}
	return nil
}

func (h *opHandlers) connect(ctx context.Context, req *ws.Request) (any, error) {
	var p lifecycle.ConnectRequest
	if err := parse(req, &p); err != nil {
		return nil, err
	}
	return h.rt.Agent.Connect(ctx, p)
}

func (h *opHandlers) disconnect(ctx context.Context, req *ws.Request) (any, error) {
	if err := h.rt.Agent.Disconnect(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"disconnected": true}, nil
}

func (h *opHandlers) authMethods(ctx context.Context, req *ws.Request) (any, error) {
	if h.rt.Agent.Status() != lifecycle.StatusInitialized {
		return nil, lifecycle.ErrNotConnected
	}
	methods := h.rt.Agent.AuthMethods()
	if methods == nil {
		methods = []lifecycle.AuthMethod{}
	}
	return map[string]any{"authMethods": methods}, nil
}

func (h *opHandlers) authenticate(ctx context.Context, req *ws.Request) (any, error) {
	var p struct {
		MethodID string `json:"methodId"`
	}
	if err := parse(req, &p); err != nil {
		return nil, err
	}
	if p.MethodID == "" {
		return nil, validationError("methodId is required")
	}
	result, err := h.rt.Agent.Authenticate(ctx, p.MethodID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"authenticated": true, "methodId": p.MethodID, "result": result}, nil
}

func (h *opHandlers) sessionNew(ctx context.Context, req *ws.Request) (any, error) {
	var p struct {
		ForceNew bool `json:"forceNew"`
	}
	if err := parse(req, &p); err != nil {
		return nil, err
	}
	return h.rt.Sessions.NewSession(ctx, p.ForceNew)
}

// stateResult lets a reloading UI rebuild its view in one round trip.
type stateResult struct {
	session.State
	AgentStatus        lifecycle.Status     `json:"agentStatus"`
	PendingPermissions []permission.Request `json:"pendingPermissions"`
	Terminals          []terminal.Info      `json:"terminals"`
}

func (h *opHandlers) sessionState(ctx context.Context, req *ws.Request) (any, error) {
	pending := h.rt.Permissions.Pending()
	if pending == nil {
		pending = []permission.Request{}
	}
	terminals := h.rt.Terminals.List()
	if terminals == nil {
		terminals = []terminal.Info{}
	}
	return stateResult{
		State:              h.rt.Sessions.State(),
		AgentStatus:        h.rt.Agent.Status(),
		PendingPermissions: pending,
		Terminals:          terminals,
	}, nil
}

func (h *opHandlers) selectThread(ctx context.Context, req *ws.Request) (any, error) {
	var p struct {
		ThreadID string `json:"threadId"`
	}
	if err := parse(req, &p); err != nil {
		return nil, err
	}
	if p.ThreadID == "" {
		return nil, validationError("threadId is required")
	}
	return h.rt.Sessions.SelectThread(ctx, p.ThreadID)
}

func (h *opHandlers) setMode(ctx context.Context, req *ws.Request) (any, error) {
	var p struct {
		ModeID string `json:"modeId"`
	}
	if err := parse(req, &p); err != nil {
		return nil, err
	}
	if p.ModeID == "" {
		return nil, validationError("modeId is required")
	}
	return h.rt.Sessions.SetMode(ctx, p.ModeID)
}

func (h *opHandlers) prompt(ctx context.Context, req *ws.Request) (any, error) {
	var p session.PromptRequest
	if err := parse(req, &p); err != nil {
		return nil, err
	}
	return h.rt.Sessions.Prompt(ctx, p)
}

func (h *opHandlers) cancel(ctx context.Context, req *ws.Request) (any, error) {
	if err := h.rt.Sessions.Cancel(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"cancelled": true}, nil
}

func (h *opHandlers) listModels(ctx context.Context, req *ws.Request) (any, error) {
	return h.rt.Sessions.ListModels(ctx)
}

func (h *opHandlers) selectModel(ctx context.Context, req *ws.Request) (any, error) {
	var p struct {
		ModelID string `json:"modelId"`
	}
	if err := parse(req, &p); err != nil {
		return nil, err
	}
	if p.ModelID == "" {
		return nil, validationError("modelId is required")
	}
	return h.rt.Sessions.SelectModel(ctx, p.ModelID)
}

func (h *opHandlers) permission(ctx context.Context, req *ws.Request) (any, error) {
	var p struct {
		RequestID string `json:"requestId"`
		Outcome   string `json:"outcome"`
		OptionID  string `json:"optionId"`
	}
	if err := parse(req, &p); err != nil {
		return nil, err
	}
	if p.RequestID == "" {
		return nil, validationError("requestId is required")
	}

	outcome := permission.Outcome(strings.ToLower(p.Outcome))
	if outcome == "" {
		outcome = permission.OutcomeSelected
		if p.OptionID == "" {
			outcome = permission.OutcomeCancelled
		}
	}
	switch outcome {
	case permission.OutcomeSelected:
		if p.OptionID == "" {
			return nil, validationError("optionId is required to select an option")
		}
	case permission.OutcomeCancelled:
	default:
		return nil, validationError("outcome must be selected or cancelled")
	}

	if err := h.rt.Permissions.Respond(ctx, p.RequestID, outcome, p.OptionID); err != nil {
		return nil, err
	}
	return map[string]any{"requestId": p.RequestID, "outcome": outcome, "optionId": p.OptionID}, nil
}

func (h *opHandlers) terminalCreate(ctx context.Context, req *ws.Request) (any, error) {
	var p terminal.CreateRequest
	if err := parse(req, &p); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Command) == "" {
		return nil, validationError("command is required")
	}
	p.Origin = terminal.OriginUser
	if p.Cwd == "" {
		p.Cwd = h.rt.Agent.Cwd()
	}
	return h.rt.Terminals.Create(ctx, p)
}

type terminalRef struct {
	TerminalID string `json:"terminalId"`
}

func parseTerminalRef(req *ws.Request) (string, error) {
	var p terminalRef
	if err := parse(req, &p); err != nil {
		return "", err
	}
	if p.TerminalID == "" {
		return "", validationError("terminalId is required")
	}
	return p.TerminalID, nil
}

func (h *opHandlers) terminalOutput(ctx context.Context, req *ws.Request) (any, error) {
	id, err := parseTerminalRef(req)
	if err != nil {
		return nil, err
	}
	return h.rt.Terminals.Output(id)
}

func (h *opHandlers) terminalKill(ctx context.Context, req *ws.Request) (any, error) {
	id, err := parseTerminalRef(req)
	if err != nil {
		return nil, err
	}
	if err := h.rt.Terminals.Kill(id); err != nil {
		return nil, err
	}
	return terminalRef{TerminalID: id}, nil
}

func (h *opHandlers) terminalRelease(ctx context.Context, req *ws.Request) (any, error) {
	id, err := parseTerminalRef(req)
	if err != nil {
		return nil, err
	}
	if err := h.rt.Terminals.Release(id); err != nil {
		return nil, err
	}
	return terminalRef{TerminalID: id}, nil
}

func (h *opHandlers) terminalWaitForExit(ctx context.Context, req *ws.Request) (any, error) {
	id, err := parseTerminalRef(req)
	if err != nil {
		return nil, err
	}
	return h.rt.Terminals.WaitForExit(ctx, id)
}
