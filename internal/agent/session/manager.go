// Package session keeps the single active agent session shared by every
// connected UI and transparently replaces it when the agent forgets it.
//
// States: no session, active, recovering. Concurrent callers that need a
// session share one session/new call; concurrent prompts that hit the same
// stale session share one recovery.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kandev/acpbridge/internal/agent/lifecycle"
	"github.com/kandev/acpbridge/internal/agent/registry"
	"github.com/kandev/acpbridge/internal/common/appctx"
	"github.com/kandev/acpbridge/internal/common/constants"
	"github.com/kandev/acpbridge/internal/common/logger"
	"github.com/kandev/acpbridge/internal/events"
	"github.com/kandev/acpbridge/internal/events/bus"
	"github.com/kandev/acpbridge/internal/history"
	"github.com/kandev/acpbridge/pkg/acp/jsonrpc"
)

// recoveredLimit bounds the old→new session id memory used to collapse
// late failures of an already recovered session.
const recoveredLimit = 256

// Agent is the connection the manager drives. *lifecycle.Manager
// implements it.
type Agent interface {
	Call(ctx context.Context, method string, params, result any, opts ...jsonrpc.CallOption) error
	Notify(ctx context.Context, method string, params any) error
	Variant() *registry.Variant
	Cwd() string
	AuthMethods() []lifecycle.AuthMethod
	Generation() uint64
}

// Status of the session state machine.
type Status string

const (
	StatusNone       Status = "no_session"
	StatusActive     Status = "active"
	StatusRecovering Status = "recovering"
)

// Mode is a session mode advertised by the agent.
type Mode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Model is a model advertised by the agent.
type Model struct {
	ModelID     string `json:"modelId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// State is a snapshot for the UI.
type State struct {
	Status         Status  `json:"status"`
	SessionID      string  `json:"sessionId,omitempty"`
	AgentID        string  `json:"agentId,omitempty"`
	Cwd            string  `json:"cwd,omitempty"`
	CurrentModeID  string  `json:"currentModeId,omitempty"`
	CurrentModelID string  `json:"currentModelId,omitempty"`
	Modes          []Mode  `json:"modes"`
	Models         []Model `json:"models"`
}

// Models lists the available models and the current one.
type Models struct {
	CurrentModelID string  `json:"currentModelId,omitempty"`
	Models         []Model `json:"models"`
}

// PromptRequest carries prompt content. SessionID is accepted for
// compatibility and ignored: prompts always go to the active session.
type PromptRequest struct {
	SessionID string          `json:"sessionId,omitempty"`
	Prompt    json.RawMessage `json:"prompt,omitempty"`
	Text      string          `json:"text,omitempty"`
}

// PromptResult is the outcome of a prompt turn.
type PromptResult struct {
	SessionID  string          `json:"sessionId"`
	StopReason string          `json:"stopReason,omitempty"`
	Recovered  bool            `json:"recovered,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// ThreadSelection is the result of binding a UI thread.
type ThreadSelection struct {
	ThreadID  string   `json:"threadId"`
	SessionID string   `json:"sessionId"`
	History   []string `json:"history,omitempty"`
}

type activeSession struct {
	id             string
	generation     uint64
	cwd            string
	agentID        string
	currentModeID  string
	currentModelID string
	modes          []Mode
	models         []Model
}

// Options tunes the manager.
type Options struct {
	// PromptTimeout bounds a prompt turn; zero waits indefinitely.
	PromptTimeout time.Duration
}

// Manager owns the active session.
type Manager struct {
	agent  Agent
	repo   history.Repository
	opts   Options
	events *events.Publisher
	logger *logger.Logger

	group    singleflight.Group
	stopCh   chan struct{}
	stopOnce sync.Once

	mu        sync.RWMutex
	active    *activeSession
	status    Status
	recovered map[string]string
}

// NewManager creates a manager with no session.
func NewManager(agent Agent, repo history.Repository, opts Options, b bus.EventBus, log *logger.Logger) *Manager {
	log = log.WithFields(zap.String("component", "session-manager"))
	if repo == nil {
		repo = history.NewMemoryRepository()
	}
	return &Manager{
		agent:     agent,
		repo:      repo,
		opts:      opts,
		events:    events.NewPublisher(b, events.SourceSession, log),
		logger:    log,
		stopCh:    make(chan struct{}),
		status:    StatusNone,
		recovered: make(map[string]string),
	}
}

// Close abandons in-flight shared work.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// EnsureActiveSession returns the active session id, creating a session
// if there is none. Concurrent callers share a single session/new call
// whose lifetime is detached from any one of them.
func (m *Manager) EnsureActiveSession(ctx context.Context) (string, error) {
	if s := m.current(); s != nil {
		return s.id, nil
	}
	ch := m.group.DoChan("session/new", func() (any, error) {
		if s := m.current(); s != nil {
			return s.id, nil
		}
		dctx, cancel := appctx.Detached(m.stopCh, constants.SessionCreateTimeout)
		defer cancel()
		return m.createSession(dctx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// NewSession returns the active session, or replaces it with a fresh one
// when forceNew is set.
func (m *Manager) NewSession(ctx context.Context, forceNew bool) (*State, error) {
	if forceNew {
		m.mu.Lock()
		if m.active != nil {
			m.logger.Info("discarding active session on request", zap.String("session_id", m.active.id))
		}
		m.active = nil
		m.status = StatusNone
		m.mu.Unlock()
	}
	if _, err := m.EnsureActiveSession(ctx); err != nil {
		return nil, err
	}
	state := m.State()
	return &state, nil
}

type newSessionResponse struct {
	SessionID string `json:"sessionId"`
	Modes     *struct {
		CurrentModeID  string `json:"currentModeId"`
		AvailableModes []Mode `json:"availableModes"`
	} `json:"modes"`
	Models *struct {
		CurrentModelID  string  `json:"currentModelId"`
		AvailableModels []Model `json:"availableModels"`
	} `json:"models"`
}

func (m *Manager) createSession(ctx context.Context) (string, error) {
	variant := m.agent.Variant()
	generation := m.agent.Generation()
	if variant == nil || generation == 0 {
		return "", lifecycle.ErrNotConnected
	}
	cwd := m.agent.Cwd()

	var resp newSessionResponse
	err := m.agent.Call(ctx, jsonrpc.MethodSessionNew, acp.NewSessionRequest{
		Cwd:        cwd,
		McpServers: []acp.McpServer{},
	}, &resp)
	if err != nil {
		return "", m.wrapAuth(err)
	}
	if resp.SessionID == "" {
		return "", &jsonrpc.Error{Code: jsonrpc.InternalError, Message: "agent returned an empty session id"}
	}

	s := &activeSession{
		id:         resp.SessionID,
		generation: generation,
		cwd:        cwd,
		agentID:    variant.ID,
	}
	if resp.Modes != nil {
		s.currentModeID = resp.Modes.CurrentModeID
		s.modes = resp.Modes.AvailableModes
	}
	if resp.Models != nil {
		s.currentModelID = resp.Models.CurrentModelID
		s.models = resp.Models.AvailableModels
	}

	m.mu.Lock()
	m.active = s
	m.status = StatusActive
	m.mu.Unlock()

	m.logger.Info("session created",
		zap.String("session_id", s.id),
		zap.String("agent_id", s.agentID),
		zap.String("cwd", cwd),
		zap.Int("modes", len(s.modes)),
		zap.Int("models", len(s.models)))

	if err := m.repo.SaveSession(ctx, &history.Session{ID: s.id, AgentID: s.agentID, Cwd: cwd}); err != nil {
		m.logger.Warn("failed to persist session", zap.String("session_id", s.id), zap.Error(err))
	}
	return s.id, nil
}

// Prompt sends content to the active session. If the agent reports the
// session as unknown, a replacement session is created once, announced as
// session_recovered, and the prompt is retried exactly once.
func (m *Manager) Prompt(ctx context.Context, req PromptRequest) (*PromptResult, error) {
	blocks, err := promptBlocks(req)
	if err != nil {
		return nil, err
	}
	sessionID, err := m.EnsureActiveSession(ctx)
	if err != nil {
		return nil, err
	}
	if req.SessionID != "" && req.SessionID != sessionID {
		m.logger.Debug("ignoring caller session id",
			zap.String("requested", req.SessionID),
			zap.String("active", sessionID))
	}

	result, err := m.sendPrompt(ctx, sessionID, blocks)
	if err == nil {
		return result, nil
	}
	if !IsSessionNotFound(err) {
		return nil, m.wrapAuth(err)
	}

	m.logger.Warn("agent lost the session, recovering", zap.String("session_id", sessionID), zap.Error(err))
	newID, err := m.recover(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("recover session %s: %w", sessionID, err)
	}
	result, err = m.sendPrompt(ctx, newID, blocks)
	if err != nil {
		return nil, m.wrapAuth(err)
	}
	result.Recovered = true
	return result, nil
}

// recover replaces oldID. Prompts failing on the same oldID share one
// recovery and one session_recovered event.
func (m *Manager) recover(ctx context.Context, oldID string) (string, error) {
	ch := m.group.DoChan("recover/"+oldID, func() (any, error) {
		m.mu.Lock()
		if newID, ok := m.recovered[oldID]; ok {
			m.mu.Unlock()
			return newID, nil
		}
		if m.active != nil && m.active.id == oldID {
			m.active = nil
			m.status = StatusRecovering
		}
		m.mu.Unlock()

		dctx, cancel := appctx.Detached(m.stopCh, constants.SessionCreateTimeout)
		defer cancel()
		newID, err := m.EnsureActiveSession(dctx)
		if err != nil {
			m.mu.Lock()
			if m.active == nil {
				m.status = StatusNone
			}
			m.mu.Unlock()
			return "", err
		}

		m.mu.Lock()
		if len(m.recovered) >= recoveredLimit {
			m.recovered = make(map[string]string)
		}
		m.recovered[oldID] = newID
		m.mu.Unlock()

		m.logger.Info("session recovered",
			zap.String("old_session_id", oldID),
			zap.String("new_session_id", newID))
		m.events.Publish(dctx, events.SessionRecovered, map[string]any{
			"oldSessionId": oldID,
			"newSessionId": newID,
		})
		if n, err := m.repo.RebindThreads(dctx, oldID, newID); err != nil {
			m.logger.Warn("failed to rebind threads", zap.Error(err))
		} else if n > 0 {
			m.logger.Debug("threads rebound", zap.Int("count", n))
		}
		return newID, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type promptParams struct {
	SessionID string            `json:"sessionId"`
	Prompt    []json.RawMessage `json:"prompt"`
}

func (m *Manager) sendPrompt(ctx context.Context, sessionID string, blocks []json.RawMessage) (*PromptResult, error) {
	timeout := m.opts.PromptTimeout
	if timeout <= 0 {
		timeout = -1
	}
	var raw json.RawMessage
	if err := m.agent.Call(ctx, jsonrpc.MethodSessionPrompt, promptParams{
		SessionID: sessionID,
		Prompt:    blocks,
	}, &raw, jsonrpc.WithTimeout(timeout)); err != nil {
		return nil, err
	}

	var parsed struct {
		StopReason string `json:"stopReason"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		m.logger.Debug("prompt result has no readable stopReason",
			zap.String("session_id", sessionID), zap.Error(err))
	}
	return &PromptResult{SessionID: sessionID, StopReason: parsed.StopReason, Result: raw}, nil
}

// promptBlocks accepts an array of content blocks, a bare string, or Text.
func promptBlocks(req PromptRequest) ([]json.RawMessage, error) {
	if len(req.Prompt) > 0 && string(req.Prompt) != "null" {
		var blocks []json.RawMessage
		if err := json.Unmarshal(req.Prompt, &blocks); err == nil {
			if len(blocks) == 0 {
				return nil, ErrEmptyPrompt
			}
			return blocks, nil
		}
		var text string
		if err := json.Unmarshal(req.Prompt, &text); err != nil {
			return nil, fmt.Errorf("prompt must be an array of content blocks or a string: %w", err)
		}
		req.Text = text
	}
	if req.Text == "" {
		return nil, ErrEmptyPrompt
	}
	block, err := json.Marshal(acp.TextBlock(req.Text))
	if err != nil {
		return nil, err
	}
	return []json.RawMessage{block}, nil
}

// Cancel asks the agent to stop the current turn. Without a session it
// does nothing.
func (m *Manager) Cancel(ctx context.Context) error {
	s := m.current()
	if s == nil {
		return nil
	}
	return m.agent.Notify(ctx, jsonrpc.NotificationSessionCancel, acp.CancelNotification{
		SessionId: acp.SessionId(s.id),
	})
}

// SelectThread binds a UI thread to the active session.
func (m *Manager) SelectThread(ctx context.Context, threadID string) (*ThreadSelection, error) {
	if threadID == "" {
		return nil, errors.New("threadId is required")
	}
	sessionID, err := m.EnsureActiveSession(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := m.repo.BindThread(ctx, threadID, sessionID); err != nil {
		return nil, fmt.Errorf("bind thread %s: %w", threadID, err)
	}
	sessions, err := m.repo.ThreadSessions(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return &ThreadSelection{ThreadID: threadID, SessionID: sessionID, History: sessions}, nil
}

// SetMode switches the session mode using the agent's parameter casing.
func (m *Manager) SetMode(ctx context.Context, modeID string) (*State, error) {
	if modeID == "" {
		return nil, errors.New("modeId is required")
	}
	sessionID, err := m.EnsureActiveSession(ctx)
	if err != nil {
		return nil, err
	}
	params := m.agent.Variant().Params(map[string]any{
		"sessionId": sessionID,
		"modeId":    modeID,
	})
	if err := m.agent.Call(ctx, jsonrpc.MethodSessionSetMode, params, nil); err != nil {
		return nil, m.wrapAuth(err)
	}
	m.update(sessionID, func(s *activeSession) { s.currentModeID = modeID })
	m.logger.Info("session mode changed", zap.String("session_id", sessionID), zap.String("mode_id", modeID))
	state := m.State()
	return &state, nil
}

// ListModels returns the models advertised when the session was created.
func (m *Manager) ListModels(ctx context.Context) (*Models, error) {
	if _, err := m.EnsureActiveSession(ctx); err != nil {
		return nil, err
	}
	state := m.State()
	return &Models{CurrentModelID: state.CurrentModelID, Models: state.Models}, nil
}

// SelectModel switches the session model using the agent's parameter casing.
func (m *Manager) SelectModel(ctx context.Context, modelID string) (*Models, error) {
	if modelID == "" {
		return nil, errors.New("modelId is required")
	}
	sessionID, err := m.EnsureActiveSession(ctx)
	if err != nil {
		return nil, err
	}
	if models := m.State().Models; len(models) > 0 && !hasModel(models, modelID) {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, fmt.Sprintf("unknown model %q", modelID), nil)
	}
	params := m.agent.Variant().Params(map[string]any{
		"sessionId": sessionID,
		"modelId":   modelID,
	})
	if err := m.agent.Call(ctx, jsonrpc.MethodSessionSetModel, params, nil); err != nil {
		return nil, m.wrapAuth(err)
	}
	m.update(sessionID, func(s *activeSession) { s.currentModelID = modelID })
	m.logger.Info("session model changed", zap.String("session_id", sessionID), zap.String("model_id", modelID))
	state := m.State()
	return &Models{CurrentModelID: state.CurrentModelID, Models: state.Models}, nil
}

func hasModel(models []Model, id string) bool {
	for _, model := range models {
		if model.ModelID == id {
			return true
		}
	}
	return false
}

// State returns a snapshot of the session state.
func (m *Manager) State() State {
	s := m.current()
	m.mu.RLock()
	status := m.status
	m.mu.RUnlock()

	if s == nil {
		if status == StatusActive {
			status = StatusNone
		}
		return State{Status: status, Cwd: m.agent.Cwd(), Modes: []Mode{}, Models: []Model{}}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	state := State{
		Status:         StatusActive,
		SessionID:      s.id,
		AgentID:        s.agentID,
		Cwd:            s.cwd,
		CurrentModeID:  s.currentModeID,
		CurrentModelID: s.currentModelID,
		Modes:          append([]Mode{}, s.modes...),
		Models:         append([]Model{}, s.models...),
	}
	return state
}

// current returns the active session if it belongs to the live agent
// connection. A session from an earlier connection is dropped.
func (m *Manager) current() *activeSession {
	generation := m.agent.Generation()
	m.mu.RLock()
	s := m.active
	m.mu.RUnlock()
	if s == nil {
		return nil
	}
	if generation == 0 || s.generation != generation {
		m.mu.Lock()
		if m.active == s {
			m.active = nil
			m.status = StatusNone
		}
		m.mu.Unlock()
		return nil
	}
	return s
}

func (m *Manager) update(sessionID string, fn func(s *activeSession)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.id == sessionID {
		fn(m.active)
	}
}

func (m *Manager) wrapAuth(err error) error {
	if !isAuthRequired(err) {
		return err
	}
	var methods []string
	for _, am := range m.agent.AuthMethods() {
		methods = append(methods, am.ID)
	}
	return &AuthRequiredError{Err: err, Methods: methods}
}
