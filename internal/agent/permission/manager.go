// Package permission correlates agent permission requests with the single
// answer a UI gives for each of them.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/acpbridge/internal/common/constants"
	"github.com/kandev/acpbridge/internal/common/logger"
	"github.com/kandev/acpbridge/internal/events"
	"github.com/kandev/acpbridge/internal/events/bus"
	"github.com/kandev/acpbridge/pkg/acp/jsonrpc"
)

var (
	// ErrNotFound is returned for an id that was never issued.
	ErrNotFound = errors.New("permission request not found")
	// ErrAlreadyResolved is returned when a request was already answered or cancelled.
	ErrAlreadyResolved = errors.New("permission request already resolved")
	// ErrInvalidOption is returned when the selected option was not offered.
	ErrInvalidOption = errors.New("option not offered by the agent")
)

// Outcome is how a request was resolved.
type Outcome string

const (
	OutcomeSelected  Outcome = "selected"
	OutcomeCancelled Outcome = "cancelled"
)

// Option is one choice offered by the agent.
type Option struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// Request is an open question to the user.
type Request struct {
	ID         string          `json:"requestId"`
	SessionID  string          `json:"sessionId"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Title      string          `json:"title,omitempty"`
	ToolCall   json.RawMessage `json:"toolCall,omitempty"`
	Options    []Option        `json:"options"`
	CreatedAt  time.Time       `json:"createdAt"`
}

type decision struct {
	outcome  Outcome
	optionID string
}

type pendingRequest struct {
	req *Request
	ch  chan decision
}

// Manager holds open permission requests. Requests wait indefinitely for a
// decision; they end early only when the agent connection goes away.
type Manager struct {
	mu             sync.Mutex
	pending        map[string]*pendingRequest
	resolved       map[string]Outcome
	resolvedOrder  []string
	tombstoneLimit int

	events *events.Publisher
	logger *logger.Logger
}

// NewManager creates a manager broadcasting on b.
func NewManager(b bus.EventBus, log *logger.Logger) *Manager {
	log = log.WithFields(zap.String("component", "permissions"))
	return &Manager{
		pending:        make(map[string]*pendingRequest),
		resolved:       make(map[string]Outcome),
		tombstoneLimit: constants.PermissionTombstoneLimit,
		events:         events.NewPublisher(b, events.SourcePermission, log),
		logger:         log,
	}
}

// HandleRequest serves session/request_permission. ctx is cancelled when
// the agent connection closes.
func (m *Manager) HandleRequest(ctx context.Context, params json.RawMessage) (any, error) {
	var p acp.RequestPermissionRequest
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "invalid permission request: "+err.Error(), nil)
	}
	var raw struct {
		ToolCall json.RawMessage `json:"toolCall"`
	}
	if err := json.Unmarshal(params, &raw); err != nil {
		m.logger.Debug("permission request toolCall not kept", zap.Error(err))
	}

	if len(p.Options) == 0 {
		m.logger.Warn("permission request without options, cancelling",
			zap.String("session_id", string(p.SessionId)))
		return cancelledResponse(), nil
	}

	req := &Request{
		ID:         uuid.New().String(),
		SessionID:  string(p.SessionId),
		ToolCallID: string(p.ToolCall.ToolCallId),
		ToolCall:   raw.ToolCall,
		CreatedAt:  time.Now().UTC(),
	}
	if p.ToolCall.Title != nil {
		req.Title = *p.ToolCall.Title
	}
	for _, opt := range p.Options {
		req.Options = append(req.Options, Option{
			OptionID: string(opt.OptionId),
			Name:     opt.Name,
			Kind:     string(opt.Kind),
		})
	}

	pr := &pendingRequest{req: req, ch: make(chan decision, 1)}
	m.mu.Lock()
	m.pending[req.ID] = pr
	m.mu.Unlock()

	m.logger.Info("permission requested",
		zap.String("request_id", req.ID),
		zap.String("session_id", req.SessionID),
		zap.String("title", req.Title),
		zap.Int("options", len(req.Options)))
	m.events.Publish(ctx, events.PermissionRequest, map[string]any{
		"requestId":  req.ID,
		"sessionId":  req.SessionID,
		"toolCallId": req.ToolCallID,
		"title":      req.Title,
		"toolCall":   req.ToolCall,
		"options":    req.Options,
		"createdAt":  req.CreatedAt,
	})

	select {
	case d := <-pr.ch:
		if d.outcome == OutcomeCancelled {
			return cancelledResponse(), nil
		}
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{
				Selected: &acp.RequestPermissionOutcomeSelected{
					OptionId: acp.PermissionOptionId(d.optionID),
				},
			},
		}, nil
	case <-ctx.Done():
		if m.resolve(req.ID, OutcomeCancelled) {
			m.logger.Info("permission request abandoned by agent connection",
				zap.String("request_id", req.ID))
			m.events.Publish(context.Background(), events.PermissionResolved, map[string]any{
				"requestId": req.ID,
				"outcome":   OutcomeCancelled,
				"reason":    "agent_disconnected",
			})
		}
		return cancelledResponse(), nil
	}
}

// Respond resolves a request once. optionID is required for OutcomeSelected.
func (m *Manager) Respond(ctx context.Context, requestID string, outcome Outcome, optionID string) error {
	if outcome != OutcomeSelected && outcome != OutcomeCancelled {
		return fmt.Errorf("unknown outcome %q", outcome)
	}

	m.mu.Lock()
	if _, done := m.resolved[requestID]; done {
		m.mu.Unlock()
		return ErrAlreadyResolved
	}
	pr, ok := m.pending[requestID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if outcome == OutcomeSelected && !offers(pr.req, optionID) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrInvalidOption, optionID)
	}
	m.resolveLocked(requestID, outcome)
	m.mu.Unlock()

	pr.ch <- decision{outcome: outcome, optionID: optionID}

	m.logger.Info("permission resolved",
		zap.String("request_id", requestID),
		zap.String("outcome", string(outcome)),
		zap.String("option_id", optionID))
	m.events.Publish(ctx, events.PermissionResolved, map[string]any{
		"requestId": requestID,
		"outcome":   outcome,
		"optionId":  optionID,
	})
	return nil
}

// Pending returns the open requests, oldest first.
func (m *Manager) Pending() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, 0, len(m.pending))
	for _, pr := range m.pending {
		out = append(out, *pr.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) resolve(requestID string, outcome Outcome) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[requestID]; !ok {
		return false
	}
	m.resolveLocked(requestID, outcome)
	return true
}

// resolveLocked moves a request from pending to the bounded tombstone set.
func (m *Manager) resolveLocked(requestID string, outcome Outcome) {
	delete(m.pending, requestID)
	m.resolved[requestID] = outcome
	m.resolvedOrder = append(m.resolvedOrder, requestID)
	if len(m.resolvedOrder) > m.tombstoneLimit {
		oldest := m.resolvedOrder[0]
		m.resolvedOrder = m.resolvedOrder[1:]
		delete(m.resolved, oldest)
	}
}

func offers(req *Request, optionID string) bool {
	for _, opt := range req.Options {
		if opt.OptionID == optionID {
			return true
		}
	}
	return false
}

func cancelledResponse() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Cancelled: &acp.RequestPermissionOutcomeCancelled{},
		},
	}
}
