// Package lifecycle supervises the single agent process: spawning it,
// performing the initialize handshake, and noticing when it dies.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/acpbridge/internal/agent/process"
	"github.com/kandev/acpbridge/internal/agent/registry"
	"github.com/kandev/acpbridge/internal/common/config"
	"github.com/kandev/acpbridge/internal/common/envutil"
	"github.com/kandev/acpbridge/internal/common/logger"
	"github.com/kandev/acpbridge/internal/events"
	"github.com/kandev/acpbridge/internal/events/bus"
	"github.com/kandev/acpbridge/internal/tracing"
	"github.com/kandev/acpbridge/pkg/acp/jsonrpc"
)

const (
	clientName    = "acpbridge"
	clientVersion = "0.1.0"

	// drainTimeout is how long buffered agent output may still be read
	// after the process exits.
	drainTimeout = time.Second
)

var (
	// ErrNotConnected is returned by calls made while no agent is running.
	ErrNotConnected = errors.New("agent not connected")
	// ErrCustomCommandNotAllowed is returned when a connect request names
	// its own command and agent.allowCustomCommand is off.
	ErrCustomCommandNotAllowed = errors.New("custom agent commands are not allowed")
)

// Status of the agent connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusInitialized  Status = "initialized"
)

// ConnectRequest selects and configures the agent. Empty fields fall back
// to configuration.
type ConnectRequest struct {
	AgentID string            `json:"agentId,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ConnectResult is the cached initialize result plus connection facts.
type ConnectResult struct {
	Init    json.RawMessage `json:"init"`
	Reused  bool            `json:"reused"`
	Reason  string          `json:"reason,omitempty"`
	AgentID string          `json:"agentId"`
	Framing jsonrpc.Framing `json:"framing"`
	Pid     int             `json:"pid"`
}

// AuthMethod is one authentication method advertised by the agent.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// HandlerInstaller registers the agent-to-client request handlers on every
// new connection.
type HandlerInstaller interface {
	Install(client *jsonrpc.Client)
}

type connection struct {
	proc        *process.Process
	client      *jsonrpc.Client
	variant     *registry.Variant
	cwd         string
	init        json.RawMessage
	authMethods []AuthMethod
	generation  uint64
	closing     atomic.Bool
}

// Manager owns at most one agent connection.
type Manager struct {
	cfg       config.AgentConfig
	registry  *registry.Registry
	installer HandlerInstaller
	events    *events.Publisher
	logger    *logger.Logger

	// startMu serialises Connect and Disconnect so concurrent connects
	// spawn at most one process.
	startMu sync.Mutex

	mu         sync.RWMutex
	status     Status
	conn       *connection
	generation uint64
}

// NewManager creates a disconnected manager.
func NewManager(cfg config.AgentConfig, reg *registry.Registry, installer HandlerInstaller, b bus.EventBus, log *logger.Logger) *Manager {
	log = log.WithFields(zap.String("component", "agent-lifecycle"))
	return &Manager{
		cfg:       cfg,
		registry:  reg,
		installer: installer,
		events:    events.NewPublisher(b, events.SourceLifecycle, log),
		logger:    log,
		status:    StatusDisconnected,
	}
}

// Connect spawns and initializes the agent. While an agent is initialized
// it returns the cached result tagged reused without spawning.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) (*ConnectResult, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if conn := m.current(); conn != nil {
		select {
		case <-conn.proc.Done():
			// Exited but still draining; watch reports the exit.
			m.logger.Info("agent exited, starting a new one", zap.String("agent_id", conn.variant.ID))
			m.mu.Lock()
			if m.conn == conn {
				m.conn = nil
				m.status = StatusDisconnected
			}
			m.mu.Unlock()
		default:
			result := m.result(conn, true)
			m.logger.Debug("agent already initialized, reusing", zap.String("agent_id", conn.variant.ID))
			m.publishInitialized(ctx, result)
			return result, nil
		}
	}

	variant, err := m.resolveVariant(req)
	if err != nil {
		return nil, err
	}
	spec := m.buildSpec(variant, req)

	m.setStatus(StatusConnecting)
	proc, err := process.Start(spec, m.logger, process.WithStderrHandler(m.stderrHandler(variant.ID)))
	if err != nil {
		m.setStatus(StatusDisconnected)
		return nil, &jsonrpc.TransportError{Op: "spawn", Err: err}
	}

	client := jsonrpc.NewClient(proc.Stdout(), proc.Stdin(), variant.Framing, m.logger,
		jsonrpc.WithName(variant.ID),
		jsonrpc.WithDefaultTimeout(m.cfg.RequestTimeoutDuration()),
		jsonrpc.WithMaxPending(m.cfg.MaxPending),
	)
	if m.installer != nil {
		m.installer.Install(client)
	}
	client.Start()

	conn := &connection{proc: proc, client: client, variant: variant, cwd: spec.Dir}
	if err := m.initialize(ctx, conn); err != nil {
		conn.closing.Store(true)
		m.teardown(conn, err)
		m.setStatus(StatusDisconnected)
		return nil, err
	}

	m.mu.Lock()
	m.generation++
	conn.generation = m.generation
	m.conn = conn
	m.status = StatusInitialized
	m.mu.Unlock()

	go m.watch(conn)

	m.logger.Info("agent initialized",
		zap.String("agent_id", variant.ID),
		zap.String("framing", string(variant.Framing)),
		zap.String("param_casing", string(variant.ParamCasing)),
		zap.Int("pid", proc.Pid()),
		zap.Int("auth_methods", len(conn.authMethods)))

	result := m.result(conn, false)
	m.publishInitialized(ctx, result)
	return result, nil
}

func (m *Manager) initialize(ctx context.Context, conn *connection) error {
	params := acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientCapabilities: acp.ClientCapabilities{
			Fs: acp.FileSystemCapability{
				ReadTextFile:  true,
				WriteTextFile: true,
			},
			Terminal: true,
		},
		ClientInfo: &acp.Implementation{
			Name:    clientName,
			Version: clientVersion,
		},
	}

	var raw json.RawMessage
	if err := m.call(ctx, conn, jsonrpc.MethodInitialize, params, &raw,
		jsonrpc.WithTimeout(m.cfg.InitTimeoutDuration())); err != nil {
		if tail := conn.proc.RecentStderr(); len(tail) > 0 {
			return fmt.Errorf("initialize %s: %w (stderr: %s)", conn.variant.ID, err, strings.Join(tail, " | "))
		}
		return fmt.Errorf("initialize %s: %w", conn.variant.ID, err)
	}

	var parsed struct {
		AuthMethods []AuthMethod `json:"authMethods"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return &jsonrpc.Error{Code: jsonrpc.ParseError, Message: "invalid initialize result: " + err.Error()}
	}
	conn.init = raw
	conn.authMethods = parsed.AuthMethods
	return nil
}

// Disconnect stops the agent. It is idempotent and emits no agent_exit.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.status = StatusDisconnected
	m.mu.Unlock()
	if conn == nil {
		return nil
	}

	conn.closing.Store(true)
	m.logger.Info("disconnecting agent", zap.String("agent_id", conn.variant.ID), zap.Int("pid", conn.proc.Pid()))
	return m.teardown(conn, &jsonrpc.TransportError{Op: "disconnect", Err: jsonrpc.ErrConnectionClosed})
}

// teardown fails pending calls and stops the process.
func (m *Manager) teardown(conn *connection, cause error) error {
	conn.client.Close(cause)

	timeout := m.cfg.StopTimeoutDuration()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := conn.proc.Stop(stopCtx)
	conn.proc.Close()
	return err
}

// watch clears state and broadcasts agent_exit when the agent dies on its own.
func (m *Manager) watch(conn *connection) {
	select {
	case <-conn.proc.Done():
	case <-conn.client.Done():
		if !conn.closing.Load() {
			m.logger.Warn("agent output closed, stopping process", zap.Int("pid", conn.proc.Pid()))
			stopCtx, cancel := context.WithTimeout(context.Background(), m.cfg.StopTimeoutDuration())
			_ = conn.proc.Stop(stopCtx)
			cancel()
		}
		<-conn.proc.Done()
	}
	if conn.closing.Load() {
		return
	}

	// Let the reader drain whatever the agent wrote before exiting.
	select {
	case <-conn.client.Done():
	case <-time.After(drainTimeout):
	}
	exitCode := conn.proc.ExitCode()
	conn.client.Close(&jsonrpc.TransportError{Op: "agent exit", Err: fmt.Errorf("agent exited with code %d", exitCode)})
	conn.proc.Close()

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
		m.status = StatusDisconnected
	}
	m.mu.Unlock()

	stderr := conn.proc.RecentStderr()
	m.logger.Warn("agent exited unexpectedly",
		zap.String("agent_id", conn.variant.ID),
		zap.Int("pid", conn.proc.Pid()),
		zap.Int("exit_code", exitCode),
		zap.NamedError("wait_error", conn.proc.ExitErr()),
		zap.Strings("recent_stderr", stderr))
	m.events.Publish(context.Background(), events.AgentExit, map[string]any{
		"agentId":      conn.variant.ID,
		"exitCode":     exitCode,
		"recentStderr": stderr,
		"pid":          conn.proc.Pid(),
	})
}

// Call sends a request to the connected agent.
func (m *Manager) Call(ctx context.Context, method string, params, result any, opts ...jsonrpc.CallOption) error {
	conn := m.current()
	if conn == nil {
		return ErrNotConnected
	}
	return m.call(ctx, conn, method, params, result, opts...)
}

func (m *Manager) call(ctx context.Context, conn *connection, method string, params, result any, opts ...jsonrpc.CallOption) error {
	ctx, span := tracing.TraceRPCCall(ctx, method, conn.variant.ID, string(conn.variant.Framing))
	err := conn.client.Call(ctx, method, params, result, opts...)
	tracing.TraceRPCResult(span, err)
	return err
}

// Notify sends a notification to the connected agent.
func (m *Manager) Notify(ctx context.Context, method string, params any) error {
	conn := m.current()
	if conn == nil {
		return ErrNotConnected
	}
	ctx, span := tracing.TraceRPCCall(ctx, method, conn.variant.ID, string(conn.variant.Framing))
	err := conn.client.Notify(ctx, method, params)
	tracing.TraceRPCResult(span, err)
	return err
}

// Authenticate runs the authenticate method with the given id.
func (m *Manager) Authenticate(ctx context.Context, methodID string) (json.RawMessage, error) {
	conn := m.current()
	if conn == nil {
		return nil, ErrNotConnected
	}
	known := len(conn.authMethods) == 0
	for _, am := range conn.authMethods {
		if am.ID == methodID {
			known = true
			break
		}
	}
	if !known {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, fmt.Sprintf("unknown auth method %q", methodID), nil)
	}

	var raw json.RawMessage
	if err := m.call(ctx, conn, jsonrpc.MethodAuthenticate, map[string]any{"methodId": methodID}, &raw); err != nil {
		return nil, err
	}
	m.logger.Info("agent authenticated", zap.String("method_id", methodID))
	return raw, nil
}

// AuthMethods returns the methods advertised by initialize.
func (m *Manager) AuthMethods() []AuthMethod {
	conn := m.current()
	if conn == nil {
		return nil
	}
	return append([]AuthMethod(nil), conn.authMethods...)
}

// Init returns the cached initialize result.
func (m *Manager) Init() (json.RawMessage, bool) {
	conn := m.current()
	if conn == nil {
		return nil, false
	}
	return conn.init, true
}

// Status returns the connection status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Variant returns the connected agent's variant, or nil.
func (m *Manager) Variant() *registry.Variant {
	conn := m.current()
	if conn == nil {
		return nil
	}
	return conn.variant
}

// Cwd returns the working directory the agent was started in.
func (m *Manager) Cwd() string {
	if conn := m.current(); conn != nil {
		return conn.cwd
	}
	return m.cfg.Cwd
}

// Generation identifies the current connection. It changes on every
// successful Connect so session state tied to a dead agent can be dropped.
func (m *Manager) Generation() uint64 {
	conn := m.current()
	if conn == nil {
		return 0
	}
	return conn.generation
}

func (m *Manager) current() *connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status != StatusInitialized {
		return nil
	}
	return m.conn
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

func (m *Manager) result(conn *connection, reused bool) *ConnectResult {
	r := &ConnectResult{
		Init:    conn.init,
		Reused:  reused,
		AgentID: conn.variant.ID,
		Framing: conn.variant.Framing,
		Pid:     conn.proc.Pid(),
	}
	if reused {
		r.Reason = "already_initialized"
	}
	return r
}

func (m *Manager) publishInitialized(ctx context.Context, r *ConnectResult) {
	m.events.Publish(ctx, events.AgentInitialized, map[string]any{
		"init":    r.Init,
		"agentId": r.AgentID,
		"reused":  r.Reused,
		"pid":     r.Pid,
	})
}

func (m *Manager) stderrHandler(agentID string) func(string) {
	return func(line string) {
		m.events.Publish(context.Background(), events.AgentStderr, map[string]any{
			"agentId": agentID,
			"line":    line,
		})
	}
}

// resolveVariant picks the agent: an explicit command, then an explicit
// agent id, then the configured command, then the configured id.
func (m *Manager) resolveVariant(req ConnectRequest) (*registry.Variant, error) {
	var variant *registry.Variant
	switch {
	case req.Command != "":
		if !m.cfg.AllowCustomCommand {
			return nil, ErrCustomCommandNotAllowed
		}
		variant = m.registry.Resolve(req.Command, req.Args)
	case req.AgentID != "":
		v, ok := m.registry.Get(req.AgentID)
		if !ok {
			return nil, fmt.Errorf("unknown agent %q", req.AgentID)
		}
		variant = v
	case m.cfg.Command != "":
		variant = m.registry.Resolve(m.cfg.Command, m.cfg.Args)
	default:
		v, ok := m.registry.Get(m.cfg.ID)
		if !ok {
			return nil, fmt.Errorf("unknown agent %q", m.cfg.ID)
		}
		variant = v
	}

	var framing jsonrpc.Framing
	if m.cfg.Framing != "" {
		f, err := jsonrpc.ParseFraming(m.cfg.Framing)
		if err != nil {
			return nil, err
		}
		framing = f
	}
	return variant.WithOverrides(framing, registry.Casing(m.cfg.ParamCasing)), nil
}

func (m *Manager) buildSpec(variant *registry.Variant, req ConnectRequest) process.Spec {
	cwd := req.Cwd
	if cwd == "" {
		cwd = m.cfg.Cwd
	}
	if cwd == "" {
		cwd, _ = os.Getwd()
	}

	command, args := variant.Command, variant.Args
	if m.cfg.PreferLocal && variant.LocalBin != "" {
		local := filepath.Join(cwd, "node_modules", ".bin", variant.LocalBin)
		if info, err := os.Stat(local); err == nil && !info.IsDir() {
			m.logger.Info("using local agent binary", zap.String("path", local))
			command, args = local, localArgs(variant.Args)
		}
	}

	env := envutil.Merge(os.Environ(), m.cfg.ProxyEnv(), variant.Env, m.cfg.Env, req.Env)
	return process.Spec{Command: command, Args: args, Dir: cwd, Env: env}
}

// localArgs drops package-runner flags and the package name from args
// meant for npx-style launchers, keeping the agent's own arguments.
func localArgs(args []string) []string {
	i := 0
	for i < len(args) && strings.HasPrefix(args[i], "-") {
		i++
	}
	if i < len(args) {
		i++
	}
	return append([]string(nil), args[i:]...)
}
