// Package terminal runs non-interactive commands for the agent and the UI
// and keeps their combined output in memory-bounded buffers.
//
// Agent-created and UI-created terminals share one table, so a terminal
// started by the agent can be read or killed from the UI and vice versa.
//
// Lifecycle:
//  1. Create spawns the command in its own process group with stdin closed.
//  2. Output streams into the buffer and out as terminal_output events.
//  3. Exit is recorded once and broadcast as terminal_exit.
//  4. Release forgets a handle; Kill stops the process and reaps the
//     handle some time after it exits.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/acpbridge/internal/common/config"
	"github.com/kandev/acpbridge/internal/common/envutil"
	"github.com/kandev/acpbridge/internal/common/logger"
	"github.com/kandev/acpbridge/internal/common/procgroup"
	"github.com/kandev/acpbridge/internal/events"
	"github.com/kandev/acpbridge/internal/events/bus"
)

const (
	DefaultOutputByteLimit = 1 << 20
	DefaultMaxTerminals    = 64
	DefaultKillGrace       = 2 * time.Second
	DefaultReapAfter       = time.Minute

	// waitDelay bounds how long Wait keeps copying output after the process
	// exits while a grandchild still holds the pipe.
	waitDelay = 2 * time.Second
)

var (
	// ErrNotFound is returned for unknown or released terminal ids.
	ErrNotFound = errors.New("terminal not found")
	// ErrTooManyTerminals is returned when the table is full.
	ErrTooManyTerminals = errors.New("too many terminals")
	// ErrClosed is returned by Create after Close.
	ErrClosed = errors.New("terminal runner is closed")
)

// Origin records who created a terminal.
type Origin string

const (
	OriginAgent Origin = "agent"
	OriginUser  Origin = "user"
)

// CreateRequest describes a command to run.
type CreateRequest struct {
	Command         string            `json:"command"`
	Args            []string          `json:"args,omitempty"`
	Cwd             string            `json:"cwd,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	OutputByteLimit int               `json:"outputByteLimit,omitempty"`
	SessionID       string            `json:"sessionId,omitempty"`
	Origin          Origin            `json:"origin,omitempty"`
}

// Info describes a tracked terminal.
type Info struct {
	ID        string    `json:"terminalId"`
	SessionID string    `json:"sessionId,omitempty"`
	Command   string    `json:"command"`
	Args      []string  `json:"args,omitempty"`
	Cwd       string    `json:"cwd,omitempty"`
	Origin    Origin    `json:"origin"`
	Pid       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

// ExitStatus is how a command ended. A command killed by a signal has a nil
// ExitCode and a Signal name.
type ExitStatus struct {
	ExitCode *int    `json:"exitCode"`
	Signal   *string `json:"signal"`
}

// Output is a snapshot of a terminal's buffer.
type Output struct {
	Output     string      `json:"output"`
	Truncated  bool        `json:"truncated"`
	ExitStatus *ExitStatus `json:"exitStatus,omitempty"`
}

// Options bounds the runner.
type Options struct {
	OutputByteLimit int
	MaxTerminals    int
	KillGrace       time.Duration
	ReapAfter       time.Duration
}

// OptionsFromConfig converts the terminal configuration section.
func OptionsFromConfig(cfg config.TerminalConfig) Options {
	return Options{
		OutputByteLimit: cfg.OutputByteLimit,
		MaxTerminals:    cfg.MaxTerminals,
		KillGrace:       cfg.KillGraceDuration(),
		ReapAfter:       cfg.ReapAfterDuration(),
	}
}

type terminal struct {
	info   Info
	cmd    *exec.Cmd
	buffer *outputBuffer
	runner *Runner

	released atomic.Bool
	killed   atomic.Bool
	reapOnce sync.Once

	done chan struct{}
	exit ExitStatus // written once before done closes
}

// Write receives combined stdout and stderr. exec serialises calls because
// both streams share this writer.
func (t *terminal) Write(p []byte) (int, error) {
	n, _ := t.buffer.Write(p)
	if !t.released.Load() {
		t.runner.events.Publish(context.Background(), events.TerminalOutput, map[string]any{
			"terminalId": t.info.ID,
			"sessionId":  t.info.SessionID,
			"data":       string(p),
		})
	}
	return n, nil
}

func (t *terminal) exited() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Runner is the shared terminal table.
type Runner struct {
	opts   Options
	events *events.Publisher
	logger *logger.Logger

	mu        sync.RWMutex
	terminals map[string]*terminal
	closed    bool
}

// NewRunner creates a runner publishing on b. Zero options take defaults.
func NewRunner(opts Options, b bus.EventBus, log *logger.Logger) *Runner {
	if opts.OutputByteLimit <= 0 {
		opts.OutputByteLimit = DefaultOutputByteLimit
	}
	if opts.MaxTerminals <= 0 {
		opts.MaxTerminals = DefaultMaxTerminals
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if opts.ReapAfter <= 0 {
		opts.ReapAfter = DefaultReapAfter
	}
	log = log.WithFields(zap.String("component", "terminal-runner"))
	return &Runner{
		opts:      opts,
		events:    events.NewPublisher(b, events.SourceTerminal, log),
		logger:    log,
		terminals: make(map[string]*terminal),
	}
}

// Create starts a command and returns immediately.
func (r *Runner) Create(ctx context.Context, req CreateRequest) (*Info, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, errors.New("command is required")
	}
	if req.Origin == "" {
		req.Origin = OriginUser
	}
	limit := req.OutputByteLimit
	if limit <= 0 || limit > r.opts.OutputByteLimit {
		limit = r.opts.OutputByteLimit
	}

	name, args := resolveCommand(req.Command, req.Args)
	// Not CommandContext: the terminal outlives the request that created it.
	cmd := exec.Command(name, args...)
	cmd.Dir = req.Cwd
	cmd.Env = envutil.Merge(os.Environ(), req.Env)
	cmd.WaitDelay = waitDelay
	procgroup.Set(cmd)

	t := &terminal{
		info: Info{
			ID:        uuid.New().String(),
			SessionID: req.SessionID,
			Command:   req.Command,
			Args:      req.Args,
			Cwd:       req.Cwd,
			Origin:    req.Origin,
		},
		cmd:    cmd,
		buffer: newOutputBuffer(limit),
		runner: r,
		done:   make(chan struct{}),
	}
	cmd.Stdout = t
	cmd.Stderr = t

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if len(r.terminals) >= r.opts.MaxTerminals {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w (limit %d)", ErrTooManyTerminals, r.opts.MaxTerminals)
	}
	if err := cmd.Start(); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to start terminal command %q: %w", req.Command, err)
	}
	t.info.Pid = cmd.Process.Pid
	t.info.StartedAt = time.Now().UTC()
	r.terminals[t.info.ID] = t
	r.mu.Unlock()

	r.logger.Info("terminal started",
		zap.String("terminal_id", t.info.ID),
		zap.String("session_id", req.SessionID),
		zap.String("origin", string(req.Origin)),
		zap.String("command", req.Command),
		zap.Strings("args", req.Args),
		zap.Int("pid", t.info.Pid))

	go r.wait(t)

	info := t.info
	return &info, nil
}

// Output returns the buffered output and, once the command ended, its exit
// status.
func (r *Runner) Output(id string) (*Output, error) {
	t, err := r.get(id)
	if err != nil {
		return nil, err
	}
	data, truncated := t.buffer.snapshot()
	out := &Output{Output: data, Truncated: truncated}
	if t.exited() {
		status := t.exit
		out.ExitStatus = &status
	}
	return out, nil
}

// Kill terminates the command's process group, escalating to SIGKILL after
// the grace period. It does not wait for the exit. The handle stays readable
// until it is reaped after the process exits.
func (r *Runner) Kill(id string) error {
	t, err := r.get(id)
	if err != nil {
		return err
	}
	t.killed.Store(true)
	if t.exited() {
		r.scheduleReap(t)
		return nil
	}

	pid := t.info.Pid
	if err := procgroup.Terminate(pid); err != nil {
		r.logger.Debug("terminate failed, killing", zap.String("terminal_id", id), zap.Error(err))
		_ = procgroup.Kill(pid)
	}
	go func() {
		select {
		case <-t.done:
		case <-time.After(r.opts.KillGrace):
			r.logger.Warn("terminal ignored SIGTERM, killing", zap.String("terminal_id", id))
			_ = procgroup.Kill(pid)
		}
	}()
	return nil
}

// Release forgets a terminal without stopping it. Later calls with the id
// return ErrNotFound.
func (r *Runner) Release(id string) error {
	r.mu.Lock()
	t, ok := r.terminals[id]
	if ok {
		delete(r.terminals, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.released.Store(true)
	r.logger.Debug("terminal released",
		zap.String("terminal_id", id),
		zap.Bool("exited", t.exited()))
	return nil
}

// WaitForExit blocks until the command ends or ctx is done.
func (r *Runner) WaitForExit(ctx context.Context, id string) (*ExitStatus, error) {
	t, err := r.get(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-t.done:
		status := t.exit
		return &status, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// List returns tracked terminals, oldest first.
func (r *Runner) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.terminals))
	for _, t := range r.terminals {
		out = append(out, t.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Close refuses new terminals and stops every tracked command, killing the
// ones still running when ctx expires.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	running := make([]*terminal, 0, len(r.terminals))
	for _, t := range r.terminals {
		if !t.exited() {
			running = append(running, t)
		}
	}
	r.mu.Unlock()

	for _, t := range running {
		t.killed.Store(true)
		_ = procgroup.Terminate(t.info.Pid)
	}
	var errs []error
	for _, t := range running {
		select {
		case <-t.done:
		case <-ctx.Done():
			if err := procgroup.Kill(t.info.Pid); err != nil {
				errs = append(errs, fmt.Errorf("kill terminal %s: %w", t.info.ID, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) get(id string) (*terminal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.terminals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}

// wait records the exit status exactly once and broadcasts it.
func (r *Runner) wait(t *terminal) {
	err := t.cmd.Wait()

	code, signal := procgroup.ExitStatus(t.cmd.ProcessState)
	if signal != "" {
		t.exit = ExitStatus{Signal: &signal}
	} else {
		t.exit = ExitStatus{ExitCode: &code}
	}
	close(t.done)

	r.logger.Info("terminal exited",
		zap.String("terminal_id", t.info.ID),
		zap.Int("exit_code", code),
		zap.String("signal", signal),
		zap.Bool("killed", t.killed.Load()),
		zap.NamedError("wait_error", err))

	if !t.released.Load() {
		r.events.Publish(context.Background(), events.TerminalExit, map[string]any{
			"terminalId": t.info.ID,
			"sessionId":  t.info.SessionID,
			"exitCode":   t.exit.ExitCode,
			"signal":     t.exit.Signal,
		})
	}
	if t.killed.Load() {
		r.scheduleReap(t)
	}
}

// scheduleReap drops a killed, exited terminal after ReapAfter unless it
// was released in the meantime.
func (r *Runner) scheduleReap(t *terminal) {
	t.reapOnce.Do(func() {
		time.AfterFunc(r.opts.ReapAfter, func() {
			r.mu.Lock()
			if cur, ok := r.terminals[t.info.ID]; ok && cur == t {
				delete(r.terminals, t.info.ID)
			}
			r.mu.Unlock()
		})
	})
}

// resolveCommand runs a bare command line containing shell syntax through
// sh -c. Explicit args always mean direct execution.
func resolveCommand(command string, args []string) (string, []string) {
	if len(args) == 0 && strings.ContainsAny(command, " \t|&;<>()$`*?'\"\\") {
		return "sh", []string{"-c", command}
	}
	return command, args
}
