// Package process runs the agent child process and exposes its stdio as
// streams plus an exit channel.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/acpbridge/internal/common/constants"
	"github.com/kandev/acpbridge/internal/common/logger"
	"github.com/kandev/acpbridge/internal/common/procgroup"
)

const defaultStderrBufferSize = 50

// Spec describes the command to run.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// Option configures a Process.
type Option func(*Process)

// WithStderrHandler is called for every stderr line after ANSI stripping.
func WithStderrHandler(fn func(line string)) Option {
	return func(p *Process) { p.onStderr = fn }
}

// Process is a running agent.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File

	onStderr func(string)
	logger   *logger.Logger

	stderrMu     sync.RWMutex
	stderrBuffer []string

	done      chan struct{}
	exitCode  atomic.Int32
	exitErr   error
	stdinOnce sync.Once
	closeOnce sync.Once
}

// Start launches the process. The returned process is not tied to any
// request context; it runs until it exits or Stop is called.
func Start(spec Spec, log *logger.Logger, opts ...Option) (*Process, error) {
	if spec.Command == "" {
		return nil, errors.New("no agent command configured")
	}

	p := &Process{
		logger: log.WithFields(zap.String("component", "agent-process")),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.exitCode.Store(-1)

	// exec.CommandContext would kill the agent when the connecting request
	// finishes, so the process lifetime is managed explicitly.
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	procgroup.Set(cmd)

	// os.Pipe rather than StdoutPipe: cmd.Wait must not close the read ends
	// while the correlator is still draining them.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		closeAll(stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}
	closeAll(stdoutW, stderrW)

	p.cmd = cmd
	p.stdin = stdin
	p.stdout = stdoutR

	p.logger.Info("agent process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("command", spec.Command),
		zap.Strings("args", spec.Args),
		zap.String("workdir", spec.Dir),
		zap.Int("env_count", len(spec.Env)))

	go p.readStderr(stderrR)
	go p.waitForExit()

	return p, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// Stdin is the agent's standard input.
func (p *Process) Stdin() io.Writer { return p.stdin }

// Stdout is the agent's standard output.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Pid returns the process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode returns the exit code, or -1 while running.
func (p *Process) ExitCode() int { return int(p.exitCode.Load()) }

// ExitErr returns the error from Wait once the process has exited.
func (p *Process) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// Close releases the stdout read end. Call it after the reader is finished.
func (p *Process) Close() {
	p.closeOnce.Do(func() { _ = p.stdout.Close() })
}

// Stop closes stdin, then escalates to SIGTERM and, once ctx expires,
// SIGKILL on the whole process group.
func (p *Process) Stop(ctx context.Context) error {
	p.stdinOnce.Do(func() {
		if err := p.stdin.Close(); err != nil {
			p.logger.Debug("failed to close stdin", zap.Error(err))
		}
	})

	select {
	case <-p.done:
		return nil
	case <-time.After(constants.ProcessStopGrace):
	}

	pid := p.Pid()
	p.logger.Debug("terminating agent process group", zap.Int("pgid", pid))
	if err := procgroup.Terminate(pid); err != nil {
		p.logger.Debug("failed to terminate process group", zap.Error(err))
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
	}

	p.logger.Warn("force killing agent process", zap.Int("pgid", pid))
	if err := procgroup.Kill(pid); err != nil {
		p.logger.Debug("failed to kill process group, trying single process", zap.Error(err))
		if err := p.cmd.Process.Kill(); err != nil {
			p.logger.Warn("failed to kill agent process", zap.Error(err))
		}
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(2 * time.Second):
		return fmt.Errorf("agent process %d did not exit after SIGKILL", pid)
	}
}

func (p *Process) readStderr(r *os.File) {
	defer func() { _ = r.Close() }()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := stripANSI(scanner.Text())
		p.logger.Debug("agent stderr", zap.String("line", line))
		p.appendStderr(line)
		if p.onStderr != nil {
			p.onStderr(line)
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Debug("stderr reader error", zap.Error(err))
	}
}

// ansiEscapeRegex matches ANSI escape sequences
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

func (p *Process) appendStderr(line string) {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()

	if len(p.stderrBuffer) >= defaultStderrBufferSize {
		p.stderrBuffer = p.stderrBuffer[1:]
	}
	p.stderrBuffer = append(p.stderrBuffer, line)
}

// RecentStderr returns a copy of the last stderr lines.
func (p *Process) RecentStderr() []string {
	p.stderrMu.RLock()
	defer p.stderrMu.RUnlock()

	result := make([]string, len(p.stderrBuffer))
	copy(result, p.stderrBuffer)
	return result
}

func (p *Process) waitForExit() {
	err := p.cmd.Wait()
	code, signal := procgroup.ExitStatus(p.cmd.ProcessState)
	p.exitCode.Store(int32(code))
	p.exitErr = err

	if err != nil {
		p.logger.Info("agent process exited",
			zap.Int("exit_code", code),
			zap.String("signal", signal),
			zap.Error(err))
	} else {
		p.logger.Info("agent process exited successfully")
	}
	close(p.done)
}
