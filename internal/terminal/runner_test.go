//go:build !windows

package terminal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

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

func newTestRunner(t *testing.T, opts Options) (*Runner, *bus.MemoryEventBus) {
	log := newTestLogger(t)
	b := bus.NewMemoryEventBus(log)
	r := NewRunner(opts, b, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Close(ctx)
		b.Close()
	})
	return r, b
}

func waitExit(t *testing.T, r *Runner, id string) *ExitStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := r.WaitForExit(ctx, id)
	require.NoError(t, err)
	return status
}

func TestRunner_CombinedOutputAndExitCode(t *testing.T) {
	r, _ := newTestRunner(t, Options{})
	info, err := r.Create(context.Background(), CreateRequest{
		Command: "sh",
		Args:    []string{"-c", "echo out; echo err 1>&2; exit 3"},
	})
	require.NoError(t, err)
	assert.Equal(t, OriginUser, info.Origin)
	assert.NotZero(t, info.Pid)

	status := waitExit(t, r, info.ID)
	require.NotNil(t, status.ExitCode)
	assert.Equal(t, 3, *status.ExitCode)
	assert.Nil(t, status.Signal)

	out, err := r.Output(info.ID)
	require.NoError(t, err)
	assert.Contains(t, out.Output, "out\n")
	assert.Contains(t, out.Output, "err\n")
	assert.False(t, out.Truncated)
	require.NotNil(t, out.ExitStatus)
	assert.Equal(t, 3, *out.ExitStatus.ExitCode)
}

func TestRunner_ShellCommandLine(t *testing.T) {
	r, _ := newTestRunner(t, Options{})
	info, err := r.Create(context.Background(), CreateRequest{Command: "echo one && echo two"})
	require.NoError(t, err)
	waitExit(t, r, info.ID)

	out, err := r.Output(info.ID)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", out.Output)
}

func TestRunner_StdinIsClosed(t *testing.T) {
	r, _ := newTestRunner(t, Options{})
	info, err := r.Create(context.Background(), CreateRequest{Command: "cat"})
	require.NoError(t, err)

	status := waitExit(t, r, info.ID)
	require.NotNil(t, status.ExitCode)
	assert.Equal(t, 0, *status.ExitCode)
}

func TestRunner_OutputIsBounded(t *testing.T) {
	r, _ := newTestRunner(t, Options{OutputByteLimit: 64})
	info, err := r.Create(context.Background(), CreateRequest{
		Command: "sh",
		Args:    []string{"-c", "i=0; while [ $i -lt 100 ]; do echo line$i; i=$((i+1)); done"},
	})
	require.NoError(t, err)
	waitExit(t, r, info.ID)

	out, err := r.Output(info.ID)
	require.NoError(t, err)
	assert.True(t, out.Truncated)
	assert.LessOrEqual(t, len(out.Output), 64)
	assert.True(t, strings.HasSuffix(out.Output, "line99\n"))
}

func TestRunner_KillReportsSignalAndReaps(t *testing.T) {
	r, _ := newTestRunner(t, Options{ReapAfter: 100 * time.Millisecond})
	info, err := r.Create(context.Background(), CreateRequest{Command: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	require.NoError(t, r.Kill(info.ID))
	status := waitExit(t, r, info.ID)
	assert.Nil(t, status.ExitCode)
	require.NotNil(t, status.Signal)

	// Still readable right after the exit.
	_, err = r.Output(info.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := r.Output(info.ID)
		return errors.Is(err, ErrNotFound)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRunner_KillEscalates(t *testing.T) {
	r, _ := newTestRunner(t, Options{KillGrace: 100 * time.Millisecond})
	info, err := r.Create(context.Background(), CreateRequest{
		Command: "sh",
		Args:    []string{"-c", "trap '' TERM; echo ready; while true; do sleep 0.05; done"},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		out, err := r.Output(info.ID)
		return err == nil && strings.Contains(out.Output, "ready")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Kill(info.ID))
	status := waitExit(t, r, info.ID)
	require.NotNil(t, status.Signal)
	assert.Equal(t, "killed", *status.Signal)
}

func TestRunner_ReleaseForgetsWithoutKilling(t *testing.T) {
	r, _ := newTestRunner(t, Options{})
	info, err := r.Create(context.Background(), CreateRequest{Command: "sleep", Args: []string{"0.3"}})
	require.NoError(t, err)
	tracked, err := r.get(info.ID)
	require.NoError(t, err)

	require.NoError(t, r.Release(info.ID))
	_, err = r.Output(info.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Kill(info.ID), ErrNotFound)
	assert.ErrorIs(t, r.Release(info.ID), ErrNotFound)

	select {
	case <-tracked.done:
	case <-time.After(5 * time.Second):
		t.Fatal("released command did not run to completion")
	}
	require.NotNil(t, tracked.exit.ExitCode)
	assert.Equal(t, 0, *tracked.exit.ExitCode)
}

func TestRunner_MaxTerminals(t *testing.T) {
	r, _ := newTestRunner(t, Options{MaxTerminals: 1})
	_, err := r.Create(context.Background(), CreateRequest{Command: "sleep", Args: []string{"5"}})
	require.NoError(t, err)

	_, err = r.Create(context.Background(), CreateRequest{Command: "true"})
	assert.ErrorIs(t, err, ErrTooManyTerminals)
}

func TestRunner_UnknownCommand(t *testing.T) {
	r, _ := newTestRunner(t, Options{})
	_, err := r.Create(context.Background(), CreateRequest{Command: "/definitely/not/here"})
	require.Error(t, err)
	assert.Empty(t, r.List())

	_, err = r.Create(context.Background(), CreateRequest{Command: "  "})
	require.Error(t, err)
}

func TestRunner_PublishesOutputAndExit(t *testing.T) {
	r, b := newTestRunner(t, Options{})

	var mu sync.Mutex
	var data strings.Builder
	exited := make(chan map[string]any, 1)
	_, err := b.Subscribe(events.Subject(events.TerminalOutput), func(ctx context.Context, e *bus.Event) error {
		mu.Lock()
		data.WriteString(e.Data["data"].(string))
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe(events.Subject(events.TerminalExit), func(ctx context.Context, e *bus.Event) error {
		exited <- e.Data
		return nil
	})
	require.NoError(t, err)

	info, err := r.Create(context.Background(), CreateRequest{
		Command:   "echo",
		Args:      []string{"streamed"},
		SessionID: "sess-1",
		Origin:    OriginAgent,
	})
	require.NoError(t, err)

	select {
	case e := <-exited:
		assert.Equal(t, info.ID, e["terminalId"])
		assert.Equal(t, "sess-1", e["sessionId"])
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal_exit event")
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return data.String() == "streamed\n"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRunner_CloseStopsEverything(t *testing.T) {
	r, _ := newTestRunner(t, Options{})
	info, err := r.Create(context.Background(), CreateRequest{Command: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))

	status := waitExit(t, r, info.ID)
	assert.NotNil(t, status.Signal)

	_, err = r.Create(context.Background(), CreateRequest{Command: "true"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestResolveCommand(t *testing.T) {
	name, args := resolveCommand("ls", nil)
	assert.Equal(t, "ls", name)
	assert.Empty(t, args)

	name, args = resolveCommand("ls -la | wc -l", nil)
	assert.Equal(t, "sh", name)
	assert.Equal(t, []string{"-c", "ls -la | wc -l"}, args)

	name, args = resolveCommand("git", []string{"log", "--oneline"})
	assert.Equal(t, "git", name)
	assert.Equal(t, []string{"log", "--oneline"}, args)
}
