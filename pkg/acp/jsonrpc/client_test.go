package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/acpbridge/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

// newPair connects two unstarted clients back to back.
func newPair(t *testing.T, mode Framing, opts ...Option) (*Client, *Client) {
	t.Helper()
	aR, bW := io.Pipe()
	bR, aW := io.Pipe()
	log := newTestLogger(t)
	a := NewClient(aR, aW, mode, log, append(opts, WithName("a"))...)
	b := NewClient(bR, bW, mode, log, WithName("b"))
	t.Cleanup(func() {
		a.Close(nil)
		b.Close(nil)
		_ = aR.Close()
		_ = bR.Close()
		_ = aW.Close()
		_ = bW.Close()
	})
	return a, b
}

func TestCallRoundTripBothFramings(t *testing.T) {
	for _, mode := range []Framing{FramingNewline, FramingContentLength} {
		t.Run(string(mode), func(t *testing.T) {
			a, b := newPair(t, mode)
			b.Handle("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
				var p map[string]string
				require.NoError(t, json.Unmarshal(params, &p))
				return map[string]string{"echo": p["text"]}, nil
			})
			a.Start()
			b.Start()

			var out map[string]string
			require.NoError(t, a.Call(context.Background(), "echo", map[string]string{"text": "hi"}, &out))
			assert.Equal(t, "hi", out["echo"])

			var raw json.RawMessage
			require.NoError(t, a.Call(context.Background(), "echo", map[string]string{"text": "raw"}, &raw))
			assert.JSONEq(t, `{"echo":"raw"}`, string(raw))
		})
	}
}

func TestCallIDsIncreaseAndOutOfOrderResponsesCorrelate(t *testing.T) {
	clientR, peerW := io.Pipe()
	peerR, clientW := io.Pipe()
	c := NewClient(clientR, clientW, FramingContentLength, newTestLogger(t))
	c.Start()
	defer c.Close(nil)

	type result struct {
		name string
		v    string
		err  error
	}
	results := make(chan result, 2)
	call := func(method string) {
		var r struct {
			V string `json:"v"`
		}
		err := c.Call(context.Background(), method, nil, &r)
		results <- result{method, r.V, err}
	}

	dec := NewDecoder(peerR, FramingContentLength)
	readMsg := func() Message {
		raw, err := dec.Next()
		require.NoError(t, err)
		var m Message
		require.NoError(t, json.Unmarshal(raw, &m))
		return m
	}

	go call("first")
	m1 := readMsg()
	go call("second")
	m2 := readMsg()

	assert.Equal(t, "1", string(m1.ID))
	assert.Equal(t, "2", string(m2.ID))
	assert.Equal(t, "first", m1.Method)
	assert.Equal(t, "second", m2.Method)

	for _, m := range []Message{m2, m1} {
		frame, err := Encode(FramingContentLength, &Message{
			JSONRPC: Version,
			ID:      m.ID,
			Result:  json.RawMessage(`{"v":"` + m.Method + `"}`),
		})
		require.NoError(t, err)
		_, err = peerW.Write(frame)
		require.NoError(t, err)
	}

	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			require.NoError(t, r.err)
			assert.Equal(t, r.name, r.v)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for responses")
		}
	}
}

func TestCallTimeoutRemovesPending(t *testing.T) {
	a, b := newPair(t, FramingNewline)
	release := make(chan struct{})
	defer close(release)
	b.Handle("slow", func(ctx context.Context, params json.RawMessage) (any, error) {
		<-release
		return nil, nil
	})
	a.Start()
	b.Start()

	err := a.Call(context.Background(), "slow", nil, nil, WithTimeout(50*time.Millisecond))
	require.ErrorIs(t, err, ErrRequestTimeout)
	assert.Equal(t, 0, a.Pending())
}

func TestCallReturnsProtocolErrors(t *testing.T) {
	a, b := newPair(t, FramingNewline)
	b.Handle("prompt", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, NewError(ResourceNotFound, "Session not found", nil)
	})
	b.Handle("boom", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, errors.New("disk on fire")
	})
	a.Start()
	b.Start()

	err := a.Call(context.Background(), "prompt", nil, nil)
	rpcErr, ok := AsProtocolError(err)
	require.True(t, ok)
	assert.Equal(t, ResourceNotFound, rpcErr.Code)

	err = a.Call(context.Background(), "boom", nil, nil)
	rpcErr, ok = AsProtocolError(err)
	require.True(t, ok)
	assert.Equal(t, InternalError, rpcErr.Code)
	assert.Contains(t, rpcErr.Message, "disk on fire")

	err = a.Call(context.Background(), "missing", nil, nil)
	rpcErr, ok = AsProtocolError(err)
	require.True(t, ok)
	assert.Equal(t, MethodNotFound, rpcErr.Code)
}

func TestNotificationsArriveInOrder(t *testing.T) {
	a, b := newPair(t, FramingContentLength)
	const n = 100
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	b.OnNotification("session/update", func(ctx context.Context, params json.RawMessage) {
		var p struct{ Seq int }
		_ = json.Unmarshal(params, &p)
		mu.Lock()
		got = append(got, p.Seq)
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
	})
	a.Start()
	b.Start()

	for i := 0; i < n; i++ {
		require.NoError(t, a.Notify(context.Background(), "session/update", map[string]int{"Seq": i}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for notifications")
	}
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestMaxPendingRejectsNewCalls(t *testing.T) {
	a, b := newPair(t, FramingNewline, WithMaxPending(1))
	release := make(chan struct{})
	entered := make(chan struct{})
	b.Handle("hold", func(ctx context.Context, params json.RawMessage) (any, error) {
		close(entered)
		<-release
		return map[string]bool{"ok": true}, nil
	})
	a.Start()
	b.Start()

	firstErr := make(chan error, 1)
	go func() { firstErr <- a.Call(context.Background(), "hold", nil, nil) }()
	<-entered

	err := a.Call(context.Background(), "hold", nil, nil)
	assert.ErrorIs(t, err, ErrTooManyPending)

	close(release)
	require.NoError(t, <-firstErr)
}

func TestPeerEOFFailsPendingCalls(t *testing.T) {
	clientR, peerW := io.Pipe()
	peerR, clientW := io.Pipe()
	c := NewClient(clientR, clientW, FramingNewline, newTestLogger(t))
	c.Start()
	go func() { _, _ = io.Copy(io.Discard, peerR) }()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Call(context.Background(), "never", nil, nil) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, peerW.Close())

	select {
	case err := <-errCh:
		assert.True(t, IsTransportError(err), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not failed on EOF")
	}
	<-c.Done()
	assert.Error(t, c.Err())

	err := c.Call(context.Background(), "after-close", nil, nil)
	assert.True(t, IsTransportError(err))
}
