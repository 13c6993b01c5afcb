package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kandev/acpbridge/internal/common/logger"
	"go.uber.org/zap"
)

// DefaultMaxPending bounds the number of outstanding calls per client.
const DefaultMaxPending = 1024

// RequestHandler answers an inbound request. Returning a *Error sends it
// verbatim; any other error is reported as InternalError.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler consumes an inbound notification.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// Option configures a Client.
type Option func(*Client)

// WithName labels the client in logs.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithDefaultTimeout applies to calls made without WithTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

// WithMaxPending bounds the pending-request table. Zero disables the bound.
func WithMaxPending(n int) Option {
	return func(c *Client) { c.maxPending = n }
}

type callOptions struct {
	timeout time.Duration
}

// CallOption configures a single Call.
type CallOption func(*callOptions)

// WithTimeout overrides the client default for one call. A negative value
// waits without limit.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// Client correlates JSON-RPC 2.0 traffic over a byte stream pair.
//
// A reader task decodes frames onto the inbound channel. The dispatch loop
// routes responses to waiting calls and runs notification handlers in
// arrival order; inbound requests are served on their own goroutines. A
// writer task owns the output stream.
type Client struct {
	r    io.Reader
	w    io.Writer
	mode Framing
	name string

	requestID      atomic.Int64
	defaultTimeout time.Duration
	maxPending     int

	mu      sync.Mutex
	pending map[string]chan *Message

	hmu           sync.RWMutex
	handlers      map[string]RequestHandler
	notifications map[string]NotificationHandler
	fallback      NotificationHandler

	inbound  chan *Message
	outbound chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	startOnce sync.Once

	logger *logger.Logger
}

// NewClient creates a client reading frames from r and writing to w.
func NewClient(r io.Reader, w io.Writer, mode Framing, log *logger.Logger, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		r:             r,
		w:             w,
		mode:          mode,
		name:          "acp",
		maxPending:    DefaultMaxPending,
		pending:       make(map[string]chan *Message),
		handlers:      make(map[string]RequestHandler),
		notifications: make(map[string]NotificationHandler),
		inbound:       make(chan *Message, 64),
		outbound:      make(chan []byte, 64),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = log.WithFields(
		zap.String("component", "jsonrpc-client"),
		zap.String("peer", c.name),
		zap.String("framing", string(mode)),
	)
	return c
}

// Handle registers the handler for inbound requests with the given method.
func (c *Client) Handle(method string, h RequestHandler) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handlers[method] = h
}

// OnNotification registers the handler for an inbound notification method.
// An empty method registers a fallback for unhandled notifications.
func (c *Client) OnNotification(method string, h NotificationHandler) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	if method == "" {
		c.fallback = h
		return
	}
	c.notifications[method] = h
}

// Start launches the reader, dispatcher and writer tasks.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		go c.readLoop()
		go c.dispatchLoop()
		go c.writeLoop()
	})
}

// Done is closed once the client stops.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the reason the client stopped, or nil while it runs.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// Pending returns the number of calls awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close stops the client and fails every pending call with cause.
func (c *Client) Close(cause error) {
	c.closeOnce.Do(func() {
		if cause == nil {
			cause = ErrConnectionClosed
		}
		var te *TransportError
		if !errors.As(cause, &te) {
			te = &TransportError{Op: "close", Err: cause}
		}
		c.closeErr = te

		c.mu.Lock()
		pendingCount := len(c.pending)
		c.pending = make(map[string]chan *Message)
		c.mu.Unlock()

		close(c.done)
		c.cancel()
		c.logger.Debug("jsonrpc client closed",
			zap.Int("failed_pending", pendingCount),
			zap.Error(cause))
	})
}

// Call sends a request and waits for its response. When result is non-nil
// the response result is decoded into it (*json.RawMessage receives the raw bytes).
func (c *Client) Call(ctx context.Context, method string, params, result any, opts ...CallOption) error {
	co := callOptions{timeout: c.defaultTimeout}
	for _, opt := range opts {
		opt(&co)
	}

	rawParams, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	id := c.requestID.Add(1)
	key := strconv.FormatInt(id, 10)
	respCh := make(chan *Message, 1)

	c.mu.Lock()
	if err := c.Err(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.maxPending > 0 && len(c.pending) >= c.maxPending {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w (limit %d)", method, ErrTooManyPending, c.maxPending)
	}
	c.pending[key] = respCh
	c.mu.Unlock()
	defer c.forget(key)

	req := &Message{JSONRPC: Version, ID: json.RawMessage(key), Method: method, Params: rawParams}
	if err := c.send(ctx, req); err != nil {
		return err
	}

	var timeoutC <-chan time.Time
	if co.timeout > 0 {
		timer := time.NewTimer(co.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return resp.Error
		}
		return decodeResult(resp.Result, result)
	case <-timeoutC:
		c.logger.Warn("request timed out",
			zap.String("method", method),
			zap.Int64("id", id),
			zap.Duration("timeout", co.timeout))
		return fmt.Errorf("%s after %s: %w", method, co.timeout, ErrRequestTimeout)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.closeErr
	}
}

// Notify sends a notification (no response expected).
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	rawParams, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return c.send(ctx, &Message{JSONRPC: Version, Method: method, Params: rawParams})
}

func (c *Client) forget(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

func (c *Client) send(ctx context.Context, msg *Message) error {
	data, err := Encode(c.mode, msg)
	if err != nil {
		return err
	}
	select {
	case c.outbound <- data:
		return nil
	case <-c.done:
		return c.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) readLoop() {
	dec := NewDecoder(c.r, c.mode)
	for {
		raw, err := dec.Next()
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				c.logger.Warn("discarding malformed frame", zap.Error(err))
				continue
			}
			c.Close(&TransportError{Op: "read", Err: err})
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Warn("discarding non-message frame", zap.Error(err))
			continue
		}
		select {
		case c.inbound <- &msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case data := <-c.outbound:
			if _, err := c.w.Write(data); err != nil {
				c.Close(&TransportError{Op: "write", Err: err})
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) dispatchLoop() {
	for {
		select {
		case msg := <-c.inbound:
			c.dispatch(msg)
		case <-c.done:
			return
		}
	}
}

func (c *Client) dispatch(msg *Message) {
	switch {
	case msg.IsResponse():
		key := idKey(msg.ID)
		c.mu.Lock()
		ch, ok := c.pending[key]
		delete(c.pending, key)
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("response for unknown request", zap.String("id", key))
			return
		}
		ch <- msg

	case msg.IsNotification():
		c.hmu.RLock()
		h, ok := c.notifications[msg.Method]
		if !ok {
			h = c.fallback
		}
		c.hmu.RUnlock()
		if h == nil {
			c.logger.Debug("unhandled notification", zap.String("method", msg.Method))
			return
		}
		c.runNotification(msg, h)

	case msg.IsRequest():
		c.hmu.RLock()
		h := c.handlers[msg.Method]
		c.hmu.RUnlock()
		go c.serveRequest(msg, h)

	default:
		if msg.Error != nil {
			c.logger.Warn("peer reported error without id", zap.Int("code", msg.Error.Code), zap.String("message", msg.Error.Message))
			return
		}
		c.logger.Warn("discarding message without method or id")
	}
}

func (c *Client) runNotification(msg *Message, h NotificationHandler) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("notification handler panicked",
				zap.String("method", msg.Method),
				zap.Any("panic", r))
		}
	}()
	h(c.ctx, msg.Params)
}

func (c *Client) serveRequest(msg *Message, h RequestHandler) {
	resp := &Message{JSONRPC: Version, ID: msg.ID}
	if h == nil {
		c.logger.Debug("no handler for request", zap.String("method", msg.Method))
		resp.Error = NewError(MethodNotFound, "method not found: "+msg.Method, nil)
	} else {
		result, err := c.invoke(msg, h)
		if err != nil {
			if rpcErr, ok := AsProtocolError(err); ok {
				resp.Error = rpcErr
			} else {
				resp.Error = NewError(InternalError, err.Error(), nil)
			}
		} else if raw, mErr := json.Marshal(result); mErr != nil {
			resp.Error = NewError(InternalError, "marshal result: "+mErr.Error(), nil)
		} else {
			resp.Result = raw
		}
	}
	if err := c.send(context.Background(), resp); err != nil {
		c.logger.Debug("failed to send response",
			zap.String("method", msg.Method),
			zap.Error(err))
	}
}

func (c *Client) invoke(msg *Message, h RequestHandler) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("request handler panicked",
				zap.String("method", msg.Method),
				zap.Any("panic", r))
			err = NewError(InternalError, fmt.Sprintf("handler panic: %v", r), nil)
		}
	}()
	return h(c.ctx, msg.Params)
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		return raw, nil
	}
}

func decodeResult(raw json.RawMessage, result any) error {
	if result == nil || len(raw) == 0 {
		return nil
	}
	if dst, ok := result.(*json.RawMessage); ok {
		*dst = append((*dst)[:0], raw...)
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	return nil
}

// idKey normalises numeric and string ids to one lookup key.
func idKey(id json.RawMessage) string {
	s := strings.TrimSpace(string(id))
	if strings.HasPrefix(s, `"`) {
		if unquoted, err := strconv.Unquote(s); err == nil {
			return unquoted
		}
	}
	return s
}
