package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/acpbridge/internal/agent/mockagent"
	"github.com/kandev/acpbridge/internal/bridge"
	"github.com/kandev/acpbridge/internal/common/config"
	"github.com/kandev/acpbridge/internal/common/logger"
	"github.com/kandev/acpbridge/internal/events/bus"
	ws "github.com/kandev/acpbridge/pkg/websocket"
)

func TestMain(m *testing.M) {
	if mockagent.ServeFromEnv() {
		os.Exit(0)
	}
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "json",
		OutputPath: "stderr",
	})
	require.NoError(t, err)
	return log
}

type testServer struct {
	url     string
	gateway *Gateway
	runtime *bridge.Runtime
}

// newTestServer runs the gateway with this test binary as the agent.
func newTestServer(t *testing.T, agentEnv map[string]string, timing Timing) *testServer {
	log := newTestLogger(t)
	env := map[string]string{mockagent.EnvEnable: "1"}
	for k, v := range agentEnv {
		env[k] = v
	}
	cfg := &config.Config{
		Agent: config.AgentConfig{
			Command:        os.Args[0],
			Args:           []string{"-test.run=^$"},
			Cwd:            t.TempDir(),
			Env:            env,
			RequestTimeout: 5,
			InitTimeout:    5,
			StopTimeout:    2,
			MaxPending:     16,
		},
	}

	b := bus.NewMemoryEventBus(log)
	rt, err := bridge.New(cfg, b, nil, log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	gw, err := NewGateway(ctx, rt, timing, log)
	require.NoError(t, err)

	router := gin.New()
	gw.SetupRoutes(router)
	srv := httptest.NewServer(router)

	t.Cleanup(func() {
		srv.Close()
		cancel()
		closeCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = rt.Close(closeCtx)
		b.Close()
	})
	return &testServer{
		url:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		gateway: gw,
		runtime: rt,
	}
}

type testConn struct {
	t    *testing.T
	conn *gorillaws.Conn
	id   string
}

func (s *testServer) dial(t *testing.T) *testConn {
	conn, _, err := gorillaws.DefaultDialer.Dial(s.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &testConn{t: t, conn: conn}
	hello := c.read()
	require.Equal(t, "connection_established", hello["type"])
	assert.Equal(t, true, hello["supportsAcpRequests"])
	assert.NotEmpty(t, hello["timestamp"])
	c.id, _ = hello["connectionId"].(string)
	require.NotEmpty(t, c.id)
	return c
}

func (c *testConn) read() map[string]any {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	var msg map[string]any
	require.NoError(c.t, json.Unmarshal(data, &msg))
	return msg
}

// until reads frames until one matches, returning it.
func (c *testConn) until(match func(map[string]any) bool) map[string]any {
	c.t.Helper()
	for {
		msg := c.read()
		if match(msg) {
			return msg
		}
	}
}

func (c *testConn) event(eventType string) map[string]any {
	c.t.Helper()
	return c.until(isType(eventType))
}

// collect reads frames until every matcher has matched once.
func (c *testConn) collect(matchers map[string]func(map[string]any) bool) map[string]map[string]any {
	c.t.Helper()
	found := make(map[string]map[string]any, len(matchers))
	for len(found) < len(matchers) {
		msg := c.read()
		for name, match := range matchers {
			if _, done := found[name]; !done && match(msg) {
				found[name] = msg
			}
		}
	}
	return found
}

func isType(eventType string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == eventType }
}

func isResponse(id any) func(map[string]any) bool {
	want, _ := json.Marshal(id)
	return func(m map[string]any) bool {
		got, _ := json.Marshal(m["id"])
		return m["type"] == "acp_response" && string(got) == string(want)
	}
}

func (c *testConn) send(id any, op ws.Op, payload any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(map[string]any{
		"type":    "acp",
		"id":      id,
		"op":      op,
		"payload": payload,
	}))
}

func (c *testConn) response(id any) map[string]any {
	c.t.Helper()
	return c.until(isResponse(id))
}

func (c *testConn) call(id any, op ws.Op, payload any) map[string]any {
	c.t.Helper()
	c.send(id, op, payload)
	return c.response(id)
}

func errorCode(t *testing.T, resp map[string]any) string {
	t.Helper()
	require.Equal(t, false, resp["ok"])
	e, ok := resp["error"].(map[string]any)
	require.True(t, ok, "response has no error object: %v", resp)
	code, _ := e["code"].(string)
	return code
}

func TestGateway_ConnectAndPromptBroadcast(t *testing.T) {
	s := newTestServer(t, nil, Timing{})
	a := s.dial(t)
	b := s.dial(t)
	assert.NotEqual(t, a.id, b.id)

	resp := a.call(1, ws.OpConnect, map[string]any{})
	require.Equal(t, true, resp["ok"], "%v", resp)
	result := resp["result"].(map[string]any)
	assert.Contains(t, result, "init")
	assert.Equal(t, false, result["reused"])

	initialized := b.event("agent_initialized")
	assert.Equal(t, false, initialized["reused"])

	again := a.call(2, ws.OpConnect, nil)
	assert.Equal(t, true, again["result"].(map[string]any)["reused"])

	resp = a.call("p1", ws.OpPrompt, map[string]any{"sessionId": "stale-id", "text": "hello"})
	require.Equal(t, true, resp["ok"], "%v", resp)
	promptResult := resp["result"].(map[string]any)
	assert.Equal(t, "end_turn", promptResult["stopReason"])
	assert.NotEqual(t, "stale-id", promptResult["sessionId"])

	update := b.event("session_update")
	assert.Equal(t, promptResult["sessionId"], update["sessionId"])
	chunk := update["update"].(map[string]any)
	assert.Equal(t, "agent_message_chunk", chunk["sessionUpdate"])

	state := b.call(3, ws.OpSessionState, nil)
	stateResult := state["result"].(map[string]any)
	assert.Equal(t, "active", stateResult["status"])
	assert.Equal(t, "initialized", stateResult["agentStatus"])
	assert.Equal(t, promptResult["sessionId"], stateResult["sessionId"])
}

func TestGateway_PermissionRoundTrip(t *testing.T) {
	s := newTestServer(t, nil, Timing{})
	ui := s.dial(t)
	other := s.dial(t)

	require.Equal(t, true, ui.call(1, ws.OpConnect, nil)["ok"])
	ui.send(2, ws.OpPrompt, map[string]any{"text": "please ask permission"})

	req := other.event("permission_request")
	requestID, _ := req["requestId"].(string)
	require.NotEmpty(t, requestID)

	answer := other.call(10, ws.OpPermission, map[string]any{"requestId": requestID, "optionId": "allow"})
	require.Equal(t, true, answer["ok"], "%v", answer)

	again := other.call(11, ws.OpPermission, map[string]any{"requestId": requestID, "optionId": "allow"})
	assert.Equal(t, ws.ErrorCodeAlreadyResolved, errorCode(t, again))

	got := ui.collect(map[string]func(map[string]any) bool{
		"response": isResponse(2),
		"update":   isType("session_update"),
	})
	resp := got["response"]
	require.Equal(t, true, resp["ok"], "%v", resp)

	update := got["update"]
	text := update["update"].(map[string]any)["content"].(map[string]any)["text"]
	assert.Contains(t, text, "[permission:allow]")
}

func TestGateway_SessionRecoveredBroadcast(t *testing.T) {
	s := newTestServer(t, map[string]string{mockagent.EnvForgetSessions: "1"}, Timing{})
	c := s.dial(t)

	require.Equal(t, true, c.call(1, ws.OpConnect, nil)["ok"])
	created := c.call(2, ws.OpSessionNew, nil)
	oldID := created["result"].(map[string]any)["sessionId"]

	c.send(3, ws.OpPrompt, map[string]any{"text": "hi"})
	got := c.collect(map[string]func(map[string]any) bool{
		"recovered": isType("session_recovered"),
		"response":  isResponse(3),
	})
	recovered := got["recovered"]
	assert.Equal(t, oldID, recovered["oldSessionId"])
	assert.NotEqual(t, oldID, recovered["newSessionId"])

	resp := got["response"]
	require.Equal(t, true, resp["ok"], "%v", resp)
	assert.Equal(t, true, resp["result"].(map[string]any)["recovered"])
	assert.Equal(t, recovered["newSessionId"], resp["result"].(map[string]any)["sessionId"])
}

func TestGateway_AgentTerminalAndUserTerminal(t *testing.T) {
	s := newTestServer(t, nil, Timing{})
	c := s.dial(t)

	require.Equal(t, true, c.call(1, ws.OpConnect, nil)["ok"])
	resp := c.call(2, ws.OpPrompt, map[string]any{"text": "use the terminal"})
	require.Equal(t, true, resp["ok"], "%v", resp)

	created := c.call(3, ws.OpTerminalCreate, map[string]any{"command": "echo", "args": []string{"from-ui"}})
	require.Equal(t, true, created["ok"], "%v", created)
	info := created["result"].(map[string]any)
	assert.Equal(t, "user", info["origin"])
	id := info["terminalId"]

	exit := c.call(4, ws.OpTerminalWaitForExit, map[string]any{"terminalId": id})
	require.Equal(t, true, exit["ok"], "%v", exit)
	assert.EqualValues(t, 0, exit["result"].(map[string]any)["exitCode"])

	out := c.call(5, ws.OpTerminalOutput, map[string]any{"terminalId": id})
	assert.Equal(t, "from-ui\n", out["result"].(map[string]any)["output"])

	require.Equal(t, true, c.call(6, ws.OpTerminalRelease, map[string]any{"terminalId": id})["ok"])
	missing := c.call(7, ws.OpTerminalKill, map[string]any{"terminalId": id})
	assert.Equal(t, ws.ErrorCodeNotFound, errorCode(t, missing))
}

func TestGateway_Errors(t *testing.T) {
	s := newTestServer(t, nil, Timing{})
	c := s.dial(t)

	resp := c.call(1, ws.OpPrompt, map[string]any{"text": "hi"})
	assert.Equal(t, ws.ErrorCodeNotConnected, errorCode(t, resp))

	resp = c.call(2, ws.Op("session.delete"), nil)
	assert.Equal(t, ws.ErrorCodeUnknownOp, errorCode(t, resp))

	resp = c.call(3, ws.OpSessionSetMode, map[string]any{})
	assert.Equal(t, ws.ErrorCodeValidation, errorCode(t, resp))

	resp = c.call(4, ws.OpPermission, map[string]any{"requestId": "nope", "optionId": "allow"})
	assert.Equal(t, ws.ErrorCodeNotFound, errorCode(t, resp))

	require.NoError(t, c.conn.WriteMessage(gorillaws.TextMessage, []byte("not json")))
	bad := c.until(isResponse(nil))
	assert.Equal(t, ws.ErrorCodeBadRequest, errorCode(t, bad))

	require.NoError(t, c.conn.WriteJSON(map[string]any{"type": "subscribe", "id": 9}))
	assert.Equal(t, ws.ErrorCodeBadRequest, errorCode(t, c.response(9)))

	// The connection survives all of the above.
	resp = c.call(5, ws.OpCancel, nil)
	assert.Equal(t, true, resp["ok"])
}

func TestGateway_ApplicationPing(t *testing.T) {
	s := newTestServer(t, nil, Timing{})
	c := s.dial(t)

	require.NoError(t, c.conn.WriteJSON(map[string]any{"type": "ping"}))
	pong := c.until(func(m map[string]any) bool { return m["type"] == "pong" })
	assert.Equal(t, "pong", pong["type"])
}

func TestGateway_ApplicationMessagesCountAsLiveness(t *testing.T) {
	timing := Timing{PongWait: 300 * time.Millisecond, PingPeriod: time.Hour}
	s := newTestServer(t, nil, timing)

	// The dialer never answers protocol pings here because the ping
	// period is an hour; only application messages keep the link up.
	c := s.dial(t)
	for i := 0; i < 6; i++ {
		time.Sleep(100 * time.Millisecond)
		require.NoError(t, c.conn.WriteJSON(map[string]any{"type": "ping"}))
		c.until(func(m map[string]any) bool { return m["type"] == "pong" })
	}

	silent := s.dial(t)
	require.NoError(t, silent.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := silent.conn.ReadMessage()
	assert.Error(t, err, "silent connection should be dropped")
}

func TestGateway_Health(t *testing.T) {
	s := newTestServer(t, nil, Timing{})
	s.dial(t)

	httpURL := "http" + strings.TrimSuffix(strings.TrimPrefix(s.url, "ws"), "/ws") + "/health"
	health := func() map[string]any {
		resp, err := http.Get(httpURL)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return body
	}

	body := health()
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "disconnected", body["agent"].(map[string]any)["status"])
	assert.Eventually(t, func() bool {
		return health()["connections"] == float64(1)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNewDispatcher_CoversCatalogue(t *testing.T) {
	d, err := NewDispatcher(&bridge.Runtime{})
	require.NoError(t, err)
	assert.Empty(t, d.Missing())
	for _, op := range ws.Ops {
		assert.True(t, d.HasHandler(op), op)
	}
}

func TestGateway_BroadcastReachesAllConnectionsNotLateJoiners(t *testing.T) {
	s := newTestServer(t, nil, Timing{})
	conns := []*testConn{s.dial(t), s.dial(t), s.dial(t)}

	resp := conns[0].call(1, ws.OpConnect, nil)
	require.Equal(t, true, resp["ok"], "%v", resp)
	for _, c := range conns {
		initialized := c.event("agent_initialized")
		assert.Equal(t, false, initialized["reused"])
	}

	late := s.dial(t)
	require.NoError(t, late.conn.SetReadDeadline(time.Now().Add(500*time.Millisecond)))
	_, data, err := late.conn.ReadMessage()
	require.Error(t, err, "late connection received %s", data)
	var netErr net.Error
	assert.True(t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected read error: %v", err)
}

func TestGateway_ConcurrentSessionNewSharesSession(t *testing.T) {
	s := newTestServer(t, nil, Timing{})
	a := s.dial(t)
	b := s.dial(t)
	require.Equal(t, true, a.call(1, ws.OpConnect, nil)["ok"])

	a.send(2, ws.OpSessionNew, nil)
	b.send(2, ws.OpSessionNew, nil)
	respA := a.response(2)
	respB := b.response(2)
	require.Equal(t, true, respA["ok"], "%v", respA)
	require.Equal(t, true, respB["ok"], "%v", respB)

	idA := respA["result"].(map[string]any)["sessionId"]
	idB := respB["result"].(map[string]any)["sessionId"]
	assert.NotEmpty(t, idA)
	assert.Equal(t, idA, idB)

	state := b.call(3, ws.OpSessionState, nil)
	assert.Equal(t, idA, state["result"].(map[string]any)["sessionId"])
}
