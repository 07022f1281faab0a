package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gluk-w/sshdeck/internal/config"
	"github.com/gluk-w/sshdeck/internal/crypto"
	"github.com/gluk-w/sshdeck/internal/database"
	"github.com/gluk-w/sshdeck/internal/endpoint"
	"github.com/gluk-w/sshdeck/internal/session"
	"github.com/gluk-w/sshdeck/internal/sshaudit"
	"github.com/gluk-w/sshdeck/internal/throttle"
	"github.com/gluk-w/sshdeck/internal/transport/sshtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsClient struct {
	t         *testing.T
	conn      *websocket.Conn
	ctx       context.Context
	surfaceID string
	output    map[string]string
}

func dialTerminal(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	c := &wsClient{t: t, conn: conn, ctx: ctx, output: make(map[string]string)}
	ready := c.next()
	require.Equal(t, "ready", ready.Type)
	require.NotEmpty(t, ready.SurfaceID)
	c.surfaceID = ready.SurfaceID
	return c
}

func (c *wsClient) send(msg clientMessage) {
	c.t.Helper()
	require.NoError(c.t, wsjson.Write(c.ctx, c.conn, msg))
}

func (c *wsClient) next() serverMessage {
	c.t.Helper()
	var msg serverMessage
	require.NoError(c.t, wsjson.Read(c.ctx, c.conn, &msg))
	if msg.Type == "data" {
		c.output[msg.SessionID] += string(msg.Data)
	}
	return msg
}

// until reads messages until one satisfies match and returns it.
func (c *wsClient) until(match func(serverMessage) bool) serverMessage {
	c.t.Helper()
	for {
		msg := c.next()
		if match(msg) {
			return msg
		}
	}
}

func (c *wsClient) waitType(sessionID, typ string) serverMessage {
	c.t.Helper()
	return c.until(func(m serverMessage) bool { return m.SessionID == sessionID && m.Type == typ })
}

func (c *wsClient) waitOutput(sessionID, target string) {
	c.t.Helper()
	if strings.Contains(c.output[sessionID], target) {
		return
	}
	c.until(func(m serverMessage) bool {
		return m.SessionID == sessionID && strings.Contains(c.output[sessionID], target)
	})
}

func sshDescriptor(srv *sshtest.Server, password string) *endpoint.Descriptor {
	host, port := srv.HostPort()
	return &endpoint.Descriptor{
		Host:       host,
		Port:       port,
		Username:   "deploy",
		AuthMethod: endpoint.AuthPassword,
		Password:   password,
	}
}

func TestTerminalWS_SessionLifecycle(t *testing.T) {
	srv := setupTestServer(t, "")
	ssh := sshtest.NewServer(t, sshtest.Options{Username: "deploy", Password: "s3cret", Prompt: "$ ", ReportResize: true})
	c := dialTerminal(t, srv)

	c.send(clientMessage{Type: "connect", SessionID: "tab-1", Endpoint: sshDescriptor(ssh, "s3cret")})
	c.waitType("tab-1", "connected")
	c.waitOutput("tab-1", "$ ")

	info, ok := SessionMgr.Session("tab-1")
	require.True(t, ok)
	assert.Equal(t, c.surfaceID, info.SurfaceID)
	assert.Equal(t, session.StateReady, info.State)

	c.send(clientMessage{Type: "write", SessionID: "tab-1", Data: []byte("hello\n")})
	c.waitOutput("tab-1", "hello")

	c.send(clientMessage{Type: "resize", SessionID: "tab-1", Rows: 40, Cols: 5000, Height: 800, Width: 1200})
	c.waitOutput("tab-1", "resize:1000x40")

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"id":"tab-1"`)

	c.send(clientMessage{Type: "close", SessionID: "tab-1"})
	closed := c.waitType("tab-1", "close")
	assert.Nil(t, closed.Reason)
	assert.Equal(t, 0, SessionMgr.Len())

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/v1/sessions/tab-1/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"type":"connected"`)
	assert.Contains(t, string(body), `"type":"close"`)

	require.Eventually(t, func() bool {
		res, err := AuditLog.Query(sshaudit.QueryOptions{SessionID: "tab-1"})
		return err == nil && res.Total == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTerminalWS_RemoteExitReportsRemoteEnded(t *testing.T) {
	srv := setupTestServer(t, "")
	ssh := sshtest.NewServer(t, sshtest.Options{Username: "deploy", Password: "pw", Prompt: "$ "})
	c := dialTerminal(t, srv)

	c.send(clientMessage{Type: "connect", SessionID: "s", Endpoint: sshDescriptor(ssh, "pw")})
	c.waitType("s", "connected")

	c.send(clientMessage{Type: "write", SessionID: "s", Data: []byte("exit\n")})
	closed := c.waitType("s", "close")
	require.NotNil(t, closed.Reason)
	assert.Equal(t, session.CodeRemoteEnded, closed.Reason.Code)
}

func TestTerminalWS_WrongPassword(t *testing.T) {
	srv := setupTestServer(t, "")
	ssh := sshtest.NewServer(t, sshtest.Options{Username: "deploy", Password: "right"})
	c := dialTerminal(t, srv)

	c.send(clientMessage{Type: "connect", SessionID: "s", Endpoint: sshDescriptor(ssh, "wrong")})
	errMsg := c.waitType("s", "error")
	assert.Equal(t, session.CodeTransportError, errMsg.Code)
	assert.Equal(t, session.ReasonAuthRejected, errMsg.Details["reason"])
	c.waitType("s", "close")
	assert.Equal(t, 0, SessionMgr.Len())
}

func TestTerminalWS_ConnectThrottled(t *testing.T) {
	srv := setupTestServer(t, "")
	Throttle = throttle.New(throttle.Config{MaxAttemptsPerMinute: 1, MaxConsecFailures: 5, BlockDuration: time.Minute})
	t.Cleanup(func() { Throttle = nil })
	ssh := sshtest.NewServer(t, sshtest.Options{Username: "deploy", Password: "pw", Prompt: "$ "})
	c := dialTerminal(t, srv)

	c.send(clientMessage{Type: "connect", SessionID: "a", Endpoint: sshDescriptor(ssh, "pw")})
	c.waitType("a", "connected")

	c.send(clientMessage{Type: "connect", SessionID: "b", Endpoint: sshDescriptor(ssh, "pw")})
	errMsg := c.waitType("b", "error")
	assert.Equal(t, session.CodeTransportError, errMsg.Code)
	assert.Equal(t, session.ReasonThrottled, errMsg.Details["reason"])

	_, ok := SessionMgr.Session("b")
	assert.False(t, ok)
	_, ok = SessionMgr.Session("a")
	assert.True(t, ok, "the throttled connect must not touch other sessions")
}

func TestTerminalWS_InvalidDescriptor(t *testing.T) {
	srv := setupTestServer(t, "")
	c := dialTerminal(t, srv)

	c.send(clientMessage{Type: "connect", SessionID: "s", Endpoint: &endpoint.Descriptor{
		Host: "127.0.0.1", Username: "u", AuthMethod: endpoint.AuthPassword,
	}})
	errMsg := c.waitType("s", "error")
	assert.Equal(t, session.CodeAuthConfigInvalid, errMsg.Code)
	assert.Equal(t, 0, SessionMgr.Len())
}

func TestTerminalWS_SavedEndpoint(t *testing.T) {
	srv := setupTestServer(t, "")
	ssh := sshtest.NewServer(t, sshtest.Options{Username: "deploy", Password: "saved", Prompt: "> "})
	host, port := ssh.HostPort()

	enc, err := crypto.Encrypt("saved")
	require.NoError(t, err)
	e := &database.Endpoint{Name: "box", Host: host, Port: port, Username: "deploy", Password: enc}
	require.NoError(t, database.CreateEndpoint(e))

	c := dialTerminal(t, srv)
	c.send(clientMessage{Type: "connect", SessionID: "s", EndpointID: e.ID})
	c.waitType("s", "connected")
	c.waitOutput("s", "> ")

	c.send(clientMessage{Type: "connect", SessionID: "missing", EndpointID: e.ID + 100})
	errMsg := c.waitType("missing", "error")
	assert.Equal(t, codeBadRequest, errMsg.Code)
}

func TestTerminalWS_UnreadableKeyIsAuthConfigInvalid(t *testing.T) {
	srv := setupTestServer(t, "")
	e := &database.Endpoint{
		Name: "keyed", Host: "127.0.0.1", Username: "deploy",
		AuthMethod: database.AuthMethodKey, KeyPath: t.TempDir() + "/missing_key",
	}
	require.NoError(t, database.CreateEndpoint(e))

	c := dialTerminal(t, srv)
	c.send(clientMessage{Type: "connect", SessionID: "s", EndpointID: e.ID})
	errMsg := c.waitType("s", "error")
	assert.Equal(t, session.CodeAuthConfigInvalid, errMsg.Code)
}

func TestTerminalWS_MalformedMessages(t *testing.T) {
	srv := setupTestServer(t, "")
	c := dialTerminal(t, srv)

	require.NoError(t, c.conn.Write(c.ctx, websocket.MessageText, []byte("{not json")))
	assert.Equal(t, codeBadRequest, c.waitType("", "error").Code)

	c.send(clientMessage{Type: "write", Data: []byte("x")})
	assert.Equal(t, codeBadRequest, c.waitType("", "error").Code)

	c.send(clientMessage{Type: "explode", SessionID: "s"})
	assert.Equal(t, codeBadRequest, c.waitType("s", "error").Code)

	c.send(clientMessage{Type: "connect", SessionID: "s"})
	assert.Equal(t, codeBadRequest, c.waitType("s", "error").Code)
}

func TestTerminalWS_OversizedWriteDropped(t *testing.T) {
	srv := setupTestServer(t, "")
	prev := config.Cfg.MaxInputMessageSize
	config.Cfg.MaxInputMessageSize = 8
	t.Cleanup(func() { config.Cfg.MaxInputMessageSize = prev })

	ssh := sshtest.NewServer(t, sshtest.Options{Username: "deploy", Password: "pw", Prompt: "$ "})
	c := dialTerminal(t, srv)
	c.send(clientMessage{Type: "connect", SessionID: "s", Endpoint: sshDescriptor(ssh, "pw")})
	c.waitType("s", "connected")

	c.send(clientMessage{Type: "write", SessionID: "s", Data: []byte("0123456789\n")})
	c.send(clientMessage{Type: "write", SessionID: "s", Data: []byte("ok\n")})
	c.waitOutput("s", "ok")
	assert.NotContains(t, c.output["s"], "0123")
}

func TestTerminalWS_OtherSurfaceCannotTouchSession(t *testing.T) {
	srv := setupTestServer(t, "")
	ssh := sshtest.NewServer(t, sshtest.Options{Username: "deploy", Password: "pw", Prompt: "$ "})

	owner := dialTerminal(t, srv)
	owner.send(clientMessage{Type: "connect", SessionID: "s", Endpoint: sshDescriptor(ssh, "pw")})
	owner.waitType("s", "connected")

	other := dialTerminal(t, srv)
	other.send(clientMessage{Type: "close", SessionID: "s"})
	other.send(clientMessage{Type: "explode", SessionID: "sync"})
	other.waitType("sync", "error")

	_, ok := SessionMgr.Session("s")
	assert.True(t, ok)
}

func TestTerminalWS_DisconnectClosesOwnedSessions(t *testing.T) {
	srv := setupTestServer(t, "")
	ssh := sshtest.NewServer(t, sshtest.Options{Username: "deploy", Password: "pw", Prompt: "$ "})
	c := dialTerminal(t, srv)

	for _, id := range []string{"a", "b", "c"} {
		c.send(clientMessage{Type: "connect", SessionID: id, Endpoint: sshDescriptor(ssh, "pw")})
		c.waitType(id, "connected")
	}
	require.Equal(t, 3, SessionMgr.Len())

	c.conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return SessionMgr.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestTerminalWS_NetworkResetReportsTransportError(t *testing.T) {
	srv := setupTestServer(t, "")
	ssh := sshtest.NewServer(t, sshtest.Options{Username: "deploy", Password: "pw", Prompt: "$ "})
	proxy := sshtest.NewProxy(t, ssh.Addr)
	host, port := proxy.HostPort()
	d := sshDescriptor(ssh, "pw")
	d.Host, d.Port = host, port
	c := dialTerminal(t, srv)

	c.send(clientMessage{Type: "connect", SessionID: "s", Endpoint: d})
	c.waitType("s", "connected")

	proxy.Reset()

	errMsg := c.waitType("s", "error")
	assert.Equal(t, session.CodeTransportError, errMsg.Code)
	assert.Equal(t, session.ReasonNetworkReset, errMsg.Details["reason"])
	closed := c.waitType("s", "close")
	assert.Nil(t, closed.Reason)
	assert.Equal(t, 0, SessionMgr.Len())
}

func TestTerminalWS_ResizeBounds(t *testing.T) {
	srv := setupTestServer(t, "")
	ssh := sshtest.NewServer(t, sshtest.Options{Username: "deploy", Password: "pw", Prompt: "$ "})
	c := dialTerminal(t, srv)

	c.send(clientMessage{Type: "connect", SessionID: "s", Endpoint: sshDescriptor(ssh, "pw")})
	c.waitType("s", "connected")

	c.send(clientMessage{Type: "resize", SessionID: "s", Rows: 0, Cols: 80})
	c.send(clientMessage{Type: "resize", SessionID: "s", Rows: 2000, Cols: 80, Height: 800, Width: 1200})

	require.Eventually(t, func() bool { return len(ssh.Resizes()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, sshtest.Resize{Cols: 80, Rows: 1000, Width: 1200, Height: 800}, ssh.Resizes()[0])
}

func TestWSSink_StalledClientIsDisconnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &wsSink{
		outbox: make(chan serverMessage, 1),
		done:   ctx.Done(),
		cancel: cancel,
		stall:  20 * time.Millisecond,
	}

	s.Deliver(session.Event{Type: session.EventData, SessionID: "s", Data: []byte("a")})
	require.NoError(t, ctx.Err())

	returned := make(chan struct{})
	go func() {
		s.Deliver(session.Event{Type: session.EventData, SessionID: "s", Data: []byte("b")})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("Deliver blocked on a full queue")
	}
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.Len(t, s.outbox, 1)

	// Once the socket is gone nothing waits.
	s.Deliver(session.Event{Type: session.EventClose, SessionID: "s"})
}
