package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gluk-w/sshdeck/internal/config"
	"github.com/gluk-w/sshdeck/internal/database"
	"github.com/gluk-w/sshdeck/internal/endpoint"
	"github.com/gluk-w/sshdeck/internal/logging"
	"github.com/gluk-w/sshdeck/internal/session"
	"github.com/gluk-w/sshdeck/internal/throttle"
	"github.com/google/uuid"
)

var log = logging.For("http")

// terminalRateLimit defines the maximum number of input messages allowed per
// second per WebSocket connection. Messages beyond this rate are dropped.
const terminalRateLimit = 200

// terminalRateBurst is the token bucket burst size, allowing short bursts
// of rapid input (e.g., paste operations) before rate limiting kicks in.
const terminalRateBurst = 200

const (
	maxResizeCols = 1000
	maxResizeRows = 1000

	wsReadLimit    = 1024 * 1024
	wsWriteTimeout = 10 * time.Second
	outboxSize     = 256
)

// codeBadRequest reports a malformed client message. It is a protocol
// error of the surface, not a session failure.
const codeBadRequest session.Code = "BAD_REQUEST"

// Resolver is set from main.go during init. Throttle is optional.
var (
	Resolver *endpoint.Resolver
	Throttle *throttle.Limiter
)

type clientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`

	// connect
	EndpointID uint                 `json:"endpoint_id,omitempty"`
	Endpoint   *endpoint.Descriptor `json:"endpoint,omitempty"`

	// write
	Data []byte `json:"data,omitempty"`

	// resize
	Rows   int `json:"rows,omitempty"`
	Cols   int `json:"cols,omitempty"`
	Height int `json:"height,omitempty"`
	Width  int `json:"width,omitempty"`
}

type serverMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	SurfaceID string `json:"surface_id,omitempty"`

	Data   []byte `json:"data,omitempty"`
	Stream string `json:"stream,omitempty"`

	Code    session.Code   `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`

	Reason     *session.Error `json:"reason,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
}

func toServerMessage(ev session.Event) serverMessage {
	msg := serverMessage{Type: string(ev.Type), SessionID: ev.SessionID}
	switch ev.Type {
	case session.EventData:
		msg.Data = ev.Data
		if ev.Stderr {
			msg.Stream = "stderr"
		}
	case session.EventError:
		if ev.Err != nil {
			msg.Code = ev.Err.Code
			msg.Message = ev.Err.Message
			msg.Details = ev.Err.Details
		}
	case session.EventClose:
		msg.Reason = ev.Err
		msg.DurationMs = ev.Duration.Milliseconds()
	}
	return msg
}

// wsSink queues events for one websocket. A single writer goroutine drains
// the queue, so events for a session reach the client in publish order.
type wsSink struct {
	conn   *websocket.Conn
	outbox chan serverMessage
	done   <-chan struct{}
	cancel context.CancelFunc

	// stall bounds how long Deliver waits for queue space.
	stall time.Duration
}

func newWSSink(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) *wsSink {
	return &wsSink{
		conn:   conn,
		outbox: make(chan serverMessage, outboxSize),
		done:   ctx.Done(),
		cancel: cancel,
		stall:  wsWriteTimeout,
	}
}

// Deliver runs with the session lock held. A full queue holds it back for at
// most s.stall; after that the client is treated as stuck, the event is
// dropped and the socket is torn down, which closes the sessions it owns.
func (s *wsSink) Deliver(ev session.Event) {
	msg := toServerMessage(ev)
	select {
	case s.outbox <- msg:
		return
	case <-s.done:
		return
	default:
	}

	timer := time.NewTimer(s.stall)
	defer timer.Stop()
	select {
	case s.outbox <- msg:
	case <-s.done:
	case <-timer.C:
		log.Warnf("Terminal surface stalled, disconnecting: session=%s queued=%d", ev.SessionID, len(s.outbox))
		s.cancel()
	}
}

func (s *wsSink) send(msg serverMessage) {
	select {
	case s.outbox <- msg:
	case <-s.done:
	}
}

func (s *wsSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.outbox:
			wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := wsjson.Write(wctx, s.conn, msg)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					log.WithError(err).Debug("terminal websocket write failed")
				}
				s.cancel()
				return
			}
		}
	}
}

// tokenBucket implements a simple token bucket rate limiter for terminal messages.
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens added per second
	lastRefill time.Time
	now        func() time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(maxTokens),
		maxTokens:  float64(maxTokens),
		refillRate: float64(refillRate),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// allow checks if a message is allowed and consumes a token.
func (tb *tokenBucket) allow() bool {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += elapsed.Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}

// TerminalWS handles GET /api/v1/ws. Each websocket is one owner
// surface: it may run any number of sessions, addressed by client-chosen
// ids, and every session it owns is closed when the socket goes away.
//
// Client messages are JSON objects with a "type" of connect, write, resize
// or close. Server messages are ready, connected, data, error and close.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	mgr, router := SessionMgr, EventRouter
	if mgr == nil || router == nil {
		writeError(w, http.StatusServiceUnavailable, "Session manager not initialized")
		return
	}

	opts := &websocket.AcceptOptions{OriginPatterns: config.Cfg.AllowedOrigins}
	if len(opts.OriginPatterns) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		log.WithError(err).Warn("Failed to accept terminal websocket")
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	surfaceID := uuid.NewString()
	ctx, cancel := context.WithCancel(r.Context())
	sink := newWSSink(ctx, cancel, conn)
	router.Attach(surfaceID, sink)
	log.Infof("Terminal surface attached: surface=%s remote=%s", surfaceID, r.RemoteAddr)

	defer func() {
		// Unblock any Deliver waiting on the queue before closing sessions,
		// which needs their locks.
		cancel()
		router.Detach(surfaceID)
		n := mgr.CloseOwnedBy(surfaceID)
		log.Infof("Terminal surface detached: surface=%s closed_sessions=%d", surfaceID, n)
	}()

	go sink.run(ctx)
	sink.send(serverMessage{Type: "ready", SurfaceID: surfaceID})

	t := &terminalSurface{
		id:       surfaceID,
		mgr:      mgr,
		router:   router,
		resolver: Resolver,
		throttle: Throttle,
		sink:     sink,
		limiter:  newTokenBucket(terminalRateBurst, terminalRateLimit),
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		t.handle(data)
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

type terminalSurface struct {
	id       string
	mgr      *session.Manager
	router   *session.Router
	resolver *endpoint.Resolver
	throttle *throttle.Limiter
	sink     *wsSink
	limiter  *tokenBucket
}

func (t *terminalSurface) badRequest(sessionID, message string) {
	t.sink.send(serverMessage{Type: "error", SessionID: sessionID, Code: codeBadRequest, Message: message})
}

func (t *terminalSurface) handle(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.badRequest("", "invalid message: "+err.Error())
		return
	}
	if msg.SessionID == "" {
		t.badRequest("", "session_id is required")
		return
	}

	switch msg.Type {
	case "connect":
		t.connect(msg)
	case "write":
		if !t.limiter.allow() {
			return
		}
		if limit := config.Cfg.MaxInputMessageSize; limit > 0 && len(msg.Data) > limit {
			log.Warnf("Terminal input message too large: session=%s size=%d limit=%d", msg.SessionID, len(msg.Data), limit)
			return
		}
		if !t.owns(msg.SessionID) {
			return
		}
		if err := t.mgr.Write(msg.SessionID, msg.Data); err != nil {
			log.WithError(err).Debugf("terminal write failed: session=%s", msg.SessionID)
		}
	case "resize":
		if !t.limiter.allow() {
			return
		}
		if msg.Rows <= 0 || msg.Cols <= 0 || !t.owns(msg.SessionID) {
			return
		}
		size := session.Size{
			Rows:   min(msg.Rows, maxResizeRows),
			Cols:   min(msg.Cols, maxResizeCols),
			Height: msg.Height,
			Width:  msg.Width,
		}
		if err := t.mgr.Resize(msg.SessionID, size); err != nil {
			log.WithError(err).Debugf("terminal resize failed: session=%s", msg.SessionID)
		}
	case "close":
		if t.owns(msg.SessionID) {
			t.mgr.Close(msg.SessionID)
		}
	default:
		t.badRequest(msg.SessionID, "unknown message type "+msg.Type)
	}
}

// owns reports whether the session exists and belongs to this surface.
// Requests for anything else are ignored, as for an unknown id.
func (t *terminalSurface) owns(id string) bool {
	info, ok := t.mgr.Session(id)
	return ok && info.SurfaceID == t.id
}

func (t *terminalSurface) connect(msg clientMessage) {
	var (
		d   endpoint.Descriptor
		err error
	)
	switch {
	case msg.Endpoint != nil:
		d = *msg.Endpoint
	case msg.EndpointID != 0:
		if t.resolver == nil {
			t.badRequest(msg.SessionID, "saved endpoints are not available")
			return
		}
		d, err = t.resolver.ResolveID(msg.EndpointID)
		if errors.Is(err, database.ErrNotFound) {
			t.badRequest(msg.SessionID, "endpoint not found")
			return
		}
		if err != nil {
			// Unreadable key files and undecryptable secrets leave the
			// endpoint unable to authenticate.
			t.publishError(msg.SessionID, endpoint.Descriptor{}, session.WrapError(err, session.CodeAuthConfigInvalid, "resolve endpoint: "+err.Error()))
			return
		}
	default:
		t.badRequest(msg.SessionID, "endpoint or endpoint_id is required")
		return
	}

	if t.throttle != nil {
		if err := t.throttle.Allow(throttle.Target(d.Username, d.Host)); err != nil {
			t.publishError(msg.SessionID, d, session.WrapError(err, session.CodeTransportError, err.Error()).
				WithDetail("reason", session.ReasonThrottled))
			return
		}
	}

	err = t.mgr.Connect(msg.SessionID, d, t.id)
	if err != nil && session.CodeOf(err) == "" {
		// Coded errors have already been delivered through the router.
		t.sink.send(serverMessage{Type: "error", SessionID: msg.SessionID, Code: session.CodeTransportError, Message: err.Error()})
	}
}

// publishError reports a connect failure that happened before the manager
// saw the request. Any existing session under id is left alone.
func (t *terminalSurface) publishError(id string, d endpoint.Descriptor, serr *session.Error) {
	t.router.Publish(session.Event{
		Type:      session.EventError,
		SessionID: id,
		SurfaceID: t.id,
		Time:      time.Now(),
		Err:       serr,
		Host:      d.Host,
		Username:  d.Username,
	})
}
