package session

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gluk-w/sshdeck/internal/endpoint"
	"github.com/gluk-w/sshdeck/internal/transport"
	"github.com/stretchr/testify/require"
)

// fakeTransport hands out fakeConns whose events are driven by the test.
type fakeTransport struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials chan *fakeConn

	autoReady  bool
	shellErr   error
	shellBlock chan struct{}
	panicOn    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{dials: make(chan *fakeConn, 256)}
}

func (t *fakeTransport) Connect(ctx context.Context, d endpoint.Descriptor) transport.Conn {
	t.mu.Lock()
	if t.panicOn {
		t.mu.Unlock()
		panic("dial exploded")
	}
	c := &fakeConn{
		desc:       d,
		events:     make(chan transport.Event, 8),
		done:       make(chan struct{}),
		shellErr:   t.shellErr,
		shellBlock: t.shellBlock,
	}
	t.conns = append(t.conns, c)
	auto := t.autoReady
	t.mu.Unlock()

	t.dials <- c
	if auto {
		c.emit(transport.Event{Kind: transport.EventReady})
	}
	return c
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// next waits for the next dial.
func (t *fakeTransport) next(tb testing.TB) *fakeConn {
	tb.Helper()
	select {
	case c := <-t.dials:
		return c
	case <-time.After(5 * time.Second):
		tb.Fatal("timed out waiting for dial")
		return nil
	}
}

type fakeConn struct {
	desc   endpoint.Descriptor
	events chan transport.Event
	done   chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	shellErr   error
	shellBlock chan struct{}

	mu      sync.Mutex
	channel *fakeChannel
}

func (c *fakeConn) Events() <-chan transport.Event { return c.events }

func (c *fakeConn) emit(ev transport.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *fakeConn) ready() { c.emit(transport.Event{Kind: transport.EventReady}) }

func (c *fakeConn) fail(err error) { c.emit(transport.Event{Kind: transport.EventError, Err: err}) }

func (c *fakeConn) OpenShell(ctx context.Context, _ transport.ShellOptions) (transport.Channel, error) {
	if c.shellBlock != nil {
		select {
		case <-c.shellBlock:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.shellErr != nil {
		return nil, c.shellErr
	}
	ch := newFakeChannel()
	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()
	return ch, nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

// shell waits for the shell to be opened and returns it.
func (c *fakeConn) shell(tb testing.TB) *fakeChannel {
	tb.Helper()
	var ch *fakeChannel
	require.Eventually(tb, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		ch = c.channel
		return ch != nil
	}, 5*time.Second, time.Millisecond)
	return ch
}

type fakeChannel struct {
	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter

	exited   chan struct{}
	exitOnce sync.Once

	mu      sync.Mutex
	written bytes.Buffer
	resizes []Size
	closed  bool
	waitErr error
}

func newFakeChannel() *fakeChannel {
	ch := &fakeChannel{exited: make(chan struct{})}
	ch.stdoutR, ch.stdoutW = io.Pipe()
	ch.stderrR, ch.stderrW = io.Pipe()
	return ch
}

func (ch *fakeChannel) Stdout() io.Reader { return ch.stdoutR }
func (ch *fakeChannel) Stderr() io.Reader { return ch.stderrR }

func (ch *fakeChannel) Write(p []byte) (int, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return 0, io.ErrClosedPipe
	}
	return ch.written.Write(p)
}

func (ch *fakeChannel) Resize(rows, cols, heightPx, widthPx int) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.resizes = append(ch.resizes, Size{Rows: rows, Cols: cols, Height: heightPx, Width: widthPx})
	return nil
}

func (ch *fakeChannel) Wait() error {
	<-ch.exited
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.waitErr
}

func (ch *fakeChannel) exit(err error) {
	ch.exitOnce.Do(func() {
		ch.mu.Lock()
		ch.waitErr = err
		ch.mu.Unlock()
		close(ch.exited)
	})
}

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	ch.closed = true
	ch.mu.Unlock()
	ch.stdoutW.Close()
	ch.stderrW.Close()
	ch.exit(transport.ErrExitMissing)
	return nil
}

func (ch *fakeChannel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) input() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.written.String()
}

// send writes to stdout; it returns once the relay has read the bytes.
func (ch *fakeChannel) send(s string) { ch.stdoutW.Write([]byte(s)) }

func (ch *fakeChannel) sendErr(s string) { ch.stderrW.Write([]byte(s)) }

// hangup ends stdout as a remote shell exit would.
func (ch *fakeChannel) hangup() {
	ch.stdoutW.Close()
	ch.exit(nil)
}

// drop ends stdout without an exit status, as a dying connection does.
func (ch *fakeChannel) drop() {
	ch.stdoutW.Close()
	ch.exit(transport.ErrExitMissing)
}

// recorder is a Sink that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Deliver(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) forSession(id string) []Event {
	var out []Event
	for _, ev := range r.all() {
		if ev.SessionID == id {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) types(id string) []EventType {
	var out []EventType
	for _, ev := range r.forSession(id) {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) count(id string, typ EventType) int {
	n := 0
	for _, ev := range r.forSession(id) {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) waitFor(tb testing.TB, id string, typ EventType) Event {
	tb.Helper()
	var found Event
	require.Eventually(tb, func() bool {
		for _, ev := range r.forSession(id) {
			if ev.Type == typ {
				found = ev
				return true
			}
		}
		return false
	}, 5*time.Second, time.Millisecond, "waiting for %s on %s", typ, id)
	return found
}

const testSurface = "surface-1"

func passwordEndpoint() endpoint.Descriptor {
	return endpoint.Descriptor{
		Host:       "db1.internal",
		Port:       22,
		Username:   "deploy",
		AuthMethod: endpoint.AuthPassword,
		Password:   "hunter2",
	}
}

func newTestManager(t *testing.T, timeout time.Duration) (*Manager, *fakeTransport, *recorder) {
	t.Helper()
	ft := newFakeTransport()
	router := NewRouter()
	rec := &recorder{}
	router.Attach(testSurface, rec)
	m := NewManager(ft, router, Options{ConnectTimeout: timeout})
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, ft, rec
}
