package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/gluk-w/sshdeck/internal/endpoint"
	"github.com/gluk-w/sshdeck/internal/logging"
	"github.com/gluk-w/sshdeck/internal/logutil"
	"github.com/gluk-w/sshdeck/internal/transport"
	"github.com/sirupsen/logrus"
)

// DefaultConnectTimeout applies when Options.ConnectTimeout is unset.
const DefaultConnectTimeout = 10 * time.Second

// relayBufferSize is the read size for shell output.
const relayBufferSize = 32 * 1024

// defaultExitGrace is how long a shell that ended without an exit status
// waits for the transport to report a failure before the session is treated
// as ended by the remote.
const defaultExitGrace = 2 * time.Second

// ErrShutdown is returned by Connect after Shutdown.
var ErrShutdown = errors.New("session manager is shut down")

// Options configures a Manager.
type Options struct {
	// ConnectTimeout bounds transport readiness and, measured separately,
	// the shell open that follows it.
	ConnectTimeout time.Duration
	// Shell is the PTY requested for every session.
	Shell transport.ShellOptions
}

// Size is a terminal window size. Height and Width are in pixels.
type Size struct {
	Rows   int `json:"rows"`
	Cols   int `json:"cols"`
	Height int `json:"height"`
	Width  int `json:"width"`
}

// Info is a read-only view of a live session.
type Info struct {
	ID         string              `json:"id"`
	SurfaceID  string              `json:"surface_id"`
	Host       string              `json:"host"`
	Port       int                 `json:"port"`
	Username   string              `json:"username"`
	AuthMethod endpoint.AuthMethod `json:"auth_method"`
	State      State               `json:"state"`
	CreatedAt  time.Time           `json:"created_at"`
	ReadyAt    *time.Time          `json:"ready_at,omitempty"`
}

// Manager is the only component that creates, mutates and disposes session
// records. Every operation on a record holds that record's id lock; work on
// different ids never contends beyond the registry map.
type Manager struct {
	transport transport.Transport
	router    *Router
	registry  *Registry
	locks     *keyedMutex
	states    *stateTracker
	events    *EventLog
	timeout   time.Duration
	exitGrace time.Duration
	shell     transport.ShellOptions
	closed    atomic.Bool
	log       *logrus.Entry
}

// NewManager returns a manager that dials through t and publishes to router.
func NewManager(t transport.Transport, router *Router, opts Options) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	m := &Manager{
		transport: t,
		router:    router,
		registry:  NewRegistry(),
		locks:     newKeyedMutex(),
		states:    newStateTracker(),
		events:    NewEventLog(),
		timeout:   opts.ConnectTimeout,
		exitGrace: defaultExitGrace,
		shell:     opts.Shell,
		log:       logging.For("session"),
	}
	router.Observe(m.events.Record)
	return m
}

func (m *Manager) sessionLog(rec *Record) *logrus.Entry {
	return m.log.WithFields(logrus.Fields{
		"session":  logutil.SanitizeForLog(rec.id),
		"surface":  logutil.SanitizeForLog(rec.surfaceID),
		"endpoint": logutil.SanitizeForLog(rec.endpoint.String()),
	})
}

// Connect starts a session for id owned by surfaceID, disposing any existing
// session with the same id first. A descriptor that cannot authenticate is
// reported to the surface as AUTH_CONFIG_INVALID, returned, and leaves any
// existing session untouched. Every later outcome is delivered through the
// router.
func (m *Manager) Connect(id string, d endpoint.Descriptor, surfaceID string) error {
	if id == "" {
		return errors.New("session id is required")
	}
	if m.closed.Load() {
		return ErrShutdown
	}

	unlock := m.locks.Lock(id)
	defer unlock()
	// Shutdown may have taken its snapshot while this call waited for the lock.
	if m.closed.Load() {
		return ErrShutdown
	}

	ctx, cancel := context.WithCancel(context.Background())
	rec := &Record{
		id:        id,
		surfaceID: surfaceID,
		endpoint:  d,
		state:     StateConnecting,
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	log := m.sessionLog(rec)

	if err := d.Validate(); err != nil {
		cancel()
		serr := WrapError(err, CodeAuthConfigInvalid, "invalid endpoint configuration: "+err.Error())
		log.WithError(err).Warn("connect rejected")
		m.publish(rec, Event{Type: EventError, Err: serr})
		return serr
	}

	if m.disposeLocked(id, nil) {
		log.Info("replaced existing session")
	}

	m.registry.Put(id, rec)
	m.states.transition(id, StateConnecting, "connect requested")
	m.armTimer(rec, "transport readiness")

	conn, err := m.dial(rec)
	if err != nil {
		log.WithError(err).Error("transport did not start")
		m.failLocked(rec, Classify(err))
		return nil
	}
	rec.conn = conn
	m.spawn(rec, func() { m.watch(rec, conn) })

	log.Info("connecting")
	return nil
}

// dial calls the transport, converting a panic into an error.
func (m *Manager) dial(rec *Record) (conn transport.Conn, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("transport panicked: %v", p)
		}
	}()
	conn = m.transport.Connect(rec.ctx, rec.endpoint)
	if conn == nil {
		return nil, errors.New("transport returned no connection")
	}
	return conn, nil
}

// Write forwards data to the session's shell. It is a no-op when the
// session does not exist or has no shell yet; nothing is buffered.
func (m *Manager) Write(id string, data []byte) error {
	ch := m.channel(id)
	if ch == nil {
		return nil
	}
	if _, err := ch.Write(data); err != nil {
		return fmt.Errorf("write session %s: %w", id, err)
	}
	return nil
}

// Resize forwards a window-change to the session's shell. Values are passed
// through unchanged. No-op when there is no shell.
func (m *Manager) Resize(id string, size Size) error {
	ch := m.channel(id)
	if ch == nil {
		return nil
	}
	if err := ch.Resize(size.Rows, size.Cols, size.Height, size.Width); err != nil {
		return fmt.Errorf("resize session %s: %w", id, err)
	}
	return nil
}

// channel returns the shell for id. I/O on it happens outside the lock so a
// slow remote cannot hold up disposal.
func (m *Manager) channel(id string) transport.Channel {
	unlock := m.locks.Lock(id)
	defer unlock()
	rec, ok := m.registry.Get(id)
	if !ok {
		return nil
	}
	return rec.channel
}

// Close disposes the session and notifies its surface. It reports whether a
// live session was found; closing an unknown id does nothing.
func (m *Manager) Close(id string) bool {
	unlock := m.locks.Lock(id)
	defer unlock()
	return m.disposeLocked(id, nil)
}

// CloseOwnedBy disposes every session owned by surfaceID and returns how
// many were closed.
func (m *Manager) CloseOwnedBy(surfaceID string) int {
	n := 0
	for _, id := range m.registry.Snapshot() {
		unlock := m.locks.Lock(id)
		if rec, ok := m.registry.Get(id); ok && rec.surfaceID == surfaceID {
			if m.disposeLocked(id, nil) {
				n++
			}
		}
		unlock()
	}
	return n
}

// Shutdown refuses new sessions and closes every live one.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closed.Store(true)
	ids := m.registry.Snapshot()
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.Close(id)
	}
	m.log.WithField("sessions", len(ids)).Info("session manager shut down")
	return nil
}

// Session returns a view of the live session id.
func (m *Manager) Session(id string) (Info, bool) {
	unlock := m.locks.Lock(id)
	defer unlock()
	rec, ok := m.registry.Get(id)
	if !ok {
		return Info{}, false
	}
	return rec.info(), true
}

// Sessions returns views of all live sessions sorted by id.
func (m *Manager) Sessions() []Info {
	ids := m.registry.Snapshot()
	infos := make([]Info, 0, len(ids))
	for _, id := range ids {
		if info, ok := m.Session(id); ok {
			infos = append(infos, info)
		}
	}
	return infos
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	return m.registry.Len()
}

// Transitions returns the recent state changes for id, including those of
// disposed sessions, oldest first.
func (m *Manager) Transitions(id string) []Transition {
	return m.states.history(id)
}

// Events returns the recent lifecycle events for id, oldest first.
func (m *Manager) Events(id string) []EventRecord {
	return m.events.Events(id)
}

// OnStateChange registers a callback for every state change.
func (m *Manager) OnStateChange(cb StateChangeCallback) {
	m.states.onStateChange(cb)
}

func (r *Record) info() Info {
	info := Info{
		ID:         r.id,
		SurfaceID:  r.surfaceID,
		Host:       r.endpoint.Host,
		Port:       r.endpoint.Port,
		Username:   r.endpoint.Username,
		AuthMethod: r.endpoint.AuthMethod,
		State:      r.state,
		CreatedAt:  r.createdAt,
	}
	if info.Port == 0 {
		info.Port = endpoint.DefaultPort
	}
	if !r.readyAt.IsZero() {
		t := r.readyAt
		info.ReadyAt = &t
	}
	return info
}

// isCurrent reports whether rec is still the live record for its id. Late
// completions for a disposed or replaced record must check this under the
// lock and do nothing when it is false.
func (m *Manager) isCurrent(rec *Record) bool {
	cur, ok := m.registry.Get(rec.id)
	return ok && cur == rec
}

func (m *Manager) publish(rec *Record, ev Event) {
	ev.SessionID = rec.id
	ev.SurfaceID = rec.surfaceID
	ev.Host = rec.endpoint.Host
	ev.Username = rec.endpoint.Username
	m.router.Publish(ev)
}

// spawn runs fn on its own goroutine. A panic is logged and the session is
// disposed with a TRANSPORT_ERROR.
func (m *Manager) spawn(rec *Record, fn func()) {
	go func() {
		defer func() {
			if p := recover(); p != nil {
				m.sessionLog(rec).WithField("panic", p).Error("session goroutine panicked")
				unlock := m.locks.Lock(rec.id)
				defer unlock()
				if m.isCurrent(rec) {
					m.failLocked(rec, NewError(CodeTransportError, "internal error").WithDetail("reason", "panic"))
				}
			}
		}()
		fn()
	}()
}

// armTimer starts the connect-timeout timer for the named step. Caller holds
// the lock.
func (m *Manager) armTimer(rec *Record, step string) {
	m.stopTimer(rec)
	seq := rec.timerSeq
	rec.timer = time.AfterFunc(m.timeout, func() { m.onTimeout(rec, seq, step) })
}

// stopTimer cancels the pending timer. Bumping the sequence turns a callback
// that already fired and is waiting for the lock into a no-op.
func (m *Manager) stopTimer(rec *Record) {
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	rec.timerSeq++
}

func (m *Manager) onTimeout(rec *Record, seq uint64, step string) {
	unlock := m.locks.Lock(rec.id)
	defer unlock()
	if !m.isCurrent(rec) || rec.timerSeq != seq || rec.state != StateConnecting {
		return
	}
	rec.timer = nil
	m.sessionLog(rec).WithField("step", step).Warn("connect timed out")
	m.failLocked(rec, NewError(CodeConnectTimeout,
		fmt.Sprintf("no response within %s waiting for %s", m.timeout, step)).
		WithDetail("step", step))
}

// watch consumes transport events until the record is disposed or the
// transport reports a terminal event.
func (m *Manager) watch(rec *Record, conn transport.Conn) {
	for {
		select {
		case <-rec.ctx.Done():
			return
		case ev := <-conn.Events():
			switch ev.Kind {
			case transport.EventReady:
				m.onReady(rec, conn)
			case transport.EventError:
				m.onTransportError(rec, ev.Err)
				return
			case transport.EventEnd, transport.EventClose:
				m.onRemoteEnded(rec, "remote host closed the connection")
				return
			}
		}
	}
}

func (m *Manager) onReady(rec *Record, conn transport.Conn) {
	unlock := m.locks.Lock(rec.id)
	defer unlock()
	if !m.isCurrent(rec) || rec.state != StateConnecting || rec.opening {
		return
	}
	rec.opening = true
	m.armTimer(rec, "shell open")
	m.sessionLog(rec).Debug("transport ready, opening shell")
	m.spawn(rec, func() { m.openShell(rec, conn) })
}

func (m *Manager) openShell(rec *Record, conn transport.Conn) {
	ch, err := conn.OpenShell(rec.ctx, m.shell)

	unlock := m.locks.Lock(rec.id)
	defer unlock()
	if !m.isCurrent(rec) || rec.state != StateConnecting {
		if ch != nil {
			ch.Close()
		}
		return
	}
	if err != nil {
		m.sessionLog(rec).WithError(err).Warn("shell open failed")
		m.failLocked(rec, WrapError(err, CodeChannelOpenFailed, "could not start interactive shell"))
		return
	}

	m.stopTimer(rec)
	rec.channel = ch
	rec.state = StateReady
	rec.readyAt = time.Now()
	m.states.transition(rec.id, StateReady, "shell opened")
	m.sessionLog(rec).Info("session ready")
	m.publish(rec, Event{Type: EventConnected})

	m.spawn(rec, func() {
		if m.relay(rec, ch.Stdout(), false) {
			m.awaitExit(rec, ch)
		}
	})
	m.spawn(rec, func() { m.relay(rec, ch.Stderr(), true) })
}

// relay republishes shell output in read order. It reports whether the
// stream ended while rec was still live.
func (m *Manager) relay(rec *Record, r io.Reader, stderr bool) bool {
	buf := make([]byte, relayBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !m.deliver(rec, data, stderr) {
				return false
			}
		}
		if err != nil {
			return true
		}
	}
}

// awaitExit decides how a shell whose output ended went away. End of stdout
// alone says nothing: a dying connection closes every channel before the
// transport reports why. A shell with a reported exit ended cleanly. One
// without is left to the transport watcher, and only if that stays quiet for
// exitGrace does the session end as closed by the remote.
func (m *Manager) awaitExit(rec *Record, ch transport.Channel) {
	if err := ch.Wait(); err != nil {
		m.sessionLog(rec).WithError(err).Debug("shell output ended without exit status")
		timer := time.NewTimer(m.exitGrace)
		defer timer.Stop()
		select {
		case <-rec.ctx.Done():
			return
		case <-timer.C:
		}
	}
	m.onRemoteEnded(rec, "remote shell exited")
}

func (m *Manager) deliver(rec *Record, data []byte, stderr bool) bool {
	unlock := m.locks.Lock(rec.id)
	defer unlock()
	if !m.isCurrent(rec) {
		return false
	}
	m.publish(rec, Event{Type: EventData, Data: data, Stderr: stderr})
	return true
}

func (m *Manager) onTransportError(rec *Record, err error) {
	unlock := m.locks.Lock(rec.id)
	defer unlock()
	if !m.isCurrent(rec) {
		return
	}
	serr := Classify(err)
	m.sessionLog(rec).WithError(err).WithField("reason", serr.Reason()).Warn("transport failed")
	m.failLocked(rec, serr)
}

func (m *Manager) onRemoteEnded(rec *Record, message string) {
	unlock := m.locks.Lock(rec.id)
	defer unlock()
	if !m.isCurrent(rec) {
		return
	}
	m.sessionLog(rec).Info(message)
	m.disposeLocked(rec.id, NewError(CodeRemoteEnded, message))
}

// failLocked reports serr to the surface and disposes rec. Caller holds the
// lock and has checked that rec is current.
func (m *Manager) failLocked(rec *Record, serr *Error) {
	m.publish(rec, Event{Type: EventError, Err: serr})
	m.disposeLocked(rec.id, nil)
}

// disposeLocked is the single teardown path. It stops the timer, closes the
// shell, closes the transport and removes the record, continuing past a
// failing step. Only the call that removes the record notifies the surface,
// so repeated or racing calls produce one close. Caller holds the lock.
func (m *Manager) disposeLocked(id string, reason *Error) bool {
	rec, ok := m.registry.Get(id)
	if !ok {
		return false
	}
	log := m.sessionLog(rec)

	m.disposeStep(log, "stop timer", func() error {
		m.stopTimer(rec)
		rec.cancel()
		return nil
	})
	if ch := rec.channel; ch != nil {
		rec.channel = nil
		m.disposeStep(log, "close channel", ch.Close)
	}
	if conn := rec.conn; conn != nil {
		rec.conn = nil
		m.disposeStep(log, "close transport", conn.Close)
	}
	m.registry.Remove(id)

	rec.state = StateDisposed
	why := "closed"
	if reason != nil {
		why = reason.Message
	}
	m.states.transition(id, StateDisposed, why)

	m.publish(rec, Event{Type: EventClose, Err: reason, Duration: time.Since(rec.createdAt)})
	log.WithField("reason", why).Info("session disposed")
	return true
}

func (m *Manager) disposeStep(log *logrus.Entry, step string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			log.WithField("step", step).WithField("panic", p).Error("dispose step panicked")
		}
	}()
	if err := fn(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		log.WithError(err).WithField("step", step).Debug("dispose step failed")
	}
}
