package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gluk-w/sshdeck/internal/endpoint"
	"github.com/gluk-w/sshdeck/internal/logging"
	"github.com/gluk-w/sshdeck/internal/sshkeys"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// keepaliveRequest is the global request OpenSSH servers answer without side
// effects.
const keepaliveRequest = "keepalive@openssh.com"

// SSHConfig configures SSHTransport.
type SSHConfig struct {
	// KnownHostsPath enables host key verification against an OpenSSH
	// known_hosts file. Empty accepts any host key.
	KnownHostsPath string
	// KeepaliveInterval is how often an established connection is checked.
	// Zero disables probing.
	KeepaliveInterval time.Duration
	// KeepaliveTimeout is how long a keepalive request may go unanswered before the
	// connection is considered dead. Zero means KeepaliveInterval.
	KeepaliveTimeout time.Duration
	// ClientVersion overrides the SSH identification string.
	ClientVersion string
}

// SSHTransport connects to endpoints over SSH.
type SSHTransport struct {
	cfg     SSHConfig
	hostKey ssh.HostKeyCallback
	log     *logrus.Entry
}

// NewSSHTransport loads the known_hosts file, if configured, and returns a
// ready transport.
func NewSSHTransport(cfg SSHConfig) (*SSHTransport, error) {
	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		path, err := sshkeys.ExpandPath(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("expand known_hosts path: %w", err)
		}
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
		}
		hostKey = cb
	}
	return &SSHTransport{
		cfg:     cfg,
		hostKey: hostKey,
		log:     logging.For("transport"),
	}, nil
}

// Connect starts the dial and handshake in the background.
func (t *SSHTransport) Connect(ctx context.Context, d endpoint.Descriptor) Conn {
	ctx, cancel := context.WithCancel(ctx)
	c := &sshConn{
		t:      t,
		events: make(chan Event, 4),
		done:   make(chan struct{}),
		cancel: cancel,
		log:    t.log.WithField("endpoint", d.String()),
	}
	go c.run(ctx, d)
	return c
}

// handshakeTrace records which callbacks ran during a handshake so a failed
// handshake can be attributed without parsing error strings.
type handshakeTrace struct {
	authAttempted atomic.Bool
	hostKeyErr    atomic.Pointer[error]
}

func (p *handshakeTrace) classify(err error) error {
	if hkErr := p.hostKeyErr.Load(); hkErr != nil {
		return &HostKeyError{Err: *hkErr}
	}
	var netErr net.Error
	if p.authAttempted.Load() && !errors.As(err, &netErr) && !errors.Is(err, io.EOF) {
		return &AuthError{Err: err}
	}
	return err
}

func (t *SSHTransport) clientConfig(d endpoint.Descriptor) (*ssh.ClientConfig, *handshakeTrace, error) {
	trace := &handshakeTrace{}

	var auth []ssh.AuthMethod
	switch d.AuthMethod {
	case endpoint.AuthPassword:
		password := func() (string, error) {
			trace.authAttempted.Store(true)
			return d.Password, nil
		}
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			trace.authAttempted.Store(true)
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = d.Password
			}
			return answers, nil
		}
		auth = []ssh.AuthMethod{
			ssh.PasswordCallback(password),
			ssh.KeyboardInteractive(answer),
		}
	case endpoint.AuthKey:
		signer, err := sshkeys.ParseSigner(d.PrivateKey, d.Passphrase)
		if err != nil {
			return nil, nil, &KeyError{Err: err}
		}
		auth = []ssh.AuthMethod{
			ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
				trace.authAttempted.Store(true)
				return []ssh.Signer{signer}, nil
			}),
		}
	default:
		return nil, nil, fmt.Errorf("unsupported auth method %q", d.AuthMethod)
	}

	hostKey := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := t.hostKey(hostname, remote, key); err != nil {
			trace.hostKeyErr.Store(&err)
			return err
		}
		return nil
	}

	return &ssh.ClientConfig{
		User:            d.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		ClientVersion:   t.cfg.ClientVersion,
	}, trace, nil
}

type sshConn struct {
	t      *SSHTransport
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc
	log    *logrus.Entry

	once     sync.Once
	closeErr error

	mu     sync.Mutex
	client *ssh.Client
	closed bool

	keepaliveFailed atomic.Bool
}

func (c *sshConn) Events() <-chan Event { return c.events }

// emit delivers ev unless the connection has been closed by its owner.
func (c *sshConn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *sshConn) fail(err error) {
	c.emit(Event{Kind: EventError, Err: err})
	c.emit(Event{Kind: EventClose})
}

func (c *sshConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *sshConn) run(ctx context.Context, d endpoint.Descriptor) {
	cfg, trace, err := c.t.clientConfig(d)
	if err != nil {
		c.fail(err)
		return
	}

	addr := d.Addr()
	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.log.WithError(err).Debug("dial failed")
		c.fail(err)
		return
	}

	// The handshake has no context parameter; closing the socket aborts it.
	stop := context.AfterFunc(ctx, func() { netConn.Close() })
	sc, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if !stop() {
		if err == nil {
			sc.Close()
		}
		c.fail(ctx.Err())
		return
	}
	if err != nil {
		netConn.Close()
		err = trace.classify(err)
		c.log.WithError(err).Debug("handshake failed")
		c.fail(err)
		return
	}

	client := ssh.NewClient(sc, chans, reqs)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		client.Close()
		return
	}
	c.client = client
	c.mu.Unlock()

	c.log.Debug("connection ready")
	c.emit(Event{Kind: EventReady})

	if interval := c.t.cfg.KeepaliveInterval; interval > 0 {
		timeout := c.t.cfg.KeepaliveTimeout
		if timeout <= 0 {
			timeout = interval
		}
		go c.keepalive(ctx, client, interval, timeout)
	}

	werr := client.Wait()
	if c.isClosed() || c.keepaliveFailed.Load() {
		return
	}
	if werr != nil && !errors.Is(werr, io.EOF) && !errors.Is(werr, net.ErrClosed) {
		c.emit(Event{Kind: EventError, Err: werr})
	}
	c.log.Debug("remote ended connection")
	c.emit(Event{Kind: EventEnd})
	c.emit(Event{Kind: EventClose})
}

// keepalive pings the connection until ctx ends. A failed or unanswered
// request reports an error and tears the connection down.
func (c *sshConn) keepalive(ctx context.Context, client *ssh.Client, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sendKeepalive(ctx, client, timeout); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.log.WithError(err).Warn("keepalive failed, closing connection")
				c.keepaliveFailed.Store(true)
				c.emit(Event{Kind: EventError, Err: &KeepaliveError{Err: err}})
				client.Close()
				c.emit(Event{Kind: EventClose})
				return
			}
		}
	}
}

// sendKeepalive sends one request and waits at most timeout for the reply.
// SendRequest has no deadline of its own and blocks forever on a peer that
// silently stopped answering.
func sendKeepalive(ctx context.Context, client *ssh.Client, timeout time.Duration) error {
	reply := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest(keepaliveRequest, true, nil)
		reply <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-reply:
		return err
	case <-timer.C:
		return fmt.Errorf("no reply within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *sshConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.cancel()

		c.mu.Lock()
		c.closed = true
		client := c.client
		c.mu.Unlock()

		if client != nil {
			if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}

func (c *sshConn) OpenShell(ctx context.Context, opts ShellOptions) (Channel, error) {
	c.mu.Lock()
	client, closed := c.client, c.closed
	c.mu.Unlock()
	if closed {
		return nil, net.ErrClosed
	}
	if client == nil {
		return nil, errors.New("connection is not ready")
	}

	type result struct {
		ch  *sshChannel
		err error
	}
	res := make(chan result, 1)
	go func() {
		ch, err := openShell(client, opts.withDefaults())
		res <- result{ch, err}
	}()

	select {
	case r := <-res:
		if r.err != nil {
			return nil, r.err
		}
		return r.ch, nil
	case <-ctx.Done():
		go func() {
			if r := <-res; r.ch != nil {
				r.ch.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func openShell(client *ssh.Client, opts ShellOptions) (*sshChannel, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(opts.Term, opts.Rows, opts.Cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &sshChannel{session: session, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type sshChannel struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
	stderr  io.Reader
}

func (ch *sshChannel) Stdout() io.Reader { return ch.stdout }
func (ch *sshChannel) Stderr() io.Reader { return ch.stderr }

func (ch *sshChannel) Write(p []byte) (int, error) { return ch.stdin.Write(p) }

// windowChange is the RFC 4254 section 6.7 payload.
type windowChange struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

func (ch *sshChannel) Resize(rows, cols, heightPx, widthPx int) error {
	msg := windowChange{
		Columns: dimension(cols),
		Rows:    dimension(rows),
		Width:   dimension(widthPx),
		Height:  dimension(heightPx),
	}
	_, err := ch.session.SendRequest("window-change", false, ssh.Marshal(&msg))
	return err
}

func dimension(v int) uint32 {
	if v < 0 {
		return 0
	}
	return uint32(v)
}

func (ch *sshChannel) Wait() error {
	err := ch.session.Wait()
	var exitErr *ssh.ExitError
	if err == nil || errors.As(err, &exitErr) {
		return nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return ErrExitMissing
	}
	return err
}

func (ch *sshChannel) Close() error {
	err := ch.session.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
