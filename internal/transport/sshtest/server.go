// Package sshtest runs an in-process SSH server with PTY shell support for
// tests that need a real protocol peer.
package sshtest

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/gluk-w/sshdeck/internal/sshkeys"
	"golang.org/x/crypto/ssh"
)

// Options configures a test server. Leaving both Password and AuthorizedKey
// empty rejects every client.
type Options struct {
	Username      string
	Password      string
	AuthorizedKey ssh.PublicKey
	// Prompt is written when a shell starts.
	Prompt string
	// ReportResize writes "resize:COLSxROWS\n" for every window-change.
	ReportResize bool
}

// Resize is a recorded window-change request.
type Resize struct {
	Cols, Rows, Width, Height uint32
}

// Server is a running test server.
type Server struct {
	Addr    string
	HostKey ssh.PublicKey

	opts     Options
	config   *ssh.ServerConfig
	listener net.Listener
	done     chan struct{}

	mu      sync.Mutex
	conns   []*ssh.ServerConn
	resizes []Resize
	shells  int
}

// NewServer starts a server on a loopback port and stops it on test cleanup.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()

	_, hostKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := sshkeys.ParseSigner(hostKeyPEM, "")
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}

	s := &Server{HostKey: hostSigner.PublicKey(), opts: opts, done: make(chan struct{})}
	s.config = &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if opts.Password != "" && s.userOK(conn) && string(password) == opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if opts.AuthorizedKey != nil && s.userOK(conn) &&
				ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(opts.AuthorizedKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	s.config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.listener = listener
	s.Addr = listener.Addr().String()

	go func() {
		defer close(s.done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go s.handleConnection(netConn)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

// HostPort splits Addr for building descriptors.
func (s *Server) HostPort() (string, int) {
	return splitHostPort(s.Addr)
}

func splitHostPort(addr string) (string, int) {
	host, port, _ := net.SplitHostPort(addr)
	var p int
	fmt.Sscanf(port, "%d", &p)
	return host, p
}

func (s *Server) userOK(conn ssh.ConnMetadata) bool {
	return s.opts.Username == "" || conn.User() == s.opts.Username
}

// Close stops accepting and drops every open connection.
func (s *Server) Close() {
	s.listener.Close()
	<-s.done
	s.DropConnections()
}

// DropConnections closes every established connection from the server side.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Resizes returns the window-change requests received so far.
func (s *Server) Resizes() []Resize {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Resize(nil), s.resizes...)
}

// Shells returns how many shells have been started.
func (s *Server) Shells() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shells
}

func (s *Server) handleConnection(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	s.mu.Lock()
	s.conns = append(s.conns, sshConn)
	s.mu.Unlock()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

// handleSession echoes stdin back. A line "exit" ends the shell with status 0.
func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()

	for req := range requests {
		switch req.Type {
		case "pty-req":
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "window-change":
			if len(req.Payload) >= 16 {
				r := Resize{
					Cols:   binary.BigEndian.Uint32(req.Payload[0:4]),
					Rows:   binary.BigEndian.Uint32(req.Payload[4:8]),
					Width:  binary.BigEndian.Uint32(req.Payload[8:12]),
					Height: binary.BigEndian.Uint32(req.Payload[12:16]),
				}
				s.mu.Lock()
				s.resizes = append(s.resizes, r)
				s.mu.Unlock()
				if s.opts.ReportResize {
					fmt.Fprintf(ch, "resize:%dx%d\n", r.Cols, r.Rows)
				}
			}
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			if req.WantReply {
				req.Reply(true, nil)
			}
			s.mu.Lock()
			s.shells++
			s.mu.Unlock()
			if s.opts.Prompt != "" {
				ch.Write([]byte(s.opts.Prompt))
			}
			go echo(ch)

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func echo(ch ssh.Channel) {
	buf := make([]byte, 4096)
	var line []byte
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			ch.Write(buf[:n])
			line = append(line, buf[:n]...)
			for {
				i := indexNewline(line)
				if i < 0 {
					break
				}
				if string(line[:i]) == "exit" {
					ch.SendRequest("exit-status", false, ssh.Marshal(&struct{ Status uint32 }{0}))
					ch.Close()
					return
				}
				line = line[i+1:]
			}
		}
		if err != nil {
			return
		}
	}
}

func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' || c == '\r' {
			return i
		}
	}
	return -1
}
