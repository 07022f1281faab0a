package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gluk-w/sshdeck/internal/endpoint"
)

// EventKind identifies a connection lifecycle event.
type EventKind int

const (
	EventReady EventKind = iota
	EventError
	EventEnd
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventError:
		return "error"
	case EventEnd:
		return "end"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is delivered on Conn.Events. Err is set for EventError.
type Event struct {
	Kind EventKind
	Err  error
}

// Transport starts connection attempts.
type Transport interface {
	// Connect begins connecting to d and returns immediately. Cancelling ctx
	// aborts the attempt the same way Conn.Close does.
	Connect(ctx context.Context, d endpoint.Descriptor) Conn
}

// Conn is one connection attempt and, after EventReady, the live connection.
type Conn interface {
	Events() <-chan Event
	// OpenShell starts an interactive shell. Only valid after EventReady.
	OpenShell(ctx context.Context, opts ShellOptions) (Channel, error)
	// Close ends the connection. Safe to call at any time, more than once.
	Close() error
}

// Channel is an interactive shell stream.
type Channel interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Write(p []byte) (int, error)
	// Resize sends a window-change request. Values are forwarded as given.
	Resize(rows, cols, heightPx, widthPx int) error
	// Wait blocks until the remote side ends the shell. It returns nil when
	// the remote reported how the shell ended and ErrExitMissing when the
	// channel went away without that report, as it does when the connection
	// dies underneath it.
	Wait() error
	Close() error
}

// ErrExitMissing is returned by Channel.Wait when the shell ended without an
// exit status or signal.
var ErrExitMissing = errors.New("shell ended without exit status")

// ShellOptions configures the PTY requested for a shell.
type ShellOptions struct {
	Term string
	Rows int
	Cols int
}

// DefaultShellOptions is the PTY requested when a caller has no size yet.
var DefaultShellOptions = ShellOptions{Term: "xterm-256color", Rows: 24, Cols: 80}

func (o ShellOptions) withDefaults() ShellOptions {
	if o.Term == "" {
		o.Term = DefaultShellOptions.Term
	}
	if o.Rows <= 0 {
		o.Rows = DefaultShellOptions.Rows
	}
	if o.Cols <= 0 {
		o.Cols = DefaultShellOptions.Cols
	}
	return o
}

// AuthError means the server rejected every offered credential.
type AuthError struct{ Err error }

func (e *AuthError) Error() string { return fmt.Sprintf("authentication failed: %v", e.Err) }
func (e *AuthError) Unwrap() error { return e.Err }

// HostKeyError means the server's host key did not pass verification.
type HostKeyError struct{ Err error }

func (e *HostKeyError) Error() string { return fmt.Sprintf("host key verification failed: %v", e.Err) }
func (e *HostKeyError) Unwrap() error { return e.Err }

// KeyError means the configured private key could not be used.
type KeyError struct{ Err error }

func (e *KeyError) Error() string { return fmt.Sprintf("unusable private key: %v", e.Err) }
func (e *KeyError) Unwrap() error { return e.Err }

// KeepaliveError means an established connection stopped answering.
type KeepaliveError struct{ Err error }

func (e *KeepaliveError) Error() string { return fmt.Sprintf("keepalive failed: %v", e.Err) }
func (e *KeepaliveError) Unwrap() error { return e.Err }
