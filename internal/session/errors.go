package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/gluk-w/sshdeck/internal/transport"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Code identifies a session failure category. The string values are part of
// the wire protocol.
type Code string

const (
	// CodeAuthConfigInvalid: the descriptor cannot authenticate; no transport
	// attempt was made.
	CodeAuthConfigInvalid Code = "AUTH_CONFIG_INVALID"
	// CodeConnectTimeout: readiness or shell open did not complete in time.
	CodeConnectTimeout Code = "CONNECT_TIMEOUT"
	// CodeTransportError: the connection failed or broke.
	CodeTransportError Code = "TRANSPORT_ERROR"
	// CodeChannelOpenFailed: the connection was ready but no shell started.
	CodeChannelOpenFailed Code = "CHANNEL_OPEN_FAILED"
	// CodeRemoteEnded: the remote side closed the session cleanly.
	CodeRemoteEnded Code = "REMOTE_ENDED"
)

// Transport failure reasons carried in Details["reason"].
const (
	ReasonAuthRejected = "auth_rejected"
	ReasonHostKey      = "host_key"
	ReasonInvalidKey   = "invalid_key"
	ReasonRefused      = "refused"
	ReasonUnresolved   = "unresolved"
	ReasonTimeout      = "timeout"
	ReasonNetworkReset = "network_reset"
	ReasonUnreachable  = "unreachable"
	ReasonKeepalive    = "keepalive"
	ReasonProtocol     = "protocol"
	ReasonThrottled    = "throttled"
)

// Error is a structured session failure reported to the owner surface.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Reason returns Details["reason"], or "".
func (e *Error) Reason() string {
	r, _ := e.Details["reason"].(string)
	return r
}

// NewError creates an Error without a cause.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError creates an Error around cause.
func WrapError(cause error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Is reports whether err is, or wraps, an *Error with the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Classify maps a transport failure to a TRANSPORT_ERROR with a reason
// derived from the error's type. An err that already is an *Error is
// returned unchanged.
func Classify(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	reason, message := classifyReason(err)
	return WrapError(err, CodeTransportError, message).WithDetail("reason", reason)
}

func classifyReason(err error) (reason, message string) {
	var (
		authErr      *transport.AuthError
		hostKeyErr   *transport.HostKeyError
		knownHostErr *knownhosts.KeyError
		keyErr       *transport.KeyError
		keepaliveErr *transport.KeepaliveError
		dnsErr       *net.DNSError
		netErr       net.Error
		opErr        *net.OpError
	)

	switch {
	case errors.As(err, &authErr):
		return ReasonAuthRejected, "authentication rejected by remote host"
	case errors.As(err, &hostKeyErr), errors.As(err, &knownHostErr):
		return ReasonHostKey, "remote host key verification failed"
	case errors.As(err, &keyErr):
		return ReasonInvalidKey, "private key could not be used"
	case errors.As(err, &keepaliveErr):
		return ReasonKeepalive, "connection stopped responding"
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReasonRefused, "connection refused"
	case errors.As(err, &dnsErr):
		return ReasonUnresolved, "host could not be resolved"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return ReasonTimeout, "connection timed out"
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return ReasonNetworkReset, "connection reset"
	case errors.As(err, &opErr):
		return ReasonUnreachable, "host unreachable"
	default:
		return ReasonProtocol, "connection failed"
	}
}
