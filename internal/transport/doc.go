// Package transport is the boundary between the session manager and the
// SSH protocol library.
//
// A [Transport] starts a connection attempt and returns a [Conn] at once.
// The attempt's progress is reported as [Event] values on Conn.Events:
//
//   - [EventReady]: the handshake and authentication completed.
//   - [EventError]: the attempt or the established connection failed.
//   - [EventEnd]: the remote side ended the connection.
//   - [EventClose]: the connection is gone; nothing follows it.
//
// Once ready, Conn.OpenShell starts an interactive PTY [Channel] whose
// Stdout/Stderr readers carry inbound bytes. Calling Conn.Close stops event
// delivery immediately, so a consumer that has stopped reading never blocks
// the connection goroutines.
//
// [SSHTransport] implements the contract over golang.org/x/crypto/ssh with
// password, keyboard-interactive and public-key authentication, optional
// known_hosts verification and keepalive probing. Failures are reported with
// typed errors ([AuthError], [HostKeyError], [KeyError], [KeepaliveError])
// so callers can classify them without inspecting message text.
package transport
