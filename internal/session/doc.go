// Package session manages concurrent interactive SSH sessions.
//
// # Lifecycle
//
// Each session is identified by an id chosen by the caller and owned by one
// surface (a UI destination such as a terminal tab). A session moves through
//
//	connecting -> ready -> disposed
//
// with a direct connecting -> disposed edge for failures before the shell is
// usable. A connect for an id that is already live disposes the old session
// first; the new one is a fresh record. Disposed records are removed from the
// [Registry] and never reused.
//
// # Disposal
//
// Every ending (explicit Close, transport error, remote end, timeout) goes
// through one routine that stops the timer, closes the shell, closes the
// transport and removes the record. Removal decides who sends the close
// notification, so a session produces exactly one close however many
// triggers race.
//
// # Locking
//
// Operations take a per-id lock. Late transport completions re-check, under
// that lock, that their record is still the live one and otherwise do
// nothing. Writes and resizes perform their I/O outside the lock.
//
// # Routing
//
// The [Router] delivers connected, data, error and close events to the sink
// attached for the owner surface. Events for one session arrive in order.
// Observers receive lifecycle events for auditing and history.
package session
