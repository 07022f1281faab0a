// Package sshaudit keeps a durable record of session lifecycle events.
//
// # Event Types
//
//   - [EventSessionConnected]: the shell opened and the session is usable.
//   - [EventSessionFailed]: the session reported an error (code and reason
//     are stored).
//   - [EventSessionClosed]: the session ended; includes its duration and,
//     for remote ends, the REMOTE_ENDED code.
//
// # Architecture
//
// [Auditor] registers [Auditor.Observe] as a session router observer. Entries
// are queued and written to the session_audit_logs table by a single writer
// goroutine. [Auditor.Close] flushes the queue.
//
// # Retention and Purging
//
// Entries are kept for [DefaultRetentionDays] unless configured otherwise.
// [Auditor.SchedulePurge] runs [Auditor.PurgeOlderThan] on a cron schedule.
//
// # Querying
//
// [Auditor.Query] filters by session, surface, host, user, event type and
// time range, newest first, with pagination metadata.
package sshaudit
