package sshaudit

import (
	"fmt"
	"sync"
	"time"

	"github.com/gluk-w/sshdeck/internal/database"
	"github.com/gluk-w/sshdeck/internal/logging"
	"github.com/gluk-w/sshdeck/internal/logutil"
	"github.com/gluk-w/sshdeck/internal/session"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Event types for session audit logging.
const (
	EventSessionConnected = "session_connected"
	EventSessionFailed    = "session_failed"
	EventSessionClosed    = "session_closed"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// queueSize bounds the entries waiting to be written.
const queueSize = 1024

// AuditEntry contains the fields needed to create an audit log entry.
type AuditEntry struct {
	SessionID  string
	SurfaceID  string
	Host       string
	Username   string
	EventType  string
	Code       string
	Details    string
	DurationMs int64
}

// Auditor records session lifecycle events in the database. Events observed
// from the router are queued and written by a background worker so database
// latency never holds a session's lock.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
	log           *logrus.Entry

	queue     chan AuditEntry
	wg        sync.WaitGroup
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewAuditor creates an Auditor that writes to db and starts its writer.
// If retentionDays is 0, DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	a := &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
		log:           logging.For("audit"),
		queue:         make(chan AuditEntry, queueSize),
	}
	a.wg.Add(1)
	go a.writer()
	return a
}

func (a *Auditor) writer() {
	defer a.wg.Done()
	for entry := range a.queue {
		a.Log(entry)
	}
}

// Close stops accepting events and waits for queued ones to be written.
func (a *Auditor) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
		a.wg.Wait()
	})
}

// Observe converts a lifecycle event into an audit entry and queues it. It
// has the session.Observer signature. A full queue drops the entry with a
// warning.
func (a *Auditor) Observe(ev session.Event) {
	entry, ok := entryFor(ev)
	if !ok {
		return
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- entry:
	default:
		a.log.WithField("session", logutil.SanitizeForLog(ev.SessionID)).Warn("audit queue full, entry dropped")
	}
}

func entryFor(ev session.Event) (AuditEntry, bool) {
	entry := AuditEntry{
		SessionID: ev.SessionID,
		SurfaceID: ev.SurfaceID,
		Host:      ev.Host,
		Username:  ev.Username,
	}
	switch ev.Type {
	case session.EventConnected:
		entry.EventType = EventSessionConnected
	case session.EventError:
		entry.EventType = EventSessionFailed
	case session.EventClose:
		entry.EventType = EventSessionClosed
		entry.DurationMs = ev.Duration.Milliseconds()
	default:
		return AuditEntry{}, false
	}
	if ev.Err != nil {
		entry.Code = string(ev.Err.Code)
		entry.Details = ev.Err.Message
		if reason := ev.Err.Reason(); reason != "" {
			entry.Details = fmt.Sprintf("%s (%s)", ev.Err.Message, reason)
		}
	}
	return entry, true
}

// Log records an audit event to the database and the log.
func (a *Auditor) Log(entry AuditEntry) error {
	record := database.SessionAuditLog{
		SessionID: entry.SessionID,
		SurfaceID: entry.SurfaceID,
		Host:      entry.Host,
		Username:  entry.Username,
		EventType: entry.EventType,
		Code:      entry.Code,
		Details:   entry.Details,
		Duration:  entry.DurationMs,
	}

	if err := a.db.Create(&record).Error; err != nil {
		a.log.WithError(err).Error("failed to write audit log")
		return err
	}

	a.log.WithFields(logrus.Fields{
		"event":   entry.EventType,
		"session": logutil.SanitizeForLog(entry.SessionID),
		"host":    logutil.SanitizeForLog(entry.Host),
		"user":    logutil.SanitizeForLog(entry.Username),
		"code":    entry.Code,
	}).Info(logutil.SanitizeForLog(entry.Details))
	return nil
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	SessionID string
	SurfaceID string
	Host      string
	Username  string
	EventType string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.SessionAuditLog `json:"entries"`
	Total   int64                      `json:"total"`
	Limit   int                        `json:"limit"`
	Offset  int                        `json:"offset"`
}

// Query retrieves audit log entries matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.SessionAuditLog{})

	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.SurfaceID != "" {
		tx = tx.Where("surface_id = ?", opts.SurfaceID)
	}
	if opts.Host != "" {
		tx = tx.Where("host = ?", opts.Host)
	}
	if opts.Username != "" {
		tx = tx.Where("username = ?", opts.Username)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.SessionAuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes entries older than days, or than the configured
// retention when days is 0. Returns the number of records deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.SessionAuditLog{})
	if result.Error != nil {
		a.log.WithError(result.Error).Error("purge failed")
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		a.log.Infof("purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// SchedulePurge runs PurgeOlderThan(0) on the given cron schedule and
// returns the started scheduler. Stop it on shutdown.
func (a *Auditor) SchedulePurge(schedule string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := a.PurgeOlderThan(0); err != nil {
			a.log.WithError(err).Warn("scheduled purge failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("parse purge schedule %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
