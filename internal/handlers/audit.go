package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/sshdeck/internal/sshaudit"
)

// AuditLog is set from main.go during init.
var AuditLog *sshaudit.Auditor

// GetAuditLogs handles GET /api/v1/audit.
// Query parameters:
//   - session_id, surface_id, host, username, event_type (optional): exact filters
//   - since, until (optional): RFC 3339 bounds on created_at
//   - limit (optional): number of entries per page (default 50, max 1000)
//   - offset (optional): pagination offset
func GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	if AuditLog == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit logging not initialized")
		return
	}

	q := r.URL.Query()
	opts := sshaudit.QueryOptions{
		SessionID: q.Get("session_id"),
		SurfaceID: q.Get("surface_id"),
		Host:      q.Get("host"),
		Username:  q.Get("username"),
		EventType: q.Get("event_type"),
	}

	for name, dst := range map[string]**time.Time{"since": &opts.Since, "until": &opts.Until} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid "+name)
			return
		}
		*dst = &t
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = offset
	}

	result, err := AuditLog.Query(opts)
	if err != nil {
		log.WithError(err).Error("audit query failed")
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}

	writeJSON(w, http.StatusOK, result)
}
