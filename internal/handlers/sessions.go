package handlers

import (
	"net/http"

	"github.com/gluk-w/sshdeck/internal/logutil"
	"github.com/gluk-w/sshdeck/internal/session"
	"github.com/go-chi/chi/v5"
)

// SessionMgr and EventRouter are set from main.go during init.
var (
	SessionMgr  *session.Manager
	EventRouter *session.Router
)

// ListSessions handles GET /api/v1/sessions.
func ListSessions(w http.ResponseWriter, r *http.Request) {
	if SessionMgr == nil {
		writeError(w, http.StatusServiceUnavailable, "Session manager not initialized")
		return
	}
	writeJSON(w, http.StatusOK, SessionMgr.Sessions())
}

// GetSession handles GET /api/v1/sessions/{id}.
func GetSession(w http.ResponseWriter, r *http.Request) {
	if SessionMgr == nil {
		writeError(w, http.StatusServiceUnavailable, "Session manager not initialized")
		return
	}
	info, ok := SessionMgr.Session(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// CloseSession handles DELETE /api/v1/sessions/{id}. The owning surface
// receives the close notification as usual.
func CloseSession(w http.ResponseWriter, r *http.Request) {
	if SessionMgr == nil {
		writeError(w, http.StatusServiceUnavailable, "Session manager not initialized")
		return
	}
	id := chi.URLParam(r, "id")
	if !SessionMgr.Close(id) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	log.Infof("Session closed via API: session=%s", logutil.SanitizeForLog(id))
	w.WriteHeader(http.StatusNoContent)
}

// GetSessionEvents handles GET /api/v1/sessions/{id}/events. History is kept
// after disposal, so a failed session can still be inspected.
func GetSessionEvents(w http.ResponseWriter, r *http.Request) {
	if SessionMgr == nil {
		writeError(w, http.StatusServiceUnavailable, "Session manager not initialized")
		return
	}
	id := chi.URLParam(r, "id")
	events := SessionMgr.Events(id)
	transitions := SessionMgr.Transitions(id)
	if len(events) == 0 && len(transitions) == 0 {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if events == nil {
		events = []session.EventRecord{}
	}
	if transitions == nil {
		transitions = []session.Transition{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":  id,
		"events":      events,
		"transitions": transitions,
	})
}
