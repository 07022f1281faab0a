package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gluk-w/sshdeck/internal/recording"
	"github.com/go-chi/chi/v5"
)

// Recordings is set from main.go when session recording is enabled.
var Recordings *recording.Recorder

func ListRecordings(w http.ResponseWriter, r *http.Request) {
	if Recordings == nil {
		writeError(w, http.StatusNotFound, "Session recording is disabled")
		return
	}
	infos, err := Recordings.List()
	if err != nil {
		log.WithError(err).Error("list recordings")
		writeError(w, http.StatusInternalServerError, "Failed to list recordings")
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

// GetRecording streams one asciicast file.
func GetRecording(w http.ResponseWriter, r *http.Request) {
	if Recordings == nil {
		writeError(w, http.StatusNotFound, "Session recording is disabled")
		return
	}
	f, err := Recordings.Open(chi.URLParam(r, "name"))
	if errors.Is(err, recording.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Recording not found")
		return
	}
	if err != nil {
		log.WithError(err).Error("open recording")
		writeError(w, http.StatusInternalServerError, "Failed to open recording")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/x-asciicast")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, f)
}
