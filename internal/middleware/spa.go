package middleware

import (
	"io/fs"
	"net/http"
	"strings"
)

// SPAHandler serves a built single-page web client. Unknown paths fall back
// to index.html so client-side routes resolve; API paths never do.
type SPAHandler struct {
	fs        http.FileSystem
	files     http.Handler
	indexHTML []byte
}

// NewSPAHandler serves fsys, which must contain index.html at its root.
func NewSPAHandler(fsys fs.FS) *SPAHandler {
	index, _ := fs.ReadFile(fsys, "index.html")
	hfs := http.FS(fsys)
	return &SPAHandler{
		fs:        hfs,
		files:     http.FileServer(hfs),
		indexHTML: index,
	}
}

func (h *SPAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.NotFound(w, r)
		return
	}
	if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/health" {
		http.NotFound(w, r)
		return
	}

	if h.isFile(strings.TrimPrefix(r.URL.Path, "/")) {
		h.files.ServeHTTP(w, r)
		return
	}

	if h.indexHTML == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(h.indexHTML)
}

func (h *SPAHandler) isFile(path string) bool {
	if path == "" {
		return false
	}
	f, err := h.fs.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	stat, err := f.Stat()
	return err == nil && !stat.IsDir()
}
