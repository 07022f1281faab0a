// Package recording writes the terminal output of every session to an
// asciicast v2 file so it can be reviewed or replayed later.
package recording

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/sshdeck/internal/logging"
	"github.com/gluk-w/sshdeck/internal/session"
	"github.com/sirupsen/logrus"
)

// DefaultMaxBytes caps the output recorded for one session.
const DefaultMaxBytes = 10 * 1024 * 1024

const fileExt = ".cast"

// ErrNotFound is returned by Open for names that are not recordings.
var ErrNotFound = errors.New("recording not found")

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Header is the first line of an asciicast v2 file.
type Header struct {
	Version   int    `json:"version"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Timestamp int64  `json:"timestamp"`
	Title     string `json:"title,omitempty"`
}

type Options struct {
	// Width and Height describe the terminal in the header.
	Width, Height int
	// MaxBytes caps recorded output per session. Zero means DefaultMaxBytes.
	MaxBytes int64
}

// Recorder turns session events into recordings. Register Observe as a
// router tap.
type Recorder struct {
	dir  string
	opts Options
	log  *logrus.Entry
	now  func() time.Time

	mu    sync.Mutex
	casts map[string]*cast
}

type cast struct {
	f       *os.File
	w       *bufio.Writer
	start   time.Time
	written int64
	full    bool
}

// New creates dir if needed and returns a Recorder writing into it.
func New(dir string, opts Options) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Width <= 0 {
		opts.Width = 80
	}
	if opts.Height <= 0 {
		opts.Height = 24
	}
	return &Recorder{
		dir:   dir,
		opts:  opts,
		log:   logging.For("recording"),
		now:   time.Now,
		casts: make(map[string]*cast),
	}, nil
}

// Observe starts a recording when a session connects, appends its output
// and finishes the file when the session closes.
func (r *Recorder) Observe(ev session.Event) {
	switch ev.Type {
	case session.EventConnected:
		r.start(ev)
	case session.EventData:
		r.write(ev)
	case session.EventClose:
		r.mu.Lock()
		r.finishLocked(ev.SessionID)
		r.mu.Unlock()
	}
}

func (r *Recorder) start(ev session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finishLocked(ev.SessionID)

	now := r.now()
	name := now.UTC().Format("20060102T150405.000") + "-" + unsafeChars.ReplaceAllString(ev.SessionID, "_") + fileExt
	f, err := os.OpenFile(filepath.Join(r.dir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		r.log.WithError(err).Warnf("cannot start recording for session %s", ev.SessionID)
		return
	}

	c := &cast{f: f, w: bufio.NewWriter(f), start: now}
	hdr := Header{
		Version:   2,
		Width:     r.opts.Width,
		Height:    r.opts.Height,
		Timestamp: now.Unix(),
		Title:     ev.Username + "@" + ev.Host,
	}
	if err := json.NewEncoder(c.w).Encode(hdr); err != nil {
		f.Close()
		r.log.WithError(err).Warnf("cannot write recording header for session %s", ev.SessionID)
		return
	}
	r.casts[ev.SessionID] = c
}

func (r *Recorder) write(ev session.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.casts[ev.SessionID]
	if !ok || c.full {
		return
	}
	if c.written+int64(len(ev.Data)) > r.opts.MaxBytes {
		c.full = true
		r.log.Infof("recording for session %s reached %d bytes, further output not recorded", ev.SessionID, r.opts.MaxBytes)
		return
	}

	elapsed := r.now().Sub(c.start).Seconds()
	line, err := json.Marshal([]interface{}{elapsed, "o", string(ev.Data)})
	if err != nil {
		return
	}
	c.w.Write(line)
	c.w.WriteByte('\n')
	c.written += int64(len(ev.Data))
}

func (r *Recorder) finishLocked(id string) {
	c, ok := r.casts[id]
	if !ok {
		return
	}
	delete(r.casts, id)
	if err := c.w.Flush(); err != nil {
		r.log.WithError(err).Warnf("flush recording for session %s", id)
	}
	c.f.Close()
}

// Close finishes every open recording.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.casts {
		r.finishLocked(id)
	}
}

// Info describes a finished or in-progress recording file.
type Info struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// List returns the recordings in the directory, newest first.
func (r *Recorder) List() ([]Info, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read recording directory: %w", err)
	}
	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, Info{Name: e.Name(), Size: fi.Size(), ModTime: fi.ModTime()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name > infos[j].Name })
	return infos, nil
}

// Open returns the recording called name. Names that are not plain
// recording file names are rejected.
func (r *Recorder) Open(name string) (*os.File, error) {
	if name != filepath.Base(name) || !strings.HasSuffix(name, fileExt) || unsafeChars.MatchString(name) {
		return nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(r.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}
