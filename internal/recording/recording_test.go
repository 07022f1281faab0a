package recording

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gluk-w/sshdeck/internal/session"
)

func newTestRecorder(t *testing.T, opts Options) (*Recorder, *time.Time) {
	t.Helper()
	r, err := New(filepath.Join(t.TempDir(), "casts"), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	t.Cleanup(r.Close)
	return r, &now
}

func readCast(t *testing.T, r *Recorder, name string) (Header, [][]interface{}) {
	t.Helper()
	f, err := r.Open(name)
	if err != nil {
		t.Fatalf("Open(%q): %v", name, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatal("recording is empty")
	}
	var hdr Header
	if err := json.Unmarshal(sc.Bytes(), &hdr); err != nil {
		t.Fatalf("header: %v", err)
	}
	var frames [][]interface{}
	for sc.Scan() {
		var frame []interface{}
		if err := json.Unmarshal(sc.Bytes(), &frame); err != nil {
			t.Fatalf("frame %q: %v", sc.Text(), err)
		}
		frames = append(frames, frame)
	}
	return hdr, frames
}

func TestRecorder_WritesAsciicast(t *testing.T) {
	r, now := newTestRecorder(t, Options{Width: 120, Height: 40})

	r.Observe(session.Event{Type: session.EventConnected, SessionID: "tab/1", Host: "db1", Username: "root"})
	*now = now.Add(500 * time.Millisecond)
	r.Observe(session.Event{Type: session.EventData, SessionID: "tab/1", Data: []byte("$ ")})
	*now = now.Add(time.Second)
	r.Observe(session.Event{Type: session.EventData, SessionID: "tab/1", Data: []byte("warn\n"), Stderr: true})
	r.Observe(session.Event{Type: session.EventData, SessionID: "other", Data: []byte("ignored")})
	r.Observe(session.Event{Type: session.EventClose, SessionID: "tab/1"})

	infos, err := r.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected 1 recording, got %d", len(infos))
	}
	if want := "20260301T120000.000-tab_1.cast"; infos[0].Name != want {
		t.Errorf("name = %q, want %q", infos[0].Name, want)
	}

	hdr, frames := readCast(t, r, infos[0].Name)
	if hdr.Version != 2 || hdr.Width != 120 || hdr.Height != 40 || hdr.Title != "root@db1" {
		t.Errorf("unexpected header: %+v", hdr)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if frames[0][0] != 0.5 || frames[0][1] != "o" || frames[0][2] != "$ " {
		t.Errorf("unexpected first frame: %v", frames[0])
	}
	if frames[1][0] != 1.5 || frames[1][2] != "warn\n" {
		t.Errorf("unexpected second frame: %v", frames[1])
	}
}

func TestRecorder_MaxBytes(t *testing.T) {
	r, _ := newTestRecorder(t, Options{MaxBytes: 8})

	r.Observe(session.Event{Type: session.EventConnected, SessionID: "s"})
	r.Observe(session.Event{Type: session.EventData, SessionID: "s", Data: []byte("12345")})
	r.Observe(session.Event{Type: session.EventData, SessionID: "s", Data: []byte("67890")})
	r.Observe(session.Event{Type: session.EventData, SessionID: "s", Data: []byte("1")})
	r.Observe(session.Event{Type: session.EventClose, SessionID: "s"})

	infos, err := r.List()
	if err != nil || len(infos) != 1 {
		t.Fatalf("List: %v %v", infos, err)
	}
	_, frames := readCast(t, r, infos[0].Name)
	if len(frames) != 1 {
		t.Errorf("expected recording to stop at the cap, got %d frames", len(frames))
	}
}

func TestRecorder_CloseFlushesOpenRecordings(t *testing.T) {
	r, _ := newTestRecorder(t, Options{})

	r.Observe(session.Event{Type: session.EventConnected, SessionID: "s"})
	r.Observe(session.Event{Type: session.EventData, SessionID: "s", Data: []byte("pending")})
	r.Close()

	infos, _ := r.List()
	if len(infos) != 1 {
		t.Fatalf("expected 1 recording, got %d", len(infos))
	}
	_, frames := readCast(t, r, infos[0].Name)
	if len(frames) != 1 {
		t.Errorf("expected buffered output to be flushed, got %d frames", len(frames))
	}
}

func TestRecorder_OpenRejectsOtherFiles(t *testing.T) {
	r, _ := newTestRecorder(t, Options{})
	if err := os.WriteFile(filepath.Join(r.dir, "notes.txt"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"notes.txt", "../secret.cast", "missing.cast", "a b.cast"} {
		if f, err := r.Open(name); err != ErrNotFound {
			if f != nil {
				io.Copy(io.Discard, f)
				f.Close()
			}
			t.Errorf("Open(%q) = %v, want ErrNotFound", name, err)
		}
	}

	infos, _ := r.List()
	if len(infos) != 0 {
		t.Errorf("List should skip non-recordings, got %v", infos)
	}
}
