// Package logging configures the process-wide logrus logger and hands out
// per-component entries.
package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gluk-w/sshdeck/internal/config"
	"github.com/sirupsen/logrus"
)

var (
	base    = logrus.New()
	logFile *os.File
	mu      sync.Mutex

	entries   = make(map[string]*logrus.Entry)
	entriesMu sync.Mutex
)

// Init sets up dual logging to stdout and the configured log file.
// Must be called after config.Load().
func Init() {
	level, err := logrus.ParseLevel(config.Cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	if config.Cfg.LogFormat == "json" {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	path := config.Cfg.LogPath
	if path == "" {
		base.SetOutput(os.Stdout)
		return
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		base.SetOutput(os.Stdout)
		base.Warnf("cannot create log directory: %v", err)
		return
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		base.SetOutput(os.Stdout)
		base.Warnf("cannot open log file %s: %v", path, err)
		return
	}

	mu.Lock()
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	mu.Unlock()

	base.SetOutput(io.MultiWriter(os.Stdout, f))
	base.Infof("Logging to file: %s", path)
}

// For returns the logger entry for a component. Entries are cached so every
// caller in a package shares one.
func For(component string) *logrus.Entry {
	entriesMu.Lock()
	defer entriesMu.Unlock()
	if e, ok := entries[component]; ok {
		return e
	}
	e := base.WithField("component", component)
	entries[component] = e
	return e
}

// SetOutput redirects all component loggers, mainly for tests.
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// ReadTail returns the last n lines from the log file.
func ReadTail(n int) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	f, err := os.Open(config.Cfg.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}

	return strings.Join(lines, "\n"), nil
}

// Clear truncates the log file.
func Clear() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		if err := logFile.Truncate(0); err != nil {
			return fmt.Errorf("truncate log file: %w", err)
		}
		if _, err := logFile.Seek(0, 0); err != nil {
			return fmt.Errorf("seek log file: %w", err)
		}
		return nil
	}

	if err := os.Truncate(config.Cfg.LogPath, 0); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("truncate log file: %w", err)
	}
	return nil
}
