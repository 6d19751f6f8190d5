package irc

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// defaultMOTD is served when no file is configured or it cannot be read.
var defaultMOTD = []string{"MOTD file is missing."}

// MOTD serves the message of the day and hot-reloads it when the
// backing file changes.
type MOTD struct {
	mu    sync.RWMutex
	lines []string

	path    string
	watcher *fsnotify.Watcher
	closed  chan struct{}
}

// NewMOTD loads the file at path, or the built-in default when path is
// empty. A configured file is watched for edits.
func NewMOTD(path string) *MOTD {
	m := &MOTD{path: path, lines: defaultMOTD, closed: make(chan struct{})}
	if path == "" {
		return m
	}
	m.reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnf("IRC: motd watcher: %v", err)
		return m
	}
	// Watch the directory: editors often replace the file wholesale.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		log.Warnf("IRC: watch %s: %v", filepath.Dir(path), err)
		watcher.Close()
		return m
	}
	m.watcher = watcher
	go m.watchLoop()
	return m
}

// Lines is a snapshot of the current message of the day.
func (m *MOTD) Lines() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lines
}

func (m *MOTD) reload() {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		log.Warnf("IRC: read motd %s: %v", m.path, err)
		m.mu.Lock()
		m.lines = defaultMOTD
		m.mu.Unlock()
		return
	}

	var lines []string
	for _, line := range strings.Split(string(raw), "\n") {
		lines = append(lines, strings.TrimRight(line, "\r"))
	}
	// A trailing newline is not an extra MOTD line.
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	if len(lines) == 0 {
		lines = defaultMOTD
	}

	m.mu.Lock()
	m.lines = lines
	m.mu.Unlock()
	log.Infof("IRC: loaded motd from %s (%d lines)", m.path, len(lines))
}

func (m *MOTD) watchLoop() {
	for {
		select {
		case <-m.closed:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(m.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				m.reload()
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("IRC: motd watcher: %v", err)
		}
	}
}

// Close stops watching the file.
func (m *MOTD) Close() {
	close(m.closed)
	if m.watcher != nil {
		m.watcher.Close()
	}
}
