// Package logger records per-session event transcripts in JSON-Lines
// format, one file per session under the transcript directory.
package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// transcriptLine is one recorded event: receipt time plus the event
// payload exactly as forwarded to the browser.
type transcriptLine struct {
	Time  time.Time       `json:"time"`
	Event json.RawMessage `json:"event"`
}

// TranscriptLogger appends session events to per-session JSONL files.
// Safe for concurrent use across sessions and connections.
type TranscriptLogger struct {
	dir string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewTranscriptLogger creates a logger writing under dir. The
// directory is created if missing.
func NewTranscriptLogger(dir string) (*TranscriptLogger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	return &TranscriptLogger{
		dir:   dir,
		files: make(map[string]*os.File),
	}, nil
}

// Append records one event for a session. The file is opened lazily
// on the session's first event and kept open until Close.
func (l *TranscriptLogger) Append(sessionID string, event []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.files[sessionID]
	if !ok {
		path := filepath.Join(l.dir, fileName(sessionID))
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open transcript for session %s: %w", sessionID, err)
		}
		l.files[sessionID] = f
	}

	line, err := json.Marshal(transcriptLine{Time: time.Now(), Event: event})
	if err != nil {
		return fmt.Errorf("failed to encode transcript line: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write transcript line: %w", err)
	}
	return nil
}

// fileName maps a session id to a transcript filename. Session ids
// normally come from the backend, but session creation accepts a
// caller-supplied id the backend may echo, so path characters must not
// survive into the filename.
func fileName(sessionID string) string {
	var b strings.Builder
	for _, r := range sessionID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		name = "session"
	}
	return name + ".jsonl"
}

// Close closes every open transcript file.
func (l *TranscriptLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for id, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(l.files, id)
	}
	return firstErr
}
