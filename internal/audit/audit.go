// Package audit provides append-only structured logging for store operations.
//
// Every entry access (read, write, delete, bulk read/delete, migrate, rotate)
// is recorded to an audit log at ~/.coffer/audit.log as newline-delimited JSON.
// Values are never logged.
package audit

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Action describes what happened.
type Action string

const (
	ActionEntryRead      Action = "entry_read"
	ActionEntryWrite     Action = "entry_write"
	ActionEntryDelete    Action = "entry_delete"
	ActionEntryReadAll   Action = "entry_read_all"
	ActionEntryDeleteAll Action = "entry_delete_all"
	ActionEntryMigrate   Action = "entry_migrate"
	ActionEntryRotate    Action = "entry_rotate"
)

// Entry is a single audit log record.
type Entry struct {
	Timestamp     time.Time `json:"ts"`
	Action        Action    `json:"action"`
	Namespace     string    `json:"namespace"`
	Accessibility string    `json:"accessibility,omitempty"`
	Key           string    `json:"key,omitempty"`
	Actor         string    `json:"actor,omitempty"`   // "cli", "server"
	Trigger       string    `json:"trigger,omitempty"` // "manual", "hook", "migration"
	Command       string    `json:"command,omitempty"` // rotation command if applicable
	Source        string    `json:"source,omitempty"`  // legacy service for migrations
	Count         int       `json:"count,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Logger writes audit entries to an append-only file.
type Logger struct {
	file *os.File
	path string
	log  zerolog.Logger
}

// NewLogger creates or opens an audit log file for appending. Each record
// is also copied to any tails, such as an in-memory ring.
func NewLogger(path string, tails ...io.Writer) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	var w io.Writer = f
	if len(tails) > 0 {
		w = zerolog.MultiLevelWriter(append([]io.Writer{f}, tails...)...)
	}
	return &Logger{
		file: f,
		path: path,
		log:  zerolog.New(zerolog.SyncWriter(w)),
	}, nil
}

// Path returns the file the logger appends to.
func (l *Logger) Path() string {
	return l.path
}

// Log writes an audit entry. Failures are reported through zerolog's
// error handler and never returned.
func (l *Logger) Log(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	ev := l.log.Log().
		Str("ts", entry.Timestamp.Format(time.RFC3339Nano)).
		Str("action", string(entry.Action)).
		Str("namespace", entry.Namespace)
	if entry.Accessibility != "" {
		ev = ev.Str("accessibility", entry.Accessibility)
	}
	if entry.Key != "" {
		ev = ev.Str("key", entry.Key)
	}
	if entry.Actor != "" {
		ev = ev.Str("actor", entry.Actor)
	}
	if entry.Trigger != "" {
		ev = ev.Str("trigger", entry.Trigger)
	}
	if entry.Command != "" {
		ev = ev.Str("command", entry.Command)
	}
	if entry.Source != "" {
		ev = ev.Str("source", entry.Source)
	}
	if entry.Count != 0 {
		ev = ev.Int("count", entry.Count)
	}
	if entry.Error != "" {
		ev = ev.Str("error", entry.Error)
	}
	ev.Send()
}

// Close closes the audit log file.
func (l *Logger) Close() error {
	return l.file.Close()
}
