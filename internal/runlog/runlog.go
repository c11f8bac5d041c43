// Package runlog writes the append-only anomaly log produced by analysis and
// ingestion runs: one ISO-8601-timestamped line per anomaly, for operator
// diagnosis only. Nothing downstream parses it.
package runlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/couchcryptid/aq-intake/internal/domain"
)

// Log appends timestamped lines to a file. Safe for concurrent use by
// multiple station workers.
type Log struct {
	mu    sync.Mutex
	f     *os.File
	path  string
	lines int64
}

// Open creates or appends to the log file at path, creating parent
// directories as needed.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open error log: %w", err)
	}
	return &Log{f: f, path: path}, nil
}

// Printf appends one timestamped line. Write failures are swallowed: the log
// is diagnostic and must never fail the run it describes.
func (l *Log) Printf(format string, args ...any) {
	line := fmt.Sprintf("%s %s\n", domain.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))

	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines++
	l.f.WriteString(line) //nolint:errcheck // best-effort diagnostics
}

// Path returns the log file location, reported in run summaries.
func (l *Log) Path() string { return l.path }

// Lines returns the number of lines written through this handle.
func (l *Log) Lines() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lines
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
