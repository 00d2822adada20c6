package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ResultsLog appends one JSON document per line to a local file
type ResultsLog struct {
	mu   sync.Mutex
	path string
}

// NewResultsLog creates a log writing to path. The file is created on first append.
func NewResultsLog(path string) *ResultsLog {
	return &ResultsLog{path: path}
}

// Path returns the log file location
func (l *ResultsLog) Path() string {
	return l.path
}

// Append writes v as a single line
func (l *ResultsLog) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize result: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create results directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open results file %s: %w", l.path, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to write results file %s: %w", l.path, err)
	}
	return f.Close()
}
