package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Writer receives committed audit records. Implementations must be safe for
// concurrent use.
type Writer interface {
	Write(rec *EventRecord) error
	Close() error
}

// FileMirror writes every committed record as one JSON line to a rotating
// file. It is a read-side convenience for operators (tail -f, shipping to a
// SIEM); the append store remains the single source of truth and the only
// input to verification.
type FileMirror struct {
	logger  *lumberjack.Logger
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewFileMirror creates a mirror writing to filename with rotation.
func NewFileMirror(filename string, maxSizeMB, maxAgeDays, maxBackups int) (*FileMirror, error) {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create mirror directory: %w", err)
	}

	logger := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSizeMB,
		MaxAge:     maxAgeDays,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	return &FileMirror{
		logger:  logger,
		encoder: json.NewEncoder(logger),
	}, nil
}

// Write appends one record as a JSON line.
func (m *FileMirror) Write(rec *EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.encoder.Encode(rec)
}

// Close closes the underlying file.
func (m *FileMirror) Close() error {
	return m.logger.Close()
}
