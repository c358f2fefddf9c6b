package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// RequestLog is one structured line describing a completed action:
// enough to reconstruct what ran, how it went, and how long it took,
// without joining against the spool directory.
type RequestLog struct {
	Timestamp     time.Time `json:"timestamp"`
	TransactionID string    `json:"transaction_id"`
	Module        string    `json:"module"`
	Action        string    `json:"action"`
	Status        string    `json:"status"`
	DurationMs    int64     `json:"duration_ms"`
	ExitCode      int       `json:"exitcode,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// RequestLogger writes one RequestLog per completed action, to the
// console (human-readable) and/or a JSON-lines file.
type RequestLogger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultRequestLogger = &RequestLogger{enabled: true, console: true}

// DefaultRequestLogger returns the process-wide RequestLogger.
func DefaultRequestLogger() *RequestLogger {
	return defaultRequestLogger
}

// SetOutput points the logger at a JSON-lines file, opening it for append.
func (l *RequestLogger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables or disables the human-readable console line.
func (l *RequestLogger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log records entry, stamping its Timestamp.
func (l *RequestLogger) Log(entry *RequestLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	entry.Timestamp = time.Now()

	if l.console {
		fmt.Printf("[request] %s %s/%s %s %dms exitcode=%d\n",
			entry.TransactionID, entry.Module, entry.Action, entry.Status, entry.DurationMs, entry.ExitCode)
		if entry.Error != "" {
			fmt.Printf("[request]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, err := json.Marshal(entry)
		if err == nil {
			l.file.Write(append(data, '\n'))
		}
	}
}

// Close closes the log file, if one is open.
func (l *RequestLogger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
