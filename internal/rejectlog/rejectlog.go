// Package rejectlog is a fire-and-forget buffered writer for rejected
// requests (spec §4.10). Logging must never throw, so every write
// error is logged to stderr and swallowed.
package rejectlog

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"rpcgateway/internal/logging"
)

const (
	flushSizeDefault   = 100
	flushPeriodDefault = time.Second
	maxBodyChars       = 1000
)

// Log buffers formatted rejection lines and flushes them to Sink on
// either a size or time trigger.
type Log struct {
	mu   sync.Mutex
	buf  []string
	sink io.Writer

	flushSize   int
	flushPeriod time.Duration

	firstUnflushed time.Time
	timer          *time.Timer
}

// New constructs a Log writing to sink. sink may be swapped later with
// SetSink (e.g. once a file handle from configs.RejectLogPath opens).
func New(sink io.Writer, flushSize int, flushPeriod time.Duration) *Log {
	if flushSize <= 0 {
		flushSize = flushSizeDefault
	}
	if flushPeriod <= 0 {
		flushPeriod = flushPeriodDefault
	}
	return &Log{sink: sink, flushSize: flushSize, flushPeriod: flushPeriod}
}

// SetSink swaps the underlying writer under lock.
func (l *Log) SetSink(sink io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

// Log formats and buffers one rejection line. Never returns an error;
// any internal failure is logged and discarded.
func (l *Log) Log(ip, origin, reason string, body []byte) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorf("rejectlog: panic while logging rejection: %v", r)
		}
	}()

	line := fmt.Sprintf("%s | %s | %s | %s | %s",
		time.Now().UTC().Format(time.RFC3339),
		ip, origin, reason, truncateBody(body))

	l.mu.Lock()
	l.buf = append(l.buf, line)
	if len(l.buf) == 1 {
		l.firstUnflushed = time.Now()
	}
	shouldFlush := len(l.buf) >= l.flushSize
	l.mu.Unlock()

	if shouldFlush {
		l.flush()
		return
	}

	l.mu.Lock()
	if l.timer == nil {
		l.timer = time.AfterFunc(l.flushPeriod, l.flush)
	}
	l.mu.Unlock()
}

func truncateBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return ""
	}
	if len(s) > maxBodyChars {
		return "[truncated]"
	}
	return s
}

func (l *Log) flush() {
	l.mu.Lock()
	if len(l.buf) == 0 {
		l.timer = nil
		l.mu.Unlock()
		return
	}
	lines := l.buf
	l.buf = nil
	l.timer = nil
	sink := l.sink
	l.mu.Unlock()

	if sink == nil {
		return
	}
	for _, line := range lines {
		if _, err := io.WriteString(sink, line+"\n"); err != nil {
			logging.Errorf("rejectlog: write failed: %v", err)
			return
		}
	}
}

// Close flushes any remaining buffered entries.
func (l *Log) Close() {
	l.flush()
}
