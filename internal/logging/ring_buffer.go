package logging

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultBufferSize is the default capacity of the ring buffer.
const DefaultBufferSize = 1000

// LogEntry is one captured log line, as served by the recent-logs
// endpoint of the management API.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Source    string         `json:"source,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// RingBuffer keeps the most recent log entries in memory. It implements
// logrus.Hook so it can be attached to the global logger.
type RingBuffer struct {
	mu       sync.RWMutex
	entries  []LogEntry
	capacity int
	head     int
	count    int
}

// NewRingBuffer returns a buffer of the given capacity, or
// DefaultBufferSize when it is not positive.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &RingBuffer{entries: make([]LogEntry, capacity), capacity: capacity}
}

// Levels implements logrus.Hook. All levels are captured.
func (rb *RingBuffer) Levels() []log.Level {
	return log.AllLevels
}

// Fire implements logrus.Hook.
func (rb *RingBuffer) Fire(entry *log.Entry) error {
	source := ""
	if entry.Caller != nil {
		source = fmt.Sprintf("%s:%d", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	fields := make(map[string]any, len(entry.Data))
	for k, v := range entry.Data {
		fields[k] = v
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.entries[rb.head] = LogEntry{
		Timestamp: entry.Time,
		Level:     level,
		Message:   entry.Message,
		Source:    source,
		Fields:    fields,
	}
	rb.head = (rb.head + 1) % rb.capacity
	if rb.count < rb.capacity {
		rb.count++
	}
	return nil
}

// Entries returns a copy of all buffered entries, oldest first.
func (rb *RingBuffer) Entries() []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	out := make([]LogEntry, rb.count)
	if rb.count == rb.capacity {
		n := copy(out, rb.entries[rb.head:])
		copy(out[n:], rb.entries[:rb.head])
	} else {
		copy(out, rb.entries[:rb.count])
	}
	for i := range out {
		if out[i].Fields != nil {
			fields := make(map[string]any, len(out[i].Fields))
			for k, v := range out[i].Fields {
				fields[k] = v
			}
			out[i].Fields = fields
		}
	}
	return out
}

// Recent returns a copy of the n most recent entries, oldest first.
func (rb *RingBuffer) Recent(n int) []LogEntry {
	entries := rb.Entries()
	if n <= 0 || n >= len(entries) {
		return entries
	}
	return entries[len(entries)-n:]
}

// Len returns the number of buffered entries.
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// GlobalBuffer captures everything logged through the global logger once
// Setup attaches it.
var GlobalBuffer = NewRingBuffer(DefaultBufferSize)
