package display

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultLogCapacity bounds the in-memory log ring when no capacity is
// given.
const DefaultLogCapacity = 500

// LogEntry is one captured log line.
type LogEntry struct {
	Time    time.Time
	Level   string
	Message string
}

// LogBuffer is a bounded in-memory ring of log entries. The display's
// logs tab reads from it; a slog handler wrapped with Handler() writes
// into it.
type LogBuffer struct {
	mu      sync.Mutex
	max     int
	entries []LogEntry
}

// NewLogBuffer creates a buffer holding at most max entries.
func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = DefaultLogCapacity
	}
	return &LogBuffer{max: max}
}

// Append adds an entry, evicting the oldest when full.
func (b *LogBuffer) Append(e LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	if len(b.entries) > b.max {
		b.entries = b.entries[len(b.entries)-b.max:]
	}
}

// Entries returns a copy of the buffered entries, oldest first.
func (b *LogBuffer) Entries() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]LogEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Len returns the number of buffered entries.
func (b *LogBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Handler wraps next so every record also lands in the buffer. Pass the
// result to slog.New; next may be nil to capture without forwarding.
func (b *LogBuffer) Handler(next slog.Handler) slog.Handler {
	return &teeHandler{buf: b, next: next}
}

type teeHandler struct {
	buf  *LogBuffer
	next slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.next == nil {
		return true
	}
	return h.next.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	h.buf.Append(LogEntry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	})
	if h.next == nil {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if h.next == nil {
		return h
	}
	return &teeHandler{buf: h.buf, next: h.next.WithAttrs(attrs)}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	if h.next == nil {
		return h
	}
	return &teeHandler{buf: h.buf, next: h.next.WithGroup(name)}
}
