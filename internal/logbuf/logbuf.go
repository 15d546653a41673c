// Package logbuf provides a bounded in-memory ring of recent log lines plus
// an [slog.Handler] that tees records into it.
//
// The buffer backs the status surface: the last N log lines stay available
// for inspection without scrolling terminal output or an external log store.
// It is an explicitly constructed, injected component — there is no package
// global — with fixed capacity and oldest-first eviction.
package logbuf

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultCapacity is the line capacity used when a non-positive capacity is
// requested.
const DefaultCapacity = 200

// Buffer is a fixed-capacity ring of formatted log lines. When full, the
// oldest line is evicted. All methods are safe for concurrent use.
type Buffer struct {
	mu    sync.RWMutex
	lines []string
	start int
	count int
}

// New creates a Buffer holding at most capacity lines. A non-positive
// capacity falls back to [DefaultCapacity].
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{lines: make([]string, capacity)}
}

// Append adds one line, evicting the oldest when the buffer is full.
func (b *Buffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := (b.start + b.count) % len(b.lines)
	b.lines[idx] = line
	if b.count < len(b.lines) {
		b.count++
	} else {
		b.start = (b.start + 1) % len(b.lines)
	}
}

// Lines returns a snapshot of the buffered lines in oldest-first order.
func (b *Buffer) Lines() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.lines[(b.start+i)%len(b.lines)]
	}
	return out
}

// Len returns the number of lines currently buffered.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Cap returns the fixed line capacity.
func (b *Buffer) Cap() int {
	return len(b.lines)
}

// Handler is an [slog.Handler] that formats each record into a single line,
// appends it to a [Buffer], and delegates to a wrapped handler. Use it to
// keep the normal log output while retaining a bounded tail in memory.
type Handler struct {
	next  slog.Handler
	buf   *Buffer
	attrs []slog.Attr
	group string
}

// Compile-time interface check.
var _ slog.Handler = (*Handler)(nil)

// NewHandler wraps next so every record it handles is also appended to buf.
func NewHandler(next slog.Handler, buf *Buffer) *Handler {
	return &Handler{next: next, buf: buf}
}

// Enabled delegates to the wrapped handler.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle formats the record into the buffer and delegates to the wrapped
// handler.
func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	h.buf.Append(formatLine(rec, h.group, h.attrs))
	return h.next.Handle(ctx, rec)
}

// WithAttrs returns a new Handler whose buffered lines include attrs. Keys
// are qualified with the group prefix in effect at bind time.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		merged = append(merged, a)
	}
	return &Handler{next: h.next.WithAttrs(attrs), buf: h.buf, attrs: merged, group: h.group}
}

// WithGroup returns a new Handler with the group name prefixed onto
// subsequent attribute keys.
func (h *Handler) WithGroup(name string) slog.Handler {
	g := h.group
	if name != "" {
		if g != "" {
			g += "."
		}
		g += name
	}
	return &Handler{next: h.next.WithGroup(name), buf: h.buf, attrs: h.attrs, group: g}
}

// formatLine renders one record as "HH:MM:SS LEVEL msg key=val ...".
func formatLine(rec slog.Record, group string, attrs []slog.Attr) string {
	var sb strings.Builder
	ts := rec.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	sb.WriteString(ts.Format("15:04:05"))
	sb.WriteByte(' ')
	sb.WriteString(rec.Level.String())
	sb.WriteByte(' ')
	sb.WriteString(rec.Message)

	// Bound attrs carry their qualified keys already; only the record's own
	// attrs need the group prefix.
	for _, a := range attrs {
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value)
	}
	rec.Attrs(func(a slog.Attr) bool {
		key := a.Key
		if group != "" {
			key = group + "." + key
		}
		fmt.Fprintf(&sb, " %s=%v", key, a.Value)
		return true
	})
	return sb.String()
}
