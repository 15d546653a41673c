package logbuf

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestBufferAppendAndLines(t *testing.T) {
	b := New(3)

	if b.Len() != 0 {
		t.Fatalf("Len = %d, want 0", b.Len())
	}

	b.Append("one")
	b.Append("two")

	got := b.Lines()
	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("Lines = %v, want [one two]", got)
	}
}

func TestBufferEvictsOldest(t *testing.T) {
	b := New(3)
	for i := 1; i <= 5; i++ {
		b.Append(fmt.Sprintf("line %d", i))
	}

	got := b.Lines()
	want := []string{"line 3", "line 4", "line 5"}
	if len(got) != len(want) {
		t.Fatalf("Lines = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Lines[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if b.Len() != 3 || b.Cap() != 3 {
		t.Errorf("Len, Cap = %d, %d, want 3, 3", b.Len(), b.Cap())
	}
}

func TestBufferDefaultCapacity(t *testing.T) {
	if got := New(0).Cap(); got != DefaultCapacity {
		t.Errorf("Cap = %d, want %d", got, DefaultCapacity)
	}
	if got := New(-7).Cap(); got != DefaultCapacity {
		t.Errorf("Cap = %d, want %d", got, DefaultCapacity)
	}
}

func TestBufferLinesIsSnapshot(t *testing.T) {
	b := New(4)
	b.Append("first")

	snap := b.Lines()
	b.Append("second")

	if len(snap) != 1 {
		t.Errorf("snapshot grew after later appends: %v", snap)
	}
}

func TestHandlerTeesIntoBuffer(t *testing.T) {
	buf := New(10)
	log := slog.New(NewHandler(slog.NewTextHandler(io.Discard, nil), buf))

	log.Info("stream started", "base", "https://scanner.example.net")
	log.Warn("fetch failed")

	lines := buf.Lines()
	if len(lines) != 2 {
		t.Fatalf("buffered %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], "INFO stream started") {
		t.Errorf("lines[0] = %q", lines[0])
	}
	if !strings.Contains(lines[0], "base=https://scanner.example.net") {
		t.Errorf("lines[0] = %q, want the attr rendered", lines[0])
	}
	if !strings.Contains(lines[1], "WARN fetch failed") {
		t.Errorf("lines[1] = %q", lines[1])
	}
}

func TestHandlerRespectsLevel(t *testing.T) {
	buf := New(10)
	next := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn})
	log := slog.New(NewHandler(next, buf))

	log.Debug("too quiet")
	log.Info("still too quiet")
	log.Error("loud enough")

	if got := buf.Len(); got != 1 {
		t.Errorf("buffered %d lines, want only the error", got)
	}
}

func TestHandlerWithAttrsAndGroup(t *testing.T) {
	buf := New(10)
	log := slog.New(NewHandler(slog.NewTextHandler(io.Discard, nil), buf))

	log.With("component", "feed").WithGroup("push").Info("channel open", "url", "wss://x/ws")

	lines := buf.Lines()
	if len(lines) != 1 {
		t.Fatalf("buffered %d lines, want 1", len(lines))
	}
	if !strings.Contains(lines[0], "component=feed") {
		t.Errorf("line = %q, want bound attr", lines[0])
	}
	if !strings.Contains(lines[0], "push.url=wss://x/ws") {
		t.Errorf("line = %q, want group-prefixed key", lines[0])
	}
}
