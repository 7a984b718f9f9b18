package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// LogBuffer retains the most recent complete lines written to it. Engine
// subprocess output is piped here so a failure can carry the tail of what
// the process said without holding unbounded output in memory.
type LogBuffer struct {
	mu       sync.Mutex
	lines    []string
	maxLines int
	pending  string
}

// NewLogBuffer creates a buffer retaining at most maxLines lines.
func NewLogBuffer(maxLines int) *LogBuffer {
	return &LogBuffer{maxLines: maxLines}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending += string(p)
	for {
		i := strings.IndexByte(b.pending, '\n')
		if i < 0 {
			break
		}
		b.appendLine(strings.TrimRight(b.pending[:i], "\r"))
		b.pending = b.pending[i+1:]
	}
	return len(p), nil
}

func (b *LogBuffer) appendLine(line string) {
	if line == "" {
		return
	}
	if len(b.lines) >= b.maxLines {
		// Drop oldest; slice shift is fine at these sizes
		b.lines = b.lines[1:]
	}
	b.lines = append(b.lines, line)
}

// Tail returns up to n of the most recent complete lines.
func (b *LogBuffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || len(b.lines) == 0 {
		return nil
	}
	if n > len(b.lines) {
		n = len(b.lines)
	}
	out := make([]string, n)
	copy(out, b.lines[len(b.lines)-n:])
	return out
}

// TailString flattens the most recent n lines into a newline-joined
// string, folding in any unterminated final line.
func (b *LogBuffer) TailString(n int) string {
	b.mu.Lock()
	lines := make([]string, len(b.lines))
	copy(lines, b.lines)
	if pending := strings.TrimSpace(b.pending); pending != "" {
		lines = append(lines, pending)
	}
	b.mu.Unlock()

	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// logWriter forwards subprocess output to the structured logger.
type logWriter struct {
	source string
	taskID string
	level  slog.Level
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	message := strings.TrimSpace(string(p))
	if message != "" {
		slog.Log(context.Background(), w.level, message, "source", w.source, "task_id", w.taskID)
	}
	return len(p), nil
}
