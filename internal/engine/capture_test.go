package engine

import (
	"strings"
	"testing"
)

func TestLogBufferSplitsLines(t *testing.T) {
	buf := NewLogBuffer(10)

	buf.Write([]byte("first li"))
	buf.Write([]byte("ne\nsecond line\r\npar"))
	buf.Write([]byte("tial"))

	lines := buf.Tail(10)
	if len(lines) != 2 {
		t.Fatalf("expected 2 complete lines, got %v", lines)
	}
	if lines[0] != "first line" || lines[1] != "second line" {
		t.Errorf("unexpected lines: %v", lines)
	}

	// The unterminated tail only shows up in the flattened form.
	s := buf.TailString(10)
	if !strings.HasSuffix(s, "partial") {
		t.Errorf("expected pending tail in TailString, got %q", s)
	}
}

func TestLogBufferEvictsOldest(t *testing.T) {
	buf := NewLogBuffer(3)

	buf.Write([]byte("one\ntwo\nthree\nfour\nfive\n"))

	lines := buf.Tail(10)
	if len(lines) != 3 {
		t.Fatalf("expected buffer capped at 3 lines, got %v", lines)
	}
	if lines[0] != "three" || lines[2] != "five" {
		t.Errorf("expected oldest lines dropped, got %v", lines)
	}
}

func TestLogBufferTailLimits(t *testing.T) {
	buf := NewLogBuffer(10)
	buf.Write([]byte("a\nb\nc\n"))

	if got := buf.Tail(2); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Errorf("Tail(2) = %v", got)
	}
	if got := buf.Tail(0); got != nil {
		t.Errorf("Tail(0) = %v, expected nil", got)
	}
	if got := buf.TailString(2); got != "b\nc" {
		t.Errorf("TailString(2) = %q", got)
	}
}

func TestLogBufferDropsBlankLines(t *testing.T) {
	buf := NewLogBuffer(10)
	buf.Write([]byte("\n\nreal output\n\n"))

	lines := buf.Tail(10)
	if len(lines) != 1 || lines[0] != "real output" {
		t.Errorf("expected blank lines dropped, got %v", lines)
	}
}
