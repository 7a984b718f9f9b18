// Package intake validates uploaded documents and persists them into the
// working directory, creating the task record as it goes.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zswll2/olmocr-api/internal/registry"
	"github.com/zswll2/olmocr-api/pkg/tasks"
)

// Rejection modes surfaced to the API layer.
var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrPayloadTooLarge   = errors.New("file size exceeds limit")
)

// Intake accepts uploads. A rejected upload leaves no file and no task
// record behind.
type Intake struct {
	workDir  string
	maxBytes int64
	allowed  map[string]struct{}
	reg      registry.Registry
	observe  func(sizeBytes int64) // optional upload metric hook
}

// New builds an intake rooted at workDir, creating the directory if
// needed. Extensions are matched case-insensitively against the given
// whitelist.
func New(workDir string, maxBytes int64, extensions []string, reg registry.Registry, observe func(int64)) (*Intake, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	allowed := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = struct{}{}
	}
	return &Intake{
		workDir:  workDir,
		maxBytes: maxBytes,
		allowed:  allowed,
		reg:      reg,
		observe:  observe,
	}, nil
}

// AllowedExtensions returns the whitelist sorted, for error messages.
func (in *Intake) AllowedExtensions() []string {
	out := make([]string, 0, len(in.allowed))
	for ext := range in.allowed {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Accept streams one uploaded document to disk and registers the queued
// task. The stored file name embeds the task ID so concurrent uploads of
// the same document never collide.
func (in *Intake) Accept(ctx context.Context, owner, filename string, r io.Reader) (*tasks.Task, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := in.allowed[ext]; !ok {
		return nil, fmt.Errorf("%w %q, supported: %s",
			ErrUnsupportedFormat, ext, strings.Join(in.AllowedExtensions(), ", "))
	}

	t := tasks.New(owner)
	// Base strips any client-supplied directory components.
	dst := filepath.Join(in.workDir, t.ID+"_"+filepath.Base(filename))

	size, err := in.save(dst, r)
	if err != nil {
		return nil, err
	}

	t.InputPath = dst
	if err := in.reg.Create(ctx, t); err != nil {
		os.Remove(dst)
		return nil, fmt.Errorf("register task: %w", err)
	}

	if in.observe != nil {
		in.observe(size)
	}
	slog.Info("upload accepted",
		"task_id", t.ID,
		"filename", filepath.Base(filename),
		"size_bytes", size,
		"owner", owner)
	return t, nil
}

// save streams r into a temp file and renames it into place. The size cap
// is enforced while reading, so an oversized body is dropped mid-stream
// instead of being buffered whole.
func (in *Intake) save(dst string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(in.workDir, "upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	size, err := io.Copy(tmp, io.LimitReader(r, in.maxBytes+1))
	if err != nil {
		return 0, fmt.Errorf("receive upload: %w", err)
	}
	if size > in.maxBytes {
		return 0, fmt.Errorf("%w: maximum %d MB", ErrPayloadTooLarge, in.maxBytes>>20)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("flush upload: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, fmt.Errorf("store upload: %w", err)
	}
	return size, nil
}
