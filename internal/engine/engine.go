// Package engine runs OCR conversions. The pipeline engine shells out to
// the olmocr Python pipeline; the tesseract engine recognizes images
// in-process. Both deposit a markdown artifact inside the task workspace.
package engine

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
)

// Request describes one conversion run handed to an engine.
type Request struct {
	// TaskID scopes logging and subprocess output.
	TaskID string
	// InputPath is the uploaded document on disk.
	InputPath string
	// Workspace is the task-scoped directory the engine may write under.
	// The result artifact lands in markdown/ inside it.
	Workspace string
	// Progress, when non-nil, receives completion hints in [0,1]. Engines
	// are free to never call it; the registry keeps progress monotonic.
	Progress func(float64)
}

// Result points at the artifact a successful run produced.
type Result struct {
	ArtifactPath string
}

// Engine converts one document into a markdown artifact. Implementations
// must tolerate concurrent Process calls.
type Engine interface {
	Name() string
	Process(ctx context.Context, req Request) (Result, error)
}

// markdownDir is the workspace subdirectory where artifacts land.
const markdownDir = "markdown"

// ErrNoArtifact means the engine reported success but left no markdown
// file behind.
var ErrNoArtifact = errors.New("engine produced no result artifact")

// findArtifact returns the first markdown file under the workspace's
// markdown directory, walking in lexical order.
func findArtifact(workspace string) (string, error) {
	root := filepath.Join(workspace, markdownDir)

	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}
		found = path
		return fs.SkipAll
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNoArtifact
		}
		return "", err
	}
	if found == "" {
		return "", ErrNoArtifact
	}
	return found, nil
}
