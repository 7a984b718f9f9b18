package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// errTailLines is how many lines of subprocess output a failure carries.
const errTailLines = 20

// PipelineEngine shells out to the olmocr Python pipeline for each task.
// One subprocess per document; the pipeline writes its markdown artifact
// into the task workspace.
type PipelineEngine struct {
	python   string
	markdown bool
	tables   bool
	figures  bool
}

// PipelineOption adjusts how the pipeline subprocess is invoked.
type PipelineOption func(*PipelineEngine)

// WithPython overrides the interpreter used to launch the pipeline.
func WithPython(bin string) PipelineOption {
	return func(e *PipelineEngine) {
		if bin != "" {
			e.python = bin
		}
	}
}

// WithPipelineFlags toggles the artifact flags passed to the pipeline.
func WithPipelineFlags(markdown, tables, figures bool) PipelineOption {
	return func(e *PipelineEngine) {
		e.markdown = markdown
		e.tables = tables
		e.figures = figures
	}
}

// NewPipelineEngine builds the default engine: markdown output with table
// and figure extraction enabled.
func NewPipelineEngine(opts ...PipelineOption) *PipelineEngine {
	e := &PipelineEngine{python: "python", markdown: true, tables: true, figures: true}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *PipelineEngine) Name() string { return "olmocr" }

// Process runs the pipeline against one document and locates the markdown
// artifact it produced.
func (e *PipelineEngine) Process(ctx context.Context, req Request) (Result, error) {
	if err := os.MkdirAll(req.Workspace, 0o755); err != nil {
		return Result{}, fmt.Errorf("create workspace: %w", err)
	}

	args := []string{"-m", "olmocr.pipeline", req.Workspace}
	if e.markdown {
		args = append(args, "--markdown")
	}
	if e.tables {
		args = append(args, "--extract_tables")
	}
	if e.figures {
		args = append(args, "--extract_figures")
	}
	args = append(args, "--pdfs", req.InputPath)

	cmd := exec.CommandContext(ctx, e.python, args...)

	// Critical: own process group so cancellation kills the pipeline's
	// forked workers, not just the interpreter
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 10 * time.Second

	capture := NewLogBuffer(200)
	cmd.Stdout = io.MultiWriter(&logWriter{source: "olmocr", taskID: req.TaskID, level: slog.LevelDebug}, capture)
	cmd.Stderr = io.MultiWriter(&logWriter{source: "olmocr", taskID: req.TaskID, level: slog.LevelError}, capture)

	slog.Info("starting ocr pipeline",
		"task_id", req.TaskID,
		"input", req.InputPath,
		"workspace", req.Workspace)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			slog.Warn("ocr pipeline cancelled", "task_id", req.TaskID)
			return Result{}, ctx.Err()
		}
		tail := capture.TailString(errTailLines)
		if tail == "" {
			return Result{}, fmt.Errorf("pipeline exited: %w", err)
		}
		return Result{}, fmt.Errorf("pipeline exited: %w: %s", err, tail)
	}

	artifact, err := findArtifact(req.Workspace)
	if err != nil {
		return Result{}, err
	}

	slog.Info("ocr pipeline finished", "task_id", req.TaskID, "artifact", artifact)
	return Result{ArtifactPath: artifact}, nil
}
