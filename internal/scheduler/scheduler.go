// Package scheduler drains queued tasks from the registry and runs them
// through the configured OCR engine on a bounded worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/zswll2/olmocr-api/internal/engine"
	"github.com/zswll2/olmocr-api/internal/registry"
	"github.com/zswll2/olmocr-api/pkg/tasks"
)

// Options tunes the scheduler.
type Options struct {
	Workers       int           // Max concurrent engine runs (default: 2)
	ClaimInterval time.Duration // Queue poll fallback (default: 1s)
	EngineTimeout time.Duration // Max runtime for one engine run (default: 30m)
	WorkDir       string        // Root for task workspaces
	Metrics       *Metrics      // Optional
}

// Scheduler owns all engine executions. It claims work from the registry,
// which makes the queue survive whatever the registry survives, and keeps
// at most Workers conversions in flight.
type Scheduler struct {
	reg registry.Registry
	eng engine.Engine

	workers       int
	claimInterval time.Duration
	engineTimeout time.Duration
	workDir       string
	metrics       *Metrics

	// Worker pool management
	notify    chan struct{}
	semaphore chan struct{}
	wg        sync.WaitGroup

	// stopClaim halts the claim loop; stopTasks interrupts running
	// engines once the drain grace period is spent.
	stopClaim context.CancelFunc
	stopTasks context.CancelFunc
	taskCtx   context.Context
}

// New creates a scheduler. Start must be called before queued tasks are
// picked up.
func New(reg registry.Registry, eng engine.Engine, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.ClaimInterval <= 0 {
		opts.ClaimInterval = time.Second
	}
	if opts.EngineTimeout <= 0 {
		opts.EngineTimeout = 30 * time.Minute
	}
	return &Scheduler{
		reg:           reg,
		eng:           eng,
		workers:       opts.Workers,
		claimInterval: opts.ClaimInterval,
		engineTimeout: opts.EngineTimeout,
		workDir:       opts.WorkDir,
		metrics:       opts.Metrics,
		notify:        make(chan struct{}, 1),
		semaphore:     make(chan struct{}, opts.Workers),
	}
}

// Dispatch signals that new queued work exists. It never blocks; a dropped
// signal only costs one claim interval because the loop also polls.
func (s *Scheduler) Dispatch(t *tasks.Task) {
	slog.Info("task dispatched", "task_id", t.ID, "engine", s.eng.Name())
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Start runs the claim loop until ctx is cancelled or Shutdown is called.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.stopClaim = context.WithCancel(ctx)
	// Task contexts hang off the background so in-flight conversions
	// survive the claim loop and are only cut off by Shutdown.
	s.taskCtx, s.stopTasks = context.WithCancel(context.Background())

	if s.metrics != nil {
		s.metrics.workersCapacity.Set(float64(s.workers))
	}
	go s.updateQueueGauges(ctx)

	ticker := time.NewTicker(s.claimInterval)
	defer ticker.Stop()

	slog.Info("scheduler started",
		"engine", s.eng.Name(),
		"pool_size", s.workers,
		"claim_interval", s.claimInterval,
		"engine_timeout", s.engineTimeout)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
		case <-s.notify:
		}
		s.claimAndRun(ctx)
	}
}

// claimAndRun fills free worker slots with claimed tasks.
func (s *Scheduler) claimAndRun(ctx context.Context) {
	for len(s.semaphore) < s.workers {
		t, err := s.reg.Claim(ctx)
		if err != nil {
			slog.Error("failed to claim task", "error", err)
			return
		}
		if t == nil {
			return
		}

		s.semaphore <- struct{}{} // Acquire slot
		s.wg.Add(1)
		go func(t *tasks.Task) {
			defer func() {
				<-s.semaphore // Release slot
				s.wg.Done()
			}()
			s.run(t)
		}(t)
	}
}

// run executes one claimed task through the engine and records the
// outcome. Exactly one terminal transition happens per claimed task.
func (s *Scheduler) run(t *tasks.Task) {
	if s.metrics != nil {
		s.metrics.workersActive.Inc()
		defer s.metrics.workersActive.Dec()
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("engine panicked", "task_id", t.ID, "panic", r)
			s.fail(t.ID, fmt.Sprintf("ocr engine panicked: %v", r))
		}
	}()

	slog.Info("task started", "task_id", t.ID, "input", t.InputPath)
	start := time.Now()

	runCtx, cancel := context.WithTimeout(s.taskCtx, s.engineTimeout)
	defer cancel()

	res, err := s.eng.Process(runCtx, engine.Request{
		TaskID:    t.ID,
		InputPath: t.InputPath,
		Workspace: filepath.Join(s.workDir, t.ID),
		Progress: func(p float64) {
			if err := s.reg.SetProgress(s.taskCtx, t.ID, p); err != nil {
				slog.Warn("dropped progress update", "task_id", t.ID, "error", err)
			}
		},
	})

	duration := time.Since(start)
	if s.metrics != nil {
		s.metrics.taskDuration.Observe(duration.Seconds())
	}

	if err != nil {
		msg := err.Error()
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			msg = fmt.Sprintf("ocr engine timed out after %s", s.engineTimeout)
		case errors.Is(err, context.Canceled):
			msg = "ocr engine interrupted by shutdown"
		}
		s.fail(t.ID, msg)
		slog.Error("task failed", "task_id", t.ID, "duration", duration, "error", err)
		return
	}

	if err := s.reg.Complete(context.Background(), t.ID, res.ArtifactPath); err != nil {
		slog.Error("failed to record completion", "task_id", t.ID, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.tasksFinished.WithLabelValues(string(tasks.StatusCompleted)).Inc()
	}
	slog.Info("task completed",
		"task_id", t.ID,
		"duration", duration,
		"artifact", res.ArtifactPath)
}

// fail records a terminal failure. Outcome writes use the background
// context so a shutdown cannot drop them.
func (s *Scheduler) fail(id, msg string) {
	if err := s.reg.Fail(context.Background(), id, msg); err != nil {
		slog.Error("failed to record task failure", "task_id", id, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.tasksFinished.WithLabelValues(string(tasks.StatusFailed)).Inc()
	}
}

// updateQueueGauges periodically refreshes queue depth metrics.
func (s *Scheduler) updateQueueGauges(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			queued, processing, err := s.reg.Counts(ctx)
			if err != nil {
				slog.Error("failed to query queue depth", "error", err)
				continue
			}
			s.metrics.tasksQueued.Set(float64(queued))
			s.metrics.tasksProcessing.Set(float64(processing))
		}
	}
}

// Shutdown stops claiming, waits for in-flight conversions up to the ctx
// deadline, then interrupts whatever is still running.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	slog.Info("initiating graceful shutdown")

	if s.stopClaim != nil {
		s.stopClaim()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all tasks drained")
		return nil
	case <-ctx.Done():
		slog.Warn("shutdown grace period exceeded, interrupting running tasks")
		if s.stopTasks != nil {
			s.stopTasks()
		}
		select {
		case <-done:
		case <-time.After(15 * time.Second):
			slog.Error("workers did not exit after interrupt")
		}
		return ctx.Err()
	}
}
