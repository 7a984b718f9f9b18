package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zswll2/olmocr-api/pkg/tasks"
)

// Memory keeps all task state in process memory. It is the default
// registry: task records die with the process while uploaded files and
// result artifacts on disk survive.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]tasks.Task
	queue []string // queued task IDs in arrival order
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]tasks.Task)}
}

func (m *Memory) Create(ctx context.Context, t *tasks.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[t.ID]; exists {
		return ErrAlreadyExists
	}
	m.tasks[t.ID] = *t
	if t.Status == tasks.StatusQueued {
		m.queue = append(m.queue, t.ID)
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*tasks.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, exists := m.tasks[id]
	if !exists {
		return nil, ErrNotFound
	}
	copied := t
	return &copied, nil
}

func (m *Memory) Claim(ctx context.Context) (*tasks.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.queue) > 0 {
		id := m.queue[0]
		m.queue = m.queue[1:]

		t, exists := m.tasks[id]
		if !exists || t.Status != tasks.StatusQueued {
			continue
		}

		now := time.Now().UTC()
		t.Status = tasks.StatusProcessing
		t.Progress = InitialProgress
		t.StartedAt = &now
		m.tasks[id] = t

		claimed := t
		return &claimed, nil
	}
	return nil, nil
}

func (m *Memory) SetProgress(ctx context.Context, id string, progress float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.tasks[id]
	if !exists {
		return ErrNotFound
	}
	if t.Status != tasks.StatusProcessing {
		return nil
	}
	if progress > 1 {
		progress = 1
	}
	if progress > t.Progress {
		t.Progress = progress
		m.tasks[id] = t
	}
	return nil
}

func (m *Memory) Complete(ctx context.Context, id, resultPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.tasks[id]
	if !exists {
		return ErrNotFound
	}
	if t.Status.Terminal() {
		return ErrTerminal
	}
	if t.Status != tasks.StatusProcessing {
		return fmt.Errorf("cannot complete task in state %s", t.Status)
	}

	now := time.Now().UTC()
	t.Status = tasks.StatusCompleted
	t.Progress = 1
	t.ResultPath = resultPath
	t.CompletedAt = &now
	m.tasks[id] = t
	return nil
}

func (m *Memory) Fail(ctx context.Context, id, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.tasks[id]
	if !exists {
		return ErrNotFound
	}
	if t.Status.Terminal() {
		return ErrTerminal
	}
	if t.Status != tasks.StatusProcessing {
		return fmt.Errorf("cannot fail task in state %s", t.Status)
	}

	now := time.Now().UTC()
	t.Status = tasks.StatusFailed
	t.Progress = 0
	t.Error = msg
	t.CompletedAt = &now
	m.tasks[id] = t
	return nil
}

func (m *Memory) Counts(ctx context.Context) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var queued, processing int
	for _, t := range m.tasks {
		switch t.Status {
		case tasks.StatusQueued:
			queued++
		case tasks.StatusProcessing:
			processing++
		}
	}
	return queued, processing, nil
}
