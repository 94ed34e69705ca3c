package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// TaskRegistry owns the named background tasks launched by post_call
// middleware. Tasks are fire-and-forget from the request's perspective:
// they run on a registry-owned context that survives the request and is
// cancelled only at process shutdown.
type TaskRegistry struct {
	logger *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// NewTaskRegistry creates a task registry. A nil logger falls back to
// slog.Default.
func NewTaskRegistry(logger *slog.Logger) *TaskRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskRegistry{
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
		running: make(map[string]struct{}),
	}
}

// Launch starts fn under name. A second launch while a task of the same
// name still runs is rejected. Task panics and errors are logged and
// discarded.
func (t *TaskRegistry) Launch(name string, fn func(ctx context.Context)) error {
	if name == "" {
		return fmt.Errorf("background task needs a name")
	}
	t.mu.Lock()
	if t.baseCtx.Err() != nil {
		t.mu.Unlock()
		return fmt.Errorf("task registry is shut down")
	}
	if _, dup := t.running[name]; dup {
		t.mu.Unlock()
		return fmt.Errorf("background task %q already running", name)
	}
	t.running[name] = struct{}{}
	t.wg.Add(1)
	t.mu.Unlock()

	t.logger.Debug("background task started", "task", name)
	go func() {
		defer t.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				t.logger.Error("background task panicked", "task", name, "panic", rec)
			}
			t.mu.Lock()
			delete(t.running, name)
			t.mu.Unlock()
			t.logger.Debug("background task finished", "task", name)
		}()
		fn(t.baseCtx)
	}()
	return nil
}

// Running returns the names of the tasks currently in flight, sorted.
func (t *TaskRegistry) Running() []string {
	t.mu.Lock()
	names := make([]string, 0, len(t.running))
	for name := range t.running {
		names = append(names, name)
	}
	t.mu.Unlock()
	sort.Strings(names)
	return names
}

// Shutdown cancels every running task and waits for them to finish, or for
// ctx to expire.
func (t *TaskRegistry) Shutdown(ctx context.Context) error {
	t.cancel()
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background tasks still running: %v", t.Running())
	}
}
