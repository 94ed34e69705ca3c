// Package prompts implements the system_prompt plugin: a YAML catalog of
// named prompts with optional live reload.
package prompts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/chatkit/internal/plugins"
)

// DefaultKey resolves when a thread names no prompt of its own.
const DefaultKey = "default"

const watchDebounce = 250 * time.Millisecond

// Catalog serves named system prompts loaded from a YAML file.
type Catalog struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	prompts map[string]string

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// New creates an empty catalog bound to a YAML file. Call Reload to
// populate it.
func New(path string, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{
		path:    path,
		logger:  logger.With("component", "prompts"),
		prompts: make(map[string]string),
	}
}

func (c *Catalog) Name() string       { return "prompt-catalog" }
func (c *Catalog) Role() plugins.Role { return plugins.RoleSystemPrompt }
func (c *Catalog) Priority() int      { return 0 }

// Reload replaces the catalog from the backing file.
func (c *Catalog) Reload() error {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read prompts file: %w", err)
	}
	var file struct {
		Prompts map[string]string `yaml:"prompts"`
	}
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse prompts file: %w", err)
	}

	c.mu.Lock()
	c.prompts = file.Prompts
	if c.prompts == nil {
		c.prompts = make(map[string]string)
	}
	count := len(c.prompts)
	c.mu.Unlock()

	c.logger.Info("loaded prompts", "count", count, "path", c.path)
	return nil
}

// Prompt resolves a key to its prompt text. An empty key resolves the
// default entry; an absent default resolves to the empty string. Unknown
// non-empty keys are errors.
func (c *Catalog) Prompt(key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if key == "" {
		return c.prompts[DefaultKey], nil
	}
	text, ok := c.prompts[key]
	if !ok {
		return "", fmt.Errorf("unknown prompt key %q", key)
	}
	return text, nil
}

// Keys returns the catalog's prompt keys, sorted.
func (c *Catalog) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.prompts))
	for key := range c.prompts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// StartWatching reloads the catalog whenever the backing file changes.
// Editors replace files rather than rewriting them in place, so the watch
// covers the containing directory.
func (c *Catalog) StartWatching(ctx context.Context) error {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	if c.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch prompts dir: %w", err)
	}
	c.watcher = watcher

	watchCtx, cancel := context.WithCancel(ctx)
	c.watchCancel = cancel

	c.watchWg.Add(1)
	go c.watchLoop(watchCtx, watcher)
	return nil
}

func (c *Catalog) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer c.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, func() {
			if err := c.Reload(); err != nil {
				c.logger.Warn("prompt reload failed", "error", err)
			}
		})
	}

	target := filepath.Clean(c.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("prompt watch error", "error", err)
		}
	}
}

// Shutdown stops the watcher, if one is running.
func (c *Catalog) Shutdown(context.Context) error {
	c.watchMu.Lock()
	if c.watchCancel != nil {
		c.watchCancel()
		c.watchCancel = nil
	}
	watcher := c.watcher
	c.watcher = nil
	c.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	c.watchWg.Wait()
	return nil
}
