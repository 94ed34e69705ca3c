// Package contextcache maintains the model-visible view of each thread: an
// ordered list of context entries cached in the record store and rebuilt
// from history on demand. Every mutation bumps a monotone counter that
// background tasks use to detect concurrent edits.
package contextcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatkit/internal/plugins"
	"github.com/haasonsaas/chatkit/internal/store"
	"github.com/haasonsaas/chatkit/pkg/models"
)

const contextStore = "thread_context"

// Schema declares the context store. The record id is the thread id; a NULL
// context column marks an invalidated cache whose counter must survive.
var Schema = store.Schema{
	"context":        store.FieldJSON,
	"mutation_count": store.FieldInteger,
}

// Cache is the context plugin. Collaborators are resolved through the
// registry on every call.
type Cache struct {
	reg    *plugins.Registry
	logger *slog.Logger

	// mu serializes read-modify-write cycles on the cached entry lists.
	mu sync.Mutex
}

// NewCache creates the context plugin. A nil logger falls back to
// slog.Default.
func NewCache(reg *plugins.Registry, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{reg: reg, logger: logger}
}

func (c *Cache) Name() string       { return "context-cache" }
func (c *Cache) Role() plugins.Role { return plugins.RoleContext }
func (c *Cache) Priority() int      { return 0 }

// Init declares the context store. Call once during startup, after the
// store plugin is registered.
func (c *Cache) Init(ctx context.Context) error {
	st, err := c.reg.Store()
	if err != nil {
		return err
	}
	return st.CreateStoreIfNotExists(ctx, contextStore, Schema)
}

type cacheState struct {
	entries     []models.ContextEntry
	count       int64
	exists      bool
	invalidated bool
}

func (c *Cache) load(ctx context.Context, st plugins.StorePlugin, userID, threadID string) (cacheState, error) {
	rec, err := st.Get(ctx, userID, contextStore, threadID, false)
	if err != nil {
		return cacheState{}, err
	}
	if rec == nil {
		return cacheState{}, nil
	}
	state := cacheState{exists: true}
	if n, ok := rec["mutation_count"].(int64); ok {
		state.count = n
	}
	raw, ok := rec["context"]
	if !ok || raw == nil {
		state.invalidated = true
		return state, nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return cacheState{}, fmt.Errorf("re-encode context for thread %s: %w", threadID, err)
	}
	if err := json.Unmarshal(encoded, &state.entries); err != nil {
		return cacheState{}, fmt.Errorf("decode context for thread %s: %w", threadID, err)
	}
	return state, nil
}

// saveCtx is the context column value: a non-nil entry list, or nil to mark
// the cache invalidated.
func (c *Cache) save(ctx context.Context, st plugins.StorePlugin, userID, threadID string, state cacheState, saveCtx any) error {
	updates := map[string]any{
		"context":        saveCtx,
		"mutation_count": state.count + 1,
	}
	if state.exists {
		updated, err := st.Update(ctx, userID, contextStore, threadID, updates, true)
		if err != nil {
			return err
		}
		if !updated {
			return fmt.Errorf("%w: context record for thread %q", store.ErrNotFound, threadID)
		}
		return nil
	}
	_, err := st.Add(ctx, userID, contextStore, updates, threadID)
	return err
}

// Entries returns a snapshot of the model-visible view. A missing or
// invalidated cache is rebuilt from history first. With stripReasoning,
// reasoning content is omitted from the snapshot (the default for turn
// dispatch).
func (c *Cache) Entries(ctx context.Context, userID, threadID string, stripReasoning bool) ([]models.ContextEntry, error) {
	st, err := c.reg.Store()
	if err != nil {
		return nil, err
	}
	state, err := c.load(ctx, st, userID, threadID)
	if err != nil {
		return nil, err
	}
	if !state.exists || state.invalidated {
		if err := c.Regenerate(ctx, userID, threadID); err != nil {
			return nil, err
		}
		if state, err = c.load(ctx, st, userID, threadID); err != nil {
			return nil, err
		}
	}

	out := make([]models.ContextEntry, len(state.entries))
	copy(out, state.entries)
	if stripReasoning {
		for i := range out {
			out[i].ReasoningContent = ""
		}
	}
	return out, nil
}

// AddEntry appends one entry and returns its id, assigning one when the
// caller left it empty.
func (c *Cache) AddEntry(ctx context.Context, userID, threadID string, entry models.ContextEntry) (string, error) {
	st, err := c.reg.Store()
	if err != nil {
		return "", err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	state, err := c.load(ctx, st, userID, threadID)
	if err != nil {
		return "", err
	}
	if !state.exists || state.invalidated {
		// Rebuild from history, which the caller has already written to.
		// When the rebuilt view ends with this entry, appending on top
		// would duplicate it; hand back the projected entry instead.
		if err := c.regenerateLocked(ctx, userID, threadID); err != nil {
			return "", err
		}
		if state, err = c.load(ctx, st, userID, threadID); err != nil {
			return "", err
		}
		if id, ok := lastEntryMatches(state.entries, entry); ok {
			return id, nil
		}
	}
	state.entries = append(state.entries, entry)
	if err := c.save(ctx, st, userID, threadID, state, state.entries); err != nil {
		return "", err
	}
	return entry.ID, nil
}

// lastEntryMatches reports whether the view already ends with the entry
// being added, returning the existing entry's id.
func lastEntryMatches(entries []models.ContextEntry, entry models.ContextEntry) (string, bool) {
	if len(entries) == 0 {
		return "", false
	}
	last := entries[len(entries)-1]
	if last.Role == entry.Role && last.Content == entry.Content && last.ToolCallID == entry.ToolCallID {
		return last.ID, true
	}
	return "", false
}

// UpdateEntry patches one entry in place.
func (c *Cache) UpdateEntry(ctx context.Context, userID, threadID, entryID string, patch models.EntryPatch) error {
	st, err := c.reg.Store()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	state, err := c.load(ctx, st, userID, threadID)
	if err != nil {
		return err
	}
	found := false
	for i := range state.entries {
		if state.entries[i].ID != entryID {
			continue
		}
		found = true
		if patch.Content != nil {
			state.entries[i].Content = *patch.Content
		}
		if patch.ToolCalls != nil {
			state.entries[i].ToolCalls = patch.ToolCalls
		}
		if patch.ReasoningContent != nil {
			state.entries[i].ReasoningContent = *patch.ReasoningContent
		}
		break
	}
	if !found {
		return fmt.Errorf("%w: context entry %q in thread %q", store.ErrNotFound, entryID, threadID)
	}
	return c.save(ctx, st, userID, threadID, state, state.entries)
}

// RemoveEntries drops the entries with the given ids. Unknown ids are
// ignored; the orchestrator uses this to scrub transient thinking entries
// after a tool round resolves.
func (c *Cache) RemoveEntries(ctx context.Context, userID, threadID string, entryIDs []string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	st, err := c.reg.Store()
	if err != nil {
		return err
	}
	drop := make(map[string]bool, len(entryIDs))
	for _, id := range entryIDs {
		drop[id] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	state, err := c.load(ctx, st, userID, threadID)
	if err != nil {
		return err
	}
	kept := state.entries[:0]
	for _, entry := range state.entries {
		if !drop[entry.ID] {
			kept = append(kept, entry)
		}
	}
	state.entries = kept
	return c.save(ctx, st, userID, threadID, state, state.entries)
}

// SetEntries replaces the whole cached view atomically.
func (c *Cache) SetEntries(ctx context.Context, userID, threadID string, entries []models.ContextEntry) error {
	st, err := c.reg.Store()
	if err != nil {
		return err
	}
	for i := range entries {
		if entries[i].ID == "" {
			entries[i].ID = uuid.NewString()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	state, err := c.load(ctx, st, userID, threadID)
	if err != nil {
		return err
	}
	state.entries = entries
	return c.save(ctx, st, userID, threadID, state, entries)
}

// Regenerate rebuilds the cache from the history log.
func (c *Cache) Regenerate(ctx context.Context, userID, threadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regenerateLocked(ctx, userID, threadID)
}

func (c *Cache) regenerateLocked(ctx context.Context, userID, threadID string) error {
	st, err := c.reg.Store()
	if err != nil {
		return err
	}
	hist, err := c.reg.History()
	if err != nil {
		return err
	}
	messages, err := hist.Messages(ctx, userID, threadID)
	if err != nil {
		return err
	}
	entries := Project(messages)

	state, err := c.load(ctx, st, userID, threadID)
	if err != nil {
		return err
	}
	state.entries = entries
	return c.save(ctx, st, userID, threadID, state, entries)
}

// Invalidate drops the cached list so the next read regenerates from
// history. The record itself survives so mutation_count stays monotone.
func (c *Cache) Invalidate(ctx context.Context, userID, threadID string) error {
	st, err := c.reg.Store()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	state, err := c.load(ctx, st, userID, threadID)
	if err != nil {
		return err
	}
	if !state.exists {
		return nil
	}
	return c.save(ctx, st, userID, threadID, state, nil)
}

// MutationCount returns the thread's mutation counter; ok is false when no
// context record exists yet.
func (c *Cache) MutationCount(ctx context.Context, userID, threadID string) (int64, bool, error) {
	st, err := c.reg.Store()
	if err != nil {
		return 0, false, err
	}
	state, err := c.load(ctx, st, userID, threadID)
	if err != nil {
		return 0, false, err
	}
	return state.count, state.exists, nil
}
