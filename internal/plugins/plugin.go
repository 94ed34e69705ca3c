// Package plugins defines the role-based plugin registry that wires the
// chat core together. Every collaborator the orchestrator touches (store,
// history, context cache, model adapter, auth, prompt resolver, middleware,
// tools) registers here under a role, and components resolve each other
// through the registry so that a higher-priority override takes effect
// everywhere at once.
package plugins

import (
	"context"

	"github.com/haasonsaas/chatkit/internal/store"
	"github.com/haasonsaas/chatkit/pkg/models"
)

// Role classifies a plugin by the capability it provides.
type Role string

const (
	RoleAuth             Role = "auth"
	RoleStore            Role = "store"
	RoleHistory          Role = "history"
	RoleContext          Role = "context"
	RoleModel            Role = "model"
	RoleSystemPrompt     Role = "system_prompt"
	RoleMessageProcessor Role = "message_processor"
	RoleTool             Role = "tool"
	RoleFunction         Role = "function"
)

// Plugin is the contract every plugin satisfies. Priority is non-negative;
// for single-slot roles the highest priority wins, for multi-slot roles it
// orders the chain.
type Plugin interface {
	Name() string
	Role() Role
	Priority() int
}

// Shutdowner is implemented by plugins that hold resources. The registry
// awaits Shutdown on process stop, in reverse registration order.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// StorePlugin exposes the multi-tenant record store (role "store").
type StorePlugin interface {
	Plugin
	CreateStoreIfNotExists(ctx context.Context, name string, schema store.Schema) error
	Add(ctx context.Context, userID, name string, data map[string]any, id string) (string, error)
	Get(ctx context.Context, userID, name, id string, loadCollections bool) (map[string]any, error)
	Update(ctx context.Context, userID, name, id string, updates map[string]any, partial bool) (bool, error)
	Delete(ctx context.Context, userID, name, id string) (bool, error)
	Find(ctx context.Context, userID, name string, filters map[string]any, opt store.FindOptions) ([]map[string]any, error)
	Count(ctx context.Context, userID, name string, filters map[string]any) (int64, error)
	CollectionAppend(ctx context.Context, userID, name, id, field string, item any) (int64, error)
	CollectionGet(ctx context.Context, userID, name, id, field string, limit, offset int) ([]any, error)
	FullTextSearch(ctx context.Context, userID, name, query string, limit, offset int) ([]map[string]any, error)
}

// HistoryPlugin exposes the durable conversation log (role "history").
type HistoryPlugin interface {
	Plugin
	CreateThread(ctx context.Context, userID, title, model, systemPrompt string) (string, error)
	Threads(ctx context.Context, userID string, archived bool) ([]models.Thread, error)
	Thread(ctx context.Context, userID, threadID string) (*models.Thread, error)
	Messages(ctx context.Context, userID, threadID string) ([]models.Message, error)
	AppendMessage(ctx context.Context, userID, threadID string, msg models.Message) error
	UpdateThread(ctx context.Context, userID, threadID, title string) error
	ArchiveThread(ctx context.Context, userID, threadID string) error
	DeleteThread(ctx context.Context, userID, threadID string) error
	Search(ctx context.Context, userID, query string) ([]models.ThreadSearchResult, error)
}

// ContextPlugin exposes the model-visible context cache (role "context").
type ContextPlugin interface {
	Plugin
	Entries(ctx context.Context, userID, threadID string, stripReasoning bool) ([]models.ContextEntry, error)
	AddEntry(ctx context.Context, userID, threadID string, entry models.ContextEntry) (string, error)
	UpdateEntry(ctx context.Context, userID, threadID, entryID string, patch models.EntryPatch) error
	RemoveEntries(ctx context.Context, userID, threadID string, entryIDs []string) error
	SetEntries(ctx context.Context, userID, threadID string, entries []models.ContextEntry) error
	Regenerate(ctx context.Context, userID, threadID string) error
	Invalidate(ctx context.Context, userID, threadID string) error
	MutationCount(ctx context.Context, userID, threadID string) (int64, bool, error)
}

// ModelPlugin adapts one upstream model provider (role "model").
type ModelPlugin interface {
	Plugin
	ListModels(ctx context.Context) ([]string, error)
	Stream(ctx context.Context, req models.StreamRequest) (<-chan models.ModelChunk, error)
}

// AuthPlugin authenticates users and authorizes model access (role "auth").
type AuthPlugin interface {
	Plugin
	Authenticate(ctx context.Context, username, password string) (string, error)
	IssueToken(ctx context.Context, userID string) (string, error)
	VerifyToken(ctx context.Context, token string) (string, error)
	AuthorizeModel(ctx context.Context, userID, model string) error
}

// SystemPromptPlugin resolves a prompt key to its text (role "system_prompt").
type SystemPromptPlugin interface {
	Plugin
	Prompt(key string) (string, error)
}

// MessageProcessorPlugin runs one full user turn (role "message_processor").
type MessageProcessorPlugin interface {
	Plugin
	Process(ctx context.Context, req models.TurnRequest) (<-chan models.Event, error)
}

// TaskLauncher starts named background tasks from post_call middleware.
// Launched tasks outlive the request that started them.
type TaskLauncher interface {
	Launch(name string, fn func(ctx context.Context)) error
}

// Function plugins (role "function") implement any subset of the three
// hooks below. A plugin without a given hook is skipped for that phase.

// PreCallHook runs before the model is called and may mutate params in
// place. Progress lines are streamed to the client as they are reported.
type PreCallHook interface {
	PreCall(ctx context.Context, params *models.CallParams, progress func(string)) error
}

// StreamFilterHook transforms one outbound event into zero or more events.
// Returning the input unchanged is the identity filter.
type StreamFilterHook interface {
	FilterStream(ctx context.Context, event models.Event) ([]models.Event, error)
}

// PostCallHook runs after the turn finalizes, with a summary of what
// happened. It may launch background tasks.
type PostCallHook interface {
	PostCall(ctx context.Context, summary models.TurnSummary, tasks TaskLauncher) error
}
