// Package history implements the durable conversation log on top of the
// record store: one "threads" store whose records are thread headers and
// whose "messages" collection holds the append-only message log.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/chatkit/internal/plugins"
	"github.com/haasonsaas/chatkit/internal/store"
	"github.com/haasonsaas/chatkit/pkg/models"
)

const (
	threadsStore  = "threads"
	messagesField = "messages"
)

// Schema declares the threads store. Exposed so startup wiring can pass it
// through create_store_if_not_exists before the first request.
var Schema = store.Schema{
	"title":         store.FieldText,
	"model":         store.FieldText,
	"system_prompt": store.FieldText,
	"is_archived":   store.FieldBool,
	messagesField:   store.FieldCollection,
}

// Log is the history plugin. It resolves the store through the registry on
// every call so a store override takes effect without rewiring.
type Log struct {
	reg    *plugins.Registry
	logger *slog.Logger
}

// NewLog creates the history plugin. A nil logger falls back to
// slog.Default.
func NewLog(reg *plugins.Registry, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{reg: reg, logger: logger}
}

func (l *Log) Name() string       { return "history" }
func (l *Log) Role() plugins.Role { return plugins.RoleHistory }
func (l *Log) Priority() int      { return 0 }

// Init declares the threads store. Call once during startup, after the
// store plugin is registered.
func (l *Log) Init(ctx context.Context) error {
	st, err := l.reg.Store()
	if err != nil {
		return err
	}
	return st.CreateStoreIfNotExists(ctx, threadsStore, Schema)
}

// CreateThread creates a thread header and returns its id.
func (l *Log) CreateThread(ctx context.Context, userID, title, model, systemPrompt string) (string, error) {
	st, err := l.reg.Store()
	if err != nil {
		return "", err
	}
	return st.Add(ctx, userID, threadsStore, map[string]any{
		"title":         title,
		"model":         model,
		"system_prompt": systemPrompt,
		"is_archived":   false,
	}, "")
}

// Threads lists the user's thread headers, newest first. archived selects
// which partition to list.
func (l *Log) Threads(ctx context.Context, userID string, archived bool) ([]models.Thread, error) {
	st, err := l.reg.Store()
	if err != nil {
		return nil, err
	}
	records, err := st.Find(ctx, userID, threadsStore,
		map[string]any{"is_archived": archived},
		store.FindOptions{OrderBy: "created_at", OrderDesc: true})
	if err != nil {
		return nil, err
	}
	threads := make([]models.Thread, 0, len(records))
	for _, rec := range records {
		threads = append(threads, threadFromRecord(rec))
	}
	return threads, nil
}

// Thread returns one thread header, or nil when the thread does not exist
// under this user.
func (l *Log) Thread(ctx context.Context, userID, threadID string) (*models.Thread, error) {
	st, err := l.reg.Store()
	if err != nil {
		return nil, err
	}
	rec, err := st.Get(ctx, userID, threadsStore, threadID, false)
	if err != nil || rec == nil {
		return nil, err
	}
	thread := threadFromRecord(rec)
	return &thread, nil
}

// Messages returns the thread's messages in append order. A thread that is
// absent or not the caller's fails with the store's not-found error.
func (l *Log) Messages(ctx context.Context, userID, threadID string) ([]models.Message, error) {
	st, err := l.reg.Store()
	if err != nil {
		return nil, err
	}
	items, err := st.CollectionGet(ctx, userID, threadsStore, threadID, messagesField, 0, 0)
	if err != nil {
		return nil, err
	}
	messages := make([]models.Message, 0, len(items))
	for _, item := range items {
		msg, err := messageFromItem(item)
		if err != nil {
			l.logger.Warn("skipping malformed message", "thread_id", threadID, "error", err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// AppendMessage appends one message to the thread's log. The timestamp is
// stamped here when the caller leaves it empty.
func (l *Log) AppendMessage(ctx context.Context, userID, threadID string, msg models.Message) error {
	switch msg.Role {
	case models.RoleUser, models.RoleAssistant, models.RoleThinking, models.RoleTool:
	default:
		return fmt.Errorf("%w: unknown message role %q", store.ErrValidation, msg.Role)
	}
	switch msg.Type {
	case models.TypeMessageText, models.TypeToolUpdate:
	default:
		return fmt.Errorf("%w: unknown message type %q", store.ErrValidation, msg.Type)
	}
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	st, err := l.reg.Store()
	if err != nil {
		return err
	}
	_, err = st.CollectionAppend(ctx, userID, threadsStore, threadID, messagesField, msg)
	return err
}

// UpdateThread renames a thread.
func (l *Log) UpdateThread(ctx context.Context, userID, threadID, title string) error {
	st, err := l.reg.Store()
	if err != nil {
		return err
	}
	updated, err := st.Update(ctx, userID, threadsStore, threadID, map[string]any{"title": title}, true)
	if err != nil {
		return err
	}
	if !updated {
		return fmt.Errorf("%w: thread %q", store.ErrNotFound, threadID)
	}
	return nil
}

// ArchiveThread marks a thread archived. Archived threads keep their
// messages until explicitly deleted.
func (l *Log) ArchiveThread(ctx context.Context, userID, threadID string) error {
	st, err := l.reg.Store()
	if err != nil {
		return err
	}
	updated, err := st.Update(ctx, userID, threadsStore, threadID, map[string]any{"is_archived": true}, true)
	if err != nil {
		return err
	}
	if !updated {
		return fmt.Errorf("%w: thread %q", store.ErrNotFound, threadID)
	}
	return nil
}

// DeleteThread removes a thread and, through the store's cascade, its
// messages and search index rows.
func (l *Log) DeleteThread(ctx context.Context, userID, threadID string) error {
	st, err := l.reg.Store()
	if err != nil {
		return err
	}
	deleted, err := st.Delete(ctx, userID, threadsStore, threadID)
	if err != nil {
		return err
	}
	if !deleted {
		return fmt.Errorf("%w: thread %q", store.ErrNotFound, threadID)
	}
	return nil
}

func threadFromRecord(rec map[string]any) models.Thread {
	thread := models.Thread{}
	if v, ok := rec["id"].(string); ok {
		thread.ID = v
	}
	if v, ok := rec["title"].(string); ok {
		thread.Title = v
	}
	if v, ok := rec["model"].(string); ok {
		thread.Model = v
	}
	if v, ok := rec["system_prompt"].(string); ok {
		thread.SystemPrompt = v
	}
	if v, ok := rec["is_archived"].(bool); ok {
		thread.IsArchived = v
	}
	if v, ok := rec["created_at"].(string); ok {
		thread.CreatedAt = v
	}
	return thread
}

func messageFromItem(item any) (models.Message, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return models.Message{}, err
	}
	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.Message{}, err
	}
	if msg.Role == "" {
		return models.Message{}, fmt.Errorf("message item without role")
	}
	return msg, nil
}
