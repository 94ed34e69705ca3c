// Package models provides the domain types shared across the chatkit core:
// persisted messages, the streamed event envelope, model stream chunks, and
// the parameter records passed between the orchestrator and its plugins.
package models

// Role identifies the author of a persisted history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleThinking  Role = "thinking"
	RoleTool      Role = "tool"
)

// MessageType distinguishes regular text from tool progress lines.
type MessageType string

const (
	TypeMessageText MessageType = "message_text"
	TypeToolUpdate  MessageType = "tool_update"
)

// Message is one entry in a thread's append-only log. Messages are immutable
// after append; the timestamp is stamped by the history layer if empty.
type Message struct {
	Role      Role        `json:"role"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`
	Timestamp string      `json:"timestamp"`
	Model     string      `json:"model,omitempty"`
	CallID    string      `json:"call_id,omitempty"`
}

// Thread is the header record of a conversation.
type Thread struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
	IsArchived   bool   `json:"is_archived"`
	CreatedAt    string `json:"created_at"`
}

// ThreadSearchResult is one hit from a history search, deduplicated by thread.
type ThreadSearchResult struct {
	ThreadID string `json:"thread_id"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
}
