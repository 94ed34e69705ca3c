package models

// ChunkKind identifies the kind of a model stream chunk.
type ChunkKind string

const (
	ChunkAssistantText ChunkKind = "assistant_text"
	ChunkThinkingText  ChunkKind = "thinking_text"
	ChunkToolCallDelta ChunkKind = "tool_call_delta"
	ChunkUsage         ChunkKind = "usage"
	ChunkEnd           ChunkKind = "end"
)

// ModelChunk is one element of a model adapter's stream. Exactly one of the
// payload fields is meaningful for a given Kind. A non-nil Err terminates the
// stream; the adapter closes the channel after sending it.
type ModelChunk struct {
	Kind     ChunkKind
	Text     string
	ToolCall *ToolCallDelta
	Usage    *Usage
	Err      error
}

// ToolCallDelta is an incremental fragment of a model tool call. Adapters
// deliver the id and name as soon as they are known and stream argument JSON
// in fragments; the orchestrator accumulates fragments by Index.
type ToolCallDelta struct {
	ID             string
	Index          int
	NameDelta      string
	ArgumentsDelta string
}

// Usage reports token counts when the provider supplies them.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ToolCall is a fully accumulated model request to execute a named tool.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}
