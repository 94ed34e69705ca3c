package models

// ContextEntry mirrors one model-API message in the cached, model-visible
// view of a conversation. The ID is assigned by the context cache and lets
// the orchestrator scrub transient entries after a tool round resolves.
type ContextEntry struct {
	ID               string     `json:"_id,omitempty"`
	Role             Role       `json:"role"`
	Content          string     `json:"content"`
	ToolCallID       string     `json:"tool_call_id,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
}

// EntryPatch describes an in-place update to a context entry. Nil pointers
// leave the corresponding field untouched; ToolCalls replaces the whole
// slice when non-nil.
type EntryPatch struct {
	Content          *string
	ToolCalls        []ToolCall
	ReasoningContent *string
}
