package models

// TurnRequest is the input to one turn: a user message plus optional
// overrides for thread, model and system prompt.
type TurnRequest struct {
	UserID          string `json:"user_id"`
	Content         string `json:"content"`
	ThreadID        string `json:"thread_id,omitempty"`
	Model           string `json:"model,omitempty"`
	SystemPromptKey string `json:"system_prompt_key,omitempty"`
}

// CallParams is the mutable parameter record handed to pre_call middleware.
// Middleware mutates fields in place; the orchestrator reads the
// post-middleware values when dispatching to the model.
type CallParams struct {
	UserID     string
	ThreadID   string
	TurnID     string
	NewMessage string

	Model        string
	SystemPrompt string
	Tools        []ToolSchema
}

// StreamRequest is what a model plugin receives for one round.
type StreamRequest struct {
	Model        string
	SystemPrompt string
	Messages     []ContextEntry
	Tools        []ToolSchema
}

// TurnSummary is handed to post_call middleware once a turn has finalized.
type TurnSummary struct {
	UserID        string
	ThreadID      string
	TurnID        string
	UserMessage   string
	AssistantText string
	Rounds        int
	ToolCalls     int
}
