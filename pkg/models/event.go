package models

import "time"

// EventKind identifies the kind of envelope streamed to the transport.
type EventKind string

const (
	EventThreadID       EventKind = "thread_id"
	EventMessageTokens  EventKind = "message_tokens"
	EventThinkingTokens EventKind = "thinking_tokens"
	EventToolUpdate     EventKind = "tool_update"
	EventError          EventKind = "error"
	EventStreamEnd      EventKind = "stream_end"
)

// Event is the typed envelope emitted by the turn orchestrator. Transports
// render the sequence as they wish; the core only produces envelopes.
type Event struct {
	Event EventKind `json:"event"`
	Data  EventData `json:"data"`
}

// EventData carries the kind-specific payload plus the fields common to every
// event: the emission timestamp and the correlation id of the owning turn.
type EventData struct {
	Timestamp string `json:"timestamp"`
	TurnID    string `json:"turn_correlation_id,omitempty"`

	ThreadID string `json:"thread_id,omitempty"`
	Content  string `json:"content,omitempty"`
	CallID   string `json:"call_id,omitempty"`
	Message  string `json:"message,omitempty"`
}

func newEvent(kind EventKind, turnID string) Event {
	return Event{
		Event: kind,
		Data: EventData{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			TurnID:    turnID,
		},
	}
}

// NewThreadIDEvent announces the thread a turn is bound to.
func NewThreadIDEvent(turnID, threadID string) Event {
	ev := newEvent(EventThreadID, turnID)
	ev.Data.ThreadID = threadID
	return ev
}

// NewTokensEvent carries a streamed content delta. Kind must be
// EventMessageTokens or EventThinkingTokens.
func NewTokensEvent(kind EventKind, turnID, content string) Event {
	ev := newEvent(kind, turnID)
	ev.Data.Content = content
	return ev
}

// NewToolUpdateEvent carries a progress or result line for one tool call.
func NewToolUpdateEvent(turnID, callID, content string) Event {
	ev := newEvent(EventToolUpdate, turnID)
	ev.Data.CallID = callID
	ev.Data.Content = content
	return ev
}

// NewErrorEvent reports a turn-fatal failure. No stack traces cross this
// boundary.
func NewErrorEvent(turnID, message string) Event {
	ev := newEvent(EventError, turnID)
	ev.Data.Message = message
	return ev
}

// NewStreamEndEvent terminates a turn's event sequence.
func NewStreamEndEvent(turnID string) Event {
	return newEvent(EventStreamEnd, turnID)
}
