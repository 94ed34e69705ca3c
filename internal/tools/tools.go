// Package tools implements the callable-tool registry: schema-explicit
// tools, schema-derived function tools, and the uniform invocation shape
// the orchestrator consumes (a stream of progress lines followed by exactly
// one final value).
package tools

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/chatkit/pkg/models"
)

// Call carries the identity of the turn a tool runs inside, plus the raw
// argument payload from the model.
type Call struct {
	UserID    string
	ThreadID  string
	TurnID    string
	CallID    string
	Arguments json.RawMessage
}

// Tool is one callable exposed to the model. Execute may report interim
// progress lines through progress; the returned value is the final result.
type Tool interface {
	Schema() models.ToolSchema
	Execute(ctx context.Context, call Call, progress func(string)) (any, error)
}

// ErrorEnvelope is the structured final value of a failed invocation.
// Failures never propagate as Go errors past the adapter.
type ErrorEnvelope struct {
	Error     string `json:"error"`
	Tool      string `json:"tool"`
	Arguments string `json:"arguments"`
}

// Invocation adapts a running tool call to the uniform consumption shape:
// drain Progress until it closes, then read Final exactly once.
type Invocation struct {
	progress chan string
	done     chan struct{}
	final    any
}

func newInvocation() *Invocation {
	return &Invocation{
		progress: make(chan string, 8),
		done:     make(chan struct{}),
	}
}

// Progress returns the stream of interim progress lines. The channel closes
// when the tool finishes.
func (inv *Invocation) Progress() <-chan string { return inv.progress }

// Final blocks until the tool finishes and returns its final value, which
// is an ErrorEnvelope when the call failed.
func (inv *Invocation) Final() any {
	<-inv.done
	return inv.final
}

// finish publishes the final value and releases consumers. Call once.
func (inv *Invocation) finish(v any) {
	inv.final = v
	close(inv.progress)
	close(inv.done)
}
