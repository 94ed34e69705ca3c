package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/chatkit/internal/plugins"
	"github.com/haasonsaas/chatkit/internal/store"
	"github.com/haasonsaas/chatkit/internal/tools"
	"github.com/haasonsaas/chatkit/pkg/models"
)

// turn holds the request-local state of one user message. It is owned by a
// single goroutine; no field needs locking.
type turn struct {
	o       *Orchestrator
	req     models.TurnRequest
	id      string
	out     chan<- models.Event
	filters []plugins.Plugin

	history plugins.HistoryPlugin
	cache   plugins.ContextPlugin
	model   plugins.ModelPlugin

	threadID string
	params   *models.CallParams

	rounds    int
	toolCalls int
}

// emit pushes one event through the filter_stream chain and sends every
// resulting event. Returns false once ctx is cancelled.
func (t *turn) emit(ctx context.Context, ev models.Event) bool {
	events := []models.Event{ev}
	for _, p := range t.filters {
		hook, ok := p.(plugins.StreamFilterHook)
		if !ok {
			continue
		}
		next := make([]models.Event, 0, len(events))
		for _, e := range events {
			filtered, err := hook.FilterStream(ctx, e)
			if err != nil {
				t.o.logger.Warn("stream filter failed", "plugin", p.Name(), "error", err)
				next = append(next, e)
				continue
			}
			next = append(next, filtered...)
		}
		events = next
	}
	for _, e := range events {
		select {
		case t.out <- e:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// fail streams the turn's terminal error followed by stream_end.
func (t *turn) fail(ctx context.Context, message string) {
	t.emit(ctx, models.NewErrorEvent(t.id, message))
	t.emit(ctx, models.NewStreamEndEvent(t.id))
}

// errMessage renders an internal failure as the user-visible taxonomy kind
// plus a short message. No stack traces cross this boundary.
func errMessage(err error) string {
	switch {
	case errors.Is(err, store.ErrValidation):
		return "Validation: " + err.Error()
	case errors.Is(err, store.ErrNotFound):
		return "NotFound: " + err.Error()
	case errors.Is(err, store.ErrSchemaConflict):
		return "SchemaConflict: " + err.Error()
	case errors.Is(err, store.ErrBusy):
		return "Busy: " + err.Error()
	case errors.Is(err, ErrToolLoopExhausted):
		return "ToolLoopExhausted: " + err.Error()
	case errors.Is(err, ErrUpstream):
		return "Upstream: " + err.Error()
	default:
		return err.Error()
	}
}

// run executes the turn state machine and reports the metrics outcome.
func (t *turn) run(ctx context.Context) string {
	var err error
	if t.history, err = t.o.reg.History(); err == nil {
		if t.cache, err = t.o.reg.Context(); err == nil {
			t.model, err = t.o.reg.Model()
		}
	}
	if err != nil {
		t.fail(ctx, errMessage(err))
		return "error"
	}

	thread, ok := t.resolveThread(ctx)
	if !ok {
		return "error"
	}

	// Persist the user message and mirror it into context. Failure here
	// aborts the turn.
	userMsg := models.Message{
		Role:    models.RoleUser,
		Type:    models.TypeMessageText,
		Content: t.req.Content,
	}
	if err := t.history.AppendMessage(ctx, t.req.UserID, t.threadID, userMsg); err != nil {
		t.fail(ctx, errMessage(err))
		return "error"
	}
	if _, err := t.cache.AddEntry(ctx, t.req.UserID, t.threadID, models.ContextEntry{
		Role:    models.RoleUser,
		Content: t.req.Content,
	}); err != nil {
		t.fail(ctx, errMessage(err))
		return "error"
	}

	if !t.assembleParams(ctx, thread) {
		return "error"
	}
	t.runPreCall(ctx)

	for round := 1; round <= MaxRounds; round++ {
		t.rounds = round
		done, outcome := t.runRound(ctx)
		if done {
			return outcome
		}
	}

	t.fail(ctx, errMessage(fmt.Errorf("%w: no final assistant reply after %d tool rounds", ErrToolLoopExhausted, MaxRounds)))
	return "error"
}

// resolveThread creates the thread when the request names none, or verifies
// ownership of the named one.
func (t *turn) resolveThread(ctx context.Context) (*models.Thread, bool) {
	if t.req.ThreadID == "" {
		threadID, err := t.history.CreateThread(ctx, t.req.UserID,
			deriveTitle(t.req.Content), t.req.Model, t.req.SystemPromptKey)
		if err != nil {
			t.fail(ctx, errMessage(err))
			return nil, false
		}
		t.threadID = threadID
		if !t.emit(ctx, models.NewThreadIDEvent(t.id, threadID)) {
			return nil, false
		}
		return &models.Thread{
			ID:           threadID,
			Model:        t.req.Model,
			SystemPrompt: t.req.SystemPromptKey,
		}, true
	}

	thread, err := t.history.Thread(ctx, t.req.UserID, t.req.ThreadID)
	if err != nil {
		t.fail(ctx, errMessage(err))
		return nil, false
	}
	if thread == nil {
		t.fail(ctx, fmt.Sprintf("NotFound: thread %q", t.req.ThreadID))
		return nil, false
	}
	t.threadID = thread.ID
	return thread, true
}

// assembleParams builds the call parameters from the request, the thread
// defaults and the prompt catalog, and authorizes the model choice.
func (t *turn) assembleParams(ctx context.Context, thread *models.Thread) bool {
	modelName := t.req.Model
	if modelName == "" {
		modelName = thread.Model
	}
	if auth, err := t.o.reg.Auth(); err == nil {
		if err := auth.AuthorizeModel(ctx, t.req.UserID, modelName); err != nil {
			t.fail(ctx, "PermissionDenied: "+err.Error())
			return false
		}
	}

	promptKey := t.req.SystemPromptKey
	if promptKey == "" {
		promptKey = thread.SystemPrompt
	}
	systemPrompt := ""
	if prompts, err := t.o.reg.SystemPrompt(); err == nil {
		systemPrompt, err = prompts.Prompt(promptKey)
		if err != nil {
			t.o.logger.Warn("system prompt lookup failed", "key", promptKey, "error", err)
			systemPrompt = ""
		}
	}

	t.params = &models.CallParams{
		UserID:       t.req.UserID,
		ThreadID:     t.threadID,
		TurnID:       t.id,
		NewMessage:   t.req.Content,
		Model:        modelName,
		SystemPrompt: systemPrompt,
		Tools:        t.o.tools.Schemas(),
	}
	return true
}

// runPreCall walks the pre_call chain, highest priority first. Hook
// failures are logged and skipped; progress lines stream immediately under
// a synthetic per-middleware call id.
func (t *turn) runPreCall(ctx context.Context) {
	for _, p := range t.o.reg.FunctionsPreCall() {
		hook, ok := p.(plugins.PreCallHook)
		if !ok {
			continue
		}
		callID := "mw_" + p.Name()
		progress := func(line string) {
			t.emit(ctx, models.NewToolUpdateEvent(t.id, callID, line))
		}
		if err := hook.PreCall(ctx, t.params, progress); err != nil {
			t.o.logger.Warn("pre_call middleware failed", "plugin", p.Name(), "error", err)
		}
	}
}

// runRound streams one model call and either finalizes the turn or resolves
// its tool calls. done is false when the loop should run another round.
func (t *turn) runRound(ctx context.Context) (done bool, outcome string) {
	entries, err := t.cache.Entries(ctx, t.req.UserID, t.threadID, true)
	if err != nil {
		t.fail(ctx, errMessage(err))
		return true, "error"
	}

	chunks, err := t.model.Stream(ctx, models.StreamRequest{
		Model:        t.params.Model,
		SystemPrompt: t.params.SystemPrompt,
		Messages:     entries,
		Tools:        t.params.Tools,
	})
	if err != nil {
		t.fail(ctx, errMessage(fmt.Errorf("%w: %v", ErrUpstream, err)))
		return true, "error"
	}

	assistantText, thinkingText, calls, streamErr := t.consume(ctx, chunks)

	if ctx.Err() != nil {
		// Client went away. Keep what was already streamed; emitting
		// anything further is pointless.
		t.persistPartial(assistantText, thinkingText)
		return true, "cancelled"
	}
	if streamErr != nil {
		t.persistPartial(assistantText, thinkingText)
		t.fail(ctx, errMessage(fmt.Errorf("%w: %v", ErrUpstream, streamErr)))
		return true, "error"
	}

	if len(calls) == 0 {
		t.finalize(ctx, assistantText, thinkingText)
		return true, "ok"
	}
	if !t.runToolRound(ctx, assistantText, thinkingText, calls) {
		return true, "error"
	}
	return false, ""
}

// pendingCall accumulates one tool call's streamed fragments.
type pendingCall struct {
	index int
	id    string
	name  strings.Builder
	args  strings.Builder
}

// consume drains the model stream, forwarding text deltas as events and
// accumulating tool-call fragments by index. Raw tool_call_delta chunks are
// never forwarded.
func (t *turn) consume(ctx context.Context, chunks <-chan models.ModelChunk) (assistant, thinking string, calls []models.ToolCall, err error) {
	var assistantBuf, thinkingBuf strings.Builder
	pending := map[int]*pendingCall{}

	for chunk := range chunks {
		if chunk.Err != nil {
			err = chunk.Err
			continue
		}
		switch chunk.Kind {
		case models.ChunkAssistantText:
			assistantBuf.WriteString(chunk.Text)
			t.emit(ctx, models.NewTokensEvent(models.EventMessageTokens, t.id, chunk.Text))
		case models.ChunkThinkingText:
			thinkingBuf.WriteString(chunk.Text)
			t.emit(ctx, models.NewTokensEvent(models.EventThinkingTokens, t.id, chunk.Text))
		case models.ChunkToolCallDelta:
			d := chunk.ToolCall
			if d == nil {
				continue
			}
			p, ok := pending[d.Index]
			if !ok {
				p = &pendingCall{index: d.Index}
				pending[d.Index] = p
			}
			if d.ID != "" {
				p.id = d.ID
			}
			p.name.WriteString(d.NameDelta)
			p.args.WriteString(d.ArgumentsDelta)
		case models.ChunkUsage:
			if chunk.Usage != nil {
				t.o.metrics.AddTokens(chunk.Usage.InputTokens, chunk.Usage.OutputTokens)
			}
		case models.ChunkEnd:
		}
	}

	ordered := make([]*pendingCall, 0, len(pending))
	for _, p := range pending {
		ordered = append(ordered, p)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })
	for _, p := range ordered {
		call := models.ToolCall{
			ID:        p.id,
			Name:      p.name.String(),
			Arguments: p.args.String(),
		}
		if call.ID == "" {
			call.ID = "call_" + uuid.NewString()
		}
		if call.Arguments == "" {
			call.Arguments = "{}"
		}
		calls = append(calls, call)
	}
	return assistantBuf.String(), thinkingBuf.String(), calls, err
}

// runToolRound persists the round's output, executes every tool call and
// feeds the results back into context. Returns false when the turn failed.
func (t *turn) runToolRound(ctx context.Context, assistantText, thinkingText string, calls []models.ToolCall) bool {
	if !t.persistRoundOutput(ctx, assistantText, thinkingText) {
		return false
	}
	entryID, err := t.cache.AddEntry(ctx, t.req.UserID, t.threadID, models.ContextEntry{
		Role:             models.RoleAssistant,
		Content:          assistantText,
		ToolCalls:        calls,
		ReasoningContent: thinkingText,
	})
	if err != nil {
		t.fail(ctx, errMessage(err))
		return false
	}

	for _, call := range calls {
		if !t.executeToolCall(ctx, call) {
			return false
		}
	}
	t.toolCalls += len(calls)

	// The round's tool calls have resolved; scrub the transient reasoning
	// from the model-visible view.
	if thinkingText != "" {
		empty := ""
		if err := t.cache.UpdateEntry(ctx, t.req.UserID, t.threadID, entryID,
			models.EntryPatch{ReasoningContent: &empty}); err != nil {
			t.o.logger.Warn("reasoning scrub failed", "thread_id", t.threadID, "error", err)
		}
	}
	return true
}

// executeToolCall emits and persists the call line, forwards progress, and
// records the final result line in history and context.
func (t *turn) executeToolCall(ctx context.Context, call models.ToolCall) bool {
	callLine := fmt.Sprintf("🔧 %s(%s)", call.Name, call.Arguments)
	if !t.recordToolUpdate(ctx, call.ID, callLine) {
		return false
	}

	inv := t.o.tools.Invoke(ctx, call.Name, tools.Call{
		UserID:    t.req.UserID,
		ThreadID:  t.threadID,
		TurnID:    t.id,
		CallID:    call.ID,
		Arguments: json.RawMessage(call.Arguments),
	})
	for line := range inv.Progress() {
		if !t.recordToolUpdate(ctx, call.ID, line) {
			return false
		}
	}

	var resultLine string
	switch final := inv.Final().(type) {
	case tools.ErrorEnvelope:
		resultLine = fmt.Sprintf("❌ %s: %s", call.Name, final.Error)
		t.o.metrics.CountToolCall(call.Name, "error")
	default:
		resultLine = fmt.Sprintf("✅ %s: %s", call.Name, formatResult(final))
		t.o.metrics.CountToolCall(call.Name, "ok")
	}
	if !t.recordToolUpdate(ctx, call.ID, resultLine) {
		return false
	}

	// One consolidated tool entry per call id enters model context.
	if _, err := t.cache.AddEntry(ctx, t.req.UserID, t.threadID, models.ContextEntry{
		Role:       models.RoleTool,
		ToolCallID: call.ID,
		Content:    resultLine,
	}); err != nil {
		t.fail(ctx, errMessage(err))
		return false
	}
	return true
}

// recordToolUpdate emits a tool_update event and persists the same line to
// history.
func (t *turn) recordToolUpdate(ctx context.Context, callID, content string) bool {
	if !t.emit(ctx, models.NewToolUpdateEvent(t.id, callID, content)) {
		return false
	}
	err := t.history.AppendMessage(ctx, t.req.UserID, t.threadID, models.Message{
		Role:    models.RoleTool,
		Type:    models.TypeToolUpdate,
		Content: content,
		CallID:  callID,
	})
	if err != nil {
		t.fail(ctx, errMessage(err))
		return false
	}
	return true
}

// appendRoundOutput writes a round's thinking and assistant text to
// history. Empty segments are skipped.
func (t *turn) appendRoundOutput(ctx context.Context, assistantText, thinkingText string) error {
	if thinkingText != "" {
		err := t.history.AppendMessage(ctx, t.req.UserID, t.threadID, models.Message{
			Role:    models.RoleThinking,
			Type:    models.TypeMessageText,
			Content: thinkingText,
		})
		if err != nil {
			return err
		}
	}
	if assistantText != "" {
		err := t.history.AppendMessage(ctx, t.req.UserID, t.threadID, models.Message{
			Role:    models.RoleAssistant,
			Type:    models.TypeMessageText,
			Content: assistantText,
			Model:   t.params.Model,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *turn) persistRoundOutput(ctx context.Context, assistantText, thinkingText string) bool {
	if err := t.appendRoundOutput(ctx, assistantText, thinkingText); err != nil {
		t.fail(ctx, errMessage(err))
		return false
	}
	return true
}

// persistPartial saves output that was already streamed to the client when
// the turn dies mid-round. Best effort on a detached context; no further
// events are emitted.
func (t *turn) persistPartial(assistantText, thinkingText string) {
	if assistantText == "" && thinkingText == "" {
		return
	}
	ctx := context.Background()
	if err := t.appendRoundOutput(ctx, assistantText, thinkingText); err != nil {
		t.o.logger.Warn("failed to persist partial output", "thread_id", t.threadID, "error", err)
	}
}

// finalize persists the turn's closing output, runs post_call middleware
// and terminates the stream.
func (t *turn) finalize(ctx context.Context, assistantText, thinkingText string) {
	if !t.persistRoundOutput(ctx, assistantText, thinkingText) {
		return
	}
	if assistantText != "" {
		if _, err := t.cache.AddEntry(ctx, t.req.UserID, t.threadID, models.ContextEntry{
			Role:    models.RoleAssistant,
			Content: assistantText,
		}); err != nil {
			t.fail(ctx, errMessage(err))
			return
		}
	}

	summary := models.TurnSummary{
		UserID:        t.req.UserID,
		ThreadID:      t.threadID,
		TurnID:        t.id,
		UserMessage:   t.req.Content,
		AssistantText: assistantText,
		Rounds:        t.rounds,
		ToolCalls:     t.toolCalls,
	}
	for _, p := range t.o.reg.FunctionsStreamOrder() {
		hook, ok := p.(plugins.PostCallHook)
		if !ok {
			continue
		}
		if err := hook.PostCall(ctx, summary, t.o.tasks); err != nil {
			t.o.logger.Warn("post_call middleware failed", "plugin", p.Name(), "error", err)
		}
	}

	t.emit(ctx, models.NewStreamEndEvent(t.id))
}

// formatResult renders a tool's final value for the result line: strings
// verbatim, everything else as JSON.
func formatResult(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(encoded)
}
