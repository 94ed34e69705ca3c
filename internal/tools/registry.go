package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/chatkit/pkg/models"
)

const defaultTimeout = 30 * time.Second

// Registry holds the tools exposed to the model. Registration happens at
// startup; Invoke runs one call asynchronously and never returns a Go
// error, folding every failure into the final value instead.
type Registry struct {
	mu      sync.RWMutex
	logger  *slog.Logger
	timeout time.Duration
	tools   map[string]Tool

	// schemas caches compiled parameter schemas by their serialized form.
	schemas sync.Map
}

// NewRegistry creates a tool registry. timeout bounds each invocation; zero
// selects the default of 30 seconds. A nil logger falls back to
// slog.Default.
func NewRegistry(logger *slog.Logger, timeout time.Duration) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Registry{
		logger:  logger,
		timeout: timeout,
		tools:   make(map[string]Tool),
	}
}

// Register adds a tool. A name collision rejects the newcomer and keeps the
// registered tool.
func (r *Registry) Register(t Tool) error {
	name := t.Schema().Name
	if name == "" {
		return fmt.Errorf("tool has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		r.logger.Warn("tool name already registered, rejecting", "tool", name)
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Has reports whether a tool with this name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Schemas returns every tool's schema, sorted by name for a stable wire
// order.
func (r *Registry) Schemas() []models.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Schema())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke starts one tool call and returns its invocation adapter. Unknown
// tools, invalid arguments, panics, timeouts and execution errors all
// surface as an ErrorEnvelope final value.
func (r *Registry) Invoke(ctx context.Context, name string, call Call) *Invocation {
	inv := newInvocation()

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		inv.finish(ErrorEnvelope{
			Error:     fmt.Sprintf("unknown tool %q", name),
			Tool:      name,
			Arguments: string(call.Arguments),
		})
		return inv
	}

	if err := r.validateArguments(tool.Schema(), call.Arguments); err != nil {
		inv.finish(ErrorEnvelope{
			Error:     err.Error(),
			Tool:      name,
			Arguments: string(call.Arguments),
		})
		return inv
	}

	go r.run(ctx, tool, name, call, inv)
	return inv
}

func (r *Registry) run(ctx context.Context, tool Tool, name string, call Call, inv *Invocation) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	progress := func(line string) {
		select {
		case inv.progress <- line:
		case <-ctx.Done():
		}
	}

	var final any
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("tool panicked", "tool", name, "panic", rec)
				final = ErrorEnvelope{
					Error:     fmt.Sprintf("tool panicked: %v", rec),
					Tool:      name,
					Arguments: string(call.Arguments),
				}
			}
		}()
		result, err := tool.Execute(ctx, call, progress)
		if err != nil {
			final = ErrorEnvelope{
				Error:     err.Error(),
				Tool:      name,
				Arguments: string(call.Arguments),
			}
			return
		}
		final = result
	}()
	inv.finish(final)
}

// validateArguments checks the model-supplied payload against the tool's
// parameter schema. Compiled schemas are cached for the registry's lifetime.
func (r *Registry) validateArguments(schema models.ToolSchema, arguments json.RawMessage) error {
	params := schema.Parameters
	if len(params) == 0 {
		return nil
	}

	key := string(params)
	var compiled *jsonschema.Schema
	if cached, ok := r.schemas.Load(key); ok {
		compiled = cached.(*jsonschema.Schema)
	} else {
		var err error
		compiled, err = jsonschema.CompileString(schema.Name+".schema.json", key)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", schema.Name, err)
		}
		r.schemas.Store(key, compiled)
	}

	payload := arguments
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("arguments invalid: %w", err)
	}
	return nil
}
