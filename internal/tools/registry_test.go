package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/chatkit/pkg/models"
)

func newTestRegistry(t *testing.T, timeout time.Duration) *Registry {
	t.Helper()
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)), timeout)
}

// drain consumes an invocation the way the orchestrator does.
func drain(inv *Invocation) ([]string, any) {
	var progress []string
	for line := range inv.Progress() {
		progress = append(progress, line)
	}
	return progress, inv.Final()
}

type staticTool struct {
	schema  models.ToolSchema
	execute func(ctx context.Context, call Call, progress func(string)) (any, error)
}

func (t *staticTool) Schema() models.ToolSchema { return t.schema }
func (t *staticTool) Execute(ctx context.Context, call Call, progress func(string)) (any, error) {
	return t.execute(ctx, call, progress)
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r := newTestRegistry(t, 0)
	mk := func(result string) *staticTool {
		return &staticTool{
			schema: models.ToolSchema{Name: "echo"},
			execute: func(context.Context, Call, func(string)) (any, error) {
				return result, nil
			},
		}
	}

	if err := r.Register(mk("first")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(mk("second")); err == nil {
		t.Fatal("duplicate registration accepted")
	}

	_, final := drain(r.Invoke(context.Background(), "echo", Call{}))
	if final != "first" {
		t.Errorf("registered tool was replaced, final = %v", final)
	}
}

func TestSchemasSorted(t *testing.T) {
	r := newTestRegistry(t, 0)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		name := name
		if err := r.Register(&staticTool{
			schema:  models.ToolSchema{Name: name},
			execute: func(context.Context, Call, func(string)) (any, error) { return nil, nil },
		}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	schemas := r.Schemas()
	if schemas[0].Name != "alpha" || schemas[1].Name != "mid" || schemas[2].Name != "zeta" {
		t.Errorf("schemas order = %v", schemas)
	}
}

func TestInvokeProgressThenFinal(t *testing.T) {
	r := newTestRegistry(t, 0)
	if err := r.Register(&staticTool{
		schema: models.ToolSchema{Name: "steps"},
		execute: func(_ context.Context, _ Call, progress func(string)) (any, error) {
			progress("step 1")
			progress("step 2")
			return "done", nil
		},
	}); err != nil {
		t.Fatal(err)
	}

	progress, final := drain(r.Invoke(context.Background(), "steps", Call{}))
	if len(progress) != 2 || progress[0] != "step 1" || progress[1] != "step 2" {
		t.Errorf("progress = %v", progress)
	}
	if final != "done" {
		t.Errorf("final = %v", final)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	r := newTestRegistry(t, 0)
	_, final := drain(r.Invoke(context.Background(), "nope", Call{Arguments: json.RawMessage(`{"x":1}`)}))
	env, ok := final.(ErrorEnvelope)
	if !ok {
		t.Fatalf("final = %T %v", final, final)
	}
	if env.Tool != "nope" || env.Arguments != `{"x":1}` || !strings.Contains(env.Error, "unknown tool") {
		t.Errorf("envelope = %+v", env)
	}
}

func TestInvokeExecutionErrorBecomesEnvelope(t *testing.T) {
	r := newTestRegistry(t, 0)
	if err := r.Register(&staticTool{
		schema: models.ToolSchema{Name: "boom"},
		execute: func(context.Context, Call, func(string)) (any, error) {
			return nil, errors.New("upstream unavailable")
		},
	}); err != nil {
		t.Fatal(err)
	}

	_, final := drain(r.Invoke(context.Background(), "boom", Call{}))
	env, ok := final.(ErrorEnvelope)
	if !ok || env.Error != "upstream unavailable" || env.Tool != "boom" {
		t.Errorf("final = %+v", final)
	}
}

func TestInvokePanicBecomesEnvelope(t *testing.T) {
	r := newTestRegistry(t, 0)
	if err := r.Register(&staticTool{
		schema: models.ToolSchema{Name: "crash"},
		execute: func(context.Context, Call, func(string)) (any, error) {
			panic("nil map write")
		},
	}); err != nil {
		t.Fatal(err)
	}

	_, final := drain(r.Invoke(context.Background(), "crash", Call{}))
	env, ok := final.(ErrorEnvelope)
	if !ok || !strings.Contains(env.Error, "nil map write") {
		t.Errorf("final = %+v", final)
	}
}

func TestInvokeValidatesArguments(t *testing.T) {
	r := newTestRegistry(t, 0)
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("register builtins: %v", err)
	}

	_, final := drain(r.Invoke(context.Background(), "add", Call{Arguments: json.RawMessage(`{"a":"one","b":2}`)}))
	env, ok := final.(ErrorEnvelope)
	if !ok || !strings.Contains(env.Error, "invalid") {
		t.Fatalf("final = %+v", final)
	}

	_, final = drain(r.Invoke(context.Background(), "add", Call{Arguments: json.RawMessage(`not json`)}))
	if _, ok := final.(ErrorEnvelope); !ok {
		t.Fatalf("final = %+v", final)
	}
}

func TestSchemaCacheIsPerRegistry(t *testing.T) {
	mkRegistry := func(schema string, result any) *Registry {
		r := newTestRegistry(t, 0)
		if err := r.Register(&staticTool{
			schema: models.ToolSchema{Name: "count", Parameters: json.RawMessage(schema)},
			execute: func(context.Context, Call, func(string)) (any, error) {
				return result, nil
			},
		}); err != nil {
			t.Fatal(err)
		}
		return r
	}
	strict := mkRegistry(`{"type":"object","properties":{"n":{"type":"integer"}},"required":["n"],"additionalProperties":false}`, "strict")
	loose := mkRegistry(`{"type":"object"}`, "loose")

	// Warm both caches, then cross-check that each registry keeps
	// validating against its own compiled schema.
	for i := 0; i < 2; i++ {
		if _, final := drain(strict.Invoke(context.Background(), "count", Call{Arguments: json.RawMessage(`{"n":1}`)})); final != "strict" {
			t.Fatalf("strict final = %v", final)
		}
		if _, final := drain(loose.Invoke(context.Background(), "count", Call{Arguments: json.RawMessage(`{"anything":true}`)})); final != "loose" {
			t.Fatalf("loose final = %v", final)
		}
	}
	if _, final := drain(strict.Invoke(context.Background(), "count", Call{Arguments: json.RawMessage(`{"anything":true}`)})); final == "strict" {
		t.Fatal("strict registry accepted arguments its schema rejects")
	}
}

func TestInvokeTimeout(t *testing.T) {
	r := newTestRegistry(t, 20*time.Millisecond)
	if err := r.Register(&staticTool{
		schema: models.ToolSchema{Name: "slow"},
		execute: func(ctx context.Context, _ Call, _ func(string)) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "too late", nil
			}
		},
	}); err != nil {
		t.Fatal(err)
	}

	_, final := drain(r.Invoke(context.Background(), "slow", Call{}))
	env, ok := final.(ErrorEnvelope)
	if !ok || !strings.Contains(env.Error, "deadline") {
		t.Errorf("final = %+v", final)
	}
}

func TestBuiltinAdd(t *testing.T) {
	r := newTestRegistry(t, 0)
	if err := RegisterBuiltins(r); err != nil {
		t.Fatal(err)
	}

	_, final := drain(r.Invoke(context.Background(), "add", Call{Arguments: json.RawMessage(`{"a":1,"b":2}`)}))
	if final != int64(3) {
		t.Errorf("add = %v (%T)", final, final)
	}

	_, final = drain(r.Invoke(context.Background(), "add", Call{Arguments: json.RawMessage(`{"a":0.5,"b":0.25}`)}))
	if final != 0.75 {
		t.Errorf("add = %v", final)
	}
}

func TestDerivedSchemaAndDescription(t *testing.T) {
	r := newTestRegistry(t, 0)
	if err := RegisterBuiltins(r); err != nil {
		t.Fatal(err)
	}

	var schema models.ToolSchema
	for _, s := range r.Schemas() {
		if s.Name == "add" {
			schema = s
		}
	}
	if schema.Description != "Add two numbers and return their sum." {
		t.Errorf("description = %q", schema.Description)
	}

	var decoded struct {
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(schema.Parameters, &decoded); err != nil {
		t.Fatalf("parameters: %v", err)
	}
	if decoded.Type != "object" {
		t.Errorf("type = %q", decoded.Type)
	}
	if _, ok := decoded.Properties["a"]; !ok {
		t.Errorf("properties = %v", decoded.Properties)
	}
	if len(decoded.Required) != 2 {
		t.Errorf("required = %v", decoded.Required)
	}
}

func TestFirstParagraph(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Single line.", "Single line."},
		{"First\nstill first.\n\nSecond paragraph.", "First still first."},
		{"  padded  \n\nrest", "padded"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := firstParagraph(tt.in); got != tt.want {
			t.Errorf("firstParagraph(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
