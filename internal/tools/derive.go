package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/haasonsaas/chatkit/pkg/models"
)

// Func is a schema-derived tool body. T is a struct whose exported fields
// (with json tags) become the tool's parameters; the registry derives the
// JSON schema from it and validates arguments before decoding them into T.
type Func[T any] func(ctx context.Context, call Call, args T, progress func(string)) (any, error)

// RegisterFunc registers fn as a tool named name. The first paragraph of
// doc becomes the tool description.
func RegisterFunc[T any](r *Registry, name, doc string, fn Func[T]) error {
	params, err := deriveSchema[T]()
	if err != nil {
		return fmt.Errorf("derive schema for %s: %w", name, err)
	}
	return r.Register(&funcTool[T]{
		schema: models.ToolSchema{
			Name:        name,
			Description: firstParagraph(doc),
			Parameters:  params,
		},
		fn: fn,
	})
}

type funcTool[T any] struct {
	schema models.ToolSchema
	fn     Func[T]
}

func (t *funcTool[T]) Schema() models.ToolSchema { return t.schema }

func (t *funcTool[T]) Execute(ctx context.Context, call Call, progress func(string)) (any, error) {
	var args T
	payload := call.Arguments
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if err := json.Unmarshal(payload, &args); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	return t.fn(ctx, call, args, progress)
}

// deriveSchema reflects T into a self-contained JSON schema (no $ref
// indirection, struct fields inlined at the top level).
func deriveSchema[T any]() (json.RawMessage, error) {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	var zero T
	schema := reflector.Reflect(&zero)
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// firstParagraph cuts doc at the first blank line, collapsing internal
// newlines to spaces.
func firstParagraph(doc string) string {
	doc = strings.TrimSpace(doc)
	if idx := strings.Index(doc, "\n\n"); idx >= 0 {
		doc = doc[:idx]
	}
	return strings.Join(strings.Fields(doc), " ")
}
