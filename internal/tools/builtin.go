package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/chatkit/pkg/models"
)

// RegisterBuiltins adds the tools every deployment ships with.
func RegisterBuiltins(r *Registry) error {
	if err := RegisterFunc(r, "add", addDoc, addFunc); err != nil {
		return err
	}
	return r.Register(&currentTimeTool{})
}

const addDoc = `Add two numbers and return their sum.

Useful for exact arithmetic the model should not do in its head.`

type addArgs struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

func addFunc(_ context.Context, _ Call, args addArgs, _ func(string)) (any, error) {
	sum := args.A + args.B
	if sum == float64(int64(sum)) {
		return int64(sum), nil
	}
	return sum, nil
}

// currentTimeTool is a schema-explicit tool: it carries its own parameter
// schema instead of deriving one.
type currentTimeTool struct{}

func (t *currentTimeTool) Schema() models.ToolSchema {
	return models.ToolSchema{
		Name:        "current_time",
		Description: "Report the current time, optionally in a named IANA timezone.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"timezone": {
					"type": "string",
					"description": "IANA timezone name, e.g. Europe/Berlin. Defaults to UTC."
				}
			},
			"additionalProperties": false
		}`),
	}
}

func (t *currentTimeTool) Execute(_ context.Context, call Call, _ func(string)) (any, error) {
	var args struct {
		Timezone string `json:"timezone"`
	}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
	}
	loc := time.UTC
	if args.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(args.Timezone)
		if err != nil {
			return nil, fmt.Errorf("unknown timezone %q", args.Timezone)
		}
	}
	return time.Now().In(loc).Format(time.RFC3339), nil
}
