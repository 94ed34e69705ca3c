package providers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/chatkit/pkg/models"
)

func TestOpenAIConvertMessages(t *testing.T) {
	p := &OpenAIProvider{}
	req := models.StreamRequest{
		SystemPrompt: "You are terse.",
		Messages: []models.ContextEntry{
			{Role: models.RoleUser, Content: "What is 2+3?"},
			{
				Role: models.RoleAssistant,
				ToolCalls: []models.ToolCall{
					{ID: "call_1", Name: "add", Arguments: `{"a":2,"b":3}`},
				},
			},
			{Role: models.RoleTool, ToolCallID: "call_1", Content: "5"},
			{Role: models.RoleAssistant, Content: "It is 5."},
		},
	}

	got := p.convertMessages(req)
	if len(got) != 5 {
		t.Fatalf("got %d messages, want 5", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleSystem || got[0].Content != "You are terse." {
		t.Errorf("system message = %+v", got[0])
	}
	if len(got[2].ToolCalls) != 1 || got[2].ToolCalls[0].Function.Name != "add" {
		t.Errorf("assistant tool calls = %+v", got[2].ToolCalls)
	}
	if got[3].Role != openai.ChatMessageRoleTool || got[3].ToolCallID != "call_1" || got[3].Content != "5" {
		t.Errorf("tool result message = %+v", got[3])
	}
	if got[4].Role != openai.ChatMessageRoleAssistant || got[4].Content != "It is 5." {
		t.Errorf("final assistant message = %+v", got[4])
	}
}

func TestOpenAIConvertMessagesNoSystem(t *testing.T) {
	p := &OpenAIProvider{}
	got := p.convertMessages(models.StreamRequest{
		Messages: []models.ContextEntry{{Role: models.RoleUser, Content: "hi"}},
	})
	if len(got) != 1 || got[0].Role != openai.ChatMessageRoleUser {
		t.Errorf("messages = %+v", got)
	}
}

func TestOpenAIConvertTools(t *testing.T) {
	p := &OpenAIProvider{}
	tools := []models.ToolSchema{
		{
			Name:        "add",
			Description: "Add two numbers.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"}}}`),
		},
		{
			Name:       "broken",
			Parameters: json.RawMessage(`{not json`),
		},
	}

	got := p.convertTools(tools)
	if len(got) != 2 {
		t.Fatalf("got %d tools", len(got))
	}
	if got[0].Function.Name != "add" || got[0].Function.Description != "Add two numbers." {
		t.Errorf("tool = %+v", got[0].Function)
	}
	// A malformed schema degrades to an empty object schema rather than
	// failing the whole toolset.
	params, ok := got[1].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Errorf("degraded schema = %+v", got[1].Function.Parameters)
	}
}

func TestOpenAIProviderConfig(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Error("empty API key accepted")
	}

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test"})
	if err != nil {
		t.Fatal(err)
	}
	list, err := p.ListModels(context.Background())
	if err != nil || len(list) != 1 || list[0] != "gpt-4o" {
		t.Errorf("models = %v, %v", list, err)
	}
	if p.model("") != "gpt-4o" || p.model("gpt-4-turbo") != "gpt-4-turbo" {
		t.Error("model selection is wrong")
	}
}

func TestAnthropicConvertMessages(t *testing.T) {
	p := &AnthropicProvider{}
	entries := []models.ContextEntry{
		{Role: models.RoleUser, Content: "What is 2+3?"},
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "toolu_1", Name: "add", Arguments: `{"a":2,"b":3}`},
			},
		},
		{Role: models.RoleTool, ToolCallID: "toolu_1", Content: "5"},
		{Role: models.RoleAssistant, Content: ""},
	}

	got := p.convertMessages(entries)
	// The empty trailing assistant entry contributes no blocks and is
	// dropped.
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	if got[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("first message role = %v", got[0].Role)
	}
	if got[1].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("second message role = %v", got[1].Role)
	}
	if len(got[1].Content) != 1 || got[1].Content[0].OfToolUse == nil {
		t.Errorf("assistant tool use = %+v", got[1].Content)
	}
	if len(got[2].Content) != 1 || got[2].Content[0].OfToolResult == nil {
		t.Errorf("tool result = %+v", got[2].Content)
	}
	if got[2].Content[0].OfToolResult.ToolUseID != "toolu_1" {
		t.Errorf("tool result id = %+v", got[2].Content[0].OfToolResult)
	}
}

func TestAnthropicConvertTools(t *testing.T) {
	p := &AnthropicProvider{}
	got, err := p.convertTools([]models.ToolSchema{
		{
			Name:        "add",
			Description: "Add two numbers.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"a":{"type":"number"}},"required":["a"]}`),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].OfTool == nil || got[0].OfTool.Name != "add" {
		t.Fatalf("tools = %+v", got)
	}

	if _, err := p.convertTools([]models.ToolSchema{
		{Name: "broken", Parameters: json.RawMessage(`{not json`)},
	}); err == nil {
		t.Error("malformed schema accepted")
	}
}

func TestAnthropicProviderConfig(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Error("empty API key accepted")
	}

	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatal(err)
	}
	list, err := p.ListModels(context.Background())
	if err != nil || len(list) != 1 || list[0] != "claude-sonnet-4-20250514" {
		t.Errorf("models = %v, %v", list, err)
	}
	if p.maxTokens != defaultMaxTokens {
		t.Errorf("maxTokens = %d", p.maxTokens)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("status code: 429, rate limit reached"), true},
		{errors.New("status code: 503"), true},
		{errors.New("context deadline exceeded"), true},
		{errors.New("status code: 401, invalid api key"), false},
	}
	for _, tt := range tests {
		if got := isRetryable(tt.err); got != tt.want {
			t.Errorf("isRetryable(%v) = %v", tt.err, got)
		}
	}
}
