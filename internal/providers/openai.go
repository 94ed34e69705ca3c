// Package providers implements model plugins for upstream LLM APIs. Each
// adapter translates one vendor's streaming protocol into the shared
// ModelChunk stream the orchestrator consumes.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/chatkit/internal/plugins"
	"github.com/haasonsaas/chatkit/pkg/models"
)

// OpenAIConfig configures the OpenAI model plugin.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Models       []string
	MaxRetries   int
	RetryDelay   time.Duration
}

// OpenAIProvider streams chat completions from the OpenAI API.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	modelList    []string
	maxRetries   int
	retryDelay   time.Duration
}

// NewOpenAIProvider creates the OpenAI model plugin.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	if len(cfg.Models) == 0 {
		cfg.Models = []string{cfg.DefaultModel}
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
		modelList:    cfg.Models,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
	}, nil
}

func (p *OpenAIProvider) Name() string       { return "openai-model" }
func (p *OpenAIProvider) Role() plugins.Role { return plugins.RoleModel }
func (p *OpenAIProvider) Priority() int      { return 0 }

// ListModels returns the configured model identifiers.
func (p *OpenAIProvider) ListModels(context.Context) ([]string, error) {
	out := make([]string, len(p.modelList))
	copy(out, p.modelList)
	return out, nil
}

// Stream dispatches one round and returns the chunk stream. The channel is
// closed after the terminal chunk, either ChunkEnd or one carrying Err.
func (p *OpenAIProvider) Stream(ctx context.Context, req models.StreamRequest) (<-chan models.ModelChunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:         p.model(req.Model),
		Messages:      p.convertMessages(req),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	// Linear backoff on transient failures.
	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !isRetryable(lastErr) {
			return nil, fmt.Errorf("openai: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
	}

	chunks := make(chan models.ModelChunk)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- models.ModelChunk) {
	defer close(chunks)
	defer stream.Close()

	var usage *models.Usage
	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if usage != nil {
					chunks <- models.ModelChunk{Kind: models.ChunkUsage, Usage: usage}
				}
				chunks <- models.ModelChunk{Kind: models.ChunkEnd}
				return
			}
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			chunks <- models.ModelChunk{Err: err}
			return
		}

		// The final usage frame arrives with an empty choice list.
		if response.Usage != nil {
			usage = &models.Usage{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
			}
		}
		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta

		if delta.Content != "" {
			chunks <- models.ModelChunk{Kind: models.ChunkAssistantText, Text: delta.Content}
		}
		if delta.ReasoningContent != "" {
			chunks <- models.ModelChunk{Kind: models.ChunkThinkingText, Text: delta.ReasoningContent}
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			chunks <- models.ModelChunk{
				Kind: models.ChunkToolCallDelta,
				ToolCall: &models.ToolCallDelta{
					ID:             tc.ID,
					Index:          index,
					NameDelta:      tc.Function.Name,
					ArgumentsDelta: tc.Function.Arguments,
				},
			}
		}
	}
}

// convertMessages maps the cached context onto OpenAI's wire format. The
// system prompt becomes the first message; tool results become role "tool"
// messages linked by tool_call_id.
func (p *OpenAIProvider) convertMessages(req models.StreamRequest) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}

	for _, entry := range req.Messages {
		switch entry.Role {
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    entry.Content,
				ToolCallID: entry.ToolCallID,
			})
		case models.RoleAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: entry.Content,
			}
			for _, tc := range entry.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			result = append(result, msg)
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: entry.Content,
			})
		}
	}
	return result
}

func (p *OpenAIProvider) convertTools(tools []models.ToolSchema) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.Parameters, &schemaMap); err != nil {
			// One bad schema must not break the rest of the toolset.
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		}
	}
	return result
}

func (p *OpenAIProvider) model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.defaultModel
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{"rate limit", "429", "500", "502", "503", "504", "timeout", "deadline exceeded"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
