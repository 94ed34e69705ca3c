package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/chatkit/internal/plugins"
	"github.com/haasonsaas/chatkit/pkg/models"
)

const defaultMaxTokens = 4096

// AnthropicConfig configures the Anthropic model plugin.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Models       []string
	MaxTokens    int
}

// AnthropicProvider streams messages from the Anthropic API.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	modelList    []string
	maxTokens    int
}

// NewAnthropicProvider creates the Anthropic model plugin.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}
	if len(cfg.Models) == 0 {
		cfg.Models = []string{cfg.DefaultModel}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: cfg.DefaultModel,
		modelList:    cfg.Models,
		maxTokens:    cfg.MaxTokens,
	}, nil
}

func (p *AnthropicProvider) Name() string       { return "anthropic-model" }
func (p *AnthropicProvider) Role() plugins.Role { return plugins.RoleModel }
func (p *AnthropicProvider) Priority() int      { return 0 }

// ListModels returns the configured model identifiers.
func (p *AnthropicProvider) ListModels(context.Context) ([]string, error) {
	out := make([]string, len(p.modelList))
	copy(out, p.modelList)
	return out, nil
}

// Stream dispatches one round and returns the chunk stream.
func (p *AnthropicProvider) Stream(ctx context.Context, req models.StreamRequest) (<-chan models.ModelChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  p.convertMessages(req.Messages),
		MaxTokens: int64(p.maxTokens),
	}
	// Anthropic takes the system prompt out of band, not as a message.
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.SystemPrompt}}
	}
	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan models.ModelChunk)
	go p.processStream(stream, chunks)
	return chunks, nil
}

// processStream converts Anthropic SSE events into model chunks. Tool use
// blocks announce id and name in content_block_start, then stream argument
// JSON as input_json_delta fragments.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- models.ModelChunk) {
	defer close(chunks)

	var usage models.Usage
	toolIndex := -1
	blockToTool := make(map[int64]int)

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			messageStart := event.AsMessageStart()
			if messageStart.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(messageStart.Message.Usage.InputTokens)
			}

		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			if blockStart.ContentBlock.Type != "tool_use" {
				continue
			}
			toolUse := blockStart.ContentBlock.AsToolUse()
			toolIndex++
			blockToTool[blockStart.Index] = toolIndex
			chunks <- models.ModelChunk{
				Kind: models.ChunkToolCallDelta,
				ToolCall: &models.ToolCallDelta{
					ID:        toolUse.ID,
					Index:     toolIndex,
					NameDelta: toolUse.Name,
				},
			}

		case "content_block_delta":
			blockDelta := event.AsContentBlockDelta()
			switch blockDelta.Delta.Type {
			case "text_delta":
				if blockDelta.Delta.Text != "" {
					chunks <- models.ModelChunk{Kind: models.ChunkAssistantText, Text: blockDelta.Delta.Text}
				}
			case "thinking_delta":
				if blockDelta.Delta.Thinking != "" {
					chunks <- models.ModelChunk{Kind: models.ChunkThinkingText, Text: blockDelta.Delta.Thinking}
				}
			case "input_json_delta":
				if blockDelta.Delta.PartialJSON == "" {
					continue
				}
				index, ok := blockToTool[blockDelta.Index]
				if !ok {
					continue
				}
				chunks <- models.ModelChunk{
					Kind: models.ChunkToolCallDelta,
					ToolCall: &models.ToolCallDelta{
						Index:          index,
						ArgumentsDelta: blockDelta.Delta.PartialJSON,
					},
				}
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			if messageDelta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(messageDelta.Usage.OutputTokens)
			}

		case "message_stop":
			if usage.InputTokens > 0 || usage.OutputTokens > 0 {
				chunks <- models.ModelChunk{Kind: models.ChunkUsage, Usage: &usage}
			}
			chunks <- models.ModelChunk{Kind: models.ChunkEnd}
			return

		case "error":
			chunks <- models.ModelChunk{Err: errors.New("anthropic: stream error")}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- models.ModelChunk{Err: err}
		return
	}
	chunks <- models.ModelChunk{Kind: models.ChunkEnd}
}

// convertMessages maps the cached context onto Anthropic's block format.
// Tool results become tool_result blocks inside user messages; assistant
// tool calls become tool_use blocks.
func (p *AnthropicProvider) convertMessages(entries []models.ContextEntry) []anthropic.MessageParam {
	var result []anthropic.MessageParam
	for _, entry := range entries {
		var content []anthropic.ContentBlockParamUnion

		switch entry.Role {
		case models.RoleTool:
			content = append(content, anthropic.NewToolResultBlock(entry.ToolCallID, entry.Content, false))
		case models.RoleAssistant:
			if entry.Content != "" {
				content = append(content, anthropic.NewTextBlock(entry.Content))
			}
			for _, tc := range entry.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
		default:
			content = append(content, anthropic.NewTextBlock(entry.Content))
		}
		if len(content) == 0 {
			continue
		}

		if entry.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result
}

func (p *AnthropicProvider) convertTools(tools []models.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, errors.New("anthropic: invalid tool schema for " + tool.Name)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, errors.New("anthropic: invalid tool schema for " + tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}
