package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// AnthropicAdapter speaks the Anthropic messages dialect. The system
// prompt travels out-of-band, tool results are user-role content
// blocks, and the API insists on strict user/assistant alternation.
type AnthropicAdapter struct{}

// NewAnthropicAdapter creates an adapter for the Anthropic dialect.
func NewAnthropicAdapter() *AnthropicAdapter {
	return &AnthropicAdapter{}
}

// Stream implements StreamAdapter.
func (a *AnthropicAdapter) Stream(ctx context.Context, messages []Message, cfg ModelConfig, tools []ToolDefinition) (<-chan Chunk, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("llm: no messages to send")
	}

	system, converted, err := toAnthropicMessages(messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(cfg.Model),
		Messages:  converted,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(tools) > 0 {
		at, err := toAnthropicTools(tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = at
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(StripChatSuffix(cfg.BaseURL)))
	}
	client := anthropic.NewClient(options...)

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		a.run(ctx, &client, params, out)
	}()
	return out, nil
}

func (a *AnthropicAdapter) run(ctx context.Context, client *anthropic.Client, params anthropic.MessageNewParams, out chan<- Chunk) {
	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]

	for attempt := 0; attempt <= MaxRetries; attempt++ {
		stream = client.Messages.NewStreaming(ctx, params)
		err := stream.Err()
		if err == nil {
			break
		}
		serverDelay := anthropicRetryAfter(err)
		if !IsRetryable(err) || attempt == MaxRetries {
			out <- Chunk{Type: ChunkError, Err: fmt.Errorf("anthropic: %w", err), RetryAfter: serverDelay}
			return
		}
		delay := Backoff(attempt)
		if serverDelay > 0 {
			delay = serverDelay
		}
		log.Printf("[LLM] anthropic retry %d/%d in %v: %v", attempt+1, MaxRetries, delay, err)
		select {
		case <-ctx.Done():
			out <- ErrChunk(ctx.Err())
			return
		case <-time.After(delay):
		}
	}
	defer stream.Close()

	a.pump(stream, out)
}

// anthropicRetryAfter extracts the Retry-After delay from an SDK error,
// when the response is attached.
func anthropicRetryAfter(err error) time.Duration {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.Response != nil {
		return RetryAfter(apiErr.Response.Header)
	}
	return 0
}

// pump translates the SSE event sequence into normalized chunks. Tool
// input arrives as partial JSON between content_block_start and
// content_block_stop; the call is emitted once the block closes.
func (a *AnthropicAdapter) pump(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- Chunk) {
	var pending *ToolCall
	var pendingArgs strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				pending = &ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				pendingArgs.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- TextChunk(delta.Text)
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					out <- Chunk{Type: ChunkThinking, Text: delta.Thinking}
				}
			case "input_json_delta":
				pendingArgs.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if pending != nil {
				pending.Arguments = ParseArguments(pendingArgs.String())
				out <- Chunk{Type: ChunkToolCall, ToolCall: pending}
				pending = nil
			}
		case "message_stop":
			out <- DoneChunk()
			return
		case "error":
			out <- ErrChunk(fmt.Errorf("anthropic: stream error"))
			return
		}
	}
	if err := stream.Err(); err != nil {
		out <- ErrChunk(fmt.Errorf("anthropic: %w", err))
		return
	}
	out <- DoneChunk()
}

// toAnthropicMessages splits off the system prompt and converts the
// rest to Anthropic message params. Tool-role messages become
// tool_result blocks in user messages; consecutive same-role messages
// are merged and an empty "(continue)" user turn is inserted where
// alternation would otherwise break.
func toAnthropicMessages(messages []Message) (string, []anthropic.MessageParam, error) {
	var system string
	var result []anthropic.MessageParam

	appendBlocks := func(role anthropic.MessageParamRole, blocks []anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(result); n > 0 && result[n-1].Role == role {
			result[n-1].Content = append(result[n-1].Content, blocks...)
			return
		}
		if role == anthropic.MessageParamRoleAssistant && len(result) == 0 {
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock("(continue)")))
		}
		result = append(result, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if system == "" {
				system = msg.Content
			} else {
				system += "\n\n" + msg.Content
			}
		case RoleTool:
			appendBlocks(anthropic.MessageParamRoleUser, []anthropic.ContentBlockParamUnion{
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			})
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					return "", nil, fmt.Errorf("tool call %s input: %w", tc.ID, err)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			appendBlocks(anthropic.MessageParamRoleAssistant, blocks)
		default:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, img := range msg.Images {
				if mediaType, data, ok := splitDataURL(img); ok {
					blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
				}
			}
			appendBlocks(anthropic.MessageParamRoleUser, blocks)
		}
	}
	return system, result, nil
}

func toAnthropicTools(tools []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("tool %s: missing tool definition", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		result = append(result, param)
	}
	return result, nil
}

// splitDataURL parses a data:<media>;base64,<data> URL.
func splitDataURL(raw string) (mediaType, data string, ok bool) {
	if !strings.HasPrefix(raw, "data:") {
		return "", "", false
	}
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	meta := strings.TrimPrefix(parts[0], "data:")
	if !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mediaType = strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		return "", "", false
	}
	return mediaType, parts[1], true
}
