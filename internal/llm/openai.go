package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	openailib "github.com/sashabaranov/go-openai"
)

// OpenAIAdapter speaks the OpenAI chat-completions dialect. It also
// covers every OpenAI-compatible endpoint (litellm, Ollama, vLLM,
// Azure) through ModelConfig.BaseURL.
type OpenAIAdapter struct{}

// NewOpenAIAdapter creates an adapter for the OpenAI dialect.
func NewOpenAIAdapter() *OpenAIAdapter {
	return &OpenAIAdapter{}
}

// retryAfterTransport records the Retry-After header of throttled or
// failing responses. The SDK's errors carry no headers, so the header
// is captured at the transport and consumed by the retry loop.
type retryAfterTransport struct {
	base http.RoundTripper

	mu   sync.Mutex
	last time.Duration
}

func (t *retryAfterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err == nil && resp.StatusCode >= http.StatusTooManyRequests {
		if d := RetryAfter(resp.Header); d > 0 {
			t.mu.Lock()
			t.last = d
			t.mu.Unlock()
		}
	}
	return resp, err
}

// take returns the most recent captured delay and clears it, so a
// stale value never outlives the response it came from.
func (t *retryAfterTransport) take() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.last
	t.last = 0
	return d
}

// Stream implements StreamAdapter.
func (a *OpenAIAdapter) Stream(ctx context.Context, messages []Message, cfg ModelConfig, tools []ToolDefinition) (<-chan Chunk, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("llm: no messages to send")
	}

	clientConfig := openailib.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		// The SDK appends /chat/completions itself; accept base URLs
		// that already carry the endpoint.
		clientConfig.BaseURL = StripChatSuffix(cfg.BaseURL)
	}
	capture := &retryAfterTransport{base: http.DefaultTransport}
	clientConfig.HTTPClient = &http.Client{Transport: capture}
	client := openailib.NewClientWithConfig(clientConfig)

	req := openailib.ChatCompletionRequest{
		Model:    cfg.Model,
		Messages: toOpenAIMessages(messages),
		Stream:   true,
	}
	if cfg.MaxTokens > 0 {
		req.MaxTokens = cfg.MaxTokens
	}
	if cfg.Temperature > 0 {
		req.Temperature = cfg.Temperature
	}
	if len(tools) > 0 {
		req.Tools = toOpenAITools(tools)
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		a.run(ctx, client, capture, req, out)
	}()
	return out, nil
}

// run creates the completion stream with transport retries, then pumps
// the normalized chunk sequence into out.
func (a *OpenAIAdapter) run(ctx context.Context, client *openailib.Client, capture *retryAfterTransport, req openailib.ChatCompletionRequest, out chan<- Chunk) {
	var stream *openailib.ChatCompletionStream
	var err error

	for attempt := 0; attempt <= MaxRetries; attempt++ {
		stream, err = client.CreateChatCompletionStream(ctx, req)
		if err == nil {
			break
		}
		serverDelay := capture.take()
		if !IsRetryable(err) || attempt == MaxRetries {
			out <- Chunk{Type: ChunkError, Err: fmt.Errorf("openai: %w", err), RetryAfter: serverDelay}
			return
		}
		delay := Backoff(attempt)
		if serverDelay > 0 {
			delay = serverDelay
		}
		log.Printf("[LLM] openai retry %d/%d in %v: %v", attempt+1, MaxRetries, delay, err)
		select {
		case <-ctx.Done():
			out <- ErrChunk(ctx.Err())
			return
		case <-time.After(delay):
		}
	}
	defer stream.Close()

	// Tool-call arguments arrive as fragments keyed by slot index; the
	// slot closes when the stream ends.
	type slot struct {
		id   string
		name string
		args strings.Builder
	}
	slots := map[int]*slot{}

	for {
		select {
		case <-ctx.Done():
			out <- ErrChunk(ctx.Err())
			return
		default:
		}

		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			out <- ErrChunk(fmt.Errorf("openai: stream recv: %w", err))
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta
		if delta.ReasoningContent != "" {
			out <- Chunk{Type: ChunkThinking, Text: delta.ReasoningContent}
		}
		if delta.Content != "" {
			out <- TextChunk(delta.Content)
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			s, ok := slots[idx]
			if !ok {
				s = &slot{}
				slots[idx] = s
			}
			if tc.ID != "" {
				s.id = tc.ID
			}
			if tc.Function.Name != "" {
				s.name += tc.Function.Name
			}
			s.args.WriteString(tc.Function.Arguments)
		}
	}

	// Emit accumulated tool calls in slot order.
	indexes := make([]int, 0, len(slots))
	for idx := range slots {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		s := slots[idx]
		if s.name == "" {
			continue
		}
		out <- Chunk{Type: ChunkToolCall, ToolCall: &ToolCall{
			ID:        s.id,
			Name:      s.name,
			Arguments: ParseArguments(s.args.String()),
		}}
	}
	out <- DoneChunk()
}

// toOpenAIMessages translates the unified message list into the OpenAI
// wire form. The first system message stays in place: this dialect
// carries system turns inline.
func toOpenAIMessages(messages []Message) []openailib.ChatCompletionMessage {
	result := make([]openailib.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		m := openailib.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openailib.ToolCall{
				ID:   tc.ID,
				Type: openailib.ToolTypeFunction,
				Function: openailib.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		if len(msg.Images) > 0 {
			parts := []openailib.ChatMessagePart{}
			if msg.Content != "" {
				parts = append(parts, openailib.ChatMessagePart{
					Type: openailib.ChatMessagePartTypeText,
					Text: msg.Content,
				})
			}
			for _, img := range msg.Images {
				parts = append(parts, openailib.ChatMessagePart{
					Type:     openailib.ChatMessagePartTypeImageURL,
					ImageURL: &openailib.ChatMessageImageURL{URL: img},
				})
			}
			m.Content = ""
			m.MultiContent = parts
		}
		result = append(result, m)
	}
	return result
}

func toOpenAITools(tools []ToolDefinition) []openailib.Tool {
	result := make([]openailib.Tool, len(tools))
	for i, t := range tools {
		result[i] = openailib.Tool{
			Type: openailib.ToolTypeFunction,
			Function: &openailib.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return result
}
