package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const defaultGeminiBase = "https://generativelanguage.googleapis.com"

// GeminiAdapter speaks the Gemini generateContent dialect over SSE.
// Roles are user/model, tool calls are functionCall parts (delivered
// complete, never fragmented), and tool results go back as
// functionResponse parts keyed by function name.
type GeminiAdapter struct {
	httpClient *http.Client
}

// NewGeminiAdapter creates an adapter for the Gemini dialect.
func NewGeminiAdapter() *GeminiAdapter {
	return &GeminiAdapter{httpClient: &http.Client{Timeout: 10 * time.Minute}}
}

type geminiPart struct {
	Text             string              `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResp `json:"functionResponse,omitempty"`
	InlineData       *geminiInlineData   `json:"inlineData,omitempty"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResp struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	Tools             []geminiToolDecls `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
}

type geminiToolDecls struct {
	FunctionDeclarations []geminiFuncDecl `json:"functionDeclarations"`
}

type geminiFuncDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiGenConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float32 `json:"temperature,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream implements StreamAdapter.
func (a *GeminiAdapter) Stream(ctx context.Context, messages []Message, cfg ModelConfig, tools []ToolDefinition) (<-chan Chunk, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("llm: no messages to send")
	}

	req := geminiRequest{Contents: toGeminiContents(messages)}
	if system := collectSystem(messages); system != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	if len(tools) > 0 {
		decls := make([]geminiFuncDecl, len(tools))
		for i, t := range tools {
			decls[i] = geminiFuncDecl{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
		}
		req.Tools = []geminiToolDecls{{FunctionDeclarations: decls}}
	}
	if cfg.MaxTokens > 0 || cfg.Temperature > 0 {
		gc := &geminiGenConfig{MaxOutputTokens: cfg.MaxTokens}
		if cfg.Temperature > 0 {
			t := cfg.Temperature
			gc.Temperature = &t
		}
		req.GenerationConfig = gc
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	base := defaultGeminiBase
	if strings.TrimSpace(cfg.BaseURL) != "" {
		base = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", base, cfg.Model)

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		a.run(ctx, url, cfg.APIKey, body, out)
	}()
	return out, nil
}

func (a *GeminiAdapter) run(ctx context.Context, url, apiKey string, body []byte, out chan<- Chunk) {
	var resp *http.Response

	for attempt := 0; attempt <= MaxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			out <- ErrChunk(fmt.Errorf("gemini: build request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-goog-api-key", apiKey)

		resp, err = a.httpClient.Do(req)
		if err == nil && resp.StatusCode == http.StatusOK {
			break
		}

		var failure error
		var header http.Header
		if err != nil {
			failure = err
		} else {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			header = resp.Header
			resp.Body.Close()
			failure = fmt.Errorf("gemini: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}
		var serverDelay time.Duration
		if header != nil {
			serverDelay = RetryAfter(header)
		}
		if !IsRetryable(failure) || attempt == MaxRetries {
			out <- Chunk{Type: ChunkError, Err: failure, RetryAfter: serverDelay}
			return
		}
		delay := Backoff(attempt)
		if serverDelay > 0 {
			delay = serverDelay
		}
		log.Printf("[LLM] gemini retry %d/%d in %v: %v", attempt+1, MaxRetries, delay, failure)
		select {
		case <-ctx.Done():
			out <- ErrChunk(ctx.Err())
			return
		case <-time.After(delay):
		}
	}
	defer resp.Body.Close()

	a.pump(resp.Body, out)
}

// pump reads data: lines from the SSE body. Each event carries a full
// candidate delta; functionCall parts arrive complete.
func (a *GeminiAdapter) pump(body io.Reader, out chan<- Chunk) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			out <- ErrChunk(fmt.Errorf("gemini: %d %s", chunk.Error.Code, chunk.Error.Message))
			return
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		for _, part := range chunk.Candidates[0].Content.Parts {
			if part.Text != "" {
				out <- TextChunk(part.Text)
			}
			if part.FunctionCall != nil {
				args := json.RawMessage(`{}`)
				if len(part.FunctionCall.Args) > 0 {
					args = part.FunctionCall.Args
				}
				// Gemini supplies no call id; the driver assigns one.
				out <- Chunk{Type: ChunkToolCall, ToolCall: &ToolCall{
					Name:      part.FunctionCall.Name,
					Arguments: args,
				}}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		out <- ErrChunk(fmt.Errorf("gemini: read stream: %w", err))
		return
	}
	out <- DoneChunk()
}

// collectSystem concatenates system messages for systemInstruction.
func collectSystem(messages []Message) string {
	var parts []string
	for _, msg := range messages {
		if msg.Role == RoleSystem && msg.Content != "" {
			parts = append(parts, msg.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// toGeminiContents converts the unified history to Gemini contents.
// Tool results need the originating function name, so assistant tool
// calls are indexed by id first.
func toGeminiContents(messages []Message) []geminiContent {
	nameByCallID := map[string]string{}
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			nameByCallID[tc.ID] = tc.Name
		}
	}

	var result []geminiContent
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			continue
		case RoleTool:
			name := nameByCallID[msg.ToolCallID]
			if name == "" {
				name = msg.ToolCallID
			}
			result = append(result, geminiContent{
				Role: "user",
				Parts: []geminiPart{{FunctionResponse: &geminiFunctionResp{
					Name:     name,
					Response: map[string]any{"result": msg.Content},
				}}},
			})
		case RoleAssistant:
			var parts []geminiPart
			if msg.Content != "" {
				parts = append(parts, geminiPart{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{
					Name: tc.Name,
					Args: tc.Arguments,
				}})
			}
			if len(parts) > 0 {
				result = append(result, geminiContent{Role: "model", Parts: parts})
			}
		default:
			var parts []geminiPart
			if msg.Content != "" {
				parts = append(parts, geminiPart{Text: msg.Content})
			}
			for _, img := range msg.Images {
				if mediaType, data, ok := splitDataURL(img); ok {
					parts = append(parts, geminiPart{InlineData: &geminiInlineData{
						MimeType: mediaType,
						Data:     data,
					}})
				}
			}
			if len(parts) > 0 {
				result = append(result, geminiContent{Role: "user", Parts: parts})
			}
		}
	}
	return result
}
