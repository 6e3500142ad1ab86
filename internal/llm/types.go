// Package llm defines the provider-agnostic streaming contract of the
// agent core: a unified message form, a unified tool-call form, and the
// normalized chunk sequence every model adapter must produce regardless
// of its wire dialect.
package llm

import (
	"context"
	"encoding/json"
	"time"
)

// Role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the conversation as the core sees it.
// A RoleTool message carries the textual result of the call identified
// by ToolCallID; an assistant message may carry ToolCalls.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Images     []string   `json:"images,omitempty"` // data URLs or https URLs
}

// ToolCall is a single tool invocation requested by the model.
// Arguments is always a structured JSON value: adapters that receive
// argument bytes incrementally parse them once the slot closes and fall
// back to {"raw": "<bytes>"} when the accumulated text is not valid JSON.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition describes one callable tool in OpenAI JSON-Schema form.
// MCP-proxied tools carry their prefixed name here.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChunkType tags one element of an adapter's chunk sequence.
type ChunkType string

const (
	ChunkText       ChunkType = "text"
	ChunkThinking   ChunkType = "thinking"
	ChunkToolCall   ChunkType = "tool_call"
	ChunkToolResult ChunkType = "tool_result"
	ChunkDone       ChunkType = "done"
	ChunkError      ChunkType = "error"
)

// Chunk is one element of the normalized stream. A well-formed adapter
// sequence is zero or more text/thinking chunks interleaved in wire
// order, zero or more complete tool_call chunks, then exactly one done
// or error chunk. ChunkToolResult is produced by the driver, never by
// an adapter.
type Chunk struct {
	Type     ChunkType `json:"type"`
	Text     string    `json:"text,omitempty"`      // text / thinking payload
	ToolCall *ToolCall `json:"tool_call,omitempty"` // complete, arguments parsed

	// Tool result fields (driver-emitted).
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`

	Err error `json:"-"` // set on ChunkError

	// RetryAfter carries the server's Retry-After value on a rate-limit
	// error chunk, when the provider exposed one. Zero means unknown;
	// the caller falls back to its own pause.
	RetryAfter time.Duration `json:"-"`
}

// TextChunk is a convenience constructor.
func TextChunk(s string) Chunk { return Chunk{Type: ChunkText, Text: s} }

// ErrChunk is a convenience constructor.
func ErrChunk(err error) Chunk { return Chunk{Type: ChunkError, Err: err} }

// DoneChunk is a convenience constructor.
func DoneChunk() Chunk { return Chunk{Type: ChunkDone} }

// ModelConfig selects one provider endpoint and model for a request.
// Immutable per call; the caller swaps the whole value between turns.
type ModelConfig struct {
	Provider      string // "openai" | "anthropic" | "gemini"
	Model         string // provider model id
	APIKey        string
	BaseURL       string  // optional; provider default when empty
	MaxTokens     int     // response cap; 0 = provider default
	ContextTokens int     // context window for budgeting; 0 = DefaultContextTokens
	Temperature   float32 // 0 = provider default
}

// DefaultContextTokens is the window assumed when ModelConfig does not
// carry one.
const DefaultContextTokens = 128000

// Window returns the usable context window of the config.
func (c ModelConfig) Window() int {
	if c.ContextTokens > 0 {
		return c.ContextTokens
	}
	return DefaultContextTokens
}

// StreamAdapter is the contract every provider dialect implements.
//
// Stream returns immediately with a channel that yields the normalized
// chunk sequence. The channel is closed after the terminal done or
// error chunk. A non-nil error return means the request could not even
// be constructed (bad config, unmarshalable tool schema); streaming
// failures always travel through the channel. Cancelling ctx stops the
// producer at the next chunk boundary.
type StreamAdapter interface {
	Stream(ctx context.Context, messages []Message, cfg ModelConfig, tools []ToolDefinition) (<-chan Chunk, error)
}
