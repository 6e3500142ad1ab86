// Package store defines the persistence surface the agent consumes:
// session messages, tool audit logs, and session memory summaries.
package store

import "time"

// Message is one persisted conversation message.
type Message struct {
	ID            int64     `json:"id"`
	SessionID     string    `json:"session_id"`
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	ToolCallID    string    `json:"tool_call_id,omitempty"`
	ToolCallsJSON string    `json:"tool_calls_json,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ToolLog is one audit-log entry, separate from the message history.
type ToolLog struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Name      string    `json:"name"`
	ArgsJSON  string    `json:"args_json"`
	Result    string    `json:"result"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a conversation container.
type Session struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	ProjectPath string    `json:"project_path"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists agent state. Implementations must serialize writes
// per session; the agent core holds no durable state of its own.
type Store interface {
	// AddMessage appends a message and returns its id.
	AddMessage(sessionID, role, content, toolCallID, toolCallsJSON string) (int64, error)
	// GetMessages returns the session's messages in insertion order.
	GetMessages(sessionID string) ([]Message, error)

	// AddToolLog records a tool execution for auditing.
	AddToolLog(sessionID, name, argsJSON, result string) error

	// GetSessionMemory returns the compressed session summary, or ""
	// when none has been saved.
	GetSessionMemory(sessionID string) (string, error)
	// SaveSessionMemory replaces the session summary.
	SaveSessionMemory(sessionID, summary string) error

	// Session lifecycle.
	CreateSession(title, projectPath string) (*Session, error)
	GetSession(sessionID string) (*Session, error)
	ListSessions() ([]*Session, error)
	DeleteSession(sessionID string) error
}
