package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store. Suitable for single-process use and
// tests; all methods are safe for concurrent callers.
type MemStore struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[string]*Session
	messages map[string][]Message
	toolLogs map[string][]ToolLog
	memories map[string]string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]Message),
		toolLogs: make(map[string][]ToolLog),
		memories: make(map[string]string),
	}
}

// AddMessage implements Store.
func (s *MemStore) AddMessage(sessionID, role, content, toolCallID, toolCallsJSON string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg := Message{
		ID:            s.nextID,
		SessionID:     sessionID,
		Role:          role,
		Content:       content,
		ToolCallID:    toolCallID,
		ToolCallsJSON: toolCallsJSON,
		CreatedAt:     time.Now(),
	}
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	if sess, ok := s.sessions[sessionID]; ok {
		sess.UpdatedAt = msg.CreatedAt
	}
	return msg.ID, nil
}

// GetMessages implements Store.
func (s *MemStore) GetMessages(sessionID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[sessionID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// AddToolLog implements Store.
func (s *MemStore) AddToolLog(sessionID, name, argsJSON, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.toolLogs[sessionID] = append(s.toolLogs[sessionID], ToolLog{
		ID:        s.nextID,
		SessionID: sessionID,
		Name:      name,
		ArgsJSON:  argsJSON,
		Result:    result,
		CreatedAt: time.Now(),
	})
	return nil
}

// GetToolLogs returns the session's audit log in insertion order.
func (s *MemStore) GetToolLogs(sessionID string) ([]ToolLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logs := s.toolLogs[sessionID]
	out := make([]ToolLog, len(logs))
	copy(out, logs)
	return out, nil
}

// GetSessionMemory implements Store.
func (s *MemStore) GetSessionMemory(sessionID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memories[sessionID], nil
}

// SaveSessionMemory implements Store.
func (s *MemStore) SaveSessionMemory(sessionID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[sessionID] = summary
	return nil
}

// CreateSession implements Store.
func (s *MemStore) CreateSession(title, projectPath string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	sess := &Session{
		ID:          uuid.NewString(),
		Title:       title,
		ProjectPath: projectPath,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.sessions[sess.ID] = sess
	return cloneSession(sess), nil
}

// GetSession implements Store.
func (s *MemStore) GetSession(sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("store: session %q not found", sessionID)
	}
	return cloneSession(sess), nil
}

// ListSessions implements Store. Newest first.
func (s *MemStore) ListSessions() ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, cloneSession(sess))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// DeleteSession implements Store. Removes the session and its data.
func (s *MemStore) DeleteSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	delete(s.toolLogs, sessionID)
	delete(s.memories, sessionID)
	return nil
}

func cloneSession(sess *Session) *Session {
	c := *sess
	return &c
}
