package web

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/quarrydev/quarry/internal/agent"
	"github.com/quarrydev/quarry/internal/llm"
	"github.com/quarrydev/quarry/internal/store"
	"github.com/quarrydev/quarry/internal/util"
)

// AgentHandler streams agent runs over SSE.
type AgentHandler struct {
	driver *agent.Driver
	store  store.Store
}

// NewAgentHandler creates the handler for POST /api/agent.
func NewAgentHandler(driver *agent.Driver, st store.Store) *AgentHandler {
	return &AgentHandler{driver: driver, store: st}
}

type agentRequest struct {
	SessionID   string   `json:"session_id"`
	Message     string   `json:"message"`
	ProjectPath string   `json:"project_path"`
	ModelID     string   `json:"model_id,omitempty"`
	Images      []string `json:"images,omitempty"`
}

// HandleAgent runs one agent turn, streaming chunks as SSE events.
func (h *AgentHandler) HandleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req agentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Message == "" || req.ProjectPath == "" {
		http.Error(w, "message and project_path are required", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		sess, err := h.store.CreateSession(util.TruncateRunes(req.Message, 60), req.ProjectPath)
		if err != nil {
			http.Error(w, "failed to create session", http.StatusInternalServerError)
			return
		}
		req.SessionID = sess.ID
	}

	sse := newSSEWriter(w, r)
	if sse == nil {
		return
	}
	sse.Send("session", map[string]string{"session_id": req.SessionID})

	chunks := h.driver.Run(req.SessionID, req.Message, req.ProjectPath, req.ModelID, req.Images)
	for chunk := range chunks {
		ok := true
		switch chunk.Type {
		case llm.ChunkText:
			ok = sse.Send("text", sseTextEvent{Text: chunk.Text})
		case llm.ChunkThinking:
			ok = sse.Send("thinking", sseTextEvent{Text: chunk.Text})
		case llm.ChunkToolCall:
			ok = sse.Send("tool_call", sseToolCallEvent{
				ID:        chunk.ToolCall.ID,
				Name:      chunk.ToolCall.Name,
				Arguments: chunk.ToolCall.Arguments,
			})
		case llm.ChunkToolResult:
			ok = sse.Send("tool_result", sseToolResultEvent{
				ID:     chunk.ToolCallID,
				Name:   chunk.ToolName,
				Result: chunk.Text,
			})
		case llm.ChunkError:
			ok = sse.Send("error", sseErrorEvent{Error: chunk.Err.Error()})
		case llm.ChunkDone:
			ok = sse.Send("done", struct{}{})
		}
		if !ok {
			// Client is gone; stop the run rather than stream into the
			// void.
			h.driver.Stop()
			for range chunks {
			}
			return
		}
	}
}

// HandleStop cancels the active run.
func (h *AgentHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.driver.Stop()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "stopping"})
}

// HandleSessions lists sessions (GET) or deletes one (DELETE with
// ?id=).
func (h *AgentHandler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions, err := h.store.ListSessions()
		if err != nil {
			http.Error(w, "failed to list sessions", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sessions)
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "id is required", http.StatusBadRequest)
			return
		}
		if err := h.store.DeleteSession(id); err != nil {
			http.Error(w, "failed to delete session", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleMessages returns a session's message history.
func (h *AgentHandler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Query().Get("session_id")
	if id == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}
	msgs, err := h.store.GetMessages(id)
	if err != nil {
		log.Printf("[Web] load messages: %v", err)
		http.Error(w, "failed to load messages", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(msgs)
}
