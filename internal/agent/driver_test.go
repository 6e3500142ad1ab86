package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/quarrydev/quarry/internal/config"
	"github.com/quarrydev/quarry/internal/llm"
	"github.com/quarrydev/quarry/internal/mcp"
	"github.com/quarrydev/quarry/internal/skill"
	"github.com/quarrydev/quarry/internal/store"
)

// capturingAdapter records the message list of every Stream call and
// answers with a fixed text.
type capturingAdapter struct {
	mu    sync.Mutex
	calls [][]llm.Message
	text  string
}

func (a *capturingAdapter) Stream(ctx context.Context, messages []llm.Message, cfg llm.ModelConfig, tools []llm.ToolDefinition) (<-chan llm.Chunk, error) {
	a.mu.Lock()
	snapshot := make([]llm.Message, len(messages))
	copy(snapshot, messages)
	a.calls = append(a.calls, snapshot)
	a.mu.Unlock()

	out := make(chan llm.Chunk, 2)
	out <- llm.TextChunk(a.text)
	out <- llm.DoneChunk()
	close(out)
	return out, nil
}

func (a *capturingAdapter) systemPrompt(t *testing.T, call int) string {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if call >= len(a.calls) || len(a.calls[call]) == 0 {
		t.Fatalf("no recorded call %d (have %d)", call, len(a.calls))
	}
	first := a.calls[call][0]
	if first.Role != llm.RoleSystem {
		t.Fatalf("call %d does not start with a system message: %+v", call, first)
	}
	return first.Content
}

// scriptedAdapter replays one canned chunk sequence per Stream call.
type scriptedAdapter struct {
	mu     sync.Mutex
	steps  [][]llm.Chunk
	calls  int
	repeat []llm.Chunk // used when steps run out
}

func (a *scriptedAdapter) Stream(ctx context.Context, messages []llm.Message, cfg llm.ModelConfig, tools []llm.ToolDefinition) (<-chan llm.Chunk, error) {
	a.mu.Lock()
	var step []llm.Chunk
	if a.calls < len(a.steps) {
		step = a.steps[a.calls]
	} else {
		step = a.repeat
	}
	a.calls++
	a.mu.Unlock()

	out := make(chan llm.Chunk, len(step))
	go func() {
		defer close(out)
		for _, c := range step {
			out <- c
		}
	}()
	return out, nil
}

func (a *scriptedAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func toolCallChunk(id, name, args string) llm.Chunk {
	return llm.Chunk{Type: llm.ChunkToolCall, ToolCall: &llm.ToolCall{
		ID:        id,
		Name:      name,
		Arguments: json.RawMessage(args),
	}}
}

func newTestDriver(t *testing.T, adapter llm.StreamAdapter) (*Driver, *store.MemStore, string, string) {
	t.Helper()
	st := store.NewMemStore()
	sess, err := st.CreateSession("test", "")
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.AgentConfig{
		Models:      []config.ModelEntry{{ID: "m", Provider: "openai", Model: "m", APIKey: "k"}},
		ActiveModel: "m",
	}
	d := New(cfg, st)
	d.SetAdapterFactory(func(llm.ModelConfig) (llm.StreamAdapter, error) {
		return adapter, nil
	})
	t.Cleanup(d.Shutdown)
	return d, st, sess.ID, t.TempDir()
}

func collect(t *testing.T, ch <-chan llm.Chunk) []llm.Chunk {
	t.Helper()
	var chunks []llm.Chunk
	timeout := time.After(10 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-timeout:
			t.Fatal("run did not finish")
		}
	}
}

func TestRunTextOnly(t *testing.T) {
	adapter := &scriptedAdapter{steps: [][]llm.Chunk{
		{llm.TextChunk("hello "), llm.TextChunk("world"), llm.DoneChunk()},
	}}
	d, st, sessID, proj := newTestDriver(t, adapter)

	chunks := collect(t, d.Run(sessID, "hi", proj, "", nil))

	var text strings.Builder
	for _, c := range chunks {
		if c.Type == llm.ChunkText {
			text.WriteString(c.Text)
		}
	}
	if text.String() != "hello world" {
		t.Errorf("text = %q", text.String())
	}
	if chunks[len(chunks)-1].Type != llm.ChunkDone {
		t.Error("stream must end with done")
	}

	msgs, _ := st.GetMessages(sessID)
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("persisted: %+v", msgs)
	}
	if msgs[1].Content != "hello world" {
		t.Errorf("assistant content = %q", msgs[1].Content)
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	adapter := &scriptedAdapter{steps: [][]llm.Chunk{
		{
			llm.TextChunk("reading"),
			toolCallChunk("call_1", "read_file", `{"path":"a.txt"}`),
			llm.DoneChunk(),
		},
		{llm.TextChunk("the file says hi"), llm.DoneChunk()},
	}}
	d, st, sessID, proj := newTestDriver(t, adapter)
	if err := os.WriteFile(filepath.Join(proj, "a.txt"), []byte("hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	chunks := collect(t, d.Run(sessID, "read a.txt", proj, "", nil))

	var sawCall, sawResult bool
	for _, c := range chunks {
		if c.Type == llm.ChunkToolCall && c.ToolCall.Name == "read_file" {
			sawCall = true
		}
		if c.Type == llm.ChunkToolResult && c.ToolCallID == "call_1" {
			sawResult = true
			if !strings.Contains(c.Text, "1 | hi") {
				t.Errorf("tool result = %q", c.Text)
			}
		}
	}
	if !sawCall || !sawResult {
		t.Fatalf("missing tool chunks: call=%v result=%v", sawCall, sawResult)
	}

	// Persistence order: user, assistant(tool_calls), tool, assistant.
	msgs, _ := st.GetMessages(sessID)
	roles := make([]string, len(msgs))
	for i, m := range msgs {
		roles[i] = m.Role
	}
	want := []string{"user", "assistant", "tool", "assistant"}
	if fmt.Sprint(roles) != fmt.Sprint(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	if msgs[1].ToolCallsJSON == "" {
		t.Error("assistant message must carry its tool_calls")
	}
	if msgs[2].ToolCallID != "call_1" {
		t.Errorf("tool message id = %q", msgs[2].ToolCallID)
	}

	logs, _ := st.GetToolLogs(sessID)
	if len(logs) != 1 || logs[0].Name != "read_file" {
		t.Errorf("tool log = %+v", logs)
	}
}

func TestRunParallelResultsInInputOrder(t *testing.T) {
	adapter := &scriptedAdapter{steps: [][]llm.Chunk{
		{
			toolCallChunk("call_slow", "run_terminal", `{"command":"sleep 0.4; echo slow-result"}`),
			toolCallChunk("call_fast", "run_terminal", `{"command":"echo fast-result"}`),
			llm.DoneChunk(),
		},
		{llm.TextChunk("done"), llm.DoneChunk()},
	}}
	d, st, sessID, proj := newTestDriver(t, adapter)

	chunks := collect(t, d.Run(sessID, "run both", proj, "", nil))

	var resultIDs []string
	for _, c := range chunks {
		if c.Type == llm.ChunkToolResult {
			resultIDs = append(resultIDs, c.ToolCallID)
		}
	}
	if fmt.Sprint(resultIDs) != fmt.Sprint([]string{"call_slow", "call_fast"}) {
		t.Errorf("result order = %v, want input order", resultIDs)
	}

	msgs, _ := st.GetMessages(sessID)
	var toolMsgs []store.Message
	for _, m := range msgs {
		if m.Role == "tool" {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 2 || toolMsgs[0].ToolCallID != "call_slow" || toolMsgs[1].ToolCallID != "call_fast" {
		t.Errorf("persisted tool order: %+v", toolMsgs)
	}
	if !strings.Contains(toolMsgs[0].Content, "slow-result") {
		t.Errorf("slow slot content: %q", toolMsgs[0].Content)
	}
}

func TestRunFailedToolIsolated(t *testing.T) {
	adapter := &scriptedAdapter{steps: [][]llm.Chunk{
		{
			toolCallChunk("c1", "read_file", `{"path":"../escape.txt"}`),
			toolCallChunk("c2", "run_terminal", `{"command":"echo sibling-ok"}`),
			llm.DoneChunk(),
		},
		{llm.TextChunk("recovered"), llm.DoneChunk()},
	}}
	d, _, sessID, proj := newTestDriver(t, adapter)

	chunks := collect(t, d.Run(sessID, "go", proj, "", nil))

	results := map[string]string{}
	for _, c := range chunks {
		if c.Type == llm.ChunkToolResult {
			results[c.ToolCallID] = c.Text
		}
	}
	if !strings.Contains(results["c1"], "tool error") {
		t.Errorf("failed slot = %q", results["c1"])
	}
	if !strings.Contains(results["c2"], "sibling-ok") {
		t.Errorf("sibling slot = %q", results["c2"])
	}
	if chunks[len(chunks)-1].Type != llm.ChunkDone {
		t.Error("run must continue past a failed tool")
	}
}

func TestRunAssignsMissingToolCallIDs(t *testing.T) {
	adapter := &scriptedAdapter{steps: [][]llm.Chunk{
		{toolCallChunk("", "run_terminal", `{"command":"echo x"}`), llm.DoneChunk()},
		{llm.TextChunk("ok"), llm.DoneChunk()},
	}}
	d, st, sessID, proj := newTestDriver(t, adapter)

	chunks := collect(t, d.Run(sessID, "go", proj, "", nil))
	for _, c := range chunks {
		if c.Type == llm.ChunkToolCall && !strings.HasPrefix(c.ToolCall.ID, "call_") {
			t.Errorf("generated id = %q", c.ToolCall.ID)
		}
	}
	msgs, _ := st.GetMessages(sessID)
	for _, m := range msgs {
		if m.Role == "tool" && m.ToolCallID == "" {
			t.Error("tool message without a call id")
		}
	}
}

func TestRunRepetitionGuard(t *testing.T) {
	adapter := &scriptedAdapter{repeat: []llm.Chunk{
		toolCallChunk("", "run_terminal", `{"command":"echo loop"}`),
		llm.DoneChunk(),
	}}
	d, _, sessID, proj := newTestDriver(t, adapter)

	chunks := collect(t, d.Run(sessID, "go", proj, "", nil))

	if got := adapter.callCount(); got != 3 {
		t.Errorf("adapter called %d times, want 3 (guard window)", got)
	}
	var noticed bool
	for _, c := range chunks {
		if c.Type == llm.ChunkText && strings.Contains(c.Text, "identical") {
			noticed = true
		}
	}
	if !noticed {
		t.Error("missing repetition notice")
	}
	if chunks[len(chunks)-1].Type != llm.ChunkDone {
		t.Error("guard must still end with done")
	}
}

func TestRunFatalAdapterError(t *testing.T) {
	adapter := &scriptedAdapter{steps: [][]llm.Chunk{
		{llm.ErrChunk(errors.New("401 Unauthorized"))},
	}}
	d, _, sessID, proj := newTestDriver(t, adapter)

	chunks := collect(t, d.Run(sessID, "go", proj, "", nil))
	if len(chunks) < 2 {
		t.Fatalf("chunks = %+v", chunks)
	}
	if chunks[len(chunks)-2].Type != llm.ChunkError {
		t.Errorf("expected error chunk, got %+v", chunks[len(chunks)-2])
	}
	if chunks[len(chunks)-1].Type != llm.ChunkDone {
		t.Error("error must be followed by done")
	}
}

func TestRunNoModelConfigured(t *testing.T) {
	st := store.NewMemStore()
	sess, _ := st.CreateSession("t", "")
	d := New(&config.AgentConfig{}, st)
	t.Cleanup(d.Shutdown)

	chunks := collect(t, d.Run(sess.ID, "hi", t.TempDir(), "", nil))
	if chunks[0].Type != llm.ChunkError {
		t.Errorf("got %+v, want error first", chunks[0])
	}
}

func TestRunRulesReminderInjected(t *testing.T) {
	adapter := &scriptedAdapter{steps: [][]llm.Chunk{
		{toolCallChunk("c1", "run_terminal", `{"command":"echo y"}`), llm.DoneChunk()},
		{llm.TextChunk("ok"), llm.DoneChunk()},
	}}
	st := store.NewMemStore()
	sess, _ := st.CreateSession("t", "")
	cfg := &config.AgentConfig{
		Models:      []config.ModelEntry{{ID: "m", Provider: "openai", Model: "m", APIKey: "k"}},
		ActiveModel: "m",
		Rules:       []string{"stay focused"},
	}
	d := New(cfg, st)
	d.SetAdapterFactory(func(llm.ModelConfig) (llm.StreamAdapter, error) { return adapter, nil })
	t.Cleanup(d.Shutdown)

	collect(t, d.Run(sess.ID, "go", t.TempDir(), "", nil))

	// The reminder rides on the in-context tool result, not on the
	// persisted one.
	msgs, _ := st.GetMessages(sess.ID)
	for _, m := range msgs {
		if m.Role == "tool" && strings.Contains(m.Content, "[Rule review]") {
			t.Error("reminder must not be persisted")
		}
	}
}

func TestRunRulesHotSwap(t *testing.T) {
	adapter := &capturingAdapter{text: "ok"}
	st := store.NewMemStore()
	sess, _ := st.CreateSession("t", "")
	oldCfg := &config.AgentConfig{
		Models:      []config.ModelEntry{{ID: "m", Provider: "openai", Model: "m", APIKey: "k"}},
		ActiveModel: "m",
		Rules:       []string{"always reply in haiku"},
	}
	d := New(oldCfg, st)
	d.SetAdapterFactory(func(llm.ModelConfig) (llm.StreamAdapter, error) { return adapter, nil })
	t.Cleanup(d.Shutdown)

	collect(t, d.Run(sess.ID, "first", t.TempDir(), "", nil))

	newCfg := &config.AgentConfig{
		Models:      oldCfg.Models,
		ActiveModel: "m",
		Rules:       []string{"reply only in prose"},
	}
	d.SetConfig(newCfg)
	collect(t, d.Run(sess.ID, "second", t.TempDir(), "", nil))

	sys := adapter.systemPrompt(t, 1)
	if !strings.Contains(sys, "reply only in prose") {
		t.Error("second turn must carry the new rules")
	}
	if strings.Contains(sys, "always reply in haiku") {
		t.Error("second turn must not carry the old rules")
	}
}

func TestRunSkillConfigFiltersPrompt(t *testing.T) {
	skillsDir := t.TempDir()
	index := `[{"slug":"deploy","name":"Deploy","summary":"ship-the-release"},
	           {"slug":"debug","name":"Debug","summary":"hunt-the-defect"}]`
	if err := os.WriteFile(filepath.Join(skillsDir, "index.json"), []byte(index), 0o644); err != nil {
		t.Fatal(err)
	}

	adapter := &capturingAdapter{text: "ok"}
	st := store.NewMemStore()
	sess, _ := st.CreateSession("t", "")
	cfg := &config.AgentConfig{
		Models:      []config.ModelEntry{{ID: "m", Provider: "openai", Model: "m", APIKey: "k"}},
		ActiveModel: "m",
		SkillsDir:   skillsDir,
		Skills: []config.SkillEntry{
			{Slug: "deploy", Enabled: true},
			{Slug: "debug", Enabled: false},
		},
	}
	d := New(cfg, st)
	d.SetAdapterFactory(func(llm.ModelConfig) (llm.StreamAdapter, error) { return adapter, nil })
	t.Cleanup(d.Shutdown)

	collect(t, d.Run(sess.ID, "go", t.TempDir(), "", nil))

	sys := adapter.systemPrompt(t, 0)
	if !strings.Contains(sys, "ship-the-release") {
		t.Error("enabled skill missing from system prompt")
	}
	if strings.Contains(sys, "hunt-the-defect") {
		t.Error("disabled skill leaked into system prompt")
	}
}

func TestFilterSkills(t *testing.T) {
	registry := []skill.Skill{
		{Slug: "deploy", Name: "Deploy", Summary: "ship"},
		{Slug: "debug", Name: "Debug", Summary: "hunt"},
	}

	t.Run("no entries exposes all", func(t *testing.T) {
		if got := filterSkills(registry, nil); len(got) != 2 {
			t.Errorf("got %d skills, want 2", len(got))
		}
	})
	t.Run("only enabled survive", func(t *testing.T) {
		got := filterSkills(registry, []config.SkillEntry{
			{Slug: "debug", Enabled: true},
			{Slug: "deploy", Enabled: false},
		})
		if len(got) != 1 || got[0].Slug != "debug" {
			t.Errorf("got %+v", got)
		}
	})
	t.Run("entry name overrides", func(t *testing.T) {
		got := filterSkills(registry, []config.SkillEntry{{Slug: "deploy", Name: "Release", Enabled: true}})
		if len(got) != 1 || got[0].Name != "Release" {
			t.Errorf("got %+v", got)
		}
	})
	t.Run("unknown slug ignored", func(t *testing.T) {
		if got := filterSkills(registry, []config.SkillEntry{{Slug: "ghost", Enabled: true}}); len(got) != 0 {
			t.Errorf("got %+v", got)
		}
	})
}

func TestMergeMCPConfigs(t *testing.T) {
	fromFile := map[string]mcp.ServerConfig{
		"files": {Name: "files", Command: "files-server"},
		"db":    {Name: "db", Command: "db-server"},
	}

	merged := mergeMCPConfigs(fromFile, []config.MCPServerEntry{
		{Name: "db", Enabled: false},
		{Name: "files", Command: "files-v2", Enabled: true},
		{Name: "web", Command: "web-server", Enabled: true},
	})

	if _, ok := merged["db"]; ok {
		t.Error("disabled entry must mask the mcp.json server")
	}
	if got := merged["files"].Command; got != "files-v2" {
		t.Errorf("inline entry must win on collision, got %q", got)
	}
	if got := merged["web"].Command; got != "web-server" {
		t.Errorf("inline entry missing: %q", got)
	}
}

func TestRunCompressionPersistsSummary(t *testing.T) {
	adapter := &scriptedAdapter{steps: [][]llm.Chunk{
		{llm.TextChunk("## Project Info\ncondensed-history"), llm.DoneChunk()},
		{llm.TextChunk("ok"), llm.DoneChunk()},
	}}
	st := store.NewMemStore()
	sess, _ := st.CreateSession("t", "")
	cfg := &config.AgentConfig{
		Models:      []config.ModelEntry{{ID: "m", Provider: "openai", Model: "m", APIKey: "k"}},
		ActiveModel: "m",
		// Tiny window: the system prompt alone crosses the compression
		// trigger, so the first adapter call is the compressor.
		MaxContextTokens: 60,
	}
	d := New(cfg, st)
	d.SetAdapterFactory(func(llm.ModelConfig) (llm.StreamAdapter, error) { return adapter, nil })
	t.Cleanup(d.Shutdown)

	chunks := collect(t, d.Run(sess.ID, "summarize me", t.TempDir(), "", nil))
	if chunks[len(chunks)-1].Type != llm.ChunkDone {
		t.Fatalf("run did not finish cleanly: %+v", chunks)
	}

	summary, err := st.GetSessionMemory(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(summary, "condensed-history") {
		t.Errorf("session memory not persisted: %q", summary)
	}
	if got := adapter.callCount(); got != 2 {
		t.Errorf("adapter called %d times, want compressor + step", got)
	}
}

func TestRunRateLimitHonorsRetryAfter(t *testing.T) {
	adapter := &scriptedAdapter{steps: [][]llm.Chunk{
		{{Type: llm.ChunkError, Err: errors.New("429 Too Many Requests"), RetryAfter: 20 * time.Millisecond}},
		{llm.TextChunk("after"), llm.DoneChunk()},
	}}
	d, _, sessID, proj := newTestDriver(t, adapter)

	start := time.Now()
	chunks := collect(t, d.Run(sessID, "go", proj, "", nil))
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("pause ignored the server delay: %v", elapsed)
	}

	var noticed, answered bool
	for _, c := range chunks {
		if c.Type == llm.ChunkText && strings.Contains(c.Text, "rate limited") {
			noticed = true
		}
		if c.Type == llm.ChunkText && c.Text == "after" {
			answered = true
		}
	}
	if !noticed || !answered {
		t.Errorf("notice=%v answer=%v", noticed, answered)
	}
	if got := adapter.callCount(); got != 2 {
		t.Errorf("adapter called %d times, want 2 (soft retry)", got)
	}
}

func TestRunStopUnblocksAbandonedRun(t *testing.T) {
	// Enough chunks to overrun the output buffer with no consumer.
	flood := make([]llm.Chunk, 0, 65)
	for i := 0; i < 64; i++ {
		flood = append(flood, llm.TextChunk("x"))
	}
	flood = append(flood, llm.DoneChunk())
	adapter := &scriptedAdapter{repeat: flood}
	d, _, sessID, proj := newTestDriver(t, adapter)

	ch := d.Run(sessID, "go", proj, "", nil)
	time.Sleep(100 * time.Millisecond)
	d.Stop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("run goroutine did not exit after Stop")
		}
	}
}
