// Package agent implements the ReAct driver: the step loop that
// streams model output, executes tool calls, and feeds results back
// until the model produces a final answer.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quarrydev/quarry/internal/config"
	"github.com/quarrydev/quarry/internal/llm"
	"github.com/quarrydev/quarry/internal/mcp"
	"github.com/quarrydev/quarry/internal/memory"
	"github.com/quarrydev/quarry/internal/prompt"
	"github.com/quarrydev/quarry/internal/search"
	"github.com/quarrydev/quarry/internal/service"
	"github.com/quarrydev/quarry/internal/skill"
	"github.com/quarrydev/quarry/internal/store"
	"github.com/quarrydev/quarry/internal/tool"
	"github.com/quarrydev/quarry/internal/util"
)

// MaxSteps bounds the step loop of a single run.
const MaxSteps = 25

// rateLimitPause is the soft-retry delay on a 429, plus 0-5s jitter.
// A soft retry repeats the step without consuming the step budget.
const rateLimitPause = 15 * time.Second

// repetitionWindow is how many identical consecutive tool-call batches
// end a run.
const repetitionWindow = 3

// AdapterFactory builds a stream adapter for a model configuration.
// Overridable in tests.
type AdapterFactory func(llm.ModelConfig) (llm.StreamAdapter, error)

// Driver owns runs. One run is active at a time per Driver; Stop
// cancels it at the next chunk or tool boundary.
type Driver struct {
	mu            sync.Mutex
	cfg           *config.AgentConfig
	store         store.Store
	fabric        *mcp.Fabric
	skills        *skill.Source
	skillRegistry []skill.Skill
	services      *service.Manager
	newAdapter    AdapterFactory
	mcpConnected  bool
	cancelRun     context.CancelFunc
}

// New creates a Driver over the given store and configuration.
func New(cfg *config.AgentConfig, st store.Store) *Driver {
	return &Driver{
		cfg:        cfg,
		store:      st,
		fabric:     mcp.NewFabric(),
		skills:     skill.NewSource(cfg.SkillsDir),
		services:   service.NewManager(),
		newAdapter: llm.NewAdapter,
	}
}

// SetAdapterFactory overrides adapter construction. Test hook.
func (d *Driver) SetAdapterFactory(f AdapterFactory) {
	d.mu.Lock()
	d.newAdapter = f
	d.mu.Unlock()
}

// SetConfig replaces the configuration. Takes effect no later than the
// next Run; the current turn is not required to notice.
func (d *Driver) SetConfig(cfg *config.AgentConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.skills = skill.NewSource(cfg.SkillsDir)
	d.skillRegistry = nil
	// Reconnect MCP lazily on the next run.
	d.mcpConnected = false
	go d.fabric.Shutdown()
	d.fabric = mcp.NewFabric()
}

// Stop cancels the active run, if any, at its next safe point.
func (d *Driver) Stop() {
	d.mu.Lock()
	cancel := d.cancelRun
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Shutdown closes the MCP fabric and stops background services.
// Idempotent.
func (d *Driver) Shutdown() {
	d.Stop()
	d.fabric.Shutdown()
	d.services.StopAll()
}

// Run starts a turn and returns its chunk stream. Fatal configuration
// problems surface as an error chunk on the stream, never as a panic
// or a silent hang.
func (d *Driver) Run(sessionID, userMessage, projectPath, modelID string, images []string) <-chan llm.Chunk {
	out := make(chan llm.Chunk, 32)

	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	if d.cancelRun != nil {
		d.cancelRun()
	}
	d.cancelRun = cancel
	cfg := d.cfg
	d.mu.Unlock()

	go func() {
		defer close(out)
		defer cancel()
		d.run(ctx, cfg, sessionID, userMessage, projectPath, modelID, images, out)
	}()
	return out
}

func (d *Driver) run(ctx context.Context, cfg *config.AgentConfig, sessionID, userMessage, projectPath, modelID string, images []string, out chan<- llm.Chunk) {
	modelCfg, err := cfg.ModelConfig(modelID)
	if err != nil {
		emitFailure(ctx, out, err)
		return
	}
	adapter, err := d.adapter(modelCfg)
	if err != nil {
		emitFailure(ctx, out, err)
		return
	}

	registry := d.ensureSkills(cfg)
	d.ensureMCP(ctx, cfg)

	executor := tool.NewExecutor(projectPath)
	executor.SetSearch(func(root, query, pattern string, isRegex bool) string {
		result, err := search.Search(root, query, pattern, isRegex)
		if err != nil {
			return "tool error: " + err.Error()
		}
		return result.Format()
	})
	executor.SetServices(d.services)
	executor.SetSkills(d.skills)
	executor.SetMCP(d.fabric.CallTool, d.fabric.Tools())

	if _, err := d.store.AddMessage(sessionID, llm.RoleUser, userMessage, "", ""); err != nil {
		emitFailure(ctx, out, fmt.Errorf("agent: persist user message: %w", err))
		return
	}

	systemPrompt := prompt.Build(cfg.Rules, registry)
	tools := executor.ToolDefinitions()
	window := modelCfg.Window()
	if cfg.MaxContextTokens > 0 && cfg.MaxContextTokens < window {
		window = cfg.MaxContextTokens
	}
	mem := memory.New(window)

	messages, err := d.loadHistory(sessionID, systemPrompt, images)
	if err != nil {
		emitFailure(ctx, out, err)
		return
	}
	summary, _ := d.store.GetSessionMemory(sessionID)

	if mem.NeedsCompression(messages) {
		newSummary, kept := mem.CompressWithModel(ctx, messages, summary, adapter, modelCfg)
		if newSummary != summary {
			if err := d.store.SaveSessionMemory(sessionID, newSummary); err != nil {
				log.Printf("[Agent] save session memory: %v", err)
			}
		}
		summary = newSummary
		messages = kept
	}
	messages = mem.Prepare(messages, summary)

	// History anomaly: nothing but system messages survived.
	if !hasNonSystem(messages) {
		log.Printf("[Agent] empty history after fitting, injecting user message")
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: userMessage, Images: images})
	}

	reminder := prompt.RulesReminder(cfg.Rules)
	var recentBatches []string

	for step := 0; step < MaxSteps; step++ {
		messages = mem.EmergencyTruncate(messages)

		text, toolCalls, softRetry, fatal := d.streamStep(ctx, adapter, messages, modelCfg, tools, out)
		if fatal != nil {
			emitFailure(ctx, out, fatal)
			return
		}
		if softRetry {
			step-- // soft retry repeats the step
			continue
		}

		if len(toolCalls) == 0 {
			if _, err := d.store.AddMessage(sessionID, llm.RoleAssistant, text, "", ""); err != nil {
				log.Printf("[Agent] persist assistant message: %v", err)
			}
			break
		}

		for i := range toolCalls {
			if toolCalls[i].ID == "" {
				toolCalls[i].ID = fmt.Sprintf("call_%s_%d_%d", uuid.NewString()[:8], step, i)
			}
		}
		for i := range toolCalls {
			tc := toolCalls[i]
			select {
			case out <- llm.Chunk{Type: llm.ChunkToolCall, ToolCall: &tc}:
			case <-ctx.Done():
				return
			}
		}

		assistant := llm.Message{Role: llm.RoleAssistant, Content: text, ToolCalls: toolCalls}
		toolCallsJSON, _ := json.Marshal(toolCalls)
		if _, err := d.store.AddMessage(sessionID, llm.RoleAssistant, text, "", string(toolCallsJSON)); err != nil {
			log.Printf("[Agent] persist assistant message: %v", err)
		}
		messages = append(messages, assistant)

		results := dispatch(ctx, executor, toolCalls)

		for i, tc := range toolCalls {
			result := results[i]
			if _, err := d.store.AddMessage(sessionID, llm.RoleTool, result, tc.ID, ""); err != nil {
				log.Printf("[Agent] persist tool result: %v", err)
			}
			if err := d.store.AddToolLog(sessionID, tc.Name, string(tc.Arguments), result); err != nil {
				log.Printf("[Agent] persist tool log: %v", err)
			}
			log.Printf("[Agent] %s -> %s", tc.Name, util.TruncateRunes(result, 120))

			select {
			case out <- llm.Chunk{Type: llm.ChunkToolResult, ToolCallID: tc.ID, ToolName: tc.Name, Text: result}:
			case <-ctx.Done():
				return
			}

			injected := result
			if reminder != "" {
				injected += "\n" + reminder
			}
			messages = append(messages, llm.Message{Role: llm.RoleTool, ToolCallID: tc.ID, Content: injected})
		}

		recentBatches = append(recentBatches, batchSignature(toolCalls))
		if len(recentBatches) > repetitionWindow {
			recentBatches = recentBatches[1:]
		}
		if isStuck(recentBatches) {
			select {
			case out <- llm.TextChunk("\n[stopping: the last three tool-call batches were identical]\n"):
			case <-ctx.Done():
				return
			}
			break
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}

	select {
	case out <- llm.DoneChunk():
	case <-ctx.Done():
	}
}

// streamStep runs one adapter call. It forwards text and thinking
// chunks, collects tool calls, and classifies the terminal condition:
// a rate-limit error becomes a soft retry (after the pause), anything
// else fatal.
func (d *Driver) streamStep(ctx context.Context, adapter llm.StreamAdapter, messages []llm.Message, modelCfg llm.ModelConfig, tools []llm.ToolDefinition, out chan<- llm.Chunk) (text string, toolCalls []llm.ToolCall, softRetry bool, fatal error) {
	chunks, err := adapter.Stream(ctx, messages, modelCfg, tools)
	if err != nil {
		return "", nil, false, err
	}

	var b strings.Builder
	for chunk := range chunks {
		select {
		case <-ctx.Done():
			return "", nil, false, ctx.Err()
		default:
		}

		switch chunk.Type {
		case llm.ChunkText:
			b.WriteString(chunk.Text)
			select {
			case out <- chunk:
			case <-ctx.Done():
				return "", nil, false, ctx.Err()
			}
		case llm.ChunkThinking:
			select {
			case out <- chunk:
			case <-ctx.Done():
				return "", nil, false, ctx.Err()
			}
		case llm.ChunkToolCall:
			if chunk.ToolCall != nil {
				toolCalls = append(toolCalls, *chunk.ToolCall)
			}
		case llm.ChunkError:
			if llm.IsRateLimited(chunk.Err) {
				pause := rateLimitPause + time.Duration(rand.Int63n(int64(5*time.Second)))
				if chunk.RetryAfter > 0 {
					pause = chunk.RetryAfter
				}
				notice := fmt.Sprintf("\n[rate limited; retrying in %s]\n", pause.Round(time.Second))
				select {
				case out <- llm.TextChunk(notice):
				case <-ctx.Done():
					return "", nil, false, ctx.Err()
				}
				select {
				case <-ctx.Done():
					return "", nil, false, ctx.Err()
				case <-time.After(pause):
				}
				return "", nil, true, nil
			}
			return "", nil, false, chunk.Err
		case llm.ChunkDone:
			return b.String(), toolCalls, false, nil
		}
	}
	// Stream closed without a terminal chunk; treat what arrived as the
	// response.
	return b.String(), toolCalls, false, nil
}

// dispatch executes a batch of tool calls concurrently and returns the
// results in input order. A failed call occupies its own slot; it
// never affects siblings.
func dispatch(ctx context.Context, executor *tool.Executor, calls []llm.ToolCall) []string {
	results := make([]string, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		go func(i int, tc llm.ToolCall) {
			defer wg.Done()
			results[i] = executor.Execute(ctx, tc.Name, tc.Arguments)
		}(i, tc)
	}
	wg.Wait()
	return results
}

// loadHistory builds the in-memory message list: system prompt first,
// then the persisted history, with images attached to the last user
// message.
func (d *Driver) loadHistory(sessionID, systemPrompt string, images []string) ([]llm.Message, error) {
	stored, err := d.store.GetMessages(sessionID)
	if err != nil {
		return nil, fmt.Errorf("agent: load history: %w", err)
	}

	messages := make([]llm.Message, 0, len(stored)+1)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	for _, m := range stored {
		msg := llm.Message{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		if m.ToolCallsJSON != "" {
			if err := json.Unmarshal([]byte(m.ToolCallsJSON), &msg.ToolCalls); err != nil {
				log.Printf("[Agent] malformed tool_calls on message %d: %v", m.ID, err)
			}
		}
		messages = append(messages, msg)
	}

	if len(images) > 0 {
		for i := len(messages) - 1; i > 0; i-- {
			if messages[i].Role == llm.RoleUser {
				messages[i].Images = images
				break
			}
		}
	}
	return messages, nil
}

func (d *Driver) adapter(modelCfg llm.ModelConfig) (llm.StreamAdapter, error) {
	d.mu.Lock()
	factory := d.newAdapter
	d.mu.Unlock()
	return factory(modelCfg)
}

// ensureSkills caches the skill registry for the current config,
// restricted to the config's enabled entries.
func (d *Driver) ensureSkills(cfg *config.AgentConfig) []skill.Skill {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.skillRegistry == nil {
		d.skillRegistry = filterSkills(d.skills.LoadRegistry(), cfg.Skills)
	}
	return d.skillRegistry
}

// filterSkills applies the config's skill entries to the on-disk
// registry. With no entries the whole registry is exposed; otherwise
// only enabled slugs survive, with the entry's name taking precedence.
func filterSkills(registry []skill.Skill, entries []config.SkillEntry) []skill.Skill {
	if len(entries) == 0 {
		if registry == nil {
			return []skill.Skill{}
		}
		return registry
	}
	nameBySlug := map[string]string{}
	for _, e := range entries {
		if e.Enabled {
			nameBySlug[e.Slug] = e.Name
		}
	}
	kept := []skill.Skill{}
	for _, s := range registry {
		name, ok := nameBySlug[s.Slug]
		if !ok {
			continue
		}
		if name != "" {
			s.Name = name
		}
		kept = append(kept, s)
	}
	return kept
}

// ensureMCP connects the enabled servers once per config, best-effort.
func (d *Driver) ensureMCP(ctx context.Context, cfg *config.AgentConfig) {
	d.mu.Lock()
	connected := d.mcpConnected
	fabric := d.fabric
	d.mu.Unlock()
	if connected || (cfg.MCPConfig == "" && len(cfg.MCPServers) == 0) {
		return
	}

	var fromFile map[string]mcp.ServerConfig
	if cfg.MCPConfig != "" {
		var err error
		fromFile, err = mcp.LoadConfig(cfg.MCPConfig)
		if err != nil {
			log.Printf("[Agent] MCP config: %v", err)
		}
	}
	configs := mergeMCPConfigs(fromFile, cfg.MCPServers)
	if len(configs) > 0 {
		n, errs := fabric.ConnectAll(ctx, configs)
		log.Printf("[Agent] MCP: %d server(s) ready, %d failed", n, len(errs))
	}

	d.mu.Lock()
	d.mcpConnected = true
	d.mu.Unlock()
}

// mergeMCPConfigs overlays the config's inline server entries onto the
// mcp.json servers. Enabled entries add or replace by name; disabled
// entries mask an mcp.json server of the same name.
func mergeMCPConfigs(fromFile map[string]mcp.ServerConfig, entries []config.MCPServerEntry) map[string]mcp.ServerConfig {
	merged := make(map[string]mcp.ServerConfig, len(fromFile)+len(entries))
	for name, c := range fromFile {
		merged[name] = c
	}
	for _, e := range entries {
		if !e.Enabled {
			delete(merged, e.Name)
			continue
		}
		merged[e.Name] = mcp.ServerConfig{
			Name:    e.Name,
			Command: e.Command,
			Args:    e.Args,
			Env:     e.Env,
		}
	}
	return merged
}

func emitFailure(ctx context.Context, out chan<- llm.Chunk, err error) {
	select {
	case out <- llm.ErrChunk(err):
	case <-ctx.Done():
		return
	}
	select {
	case out <- llm.DoneChunk():
	case <-ctx.Done():
	}
}

func hasNonSystem(messages []llm.Message) bool {
	for _, m := range messages {
		if m.Role != llm.RoleSystem {
			return true
		}
	}
	return false
}

// batchSignature fingerprints a tool-call batch for the repetition
// guard.
func batchSignature(calls []llm.ToolCall) string {
	parts := make([]string, len(calls))
	for i, tc := range calls {
		parts[i] = tc.Name + ":" + string(tc.Arguments)
	}
	return strings.Join(parts, "|")
}

func isStuck(batches []string) bool {
	if len(batches) < repetitionWindow {
		return false
	}
	last := batches[len(batches)-1]
	for _, b := range batches[len(batches)-repetitionWindow:] {
		if b != last {
			return false
		}
	}
	return true
}
