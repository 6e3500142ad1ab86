// Package tool executes the agent's tools: the built-in file, shell,
// search, skill, and service tools, plus dispatch to MCP servers.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/quarrydev/quarry/internal/llm"
)

// MCPPrefix marks tool names routed to an MCP server.
const MCPPrefix = "mcp_"

// SearchFunc searches file contents under root.
type SearchFunc func(root, query, pattern string, isRegex bool) string

// MCPDispatchFunc calls a prefixed MCP tool.
type MCPDispatchFunc func(ctx context.Context, prefixedName string, args json.RawMessage) (string, error)

// ServiceManager manages background services for the service tools.
type ServiceManager interface {
	Start(name, command, cwd string) string
	Check(name string) string
	Stop(name string) string
}

// SkillLoader resolves a skill slug to its content.
type SkillLoader interface {
	LoadContent(slug string) (string, bool)
}

// Executor runs tools against a project root. Execute never returns a
// Go error: every failure becomes the textual result of the call, so a
// bad tool call can never terminate a run.
type Executor struct {
	root     string
	search   SearchFunc
	mcp      MCPDispatchFunc
	mcpTools []llm.ToolDefinition
	services ServiceManager
	skills   SkillLoader
}

// NewExecutor creates an executor sandboxed to projectRoot.
func NewExecutor(projectRoot string) *Executor {
	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		abs = projectRoot
	}
	return &Executor{root: filepath.Clean(abs)}
}

// Root returns the project root the executor is sandboxed to.
func (e *Executor) Root() string { return e.root }

// SetSearch injects the file-content search implementation.
func (e *Executor) SetSearch(fn SearchFunc) { e.search = fn }

// SetMCP injects the MCP dispatch function and the current remote tool
// catalog.
func (e *Executor) SetMCP(fn MCPDispatchFunc, tools []llm.ToolDefinition) {
	e.mcp = fn
	e.mcpTools = tools
}

// SetServices injects the background service manager.
func (e *Executor) SetServices(m ServiceManager) { e.services = m }

// SetSkills injects the skill source.
func (e *Executor) SetSkills(s SkillLoader) { e.skills = s }

// Execute runs one tool call and returns its textual result.
func (e *Executor) Execute(ctx context.Context, name string, rawArgs json.RawMessage) (result string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Tool] %s panicked: %v", name, r)
			result = fmt.Sprintf("tool error: %s crashed: %v", name, r)
		}
	}()

	if strings.HasPrefix(name, MCPPrefix) {
		if e.mcp == nil {
			return "tool error: no MCP servers are configured"
		}
		out, err := e.mcp(ctx, name, rawArgs)
		if err != nil {
			return "tool error: " + err.Error()
		}
		return out
	}

	switch name {
	case "read_file":
		return e.readFile(rawArgs)
	case "write_file":
		return e.writeFile(rawArgs)
	case "edit_file":
		return e.editFile(rawArgs)
	case "list_dir":
		return e.listDir(rawArgs)
	case "run_terminal":
		return e.runTerminal(ctx, rawArgs)
	case "search_files":
		return e.searchFiles(rawArgs)
	case "load_skill":
		return e.loadSkill(rawArgs)
	case "start_service", "check_service", "stop_service":
		return e.serviceTool(name, rawArgs)
	default:
		return fmt.Sprintf("tool error: unknown tool %q", name)
	}
}

// decodeArgs unmarshals tool arguments into v. Some adapters deliver
// arguments as a JSON string wrapping the real object; both forms are
// accepted.
func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var inner string
	if err := json.Unmarshal(raw, &inner); err == nil {
		raw = json.RawMessage(inner)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// resolvePath joins a tool-supplied path with the project root and
// rejects anything that escapes it.
func (e *Executor) resolvePath(path string) (string, error) {
	joined := path
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(e.root, joined)
	}
	resolved := filepath.Clean(joined)
	rel, err := filepath.Rel(e.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path outside project root")
	}
	return resolved, nil
}

func (e *Executor) loadSkill(rawArgs json.RawMessage) string {
	var args struct {
		Slug string `json:"slug"`
	}
	if err := decodeArgs(rawArgs, &args); err != nil {
		return "tool error: " + err.Error()
	}
	if e.skills == nil {
		return "tool error: no skills are configured"
	}
	content, ok := e.skills.LoadContent(args.Slug)
	if !ok {
		return fmt.Sprintf("tool error: no skill named %q", args.Slug)
	}
	return content
}

func (e *Executor) serviceTool(name string, rawArgs json.RawMessage) string {
	if e.services == nil {
		return "tool error: service management is not available"
	}
	var args struct {
		Name    string `json:"name"`
		Command string `json:"command"`
	}
	if err := decodeArgs(rawArgs, &args); err != nil {
		return "tool error: " + err.Error()
	}
	if args.Name == "" {
		return "tool error: service name is required"
	}
	switch name {
	case "start_service":
		if args.Command == "" {
			return "tool error: command is required"
		}
		return e.services.Start(args.Name, args.Command, e.root)
	case "check_service":
		return e.services.Check(args.Name)
	default:
		return e.services.Stop(args.Name)
	}
}

func (e *Executor) searchFiles(rawArgs json.RawMessage) string {
	var args struct {
		Query   string `json:"query"`
		Pattern string `json:"pattern"`
		IsRegex bool   `json:"is_regex"`
	}
	if err := decodeArgs(rawArgs, &args); err != nil {
		return "tool error: " + err.Error()
	}
	if e.search == nil {
		return "tool error: search is not available"
	}
	return e.search(e.root, args.Query, args.Pattern, args.IsRegex)
}
