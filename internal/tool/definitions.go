package tool

import (
	"encoding/json"

	"github.com/quarrydev/quarry/internal/llm"
)

func def(name, description, schema string) llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        name,
		Description: description,
		Parameters:  json.RawMessage(schema),
	}
}

var builtinDefinitions = []llm.ToolDefinition{
	def("read_file",
		"Read a file. Lines are numbered; pass start_line/end_line (1-based, inclusive) for a range.",
		`{"type":"object","properties":{"path":{"type":"string","description":"file path relative to the project root"},"start_line":{"type":"integer"},"end_line":{"type":"integer"}},"required":["path"]}`),
	def("write_file",
		"Create or overwrite a file with the given content. Parent directories are created as needed.",
		`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
	def("edit_file",
		"Replace exactly one occurrence of old_str with new_str. Include enough surrounding context to make old_str unique.",
		`{"type":"object","properties":{"path":{"type":"string"},"old_str":{"type":"string"},"new_str":{"type":"string"}},"required":["path","old_str","new_str"]}`),
	def("list_dir",
		"List the entries of a directory.",
		`{"type":"object","properties":{"path":{"type":"string","description":"directory path, defaults to the project root"}}}`),
	def("run_terminal",
		"Run a shell command under the project root. Capped at 30 seconds; returns combined stdout and stderr.",
		`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`),
	def("search_files",
		"Search file contents. query is a keyword, or a regular expression when is_regex is true; pattern filters file names (e.g. *.go).",
		`{"type":"object","properties":{"query":{"type":"string"},"pattern":{"type":"string"},"is_regex":{"type":"boolean"}},"required":["query"]}`),
	def("load_skill",
		"Load the full content of a skill by its slug from the skill catalog.",
		`{"type":"object","properties":{"slug":{"type":"string"}},"required":["slug"]}`),
	def("start_service",
		"Start a named long-running background service (e.g. a dev server).",
		`{"type":"object","properties":{"name":{"type":"string"},"command":{"type":"string"}},"required":["name","command"]}`),
	def("check_service",
		"Check a background service's status and recent output.",
		`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
	def("stop_service",
		"Stop a background service.",
		`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`),
}

// ToolDefinitions returns the built-in catalog plus whatever MCP tools
// are currently connected.
func (e *Executor) ToolDefinitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(builtinDefinitions)+len(e.mcpTools))
	defs = append(defs, builtinDefinitions...)
	defs = append(defs, e.mcpTools...)
	return defs
}
