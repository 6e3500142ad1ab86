// Package prompt composes the system prompt: assistant identity, tool
// catalog, working discipline, configured rules, and the skill catalog.
package prompt

import (
	"fmt"
	"strings"

	"github.com/quarrydev/quarry/internal/skill"
)

// toolCatalog lists each built-in with a one-line description, in the
// order they are introduced to the model.
var toolCatalog = []struct {
	name string
	desc string
}{
	{"read_file", "read a file, optionally a 1-based inclusive line range"},
	{"write_file", "create or overwrite a file with the given content"},
	{"edit_file", "replace one exact occurrence of old text with new text"},
	{"list_dir", "list the entries of a directory"},
	{"run_terminal", "run a shell command under the project root (30s cap)"},
	{"search_files", "search file contents by keyword or regex"},
	{"load_skill", "load the full content of a skill by its slug"},
	{"start_service", "start a long-running background service"},
	{"check_service", "check the status and recent output of a service"},
	{"stop_service", "stop a background service"},
}

const basePreamble = `You are Quarry, an AI programming assistant working inside the user's project. You read, write, and modify code through tools, and you verify your work with commands.

Working discipline:
- Prefer edit_file for changes to existing files. Use write_file only to create a new file or to rewrite most of one. Never output partial code with placeholders.
- Do not re-read files whose content is already in the conversation; reuse what you know.
- You may issue multiple independent tool calls in a single turn; they run concurrently.
- When a command or tool fails, read the error and adjust rather than repeating the same call.`

// Build composes the full system prompt from the configured rules and
// the skill catalog.
func Build(rules []string, skills []skill.Skill) string {
	var b strings.Builder
	b.WriteString(basePreamble)

	b.WriteString("\n\nAvailable tools:\n")
	for _, t := range toolCatalog {
		fmt.Fprintf(&b, "- %s: %s\n", t.name, t.desc)
	}

	if len(rules) > 0 {
		b.WriteString("\n## Rules\n")
		for i, rule := range rules {
			fmt.Fprintf(&b, "Rule %d: %s\n", i+1, rule)
		}
	}

	if len(skills) > 0 {
		b.WriteString("\n## Skills\n")
		b.WriteString("| slug | name | summary |\n|---|---|---|\n")
		for _, s := range skills {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", s.Slug, s.Name, s.Summary)
		}
		b.WriteString("Call load_skill with a slug to read the full skill before applying it.\n")
	}

	return b.String()
}

// RulesReminder is appended after each tool result reinjected into the
// model context. Empty when no rules are configured.
func RulesReminder(rules []string) string {
	if len(rules) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[Rule review] Ensure your next action complies with:")
	for i, rule := range rules {
		fmt.Fprintf(&b, " (%d) %s", i+1, rule)
	}
	return b.String()
}
