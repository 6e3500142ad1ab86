// Package memory fits conversation history into a model's context
// window: token budgeting, tool-result elision, history trimming, and
// summary compression.
package memory

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/quarrydev/quarry/internal/llm"
)

const (
	// imageTokens is the flat estimate charged per attached image.
	imageTokens = 255

	// triggerRatio is the usage level at which compression kicks in.
	triggerRatio = 0.8
	// keepRatio bounds what trimming and compression retain.
	keepRatio = 0.5
	// emergencyRatio is the last-resort truncation threshold.
	emergencyRatio = 0.95

	// Tool results longer than elideThreshold are rewritten to a head
	// and tail excerpt before a turn is sent.
	elideThreshold = 3000
	elideHead      = 2000
	elideTail      = 500

	// Tool results are cut to this length inside a compression request.
	compressResultMax = 1000
	// Local fallback summary lines are cut to this length.
	fallbackLineMax = 200

	// emergencyKeep is how many trailing messages survive an emergency
	// truncation, besides the system messages.
	emergencyKeep = 6
)

// ContextMemory budgets a conversation against a token window.
type ContextMemory struct {
	window int
}

// New creates a ContextMemory for the given window. A non-positive
// window falls back to the default context size.
func New(window int) *ContextMemory {
	if window <= 0 {
		window = llm.DefaultContextTokens
	}
	return &ContextMemory{window: window}
}

// Window returns the token window being budgeted against.
func (m *ContextMemory) Window() int { return m.window }

// EstimateTokens estimates one message: characters divided by 3 rounded
// up, a flat charge per image, and name+arguments length per tool call.
// Deliberately conservative; the same estimator drives every budget
// decision.
func EstimateTokens(msg llm.Message) int {
	chars := len(msg.Content)
	for _, tc := range msg.ToolCalls {
		chars += len(tc.Name) + len(tc.Arguments)
	}
	tokens := (chars + 2) / 3
	tokens += imageTokens * len(msg.Images)
	return tokens
}

// EstimateAll sums EstimateTokens over a message list.
func EstimateAll(messages []llm.Message) int {
	total := 0
	for _, msg := range messages {
		total += EstimateTokens(msg)
	}
	return total
}

// UsageRatio reports estimated usage as a fraction of the window.
func (m *ContextMemory) UsageRatio(messages []llm.Message) float64 {
	return float64(EstimateAll(messages)) / float64(m.window)
}

// NeedsCompression reports whether usage is at or past the trigger.
func (m *ContextMemory) NeedsCompression(messages []llm.Message) bool {
	return m.UsageRatio(messages) >= triggerRatio
}

// Prepare builds the message list actually sent for a turn. The memory
// summary, when present, rides as a synthetic system message right
// after the first system message. Over-long tool results are elided.
// If the result still exceeds the trigger ratio, non-system history is
// trimmed newest-backwards to fit under half the window.
func (m *ContextMemory) Prepare(messages []llm.Message, memorySummary string) []llm.Message {
	prepared := make([]llm.Message, 0, len(messages)+1)
	for _, msg := range messages {
		if msg.Role == llm.RoleTool && len(msg.Content) > elideThreshold {
			msg.Content = elide(msg.Content)
		}
		prepared = append(prepared, msg)
	}

	if memorySummary != "" {
		summaryMsg := llm.Message{
			Role:    llm.RoleSystem,
			Content: "[session memory]\n" + memorySummary,
		}
		at := 0
		for i, msg := range prepared {
			if msg.Role == llm.RoleSystem {
				at = i + 1
				break
			}
		}
		prepared = append(prepared[:at], append([]llm.Message{summaryMsg}, prepared[at:]...)...)
	}

	if EstimateAll(prepared) <= int(float64(m.window)*triggerRatio) {
		return prepared
	}

	var system, rest []llm.Message
	for _, msg := range prepared {
		if msg.Role == llm.RoleSystem {
			system = append(system, msg)
		} else {
			rest = append(rest, msg)
		}
	}

	budget := int(float64(m.window)*keepRatio) - EstimateAll(system)
	kept := keepNewest(rest, budget)
	log.Printf("[Memory] trimmed history: %d of %d non-system messages kept", len(kept), len(rest))
	return append(system, kept...)
}

// EmergencyTruncate cuts history to the system messages plus the last
// few turns. Used when usage crosses the emergency threshold right
// before a model call.
func (m *ContextMemory) EmergencyTruncate(messages []llm.Message) []llm.Message {
	if m.UsageRatio(messages) < emergencyRatio {
		return messages
	}
	var system, rest []llm.Message
	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			system = append(system, msg)
		} else {
			rest = append(rest, msg)
		}
	}
	if len(rest) > emergencyKeep {
		rest = rest[len(rest)-emergencyKeep:]
	}
	log.Printf("[Memory] emergency truncation: keeping %d trailing messages", len(rest))
	return append(system, rest...)
}

// keepNewest walks messages from the newest backwards, keeping as many
// as fit in budget. Order is preserved.
func keepNewest(messages []llm.Message, budget int) []llm.Message {
	var kept []llm.Message
	used := 0
	for i := len(messages) - 1; i >= 0; i-- {
		cost := EstimateTokens(messages[i])
		if used+cost > budget {
			break
		}
		used += cost
		kept = append([]llm.Message{messages[i]}, kept...)
	}
	return kept
}

// elide shortens an oversized tool result. Limits are in characters,
// and slicing happens on rune boundaries so multi-byte content is
// never cut mid-rune.
func elide(content string) string {
	runes := []rune(content)
	if len(runes) <= elideThreshold {
		return content
	}
	elided := len(runes) - elideHead - elideTail
	return string(runes[:elideHead]) +
		fmt.Sprintf("\n…(elided %d chars)…\n", elided) +
		string(runes[len(runes)-elideTail:])
}

const compressorPrompt = `You compress an AI coding session's history into a handoff summary. Produce exactly four sections:

## Project Info
Project path, languages, frameworks, and structure learned so far.

## Completed Actions
What was done, in order: files read, edits made, commands run, with outcomes.

## Key Findings
Facts discovered about the codebase that remain relevant: APIs, conventions, bugs, configuration.

## Outstanding Items
Work still pending, open errors, and the immediate next step.

Be specific: keep file paths, symbol names, and error messages verbatim. Omit pleasantries and reasoning. If an existing summary is provided, merge it with the new history rather than repeating it.`

// CompressWithModel folds the older part of the history into a summary
// using the model itself. The newest messages that fit under half the
// window are kept verbatim; everything older becomes the compression
// target. On adapter failure the deterministic local summary is used,
// so compression never fails the turn.
func (m *ContextMemory) CompressWithModel(ctx context.Context, messages []llm.Message, existingSummary string, adapter llm.StreamAdapter, cfg llm.ModelConfig) (string, []llm.Message) {
	var system, rest []llm.Message
	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			system = append(system, msg)
		} else {
			rest = append(rest, msg)
		}
	}

	budget := int(float64(m.window)*keepRatio) - EstimateAll(system)
	kept := keepNewest(rest, budget)
	target := rest[:len(rest)-len(kept)]
	if len(target) == 0 {
		return existingSummary, messages
	}

	transcript := formatTranscript(target)
	userContent := "Compress the following session history.\n\n"
	if existingSummary != "" {
		userContent += "Existing summary to merge:\n" + existingSummary + "\n\n"
	}
	userContent += "History:\n" + transcript

	summary, err := collectText(ctx, adapter, cfg, []llm.Message{
		{Role: llm.RoleSystem, Content: compressorPrompt},
		{Role: llm.RoleUser, Content: userContent},
	})
	if err != nil || strings.TrimSpace(summary) == "" {
		if err != nil {
			log.Printf("[Memory] model compression failed, using local summary: %v", err)
		}
		summary = localSummary(target, existingSummary)
	}

	log.Printf("[Memory] compressed %d messages into summary (%d chars), %d kept", len(target), len(summary), len(kept))
	return summary, append(system, kept...)
}

// formatTranscript renders messages as readable transcript lines for
// the compression request.
func formatTranscript(messages []llm.Message) string {
	var b strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleUser:
			fmt.Fprintf(&b, "[user] %s\n", msg.Content)
		case llm.RoleAssistant:
			if msg.Content != "" {
				fmt.Fprintf(&b, "[assistant] %s\n", msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				fmt.Fprintf(&b, "[tool call] %s %s\n", tc.Name, tc.Arguments)
			}
		case llm.RoleTool:
			content := msg.Content
			if len(content) > compressResultMax {
				content = content[:compressResultMax] + "…"
			}
			fmt.Fprintf(&b, "[tool result] %s\n", content)
		}
	}
	return b.String()
}

// localSummary is the deterministic fallback: a bulleted digest of the
// target messages, each line capped.
func localSummary(messages []llm.Message, existingSummary string) string {
	var b strings.Builder
	if existingSummary != "" {
		b.WriteString(existingSummary)
		b.WriteString("\n\n")
	}
	b.WriteString("Session digest:\n")
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleUser:
			writeBullet(&b, "user: "+msg.Content)
		case llm.RoleAssistant:
			for _, tc := range msg.ToolCalls {
				writeBullet(&b, fmt.Sprintf("called %s %s", tc.Name, tc.Arguments))
			}
			if msg.Content != "" {
				writeBullet(&b, "assistant: "+msg.Content)
			}
		case llm.RoleTool:
			writeBullet(&b, "result: "+msg.Content)
		}
	}
	return b.String()
}

func writeBullet(b *strings.Builder, line string) {
	line = strings.ReplaceAll(line, "\n", " ")
	if len(line) > fallbackLineMax {
		line = line[:fallbackLineMax] + "…"
	}
	b.WriteString("- ")
	b.WriteString(line)
	b.WriteString("\n")
}

// collectText runs one non-interactive model call and gathers the text.
func collectText(ctx context.Context, adapter llm.StreamAdapter, cfg llm.ModelConfig, messages []llm.Message) (string, error) {
	chunks, err := adapter.Stream(ctx, messages, cfg, nil)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for chunk := range chunks {
		switch chunk.Type {
		case llm.ChunkText:
			b.WriteString(chunk.Text)
		case llm.ChunkError:
			return "", chunk.Err
		}
	}
	return b.String(), nil
}
