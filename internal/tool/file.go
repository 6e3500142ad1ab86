package tool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

// readFileMaxChars caps read_file output before truncation kicks in.
const readFileMaxChars = 10000

func (e *Executor) readFile(rawArgs json.RawMessage) string {
	var args struct {
		Path      string `json:"path"`
		StartLine int    `json:"start_line"`
		EndLine   int    `json:"end_line"`
	}
	if err := decodeArgs(rawArgs, &args); err != nil {
		return "tool error: " + err.Error()
	}
	path, err := e.resolvePath(args.Path)
	if err != nil {
		return "tool error: " + err.Error()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("tool error: read %s: %v", args.Path, err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	total := len(lines)

	start, end := 1, total
	if args.StartLine > 0 {
		start = args.StartLine
	}
	if args.EndLine > 0 && args.EndLine < end {
		end = args.EndLine
	}
	if start > total {
		return fmt.Sprintf("tool error: start_line %d past end of file (%d lines)", start, total)
	}

	var b strings.Builder
	shown, chars := 0, 0
	for n := start; n <= end; n++ {
		line := fmt.Sprintf("%d | %s\n", n, lines[n-1])
		// The cap is in characters; whole lines only, so output stays
		// valid UTF-8.
		if chars+utf8.RuneCountInString(line) > readFileMaxChars {
			b.WriteString(fmt.Sprintf("…(truncated, showing %d of %d lines)", shown, total))
			return b.String()
		}
		b.WriteString(line)
		chars += utf8.RuneCountInString(line)
		shown++
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (e *Executor) writeFile(rawArgs json.RawMessage) string {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := decodeArgs(rawArgs, &args); err != nil {
		return "tool error: " + err.Error()
	}
	path, err := e.resolvePath(args.Path)
	if err != nil {
		return "tool error: " + err.Error()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Sprintf("tool error: create parent dirs for %s: %v", args.Path, err)
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return fmt.Sprintf("tool error: write %s: %v", args.Path, err)
	}
	return fmt.Sprintf("file written: %s", args.Path)
}

func (e *Executor) editFile(rawArgs json.RawMessage) string {
	var args struct {
		Path   string `json:"path"`
		OldStr string `json:"old_str"`
		NewStr string `json:"new_str"`
	}
	if err := decodeArgs(rawArgs, &args); err != nil {
		return "tool error: " + err.Error()
	}
	path, err := e.resolvePath(args.Path)
	if err != nil {
		return "tool error: " + err.Error()
	}
	if args.OldStr == "" {
		return "tool error: old_str is required"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("tool error: read %s: %v", args.Path, err)
	}
	content := string(data)

	switch n := strings.Count(content, args.OldStr); n {
	case 0:
		return "tool error: no match; verify old text"
	case 1:
		content = strings.Replace(content, args.OldStr, args.NewStr, 1)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Sprintf("tool error: write %s: %v", args.Path, err)
		}
		return fmt.Sprintf("file edited: %s", args.Path)
	default:
		return fmt.Sprintf("tool error: %d matches; provide more context to disambiguate", n)
	}
}

func (e *Executor) listDir(rawArgs json.RawMessage) string {
	var args struct {
		Path string `json:"path"`
	}
	if err := decodeArgs(rawArgs, &args); err != nil {
		return "tool error: " + err.Error()
	}
	if args.Path == "" {
		args.Path = "."
	}
	path, err := e.resolvePath(args.Path)
	if err != nil {
		return "tool error: " + err.Error()
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Sprintf("tool error: list %s: %v", args.Path, err)
	}
	if len(entries) == 0 {
		return "(empty directory)"
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, "[dir]  "+entry.Name())
		} else {
			names = append(names, "[file] "+entry.Name())
		}
	}
	sort.Strings(names)
	return strings.Join(names, "\n")
}
