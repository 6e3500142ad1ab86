// Package search implements file-content search over a project tree.
package search

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	// maxMatches caps how many matches a single search returns.
	maxMatches = 50
	// contextLines is printed before and after each matched line.
	contextLines = 2
	// maxFileSize skips files unlikely to be source code.
	maxFileSize = 2 << 20
)

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".venv":        true,
	"venv":         true,
	"__pycache__":  true,
	"dist":         true,
	"target":       true,
	".idea":        true,
}

// Match is one matched line with its surrounding context.
type Match struct {
	Path    string
	Line    int
	Text    string
	Before  []string
	After   []string
}

// Result is the outcome of one search.
type Result struct {
	Matches   []Match
	Truncated bool
}

// Search scans files under root for query. pattern filters file names
// (glob, e.g. "*.go"); isRegex treats query as a regular expression,
// otherwise matching is a case-insensitive substring test.
func Search(root, query, pattern string, isRegex bool) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search: empty query")
	}

	var re *regexp.Regexp
	if isRegex {
		var err error
		re, err = regexp.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("search: bad regex %q: %w", query, err)
		}
	}
	lowered := strings.ToLower(query)
	matchLine := func(line string) bool {
		if re != nil {
			return re.MatchString(line)
		}
		return strings.Contains(strings.ToLower(line), lowered)
	}

	result := &Result{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if result.Truncated {
			return filepath.SkipAll
		}
		if pattern != "" {
			ok, _ := filepath.Match(pattern, d.Name())
			if !ok {
				return nil
			}
		}
		if info, err := d.Info(); err != nil || info.Size() > maxFileSize {
			return nil
		}
		searchFile(root, path, matchLine, result)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search: walk %q: %w", root, err)
	}
	return result, nil
}

func searchFile(root, path string, matchLine func(string) bool, result *Result) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = path
	}

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.ContainsRune(line, '\x00') {
			return // binary
		}
		lines = append(lines, line)
	}

	for i, line := range lines {
		if !matchLine(line) {
			continue
		}
		if len(result.Matches) >= maxMatches {
			result.Truncated = true
			return
		}
		m := Match{Path: rel, Line: i + 1, Text: line}
		for j := i - contextLines; j < i; j++ {
			if j >= 0 {
				m.Before = append(m.Before, lines[j])
			}
		}
		for j := i + 1; j <= i+contextLines && j < len(lines); j++ {
			m.After = append(m.After, lines[j])
		}
		result.Matches = append(result.Matches, m)
	}
}

// Format renders a result for the model: path:line headers, context
// lines indented, and a truncation notice when the cap was hit.
func (r *Result) Format() string {
	if len(r.Matches) == 0 {
		return "no matches"
	}
	var b strings.Builder
	for _, m := range r.Matches {
		fmt.Fprintf(&b, "%s:%d\n", m.Path, m.Line)
		start := m.Line - len(m.Before)
		for i, line := range m.Before {
			fmt.Fprintf(&b, "  %d | %s\n", start+i, line)
		}
		fmt.Fprintf(&b, "> %d | %s\n", m.Line, m.Text)
		for i, line := range m.After {
			fmt.Fprintf(&b, "  %d | %s\n", m.Line+1+i, line)
		}
		b.WriteString("\n")
	}
	if r.Truncated {
		fmt.Fprintf(&b, "(more matches exist; showing first %d)\n", maxMatches)
	}
	return strings.TrimRight(b.String(), "\n")
}
