package search

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSearchSubstring(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "main.go"), "package main\n\nfunc main() {\n\tprintln(\"Hello\")\n}\n")
	writeFile(t, filepath.Join(root, "sub", "util.go"), "package sub\n\n// hello helper\nfunc Hello() {}\n")

	result, err := Search(root, "hello", "", false)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(result.Matches) != 3 {
		t.Fatalf("got %d matches, want 3 (case-insensitive)", len(result.Matches))
	}
}

func TestSearchContextLines(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "f.txt"), "one\ntwo\nthree\nfour\nfive\n")

	result, err := Search(root, "three", "", false)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(result.Matches) != 1 {
		t.Fatalf("got %d matches", len(result.Matches))
	}
	m := result.Matches[0]
	if m.Line != 3 {
		t.Errorf("line = %d, want 3", m.Line)
	}
	if len(m.Before) != 2 || m.Before[0] != "one" || m.Before[1] != "two" {
		t.Errorf("before = %v", m.Before)
	}
	if len(m.After) != 2 || m.After[0] != "four" || m.After[1] != "five" {
		t.Errorf("after = %v", m.After)
	}
}

func TestSearchRegexAndPattern(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.go"), "func FooBar() {}\n")
	writeFile(t, filepath.Join(root, "a.txt"), "func FooBar() {}\n")

	result, err := Search(root, `func \w+\(`, "*.go", true)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(result.Matches) != 1 || result.Matches[0].Path != "a.go" {
		t.Errorf("pattern filter failed: %+v", result.Matches)
	}

	if _, err := Search(root, `(unclosed`, "", true); err == nil {
		t.Error("bad regex should error")
	}
	if _, err := Search(root, "  ", "", false); err == nil {
		t.Error("empty query should error")
	}
}

func TestSearchTruncatesAtCap(t *testing.T) {
	root := t.TempDir()
	var b strings.Builder
	for i := 0; i < 80; i++ {
		fmt.Fprintf(&b, "needle line %d\n", i)
	}
	writeFile(t, filepath.Join(root, "big.txt"), b.String())

	result, err := Search(root, "needle", "", false)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(result.Matches) != maxMatches {
		t.Errorf("got %d matches, want %d", len(result.Matches), maxMatches)
	}
	if !result.Truncated {
		t.Error("result should be marked truncated")
	}
	if !strings.Contains(result.Format(), "showing first 50") {
		t.Error("formatted output missing truncation notice")
	}
}

func TestSearchSkipsDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ".git", "config"), "needle\n")
	writeFile(t, filepath.Join(root, "node_modules", "x.js"), "needle\n")
	writeFile(t, filepath.Join(root, "src.go"), "needle\n")

	result, err := Search(root, "needle", "", false)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(result.Matches) != 1 || result.Matches[0].Path != "src.go" {
		t.Errorf("skip dirs failed: %+v", result.Matches)
	}
}

func TestFormatEmpty(t *testing.T) {
	r := &Result{}
	if got := r.Format(); got != "no matches" {
		t.Errorf("Format() = %q", got)
	}
}
