// Package skill exposes on-disk skill documents to the agent: a
// catalog from index.json and lazy markdown loading per slug.
package skill

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Skill is one catalog entry from the registry index.
type Skill struct {
	Slug    string `json:"slug"`
	Name    string `json:"name"`
	Summary string `json:"summary"`
}

// Source resolves skills under a root directory. Each skill lives in
// {root}/{slug}/ with its content in a markdown file.
type Source struct {
	root string
}

// NewSource creates a Source rooted at dir. An empty dir disables
// skills: the registry is empty and every load misses.
func NewSource(dir string) *Source {
	return &Source{root: dir}
}

// LoadRegistry reads the catalog from index.json at the root. A missing
// or malformed index yields an empty catalog, never an error: skills
// are an optional enrichment.
func (s *Source) LoadRegistry() []Skill {
	if s.root == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(s.root, "index.json"))
	if err != nil {
		return nil
	}
	var skills []Skill
	if err := json.Unmarshal(data, &skills); err != nil {
		log.Printf("[Skill] malformed index.json: %v", err)
		return nil
	}
	return skills
}

// LoadContent resolves a slug to its markdown content, trying
// SKILL.md, then README.md, then the first *.md file in the skill
// directory. A miss returns ("", false); loading never fails a turn.
func (s *Source) LoadContent(slug string) (string, bool) {
	if s.root == "" {
		return "", false
	}
	dir := filepath.Join(s.root, filepath.Clean("/"+slug))

	for _, name := range []string{"SKILL.md", "README.md"} {
		if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			return string(data), true
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".md") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", false
	}
	sort.Strings(names)
	data, err := os.ReadFile(filepath.Join(dir, names[0]))
	if err != nil {
		return "", false
	}
	return string(data), true
}
