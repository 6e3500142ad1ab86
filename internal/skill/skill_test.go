package skill

import (
	"os"
	"path/filepath"
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

func TestLoadRegistry(t *testing.T) {
	t.Run("valid index", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, "index.json"),
			`[{"slug":"api-design","name":"API Design","summary":"REST conventions"}]`)
		skills := NewSource(root).LoadRegistry()
		if len(skills) != 1 || skills[0].Slug != "api-design" {
			t.Errorf("got %+v", skills)
		}
	})
	t.Run("missing index", func(t *testing.T) {
		if skills := NewSource(t.TempDir()).LoadRegistry(); len(skills) != 0 {
			t.Errorf("got %+v, want empty", skills)
		}
	})
	t.Run("malformed index", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, "index.json"), `{not json`)
		if skills := NewSource(root).LoadRegistry(); len(skills) != 0 {
			t.Errorf("got %+v, want empty", skills)
		}
	})
	t.Run("disabled source", func(t *testing.T) {
		if skills := NewSource("").LoadRegistry(); skills != nil {
			t.Errorf("got %+v, want nil", skills)
		}
	})
}

func TestLoadContent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a", "SKILL.md"), "skill doc")
	writeFile(t, filepath.Join(root, "a", "README.md"), "readme doc")
	writeFile(t, filepath.Join(root, "b", "README.md"), "readme only")
	writeFile(t, filepath.Join(root, "c", "zeta.md"), "zeta")
	writeFile(t, filepath.Join(root, "c", "alpha.md"), "alpha")
	writeFile(t, filepath.Join(root, "d", "notes.txt"), "not markdown")
	src := NewSource(root)

	tests := []struct {
		name     string
		slug     string
		want     string
		wantHit  bool
	}{
		{"prefers SKILL.md", "a", "skill doc", true},
		{"falls back to README.md", "b", "readme only", true},
		{"first md alphabetically", "c", "alpha", true},
		{"no markdown", "d", "", false},
		{"missing slug", "nope", "", false},
		{"escape attempt", "../../etc", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := src.LoadContent(tt.slug)
			if ok != tt.wantHit || got != tt.want {
				t.Errorf("LoadContent(%q) = (%q, %v), want (%q, %v)", tt.slug, got, ok, tt.want, tt.wantHit)
			}
		})
	}
}
