package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/quarrydev/quarry/internal/llm"
)

// ModelEntry is one model definition in quarry.yaml. The API key can
// be inline or named as an environment variable.
type ModelEntry struct {
	ID            string  `yaml:"id"`
	Provider      string  `yaml:"provider"`
	Model         string  `yaml:"model"`
	APIKey        string  `yaml:"api_key"`
	APIKeyEnv     string  `yaml:"api_key_env"`
	BaseURL       string  `yaml:"base_url"`
	MaxTokens     int     `yaml:"max_tokens"`
	ContextTokens int     `yaml:"context_tokens"`
	Temperature   float32 `yaml:"temperature"`
}

// SkillEntry selects one skill from the skills directory. When any
// entries are present, only the enabled ones are exposed to the model;
// an empty list exposes the whole registry. Name, when set, overrides
// the registry's display name.
type SkillEntry struct {
	Name    string `yaml:"name"`
	Slug    string `yaml:"slug"`
	Enabled bool   `yaml:"enabled"`
}

// MCPServerEntry is one inline MCP server definition. A disabled entry
// is skipped and also masks an mcp.json server of the same name.
type MCPServerEntry struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	Enabled bool     `yaml:"enabled"`
}

// AgentConfig is the agent's runtime configuration. Changes apply no
// later than the next run.
type AgentConfig struct {
	Models      []ModelEntry `yaml:"models"`
	ActiveModel string       `yaml:"active_model"`
	Rules       []string     `yaml:"rules"`
	Skills      []SkillEntry `yaml:"skills"`
	SkillsDir   string       `yaml:"skills_dir"`

	// MCP servers come from two sources: inline entries here and the
	// optional mcp.json file named by MCPConfig. Inline entries win on
	// name collisions.
	MCPServers []MCPServerEntry `yaml:"mcp_servers"`
	MCPConfig  string           `yaml:"mcp_config"`

	// MaxContextTokens caps the context window regardless of the active
	// model's own window. Zero means no cap.
	MaxContextTokens int `yaml:"max_context_tokens"`

	ListenAddr string `yaml:"listen_addr"`
}

// Load reads quarry.yaml from path. A missing file yields a usable
// default config built from environment variables alone.
func Load(path string) (*AgentConfig, error) {
	cfg := &AgentConfig{ListenAddr: ":8718"}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	for _, s := range cfg.MCPServers {
		// Prefixed tool names split server from tool on the first
		// underscore, so an underscore in the name would be ambiguous.
		if strings.Contains(s.Name, "_") {
			return nil, fmt.Errorf("config: mcp server name %q may not contain an underscore", s.Name)
		}
		if s.Enabled && s.Command == "" {
			return nil, fmt.Errorf("config: mcp server %q has no command", s.Name)
		}
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8718"
	}
	cfg.applyEnvDefaults()
	return cfg, nil
}

// applyEnvDefaults fills gaps from the environment: an implicit model
// from QUARRY_MODEL / QUARRY_API_KEY when none is configured, and key
// resolution for entries that name an env var.
func (c *AgentConfig) applyEnvDefaults() {
	if len(c.Models) == 0 {
		if model := os.Getenv("QUARRY_MODEL"); model != "" {
			c.Models = append(c.Models, ModelEntry{
				ID:       model,
				Provider: os.Getenv("QUARRY_PROVIDER"),
				Model:    model,
				APIKey:   os.Getenv("QUARRY_API_KEY"),
				BaseURL:  os.Getenv("QUARRY_BASE_URL"),
			})
		}
	}
	for i, m := range c.Models {
		if m.APIKey == "" && m.APIKeyEnv != "" {
			c.Models[i].APIKey = os.Getenv(m.APIKeyEnv)
		}
	}
	if c.ActiveModel == "" && len(c.Models) > 0 {
		c.ActiveModel = c.Models[0].ID
	}
}

// ModelConfig resolves a model id (or the active model when id is
// empty) into an adapter configuration.
func (c *AgentConfig) ModelConfig(id string) (llm.ModelConfig, error) {
	if id == "" {
		id = c.ActiveModel
	}
	if id == "" {
		return llm.ModelConfig{}, fmt.Errorf("config: no active model configured")
	}
	for _, m := range c.Models {
		if m.ID != id {
			continue
		}
		model := m.Model
		if model == "" {
			model = m.ID
		}
		return llm.ModelConfig{
			Provider:      strings.ToLower(m.Provider),
			Model:         model,
			APIKey:        m.APIKey,
			BaseURL:       m.BaseURL,
			MaxTokens:     m.MaxTokens,
			ContextTokens: m.ContextTokens,
			Temperature:   m.Temperature,
		}, nil
	}
	return llm.ModelConfig{}, fmt.Errorf("config: unknown model %q", id)
}
