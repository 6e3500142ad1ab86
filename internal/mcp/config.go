// Package mcp connects the agent to MCP servers over stdio, exposing
// their tools under mcp_{server}_{tool} names.
package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ServerConfig describes one MCP server. Name comes from the map key
// in mcp.json, not from a JSON field.
type ServerConfig struct {
	Name    string
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

type configFile struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// LoadConfig reads and parses mcp.json. Server names may not contain
// an underscore: prefixed tool names split server from tool on the
// first underscore, so an underscore in the name would be ambiguous.
func LoadConfig(path string) (map[string]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mcp: read config %q: %w", path, err)
	}

	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("mcp: parse config %q: %w", path, err)
	}
	if file.MCPServers == nil {
		return map[string]ServerConfig{}, nil
	}

	for key, cfg := range file.MCPServers {
		if strings.Contains(key, "_") {
			return nil, fmt.Errorf("mcp: server name %q may not contain an underscore", key)
		}
		cfg.Name = key
		file.MCPServers[key] = cfg
	}
	return file.MCPServers, nil
}
