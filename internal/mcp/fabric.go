package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/quarrydev/quarry/internal/llm"
	"github.com/quarrydev/quarry/internal/tool"
)

// Fabric owns every MCP connection and routes prefixed tool calls to
// the right server.
type Fabric struct {
	mu    sync.Mutex
	conns map[string]*Conn
}

// NewFabric creates an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{conns: make(map[string]*Conn)}
}

// ConnectAll connects to every configured server, best-effort: one
// failed server never blocks the others. Returns the number of ready
// connections and per-server errors.
func (f *Fabric) ConnectAll(ctx context.Context, configs map[string]ServerConfig) (int, []error) {
	type result struct {
		name string
		conn *Conn
		err  error
	}
	results := make([]result, 0, len(configs))
	for name, cfg := range configs {
		conn := NewConn(cfg)
		err := conn.Connect(ctx)
		if err != nil {
			log.Printf("[MCP] connect failed: %s: %v", name, err)
		} else {
			log.Printf("[MCP] connected: %s (%d tools)", name, len(conn.Tools()))
		}
		results = append(results, result{name: name, conn: conn, err: err})
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	connected := 0
	var errs []error
	for _, r := range results {
		// Failed connections are kept so CallTool can report their
		// status instead of "unknown server".
		f.conns[r.name] = r.conn
		if r.err != nil {
			errs = append(errs, fmt.Errorf("server %q: %w", r.name, r.err))
			continue
		}
		connected++
	}
	return connected, errs
}

// Tools returns every ready server's tools with prefixed names, for
// the model's tool catalog.
func (f *Fabric) Tools() []llm.ToolDefinition {
	f.mu.Lock()
	conns := make(map[string]*Conn, len(f.conns))
	for name, conn := range f.conns {
		conns[name] = conn
	}
	f.mu.Unlock()

	var defs []llm.ToolDefinition
	for name, conn := range conns {
		if conn.Status() != StatusReady {
			continue
		}
		for _, t := range conn.Tools() {
			defs = append(defs, llm.ToolDefinition{
				Name:        tool.MCPPrefix + name + "_" + t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			})
		}
	}
	return defs
}

// CallTool routes a prefixed tool name to its server. The server part
// is everything up to the first underscore after the prefix; server
// names cannot contain underscores, enforced at config load.
func (f *Fabric) CallTool(ctx context.Context, prefixedName string, args json.RawMessage) (string, error) {
	rest := strings.TrimPrefix(prefixedName, tool.MCPPrefix)
	if rest == prefixedName {
		return "", fmt.Errorf("mcp: %q is not an MCP tool name", prefixedName)
	}
	server, toolName, ok := strings.Cut(rest, "_")
	if !ok || server == "" || toolName == "" {
		return "", fmt.Errorf("mcp: malformed tool name %q", prefixedName)
	}

	f.mu.Lock()
	conn, exists := f.conns[server]
	f.mu.Unlock()
	if !exists {
		return "", fmt.Errorf("mcp: unknown server %q", server)
	}

	parsed := map[string]any{}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &parsed); err != nil {
			// Tolerate argument bytes that are not an object.
			parsed = map[string]any{"raw": string(args)}
		}
	}
	return conn.Call(ctx, toolName, parsed)
}

// Shutdown closes every connection. Idempotent.
func (f *Fabric) Shutdown() {
	f.mu.Lock()
	conns := make([]*Conn, 0, len(f.conns))
	for name, conn := range f.conns {
		conns = append(conns, conn)
		delete(f.conns, name)
	}
	f.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	if len(conns) > 0 {
		log.Printf("[MCP] all connections closed")
	}
}
