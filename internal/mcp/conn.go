package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	sdk_client "github.com/mark3labs/mcp-go/client"
	sdk_mcp "github.com/mark3labs/mcp-go/mcp"
)

// protocolVersion is the MCP protocol revision spoken to servers.
const protocolVersion = "2024-11-05"

const (
	// handshakeTimeout bounds initialize and tools/list.
	handshakeTimeout = 10 * time.Second
	// callTimeout bounds a single tools/call.
	callTimeout = 30 * time.Second
)

// Status is a connection's lifecycle state.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
	StatusClosed     Status = "closed"
)

// ToolInfo is one tool exposed by a server.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Conn is one stdio connection to an MCP server. State changes are
// guarded by mu; network I/O happens outside the lock.
type Conn struct {
	cfg ServerConfig

	mu      sync.Mutex
	status  Status
	inner   sdk_client.MCPClient
	tools   []ToolInfo
	lastErr error
}

// NewConn creates an unconnected Conn in the connecting state.
func NewConn(cfg ServerConfig) *Conn {
	return &Conn{cfg: cfg, status: StatusConnecting}
}

// Status returns the current lifecycle state.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastError returns the failure that moved the connection into the
// error state, if any.
func (c *Conn) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Tools returns the tool list discovered during Connect.
func (c *Conn) Tools() []ToolInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolInfo, len(c.tools))
	copy(out, c.tools)
	return out
}

// Connect spawns the server process, performs the initialize
// handshake, and lists its tools. Any failure kills the process and
// leaves the connection in the error state.
func (c *Conn) Connect(ctx context.Context) error {
	inner, err := sdk_client.NewStdioMCPClient(c.cfg.Command, c.cfg.Env, c.cfg.Args...)
	if err != nil {
		c.fail(err)
		return fmt.Errorf("mcp: start server %q: %w", c.cfg.Name, err)
	}

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	_, err = inner.Initialize(hsCtx, sdk_mcp.InitializeRequest{
		Params: sdk_mcp.InitializeParams{
			ProtocolVersion: protocolVersion,
			ClientInfo: sdk_mcp.Implementation{
				Name:    "quarry",
				Version: "0.1.0",
			},
		},
	})
	if err != nil {
		_ = inner.Close()
		c.fail(err)
		return fmt.Errorf("mcp: initialize server %q: %w", c.cfg.Name, err)
	}

	listCtx, cancelList := context.WithTimeout(ctx, handshakeTimeout)
	defer cancelList()

	result, err := inner.ListTools(listCtx, sdk_mcp.ListToolsRequest{})
	if err != nil {
		_ = inner.Close()
		c.fail(err)
		return fmt.Errorf("mcp: list tools %q: %w", c.cfg.Name, err)
	}

	tools := make([]ToolInfo, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage(`{}`)
		}
		tools = append(tools, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}

	c.mu.Lock()
	c.inner = inner
	c.tools = tools
	c.status = StatusReady
	c.mu.Unlock()
	return nil
}

// Call invokes a tool on this connection. Rejected unless ready.
func (c *Conn) Call(ctx context.Context, tool string, args map[string]any) (string, error) {
	c.mu.Lock()
	inner := c.inner
	status := c.status
	c.mu.Unlock()

	if status != StatusReady {
		return "", fmt.Errorf("mcp: server %q is not ready (status %s)", c.cfg.Name, status)
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	req := sdk_mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	result, err := inner.CallTool(callCtx, req)
	if err != nil {
		return "", fmt.Errorf("mcp: call %q on %q: %w", tool, c.cfg.Name, err)
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(sdk_mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		} else if data, err := json.Marshal(content); err == nil {
			parts = append(parts, string(data))
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		return "", fmt.Errorf("mcp: tool %q returned error: %s", tool, text)
	}
	return text, nil
}

// Close terminates the connection. Safe to call repeatedly.
func (c *Conn) Close() {
	c.mu.Lock()
	inner := c.inner
	c.inner = nil
	c.status = StatusClosed
	c.mu.Unlock()
	if inner != nil {
		_ = inner.Close()
	}
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	c.status = StatusError
	c.lastErr = err
	c.mu.Unlock()
}
