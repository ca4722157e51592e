package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Client is a connection to one MCP server. Connect performs the
// initialize handshake and discovers the server's tools; CallTool
// invokes one of them.
type Client struct {
	name string
	cmd  *exec.Cmd
	conn *conn

	tools     []ToolInfo
	connected bool
}

// NewClient prepares a client that will spawn the given server command
// on Connect. Extra environment entries are appended to the inherited
// environment.
func NewClient(name, command string, args, extraEnv []string) *Client {
	cmd := exec.Command(command, args...)
	cmd.Env = append(os.Environ(), extraEnv...)
	return &Client{name: name, cmd: cmd}
}

// NewClientIO attaches a client to an already-running server over the
// given streams, for in-process servers and tests.
func NewClientIO(name string, r io.Reader, w io.Writer) *Client {
	return &Client{name: name, conn: newConn(r, w)}
}

// Name returns the server name used to namespace its tools.
func (c *Client) Name() string { return c.name }

// Connected reports whether the handshake has completed.
func (c *Client) Connected() bool { return c.connected }

// Connect starts the server process if one is configured, performs the
// initialize handshake, and fetches the tool list.
func (c *Client) Connect(ctx context.Context) error {
	if c.cmd != nil && c.conn == nil {
		stdin, err := c.cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("server %q: %w", c.name, err)
		}
		stdout, err := c.cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("server %q: %w", c.name, err)
		}
		if err := c.cmd.Start(); err != nil {
			return fmt.Errorf("starting server %q: %w", c.name, err)
		}
		c.conn = newConn(stdout, stdin)
	}

	if _, err := c.conn.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo:      clientInfo{Name: "freecad-ai", Version: "0.1.0"},
	}); err != nil {
		return fmt.Errorf("initializing server %q: %w", c.name, err)
	}
	if err := c.conn.notify("notifications/initialized", nil); err != nil {
		return fmt.Errorf("server %q: %w", c.name, err)
	}

	raw, err := c.conn.call(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("listing tools on %q: %w", c.name, err)
	}
	var listed listToolsResult
	if err := json.Unmarshal(raw, &listed); err != nil {
		return fmt.Errorf("decoding tool list from %q: %w", c.name, err)
	}
	c.tools = listed.Tools
	c.connected = true
	return nil
}

// Tools returns the tools discovered at Connect time.
func (c *Client) Tools() []ToolInfo {
	out := make([]ToolInfo, len(c.tools))
	copy(out, c.tools)
	return out
}

// CallTool invokes a tool on the server and flattens its text content.
// isError reports a tool-level failure the model can recover from, as
// opposed to a transport error.
func (c *Client) CallTool(ctx context.Context, tool string, args json.RawMessage) (output string, isError bool, err error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	raw, err := c.conn.call(ctx, "tools/call", callToolParams{Name: tool, Arguments: args})
	if err != nil {
		return "", false, err
	}
	var result callResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", false, fmt.Errorf("decoding result of %q: %w", tool, err)
	}
	parts := make([]string, 0, len(result.Content))
	for _, block := range result.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n"), result.IsError, nil
}

// Close shuts the transport down and reaps the server process.
func (c *Client) Close() error {
	c.connected = false
	if c.conn != nil {
		c.conn.shutdown()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
	return nil
}
