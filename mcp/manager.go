package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ghbalf/freecad-ai/cadagent"
)

// ServerConfig describes one external MCP server to connect to.
type ServerConfig struct {
	Name     string
	Command  string
	Args     []string
	Env      []string
	Disabled bool
}

// Manager owns the MCP client connections and registers their tools
// into a ToolRegistry under namespaced names (server__tool).
type Manager struct {
	mu      sync.Mutex
	clients map[string]*Client
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{clients: make(map[string]*Client)}
}

// ConnectAll connects every enabled server. A server that fails to
// connect is logged and skipped; the rest still come up.
func (m *Manager) ConnectAll(ctx context.Context, configs []ServerConfig) {
	for _, cfg := range configs {
		if cfg.Disabled || cfg.Name == "" {
			continue
		}
		client := NewClient(cfg.Name, cfg.Command, cfg.Args, cfg.Env)
		if err := client.Connect(ctx); err != nil {
			slog.Warn("mcp server unavailable", "server", cfg.Name, "error", err)
			client.Close()
			continue
		}
		m.Add(client)
	}
}

// Add adopts an already-connected client.
func (m *Manager) Add(client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[client.Name()] = client
}

// Servers returns the names of connected servers.
func (m *Manager) Servers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	return names
}

// Owns reports whether a tool name belongs to a connected server.
func (m *Manager) Owns(tool string) bool {
	server, _, found := strings.Cut(tool, "__")
	if !found {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.clients[server]
	return ok
}

// RegisterTools registers every discovered tool into reg. MCP tools
// never touch the document, so they are registered read-only and skip
// the transactional wrap.
func (m *Manager) RegisterTools(reg *cadagent.ToolRegistry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for server, client := range m.clients {
		if !client.Connected() {
			continue
		}
		for _, info := range client.Tools() {
			schema := info.InputSchema
			if schema == nil {
				schema = map[string]interface{}{"type": "object"}
			}
			spec := cadagent.ToolSpec{
				Name:        server + "__" + info.Name,
				Description: fmt.Sprintf("[%s] %s", server, info.Description),
				Parameters:  schema,
				ReadOnly:    true,
				Handler:     m.makeHandler(client, info.Name),
			}
			if err := reg.Register(spec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) makeHandler(client *Client, tool string) cadagent.ToolHandler {
	return func(ctx context.Context, args json.RawMessage, _ cadagent.Document) (string, error) {
		output, isError, err := client.CallTool(ctx, tool, args)
		if err != nil {
			return "", err
		}
		if isError {
			return "", fmt.Errorf("%s", output)
		}
		return output, nil
	}
}

// Close disconnects every client.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, client := range m.clients {
		if err := client.Close(); err != nil {
			slog.Warn("closing mcp client", "server", name, "error", err)
		}
		delete(m.clients, name)
	}
	return nil
}
