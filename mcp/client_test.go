package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/ghbalf/freecad-ai/cadagent"
)

// fakeServer speaks just enough MCP to exercise the client: it answers
// initialize, tools/list, and tools/call over in-memory pipes.
func fakeServer(t *testing.T, tools []ToolInfo, call func(name string, args json.RawMessage) callResult) *Client {
	t.Helper()
	clientReads, serverWrites := io.Pipe()
	serverReads, clientWrites := io.Pipe()

	go func() {
		defer serverWrites.Close()
		scanner := bufio.NewScanner(serverReads)
		reply := func(id int64, result interface{}) {
			raw, _ := json.Marshal(result)
			resp, _ := json.Marshal(response{JSONRPC: "2.0", ID: id, Result: raw})
			serverWrites.Write(append(resp, '\n'))
		}
		for scanner.Scan() {
			var req struct {
				ID     int64           `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			switch req.Method {
			case "initialize":
				reply(req.ID, map[string]interface{}{"protocolVersion": protocolVersion})
			case "notifications/initialized":
				// No response to a notification.
			case "tools/list":
				reply(req.ID, listToolsResult{Tools: tools})
			case "tools/call":
				var params callToolParams
				json.Unmarshal(req.Params, &params)
				reply(req.ID, call(params.Name, params.Arguments))
			default:
				raw, _ := json.Marshal(response{JSONRPC: "2.0", ID: req.ID,
					Error: &rpcError{Code: codeMethodNotFound, Message: "unknown method " + req.Method}})
				serverWrites.Write(append(raw, '\n'))
			}
		}
	}()

	client := NewClientIO("ext", clientReads, clientWrites)
	t.Cleanup(func() { client.Close() })
	return client
}

var echoTools = []ToolInfo{
	{
		Name:        "lookup_material",
		Description: "Look up material properties.",
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"name": map[string]interface{}{"type": "string"}},
		},
	},
	{Name: "list_standards", Description: "List supported standards."},
}

func echoCall(name string, args json.RawMessage) callResult {
	return callResult{Content: []contentBlock{
		{Type: "text", Text: name + " got " + string(args)},
	}}
}

func TestClientConnectDiscoversTools(t *testing.T) {
	client := fakeServer(t, echoTools, echoCall)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tools := client.Tools()
	if len(tools) != 2 || tools[0].Name != "lookup_material" {
		t.Fatalf("tools = %+v", tools)
	}
}

func TestCallToolFlattensTextContent(t *testing.T) {
	client := fakeServer(t, echoTools, func(name string, args json.RawMessage) callResult {
		return callResult{Content: []contentBlock{
			{Type: "text", Text: "aluminum 6061"},
			{Type: "image", Text: "ignored"},
			{Type: "text", Text: "density 2.70 g/cm3"},
		}}
	})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	output, isError, err := client.CallTool(context.Background(), "lookup_material", json.RawMessage(`{"name":"al"}`))
	if err != nil || isError {
		t.Fatalf("CallTool: output=%q isError=%v err=%v", output, isError, err)
	}
	if output != "aluminum 6061\ndensity 2.70 g/cm3" {
		t.Errorf("output = %q", output)
	}
}

func TestCallToolReportsToolLevelError(t *testing.T) {
	client := fakeServer(t, echoTools, func(name string, args json.RawMessage) callResult {
		return callResult{
			Content: []contentBlock{{Type: "text", Text: "material not found"}},
			IsError: true,
		}
	})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	output, isError, err := client.CallTool(context.Background(), "lookup_material", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if !isError || output != "material not found" {
		t.Errorf("output=%q isError=%v", output, isError)
	}
}

func TestManagerRegistersNamespacedTools(t *testing.T) {
	client := fakeServer(t, echoTools, echoCall)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	manager := NewManager()
	manager.Add(client)

	reg := cadagent.NewToolRegistry()
	if err := manager.RegisterTools(reg); err != nil {
		t.Fatalf("RegisterTools: %v", err)
	}
	spec, err := reg.Resolve("ext__lookup_material")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !spec.ReadOnly {
		t.Error("external tools must skip the transactional wrap")
	}
	if !strings.HasPrefix(spec.Description, "[ext]") {
		t.Errorf("description = %q", spec.Description)
	}

	output, handlerErr := spec.Handler(context.Background(), json.RawMessage(`{"name":"steel"}`), nil)
	if handlerErr != nil {
		t.Fatalf("handler: %v", handlerErr)
	}
	if !strings.Contains(output, "lookup_material got") {
		t.Errorf("output = %q", output)
	}

	if !manager.Owns("ext__lookup_material") {
		t.Error("manager should own its namespaced tools")
	}
	if manager.Owns("create_primitive") {
		t.Error("built-in tools are not MCP tools")
	}
}

func TestManagerToolErrorFeedsBackAsFailure(t *testing.T) {
	client := fakeServer(t, echoTools, func(name string, args json.RawMessage) callResult {
		return callResult{Content: []contentBlock{{Type: "text", Text: "upstream rejected"}}, IsError: true}
	})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	manager := NewManager()
	manager.Add(client)
	reg := cadagent.NewToolRegistry()
	if err := manager.RegisterTools(reg); err != nil {
		t.Fatalf("RegisterTools: %v", err)
	}

	spec, _ := reg.Resolve("ext__list_standards")
	_, err := spec.Handler(context.Background(), nil, nil)
	if err == nil || !strings.Contains(err.Error(), "upstream rejected") {
		t.Errorf("err = %v", err)
	}
}

func TestTransportClosedFailsPendingCall(t *testing.T) {
	clientReads, serverWrites := io.Pipe()
	discarded, clientWrites := io.Pipe()
	go io.Copy(io.Discard, discarded)
	client := NewClientIO("dead", clientReads, clientWrites)

	done := make(chan error, 1)
	go func() {
		done <- client.Connect(context.Background())
	}()
	serverWrites.Close()
	if err := <-done; err == nil {
		t.Fatal("expected connect to fail once the stream ended")
	}
}
