package llmwire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AnthropicAdapter speaks the Anthropic Messages streaming protocol:
// named SSE events delimiting typed content blocks, with tool arguments
// arriving as partial JSON inside input_json_delta frames.
type AnthropicAdapter struct {
	baseURL    string
	apiKey     string
	version    string
	httpClient *http.Client
}

// AnthropicOption configures an AnthropicAdapter.
type AnthropicOption func(*AnthropicAdapter)

// WithAnthropicBaseURL overrides the API endpoint.
func WithAnthropicBaseURL(u string) AnthropicOption {
	return func(a *AnthropicAdapter) { a.baseURL = strings.TrimRight(u, "/") }
}

// WithAnthropicHTTPClient replaces the transport, mainly for tests.
func WithAnthropicHTTPClient(c *http.Client) AnthropicOption {
	return func(a *AnthropicAdapter) { a.httpClient = c }
}

// NewAnthropicAdapter creates an adapter for the Anthropic wire protocol.
func NewAnthropicAdapter(apiKey string, opts ...AnthropicOption) *AnthropicAdapter {
	a := &AnthropicAdapter{
		baseURL:    "https://api.anthropic.com/v1",
		apiKey:     apiKey,
		version:    "2023-06-01",
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// encodeAnthropicRequest maps the flat message list onto Anthropic's block
// structure: assistant tool calls become tool_use blocks and tool results
// become tool_result blocks inside user messages.
func encodeAnthropicRequest(req Request) anthropicRequest {
	system, rest := splitSystem(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	out := anthropicRequest{
		Model:       req.Model,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
	for _, msg := range rest {
		switch msg.Role {
		case RoleAssistant:
			am := anthropicMessage{Role: "assistant"}
			if msg.Content != "" {
				am.Content = append(am.Content, anthropicContentBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Arguments
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				am.Content = append(am.Content, anthropicContentBlock{
					Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input,
				})
			}
			out.Messages = append(out.Messages, am)
		case RoleTool:
			block := anthropicContentBlock{Type: "tool_result", ToolUseID: msg.ToolCallID, Content: msg.Content}
			// Consecutive tool results fold into the preceding user message
			// so each assistant turn is answered by a single user turn.
			if n := len(out.Messages); n > 0 && out.Messages[n-1].Role == "user" &&
				len(out.Messages[n-1].Content) > 0 && out.Messages[n-1].Content[0].Type == "tool_result" {
				out.Messages[n-1].Content = append(out.Messages[n-1].Content, block)
				continue
			}
			out.Messages = append(out.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContentBlock{block},
			})
		default:
			out.Messages = append(out.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContentBlock{{Type: "text", Text: msg.Content}},
			})
		}
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Parameters,
		})
	}
	return out
}

// Stream implements Adapter.
func (a *AnthropicAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	body, err := json.Marshal(encodeAnthropicRequest(req))
	if err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("encoding request: %v", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("building request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", a.version)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewNetworkError(a.Name(), "request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, ErrorFromStatusCode(a.Name(), resp.StatusCode, string(payload))
	}

	events := make(chan StreamEvent)
	go a.consume(ctx, resp.Body, events)
	return events, nil
}

type anthropicStreamFrame struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	ContentBlock struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *AnthropicAdapter) consume(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
	defer close(events)
	defer body.Close()

	emit := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		emit(StreamEvent{Type: StreamError, Err: err})
	}

	pending := make(map[int]*toolCallBuffer)
	finish := FinishStop
	sawToolUse := false

	scanner := newSSEScanner(body)
	for {
		if ctx.Err() != nil {
			fail(NewNetworkError(a.Name(), "stream cancelled", ctx.Err()))
			return
		}
		ev, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			fail(NewNetworkError(a.Name(), "reading stream", err))
			return
		}
		if ev.Name == "ping" || ev.Data == "" {
			continue
		}
		var frame anthropicStreamFrame
		if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
			fail(NewProviderError(a.Name(), "malformed stream frame", 0, err))
			return
		}
		switch frame.Type {
		case "content_block_start":
			if frame.ContentBlock.Type == "tool_use" {
				sawToolUse = true
				pending[frame.Index] = &toolCallBuffer{
					id:   frame.ContentBlock.ID,
					name: frame.ContentBlock.Name,
				}
				if !emit(StreamEvent{Type: ToolCallDelta, Index: frame.Index, Name: frame.ContentBlock.Name}) {
					return
				}
			}
		case "content_block_delta":
			switch frame.Delta.Type {
			case "text_delta":
				if !emit(StreamEvent{Type: ContentDelta, Delta: frame.Delta.Text}) {
					return
				}
			case "thinking_delta":
				if !emit(StreamEvent{Type: ReasoningDelta, Delta: frame.Delta.Thinking}) {
					return
				}
			case "input_json_delta":
				if buf, ok := pending[frame.Index]; ok {
					buf.args.WriteString(frame.Delta.PartialJSON)
					if !emit(StreamEvent{
						Type:         ToolCallDelta,
						Index:        frame.Index,
						Name:         buf.name,
						ArgsFragment: frame.Delta.PartialJSON,
					}) {
						return
					}
				}
			}
		case "content_block_stop":
			buf, ok := pending[frame.Index]
			if !ok {
				continue
			}
			delete(pending, frame.Index)
			args := buf.args.String()
			if args == "" {
				args = "{}"
			}
			if !json.Valid([]byte(args)) {
				fail(NewProviderError(a.Name(), fmt.Sprintf("malformed tool call arguments for %q", buf.name), 0, nil))
				return
			}
			call := &ToolCall{ID: buf.id, Name: buf.name, Arguments: json.RawMessage(args)}
			if !emit(StreamEvent{Type: ToolCallComplete, Index: frame.Index, Name: buf.name, ToolCall: call}) {
				return
			}
		case "message_delta":
			switch frame.Delta.StopReason {
			case "tool_use":
				finish = FinishToolCalls
			case "max_tokens":
				finish = FinishLength
			case "end_turn":
				finish = FinishStop
			}
		case "message_stop":
			// Terminal frame; fall through to StreamEnd below.
		case "error":
			fail(NewProviderError(a.Name(), frame.Error.Message, 0, nil))
			return
		}
	}

	if finish == FinishStop && sawToolUse {
		finish = FinishToolCalls
	}
	emit(StreamEvent{Type: StreamEnd, FinishReason: finish})
}
