package llmwire

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// OpenAIAdapter speaks the OpenAI chat-completions streaming protocol:
// choice/delta SSE frames terminated by a "[DONE]" sentinel. It also
// serves any OpenAI-compatible endpoint (local runtimes, proxies) via a
// custom base URL and adapter name.
type OpenAIAdapter struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// OpenAIOption configures an OpenAIAdapter.
type OpenAIOption func(*OpenAIAdapter)

// WithOpenAIBaseURL overrides the API endpoint.
func WithOpenAIBaseURL(u string) OpenAIOption {
	return func(a *OpenAIAdapter) { a.baseURL = strings.TrimRight(u, "/") }
}

// WithOpenAIHTTPClient replaces the transport, mainly for tests.
func WithOpenAIHTTPClient(c *http.Client) OpenAIOption {
	return func(a *OpenAIAdapter) { a.httpClient = c }
}

// WithOpenAIName renames the adapter, for registering several
// OpenAI-compatible endpoints side by side.
func WithOpenAIName(name string) OpenAIOption {
	return func(a *OpenAIAdapter) { a.name = name }
}

// NewOpenAIAdapter creates an adapter for the OpenAI wire protocol.
func NewOpenAIAdapter(apiKey string, opts ...OpenAIOption) *OpenAIAdapter {
	a := &OpenAIAdapter{
		name:       "openai",
		baseURL:    "https://api.openai.com/v1",
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *OpenAIAdapter) Name() string { return a.name }

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Stream      bool            `json:"stream"`
	Tools       []openAITool    `json:"tools,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openAITool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Parameters  map[string]interface{} `json:"parameters"`
	} `json:"function"`
}

func encodeOpenAIRequest(req Request) openAIRequest {
	out := openAIRequest{
		Model:       req.Model,
		Stream:      true,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, msg := range req.Messages {
		om := openAIMessage{Role: string(msg.Role), Content: msg.Content, ToolCallID: msg.ToolCallID}
		for _, tc := range msg.ToolCalls {
			otc := openAIToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = string(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out.Messages = append(out.Messages, om)
	}
	for _, tool := range req.Tools {
		var ot openAITool
		ot.Type = "function"
		ot.Function.Name = tool.Name
		ot.Function.Description = tool.Description
		ot.Function.Parameters = tool.Parameters
		out.Tools = append(out.Tools, ot)
	}
	return out
}

// openAIChunk is one streamed completion frame.
type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Stream implements Adapter.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	body, err := json.Marshal(encodeOpenAIRequest(req))
	if err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("encoding request: %v", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("building request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if a.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewNetworkError(a.name, "request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, ErrorFromStatusCode(a.name, resp.StatusCode, string(payload))
	}

	events := make(chan StreamEvent)
	go a.consume(ctx, resp.Body, events)
	return events, nil
}

// toolCallBuffer accumulates argument fragments for one tool-call index
// until the stream seals it.
type toolCallBuffer struct {
	id   string
	name string
	args strings.Builder
}

func (a *OpenAIAdapter) consume(ctx context.Context, body io.ReadCloser, events chan<- StreamEvent) {
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

	// flush parses every buffered tool call and emits completion events in
	// index order. A buffer with unparseable arguments poisons the stream.
	flush := func() bool {
		indexes := make([]int, 0, len(pending))
		for idx := range pending {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			buf := pending[idx]
			args := buf.args.String()
			if args == "" {
				args = "{}"
			}
			if !json.Valid([]byte(args)) {
				fail(NewProviderError(a.name, fmt.Sprintf("malformed tool call arguments for %q", buf.name), 0, nil))
				return false
			}
			call := &ToolCall{ID: buf.id, Name: buf.name, Arguments: json.RawMessage(args)}
			if !emit(StreamEvent{Type: ToolCallComplete, Index: idx, Name: buf.name, ToolCall: call}) {
				return false
			}
			delete(pending, idx)
		}
		return true
	}

	scanner := newSSEScanner(body)
	for {
		if ctx.Err() != nil {
			fail(NewNetworkError(a.name, "stream cancelled", ctx.Err()))
			return
		}
		ev, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			fail(NewNetworkError(a.name, "reading stream", err))
			return
		}
		if ev.Data == "[DONE]" {
			break
		}
		var chunk openAIChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			fail(NewProviderError(a.name, "malformed stream chunk", 0, err))
			return
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			if !emit(StreamEvent{Type: ContentDelta, Delta: choice.Delta.Content}) {
				return
			}
		}
		if choice.Delta.ReasoningContent != "" {
			if !emit(StreamEvent{Type: ReasoningDelta, Delta: choice.Delta.ReasoningContent}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			buf, ok := pending[tc.Index]
			if !ok {
				buf = &toolCallBuffer{}
				pending[tc.Index] = buf
			}
			if tc.ID != "" {
				buf.id = tc.ID
			}
			if tc.Function.Name != "" {
				buf.name = tc.Function.Name
			}
			buf.args.WriteString(tc.Function.Arguments)
			if !emit(StreamEvent{
				Type:         ToolCallDelta,
				Index:        tc.Index,
				Name:         tc.Function.Name,
				ArgsFragment: tc.Function.Arguments,
			}) {
				return
			}
		}
		switch choice.FinishReason {
		case "tool_calls":
			finish = FinishToolCalls
		case "length":
			finish = FinishLength
		case "stop":
			finish = FinishStop
		}
	}

	if len(pending) > 0 {
		finish = FinishToolCalls
		if !flush() {
			return
		}
	}
	emit(StreamEvent{Type: StreamEnd, FinishReason: finish})
}
