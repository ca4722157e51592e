package llmwire

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance, giving access to every
// provider gollm knows about (groq, mistral, ollama and friends) through
// the same event model as the native adapters. Tool calling degrades to
// prompt-embedded JSON on providers without structured tool support.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
}

// GollmOption configures a GollmAdapter.
type GollmOption func(*gollmConfig)

type gollmConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithGollmAPIKey sets the API key. If empty, gollm reads it from the
// provider's conventional environment variable.
func WithGollmAPIKey(key string) GollmOption {
	return func(c *gollmConfig) { c.apiKey = key }
}

// WithGollmModel sets the default model.
func WithGollmModel(model string) GollmOption {
	return func(c *gollmConfig) { c.model = model }
}

// WithGollmMaxTokens sets the default max tokens.
func WithGollmMaxTokens(n int) GollmOption {
	return func(c *gollmConfig) { c.maxTokens = n }
}

// WithGollmTemperature sets the default temperature.
func WithGollmTemperature(t float64) GollmOption {
	return func(c *gollmConfig) { c.temperature = t }
}

// WithGollmOptions passes extra gollm configuration through.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmOption {
	return func(c *gollmConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// NewGollmAdapter creates an adapter backed by gollm for the given
// provider name.
func NewGollmAdapter(provider string, opts ...GollmOption) (*GollmAdapter, error) {
	cfg := &gollmConfig{maxTokens: 4096, temperature: 0.7}
	for _, opt := range opts {
		opt(cfg)
	}
	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // retries belong to the caller
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.model != "" {
		gollmOpts = append(gollmOpts, gollm.SetModel(cfg.model))
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, NewConfigurationError("creating gollm LLM for provider " + provider + ": " + err.Error())
	}
	return &GollmAdapter{provider: provider, llm: llm}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, llm: llm}
}

func (a *GollmAdapter) Name() string { return a.provider }

// Stream implements Adapter. When the underlying provider cannot stream,
// the full response is generated and emitted as a single delta.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt := a.translateRequest(req)
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != 0 {
		a.llm.SetOption("temperature", req.Temperature)
	}
	if req.MaxTokens != 0 {
		a.llm.SetOption("max_tokens", req.MaxTokens)
	}

	ch := make(chan StreamEvent, 64)

	if !a.llm.SupportsStreaming() {
		go func() {
			defer close(ch)
			text, err := a.llm.Generate(ctx, prompt)
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Err: a.translateError(err)}
				return
			}
			a.emitText(ch, text)
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()
		var full strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				ch <- StreamEvent{Type: StreamError, Err: a.translateError(err)}
				return
			}
			if token == nil {
				continue
			}
			full.WriteString(token.Text)
			ch <- StreamEvent{Type: ContentDelta, Delta: token.Text}
		}
		a.finish(ch, full.String())
	}()
	return ch, nil
}

// emitText emits a full response as one delta plus terminal events.
func (a *GollmAdapter) emitText(ch chan<- StreamEvent, text string) {
	calls := parseEmbeddedToolCalls(text)
	clean := stripEmbeddedToolCalls(text, calls)
	if clean != "" {
		ch <- StreamEvent{Type: ContentDelta, Delta: clean}
	}
	a.emitCalls(ch, calls)
}

// finish emits tool-call completions parsed from already-streamed text.
// The deltas for the JSON have been sent as content; callers that care
// about clean assistant text should accumulate via the completion events.
func (a *GollmAdapter) finish(ch chan<- StreamEvent, text string) {
	a.emitCalls(ch, parseEmbeddedToolCalls(text))
}

func (a *GollmAdapter) emitCalls(ch chan<- StreamEvent, calls []ToolCall) {
	for i := range calls {
		ch <- StreamEvent{Type: ToolCallComplete, Index: i, Name: calls[i].Name, ToolCall: &calls[i]}
	}
	reason := FinishStop
	if len(calls) > 0 {
		reason = FinishToolCalls
	}
	ch <- StreamEvent{Type: StreamEnd, FinishReason: reason}
}

// translateRequest flattens the message list into a gollm Prompt. gollm
// takes a single prompt string, so prior turns are replayed as labeled
// context lines.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	system, rest := splitSystem(req.Messages)

	var parts []string
	for _, msg := range rest {
		switch msg.Role {
		case RoleUser:
			parts = append(parts, msg.Content)
		case RoleAssistant:
			if msg.Content != "" {
				parts = append(parts, "[Assistant]: "+msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, "[Assistant called "+tc.Name+"]: "+string(tc.Arguments))
			}
		case RoleTool:
			parts = append(parts, "[Tool Result]: "+msg.Content)
		}
	}
	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if system != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != 0 {
		promptOpts = append(promptOpts, gollm.WithMaxLength(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}
	return gollm.NewPrompt(promptText, promptOpts...)
}

// parseEmbeddedToolCalls extracts tool calls gollm returns as JSON inside
// the response text.
func parseEmbeddedToolCalls(text string) []ToolCall {
	start := strings.Index(text, `[{"name"`)
	if start == -1 {
		return nil
	}
	var raw []struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(text[start:]), &raw); err != nil {
		return nil
	}
	calls := make([]ToolCall, 0, len(raw))
	for _, rc := range raw {
		args := rc.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		calls = append(calls, ToolCall{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      rc.Name,
			Arguments: args,
		})
	}
	return calls
}

func stripEmbeddedToolCalls(text string, calls []ToolCall) string {
	if len(calls) == 0 {
		return text
	}
	if idx := strings.Index(text, `[{"name"`); idx != -1 {
		return strings.TrimSpace(text[:idx])
	}
	return text
}

// translateError classifies gollm errors, which surface only as strings.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "invalid api key") || strings.Contains(lower, "403") ||
		strings.Contains(lower, "forbidden"):
		return NewAuthenticationError(a.provider, msg, http.StatusUnauthorized)
	case strings.Contains(lower, "429") || strings.Contains(lower, "rate limit"):
		return NewRateLimitError(a.provider, msg, 0)
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "connection"):
		return NewNetworkError(a.provider, msg, err)
	case strings.Contains(lower, "500") || strings.Contains(lower, "internal server"):
		return NewProviderError(a.provider, msg, http.StatusInternalServerError, err)
	default:
		return NewProviderError(a.provider, msg, 0, err)
	}
}
