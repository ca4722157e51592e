// Package llmwire normalizes heterogeneous streaming LLM wire protocols
// into a single internal event model behind one provider-agnostic client.
package llmwire

import (
	"encoding/json"
	"strings"
)

// Role identifies who produced a message in a conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model-requested structured operation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is the fundamental unit of conversation. ToolCalls is present
// only on assistant messages; ToolCallID only on tool-result messages,
// where it must match a ToolCall in the immediately preceding assistant
// message.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// SystemMessage creates a system Message.
func SystemMessage(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// UserMessage creates a user Message.
func UserMessage(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// AssistantMessage creates an assistant Message with text content.
func AssistantMessage(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// ToolResultMessage creates a tool-result Message paired to a prior call.
func ToolResultMessage(toolCallID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: toolCallID}
}

// ToolDecl is the serializable description of a tool sent to the provider.
type ToolDecl struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Request is the input to a streaming call.
type Request struct {
	Model       string     `json:"model"`
	Messages    []Message  `json:"messages"`
	Provider    string     `json:"provider,omitempty"`
	Tools       []ToolDecl `json:"tools,omitempty"`
	MaxTokens   int        `json:"max_tokens,omitempty"`
	Temperature float64    `json:"temperature,omitempty"`
}

// splitSystem separates leading/interleaved system messages (concatenated
// into one system string) from the rest of the conversation. Both wire
// styles carry the system prompt out of band.
func splitSystem(messages []Message) (string, []Message) {
	var system strings.Builder
	rest := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(msg.Content)
			continue
		}
		rest = append(rest, msg)
	}
	return system.String(), rest
}

// FinishReason describes why a stream ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
)

// EventType identifies the kind of stream event.
type EventType string

const (
	// ContentDelta carries a fragment of assistant text in Delta.
	ContentDelta EventType = "content_delta"
	// ReasoningDelta carries a fragment of the optional thinking channel.
	ReasoningDelta EventType = "reasoning_delta"
	// ToolCallDelta carries a partial tool call: Index identifies the slot,
	// Name may be set once known, ArgsFragment is a piece of the argument
	// JSON to be concatenated with earlier fragments for the same index.
	ToolCallDelta EventType = "tool_call_delta"
	// ToolCallComplete marks an index's boundary; ToolCall holds the fully
	// parsed call.
	ToolCallComplete EventType = "tool_call_complete"
	// StreamEnd terminates the sequence with a FinishReason.
	StreamEnd EventType = "stream_end"
	// StreamError terminates the sequence early; Err is classified
	// (NetworkError, ProviderError).
	StreamError EventType = "stream_error"
)

// StreamEvent is a single event from a streaming response. The sequence a
// provider adapter produces is finite and non-restartable: it ends with
// exactly one StreamEnd or StreamError, after which the channel is closed.
type StreamEvent struct {
	Type         EventType    `json:"type"`
	Delta        string       `json:"delta,omitempty"`
	Index        int          `json:"index,omitempty"`
	Name         string       `json:"name,omitempty"`
	ArgsFragment string       `json:"args_fragment,omitempty"`
	ToolCall     *ToolCall    `json:"tool_call,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Err          error        `json:"-"`
}
