package llmwire

import "strings"

// StreamAccumulator folds a stream of events into the final assistant
// message. Callers that render deltas live feed each event through Add
// and read the result when the terminal event arrives.
type StreamAccumulator struct {
	content   strings.Builder
	reasoning strings.Builder
	calls     []ToolCall
	finish    FinishReason
	err       error
	done      bool
}

// NewStreamAccumulator creates an empty accumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{}
}

// Add folds one event into the accumulator and reports whether the stream
// has reached its terminal event.
func (a *StreamAccumulator) Add(ev StreamEvent) bool {
	switch ev.Type {
	case ContentDelta:
		a.content.WriteString(ev.Delta)
	case ReasoningDelta:
		a.reasoning.WriteString(ev.Delta)
	case ToolCallComplete:
		if ev.ToolCall != nil {
			a.calls = append(a.calls, *ev.ToolCall)
		}
	case StreamEnd:
		a.finish = ev.FinishReason
		a.done = true
	case StreamError:
		a.err = ev.Err
		a.finish = FinishError
		a.done = true
	}
	return a.done
}

// Done reports whether a terminal event has been seen.
func (a *StreamAccumulator) Done() bool { return a.done }

// Err returns the stream error, if the stream ended with one.
func (a *StreamAccumulator) Err() error { return a.err }

// FinishReason returns the terminal finish reason.
func (a *StreamAccumulator) FinishReason() FinishReason { return a.finish }

// Reasoning returns the accumulated thinking text.
func (a *StreamAccumulator) Reasoning() string { return a.reasoning.String() }

// ToolCalls returns the completed tool calls in arrival order.
func (a *StreamAccumulator) ToolCalls() []ToolCall { return a.calls }

// Message builds the assistant message accumulated so far. Partial tool
// calls (deltas without a completion) are never included, so a message
// built from a failed or cancelled stream contains only text.
func (a *StreamAccumulator) Message() Message {
	return Message{
		Role:      RoleAssistant,
		Content:   a.content.String(),
		ToolCalls: a.calls,
	}
}

// Drain consumes the channel to completion and returns the accumulated
// message. The stream error, if any, is returned alongside whatever text
// arrived before the failure.
func Drain(events <-chan StreamEvent) (Message, FinishReason, error) {
	acc := NewStreamAccumulator()
	for ev := range events {
		if acc.Add(ev) {
			break
		}
	}
	return acc.Message(), acc.finish, acc.err
}
