package cadagent

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghbalf/freecad-ai/llmwire"
)

// summaryMarker opens every compaction summary message.
const summaryMarker = "[Conversation summary]"

// DefaultKeepRecent is how many most-recent messages compaction preserves
// verbatim.
const DefaultKeepRecent = 6

// Summarizer condenses a run of messages into one summary text. The
// default is a deterministic heuristic; a model-backed summarizer can be
// plugged in where fidelity matters more than reproducibility.
type Summarizer func(messages []llmwire.Message) string

// Conversation is the ordered message history with incremental token
// accounting and budget-driven compaction. Messages are never reordered;
// append order is causal order.
type Conversation struct {
	mu         sync.Mutex
	messages   []llmwire.Message
	tokens     int
	compacted  int // count of original messages folded into summaries
	keepRecent int
	counter    TokenCounter
	summarize  Summarizer
}

// ConversationOption configures a Conversation.
type ConversationOption func(*Conversation)

// WithKeepRecent overrides how many recent messages compaction keeps.
func WithKeepRecent(k int) ConversationOption {
	return func(c *Conversation) {
		if k > 0 {
			c.keepRecent = k
		}
	}
}

// WithSummarizer replaces the default heuristic summarizer.
func WithSummarizer(s Summarizer) ConversationOption {
	return func(c *Conversation) { c.summarize = s }
}

// NewConversation creates an empty conversation.
func NewConversation(counter TokenCounter, opts ...ConversationOption) *Conversation {
	if counter == nil {
		counter = HeuristicCounter{}
	}
	c := &Conversation{
		keepRecent: DefaultKeepRecent,
		counter:    counter,
		summarize:  HeuristicSummary,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append adds messages in order, updating the running token estimate.
func (c *Conversation) Append(msgs ...llmwire.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, msg := range msgs {
		c.messages = append(c.messages, msg)
		c.tokens += messageTokens(c.counter, msg)
	}
}

// History returns a copy of the ordered messages.
func (c *Conversation) History() []llmwire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llmwire.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of stored messages.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// EstimateTokens returns the running token estimate.
func (c *Conversation) EstimateTokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

// CompactedThrough returns how many original messages have been folded
// into summaries so far.
func (c *Conversation) CompactedThrough() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compacted
}

// CompactIfNeeded replaces the oldest run of messages with one summary
// message when the token estimate exceeds threshold. The most recent
// keepRecent messages are preserved byte-identical, and the cut never
// splits a tool call from its results. Calling again with nothing new to
// compact is a no-op.
func (c *Conversation) CompactIfNeeded(threshold int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if threshold <= 0 || c.tokens <= threshold {
		return false
	}
	cut := len(c.messages) - c.keepRecent
	// Tool results must stay adjacent to the assistant message that
	// requested them.
	for cut > 0 && c.messages[cut].Role == llmwire.RoleTool {
		cut--
	}
	if cut <= 0 {
		return false
	}
	if cut == 1 && isSummaryMessage(c.messages[0]) {
		return false
	}

	summary := llmwire.UserMessage(c.summarize(c.messages[:cut]))
	rest := c.messages[cut:]
	c.messages = append([]llmwire.Message{summary}, rest...)
	c.compacted += cut
	c.recountTokensLocked()
	return true
}

func (c *Conversation) recountTokensLocked() {
	c.tokens = 0
	for _, msg := range c.messages {
		c.tokens += messageTokens(c.counter, msg)
	}
}

func isSummaryMessage(msg llmwire.Message) bool {
	return msg.Role == llmwire.RoleUser && strings.HasPrefix(msg.Content, summaryMarker)
}

// Snapshot captures the conversation as an immutable Session.
func (c *Conversation) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := make([]llmwire.Message, len(c.messages))
	copy(msgs, c.messages)
	return Session{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Messages:  msgs,
	}
}

// Restore replaces the conversation contents with a stored session,
// preserving message order and tool linkage exactly.
func (c *Conversation) Restore(s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = make([]llmwire.Message, len(s.Messages))
	copy(c.messages, s.Messages)
	c.compacted = 0
	c.recountTokensLocked()
}

// ValidatePairing checks the tool linkage invariant: every tool-result
// message references a tool call in the immediately preceding assistant
// message.
func ValidatePairing(messages []llmwire.Message) error {
	for i, msg := range messages {
		if msg.Role != llmwire.RoleTool {
			continue
		}
		// Walk back over sibling results to the owning assistant message.
		j := i - 1
		for j >= 0 && messages[j].Role == llmwire.RoleTool {
			j--
		}
		if j < 0 || messages[j].Role != llmwire.RoleAssistant {
			return fmt.Errorf("tool result at index %d has no preceding assistant message", i)
		}
		found := false
		for _, tc := range messages[j].ToolCalls {
			if tc.ID == msg.ToolCallID {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("tool result at index %d references unknown call %q", i, msg.ToolCallID)
		}
	}
	return nil
}

// HeuristicSummary is the default deterministic summarizer: a compact
// transcript of roles, leading text, and tool activity.
func HeuristicSummary(messages []llmwire.Message) string {
	var b strings.Builder
	b.WriteString(summaryMarker)
	fmt.Fprintf(&b, "\nThe %d earlier messages were condensed:\n", len(messages))
	for _, msg := range messages {
		if isSummaryMessage(msg) {
			// Fold a prior summary in without its framing lines.
			lines := strings.SplitN(msg.Content, "\n", 3)
			if len(lines) == 3 {
				b.WriteString(lines[2])
				if !strings.HasSuffix(lines[2], "\n") {
					b.WriteString("\n")
				}
			}
			continue
		}
		line := strings.TrimSpace(msg.Content)
		if len(line) > 120 {
			line = line[:120] + "..."
		}
		switch {
		case msg.Role == llmwire.RoleAssistant && len(msg.ToolCalls) > 0:
			names := make([]string, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				names[i] = tc.Name
			}
			fmt.Fprintf(&b, "- assistant called %s\n", strings.Join(names, ", "))
		case msg.Role == llmwire.RoleTool:
			fmt.Fprintf(&b, "- tool result: %s\n", line)
		default:
			fmt.Fprintf(&b, "- %s: %s\n", msg.Role, line)
		}
	}
	return b.String()
}
