package cadagent

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/ghbalf/freecad-ai/llmwire"
)

// TokenCounter estimates how many tokens a piece of text costs against
// the model's context window.
type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter approximates tokens as len/4, the conventional
// estimate for English prose and code. It is deterministic and never
// fails, so it is the compaction baseline.
type HeuristicCounter struct{}

func (HeuristicCounter) Count(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// TiktokenCounter counts with a real BPE vocabulary when one is
// available for the model.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// NewTokenCounter returns a TiktokenCounter for models tiktoken knows,
// falling back to the heuristic otherwise. The fallback also covers
// environments where the vocabulary files cannot be loaded.
func NewTokenCounter(model string) TokenCounter {
	if model != "" {
		if enc, err := tiktoken.EncodingForModel(model); err == nil {
			return &TiktokenCounter{enc: enc}
		}
	}
	return HeuristicCounter{}
}

// messageTokens estimates the cost of one message including its tool
// call payloads.
func messageTokens(counter TokenCounter, msg llmwire.Message) int {
	total := counter.Count(msg.Content) + 4 // role and framing overhead
	for _, tc := range msg.ToolCalls {
		total += counter.Count(tc.Name) + counter.Count(string(tc.Arguments))
	}
	return total
}
