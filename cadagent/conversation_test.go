package cadagent

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/ghbalf/freecad-ai/llmwire"
)

func filler(n int) string {
	return strings.Repeat("x", n)
}

func TestEstimateTokensTracksAppends(t *testing.T) {
	conv := NewConversation(HeuristicCounter{})
	if conv.EstimateTokens() != 0 {
		t.Fatalf("initial estimate = %d", conv.EstimateTokens())
	}
	conv.Append(llmwire.UserMessage(filler(400)))
	if got := conv.EstimateTokens(); got < 100 {
		t.Errorf("estimate = %d, want >= 100", got)
	}
}

func TestCompactionPreservesRecentAndSummarizes(t *testing.T) {
	conv := NewConversation(HeuristicCounter{}, WithKeepRecent(4))
	for i := 0; i < 12; i++ {
		conv.Append(llmwire.UserMessage(fmt.Sprintf("message %d %s", i, filler(400))))
	}
	recent := conv.History()[12-4:]
	threshold := 800 // below the ~1200 token estimate

	if !conv.CompactIfNeeded(threshold) {
		t.Fatal("compaction did not trigger")
	}
	history := conv.History()
	if len(history) != 5 { // 1 summary + 4 recent
		t.Fatalf("history length = %d, want 5", len(history))
	}
	if !isSummaryMessage(history[0]) {
		t.Errorf("first message is not a summary: %q", history[0].Content)
	}
	for i, msg := range history[1:] {
		if !reflect.DeepEqual(msg, recent[i]) {
			t.Errorf("recent message %d changed by compaction", i)
		}
	}
	if got := conv.EstimateTokens(); got >= threshold {
		t.Errorf("estimate after compaction = %d, want < %d", got, threshold)
	}
	if conv.CompactedThrough() != 8 {
		t.Errorf("compacted through = %d, want 8", conv.CompactedThrough())
	}
}

func TestCompactionIsIdempotent(t *testing.T) {
	conv := NewConversation(HeuristicCounter{}, WithKeepRecent(4))
	for i := 0; i < 12; i++ {
		conv.Append(llmwire.UserMessage(filler(400)))
	}
	if !conv.CompactIfNeeded(100) {
		t.Fatal("first compaction did not trigger")
	}
	after := conv.History()

	// Nothing new to compact: a second call must not change anything,
	// even if the recent tail alone still exceeds the threshold.
	conv.CompactIfNeeded(100)
	conv.CompactIfNeeded(100)
	if !reflect.DeepEqual(conv.History(), after) {
		t.Error("repeated compaction changed the history")
	}
}

func TestCompactionBelowThresholdIsNoop(t *testing.T) {
	conv := NewConversation(HeuristicCounter{})
	conv.Append(llmwire.UserMessage("short"))
	if conv.CompactIfNeeded(1000) {
		t.Error("compaction triggered below threshold")
	}
}

func TestCompactionNeverSplitsToolPairing(t *testing.T) {
	conv := NewConversation(HeuristicCounter{}, WithKeepRecent(2))
	conv.Append(llmwire.UserMessage(filler(800)))
	conv.Append(llmwire.Message{
		Role:    llmwire.RoleAssistant,
		Content: filler(200),
		ToolCalls: []llmwire.ToolCall{
			{ID: "a", Name: "create_primitive", Arguments: json.RawMessage(`{}`)},
			{ID: "b", Name: "measure", Arguments: json.RawMessage(`{}`)},
		},
	})
	conv.Append(llmwire.ToolResultMessage("a", filler(200)))
	conv.Append(llmwire.ToolResultMessage("b", filler(200)))
	conv.Append(llmwire.AssistantMessage("done"))

	// KeepRecent=2 would cut between the assistant call and its results;
	// the cut must move back to keep the pairing intact.
	if !conv.CompactIfNeeded(50) {
		t.Fatal("compaction did not trigger")
	}
	if err := ValidatePairing(conv.History()); err != nil {
		t.Errorf("pairing violated: %v", err)
	}
}

func TestSnapshotRestorePreservesStructure(t *testing.T) {
	conv := NewConversation(HeuristicCounter{})
	conv.Append(
		llmwire.UserMessage("make a box"),
		llmwire.Message{Role: llmwire.RoleAssistant, ToolCalls: []llmwire.ToolCall{
			{ID: "c1", Name: "create_primitive", Arguments: json.RawMessage(`{"shape":"box"}`)},
		}},
		llmwire.ToolResultMessage("c1", "ok"),
		llmwire.AssistantMessage("done"),
	)
	snap := conv.Snapshot()
	if snap.ID == "" || snap.CreatedAt.IsZero() {
		t.Fatalf("snapshot metadata missing: %+v", snap)
	}

	fresh := NewConversation(HeuristicCounter{})
	fresh.Restore(snap)
	if !reflect.DeepEqual(fresh.History(), conv.History()) {
		t.Error("restored history differs from original")
	}
	if fresh.EstimateTokens() != conv.EstimateTokens() {
		t.Errorf("token estimate differs: %d vs %d", fresh.EstimateTokens(), conv.EstimateTokens())
	}
	if err := ValidatePairing(fresh.History()); err != nil {
		t.Errorf("pairing after restore: %v", err)
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	conv := NewConversation(HeuristicCounter{})
	conv.Append(llmwire.UserMessage("one"))
	snap := conv.Snapshot()
	conv.Append(llmwire.UserMessage("two"))
	if len(snap.Messages) != 1 {
		t.Errorf("snapshot grew with the conversation: %d messages", len(snap.Messages))
	}
}

func TestValidatePairing(t *testing.T) {
	good := []llmwire.Message{
		llmwire.UserMessage("u"),
		{Role: llmwire.RoleAssistant, ToolCalls: []llmwire.ToolCall{{ID: "a", Name: "t", Arguments: json.RawMessage(`{}`)}}},
		llmwire.ToolResultMessage("a", "ok"),
	}
	if err := ValidatePairing(good); err != nil {
		t.Errorf("valid sequence rejected: %v", err)
	}

	orphan := []llmwire.Message{
		llmwire.UserMessage("u"),
		llmwire.ToolResultMessage("ghost", "ok"),
	}
	if err := ValidatePairing(orphan); err == nil {
		t.Error("orphan tool result accepted")
	}

	mismatched := []llmwire.Message{
		{Role: llmwire.RoleAssistant, ToolCalls: []llmwire.ToolCall{{ID: "a", Name: "t", Arguments: json.RawMessage(`{}`)}}},
		llmwire.ToolResultMessage("b", "ok"),
	}
	if err := ValidatePairing(mismatched); err == nil {
		t.Error("mismatched call id accepted")
	}
}

func TestHeuristicSummaryMentionsToolActivity(t *testing.T) {
	summary := HeuristicSummary([]llmwire.Message{
		llmwire.UserMessage("make a bracket"),
		{Role: llmwire.RoleAssistant, ToolCalls: []llmwire.ToolCall{
			{ID: "a", Name: "create_primitive", Arguments: json.RawMessage(`{}`)},
		}},
		llmwire.ToolResultMessage("a", "Created box"),
	})
	if !strings.HasPrefix(summary, summaryMarker) {
		t.Errorf("summary missing marker: %q", summary)
	}
	if !strings.Contains(summary, "create_primitive") {
		t.Errorf("summary missing tool name: %q", summary)
	}
}
