package cadagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ghbalf/freecad-ai/llmwire"
)

// scriptedLM replays one event sequence per model call.
type scriptedLM struct {
	script func(call int) []llmwire.StreamEvent
	calls  int32
}

func (s *scriptedLM) Name() string { return "mock" }

func (s *scriptedLM) Stream(ctx context.Context, req llmwire.Request) (<-chan llmwire.StreamEvent, error) {
	call := int(atomic.AddInt32(&s.calls, 1)) - 1
	events := s.script(call)
	ch := make(chan llmwire.StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func assistantText(text string) []llmwire.StreamEvent {
	return []llmwire.StreamEvent{
		{Type: llmwire.ContentDelta, Delta: text},
		{Type: llmwire.StreamEnd, FinishReason: llmwire.FinishStop},
	}
}

func assistantToolCall(id, name, args string) []llmwire.StreamEvent {
	tc := llmwire.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
	return []llmwire.StreamEvent{
		{Type: llmwire.ToolCallComplete, Index: 0, Name: name, ToolCall: &tc},
		{Type: llmwire.StreamEnd, FinishReason: llmwire.FinishToolCalls},
	}
}

func testConfig() Config {
	return Config{
		Provider:           "mock",
		Model:              "test-model",
		MaxTokens:          512,
		ContextWindow:      128000,
		CompactionFraction: 0.7,
		KeepRecent:         6,
		MaxIterations:      20,
		RetryBudget:        3,
		ToolTimeout:        time.Second,
	}
}

func newTestAgent(t *testing.T, cfg Config, lm *scriptedLM, opts ...AgentOption) (*Agent, *MemDocument) {
	t.Helper()
	client := llmwire.NewClient(llmwire.WithAdapter(lm), llmwire.WithDefaultProvider("mock"))
	doc := NewMemDocument("Test")
	opts = append(opts, WithRetryPolicy(llmwire.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}))
	agent, err := NewAgent(cfg, client, doc, nil, opts...)
	if err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	t.Cleanup(func() { agent.Close() })
	return agent, doc
}

func TestTurnCreateCubeScenario(t *testing.T) {
	lm := &scriptedLM{script: func(call int) []llmwire.StreamEvent {
		if call == 0 {
			return assistantToolCall("c1", "create_primitive", `{"shape":"box","length":10,"width":10,"height":10}`)
		}
		return assistantText("Created a 10mm cube.")
	}}
	agent, doc := newTestAgent(t, testConfig(), lm)

	result := agent.Run(context.Background(), "Create a box 10x10x10")
	if result.State != StateCompleted {
		t.Fatalf("state = %s, err = %v", result.State, result.Err)
	}
	if result.Output != "Created a 10mm cube." {
		t.Errorf("output = %q", result.Output)
	}

	history := agent.History()
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	if history[0].Role != llmwire.RoleUser ||
		history[1].Role != llmwire.RoleAssistant || len(history[1].ToolCalls) != 1 ||
		history[2].Role != llmwire.RoleTool || history[2].ToolCallID != "c1" ||
		history[3].Role != llmwire.RoleAssistant {
		t.Errorf("unexpected message shape: %+v", history)
	}
	if err := ValidatePairing(history); err != nil {
		t.Errorf("pairing: %v", err)
	}

	if _, ok := doc.Object("Box"); !ok {
		t.Error("Box was not created")
	}
	if result.SessionID == "" {
		t.Error("no session snapshot taken")
	}
	if _, err := agent.Sessions().Get(context.Background(), result.SessionID); err != nil {
		t.Errorf("session not stored: %v", err)
	}
}

// flakyTool fails the first n invocations, then succeeds.
func flakyTool(failures int) (ToolSpec, *int32) {
	var count int32
	spec := ToolSpec{
		Name:        "flaky",
		Description: "fails then succeeds",
		Parameters:  SchemaFor[struct{}](),
		Handler: func(_ context.Context, _ json.RawMessage, _ Document) (string, error) {
			n := atomic.AddInt32(&count, 1)
			if int(n) <= failures {
				return "", fmt.Errorf("attempt %d failed", n)
			}
			return "done", nil
		},
	}
	return spec, &count
}

func retryScript(t *testing.T, failures int) *scriptedLM {
	t.Helper()
	// Keep calling the tool until a result succeeds, then answer.
	return &scriptedLM{script: func(call int) []llmwire.StreamEvent {
		if call <= failures {
			return assistantToolCall(fmt.Sprintf("c%d", call), "flaky", `{}`)
		}
		return assistantText("recovered")
	}}
}

func TestRetryBudgetAllowsRecovery(t *testing.T) {
	// F=2 failures with budget R=3: the loop must complete.
	spec, _ := flakyTool(2)
	reg := NewToolRegistry()
	if err := reg.Register(spec); err != nil {
		t.Fatal(err)
	}
	agent, _ := newTestAgent(t, testConfig(), retryScript(t, 2), WithRegistry(reg))

	result := agent.Run(context.Background(), "try the flaky thing")
	if result.State != StateCompleted {
		t.Fatalf("state = %s, err = %v", result.State, result.Err)
	}
	if result.Output != "recovered" {
		t.Errorf("output = %q", result.Output)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	// Budget R=1: the second failure of the class exceeds it.
	cfg := testConfig()
	cfg.RetryBudget = 1
	spec, count := flakyTool(100)
	reg := NewToolRegistry()
	if err := reg.Register(spec); err != nil {
		t.Fatal(err)
	}
	agent, _ := newTestAgent(t, cfg, retryScript(t, 100), WithRegistry(reg))

	result := agent.Run(context.Background(), "try the flaky thing")
	if result.State != StateError {
		t.Fatalf("state = %s", result.State)
	}
	var exhausted *RetryBudgetExhaustedError
	if !errors.As(result.Err, &exhausted) {
		t.Fatalf("err = %v", result.Err)
	}
	if got := int(atomic.LoadInt32(count)); got != 2 {
		t.Errorf("handler ran %d times, want 2", got)
	}
	// Failed batches are still committed; the failure record is visible.
	if err := ValidatePairing(agent.History()); err != nil {
		t.Errorf("pairing: %v", err)
	}
}

func TestIterationCapStopsExactly(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIterations = 3
	var invocations int32
	reg := NewToolRegistry()
	err := reg.Register(ToolSpec{
		Name:        "ping",
		Description: "always succeeds",
		Parameters:  SchemaFor[struct{}](),
		Handler: func(_ context.Context, _ json.RawMessage, _ Document) (string, error) {
			atomic.AddInt32(&invocations, 1)
			return "pong", nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	// The model never stops calling tools.
	lm := &scriptedLM{script: func(call int) []llmwire.StreamEvent {
		return assistantToolCall(fmt.Sprintf("c%d", call), "ping", `{}`)
	}}
	agent, _ := newTestAgent(t, cfg, lm, WithRegistry(reg))

	result := agent.Run(context.Background(), "loop forever")
	var limitErr *IterationLimitError
	if result.State != StateError || !errors.As(result.Err, &limitErr) {
		t.Fatalf("state = %s, err = %v", result.State, result.Err)
	}
	if got := int(atomic.LoadInt32(&invocations)); got != 3 {
		t.Errorf("tool batches executed = %d, want exactly 3", got)
	}
}

func TestCancellationMidStreamLeavesHistoryUntouched(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	lm := &cancellingLM{cancel: cancel}
	client := llmwire.NewClient(llmwire.WithAdapter(lm), llmwire.WithDefaultProvider("mock"))
	agent, err := NewAgent(testConfig(), client, NewMemDocument("Test"), nil,
		WithRetryPolicy(llmwire.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}))
	if err != nil {
		t.Fatal(err)
	}
	defer agent.Close()

	// First turn completes normally to establish a non-empty baseline.
	if r := agent.Run(context.Background(), "hello"); r.State != StateCompleted {
		t.Fatalf("baseline turn: state = %s, err = %v", r.State, r.Err)
	}
	pre := len(agent.History())

	result := agent.Run(ctx, "make something")
	if result.State != StateCancelled {
		t.Fatalf("state = %s, err = %v", result.State, result.Err)
	}
	if got := len(agent.History()); got != pre {
		t.Errorf("history length = %d, want %d (unchanged)", got, pre)
	}
}

// cancellingLM emits one delta, cancels the turn, then fails the stream
// the way a torn connection would.
type cancellingLM struct {
	cancel context.CancelFunc
	calls  int32
}

func (c *cancellingLM) Name() string { return "mock" }

func (c *cancellingLM) Stream(ctx context.Context, req llmwire.Request) (<-chan llmwire.StreamEvent, error) {
	if atomic.AddInt32(&c.calls, 1) == 1 {
		// First turn completes normally so the test has a baseline.
		ch := make(chan llmwire.StreamEvent, 2)
		ch <- llmwire.StreamEvent{Type: llmwire.ContentDelta, Delta: "ok"}
		ch <- llmwire.StreamEvent{Type: llmwire.StreamEnd, FinishReason: llmwire.FinishStop}
		close(ch)
		return ch, nil
	}
	ch := make(chan llmwire.StreamEvent, 2)
	go func() {
		defer close(ch)
		ch <- llmwire.StreamEvent{Type: llmwire.ContentDelta, Delta: "partial"}
		c.cancel()
		<-ctx.Done()
		ch <- llmwire.StreamEvent{Type: llmwire.StreamError, Err: llmwire.NewNetworkError("mock", "stream cancelled", ctx.Err())}
	}()
	return ch, nil
}

func TestUnknownToolIsRecoverable(t *testing.T) {
	lm := &scriptedLM{script: func(call int) []llmwire.StreamEvent {
		if call == 0 {
			return assistantToolCall("c1", "bogus_tool", `{}`)
		}
		return assistantText("sorry, used the wrong tool")
	}}
	agent, _ := newTestAgent(t, testConfig(), lm)

	result := agent.Run(context.Background(), "do the thing")
	if result.State != StateCompleted {
		t.Fatalf("state = %s, err = %v", result.State, result.Err)
	}
	history := agent.History()
	found := false
	for _, msg := range history {
		if msg.Role == llmwire.RoleTool && strings.Contains(msg.Content, "unknown tool") {
			found = true
		}
	}
	if !found {
		t.Error("unknown-tool error was not fed back as a tool result")
	}
}

func TestPlanModeSkipsExecution(t *testing.T) {
	cfg := testConfig()
	cfg.PlanMode = true
	lm := &scriptedLM{script: func(call int) []llmwire.StreamEvent {
		if call == 0 {
			return assistantToolCall("c1", "create_primitive", `{"shape":"box","length":5,"width":5,"height":5}`)
		}
		return assistantText("I would create a 5mm box.")
	}}
	agent, doc := newTestAgent(t, cfg, lm)

	result := agent.Run(context.Background(), "plan a box")
	if result.State != StateCompleted {
		t.Fatalf("state = %s, err = %v", result.State, result.Err)
	}
	if len(doc.Objects()) != 0 {
		t.Error("plan mode executed a tool")
	}
	history := agent.History()
	if err := ValidatePairing(history); err != nil {
		t.Errorf("pairing: %v", err)
	}
	found := false
	for _, msg := range history {
		if msg.Role == llmwire.RoleTool && strings.Contains(msg.Content, "[plan mode]") {
			found = true
		}
	}
	if !found {
		t.Error("plan mode marker missing from tool result")
	}
}

func TestProviderErrorSurfacesWithoutHistoryChange(t *testing.T) {
	lm := &scriptedLM{script: func(call int) []llmwire.StreamEvent {
		return []llmwire.StreamEvent{
			{Type: llmwire.StreamError, Err: llmwire.NewProviderError("mock", "malformed stream", 0, nil)},
		}
	}}
	agent, _ := newTestAgent(t, testConfig(), lm)

	result := agent.Run(context.Background(), "hello")
	if result.State != StateError {
		t.Fatalf("state = %s", result.State)
	}
	var provErr *llmwire.ProviderError
	if !errors.As(result.Err, &provErr) {
		t.Fatalf("err = %v", result.Err)
	}
	if len(agent.History()) != 0 {
		t.Errorf("history length = %d, want 0", len(agent.History()))
	}
}

func TestSkillCommands(t *testing.T) {
	skills := NewSkillSet()
	err := skills.Register(Skill{
		Name:        "ridge",
		Description: "inject ridge design guidance",
		Resolve: func(args string) SkillResolution {
			return SkillResolution{InjectPrompt: "Use 0.5mm clearance for ridges."}
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	var seenPrompt string
	lm := &scriptedLM{}
	lm.script = func(call int) []llmwire.StreamEvent {
		return assistantText("done")
	}
	client := llmwire.NewClient(llmwire.WithAdapter(lm), llmwire.WithDefaultProvider("mock"),
		llmwire.WithMiddleware(func(next llmwire.StreamFunc) llmwire.StreamFunc {
			return func(ctx context.Context, req llmwire.Request) (<-chan llmwire.StreamEvent, error) {
				seenPrompt = req.Messages[len(req.Messages)-1].Content
				return next(ctx, req)
			}
		}))
	agent, err := NewAgent(testConfig(), client, NewMemDocument("Test"), nil, WithSkills(skills),
		WithRetryPolicy(llmwire.RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}))
	if err != nil {
		t.Fatal(err)
	}
	defer agent.Close()

	// Inject-prompt skill prepends guidance to the turn input.
	result := agent.Run(context.Background(), "/ridge add a ridge")
	if result.State != StateCompleted {
		t.Fatalf("state = %s, err = %v", result.State, result.Err)
	}
	if !strings.Contains(seenPrompt, "0.5mm clearance") {
		t.Errorf("injected prompt missing: %q", seenPrompt)
	}

	// The /skills listing answers locally without a model call.
	before := atomic.LoadInt32(&lm.calls)
	result = agent.Run(context.Background(), "/skills")
	if result.State != StateCompleted {
		t.Fatalf("state = %s, err = %v", result.State, result.Err)
	}
	if !strings.Contains(result.Output, "/ridge") {
		t.Errorf("listing = %q", result.Output)
	}
	if atomic.LoadInt32(&lm.calls) != before {
		t.Error("listing triggered a model call")
	}

	// Unknown commands fail without touching history.
	pre := len(agent.History())
	result = agent.Run(context.Background(), "/nope")
	if result.State != StateError {
		t.Fatalf("state = %s", result.State)
	}
	if len(agent.History()) != pre {
		t.Error("failed command modified history")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	lm := &scriptedLM{script: func(call int) []llmwire.StreamEvent {
		if call == 0 {
			return assistantToolCall("c1", "create_primitive", `{"shape":"sphere","radius":4}`)
		}
		return assistantText("made a sphere")
	}}
	agent, _ := newTestAgent(t, testConfig(), lm)

	result := agent.Run(context.Background(), "sphere please")
	if result.State != StateCompleted {
		t.Fatalf("state = %s, err = %v", result.State, result.Err)
	}
	original := agent.History()

	if err := agent.RestoreSession(context.Background(), result.SessionID); err != nil {
		t.Fatalf("RestoreSession: %v", err)
	}
	restored := agent.History()
	if len(restored) != len(original) {
		t.Fatalf("restored length = %d, want %d", len(restored), len(original))
	}
	for i := range original {
		if restored[i].Role != original[i].Role ||
			restored[i].Content != original[i].Content ||
			restored[i].ToolCallID != original[i].ToolCallID ||
			len(restored[i].ToolCalls) != len(original[i].ToolCalls) {
			t.Errorf("message %d differs: %+v vs %+v", i, restored[i], original[i])
		}
	}
	if err := ValidatePairing(restored); err != nil {
		t.Errorf("pairing after restore: %v", err)
	}
}
