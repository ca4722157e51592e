package cadagent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ghbalf/freecad-ai/llmwire"
)

// TurnState is the lifecycle state of the active turn.
type TurnState string

const (
	StateIdle             TurnState = "idle"
	StateStreaming        TurnState = "streaming"
	StateToolCallsPending TurnState = "tool_calls_pending"
	StateCompleted        TurnState = "completed"
	StateError            TurnState = "error"
	StateCancelled        TurnState = "cancelled"
)

// TurnResult reports how a turn ended. Err is set for StateError; Output
// carries the final assistant text for StateCompleted.
type TurnResult struct {
	State     TurnState
	Output    string
	Err       error
	SessionID string
}

// Agent is the turn-by-turn state machine driving the document through
// the model. One turn is active at a time; messages enter the
// conversation only at safe points (complete tool batches and turn
// completion), so a cancelled turn never leaves partial state behind.
type Agent struct {
	cfg         Config
	client      *llmwire.Client
	registry    *ToolRegistry
	executor    *Executor
	conv        *Conversation
	store       SessionStore
	emitter     *EventEmitter
	skills      *SkillSet
	retryPolicy llmwire.RetryPolicy

	instructions string
	charLimits   map[string]int

	mu     sync.Mutex
	state  TurnState
	active bool
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithRegistry replaces the default tool catalog.
func WithRegistry(r *ToolRegistry) AgentOption {
	return func(a *Agent) { a.registry = r }
}

// WithSessionStore replaces the session store chosen from config.
func WithSessionStore(s SessionStore) AgentOption {
	return func(a *Agent) { a.store = s }
}

// WithSkills enables slash-command resolution.
func WithSkills(s *SkillSet) AgentOption {
	return func(a *Agent) { a.skills = s }
}

// WithInstructions sets project instructions appended to the system
// prompt, typically from LoadProjectInstructions.
func WithInstructions(text string) AgentOption {
	return func(a *Agent) { a.instructions = text }
}

// WithRetryPolicy overrides the transport retry policy.
func WithRetryPolicy(p llmwire.RetryPolicy) AgentOption {
	return func(a *Agent) { a.retryPolicy = p }
}

// WithToolOutputLimits overrides per-tool output character limits.
func WithToolOutputLimits(limits map[string]int) AgentOption {
	return func(a *Agent) { a.charLimits = limits }
}

// NewAgent wires an agent around the given document. When no registry is
// supplied, the built-in CAD catalog is installed with runner as the
// execute_code backend (nil disables it).
func NewAgent(cfg Config, client *llmwire.Client, doc Document, runner CodeRunner, opts ...AgentOption) (*Agent, error) {
	a := &Agent{
		cfg:         cfg,
		client:      client,
		executor:    NewExecutor(doc, cfg.ToolTimeout),
		emitter:     NewEventEmitter(256),
		retryPolicy: llmwire.DefaultRetryPolicy(),
		state:       StateIdle,
	}
	counter := NewTokenCounter(cfg.Model)
	a.conv = NewConversation(counter, WithKeepRecent(cfg.KeepRecent))
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = NewToolRegistry()
		if err := RegisterCADTools(a.registry, runner); err != nil {
			return nil, err
		}
	}
	if a.store == nil {
		if cfg.SessionDBPath != "" {
			store, err := NewSQLiteSessionStore(cfg.SessionDBPath)
			if err != nil {
				return nil, err
			}
			a.store = store
		} else {
			a.store = NewMemorySessionStore()
		}
	}
	return a, nil
}

// Events returns the event channel for progressive display.
func (a *Agent) Events() <-chan AgentEvent { return a.emitter.Events() }

// State returns the current turn state.
func (a *Agent) State() TurnState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// History returns the committed conversation history.
func (a *Agent) History() []llmwire.Message { return a.conv.History() }

// Registry returns the tool registry, for host-side additions.
func (a *Agent) Registry() *ToolRegistry { return a.registry }

// Sessions returns the session store.
func (a *Agent) Sessions() SessionStore { return a.store }

// RestoreSession loads a stored session into the conversation.
func (a *Agent) RestoreSession(ctx context.Context, id string) error {
	a.mu.Lock()
	if a.active {
		a.mu.Unlock()
		return fmt.Errorf("cannot restore while a turn is active")
	}
	a.mu.Unlock()
	sess, err := a.store.Get(ctx, id)
	if err != nil {
		return err
	}
	a.conv.Restore(sess)
	return nil
}

// Close releases the agent's resources.
func (a *Agent) Close() error {
	a.emitter.Close()
	return a.store.Close()
}

func (a *Agent) setState(s TurnState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// Run processes one user input to a terminal state. Cancellation of ctx
// stops the turn cooperatively: the active stream is abandoned, staged
// messages are discarded, and the conversation is left exactly at its
// last safe point.
func (a *Agent) Run(ctx context.Context, input string) TurnResult {
	a.mu.Lock()
	if a.active {
		a.mu.Unlock()
		return TurnResult{State: StateError, Err: fmt.Errorf("a turn is already active")}
	}
	a.active = true
	a.state = StateStreaming
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.active = false
		a.mu.Unlock()
	}()

	a.emitter.Emit(EventTurnStart, map[string]interface{}{"input": input})
	result := a.runTurn(ctx, input)
	a.setState(result.State)
	data := map[string]interface{}{"state": string(result.State)}
	if result.Err != nil {
		data["error"] = result.Err.Error()
	}
	a.emitter.Emit(EventTurnEnd, data)
	return result
}

func (a *Agent) runTurn(ctx context.Context, input string) TurnResult {
	// Slash commands resolve before any model call.
	if a.skills != nil && a.skills.IsCommand(input) {
		res := a.skills.Resolve(input)
		a.emitter.Emit(EventSkillResolved, map[string]interface{}{"input": input})
		switch {
		case res.Error != "":
			return TurnResult{State: StateError, Err: errors.New(res.Error)}
		case res.Output != "":
			a.conv.Append(llmwire.UserMessage(input), llmwire.AssistantMessage(res.Output))
			sessionID := a.persistSnapshot(ctx)
			return TurnResult{State: StateCompleted, Output: res.Output, SessionID: sessionID}
		case res.InjectPrompt != "":
			input = res.InjectPrompt + "\n\n" + input
		}
	}

	// staged holds messages not yet committed to the conversation. They
	// move in together at safe points so cancellation can discard them
	// wholesale.
	staged := []llmwire.Message{llmwire.UserMessage(input)}
	retryCounts := make(map[FailureClass]int)
	iteration := 0

	for {
		if ctx.Err() != nil {
			return TurnResult{State: StateCancelled}
		}

		if a.conv.CompactIfNeeded(a.cfg.CompactionThreshold()) {
			a.emitter.Emit(EventCompaction, map[string]interface{}{
				"tokens": a.conv.EstimateTokens(),
			})
		}

		a.setState(StateStreaming)
		acc, err := a.streamOnce(ctx, staged)
		if err != nil {
			if ctx.Err() != nil {
				return TurnResult{State: StateCancelled}
			}
			return TurnResult{State: StateError, Err: err}
		}

		assistant := acc.Message()
		staged = append(staged, assistant)

		if len(assistant.ToolCalls) == 0 {
			a.conv.Append(staged...)
			sessionID := a.persistSnapshot(ctx)
			return TurnResult{State: StateCompleted, Output: assistant.Content, SessionID: sessionID}
		}

		a.setState(StateToolCallsPending)
		for _, call := range assistant.ToolCalls {
			// Cooperative cancellation: never start another tool once
			// the signal is observed, and never commit a partial batch.
			if ctx.Err() != nil {
				return TurnResult{State: StateCancelled}
			}
			content, failure := a.dispatchTool(ctx, call)
			staged = append(staged, llmwire.ToolResultMessage(call.ID, content))
			if failure != "" {
				retryCounts[failure]++
			}
		}

		// Safe point: the batch is complete, commit it.
		a.conv.Append(staged...)
		staged = staged[:0]

		for class, count := range retryCounts {
			if count > a.cfg.RetryBudget {
				err := &RetryBudgetExhaustedError{Class: class, Budget: a.cfg.RetryBudget}
				sessionID := a.persistSnapshot(ctx)
				return TurnResult{State: StateError, Err: err, SessionID: sessionID}
			}
		}

		iteration++
		if iteration >= a.cfg.MaxIterations {
			err := &IterationLimitError{Limit: a.cfg.MaxIterations}
			sessionID := a.persistSnapshot(ctx)
			return TurnResult{State: StateError, Err: err, SessionID: sessionID}
		}
	}
}

// streamOnce performs one model call over committed history plus staged
// messages, forwarding deltas and accumulating the assistant message.
// Transport retries happen here; tool-failure budgets do not apply.
func (a *Agent) streamOnce(ctx context.Context, staged []llmwire.Message) (*llmwire.StreamAccumulator, error) {
	system := BuildSystemPrompt(a.executor.Document(), a.instructions, a.cfg.PlanMode)
	history := a.conv.History()
	messages := make([]llmwire.Message, 0, len(history)+len(staged)+1)
	messages = append(messages, llmwire.SystemMessage(system))
	messages = append(messages, history...)
	messages = append(messages, staged...)

	req := llmwire.Request{
		Model:       a.cfg.Model,
		Provider:    a.cfg.Provider,
		Messages:    messages,
		Tools:       a.registry.Declarations(),
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
	}

	attempts := 0
	events, err := llmwire.Retry(ctx, a.retryPolicy, func(ctx context.Context) (<-chan llmwire.StreamEvent, error) {
		attempts++
		if attempts > 1 {
			a.emitter.Emit(EventWarning, map[string]interface{}{
				"message": fmt.Sprintf("retrying model request (attempt %d)", attempts),
			})
		}
		return a.client.Stream(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	acc := llmwire.NewStreamAccumulator()
	for ev := range events {
		switch ev.Type {
		case llmwire.ContentDelta:
			a.emitter.Emit(EventAssistantDelta, map[string]interface{}{"delta": ev.Delta})
		case llmwire.ReasoningDelta:
			a.emitter.Emit(EventReasoningDelta, map[string]interface{}{"delta": ev.Delta})
		}
		if acc.Add(ev) {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if acc.Err() != nil {
		return nil, acc.Err()
	}
	return acc, nil
}

// dispatchTool runs one call through registry and executor and returns
// the tool-result content plus the failure class for retry accounting
// (empty on success).
func (a *Agent) dispatchTool(ctx context.Context, call llmwire.ToolCall) (string, FailureClass) {
	a.emitter.Emit(EventToolCallStart, map[string]interface{}{
		"tool": call.Name, "call_id": call.ID,
	})

	if a.cfg.PlanMode {
		content := fmt.Sprintf("[plan mode] %s was not executed.", call.Name)
		a.emitter.Emit(EventToolCallEnd, map[string]interface{}{
			"call_id": call.ID, "output": content,
		})
		return content, ""
	}

	spec, err := a.registry.Resolve(call.Name)
	if err != nil {
		content := "Error: " + err.Error()
		a.emitter.Emit(EventToolCallEnd, map[string]interface{}{
			"call_id": call.ID, "error": content,
		})
		return content, classifyFailure(err)
	}

	result := a.executor.Invoke(ctx, spec, call.Arguments)
	content := TruncateToolOutput(result.Message(), call.Name, a.charLimits)
	data := map[string]interface{}{"call_id": call.ID, "output": result.Message()}
	if !result.Success {
		data["error"] = result.Err.Error()
	}
	a.emitter.Emit(EventToolCallEnd, data)

	if result.Success {
		return content, ""
	}
	return content, classifyFailure(result.Err)
}

// persistSnapshot stores a session for the completed turn. Store
// failures are reported as warnings; they never fail the turn.
func (a *Agent) persistSnapshot(ctx context.Context) string {
	sess := a.conv.Snapshot()
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := a.store.Put(ctx, sess); err != nil {
		a.emitter.Emit(EventWarning, map[string]interface{}{
			"message": "failed to persist session: " + err.Error(),
		})
	}
	return sess.ID
}
