// Package cadagent orchestrates a language model driving a CAD document.
//
// The package is organized around five cooperating pieces:
//
//   - ToolRegistry maps tool names to schemas and handlers and produces
//     the declarations sent with every model request.
//   - Executor validates, sandboxes, and transactionally wraps each tool
//     invocation so any failure rolls the document back.
//   - Conversation holds ordered history with token accounting and
//     compaction under a budget.
//   - SessionStore persists completed conversations for later restore.
//   - Agent is the turn state machine tying the above to a streaming
//     llmwire client, with self-correction retries and an iteration cap.
//
// The host supplies a Document implementation and consumes progressive
// output through the agent's event channel.
package cadagent
