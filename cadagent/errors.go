package cadagent

import "fmt"

// FailureClass buckets recoverable tool failures for retry accounting.
// The self-correction budget is tracked per class, so repeated validation
// rejections exhaust independently of repeated execution errors.
type FailureClass string

const (
	FailureValidation  FailureClass = "validation"
	FailureExecution   FailureClass = "execution"
	FailureTimeout     FailureClass = "timeout"
	FailureUnknownTool FailureClass = "unknown_tool"
)

// DuplicateNameError is returned when registering a tool whose name is
// already taken.
type DuplicateNameError struct {
	Name string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("tool %q already registered", e.Name)
}

// ToolNotFoundError is returned when resolving an unregistered tool name.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

// ValidationError rejects an operation before execution: malformed
// arguments or code matching the unsafe-construct deny list.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// ExecutionError reports a handler failure, timeout, or panic. The
// document has been rolled back by the time it is observed.
type ExecutionError struct {
	Tool    string
	Timeout bool
	Cause   error
}

func (e *ExecutionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("tool %q timed out", e.Tool)
	}
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Cause)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// IterationLimitError terminates a turn that ran the configured maximum
// number of tool batches without completing.
type IterationLimitError struct {
	Limit int
}

func (e *IterationLimitError) Error() string {
	return fmt.Sprintf("turn stopped after reaching the iteration limit of %d tool rounds", e.Limit)
}

// RetryBudgetExhaustedError terminates a turn whose failures of one class
// exceeded the self-correction budget. It signals that human guidance is
// needed.
type RetryBudgetExhaustedError struct {
	Class  FailureClass
	Budget int
}

func (e *RetryBudgetExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d %s failures; please advise how to proceed", e.Budget, e.Class)
}

// classifyFailure maps an execution failure onto its retry bucket.
func classifyFailure(err error) FailureClass {
	switch e := err.(type) {
	case *ValidationError:
		return FailureValidation
	case *ToolNotFoundError:
		return FailureUnknownTool
	case *ExecutionError:
		if e.Timeout {
			return FailureTimeout
		}
		return FailureExecution
	default:
		return FailureExecution
	}
}
