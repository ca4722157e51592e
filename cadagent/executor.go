package cadagent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"
)

// ExecutionResult is the outcome of one tool invocation. A failed result
// is not fatal to the turn: the agent feeds it back to the model as a
// tool-result message.
type ExecutionResult struct {
	Success    bool
	Output     string
	Err        error
	RolledBack bool
}

// Message renders the result as tool-result content for the model.
func (r ExecutionResult) Message() string {
	if r.Success {
		return r.Output
	}
	msg := "Error: " + r.Err.Error()
	if r.RolledBack {
		msg += " (all changes from this operation were rolled back)"
	}
	return msg
}

// denyRule rejects a code or argument construct before execution.
type denyRule struct {
	re     *regexp.Regexp
	reason string
}

var denyRules = []denyRule{
	{regexp.MustCompile(`\bos\.system\b`), "shell escape via os.system"},
	{regexp.MustCompile(`\bsubprocess\b`), "process spawning via subprocess"},
	{regexp.MustCompile(`\bshutil\.rmtree\b`), "recursive filesystem deletion"},
	{regexp.MustCompile(`__import__\s*\(\s*['"](os|sys|subprocess|shutil)['"]`), "dynamic import of a system module"},
	{regexp.MustCompile(`\b(eval|exec)\s*\(`), "dynamic code evaluation"},
	{regexp.MustCompile(`\bopen\s*\([^)]*['"][wa]\+?['"]`), "filesystem write"},
	{regexp.MustCompile(`\b(socket|urllib|requests|http\.client)\b`), "network access"},
	{regexp.MustCompile(`(?s)\bfor\b[^\n]*\bin\b.{0,120}removeObject`), "bulk object deletion in a loop"},
}

// ValidateCode checks a code string against the unsafe-construct deny
// list. It inspects text, not semantics, so it errs toward rejection.
func ValidateCode(code string) error {
	for _, rule := range denyRules {
		if rule.re.MatchString(code) {
			return &ValidationError{Reason: rule.reason}
		}
	}
	return nil
}

// validateArguments applies the deny list to every string carried inside
// the structured arguments, so unsafe constructs are rejected whether
// they arrive as raw code or smuggled inside an operation field.
func validateArguments(args json.RawMessage) error {
	if len(args) == 0 {
		return nil
	}
	var parsed interface{}
	if err := json.Unmarshal(args, &parsed); err != nil {
		return &ValidationError{Reason: "arguments are not valid JSON"}
	}
	return walkStrings(parsed)
}

func walkStrings(v interface{}) error {
	switch val := v.(type) {
	case string:
		return ValidateCode(val)
	case map[string]interface{}:
		for _, item := range val {
			if err := walkStrings(item); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, item := range val {
			if err := walkStrings(item); err != nil {
				return err
			}
		}
	}
	return nil
}

// Executor runs tool handlers against the document with three layers of
// protection: static validation, a sandboxed time-bounded invocation, and
// a transactional wrap that rolls the document back on any failure. All
// invocations are serialized; the document never sees two concurrent
// mutations.
type Executor struct {
	doc     Document
	timeout time.Duration
	mu      sync.Mutex
}

// DefaultToolTimeout bounds a single tool invocation.
const DefaultToolTimeout = 30 * time.Second

// NewExecutor creates an Executor for the document.
func NewExecutor(doc Document, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	return &Executor{doc: doc, timeout: timeout}
}

// Document returns the document this executor guards.
func (e *Executor) Document() Document { return e.doc }

// Invoke runs one tool call through the full pipeline and never panics
// or raises past its boundary.
func (e *Executor) Invoke(ctx context.Context, spec *ToolSpec, args json.RawMessage) ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := validateArguments(args); err != nil {
		return ExecutionResult{Err: err}
	}

	mutating := !spec.ReadOnly
	if mutating {
		e.doc.OpenTransaction(spec.Name)
	}

	output, err := e.runSandboxed(ctx, spec, args)
	if err != nil {
		if mutating {
			e.doc.AbortTransaction()
		}
		return ExecutionResult{Err: err, RolledBack: mutating}
	}
	if mutating {
		e.doc.CommitTransaction()
	}
	return ExecutionResult{Success: true, Output: output}
}

// runSandboxed executes the handler in its own goroutine under a
// wall-clock deadline, converting panics and timeouts into classified
// errors. The handler only ever sees a revocable handle to the
// document: when the sandbox returns, the handle is revoked, so an
// abandoned handler that ignores runCtx cannot mutate the document
// after the caller has rolled it back.
func (e *Executor) runSandboxed(ctx context.Context, spec *ToolSpec, args json.RawMessage) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	handle := &revocableDoc{doc: e.doc}
	defer handle.revoke()

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		output, err := spec.Handler(runCtx, args, handle)
		done <- outcome{output: output, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if vErr, ok := out.err.(*ValidationError); ok {
				return "", vErr
			}
			return "", &ExecutionError{Tool: spec.Name, Cause: out.err}
		}
		return out.output, nil
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return "", &ExecutionError{Tool: spec.Name, Cause: ctx.Err()}
		}
		return "", &ExecutionError{Tool: spec.Name, Timeout: true, Cause: runCtx.Err()}
	}
}

// errHandleRevoked is returned for any document access attempted after
// the invocation's sandbox has ended.
var errHandleRevoked = fmt.Errorf("tool invocation is no longer active")

// revocableDoc is the document handle passed to handlers. Reads and
// writes fail once revoked, which happens the moment the sandbox
// returns, whether by completion or timeout.
type revocableDoc struct {
	doc     Document
	revoked atomic.Bool
}

func (r *revocableDoc) revoke() { r.revoked.Store(true) }

func (r *revocableDoc) Name() string {
	return r.doc.Name()
}

func (r *revocableDoc) Objects() []*Object {
	if r.revoked.Load() {
		return nil
	}
	return r.doc.Objects()
}

func (r *revocableDoc) Object(name string) (*Object, bool) {
	if r.revoked.Load() {
		return nil, false
	}
	return r.doc.Object(name)
}

func (r *revocableDoc) AddObject(typ string, properties map[string]interface{}) (*Object, error) {
	if r.revoked.Load() {
		return nil, errHandleRevoked
	}
	return r.doc.AddObject(typ, properties)
}

func (r *revocableDoc) RemoveObject(name string) error {
	if r.revoked.Load() {
		return errHandleRevoked
	}
	return r.doc.RemoveObject(name)
}

func (r *revocableDoc) SetProperty(object, property string, value interface{}) error {
	if r.revoked.Load() {
		return errHandleRevoked
	}
	return r.doc.SetProperty(object, property, value)
}

// Transaction control belongs to the Executor; a handler reaching for
// it gets a no-op.
func (r *revocableDoc) OpenTransaction(string) {}
func (r *revocableDoc) CommitTransaction()     {}
func (r *revocableDoc) AbortTransaction()      {}

func (r *revocableDoc) Undo() error {
	if r.revoked.Load() {
		return errHandleRevoked
	}
	return r.doc.Undo()
}

func (r *revocableDoc) Fingerprint() string {
	return r.doc.Fingerprint()
}
