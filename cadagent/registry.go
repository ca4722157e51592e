package cadagent

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/ghbalf/freecad-ai/llmwire"
)

// ToolHandler executes one tool invocation against the document. The
// arguments have already been checked against the tool's schema deny
// rules; the handler is still responsible for semantic validation. It
// runs inside an executor sandbox and may be abandoned on timeout, so it
// must observe ctx.
type ToolHandler func(ctx context.Context, args json.RawMessage, doc Document) (string, error)

// ToolSpec describes one registered tool.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	Handler     ToolHandler

	// ReadOnly tools skip the transactional wrap since they cannot
	// mutate the document.
	ReadOnly bool
}

// ToolRegistry is the name to spec lookup shared by the agent loop and
// the provider declarations. Registration order is preserved.
type ToolRegistry struct {
	mu    sync.RWMutex
	specs map[string]*ToolSpec
	order []string
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{specs: make(map[string]*ToolSpec)}
}

// Register adds a tool. A name collision is a caller bug and returns
// DuplicateNameError.
func (r *ToolRegistry) Register(spec ToolSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Name]; exists {
		return &DuplicateNameError{Name: spec.Name}
	}
	r.specs[spec.Name] = &spec
	r.order = append(r.order, spec.Name)
	return nil
}

// Resolve returns the spec for name or ToolNotFoundError.
func (r *ToolRegistry) Resolve(name string) (*ToolSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[name]
	if !ok {
		return nil, &ToolNotFoundError{Name: name}
	}
	return spec, nil
}

// Declarations returns the schema list for a provider request, in
// registration order.
func (r *ToolRegistry) Declarations() []llmwire.ToolDecl {
	r.mu.RLock()
	defer r.mu.RUnlock()
	decls := make([]llmwire.ToolDecl, 0, len(r.order))
	for _, name := range r.order {
		spec := r.specs[name]
		decls = append(decls, llmwire.ToolDecl{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.Parameters,
		})
	}
	return decls
}

// Names returns registered tool names in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// SchemaFor reflects a parameter struct into the JSON schema map sent to
// providers. Schemas are inlined with additional properties forbidden so
// the model cannot invent argument fields.
func SchemaFor[T any]() map[string]interface{} {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema := reflector.Reflect(new(T))
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]interface{}{"type": "object"}
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]interface{}{"type": "object"}
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}
