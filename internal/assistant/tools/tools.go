// Package tools provides the tool registry consumed by the orchestrator.
//
// A tool is an opaque business capability with a uniform contract: it takes
// the request session context plus a structured input map and returns either
// a success payload or a typed domain failure.  The orchestrator never
// interprets tool payloads; it only forwards them.
//
// Expected business-rule failures (e.g. "invoice not found") come back as a
// *Error inside the Result, never as a Go error.  A non-nil Go error from
// Execute means the call itself failed (collaborator outage, cancelled
// context) and is treated as an infrastructure failure by the caller.
package tools

import (
	"context"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/solari-hq/spine/internal/assistant/session"
)

// ErrorCode is a machine-readable domain failure category.
type ErrorCode string

const (
	CodeNotFound     ErrorCode = "not_found"
	CodeInvalidInput ErrorCode = "invalid_input"
	CodeConflict     ErrorCode = "conflict"
	CodeForbidden    ErrorCode = "forbidden"
)

// Error is a typed, expected business-rule failure reported by a tool.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface so tool failures compose with %w when
// a caller chooses to wrap them.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result is the outcome of one tool execution.
type Result struct {
	// OK is true when the tool succeeded; Data carries the payload.
	OK bool `json:"ok"`
	// Data is the opaque success payload.
	Data any `json:"data,omitempty"`
	// Err describes the domain failure when OK is false.
	Err *Error `json:"error,omitempty"`
}

// Succeed builds a success Result.
func Succeed(data any) *Result {
	return &Result{OK: true, Data: data}
}

// Fail builds a domain-failure Result.
func Fail(code ErrorCode, message string) *Result {
	return &Result{OK: false, Err: &Error{Code: code, Message: message}}
}

// FailWith builds a domain-failure Result carrying structured details.
func FailWith(code ErrorCode, message string, details map[string]any) *Result {
	return &Result{OK: false, Err: &Error{Code: code, Message: message, Details: details}}
}

// Handler executes a tool.  The context carries the request trace ID,
// deadline, and cancellation signal; implementations must honour it when
// blocking on I/O.
type Handler func(ctx context.Context, sctx session.Context, input map[string]any) (*Result, error)

// Tool describes one registered capability.
type Tool struct {
	// Name is the stable tool name used by the routing table.
	Name string
	// Description is a short human-readable summary, shown in confirmation
	// prompts for sensitive tools.
	Description string
	// Sensitive marks tools whose execution is irreversible or high-impact;
	// the orchestrator gates them behind a confirmation challenge.
	Sensitive bool
	// Consequence is the irreversible effect named in the confirmation
	// prompt (e.g. "money will be returned to the customer").  Only used
	// when Sensitive is true.
	Consequence string
	// InputSchema is an optional JSON Schema document validated against the
	// input before the handler runs.
	InputSchema string
	// Handler executes the tool.
	Handler Handler

	schema *jsonschema.Schema
}

// Registry maps tool names to handlers.  It is populated at startup and
// read-only afterwards; Register is not safe to call concurrently with
// Lookup or Execute.
type Registry struct {
	tools map[string]*Tool
	order []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, compiling its input schema.  It fails on duplicate
// names, missing handlers, or invalid schemas so misconfiguration is caught
// before the first request.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tools: tool name must not be empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: %s: handler must not be nil", t.Name)
	}
	if _, dup := r.tools[t.Name]; dup {
		return fmt.Errorf("tools: duplicate tool registration: %s", t.Name)
	}
	if t.InputSchema != "" {
		schema, err := jsonschema.CompileString(t.Name+".schema.json", t.InputSchema)
		if err != nil {
			return fmt.Errorf("tools: %s: invalid input schema: %w", t.Name, err)
		}
		t.schema = schema
	}
	r.tools[t.Name] = &t
	r.order = append(r.order, t.Name)
	return nil
}

// MustRegister is Register for static registration sequences; it panics on
// error, which indicates a programming mistake.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Validate checks that every required tool name is registered.  Called at
// startup with the routing table's tool list so an unroutable intent is a
// detectable configuration error.
func (r *Registry) Validate(required []string) error {
	for _, name := range required {
		if _, ok := r.tools[name]; !ok {
			return fmt.Errorf("tools: routing table references unregistered tool %q", name)
		}
	}
	return nil
}

// Execute validates input against the tool's schema and runs the handler.
// Schema violations are returned as a domain-failure Result (invalid_input),
// not as a Go error: the request was understood, the input was wrong.
func (r *Registry) Execute(ctx context.Context, sctx session.Context, name string, input map[string]any) (*Result, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tools: no tool registered under %q", name)
	}

	if t.schema != nil {
		if err := t.schema.Validate(normalizeForSchema(input)); err != nil {
			return FailWith(CodeInvalidInput, fmt.Sprintf("input does not match the %s schema", name),
				map[string]any{"validation": err.Error()}), nil
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("tools: %s: %w", name, err)
	}

	res, err := t.Handler(ctx, sctx, input)
	if err != nil {
		return nil, fmt.Errorf("tools: %s: %w", name, err)
	}
	if res == nil {
		return nil, fmt.Errorf("tools: %s: handler returned nil result", name)
	}
	return res, nil
}

// normalizeForSchema converts the input map into the generic form the schema
// validator expects (map[string]interface{} with JSON-compatible values).
func normalizeForSchema(input map[string]any) any {
	if input == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		switch n := v.(type) {
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		default:
			out[k] = v
		}
	}
	return out
}
