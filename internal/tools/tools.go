// Package tools defines the tools available to the agent and the
// registry that executes them.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Handler runs a tool. args have already been checked against the
// tool's parameter schema.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Spec describes a callable tool.
type Spec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`
}

// Call is one tool invocation requested by the model. ID is unique
// within a single model turn.
type Call struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Registry holds the available tools. It is safe for concurrent use.
// After Freeze no more tools can be registered.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*registered
	frozen bool
	logger *slog.Logger
}

type registered struct {
	spec   Spec
	schema *jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*registered),
		logger: logger,
	}
}

// Register adds a copy of s. Names must be unique and Parameters, when
// set, must be a valid JSON Schema. Later changes to s do not affect the
// registry.
func (r *Registry) Register(s *Spec) error {
	if s == nil || s.Name == "" {
		return fmt.Errorf("tool has no name")
	}
	if s.Handler == nil {
		return fmt.Errorf("tool %q has no handler", s.Name)
	}

	t := &registered{spec: *s}
	if s.Parameters == nil {
		t.spec.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	} else {
		t.spec.Parameters = cloneMap(s.Parameters)
	}
	schema, err := CompileSchema(s.Name, t.spec.Parameters)
	if err != nil {
		return err
	}
	t.schema = schema

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("register %q: %w", s.Name, ErrRegistryFrozen)
	}
	if _, ok := r.tools[s.Name]; ok {
		return &DuplicateToolError{Name: s.Name}
	}
	r.tools[s.Name] = t
	return nil
}

// Freeze stops further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get looks up a tool by name. The result is a copy.
func (r *Registry) Get(name string) (*Spec, error) {
	t, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	s := t.spec
	s.Parameters = cloneMap(t.spec.Parameters)
	return &s, nil
}

func (r *Registry) lookup(name string) (*registered, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, &UnknownToolError{Name: name}
	}
	return t, nil
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tools in the function-calling shape shared by
// Ollama and OpenAI, sorted by name so prompts are stable.
func (r *Registry) Definitions() []map[string]any {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]map[string]any, 0, len(names))
	for _, name := range names {
		s := r.tools[name].spec
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        s.Name,
				"description": s.Description,
				"parameters":  cloneMap(s.Parameters),
			},
		})
	}
	return out
}

// Execute runs call and returns the tool's output. Every failure
// (unknown tool, invalid arguments, handler error, handler panic,
// cancellation) comes back as a *ToolExecutionError. If ctx ends first
// the handler is abandoned and its eventual result discarded.
func (r *Registry) Execute(ctx context.Context, call Call) (string, error) {
	fail := func(err error) (string, error) {
		return "", &ToolExecutionError{Tool: call.Name, CallID: call.ID, Err: err}
	}

	t, err := r.lookup(call.Name)
	if err != nil {
		return fail(err)
	}
	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if err := ValidateArgs(t.schema, args); err != nil {
		return fail(err)
	}

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("tool panicked",
					"tool", call.Name,
					"call_id", call.ID,
					"panic", p,
					"stack", string(debug.Stack()),
				)
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		out, err := t.spec.Handler(ctx, args)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		r.logger.Debug("tool executed",
			"tool", call.Name,
			"call_id", call.ID,
			"elapsed", time.Since(start),
			"result_len", len(o.out),
			"error", o.err,
		)
		if o.err != nil {
			return fail(o.err)
		}
		return o.out, nil
	case <-ctx.Done():
		r.logger.Warn("tool abandoned",
			"tool", call.Name,
			"call_id", call.ID,
			"elapsed", time.Since(start),
			"error", ctx.Err(),
		)
		return fail(ctx.Err())
	}
}

// cloneMap deep-copies the map, slice, and scalar values a schema is
// built from.
func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), v...)
	}
	return v
}
